// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"meshlink/internal/proto"
)

// The mesh core relays payloads verbatim and delegates confidentiality to
// this capability. Crypto ships two implementations: Identity for relays
// that carry opaque bytes, and XChaCha for sealed links in development
// deployments without the full handshake stack.

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX

	labelPeerKey = "meshlink:peerkey:v1"
)

// Crypto is the session-layer capability the daemon consumes. Both
// directions are fallible.
type Crypto interface {
	Encrypt(plain []byte, peer proto.PeerID) ([]byte, error)
	Decrypt(sealed []byte, peer proto.PeerID) ([]byte, error)
}

// Identity passes payloads through unchanged.
type Identity struct{}

func (Identity) Encrypt(plain []byte, _ proto.PeerID) ([]byte, error)  { return plain, nil }
func (Identity) Decrypt(sealed []byte, _ proto.PeerID) ([]byte, error) { return sealed, nil }

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF derives a 32-byte key from a label and key material parts.
func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// XChaCha seals payloads with XChaCha20-Poly1305 under per-peer keys
// derived from a shared group secret. Nonce is random and prefixed to the
// ciphertext.
type XChaCha struct {
	secret []byte
}

func NewXChaCha(groupSecret []byte) (*XChaCha, error) {
	if len(groupSecret) == 0 {
		return nil, errors.New("empty group secret")
	}
	return &XChaCha{secret: append([]byte(nil), groupSecret...)}, nil
}

func (x *XChaCha) peerKey(peer proto.PeerID) []byte {
	return KDF(labelPeerKey, x.secret, peer[:])
}

func (x *XChaCha) Encrypt(plain []byte, peer proto.PeerID) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.peerKey(peer))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, XNonceSize+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, peer[:]), nil
}

func (x *XChaCha) Decrypt(sealed []byte, peer proto.PeerID) ([]byte, error) {
	if len(sealed) < XNonceSize {
		return nil, errors.New("sealed payload too short")
	}
	aead, err := chacha20poly1305.NewX(x.peerKey(peer))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, sealed[:XNonceSize], sealed[XNonceSize:], peer[:])
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plain, nil
}

// Signer fills the optional packet signature field for locally originated
// announcements. Verification of remote signatures stays with the external
// session layer; the core relays them verbatim.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pub: pub}, nil
}

func (s *Signer) Public() []byte {
	return append([]byte(nil), s.pub...)
}

// SignPacket signs the id-relevant packet fields, matching the bytes that
// feed packet identity derivation.
func (s *Signer) SignPacket(pkt *proto.Packet) []byte {
	id := pkt.ID()
	return ed25519.Sign(s.priv, id[:])
}

// VerifyPacket checks a signature produced by SignPacket.
func VerifyPacket(pub []byte, pkt *proto.Packet, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	id := pkt.ID()
	return ed25519.Verify(ed25519.PublicKey(pub), id[:], sig)
}
