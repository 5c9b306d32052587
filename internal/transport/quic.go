// internal/transport/quic.go
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshlink/internal/proto"
)

const quicALPN = "meshlink-quic"

// QUICLink implements Link over QUIC streams. Peers are identified by an
// 8-byte id preamble written by the dialer on stream open; addresses come
// from an explicit address book filled by the operator or by discovery.
// TLS material is the deterministic development certificate; production
// deployments supply their own identity through the session layer.
type QUICLink struct {
	self     proto.PeerID
	listener *quic.Listener

	mu    sync.Mutex
	addrs map[proto.PeerID]string

	inbox  chan memConn
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func NewQUICLink(listenAddr string, self proto.PeerID) (*QUICLink, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	listener, err := quic.ListenAddr(listenAddr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	l := &QUICLink{
		self:     self,
		listener: listener,
		addrs:    make(map[proto.PeerID]string),
		inbox:    make(chan memConn, 16),
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the bound listen address.
func (l *QUICLink) Addr() string {
	return l.listener.Addr().String()
}

// AddPeer records a dialable address for peer and reports it discovered.
func (l *QUICLink) AddPeer(peer proto.PeerID, addr string) {
	l.mu.Lock()
	l.addrs[peer] = addr
	l.mu.Unlock()
	select {
	case l.events <- Event{Kind: PeerDiscovered, Peer: peer, Addr: addr}:
	case <-l.done:
	default:
	}
}

func (l *QUICLink) Open(ctx context.Context, peer proto.PeerID) (io.ReadWriteCloser, error) {
	l.mu.Lock()
	addr, ok := l.addrs[peer]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no known address for peer %s", peer.Hex())
	}
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write(l.self[:]); err != nil {
		_ = conn.CloseWithError(0, "preamble failed")
		return nil, fmt.Errorf("preamble: %w", err)
	}
	return &quicStream{conn: conn, stream: stream}, nil
}

func (l *QUICLink) Accept(ctx context.Context) (proto.PeerID, io.ReadWriteCloser, error) {
	select {
	case c := <-l.inbox:
		return c.peer, c.stream, nil
	case <-l.done:
		return proto.PeerID{}, nil, ErrLinkClosed
	case <-ctx.Done():
		return proto.PeerID{}, nil, ctx.Err()
	}
}

func (l *QUICLink) Events() <-chan Event {
	return l.events
}

func (l *QUICLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.listener.Close()
	})
	return nil
}

func (l *QUICLink) acceptLoop() {
	for {
		conn, err := l.listener.Accept(context.Background())
		if err != nil {
			return
		}
		go l.acceptStreams(conn)
	}
}

func (l *QUICLink) acceptStreams(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go l.handleStream(conn, stream)
	}
}

func (l *QUICLink) handleStream(conn *quic.Conn, stream *quic.Stream) {
	var peer proto.PeerID
	_ = stream.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(stream, peer[:]); err != nil {
		_ = stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})
	select {
	case l.inbox <- memConn{peer: peer, stream: &quicStream{conn: conn, stream: stream}}:
	case <-l.done:
		_ = stream.Close()
	}
}

// quicStream binds a stream to its connection so closing the duplex
// channel releases both directions.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	err := s.stream.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{quicALPN},
	}, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate so every
// development node trusts the same material without provisioning.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshlink-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}
