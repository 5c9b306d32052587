package transport

import (
	"context"
	"testing"
	"time"

	"meshlink/internal/proto"
)

func mid(b byte) proto.PeerID {
	var id proto.PeerID
	id[0] = b
	return id
}

func TestAttachAnnouncesMutualDiscovery(t *testing.T) {
	net := NewMemNetwork()
	a := net.Attach(mid(1))
	b := net.Attach(mid(2))

	ev := <-a.Events()
	if ev.Kind != PeerDiscovered || ev.Peer != mid(2) {
		t.Fatalf("a saw %+v", ev)
	}
	ev = <-b.Events()
	if ev.Kind != PeerDiscovered || ev.Peer != mid(1) {
		t.Fatalf("b saw %+v", ev)
	}
}

func TestOpenAcceptCarriesBytes(t *testing.T) {
	net := NewMemNetwork()
	a := net.Attach(mid(1))
	b := net.Attach(mid(2))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		stream, err := a.Open(ctx, mid(2))
		if err != nil {
			t.Errorf("open: %v", err)
			return
		}
		if _, err := stream.Write([]byte("ping")); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	peer, stream, err := b.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if peer != mid(1) {
		t.Fatalf("accept peer = %v", peer)
	}
	buf := make([]byte, 4)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("payload = %q", buf)
	}
}

func TestCloseDetachesAndReportsLoss(t *testing.T) {
	net := NewMemNetwork()
	a := net.Attach(mid(1))
	b := net.Attach(mid(2))
	<-a.Events()
	<-b.Events()

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	ev := <-a.Events()
	if ev.Kind != PeerLost || ev.Peer != mid(2) {
		t.Fatalf("a saw %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := a.Open(ctx, mid(2)); err == nil {
		t.Fatal("open to a detached peer must fail")
	}

	// Accept on a closed link returns immediately.
	if _, _, err := b.Accept(context.Background()); err == nil {
		t.Fatal("accept on a closed link must fail")
	}
}
