package socketpool

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/erebus-io/erebus/internal/grant"
)

func newTestSocket(t *testing.T, id string) (*Socket, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	return New(id, server), client
}

func TestSocketWriteTextDeliversFrame(t *testing.T) {
	sock, client := newTestSocket(t, "c1")

	done := make(chan error, 1)
	go func() { done <- sock.WriteText([]byte("hello")) }()

	b, _, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("got %q, want %q", b, "hello")
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteText: %v", err)
	}
}

func TestSocketGrantImmutableAfterSet(t *testing.T) {
	sock, _ := newTestSocket(t, "c1")
	if sock.Grant() != nil {
		t.Fatal("expected nil grant before connect")
	}

	g := grant.Grant{Project: "p", Channel: "room", UserID: "u1"}
	sock.SetGrant(g)

	got := sock.Grant()
	if got == nil || got.UserID != "u1" {
		t.Fatalf("Grant() = %v, want %v", got, g)
	}
}

func TestRegistryAttachDetachSnapshot(t *testing.T) {
	reg := NewRegistry()
	s1, _ := newTestSocket(t, "c1")
	s2, _ := newTestSocket(t, "c2")

	reg.Attach("c1", s1)
	reg.Attach("c2", s2)
	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", reg.Count())
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}

	reg.Detach("c1")
	if reg.Count() != 1 {
		t.Fatalf("Count() after detach = %d, want 1", reg.Count())
	}
	if _, ok := reg.Get("c1"); ok {
		t.Fatal("expected c1 to be gone after Detach")
	}
	if _, ok := reg.Get("c2"); !ok {
		t.Fatal("expected c2 to still be attached")
	}
}

func TestSocketBufferedTracksInFlightWrite(t *testing.T) {
	sock, client := newTestSocket(t, "c1")

	started := make(chan struct{})
	go func() {
		close(started)
		_ = sock.WriteText([]byte("payload"))
	}()
	<-started

	// The pipe write blocks until the other end reads, so Buffered should
	// briefly reflect the in-flight payload size.
	deadline := time.Now().Add(time.Second)
	for sock.Buffered() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sock.Buffered() == 0 {
		t.Fatal("expected non-zero buffered estimate during in-flight write")
	}

	if _, _, err := wsutil.ReadServerData(client); err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
}
