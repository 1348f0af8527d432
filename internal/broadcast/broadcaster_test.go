package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/gobwas/ws/wsutil"

	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/message"
	"github.com/erebus-io/erebus/internal/socketpool"
)

type attachedSocket struct {
	id     string
	socket *socketpool.Socket
	client net.Conn
}

func attach(t *testing.T, reg *socketpool.Registry, id string, g *grant.Grant) attachedSocket {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	sock := socketpool.New(id, server)
	if g != nil {
		sock.SetGrant(*g)
	}
	reg.Attach(id, sock)
	return attachedSocket{id: id, socket: sock, client: client}
}

func readEnvelope(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	b, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("ReadServerData: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return out
}

func TestBroadcastDeliversToReadSubscriberOnly(t *testing.T) {
	reg := socketpool.NewRegistry()
	readGrant := &grant.Grant{Project: "p", Channel: "room", UserID: "reader", Topics: []grant.TopicScope{{Topic: "lobby", Scope: grant.ScopeRead}}}
	writeOnly := &grant.Grant{Project: "p", Channel: "room", UserID: "writer", Topics: []grant.TopicScope{{Topic: "lobby", Scope: grant.ScopeWrite}}}

	reader := attach(t, reg, "reader", readGrant)
	other := attach(t, reg, "writer", writeOnly)

	b := New(reg, nil, "p", "room", DefaultBatchSize, DefaultHighWatermark, DefaultLowWatermark)
	msg := message.Message{ID: "m1", Seq: "s1", Topic: "lobby", SenderID: "sender", Payload: "hi"}

	done := make(chan Result, 1)
	go func() {
		res, err := b.Broadcast(context.Background(), msg, []string{"reader", "writer"}, "sender")
		if err != nil {
			t.Errorf("Broadcast: %v", err)
		}
		done <- res
	}()

	env := readEnvelope(t, reader.client)
	if env["payload"] != "hi" {
		t.Fatalf("reader payload = %v, want %q", env["payload"], "hi")
	}

	res := <-done
	if res.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", res.Sent)
	}
	if res.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1 (write-only scope cannot read)", res.Skipped)
	}
	_ = other
}

func TestBroadcastInfoScopeGetsNotice(t *testing.T) {
	reg := socketpool.NewRegistry()
	infoGrant := &grant.Grant{Project: "p", Channel: "room", UserID: "watcher", Topics: []grant.TopicScope{{Topic: "lobby", Scope: grant.ScopeInfo}}}
	watcher := attach(t, reg, "watcher", infoGrant)

	b := New(reg, nil, "p", "room", DefaultBatchSize, DefaultHighWatermark, DefaultLowWatermark)
	msg := message.Message{ID: "m1", Seq: "s1", Topic: "lobby", SenderID: "sender", Payload: "secret"}

	done := make(chan Result, 1)
	go func() {
		res, _ := b.Broadcast(context.Background(), msg, []string{"watcher"}, "sender")
		done <- res
	}()

	env := readEnvelope(t, watcher.client)
	if env["payload"] == "secret" {
		t.Fatal("info-scope subscriber must not see the real payload")
	}

	res := <-done
	if res.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", res.Sent)
	}
}

func TestBroadcastSkipsSenderAndNonSubscribers(t *testing.T) {
	reg := socketpool.NewRegistry()
	senderGrant := &grant.Grant{Project: "p", Channel: "room", UserID: "sender", Topics: []grant.TopicScope{{Topic: "lobby", Scope: grant.ScopeReadWrite}}}
	bystanderGrant := &grant.Grant{Project: "p", Channel: "room", UserID: "bystander", Topics: []grant.TopicScope{{Topic: "lobby", Scope: grant.ScopeRead}}}

	attach(t, reg, "sender", senderGrant)
	attach(t, reg, "bystander", bystanderGrant) // never subscribed to lobby

	b := New(reg, nil, "p", "room", DefaultBatchSize, DefaultHighWatermark, DefaultLowWatermark)
	msg := message.Message{ID: "m1", Seq: "s1", Topic: "lobby", SenderID: "sender", Payload: "hi"}

	res, err := b.Broadcast(context.Background(), msg, []string{"sender"}, "sender")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.Sent != 0 {
		t.Fatalf("Sent = %d, want 0 (no self-delivery, bystander not subscribed)", res.Sent)
	}
	if len(res.DeliveredClientIDs) != 0 {
		t.Fatalf("DeliveredClientIDs = %v, want empty", res.DeliveredClientIDs)
	}
}

func TestBroadcastMissingGrantIsSkipped(t *testing.T) {
	reg := socketpool.NewRegistry()
	attach(t, reg, "nogrant", nil)

	b := New(reg, nil, "p", "room", DefaultBatchSize, DefaultHighWatermark, DefaultLowWatermark)
	msg := message.Message{ID: "m1", Seq: "s1", Topic: "lobby", SenderID: "sender", Payload: "hi"}

	res, err := b.Broadcast(context.Background(), msg, []string{"nogrant"}, "sender")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if res.Skipped != 1 || res.Sent != 0 {
		t.Fatalf("Skipped=%d Sent=%d, want Skipped=1 Sent=0", res.Skipped, res.Sent)
	}
}
