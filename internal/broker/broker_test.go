package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/erebus-io/erebus/internal/buffer"
	"github.com/erebus-io/erebus/internal/dkey"
	"github.com/erebus-io/erebus/internal/globalregistry"
	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/message"
	"github.com/erebus-io/erebus/internal/seq"
	"github.com/erebus-io/erebus/internal/shardtable"
	"github.com/erebus-io/erebus/internal/socketpool"
	"github.com/erebus-io/erebus/internal/subscriptions"
)

// --- test fixtures -----------------------------------------------------

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

type grantClaims struct {
	Project    string              `json:"project"`
	Channel    string              `json:"channel"`
	UserID     string              `json:"userId"`
	KeyID      string              `json:"keyId"`
	Topics     []grant.TopicScope  `json:"topics"`
	WebhookURL string              `json:"webhookUrl"`
	jwt.RegisteredClaims
}

func signGrant(t *testing.T, key *rsa.PrivateKey, project, channel, userID string, topics []grant.TopicScope) string {
	t.Helper()
	c := grantClaims{
		Project: project,
		Channel: channel,
		UserID:  userID,
		KeyID:   "key-" + userID,
		Topics:  topics,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func newBroker(t *testing.T, rdb *redis.Client, maxSubscribers int) (*Broker, *rsa.PrivateKey) {
	t.Helper()
	key, pub := newTestKeyPair(t)
	verifier, err := grant.NewVerifier(pub)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	b := New(
		"proj", "room", "us-east",
		seq.New(rdb, "proj", "room"),
		buffer.New(rdb, "proj", "room", time.Hour, 128),
		subscriptions.New(rdb, "proj", "room", maxSubscribers),
		shardtable.New(dkey.Shard("proj", "room", "us-east"), "us-east"),
		globalregistry.New(rdb),
		verifier,
		nil, // metrics: promauto collectors must not double-register across tests
		zap.NewNop(),
		nil, // usage
		nil, // peers
		10, 100*1024, 10*1024,
	)
	return b, key
}

type testClient struct {
	id     string
	socket *socketpool.Socket
	client net.Conn
	frames chan map[string]interface{}
}

func attachTestClient(t *testing.T, ctx context.Context, b *Broker, id string) *testClient {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })

	sock := socketpool.New(id, server)
	b.Open(ctx, id, sock)

	tc := &testClient{id: id, socket: sock, client: client, frames: make(chan map[string]interface{}, 32)}
	go func() {
		for {
			data, _, err := wsutil.ReadServerData(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				tc.frames <- m
			}
		}
	}()
	return tc
}

func (tc *testClient) expectFrame(t *testing.T, timeout time.Duration) map[string]interface{} {
	t.Helper()
	select {
	case m := <-tc.frames:
		return m
	case <-time.After(timeout):
		t.Fatalf("client %s: timed out waiting for a frame", tc.id)
		return nil
	}
}

// --- scenarios -----------------------------------------------------------

func TestSimpleEchoNoSelfDeliveryAndOrdering(t *testing.T) {
	rdb := newTestRedis(t)
	b, key := newBroker(t, rdb, 5120)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	a := attachTestClient(t, ctx, b, "A")
	topics := []grant.TopicScope{{Topic: "room", Scope: grant.ScopeReadWrite}}
	if err := b.Connect(ctx, "A", signGrant(t, key, "proj", "room", "A", topics)); err != nil {
		t.Fatalf("Connect(A): %v", err)
	}
	if ack := b.Subscribe(ctx, "A", "room", "", "sub-a"); !ack.Result.Ok {
		t.Fatalf("Subscribe(A) = %+v, want ok", ack)
	}
	a.expectFrame(t, time.Second) // A's own presence(online), self-delivered

	bob := attachTestClient(t, ctx, b, "B")
	if err := b.Connect(ctx, "B", signGrant(t, key, "proj", "room", "B", topics)); err != nil {
		t.Fatalf("Connect(B): %v", err)
	}
	if ack := b.Subscribe(ctx, "B", "room", "", "sub-b"); !ack.Result.Ok {
		t.Fatalf("Subscribe(B) = %+v, want ok", ack)
	}
	// A observes B's presence(online); B observes its own.
	if p := a.expectFrame(t, time.Second); p["packetType"] != "presence" {
		t.Fatalf("A's frame = %v, want a presence packet", p)
	}
	bob.expectFrame(t, time.Second) // B's own presence(online), self-delivered

	ack1 := b.Publish(ctx, "A", "room", "hi", true, "m1", "")
	if ack1 == nil || !ack1.Result.Ok {
		t.Fatalf("Publish(A, hi) ack = %+v, want ok", ack1)
	}
	if ack1.ClientMsgID != "m1" {
		t.Fatalf("ClientMsgID = %q, want %q", ack1.ClientMsgID, "m1")
	}

	msg1 := bob.expectFrame(t, time.Second)
	if msg1["payload"] != "hi" {
		t.Fatalf("B received payload %v, want %q", msg1["payload"], "hi")
	}

	ack2 := b.Publish(ctx, "B", "room", "yo", true, "m2", "")
	if ack2 == nil || !ack2.Result.Ok {
		t.Fatalf("Publish(B, yo) ack = %+v, want ok", ack2)
	}
	if ack1.Seq >= ack2.Seq {
		t.Fatalf("seq did not advance: seq1=%q seq2=%q", ack1.Seq, ack2.Seq)
	}

	// A must not have seen its own publish; its next queued frame is B's
	// message, not an echo of "hi".
	next := a.expectFrame(t, time.Second)
	if next["payload"] != "yo" {
		t.Fatalf("A's next frame = %v, want B's message (no self-delivery)", next)
	}
}

func TestCatchUpAfterReconnect(t *testing.T) {
	rdb := newTestRedis(t)
	b, key := newBroker(t, rdb, 5120)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	topics := []grant.TopicScope{{Topic: "room", Scope: grant.ScopeReadWrite}}

	a := attachTestClient(t, ctx, b, "A")
	_ = b.Connect(ctx, "A", signGrant(t, key, "proj", "room", "A", topics))
	b.Subscribe(ctx, "A", "room", "", "sub-a")
	a.expectFrame(t, time.Second) // A's own presence(online), self-delivered

	bobGrantTok := signGrant(t, key, "proj", "room", "B", topics)
	bob := attachTestClient(t, ctx, b, "B")
	_ = b.Connect(ctx, "B", bobGrantTok)
	b.Subscribe(ctx, "B", "room", "", "sub-b")
	a.expectFrame(t, time.Second) // presence(online) for B

	// B disconnects.
	b.Close(ctx, "B")

	// A publishes 3 messages while B is away.
	for i := 0; i < 3; i++ {
		ack := b.Publish(ctx, "A", "room", "msg", true, "m", "")
		if ack == nil || !ack.Result.Ok {
			t.Fatalf("Publish #%d failed: %+v", i, ack)
		}
	}

	// B reconnects and subscribes; catch-up delivers exactly those 3
	// messages in seq order before any presence packet for itself.
	bob2 := attachTestClient(t, ctx, b, "B")
	_ = b.Connect(ctx, "B", bobGrantTok)
	b.Subscribe(ctx, "B", "room", "", "sub-b-2")

	var lastSeq string
	for i := 0; i < 3; i++ {
		m := bob2.expectFrame(t, time.Second)
		seq, _ := m["seq"].(string)
		if seq <= lastSeq {
			t.Fatalf("catch-up message #%d out of order: seq=%q after %q", i, seq, lastSeq)
		}
		lastSeq = seq
	}
	_ = bob
}

func TestSubscribeCapacityRejectsWithoutDisturbingExisting(t *testing.T) {
	rdb := newTestRedis(t)
	b, key := newBroker(t, rdb, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	topics := []grant.TopicScope{{Topic: "room", Scope: grant.ScopeRead}}
	for _, id := range []string{"A", "B"} {
		attachTestClient(t, ctx, b, id)
		_ = b.Connect(ctx, id, signGrant(t, key, "proj", "room", id, topics))
		if ack := b.Subscribe(ctx, id, "room", "", "s-"+id); !ack.Result.Ok {
			t.Fatalf("Subscribe(%s) = %+v, want ok", id, ack)
		}
	}

	attachTestClient(t, ctx, b, "C")
	_ = b.Connect(ctx, "C", signGrant(t, key, "proj", "room", "C", topics))
	ack := b.Subscribe(ctx, "C", "room", "", "s-c")
	if ack.Result.Ok {
		t.Fatal("expected 3rd subscriber to be rejected at capacity")
	}
	if ack.Result.Code != "RATE_LIMITED" {
		t.Fatalf("Code = %q, want RATE_LIMITED", ack.Result.Code)
	}

	subscribers, err := b.subs.GetSubscribers(ctx, "room")
	if err != nil {
		t.Fatalf("GetSubscribers: %v", err)
	}
	if len(subscribers) != 2 {
		t.Fatalf("subscribers = %v, want the 2 existing ones unaffected", subscribers)
	}
}

func TestPauseRejectsPublishForbidden(t *testing.T) {
	rdb := newTestRedis(t)
	b, key := newBroker(t, rdb, 5120)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	topics := []grant.TopicScope{{Topic: "room", Scope: grant.ScopeReadWrite}}
	attachTestClient(t, ctx, b, "A")
	_ = b.Connect(ctx, "A", signGrant(t, key, "proj", "room", "A", topics))
	b.Subscribe(ctx, "A", "room", "", "sub-a")

	b.Pause(ctx)
	ack := b.Publish(ctx, "A", "room", "hi", true, "m1", "")
	if ack == nil || ack.Result.Ok {
		t.Fatalf("Publish while paused = %+v, want FORBIDDEN", ack)
	}
	if ack.Result.Code != "FORBIDDEN" {
		t.Fatalf("Code = %q, want FORBIDDEN", ack.Result.Code)
	}

	b.Resume(ctx)
	ack = b.Publish(ctx, "A", "room", "hi again", true, "m2", "")
	if ack == nil || !ack.Result.Ok {
		t.Fatalf("Publish after resume = %+v, want ok", ack)
	}
}

// localPeerFanout routes a publishMessage RPC directly into another
// in-process Broker, standing in for the NATS transport (internal/broker
// /peer.go) so cross-region fan-out can be exercised without a live
// NATS server.
type localPeerFanout struct {
	target *Broker
}

func (f localPeerFanout) Publish(ctx context.Context, peer dkey.Key, msg message.Message) error {
	return f.target.PeerPublish(ctx, msg)
}

func TestCrossRegionFanoutPreservesSeqAndID(t *testing.T) {
	rdb := newTestRedis(t)
	key, pub := newTestKeyPair(t)
	verifier, err := grant.NewVerifier(pub)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	r2 := New(
		"proj", "room", "r2",
		seq.New(rdb, "proj", "room"),
		buffer.New(rdb, "proj", "room", time.Hour, 128),
		subscriptions.New(rdb, "proj", "room", 5120),
		shardtable.New(dkey.Shard("proj", "room", "r2"), "r2"),
		globalregistry.New(rdb),
		verifier, nil, zap.NewNop(), nil, nil,
		10, 100*1024, 10*1024,
	)

	r1Shards := shardtable.New(dkey.Shard("proj", "room", "r1"), "r1")
	r1Shards.SetPeers([]dkey.Key{dkey.Shard("proj", "room", "r2")})
	r1 := New(
		"proj", "room", "r1",
		seq.New(rdb, "proj", "room"),
		buffer.New(rdb, "proj", "room", time.Hour, 128),
		subscriptions.New(rdb, "proj", "room", 5120),
		r1Shards,
		globalregistry.New(rdb),
		verifier, nil, zap.NewNop(), nil, localPeerFanout{target: r2},
		10, 100*1024, 10*1024,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r1.Run(ctx)
	go r2.Run(ctx)

	topics := []grant.TopicScope{{Topic: "room", Scope: grant.ScopeReadWrite}}

	writer := attachTestClient(t, ctx, r1, "W")
	if err := r1.Connect(ctx, "W", signGrant(t, key, "proj", "room", "W", topics)); err != nil {
		t.Fatalf("Connect(W): %v", err)
	}
	r1.Subscribe(ctx, "W", "room", "", "sub-w")
	writer.expectFrame(t, time.Second) // W's own presence(online)

	reader := attachTestClient(t, ctx, r2, "R")
	if err := r2.Connect(ctx, "R", signGrant(t, key, "proj", "room", "R", topics)); err != nil {
		t.Fatalf("Connect(R): %v", err)
	}
	r2.Subscribe(ctx, "R", "room", "", "sub-r")
	reader.expectFrame(t, time.Second) // R's own presence(online)

	ack := r1.Publish(ctx, "W", "room", "hello from r1", true, "m1", "")
	if ack == nil || !ack.Result.Ok {
		t.Fatalf("Publish(W) ack = %+v, want ok", ack)
	}

	delivered := reader.expectFrame(t, time.Second)
	if delivered["payload"] != "hello from r1" {
		t.Fatalf("R received payload %v, want %q", delivered["payload"], "hello from r1")
	}
	if delivered["seq"] != ack.Seq {
		t.Fatalf("R's seq = %v, want %q (identical to r1's assignment)", delivered["seq"], ack.Seq)
	}
	if delivered["id"] != ack.ServerAssignedID {
		t.Fatalf("R's id = %v, want %q (identical to r1's assignment)", delivered["id"], ack.ServerAssignedID)
	}
}
