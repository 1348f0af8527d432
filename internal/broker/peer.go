package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/erebus-io/erebus/internal/dkey"
	"github.com/erebus-io/erebus/internal/message"
)

// peerSubject is the NATS subject a region-qualified broker answers
// publishMessage RPCs on (spec §4.H peer RPC).
func peerSubject(peer dkey.Key) string {
	return fmt.Sprintf("erebus.peer.%s.publish", peer.String())
}

// NATSPeerFanout implements PeerFanout over NATS request/reply, grounded
// in the same Request() round-trip the teacher's pkg/nats.Client wraps.
type NATSPeerFanout struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSPeerFanout wraps an established NATS connection for peer RPCs.
func NewNATSPeerFanout(conn *nats.Conn, timeout time.Duration, logger *zap.Logger) *NATSPeerFanout {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSPeerFanout{conn: conn, timeout: timeout, logger: logger}
}

// Publish issues one publishMessage RPC to peer and waits for its reply
// (spec §9(d): "log and drop" — no configurable retry on failure).
func (f *NATSPeerFanout) Publish(ctx context.Context, peer dkey.Key, msg message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("peer: marshal message: %w", err)
	}

	timeout := f.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	reply, err := f.conn.Request(peerSubject(peer), body, timeout)
	if err != nil {
		return fmt.Errorf("peer: request %s: %w", peer.String(), err)
	}

	var ack peerAck
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return fmt.Errorf("peer: malformed reply from %s: %w", peer.String(), err)
	}
	if !ack.OK {
		return fmt.Errorf("peer: %s reported error: %s", peer.String(), ack.Error)
	}
	return nil
}

type peerAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ServePeerRPC subscribes b's own region-qualified subject and answers
// publishMessage requests from sibling regions by fanning the message out
// to this broker's local sockets (spec §4.H peer RPC server side).
func ServePeerRPC(ctx context.Context, conn *nats.Conn, b *Broker, logger *zap.Logger) (*nats.Subscription, error) {
	subject := peerSubject(b.Key())
	sub, err := conn.Subscribe(subject, func(natsMsg *nats.Msg) {
		var msg message.Message
		ack := peerAck{OK: true}
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			ack = peerAck{OK: false, Error: err.Error()}
		} else if err := b.PeerPublish(ctx, msg); err != nil {
			logger.Warn("peerPublish failed", zap.Error(err))
			ack = peerAck{OK: false, Error: err.Error()}
		}

		body, _ := json.Marshal(ack)
		if natsMsg.Reply != "" {
			_ = conn.Publish(natsMsg.Reply, body)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("peer: subscribe %s: %w", subject, err)
	}
	return sub, nil
}
