// Package message defines the wire-level Message type (spec §3) shared by
// the buffer, broadcaster, broker, and wire codec.
package message

import "time"

// Message is one published message, as it travels through the system.
// Timestamps t_ingress .. t_broadcast_end are the latency breadcrumbs named
// in spec §3, populated by the broker as the message moves through the
// pipeline.
type Message struct {
	ID      string `json:"id"`  // server UUID
	Seq     string `json:"seq"` // monotonic id from the Sequence Engine
	Topic   string `json:"topic"`

	SenderID string `json:"senderId"`
	SentAt   int64  `json:"sentAt"` // unix millis, wall clock

	Payload string `json:"payload"` // opaque string

	ClientMsgID     string `json:"clientMsgId,omitempty"`
	ClientPublishTS int64  `json:"clientPublishTs,omitempty"`

	TIngress         int64 `json:"t_ingress,omitempty"`
	TEnqueued        int64 `json:"t_enqueued,omitempty"`
	TBroadcastBegin  int64 `json:"t_broadcast_begin,omitempty"`
	TWSWriteEnd      int64 `json:"t_ws_write_end,omitempty"`
	TBroadcastEnd    int64 `json:"t_broadcast_end,omitempty"`

	// Project and Channel are not part of the wire payload (they are
	// implicit in the connection's grant/broker) but travel with the
	// Message internally for storage keys and peer RPC addressing.
	Project string `json:"-"`
	Channel string `json:"-"`
}

// Record is the persisted form of a Message in the Message Buffer
// (spec §4.B / §6): the body plus an explicit expiry timestamp.
type Record struct {
	Body Message   `json:"body"`
	Exp  time.Time `json:"exp"`
}

// Expired reports whether r's expiry has passed as of now.
func (r Record) Expired(now time.Time) bool { return now.After(r.Exp) }
