// Package wire implements the Wire Codec (spec §4.F / §6): packet envelope
// parsing and encoding, ACK shaping, and presence packets. Grant
// verification itself lives in internal/grant; this package only handles
// the JSON envelope around it.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/erebus-io/erebus/internal/message"
	"github.com/erebus-io/erebus/internal/wireerr"
)

// PacketType is the single-field discriminator of every envelope (spec §6).
type PacketType string

const (
	PacketConnect     PacketType = "connect"
	PacketSubscribe   PacketType = "subscribe"
	PacketUnsubscribe PacketType = "unsubscribe"
	PacketPublish     PacketType = "publish"
	PacketAck         PacketType = "ack"
	PacketPresence    PacketType = "presence"
)

// RawEnvelope is the minimal shape used to discriminate an incoming packet
// before parsing its type-specific fields.
type RawEnvelope struct {
	PacketType PacketType      `json:"packetType"`
	Raw        json.RawMessage `json:"-"`
}

// ParseEnvelope extracts the discriminator from a raw client->server frame.
func ParseEnvelope(data []byte) (RawEnvelope, error) {
	var disc struct {
		PacketType PacketType `json:"packetType"`
	}
	if err := json.Unmarshal(data, &disc); err != nil {
		return RawEnvelope{}, wireerr.New(wireerr.Invalid, fmt.Sprintf("malformed packet: %v", err))
	}
	if disc.PacketType == "" {
		return RawEnvelope{}, wireerr.New(wireerr.Invalid, "missing packetType")
	}
	return RawEnvelope{PacketType: disc.PacketType, Raw: data}, nil
}

// ConnectPacket is the C->S `connect` packet.
type ConnectPacket struct {
	GrantJWT string `json:"grantJWT"`
	Version  string `json:"version,omitempty"`
}

// SubscribePacket is the C->S `subscribe`/`unsubscribe` packet (same shape).
type SubscribePacket struct {
	Topic       string `json:"topic"`
	RequestID   string `json:"requestId,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// PublishPacket is the C->S `publish` packet.
type PublishPacket struct {
	Topic       string `json:"topic"`
	Payload     string `json:"payload"`
	Ack         bool   `json:"ack"`
	ClientMsgID string `json:"clientMsgId"`
	RequestID   string `json:"requestId,omitempty"`
}

func (e RawEnvelope) DecodeConnect() (ConnectPacket, error) {
	var p ConnectPacket
	if err := json.Unmarshal(e.Raw, &p); err != nil {
		return p, wireerr.New(wireerr.Invalid, "malformed connect packet")
	}
	return p, nil
}

func (e RawEnvelope) DecodeSubscribe() (SubscribePacket, error) {
	var p SubscribePacket
	if err := json.Unmarshal(e.Raw, &p); err != nil {
		return p, wireerr.New(wireerr.Invalid, "malformed subscribe/unsubscribe packet")
	}
	if p.Topic == "" {
		return p, wireerr.New(wireerr.Invalid, "topic must not be empty")
	}
	return p, nil
}

func (e RawEnvelope) DecodePublish() (PublishPacket, error) {
	var p PublishPacket
	if err := json.Unmarshal(e.Raw, &p); err != nil {
		return p, wireerr.New(wireerr.Invalid, "malformed publish packet")
	}
	if p.Topic == "" {
		return p, wireerr.New(wireerr.Invalid, "topic must not be empty")
	}
	return p, nil
}

// AckPath names which request an Ack is correlated with.
type AckPath string

const (
	AckPathSubscribe   AckPath = "subscribe"
	AckPathUnsubscribe AckPath = "unsubscribe"
	AckPathPublish     AckPath = "publish"
)

// AckStatus is the terminal status reported inside a successful
// subscribe/unsubscribe AckResult.
type AckStatus string

const (
	StatusSubscribed   AckStatus = "subscribed"
	StatusUnsubscribed AckStatus = "unsubscribed"
)

// AckResult is the `result` field of an S->C `ack` packet (spec §6).
type AckResult struct {
	Ok       bool      `json:"ok"`
	Status   AckStatus `json:"status,omitempty"`
	TIngress int64     `json:"t_ingress,omitempty"`
	Code     wireerr.Kind `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Ack is the full S->C `ack` envelope.
type Ack struct {
	PacketType      PacketType `json:"packetType"`
	Path            AckPath    `json:"path"`
	Seq             string     `json:"seq,omitempty"`
	ServerAssignedID string    `json:"serverAssignedId,omitempty"`
	Topic           string     `json:"topic"`
	ClientMsgID     string     `json:"clientMsgId"`
	Result          AckResult  `json:"result"`
}

// NewSubscribeAck builds a successful subscribe/unsubscribe ACK. Per spec
// §8 invariant 8, clientMsgID always echoes the triggering request's.
func NewSubscribeAck(path AckPath, topic, clientMsgID string, status AckStatus) Ack {
	return Ack{
		PacketType:  PacketAck,
		Path:        path,
		Topic:       topic,
		ClientMsgID: clientMsgID,
		Result:      AckResult{Ok: true, Status: status},
	}
}

// NewPublishAck builds a successful publish ACK.
func NewPublishAck(seq, serverAssignedID, topic, clientMsgID string, tIngress int64) Ack {
	return Ack{
		PacketType:       PacketAck,
		Path:             AckPathPublish,
		Seq:              seq,
		ServerAssignedID: serverAssignedID,
		Topic:            topic,
		ClientMsgID:      clientMsgID,
		Result:           AckResult{Ok: true, TIngress: tIngress},
	}
}

// NewErrorAck builds a failed ACK of any path.
func NewErrorAck(path AckPath, topic, clientMsgID string, kind wireerr.Kind, msg string) Ack {
	return Ack{
		PacketType:  PacketAck,
		Path:        path,
		Topic:       topic,
		ClientMsgID: clientMsgID,
		Result:      AckResult{Ok: false, Code: kind, Message: msg},
	}
}

// PresenceStatus is the status field of a presence packet.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the S->C `presence` packet (spec §6).
type Presence struct {
	PacketType  PacketType     `json:"packetType"`
	ClientID    string         `json:"clientId"`
	Topic       string         `json:"topic"`
	Status      PresenceStatus `json:"status"`
	Subscribers []string       `json:"subscribers,omitempty"`
}

// NewPresence builds a presence packet. subscribers is only populated for
// the sender's enriched copy (spec §4.G broadcastPresence).
func NewPresence(clientID, topic string, status PresenceStatus, subscribers []string) Presence {
	return Presence{
		PacketType:  PacketPresence,
		ClientID:    clientID,
		Topic:       topic,
		Status:      status,
		Subscribers: subscribers,
	}
}

// PublishEnvelope wraps a full Message for S->C publish delivery (spec §6:
// "Full MessageBody").
type PublishEnvelope struct {
	PacketType PacketType `json:"packetType"`
	message.Message
}

// NewPublishEnvelope wraps msg for delivery.
func NewPublishEnvelope(msg message.Message) PublishEnvelope {
	return PublishEnvelope{PacketType: PacketPublish, Message: msg}
}

// infoNotice is the fixed informational payload delivered to `info`-scope
// grant entries instead of the real payload (spec §4.G).
const infoNotice = `{"notice":"message published on subscribed topic"}`

// NewInfoEnvelope builds the informational variant of a publish delivery:
// same metadata, but payload replaced by the fixed informational content.
func NewInfoEnvelope(msg message.Message) PublishEnvelope {
	msg.Payload = infoNotice
	return PublishEnvelope{PacketType: PacketPublish, Message: msg}
}

// Encode serializes any envelope to JSON bytes for transmission.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}
