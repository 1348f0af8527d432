// Package seq implements the Sequence Engine (spec §4.A): per
// (project, channel, topic) monotonic, lexicographically-sortable ids
// embedding a millisecond timestamp and a topic-seeded pseudo-random tail.
package seq

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// An id is 6 bytes of millisecond timestamp
// followed by 10 bytes of pseudo-random tail, base32-hex encoded so
// lexicographic string order matches the order of the underlying bytes.
const (
	timestampBytes = 6
	tailBytes      = 10
)

var encoding = "0123456789abcdefghijklmnopqrstuv" // base32-hex alphabet

// ID is an opaque, lexicographically-sortable 128-bit sequence id.
type ID string

// Less reports whether id is strictly less than other, per spec §4.A's
// "next(topic) returns an id strictly greater than the previously returned
// id" contract. Because ids are constructed to be lexicographically
// sortable, plain string comparison suffices.
func (id ID) Less(other ID) bool { return string(id) < string(other) }

// Engine is a per-broker Sequence Engine. One Engine instance is shared by
// every topic the broker serves; state for each topic is loaded from and
// persisted to Redis under `seq:<project>:<channel>:<topic>`.
type Engine struct {
	rdb     *redis.Client
	project string
	channel string

	mu   sync.Mutex
	last map[string]lastIssued // topic -> last issued state, cached in memory
}

type lastIssued struct {
	millis int64
	tail   []byte
}

// New creates a Sequence Engine for one (project, channel) broker.
func New(rdb *redis.Client, project, channel string) *Engine {
	return &Engine{
		rdb:     rdb,
		project: project,
		channel: channel,
		last:    make(map[string]lastIssued),
	}
}

func (e *Engine) key(topic string) string {
	return fmt.Sprintf("seq:%s:%s:%s", e.project, e.channel, topic)
}

// Next returns an id strictly greater than the previously returned id for
// topic, on this broker. It persists the last-issued id so an actor
// restart never regresses (spec §4.A). On clock skew or rewind, it takes
// max(lastIssuedTime, now()) as the effective time. Within the same
// millisecond as the previous call, the random tail is advanced
// deterministically (incremented as a big-endian integer) to guarantee
// strict monotonicity without needing a second source of entropy.
//
// Persistence failure is fatal to the publish (reported as INTERNAL),
// per spec §4.A's failure model.
func (e *Engine) Next(ctx context.Context, topic string) (ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.last[topic]
	if !ok {
		loaded, err := e.load(ctx, topic)
		if err != nil {
			return "", fmt.Errorf("seq: load last-issued for %q: %w", topic, err)
		}
		prev = loaded
	}

	now := time.Now().UnixMilli()
	effective := now
	if prev.millis > effective {
		effective = prev.millis // clock skew/rewind guard
	}

	var tail []byte
	if effective == prev.millis && prev.tail != nil {
		tail = incrementTail(prev.tail)
	} else {
		tail = seedTail(topic, effective)
	}

	id := encode(effective, tail)

	if err := e.persist(ctx, topic, id); err != nil {
		return "", fmt.Errorf("seq: persist %q: %w", topic, err)
	}

	e.last[topic] = lastIssued{millis: effective, tail: tail}
	return id, nil
}

func (e *Engine) load(ctx context.Context, topic string) (lastIssued, error) {
	val, err := e.rdb.Get(ctx, e.key(topic)).Result()
	if errorsIsNil(err) {
		return lastIssued{}, nil
	}
	if err != nil {
		return lastIssued{}, err
	}
	millis, tail, err := decode(ID(val))
	if err != nil {
		return lastIssued{}, err
	}
	return lastIssued{millis: millis, tail: tail}, nil
}

func (e *Engine) persist(ctx context.Context, topic string, id ID) error {
	return e.rdb.Set(ctx, e.key(topic), string(id), 0).Err()
}

func errorsIsNil(err error) bool { return err == redis.Nil }

// seedTail derives the initial pseudo-random tail for topic at the given
// millisecond timestamp, seeded from a hash of the topic name so that
// restarts of the same topic produce a reproducible (but still effectively
// random-looking) starting tail, per spec §9 design note.
func seedTail(topic string, millis int64) []byte {
	h := fnv.New64a()
	_, _ = h.Write([]byte(topic))
	seed := int64(h.Sum64()) ^ millis
	r := rand.New(rand.NewSource(seed))
	tail := make([]byte, tailBytes)
	_, _ = r.Read(tail)
	return tail
}

// incrementTail advances the tail deterministically, treating it as a
// big-endian integer, so reissues within the same millisecond still sort
// strictly after the previous id.
func incrementTail(tail []byte) []byte {
	next := make([]byte, len(tail))
	copy(next, tail)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

func encode(millis int64, tail []byte) ID {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(millis))
	ts := tsBuf[8-timestampBytes:]

	buf := make([]byte, 0, timestampBytes+tailBytes)
	buf = append(buf, ts...)
	buf = append(buf, tail...)

	return ID(encodeBase32Hex(buf))
}

func decode(id ID) (int64, []byte, error) {
	raw, err := decodeBase32Hex(string(id))
	if err != nil {
		return 0, nil, err
	}
	if len(raw) != timestampBytes+tailBytes {
		return 0, nil, fmt.Errorf("seq: malformed id %q", id)
	}
	var tsBuf [8]byte
	copy(tsBuf[8-timestampBytes:], raw[:timestampBytes])
	millis := int64(binary.BigEndian.Uint64(tsBuf[:]))
	tail := append([]byte(nil), raw[timestampBytes:]...)
	return millis, tail, nil
}

func encodeBase32Hex(b []byte) string {
	var sb strings.Builder
	bits, val := 0, 0
	for _, by := range b {
		val = (val << 8) | int(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(encoding[(val>>bits)&0x1f])
		}
	}
	if bits > 0 {
		sb.WriteByte(encoding[(val<<(5-bits))&0x1f])
	}
	return sb.String()
}

func decodeBase32Hex(s string) ([]byte, error) {
	rev := make(map[byte]int, len(encoding))
	for i := 0; i < len(encoding); i++ {
		rev[encoding[i]] = i
	}
	var out []byte
	bits, val := 0, 0
	for i := 0; i < len(s); i++ {
		d, ok := rev[s[i]]
		if !ok {
			return nil, fmt.Errorf("seq: invalid character %q in id", s[i])
		}
		val = (val << 5) | d
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte((val>>bits)&0xff))
		}
	}
	return out, nil
}
