// Package buffer implements the Message Buffer (spec §4.B): a TTL-bounded
// per-topic store with lazy expiry and last-seen cursors, backed by Redis
// the way the spec's own key layout (`msg:...`, `last_seq_seen:...`)
// implies.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erebus-io/erebus/internal/message"
)

// Buffer is a per-(project,channel) Message Buffer.
type Buffer struct {
	rdb        *redis.Client
	project    string
	channel    string
	ttl        time.Duration
	pruneLimit int
}

// New creates a Message Buffer for one (project, channel) broker.
//
// ttl is the message retention window (spec §3: TTL = 3 days).
// pruneLimit bounds the opportunistic expiry scan each buffer() performs
// (spec §4.B: pruneLimit = 128).
func New(rdb *redis.Client, project, channel string, ttl time.Duration, pruneLimit int) *Buffer {
	return &Buffer{rdb: rdb, project: project, channel: channel, ttl: ttl, pruneLimit: pruneLimit}
}

func (b *Buffer) msgKey(topic string, seqID string) string {
	return fmt.Sprintf("msg:%s:%s:%s:%s", b.project, b.channel, topic, seqID)
}

func (b *Buffer) msgPrefix(topic string) string {
	return fmt.Sprintf("msg:%s:%s:%s:", b.project, b.channel, topic)
}

func (b *Buffer) lastSeenKey(topic, clientID string) string {
	return fmt.Sprintf("last_seq_seen:%s:%s:%s:%s", b.project, b.channel, topic, clientID)
}

// Buffer writes msg keyed by its seq, then opportunistically scans up to
// pruneLimit keys sharing the topic's prefix and deletes any whose expiry
// has passed (spec §4.B buffer()).
func (b *Buffer) Buffer(ctx context.Context, msg message.Message) error {
	exp := time.Now().Add(b.ttl)
	rec := message.Record{Body: msg, Exp: exp}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("buffer: marshal record: %w", err)
	}

	key := b.msgKey(msg.Topic, msg.Seq)
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, key, body, 0)
	pipe.PExpireAt(ctx, key, exp)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("buffer: write %s: %w", key, err)
	}

	b.pruneExpired(ctx, msg.Topic)
	return nil
}

// pruneExpired scans up to pruneLimit keys under the topic's prefix and
// deletes any expired record found. Pruning is best-effort housekeeping:
// scan, read, parse and delete errors are ignored and never fail Buffer's
// write.
func (b *Buffer) pruneExpired(ctx context.Context, topic string) {
	iter := b.rdb.Scan(ctx, 0, b.msgPrefix(topic)+"*", int64(b.pruneLimit)).Iterator()
	now := time.Now()
	scanned := 0
	for iter.Next(ctx) && scanned < b.pruneLimit {
		scanned++
		key := iter.Val()
		val, err := b.rdb.Get(ctx, key).Result()
		if err != nil {
			continue // parse/read errors on a record skip that record (§4.B failure model)
		}
		var rec message.Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue
		}
		if rec.Expired(now) {
			b.rdb.Del(ctx, key)
		}
	}
}

// GetAfter lists messages on topic with seq lexicographically after
// afterSeq, filtering and deleting any expired record found along the way,
// and returns up to limit live messages in chronological (seq) order
// (spec §4.B getAfter()). limit is clamped to 1000 per spec.
func (b *Buffer) GetAfter(ctx context.Context, topic string, afterSeq string, limit int) ([]message.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var keys []string
	iter := b.rdb.Scan(ctx, 0, b.msgPrefix(topic)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("buffer: scan %s: %w", topic, err)
	}
	sort.Strings(keys)

	prefix := b.msgPrefix(topic)
	now := time.Now()
	var out []message.Message
	for _, key := range keys {
		seqPart := strings.TrimPrefix(key, prefix)
		if afterSeq != "" && seqPart <= afterSeq {
			continue
		}

		val, err := b.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("buffer: read %s: %w", key, err)
		}

		var rec message.Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue // malformed record: skipped without logging
		}
		if rec.Expired(now) {
			b.rdb.Del(ctx, key)
			continue
		}

		out = append(out, rec.Body)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetBefore lists messages on topic with seq lexicographically before
// beforeSeq, newest-first, filtering and deleting any expired record found
// along the way, and returns up to limit live messages (spec §4.G′ backward
// history pagination). An empty beforeSeq means "start from the most
// recent message." limit is clamped to 1000 per spec.
func (b *Buffer) GetBefore(ctx context.Context, topic string, beforeSeq string, limit int) ([]message.Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var keys []string
	iter := b.rdb.Scan(ctx, 0, b.msgPrefix(topic)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("buffer: scan %s: %w", topic, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	prefix := b.msgPrefix(topic)
	now := time.Now()
	var out []message.Message
	for _, key := range keys {
		seqPart := strings.TrimPrefix(key, prefix)
		if beforeSeq != "" && seqPart >= beforeSeq {
			continue
		}

		val, err := b.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("buffer: read %s: %w", key, err)
		}

		var rec message.Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			continue // malformed record: skipped without logging
		}
		if rec.Expired(now) {
			b.rdb.Del(ctx, key)
			continue
		}

		out = append(out, rec.Body)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetLastSeen returns the stored last-seen seq for (topic, clientID), or
// the empty string if none is stored.
func (b *Buffer) GetLastSeen(ctx context.Context, topic, clientID string) (string, error) {
	val, err := b.rdb.Get(ctx, b.lastSeenKey(topic, clientID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("buffer: get last-seen: %w", err)
	}
	return val, nil
}

// UpdateLastSeen bulk-updates the last-seen cursor for every clientID in
// clientIDs on topic, transactionally, and only ever advances the stored
// value (spec §4.B: "Bulk update must be transactional and may only
// advance the stored value (never regress)").
func (b *Buffer) UpdateLastSeen(ctx context.Context, topic string, clientIDs []string, seq string) error {
	if len(clientIDs) == 0 {
		return nil
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cid := range clientIDs {
			key := b.lastSeenKey(topic, cid)
			cur, err := b.rdb.Get(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil && cur >= seq {
				continue // never regress
			}
			pipe.Set(ctx, key, seq, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("buffer: update last-seen: %w", err)
	}
	return nil
}

// Count enumerates the number of keys under topic's prefix, including
// expired ones (administrative only, spec §4.B count()).
func (b *Buffer) Count(ctx context.Context, topic string) (int, error) {
	n := 0
	iter := b.rdb.Scan(ctx, 0, b.msgPrefix(topic)+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("buffer: count %s: %w", topic, err)
	}
	return n, nil
}
