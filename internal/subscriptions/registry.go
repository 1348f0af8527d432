// Package subscriptions implements the Subscription Registry (spec §4.C):
// `(topic -> {clientId})` sets, capacity bounded at maxSubscribersPerTopic,
// backed by Redis SETs the way the spec's own key layout implies.
package subscriptions

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/erebus-io/erebus/internal/grant"
)

// ErrAtCapacity is returned by Subscribe when the topic's subscriber set
// is already at maxSubscribers.
var ErrAtCapacity = fmt.Errorf("subscriptions: at capacity")

// Registry is a per-(project,channel) Subscription Registry.
type Registry struct {
	rdb           *redis.Client
	project       string
	channel       string
	maxSubscribers int
}

// New creates a Subscription Registry for one (project, channel) broker.
func New(rdb *redis.Client, project, channel string, maxSubscribers int) *Registry {
	return &Registry{rdb: rdb, project: project, channel: channel, maxSubscribers: maxSubscribers}
}

func (r *Registry) key(topic string) string {
	return fmt.Sprintf("subs:%s:%s:%s", r.project, r.channel, topic)
}

// Subscribe adds clientID to topic's subscriber set, transactionally
// rejecting with ErrAtCapacity if the set is already at maxSubscribers.
// Returns whether the set actually changed (false if clientID was already
// a member), per spec §4.C.
func (r *Registry) Subscribe(ctx context.Context, topic, clientID string) (changed bool, err error) {
	key := r.key(topic)

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		isMember, err := tx.SIsMember(ctx, key, clientID).Result()
		if err != nil {
			return err
		}
		if isMember {
			changed = false
			return nil
		}

		size, err := tx.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if int(size) >= r.maxSubscribers {
			return ErrAtCapacity
		}

		_, txErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, clientID)
			return nil
		})
		if txErr != nil {
			return txErr
		}
		changed = true
		return nil
	}, key)

	if err == ErrAtCapacity {
		return false, ErrAtCapacity
	}
	if err != nil {
		return false, fmt.Errorf("subscriptions: subscribe: %w", err)
	}
	return changed, nil
}

// Unsubscribe idempotently removes clientID from topic's subscriber set.
func (r *Registry) Unsubscribe(ctx context.Context, topic, clientID string) error {
	if err := r.rdb.SRem(ctx, r.key(topic), clientID).Err(); err != nil {
		return fmt.Errorf("subscriptions: unsubscribe: %w", err)
	}
	return nil
}

// IsSubscribed reports whether clientID is subscribed to topic, either
// directly or via the wildcard "*" topic (spec §4.C).
func (r *Registry) IsSubscribed(ctx context.Context, topic, clientID string) (bool, error) {
	direct, err := r.rdb.SIsMember(ctx, r.key(topic), clientID).Result()
	if err != nil {
		return false, fmt.Errorf("subscriptions: is-subscribed: %w", err)
	}
	if direct {
		return true, nil
	}
	if topic == grant.WildcardTopic {
		return false, nil
	}
	wild, err := r.rdb.SIsMember(ctx, r.key(grant.WildcardTopic), clientID).Result()
	if err != nil {
		return false, fmt.Errorf("subscriptions: is-subscribed wildcard: %w", err)
	}
	return wild, nil
}

// GetSubscribers returns a snapshot of topic's subscriber set.
func (r *Registry) GetSubscribers(ctx context.Context, topic string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.key(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("subscriptions: get-subscribers: %w", err)
	}
	return members, nil
}

// BulkUnsubscribe removes clientID from every topic in topics, used on
// socket close (spec §4.C).
func (r *Registry) BulkUnsubscribe(ctx context.Context, clientID string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, topic := range topics {
		pipe.SRem(ctx, r.key(topic), clientID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subscriptions: bulk-unsubscribe: %w", err)
	}
	return nil
}

// ActiveTopics scans for every subs:<project>:<channel>:* key and returns
// the bare topic names (administrative, spec §4.C activeTopics()).
func (r *Registry) ActiveTopics(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("subs:%s:%s:", r.project, r.channel)
	var topics []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		topics = append(topics, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("subscriptions: active-topics: %w", err)
	}
	return topics, nil
}

// Count returns the number of subscribers on topic (administrative).
func (r *Registry) Count(ctx context.Context, topic string) (int, error) {
	n, err := r.rdb.SCard(ctx, r.key(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("subscriptions: count: %w", err)
	}
	return int(n), nil
}
