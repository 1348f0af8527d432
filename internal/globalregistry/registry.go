// Package globalregistry implements the Global Registry (spec §4.E): the
// cross-region directory mapping project -> {channels} and
// channel -> {regions}, backed by Redis sets with the atomic
// sadd/ismember/smembers operations the spec names directly.
package globalregistry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/erebus-io/erebus/internal/dkey"
)

// Registry is the Global Registry client, shared by every broker and the
// Gateway.
type Registry struct {
	rdb *redis.Client
}

// New creates a Global Registry client over rdb.
func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func shardsKey(channelKey string) string { return "shards:" + channelKey }

// RegisterChannelAndShard registers channelKey under project's channel
// directory and regionQualifiedKey under channelKey's region directory,
// atomically (spec §4.E: "transactional over the two sets"). Both writes
// are at-most-once by Redis set semantics (spec §9 open question (b)):
// registering the same shard twice is a no-op, not a double count.
func (r *Registry) RegisterChannelAndShard(ctx context.Context, project string, channelKey dkey.Key, regionQualifiedKey dkey.Key) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, project, channelKey.String())
	pipe.SAdd(ctx, shardsKey(channelKey.String()), regionQualifiedKey.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("globalregistry: register: %w", err)
	}
	return nil
}

// GetShards returns every region-qualified key registered under channelKey.
func (r *Registry) GetShards(ctx context.Context, channelKey dkey.Key) ([]dkey.Key, error) {
	members, err := r.rdb.SMembers(ctx, shardsKey(channelKey.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("globalregistry: get-shards: %w", err)
	}
	out := make([]dkey.Key, 0, len(members))
	for _, m := range members {
		k, err := dkey.Parse(m)
		if err != nil {
			continue // malformed entry: skip rather than fail the whole refresh
		}
		out = append(out, k)
	}
	return out, nil
}

// GetChannelsForProject returns every channel key registered under
// project, used by the Gateway's admin pause/resume broadcast (spec
// §4.G′).
func (r *Registry) GetChannelsForProject(ctx context.Context, project string) ([]dkey.Key, error) {
	members, err := r.rdb.SMembers(ctx, project).Result()
	if err != nil {
		return nil, fmt.Errorf("globalregistry: get-channels: %w", err)
	}
	out := make([]dkey.Key, 0, len(members))
	for _, m := range members {
		k, err := dkey.Parse(m)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// IsMember reports whether regionQualifiedKey is registered under
// channelKey (exposed for diagnostics / tests of the atomic contract).
func (r *Registry) IsMember(ctx context.Context, channelKey dkey.Key, regionQualifiedKey dkey.Key) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, shardsKey(channelKey.String()), regionQualifiedKey.String()).Result()
	if err != nil {
		return false, fmt.Errorf("globalregistry: is-member: %w", err)
	}
	return ok, nil
}
