package globalregistry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/erebus-io/erebus/internal/dkey"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestRegisterChannelAndShardIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	channel := dkey.Channel("proj", "room")
	shard := dkey.Shard("proj", "room", "us-east")

	for i := 0; i < 2; i++ {
		if err := r.RegisterChannelAndShard(ctx, "proj", channel, shard); err != nil {
			t.Fatalf("RegisterChannelAndShard: %v", err)
		}
	}

	channels, err := r.GetChannelsForProject(ctx, "proj")
	if err != nil {
		t.Fatalf("GetChannelsForProject: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("len(channels) = %d, want 1 (at-most-once by set membership)", len(channels))
	}

	shards, err := r.GetShards(ctx, channel)
	if err != nil {
		t.Fatalf("GetShards: %v", err)
	}
	if len(shards) != 1 || !shards[0].Equal(shard) {
		t.Fatalf("GetShards = %v, want [%v]", shards, shard)
	}
}

func TestIsMember(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	channel := dkey.Channel("proj", "room")
	shard := dkey.Shard("proj", "room", "us-east")

	ok, err := r.IsMember(ctx, channel, shard)
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if ok {
		t.Fatalf("expected not-yet-registered shard to be absent")
	}

	if err := r.RegisterChannelAndShard(ctx, "proj", channel, shard); err != nil {
		t.Fatalf("RegisterChannelAndShard: %v", err)
	}

	ok, err = r.IsMember(ctx, channel, shard)
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !ok {
		t.Fatalf("expected registered shard to be a member")
	}
}
