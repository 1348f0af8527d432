package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/erebus-io/erebus/internal/broker"
	"github.com/erebus-io/erebus/internal/buffer"
	"github.com/erebus-io/erebus/internal/dkey"
	"github.com/erebus-io/erebus/internal/globalregistry"
	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/metrics"
	"github.com/erebus-io/erebus/internal/seq"
	"github.com/erebus-io/erebus/internal/shardtable"
	"github.com/erebus-io/erebus/internal/subscriptions"
)

// BrokerDeps holds everything a newly created Channel Broker needs, shared
// across every (project, channel) this gateway process serves.
type BrokerDeps struct {
	Redis       *redis.Client
	GlobalRedis *redis.Client // may be the same client as Redis
	NATSConn    *nats.Conn
	Verifier    *grant.Verifier
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	Usage       broker.UsageEmitter
	Region      string

	MessageTTL             time.Duration
	PruneLimit             int
	GetAfterLimit          int
	MaxSubscribersPerTopic int
	BroadcastBatchSize     int
	BackpressureHighBytes  int
	BackpressureLowBytes   int
	PeerRPCTimeout         time.Duration
	ShardRefreshInterval   time.Duration
}

// BrokerSet lazily creates and caches one Channel Broker per (project,
// channel), the way the teacher's MessageRouter owns one shard per key but
// generalized to one full actor per logical channel instead of a hash slot.
type BrokerSet struct {
	deps BrokerDeps

	mu      sync.Mutex
	brokers map[string]*broker.Broker
}

// NewBrokerSet creates an empty broker set.
func NewBrokerSet(deps BrokerDeps) *BrokerSet {
	if deps.ShardRefreshInterval <= 0 {
		deps.ShardRefreshInterval = 5 * time.Second
	}
	return &BrokerSet{deps: deps, brokers: make(map[string]*broker.Broker)}
}

func brokerSetKey(project, channel string) string { return project + "/" + channel }

// Get returns the broker for (project, channel), creating, starting, and
// wiring its peer RPC subscription on first use.
func (s *BrokerSet) Get(ctx context.Context, project, channel string) (*broker.Broker, error) {
	key := brokerSetKey(project, channel)

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.brokers[key]; ok {
		return b, nil
	}

	seqEngine := seq.New(s.deps.Redis, project, channel)
	buf := buffer.New(s.deps.Redis, project, channel, s.deps.MessageTTL, s.deps.PruneLimit)
	subs := subscriptions.New(s.deps.Redis, project, channel, s.deps.MaxSubscribersPerTopic)
	shards := shardtable.New(dkey.Shard(project, channel, s.deps.Region), s.deps.Region)
	globalReg := globalregistry.New(s.deps.GlobalRedis)

	peers := broker.NewNATSPeerFanout(s.deps.NATSConn, s.deps.PeerRPCTimeout, s.deps.Logger)

	b := broker.New(
		project, channel, s.deps.Region,
		seqEngine, buf, subs, shards, globalReg,
		s.deps.Verifier, s.deps.Metrics, s.deps.Logger,
		s.deps.Usage, peers,
		s.deps.BroadcastBatchSize, s.deps.BackpressureHighBytes, s.deps.BackpressureLowBytes,
	)

	if _, err := broker.ServePeerRPC(ctx, s.deps.NATSConn, b, s.deps.Logger); err != nil {
		return nil, fmt.Errorf("gateway: serve peer rpc for %s: %w", key, err)
	}

	go b.Run(ctx)
	go s.refreshShardTable(ctx, b, shards, globalReg, project, channel)

	s.brokers[key] = b
	return b, nil
}

// refreshShardTable periodically re-reads the global registry's shard set
// for (project, channel) and applies it to b's Shard Table, so a broker
// that comes online in another region is eventually picked up as a
// remote peer without any explicit push from the Global Registry.
func (s *BrokerSet) refreshShardTable(ctx context.Context, b *broker.Broker, table *shardtable.Table, globalReg *globalregistry.Registry, project, channel string) {
	ticker := time.NewTicker(s.deps.ShardRefreshInterval)
	defer ticker.Stop()

	channelKey := dkey.Channel(project, channel)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.Done():
			return
		case <-ticker.C:
			peerKeys, err := globalReg.GetShards(ctx, channelKey)
			if err != nil {
				s.deps.Logger.Warn("shard table refresh failed", zap.String("project", project), zap.String("channel", channel), zap.Error(err))
				if s.deps.Metrics != nil {
					s.deps.Metrics.RegistryErrors.WithLabelValues(project, channel).Inc()
				}
				continue
			}
			table.SetPeers(peerKeys)
		}
	}
}

// forProject returns every broker currently live for project, for admin
// pause/resume fan-out.
func (s *BrokerSet) forProject(project string) []*broker.Broker {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*broker.Broker
	prefix := project + "/"
	for key, b := range s.brokers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, b)
		}
	}
	return out
}
