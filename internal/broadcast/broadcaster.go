// Package broadcast implements the Broadcaster (spec §4.G): local fan-out
// of one message to a broker's attached sockets, subject to access
// control, backpressure, and duplicate prevention.
package broadcast

import (
	"context"
	"runtime"
	"time"

	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/message"
	"github.com/erebus-io/erebus/internal/metrics"
	"github.com/erebus-io/erebus/internal/socketpool"
	"github.com/erebus-io/erebus/internal/wire"
)

// Tunables named directly in spec §4.G.
const (
	DefaultBatchSize      = 10
	DefaultHighWatermark  = 100 * 1024 // bytes
	DefaultLowWatermark   = 10 * 1024  // bytes
)

// Broadcaster performs local fan-out for one Channel Broker.
type Broadcaster struct {
	sockets *socketpool.Registry
	metrics *metrics.Registry

	project, channel string

	batchSize int
	high, low int
}

// New creates a Broadcaster over sockets, emitting metrics labeled by
// (project, channel).
func New(sockets *socketpool.Registry, reg *metrics.Registry, project, channel string, batchSize, high, low int) *Broadcaster {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 {
		low = DefaultLowWatermark
	}
	return &Broadcaster{sockets: sockets, metrics: reg, project: project, channel: channel, batchSize: batchSize, high: high, low: low}
}

// Result summarizes one Broadcast call, for the metrics named in spec §4.G
// ("sent, skipped, duplicates suppressed, errors, yields, high-backpressure
// skips, wall-clock duration") and for the broker's background work (B
// persistence / last-seen update, which needs the delivered client list).
type Result struct {
	Sent               int
	Skipped            int
	DuplicatesSuppressed int
	Errors             int
	Yields             int
	BackpressureSkips  int
	Duration           time.Duration
	DeliveredClientIDs []string
}

func subscriberSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Broadcast delivers msg to every socket in subscriberIDs that is
// currently attached to this broker, except senderID, subject to the
// access-control and backpressure rules of spec §4.G. It returns once
// every batch has been processed; background persistence and last-seen
// updates are the caller's responsibility (spec §9: no shared mutable
// cycle — the broker drives those from the Result it gets back).
func (b *Broadcaster) Broadcast(ctx context.Context, msg message.Message, subscriberIDs []string, senderID string) (Result, error) {
	start := time.Now()

	normalEnv, err := wire.Encode(wire.NewPublishEnvelope(msg))
	if err != nil {
		return Result{}, err
	}
	infoEnv, err := wire.Encode(wire.NewInfoEnvelope(msg))
	if err != nil {
		return Result{}, err
	}

	subs := subscriberSet(subscriberIDs)
	delivered := make(map[string]struct{})

	var res Result
	batchCount := 0

	for clientID, sock := range b.sockets.Snapshot() {
		if clientID == senderID {
			continue // no self-delivery (spec §8 invariant 2)
		}
		if _, wanted := subs[clientID]; !wanted {
			continue // not in the subscriber list
		}
		if _, already := delivered[clientID]; already {
			res.DuplicatesSuppressed++
			continue
		}

		g := sock.Grant()
		if g == nil {
			res.Skipped++
			batchCount++
			b.maybeYield(&batchCount, &res)
			continue
		}

		payload, deliverable := b.selectPayload(*g, msg.Topic, normalEnv, infoEnv)
		if !deliverable {
			res.Skipped++
			batchCount++
			b.maybeYield(&batchCount, &res)
			continue
		}

		buffered := sock.Buffered()
		if buffered > b.high {
			res.BackpressureSkips++
			batchCount++
			b.maybeYield(&batchCount, &res)
			continue
		}
		if buffered > b.low {
			res.Yields++
			runtime.Gosched()
		}

		if err := sock.WriteText(payload); err != nil {
			res.Errors++
		} else {
			res.Sent++
			delivered[clientID] = struct{}{}
		}

		batchCount++
		b.maybeYield(&batchCount, &res)
	}

	res.Duration = time.Since(start)
	res.DeliveredClientIDs = keys(delivered)

	b.observe(res)
	return res, nil
}

// selectPayload implements spec §4.G's access rule: a read/readwrite entry
// gets the real payload; an info-only entry gets the fixed informational
// notice; anything else is not deliverable.
func (b *Broadcaster) selectPayload(g grant.Grant, topic string, normal, info []byte) ([]byte, bool) {
	if g.CanRead(topic) {
		return normal, true
	}
	if g.InfoOnly(topic) {
		return info, true
	}
	return nil, false
}

// maybeYield yields control to the runtime between batches of batchSize
// sockets processed (spec §4.G: "Iterate ... in batches of batchSize = 10;
// between batches yield control to the runtime").
func (b *Broadcaster) maybeYield(batchCount *int, res *Result) {
	if *batchCount%b.batchSize != 0 {
		return
	}
	res.Yields++
	runtime.Gosched()
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (b *Broadcaster) observe(res Result) {
	if b.metrics == nil {
		return
	}
	labels := []string{b.project, b.channel}
	b.metrics.BroadcastSent.WithLabelValues(labels...).Add(float64(res.Sent))
	b.metrics.BroadcastSkipped.WithLabelValues(labels...).Add(float64(res.Skipped))
	b.metrics.BroadcastDup.WithLabelValues(labels...).Add(float64(res.DuplicatesSuppressed))
	b.metrics.BroadcastErrors.WithLabelValues(labels...).Add(float64(res.Errors))
	b.metrics.BroadcastYields.WithLabelValues(labels...).Add(float64(res.Yields))
	b.metrics.BackpressureSkip.WithLabelValues(labels...).Add(float64(res.BackpressureSkips))
	b.metrics.BroadcastLatency.WithLabelValues(labels...).Observe(res.Duration.Seconds())
}

// BroadcastPresence is the presence variant of Broadcast (spec §4.G
// broadcastPresence): similar fan-out loop, no backpressure
// skip-threshold downgrade (delivery is always attempted), optionally
// restricted to a subscriber list. The sender, if attached and in scope,
// receives an enriched packet carrying the current subscriber list;
// everyone else receives the base packet.
func (b *Broadcaster) BroadcastPresence(ctx context.Context, p wire.Presence, subscriberIDs []string, senderID string) (Result, error) {
	baseEnv, err := wire.Encode(p)
	if err != nil {
		return Result{}, err
	}

	enriched := p
	enriched.Subscribers = subscriberIDs
	enrichedEnv, err := wire.Encode(enriched)
	if err != nil {
		return Result{}, err
	}

	var restrict map[string]struct{}
	if len(subscriberIDs) > 0 {
		restrict = subscriberSet(subscriberIDs)
	}

	var res Result
	delivered := make(map[string]struct{})

	for clientID, sock := range b.sockets.Snapshot() {
		if restrict != nil {
			if _, ok := restrict[clientID]; !ok && clientID != senderID {
				continue
			}
		}
		if _, already := delivered[clientID]; already {
			res.DuplicatesSuppressed++
			continue
		}

		g := sock.Grant()
		if g == nil {
			res.Skipped++
			continue
		}
		if !g.CanRead(p.Topic) && !g.InfoOnly(p.Topic) {
			res.Skipped++
			continue
		}

		payload := baseEnv
		if clientID == senderID {
			payload = enrichedEnv
		}

		if err := sock.WriteText(payload); err != nil {
			res.Errors++
			continue
		}
		res.Sent++
		delivered[clientID] = struct{}{}
	}

	res.DeliveredClientIDs = keys(delivered)
	b.observe(res)
	return res, nil
}
