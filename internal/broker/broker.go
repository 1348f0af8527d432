// Package broker implements the Channel Broker (spec §4.H): a
// single-threaded actor, generalized from the sharded-partition select
// loop, that owns all state for one (project, channel, region) triple.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erebus-io/erebus/internal/broadcast"
	"github.com/erebus-io/erebus/internal/buffer"
	"github.com/erebus-io/erebus/internal/dkey"
	"github.com/erebus-io/erebus/internal/globalregistry"
	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/message"
	"github.com/erebus-io/erebus/internal/metrics"
	"github.com/erebus-io/erebus/internal/seq"
	"github.com/erebus-io/erebus/internal/shardtable"
	"github.com/erebus-io/erebus/internal/socketpool"
	"github.com/erebus-io/erebus/internal/subscriptions"
	"github.com/erebus-io/erebus/internal/wire"
	"github.com/erebus-io/erebus/internal/wireerr"
)

// PeerFanout issues a publishMessage RPC to a sibling region's broker
// (spec §4.H step 4). Implemented over NATS in peer.go; kept as an
// interface here so the actor loop doesn't depend on a transport.
type PeerFanout interface {
	Publish(ctx context.Context, peer dkey.Key, msg message.Message) error
}

// UsageEmitter records a usage event (spec §6 queue envelope). Implemented
// by internal/usage; kept as a small interface so broker has no import-time
// dependency on the webhook sink.
type UsageEmitter interface {
	Emit(event, projectID, keyID string, payloadLength int)
}

const missedMessageLimit = 1000

// Broker is the single-threaded actor for one (project, channel, region).
type Broker struct {
	project string
	channel string
	region  string
	ownKey  dkey.Key

	seq         *seq.Engine
	buf         *buffer.Buffer
	subs        *subscriptions.Registry
	shards      *shardtable.Table
	globalReg   *globalregistry.Registry
	broadcaster *broadcast.Broadcaster
	sockets     *socketpool.Registry
	verifier    *grant.Verifier
	metrics     *metrics.Registry
	logger      *zap.Logger
	usage       UsageEmitter
	peers       PeerFanout

	paused atomic.Bool

	// clientTopics tracks which topics each attached client is subscribed
	// to, mirroring the teacher's clientSubs reverse-index, so Close can
	// bulk-unsubscribe and emit presence(offline) without a registry scan.
	clientTopics map[string]map[string]struct{}

	openCh        chan openCmd
	connectCh     chan connectCmd
	subscribeCh   chan subscribeCmd
	unsubscribeCh chan unsubscribeCmd
	publishCh     chan publishCmd
	closeCh       chan closeCmd
	pauseCh       chan struct{}
	resumeCh      chan struct{}
	peerPublishCh chan peerPublishCmd

	done chan struct{}
}

// New constructs a Channel Broker for (project, channel) in region, wiring
// every component it orchestrates.
func New(
	project, channel, region string,
	seqEngine *seq.Engine,
	buf *buffer.Buffer,
	subs *subscriptions.Registry,
	shards *shardtable.Table,
	globalReg *globalregistry.Registry,
	verifier *grant.Verifier,
	reg *metrics.Registry,
	logger *zap.Logger,
	usage UsageEmitter,
	peers PeerFanout,
	broadcastBatchSize, backpressureHigh, backpressureLow int,
) *Broker {
	sockets := socketpool.NewRegistry()
	return &Broker{
		project:       project,
		channel:       channel,
		region:        region,
		ownKey:        dkey.Shard(project, channel, region),
		seq:           seqEngine,
		buf:           buf,
		subs:          subs,
		shards:        shards,
		globalReg:     globalReg,
		broadcaster:   broadcast.New(sockets, reg, project, channel, broadcastBatchSize, backpressureHigh, backpressureLow),
		sockets:       sockets,
		verifier:      verifier,
		metrics:       reg,
		logger:        logger.With(zap.String("project", project), zap.String("channel", channel), zap.String("region", region)),
		usage:         usage,
		peers:         peers,
		clientTopics:  make(map[string]map[string]struct{}),
		openCh:        make(chan openCmd),
		connectCh:     make(chan connectCmd),
		subscribeCh:   make(chan subscribeCmd),
		unsubscribeCh: make(chan unsubscribeCmd),
		publishCh:     make(chan publishCmd),
		closeCh:       make(chan closeCmd),
		pauseCh:       make(chan struct{}),
		resumeCh:      make(chan struct{}),
		peerPublishCh: make(chan peerPublishCmd),
		done:          make(chan struct{}),
	}
}

// Key returns this broker's region-qualified distributed key.
func (b *Broker) Key() dkey.Key { return b.ownKey }

// Run is the actor's select loop: every command below is handled serially
// on this one goroutine (spec §5: "single-threaded cooperative actor").
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(b.done)
			return
		case cmd := <-b.openCh:
			b.handleOpen(cmd)
		case cmd := <-b.connectCh:
			b.handleConnect(ctx, cmd)
		case cmd := <-b.subscribeCh:
			b.handleSubscribe(ctx, cmd)
		case cmd := <-b.unsubscribeCh:
			b.handleUnsubscribe(ctx, cmd)
		case cmd := <-b.publishCh:
			b.handlePublish(ctx, cmd)
		case cmd := <-b.closeCh:
			b.handleClose(ctx, cmd)
		case <-b.pauseCh:
			b.paused.Store(true)
		case <-b.resumeCh:
			b.paused.Store(false)
		case cmd := <-b.peerPublishCh:
			b.handlePeerPublish(ctx, cmd)
		}
	}
}

// Done reports the actor's shutdown channel, closed once Run returns.
func (b *Broker) Done() <-chan struct{} { return b.done }

type openCmd struct {
	clientID string
	socket   *socketpool.Socket
}

// Open attaches a newly upgraded socket to this broker's hibernation-capable
// set, before any `connect` packet has arrived (spec §4.H "Open (upgrade)").
func (b *Broker) Open(ctx context.Context, clientID string, socket *socketpool.Socket) {
	select {
	case b.openCh <- openCmd{clientID: clientID, socket: socket}:
	case <-ctx.Done():
	}
}

func (b *Broker) handleOpen(cmd openCmd) {
	b.sockets.Attach(cmd.clientID, cmd.socket)
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Inc()
	}
}

type connectCmd struct {
	clientID string
	grantJWT string
	reply    chan error
}

// Connect verifies grantJWT and attaches the resulting Grant to clientID's
// socket (spec §4.H "Message connect"). On failure the caller must close
// the socket with BAD_REQUEST; Connect itself never closes it.
func (b *Broker) Connect(ctx context.Context, clientID, grantJWT string) error {
	reply := make(chan error, 1)
	select {
	case b.connectCh <- connectCmd{clientID: clientID, grantJWT: grantJWT, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) handleConnect(ctx context.Context, cmd connectCmd) {
	sock, ok := b.sockets.Get(cmd.clientID)
	if !ok {
		cmd.reply <- wireerr.New(wireerr.Invalid, "connect before open")
		return
	}

	g, err := b.verifier.Verify(cmd.grantJWT)
	if err != nil {
		b.logger.Info("connect rejected", zap.String("clientId", cmd.clientID), zap.Error(err))
		cmd.reply <- wireerr.New(wireerr.Unauthorized, "invalid or expired grant")
		return
	}
	sock.SetGrant(g)

	shardKey := dkey.Shard(b.project, b.channel, b.region)
	if err := b.globalReg.RegisterChannelAndShard(ctx, b.project, dkey.Channel(b.project, b.channel), shardKey); err != nil {
		// Failure model (spec §4.E): logged; broker keeps serving locally.
		b.logger.Warn("global registry registration failed", zap.Error(err))
		if b.metrics != nil {
			b.metrics.RegistryErrors.WithLabelValues(b.project, b.channel).Inc()
		}
	}

	b.emitUsage("websocket.connect", g, 0)
	cmd.reply <- nil
}

type subscribeCmd struct {
	clientID    string
	topic       string
	requestID   string
	clientMsgID string
	reply       chan wire.Ack
}

// Subscribe handles a C->S `subscribe` packet (spec §4.H).
func (b *Broker) Subscribe(ctx context.Context, clientID, topic, requestID, clientMsgID string) wire.Ack {
	reply := make(chan wire.Ack, 1)
	select {
	case b.subscribeCh <- subscribeCmd{clientID: clientID, topic: topic, requestID: requestID, clientMsgID: clientMsgID, reply: reply}:
	case <-ctx.Done():
		return wire.NewErrorAck(wire.AckPathSubscribe, topic, clientMsgID, wireerr.Internal, ctx.Err().Error())
	}
	return <-reply
}

func (b *Broker) handleSubscribe(ctx context.Context, cmd subscribeCmd) {
	sock, g, errAck := b.requireGrant(cmd.clientID, wire.AckPathSubscribe, cmd.topic, cmd.clientMsgID)
	if errAck != nil {
		cmd.reply <- *errAck
		return
	}
	if !g.CanRead(cmd.topic) && !g.CanWrite(cmd.topic) && !g.InfoOnly(cmd.topic) {
		cmd.reply <- wire.NewErrorAck(wire.AckPathSubscribe, cmd.topic, cmd.clientMsgID, wireerr.Forbidden, "grant does not cover topic")
		return
	}

	if _, err := b.subs.Subscribe(ctx, cmd.topic, cmd.clientID); err != nil {
		if err == subscriptions.ErrAtCapacity {
			if b.metrics != nil {
				b.metrics.SubscribeRejected.WithLabelValues(b.project, b.channel).Inc()
			}
			cmd.reply <- wire.NewErrorAck(wire.AckPathSubscribe, cmd.topic, cmd.clientMsgID, wireerr.RateLimited, "topic at capacity")
			return
		}
		cmd.reply <- wire.NewErrorAck(wire.AckPathSubscribe, cmd.topic, cmd.clientMsgID, wireerr.Internal, err.Error())
		return
	}

	if b.clientTopics[cmd.clientID] == nil {
		b.clientTopics[cmd.clientID] = make(map[string]struct{})
	}
	b.clientTopics[cmd.clientID][cmd.topic] = struct{}{}

	// Subscribe ACK precedes catch-up delivery (spec §5 ordering guarantee).
	cmd.reply <- wire.NewSubscribeAck(wire.AckPathSubscribe, cmd.topic, cmd.clientMsgID, wire.StatusSubscribed)

	b.deliverMissed(ctx, sock, cmd.topic, cmd.clientID, g)
	b.emitUsage("websocket.subscribe", *g, 0)

	subscribers, err := b.subs.GetSubscribers(ctx, cmd.topic)
	if err != nil {
		b.logger.Warn("getSubscribers for presence failed", zap.Error(err))
		return
	}
	presence := wire.NewPresence(cmd.clientID, cmd.topic, wire.PresenceOnline, nil)
	if _, err := b.broadcaster.BroadcastPresence(ctx, presence, subscribers, cmd.clientID); err != nil {
		b.logger.Warn("broadcastPresence(online) failed", zap.Error(err))
	}
}

// deliverMissed streams buffered messages after the client's last-seen
// cursor directly to its socket (spec §4.H catch-up), then advances the
// cursor to the highest delivered seq.
func (b *Broker) deliverMissed(ctx context.Context, sock *socketpool.Socket, topic, clientID string, g *grant.Grant) {
	lastSeen, err := b.buf.GetLastSeen(ctx, topic, clientID)
	if err != nil {
		b.logger.Warn("getLastSeen failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	missed, err := b.buf.GetAfter(ctx, topic, lastSeen, missedMessageLimit)
	if err != nil {
		b.logger.Warn("getAfter failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if len(missed) == 0 {
		return
	}

	var highest string
	for _, m := range missed {
		payload, deliverable := b.selectCatchUpPayload(*g, m)
		if !deliverable {
			continue
		}
		if err := sock.WriteText(payload); err != nil {
			b.logger.Warn("missed-message delivery failed", zap.String("clientId", clientID), zap.Error(err))
			continue // logged, does not close the subscription (spec §7)
		}
		highest = m.Seq
	}
	if highest != "" {
		if err := b.buf.UpdateLastSeen(ctx, topic, []string{clientID}, highest); err != nil {
			b.logger.Warn("updateLastSeen after catch-up failed", zap.Error(err))
		}
	}
}

func (b *Broker) selectCatchUpPayload(g grant.Grant, m message.Message) ([]byte, bool) {
	if g.CanRead(m.Topic) {
		env, err := wire.Encode(wire.NewPublishEnvelope(m))
		return env, err == nil
	}
	if g.InfoOnly(m.Topic) {
		env, err := wire.Encode(wire.NewInfoEnvelope(m))
		return env, err == nil
	}
	return nil, false
}

type unsubscribeCmd struct {
	clientID    string
	topic       string
	requestID   string
	clientMsgID string
	reply       chan wire.Ack
}

// Unsubscribe handles a C->S `unsubscribe` packet (spec §4.H).
func (b *Broker) Unsubscribe(ctx context.Context, clientID, topic, requestID, clientMsgID string) wire.Ack {
	reply := make(chan wire.Ack, 1)
	select {
	case b.unsubscribeCh <- unsubscribeCmd{clientID: clientID, topic: topic, requestID: requestID, clientMsgID: clientMsgID, reply: reply}:
	case <-ctx.Done():
		return wire.NewErrorAck(wire.AckPathUnsubscribe, topic, clientMsgID, wireerr.Internal, ctx.Err().Error())
	}
	return <-reply
}

func (b *Broker) handleUnsubscribe(ctx context.Context, cmd unsubscribeCmd) {
	if err := b.subs.Unsubscribe(ctx, cmd.topic, cmd.clientID); err != nil {
		cmd.reply <- wire.NewErrorAck(wire.AckPathUnsubscribe, cmd.topic, cmd.clientMsgID, wireerr.Internal, err.Error())
		return
	}
	if topics, ok := b.clientTopics[cmd.clientID]; ok {
		delete(topics, cmd.topic)
	}

	cmd.reply <- wire.NewSubscribeAck(wire.AckPathUnsubscribe, cmd.topic, cmd.clientMsgID, wire.StatusUnsubscribed)

	subscribers, err := b.subs.GetSubscribers(ctx, cmd.topic)
	if err != nil {
		b.logger.Warn("getSubscribers for presence failed", zap.Error(err))
		return
	}
	presence := wire.NewPresence(cmd.clientID, cmd.topic, wire.PresenceOffline, nil)
	if _, err := b.broadcaster.BroadcastPresence(ctx, presence, subscribers, cmd.clientID); err != nil {
		b.logger.Warn("broadcastPresence(offline) failed", zap.Error(err))
	}
}

type publishCmd struct {
	clientID    string
	topic       string
	payload     string
	ack         bool
	clientMsgID string
	requestID   string
	reply       chan *wire.Ack
}

// Publish handles a C->S `publish` packet (spec §4.H). The returned Ack is
// nil when ack=false was requested.
func (b *Broker) Publish(ctx context.Context, clientID, topic, payload string, ack bool, clientMsgID, requestID string) *wire.Ack {
	reply := make(chan *wire.Ack, 1)
	select {
	case b.publishCh <- publishCmd{clientID: clientID, topic: topic, payload: payload, ack: ack, clientMsgID: clientMsgID, requestID: requestID, reply: reply}:
	case <-ctx.Done():
		errAck := wire.NewErrorAck(wire.AckPathPublish, topic, clientMsgID, wireerr.Internal, ctx.Err().Error())
		return &errAck
	}
	return <-reply
}

func (b *Broker) handlePublish(ctx context.Context, cmd publishCmd) {
	tIngress := time.Now().UnixMilli()

	if b.paused.Load() {
		b.replyPublishError(cmd, wireerr.Forbidden, "project is paused")
		return
	}

	_, g, errAck := b.requireGrant(cmd.clientID, wire.AckPathPublish, cmd.topic, cmd.clientMsgID)
	if errAck != nil {
		cmd.reply <- errAck
		return
	}
	if !g.CanWrite(cmd.topic) {
		b.replyPublishError(cmd, wireerr.Forbidden, "grant does not permit writing to topic")
		return
	}
	subscribed, err := b.subs.IsSubscribed(ctx, cmd.topic, cmd.clientID)
	if err != nil {
		b.replyPublishError(cmd, wireerr.Internal, err.Error())
		return
	}
	if !subscribed {
		b.replyPublishError(cmd, wireerr.Forbidden, "publish requires an active subscription")
		return
	}

	tEnqueued := time.Now().UnixMilli()

	// Step 1: (A).next, (D).remotePeers, (C).getSubscribers in parallel.
	var (
		nextID      seq.ID
		nextErr     error
		remotePeers []dkey.Key
		subscribers []string
		subsErr     error
		wg          sync.WaitGroup
	)
	wg.Add(3)
	go func() { defer wg.Done(); nextID, nextErr = b.seq.Next(ctx, cmd.topic) }()
	go func() { defer wg.Done(); remotePeers = b.shards.RemotePeers() }()
	go func() { defer wg.Done(); subscribers, subsErr = b.subs.GetSubscribers(ctx, cmd.topic) }()
	wg.Wait()

	if nextErr != nil {
		// Sequence-persistence failure is fatal to the publish (spec §4.A).
		b.replyPublishError(cmd, wireerr.Internal, fmt.Sprintf("sequence assignment failed: %v", nextErr))
		return
	}
	if subsErr != nil {
		b.replyPublishError(cmd, wireerr.Internal, subsErr.Error())
		return
	}

	msg := message.Message{
		ID:              uuid.New().String(),
		Seq:             string(nextID),
		Topic:           cmd.topic,
		SenderID:        cmd.clientID,
		SentAt:          time.Now().UnixMilli(),
		Payload:         cmd.payload,
		ClientMsgID:     cmd.clientMsgID,
		ClientPublishTS: tIngress,
		TIngress:        tIngress,
		TEnqueued:       tEnqueued,
		Project:         b.project,
		Channel:         b.channel,
	}

	// Step 3: local broadcast first (latency-prioritized).
	msg.TBroadcastBegin = time.Now().UnixMilli()
	localRes, err := b.broadcaster.Broadcast(ctx, msg, subscribers, cmd.clientID)
	if err != nil {
		b.logger.Warn("local broadcast failed", zap.Error(err))
	}
	msg.TBroadcastEnd = time.Now().UnixMilli()
	msg.TWSWriteEnd = msg.TBroadcastEnd

	// Step 4/5: remote peer fan-out, errors tolerated and logged.
	if len(remotePeers) > 0 && b.peers != nil {
		var peerWG sync.WaitGroup
		peerWG.Add(len(remotePeers))
		for _, peer := range remotePeers {
			peer := peer
			go func() {
				defer peerWG.Done()
				if err := b.peers.Publish(ctx, peer, msg); err != nil {
					b.logger.Warn("peer publish failed", zap.String("peer", peer.String()), zap.Error(err))
					if b.metrics != nil {
						b.metrics.PeerRPCErrors.WithLabelValues(b.project, b.channel).Inc()
					}
				}
			}()
		}
		peerWG.Wait()
	}

	// Background persistence and last-seen update, dispatched off the
	// actor goroutine (spec §2/§4.G: background work is fire-and-forget
	// via go func() and never blocks the actor). Both writes are
	// idempotent — Buffer is keyed by seq, UpdateLastSeen only advances —
	// so running them after the ack is safe.
	deliveredIDs := localRes.DeliveredClientIDs
	topic := cmd.topic
	go func() {
		bgCtx := context.Background()
		if err := b.buf.Buffer(bgCtx, msg); err != nil {
			b.logger.Warn("buffer persistence failed", zap.Error(err))
		}
		if len(deliveredIDs) > 0 {
			if err := b.buf.UpdateLastSeen(bgCtx, topic, deliveredIDs, msg.Seq); err != nil {
				b.logger.Warn("bulk updateLastSeen failed", zap.Error(err))
			}
		}
	}()
	b.emitUsage("websocket.message", *g, len(cmd.payload))
	if b.metrics != nil {
		b.metrics.PublishesTotal.WithLabelValues(b.project, b.channel).Inc()
	}

	if cmd.ack {
		ack := wire.NewPublishAck(msg.Seq, msg.ID, cmd.topic, cmd.clientMsgID, tIngress)
		cmd.reply <- &ack
		return
	}
	cmd.reply <- nil
}

func (b *Broker) replyPublishError(cmd publishCmd, kind wireerr.Kind, msg string) {
	if !cmd.ack {
		cmd.reply <- nil
		return
	}
	ack := wire.NewErrorAck(wire.AckPathPublish, cmd.topic, cmd.clientMsgID, kind, msg)
	cmd.reply <- &ack
}

type closeCmd struct {
	clientID string
	done     chan struct{}
}

// Close handles a socket disconnect (spec §4.H "Close"): bulk-unsubscribes
// every topic the client was subscribed to, broadcasts presence(offline)
// for each, and detaches the socket.
func (b *Broker) Close(ctx context.Context, clientID string) {
	done := make(chan struct{})
	select {
	case b.closeCh <- closeCmd{clientID: clientID, done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (b *Broker) handleClose(ctx context.Context, cmd closeCmd) {
	defer close(cmd.done)

	topics := b.clientTopics[cmd.clientID]
	topicList := make([]string, 0, len(topics))
	for t := range topics {
		topicList = append(topicList, t)
	}
	delete(b.clientTopics, cmd.clientID)

	if err := b.subs.BulkUnsubscribe(ctx, cmd.clientID, topicList); err != nil {
		b.logger.Warn("bulkUnsubscribe on close failed", zap.Error(err))
	}

	for _, topic := range topicList {
		subscribers, err := b.subs.GetSubscribers(ctx, topic)
		if err != nil {
			continue
		}
		presence := wire.NewPresence(cmd.clientID, topic, wire.PresenceOffline, nil)
		if _, err := b.broadcaster.BroadcastPresence(ctx, presence, subscribers, cmd.clientID); err != nil {
			b.logger.Warn("broadcastPresence(offline) on close failed", zap.Error(err))
		}
	}

	if sock, ok := b.sockets.Get(cmd.clientID); ok {
		_ = sock.Close()
	}
	b.sockets.Detach(cmd.clientID)
	if b.metrics != nil {
		b.metrics.ConnectionsActive.Dec()
	}
}

// Pause rejects subsequent publishes with FORBIDDEN until Resume (spec
// §4.H admin pause/resume). In-flight publishes are unaffected.
func (b *Broker) Pause(ctx context.Context) {
	select {
	case b.pauseCh <- struct{}{}:
	case <-ctx.Done():
	}
}

// Resume restores normal publish handling.
func (b *Broker) Resume(ctx context.Context) {
	select {
	case b.resumeCh <- struct{}{}:
	case <-ctx.Done():
	}
}

type peerPublishCmd struct {
	msg   message.Message
	reply chan error
}

// PeerPublish is the broker-side entry point for an inbound peer RPC (spec
// §4.H step 4): it fans the already-sequenced message out to this broker's
// local sockets without reassigning seq or persisting twice under a new id.
func (b *Broker) PeerPublish(ctx context.Context, msg message.Message) error {
	reply := make(chan error, 1)
	select {
	case b.peerPublishCh <- peerPublishCmd{msg: msg, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) handlePeerPublish(ctx context.Context, cmd peerPublishCmd) {
	subscribers, err := b.subs.GetSubscribers(ctx, cmd.msg.Topic)
	if err != nil {
		cmd.reply <- err
		return
	}
	res, err := b.broadcaster.Broadcast(ctx, cmd.msg, subscribers, "")
	if err != nil {
		cmd.reply <- err
		return
	}
	if err := b.buf.Buffer(ctx, cmd.msg); err != nil {
		b.logger.Warn("peer-publish buffer persistence failed", zap.Error(err))
	}
	if len(res.DeliveredClientIDs) > 0 {
		if err := b.buf.UpdateLastSeen(ctx, cmd.msg.Topic, res.DeliveredClientIDs, cmd.msg.Seq); err != nil {
			b.logger.Warn("peer-publish updateLastSeen failed", zap.Error(err))
		}
	}
	cmd.reply <- nil
}

// requireGrant looks up clientID's socket and attached grant, producing a
// typed error Ack on either path's absence.
func (b *Broker) requireGrant(clientID string, path wire.AckPath, topic, clientMsgID string) (*socketpool.Socket, *grant.Grant, *wire.Ack) {
	sock, ok := b.sockets.Get(clientID)
	if !ok {
		ack := wire.NewErrorAck(path, topic, clientMsgID, wireerr.Invalid, "unknown socket")
		return nil, nil, &ack
	}
	g := sock.Grant()
	if g == nil {
		ack := wire.NewErrorAck(path, topic, clientMsgID, wireerr.Unauthorized, "connect has not completed")
		return nil, nil, &ack
	}
	return sock, g, nil
}

func (b *Broker) emitUsage(event string, g grant.Grant, payloadLength int) {
	if b.usage == nil {
		return
	}
	b.usage.Emit(event, b.project, g.KeyID, payloadLength)
}

// History serves the Gateway's topic-history HTTP path (spec §4.G′): a
// direct read against the Message Buffer, filtered to what caller is
// allowed to see. It does not go through the actor's command channels —
// it touches no mutable broker state, only the underlying storage the
// actor itself reads from in deliverMissed.
func (b *Broker) History(ctx context.Context, topic, cursor string, limit int, direction string, caller grant.Grant) ([]message.Message, string, error) {
	if !caller.CanRead(topic) && !caller.InfoOnly(topic) {
		return nil, "", wireerr.New(wireerr.Forbidden, "grant does not cover topic")
	}

	var (
		msgs []message.Message
		err  error
	)
	if direction == "backward" {
		msgs, err = b.buf.GetBefore(ctx, topic, cursor, limit)
	} else {
		msgs, err = b.buf.GetAfter(ctx, topic, cursor, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("broker: history: %w", err)
	}

	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if caller.InfoOnly(topic) && !caller.CanRead(topic) {
			m.Payload = `{"notice":"message published on subscribed topic"}`
		}
		out = append(out, m)
	}

	nextCursor := cursor
	if len(msgs) > 0 {
		nextCursor = msgs[len(msgs)-1].Seq
	}
	return out, nextCursor, nil
}

// BrokerDiagnostics is the `/debug/broker` snapshot (SPEC_FULL.md
// supplemented feature), in the spirit of the teacher's ShardStats.
type BrokerDiagnostics struct {
	ShardTable    shardtable.Diagnostics `json:"shardTable"`
	ActiveTopics  []string               `json:"activeTopics,omitempty"`
	SocketCount   int                    `json:"socketCount"`
	Paused        bool                   `json:"paused"`
}

// Diagnostics returns an operational snapshot of this broker. Like
// History, it is a read against already-concurrency-safe collaborators
// and does not need to cross the actor's command channels.
func (b *Broker) Diagnostics(ctx context.Context) BrokerDiagnostics {
	topics, err := b.subs.ActiveTopics(ctx)
	if err != nil {
		b.logger.Warn("diagnostics: active topics lookup failed", zap.Error(err))
	}
	return BrokerDiagnostics{
		ShardTable:   b.shards.Diagnostics(),
		ActiveTopics: topics,
		SocketCount:  b.sockets.Count(),
		Paused:       b.paused.Load(),
	}
}
