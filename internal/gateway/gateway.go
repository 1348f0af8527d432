// Package gateway implements the Gateway collaborator (spec §4.G′): the
// parallel, shared-nothing HTTP/WebSocket front door that routes client
// traffic to the right Channel Broker. Every request is independent and
// may run on any goroutine; the only shared state it touches is the
// BrokerSet and each broker's own externally-serialized methods, the way
// the teacher's ShardedServer hands connections off to a MessageRouter and
// never touches shard state directly (src/sharded/server.go).
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erebus-io/erebus/internal/dkey"
	"github.com/erebus-io/erebus/internal/globalregistry"
	"github.com/erebus-io/erebus/internal/grant"
	"github.com/erebus-io/erebus/internal/socketpool"
	"github.com/erebus-io/erebus/internal/wire"
	"github.com/erebus-io/erebus/internal/wireerr"
)

// Config controls Gateway-level behavior not owned by any one broker.
type Config struct {
	DefaultRegion string
	RootAPIKey    string
}

// Gateway is the HTTP/WebSocket entrypoint wired to a BrokerSet and the
// Global Registry.
type Gateway struct {
	cfg       Config
	brokers   *BrokerSet
	globalReg *globalregistry.Registry
	verifier  *grant.Verifier
	logger    *zap.Logger
}

// New builds a Gateway ready to be mounted on an http.ServeMux.
func New(cfg Config, brokers *BrokerSet, globalReg *globalregistry.Registry, verifier *grant.Verifier, logger *zap.Logger) *Gateway {
	return &Gateway{cfg: cfg, brokers: brokers, globalReg: globalReg, verifier: verifier, logger: logger}
}

// Routes mounts the Gateway's handlers on mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/pubsub/topics/", g.handleTopicHistory)
	mux.HandleFunc("/v1/pubsub/", g.handleUpgrade)
	mux.HandleFunc("/v1/root/command", g.handleRootCommand)
	mux.HandleFunc("/debug/broker", g.handleDebugBroker)
}

// regionHint derives the client's region the way spec §4.G′ asks for
// ("derived from client's continent/lat-lon"): a CDN-assigned country
// header or an explicit override, falling back to this gateway's default
// region when neither is present.
func regionHint(r *http.Request, fallback string) string {
	if h := r.Header.Get("X-Erebus-Region"); h != "" {
		return h
	}
	if h := r.Header.Get("CF-IPCountry"); h != "" {
		return h
	}
	return fallback
}

// pathProjectChannel splits a "/v1/pubsub/{project}/{channel}" style path,
// tolerating a trailing slash but rejecting anything shorter.
func pathProjectChannel(path, prefix string) (project, channel string, ok bool) {
	rest := path[len(prefix):]
	i := -1
	for idx, c := range rest {
		if c == '/' {
			i = idx
			break
		}
	}
	if i <= 0 {
		return "", "", false
	}
	project = rest[:i]
	channel = rest[i+1:]
	if channel == "" {
		return "", "", false
	}
	// strip a further sub-path if present (defensive; topics/history is
	// routed separately but a client could still hit this prefix)
	for idx, c := range channel {
		if c == '/' {
			channel = channel[:idx]
			break
		}
	}
	return project, channel, channel != ""
}

// handleUpgrade extracts and pre-validates the grant, upgrades the
// connection, and hands the socket to its Channel Broker (spec §4.H "Open").
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	project, channel, ok := pathProjectChannel(r.URL.Path, "/v1/pubsub/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	token, err := grant.ExtractToken(r)
	if err != nil {
		http.Error(w, "missing grant", http.StatusUnauthorized)
		return
	}
	if _, err := g.verifier.Verify(token); err != nil {
		http.Error(w, "invalid grant", http.StatusUnauthorized)
		return
	}

	ctx := context.Background()
	b, err := g.brokers.Get(ctx, project, channel)
	if err != nil {
		g.logger.Error("broker lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	sock := socketpool.New(clientID, conn)

	region := regionHint(r, g.cfg.DefaultRegion)
	go g.registerAndRefresh(project, channel, region)

	b.Open(ctx, clientID, sock)
	if err := b.Connect(ctx, clientID, token); err != nil {
		g.logger.Warn("connect rejected after upgrade", zap.String("clientId", clientID), zap.Error(err))
		closeWithReason(sock, wireerr.Invalid, "invalid grant")
		b.Close(ctx, clientID)
		return
	}

	g.readPump(ctx, b, clientID, sock)
}

// registerAndRefresh ensures (project, channel, region) is registered in
// the Global Registry, matching spec §4.G′'s "asynchronously ensure
// registration" clause — it runs off the request path so a slow registry
// never delays the upgrade.
func (g *Gateway) registerAndRefresh(project, channel, region string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channelKey := dkey.Channel(project, channel)
	shardKey := dkey.Shard(project, channel, region)
	if err := g.globalReg.RegisterChannelAndShard(ctx, project, channelKey, shardKey); err != nil {
		g.logger.Warn("global registry registration failed", zap.String("project", project), zap.String("channel", channel), zap.Error(err))
	}
}

// readPump drains client frames until the socket closes, dispatching each
// envelope to the broker the way src/sharded/server.go's readPump drains
// client commands onto its router (spec §4.H per-message handling). Every
// S->C write — ack, pong, or close frame — goes through sock.WriteText/
// WriteClose, the same serialized writer the broker actor uses for
// catch-up and broadcast delivery, so the two never interleave frames on
// the same connection (spec §5: subscribe ACK precedes catch-up delivery,
// which only holds if there is one writer per socket).
func (g *Gateway) readPump(ctx context.Context, b interface {
	Subscribe(ctx context.Context, clientID, topic, requestID, clientMsgID string) wire.Ack
	Unsubscribe(ctx context.Context, clientID, topic, requestID, clientMsgID string) wire.Ack
	Publish(ctx context.Context, clientID, topic, payload string, ack bool, clientMsgID, requestID string) *wire.Ack
	Close(ctx context.Context, clientID string)
}, clientID string, sock *socketpool.Socket) {
	defer b.Close(ctx, clientID)

	for {
		data, op, err := wsutil.ReadClientData(sock.Conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		if string(data) == "ping" {
			if err := sock.WriteText([]byte("pong")); err != nil {
				g.logger.Debug("pong write failed", zap.Error(err))
			}
			continue
		}

		env, err := wire.ParseEnvelope(data)
		if err != nil {
			continue
		}

		switch env.PacketType {
		case wire.PacketSubscribe:
			p, err := env.DecodeSubscribe()
			if err != nil {
				continue
			}
			ack := b.Subscribe(ctx, clientID, p.Topic, p.RequestID, p.ClientMsgID)
			g.sendAck(sock, ack)

		case wire.PacketUnsubscribe:
			p, err := env.DecodeSubscribe()
			if err != nil {
				continue
			}
			ack := b.Unsubscribe(ctx, clientID, p.Topic, p.RequestID, p.ClientMsgID)
			g.sendAck(sock, ack)

		case wire.PacketPublish:
			p, err := env.DecodePublish()
			if err != nil {
				continue
			}
			if ack := b.Publish(ctx, clientID, p.Topic, p.Payload, p.Ack, p.ClientMsgID, p.RequestID); ack != nil {
				g.sendAck(sock, *ack)
			}

		case wire.PacketConnect, wire.PacketPresence:
			// connect is only meaningful once, at upgrade; presence is
			// server-generated only (spec §4.H "Message presence: ignored").
		}
	}
}

func (g *Gateway) sendAck(sock *socketpool.Socket, ack wire.Ack) {
	body, err := wire.Encode(ack)
	if err != nil {
		g.logger.Error("ack encode failed", zap.Error(err))
		return
	}
	if err := sock.WriteText(body); err != nil {
		g.logger.Debug("ack write failed", zap.Error(err))
	}
}

func closeWithReason(sock *socketpool.Socket, kind wireerr.Kind, reason string) {
	_ = sock.WriteClose(uint16(wireerr.CloseCodeFor(kind)), reason)
	_ = sock.Close()
}

// historyResponse is the `GET /v1/pubsub/topics/:name/history` body.
type historyResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// handleTopicHistory serves GET /v1/pubsub/topics/{topic}/history, per
// spec §4.G′. It requires the same project/channel routing context as the
// upgrade path, carried via query parameters since there is no WebSocket
// connection here to infer it from.
func (g *Gateway) handleTopicHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	project := r.URL.Query().Get("project")
	channel := r.URL.Query().Get("channel")
	topic := topicFromHistoryPath(r.URL.Path)
	if project == "" || channel == "" || topic == "" {
		http.Error(w, "project, channel and topic are required", http.StatusBadRequest)
		return
	}

	token, err := grant.ExtractToken(r)
	if err != nil {
		http.Error(w, "missing grant", http.StatusUnauthorized)
		return
	}
	callerGrant, err := g.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid grant", http.StatusUnauthorized)
		return
	}
	if !callerGrant.CanRead(topic) && !callerGrant.InfoOnly(topic) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	limit := 1000
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")
	direction := r.URL.Query().Get("direction")
	if direction == "" {
		direction = "forward"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	b, err := g.brokers.Get(ctx, project, channel)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items, nextCursor, err := b.History(ctx, topic, cursor, limit, direction, callerGrant)
	if err != nil {
		g.logger.Error("history lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := historyResponse{NextCursor: nextCursor}
	for _, it := range items {
		raw, _ := json.Marshal(it)
		resp.Items = append(resp.Items, raw)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func topicFromHistoryPath(path string) string {
	const prefix = "/v1/pubsub/topics/"
	const suffix = "/history"
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	rest := path[len(prefix):]
	if len(rest) <= len(suffix) || rest[len(rest)-len(suffix):] != suffix {
		return ""
	}
	return rest[:len(rest)-len(suffix)]
}

// rootCommandRequest is the body of POST /v1/root/command.
type rootCommandRequest struct {
	Command   string `json:"command"`
	ProjectID string `json:"projectId"`
}

// handleRootCommand implements the admin pause/unpause path (spec §4.G′,
// §9 open question (a): the two commands are mutually exclusive; handle
// one and return).
func (g *Gateway) handleRootCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.cfg.RootAPIKey == "" || r.Header.Get("x-root-api-key") != g.cfg.RootAPIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req rootCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		http.Error(w, "malformed command", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	channels, err := g.globalReg.GetChannelsForProject(ctx, req.ProjectID)
	if err != nil {
		g.logger.Error("project channel lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch req.Command {
	case "pause_project_id":
		g.applyToProjectBrokers(ctx, channels, func(b pausable) { b.Pause(ctx) })
		w.WriteHeader(http.StatusOK)
		return
	case "unpause_project_id":
		g.applyToProjectBrokers(ctx, channels, func(b pausable) { b.Resume(ctx) })
		w.WriteHeader(http.StatusOK)
		return
	default:
		http.Error(w, "malformed command", http.StatusBadRequest)
		return
	}
}

type pausable interface {
	Pause(ctx context.Context)
	Resume(ctx context.Context)
}

// applyToProjectBrokers runs fn over every broker this gateway process has
// live for channels under the given project. Channels hosted purely on
// sibling-region processes are not reachable from here directly; they
// converge through their own regions' admin calls.
func (g *Gateway) applyToProjectBrokers(ctx context.Context, channels []dkey.Key, fn func(pausable)) {
	for _, b := range g.brokers.forProject(projectFromChannels(channels)) {
		fn(b)
	}
}

func projectFromChannels(channels []dkey.Key) string {
	if len(channels) == 0 {
		return ""
	}
	return channels[0].Project
}

// handleDebugBroker exposes Shard Table and Subscription Registry
// diagnostics for operational visibility (SPEC_FULL.md supplemented
// feature, in the spirit of the teacher's ShardStats/ServerStats).
func (g *Gateway) handleDebugBroker(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	channel := r.URL.Query().Get("channel")
	if project == "" || channel == "" {
		http.Error(w, "project and channel are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	b, err := g.brokers.Get(ctx, project, channel)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b.Diagnostics(ctx))
}
