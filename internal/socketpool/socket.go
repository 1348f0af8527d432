// Package socketpool tracks the sockets attached to one Channel Broker.
// Each Socket carries its parsed Grant (spec §9: "Attach the parsed grant
// to the socket's user-data slot... Do not re-parse on every message") and
// an approximate buffered-byte count the Broadcaster uses for backpressure
// decisions (spec §4.G).
package socketpool

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/erebus-io/erebus/internal/grant"
)

// Socket is one attached WebSocket connection.
type Socket struct {
	ID   string
	Conn net.Conn

	// grant is set once on a successful `connect` message and never
	// mutated afterward (spec §3: "Immutable after handshake").
	grant atomic.Pointer[grant.Grant]

	// buffered approximates unflushed write bytes, incremented before a
	// write attempt and decremented once it completes, so the Broadcaster
	// can read it without touching the connection itself.
	buffered int64

	writeMu sync.Mutex
}

// New wraps conn as a broker-attached socket.
func New(id string, conn net.Conn) *Socket {
	return &Socket{ID: id, Conn: conn}
}

// SetGrant attaches the parsed grant after a successful `connect` (spec §4.H).
func (s *Socket) SetGrant(g grant.Grant) { s.grant.Store(&g) }

// Grant returns the attached grant, or nil if the socket has not
// completed `connect` yet.
func (s *Socket) Grant() *grant.Grant { return s.grant.Load() }

// Buffered returns the approximate number of unflushed write bytes.
func (s *Socket) Buffered() int { return int(atomic.LoadInt64(&s.buffered)) }

// WriteText writes a text frame, tracking the buffered-byte estimate
// around the write the way a real bufferedAmount would on a browser
// socket (spec §9 design note). The write is synchronous, so buffered
// is non-zero only while a write is waiting for or holding writeMu, and
// the calling goroutine sees it back at zero once WriteText returns; see
// DESIGN.md's backpressure scoping note.
func (s *Socket) WriteText(payload []byte) error {
	atomic.AddInt64(&s.buffered, int64(len(payload)))
	defer atomic.AddInt64(&s.buffered, -int64(len(payload)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := wsutil.WriteServerText(s.Conn, payload); err != nil {
		return fmt.Errorf("socketpool: write: %w", err)
	}
	return nil
}

// WriteClose writes a close frame with code and reason. It shares writeMu
// with WriteText so a close frame can never interleave with an in-flight
// text frame on the same connection.
func (s *Socket) WriteClose(code uint16, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	if err := ws.WriteFrame(s.Conn, ws.NewCloseFrame(body)); err != nil {
		return fmt.Errorf("socketpool: write close: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Socket) Close() error { return s.Conn.Close() }

// Registry tracks every socket attached to one broker, keyed by clientId.
// The broker is the sole writer; reads from admin/diagnostics code take
// the lock too since that can run on another goroutine.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*Socket
}

// NewRegistry creates an empty socket registry.
func NewRegistry() *Registry {
	return &Registry{sockets: make(map[string]*Socket)}
}

// Attach registers a socket under clientID.
func (r *Registry) Attach(clientID string, s *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[clientID] = s
}

// Detach removes a socket.
func (r *Registry) Detach(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, clientID)
}

// Get returns the socket for clientID, if attached.
func (r *Registry) Get(clientID string) (*Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[clientID]
	return s, ok
}

// Snapshot returns a copy of every attached (clientID, socket) pair for
// the Broadcaster's fan-out loop (spec §4.G). The result is a map, so
// iteration order is not defined.
func (r *Registry) Snapshot() map[string]*Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Socket, len(r.sockets))
	for k, v := range r.sockets {
		out[k] = v
	}
	return out
}

// Count returns the number of attached sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}
