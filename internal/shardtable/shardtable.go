// Package shardtable implements the Shard Table (spec §4.D): a
// broker-local, in-memory view of peer brokers for one (project, channel).
// It needs no external store; it is written by the gateway's periodic
// shard-refresh goroutine and read by the broker's publish path and the
// admin-diagnostics handler, so every access takes the table's RWMutex.
package shardtable

import (
	"sort"
	"sync"

	"github.com/erebus-io/erebus/internal/dkey"
)

// Table is one broker's view of its channel's peer brokers.
type Table struct {
	mu         sync.RWMutex
	ownRegion  string
	ownKey     dkey.Key
	peers      map[string]dkey.Key // region-qualified key string -> key
}

// New creates a Shard Table for the broker identified by ownKey (a
// region-qualified key), in region ownRegion.
func New(ownKey dkey.Key, ownRegion string) *Table {
	return &Table{
		ownKey:    ownKey,
		ownRegion: ownRegion,
		peers:     make(map[string]dkey.Key),
	}
}

// OwnRegion returns the broker's own region.
func (t *Table) OwnRegion() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ownRegion
}

// SetOwnRegion updates the broker's own region hint.
func (t *Table) SetOwnRegion(region string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownRegion = region
}

// SetPeers replaces the full peer list, deduplicating and filtering out
// the broker's own key (spec §4.D invariant: own region never in
// remotePeers()). The write is skipped entirely if the new set equals the
// stored set, per spec §4.D ("Writes are idempotent").
func (t *Table) SetPeers(peers []dkey.Key) {
	next := make(map[string]dkey.Key, len(peers))
	for _, p := range peers {
		if p.Equal(t.ownKey) {
			continue
		}
		next[p.String()] = p
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if sameKeySet(t.peers, next) {
		return
	}
	t.peers = next
}

func sameKeySet(a, b map[string]dkey.Key) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// RemotePeers returns the current peer list, sorted for deterministic
// iteration order, excluding this broker's own key.
func (t *Table) RemotePeers() []dkey.Key {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]dkey.Key, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Clear empties the peer list.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]dkey.Key)
}

// Diagnostics returns a snapshot suitable for an admin/debug endpoint.
type Diagnostics struct {
	OwnKey    string   `json:"ownKey"`
	OwnRegion string   `json:"ownRegion"`
	Peers     []string `json:"peers"`
}

// Diagnostics returns the table's current diagnostic snapshot.
func (t *Table) Diagnostics() Diagnostics {
	peers := t.RemotePeers()
	strs := make([]string, len(peers))
	for i, p := range peers {
		strs[i] = p.String()
	}
	return Diagnostics{
		OwnKey:    t.ownKey.String(),
		OwnRegion: t.OwnRegion(),
		Peers:     strs,
	}
}
