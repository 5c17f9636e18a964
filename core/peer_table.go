package core

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// suspectThreshold is the number of consecutive failures after which a
// peer transitions to suspect; one more failure marks it dead.
const suspectThreshold = 3

// PeerTable is the authoritative in-process membership view: a bounded,
// TTL-aware collection of peer records. All operations are safe for
// concurrent use from the gossip loop, the health loops, and inbound
// request handlers.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*PeerRecord
	rng   *rand.Rand

	selfID   string
	ttl      time.Duration
	maxPeers int
	clock    clock.Clock
	logger   Logger
}

// NewPeerTable creates a peer table for the given local identity.
func NewPeerTable(selfID string, ttl time.Duration, maxPeers int, logger Logger) *PeerTable {
	return NewPeerTableWithClock(selfID, ttl, maxPeers, logger, clock.New())
}

// NewPeerTableWithClock creates a peer table with an injectable clock,
// used by tests to drive TTL behavior deterministically.
func NewPeerTableWithClock(selfID string, ttl time.Duration, maxPeers int, logger Logger, clk clock.Clock) *PeerTable {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &PeerTable{
		peers:    make(map[string]*PeerRecord),
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
		selfID:   selfID,
		ttl:      ttl,
		maxPeers: maxPeers,
		clock:    clk,
		logger:   logger,
	}
}

// Upsert merges a record into the table by identifier and reports whether
// the peer was previously unknown. Merge rules: a newer LastSeen wins;
// endpoint and capabilities from the newer record overwrite only when
// non-nil; LastSeen never decreases. A record marked dead is never
// updated in place - the dead entry is dropped and the incoming record
// starts a fresh lifecycle. The local identity is never inserted.
func (t *PeerTable) Upsert(rec *PeerRecord) bool {
	if rec == nil || rec.ID == "" || rec.ID == t.selfID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	existing, ok := t.peers[rec.ID]
	if ok && existing.Status == StatusDead {
		// Re-contact after death starts over with a fresh record.
		delete(t.peers, rec.ID)
		ok = false
	}

	if ok {
		if !rec.LastSeen.After(existing.LastSeen) {
			return false
		}
		existing.LastSeen = rec.LastSeen
		if rec.Endpoint != nil {
			ep := *rec.Endpoint
			existing.Endpoint = &ep
		}
		if rec.Capabilities != nil {
			existing.Capabilities = append([]string(nil), rec.Capabilities...)
		}
		if rec.Source != "" {
			existing.Source = rec.Source
		}
		return false
	}

	fresh := rec.clone()
	if fresh.Status == "" {
		fresh.Status = StatusUnknown
	}
	if fresh.LastSeen.IsZero() {
		fresh.LastSeen = now
	}
	fresh.learnedAt = now
	fresh.failures = 0
	t.peers[rec.ID] = fresh

	if t.maxPeers > 0 && len(t.peers) > t.maxPeers {
		t.evictLeastRecentlySeenLocked(rec.ID)
	}
	return true
}

// evictLeastRecentlySeenLocked drops the entry with the oldest LastSeen,
// sparing the record that just arrived. Fresher information is assumed
// more valuable than a full table.
func (t *PeerTable) evictLeastRecentlySeenLocked(spare string) {
	var victim string
	var oldest time.Time
	for id, rec := range t.peers {
		if id == spare {
			continue
		}
		if victim == "" || rec.LastSeen.Before(oldest) {
			victim = id
			oldest = rec.LastSeen
		}
	}
	if victim != "" {
		delete(t.peers, victim)
		t.logger.Debug("Evicted least-recently-seen peer at capacity", map[string]interface{}{
			"peer_id":   victim,
			"last_seen": oldest,
		})
	}
}

// Get returns a copy of the record for id, or nil if unknown.
func (t *PeerTable) Get(id string) *PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.peers[id]; ok {
		return rec.clone()
	}
	return nil
}

// Remove deletes a peer outright and reports whether it was present.
func (t *PeerTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		delete(t.peers, id)
		return true
	}
	return false
}

// Len returns the current number of records.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// IDs returns the identifiers of all known peers in no particular order.
func (t *PeerTable) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns copies of every record, for handlers and diagnostics.
func (t *PeerTable) Snapshot() []*PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PeerRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, rec.clone())
	}
	return out
}

// Sample returns up to n distinct records chosen uniformly at random,
// excluding the local identity and dead peers. Randomness spreads gossip
// load and improves diffusion across the membership graph.
func (t *PeerTable) Sample(n int) []*PeerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	candidates := make([]*PeerRecord, 0, len(t.peers))
	for _, rec := range t.peers {
		if rec.Status == StatusDead {
			continue
		}
		candidates = append(candidates, rec)
	}
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]*PeerRecord, 0, n)
	for _, rec := range candidates[:n] {
		out = append(out, rec.clone())
	}
	return out
}

// MarkResult feeds a probe or exchange outcome into the liveness state
// machine. Any success resets the record to healthy and bumps LastSeen.
// Three consecutive failures move healthy/unknown to suspect; a further
// failure moves suspect to dead, making the record invisible to Sample
// until TTL eviction removes it.
func (t *PeerTable) MarkResult(id string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[id]
	if !ok {
		return
	}
	if success {
		rec.failures = 0
		rec.Status = StatusHealthy
		if now := t.clock.Now(); now.After(rec.LastSeen) {
			rec.LastSeen = now
		}
		return
	}

	rec.failures++
	switch {
	case rec.Status == StatusDead:
		// Terminal until eviction.
	case rec.Status == StatusSuspect && rec.failures > suspectThreshold:
		rec.Status = StatusDead
		t.logger.Warn("Peer marked dead after repeated failures", map[string]interface{}{
			"peer_id":  id,
			"failures": rec.failures,
		})
	case rec.failures >= suspectThreshold:
		rec.Status = StatusSuspect
	}
}

// EvictStale removes every record whose LastSeen is older than the table
// TTL relative to now, and returns the evicted identifiers. Called on a
// fixed interval independent of gossip activity.
func (t *PeerTable) EvictStale(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.ttl)
	var removed []string
	for id, rec := range t.peers {
		if rec.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.logger.Info("Evicted stale peers", map[string]interface{}{
			"count": len(removed),
			"ttl":   t.ttl.String(),
		})
	}
	return removed
}

// TTL returns the configured record time-to-live.
func (t *PeerTable) TTL() time.Duration {
	return t.ttl
}
