package core

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestTable(ttl time.Duration, maxPeers int) (*PeerTable, *clock.Mock) {
	mock := clock.NewMock()
	table := NewPeerTableWithClock("self.agents.local", ttl, maxPeers, &NoOpLogger{}, mock)
	return table, mock
}

func TestUpsertMergeMonotonicity(t *testing.T) {
	table, mock := newTestTable(time.Hour, 10)
	base := mock.Now()

	// Final LastSeen must equal the maximum across all upserts,
	// regardless of arrival order.
	stamps := []time.Duration{5 * time.Second, 30 * time.Second, 10 * time.Second, 1 * time.Second}
	for _, d := range stamps {
		table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: base.Add(d)})
	}

	rec := table.Get("b.agents.local")
	if rec == nil {
		t.Fatal("expected record for b.agents.local")
	}
	if want := base.Add(30 * time.Second); !rec.LastSeen.Equal(want) {
		t.Errorf("LastSeen = %v, want %v", rec.LastSeen, want)
	}
}

func TestUpsertNewerWinsFields(t *testing.T) {
	table, mock := newTestTable(time.Hour, 10)
	base := mock.Now()

	table.Upsert(&PeerRecord{
		ID:           "b.agents.local",
		Endpoint:     &Endpoint{Host: "old-host", Port: 8000},
		Capabilities: []string{"chat"},
		LastSeen:     base.Add(time.Second),
	})

	// Older update with different fields must not overwrite.
	table.Upsert(&PeerRecord{
		ID:       "b.agents.local",
		Endpoint: &Endpoint{Host: "stale-host", Port: 1},
		LastSeen: base,
	})
	rec := table.Get("b.agents.local")
	if rec.Endpoint.Host != "old-host" {
		t.Errorf("stale upsert overwrote endpoint: %v", rec.Endpoint)
	}

	// Newer update with nil endpoint keeps the known endpoint.
	table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: base.Add(2 * time.Second)})
	rec = table.Get("b.agents.local")
	if rec.Endpoint == nil || rec.Endpoint.Host != "old-host" {
		t.Errorf("nil endpoint in newer record cleared known endpoint: %v", rec.Endpoint)
	}

	// Newer update with a non-nil endpoint overwrites.
	table.Upsert(&PeerRecord{
		ID:       "b.agents.local",
		Endpoint: &Endpoint{Host: "new-host", Port: 9000},
		LastSeen: base.Add(3 * time.Second),
	})
	rec = table.Get("b.agents.local")
	if rec.Endpoint.Host != "new-host" || rec.Endpoint.Port != 9000 {
		t.Errorf("newer endpoint not applied: %v", rec.Endpoint)
	}
}

func TestUpsertSkipsSelf(t *testing.T) {
	table, _ := newTestTable(time.Hour, 10)
	if table.Upsert(&PeerRecord{ID: "self.agents.local"}) {
		t.Error("Upsert accepted the local identity")
	}
	if table.Len() != 0 {
		t.Errorf("table size = %d, want 0", table.Len())
	}
}

func TestEvictStaleTTLBoundary(t *testing.T) {
	ttl := time.Hour
	table, mock := newTestTable(ttl, 10)
	now := mock.Now().Add(2 * time.Hour)

	cases := []struct {
		id      string
		age     time.Duration
		evicted bool
	}{
		{"young.agents.local", ttl - time.Second, false},
		{"exact.agents.local", ttl, false},
		{"old.agents.local", ttl + time.Second, true},
	}
	for _, tc := range cases {
		table.Upsert(&PeerRecord{ID: tc.id, LastSeen: now.Add(-tc.age)})
	}

	removed := table.EvictStale(now)

	for _, tc := range cases {
		got := table.Get(tc.id) == nil
		if got != tc.evicted {
			t.Errorf("%s (age %v): evicted = %v, want %v", tc.id, tc.age, got, tc.evicted)
		}
	}
	if len(removed) != 1 || removed[0] != "old.agents.local" {
		t.Errorf("removed = %v, want [old.agents.local]", removed)
	}
}

func TestSampleExcludesSelfAndDead(t *testing.T) {
	table, mock := newTestTable(time.Hour, 20)
	now := mock.Now()

	for i := 0; i < 5; i++ {
		table.Upsert(&PeerRecord{ID: fmt.Sprintf("peer-%d.agents.local", i), LastSeen: now})
	}
	// Drive one peer to dead.
	for i := 0; i < suspectThreshold+1; i++ {
		table.MarkResult("peer-0.agents.local", false)
	}

	for trial := 0; trial < 20; trial++ {
		sample := table.Sample(10)
		if len(sample) != 4 {
			t.Fatalf("sample size = %d, want 4 (min(n, available))", len(sample))
		}
		seen := make(map[string]bool)
		for _, rec := range sample {
			if rec.ID == "self.agents.local" {
				t.Fatal("sample returned the local identity")
			}
			if rec.ID == "peer-0.agents.local" {
				t.Fatal("sample returned a dead peer")
			}
			if seen[rec.ID] {
				t.Fatalf("sample returned duplicate %s", rec.ID)
			}
			seen[rec.ID] = true
		}
	}

	if got := table.Sample(2); len(got) != 2 {
		t.Errorf("Sample(2) returned %d records", len(got))
	}
}

func TestMarkResultStateMachine(t *testing.T) {
	table, mock := newTestTable(time.Hour, 10)
	table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: mock.Now()})
	table.MarkResult("b.agents.local", true)

	if got := table.Get("b.agents.local").Status; got != StatusHealthy {
		t.Fatalf("status after success = %s, want healthy", got)
	}

	for i := 1; i <= 2; i++ {
		table.MarkResult("b.agents.local", false)
		if got := table.Get("b.agents.local").Status; got != StatusHealthy {
			t.Errorf("status after %d failures = %s, want healthy", i, got)
		}
	}
	table.MarkResult("b.agents.local", false)
	if got := table.Get("b.agents.local").Status; got != StatusSuspect {
		t.Errorf("status after 3 failures = %s, want suspect", got)
	}
	table.MarkResult("b.agents.local", false)
	if got := table.Get("b.agents.local").Status; got != StatusDead {
		t.Errorf("status after 4 failures = %s, want dead", got)
	}
}

func TestMarkResultSuccessResetsFailureCount(t *testing.T) {
	table, mock := newTestTable(time.Hour, 10)
	table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: mock.Now()})

	table.MarkResult("b.agents.local", false)
	table.MarkResult("b.agents.local", false)
	table.MarkResult("b.agents.local", true)
	table.MarkResult("b.agents.local", false)
	table.MarkResult("b.agents.local", false)

	if got := table.Get("b.agents.local").Status; got != StatusHealthy {
		t.Errorf("status = %s, want healthy (success must reset the count)", got)
	}
}

func TestCapacityEvictsLeastRecentlySeen(t *testing.T) {
	const limit = 5
	table, mock := newTestTable(time.Hour, limit)
	base := mock.Now()

	for i := 0; i <= limit; i++ {
		table.Upsert(&PeerRecord{
			ID:       fmt.Sprintf("peer-%d.agents.local", i),
			LastSeen: base.Add(time.Duration(i) * time.Second),
		})
	}

	if table.Len() != limit {
		t.Fatalf("table size = %d, want %d", table.Len(), limit)
	}
	if table.Get("peer-0.agents.local") != nil {
		t.Error("least-recently-seen peer-0 survived the capacity eviction")
	}
	if table.Get(fmt.Sprintf("peer-%d.agents.local", limit)) == nil {
		t.Error("newest record was rejected instead of evicting the oldest")
	}
}

func TestDeadRecordNotResurrectedInPlace(t *testing.T) {
	table, mock := newTestTable(time.Hour, 10)
	table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: mock.Now()})
	for i := 0; i < suspectThreshold+1; i++ {
		table.MarkResult("b.agents.local", false)
	}
	if got := table.Get("b.agents.local").Status; got != StatusDead {
		t.Fatalf("setup: status = %s, want dead", got)
	}

	// Re-contact creates a fresh record, not a revived one.
	table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: mock.Now().Add(time.Second)})
	rec := table.Get("b.agents.local")
	if rec.Status != StatusUnknown {
		t.Errorf("status = %s, want unknown for a fresh lifecycle", rec.Status)
	}

	// And the fresh record needs a full run of failures again.
	table.MarkResult("b.agents.local", false)
	if got := table.Get("b.agents.local").Status; got != StatusUnknown {
		t.Errorf("one failure on fresh record gave %s, want unknown", got)
	}
}

func TestDeadPeerRemainsUntilTTLEviction(t *testing.T) {
	ttl := time.Hour
	table, mock := newTestTable(ttl, 10)
	table.Upsert(&PeerRecord{ID: "b.agents.local", LastSeen: mock.Now()})
	for i := 0; i < suspectThreshold+1; i++ {
		table.MarkResult("b.agents.local", false)
	}

	if len(table.Sample(10)) != 0 {
		t.Error("dead peer appeared in sample")
	}
	if table.Get("b.agents.local") == nil {
		t.Error("dead peer removed before TTL eviction")
	}

	table.EvictStale(mock.Now().Add(ttl + time.Minute))
	if table.Get("b.agents.local") != nil {
		t.Error("dead peer survived TTL eviction")
	}
}

func TestConcurrentTableAccess(t *testing.T) {
	table, mock := newTestTable(time.Hour, 64)
	now := mock.Now()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("peer-%d.agents.local", i%16)
				table.Upsert(&PeerRecord{ID: id, LastSeen: now.Add(time.Duration(i) * time.Millisecond)})
				table.MarkResult(id, i%3 == 0)
				table.Sample(4)
				table.EvictStale(now)
			}
		}(g)
	}
	wg.Wait()

	if table.Len() == 0 || table.Len() > 16 {
		t.Errorf("unexpected table size %d after concurrent access", table.Len())
	}
}
