package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// fakeResolver serves canned agent info, standing in for the discovery
// service.
type fakeResolver struct {
	mu    sync.Mutex
	infos map[string]*AgentInfo
	calls []string
}

func (f *fakeResolver) Resolve(ctx context.Context, id string) (*AgentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if info, ok := f.infos[id]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, ErrAgentNotFound
}

// peerServer is a minimal remote agent: it answers GET /peers with a
// fixed list and records what gets pushed to it.
type peerServer struct {
	knows  []string
	mu     sync.Mutex
	pushed [][]string
	srv    *httptest.Server
}

func newPeerServer(t *testing.T, knows ...string) *peerServer {
	p := &peerServer{knows: knows}
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(PeerListMessage{Peers: p.knows})
		case http.MethodPost:
			var msg PeerListMessage
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			p.mu.Lock()
			p.pushed = append(p.pushed, msg.Peers)
			p.mu.Unlock()
			json.NewEncoder(w).Encode(PeerPushResponse{Status: "ok", Added: len(msg.Peers)})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peerServer) endpoint(t *testing.T) *Endpoint {
	u, err := url.Parse(p.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &Endpoint{Host: u.Hostname(), Port: port}
}

func (p *peerServer) pushedLists() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.pushed))
	copy(out, p.pushed)
	return out
}

func testGossipConfig() GossipConfig {
	return GossipConfig{
		Interval:            time.Minute,
		Fanout:              3,
		MaxPeersPerExchange: 10,
	}
}

func newTestEngine(t *testing.T, table *PeerTable, resolver Resolver) *GossipEngine {
	self := &AgentInfo{ID: "self.agents.local", Host: "self", Port: 8000}
	// Mock clock keeps the interval ticker from firing; rounds are driven
	// explicitly by the tests.
	engine := NewGossipEngineWithClock(self, table, resolver, testGossipConfig(), &NoOpLogger{}, nil, clock.NewMock())
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return engine
}

// TestGossipRoundLearnsTransitivePeer is the bootstrap scenario: A knows
// only B, B knows C; after one round A has B and C, both healthy.
func TestGossipRoundLearnsTransitivePeer(t *testing.T) {
	serverC := newPeerServer(t)
	serverB := newPeerServer(t, "c.agents.local")

	resolver := &fakeResolver{infos: map[string]*AgentInfo{
		"c.agents.local": {
			ID:   "c.agents.local",
			Host: serverC.endpoint(t).Host,
			Port: serverC.endpoint(t).Port,
		},
	}}

	table := NewPeerTable("self.agents.local", time.Hour, 32, &NoOpLogger{})
	table.Upsert(&PeerRecord{
		ID:       "b.agents.local",
		Endpoint: serverB.endpoint(t),
		Source:   SourceBootstrap,
		LastSeen: time.Now(),
	})

	engine := newTestEngine(t, table, resolver)
	engine.RunRound(context.Background())

	require.Eventually(t, func() bool {
		rec := table.Get("c.agents.local")
		return rec != nil && rec.Status == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond, "C never landed in the table")

	recB := table.Get("b.agents.local")
	require.NotNil(t, recB)
	require.Equal(t, StatusHealthy, recB.Status)
}

func TestGossipRoundFailureMarksOnlyThatPeer(t *testing.T) {
	good := newPeerServer(t)
	table := NewPeerTable("self.agents.local", time.Hour, 32, &NoOpLogger{})
	table.Upsert(&PeerRecord{ID: "good.agents.local", Endpoint: good.endpoint(t), LastSeen: time.Now()})
	// Connection refused: nothing listens on this port.
	table.Upsert(&PeerRecord{ID: "down.agents.local", Endpoint: &Endpoint{Host: "127.0.0.1", Port: 1}, LastSeen: time.Now()})

	engine := newTestEngine(t, table, &fakeResolver{})
	engine.RunRound(context.Background())

	require.Equal(t, StatusHealthy, table.Get("good.agents.local").Status,
		"failure against one peer must not abort the round for others")

	recDown := table.Get("down.agents.local")
	require.NotNil(t, recDown, "a failed exchange marks the peer, it does not remove it")
	require.Equal(t, StatusUnknown, recDown.Status, "one failure is below the suspect threshold")
}

func TestSelectPushPrefersNewlyLearnedPeers(t *testing.T) {
	table := NewPeerTable("self.agents.local", time.Hour, 32, &NoOpLogger{})
	resolver := &fakeResolver{}
	self := &AgentInfo{ID: "self.agents.local"}
	engine := NewGossipEngineWithClock(self, table, resolver, testGossipConfig(), &NoOpLogger{}, nil, clock.NewMock())

	table.Upsert(&PeerRecord{ID: "old.agents.local", LastSeen: time.Now()})
	engine.mu.Lock()
	engine.lastAdvertised["target.agents.local"] = time.Now().Add(time.Hour)
	engine.mu.Unlock()

	// Nothing learned since the last exchange: falls back to a random
	// sample so quiet periods still diffuse membership.
	push := engine.selectPush("target.agents.local")
	require.Equal(t, []string{"old.agents.local"}, push)

	// A peer learned after the last exchange is pushed.
	engine.mu.Lock()
	engine.lastAdvertised["target.agents.local"] = time.Now().Add(-time.Hour)
	engine.mu.Unlock()
	table.Upsert(&PeerRecord{ID: "fresh.agents.local", LastSeen: time.Now()})

	push = engine.selectPush("target.agents.local")
	require.Contains(t, push, "fresh.agents.local")
	require.NotContains(t, push, "target.agents.local", "never advertise the target to itself")
}

func TestSelectPushCapsMessageSize(t *testing.T) {
	table := NewPeerTable("self.agents.local", time.Hour, 64, &NoOpLogger{})
	cfg := testGossipConfig()
	cfg.MaxPeersPerExchange = 4
	engine := NewGossipEngineWithClock(&AgentInfo{ID: "self.agents.local"}, table, &fakeResolver{}, cfg, &NoOpLogger{}, nil, clock.NewMock())

	for i := 0; i < 20; i++ {
		table.Upsert(&PeerRecord{ID: "peer-" + strconv.Itoa(i) + ".agents.local", LastSeen: time.Now()})
	}

	push := engine.selectPush("target.agents.local")
	require.LessOrEqual(t, len(push), 4, "push list must stay within the per-round bound")
}

func TestExchangeSkipsPeerWithInflightRound(t *testing.T) {
	table := NewPeerTable("self.agents.local", time.Hour, 32, &NoOpLogger{})
	engine := NewGossipEngineWithClock(&AgentInfo{ID: "self.agents.local"}, table, &fakeResolver{}, testGossipConfig(), &NoOpLogger{}, nil, clock.NewMock())

	require.True(t, engine.beginExchange("b.agents.local"))
	require.False(t, engine.beginExchange("b.agents.local"), "second concurrent exchange must be skipped")
	engine.endExchange("b.agents.local")
	require.True(t, engine.beginExchange("b.agents.local"))
}

func TestMergeSkipsSelfAndSender(t *testing.T) {
	table := NewPeerTable("self.agents.local", time.Hour, 32, &NoOpLogger{})
	resolver := &fakeResolver{infos: map[string]*AgentInfo{}}
	engine := NewGossipEngineWithClock(&AgentInfo{ID: "self.agents.local"}, table, resolver, testGossipConfig(), &NoOpLogger{}, nil, clock.NewMock())

	engine.merge("b.agents.local", []string{"self.agents.local", "b.agents.local", "", "c.agents.local"})

	// Only c should have been queued.
	select {
	case req := <-engine.resolveCh:
		require.Equal(t, "c.agents.local", req.id)
	default:
		t.Fatal("expected c.agents.local in the resolve queue")
	}
	select {
	case req := <-engine.resolveCh:
		t.Fatalf("unexpected extra resolve request %q", req.id)
	default:
	}
}

func TestResolveFailureDropsIdentifier(t *testing.T) {
	table := NewPeerTable("self.agents.local", time.Hour, 32, &NoOpLogger{})
	resolver := &fakeResolver{infos: map[string]*AgentInfo{}}
	engine := NewGossipEngineWithClock(&AgentInfo{ID: "self.agents.local"}, table, resolver, testGossipConfig(), &NoOpLogger{}, nil, clock.NewMock())

	engine.resolveOne(context.Background(), resolveRequest{id: "ghost.agents.local", source: SourceGossip})

	require.Nil(t, table.Get("ghost.agents.local"), "unresolved identifiers are dropped, not inserted")
	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Equal(t, []string{"ghost.agents.local"}, resolver.calls)
}
