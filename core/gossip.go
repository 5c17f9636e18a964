package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	gossipCallTimeout = 5 * time.Second
	resolveTimeout    = 10 * time.Second
	resolveQueueSize  = 128
)

// PeerListMessage is the wire form of one gossip exchange leg: a bounded
// list of peer identifiers.
type PeerListMessage struct {
	Peers []string `json:"peers"`
}

// PeerPushResponse acknowledges a pushed peer list.
type PeerPushResponse struct {
	Status string `json:"status"`
	Added  int    `json:"added"`
}

type resolveRequest struct {
	id     string
	source PeerSource
}

// GossipEngine drives periodic exchange rounds with a random subset of
// known peers. Each round runs SELECT, EXCHANGE, MERGE, PRUNE: sample
// targets, swap peer lists over HTTP, enqueue resolution of newly learned
// identifiers, and evict stale records. Rounds on different instances are
// not synchronized; convergence relies only on repeated random pairwise
// exchange.
type GossipEngine struct {
	self     *AgentInfo
	table    *PeerTable
	resolver Resolver
	client   *http.Client
	logger   Logger
	metrics  *Metrics
	clock    clock.Clock

	interval    time.Duration
	fanout      int
	maxExchange int

	mu             sync.Mutex
	inflight       map[string]bool
	lastAdvertised map[string]time.Time

	resolveCh chan resolveRequest
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewGossipEngine creates a gossip engine. The resolver is used to turn
// identifiers learned from peers into live connection info.
func NewGossipEngine(self *AgentInfo, table *PeerTable, resolver Resolver, cfg GossipConfig, logger Logger, metrics *Metrics) *GossipEngine {
	return NewGossipEngineWithClock(self, table, resolver, cfg, logger, metrics, clock.New())
}

// NewGossipEngineWithClock creates a gossip engine with an injectable
// clock for tests.
func NewGossipEngineWithClock(self *AgentInfo, table *PeerTable, resolver Resolver, cfg GossipConfig, logger Logger, metrics *Metrics, clk clock.Clock) *GossipEngine {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &GossipEngine{
		self:           self,
		table:          table,
		resolver:       resolver,
		client:         &http.Client{Timeout: gossipCallTimeout},
		logger:         logger,
		metrics:        metrics,
		clock:          clk,
		interval:       cfg.Interval,
		fanout:         cfg.Fanout,
		maxExchange:    cfg.MaxPeersPerExchange,
		inflight:       make(map[string]bool),
		lastAdvertised: make(map[string]time.Time),
		resolveCh:      make(chan resolveRequest, resolveQueueSize),
	}
}

// Start launches the round loop and the resolution worker. It returns
// immediately; loops stop when ctx is canceled or Stop is called.
func (e *GossipEngine) Start(ctx context.Context) error {
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.roundLoop(ctx)
	go e.resolveWorker(ctx)

	e.logger.Info("Gossip engine started", map[string]interface{}{
		"interval": e.interval.String(),
		"fanout":   e.fanout,
	})
	return nil
}

// Stop cancels the loops and waits for in-flight work to drain.
func (e *GossipEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *GossipEngine) roundLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunRound(ctx)
		}
	}
}

// RunRound performs one gossip round. Per-peer exchanges run
// concurrently, bounded by the fanout; a failure against one peer only
// marks that peer and never aborts the rest of the round.
func (e *GossipEngine) RunRound(ctx context.Context) {
	targets := e.table.Sample(e.fanout)

	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(p *PeerRecord) {
			defer wg.Done()
			e.exchange(ctx, p)
		}(peer)
	}
	wg.Wait()

	removed := e.table.EvictStale(e.clock.Now())
	if e.metrics != nil {
		e.metrics.StalePeers.Add(float64(len(removed)))
		e.metrics.GossipRounds.Inc()
		e.metrics.TableSize.Set(float64(e.table.Len()))
	}
}

// exchange runs the request-then-push pattern against one peer: fetch
// its identifier list, then push the local identifiers it is least
// likely to already have. The transport is plain request/response, so
// the two legs are separate calls.
func (e *GossipEngine) exchange(ctx context.Context, peer *PeerRecord) {
	if !e.beginExchange(peer.ID) {
		e.logger.Debug("Skipping peer with exchange already in flight", map[string]interface{}{
			"peer_id": peer.ID,
		})
		return
	}
	defer e.endExchange(peer.ID)

	if peer.Endpoint == nil {
		// Nothing to dial yet; queue a resolution and try next round.
		e.EnqueueResolve(peer.ID, peer.Source)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, gossipCallTimeout)
	defer cancel()
	base := "http://" + peer.Endpoint.Addr()

	theirs, err := e.fetchPeers(ctx, base)
	if err != nil {
		e.fail(peer.ID, "fetch", err)
		return
	}

	push := e.selectPush(peer.ID)
	if err := e.pushPeers(ctx, base, push); err != nil {
		e.fail(peer.ID, "push", err)
		return
	}

	e.table.MarkResult(peer.ID, true)
	e.mu.Lock()
	e.lastAdvertised[peer.ID] = e.clock.Now()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PeersSent.Add(float64(len(push)))
		e.metrics.PeersReceived.Add(float64(len(theirs)))
	}
	e.merge(peer.ID, theirs)
}

func (e *GossipEngine) fail(peerID, leg string, err error) {
	e.table.MarkResult(peerID, false)
	if e.metrics != nil {
		e.metrics.GossipErrors.Inc()
	}
	e.logger.Debug("Gossip exchange failed", map[string]interface{}{
		"peer_id": peerID,
		"leg":     leg,
		"error":   err.Error(),
	})
}

func (e *GossipEngine) fetchPeers(ctx context.Context, base string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/peers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	var msg PeerListMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&msg); err != nil {
		return nil, err
	}
	return msg.Peers, nil
}

func (e *GossipEngine) pushPeers(ctx context.Context, base string, ids []string) error {
	body, err := json.Marshal(PeerListMessage{Peers: ids})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/peers", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}
	return nil
}

// selectPush picks the local identifiers to advertise to target. Policy:
// peers learned since the last completed exchange with that specific
// target, newest first, capped at maxExchange. When nothing new has been
// learned, a random sample is pushed instead so quiet periods still
// diffuse membership.
func (e *GossipEngine) selectPush(target string) []string {
	e.mu.Lock()
	since := e.lastAdvertised[target]
	e.mu.Unlock()

	var fresh []*PeerRecord
	var all []string
	for _, rec := range e.table.Snapshot() {
		if rec.ID == target || rec.Status == StatusDead {
			continue
		}
		all = append(all, rec.ID)
		if rec.LearnedAt().After(since) {
			fresh = append(fresh, rec)
		}
	}

	if len(fresh) > 0 {
		sort.Slice(fresh, func(i, j int) bool {
			return fresh[i].LearnedAt().After(fresh[j].LearnedAt())
		})
		if len(fresh) > e.maxExchange {
			fresh = fresh[:e.maxExchange]
		}
		ids := make([]string, 0, len(fresh))
		for _, rec := range fresh {
			ids = append(ids, rec.ID)
		}
		return ids
	}

	if len(all) > e.maxExchange {
		all = all[:e.maxExchange]
	}
	return all
}

// merge enqueues resolution for every learned identifier that is unknown
// or stale. Resolution runs asynchronously so a slow directory never
// blocks the round; identifiers that cannot be resolved are dropped, not
// retried.
func (e *GossipEngine) merge(from string, ids []string) {
	staleCutoff := e.clock.Now().Add(-e.table.TTL() / 2)
	for _, id := range ids {
		if id == "" || id == e.self.ID || id == from {
			continue
		}
		rec := e.table.Get(id)
		if rec == nil || rec.Status == StatusSuspect || rec.LastSeen.Before(staleCutoff) {
			e.EnqueueResolve(id, SourceGossip)
		}
	}
}

// EnqueueResolve queues an identifier for asynchronous resolution and
// table insertion. The queue is bounded; under pressure new identifiers
// are dropped and picked up again on a later round.
func (e *GossipEngine) EnqueueResolve(id string, source PeerSource) bool {
	select {
	case e.resolveCh <- resolveRequest{id: id, source: source}:
		return true
	default:
		e.logger.Debug("Resolution queue full, dropping identifier", map[string]interface{}{
			"peer_id": id,
		})
		return false
	}
}

func (e *GossipEngine) resolveWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.resolveCh:
			e.resolveOne(ctx, req)
		}
	}
}

func (e *GossipEngine) resolveOne(ctx context.Context, req resolveRequest) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	info, err := e.resolver.Resolve(ctx, req.id)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ResolveFailures.Inc()
		}
		e.logger.Debug("Failed to resolve gossiped peer", map[string]interface{}{
			"peer_id": req.id,
			"error":   err.Error(),
		})
		return
	}

	if e.table.Upsert(recordFromInfo(info, req.source, e.clock.Now())) {
		if e.metrics != nil {
			e.metrics.NewPeers.Inc()
		}
		e.logger.Info("Discovered new peer", map[string]interface{}{
			"peer_id": req.id,
			"source":  string(req.source),
		})
	}
	// A successful resolution is a confirmed contact with the directory
	// or name service, so the record starts out healthy.
	e.table.MarkResult(req.id, true)
}

func (e *GossipEngine) beginExchange(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	return true
}

func (e *GossipEngine) endExchange(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}
