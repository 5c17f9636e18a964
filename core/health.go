package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

const probeSampleSize = 5

// HealthProbe validates liveness on two independent loops. The peer loop
// probes a sample of known peers and feeds results into the peer table's
// status state machine. The self-registration loop heartbeats the
// directory and re-registers immediately when the directory has forgotten
// this instance, rather than waiting for the next scheduled cycle. A
// third timer runs TTL eviction independently of gossip activity.
type HealthProbe struct {
	self      *AgentInfo
	table     *PeerTable
	directory Directory
	client    *http.Client
	logger    Logger
	metrics   *Metrics
	clock     clock.Clock

	probeInterval     time.Duration
	probeTimeout      time.Duration
	heartbeatInterval time.Duration
	evictInterval     time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewHealthProbe creates a health probe for the given local identity.
func NewHealthProbe(self *AgentInfo, table *PeerTable, directory Directory, cfg HealthConfig, logger Logger, metrics *Metrics) *HealthProbe {
	return NewHealthProbeWithClock(self, table, directory, cfg, logger, metrics, clock.New())
}

// NewHealthProbeWithClock creates a health probe with an injectable
// clock for tests.
func NewHealthProbeWithClock(self *AgentInfo, table *PeerTable, directory Directory, cfg HealthConfig, logger Logger, metrics *Metrics, clk clock.Clock) *HealthProbe {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &HealthProbe{
		self:              self,
		table:             table,
		directory:         directory,
		client:            &http.Client{Timeout: cfg.ProbeTimeout},
		logger:            logger,
		metrics:           metrics,
		clock:             clk,
		probeInterval:     cfg.ProbeInterval,
		probeTimeout:      cfg.ProbeTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		evictInterval:     cfg.EvictInterval,
	}
}

// Start launches the peer, self-registration, and eviction loops.
func (h *HealthProbe) Start(ctx context.Context) error {
	if h.started {
		return ErrAlreadyStarted
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(3)
	go h.peerLoop(ctx)
	go h.selfLoop(ctx)
	go h.evictLoop(ctx)
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (h *HealthProbe) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthProbe) peerLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := h.clock.Ticker(h.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ProbePeers(ctx)
		}
	}
}

// ProbePeers issues liveness checks against a random sample of non-dead
// peers. Probes run concurrently; each failure or success goes through
// MarkResult only, never aborting the sweep.
func (h *HealthProbe) ProbePeers(ctx context.Context) {
	sample := h.table.Sample(probeSampleSize)

	var wg sync.WaitGroup
	for _, peer := range sample {
		wg.Add(1)
		go func(p *PeerRecord) {
			defer wg.Done()
			h.probeOne(ctx, p)
		}(peer)
	}
	wg.Wait()
}

func (h *HealthProbe) probeOne(ctx context.Context, peer *PeerRecord) {
	if peer.Endpoint == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	url := "http://" + peer.Endpoint.Addr() + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := h.client.Do(req)
	if err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}

	ok := err == nil && resp.StatusCode == http.StatusOK
	h.table.MarkResult(peer.ID, ok)
	if !ok {
		if h.metrics != nil {
			h.metrics.ProbeFailures.Inc()
		}
		h.logger.Debug("Peer probe failed", map[string]interface{}{
			"peer_id":  peer.ID,
			"endpoint": peer.Endpoint.Addr(),
		})
	}
}

func (h *HealthProbe) selfLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := h.clock.Ticker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RenewRegistration(ctx)
		}
	}
}

// RenewRegistration sends one heartbeat. When the directory reports this
// instance unknown, registration is repaired immediately; transient
// failures wait for the next scheduled cycle, which is the natural
// backoff in steady state.
func (h *HealthProbe) RenewRegistration(ctx context.Context) {
	err := h.directory.Heartbeat(ctx, h.self.ID)
	if err == nil {
		return
	}
	if h.metrics != nil {
		h.metrics.HeartbeatFailures.Inc()
	}

	if errors.Is(err, ErrNotRegistered) {
		h.logger.Warn("Directory lost our registration, re-registering", map[string]interface{}{
			"agent_id": h.self.ID,
		})
		if regErr := h.RegisterSelf(ctx); regErr != nil {
			h.logger.Error("Re-registration failed, will retry next heartbeat", map[string]interface{}{
				"agent_id": h.self.ID,
				"error":    regErr.Error(),
			})
			return
		}
		if h.metrics != nil {
			h.metrics.Reregistrations.Inc()
		}
		return
	}

	h.logger.Warn("Directory heartbeat failed", map[string]interface{}{
		"agent_id": h.self.ID,
		"error":    err.Error(),
	})
}

// RegisterSelf registers this agent with the directory, retrying under
// exponential backoff. Backoff applies only to this path; steady-state
// gossip and probing retry on their fixed schedules instead.
func (h *HealthProbe) RegisterSelf(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = time.Minute

	operation := func() error {
		err := h.directory.Register(ctx, h.self)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("register agent %s: %w", h.self.ID, err)
	}
	return nil
}

func (h *HealthProbe) evictLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := h.clock.Ticker(h.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := h.table.EvictStale(h.clock.Now())
			if h.metrics != nil {
				h.metrics.StalePeers.Add(float64(len(removed)))
				h.metrics.TableSize.Set(float64(h.table.Len()))
			}
		}
	}
}
