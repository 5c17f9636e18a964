package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGracePeriod = 10 * time.Second

// Agent is the composition root: it owns the peer table, the discovery
// service, the gossip engine, the health probe, and the HTTP surface the
// other agents talk to.
type Agent struct {
	cfg    *Config
	self   *AgentInfo
	logger Logger

	registry  *prometheus.Registry
	metrics   *Metrics
	table     *PeerTable
	directory Directory
	discovery *DiscoveryService
	gossip    *GossipEngine
	health    *HealthProbe
	cache     ResolutionCache

	server  *http.Server
	cancel  context.CancelFunc
	started bool
}

// NewAgent wires an agent from validated configuration.
func NewAgent(cfg *Config) (*Agent, error) {
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return NewAgentWithLogger(cfg, logger)
}

// NewAgentWithLogger wires an agent with a caller-supplied logger, used
// by tests to silence or capture output.
func NewAgentWithLogger(cfg *Config, logger Logger) (*Agent, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	var cache ResolutionCache
	if cfg.Discovery.RedisURL != "" {
		redisCache, err := NewRedisCache(cfg.Discovery.RedisURL, cfg.Discovery.CacheTTL, logger)
		if err != nil {
			// Shared cache is an optimization; fall back to local.
			logger.Warn("Redis cache unavailable, using in-process cache", map[string]interface{}{
				"redis_url": cfg.Discovery.RedisURL,
				"error":     err.Error(),
			})
			cache = NewLRUCache(cfg.Discovery.CacheSize, cfg.Discovery.CacheTTL)
		} else {
			cache = redisCache
		}
	} else {
		cache = NewLRUCache(cfg.Discovery.CacheSize, cfg.Discovery.CacheTTL)
	}

	self := cfg.SelfInfo()
	directory := NewDirectoryClient(cfg.RegistryURL, logger)
	dnsResolver := NewDNSResolver(cfg.DNSServer, cfg.DNSPort, logger)
	discovery := NewDiscoveryService(directory, dnsResolver, cache, logger, metrics)
	table := NewPeerTable(cfg.ID, cfg.Peers.TTL, cfg.Peers.MaxPeers, logger)
	gossip := NewGossipEngine(self, table, discovery, cfg.Gossip, logger, metrics)
	health := NewHealthProbe(self, table, directory, cfg.Health, logger, metrics)

	a := &Agent{
		cfg:       cfg,
		self:      self,
		logger:    logger,
		registry:  registry,
		metrics:   metrics,
		table:     table,
		directory: directory,
		discovery: discovery,
		gossip:    gossip,
		health:    health,
		cache:     cache,
	}
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return a, nil
}

// Table exposes the peer table for diagnostics and tests.
func (a *Agent) Table() *PeerTable { return a.table }

// Discovery exposes the discovery service for collaborating handlers.
func (a *Agent) Discovery() *DiscoveryService { return a.discovery }

// Start registers with the directory, seeds the table from the bootstrap
// identifiers, launches the gossip and health loops, and serves HTTP.
// Directory unavailability at startup degrades discovery but never fails
// Start; the heartbeat loop repairs registration once the directory is
// back.
func (a *Agent) Start(ctx context.Context) error {
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.health.RegisterSelf(ctx); err != nil {
		a.logger.Warn("Initial directory registration failed, continuing", map[string]interface{}{
			"agent_id": a.self.ID,
			"error":    err.Error(),
		})
	}

	a.bootstrap(ctx)

	if err := a.gossip.Start(ctx); err != nil {
		return err
	}
	if err := a.health.Start(ctx); err != nil {
		return err
	}

	go func() {
		a.logger.Info("Agent HTTP server listening", map[string]interface{}{
			"agent_id": a.self.ID,
			"addr":     a.server.Addr,
		})
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server exited", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// bootstrap resolves the configured bootstrap identifiers and seeds the
// peer table. A bootstrap peer that cannot be resolved is skipped, not
// fatal; gossip can still learn it later through another peer.
func (a *Agent) bootstrap(ctx context.Context) {
	for _, id := range a.cfg.BootstrapPeers {
		if id == a.self.ID {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		info, err := a.discovery.Resolve(rctx, id)
		cancel()
		if err != nil {
			a.logger.Warn("Could not resolve bootstrap peer", map[string]interface{}{
				"peer_id": id,
				"error":   err.Error(),
			})
			continue
		}
		a.table.Upsert(recordFromInfo(info, SourceBootstrap, time.Now()))
	}
	a.metrics.TableSize.Set(float64(a.table.Len()))
}

// Stop shuts the HTTP server down with a grace period, stops the loops,
// and unregisters from the directory on a best-effort basis.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.started {
		return ErrNotStarted
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGracePeriod)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP shutdown did not complete cleanly", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.gossip.Stop()
	a.health.Stop()

	unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.directory.Unregister(unregCtx, a.self.ID); err != nil {
		a.logger.Debug("Directory unregister failed", map[string]interface{}{
			"agent_id": a.self.ID,
			"error":    err.Error(),
		})
	}

	if closer, ok := a.cache.(interface{ Close() error }); ok {
		closer.Close()
	}
	a.started = false
	a.logger.Info("Agent stopped", map[string]interface{}{"agent_id": a.self.ID})
	return nil
}

func (a *Agent) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Get("/metadata", a.handleMetadata)
	r.Get("/peers", a.handleGetPeers)
	r.Post("/peers", a.handlePostPeers)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"agent":  a.self.ID,
	})
}

func (a *Agent) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.self)
}

func (a *Agent) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PeerListMessage{Peers: a.table.IDs()})
}

// handlePostPeers accepts a pushed peer list. Unknown identifiers go
// through the same asynchronous resolve-then-upsert path as gossip
// merges, so a push can never block on the directory.
func (a *Agent) handlePostPeers(w http.ResponseWriter, r *http.Request) {
	var msg PeerListMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid peer list"})
		return
	}

	added := 0
	for _, id := range msg.Peers {
		if id == "" || id == a.self.ID {
			continue
		}
		if a.table.Get(id) != nil {
			continue
		}
		if a.gossip.EnqueueResolve(id, SourceGossip) {
			added++
		}
	}
	if a.metrics != nil {
		a.metrics.PeersReceived.Add(float64(len(msg.Peers)))
	}
	writeJSON(w, http.StatusOK, PeerPushResponse{Status: "ok", Added: added})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
