package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the discovery and gossip
// subsystem. Every recoverable failure in the system lands in one of
// these counters rather than propagating upward.
type Metrics struct {
	GossipRounds    prometheus.Counter
	PeersSent       prometheus.Counter
	PeersReceived   prometheus.Counter
	NewPeers        prometheus.Counter
	GossipErrors    prometheus.Counter
	StalePeers      prometheus.Counter
	ResolveFailures prometheus.Counter

	ProbeFailures     prometheus.Counter
	HeartbeatFailures prometheus.Counter
	Reregistrations   prometheus.Counter

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	TableSize prometheus.Gauge
}

// NewMetrics creates and registers the subsystem metrics on reg. Pass
// prometheus.NewRegistry() in tests to avoid global registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_gossip_rounds_total",
			Help: "Completed gossip rounds.",
		}),
		PeersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_gossip_peers_sent_total",
			Help: "Peer identifiers pushed to other agents.",
		}),
		PeersReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_gossip_peers_received_total",
			Help: "Peer identifiers received from other agents.",
		}),
		NewPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_gossip_new_peers_total",
			Help: "Previously unknown peers discovered through gossip.",
		}),
		GossipErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_gossip_errors_total",
			Help: "Failed per-peer gossip exchanges.",
		}),
		StalePeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_stale_peers_evicted_total",
			Help: "Peer records removed by TTL eviction.",
		}),
		ResolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_resolve_failures_total",
			Help: "Identifiers that could not be resolved via any channel.",
		}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_probe_failures_total",
			Help: "Failed peer liveness probes.",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_heartbeat_failures_total",
			Help: "Failed directory heartbeats.",
		}),
		Reregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_reregistrations_total",
			Help: "Re-registrations triggered by the directory forgetting this agent.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_resolution_cache_hits_total",
			Help: "Resolution cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentnet_resolution_cache_misses_total",
			Help: "Resolution cache misses.",
		}),
		TableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentnet_peer_table_size",
			Help: "Current number of peer records.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.GossipRounds, m.PeersSent, m.PeersReceived, m.NewPeers,
			m.GossipErrors, m.StalePeers, m.ResolveFailures,
			m.ProbeFailures, m.HeartbeatFailures, m.Reregistrations,
			m.CacheHits, m.CacheMisses, m.TableSize,
		)
	}
	return m
}
