package core

import (
	"context"
	"errors"
	"fmt"
)

// DiscoveryService unifies the directory and the name service behind one
// lookup API with a short-lived cache. Resolution order: cache, then
// directory (richer, more current data), then DNS. The two live channels
// are redundant: a resolve only fails outright when both are down or
// neither knows the identifier.
type DiscoveryService struct {
	directory Directory
	dns       NameLookup
	cache     ResolutionCache
	logger    Logger
	metrics   *Metrics
}

// NewDiscoveryService creates a discovery service. Any of dns, cache,
// metrics may be nil; the directory is required.
func NewDiscoveryService(directory Directory, dnsLookup NameLookup, cache ResolutionCache, logger Logger, metrics *Metrics) *DiscoveryService {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &DiscoveryService{
		directory: directory,
		dns:       dnsLookup,
		cache:     cache,
		logger:    logger,
		metrics:   metrics,
	}
}

// Resolve looks up an agent by identifier: cache hit, else directory,
// else DNS, else ErrAgentNotFound. Auth failures from the directory are
// permanent and returned as-is without a DNS fallback.
func (s *DiscoveryService) Resolve(ctx context.Context, id string) (*AgentInfo, error) {
	if s.cache != nil {
		if info, ok := s.cache.Get(ctx, id); ok {
			if s.metrics != nil {
				s.metrics.CacheHits.Inc()
			}
			return info, nil
		}
		if s.metrics != nil {
			s.metrics.CacheMisses.Inc()
		}
	}

	info, err := s.directory.Lookup(ctx, id)
	if err == nil {
		s.store(ctx, id, info)
		return info, nil
	}
	if errors.Is(err, ErrUnauthorized) {
		return nil, err
	}
	if !errors.Is(err, ErrAgentNotFound) {
		s.logger.Warn("Directory lookup failed, falling back to DNS", map[string]interface{}{
			"agent_id": id,
			"error":    err.Error(),
		})
	}

	if s.dns != nil {
		info, dnsErr := s.dns.LookupAgent(ctx, id)
		if dnsErr == nil {
			s.store(ctx, id, info)
			return info, nil
		}
		s.logger.Debug("DNS lookup failed", map[string]interface{}{
			"agent_id": id,
			"error":    dnsErr.Error(),
		})
	}

	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
}

// SearchByCapability returns identifiers of agents advertising the given
// capability tag. Only the directory supports search; when it is
// unavailable the result is an empty list, not an error, so callers
// degrade gracefully.
func (s *DiscoveryService) SearchByCapability(ctx context.Context, capability string) []string {
	agents, err := s.directory.Search(ctx, SearchFilter{Capability: capability})
	if err != nil {
		s.logger.Warn("Capability search unavailable", map[string]interface{}{
			"capability": capability,
			"error":      err.Error(),
		})
		return nil
	}

	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if a.ID == "" {
			continue
		}
		ids = append(ids, a.ID)
		if a.Host != "" {
			s.store(ctx, a.ID, a)
		}
	}
	return ids
}

// Invalidate drops a cached resolution, used when a peer turns out to be
// unreachable at its cached endpoint.
func (s *DiscoveryService) Invalidate(ctx context.Context, id string) {
	if s.cache != nil {
		s.cache.Remove(ctx, id)
	}
}

func (s *DiscoveryService) store(ctx context.Context, id string, info *AgentInfo) {
	if s.cache != nil && info != nil {
		s.cache.Set(ctx, id, info)
	}
}
