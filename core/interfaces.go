package core

import (
	"context"
)

// Logger interface - minimal structured logging interface.
// Production implementations wrap zap; components accept nil-safe NoOpLogger.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Directory is the client-side contract for the central directory service.
// Implemented by DirectoryClient; mocked in tests.
type Directory interface {
	Register(ctx context.Context, info *AgentInfo) error
	Heartbeat(ctx context.Context, id string) error
	Lookup(ctx context.Context, id string) (*AgentInfo, error)
	Search(ctx context.Context, filter SearchFilter) ([]*AgentInfo, error)
	Unregister(ctx context.Context, id string) error
}

// NameLookup resolves an agent identifier through the name service.
// Implemented by DNSResolver.
type NameLookup interface {
	LookupAgent(ctx context.Context, domain string) (*AgentInfo, error)
}

// Resolver is the unified lookup contract consumed by the gossip engine
// and the inbound peer handlers. Implemented by DiscoveryService.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*AgentInfo, error)
}

// ResolutionCache holds resolved agent info for a bounded time. It is a
// performance optimization only: a miss always falls through to live
// resolution, so implementations never need to be authoritative.
type ResolutionCache interface {
	Get(ctx context.Context, id string) (*AgentInfo, bool)
	Set(ctx context.Context, id string, info *AgentInfo)
	Remove(ctx context.Context, id string)
}

// SearchFilter narrows a directory search.
type SearchFilter struct {
	Capability string
	Query      string
	Limit      int
}

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
