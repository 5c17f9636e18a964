package core

import (
	"net"
	"strconv"
	"time"
)

// PeerSource records how a peer was first learned. Provenance is
// diagnostic only and never feeds trust or control-flow decisions.
type PeerSource string

const (
	SourceBootstrap PeerSource = "bootstrap"
	SourceGossip    PeerSource = "gossip"
	SourceDirectory PeerSource = "directory"
	SourceDNS       PeerSource = "dns"
	SourceSelf      PeerSource = "self-reported"
)

// PeerStatus is the derived liveness state of a peer record.
type PeerStatus string

const (
	StatusUnknown PeerStatus = "unknown"
	StatusHealthy PeerStatus = "healthy"
	StatusSuspect PeerStatus = "suspect"
	StatusDead    PeerStatus = "dead"
)

// Endpoint is a resolved network address for an agent.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the endpoint as a dialable host:port string.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// AgentInfo is the metadata record exchanged with the directory and
// encoded in name-service records.
type AgentInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Description  string     `json:"description,omitempty"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Version      string     `json:"version,omitempty"`
	Protocols    []string   `json:"protocols,omitempty"`
	Source       PeerSource `json:"source,omitempty"`
}

// Endpoint returns the agent's resolved endpoint, or nil when the record
// carries no usable address.
func (a *AgentInfo) Endpoint() *Endpoint {
	if a == nil || a.Host == "" {
		return nil
	}
	return &Endpoint{Host: a.Host, Port: a.Port}
}

// PeerRecord is one entry in the peer table: everything this instance
// currently believes about a remote agent.
type PeerRecord struct {
	ID           string
	Endpoint     *Endpoint
	Capabilities []string
	LastSeen     time.Time
	Source       PeerSource
	Status       PeerStatus

	// learnedAt is when this record was first inserted; the gossip push
	// heuristic uses it to pick recently learned peers.
	learnedAt time.Time
	// failures counts consecutive probe/exchange failures since the last
	// success.
	failures int
}

// LearnedAt reports when the record was first inserted into the table.
func (r *PeerRecord) LearnedAt() time.Time {
	return r.learnedAt
}

// clone returns a copy safe to hand out across the table lock boundary.
func (r *PeerRecord) clone() *PeerRecord {
	c := *r
	if r.Endpoint != nil {
		ep := *r.Endpoint
		c.Endpoint = &ep
	}
	if r.Capabilities != nil {
		c.Capabilities = append([]string(nil), r.Capabilities...)
	}
	return &c
}

// recordFromInfo builds a peer record from resolved agent info.
func recordFromInfo(info *AgentInfo, source PeerSource, now time.Time) *PeerRecord {
	rec := &PeerRecord{
		ID:           info.ID,
		Endpoint:     info.Endpoint(),
		Capabilities: append([]string(nil), info.Capabilities...),
		LastSeen:     now,
		Source:       source,
		Status:       StatusUnknown,
	}
	return rec
}
