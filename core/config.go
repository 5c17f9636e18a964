package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an agent. It supports three-layer
// priority: defaults, then environment variables, then functional
// options (highest).
//
// Example:
//
//	cfg, err := NewConfig(
//	    WithID("billing.agents.local"),
//	    WithRegistryURL("http://registry:5000"),
//	)
type Config struct {
	// Identity
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Capabilities []string `yaml:"capabilities"`
	Version      string   `yaml:"version"`

	// Collaborators
	RegistryURL    string   `yaml:"registry_url"`
	DNSServer      string   `yaml:"dns_server"`
	DNSPort        int      `yaml:"dns_port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	Gossip    GossipConfig    `yaml:"gossip"`
	Peers     PeerConfig      `yaml:"peers"`
	Health    HealthConfig    `yaml:"health"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging"`

	// loadErr carries a config-file failure from an Option to NewConfig.
	loadErr error
}

// GossipConfig controls the gossip round schedule and message bounds.
type GossipConfig struct {
	Interval            time.Duration `yaml:"interval"`
	Fanout              int           `yaml:"fanout"`
	MaxPeersPerExchange int           `yaml:"max_peers_per_exchange"`
}

// PeerConfig bounds the peer table.
type PeerConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxPeers      int           `yaml:"max_peers"`
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// HealthConfig controls the probe and heartbeat loops.
type HealthConfig struct {
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	EvictInterval     time.Duration `yaml:"evict_interval"`
}

// DiscoveryConfig controls the resolution cache. When RedisURL is set
// the cache is shared through Redis; otherwise an in-process LRU is used.
type DiscoveryConfig struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
	RedisURL  string        `yaml:"redis_url"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Option mutates a Config before validation.
type Option func(*Config)

func WithID(id string) Option               { return func(c *Config) { c.ID = id } }
func WithName(name string) Option           { return func(c *Config) { c.Name = name } }
func WithPort(port int) Option              { return func(c *Config) { c.Port = port } }
func WithRegistryURL(u string) Option       { return func(c *Config) { c.RegistryURL = u } }
func WithDNSServer(host string, port int) Option {
	return func(c *Config) { c.DNSServer = host; c.DNSPort = port }
}
func WithCapabilities(caps ...string) Option {
	return func(c *Config) { c.Capabilities = caps }
}
func WithBootstrapPeers(ids ...string) Option {
	return func(c *Config) { c.BootstrapPeers = ids }
}

// WithConfigFile loads a YAML config file over the current values.
// Load errors surface from NewConfig as configuration errors.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		data, err := os.ReadFile(path)
		if err != nil {
			c.loadErr = fmt.Errorf("read config file %s: %w", path, err)
			return
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			c.loadErr = fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
}

// NewConfig builds a Config from defaults, environment, and options, in
// that order, then validates it. Validation failure is the one fatal
// startup condition in the system.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.loadErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, cfg.loadErr)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Port:        8000,
		Version:     "0.1.0",
		RegistryURL: "http://registry:5000",
		DNSServer:   "bind",
		DNSPort:     53,
		Gossip: GossipConfig{
			Interval:            60 * time.Second,
			Fanout:              3,
			MaxPeersPerExchange: 10,
		},
		Peers: PeerConfig{
			TTL:           time.Hour,
			MaxPeers:      128,
			EvictInterval: time.Minute,
		},
		Health: HealthConfig{
			ProbeInterval:     30 * time.Second,
			ProbeTimeout:      2 * time.Second,
			HeartbeatInterval: 20 * time.Second,
			EvictInterval:     time.Minute,
		},
		Discovery: DiscoveryConfig{
			CacheTTL:  5 * time.Minute,
			CacheSize: 512,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) applyEnvironment() {
	setEnvString(&c.ID, "AGENT_ID")
	setEnvString(&c.Name, "AGENT_NAME")
	setEnvString(&c.Description, "AGENT_DESCRIPTION")
	setEnvString(&c.Host, "AGENT_HOSTNAME")
	setEnvInt(&c.Port, "AGENT_PORT")
	setEnvStringSlice(&c.Capabilities, "AGENT_CAPABILITIES")
	setEnvString(&c.RegistryURL, "REGISTRY_URL")
	setEnvString(&c.DNSServer, "DNS_SERVER")
	setEnvInt(&c.DNSPort, "DNS_PORT")
	setEnvStringSlice(&c.BootstrapPeers, "BOOTSTRAP_PEERS")
	setEnvDuration(&c.Gossip.Interval, "GOSSIP_INTERVAL")
	setEnvInt(&c.Gossip.Fanout, "GOSSIP_FANOUT")
	setEnvInt(&c.Gossip.MaxPeersPerExchange, "GOSSIP_MAX_PEERS")
	setEnvDuration(&c.Peers.TTL, "PEER_TTL")
	setEnvInt(&c.Peers.MaxPeers, "PEER_MAX")
	setEnvDuration(&c.Health.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	setEnvDuration(&c.Discovery.CacheTTL, "DISCOVERY_CACHE_TTL")
	setEnvString(&c.Discovery.RedisURL, "REDIS_URL")
	setEnvString(&c.Logging.Level, "LOG_LEVEL")
	setEnvString(&c.Logging.Format, "LOG_FORMAT")
}

// applyDerived fills identity fields that default from other values.
func (c *Config) applyDerived() {
	if c.Host == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Host = hostname
		}
	}
	if c.ID == "" {
		if c.Host != "" {
			c.ID = c.Host + ".agents.local"
		} else {
			c.ID = "agent-" + uuid.NewString()[:8] + ".agents.local"
		}
	}
	// For container networking the dialable name is the service part of
	// the domain.
	if c.Host == "" || strings.Contains(c.Host, ".") {
		c.Host = strings.SplitN(c.ID, ".", 2)[0]
	}
	if c.Name == "" {
		c.Name = "Agent-" + c.Host
	}
}

// Validate checks for the unusable-self-identity conditions that must
// stop startup.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: agent ID is empty", ErrInvalidConfiguration)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("%w: registry URL is empty", ErrInvalidConfiguration)
	}
	if c.Gossip.Fanout < 1 {
		return fmt.Errorf("%w: gossip fanout must be positive", ErrInvalidConfiguration)
	}
	if c.Gossip.MaxPeersPerExchange < 1 {
		return fmt.Errorf("%w: max peers per exchange must be positive", ErrInvalidConfiguration)
	}
	if c.Peers.TTL <= 0 || c.Gossip.Interval <= 0 {
		return fmt.Errorf("%w: intervals and TTL must be positive", ErrInvalidConfiguration)
	}
	if c.Peers.MaxPeers < 1 {
		return fmt.Errorf("%w: max peers must be positive", ErrInvalidConfiguration)
	}
	return nil
}

// SelfInfo builds the metadata record this agent registers and serves.
func (c *Config) SelfInfo() *AgentInfo {
	return &AgentInfo{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Host:         c.Host,
		Port:         c.Port,
		Capabilities: append([]string(nil), c.Capabilities...),
		Version:      c.Version,
		Protocols:    []string{"rest-json"},
		Source:       SourceSelf,
	}
}

func setEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setEnvDuration accepts Go duration strings and bare second counts,
// matching how the deployment manifests historically set these values.
func setEnvDuration(target *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(n) * time.Second
	}
}

func setEnvStringSlice(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}
