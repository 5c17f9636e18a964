package core

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// srvServiceLabel is the service/proto prefix under which agents publish
// their locator records.
const srvServiceLabel = "_llm-agent._tcp."

// DNSResolver resolves agent identifiers through the name service as a
// fallback channel to the directory. An agent's domain carries an SRV
// record for its endpoint and a TXT record with a compact capability
// summary (caps=, desc=, ver= keys).
type DNSResolver struct {
	server string // nameserver ip:port
	client *dns.Client
	logger Logger
}

// NewDNSResolver creates a resolver against the given nameserver. A
// hostname is resolved to an IP once at construction, falling back to
// loopback when resolution fails, matching how the agents run alongside
// a local zone server.
func NewDNSResolver(server string, port int, logger Logger) *DNSResolver {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	ip := server
	if net.ParseIP(server) == nil {
		addrs, err := net.LookupHost(server)
		if err != nil || len(addrs) == 0 {
			logger.Warn("Could not resolve nameserver, using loopback", map[string]interface{}{
				"dns_server": server,
				"error":      fmt.Sprint(err),
			})
			ip = "127.0.0.1"
		} else {
			ip = addrs[0]
		}
	}
	return &DNSResolver{
		server: net.JoinHostPort(ip, strconv.Itoa(port)),
		client: &dns.Client{Timeout: 3 * time.Second},
		logger: logger,
	}
}

// LookupAgent resolves a domain to agent info. The SRV record is
// required; the TXT record enriches the result when present.
func (r *DNSResolver) LookupAgent(ctx context.Context, domain string) (*AgentInfo, error) {
	name := srvServiceLabel + dns.Fqdn(domain)

	host, port, err := r.lookupSRV(ctx, name)
	if err != nil {
		return nil, NewAgentError("dns.LookupAgent", domain, err)
	}

	info := &AgentInfo{
		ID:     domain,
		Host:   host,
		Port:   port,
		Source: SourceDNS,
	}

	// TXT is advisory; a missing record is not an error.
	if txt, err := r.lookupTXT(ctx, name); err == nil {
		for _, item := range txt {
			switch {
			case strings.HasPrefix(item, "caps="):
				info.Capabilities = splitNonEmpty(strings.TrimPrefix(item, "caps="))
			case strings.HasPrefix(item, "desc="):
				info.Description = strings.TrimPrefix(item, "desc=")
			case strings.HasPrefix(item, "ver="):
				info.Version = strings.TrimPrefix(item, "ver=")
			}
		}
	}

	return info, nil
}

func (r *DNSResolver) lookupSRV(ctx context.Context, name string) (string, int, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return "", 0, fmt.Errorf("srv query: %w", err)
	}
	for _, ans := range resp.Answer {
		if srv, ok := ans.(*dns.SRV); ok {
			return strings.TrimSuffix(srv.Target, "."), int(srv.Port), nil
		}
	}
	return "", 0, fmt.Errorf("%w: no SRV record for %s", ErrAgentNotFound, name)
}

func (r *DNSResolver) lookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("txt query: %w", err)
	}
	var out []string
	for _, ans := range resp.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			out = append(out, txt.Txt...)
		}
	}
	return out, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
