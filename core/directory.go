package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	directoryRequestTimeout = 10 * time.Second
	heartbeatTimeout        = 5 * time.Second
)

// DirectoryClient is a thin HTTP+JSON client for the central directory
// service. The directory's storage and dashboard are external; this
// client only speaks its CRUD surface.
type DirectoryClient struct {
	baseURL string
	client  *http.Client
	logger  Logger
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string, logger Logger) *DirectoryClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &DirectoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   directoryRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Register registers this agent's metadata with the directory.
func (c *DirectoryClient) Register(ctx context.Context, info *AgentInfo) error {
	if err := c.do(ctx, http.MethodPost, "/registerAgent", info, nil); err != nil {
		return NewAgentError("directory.Register", info.ID, err)
	}
	c.logger.Info("Registered agent with directory", map[string]interface{}{
		"agent_id": info.ID,
		"registry": c.baseURL,
	})
	return nil
}

// Heartbeat renews this agent's directory registration. A 404 response
// means the directory lost the registration and surfaces as
// ErrNotRegistered so the caller can re-register immediately.
func (c *DirectoryClient) Heartbeat(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	err := c.do(ctx, http.MethodPut, "/agents/"+url.PathEscape(id)+"/heartbeat", nil, nil)
	if err != nil {
		return NewAgentError("directory.Heartbeat", id, err)
	}
	return nil
}

// Lookup fetches a single agent record by identifier.
func (c *DirectoryClient) Lookup(ctx context.Context, id string) (*AgentInfo, error) {
	var info AgentInfo
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &info); err != nil {
		return nil, NewAgentError("directory.Lookup", id, err)
	}
	if info.ID == "" {
		info.ID = id
	}
	info.Source = SourceDirectory
	return &info, nil
}

// Search queries the directory for agents matching the filter.
func (c *DirectoryClient) Search(ctx context.Context, filter SearchFilter) ([]*AgentInfo, error) {
	params := url.Values{}
	if filter.Capability != "" {
		params.Set("capability", filter.Capability)
	}
	if filter.Query != "" {
		params.Set("query", filter.Query)
	}
	if filter.Limit > 0 {
		params.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/agents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp struct {
		Agents []*AgentInfo `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, NewAgentError("directory.Search", filter.Capability, err)
	}
	for _, a := range resp.Agents {
		a.Source = SourceDirectory
	}
	return resp.Agents, nil
}

// Unregister removes this agent's record from the directory.
func (c *DirectoryClient) Unregister(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil); err != nil {
		return NewAgentError("directory.Unregister", id, err)
	}
	return nil
}

// do issues one request and maps HTTP status codes onto the error
// taxonomy: 404 is a not-found condition, 401/403 a permanent auth
// failure, and everything else transient directory unavailability.
func (c *DirectoryClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if strings.Contains(path, "/heartbeat") {
			return ErrNotRegistered
		}
		return ErrAgentNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrDirectoryUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
