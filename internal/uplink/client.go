package uplink

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/pkg/types"
)

const (
	registerTypesPath = "/register-monitor-types"
	identitiesPath    = "/endpoint-identities"
	configPath        = "/config"
	healthUpdatesPath = "/health-updates"

	HeaderAgentID         = "X-Agent-ID"
	HeaderBatchID         = "X-Batch-ID"
	HeaderConfigSignature = "X-Config-Signature"

	userAgent = "healthagent/0.1.0"
)

// ErrNotModified is returned by FetchEndpointIdentities when the collector
// reports the list unchanged since the last successful fetch.
var ErrNotModified = errors.New("not modified")

// Config holds the static configuration for a collector client.
type Config struct {
	ServerURL string
	AgentID   string
	// ConfigPublicKey, when set, makes FetchConfig require a valid minisign
	// signature, base64 encoded, in the X-Config-Signature header.
	ConfigPublicKey string
}

// Dependencies allow test overrides for HTTP client, clock, and logging.
type Dependencies struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Client talks JSON over HTTP to the collector.
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
	verifier   *SignatureVerifier
	now        func() time.Time
	logger     zerolog.Logger

	mu           sync.Mutex
	identityETag string
	entropy      io.Reader
}

// NewClient builds a collector client from configuration and dependencies.
func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		return nil, fmt.Errorf("HTTP client is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	var verifier *SignatureVerifier
	if strings.TrimSpace(cfg.ConfigPublicKey) != "" {
		v, err := NewSignatureVerifier(cfg.ConfigPublicKey)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		agentID:    cfg.AgentID,
		verifier:   verifier,
		now:        now,
		logger:     logging.Component(logger, "uplink"),
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// RegisterMonitorTypes announces the monitor types this agent can check.
func (c *Client) RegisterMonitorTypes(ctx context.Context, monitorTypes []string) error {
	if monitorTypes == nil {
		monitorTypes = []string{}
	}
	resp, err := c.doJSON(ctx, http.MethodPost, registerTypesPath, monitorTypes, nil)
	if err != nil {
		return fmt.Errorf("register monitor types: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("register monitor types: %w", err)
	}
	return nil
}

// FetchEndpointIdentities returns the authoritative endpoint list. The ETag of
// the last successful fetch is sent back; a 304 yields ErrNotModified.
func (c *Client) FetchEndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error) {
	c.mu.Lock()
	etag := c.identityETag
	c.mu.Unlock()

	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}
	resp, err := c.doJSON(ctx, http.MethodGet, identitiesPath, nil, header)
	if err != nil {
		return nil, fmt.Errorf("fetch endpoint identities: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read endpoint identities: %w", err)
	}
	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch endpoint identities: %w", err)
	}

	var identities []types.EndpointIdentity
	if err := json.Unmarshal(body, &identities); err != nil {
		return nil, fmt.Errorf("decode endpoint identities: %w", err)
	}

	c.mu.Lock()
	c.identityETag = resp.Header.Get("ETag")
	c.mu.Unlock()
	return identities, nil
}

// ResetIdentityETag forces the next identity fetch to be unconditional.
func (c *Client) ResetIdentityETag() {
	c.mu.Lock()
	c.identityETag = ""
	c.mu.Unlock()
}

// FetchConfig returns the current collector settings.
func (c *Client) FetchConfig(ctx context.Context) (types.CollectorConfig, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, configPath, nil, nil)
	if err != nil {
		return types.CollectorConfig{}, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.CollectorConfig{}, fmt.Errorf("read config: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return types.CollectorConfig{}, fmt.Errorf("fetch config: %w", err)
	}
	if c.verifier != nil {
		if err := c.verifier.VerifyHeader(body, resp.Header.Get(HeaderConfigSignature)); err != nil {
			return types.CollectorConfig{}, fmt.Errorf("fetch config: %w", err)
		}
	}

	var cfg types.CollectorConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return types.CollectorConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// SendHealthUpdates implements transmit.Sink. Each call carries a fresh
// batch ID.
func (c *Client) SendHealthUpdates(ctx context.Context, updates []types.HealthUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batchID := c.newBatchID()
	header := http.Header{}
	header.Set(HeaderBatchID, batchID)

	resp, err := c.doJSON(ctx, http.MethodPost, healthUpdatesPath, updates, header)
	if err != nil {
		return fmt.Errorf("send health updates: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("send health updates batch %s: %w", batchID, err)
	}
	c.logger.Debug().Str("batch_id", batchID).Int("updates", len(updates)).Msg("health updates sent")
	return nil
}

func (c *Client) newBatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.now()), c.entropy).String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, header http.Header) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderAgentID, c.agentID)

	return c.httpClient.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
