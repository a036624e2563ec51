package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Flavor selects which provider variant we talk to. The two differ in URL
// layout and authentication headers but speak the same chat wire format.
type Flavor string

const (
	FlavorOpenAI Flavor = "openai"
	FlavorAzure  Flavor = "azure"
)

// EnvAPIKey is consulted when Config.APIKey is empty.
const EnvAPIKey = "UPSTREAM_API_KEY"

// Policy pins sampling fields on outbound requests. Responses feed an
// automated assessment pipeline that needs deterministic output from one
// fixed model variant, so the caller-supplied model and temperature are
// deliberately overridden. Set Disabled to pass caller values through.
type Policy struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Disabled    bool
}

type Config struct {
	//required fields
	BaseURL string
	APIKey  string // falls back to $UPSTREAM_API_KEY when empty

	Flavor Flavor // default: FlavorOpenAI

	// OrgID is sent as OpenAI-Organization; openai flavor only.
	OrgID string

	// DeploymentID and APIVersion are required for the azure flavor.
	DeploymentID string
	APIVersion   string

	// SystemPrompt is an opaque instruction blob prepended as a synthetic
	// system message on every request. Injected by the caller, never
	// interpreted here.
	SystemPrompt string

	Policy Policy

	UpstreamTimeout time.Duration // per-request timeout (0 = caller ctx only)

	MaxRetries  int           // retry attempts, non-streaming path only (default: 2)
	BaseBackoff time.Duration // initial backoff (default: 100ms)

	// Optional connection pool settings
	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks required fields only.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if c.APIKey == "" {
		return errors.New("APIKey is required")
	}
	if c.Flavor == FlavorAzure {
		if c.DeploymentID == "" {
			return errors.New("DeploymentID is required for the azure flavor")
		}
		if c.APIVersion == "" {
			return errors.New("APIVersion is required for the azure flavor")
		}
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	// Normalize BaseURL: trim trailing slashes so we can safely append paths.
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Flavor == "" {
		cfg.Flavor = FlavorOpenAI
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(EnvAPIKey)
	}

	if !cfg.Policy.Disabled {
		if cfg.Policy.Model == "" {
			cfg.Policy.Model = "gpt-4-32k"
		}
		if cfg.Policy.MaxTokens <= 0 {
			cfg.Policy.MaxTokens = 4000
		}
		// Policy.Temperature zero value is the pinned value.
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	return cfg
}

// endpoint builds the completions URL for the configured flavor.
func (c *Config) endpoint() string {
	if c.Flavor == FlavorAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			c.BaseURL, c.DeploymentID, c.APIVersion)
	}
	return c.BaseURL + "/v1/chat/completions"
}

// applyHeaders sets auth and content headers. The azure flavor authenticates
// with a vendor "api-key" header instead of bearer auth and never sends the
// organization header.
func (c *Config) applyHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")

	if c.Flavor == FlavorAzure {
		h.Set("api-key", c.APIKey)
		return
	}

	h.Set("Authorization", "Bearer "+c.APIKey)
	if c.OrgID != "" {
		h.Set("OpenAI-Organization", c.OrgID)
	}
}

type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an upstream client with the given configuration.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	// Apply defaults + normalize BaseURL
	cfg = cfg.WithDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Use provided logger or no-op
	if logger == nil {
		logger = zap.NewNop()
	}

	// Use custom HTTP client if provided, otherwise create default
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("upstream"),
	}, nil
}

// defaultTransport creates a production-ready HTTP transport
// with connection pooling and reasonable timeouts.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases resources held by the client.
func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
