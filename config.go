package delegauth

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
//
// Config values are intended to be configured during initialization and then treated as
// immutable. Use [DefaultConfig] as the starting point.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Store    StoreConfig    `yaml:"store"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

/*
====================================
ENDPOINT CONFIG
====================================
*/

// EndpointConfig locates the delegated-auth backend and the API reached through
// authenticated calls.
type EndpointConfig struct {
	BaseURL           string `yaml:"base_url"`
	ExchangePath      string `yaml:"exchange_path"`
	RefreshPath       string `yaml:"refresh_path"`
	OrganizationsPath string `yaml:"organizations_path"`

	// APIBaseURL prefixes relative paths passed to MakeAuthenticatedCall. Defaults to BaseURL.
	APIBaseURL       string        `yaml:"api_base_url"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	UserAgent        string        `yaml:"user_agent"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig selects the durable backend of the credential store when the builder is
// not given one explicitly.
type StoreConfig struct {
	// Backend is one of "memory", "file" or "redis".
	Backend   string `yaml:"backend"`
	Prefix    string `yaml:"prefix"`
	FilePath  string `yaml:"file_path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls delegated token refresh.
type RefreshConfig struct {
	// Proactive refreshes before an authenticated call when the access token expires within ExpirySkew.
	Proactive  bool          `yaml:"proactive"`
	ExpirySkew time.Duration `yaml:"expiry_skew"`

	// MinInterval and Burst bound how often refreshes reach the backend. Zero disables the throttle.
	MinInterval time.Duration `yaml:"min_interval"`
	Burst       int           `yaml:"burst"`
}

// EventsConfig controls async auth event dispatch.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used by [New].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Endpoint: EndpointConfig{
			ExchangePath:      "/auth/exchange",
			RefreshPath:       "/auth/refresh",
			OrganizationsPath: "/organizations",
			RequestTimeout:    15 * time.Second,
			UserAgent:         "delegauth",
			MaxResponseBytes:  4 << 20,
		},
		Store: StoreConfig{
			Backend: "memory",
			Prefix:  "delegauth",
		},
		Refresh: RefreshConfig{
			Proactive:   true,
			ExpirySkew:  30 * time.Second,
			MinInterval: time.Second,
			Burst:       3,
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Endpoint.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Endpoint.BaseURL), "/")
	out.Endpoint.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.Endpoint.APIBaseURL), "/")
	out.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	return out
}

/*
====================================
FILE LOADING
====================================
*/

// LoadConfigFile decodes a YAML configuration file over [DefaultConfig] and validates the
// result. Unknown keys are rejected.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over [DefaultConfig] and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg = cloneConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	// Endpoint
	if c.Endpoint.BaseURL != "" {
		if err := validateBaseURL("Endpoint BaseURL", c.Endpoint.BaseURL); err != nil {
			return err
		}
	}
	if c.Endpoint.APIBaseURL != "" {
		if err := validateBaseURL("Endpoint APIBaseURL", c.Endpoint.APIBaseURL); err != nil {
			return err
		}
	}
	for name, p := range map[string]string{
		"ExchangePath":      c.Endpoint.ExchangePath,
		"RefreshPath":       c.Endpoint.RefreshPath,
		"OrganizationsPath": c.Endpoint.OrganizationsPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("Endpoint %s must start with '/'", name)
		}
	}
	if c.Endpoint.RequestTimeout <= 0 {
		return errors.New("Endpoint RequestTimeout must be > 0")
	}
	if c.Endpoint.MaxResponseBytes <= 0 {
		return errors.New("Endpoint MaxResponseBytes must be > 0")
	}

	// Store
	if strings.TrimSpace(c.Store.Prefix) == "" {
		return errors.New("Store Prefix must not be empty")
	}
	switch c.Store.Backend {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Store.FilePath) == "" {
			return errors.New("Store FilePath is required for the file backend")
		}
	case "redis":
		if c.Store.RedisDB < 0 {
			return errors.New("Store RedisDB must be >= 0")
		}
	default:
		return fmt.Errorf("Store Backend %q must be 'memory', 'file' or 'redis'", c.Store.Backend)
	}

	// Refresh
	if c.Refresh.ExpirySkew < 0 {
		return errors.New("Refresh ExpirySkew must be >= 0")
	}
	if c.Refresh.MinInterval < 0 {
		return errors.New("Refresh MinInterval must be >= 0")
	}
	if c.Refresh.MinInterval > 0 && c.Refresh.Burst < 1 {
		return errors.New("Refresh Burst must be >= 1 when MinInterval is set")
	}

	// Events
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return errors.New("Events BufferSize must be > 0 when events are enabled")
	}
	return nil
}

func validateBaseURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}
