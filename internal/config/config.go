// Package config loads and validates the recipesync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/recipesync/internal/model"
)

// Defaults applied by validation.
const (
	DefaultPollInterval    = time.Minute
	DefaultItemsTTL        = 4 * time.Minute
	DefaultLikedTTL        = 3 * time.Minute
	DefaultRequestTimeout  = 30 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
	DefaultPushRefreshRate = 5 * time.Second

	minPollInterval = 10 * time.Second
	maxPollInterval = time.Hour
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ServerURL is the base URL of the recipe service (e.g. "https://recipes.example.com").
	ServerURL string `yaml:"server_url"`

	// PushURL is the optional ws:// or wss:// endpoint announcing new recipes.
	// Omit it to run polling-only.
	PushURL string `yaml:"push_url,omitempty"`

	// UserID is the signed-in user. Likes, the liked collection and the
	// liked overlay on item reads are scoped to this user.
	UserID string `yaml:"user_id"`

	// PermissionLevel is forwarded to the server with recipe mutations:
	// 1 for a regular user, 2 for an administrator. Defaults to 1.
	PermissionLevel int `yaml:"permission_level"`

	// DBPath is the SQLite cache location. Empty means the state package's
	// default, ~/.local/share/recipesync/cache.db.
	DBPath string `yaml:"db_path,omitempty"`

	// PollInterval controls how often the daemon revalidates the cache.
	// Minimum 10s, maximum 1h. Defaults to 1m if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ItemsTTL is how long the recipe collection counts as fresh.
	ItemsTTL time.Duration `yaml:"items_ttl"`

	// LikedTTL is how long a user's liked collection counts as fresh.
	LikedTTL time.Duration `yaml:"liked_ttl"`

	// RequestTimeout bounds one HTTP attempt end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ConnectTimeout bounds TCP connection setup, for requests and for the
	// connectivity probe.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// PushRefreshRate is the minimum spacing between refreshes triggered by
	// push events.
	PushRefreshRate time.Duration `yaml:"push_refresh_rate"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "recipesync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Actor returns the acting identity for mutations.
func (c *Config) Actor() model.Actor {
	return model.Actor{UserID: c.UserID, Permission: model.NormalizePermission(c.PermissionLevel)}
}

// DefaultPath returns the default config file path: ~/.config/recipesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "recipesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c, fills defaults, and saves it to path as YAML. Parent
// directories are created as needed.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.ParseRequestURI(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url %q must be a valid http or https URL", c.ServerURL)
	}

	if c.PushURL != "" {
		p, err := url.ParseRequestURI(c.PushURL)
		if err != nil || (p.Scheme != "ws" && p.Scheme != "wss") || p.Host == "" {
			return fmt.Errorf("push_url %q must be a valid ws or wss URL", c.PushURL)
		}
	}

	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	switch c.PermissionLevel {
	case 0:
		c.PermissionLevel = int(model.PermissionUser)
	case int(model.PermissionUser), int(model.PermissionAdmin):
	default:
		return fmt.Errorf("permission_level %d is invalid (want 1 or 2)", c.PermissionLevel)
	}

	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		return fmt.Errorf("poll_interval %v is too short (minimum 10s)", c.PollInterval)
	}
	if c.PollInterval > maxPollInterval {
		return fmt.Errorf("poll_interval %v is too long (maximum 1h)", c.PollInterval)
	}

	durations := []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"items_ttl", &c.ItemsTTL, DefaultItemsTTL},
		{"liked_ttl", &c.LikedTTL, DefaultLikedTTL},
		{"request_timeout", &c.RequestTimeout, DefaultRequestTimeout},
		{"connect_timeout", &c.ConnectTimeout, DefaultConnectTimeout},
		{"push_refresh_rate", &c.PushRefreshRate, DefaultPushRefreshRate},
	}
	for _, d := range durations {
		if *d.val == 0 {
			*d.val = d.def
		}
		if *d.val < 0 {
			return fmt.Errorf("%s %v must not be negative", d.name, *d.val)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
