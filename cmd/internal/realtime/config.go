package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrConfig is returned for invalid feed configuration.
var ErrConfig = errors.New("invalid feed config")

// Config controls how a Feed dials, keeps alive and reconnects.
type Config struct {
	// URL is the ws:// or wss:// base of the project feeds; the project id is appended.
	URL string `env:"CROWD_FEED_URL" yaml:"url"`

	HandshakeTimeout time.Duration `env:"CROWD_FEED_HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `env:"CROWD_FEED_WRITE_TIMEOUT" yaml:"write_timeout"`

	HeartbeatInterval time.Duration `env:"CROWD_FEED_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `env:"CROWD_FEED_HEARTBEAT_TIMEOUT" yaml:"heartbeat_timeout"`

	BackoffMin time.Duration `env:"CROWD_FEED_BACKOFF_MIN" yaml:"backoff_min"`
	BackoffMax time.Duration `env:"CROWD_FEED_BACKOFF_MAX" yaml:"backoff_max"`

	// Inbound frames allowed per window before the connection is dropped.
	RateEvents int           `env:"CROWD_FEED_RATE_EVENTS" yaml:"rate_events"`
	RateWindow time.Duration `env:"CROWD_FEED_RATE_WINDOW" yaml:"rate_window"`
}

func DefaultConfig() Config {
	return Config{
		URL:               "ws://127.0.0.1:8000/ws/projects/",
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      defaultWriteTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		BackoffMin:        500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// LoadConfigFromEnv overlays CROWD_FEED_* variables on base and validates the result.
func LoadConfigFromEnv(base Config) (Config, error) {
	cfg := base
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url: unsupported scheme %q", ErrConfig, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("%w: url: missing host", ErrConfig)
	}
	for name, d := range map[string]time.Duration{
		"handshake timeout":  c.HandshakeTimeout,
		"write timeout":      c.WriteTimeout,
		"heartbeat interval": c.HeartbeatInterval,
		"heartbeat timeout":  c.HeartbeatTimeout,
		"backoff min":        c.BackoffMin,
		"rate window":        c.RateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrConfig, name)
		}
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("%w: backoff max must be >= backoff min", ErrConfig)
	}
	if c.RateEvents <= 0 {
		return fmt.Errorf("%w: rate events must be positive", ErrConfig)
	}
	return nil
}

// URLFromProjects derives the feed base from the projects service URL:
// http(s)://host/api/projects/ becomes ws(s)://host/ws/projects/.
func URLFromProjects(projectsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(projectsURL))
	if err != nil {
		return "", fmt.Errorf("%w: projects url: %v", ErrConfig, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: projects url: unsupported scheme %q", ErrConfig, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("%w: projects url: missing host", ErrConfig)
	}
	u.Path = "/ws/projects/"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (c Config) projectURL(projectID int64) string {
	return strings.TrimRight(c.URL, "/") + "/" + fmt.Sprint(projectID) + "/"
}
