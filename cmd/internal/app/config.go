package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"crowd/cmd/internal/auth/session"
	"crowd/cmd/internal/realtime"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("invalid config")

// Config contains all runtime configuration.
//
// Precedence, lowest first: defaults, the YAML profile file, CROWD_* environment variables.
type Config struct {
	Session session.Config  `yaml:"session"`
	Feed    realtime.Config `yaml:"feed"`

	// Store selects the credential backend ("memory:", "file:<path>", "sqlite:<path>", "postgres://...").
	// Empty means the default credential file.
	Store string `env:"CROWD_STORE" yaml:"store"`

	// StorePassphrase seals the credential file. Never read from the profile file.
	StorePassphrase string `env:"CROWD_STORE_PASSPHRASE" yaml:"-"`

	// RequireSealedStore refuses to start with an unsealed credential file.
	RequireSealedStore bool `env:"CROWD_STORE_REQUIRE_SEALED" yaml:"require_sealed_store"`

	// Profile names the row set in a shared postgres store.
	Profile string `env:"CROWD_PROFILE" yaml:"profile"`

	DBMaxConns int32 `env:"CROWD_DB_MAX_CONNS" yaml:"db_max_conns"`
	DBMinConns int32 `env:"CROWD_DB_MIN_CONNS" yaml:"db_min_conns"`

	LogLevel  string `env:"CROWD_LOG_LEVEL" yaml:"log_level"`
	LogFormat string `env:"CROWD_LOG_FORMAT" yaml:"log_format"`

	// MetricsAddr serves /metrics while long-running commands (watch) are active. Empty disables it.
	MetricsAddr string `env:"CROWD_METRICS_ADDR" yaml:"metrics_addr"`

	// WatchStore follows credential changes made by other processes.
	WatchStore bool `env:"CROWD_WATCH_STORE" yaml:"watch_store"`
}

// DefaultConfig returns the configuration used when nothing is set. The feed URL is left
// empty so it can be derived from the projects URL.
func DefaultConfig() Config {
	feed := realtime.DefaultConfig()
	feed.URL = ""
	return Config{
		Session:    session.DefaultConfig(),
		Feed:       feed,
		Profile:    "default",
		DBMaxConns: 4,
		LogLevel:   "warn",
		LogFormat:  "pretty",
		WatchStore: true,
	}
}

// LoadConfig layers the profile file at path (optional) and the environment over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	sess, err := session.LoadConfigFromEnv(cfg.Session)
	if err != nil {
		return Config{}, err
	}
	cfg.Session = sess

	if cfg.Feed.URL == "" {
		u, err := realtime.URLFromProjects(cfg.Session.ProjectsURL)
		if err != nil {
			return Config{}, err
		}
		cfg.Feed.URL = u
	}
	feed, err := realtime.LoadConfigFromEnv(cfg.Feed)
	if err != nil {
		return Config{}, err
	}
	cfg.Feed = feed

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the app-level fields. Session and feed sections validate themselves.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("%w: log format %q (want json, pretty or text)", ErrConfig, c.LogFormat)
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 {
		return fmt.Errorf("%w: db connection limits must not be negative", ErrConfig)
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: db min conns exceeds max conns", ErrConfig)
	}
	if strings.TrimSpace(c.Profile) == "" {
		return fmt.Errorf("%w: profile must not be empty", ErrConfig)
	}
	return nil
}
