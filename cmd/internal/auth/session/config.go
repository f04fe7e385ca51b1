package session

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines all runtime configuration for the session manager.
//
// It names the two backend services, the auth endpoints relative to the accounts service,
// and the per-dispatch timeout.
type Config struct {
	// AccountsURL is the base URL of the accounts/authentication service.
	AccountsURL string `env:"CROWD_ACCOUNTS_URL" yaml:"accounts_url"`

	// ProjectsURL is the base URL of the projects/campaigns service.
	ProjectsURL string `env:"CROWD_PROJECTS_URL" yaml:"projects_url"`

	// Auth endpoints, relative to AccountsURL.
	LoginPath   string `env:"CROWD_AUTH_LOGIN_PATH" yaml:"login_path"`
	RefreshPath string `env:"CROWD_AUTH_REFRESH_PATH" yaml:"refresh_path"`
	RevokePath  string `env:"CROWD_AUTH_REVOKE_PATH" yaml:"revoke_path"`

	// RevokeOnLogout asks the backend to blacklist the refresh token on Logout (best-effort).
	RevokeOnLogout bool `env:"CROWD_AUTH_REVOKE_ON_LOGOUT" yaml:"revoke_on_logout"`

	// RequestTimeout bounds every single dispatch (initial, refresh, retry).
	RequestTimeout time.Duration `env:"CROWD_REQUEST_TIMEOUT" yaml:"request_timeout"`

	// ExpiredNotice is the user-visible text handed to the Navigator on forced logout.
	ExpiredNotice string `env:"CROWD_SESSION_EXPIRED_NOTICE" yaml:"expired_notice"`

	// UserAgent is sent on every request.
	UserAgent string `env:"CROWD_USER_AGENT" yaml:"user_agent"`
}

// DefaultConfig returns a configuration pointing at a local development backend.
func DefaultConfig() Config {
	return Config{
		AccountsURL:    "http://127.0.0.1:8000/api/accounts/",
		ProjectsURL:    "http://127.0.0.1:8000/api/projects/",
		LoginPath:      "token/",
		RefreshPath:    "token/refresh/",
		RevokePath:     "token/blacklist/",
		RequestTimeout: 15 * time.Second,
		ExpiredNotice:  "Your session has expired. Please log in again.",
		UserAgent:      "crowd/1",
	}
}

// LoadConfigFromEnv overlays CROWD_* environment variables on base and validates the result.
//
// Optional (durations must be valid Go duration strings):
//   - CROWD_ACCOUNTS_URL, CROWD_PROJECTS_URL
//   - CROWD_AUTH_LOGIN_PATH, CROWD_AUTH_REFRESH_PATH, CROWD_AUTH_REVOKE_PATH
//   - CROWD_AUTH_REVOKE_ON_LOGOUT
//   - CROWD_REQUEST_TIMEOUT
//   - CROWD_SESSION_EXPIRED_NOTICE, CROWD_USER_AGENT
//
// Returns an error wrapping ErrConfig if configuration is invalid.
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

// Validate checks invariants the manager relies on.
func (c Config) Validate() error {
	if err := validateBaseURL("accounts url", c.AccountsURL); err != nil {
		return err
	}
	if err := validateBaseURL("projects url", c.ProjectsURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.LoginPath) == "" || strings.TrimSpace(c.RefreshPath) == "" {
		return fmt.Errorf("%w: login and refresh paths are required", ErrConfig)
	}
	if c.RevokeOnLogout && strings.TrimSpace(c.RevokePath) == "" {
		return fmt.Errorf("%w: revoke path is required when revoke on logout is enabled", ErrConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrConfig)
	}
	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConfig, name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s: unsupported scheme %q", ErrConfig, name, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("%w: %s: missing host", ErrConfig, name)
	}
	return nil
}

// baseURL returns the configured base URL for a service.
func (c Config) baseURL(s Service) string {
	if s == ServiceProjects {
		return c.ProjectsURL
	}
	return c.AccountsURL
}
