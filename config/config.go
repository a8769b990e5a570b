// Package config loads the flagdeck server configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mnehpets/flagdeck/middleware"
	"github.com/rs/zerolog"
)

// DefaultEnvFile is read by Load when no file is named.
const DefaultEnvFile = ".env"

// Config is the server configuration.
type Config struct {
	ListenAddr string `env:"FLAGDECK_LISTEN_ADDR" envDefault:":8080"`
	// PublicURL is where browsers reach the console. Its root is the OAuth
	// redirect URI.
	PublicURL  string `env:"FLAGDECK_PUBLIC_URL"  envDefault:"http://localhost:8080/"`
	BackendURL string `env:"FLAGDECK_BACKEND_URL" envDefault:"http://localhost:8000"`

	OAuthClientID string `env:"FLAGDECK_OAUTH_CLIENT_ID"`
	// OAuthAuthURL is the authorization endpoint. When empty it is discovered
	// from OAuthIssuer.
	OAuthAuthURL string   `env:"FLAGDECK_OAUTH_AUTH_URL"`
	OAuthIssuer  string   `env:"FLAGDECK_OAUTH_ISSUER"`
	OAuthScopes  []string `env:"FLAGDECK_OAUTH_SCOPES" envSeparator:"," envDefault:"openid,profile,email"`

	// CookieKeys are "id:hex" sealing keys; CookieKeyID selects the one new
	// cookies are sealed with. It may be omitted when there is one key.
	CookieKeys   []string `env:"FLAGDECK_COOKIE_KEYS"   envSeparator:","`
	CookieKeyID  string   `env:"FLAGDECK_COOKIE_KEY_ID"`
	CookieSecure bool     `env:"FLAGDECK_COOKIE_SECURE" envDefault:"true"`

	SessionProbeInterval time.Duration `env:"FLAGDECK_SESSION_PROBE_INTERVAL" envDefault:"1m"`
	WorkspaceIdleTTL     time.Duration `env:"FLAGDECK_WORKSPACE_IDLE_TTL"     envDefault:"2h"`
	BackendTimeout       time.Duration `env:"FLAGDECK_BACKEND_TIMEOUT"        envDefault:"15s"`
	ShutdownTimeout      time.Duration `env:"FLAGDECK_SHUTDOWN_TIMEOUT"       envDefault:"10s"`

	LogLevel  string `env:"FLAGDECK_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"FLAGDECK_LOG_FORMAT" envDefault:"console"`

	keys middleware.Keys
}

// Load reads envFile (DefaultEnvFile when empty) into the process
// environment, then parses and validates the configuration. A missing
// default file is not an error; a missing named file is. Variables already
// set in the environment win over the file.
func Load(envFile string) (Config, error) {
	name := envFile
	if name == "" {
		name = DefaultEnvFile
	}
	if err := godotenv.Load(name); err != nil && (envFile != "" || !errors.Is(err, fs.ErrNotExist)) {
		return Config{}, fmt.Errorf("load %s: %w", name, err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg and resolves the cookie keyring.
func (c *Config) Validate() error {
	var errs []error
	if c.OAuthClientID == "" {
		errs = append(errs, errors.New("FLAGDECK_OAUTH_CLIENT_ID is required"))
	}
	if c.OAuthAuthURL == "" && c.OAuthIssuer == "" {
		errs = append(errs, errors.New("one of FLAGDECK_OAUTH_AUTH_URL or FLAGDECK_OAUTH_ISSUER is required"))
	}
	if _, err := c.RedirectURL(); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("FLAGDECK_BACKEND_URL %q must be an http(s) URL", c.BackendURL))
	}
	if err := c.resolveKeys(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("FLAGDECK_LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("FLAGDECK_LOG_FORMAT %q must be console or json", c.LogFormat))
	}
	if c.SessionProbeInterval < 0 || c.WorkspaceIdleTTL < 0 || c.BackendTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) resolveKeys() error {
	if len(c.CookieKeys) == 0 {
		return errors.New("FLAGDECK_COOKIE_KEYS is required")
	}
	keys, err := middleware.ParseKeys(c.CookieKeys)
	if err != nil {
		return fmt.Errorf("FLAGDECK_COOKIE_KEYS: %w", err)
	}
	for id, k := range keys {
		if len(k) != middleware.KeySize {
			return fmt.Errorf("FLAGDECK_COOKIE_KEYS: key %s must be %d bytes", id, middleware.KeySize)
		}
	}
	if c.CookieKeyID == "" && len(keys) == 1 {
		for id := range keys {
			c.CookieKeyID = id
		}
	}
	if _, ok := keys[c.CookieKeyID]; !ok {
		return fmt.Errorf("FLAGDECK_COOKIE_KEY_ID %q does not name a configured key", c.CookieKeyID)
	}
	c.keys = keys
	return nil
}

// Keys returns the cookie keyring resolved by Validate.
func (c Config) Keys() middleware.Keys {
	return c.keys
}

// RedirectURL is the OAuth redirect URI: the console root under PublicURL.
func (c Config) RedirectURL() (string, error) {
	u, err := url.Parse(c.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("FLAGDECK_PUBLIC_URL %q must be an absolute http(s) URL", c.PublicURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Level is the parsed log level.
func (c Config) Level() zerolog.Level {
	l, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}
