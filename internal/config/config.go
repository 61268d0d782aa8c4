// Package config loads server and client settings from YAML files with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mail providers.
const (
	MailNone     = "none"
	MailLog      = "log"
	MailSendGrid = "sendgrid"
)

// Server configures pseudomatd.
type Server struct {
	Listen     string `yaml:"listen"`
	GRPCListen string `yaml:"grpc_listen"`
	DSN        string `yaml:"dsn"`
	BaseURL    string `yaml:"base_url"`

	MaxBodyBytes int64   `yaml:"max_body_bytes"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	RateBurst    int     `yaml:"rate_burst"`

	RequireVerified bool `yaml:"require_verified"`

	Mail Mail `yaml:"mail"`
}

// Mail configures confirmation mail.
type Mail struct {
	Provider string        `yaml:"provider"`
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	From     string        `yaml:"from"`
	Secret   string        `yaml:"secret"`
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
}

// DefaultServer returns the built-in server settings.
func DefaultServer() Server {
	return Server{
		Listen:       ":8080",
		GRPCListen:   ":9090",
		MaxBodyBytes: 65535,
		RatePerSec:   20,
		RateBurst:    40,
		Mail: Mail{
			Provider: MailLog,
			From:     "noreply@pseudomat.org",
			Limit:    10,
			Window:   24 * time.Hour,
		},
	}
}

// LoadServer reads path (skipped when empty), applies PSEUDOMAT_* overrides
// and validates the result.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path == "" {
		path = os.Getenv("PSEUDOMAT_CONFIG")
	}
	if err := readYAML(path, &cfg); err != nil {
		return Server{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Server) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PSEUDOMAT_LISTEN", &c.Listen)
	str("PSEUDOMAT_GRPC_LISTEN", &c.GRPCListen)
	str("PSEUDOMAT_PG_DSN", &c.DSN)
	str("PSEUDOMAT_BASE_URL", &c.BaseURL)
	str("PSEUDOMAT_MAIL_PROVIDER", &c.Mail.Provider)
	str("PSEUDOMAT_MAIL_FROM", &c.Mail.From)
	str("PSEUDOMAT_MAIL_SECRET", &c.Mail.Secret)
	str("SENDGRID_API_KEY", &c.Mail.APIKey)
	str("SENDGRID_URL", &c.Mail.URL)

	if v, ok := lookup("PSEUDOMAT_RATE_PER_SEC"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PSEUDOMAT_RATE_PER_SEC: %w", err)
		}
		c.RatePerSec = f
	}
	if v, ok := lookup("PSEUDOMAT_RATE_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PSEUDOMAT_RATE_BURST: %w", err)
		}
		c.RateBurst = n
	}
	if v, ok := lookup("PSEUDOMAT_REQUIRE_VERIFIED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PSEUDOMAT_REQUIRE_VERIFIED: %w", err)
		}
		c.RequireVerified = b
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Server) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: max_body_bytes must be positive")
	}
	if c.RatePerSec < 0 || c.RateBurst < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	switch c.Mail.Provider {
	case MailNone, MailLog:
	case MailSendGrid:
		if c.Mail.APIKey == "" {
			return errors.New("config: sendgrid mail requires SENDGRID_API_KEY")
		}
		if c.Mail.Secret == "" {
			return errors.New("config: sendgrid mail requires a confirmation secret")
		}
	default:
		return fmt.Errorf("config: unknown mail provider %q", c.Mail.Provider)
	}
	if c.Mail.Provider != MailNone && c.Mail.From == "" {
		return errors.New("config: mail sender address is required")
	}
	return nil
}

// Client configures the pseudomat command.
type Client struct {
	Server   string        `yaml:"server"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultClient places the database under the user config directory.
func DefaultClient() Client {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return Client{
		Server:   "http://localhost:8080",
		Database: filepath.Join(dir, "pseudomat", "pseudomat.db"),
		Timeout:  10 * time.Second,
	}
}

// ClientConfigPath is the default location of the client YAML file.
func ClientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pseudomat", "config.yaml")
}

// LoadClient reads path, falling back to ClientConfigPath when empty; a
// missing default file is not an error.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	explicit := path != ""
	if !explicit {
		path = ClientConfigPath()
	}
	if err := readYAML(path, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Client{}, err
		}
	}
	if v := strings.TrimSpace(os.Getenv("PSEUDOMAT_SERVER")); v != "" {
		cfg.Server = v
	}
	if v := strings.TrimSpace(os.Getenv("PSEUDOMAT_DB")); v != "" {
		cfg.Database = v
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Server == "" {
		return Client{}, errors.New("config: server URL is required")
	}
	return cfg, nil
}

func readYAML(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
