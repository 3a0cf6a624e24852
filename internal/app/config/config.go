package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hickar/sendrecv/internal/pkg/units"
)

// MinAutoCheckInterval bounds how often a single account is polled.
const MinAutoCheckInterval = 60 * time.Second

type FetchOrder string

const (
	FetchNewestFirst FetchOrder = "newest-first"
	FetchAsListed    FetchOrder = "as-listed"
)

type Config struct {
	DataDir          string        `yaml:"data_dir" env:"DATA_DIR"`                     // Directory holding UID cache database.
	LocalDir         string        `yaml:"local_dir" env:"LOCAL_DIR"`                   // Root of local Maildir folders (Inbox, Outbox, Sent, ...).
	Workers          int           `yaml:"workers" env:"WORKERS"`                       // Number of tasks executed concurrently.
	LogLevel         string        `yaml:"log_level" env:"LOG_LEVEL"`                   // Logging level: debug, info, warn, error or numeric slog level.
	LogFormat        string        `yaml:"log_format" env:"LOG_FORMAT"`                 // Log output format: text or json.
	APIAddress       string        `yaml:"api_address" env:"API_ADDRESS"`               // Listen address of HTTP control API. Empty disables it.
	APIKey           string        `yaml:"api_key" env:"API_KEY"`                       // Key expected in X-API-Key header of API requests. Empty disables the check.
	CheckOnStart     bool          `yaml:"check_on_start" env:"CHECK_ON_START"`         // Whether to check mail as soon as the daemon is online.
	CheckAllOnStart  bool          `yaml:"check_all_on_start" env:"CHECK_ALL_ON_START"` // Whether startup check includes accounts without auto-check.
	SendOnStart      bool          `yaml:"send_on_start" env:"SEND_ON_START"`           // Whether to flush outbox on startup.
	FetchOrder       FetchOrder    `yaml:"fetch_order" env:"FETCH_ORDER"`               // Order of incremental fetch: newest-first or as-listed.
	StatusInterval   time.Duration `yaml:"status_interval" env:"STATUS_INTERVAL"`       // Interval of task progress reports.
	TaskTimeout      time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`             // Upper bound of a single send/receive run. Zero means none.
	DefaultTransport string        `yaml:"default_transport" env:"DEFAULT_TRANSPORT"`   // Account id whose transport flushes the outbox.
	NotifyTemplate   string        `yaml:"notify_template" env:"NOTIFY_TEMPLATE"`       // text/template of new mail notifications. Empty means built-in one.
	Accounts         []Account     `yaml:"accounts"`                                    // List of mail accounts.
	Filters          []FilterRule  `yaml:"filters"`                                     // Filter rules applied to incoming and outgoing mail.
}

type Account struct {
	ID                string        `yaml:"id"`                  // Unique account identifier, used in folder URIs.
	Name              string        `yaml:"name"`                // Display name.
	Enabled           *bool         `yaml:"enabled"`             // Disabled accounts are skipped. Defaults to true.
	StoreURL          string        `yaml:"store_url"`           // Incoming mail URL, e.g. imaps://user@host, imaps+pull://..., mbox:///var/mail/user.
	TransportURL      string        `yaml:"transport_url"`       // Outgoing mail URL, e.g. smtps://user@host:465.
	Password          string        `yaml:"password"`            // Password used when URL carries none.
	KeepOnServer      bool          `yaml:"keep_on_server"`      // Whether downloaded messages are left on the server.
	AutoCheck         bool          `yaml:"auto_check"`          // Whether mail is checked periodically.
	AutoCheckInterval time.Duration `yaml:"auto_check_interval"` // Period of automatic checks, at least one minute.
	MaxMessageSize    string        `yaml:"max_message_size"`    // Largest message transport accepts, e.g. "25MB". Empty means unlimited.
	Sender            string        `yaml:"sender"`              // Address used when queued message has no From.
}

type FilterRule struct {
	Name     string         `yaml:"name"`     // Rule name.
	Source   string         `yaml:"source"`   // incoming, outgoing or demand. Defaults to incoming.
	Match    string         `yaml:"match"`    // Filter expression, empty matches everything.
	Disabled bool           `yaml:"disabled"` // Whether rule is skipped.
	Actions  []FilterAction `yaml:"actions"`  // Actions performed on match, in order.
}

type FilterAction struct {
	Move   string   `yaml:"move"`   // Folder URI message is moved to.
	Copy   string   `yaml:"copy"`   // Folder URI message is copied to.
	Flag   []string `yaml:"flag"`   // Flags set on the message.
	Unflag []string `yaml:"unflag"` // Flags cleared on the message.
	Delete bool     `yaml:"delete"` // Whether message is deleted.
	Notify bool     `yaml:"notify"` // Whether new mail notification is raised.
	Stop   bool     `yaml:"stop"`   // Whether following rules are skipped.
}

// IsEnabled reports whether account takes part in send/receive.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// MaxMessageBytes returns parsed MaxMessageSize, zero when unlimited.
func (a Account) MaxMessageBytes() (int64, error) {
	if a.MaxMessageSize == "" {
		return 0, nil
	}
	return units.FromHumanSize(a.MaxMessageSize)
}

// LoadConfig reads configuration file at cfgFilepath. Variables from
// envFilepath (if it exists) are loaded into the environment first and may be
// referenced in the file as $VAR. Variables prefixed with SENDRECV_ override
// top-level settings.
func LoadConfig(cfgFilepath, envFilepath string) (Config, error) {
	var cfg Config

	if _, err := os.Stat(envFilepath); err == nil {
		if err = godotenv.Load(envFilepath); err != nil {
			return cfg, fmt.Errorf("unable to load environment variables from file: %w", err)
		}
	}

	//nolint:gosec
	fileBytes, err := os.ReadFile(cfgFilepath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("configuration file at this cfgFilepath doesn't exist: %w", err)
		case errors.Is(err, os.ErrPermission):
			return cfg, fmt.Errorf("permission denied for accessing configuration file: %w", err)
		default:
			return cfg, fmt.Errorf("unexpected error during reading configuration file: %w", err)
		}
	}

	return Parse(fileBytes)
}

// Parse decodes configuration, applies environment overrides and validates it.
func Parse(data []byte) (Config, error) {
	var cfg Config

	envExpanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(envExpanded), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal configuration file: %w", err)
	}

	if err := env.Parse(&cfg, env.Options{Prefix: "SENDRECV_"}); err != nil {
		return cfg, fmt.Errorf("unable to parse environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate fills defaults and checks account settings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LocalDir == "" {
		c.LocalDir = filepath.Join(c.DataDir, "mail")
	}
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 250 * time.Millisecond
	}

	switch c.FetchOrder {
	case "":
		c.FetchOrder = FetchNewestFirst
	case FetchNewestFirst, FetchAsListed:
	default:
		return fmt.Errorf("unknown fetch_order %q", c.FetchOrder)
	}

	var errs []error
	ids := make(map[string]struct{}, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]

		if a.ID == "" {
			errs = append(errs, fmt.Errorf("account #%d: id is required", i+1))
			continue
		}
		if a.ID == "local" {
			errs = append(errs, fmt.Errorf("account %q: id is reserved for local folders", a.ID))
		}
		if _, ok := ids[a.ID]; ok {
			errs = append(errs, fmt.Errorf("account %q: duplicate id", a.ID))
		}
		ids[a.ID] = struct{}{}

		if a.Name == "" {
			a.Name = a.ID
		}
		if a.StoreURL == "" && a.TransportURL == "" {
			errs = append(errs, fmt.Errorf("account %q: neither store_url nor transport_url is set", a.ID))
		}
		if a.AutoCheck && a.AutoCheckInterval < MinAutoCheckInterval {
			a.AutoCheckInterval = MinAutoCheckInterval
		}
		if _, err := a.MaxMessageBytes(); err != nil {
			errs = append(errs, fmt.Errorf("account %q: max_message_size: %w", a.ID, err))
		}
	}

	if c.DefaultTransport == "" {
		for _, a := range c.Accounts {
			if a.TransportURL != "" && a.IsEnabled() {
				c.DefaultTransport = a.ID
				break
			}
		}
	}

	return errors.Join(errs...)
}

// Account returns account by id.
func (c *Config) Account(id string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}
