package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Environment variables applied over the file.
const (
	EnvAPIKey      = "API_KEY"
	EnvAPISecret   = "API_SECRET"
	EnvDatabaseURL = "DATABASE_URL"
)

const (
	DefaultBaseURL   = "https://api.twitter.com/1.1"
	DefaultSQLiteDSN = "followback.db"
)

// ErrMissingCredentials reports an absent consumer key/secret pair.
var ErrMissingCredentials = errors.New("directory consumer key/secret missing (set " + EnvAPIKey + " and " + EnvAPISecret + ")")

// applyEnv overlays environment values. lookup is os.LookupEnv in
// production.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		cfg.Directory.ConsumerKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAPISecret); ok && strings.TrimSpace(v) != "" {
		cfg.Directory.ConsumerSecret = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDatabaseURL); ok && strings.TrimSpace(v) != "" {
		cfg.Storage.DSN = strings.TrimSpace(v)
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Directory.BaseURL) == "" {
		cfg.Directory.BaseURL = DefaultBaseURL
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "sqlite" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		cfg.Storage.DSN = DefaultSQLiteDSN
	}
}

// Runtime holds the parsed durations of a Config. Zero values mean "use the
// component default".
type Runtime struct {
	DirectoryTimeout time.Duration
	TelegramTimeout  time.Duration
	BusyTimeout      time.Duration

	IDSyncQuantum   time.Duration
	IDSyncIdleDelay time.Duration
	IDSyncMinCycle  time.Duration
	PersistRetry    time.Duration

	FollowQuantum   time.Duration
	FollowPause     time.Duration
	FollowIdleDelay time.Duration

	Retention time.Duration

	OpsReadTimeout  time.Duration
	OpsWriteTimeout time.Duration
	OpsIdleTimeout  time.Duration
}

// Resolve parses every duration field.
func (c *Config) Resolve() (Runtime, error) {
	var (
		rt   Runtime
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string) {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	parse(&rt.DirectoryTimeout, "directory.timeout", c.Directory.Timeout)
	parse(&rt.TelegramTimeout, "telegram.timeout", c.Telegram.Timeout)
	parse(&rt.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout)
	parse(&rt.IDSyncQuantum, "idsync.quantum", c.IDSync.Quantum)
	parse(&rt.IDSyncIdleDelay, "idsync.idle_delay", c.IDSync.IdleDelay)
	parse(&rt.IDSyncMinCycle, "idsync.min_cycle", c.IDSync.MinCycle)
	parse(&rt.PersistRetry, "idsync.persist_retry", c.IDSync.PersistRetry)
	parse(&rt.FollowQuantum, "followback.quantum", c.FollowBack.Quantum)
	parse(&rt.FollowPause, "followback.pause", c.FollowBack.Pause)
	parse(&rt.FollowIdleDelay, "followback.idle_delay", c.FollowBack.IdleDelay)
	parse(&rt.Retention, "maintenance.retention", c.Maintenance.Retention)
	parse(&rt.OpsReadTimeout, "ops.read_timeout", c.Ops.ReadTimeout)
	parse(&rt.OpsWriteTimeout, "ops.write_timeout", c.Ops.WriteTimeout)
	parse(&rt.OpsIdleTimeout, "ops.idle_timeout", c.Ops.IdleTimeout)
	return rt, errors.Join(errs...)
}

// Validate checks the config a daemon needs to start.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ValidateStorage(); err != nil {
		errs = append(errs, err)
	}
	if c.Directory.ConsumerKey == "" || c.Directory.ConsumerSecret == "" {
		errs = append(errs, ErrMissingCredentials)
	}
	if c.Logging.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("logging.telegram requires telegram.token and telegram.chat_id"))
	}
	if c.Directory.RatePerSec < 0 {
		errs = append(errs, errors.New("directory.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}

// ValidateStorage checks only the storage section; commands that never
// talk to the remote API use it instead of Validate.
func (c *Config) ValidateStorage() error {
	switch c.Storage.Driver {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn (or %s) is required for postgres", EnvDatabaseURL)
		}
	case "sqlite", "sqlite3", "memory", "mem":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	return nil
}

// ParseDurationField parses a non-negative Go duration; empty is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
