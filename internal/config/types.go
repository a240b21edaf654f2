package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "5m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Telegram    TelegramConfig    `json:"telegram"`
	Directory   DirectoryConfig   `json:"directory"`
	Storage     StorageConfig     `json:"storage"`
	IDSync      IDSyncConfig      `json:"idsync"`
	FollowBack  FollowBackConfig  `json:"followback"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Ops         OpsConfig         `json:"ops"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above MinLevel to the chat in the
// telegram section.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// DirectoryConfig configures the remote directory API client.
//
// ConsumerKey and ConsumerSecret are normally supplied through API_KEY and
// API_SECRET, which override the file.
type DirectoryConfig struct {
	BaseURL        string  `json:"base_url,omitempty"`
	ConsumerKey    string  `json:"consumer_key,omitempty"`
	ConsumerSecret string  `json:"consumer_secret,omitempty"`
	Timeout        string  `json:"timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	UserAgent      string  `json:"user_agent,omitempty"`
}

// StorageConfig selects the store.
//
//	"storage": { "driver": "sqlite", "dsn": "./followback.db" }
//
// DATABASE_URL overrides dsn and implies the postgres driver when driver is
// empty.
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type IDSyncConfig struct {
	Enabled      bool   `json:"enabled"`
	Quantum      string `json:"quantum,omitempty"`
	IdleDelay    string `json:"idle_delay,omitempty"`
	MinCycle     string `json:"min_cycle,omitempty"`
	PersistRetry string `json:"persist_retry,omitempty"`
}

type FollowBackConfig struct {
	Enabled   bool   `json:"enabled"`
	Quantum   string `json:"quantum,omitempty"`
	Pause     string `json:"pause,omitempty"`
	IdleDelay string `json:"idle_delay,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

type MaintenanceConfig struct {
	// PruneSchedule is a cron expression, "@every <d>", a duration or HH:MM.
	// Empty disables pruning.
	PruneSchedule string `json:"prune_schedule"`
	Retention     string `json:"retention,omitempty"`
}

// OpsConfig controls the health/metrics/pprof HTTP server.
//
// Bind to loopback unless a token is set or allow_insecure is true.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
