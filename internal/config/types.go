package config

// Config is the on-disk configuration (YAML or JSON).
//
// Secrets never live in the file: the bot token and chat ids are read from
// the environment variables named by the *_env fields.
type Config struct {
	App      AppConfig      `json:"app"`
	Telegram TelegramConfig `json:"telegram"`
	Sources  []SourceConfig `json:"sources"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Audit    AuditConfig    `json:"audit"`
	Content  ContentConfig  `json:"content,omitempty"`
	Report   ReportConfig   `json:"report,omitempty"`
}

// AppConfig controls the run cycle.
//
// Defaults (when fields are omitted/zero):
//   - mode: "incremental"
//   - interval: "5m" (loop mode only)
//   - drain_timeout: "2m"
//   - env_file: ".env"
type AppConfig struct {
	Mode string `json:"mode,omitempty"`
	Loop bool   `json:"loop,omitempty"`
	// Interval accepts a Go duration, seconds, "HH:MM" or a cron expression.
	Interval     string `json:"interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
	EnvFile      string `json:"env_file,omitempty"`
}

type TelegramConfig struct {
	TokenEnv  string `json:"token_env"`
	ChatIDEnv string `json:"chat_id_env"`
	ThreadID  int    `json:"thread_id,omitempty"`
	// ForumTopics opens one topic per delivered item when no thread is set.
	ForumTopics    bool   `json:"forum_topics,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// Timeout is a Go duration string bounding each Bot API call.
	Timeout string `json:"timeout,omitempty"`
}

// SourceConfig is one watched git working copy.
type SourceConfig struct {
	Name      string `json:"name"`
	LocalPath string `json:"local_path"`
	Remote    string `json:"remote,omitempty"`
	// ChatIDEnv overrides telegram.chat_id_env for this source.
	ChatIDEnv    string   `json:"chat_id_env,omitempty"`
	ThreadID     int      `json:"thread_id,omitempty"`
	SkipPatterns []string `json:"skip_patterns,omitempty"`
	Extensions   []string `json:"extensions,omitempty"`
	// Pull defaults to true.
	Pull *bool `json:"pull,omitempty"`
}

// PullEnabled reports whether the working copy is pulled before a diff.
func (s SourceConfig) PullEnabled() bool { return s.Pull == nil || *s.Pull }

// DeliveryConfig controls retries and spacing (Go duration strings).
//
// Defaults: max_retries 5, base_delay "2s", backoff_factor 2, spacing = base_delay.
type DeliveryConfig struct {
	MaxRetries    *int    `json:"max_retries,omitempty"`
	BaseDelay     string  `json:"base_delay,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`
	MaxDelay      string  `json:"max_delay,omitempty"`
	// Spacing "-1s" disables spacing between sends.
	Spacing string `json:"spacing,omitempty"`
}

// StorageConfig selects the delivery ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/secposter.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MetricsConfig controls the optional /metrics + pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - A non-loopback address needs a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type AuditConfig struct {
	Enabled bool `json:"enabled"`
	// GroupPattern matches the top-level directory used to group orphans.
	GroupPattern string `json:"group_pattern,omitempty"`
	MaxPerGroup  int    `json:"max_per_group,omitempty"`
}

type ContentConfig struct {
	SectionKeywords []string `json:"section_keywords,omitempty"`
	PreviewChars    int      `json:"preview_chars,omitempty"`
	MaxBody         int      `json:"max_body,omitempty"`
	DefaultBody     string   `json:"default_body,omitempty"`
}

type ReportConfig struct {
	Path     string `json:"path,omitempty"` // default "report_latest.md"
	JSONPath string `json:"json_path,omitempty"`
}
