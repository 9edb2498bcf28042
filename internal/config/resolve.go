package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultTokenEnv     = "TELEGRAM_BOT_TOKEN"
	DefaultChatIDEnv    = "TELEGRAM_CHAT_ID"
	DefaultInterval     = "5m"
	DefaultDrainTimeout = 2 * time.Minute
	DefaultStoragePath  = "data/secposter.db"
	DefaultReportPath   = "report_latest.md"
)

// ErrMissingToken is returned by Resolve when a real run has no bot token.
var ErrMissingToken = errors.New("telegram bot token is not set")

// LoadEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win; a missing file is not an error.
func LoadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// Settings is a validated config with secrets and defaults filled in.
type Settings struct {
	Mode         string
	Loop         bool
	Interval     string
	Location     *time.Location
	DryRun       bool
	DrainTimeout time.Duration

	Token          string
	TokenEnv       string
	Timeout        time.Duration
	ParseMode      string
	DisablePreview bool
	ForumTopics    bool

	Sources []SourceSettings

	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Spacing       time.Duration

	StorageDriver string
	StoragePath   string
	BusyTimeout   time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SourceSettings is one source with its delivery target resolved.
// Err is set when the source cannot run; other sources are unaffected.
type SourceSettings struct {
	SourceConfig
	ChatID int64
	Pull   bool
	Err    error
}

// Resolve applies defaults and reads secrets through getenv (os.Getenv when
// nil). Per-source problems land in SourceSettings.Err; a missing token is
// fatal unless the run is a dry run.
func Resolve(cfg *Config, getenv func(string) string) (*Settings, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	s := &Settings{
		Mode:           strings.ToLower(strings.TrimSpace(cfg.App.Mode)),
		Loop:           cfg.App.Loop,
		Interval:       strings.TrimSpace(cfg.App.Interval),
		DryRun:         cfg.App.DryRun,
		ParseMode:      cfg.Telegram.ParseMode,
		DisablePreview: cfg.Telegram.DisablePreview,
		ForumTopics:    cfg.Telegram.ForumTopics,
		BackoffFactor:  cfg.Delivery.BackoffFactor,
		MaxRetries:     5,
		StorageDriver:  strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		StoragePath:    strings.TrimSpace(cfg.Storage.Path),
	}
	if s.Mode == "" {
		s.Mode = "incremental"
	}
	if s.Interval == "" {
		s.Interval = DefaultInterval
	}
	if s.StorageDriver == "" {
		s.StorageDriver = "sqlite"
	}
	if s.StoragePath == "" {
		s.StoragePath = DefaultStoragePath
	}
	if cfg.Delivery.MaxRetries != nil {
		s.MaxRetries = *cfg.Delivery.MaxRetries
	}

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.App.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("app.timezone: %w", err)
		}
		s.Location = loc
	}

	// Validate has already rejected malformed durations.
	s.DrainTimeout, _ = ParseDurationOrDefault("app.drain_timeout", cfg.App.DrainTimeout, DefaultDrainTimeout)
	s.Timeout, _ = ParseDurationField("telegram.timeout", cfg.Telegram.Timeout)
	s.BaseDelay, _ = ParseDurationField("delivery.base_delay", cfg.Delivery.BaseDelay)
	s.MaxDelay, _ = ParseDurationField("delivery.max_delay", cfg.Delivery.MaxDelay)
	s.Spacing, _ = parseSignedDuration("delivery.spacing", cfg.Delivery.Spacing)
	s.BusyTimeout, _ = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	s.ReadTimeout, _ = ParseDurationOrDefault("metrics.read_timeout", cfg.Metrics.ReadTimeout, 5*time.Second)
	s.WriteTimeout, _ = ParseDurationField("metrics.write_timeout", cfg.Metrics.WriteTimeout)
	s.IdleTimeout, _ = ParseDurationOrDefault("metrics.idle_timeout", cfg.Metrics.IdleTimeout, 60*time.Second)

	s.TokenEnv = orDefault(cfg.Telegram.TokenEnv, DefaultTokenEnv)
	s.Token = strings.TrimSpace(getenv(s.TokenEnv))
	if s.Token == "" && !s.DryRun {
		return nil, fmt.Errorf("%w (env %s)", ErrMissingToken, s.TokenEnv)
	}

	globalChatEnv := orDefault(cfg.Telegram.ChatIDEnv, DefaultChatIDEnv)
	for i, src := range cfg.Sources {
		ss := SourceSettings{SourceConfig: src, Pull: src.PullEnabled()}
		if ss.ThreadID == 0 {
			ss.ThreadID = cfg.Telegram.ThreadID
		}
		env := globalChatEnv
		if strings.TrimSpace(src.ChatIDEnv) != "" {
			env = strings.TrimSpace(src.ChatIDEnv)
		}
		raw := strings.TrimSpace(getenv(env))
		switch {
		case raw == "" && s.DryRun:
		case raw == "":
			ss.Err = fmt.Errorf("sources[%d]: chat id env %s is not set", i, env)
		default:
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				ss.Err = fmt.Errorf("sources[%d]: chat id env %s: %w", i, env, err)
			}
			ss.ChatID = id
		}
		if ss.Err == nil {
			if fi, err := os.Stat(src.LocalPath); err != nil {
				ss.Err = fmt.Errorf("sources[%d].local_path: %w", i, err)
			} else if !fi.IsDir() {
				ss.Err = fmt.Errorf("sources[%d].local_path: %s is not a directory", i, src.LocalPath)
			}
		}
		s.Sources = append(s.Sources, ss)
	}
	return s, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
