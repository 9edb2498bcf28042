package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"secposter/internal/audit"
	"secposter/internal/config"
	"secposter/internal/content"
	"secposter/internal/delivery"
	"secposter/internal/detect"
	"secposter/internal/observability/metrics"
	"secposter/internal/source"
	"secposter/internal/storage"
	"secposter/internal/transport/telegram"
	logx "secposter/pkg/logx"
)

// sourceRuntime is one configured source ready to be scanned.
type sourceRuntime struct {
	cfg      config.SourceSettings
	repo     *source.Git
	detector *detect.Detector
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(s *config.Settings) storage.Config {
	return storage.Config{Driver: s.StorageDriver, Path: s.StoragePath, BusyTimeout: s.BusyTimeout}
}

func mapDelivery(s *config.Settings) delivery.Config {
	return delivery.Config{
		MaxRetries:    s.MaxRetries,
		BaseDelay:     s.BaseDelay,
		BackoffFactor: s.BackoffFactor,
		MaxDelay:      s.MaxDelay,
		Spacing:       s.Spacing,
	}
}

func mapTelegram(s *config.Settings) telegram.Config {
	return telegram.Config{
		Token:          s.Token,
		Timeout:        s.Timeout,
		ParseMode:      s.ParseMode,
		DisablePreview: s.DisablePreview,
		ForumTopics:    s.ForumTopics,
	}
}

func mapContent(cfg *config.Config) content.Config {
	c := content.DefaultConfig()
	if len(cfg.Content.SectionKeywords) > 0 {
		c.SectionKeywords = cfg.Content.SectionKeywords
	}
	if cfg.Content.PreviewChars > 0 {
		c.PreviewChars = cfg.Content.PreviewChars
	}
	if cfg.Content.MaxBody > 0 {
		c.MaxBody = cfg.Content.MaxBody
	}
	if strings.TrimSpace(cfg.Content.DefaultBody) != "" {
		c.DefaultBody = cfg.Content.DefaultBody
	}
	return c
}

func mapMetricsServer(cfg *config.Config, s *config.Settings) metrics.ServerConfig {
	return metrics.ServerConfig{
		Enabled:       cfg.Metrics.Enabled,
		Addr:          cfg.Metrics.Addr,
		PprofPrefix:   cfg.Metrics.PprofPrefix,
		Token:         cfg.Metrics.Token,
		AllowInsecure: cfg.Metrics.AllowInsecure,
		ReadTimeout:   s.ReadTimeout,
		WriteTimeout:  s.WriteTimeout,
		IdleTimeout:   s.IdleTimeout,
	}
}

func auditGroupPattern(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Audit.GroupPattern); p != "" {
		return p
	}
	return audit.DefaultGroupPattern
}

// buildSources opens a working copy and detector per usable source. A
// source that cannot be opened is logged and left out of the run.
func buildSources(s *config.Settings, state detect.State, log logx.Logger) []*sourceRuntime {
	out := make([]*sourceRuntime, 0, len(s.Sources))
	for _, sc := range s.Sources {
		slog := log.With(logx.String("source", sc.Name))
		if sc.Err != nil {
			slog.Error("source skipped for this run", logx.Err(sc.Err))
			continue
		}
		rt, err := openSource(sc, s.DryRun, state, log)
		if err != nil {
			slog.Error("source skipped for this run", logx.Err(err))
			continue
		}
		out = append(out, rt)
	}
	return out
}

func openSource(sc config.SourceSettings, readOnly bool, state detect.State, log logx.Logger) (*sourceRuntime, error) {
	root, err := filepath.Abs(sc.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("local_path: %w", err)
	}
	repo, err := source.OpenGit(root, sc.Remote, log.With(logx.String("comp", "git"), logx.String("source", sc.Name)))
	if err != nil {
		return nil, err
	}
	det, err := detect.New(detect.Config{
		Name:         sc.Name,
		SkipPatterns: sc.SkipPatterns,
		Extensions:   sc.Extensions,
		Pull:         sc.Pull,
		ReadOnly:     readOnly,
	}, repo, state, log.With(logx.String("comp", "detect")))
	if err != nil {
		return nil, err
	}
	return &sourceRuntime{cfg: sc, repo: repo, detector: det}, nil
}

// OpenStore opens the state store named by the config file at path. It
// needs no secrets and touches no source.
func OpenStore(path string, log logx.Logger) (storage.Store, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.App.DryRun = true
	s, err := config.Resolve(cfg, func(string) string { return "" })
	if err != nil {
		return nil, err
	}
	return storage.Open(mapStorage(s), log)
}
