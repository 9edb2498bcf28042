package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validate checks the structure of cfg. Every problem is reported with its
// field path; environment lookups are left to Resolve.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(path, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.App.Mode)) {
	case "", "incremental", "all", "full":
	default:
		add("app.mode", "unknown mode %q", cfg.App.Mode)
	}
	dur("app.drain_timeout", cfg.App.DrainTimeout)
	dur("telegram.timeout", cfg.Telegram.Timeout)

	if len(cfg.Sources) == 0 {
		add("sources", "at least one source is required")
	}
	seen := map[string]int{}
	for i, s := range cfg.Sources {
		p := fmt.Sprintf("sources[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add(p+".name", "required")
		case strings.Contains(name, "/"):
			add(p+".name", "must not contain '/'")
		default:
			if j, dup := seen[name]; dup {
				add(p+".name", "duplicate of sources[%d]", j)
			}
			seen[name] = i
		}
		if strings.TrimSpace(s.LocalPath) == "" {
			add(p+".local_path", "required")
		}
		for k, pat := range s.SkipPatterns {
			if _, err := regexp.Compile(pat); err != nil {
				add(fmt.Sprintf("%s.skip_patterns[%d]", p, k), "%v", err)
			}
		}
		for k, ext := range s.Extensions {
			if !strings.HasPrefix(ext, ".") {
				add(fmt.Sprintf("%s.extensions[%d]", p, k), "must start with '.'")
			}
		}
	}

	d := cfg.Delivery
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		add("delivery.max_retries", "must be >= 0")
	}
	if d.BackoffFactor != 0 && d.BackoffFactor < 1 {
		add("delivery.backoff_factor", "must be >= 1")
	}
	dur("delivery.base_delay", d.BaseDelay)
	dur("delivery.max_delay", d.MaxDelay)
	if _, err := parseSignedDuration("delivery.spacing", d.Spacing); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file":
	default:
		add("storage.driver", "unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("metrics.read_timeout", cfg.Metrics.ReadTimeout)
	dur("metrics.write_timeout", cfg.Metrics.WriteTimeout)
	dur("metrics.idle_timeout", cfg.Metrics.IdleTimeout)

	if p := cfg.Audit.GroupPattern; p != "" {
		if _, err := regexp.Compile(p); err != nil {
			add("audit.group_pattern", "%v", err)
		}
	}
	if cfg.Audit.MaxPerGroup < 0 {
		add("audit.max_per_group", "must be >= 0")
	}
	if cfg.Content.PreviewChars < 0 {
		add("content.preview_chars", "must be >= 0")
	}
	if cfg.Content.MaxBody < 0 {
		add("content.max_body", "must be >= 0")
	}
	return errors.Join(errs...)
}
