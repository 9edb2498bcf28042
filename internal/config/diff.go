package config

import (
	"reflect"
	"sort"
	"strings"

	logx "secposter/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections, safe log
// fields (never secrets) and the names of sources that were added, removed
// or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.App, newCfg.App) {
		changed = append(changed, "app")
		attrs = append(attrs,
			logx.String("app.mode", newCfg.App.Mode),
			logx.String("app.interval", newCfg.App.Interval),
			logx.Bool("app.dry_run", newCfg.App.DryRun),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.forum_topics", newCfg.Telegram.ForumTopics),
			logx.Int("telegram.thread_id", newCfg.Telegram.ThreadID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.base_delay", newCfg.Delivery.BaseDelay),
			logx.String("delivery.spacing", newCfg.Delivery.Spacing),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	// Token presence only.
	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om.Enabled != nm.Enabled || om.Addr != nm.Addr || om.PprofPrefix != nm.PprofPrefix ||
		om.AllowInsecure != nm.AllowInsecure || om.ReadTimeout != nm.ReadTimeout ||
		om.WriteTimeout != nm.WriteTimeout || om.IdleTimeout != nm.IdleTimeout ||
		(om.Token != "") != (nm.Token != "") {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", nm.Addr),
			logx.Bool("metrics.token_set", nm.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Audit, newCfg.Audit) {
		changed = append(changed, "audit")
		attrs = append(attrs, logx.Bool("audit.enabled", newCfg.Audit.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Content, newCfg.Content) {
		changed = append(changed, "content")
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
	}

	sources := diffSources(oldCfg.Sources, newCfg.Sources)
	if len(sources) > 0 {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Int("sources.changed_count", len(sources)),
			logx.Int("sources.count", len(newCfg.Sources)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, sources
}

func diffSources(oldS, newS []SourceConfig) []string {
	index := func(in []SourceConfig) map[string]SourceConfig {
		m := make(map[string]SourceConfig, len(in))
		for _, s := range in {
			m[s.Name] = s
		}
		return m
	}
	om, nm := index(oldS), index(newS)

	var out []string
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
