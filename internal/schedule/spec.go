// Package schedule drives loop mode: it parses the configured interval and
// fires cycles on a robfig/cron scheduler, skipping a tick while the previous
// cycle is still running.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 5m" (prefix "cron:" forces it)
//   - Go duration: "5m", "1h30m"
//   - HH:MM interval: "00:05" is five minutes
//   - bare seconds: "300"
//
// "interval:" or "every:" forces interval parsing.
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	Raw   string
}

func (s Spec) String() string {
	if s.Kind == KindCron {
		return "cron(" + s.Cron + ")"
	}
	return "every " + s.Every.String()
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

func Parse(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Spec{Kind: KindCron, Cron: expr, Raw: raw}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(raw, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(raw, s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Spec{Kind: KindCron, Cron: s, Raw: raw}, nil
	}
	return intervalSpec(raw, s)
}

func intervalSpec(raw, v string) (Spec, error) {
	d, err := parseInterval(strings.TrimSpace(v))
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("minutes out of range in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, fmt.Errorf("use cron like '*/5 * * * *', HH:MM like '00:05', seconds or a duration like '5m'")
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
