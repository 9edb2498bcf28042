// Package report tallies one run of the pipeline and renders it as markdown
// or JSON for manual follow-up.
package report

import (
	"sort"
	"sync"
	"time"
)

const DefaultMaxPerGroup = 50

type Failure struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

type OrphanGroup struct {
	Group string   `json:"group"`
	Keys  []string `json:"keys"`
}

// Summary is a point-in-time copy of a Report.
type Summary struct {
	StartedAt   time.Time     `json:"started_at"`
	GeneratedAt time.Time     `json:"generated_at"`
	DryRun      bool          `json:"dry_run,omitempty"`
	Success     int           `json:"success"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Failures    []Failure     `json:"failures,omitempty"`
	Audited     bool          `json:"audited"`
	Scanned     int           `json:"scanned,omitempty"`
	Orphans     []OrphanGroup `json:"orphans,omitempty"`
}

// OrphanCount is the number of orphan keys over all groups.
func (s Summary) OrphanCount() int {
	n := 0
	for _, g := range s.Orphans {
		n += len(g.Keys)
	}
	return n
}

// Report is safe for concurrent use.
type Report struct {
	mu       sync.Mutex
	started  time.Time
	dryRun   bool
	success  int
	failed   int
	skipped  int
	failures []Failure
	audited  bool
	scanned  int
	orphans  map[string][]string
}

func New(dryRun bool) *Report {
	return &Report{started: time.Now(), dryRun: dryRun}
}

func (r *Report) RecordSuccess(key string) {
	_ = key
	r.mu.Lock()
	r.success++
	r.mu.Unlock()
}

func (r *Report) RecordFailure(key, reason string) {
	r.mu.Lock()
	r.failed++
	r.failures = append(r.failures, Failure{Key: key, Reason: reason})
	r.mu.Unlock()
}

func (r *Report) RecordSkip(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.skipped += n
	r.mu.Unlock()
}

// SetOrphans replaces the audit section. Keys within a group are sorted.
func (r *Report) SetOrphans(scanned int, groups map[string][]string) {
	cp := make(map[string][]string, len(groups))
	for g, keys := range groups {
		ks := append([]string(nil), keys...)
		sort.Strings(ks)
		cp[g] = ks
	}
	r.mu.Lock()
	r.audited = true
	r.scanned = scanned
	r.orphans = cp
	r.mu.Unlock()
}

func (r *Report) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		StartedAt:   r.started,
		GeneratedAt: time.Now(),
		DryRun:      r.dryRun,
		Success:     r.success,
		Failed:      r.failed,
		Skipped:     r.skipped,
		Failures:    append([]Failure(nil), r.failures...),
		Audited:     r.audited,
		Scanned:     r.scanned,
	}
	// newest group first
	groups := make([]string, 0, len(r.orphans))
	for g := range r.orphans {
		groups = append(groups, g)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(groups)))
	for _, g := range groups {
		s.Orphans = append(s.Orphans, OrphanGroup{Group: g, Keys: append([]string(nil), r.orphans[g]...)})
	}
	return s
}
