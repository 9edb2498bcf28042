// Package audit reconciles source inventories with the delivery records and
// reports orphans: content files that exist but were never delivered.
// Orphans are informational; nothing here enqueues work.
package audit

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"secposter/internal/detect"
	logx "secposter/pkg/logx"
)

const DefaultGroupPattern = `^\d{4}$`

// Inventory lists the files of one source (relative, slash-separated).
type Inventory interface {
	Files(ctx context.Context) ([]string, error)
}

// Ledger is the delivered-set of the state store.
type Ledger interface {
	ListDelivered(ctx context.Context) (map[string]struct{}, error)
}

type Source struct {
	Name      string
	Inventory Inventory
	Filter    *detect.Filter
}

type Result struct {
	Scanned int
	// Orphans maps a top-level group (e.g. a year) to sorted item keys.
	Orphans   map[string][]string
	PerSource map[string]int
}

func (r Result) Total() int {
	n := 0
	for _, keys := range r.Orphans {
		n += len(keys)
	}
	return n
}

type Auditor struct {
	group  *regexp.Regexp
	ledger Ledger
	log    logx.Logger
}

// New builds an auditor that only scans top-level directories matching
// groupPattern (default: four-digit years).
func New(groupPattern string, ledger Ledger, log logx.Logger) (*Auditor, error) {
	if strings.TrimSpace(groupPattern) == "" {
		groupPattern = DefaultGroupPattern
	}
	re, err := regexp.Compile(groupPattern)
	if err != nil {
		return nil, fmt.Errorf("audit: group pattern: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Auditor{group: re, ledger: ledger, log: log}, nil
}

// Audit scans every source. A source that cannot be listed is reported in the
// returned error while the others are still audited.
func (a *Auditor) Audit(ctx context.Context, sources []Source) (Result, error) {
	res := Result{Orphans: map[string][]string{}, PerSource: map[string]int{}}

	delivered, err := a.ledger.ListDelivered(ctx)
	if err != nil {
		return res, err
	}

	var errs []error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		files, err := src.Inventory.Files(ctx)
		if err != nil {
			a.log.Warn("audit: source not listable", logx.String("source", src.Name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%w: %s: %w", detect.ErrSourceAccess, src.Name, err))
			continue
		}
		res.PerSource[src.Name] = 0
		for _, rel := range files {
			group, ok := a.groupOf(rel)
			if !ok || !src.Filter.IsContent(rel) || src.Filter.Skipped(rel) {
				continue
			}
			res.Scanned++
			key := detect.ItemKey(src.Name, rel)
			if _, done := delivered[key]; done {
				continue
			}
			res.Orphans[group] = append(res.Orphans[group], key)
			res.PerSource[src.Name]++
		}
	}
	for g := range res.Orphans {
		sort.Strings(res.Orphans[g])
	}
	a.log.Info("audit finished", logx.Int("scanned", res.Scanned), logx.Int("orphans", res.Total()))
	return res, errors.Join(errs...)
}

func (a *Auditor) groupOf(rel string) (string, bool) {
	first, rest, ok := strings.Cut(rel, "/")
	if !ok || rest == "" || !a.group.MatchString(first) {
		return "", false
	}
	return first, true
}
