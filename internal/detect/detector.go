package detect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"secposter/internal/source"
	logx "secposter/pkg/logx"
)

// ErrSourceAccess marks failures to reach or read the content source. The
// revision pointer is never moved when it is returned.
var ErrSourceAccess = errors.New("source access failed")

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeAll         Mode = "all"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeAll, "full":
		return ModeAll, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want incremental|all)", s)
	}
}

// State is the part of the state store the detector needs.
type State interface {
	IsDelivered(ctx context.Context, key string) (bool, error)
	GetRevision(ctx context.Context, source string) (string, bool, error)
	SetRevision(ctx context.Context, source, token string) error
}

type Candidate struct {
	Key      string
	Source   string
	RelPath  string
	AbsPath  string
	Revision string
}

// Plan is the fully computed outcome of one detection pass.
type Plan struct {
	Source     string
	Mode       Mode
	Bootstrap  bool
	From       string
	To         string
	Candidates []Candidate
	// Delivered counts content files dropped because a delivery record exists.
	Delivered int
	// Ignored counts content files matching a skip pattern.
	Ignored int
}

// Handoff receives the candidates of a plan. Returning an error keeps the
// revision pointer where it was.
type Handoff func(ctx context.Context, candidates []Candidate) error

type Config struct {
	Name         string
	SkipPatterns []string
	Extensions   []string
	// Pull syncs the working copy before an incremental diff.
	Pull bool
	// ReadOnly never writes the revision pointer (dry runs).
	ReadOnly bool
}

type Detector struct {
	name     string
	pull     bool
	readOnly bool
	filter   *Filter
	repo     source.Repository
	state    State
	log      logx.Logger
}

func New(cfg Config, repo source.Repository, state State, log logx.Logger) (*Detector, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("detect: source name is required")
	}
	if repo == nil || state == nil {
		return nil, errors.New("detect: repository and state are required")
	}
	f, err := NewFilter(cfg.SkipPatterns, cfg.Extensions)
	if err != nil {
		return nil, fmt.Errorf("detect: %s: %w", name, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{
		name:     name,
		pull:     cfg.Pull,
		readOnly: cfg.ReadOnly,
		filter:   f,
		repo:     repo,
		state:    state,
		log:      log.With(logx.String("source", name)),
	}, nil
}

func (d *Detector) Name() string    { return d.name }
func (d *Detector) Filter() *Filter { return d.filter }

// FullScan enumerates every content file of the working copy.
func (d *Detector) FullScan(ctx context.Context) (Plan, error) {
	plan := Plan{Source: d.name, Mode: ModeAll}
	head, err := d.repo.Head(ctx)
	if err != nil {
		return plan, d.accessErr("head", err)
	}
	plan.To = head

	files, err := d.repo.Files(ctx)
	if err != nil {
		return plan, d.accessErr("list files", err)
	}
	if err := d.collect(ctx, &plan, files); err != nil {
		return plan, err
	}
	d.log.Info("full scan done",
		logx.Int("candidates", len(plan.Candidates)),
		logx.Int("delivered", plan.Delivered),
		logx.Int("ignored", plan.Ignored),
	)
	return plan, nil
}

// Incremental computes the delta between the stored pointer and the head.
// Without a stored pointer the plan is a bootstrap: no candidates, To = head.
func (d *Detector) Incremental(ctx context.Context) (Plan, error) {
	plan := Plan{Source: d.name, Mode: ModeIncremental}

	from, ok, err := d.state.GetRevision(ctx, d.name)
	if err != nil {
		return plan, err
	}
	if !ok {
		head, err := d.repo.Head(ctx)
		if err != nil {
			return plan, d.accessErr("head", err)
		}
		plan.Bootstrap = true
		plan.To = head
		return plan, nil
	}
	plan.From = from

	if d.pull {
		if err := d.repo.Pull(ctx); err != nil {
			return plan, d.accessErr("pull", err)
		}
	}
	head, err := d.repo.Head(ctx)
	if err != nil {
		return plan, d.accessErr("head", err)
	}
	plan.To = head
	if from == head {
		d.log.Debug("no new revision", logx.String("head", short(head)))
		return plan, nil
	}

	changes, err := d.repo.Diff(ctx, from, head)
	if err != nil {
		return plan, d.accessErr("diff", err)
	}
	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		if ch.Type == source.ChangeAdded || ch.Type == source.ChangeModified {
			paths = append(paths, ch.Path)
		}
	}
	sort.Strings(paths)
	if err := d.collect(ctx, &plan, paths); err != nil {
		return plan, err
	}
	d.log.Info("revision delta computed",
		logx.String("from", short(from)),
		logx.String("to", short(head)),
		logx.Int("changes", len(changes)),
		logx.Int("candidates", len(plan.Candidates)),
	)
	return plan, nil
}

// Advance stores plan.To as the revision pointer. Full-scan plans leave the
// pointer alone.
func (d *Detector) Advance(ctx context.Context, plan Plan) error {
	if d.readOnly || plan.Mode != ModeIncremental || plan.To == "" || plan.To == plan.From {
		return nil
	}
	if err := d.state.SetRevision(ctx, d.name, plan.To); err != nil {
		return err
	}
	if plan.Bootstrap {
		d.log.Info("baseline revision recorded", logx.String("head", short(plan.To)))
	} else {
		d.log.Debug("revision pointer advanced", logx.String("to", short(plan.To)))
	}
	return nil
}

// Detect computes a plan in memory, hands every candidate off, and only then
// advances the pointer.
func (d *Detector) Detect(ctx context.Context, mode Mode, handoff Handoff) (Plan, error) {
	var (
		plan Plan
		err  error
	)
	switch mode {
	case ModeAll:
		plan, err = d.FullScan(ctx)
	default:
		plan, err = d.Incremental(ctx)
	}
	if err != nil {
		return plan, err
	}
	if len(plan.Candidates) > 0 && handoff != nil {
		if err := handoff(ctx, plan.Candidates); err != nil {
			return plan, fmt.Errorf("detect: %s: handoff: %w", d.name, err)
		}
	}
	if err := d.Advance(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

func (d *Detector) collect(ctx context.Context, plan *Plan, rels []string) error {
	root := d.repo.Root()
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.filter.IsContent(rel) {
			continue
		}
		if d.filter.Skipped(rel) {
			plan.Ignored++
			d.log.Trace("skip pattern matched", logx.String("path", rel))
			continue
		}
		key := ItemKey(d.name, rel)
		done, err := d.state.IsDelivered(ctx, key)
		if err != nil {
			return err
		}
		if done {
			plan.Delivered++
			continue
		}
		plan.Candidates = append(plan.Candidates, Candidate{
			Key:      key,
			Source:   d.name,
			RelPath:  rel,
			AbsPath:  filepath.Join(root, filepath.FromSlash(rel)),
			Revision: plan.To,
		})
	}
	return nil
}

func (d *Detector) accessErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %s: %w", ErrSourceAccess, d.name, op, err)
}

func short(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
