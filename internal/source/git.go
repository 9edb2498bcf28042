package source

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	logx "secposter/pkg/logx"
)

// Git is a Repository backed by a local clone.
type Git struct {
	root   string
	remote string
	repo   *git.Repository
	log    logx.Logger
}

// OpenGit opens the working copy at root. remote is the name pulled from
// (default "origin").
func OpenGit(root, remote string, log logx.Logger) (*Git, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", abs, err)
	}
	if remote == "" {
		remote = "origin"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Git{root: abs, remote: remote, repo: repo, log: log}, nil
}

func (g *Git) Root() string { return g.root }

func (g *Git) Head(ctx context.Context) (string, error) {
	_ = ctx
	ref, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("source: head: %w", err)
	}
	return ref.Hash().String(), nil
}

// Pull fast-forwards the working copy. A repository without the configured
// remote has nothing to pull and is not an error.
func (g *Git) Pull(ctx context.Context) error {
	if _, err := g.repo.Remote(g.remote); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			g.log.Debug("no remote configured; pull skipped", logx.String("remote", g.remote))
			return nil
		}
		return fmt.Errorf("source: remote %s: %w", g.remote, err)
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("source: worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: g.remote})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("source: pull %s: %w", g.remote, err)
	}
	return nil
}

// Diff lists paths changed between two commits. Renames are not detected:
// a rename shows up as a delete plus an add.
func (g *Git) Diff(ctx context.Context, from, to string) ([]Change, error) {
	if from == "" || to == "" {
		return nil, errEmptyRevision
	}
	if from == to {
		return nil, nil
	}
	a, err := g.tree(from)
	if err != nil {
		return nil, err
	}
	b, err := g.tree(to)
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, a, b, &object.DiffTreeOptions{DetectRenames: false})
	if err != nil {
		return nil, fmt.Errorf("source: diff %s..%s: %w", short(from), short(to), err)
	}

	out := make([]Change, 0, len(changes))
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("source: diff %s..%s: %w", short(from), short(to), err)
		}
		switch action {
		case merkletrie.Insert:
			out = append(out, Change{Path: ch.To.Name, Type: ChangeAdded})
		case merkletrie.Modify:
			out = append(out, Change{Path: ch.To.Name, Type: ChangeModified})
		case merkletrie.Delete:
			out = append(out, Change{Path: ch.From.Name, Type: ChangeDeleted})
		}
	}
	return out, nil
}

func (g *Git) Files(ctx context.Context) ([]string, error) {
	files, err := WalkFiles(ctx, g.root)
	if err != nil {
		return nil, fmt.Errorf("source: walk %s: %w", g.root, err)
	}
	return files, nil
}

func (g *Git) tree(rev string) (*object.Tree, error) {
	c, err := g.repo.CommitObject(plumbing.NewHash(rev))
	if err != nil {
		return nil, fmt.Errorf("source: commit %s: %w", short(rev), err)
	}
	t, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("source: tree %s: %w", short(rev), err)
	}
	return t, nil
}

func short(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
