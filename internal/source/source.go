// Package source is the content source collaborator: a local git working copy
// that can report its head, be pulled, and be diffed between two revisions.
package source

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "A"
	ChangeModified ChangeType = "M"
	ChangeDeleted  ChangeType = "D"
)

// Change is one path touched between two revisions. Path is relative to the
// repository root and always slash-separated.
type Change struct {
	Path string
	Type ChangeType
}

// Repository is what the detector and the auditor need from a source.
type Repository interface {
	Root() string
	Head(ctx context.Context) (string, error)
	// Pull syncs the working copy with its upstream. It may fail transiently.
	Pull(ctx context.Context) error
	Diff(ctx context.Context, from, to string) ([]Change, error)
	// Files lists every file of the working copy (relative, slash-separated),
	// skipping version-control metadata.
	Files(ctx context.Context) ([]string, error)
}

// WalkFiles lists files under root, skipping .git directories.
func WalkFiles(ctx context.Context, root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

var errEmptyRevision = errors.New("source: empty revision")
