package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "secposter/pkg/logx"
)

type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	wt   *git.Worktree
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &testRepo{t: t, dir: dir, repo: repo, wt: wt}
}

func (r *testRepo) write(rel, body string) {
	r.t.Helper()
	p := filepath.Join(r.dir, filepath.FromSlash(rel))
	require.NoError(r.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(r.t, os.WriteFile(p, []byte(body), 0o644))
	_, err := r.wt.Add(rel)
	require.NoError(r.t, err)
}

func (r *testRepo) remove(rel string) {
	r.t.Helper()
	_, err := r.wt.Remove(rel)
	require.NoError(r.t, err)
}

func (r *testRepo) commit(msg string) string {
	r.t.Helper()
	h, err := r.wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(r.t, err)
	return h.String()
}

func changesByPath(cs []Change) map[string]ChangeType {
	out := make(map[string]ChangeType, len(cs))
	for _, c := range cs {
		out[c.Path] = c.Type
	}
	return out
}

func TestGit_HeadAndDiff(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	r.write("2025/CVE-2025-0001/README.md", "one")
	r.write("2025/CVE-2025-0002/README.md", "two")
	c1 := r.commit("c1")

	r.write("2025/CVE-2025-0001/README.md", "one, edited")
	r.write("2025/CVE-2025-0003/README.md", "three")
	r.remove("2025/CVE-2025-0002/README.md")
	c2 := r.commit("c2")

	g, err := OpenGit(r.dir, "", logx.Nop())
	require.NoError(t, err)

	head, err := g.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, c2, head)

	changes, err := g.Diff(ctx, c1, c2)
	require.NoError(t, err)
	assert.Equal(t, map[string]ChangeType{
		"2025/CVE-2025-0001/README.md": ChangeModified,
		"2025/CVE-2025-0002/README.md": ChangeDeleted,
		"2025/CVE-2025-0003/README.md": ChangeAdded,
	}, changesByPath(changes))

	same, err := g.Diff(ctx, c2, c2)
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestGit_DiffUnknownRevision(t *testing.T) {
	r := newTestRepo(t)
	r.write("a.md", "a")
	c1 := r.commit("c1")

	g, err := OpenGit(r.dir, "origin", logx.Nop())
	require.NoError(t, err)
	_, err = g.Diff(context.Background(), "0000000000000000000000000000000000000001", c1)
	assert.Error(t, err)
	_, err = g.Diff(context.Background(), "", c1)
	assert.Error(t, err)
}

func TestGit_PullWithoutRemoteIsNoop(t *testing.T) {
	r := newTestRepo(t)
	r.write("a.md", "a")
	r.commit("c1")

	g, err := OpenGit(r.dir, "origin", logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, g.Pull(context.Background()))
}

func TestGit_FilesSkipsGitMetadata(t *testing.T) {
	r := newTestRepo(t)
	r.write("2024/x/README.md", "x")
	r.write("notes.txt", "n")
	r.commit("c1")

	g, err := OpenGit(r.dir, "", logx.Nop())
	require.NoError(t, err)
	files, err := g.Files(context.Background())
	require.NoError(t, err)
	assert.True(t, sort.StringsAreSorted(files))
	assert.Equal(t, []string{"2024/x/README.md", "notes.txt"}, files)
}

func TestOpenGit_NotARepository(t *testing.T) {
	_, err := OpenGit(t.TempDir(), "", logx.Nop())
	assert.Error(t, err)
}
