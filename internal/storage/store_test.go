package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "secposter/pkg/logx"
)

func openTestStore(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	return st
}

func drivers() []string { return []string{"sqlite", "file"} }

func TestStore_MarkDeliveredSurvivesReopen(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", "data.db")

			st := openTestStore(t, driver, path)
			ok, err := st.IsDelivered(ctx, "src/2025/CVE-X/report.md")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.MarkDelivered(ctx, "src/2025/CVE-X/report.md"))
			ok, err = st.IsDelivered(ctx, "src/2025/CVE-X/report.md")
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, st.Close())

			st = openTestStore(t, driver, path)
			defer st.Close()
			ok, err = st.IsDelivered(ctx, "src/2025/CVE-X/report.md")
			require.NoError(t, err)
			assert.True(t, ok, "delivery record must survive restart")

			rec, found, err := st.Lookup(ctx, "src/2025/CVE-X/report.md")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, StatusSent, rec.Status)
			assert.False(t, rec.SentAt.IsZero())
		})
	}
}

func TestStore_MarkDeliveredIsIdempotent(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openTestStore(t, driver, filepath.Join(t.TempDir(), "data.db"))
			defer st.Close()

			for i := 0; i < 3; i++ {
				require.NoError(t, st.MarkDelivered(ctx, "wiki/a.md"))
			}
			all, err := st.ListDelivered(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
			assert.Contains(t, all, "wiki/a.md")
		})
	}
}

func TestStore_RevisionPointer(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "data.db")
			st := openTestStore(t, driver, path)

			_, ok, err := st.GetRevision(ctx, "wiki")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.SetRevision(ctx, "wiki", "c1"))
			require.NoError(t, st.SetRevision(ctx, "wiki", "c2"))
			require.NoError(t, st.SetRevision(ctx, "other", "x9"))
			require.NoError(t, st.Close())

			st = openTestStore(t, driver, path)
			defer st.Close()
			tok, ok, err := st.GetRevision(ctx, "wiki")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "c2", tok)

			tok, _, err = st.GetRevision(ctx, "other")
			require.NoError(t, err)
			assert.Equal(t, "x9", tok)
		})
	}
}

func TestStore_Forget(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "data.db")
			st := openTestStore(t, driver, path)

			require.NoError(t, st.MarkDelivered(ctx, "wiki/a.md"))
			removed, err := st.Forget(ctx, "wiki/a.md")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = st.Forget(ctx, "wiki/a.md")
			require.NoError(t, err)
			assert.False(t, removed)
			require.NoError(t, st.Close())

			st = openTestStore(t, driver, path)
			defer st.Close()
			ok, err := st.IsDelivered(ctx, "wiki/a.md")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_ConcurrentMarks(t *testing.T) {
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openTestStore(t, driver, filepath.Join(t.TempDir(), "data.db"))
			defer st.Close()

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, st.MarkDelivered(ctx, fmt.Sprintf("wiki/%02d.md", i)))
					assert.NoError(t, st.SetRevision(ctx, fmt.Sprintf("src%d", i%3), "c"))
				}(i)
			}
			wg.Wait()

			all, err := st.ListDelivered(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 20)
		})
	}
}

func TestFileStore_TornJournalTailDoesNotSwallowLaterRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	st := openTestStore(t, "file", path)
	require.NoError(t, st.MarkDelivered(ctx, "src/a.md"))
	require.NoError(t, st.Close())

	// A crash mid-write leaves a partial record without a newline.
	journal := filepath.Join(dir, "data.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"mark","key":"src/b`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st = openTestStore(t, "file", path)
	require.NoError(t, st.MarkDelivered(ctx, "src/c.md"))
	require.NoError(t, st.Close())

	st = openTestStore(t, "file", path)
	defer st.Close()
	for key, want := range map[string]bool{"src/a.md": true, "src/b": false, "src/c.md": true} {
		ok, err := st.IsDelivered(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, ok, key)
	}
}

func TestStore_ClosedReturnsError(t *testing.T) {
	st := openTestStore(t, "file", filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, st.Close())

	_, err := st.IsDelivered(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.MarkDelivered(context.Background(), "k"), ErrClosed)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "pebble", Path: "x"}, logx.Nop())
	assert.Error(t, err)
}
