package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReport_ConcurrentTallies(t *testing.T) {
	r := New(false)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				r.RecordSuccess(fmt.Sprint(i))
			case 1:
				r.RecordFailure(fmt.Sprint(i), "boom")
			default:
				r.RecordSkip(1)
			}
		}(i)
	}
	wg.Wait()

	s := r.Snapshot()
	assert.Equal(t, 17, s.Success)
	assert.Equal(t, 17, s.Failed)
	assert.Equal(t, 16, s.Skipped)
	assert.Len(t, s.Failures, 17)
}

func TestMarkdown_CapsOrphanGroups(t *testing.T) {
	r := New(false)
	r.RecordFailure("src/2025/a/a.md", "retries exhausted")
	keys := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		keys = append(keys, fmt.Sprintf("src/2024/%d/x.md", i))
	}
	r.SetOrphans(20, map[string][]string{"2024": keys, "2025": {"src/2025/b/b.md"}})

	var buf bytes.Buffer
	require.NoError(t, Markdown(&buf, r.Snapshot(), 5))
	out := buf.String()

	assert.Contains(t, out, "- [ ] src/2025/a/a.md (retries exhausted)")
	assert.Contains(t, out, "### 2024 (7)")
	assert.Contains(t, out, "- ... and 2 more")
	assert.NotContains(t, out, "src/2024/6/x.md")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("### 2025")), bytes.Index(buf.Bytes(), []byte("### 2024")))
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	r := New(true)
	r.RecordSuccess("k")
	md := filepath.Join(dir, "out", "report_latest.md")
	js := filepath.Join(dir, "out", "report_latest.json")
	require.NoError(t, WriteFiles(r.Snapshot(), md, js, 0))

	b, err := os.ReadFile(md)
	require.NoError(t, err)
	assert.Contains(t, string(b), "**Sent**: 1")
	assert.Contains(t, string(b), "Dry run")

	raw, err := os.ReadFile(js)
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, 1, s.Success)
	assert.True(t, s.DryRun)
}
