package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secposter/internal/detect"
	logx "secposter/pkg/logx"
)

type listing []string

func (l listing) Files(context.Context) ([]string, error) { return l, nil }

type brokenListing struct{}

func (brokenListing) Files(context.Context) ([]string, error) { return nil, errors.New("gone") }

type ledger map[string]struct{}

func (l ledger) ListDelivered(context.Context) (map[string]struct{}, error) { return l, nil }

func filter(t *testing.T, skip ...string) *detect.Filter {
	t.Helper()
	f, err := detect.NewFilter(skip, nil)
	require.NoError(t, err)
	return f
}

func TestAudit_ReportsOnlyUndelivered(t *testing.T) {
	a, err := New("", ledger{"src/2025/A/A.md": {}}, logx.Nop())
	require.NoError(t, err)

	res, err := a.Audit(context.Background(), []Source{{
		Name:      "src",
		Inventory: listing{"2025/A/A.md", "2025/B/B.md", "2025/C/C.md"},
		Filter:    filter(t, `/C/`),
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"2025": {"src/2025/B/B.md"}}, res.Orphans)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Total())
	assert.Equal(t, 1, res.PerSource["src"])
}

func TestAudit_ScopesToGroupDirectories(t *testing.T) {
	a, err := New("", ledger{}, logx.Nop())
	require.NoError(t, err)

	res, err := a.Audit(context.Background(), []Source{{
		Name: "src",
		Inventory: listing{
			"README.md", "docs/guide.md", "2024/x/x.md", "2024/x/x.pdf", "2025/y.md", "20251/z/z.md",
		},
		Filter: filter(t),
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"2024": {"src/2024/x/x.md"},
		"2025": {"src/2025/y.md"},
	}, res.Orphans)
}

func TestAudit_KeepsGoingPastBrokenSource(t *testing.T) {
	a, err := New("", ledger{}, logx.Nop())
	require.NoError(t, err)

	res, err := a.Audit(context.Background(), []Source{
		{Name: "broken", Inventory: brokenListing{}, Filter: filter(t)},
		{Name: "ok", Inventory: listing{"2023/a/a.md"}, Filter: filter(t)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, detect.ErrSourceAccess)
	assert.Equal(t, []string{"ok/2023/a/a.md"}, res.Orphans["2023"])
}

func TestNew_BadGroupPattern(t *testing.T) {
	_, err := New("(", ledger{}, logx.Nop())
	assert.Error(t, err)
}
