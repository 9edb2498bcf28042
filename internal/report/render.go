package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Markdown renders s. Each orphan group lists at most maxPerGroup keys.
func Markdown(w io.Writer, s Summary, maxPerGroup int) error {
	if maxPerGroup <= 0 {
		maxPerGroup = DefaultMaxPerGroup
	}
	var b strings.Builder
	b.WriteString("# SecPoster run report\n\n")
	fmt.Fprintf(&b, "**Generated**: %s\n\n", s.GeneratedAt.Format("2006-01-02 15:04:05"))
	if s.DryRun {
		b.WriteString("> Dry run: nothing was sent and no state was written.\n\n")
	}

	b.WriteString("## 1. Summary\n\n")
	fmt.Fprintf(&b, "- ✅ **Sent**: %d\n", s.Success)
	fmt.Fprintf(&b, "- ❌ **Failed**: %d\n", s.Failed)
	fmt.Fprintf(&b, "- ⏭️ **Skipped/duplicate**: %d\n\n", s.Skipped)

	if len(s.Failures) > 0 {
		b.WriteString("## 2. Failures\n\n")
		for _, f := range s.Failures {
			if f.Reason != "" {
				fmt.Fprintf(&b, "- [ ] %s (%s)\n", f.Key, f.Reason)
			} else {
				fmt.Fprintf(&b, "- [ ] %s\n", f.Key)
			}
		}
		b.WriteString("\n")
	}

	if len(s.Orphans) > 0 {
		b.WriteString("## 3. Orphans\n\n")
		fmt.Fprintf(&b, "> %d files exist in the sources but have no delivery record (%d scanned).\n\n", s.OrphanCount(), s.Scanned)
		for _, g := range s.Orphans {
			fmt.Fprintf(&b, "### %s (%d)\n", g.Group, len(g.Keys))
			for i, k := range g.Keys {
				if i == maxPerGroup {
					fmt.Fprintf(&b, "- ... and %d more\n", len(g.Keys)-maxPerGroup)
					break
				}
				fmt.Fprintf(&b, "- %s\n", k)
			}
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func JSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteFiles writes the markdown report to mdPath and, when jsonPath is set,
// the JSON copy. Files are replaced atomically.
func WriteFiles(s Summary, mdPath, jsonPath string, maxPerGroup int) error {
	if mdPath != "" {
		if err := writeAtomic(mdPath, func(w io.Writer) error { return Markdown(w, s, maxPerGroup) }); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	if jsonPath != "" {
		if err := writeAtomic(jsonPath, func(w io.Writer) error { return JSON(w, s) }); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	return nil
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if err := fill(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
