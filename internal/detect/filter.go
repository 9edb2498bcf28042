package detect

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DefaultExtensions are the content file extensions used when none are configured.
var DefaultExtensions = []string{".md"}

// Filter decides which relative paths are content and which are excluded by
// skip patterns. Patterns match anywhere in the path.
type Filter struct {
	skip []*regexp.Regexp
	exts []string
}

func NewFilter(skipPatterns, extensions []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range skipPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("skip pattern %q: %w", p, err)
		}
		f.skip = append(f.skip, re)
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.exts = append(f.exts, e)
	}
	return f, nil
}

// IsContent reports whether rel has one of the content extensions.
func (f *Filter) IsContent(rel string) bool {
	ext := strings.ToLower(path.Ext(rel))
	for _, e := range f.exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Skipped reports whether rel matches any skip pattern.
func (f *Filter) Skipped(rel string) bool {
	for _, re := range f.skip {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// ItemKey is the delivery-record key of a file in a source.
func ItemKey(source, rel string) string {
	return source + "/" + strings.TrimPrefix(rel, "/")
}
