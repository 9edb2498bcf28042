// Package content turns a changed document into a notification payload:
// a title derived from its directory layout, a year tag, a short body excerpt
// and the files to attach.
package content

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	logx "secposter/pkg/logx"
)

var (
	yearDir  = regexp.MustCompile(`^\d{4}$`)
	monthDir = regexp.MustCompile(`^\d{1,2}$`)
)

type Config struct {
	// SectionKeywords name the headings whose section becomes the body.
	SectionKeywords []string
	// PreviewChars is the excerpt length used when no keyword section exists.
	PreviewChars int
	MaxBody      int
	DefaultBody  string
}

func DefaultConfig() Config {
	return Config{
		SectionKeywords: []string{"漏洞复现", "POC", "EXP", "漏洞POC"},
		PreviewChars:    500,
		MaxBody:         1800,
		DefaultBody:     "New PoC Alert!",
	}
}

type Document struct {
	Title       string
	Tags        []string
	Body        string
	Attachments []string
	// Skip marks navigation pages; they are recorded but never sent.
	Skip bool
}

type Formatter struct {
	cfg     Config
	heading *regexp.Regexp
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Formatter, error) {
	d := DefaultConfig()
	if len(cfg.SectionKeywords) == 0 {
		cfg.SectionKeywords = d.SectionKeywords
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = d.PreviewChars
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = d.MaxBody
	}
	if cfg.DefaultBody == "" {
		cfg.DefaultBody = d.DefaultBody
	}
	alts := make([]string, 0, len(cfg.SectionKeywords))
	for _, k := range cfg.SectionKeywords {
		if k = strings.TrimSpace(k); k != "" {
			alts = append(alts, regexp.QuoteMeta(k))
		}
	}
	// longest first so "漏洞POC" wins over "POC"
	sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	re, err := regexp.Compile(`(?i)^(?:#+\s*|\*\*)(?:` + strings.Join(alts, "|") + `)`)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Formatter{cfg: cfg, heading: re, log: log}, nil
}

// Format describes the file at abs, whose slash-separated path inside its
// source is rel. An unreadable file still yields a document with the default body.
func (f *Formatter) Format(rel, abs string) Document {
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	stem := strings.TrimSuffix(parts[len(parts)-1], path.Ext(parts[len(parts)-1]))

	year := ""
	vulnDir := ""
	if len(parts) >= 2 {
		if yearDir.MatchString(parts[0]) {
			year = parts[0]
		}
		if parent := parts[len(parts)-2]; !monthDir.MatchString(parent) && !yearDir.MatchString(parent) {
			vulnDir = parent
		}
	}

	title := stem
	if vulnDir != "" {
		title = vulnDir
	}
	if year != "" && !strings.HasPrefix(title, year) {
		title = year + "-" + title
	}

	doc := Document{
		Title:       title,
		Body:        f.cfg.DefaultBody,
		Attachments: attachments(abs),
		Skip:        isNavigation(parts, stem),
	}
	if year != "" {
		doc.Tags = []string{year}
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		f.log.Warn("cannot read content; using default body", logx.String("path", abs), logx.Err(err))
		return doc
	}
	if body := f.excerpt(strings.ToValidUTF8(string(raw), "")); body != "" {
		doc.Body = body
	}
	return doc
}

func (f *Formatter) excerpt(text string) string {
	var out string
	if section, ok := f.section(text); ok {
		out = strings.TrimSpace(section)
	} else if rs := []rune(text); len(rs) > 200 {
		out = string(rs[:min(len(rs), f.cfg.PreviewChars)])
	} else {
		out = text
	}
	if rs := []rune(out); len(rs) > f.cfg.MaxBody {
		out = string(rs[:f.cfg.MaxBody]) + "\n... (see attachments)"
	}
	return out
}

// section returns the text after the first keyword heading, up to the next
// line that starts with '#'.
func (f *Formatter) section(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !f.heading.MatchString(line) {
			continue
		}
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(lines[j], "#") {
				end = j
				break
			}
		}
		return strings.Join(lines[i+1:end], "\n"), true
	}
	return "", false
}

// Navigation pages are README/index files at the source root or directly
// inside a year or month directory.
func isNavigation(parts []string, stem string) bool {
	switch strings.ToLower(stem) {
	case "readme", "index":
	default:
		return false
	}
	if len(parts) == 1 {
		return true
	}
	parent := parts[len(parts)-2]
	return yearDir.MatchString(parent) || monthDir.MatchString(parent)
}

// attachments is the document itself plus every PDF next to it.
func attachments(abs string) []string {
	out := []string{abs}
	entries, err := os.ReadDir(filepath.Dir(abs))
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			out = append(out, filepath.Join(filepath.Dir(abs), e.Name()))
		}
	}
	return out
}
