package textproc

import (
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/dlclark/regexp2"
)

// RecentSlots is the number of most recent log entries a combine reports.
const RecentSlots = 4

// CombineOptions configures one Combine call.
type CombineOptions struct {
	Separator      string
	RememberLog    bool
	MaxLog         int
	AllowDuplicate bool
	UseRegex       bool
	Remove         string
}

// CombineResult is the combined text plus a view of the log after it was recorded.
type CombineResult struct {
	Text   string
	Log    []string
	Recent [RecentSlots]string
	Oldest string
}

// Combiner joins texts and keeps a bounded history of its results. Not safe for concurrent use.
type Combiner struct {
	log    []string
	logger *slog.Logger
}

func NewCombiner(log *slog.Logger) *Combiner {
	return &Combiner{logger: logger(log)}
}

// Combine removes words (or regexes) from each text segment, joins the non-empty texts with
// the separator and collapses repeated separators.
func (c *Combiner) Combine(texts []string, opts CombineOptions) CombineResult {
	var patterns []*regexp2.Regexp
	if opts.UseRegex && opts.Remove != "" {
		patterns = CompilePatterns(opts.Remove, c.logger)
	}
	var words []string
	for _, w := range strings.Split(opts.Remove, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}

	var cleaned []string
	for _, text := range texts {
		parts := []string{text}
		if opts.Separator != "" {
			parts = strings.Split(text, opts.Separator)
		}
		for i, part := range parts {
			if len(patterns) > 0 {
				for _, re := range patterns {
					part = replaceAll(re, part, "", c.logger)
				}
			} else {
				for _, w := range words {
					part = strings.ReplaceAll(part, w, "")
				}
			}
			parts[i] = part
		}
		if joined := strings.Join(parts, opts.Separator); joined != "" {
			cleaned = append(cleaned, joined)
		}
	}

	combined := strings.Join(cleaned, opts.Separator)
	if opts.Separator != "" {
		combined = c.collapse(combined, opts.Separator)
		combined = strings.Trim(combined, opts.Separator)
	}

	res := CombineResult{Text: combined}
	if !opts.RememberLog {
		return res
	}
	if opts.AllowDuplicate || !slices.Contains(c.log, combined) {
		c.log = append(c.log, combined)
		if len(c.log) > max(opts.MaxLog, 0) {
			c.log = c.log[1:]
		}
	}
	res.Log = append([]string(nil), c.log...)
	for i := 0; i < RecentSlots && i < len(c.log); i++ {
		res.Recent[i] = c.log[len(c.log)-1-i]
	}
	if len(c.log) > 0 {
		res.Oldest = c.log[0]
	}
	return res
}

// Log returns a copy of the history, oldest first.
func (c *Combiner) Log() []string {
	return append([]string(nil), c.log...)
}

// collapse replaces runs of two or more separator characters, with the whitespace around them,
// by a single separator until none remain.
func (c *Combiner) collapse(s, sep string) string {
	var class strings.Builder
	for _, r := range sep {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			class.WriteByte('\\')
		}
		class.WriteRune(r)
	}
	re, err := regexp2.Compile(`(?<!\s)\s*[`+class.String()+`]{2,}\s*(?!\s)`, regexp2.None)
	if err != nil {
		c.logger.Warn("separator collapse pattern", "separator", sep, "error", err)
		return s
	}
	for {
		ok, err := re.MatchString(s)
		if err != nil || !ok {
			return s
		}
		next := replaceAll(re, s, strings.ReplaceAll(sep, "$", "$$"), c.logger)
		if next == s {
			return s
		}
		s = next
	}
}
