// Package textproc holds the prompt text utilities: segment cleanup, combining with a
// history log, random synonym replacement and text file selection.
package textproc

import (
	"log/slog"
	"strings"

	"github.com/dlclark/regexp2"
)

var (
	multiSpace  = regexp2.MustCompile(` +`, regexp2.None)
	commaSpaces = regexp2.MustCompile(`\s*,\s*`, regexp2.None)
	multiComma  = regexp2.MustCompile(`,+`, regexp2.None)
	edgeComma   = regexp2.MustCompile(`^,|,$`, regexp2.None)
	commaNoGap  = regexp2.MustCompile(`,(?=[^\s])`, regexp2.None)
)

// ReplaceSpec replaces every match of any of its patterns with Replacement.
type ReplaceSpec struct {
	Replacement string
	Patterns    []*regexp2.Regexp
}

// CompilePatterns compiles a comma separated pattern list, logging and skipping invalid ones.
func CompilePatterns(list string, log *slog.Logger) []*regexp2.Regexp {
	var out []*regexp2.Regexp
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp2.Compile(p, regexp2.None)
		if err != nil {
			logger(log).Warn("invalid remove pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// ParseReplaceSpecs reads "replacement, pattern, pattern..." lines. A line with an invalid
// pattern is dropped whole.
func ParseReplaceSpecs(text string, log *slog.Logger) []ReplaceSpec {
	var specs []ReplaceSpec
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		spec := ReplaceSpec{Replacement: strings.TrimSpace(parts[0])}
		ok := true
		for _, p := range parts[1:] {
			re, err := regexp2.Compile(strings.TrimSpace(p), regexp2.None)
			if err != nil {
				logger(log).Warn("invalid replace pattern", "line", line, "error", err)
				ok = false
				break
			}
			spec.Patterns = append(spec.Patterns, re)
		}
		if ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Process splits text on separator, strips each segment, removes and replaces patterns,
// rejoins and normalizes comma spacing. A blank separator processes the text as one segment.
func Process(text, separator, removePatterns, replaceSpecs string, log *slog.Logger) string {
	if text == "" {
		return ""
	}
	remove := CompilePatterns(removePatterns, log)
	replace := ParseReplaceSpecs(replaceSpecs, log)

	split := strings.TrimSpace(separator) != ""
	segments := []string{text}
	if split {
		segments = strings.Split(text, separator)
	}
	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		for _, re := range remove {
			seg = replaceAll(re, seg, "", log)
		}
		for _, spec := range replace {
			for _, re := range spec.Patterns {
				seg = replaceAll(re, seg, spec.Replacement, log)
			}
		}
		segments[i] = seg
	}

	joined := strings.Join(segments, "")
	if split {
		joined = strings.Join(segments, separator)
	}
	return NormalizeCommas(joined)
}

// NormalizeCommas collapses runs of spaces and commas and leaves exactly ", " between items.
func NormalizeCommas(s string) string {
	s = replaceAll(multiSpace, s, " ", nil)
	s = replaceAll(commaSpaces, s, ",", nil)
	s = replaceAll(multiComma, s, ",", nil)
	s = replaceAll(edgeComma, s, "", nil)
	s = replaceAll(commaNoGap, s, ", ", nil)
	return strings.TrimSpace(s)
}

func replaceAll(re *regexp2.Regexp, s, repl string, log *slog.Logger) string {
	out, err := re.Replace(s, repl, -1, -1)
	if err != nil {
		logger(log).Warn("regex replace failed", "pattern", re.String(), "error", err)
		return s
	}
	return out
}

func logger(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
