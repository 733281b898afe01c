package lora

import (
	"bufio"
	"log/slog"
	"strconv"
	"strings"
)

// StrengthEntry is one "pattern=value" line.
type StrengthEntry struct {
	Pattern  string
	Strength float64
	Line     int
}

// StrengthSpec is the ordered list of entries. A pattern defined twice keeps the position of
// its first definition and the value of its last.
type StrengthSpec []StrengthEntry

// ParseStrengthSpec reads one "pattern=value" (or "pattern:value") per line. Blank lines are
// ignored; malformed lines are logged and skipped.
func ParseStrengthSpec(text string, log *slog.Logger) StrengthSpec {
	if log == nil {
		log = slog.Default()
	}
	var spec StrengthSpec
	pos := make(map[string]int)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		pattern, value, ok := splitEntry(raw)
		if !ok {
			log.Warn("invalid line in strength string", "line", line, "text", raw)
			continue
		}
		strength, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Warn("invalid strength value", "line", line, "text", raw, "error", err)
			continue
		}
		if i, dup := pos[pattern]; dup {
			spec[i].Strength = strength
			spec[i].Line = line
			continue
		}
		pos[pattern] = len(spec)
		spec = append(spec, StrengthEntry{Pattern: pattern, Strength: strength, Line: line})
	}
	return spec
}

// splitEntry splits on the last "=" or, failing that, the last ":" so that patterns may
// themselves contain the other separator.
func splitEntry(raw string) (string, string, bool) {
	i := strings.LastIndex(raw, "=")
	if i < 0 {
		i = strings.LastIndex(raw, ":")
	}
	if i <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:]), true
}
