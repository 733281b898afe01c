package lora

import (
	"log/slog"
	"math"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/tksw/comfynodes/tensor"
)

// Resolver applies a StrengthSpec to a TensorSet.
type Resolver struct {
	// Regex switches patterns from key prefixes to full-match regular expressions.
	Regex bool
	// RemoveUnspecified drops every key no pattern matched.
	RemoveUnspecified bool
	Log               *slog.Logger
}

// Report describes what Apply did.
type Report struct {
	Matched      int
	Kept         int
	Removed      int
	InvalidRules []string
}

type matcher func(key string) bool

func (r Resolver) compile(spec StrengthSpec, log *slog.Logger) ([]matcher, []string) {
	matchers := make([]matcher, len(spec))
	var invalid []string
	for i, e := range spec {
		pattern := e.Pattern
		if !r.Regex {
			matchers[i] = func(key string) bool { return strings.HasPrefix(key, pattern) }
			continue
		}
		re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, regexp2.None)
		if err != nil {
			log.Warn("invalid regular expression", "pattern", pattern, "error", err)
			invalid = append(invalid, pattern)
			continue
		}
		matchers[i] = func(key string) bool {
			ok, err := re.MatchString(key)
			return err == nil && ok
		}
	}
	return matchers, invalid
}

// Apply returns a new set in which every scalable key matched by an entry is multiplied by
// the square root of the last matching entry's strength. The input set is not modified.
func (r Resolver) Apply(set *TensorSet, spec StrengthSpec) (*TensorSet, Report) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	matchers, invalid := r.compile(spec, log)
	rep := Report{InvalidRules: invalid}
	out := &TensorSet{
		Tensors:  make(map[string]*tensor.Tensor, len(set.Tensors)),
		Metadata: make(map[string]string, len(set.Metadata)),
	}
	for k, v := range set.Metadata {
		out.Metadata[k] = v
	}
	for _, key := range set.Keys() {
		t := set.Tensors[key]
		strength, specified := 0.0, false
		for i, m := range matchers {
			if m != nil && m(key) {
				strength, specified = spec[i].Strength, true
			}
		}
		switch {
		case specified && IsScalable(key):
			out.Tensors[key] = t.Scale(factor(key, strength))
			rep.Matched++
		case !r.RemoveUnspecified:
			out.Tensors[key] = t.Clone()
			rep.Kept++
		default:
			rep.Removed++
		}
	}
	return out, rep
}

// factor splits a strength between the down and up tensor so that their product carries s.
// A negative s keeps its sign on the down tensor only.
func factor(key string, s float64) float64 {
	root := math.Sqrt(math.Abs(s))
	if s < 0 && IsDown(key) {
		return -root
	}
	return root
}
