// Package cfgschedule turns sparse CFG control points into a dense per-step schedule and
// serves it to a sampler through a Hook.
package cfgschedule

import (
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/tksw/comfynodes/nodeapi"
)

// Point is one parsed "target:cfg[:flag]" entry. Target is an absolute step ("12"), a
// fraction of the total steps ("p0.5") or a fraction of the loop length ("l0.5").
type Point struct {
	Target string
	CFG    float64
	Skip   bool
}

// ResolvedPoint is a Point pinned to an absolute step.
type ResolvedPoint struct {
	Step   int
	CFG    float64
	Skip   bool
	Source string
}

var (
	skipFlags   = map[string]bool{"s": true, "skip": true, "true": true, "1": true, "yes": true}
	noSkipFlags = map[string]bool{"": true, "ns": true, "noskip": true, "false": true, "0": true, "no": true}
)

// ParsePoints reads entries separated by commas or newlines. Lines starting with "#" are
// comments. Malformed entries are logged and skipped.
func ParsePoints(text string, log *slog.Logger) []Point {
	if log == nil {
		log = slog.Default()
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var points []Point
	for _, item := range strings.Split(text, ",") {
		for _, raw := range strings.Split(item, "\n") {
			entry := strings.TrimSpace(raw)
			if entry == "" || strings.HasPrefix(entry, "#") {
				continue
			}
			parts := strings.SplitN(entry, ":", 3)
			if len(parts) < 2 {
				log.Warn("invalid schedule entry", "entry", entry)
				continue
			}
			target, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			skip := false
			if len(parts) == 3 {
				flag := strings.ToLower(strings.TrimSpace(parts[2]))
				switch {
				case skipFlags[flag]:
					skip = true
				case !noSkipFlags[flag]:
					log.Warn("unknown skip flag, defaulting to no skip", "entry", entry, "flag", parts[2])
				}
			}
			if target == "" || value == "" {
				log.Warn("empty target or cfg in schedule entry", "entry", entry)
				continue
			}
			cfg, err := strconv.ParseFloat(value, 64)
			if err != nil {
				log.Warn("invalid cfg value", "entry", entry, "error", err)
				continue
			}
			points = append(points, Point{Target: target, CFG: cfg, Skip: skip})
		}
	}
	return points
}

// Resolve maps a point's target to an absolute step. Fractions outside [0,1] and "l" targets
// without a loop are rejected with ErrInvalidSpec.
func Resolve(p Point, opts Options) (int, error) {
	target := strings.TrimSpace(p.Target)
	lower := strings.ToLower(target)
	maxIdx := opts.Total - 1

	if strings.HasPrefix(lower, "p") || strings.HasPrefix(lower, "l") {
		prefix := lower[0]
		frac, err := strconv.ParseFloat(target[1:], 64)
		if err != nil {
			return 0, nodeapi.Wrap(nodeapi.ErrInvalidSpec, "", err, "percentage "+strconv.Quote(target))
		}
		if !(isClose(frac, 0) || isClose(frac, 1) || (frac > 0 && frac < 1)) {
			return 0, nodeapi.Errorf(nodeapi.ErrInvalidSpec, "", "percentage %.3f in %q is outside 0.0-1.0", frac, target)
		}

		base := max(maxIdx, 0)
		if prefix == 'l' {
			if opts.LoopLength <= 0 {
				return 0, nodeapi.Errorf(nodeapi.ErrInvalidSpec, "", "%q needs a positive loop length", target)
			}
			base = opts.LoopLength - 1
		}

		step := max(int(math.RoundToEven(frac*float64(base))), 0)
		if !opts.AllowOvershoot {
			step = min(step, base)
		}
		return step, nil
	}

	step, err := strconv.Atoi(target)
	if err != nil {
		return 0, nodeapi.Wrap(nodeapi.ErrInvalidSpec, "", err, "absolute step "+strconv.Quote(target))
	}
	return max(step, 0), nil
}

func isClose(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}
