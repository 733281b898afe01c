package cfgschedule

import (
	"math"
)

// SigmaIndex finds the step whose sigma interval contains sigma. An exact match on a boundary
// returns that boundary's own step. sigmas may be descending (the usual case) or ascending.
// Values outside the list map to the nearest end, anything else to the closest entry.
func SigmaIndex(sigma float64, sigmas []float64) int {
	n := len(sigmas)
	if n <= 1 {
		return 0
	}
	for i := 0; i < n-1; i++ {
		cur, next := sigmas[i], sigmas[i+1]
		if isClose(cur, sigma) {
			return i
		}
		if (next < sigma && sigma < cur) || (cur < sigma && sigma < next) {
			return i
		}
	}
	if isClose(sigmas[n-1], sigma) {
		return n - 1
	}

	first, last := sigmas[0], sigmas[n-1]
	if first > last {
		if sigma > first {
			return 0
		}
		if sigma < last {
			return n - 1
		}
	} else {
		if sigma < first {
			return 0
		}
		if sigma > last {
			return n - 1
		}
	}
	closest := 0
	for i, s := range sigmas {
		if math.Abs(s-sigma) < math.Abs(sigmas[closest]-sigma) {
			closest = i
		}
	}
	return closest
}

// Hook is handed to the host sampler, which calls Step once per model evaluation to get the
// CFG scale and whether the unconditional pass can be skipped. A Hook is not safe for
// concurrent use.
type Hook struct {
	schedule *Schedule
	sigmas   []float64
	calls    int
	done     bool

	// DisableCFG1Optimization keeps the unconditional pass when the scale is 1.
	DisableCFG1Optimization bool
}

// NewCounterHook steps through the schedule one call at a time.
func NewCounterHook(s *Schedule) *Hook {
	return &Hook{schedule: s}
}

// NewSigmaHook looks the step up from the sigma the sampler passes in. An empty sigmas list
// falls back to counting calls.
func NewSigmaHook(s *Schedule, sigmas []float64) *Hook {
	return &Hook{schedule: s, sigmas: append([]float64(nil), sigmas...)}
}

// Schedule returns the schedule the hook serves.
func (h *Hook) Schedule() *Schedule {
	return h.schedule
}

// Step returns the scale for the evaluation at sigma. defaultCFG is used when the hook has
// no schedule to consult.
func (h *Hook) Step(sigma, defaultCFG float64) (float64, bool) {
	cfg, skip := defaultCFG, false
	step, total := -1, 0
	if h.sigmas == nil {
		step = h.calls
		h.calls++
		total = h.schedule.Len()
	} else if len(h.sigmas) > 0 {
		step = SigmaIndex(sigma, h.sigmas)
		total = len(h.sigmas)
	}

	if step >= 0 && h.schedule != nil && h.schedule.Len() > 0 {
		cfg, skip = h.schedule.At(step)
		if total > 0 && step >= total-1 {
			h.done = true
		}
	}
	if !skip && isClose(cfg, 1) && !h.DisableCFG1Optimization {
		skip = true
	}
	return cfg, skip
}

// Completed reports whether the final scheduled step has been served.
func (h *Hook) Completed() bool {
	return h.done
}

// Reset rewinds a counter hook.
func (h *Hook) Reset() {
	h.calls = 0
	h.done = false
}
