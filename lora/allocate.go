package lora

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
)

// AllocateOptions configures Allocate.
type AllocateOptions struct {
	Total          float64
	MaxSingle      float64
	RandomizeTotal bool
	Seed           uint64
}

// Allocation is the outcome of Allocate: one strength per input name, in input order.
type Allocation struct {
	Total     float64
	Strengths []float64
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Allocate spreads a total strength over n LoRAs in random order, capping each at MaxSingle
// and rounding to two decimals. Whatever the random draw leaves unassigned is topped up
// evenly across the LoRAs still below the cap.
func Allocate(n int, opts AllocateOptions) Allocation {
	if n <= 0 {
		return Allocation{Total: opts.Total}
	}
	rng := rand.New(rand.NewPCG(opts.Seed, 0))
	total := opts.Total
	if opts.RandomizeTotal {
		total = round2(uniform(rng, 0, total))
	}

	strengths := make([]float64, n)
	remaining := total
	order := rng.Perm(n)
	for _, i := range order[:n-1] {
		s := round2(uniform(rng, 0, max(0, min(remaining, opts.MaxSingle))))
		strengths[i] = s
		remaining -= s
	}
	strengths[order[n-1]] = round2(max(0, min(remaining, opts.MaxSingle)))

	sum := 0.0
	for _, s := range strengths {
		sum += s
	}
	if diff := total - sum; diff > 0 {
		under := 0
		for _, s := range strengths {
			if s < opts.MaxSingle {
				under++
			}
		}
		if under > 0 {
			inc := diff / float64(under)
			for i, s := range strengths {
				if s < opts.MaxSingle {
					strengths[i] = round2(s + min(inc, opts.MaxSingle-s))
				}
			}
		}
	}
	return Allocation{Total: total, Strengths: strengths}
}

// Summary renders the settings text of the weight randomizer node.
func (a Allocation) Summary(names []string, opts AllocateOptions) string {
	var b strings.Builder
	b.WriteString("LoraWeightRandomizer Settings:\n")
	fmt.Fprintf(&b, "  Total Strength: %.2f\n", a.Total)
	fmt.Fprintf(&b, "  Max Single Strength: %.2f\n", opts.MaxSingle)
	fmt.Fprintf(&b, "  Randomize Total Strength: %t\n", opts.RandomizeTotal)
	fmt.Fprintf(&b, "  Seed: %d\n", opts.Seed)
	b.WriteString("LoRA Weights:\n")
	for i, name := range names {
		if i < len(a.Strengths) {
			fmt.Fprintf(&b, "  - %s: %.2f\n", name, a.Strengths[i])
		}
	}
	return b.String()
}
