package cfgschedule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tksw/comfynodes/nodeapi"
)

// initialSource labels the step 0 point synthesized from Options.Initial.
const initialSource = "0 (initial)"

// displayLimit caps the expanded values printed by Summary.
const displayLimit = 20

// Options configures Expand.
type Options struct {
	// Total is the number of schedule values, one per sampling step.
	Total int
	// LoopLength repeats the schedule every LoopLength steps. 0 disables looping.
	LoopLength     int
	Interpolate    bool
	AllowOvershoot bool
	Initial        float64
}

// EffectiveLoop is the loop length actually used. Without overshoot a loop longer than the
// schedule has no effect and is disabled.
func (o Options) EffectiveLoop() int {
	if o.LoopLength <= 0 {
		return 0
	}
	if !o.AllowOvershoot && o.LoopLength > o.Total {
		return 0
	}
	return o.LoopLength
}

// Schedule is the dense per-step result.
type Schedule struct {
	CFG  []float64
	Skip []bool
	// Basis holds the control points the schedule was built from, sorted by step.
	Basis []ResolvedPoint
	// Rejected collects the points that could not be resolved.
	Rejected []error
	Loop     int
}

// Len is the number of steps.
func (s *Schedule) Len() int {
	return len(s.CFG)
}

// At returns the values for step, holding the last step past the end.
func (s *Schedule) At(step int) (float64, bool) {
	if len(s.CFG) == 0 {
		return 0, false
	}
	step = max(0, min(step, len(s.CFG)-1))
	return s.CFG[step], s.Skip[step]
}

// Expand resolves points and fills a schedule of opts.Total values. A point at step 0 is
// synthesized from opts.Initial when none resolves there. Points sharing a step keep the
// last declared.
func Expand(points []Point, opts Options) (*Schedule, error) {
	if opts.Total <= 0 {
		return nil, nodeapi.Errorf(nodeapi.ErrConfiguration, "", "no sampling steps defined")
	}
	loop := opts.EffectiveLoop()
	ropts := opts
	ropts.LoopLength = loop

	s := &Schedule{Loop: loop}
	var resolved []ResolvedPoint
	for _, p := range points {
		step, err := Resolve(p, ropts)
		if err != nil {
			s.Rejected = append(s.Rejected, err)
			continue
		}
		resolved = append(resolved, ResolvedPoint{Step: step, CFG: p.CFG, Skip: p.Skip, Source: p.Target})
	}
	hasZero := false
	for _, p := range resolved {
		if p.Step == 0 {
			hasZero = true
			break
		}
	}
	if !hasZero {
		resolved = append(resolved, ResolvedPoint{Step: 0, CFG: opts.Initial, Source: initialSource})
	}
	sort.SliceStable(resolved, func(i, j int) bool { return resolved[i].Step < resolved[j].Step })

	effective := resolved
	if loop > 0 && !opts.AllowOvershoot {
		effective = nil
		for _, p := range resolved {
			if p.Step < loop {
				effective = append(effective, p)
			}
		}
	}
	effective = lastPerStep(effective)
	s.Basis = effective

	s.CFG = make([]float64, opts.Total)
	s.Skip = make([]bool, opts.Total)
	for i := range s.CFG {
		ref := i
		if loop > 0 {
			ref = i % loop
		}
		s.CFG[i], s.Skip[i] = valueAt(effective, ref, opts.Interpolate)
	}
	return s, nil
}

// lastPerStep collapses a step-sorted list so each step keeps its last entry.
func lastPerStep(points []ResolvedPoint) []ResolvedPoint {
	out := make([]ResolvedPoint, 0, len(points))
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Step == p.Step {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

// valueAt evaluates the schedule at ref. points is sorted, deduplicated and starts at 0.
func valueAt(points []ResolvedPoint, ref int, interpolate bool) (float64, bool) {
	left := 0
	for i, p := range points {
		if p.Step > ref {
			break
		}
		left = i
	}
	start := points[left]
	if !interpolate || left+1 >= len(points) {
		return start.CFG, start.Skip
	}
	end := points[left+1]
	span := float64(end.Step - start.Step)
	t := max(0, min(1, float64(ref-start.Step)/span))
	return start.CFG + (end.CFG-start.CFG)*t, start.Skip
}

// Summary renders the node's info text.
func Summary(s *Schedule, opts Options, input string) string {
	var b strings.Builder
	mode := "Stepped"
	if opts.Interpolate {
		mode = "Interpolated"
	}
	behavior := "Clamp to Max"
	if opts.AllowOvershoot {
		behavior = "Overshoot & Trim"
	}
	fmt.Fprintf(&b, "Initial CFG: %.2f\n", opts.Initial)
	fmt.Fprintf(&b, "Mode: %s\n", mode)
	fmt.Fprintf(&b, "Point Behavior: %s\n", behavior)
	switch {
	case s.Loop > 0:
		fmt.Fprintf(&b, "Looping: Enabled (Length: %d steps)\n", s.Loop)
	case opts.LoopLength > 0:
		fmt.Fprintf(&b, "Looping: Disabled (Len %d > %d values, not overshoot)\n", opts.LoopLength, opts.Total)
	default:
		fmt.Fprintf(&b, "Looping: Disabled (Len %d)\n", opts.LoopLength)
	}
	fmt.Fprintf(&b, "Schedule Values: %d (for steps 0 to %d)\n", s.Len(), s.Len()-1)

	lines := strings.Split(strings.TrimSpace(input), "\n")
	first := lines[0]
	if first == "" {
		first = "N/A"
	}
	if len(lines) > 1 {
		first += "..."
	}
	fmt.Fprintf(&b, "Input Str: '%s'\n", first)

	basis := make([]string, 0, len(s.Basis))
	for _, p := range s.Basis {
		src := p.Source
		if src == initialSource {
			src = fmt.Sprintf("0 (initial:%.1f)", opts.Initial)
		}
		basis = append(basis, fmt.Sprintf("%s -> %d:%.1f%s", src, p.Step, p.CFG, skipMark(p.Skip)))
	}
	fmt.Fprintf(&b, "Resolved Basis Points: [%s]\n", strings.Join(basis, ", "))

	limit := min(displayLimit, s.Len())
	values := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		values = append(values, fmt.Sprintf("%.2f%s", s.CFG[i], skipMark(s.Skip[i])))
	}
	expanded := strings.Join(values, ", ")
	if limit < s.Len() {
		expanded += fmt.Sprintf(", ... (%d more)", s.Len()-limit)
	}
	fmt.Fprintf(&b, "Expanded CFGs (first %d): [%s]", limit, expanded)
	return b.String()
}

func skipMark(skip bool) string {
	if skip {
		return ":s"
	}
	return ""
}
