package sequence

import (
	"context"
	"log/slog"
)

// State is where a cursor stands after its last call.
type State int

const (
	Fresh State = iota
	Ready
	Exhausted
	Looped
	ErrorRecovery
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Ready:
		return "ready"
	case Exhausted:
		return "exhausted"
	case Looped:
		return "looped"
	case ErrorRecovery:
		return "error-recovery"
	}
	return "unknown"
}

// OpenFunc builds the source for the given folder inputs.
type OpenFunc func(pathA, pathB string) Source

// Materializer loads an item's payload. A failure marks the item as skipped.
type Materializer func(ctx context.Context, item Item) (any, error)

// Request carries the per-call inputs of a sequence loader.
type Request struct {
	PathA, PathB         string
	StartIndex           uint64
	Reset                bool
	Loop                 bool
	ResetOnError         bool
	ExcludeLoadedOnReset bool
	// ManualIndex, when set, reads item ManualIndex+StartIndex without advancing.
	ManualIndex *uint64
}

// Result is the outcome of one call. Exactly one of Payload, Exhausted or Empty is meaningful.
type Result struct {
	Item      Item
	Payload   any
	Index     uint64
	Exhausted bool
	Empty     bool
}

// OK reports whether an item was served.
func (r Result) OK() bool {
	return !r.Exhausted && !r.Empty
}

type lastInputs struct {
	a, b  string
	start uint64
}

// Cursor is the per-instance state machine behind the sequence loaders. It is not safe for
// concurrent use; the host serializes calls on one node instance.
type Cursor struct {
	name    string
	open    OpenFunc
	load    Materializer
	log     *slog.Logger
	metrics *Metrics

	items   []Item
	current uint64
	start   uint64
	last    lastInputs
	state   State
}

// NewCursor creates a cursor named after its loader. metrics and log may be nil.
func NewCursor(name string, open OpenFunc, load Materializer, metrics *Metrics, log *slog.Logger) *Cursor {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cursor{
		name:    name,
		open:    open,
		load:    load,
		log:     log.With("node", name),
		metrics: metrics,
		state:   Fresh,
	}
}

func (c *Cursor) State() State {
	return c.state
}

func (c *Cursor) CurrentIndex() uint64 {
	return c.current
}

func (c *Cursor) StartIndex() uint64 {
	return c.start
}

// Items returns the current item list.
func (c *Cursor) Items() []Item {
	return c.items
}

func (c *Cursor) rescan(req Request) {
	c.metrics.Rescans.WithLabelValues(c.name).Inc()
	items, err := c.open(req.PathA, req.PathB).Scan()
	if err != nil {
		c.log.Warn("folder scan failed", "path_a", req.PathA, "path_b", req.PathB, "error", err)
		items = nil
	}
	c.items = items
}

// Next advances the sequence by one item. The only error returned is ctx's.
func (c *Cursor) Next(ctx context.Context, req Request) (Result, error) {
	in := lastInputs{a: req.PathA, b: req.PathB, start: req.StartIndex}
	if req.Reset || len(c.items) == 0 || in != c.last {
		c.rescan(req)
		c.current = 0
		c.last = in
		c.start = req.StartIndex
		if n := uint64(len(c.items)); n > 0 && c.start >= n {
			c.log.Warn("start index out of bounds, using last item", "start_index", c.start, "items", n)
			c.start = n - 1
		} else if n == 0 {
			c.start = 0
		}
		c.state = Ready
	}
	if len(c.items) == 0 {
		c.log.Warn("no items found")
		c.state = Exhausted
		return Result{Index: c.current, Empty: true}, nil
	}

	if req.ManualIndex != nil {
		return c.manual(ctx, *req.ManualIndex)
	}

	effective := c.current + c.start
	looped := false
	if effective >= uint64(len(c.items)) {
		if !req.Loop {
			c.state = Exhausted
			return Result{Index: c.current, Exhausted: true}, nil
		}
		c.log.Info("looping back to start")
		c.rescan(req)
		c.current, c.start, effective = 0, 0, 0
		c.state = Looped
		looped = true
		if len(c.items) == 0 {
			c.state = Exhausted
			return Result{Index: 0, Empty: true}, nil
		}
	}

	// a folder of only broken items must not spin forever
	resets, maxResets := 0, len(c.items)+1
	// basenames served or failed before a reset stay excluded for the rest of this call
	excluded := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		item := c.items[effective]
		payload, err := c.load(ctx, item)
		if err == nil {
			c.current++
			c.state = Ready
			if looped {
				c.state = Looped
			}
			c.metrics.Served.WithLabelValues(c.name).Inc()
			return Result{Item: item, Payload: payload, Index: effective}, nil
		}
		c.metrics.Skipped.WithLabelValues(c.name).Inc()
		c.log.Warn("skipping item", "item", item.Base, "error", err)

		if req.ResetOnError {
			resets++
			if resets > maxResets {
				c.log.Warn("giving up after repeated resets", "resets", resets-1)
				c.state = Exhausted
				return Result{Index: c.current, Exhausted: true}, nil
			}
			if req.ExcludeLoadedOnReset {
				for _, it := range c.items[:effective+1] {
					excluded[it.Base] = struct{}{}
				}
			}
			c.rescan(req)
			if len(excluded) > 0 {
				kept := c.items[:0]
				for _, it := range c.items {
					if _, ok := excluded[it.Base]; !ok {
						kept = append(kept, it)
					}
				}
				c.items = kept
			}
			c.current, c.start, effective = 0, 0, 0
			c.state = ErrorRecovery
			if len(c.items) == 0 {
				c.log.Warn("no items remaining after reset")
				return Result{Index: 0, Empty: true}, nil
			}
			continue
		}

		c.current++
		effective = c.current + c.start
		if effective >= uint64(len(c.items)) {
			c.log.Info("reached end of sequence after skipping")
			c.state = Exhausted
			return Result{Index: c.current, Exhausted: true}, nil
		}
	}
}

func (c *Cursor) manual(ctx context.Context, manual uint64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	idx := manual + c.start
	if idx < manual || idx >= uint64(len(c.items)) {
		c.log.Warn("manual index out of range", "manual_index", manual, "start_index", c.start, "items", len(c.items))
		return Result{Index: idx, Exhausted: true}, nil
	}
	item := c.items[idx]
	payload, err := c.load(ctx, item)
	if err != nil {
		c.metrics.Skipped.WithLabelValues(c.name).Inc()
		c.log.Warn("manual item failed", "item", item.Base, "error", err)
		return Result{Item: item, Index: idx, Empty: true}, nil
	}
	c.metrics.Served.WithLabelValues(c.name).Inc()
	c.state = Ready
	return Result{Item: item, Payload: payload, Index: idx}, nil
}
