// Package imagepool is a process-wide store of images keyed by number, used to hand images
// between graph runs.
package imagepool

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
)

// StoreAction reports what Store did.
type StoreAction int

const (
	Stored StoreAction = iota
	Overwritten
	Skipped
)

func (a StoreAction) String() string {
	switch a {
	case Stored:
		return "newly stored"
	case Overwritten:
		return "overwritten"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Pool stores clones of images by id. All methods are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	images map[uint64]*tensor.Tensor
	size   prometheus.Gauge
}

// Shared is the pool the store and retrieve nodes use by default.
var Shared = NewPool(nil)

// NewPool creates an empty pool. When reg is not nil the pool reports its size on it.
func NewPool(reg prometheus.Registerer) *Pool {
	size := nodeapi.RegisterCollector(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: nodeapi.Namespace,
		Subsystem: "imagepool",
		Name:      "images",
		Help:      "Number of images held in the pool.",
	}))
	return &Pool{images: make(map[uint64]*tensor.Tensor), size: size}
}

// Store saves a clone of img under id. With skipIfExists an existing id is left untouched.
func (p *Pool) Store(id uint64, img *tensor.Tensor, skipIfExists bool) StoreAction {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.images[id]
	if exists && skipIfExists {
		return Skipped
	}
	p.images[id] = img.Clone()
	p.size.Set(float64(len(p.images)))
	if exists {
		return Overwritten
	}
	return Stored
}

// Retrieve returns a clone of the image under id, removing it from the pool when remove is set.
func (p *Pool) Retrieve(id uint64, remove bool) (*tensor.Tensor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, ok := p.images[id]
	if !ok {
		return nil, false
	}
	if remove {
		delete(p.images, id)
		p.size.Set(float64(len(p.images)))
		return img, true
	}
	return img.Clone(), true
}

// Delete drops id and reports whether it was present.
func (p *Pool) Delete(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.images[id]
	delete(p.images, id)
	p.size.Set(float64(len(p.images)))
	return ok
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.images)
}

// IDs lists the stored ids in ascending order.
func (p *Pool) IDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uint64, 0, len(p.images))
	for id := range p.images {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
