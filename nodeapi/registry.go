package nodeapi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Node is one graph node instance. The host calls Run once per execution tick and never
// concurrently for the same instance.
type Node interface {
	Run(ctx context.Context, in *Inputs) (Outputs, error)
}

// Factory builds a fresh node instance.
type Factory func() Node

type entry struct {
	display string
	def     *NodeObject
	factory Factory
}

// Registry maps node class names to their definitions and factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a node class. Registering a class twice is an error.
func (r *Registry) Register(class, display string, def *NodeObject, factory Factory) error {
	if class == "" || def == nil || factory == nil {
		return fmt.Errorf("register %q: class, definition and factory are required", class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[class]; ok {
		return fmt.Errorf("register %q: already registered", class)
	}
	def.Name = class
	def.DisplayName = display
	r.entries[class] = &entry{display: display, def: def, factory: factory}
	return nil
}

// Instance is a node bound to its definition.
type Instance struct {
	ID    uuid.UUID
	Class string
	Def   *NodeObject
	Node  Node
}

// New instantiates a registered class.
func (r *Registry) New(class string) (*Instance, error) {
	r.mu.RLock()
	e, ok := r.entries[class]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(ErrNotFound, class, "unknown node class")
	}
	return &Instance{
		ID:    uuid.New(),
		Class: class,
		Def:   e.def,
		Node:  e.factory(),
	}, nil
}

// Run resolves raw host arguments against the definition and executes the node.
func (i *Instance) Run(ctx context.Context, raw map[string]interface{}) (Outputs, error) {
	in, err := Resolve(i.Def, raw)
	if err != nil {
		return Outputs{}, err
	}
	return i.Node.Run(ctx, in)
}

// Definitions returns the object_info map keyed by class.
func (r *Registry) Definitions() map[string]*NodeObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	retv := make(map[string]*NodeObject, len(r.entries))
	for k, e := range r.entries {
		retv[k] = e.def
	}
	return retv
}

// DisplayNames maps class names to their human readable names.
func (r *Registry) DisplayNames() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	retv := make(map[string]string, len(r.entries))
	for k, e := range r.entries {
		retv[k] = e.display
	}
	return retv
}

// Classes lists the registered class names sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	retv := make([]string, 0, len(r.entries))
	for k := range r.entries {
		retv = append(retv, k)
	}
	sort.Strings(retv)
	return retv
}
