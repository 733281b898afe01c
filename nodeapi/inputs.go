package nodeapi

import (
	"fmt"
	"log/slog"
)

// Inputs holds the resolved arguments of one node invocation.
type Inputs struct {
	node   string
	values map[string]interface{}
}

// Resolve fills defaults from the definition, coerces widget values into their declared type
// and range, and rejects invocations missing a required link input.
func Resolve(obj *NodeObject, raw map[string]interface{}) (*Inputs, error) {
	in := &Inputs{node: obj.Name, values: make(map[string]interface{}, len(obj.InputProperties))}
	for _, p := range obj.InputProperties {
		v, present := raw[p.Name()]
		if !present || v == nil {
			if !p.Settable() {
				if !p.Optional() {
					return nil, Errorf(ErrConfiguration, obj.Name, "missing required input %q", p.Name())
				}
				continue
			}
			in.values[p.Name()] = p.DefaultValue()
			continue
		}
		cv, err := p.Coerce(v)
		if err != nil {
			if !p.Optional() {
				return nil, Wrap(ErrConfiguration, obj.Name, err, "bad input")
			}
			slog.Warn("optional input ignored", "node", obj.Name, "input", p.Name(), "error", err)
			in.values[p.Name()] = p.DefaultValue()
			continue
		}
		in.values[p.Name()] = cv
	}
	// undeclared keys (host extras such as unique_id) pass through untouched
	for k, v := range raw {
		if _, ok := obj.InputPropertiesByID[k]; !ok {
			in.values[k] = v
		}
	}
	return in, nil
}

// NewInputs wraps already typed values, for callers that bypass a definition.
func NewInputs(node string, values map[string]interface{}) *Inputs {
	if values == nil {
		values = make(map[string]interface{})
	}
	return &Inputs{node: node, values: values}
}

func (in *Inputs) Node() string {
	return in.node
}

// Has reports whether name carries a non-nil value.
func (in *Inputs) Has(name string) bool {
	v, ok := in.values[name]
	return ok && v != nil
}

func (in *Inputs) Any(name string) interface{} {
	return in.values[name]
}

func (in *Inputs) Int(name string) int64 {
	switch v := in.values[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case uint64:
		return int64(v)
	}
	return 0
}

func (in *Inputs) Float(name string) float64 {
	switch v := in.values[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func (in *Inputs) String(name string) string {
	switch v := in.values[name].(type) {
	case string:
		return v
	case nil:
		return ""
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func (in *Inputs) Bool(name string) bool {
	v, _ := in.values[name].(bool)
	return v
}

// Outputs is the ordered result tuple of a node. Output nodes may attach a UI payload.
type Outputs struct {
	Values []interface{}
	UI     map[string]interface{}
}

// Out builds an Outputs from its values.
func Out(values ...interface{}) Outputs {
	return Outputs{Values: values}
}

// Empty is the degraded result: a tuple of n nil values.
func Empty(n int) Outputs {
	return Outputs{Values: make([]interface{}, n)}
}

// Len is the number of values in the tuple.
func (o Outputs) Len() int {
	return len(o.Values)
}

// Get returns the i-th value or nil when out of range.
func (o Outputs) Get(i int) interface{} {
	if i < 0 || i >= len(o.Values) {
		return nil
	}
	return o.Values[i]
}
