package nodeapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// NodeObject is the registration record the host reads from object_info: which inputs a node
// takes, in which order, and what it returns.
type NodeObject struct {
	Input        *NodeObjectInput `json:"input"`
	Output       []string         `json:"output"` // output type
	OutputIsList []bool           `json:"output_is_list"`
	OutputName   []string         `json:"output_name"`
	Name         string           `json:"name"`
	DisplayName  string           `json:"display_name"`
	Description  string           `json:"description"`
	Category     string           `json:"category"`
	OutputNode   bool             `json:"output_node"`

	InputProperties     []Property          `json:"-"`
	InputPropertiesByID map[string]Property `json:"-"`
}

// NewNodeObject starts a definition for class name in category.
func NewNodeObject(name, category string) *NodeObject {
	return &NodeObject{
		Name:                name,
		Category:            category,
		Input:               &NodeObjectInput{},
		InputPropertiesByID: make(map[string]Property),
	}
}

// Required appends required inputs in declaration order.
func (n *NodeObject) Required(props ...Property) *NodeObject {
	return n.add(false, props)
}

// Optional appends optional inputs in declaration order.
func (n *NodeObject) Optional(props ...Property) *NodeObject {
	return n.add(true, props)
}

func (n *NodeObject) add(optional bool, props []Property) *NodeObject {
	if n.InputPropertiesByID == nil {
		n.InputPropertiesByID = make(map[string]Property)
	}
	for _, p := range props {
		if _, dup := n.InputPropertiesByID[p.Name()]; dup {
			slog.Warn("duplicate input ignored", "node", n.Name, "input", p.Name())
			continue
		}
		p.setOptional(optional)
		p.setIndex(len(n.InputProperties))
		n.InputProperties = append(n.InputProperties, p)
		n.InputPropertiesByID[p.Name()] = p
	}
	return n
}

// Returns appends one output socket.
func (n *NodeObject) Returns(typ, name string) *NodeObject {
	n.Output = append(n.Output, typ)
	n.OutputName = append(n.OutputName, name)
	n.OutputIsList = append(n.OutputIsList, false)
	return n
}

// GetSettablePropertiesByID returns a map of Properties that are settable.
func (n *NodeObject) GetSettablePropertiesByID() map[string]Property {
	retv := make(map[string]Property)
	for k, p := range n.InputPropertiesByID {
		if p.Settable() {
			retv[k] = p
		}
	}
	return retv
}

// GetSettableProperties returns a slice of Properties that are settable.
func (n *NodeObject) GetSettableProperties() []Property {
	retv := make([]Property, 0)
	for _, p := range n.InputProperties {
		if p.Settable() {
			retv = append(retv, p)
		}
	}
	return retv
}

// Property looks an input up by name.
func (n *NodeObject) Property(name string) (Property, bool) {
	p, ok := n.InputPropertiesByID[name]
	return p, ok
}

// MarshalJSON renders the object_info shape. The input maps are written by hand so that
// the declaration order survives.
func (n *NodeObject) MarshalJSON() ([]byte, error) {
	input := &NodeObjectInput{}
	for _, p := range n.InputProperties {
		decl := declaration(p)
		if p.Optional() {
			input.OrderedOptional = append(input.OrderedOptional, p.Name())
			if input.Optional == nil {
				input.Optional = make(map[string]interface{})
			}
			input.Optional[p.Name()] = decl
		} else {
			input.OrderedRequired = append(input.OrderedRequired, p.Name())
			if input.Required == nil {
				input.Required = make(map[string]interface{})
			}
			input.Required[p.Name()] = decl
		}
	}
	if len(n.InputProperties) == 0 && n.Input != nil {
		input = n.Input
	}

	type alias NodeObject
	out := struct {
		*alias
		Input        *NodeObjectInput `json:"input"`
		Output       []string         `json:"output"`
		OutputIsList []bool           `json:"output_is_list"`
		OutputName   []string         `json:"output_name"`
	}{
		alias:        (*alias)(n),
		Input:        input,
		Output:       nonNil(n.Output),
		OutputIsList: nonNil(n.OutputIsList),
		OutputName:   nonNil(n.OutputName),
	}
	return json.Marshal(out)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func declaration(p Property) []interface{} {
	var head interface{} = p.TypeString()
	if c, ok := p.ToComboProperty(); ok {
		head = append([]string{}, c.Values...)
	}
	opts := p.Options()
	if len(opts) == 0 {
		return []interface{}{head}
	}
	return []interface{}{head, opts}
}

// UnmarshalJSON reads a definition and rebuilds its properties in declaration order.
func (n *NodeObject) UnmarshalJSON(b []byte) error {
	type alias NodeObject
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*n = NodeObject(a)
	n.InputProperties = nil
	n.InputPropertiesByID = make(map[string]Property)
	if n.Input == nil {
		return nil
	}
	index := 0
	build := func(names []string, decls map[string]interface{}, optional bool) error {
		for _, k := range names {
			prop, err := NewPropertyFromInput(k, optional, decls[k], index)
			if err != nil {
				return fmt.Errorf("node %s: %w", n.Name, err)
			}
			index++
			n.InputProperties = append(n.InputProperties, prop)
			n.InputPropertiesByID[k] = prop
		}
		return nil
	}
	if err := build(n.Input.OrderedRequired, n.Input.Required, false); err != nil {
		return err
	}
	return build(n.Input.OrderedOptional, n.Input.Optional, true)
}

type NodeObjectInput struct {
	Required        map[string]interface{} `json:"required"`
	Optional        map[string]interface{} `json:"optional,omitempty"`
	OrderedRequired []string               `json:"-"`
	OrderedOptional []string               `json:"-"`
}

func (noi *NodeObjectInput) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"required":`)
	if err := writeOrdered(&buf, noi.OrderedRequired, noi.Required); err != nil {
		return nil, err
	}
	if len(noi.OrderedOptional) > 0 {
		buf.WriteString(`,"optional":`)
		if err := writeOrdered(&buf, noi.OrderedOptional, noi.Optional); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeOrdered(buf *bytes.Buffer, order []string, m map[string]interface{}) error {
	buf.WriteByte('{')
	for i, k := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		val, err := json.Marshal(m[k])
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return nil
}

func (noi *NodeObjectInput) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))

	if _, err := dec.Token(); err != nil {
		return err
	} // consume opening brace

	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}

		key := t.(string)
		switch key {
		case "required", "optional":
			if _, err := dec.Token(); err != nil { // consume opening brace of nested object
				return err
			}

			currentMap := make(map[string]interface{})
			currentOrder := make([]string, 0)
			for dec.More() {
				entryKeyToken, err := dec.Token()
				if err != nil {
					return err
				}

				entryKey := entryKeyToken.(string)
				currentOrder = append(currentOrder, entryKey)

				var i interface{}
				if err := dec.Decode(&i); err != nil {
					return err
				}
				currentMap[entryKey] = i
			}

			if _, err := dec.Token(); err != nil { // consume closing brace of nested object
				return err
			}

			if key == "required" {
				noi.Required = currentMap
				noi.OrderedRequired = currentOrder
			} else {
				noi.Optional = currentMap
				noi.OrderedOptional = currentOrder
			}
		default:
			if err := dec.Decode(new(interface{})); err != nil { // consume and ignore non-expected field
				return err
			}
		}
	}

	if _, err := dec.Token(); err != nil { // consume closing brace
		return err
	}

	return nil
}
