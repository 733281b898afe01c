package nodeapi

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
)

// Property is one declared input of a node.
// Widget-backed property types:
// "INT"			an int64
// "FLOAT"			a float64
// "STRING"			a single line, or multiline string
// "COMBO"			one of a given list of strings
// "BOOLEAN"		a labeled bool value
// Everything else ("IMAGE", "MODEL", "CLIP", "LORA", "SIGMAS", ...) is a link input
// that the host fills from another node's output and that this pack passes through untouched.
type Property interface {
	TypeString() string
	Optional() bool
	Settable() bool
	Name() string
	Index() int
	DefaultValue() interface{}
	Coerce(v interface{}) (interface{}, error)
	Options() map[string]interface{}

	setOptional(bool)
	setIndex(int)
	ToIntProperty() (*IntProperty, bool)
	ToFloatProperty() (*FloatProperty, bool)
	ToBoolProperty() (*BoolProperty, bool)
	ToStringProperty() (*StringProperty, bool)
	ToComboProperty() (*ComboProperty, bool)
	ToLinkProperty() (*LinkProperty, bool)
	valueFromString(value string) interface{}
}

type BaseProperty struct {
	parent   Property
	name     string
	optional bool
	index    int
}

func (b *BaseProperty) Name() string {
	return b.name
}

func (b *BaseProperty) Optional() bool {
	return b.optional
}

func (b *BaseProperty) Index() int {
	return b.index
}

func (b *BaseProperty) setOptional(v bool) {
	b.optional = v
}

func (b *BaseProperty) setIndex(i int) {
	b.index = i
}

// Coerce converts a raw host value into the property's native type.  The value goes through
// its string form so that ints delivered as JSON float64, numeric strings and native values
// all take the same path.  valueFromString performs the conversion and constrains the result.
func (b *BaseProperty) Coerce(v interface{}) (interface{}, error) {
	if v == nil {
		return b.parent.DefaultValue(), nil
	}
	vs := fmt.Sprintf("%v", v)
	val := b.parent.valueFromString(vs)
	if val == nil {
		return nil, fmt.Errorf("%s: could not convert %q to %s", b.name, vs, b.parent.TypeString())
	}
	return val, nil
}

func (b *BaseProperty) ToIntProperty() (*IntProperty, bool) {
	prop, ok := b.parent.(*IntProperty)
	return prop, ok
}
func (b *BaseProperty) ToFloatProperty() (*FloatProperty, bool) {
	prop, ok := b.parent.(*FloatProperty)
	return prop, ok
}
func (b *BaseProperty) ToBoolProperty() (*BoolProperty, bool) {
	prop, ok := b.parent.(*BoolProperty)
	return prop, ok
}
func (b *BaseProperty) ToStringProperty() (*StringProperty, bool) {
	prop, ok := b.parent.(*StringProperty)
	return prop, ok
}
func (b *BaseProperty) ToComboProperty() (*ComboProperty, bool) {
	prop, ok := b.parent.(*ComboProperty)
	return prop, ok
}
func (b *BaseProperty) ToLinkProperty() (*LinkProperty, bool) {
	prop, ok := b.parent.(*LinkProperty)
	return prop, ok
}

type BoolProperty struct {
	BaseProperty
	Default  bool
	LabelOn  string
	LabelOff string
}

func NewBoolProperty(name string, def bool) *BoolProperty {
	c := &BoolProperty{
		BaseProperty: BaseProperty{name: name},
		Default:      def,
	}
	c.parent = c
	return c
}

// WithLabels sets the toggle captions shown by the host UI.
func (p *BoolProperty) WithLabels(on, off string) *BoolProperty {
	p.LabelOn = on
	p.LabelOff = off
	return p
}
func (p *BoolProperty) TypeString() string {
	return "BOOLEAN"
}
func (p *BoolProperty) Settable() bool {
	return true
}
func (p *BoolProperty) DefaultValue() interface{} {
	return p.Default
}
func (p *BoolProperty) Options() map[string]interface{} {
	opts := map[string]interface{}{"default": p.Default}
	if p.LabelOn != "" {
		opts["label_on"] = p.LabelOn
	}
	if p.LabelOff != "" {
		opts["label_off"] = p.LabelOff
	}
	return opts
}
func (p *BoolProperty) valueFromString(value string) interface{} {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return nil
	}
	return v
}

type IntProperty struct {
	BaseProperty
	Default  int64
	Min      int64
	Max      int64
	Step     int64
	hasStep  bool
	hasRange bool
}

func NewIntProperty(name string, def, min, max int64) *IntProperty {
	c := &IntProperty{
		BaseProperty: BaseProperty{name: name},
		Default:      def,
		Min:          min,
		Max:          max,
		hasRange:     true,
	}
	c.parent = c
	return c
}

// WithStep sets the widget increment.
func (p *IntProperty) WithStep(step int64) *IntProperty {
	p.Step = step
	p.hasStep = true
	return p
}
func (p *IntProperty) TypeString() string {
	return "INT"
}
func (p *IntProperty) HasStep() bool {
	return p.hasStep
}
func (p *IntProperty) HasRange() bool {
	return p.hasRange
}
func (p *IntProperty) Settable() bool {
	return true
}
func (p *IntProperty) DefaultValue() interface{} {
	return p.Default
}
func (p *IntProperty) Options() map[string]interface{} {
	opts := map[string]interface{}{"default": p.Default}
	if p.hasRange {
		opts["min"] = p.Min
		opts["max"] = p.Max
	}
	if p.hasStep {
		opts["step"] = p.Step
	}
	return opts
}
func (p *IntProperty) valueFromString(value string) interface{} {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		// JSON numbers arrive as float64 and may print in exponent form
		f, ferr := strconv.ParseFloat(value, 64)
		if ferr != nil || math.IsNaN(f) {
			return nil
		}
		if f >= math.MaxInt64 {
			v = math.MaxInt64
		} else if f <= math.MinInt64 {
			v = math.MinInt64
		} else {
			v = int64(f)
		}
	}
	if p.hasRange {
		v = min(p.Max, v)
		v = max(p.Min, v)
	}
	return v
}

type FloatProperty struct {
	BaseProperty
	Default  float64
	Min      float64
	Max      float64
	Step     float64
	hasStep  bool
	hasRange bool
}

func NewFloatProperty(name string, def, min, max, step float64) *FloatProperty {
	c := &FloatProperty{
		BaseProperty: BaseProperty{name: name},
		Default:      def,
		Min:          min,
		Max:          max,
		Step:         step,
		hasRange:     true,
		hasStep:      step > 0,
	}
	c.parent = c
	return c
}
func (p *FloatProperty) TypeString() string {
	return "FLOAT"
}
func (p *FloatProperty) HasStep() bool {
	return p.hasStep
}
func (p *FloatProperty) HasRange() bool {
	return p.hasRange
}
func (p *FloatProperty) Settable() bool {
	return true
}
func (p *FloatProperty) DefaultValue() interface{} {
	return p.Default
}
func (p *FloatProperty) Options() map[string]interface{} {
	opts := map[string]interface{}{"default": p.Default}
	if p.hasRange {
		opts["min"] = p.Min
		opts["max"] = p.Max
	}
	if p.hasStep {
		opts["step"] = p.Step
	}
	return opts
}
func (p *FloatProperty) valueFromString(value string) interface{} {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	if p.hasRange {
		v = math.Min(v, p.Max)
		v = math.Max(v, p.Min)
	}
	return v
}

type StringProperty struct {
	BaseProperty
	Default    string
	Multiline  bool
	ForceInput bool
}

func NewStringProperty(name, def string, multiline bool) *StringProperty {
	c := &StringProperty{
		BaseProperty: BaseProperty{name: name},
		Default:      def,
		Multiline:    multiline,
	}
	c.parent = c
	return c
}

// Linked marks the string as an input socket rather than a text box.
func (p *StringProperty) Linked() *StringProperty {
	p.ForceInput = true
	return p
}
func (p *StringProperty) TypeString() string {
	return "STRING"
}
func (p *StringProperty) Settable() bool {
	return true
}
func (p *StringProperty) DefaultValue() interface{} {
	return p.Default
}
func (p *StringProperty) Options() map[string]interface{} {
	opts := map[string]interface{}{"default": p.Default}
	if p.Multiline {
		opts["multiline"] = true
	}
	if p.ForceInput {
		opts["forceInput"] = true
	}
	return opts
}
func (p *StringProperty) valueFromString(value string) interface{} {
	return value
}

type ComboProperty struct {
	BaseProperty
	Values  []string
	Default string
}

func NewComboProperty(name string, values []string, def string) *ComboProperty {
	c := &ComboProperty{
		BaseProperty: BaseProperty{name: name},
		Values:       append([]string(nil), values...),
		Default:      def,
	}
	if c.Default == "" && len(c.Values) > 0 {
		c.Default = c.Values[0]
	}
	c.parent = c
	return c
}
func (p *ComboProperty) TypeString() string {
	return "COMBO"
}
func (p *ComboProperty) Settable() bool {
	return true
}
func (p *ComboProperty) DefaultValue() interface{} {
	return p.Default
}
func (p *ComboProperty) Options() map[string]interface{} {
	return map[string]interface{}{"default": p.Default}
}
func (p *ComboProperty) valueFromString(value string) interface{} {
	// ensure we have this string in our values
	for _, v := range p.Values {
		if value == v {
			return value
		}
	}
	return nil
}

// Append will add the new value to the combo if it's not already available
func (p *ComboProperty) Append(newValue string) {
	for i := range p.Values {
		if p.Values[i] == newValue {
			return
		}
	}
	p.Values = append(p.Values, newValue)
}

// LinkProperty is an input socket carrying a host object (IMAGE, MODEL, CLIP, ...).
type LinkProperty struct {
	BaseProperty
	TypeName string
}

func NewLinkProperty(name, typename string) *LinkProperty {
	c := &LinkProperty{
		BaseProperty: BaseProperty{name: name},
		TypeName:     typename,
	}
	c.parent = c
	return c
}
func (p *LinkProperty) TypeString() string {
	return p.TypeName
}
func (p *LinkProperty) Settable() bool {
	return false
}
func (p *LinkProperty) DefaultValue() interface{} {
	return nil
}
func (p *LinkProperty) Options() map[string]interface{} {
	return nil
}

// Coerce passes host objects through untouched.
func (p *LinkProperty) Coerce(v interface{}) (interface{}, error) {
	return v, nil
}
func (p *LinkProperty) valueFromString(value string) interface{} {
	return nil
}

// NewPropertyFromInput builds a property from one entry of an object_info input map:
// ["INT", {"default": 0, "min": 0}], [["a","b"], {"default": "a"}] or ["IMAGE"].
func NewPropertyFromInput(inputName string, optional bool, input interface{}, index int) (Property, error) {
	slice, ok := input.([]interface{})
	if !ok || len(slice) == 0 {
		return nil, errors.New("input declaration is not a non-empty list")
	}
	var data map[string]interface{}
	if len(slice) > 1 {
		data, _ = slice[1].(map[string]interface{})
	}

	var prop Property
	if values, ok := slice[0].([]interface{}); ok {
		svals := make([]string, 0, len(values))
		for _, v := range values {
			if s, ok := v.(string); ok {
				svals = append(svals, s)
			}
		}
		def, _ := data["default"].(string)
		prop = NewComboProperty(inputName, svals, def)
	} else if stype, ok := slice[0].(string); ok {
		switch stype {
		case "STRING":
			p := NewStringProperty(inputName, "", false)
			if val, ok := data["default"].(string); ok {
				p.Default = val
			}
			if val, ok := data["multiline"].(bool); ok {
				p.Multiline = val
			}
			if val, ok := data["forceInput"].(bool); ok {
				p.ForceInput = val
			}
			prop = p
		case "INT":
			p := NewIntProperty(inputName, 0, 0, math.MaxInt64)
			p.hasRange = false
			if val, ok := asFloat(data["default"]); ok {
				p.Default = int64(val)
			}
			if val, ok := asFloat(data["min"]); ok {
				p.Min = int64(val)
				p.hasRange = true
			}
			if val, ok := asFloat(data["max"]); ok {
				p.Max = clampFloatToInt64(val)
				p.hasRange = true
			}
			if val, ok := asFloat(data["step"]); ok {
				p.WithStep(int64(val))
			}
			prop = p
		case "FLOAT":
			p := NewFloatProperty(inputName, 0, 0, math.MaxFloat64, 0)
			p.hasRange = false
			if val, ok := asFloat(data["default"]); ok {
				p.Default = val
			}
			if val, ok := asFloat(data["min"]); ok {
				p.Min = val
				p.hasRange = true
			}
			if val, ok := asFloat(data["max"]); ok {
				p.Max = val
				p.hasRange = true
			}
			if val, ok := asFloat(data["step"]); ok {
				p.Step = val
				p.hasStep = true
			}
			prop = p
		case "BOOLEAN":
			p := NewBoolProperty(inputName, false)
			if val, ok := data["default"].(bool); ok {
				p.Default = val
			}
			if val, ok := data["label_on"].(string); ok {
				p.LabelOn = val
			}
			if val, ok := data["label_off"].(string); ok {
				p.LabelOff = val
			}
			prop = p
		default:
			prop = NewLinkProperty(inputName, stype)
		}
	} else {
		slog.Debug("unrecognized input declaration", "input", inputName)
		return nil, fmt.Errorf("input %q: unrecognized declaration", inputName)
	}
	prop.setOptional(optional)
	prop.setIndex(index)
	return prop, nil
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func clampFloatToInt64(f float64) int64 {
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}
