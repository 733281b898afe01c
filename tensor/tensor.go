// Package tensor is a minimal dense float32 tensor used for LoRA weights and images.
package tensor

import (
	"fmt"
	"math"
)

// Storage dtypes as they appear in safetensors headers.
const (
	F32  = "F32"
	F16  = "F16"
	BF16 = "BF16"
)

// Tensor is a row-major float32 array. DType records the on-disk precision and drives ByteSize.
type Tensor struct {
	Shape []int
	Data  []float32
	DType string
}

// New wraps data with the given shape. The element count must match.
func New(shape []int, data []float32) (*Tensor, error) {
	n := count(shape)
	if n != len(data) {
		return nil, fmt.Errorf("tensor: shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data, DType: F32}, nil
}

// Zeros allocates a zero tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, count(shape)), DType: F32}
}

func count(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
		DType: t.DType,
	}
}

func (t *Tensor) Numel() int {
	return len(t.Data)
}

// ElementSize is the storage width of one element in bytes.
func ElementSize(dtype string) int {
	switch dtype {
	case F16, BF16:
		return 2
	case "F64", "I64":
		return 8
	case "I8", "U8":
		return 1
	default:
		return 4
	}
}

// ByteSize is element count times storage width.
func (t *Tensor) ByteSize() int64 {
	return int64(t.Numel()) * int64(ElementSize(t.DType))
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if t == nil || o == nil || len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Map returns a new tensor with f applied to every element.
func (t *Tensor) Map(f func(float32) float32) *Tensor {
	out := &Tensor{Shape: append([]int(nil), t.Shape...), Data: make([]float32, len(t.Data)), DType: t.DType}
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	return out
}

func (t *Tensor) Scale(f float64) *Tensor {
	s := float32(f)
	return t.Map(func(v float32) float32 { return v * s })
}

func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	if !t.SameShape(o) {
		return nil, fmt.Errorf("tensor: add shape mismatch %v vs %v", t.Shape, o.Shape)
	}
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] += o.Data[i]
	}
	return out, nil
}

// Lerp returns t*(1-w) + o*w.
func (t *Tensor) Lerp(o *Tensor, w float64) (*Tensor, error) {
	if !t.SameShape(o) {
		return nil, fmt.Errorf("tensor: lerp shape mismatch %v vs %v", t.Shape, o.Shape)
	}
	out := t.Clone()
	wf := float32(w)
	for i := range out.Data {
		out.Data[i] = out.Data[i]*(1-wf) + o.Data[i]*wf
	}
	return out, nil
}

func (t *Tensor) Min() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	m := float32(math.Inf(1))
	for _, v := range t.Data {
		if v < m {
			m = v
		}
	}
	return m
}

func (t *Tensor) Max() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	m := float32(math.Inf(-1))
	for _, v := range t.Data {
		if v > m {
			m = v
		}
	}
	return m
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s %v)", t.DType, t.Shape)
}
