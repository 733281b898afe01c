package lora

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/tksw/comfynodes/tensor"
)

// QuantizeOptions configures Quantize.
type QuantizeOptions struct {
	Bits        int
	Iterations  int
	Stepwise    bool
	StepSize    int
	Blend       bool
	BlendFactor float64
}

// QuantizeTensor simulates affine min/max quantization to bits and returns the dequantized
// values. A constant tensor quantizes to zeros.
func QuantizeTensor(t *tensor.Tensor, bits int) *tensor.Tensor {
	lo, hi := float64(t.Min()), float64(t.Max())
	if hi-lo == 0 {
		out := tensor.Zeros(t.Shape...)
		out.DType = t.DType
		return out
	}
	levels := math.Exp2(float64(bits)) - 1
	scale := (hi - lo) / levels
	zero := math.Round(-lo / scale)
	return t.Map(func(v float32) float32 {
		q := math.Round(float64(v)/scale + zero)
		q = math.Max(0, math.Min(levels, q))
		return float32((q - zero) * scale)
	})
}

// sourceBits is 32 when the projections are F32 and 16 otherwise.
func sourceBits(set *TensorSet) int {
	for k, t := range set.Tensors {
		if IsScalable(k) {
			if t.DType == tensor.F32 || t.DType == "" {
				return 32
			}
			return 16
		}
	}
	return 32
}

// Quantize returns a copy of set with every down/up projection quantized. Stepwise mode walks
// down from the source precision StepSize bits at a time. Blend mixes the result back with
// the unquantized values by BlendFactor.
func Quantize(set *TensorSet, opts QuantizeOptions) *TensorSet {
	iterations := max(1, opts.Iterations)
	stepwise := opts.Stepwise && opts.Bits < sourceBits(set)
	step := max(1, opts.StepSize)

	out := &TensorSet{Tensors: make(map[string]*tensor.Tensor, len(set.Tensors)), Metadata: make(map[string]string, len(set.Metadata))}
	for k, v := range set.Metadata {
		out.Metadata[k] = v
	}
	for k, t := range set.Tensors {
		if !strings.Contains(k, "lora_down") && !strings.Contains(k, "lora_up") {
			out.Tensors[k] = t.Clone()
			continue
		}
		q := t
		if stepwise {
			bits := sourceBits(set)
			for i := 0; i < iterations; i++ {
				for bits > opts.Bits {
					bits = max(bits-step, opts.Bits)
					q = QuantizeTensor(q, bits)
				}
			}
		} else {
			for i := 0; i < iterations; i++ {
				q = QuantizeTensor(q, opts.Bits)
			}
		}
		if q == t {
			q = t.Clone()
		}
		if opts.Blend {
			if blended, err := q.Lerp(t, opts.BlendFactor); err == nil {
				q = blended
			}
		}
		out.Tensors[k] = q
	}
	return out
}

// Annotate records the quantization settings in the set's metadata.
func (o QuantizeOptions) Annotate(set *TensorSet) {
	set.Metadata["quantization_bits"] = fmt.Sprint(o.Bits)
	set.Metadata["quantization_iterations"] = fmt.Sprint(o.Iterations)
	set.Metadata["stepwise_quantization"] = fmt.Sprint(o.Stepwise)
	set.Metadata["quantization_step_size"] = fmt.Sprint(o.StepSize)
	set.Metadata["blend_mode"] = fmt.Sprint(o.Blend)
	set.Metadata["blend_factor"] = fmt.Sprint(o.BlendFactor)
}

// SaveName decorates a base name with the settings, e.g. "q_q8_i1_sfalse_ss2_bfalse_bf0.5.safetensors".
func (o QuantizeOptions) SaveName(base string) string {
	base = strings.TrimSuffix(base, ".safetensors")
	name := fmt.Sprintf("%s_q%d_i%d_s%t_ss%d_b%t_bf%v", base, o.Bits, o.Iterations, o.Stepwise, o.StepSize, o.Blend, o.BlendFactor)
	return filepath.Base(name) + ".safetensors"
}
