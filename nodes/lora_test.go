package nodes

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tksw/comfynodes/lora"
	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
)

// writeLora saves a one-block LoRA whose down/up values are multiplied by scale.
func writeLora(t *testing.T, dir, name string, scale float32) {
	t.Helper()
	mk := func(shape []int, data ...float32) *tensor.Tensor {
		for i := range data {
			data[i] *= scale
		}
		tt, err := tensor.New(shape, data)
		require.NoError(t, err)
		return tt
	}
	set := lora.NewTensorSet()
	set.Tensors["unet.x.lora_down.weight"] = mk([]int{1, 2}, 1, 2)
	set.Tensors["unet.x.lora_up.weight"] = mk([]int{2, 1}, 3, 4)
	alpha, err := tensor.New([]int{1}, []float32{1})
	require.NoError(t, err)
	set.Tensors["unet.x.alpha"] = alpha
	set.Metadata["ss_name"] = name
	require.NoError(t, set.Save(filepath.Join(dir, name)))
}

func twoLoras(t *testing.T) func(string) {
	return func(dir string) {
		writeLora(t, dir, "a.safetensors", 1)
		writeLora(t, dir, "b.safetensors", 2)
	}
}

func TestLoraLoaderElemental(t *testing.T) {
	f := newFixture(t, twoLoras(t))
	inst := f.node(t, "LoraLoaderElemental")

	_, err := inst.Run(context.Background(), map[string]interface{}{"lora_name": "a.safetensors"})
	assert.ErrorIs(t, err, nodeapi.ErrConfiguration)

	out := run(t, inst, map[string]interface{}{"lora_name": "a.safetensors", "model": "m", "strength_model": 0, "strength_clip": 0})
	assert.Equal(t, "m", out.Get(0))
	assert.Nil(t, out.Get(2))
	assert.Contains(t, out.Get(3), `"ss_name": "a.safetensors"`)
	assert.Equal(t, "unet", out.Get(4))
	assert.Empty(t, f.patcher.calls, "zero strengths do not patch")

	out = run(t, inst, map[string]interface{}{
		"lora_name":            "a.safetensors",
		"model":                "m",
		"clip":                 "c",
		"strength_model":       0.8,
		"lora_strength_string": "unet.x=4",
		"save_lora":            true,
		"save_name":            "processed",
	})
	assert.Equal(t, "m+lora", out.Get(0))
	assert.Equal(t, "c+lora", out.Get(1))
	processed := out.Get(2).(*lora.TensorSet)
	assert.Equal(t, []float32{2, 4}, processed.Tensors["unet.x.lora_down.weight"].Data)
	assert.Equal(t, []float32{6, 8}, processed.Tensors["unet.x.lora_up.weight"].Data)
	assert.Equal(t, []float32{1}, processed.Tensors["unet.x.alpha"].Data)
	require.Len(t, f.patcher.calls, 1)
	assert.Equal(t, 0.8, f.patcher.calls[0].strengthModel)
	assert.Equal(t, 1.0, f.patcher.calls[0].strengthClip)

	saved, err := lora.Load(filepath.Join(f.loraDir, "processed.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, processed.Keys(), saved.Keys())

	out = run(t, inst, map[string]interface{}{
		"lora_name":               "a.safetensors",
		"clip":                    "c",
		"lora_strength_string":    `unet\.x\.lora_down.*=1`,
		"regex_mode":              true,
		"remove_unspecified_keys": true,
	})
	assert.Equal(t, []string{"unet.x.lora_down.weight"}, out.Get(2).(*lora.TensorSet).Keys())
	assert.Nil(t, out.Get(0))
	assert.Equal(t, 0.0, f.patcher.calls[1].strengthModel, "a missing model gets no strength")
}

func TestLoraLoaderWithoutPatcher(t *testing.T) {
	f := newFixture(t, twoLoras(t))
	reg := nodeapi.NewRegistry()
	require.NoError(t, Register(reg, Env{Config: f.cfg}))
	inst, err := reg.New("LoraLoaderElemental")
	require.NoError(t, err)
	_, err = inst.Run(context.Background(), map[string]interface{}{"lora_name": "a.safetensors", "model": "m"})
	assert.ErrorIs(t, err, nodeapi.ErrConfiguration)
}

func TestQuantizedLoraLoader(t *testing.T) {
	f := newFixture(t, twoLoras(t))
	out := run(t, f.node(t, "QuantizedLoraLoader"), map[string]interface{}{
		"lora_name":           "a.safetensors",
		"model":               "m",
		"save_quantized_lora": true,
		"save_name":           "q",
	})
	assert.Equal(t, "m+lora", out.Get(0))
	assert.Nil(t, out.Get(1))
	quantized := out.Get(2).(*lora.TensorSet)
	assert.Len(t, quantized.Tensors, 3)
	assert.Contains(t, out.Get(3), `"ss_name": "a.safetensors"`)
	require.Len(t, f.patcher.calls, 1)
	assert.Equal(t, 0.0, f.patcher.calls[0].strengthClip)

	saved, err := lora.Load(filepath.Join(f.loraDir, "q_q8_i1_sfalse_ss2_bfalse_bf0.5.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "8", saved.Metadata["quantization_bits"])
	assert.NotContains(t, quantized.Metadata, "quantization_bits", "annotations only go to the saved copy")
}

func TestLoraSelector(t *testing.T) {
	f := newFixture(t, twoLoras(t))
	inst := f.node(t, "LoraSelector")
	raw := map[string]interface{}{"mode": "round-robin", "lora_0": "b.safetensors", "lora_3": "a.safetensors", "model": "m"}

	out := run(t, inst, raw)
	assert.Equal(t, []interface{}{"m+lora", nil, "a.safetensors"}, out.Values)
	out = run(t, inst, raw)
	assert.Equal(t, "b.safetensors", out.Get(2))
	require.Len(t, f.patcher.calls, 2)
	assert.NotNil(t, f.patcher.calls[1].set)

	delete(raw, "model")
	out = run(t, inst, raw)
	assert.Equal(t, []interface{}{nil, nil, "a.safetensors"}, out.Values)
	assert.Len(t, f.patcher.calls, 2, "nothing to patch")

	out = run(t, f.node(t, "LoraSelector"), map[string]interface{}{"model": "m"})
	assert.Equal(t, []interface{}{"m", nil, lora.NoSelection}, out.Values)

	folder := t.TempDir()
	writeLora(t, folder, "c.safetensors", 3)
	out = run(t, f.node(t, "LoraSelector"), map[string]interface{}{"lora_folder": folder, "clip": "c"})
	assert.Equal(t, []interface{}{nil, "c+lora", "c.safetensors"}, out.Values)
	last := f.patcher.calls[len(f.patcher.calls)-1]
	assert.Equal(t, []float32{3, 6}, last.set.Tensors["unet.x.lora_down.weight"].Data)
}

func TestLoraWeightRandomizer(t *testing.T) {
	f := newFixture(t, twoLoras(t))
	inst := f.node(t, "LoraWeightRandomizer")

	out := run(t, inst, map[string]interface{}{"model": "m", "clip": "c"})
	assert.Equal(t, []interface{}{"m", "c", ""}, out.Values)

	out = run(t, inst, map[string]interface{}{"model": "m", "clip": "c", "0:lora": "a.safetensors", "3:lora": "b.safetensors", "seed": 5})
	assert.Equal(t, "m+lora+lora", out.Get(0))
	settings := out.Get(2).(string)
	assert.Contains(t, settings, "LoraWeightRandomizer Settings:\n")
	assert.Contains(t, settings, "  - a.safetensors: ")
	assert.Contains(t, settings, "  - b.safetensors: ")

	require.Len(t, f.patcher.calls, 2)
	total := 0.0
	for _, c := range f.patcher.calls {
		assert.Equal(t, c.strengthModel, c.strengthClip)
		assert.LessOrEqual(t, c.strengthModel, 1.0)
		total += c.strengthModel
	}
	assert.InDelta(t, 1.0, total, 0.011)

	_, err := inst.Run(context.Background(), map[string]interface{}{"model": "m"})
	assert.ErrorIs(t, err, nodeapi.ErrConfiguration)
}

func TestLoraMixerElemental(t *testing.T) {
	f := newFixture(t, twoLoras(t))
	inst := f.node(t, "LoraMixerElemental")

	_, err := inst.Run(context.Background(), map[string]interface{}{"lora_name_1": "a.safetensors"})
	assert.ErrorIs(t, err, nodeapi.ErrConfiguration)

	out := run(t, inst, map[string]interface{}{"model": "m"})
	assert.Equal(t, []interface{}{"m", nil, nil, "", "{}"}, out.Values)

	out = run(t, inst, map[string]interface{}{"model": "m", "lora_name_1": "a.safetensors", "lora_name_2": "b.safetensors", "seed": 3})
	assert.Equal(t, "m+lora", out.Get(0))
	mixed := out.Get(2).(*lora.TensorSet)
	assert.Equal(t, []string{"unet.x.lora_down.weight", "unet.x.lora_up.weight"}, mixed.Keys())
	assert.Regexp(t, `^unet\.x\.lora_down\.weight:[ab]\.safetensors\nunet\.x\.lora_up\.weight:[ab]\.safetensors$`, out.Get(3))

	var report map[string]map[string]string
	require.NoError(t, json.Unmarshal([]byte(out.Get(4).(string)), &report))
	require.Contains(t, report, "mix_pass_1")
	assert.Len(t, report["mix_pass_1"], 2)

	f.patcher.calls = nil
	out = run(t, inst, map[string]interface{}{
		"model":           "m",
		"clip":            "c",
		"lora_name_1":     "a.safetensors",
		"lora_name_2":     "b.safetensors",
		"multi_mix":       "On",
		"num_mix_passes":  3,
		"save_mixed_lora": "All",
		"save_name":       "mix",
	})
	require.Len(t, f.patcher.calls, 3)
	assert.Equal(t, "m+lora", f.patcher.calls[1].model, "passes chain onto the previous result")
	assert.Equal(t, "m+lora+lora+lora", out.Get(0))
	for _, name := range []string{"mix_1.safetensors", "mix_2.safetensors", "mix_3.safetensors"} {
		assert.FileExists(t, filepath.Join(f.loraDir, name))
	}
}
