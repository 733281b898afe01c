package lora

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tksw/comfynodes/tensor"
)

func vec(vals ...float32) *tensor.Tensor {
	t, _ := tensor.New([]int{len(vals)}, vals)
	return t
}

func sampleSet() *TensorSet {
	s := NewTensorSet()
	s.Tensors["lora_unet_down_0.lora_down.weight"] = vec(1, 2)
	s.Tensors["lora_unet_down_0.lora_up.weight"] = vec(3, 4)
	s.Tensors["lora_unet_down_0.alpha"] = vec(8)
	s.Tensors["lora_te_text_0.lora_down.weight"] = vec(1, 1)
	s.Tensors["lora_te_text_0.lora_up.weight"] = vec(2, 2)
	s.Metadata["ss_network_dim"] = "4"
	return s
}

func TestParseStrengthSpec(t *testing.T) {
	spec := ParseStrengthSpec("lora_unet=0.5\n\n  lora_te : 2\nbroken line\nx=abc\nlora_unet=0.25\n", nil)
	require.Len(t, spec, 2)
	assert.Equal(t, "lora_unet", spec[0].Pattern)
	assert.Equal(t, 0.25, spec[0].Strength, "last definition wins")
	assert.Equal(t, 6, spec[0].Line)
	assert.Equal(t, "lora_te", spec[1].Pattern)
	assert.Equal(t, 2.0, spec[1].Strength)

	assert.Empty(t, ParseStrengthSpec("", nil))
}

func TestResolverScalesBySquareRoot(t *testing.T) {
	set := sampleSet()
	out, rep := Resolver{}.Apply(set, StrengthSpec{{Pattern: "lora_unet", Strength: 4}})

	assert.Equal(t, []float32{2, 4}, out.Tensors["lora_unet_down_0.lora_down.weight"].Data)
	assert.Equal(t, []float32{6, 8}, out.Tensors["lora_unet_down_0.lora_up.weight"].Data)
	assert.Equal(t, []float32{8}, out.Tensors["lora_unet_down_0.alpha"].Data, "non scalable keys are never scaled")
	assert.Equal(t, []float32{1, 1}, out.Tensors["lora_te_text_0.lora_down.weight"].Data)
	assert.Equal(t, "4", out.Metadata["ss_network_dim"])
	assert.Equal(t, 2, rep.Matched)

	// input untouched
	assert.Equal(t, []float32{1, 2}, set.Tensors["lora_unet_down_0.lora_down.weight"].Data)
}

func TestResolverRemoveUnspecified(t *testing.T) {
	out, rep := Resolver{RemoveUnspecified: true}.Apply(sampleSet(), StrengthSpec{{Pattern: "lora_te", Strength: 1}})
	assert.Equal(t, []string{"lora_te_text_0.lora_down.weight", "lora_te_text_0.lora_up.weight"}, out.Keys())
	assert.Equal(t, 3, rep.Removed)
}

func TestResolverRegexFullMatchAndLastWins(t *testing.T) {
	spec := StrengthSpec{
		{Pattern: `lora_unet_.*`, Strength: 4},
		{Pattern: `lora_unet_down_\d+\.lora_up\.weight`, Strength: 9},
		{Pattern: `lora_te`, Strength: 100},
		{Pattern: `(unclosed`, Strength: 1},
	}
	out, rep := Resolver{Regex: true}.Apply(sampleSet(), spec)

	assert.Equal(t, []float32{2, 4}, out.Tensors["lora_unet_down_0.lora_down.weight"].Data)
	assert.Equal(t, []float32{9, 12}, out.Tensors["lora_unet_down_0.lora_up.weight"].Data)
	assert.Equal(t, []float32{1, 1}, out.Tensors["lora_te_text_0.lora_down.weight"].Data, "regex must match the whole key")
	assert.Equal(t, []string{"(unclosed"}, rep.InvalidRules)
}

func TestResolverLookaround(t *testing.T) {
	spec := StrengthSpec{{Pattern: `lora_(?!te).*`, Strength: 0.25}}
	out, _ := Resolver{Regex: true}.Apply(sampleSet(), spec)
	assert.Equal(t, []float32{0.5, 1}, out.Tensors["lora_unet_down_0.lora_down.weight"].Data)
	assert.Equal(t, []float32{1, 1}, out.Tensors["lora_te_text_0.lora_down.weight"].Data)
}

func TestResolverNegativeStrength(t *testing.T) {
	out, _ := Resolver{}.Apply(sampleSet(), StrengthSpec{{Pattern: "lora_unet", Strength: -4}})
	down := out.Tensors["lora_unet_down_0.lora_down.weight"].Data
	up := out.Tensors["lora_unet_down_0.lora_up.weight"].Data
	assert.Equal(t, []float32{-2, -4}, down)
	assert.Equal(t, []float32{6, 8}, up)
	for _, v := range append(down, up...) {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestKeyPrefixes(t *testing.T) {
	assert.Equal(t, "lora_te_text_0\nlora_unet_down_0", sampleSet().KeyPrefixes())
	var empty *TensorSet
	assert.Equal(t, "", empty.KeyPrefixes())
}

func TestTensorSetSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), SaveFileName("processed"))
	assert.Equal(t, "processed.safetensors", filepath.Base(path))
	require.NoError(t, sampleSet().Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, sampleSet().Keys(), back.Keys())
	assert.Equal(t, "4", back.Metadata["ss_network_dim"])
	assert.Contains(t, back.MetadataJSON(), `"ss_network_dim": "4"`)
	assert.Equal(t, "x.safetensors", SaveFileName("../../x"))
}
