package cfgschedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigmaIndex(t *testing.T) {
	desc := []float64{10, 5, 1, 0}
	cases := map[float64]int{10: 0, 7: 0, 5: 1, 3: 1, 0.5: 2, 0: 3, 20: 0, -1: 3}
	for sigma, want := range cases {
		assert.Equal(t, want, SigmaIndex(sigma, desc), "sigma %v", sigma)
	}

	asc := []float64{0, 1, 2}
	assert.Equal(t, 1, SigmaIndex(1.5, asc))
	assert.Equal(t, 2, SigmaIndex(9, asc))
	assert.Equal(t, 0, SigmaIndex(3, nil))
}

func TestCounterHook(t *testing.T) {
	s, err := Expand(ParsePoints("0:5, 1:1", nil), Options{Total: 2})
	require.NoError(t, err)

	h := NewCounterHook(s)
	cfg, skip := h.Step(0, 8)
	assert.Equal(t, 5.0, cfg)
	assert.False(t, skip)
	assert.False(t, h.Completed())

	cfg, skip = h.Step(0, 8)
	assert.Equal(t, 1.0, cfg)
	assert.True(t, skip, "a scale of 1 skips the unconditional pass")
	assert.True(t, h.Completed())

	cfg, _ = h.Step(0, 8)
	assert.Equal(t, 1.0, cfg, "past the end holds the last value")

	h.Reset()
	h.DisableCFG1Optimization = true
	h.Step(0, 8)
	_, skip = h.Step(0, 8)
	assert.False(t, skip)
}

func TestSigmaHook(t *testing.T) {
	sigmas := []float64{10, 5, 1, 0}
	s, err := Expand(ParsePoints("0:7, 1:6:s, 2:5, 3:4", nil), Options{Total: len(sigmas)})
	require.NoError(t, err)

	h := NewSigmaHook(s, sigmas)
	cfg, skip := h.Step(5, 8)
	assert.Equal(t, 6.0, cfg)
	assert.True(t, skip)

	cfg, _ = h.Step(0.5, 8)
	assert.Equal(t, 5.0, cfg)
	assert.False(t, h.Completed())

	cfg, _ = h.Step(0, 8)
	assert.Equal(t, 4.0, cfg)
	assert.True(t, h.Completed())

	empty := NewCounterHook(&Schedule{})
	cfg, skip = empty.Step(3, 8)
	assert.Equal(t, 8.0, cfg)
	assert.False(t, skip)
}
