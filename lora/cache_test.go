package lora

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	loads map[string]int
}

func (c *countingLoader) sized(key string, size int64) Loader {
	return func() (*TensorSet, int64, error) {
		c.loads[key]++
		s := NewTensorSet()
		s.Metadata["name"] = key
		return s, size, nil
	}
}

func newTestCache(budget int64) (*Cache, *CacheMetrics, *countingLoader) {
	m := NewCacheMetrics(prometheus.NewRegistry())
	return NewCache(budget, m, nil), m, &countingLoader{loads: map[string]int{}}
}

func TestCacheEvictsLeastRecentlyUsedByBytes(t *testing.T) {
	c, m, l := newTestCache(100)

	_, hit, err := c.GetOrLoad("a", l.sized("a", 40))
	require.NoError(t, err)
	assert.False(t, hit)
	_, _, _ = c.GetOrLoad("b", l.sized("b", 40))

	set, hit, err := c.GetOrLoad("a", l.sized("a", 40))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "a", set.Metadata["name"])
	assert.Equal(t, []string{"b", "a"}, c.Keys())
	assert.Equal(t, int64(80), c.SizeBytes(), "a hit changes nothing but recency")

	_, _, _ = c.GetOrLoad("c", l.sized("c", 40))
	assert.Equal(t, []string{"a", "c"}, c.Keys())
	assert.Equal(t, int64(80), c.SizeBytes())
	assert.Equal(t, 1, l.loads["a"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Hits))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions))
	assert.Equal(t, 80.0, testutil.ToFloat64(m.Bytes))
}

func TestCacheEvictsSeveralForOneLargeEntry(t *testing.T) {
	c, _, l := newTestCache(100)
	for _, k := range []string{"a", "b", "c"} {
		_, _, _ = c.GetOrLoad(k, l.sized(k, 30))
	}
	_, _, _ = c.GetOrLoad("d", l.sized("d", 70))
	assert.Equal(t, []string{"c", "d"}, c.Keys())
	assert.Equal(t, int64(100), c.SizeBytes())
}

func TestCacheOversizedEntryIsNotCached(t *testing.T) {
	c, m, l := newTestCache(100)
	_, _, _ = c.GetOrLoad("a", l.sized("a", 50))

	set, hit, err := c.GetOrLoad("huge", l.sized("huge", 150))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NotNil(t, set)
	assert.Equal(t, []string{"a"}, c.Keys(), "existing entries survive")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uncacheable))
}

func TestCacheDisabled(t *testing.T) {
	c, _, l := newTestCache(0)
	for i := 0; i < 3; i++ {
		_, hit, err := c.GetOrLoad("a", l.sized("a", 1))
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, 3, l.loads["a"])
	assert.Zero(t, c.Len())
}

func TestCacheLoadError(t *testing.T) {
	c, _, _ := newTestCache(100)
	boom := errors.New("boom")
	_, _, err := c.GetOrLoad("a", func() (*TensorSet, int64, error) { return nil, 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())
}

func TestCacheSetBudget(t *testing.T) {
	c, _, l := newTestCache(100)
	_, _, _ = c.GetOrLoad("a", l.sized("a", 40))
	_, _, _ = c.GetOrLoad("b", l.sized("b", 40))

	c.SetBudget(50)
	assert.Equal(t, []string{"b"}, c.Keys())

	c.SetBudget(0)
	assert.Zero(t, c.Len())
	assert.Zero(t, c.SizeBytes())
}

func TestLimitFromGB(t *testing.T) {
	assert.Equal(t, int64(4*GiB), LimitFromGB(4))
	assert.Equal(t, int64(GiB/2), LimitFromGB(0.5))
	assert.Zero(t, LimitFromGB(-1))
}

func writeLora(t *testing.T, dir, name string, v float32) string {
	t.Helper()
	s := NewTensorSet()
	s.Tensors["x.lora_down.weight"] = vec(v)
	s.Tensors["x.lora_up.weight"] = vec(v)
	path := filepath.Join(dir, name)
	require.NoError(t, s.Save(path))
	return path
}

func TestSelectorRoundRobinWithInterval(t *testing.T) {
	dir := t.TempDir()
	writeLora(t, dir, "a.safetensors", 1)
	writeLora(t, dir, "b.safetensors", 2)
	sel := NewSelector(nil, nil, []string{".safetensors"}, nil)

	req := SelectRequest{Folder: dir, Mode: ModeRoundRobin, SwitchInterval: 2}
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, sel.Choose(req))
	}
	assert.Equal(t, []string{"a.safetensors", "a.safetensors", "b.safetensors", "b.safetensors", "a.safetensors"}, got)
}

func TestSelectorRandomAvoidsCurrent(t *testing.T) {
	sel := NewSelector(nil, nil, nil, nil)
	req := SelectRequest{Slots: []string{"x", "y", "", "x"}, Mode: ModeRandom, SwitchInterval: 1, Seed: 7}
	assert.Equal(t, []string{"x", "y"}, sel.Candidates(req))

	prev := sel.Choose(req)
	for i := 0; i < 6; i++ {
		next := sel.Choose(req)
		assert.NotEqual(t, prev, next)
		prev = next
	}

	single := NewSelector(nil, nil, nil, nil)
	req.Slots = []string{"only"}
	assert.Equal(t, "only", single.Choose(req))
	assert.Equal(t, "only", single.Choose(req))
}

func TestSelectorResetsOnCandidateChange(t *testing.T) {
	sel := NewSelector(nil, nil, nil, nil)
	req := SelectRequest{Slots: []string{"a", "b", "c"}, Mode: ModeRoundRobin, SwitchInterval: 1}
	assert.Equal(t, "a", sel.Choose(req))
	assert.Equal(t, "b", sel.Choose(req))

	req.Slots = []string{"a", "c"}
	assert.Equal(t, "a", sel.Choose(req), "round robin restarts")

	req.Slots = nil
	assert.Equal(t, NoSelection, sel.Choose(req))
	assert.Empty(t, sel.Current())
}

func TestSelectorLoadsThroughCache(t *testing.T) {
	dir := t.TempDir()
	slots := t.TempDir()
	path := writeLora(t, slots, "slot.safetensors", 3)
	writeLora(t, dir, "folder.safetensors", 4)

	cache := NewCache(GiB, NewCacheMetrics(prometheus.NewRegistry()), nil)
	resolve := func(name string) (string, error) { return filepath.Join(slots, name), nil }
	sel := NewSelector(cache, resolve, []string{".safetensors"}, nil)

	req := SelectRequest{Slots: []string{"slot.safetensors"}, Folder: dir, Mode: ModeRoundRobin, CacheLimit: GiB}
	require.Equal(t, "folder.safetensors", sel.Choose(req))
	set, hit, err := sel.Load("folder.safetensors")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []float32{4}, set.Tensors["x.lora_up.weight"].Data)

	require.Equal(t, "slot.safetensors", sel.Choose(req))
	_, _, err = sel.Load("slot.safetensors")
	require.NoError(t, err)
	_, hit, err = sel.Load("slot.safetensors")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Contains(t, cache.Keys(), path)

	req.Reset = true
	sel.Choose(req)
	assert.Zero(t, cache.Len(), "manual reset clears the cache")
}
