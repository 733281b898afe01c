// Package lora loads, rescales, mixes, quantizes and caches LoRA weight sets.
package lora

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tksw/comfynodes/safetensors"
	"github.com/tksw/comfynodes/tensor"
)

const (
	DownSuffix = ".lora_down.weight"
	UpSuffix   = ".lora_up.weight"
)

// IsScalable reports whether key names a low-rank down or up projection.
func IsScalable(key string) bool {
	return strings.HasSuffix(key, DownSuffix) || strings.HasSuffix(key, UpSuffix)
}

// IsDown reports whether key names a down projection.
func IsDown(key string) bool {
	return strings.HasSuffix(key, DownSuffix)
}

// UpKey maps a down key to its up partner.
func UpKey(downKey string) string {
	return strings.TrimSuffix(downKey, DownSuffix) + UpSuffix
}

// TensorSet is a LoRA: named tensors plus the string metadata of its file.
type TensorSet struct {
	Tensors  map[string]*tensor.Tensor
	Metadata map[string]string
}

func NewTensorSet() *TensorSet {
	return &TensorSet{Tensors: make(map[string]*tensor.Tensor), Metadata: make(map[string]string)}
}

// Load reads a safetensors LoRA.
func Load(path string) (*TensorSet, error) {
	f, err := safetensors.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &TensorSet{Tensors: f.Tensors, Metadata: f.Metadata}, nil
}

// Save writes the set as safetensors.
func (s *TensorSet) Save(path string) error {
	return safetensors.WriteFile(path, s.Tensors, s.Metadata)
}

// Clone deep-copies tensors and metadata.
func (s *TensorSet) Clone() *TensorSet {
	out := &TensorSet{
		Tensors:  make(map[string]*tensor.Tensor, len(s.Tensors)),
		Metadata: make(map[string]string, len(s.Metadata)),
	}
	for k, t := range s.Tensors {
		out.Tensors[k] = t.Clone()
	}
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Keys returns the tensor names sorted.
func (s *TensorSet) Keys() []string {
	keys := make([]string, 0, len(s.Tensors))
	for k := range s.Tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyPrefixes summarizes the set as the distinct text before the first "." of each key,
// sorted and newline separated.
func (s *TensorSet) KeyPrefixes() string {
	if s == nil {
		return ""
	}
	seen := make(map[string]struct{})
	for k := range s.Tensors {
		prefix, _, _ := strings.Cut(k, ".")
		seen[prefix] = struct{}{}
	}
	prefixes := make([]string, 0, len(seen))
	for p := range seen {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return strings.Join(prefixes, "\n")
}

// ByteSize is the in-memory size of all tensors.
func (s *TensorSet) ByteSize() int64 {
	var n int64
	for _, t := range s.Tensors {
		n += t.ByteSize()
	}
	return n
}

// MetadataJSON renders the metadata the way the loader nodes report it.
func (s *TensorSet) MetadataJSON() string {
	if s == nil || len(s.Metadata) == 0 {
		return "{}"
	}
	data, err := json.MarshalIndent(s.Metadata, "", "    ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// FileSize is the size on disk used for cache accounting, falling back to the in-memory size.
func FileSize(path string, set *TensorSet) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return set.ByteSize()
}

// SaveFileName normalizes a user supplied save name to a bare ".safetensors" file name.
func SaveFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if !strings.HasSuffix(name, ".safetensors") {
		name += ".safetensors"
	}
	return name
}
