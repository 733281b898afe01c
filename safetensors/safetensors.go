// Package safetensors reads and writes the safetensors container used for LoRA files.
//
// Layout: an 8 byte little-endian header length, a JSON header mapping each tensor name to
// {dtype, shape, data_offsets} plus an optional "__metadata__" string map, then the raw data.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
	"github.com/x448/float16"
)

const (
	metadataKey = "__metadata__"
	// headers beyond this are treated as corrupt
	maxHeaderSize = 100 << 20
)

// File is a fully decoded safetensors file.
type File struct {
	Tensors  map[string]*tensor.Tensor
	Metadata map[string]string
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("safetensors: %s: %w", fmt.Sprintf(format, args...), nodeapi.ErrCorrupt)
}

func parseHeader(raw []byte) (map[string]headerEntry, map[string]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, corrupt("header json: %v", err)
	}
	entries := make(map[string]headerEntry, len(fields))
	var meta map[string]string
	for k, v := range fields {
		if k == metadataKey {
			if err := json.Unmarshal(v, &meta); err != nil {
				return nil, nil, corrupt("metadata: %v", err)
			}
			continue
		}
		var e headerEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, nil, corrupt("entry %q: %v", k, err)
		}
		entries[k] = e
	}
	if meta == nil {
		meta = make(map[string]string)
	}
	return entries, meta, nil
}

func readHeader(r io.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, corrupt("header length: %v", err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, corrupt("header length %d out of range", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, corrupt("header: %v", err)
	}
	return raw, nil
}

// ReadMetadata reads only the header metadata of the file at path.
func ReadMetadata(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("safetensors: %w: %s", nodeapi.ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	raw, err := readHeader(f)
	if err != nil {
		return nil, err
	}
	_, meta, err := parseHeader(raw)
	return meta, err
}

// ReadFile decodes every tensor of the file at path to float32, keeping the source dtype.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("safetensors: %w: %s", nodeapi.ErrNotFound, path)
		}
		return nil, err
	}
	return Decode(data)
}

// Decode parses an in-memory safetensors blob.
func Decode(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, corrupt("file too short")
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n == 0 || n > maxHeaderSize || 8+n > uint64(len(data)) {
		return nil, corrupt("header length %d out of range", n)
	}
	entries, meta, err := parseHeader(data[8 : 8+n])
	if err != nil {
		return nil, err
	}
	body := data[8+n:]
	out := &File{Tensors: make(map[string]*tensor.Tensor, len(entries)), Metadata: meta}
	for name, e := range entries {
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, corrupt("tensor %q offsets [%d,%d] outside data", name, begin, end)
		}
		t, err := decodeTensor(e, body[begin:end])
		if err != nil {
			return nil, corrupt("tensor %q: %v", name, err)
		}
		out.Tensors[name] = t
	}
	return out, nil
}

func decodeTensor(e headerEntry, raw []byte) (*tensor.Tensor, error) {
	numel := 1
	for _, d := range e.Shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in %v", e.Shape)
		}
		numel *= d
	}
	width := tensor.ElementSize(e.DType)
	if numel*width != len(raw) {
		return nil, fmt.Errorf("shape %v of %s needs %d bytes, got %d", e.Shape, e.DType, numel*width, len(raw))
	}
	data := make([]float32, numel)
	switch e.DType {
	case tensor.F32:
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.F16:
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case tensor.BF16:
		for i := range data {
			data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case "F64":
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", e.DType)
	}
	shape := append([]int{}, e.Shape...)
	return &tensor.Tensor{Shape: shape, Data: data, DType: e.DType}, nil
}

func encodeTensor(t *tensor.Tensor) ([]byte, string) {
	dtype := t.DType
	switch dtype {
	case tensor.F16:
		buf := make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
		return buf, dtype
	case tensor.BF16:
		buf := make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(math.Float32bits(v)>>16))
		}
		return buf, dtype
	default:
		buf := make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		return buf, tensor.F32
	}
}

// Encode serializes tensors and metadata. Tensors keep their dtype; anything other than
// F16 and BF16 is written as F32.
func Encode(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for k := range tensors {
		if k == metadataKey {
			return fmt.Errorf("safetensors: reserved tensor name %q", k)
		}
		names = append(names, k)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(names)+1)
	blobs := make([][]byte, 0, len(names))
	var offset int64
	for _, name := range names {
		t := tensors[name]
		blob, dtype := encodeTensor(t)
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = headerEntry{DType: dtype, Shape: shape, DataOffsets: [2]int64{offset, offset + int64(len(blob))}}
		offset += int64(len(blob))
		blobs = append(blobs, blob)
	}
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: header: %w", err)
	}
	// pad so the data section starts 8 byte aligned
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	for _, b := range blobs {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes tensors and metadata to path, replacing any existing file.
func WriteFile(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return fmt.Errorf("safetensors: %w", err)
	}
	tmp := f.Name()
	if err := Encode(f, tensors, metadata); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
