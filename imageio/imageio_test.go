package imageio

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
	"golang.org/x/image/bmp"
)

func twoPixels() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{B: 255, A: 128})
	return img
}

func textChunk(key, value string) []byte {
	data := append([]byte(key), 0)
	data = append(data, value...)
	var chunk bytes.Buffer
	binary.Write(&chunk, binary.BigEndian, uint32(len(data)))
	chunk.WriteString("tEXt")
	chunk.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte("tEXt"))
	crc.Write(data)
	binary.Write(&chunk, binary.BigEndian, crc.Sum32())
	return chunk.Bytes()
}

// pngWithText encodes img and splices a tEXt chunk right after IHDR.
func pngWithText(t *testing.T, img image.Image, key, value string) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	raw := buf.Bytes()
	const afterIHDR = 8 + 4 + 4 + 13 + 4
	out := append([]byte{}, raw[:afterIHDR]...)
	out = append(out, textChunk(key, value)...)
	return append(out, raw[afterIHDR:]...)
}

func TestLoadPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(path, pngWithText(t, twoPixels(), "prompt", "{}"), 0o644))

	rgb, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, rgb.Shape)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 1}, rgb.Data)

	rgba, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 4}, rgba.Shape)
	assert.InDelta(t, 128.0/255, rgba.Data[7], 1e-6)
}

func TestLoadBMP(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, twoPixels()))
	path := filepath.Join(t.TempDir(), "a.bmp")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	img, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, img.Shape)
	assert.Equal(t, float32(1), img.Data[0])
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))

	_, err := Load(bad, false)
	assert.ErrorIs(t, err, nodeapi.ErrCorrupt)

	_, err = Load(filepath.Join(dir, "missing.png"), false)
	assert.ErrorIs(t, err, nodeapi.ErrNotFound)
}

func TestToImageRoundTrip(t *testing.T) {
	src := twoPixels()
	back, err := ToImage(FromImage(src, true))
	require.NoError(t, err)
	assert.Equal(t, src.Pix, back.Pix)

	_, err = ToImage(tensor.Zeros(2, 2))
	assert.Error(t, err)
}

func TestPNGText(t *testing.T) {
	data := pngWithText(t, twoPixels(), "prompt", `{"3":{"class_type":"KSampler"}}`)
	chunks, err := PNGText(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, `{"3":{"class_type":"KSampler"}}`, chunks["prompt"])

	_, err = PNGText(bytes.NewReader([]byte("GIF89a..")))
	assert.Error(t, err)
}

func TestBlank(t *testing.T) {
	b := Blank(64, 32)
	assert.Equal(t, []int{1, 32, 64, 3}, b.Shape)
	assert.Equal(t, float32(0), b.Max())
}
