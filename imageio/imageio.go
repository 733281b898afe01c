// Package imageio decodes image files into [1,H,W,C] float tensors and reads PNG text chunks.
package imageio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Load decodes the image at path. The result has shape [1,H,W,3], or [1,H,W,4] with alpha,
// with channel values in [0,1].
func Load(path string, alpha bool) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("imageio: %w: %s", nodeapi.ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("imageio: %s: %v: %w", path, err, nodeapi.ErrCorrupt)
	}
	return FromImage(img, alpha), nil
}

// FromImage converts any image.Image to a tensor.
func FromImage(img image.Image, alpha bool) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	channels := 3
	if alpha {
		channels = 4
	}
	t := tensor.Zeros(1, h, w, channels)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			// straight alpha so that RGB matches the stored pixel
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			t.Data[i] = float32(c.R) / 255
			t.Data[i+1] = float32(c.G) / 255
			t.Data[i+2] = float32(c.B) / 255
			if alpha {
				t.Data[i+3] = float32(c.A) / 255
			}
			i += channels
		}
	}
	return t
}

// ToImage converts a [1,H,W,3|4] tensor back to an image, clamping to [0,1].
func ToImage(t *tensor.Tensor) (*image.NRGBA, error) {
	if len(t.Shape) != 4 || t.Shape[0] < 1 || (t.Shape[3] != 3 && t.Shape[3] != 4) {
		return nil, fmt.Errorf("imageio: shape %v is not an image batch", t.Shape)
	}
	h, w, c := t.Shape[1], t.Shape[2], t.Shape[3]
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	conv := func(v float32) uint8 {
		if v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint8(v*255 + 0.5)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * c
			px := color.NRGBA{R: conv(t.Data[i]), G: conv(t.Data[i+1]), B: conv(t.Data[i+2]), A: 255}
			if c == 4 {
				px.A = conv(t.Data[i+3])
			}
			img.SetNRGBA(x, y, px)
		}
	}
	return img, nil
}

// Blank is a black [1,h,w,3] image.
func Blank(w, h int) *tensor.Tensor {
	return tensor.Zeros(1, h, w, 3)
}

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// PNGText returns the tEXt chunks of a PNG stream keyed by keyword. Host generated images
// carry their prompt and workflow JSON this way.
func PNGText(r io.Reader) (map[string]string, error) {
	header := make([]byte, 8)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(header, pngSignature) {
		return nil, errors.New("not a valid PNG file")
	}

	txtChunks := make(map[string]string)

	for {
		var length uint32
		err = binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		_, err = io.ReadFull(r, chunkType)
		if err != nil {
			return nil, err
		}

		if string(chunkType) == "tEXt" {
			chunkData := make([]byte, length)
			_, err = io.ReadFull(r, chunkData)
			if err != nil {
				return nil, err
			}

			keywordEnd := bytes.IndexByte(chunkData, 0)
			if keywordEnd == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}
			txtChunks[string(chunkData[:keywordEnd])] = string(chunkData[keywordEnd+1:])
		} else {
			// Skip the chunk data if it's not tEXt
			_, err = io.CopyN(io.Discard, r, int64(length))
			if err != nil {
				return nil, err
			}
		}

		// Skip the CRC
		_, err = io.CopyN(io.Discard, r, 4)
		if err != nil {
			return nil, err
		}
		if string(chunkType) == "IEND" {
			break
		}
	}

	return txtChunks, nil
}

// PNGTextFile is PNGText over the file at path.
func PNGTextFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return PNGText(bufio.NewReader(f))
}
