package dataset

import (
	"bytes"
	"encoding/binary"
	"image"
	_ "image/png"
	"math"

	"github.com/pkg/errors"

	"pointnet-trainer/internal/tensor"
)

// DecodeImage turns a sample payload into a dense image tensor.
//
// PNG payloads become a (height, width) intensity grid in [0,1]. Dense
// payloads carry their own shape: a little endian uint32 rank, one uint32 per
// dimension, then float32 values in row-major order.
func DecodeImage(ext string, raw []byte) (*tensor.Dense, error) {
	switch ext {
	case ".png":
		return decodePNG(raw)
	case ".dense":
		return decodeDense(raw)
	default:
		return nil, errors.Errorf("dataset: no decoder for %q payloads", ext)
	}
}

func decodePNG(raw []byte) (*tensor.Dense, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "dataset: decode png")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("dataset: empty image")
	}
	out := tensor.New(height, width)
	data := out.Data()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			data[y*width+x] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return out, nil
}

func decodeDense(raw []byte) (*tensor.Dense, error) {
	r := bytes.NewReader(raw)
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return nil, errors.Wrap(err, "dataset: dense rank")
	}
	if rank == 0 || rank > 8 {
		return nil, errors.Errorf("dataset: dense rank %d out of range", rank)
	}
	dims32 := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, dims32); err != nil {
		return nil, errors.Wrap(err, "dataset: dense dims")
	}
	shape := make([]int, rank)
	for i, d := range dims32 {
		shape[i] = int(d)
	}
	n := tensor.Volume(shape)
	if r.Len() != 4*n {
		return nil, errors.Errorf("dataset: dense payload has %d bytes, shape %v needs %d", r.Len(), shape, 4*n)
	}
	values := make([]float32, n)
	if err := binary.Read(r, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrap(err, "dataset: dense values")
	}
	data := make([]float64, n)
	for i, v := range values {
		data[i] = float64(v)
	}
	return tensor.FromSlice(data, shape...)
}

// EncodeDense is the inverse of the dense payload decoder.
func EncodeDense(t *tensor.Dense) []byte {
	buf := &bytes.Buffer{}
	shape := t.Shape()
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(shape)))
	for _, d := range shape {
		_ = binary.Write(buf, binary.LittleEndian, uint32(d))
	}
	for _, v := range t.Data() {
		_ = binary.Write(buf, binary.LittleEndian, math.Float32bits(float32(v)))
	}
	return buf.Bytes()
}
