package volume

import (
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"rtmask/internal/dcm"
)

// PixelLoader reads the pixel values of one slice, row-major, already mapped
// to output units.
type PixelLoader interface {
	Load(h SliceHeader) ([]float64, error)
}

// LoaderFunc adapts a function to PixelLoader.
type LoaderFunc func(h SliceHeader) ([]float64, error)

// Load calls f(h).
func (f LoaderFunc) Load(h SliceHeader) ([]float64, error) { return f(h) }

// ErrUnsupportedPixelData is returned for compressed or multi-sample pixel data.
var ErrUnsupportedPixelData = errors.New("unsupported pixel data")

// DICOMLoader reads native (uncompressed) single-sample pixel data from the
// slice file and applies the modality rescale.
type DICOMLoader struct{}

// Load implements PixelLoader.
func (DICOMLoader) Load(h SliceHeader) ([]float64, error) {
	ds, err := dicom.ParseFile(h.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", h.Path, err)
	}
	elem := dcm.Find(ds.Elements, tag.PixelData)
	if elem == nil || elem.Value == nil {
		return nil, fmt.Errorf("%s: pixel data %w", h.Path, dcm.ErrMissing)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, fmt.Errorf("%s: no pixel frames", h.Path)
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return nil, fmt.Errorf("%s: encapsulated transfer syntax: %w", h.Path, ErrUnsupportedPixelData)
	}
	if spp := dcm.IntOr(ds.Elements, tag.SamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("%s: %d samples per pixel: %w", h.Path, spp, ErrUnsupportedPixelData)
	}

	signed := dcm.IntOr(ds.Elements, tag.PixelRepresentation, 0) == 1
	bits := dcm.IntOr(ds.Elements, tag.BitsStored, 0)

	var raw []uint32
	switch n := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		raw = widen(n.RawData)
		if bits == 0 {
			bits = 8
		}
	case *frame.NativeFrame[uint16]:
		raw = widen(n.RawData)
		if bits == 0 {
			bits = 16
		}
	case *frame.NativeFrame[uint32]:
		raw = widen(n.RawData)
		if bits == 0 {
			bits = 32
		}
	default:
		return nil, fmt.Errorf("%s: native frame type %T: %w", h.Path, fr.NativeData, ErrUnsupportedPixelData)
	}

	slope := h.RescaleSlope
	if slope == 0 {
		slope = 1
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		var stored float64
		if signed {
			stored = float64(signExtend(v, bits))
		} else {
			stored = float64(v)
		}
		out[i] = stored*slope + h.RescaleIntercept
	}
	return out, nil
}

func widen[T uint8 | uint16 | uint32](in []T) []uint32 {
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}

// signExtend interprets the low bits of v as a two's complement integer.
func signExtend(v uint32, bits int) int64 {
	if bits <= 0 || bits >= 32 {
		return int64(int32(v))
	}
	v &= (1 << bits) - 1
	if v&(1<<(bits-1)) != 0 {
		return int64(v) - (1 << bits)
	}
	return int64(v)
}
