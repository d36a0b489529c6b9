package dicomfile

import (
	"bytes"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// PixelData is the top-level (7FE0,0010) value of a file
type PixelData struct {
	Encapsulated bool
	// Fragments excludes the basic offset table item
	Fragments [][]byte

	value []byte
}

// Bytes returns the element value. Encapsulated fragments are concatenated.
func (p *PixelData) Bytes() []byte {
	if !p.Encapsulated {
		return p.value
	}
	return bytes.Join(p.Fragments, nil)
}

// ReadPixelData parses path and returns its pixel data without decoding it
// into frames.
func ReadPixelData(path string) (*PixelData, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return pixelDataOf(ds)
}

// ParsePixelData is ReadPixelData over an in-memory Part-10 file
func ParsePixelData(data []byte) (*PixelData, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return pixelDataOf(ds)
}

func pixelDataOf(ds dicom.Dataset) (*PixelData, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected pixel data value %T", ErrParse, elem.Value.GetValue())
	}

	if !info.IsEncapsulated {
		return &PixelData{value: info.UnprocessedValueData}, nil
	}
	pd := &PixelData{Encapsulated: true}
	for _, f := range info.Frames {
		pd.Fragments = append(pd.Fragments, f.EncapsulatedData.Data)
	}
	return pd, nil
}

// FrameGeometry describes how native pixel data is split into frames
type FrameGeometry struct {
	Rows            int
	Columns         int
	SamplesPerPixel int
	BitsAllocated   int
	NumberOfFrames  int
}

// GeometryOf extracts frame geometry from a parsed header
func GeometryOf(ds Dataset) FrameGeometry {
	return FrameGeometry{
		Rows:            ds.Int("00280010", 0),
		Columns:         ds.Int("00280011", 0),
		SamplesPerPixel: ds.Int("00280002", 1),
		BitsAllocated:   ds.Int("00280100", 16),
		NumberOfFrames:  ds.Int("00280008", 1),
	}
}

// FrameSize is the byte size of one native frame
func (g FrameGeometry) FrameSize() int {
	return g.Rows * g.Columns * g.SamplesPerPixel * g.BitsAllocated / 8
}

// Frame returns 1-based frame n of the pixel data
func (p *PixelData) Frame(g FrameGeometry, n int) ([]byte, error) {
	frames := g.NumberOfFrames
	if frames < 1 {
		frames = 1
	}
	if n < 1 || n > frames {
		return nil, fmt.Errorf("frame %d out of range (1-%d)", n, frames)
	}

	if p.Encapsulated {
		switch {
		case len(p.Fragments) == frames:
			return p.Fragments[n-1], nil
		case frames == 1:
			return p.Bytes(), nil
		default:
			return nil, fmt.Errorf("cannot map %d fragments onto %d frames", len(p.Fragments), frames)
		}
	}

	size := g.FrameSize()
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid frame geometry", ErrParse)
	}
	start := (n - 1) * size
	end := start + size
	if end > len(p.value) {
		return nil, fmt.Errorf("%w: pixel data shorter than frame %d", ErrParse, n)
	}
	return p.value[start:end], nil
}
