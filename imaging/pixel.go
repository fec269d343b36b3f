// Package imaging converts DICOM pixel data into display-ready rasters and
// thumbnails.
//
// Only native (uncompressed little endian) pixel data is decoded. Datasets
// in compressed or encapsulated transfer syntaxes fail with
// ErrUnsupportedEncoding.
package imaging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/caio-sobreiro/pacsman/dicom"
	"github.com/caio-sobreiro/pacsman/types"
)

// ErrUnsupportedEncoding is returned when a dataset has no pixel data this
// package can decode.
var ErrUnsupportedEncoding = errors.New("imaging: unsupported pixel encoding")

// FrameIndexError reports a frame index outside the dataset's frames.
type FrameIndexError struct {
	Index  int
	Frames int
}

func (e *FrameIndexError) Error() string {
	return fmt.Sprintf("imaging: frame index %d out of range (dataset has %d frames)", e.Index, e.Frames)
}

// PixelImage is one decoded frame. Pix holds display-ready intensities in
// row-major order with samples interleaved.
type PixelImage struct {
	Rows             int
	Columns          int
	BitsAllocated    int
	SamplesPerPixel  int
	Photometric      string
	RescaleSlope     float64
	RescaleIntercept float64
	Frame            int
	NumberOfFrames   int
	Pix              []float64
}

// At returns the samples of the pixel at column x, row y.
func (p *PixelImage) At(x, y int) []float64 {
	off := (y*p.Columns + x) * p.SamplesPerPixel
	return p.Pix[off : off+p.SamplesPerPixel]
}

// Bounds returns the minimum and maximum intensity over all samples.
func (p *PixelImage) Bounds() (lo, hi float64) {
	if len(p.Pix) == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range p.Pix {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Image renders the frame as an 8-bit image. 8-bit data already in
// [0, 255] is drawn as is; anything else is scaled linearly from [min, max]
// to [0, 255].
func (p *PixelImage) Image() image.Image {
	lo, hi := p.Bounds()
	if p.BitsAllocated == 8 && lo >= 0 && hi <= 255 {
		return p.render(0, 255)
	}
	return p.render(lo, hi)
}

// render maps [lo, hi] onto [0, 255]. A constant image renders black.
func (p *PixelImage) render(lo, hi float64) image.Image {
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	level := func(v float64) uint8 {
		return uint8(math.Round(clamp((v - lo) * scale)))
	}

	rect := image.Rect(0, 0, p.Columns, p.Rows)
	if p.SamplesPerPixel == 3 {
		img := image.NewRGBA(rect)
		for y := 0; y < p.Rows; y++ {
			for x := 0; x < p.Columns; x++ {
				s := p.At(x, y)
				img.SetRGBA(x, y, color.RGBA{R: level(s[0]), G: level(s[1]), B: level(s[2]), A: 0xFF})
			}
		}
		return img
	}

	img := image.NewGray(rect)
	for i, v := range p.Pix {
		img.Pix[i] = level(v)
	}
	return img
}

// Decode extracts one frame of native pixel data from ds, applying the
// modality rescale and inverting MONOCHROME1 so that higher values are
// brighter.
func Decode(ds *dicom.Dataset, frame int) (*PixelImage, error) {
	element, ok := ds.GetElement(dicom.TagPixelData)
	if !ok {
		return nil, fmt.Errorf("%w: no pixel data", ErrUnsupportedEncoding)
	}

	ts := ds.TransferSyntaxUID
	if ts == "" {
		ts = types.ExplicitVRLittleEndian
	}
	if info, _ := types.LookupTransferSyntax(ts); !info.Native() {
		return nil, fmt.Errorf("%w: transfer syntax %s (%s)", ErrUnsupportedEncoding, ts, info.Name)
	}

	raw, err := pixelBytes(element)
	if err != nil {
		return nil, err
	}

	rows, _ := ds.GetInt(dicom.TagRows)
	columns, _ := ds.GetInt(dicom.TagColumns)
	if rows <= 0 || columns <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrUnsupportedEncoding, columns, rows)
	}

	bitsAllocated, ok := ds.GetInt(dicom.TagBitsAllocated)
	if !ok {
		bitsAllocated = 16
	}
	if bitsAllocated != 8 && bitsAllocated != 16 && bitsAllocated != 32 {
		return nil, fmt.Errorf("%w: bits allocated %d", ErrUnsupportedEncoding, bitsAllocated)
	}
	bitsStored, ok := ds.GetInt(dicom.TagBitsStored)
	if !ok || bitsStored <= 0 || bitsStored > bitsAllocated {
		bitsStored = bitsAllocated
	}
	signed := false
	if pr, _ := ds.GetInt(dicom.TagPixelRepresentation); pr == 1 {
		signed = true
	}

	samples, ok := ds.GetInt(dicom.TagSamplesPerPixel)
	if !ok {
		samples = 1
	}
	if samples != 1 && samples != 3 {
		return nil, fmt.Errorf("%w: samples per pixel %d", ErrUnsupportedEncoding, samples)
	}
	planar, _ := ds.GetInt(dicom.TagPlanarConfiguration)

	photometric := strings.ToUpper(ds.GetString(dicom.TagPhotometricInterpretation))
	if photometric == "" {
		photometric = "MONOCHROME2"
		if samples == 3 {
			photometric = "RGB"
		}
	}
	switch photometric {
	case "MONOCHROME1", "MONOCHROME2":
		if samples != 1 {
			return nil, fmt.Errorf("%w: %s with %d samples", ErrUnsupportedEncoding, photometric, samples)
		}
	case "RGB", "YBR_FULL":
		if samples != 3 {
			return nil, fmt.Errorf("%w: %s with %d samples", ErrUnsupportedEncoding, photometric, samples)
		}
	default:
		return nil, fmt.Errorf("%w: photometric interpretation %s", ErrUnsupportedEncoding, photometric)
	}

	frames, ok := ds.GetInt(dicom.TagNumberOfFrames)
	if !ok || frames < 1 {
		frames = 1
	}
	if frame < 0 || frame >= frames {
		return nil, &FrameIndexError{Index: frame, Frames: frames}
	}

	bytesPerSample := bitsAllocated / 8
	pixels := rows * columns
	frameSize := pixels * samples * bytesPerSample
	if len(raw) < (frame+1)*frameSize {
		return nil, fmt.Errorf("%w: pixel data holds %d bytes, frame %d needs %d",
			ErrUnsupportedEncoding, len(raw), frame, (frame+1)*frameSize)
	}
	raw = raw[frame*frameSize : (frame+1)*frameSize]

	slope, ok := ds.GetFloat(dicom.TagRescaleSlope)
	if !ok || slope == 0 {
		slope = 1
	}
	intercept, _ := ds.GetFloat(dicom.TagRescaleIntercept)

	img := &PixelImage{
		Rows:             rows,
		Columns:          columns,
		BitsAllocated:    bitsAllocated,
		SamplesPerPixel:  samples,
		Photometric:      photometric,
		RescaleSlope:     slope,
		RescaleIntercept: intercept,
		Frame:            frame,
		NumberOfFrames:   frames,
		Pix:              make([]float64, pixels*samples),
	}

	read := sampleReader(bytesPerSample, bitsStored, signed)
	for i := 0; i < pixels; i++ {
		for s := 0; s < samples; s++ {
			src := i*samples + s
			if samples == 3 && planar == 1 {
				src = s*pixels + i
			}
			img.Pix[i*samples+s] = read(raw[src*bytesPerSample:])
		}
	}

	if samples == 1 {
		for i, v := range img.Pix {
			img.Pix[i] = v*slope + intercept
		}
		if photometric == "MONOCHROME1" {
			lo, hi := img.Bounds()
			for i, v := range img.Pix {
				img.Pix[i] = lo + hi - v
			}
			img.Photometric = "MONOCHROME2"
		}
	} else if photometric == "YBR_FULL" {
		ybrToRGB(img.Pix)
		img.Photometric = "RGB"
	}

	return img, nil
}

func pixelBytes(element *dicom.Element) ([]byte, error) {
	switch v := element.Value.(type) {
	case []byte:
		return v, nil
	case []uint16:
		out := make([]byte, 2*len(v))
		for i, w := range v {
			binary.LittleEndian.PutUint16(out[2*i:], w)
		}
		return out, nil
	case *dicom.Fragments:
		return nil, fmt.Errorf("%w: encapsulated pixel data", ErrUnsupportedEncoding)
	}
	return nil, fmt.Errorf("%w: pixel data of type %T", ErrUnsupportedEncoding, element.Value)
}

func sampleReader(bytesPerSample, bitsStored int, signed bool) func([]byte) float64 {
	mask := uint32(1)<<uint(bitsStored) - 1
	if bitsStored == 32 {
		mask = math.MaxUint32
	}
	signBit := uint32(1) << uint(bitsStored-1)
	return func(b []byte) float64 {
		var v uint32
		switch bytesPerSample {
		case 1:
			v = uint32(b[0])
		case 2:
			v = uint32(binary.LittleEndian.Uint16(b))
		default:
			v = binary.LittleEndian.Uint32(b)
		}
		v &= mask
		if signed && v&signBit != 0 {
			return float64(int64(v) - int64(mask) - 1)
		}
		return float64(v)
	}
}

func ybrToRGB(pix []float64) {
	for i := 0; i+2 < len(pix); i += 3 {
		y, cb, cr := pix[i], pix[i+1]-128, pix[i+2]-128
		pix[i] = clamp(y + 1.402*cr)
		pix[i+1] = clamp(y - 0.344136*cb - 0.714136*cr)
		pix[i+2] = clamp(y + 1.772*cb)
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(255, v))
}
