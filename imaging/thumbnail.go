package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"

	"github.com/caio-sobreiro/pacsman/dicom"
)

// Size is a thumbnail bounding box in pixels.
type Size struct {
	Width  int
	Height int
}

// Square returns a size with equal sides.
func Square(side int) Size {
	return Size{Width: side, Height: side}
}

type thumbnailOptions struct {
	frame  int
	square bool
}

// Option configures Thumbnail.
type Option func(*thumbnailOptions)

// WithFrame selects the frame of a multi-frame dataset. The first frame is
// used by default.
func WithFrame(frame int) Option {
	return func(o *thumbnailOptions) {
		o.frame = frame
	}
}

// WithSquare pads the image to a square with white before resizing.
func WithSquare() Option {
	return func(o *thumbnailOptions) {
		o.square = true
	}
}

// Thumbnail decodes one frame of ds and downsamples it so that it fits
// inside size, preserving the aspect ratio. Images already inside the box
// are not enlarged. Resampling is bilinear (golang.org/x/image/draw), so the
// output is a pure function of the input and size.
//
// The result is an 8-bit MONOCHROME2 or RGB PixelImage.
func Thumbnail(ds *dicom.Dataset, size Size, opts ...Option) (*PixelImage, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("imaging: invalid thumbnail size %dx%d", size.Width, size.Height)
	}
	var o thumbnailOptions
	for _, opt := range opts {
		opt(&o)
	}

	decoded, err := Decode(ds, o.frame)
	if err != nil {
		return nil, err
	}

	src := decoded.render(decoded.Bounds())
	if o.square {
		src = padSquare(src)
	}

	b := src.Bounds()
	scale := math.Min(1, math.Min(float64(size.Width)/float64(b.Dx()), float64(size.Height)/float64(b.Dy())))
	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))

	var dst draw.Image
	if decoded.SamplesPerPixel == 3 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewGray(image.Rect(0, 0, w, h))
	}
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}

	out := FromImage(dst)
	out.Frame = decoded.Frame
	return out, nil
}

func padSquare(src image.Image) image.Image {
	b := src.Bounds()
	side := max(b.Dx(), b.Dy())
	if b.Dx() == b.Dy() {
		return src
	}

	rect := image.Rect(0, 0, side, side)
	var dst draw.Image
	if _, gray := src.(*image.Gray); gray {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	draw.Draw(dst, rect, image.NewUniform(color.White), image.Point{}, draw.Src)
	offset := image.Pt((side-b.Dx())/2, (side-b.Dy())/2)
	draw.Draw(dst, b.Sub(b.Min).Add(offset), src, b.Min, draw.Src)
	return dst
}

// FromImage converts an 8-bit image into a PixelImage. Gray images become
// MONOCHROME2, anything else RGB.
func FromImage(img image.Image) *PixelImage {
	b := img.Bounds()
	out := &PixelImage{
		Rows:             b.Dy(),
		Columns:          b.Dx(),
		BitsAllocated:    8,
		SamplesPerPixel:  1,
		Photometric:      "MONOCHROME2",
		RescaleSlope:     1,
		RescaleIntercept: 0,
		NumberOfFrames:   1,
	}

	if gray, ok := img.(*image.Gray); ok {
		out.Pix = make([]float64, 0, b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				out.Pix = append(out.Pix, float64(gray.GrayAt(x, y).Y))
			}
		}
		return out
	}

	out.SamplesPerPixel = 3
	out.Photometric = "RGB"
	out.Pix = make([]float64, 0, 3*b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out.Pix = append(out.Pix, float64(c.R), float64(c.G), float64(c.B))
		}
	}
	return out
}

// EncodePNG writes img as a PNG.
func EncodePNG(w io.Writer, img *PixelImage) error {
	if img == nil || len(img.Pix) == 0 {
		return fmt.Errorf("imaging: empty image")
	}
	return png.Encode(w, img.Image())
}
