// Package preprocess turns decoded images into model input tensors.
//
// Every artifact records the normalization and resampling it was trained
// with; runners build their Preprocessor from that metadata instead of
// choosing a scheme themselves.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/ecobin/wastesort/pkg/processing"
)

// ErrUnknownNormalization is returned for a normalization name this package does not implement
var ErrUnknownNormalization = errors.New("unknown normalization")

// Normalization maps 8-bit channel values to model inputs
type Normalization string

const (
	// MobileNetV2 scales to [-1, 1]: x/127.5 - 1
	MobileNetV2 Normalization = "mobilenet_v2"
	// Unit scales to [0, 1]: x/255
	Unit Normalization = "unit"
	// Raw keeps 0..255
	Raw Normalization = "raw"
)

// ParseNormalization validates a normalization name
func ParseNormalization(s string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(s))); n {
	case MobileNetV2, Unit, Raw:
		return n, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownNormalization, s)
	}
}

// Apply normalizes a single channel value in 0..255
func (n Normalization) Apply(v float32) float32 {
	switch n {
	case MobileNetV2:
		return v/127.5 - 1
	case Unit:
		return v / 255
	default:
		return v
	}
}

// Resampler selects the resize filter
type Resampler string

const (
	Bilinear Resampler = "bilinear"
	Nearest  Resampler = "nearest"
	Lanczos  Resampler = "lanczos"
	// Lanczos3 resizes with nfnt/resize
	Lanczos3 Resampler = "lanczos3"
)

// ParseResampler validates a resampler name; empty means bilinear
func ParseResampler(s string) (Resampler, error) {
	switch r := Resampler(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return Bilinear, nil
	case Bilinear, Nearest, Lanczos, Lanczos3:
		return r, nil
	default:
		return "", fmt.Errorf("unknown resampler %q", s)
	}
}

// Layout is the memory order of the produced tensor
type Layout string

const (
	NHWC Layout = "nhwc"
	NCHW Layout = "nchw"
)

// Preprocessor resizes and normalizes images for one model
type Preprocessor struct {
	Width         int
	Height        int
	Normalization Normalization
	Resampler     Resampler
	Layout        Layout
	processor     *processing.Processor
}

// New creates a Preprocessor after validating its settings
func New(width, height int, norm Normalization, resampler Resampler, layout Layout) (*Preprocessor, error) {
	p := &Preprocessor{
		Width:         width,
		Height:        height,
		Normalization: norm,
		Resampler:     resampler,
		Layout:        layout,
		processor:     processing.NewProcessor(),
	}
	if p.Resampler == "" {
		p.Resampler = Bilinear
	}
	if p.Layout == "" {
		p.Layout = NHWC
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks dimensions and scheme names
func (p *Preprocessor) Validate() error {
	if p.Width < 1 || p.Height < 1 {
		return fmt.Errorf("invalid input size %dx%d", p.Width, p.Height)
	}
	if _, err := ParseNormalization(string(p.Normalization)); err != nil {
		return err
	}
	if _, err := ParseResampler(string(p.Resampler)); err != nil {
		return err
	}
	if p.Layout != NHWC && p.Layout != NCHW {
		return fmt.Errorf("unknown layout %q", p.Layout)
	}
	return nil
}

// Size returns the number of values Tensor produces
func (p *Preprocessor) Size() int {
	return p.Width * p.Height * 3
}

// Resize scales img to exactly Width x Height, ignoring aspect ratio
func (p *Preprocessor) Resize(img image.Image) image.Image {
	switch p.Resampler {
	case Nearest:
		return imaging.Resize(img, p.Width, p.Height, imaging.NearestNeighbor)
	case Lanczos:
		return imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)
	case Lanczos3:
		return resize.Resize(uint(p.Width), uint(p.Height), img, resize.Lanczos3)
	default:
		return imaging.Resize(img, p.Width, p.Height, imaging.Linear)
	}
}

// Tensor resizes img and returns its normalized RGB values
func (p *Preprocessor) Tensor(img image.Image) []float32 {
	out := make([]float32, p.Size())
	p.Fill(out, img)
	return out
}

// Fill writes the tensor of img into dst, which must hold Size() values
func (p *Preprocessor) Fill(dst []float32, img image.Image) {
	resized := p.Resize(img)
	b := resized.Bounds()
	w, h := p.Width, p.Height
	plane := w * h

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rv := p.Normalization.Apply(float32(r >> 8))
			gv := p.Normalization.Apply(float32(g >> 8))
			bv := p.Normalization.Apply(float32(bl >> 8))

			if p.Layout == NCHW {
				i := y*w + x
				dst[i] = rv
				dst[plane+i] = gv
				dst[2*plane+i] = bv
				continue
			}
			i := (y*w + x) * 3
			dst[i] = rv
			dst[i+1] = gv
			dst[i+2] = bv
		}
	}
}

// LoadFile decodes an image file and returns its tensor
func (p *Preprocessor) LoadFile(path string) ([]float32, error) {
	img, err := p.processor.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return p.Tensor(img), nil
}
