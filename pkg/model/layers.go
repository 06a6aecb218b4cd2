package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a trainable tensor with its accumulated gradient
type Param struct {
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(r, c int) *Param {
	return &Param{Value: mat.NewDense(r, c, nil), Grad: mat.NewDense(r, c, nil)}
}

// Layer is one stage of the network operating on row-major batches [n, features]
type Layer interface {
	// Forward maps [n, in] to [n, out] and caches what Backward needs
	Forward(x *mat.Dense, training bool) *mat.Dense
	// Backward takes dL/dout, stores parameter gradients and returns dL/din
	Backward(grad *mat.Dense) *mat.Dense
	Params() []*Param
	InputSize() int
	OutputSize() int
	Spec() LayerSpec
}

// LayerSpec is the serialized form of a layer
type LayerSpec struct {
	Type       string      `json:"type"`
	Inputs     int         `json:"inputs"`
	Outputs    int         `json:"outputs"`
	Activation string      `json:"activation,omitempty"`
	Rate       float64     `json:"rate,omitempty"`
	Height     int         `json:"height,omitempty"`
	Width      int         `json:"width,omitempty"`
	Channels   int         `json:"channels,omitempty"`
	Factor     int         `json:"factor,omitempty"`
	Weights    [][]float64 `json:"weights,omitempty"`
	Bias       []float64   `json:"bias,omitempty"`
}

// Downsample average-pools an NHWC image, flattened per row, by Factor in
// both spatial dimensions. It has no parameters.
type Downsample struct {
	Height, Width, Channels int
	Factor                  int
}

// NewDownsample validates the geometry; height and width must divide by factor
func NewDownsample(height, width, channels, factor int) (*Downsample, error) {
	if factor < 1 || height%factor != 0 || width%factor != 0 {
		return nil, fmt.Errorf("downsample factor %d does not divide %dx%d", factor, height, width)
	}
	return &Downsample{Height: height, Width: width, Channels: channels, Factor: factor}, nil
}

func (d *Downsample) InputSize() int { return d.Height * d.Width * d.Channels }

func (d *Downsample) OutputSize() int {
	return (d.Height / d.Factor) * (d.Width / d.Factor) * d.Channels
}

func (d *Downsample) Forward(x *mat.Dense, training bool) *mat.Dense {
	n, _ := x.Dims()
	oh, ow := d.Height/d.Factor, d.Width/d.Factor
	out := mat.NewDense(n, d.OutputSize(), nil)
	area := float64(d.Factor * d.Factor)
	for r := 0; r < n; r++ {
		in := x.RawRowView(r)
		dst := out.RawRowView(r)
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				for c := 0; c < d.Channels; c++ {
					sum := 0.0
					for dy := 0; dy < d.Factor; dy++ {
						for dx := 0; dx < d.Factor; dx++ {
							y, xx := oy*d.Factor+dy, ox*d.Factor+dx
							sum += in[(y*d.Width+xx)*d.Channels+c]
						}
					}
					dst[(oy*ow+ox)*d.Channels+c] = sum / area
				}
			}
		}
	}
	return out
}

func (d *Downsample) Backward(grad *mat.Dense) *mat.Dense {
	n, _ := grad.Dims()
	oh, ow := d.Height/d.Factor, d.Width/d.Factor
	out := mat.NewDense(n, d.InputSize(), nil)
	area := float64(d.Factor * d.Factor)
	for r := 0; r < n; r++ {
		g := grad.RawRowView(r)
		dst := out.RawRowView(r)
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				for c := 0; c < d.Channels; c++ {
					v := g[(oy*ow+ox)*d.Channels+c] / area
					for dy := 0; dy < d.Factor; dy++ {
						for dx := 0; dx < d.Factor; dx++ {
							y, xx := oy*d.Factor+dy, ox*d.Factor+dx
							dst[(y*d.Width+xx)*d.Channels+c] = v
						}
					}
				}
			}
		}
	}
	return out
}

func (d *Downsample) Params() []*Param { return nil }

func (d *Downsample) Spec() LayerSpec {
	return LayerSpec{
		Type:     "downsample",
		Inputs:   d.InputSize(),
		Outputs:  d.OutputSize(),
		Height:   d.Height,
		Width:    d.Width,
		Channels: d.Channels,
		Factor:   d.Factor,
	}
}

// Activation names supported by Dense
const (
	ReLU   = "relu"
	Linear = "linear"
)

// Dense is a fully connected layer: act(x·W + b)
type Dense struct {
	Activation string
	W          *Param
	B          *Param

	x *mat.Dense
	z *mat.Dense
}

// NewDense creates a layer with He-uniform weights and zero bias
func NewDense(in, out int, activation string, rng *rand.Rand) (*Dense, error) {
	if activation != ReLU && activation != Linear {
		return nil, fmt.Errorf("unknown activation %q", activation)
	}
	d := &Dense{Activation: activation, W: newParam(in, out), B: newParam(1, out)}
	limit := math.Sqrt(6.0 / float64(in))
	raw := d.W.Value.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * limit
	}
	return d, nil
}

func (d *Dense) InputSize() int {
	r, _ := d.W.Value.Dims()
	return r
}

func (d *Dense) OutputSize() int {
	_, c := d.W.Value.Dims()
	return c
}

func (d *Dense) Forward(x *mat.Dense, training bool) *mat.Dense {
	n, _ := x.Dims()
	z := mat.NewDense(n, d.OutputSize(), nil)
	z.Mul(x, d.W.Value)
	bias := d.B.Value.RawRowView(0)
	for r := 0; r < n; r++ {
		row := z.RawRowView(r)
		for j := range row {
			row[j] += bias[j]
		}
	}
	d.x, d.z = x, z
	if d.Activation == Linear {
		return z
	}
	out := mat.DenseCopyOf(z)
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, out)
	return out
}

func (d *Dense) Backward(grad *mat.Dense) *mat.Dense {
	dz := mat.DenseCopyOf(grad)
	if d.Activation == ReLU {
		dz.Apply(func(i, j int, v float64) float64 {
			if d.z.At(i, j) <= 0 {
				return 0
			}
			return v
		}, dz)
	}
	d.W.Grad.Mul(d.x.T(), dz)

	n, out := dz.Dims()
	db := d.B.Grad.RawRowView(0)
	for j := range db {
		db[j] = 0
	}
	for r := 0; r < n; r++ {
		row := dz.RawRowView(r)
		for j := 0; j < out; j++ {
			db[j] += row[j]
		}
	}

	dx := mat.NewDense(n, d.InputSize(), nil)
	dx.Mul(dz, d.W.Value.T())
	return dx
}

func (d *Dense) Params() []*Param { return []*Param{d.W, d.B} }

func (d *Dense) Spec() LayerSpec {
	in, out := d.InputSize(), d.OutputSize()
	weights := make([][]float64, in)
	for i := range weights {
		weights[i] = append([]float64(nil), d.W.Value.RawRowView(i)...)
	}
	return LayerSpec{
		Type:       "dense",
		Inputs:     in,
		Outputs:    out,
		Activation: d.Activation,
		Weights:    weights,
		Bias:       append([]float64(nil), d.B.Value.RawRowView(0)...),
	}
}

// Dropout zeroes a Rate fraction of activations during training and scales
// the rest by 1/(1-Rate). At inference it is the identity.
type Dropout struct {
	Rate float64
	Size int

	rng  *rand.Rand
	mask *mat.Dense
}

// NewDropout creates a dropout layer over size features
func NewDropout(size int, rate float64, rng *rand.Rand) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate %v outside [0,1)", rate)
	}
	return &Dropout{Rate: rate, Size: size, rng: rng}, nil
}

func (d *Dropout) InputSize() int  { return d.Size }
func (d *Dropout) OutputSize() int { return d.Size }

func (d *Dropout) Forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.Rate == 0 {
		d.mask = nil
		return x
	}
	n, c := x.Dims()
	keep := 1 - d.Rate
	d.mask = mat.NewDense(n, c, nil)
	raw := d.mask.RawMatrix().Data
	for i := range raw {
		if d.rng.Float64() < keep {
			raw[i] = 1 / keep
		}
	}
	out := mat.NewDense(n, c, nil)
	out.MulElem(x, d.mask)
	return out
}

func (d *Dropout) Backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	n, c := grad.Dims()
	out := mat.NewDense(n, c, nil)
	out.MulElem(grad, d.mask)
	return out
}

func (d *Dropout) Params() []*Param { return nil }

func (d *Dropout) Spec() LayerSpec {
	return LayerSpec{Type: "dropout", Inputs: d.Size, Outputs: d.Size, Rate: d.Rate}
}

// layerFromSpec rebuilds a layer, including its weights
func layerFromSpec(s LayerSpec, rng *rand.Rand) (Layer, error) {
	switch s.Type {
	case "downsample":
		return NewDownsample(s.Height, s.Width, s.Channels, s.Factor)
	case "dropout":
		return NewDropout(s.Inputs, s.Rate, rng)
	case "dense":
		d, err := NewDense(s.Inputs, s.Outputs, s.Activation, rng)
		if err != nil {
			return nil, err
		}
		if len(s.Weights) != s.Inputs || len(s.Bias) != s.Outputs {
			return nil, fmt.Errorf("dense layer %dx%d has %d weight rows and %d biases",
				s.Inputs, s.Outputs, len(s.Weights), len(s.Bias))
		}
		for i, row := range s.Weights {
			if len(row) != s.Outputs {
				return nil, fmt.Errorf("dense weight row %d has %d values, want %d", i, len(row), s.Outputs)
			}
			d.W.Value.SetRow(i, row)
		}
		d.B.Value.SetRow(0, s.Bias)
		return d, nil
	default:
		return nil, fmt.Errorf("unknown layer type %q", s.Type)
	}
}
