// Package quant converts a trained network into a compact, self-describing
// binary file for edge inference.
//
// Layout (little-endian):
//
//	magic "WSQM" | version u16 | precision u8 | metadata length u32 | metadata JSON
//	layer count u16 | layers...
//
// Dense layers carry in/out (u32), activation (u8) and either a float32
// scale plus int8 weights or raw float32 weights, followed by float32
// biases. Dropout is dropped since it is the identity at inference.
package quant

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/ecobin/wastesort/pkg/model"
)

// Magic starts every quantized file
const Magic = "WSQM"

// Version of the binary layout
const Version uint16 = 1

// Precision selects how dense weights are stored
type Precision string

const (
	// Int8 stores per-tensor symmetric int8 weights and float32 biases
	Int8 Precision = "int8"
	// Float32 stores weights unquantized
	Float32 Precision = "float32"
)

// ParsePrecision validates a precision name; empty means int8
func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Int8, nil
	case Int8, Float32:
		return p, nil
	default:
		return "", fmt.Errorf("unknown precision %q", s)
	}
}

// Options configures Convert
type Options struct {
	Precision Precision
}

const (
	kindDownsample uint8 = 1
	kindDense      uint8 = 2
)

// Layer is one stored layer
type Layer struct {
	Kind uint8
	// downsample geometry
	Height, Width, Channels, Factor int
	// dense shape and storage
	Inputs, Outputs int
	Activation      string
	Scale           float32
	Quantized       []int8
	Weights         []float32
	Bias            []float32
}

// Model is a converted network ready for inference
type Model struct {
	Metadata  model.Metadata
	Precision Precision
	Layers    []Layer

	runtime []model.Layer
}

// Convert quantizes net. The result predicts without the training stack.
func Convert(net *model.Network, opts Options) (*Model, error) {
	prec, err := ParsePrecision(string(opts.Precision))
	if err != nil {
		return nil, err
	}
	if err := net.Metadata.Validate(net.Outputs()); err != nil {
		return nil, err
	}

	m := &Model{Metadata: net.Metadata, Precision: prec}
	all := append(append([]model.Layer{}, net.Backbone...), net.Head...)
	for i, l := range all {
		switch v := l.(type) {
		case *model.Downsample:
			m.Layers = append(m.Layers, Layer{
				Kind:     kindDownsample,
				Height:   v.Height,
				Width:    v.Width,
				Channels: v.Channels,
				Factor:   v.Factor,
			})
		case *model.Dense:
			m.Layers = append(m.Layers, convertDense(v, prec))
		case *model.Dropout:
			continue
		default:
			return nil, fmt.Errorf("layer %d: unsupported type %T", i, l)
		}
	}
	if err := m.build(); err != nil {
		return nil, err
	}
	return m, nil
}

func convertDense(d *model.Dense, prec Precision) Layer {
	spec := d.Spec()
	l := Layer{
		Kind:       kindDense,
		Inputs:     spec.Inputs,
		Outputs:    spec.Outputs,
		Activation: spec.Activation,
		Bias:       make([]float32, spec.Outputs),
	}
	for j, b := range spec.Bias {
		l.Bias[j] = float32(b)
	}

	flat := make([]float64, 0, spec.Inputs*spec.Outputs)
	for _, row := range spec.Weights {
		flat = append(flat, row...)
	}
	if prec == Float32 {
		l.Weights = make([]float32, len(flat))
		for i, w := range flat {
			l.Weights[i] = float32(w)
		}
		return l
	}
	l.Scale, l.Quantized = quantize(flat)
	return l
}

// quantize maps weights to int8 with a single symmetric scale maxabs/127
func quantize(w []float64) (float32, []int8) {
	maxAbs := 0.0
	for _, v := range w {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	q := make([]int8, len(w))
	if maxAbs == 0 {
		return 1, q
	}
	scale := float32(maxAbs / 127)
	for i, v := range w {
		r := math.Round(v / float64(scale))
		q[i] = int8(math.Max(-127, math.Min(127, r)))
	}
	return scale, q
}

// dequantized returns the dense weights as float64 row-major values
func (l *Layer) dequantized() []float64 {
	out := make([]float64, l.Inputs*l.Outputs)
	if l.Quantized != nil {
		for i, q := range l.Quantized {
			out[i] = float64(q) * float64(l.Scale)
		}
		return out
	}
	for i, w := range l.Weights {
		out[i] = float64(w)
	}
	return out
}

// build turns stored layers into runtime layers, dequantizing once
func (m *Model) build() error {
	rng := rand.New(rand.NewSource(0))
	m.runtime = m.runtime[:0]
	width := m.Metadata.InputSize()
	for i := range m.Layers {
		l := &m.Layers[i]
		switch l.Kind {
		case kindDownsample:
			ds, err := model.NewDownsample(l.Height, l.Width, l.Channels, l.Factor)
			if err != nil {
				return err
			}
			if ds.InputSize() != width {
				return fmt.Errorf("layer %d expects %d inputs, previous layer gives %d", i, ds.InputSize(), width)
			}
			m.runtime = append(m.runtime, ds)
			width = ds.OutputSize()
		case kindDense:
			if l.Inputs != width {
				return fmt.Errorf("layer %d expects %d inputs, previous layer gives %d", i, l.Inputs, width)
			}
			d, err := model.NewDense(l.Inputs, l.Outputs, l.Activation, rng)
			if err != nil {
				return err
			}
			w := l.dequantized()
			for r := 0; r < l.Inputs; r++ {
				d.W.Value.SetRow(r, w[r*l.Outputs:(r+1)*l.Outputs])
			}
			bias := make([]float64, l.Outputs)
			for j, b := range l.Bias {
				bias[j] = float64(b)
			}
			d.B.Value.SetRow(0, bias)
			m.runtime = append(m.runtime, d)
			width = l.Outputs
		default:
			return fmt.Errorf("layer %d: unknown kind %d", i, l.Kind)
		}
	}
	return m.Metadata.Validate(width)
}

// Predict returns class probabilities for one preprocessed NHWC image
func (m *Model) Predict(input []float32) ([]float32, error) {
	if len(input) != m.Metadata.InputSize() {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), m.Metadata.InputSize())
	}
	row := make([]float64, len(input))
	for i, v := range input {
		row[i] = float64(v)
	}
	x := mat.NewDense(1, len(row), row)
	for _, l := range m.runtime {
		x = l.Forward(x, false)
	}
	logits := append([]float64(nil), x.RawRowView(0)...)
	model.Softmax(logits)

	out := make([]float32, len(logits))
	for i, p := range logits {
		out[i] = float32(p)
	}
	return out, nil
}
