// Package model implements the waste classifier network: a frozen-able
// feature backbone followed by a dense classification head with softmax
// output, trained with a pluggable loss and optimizer.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/ecobin/wastesort/pkg/feed"
	"github.com/ecobin/wastesort/pkg/loss"
	"github.com/ecobin/wastesort/pkg/preprocess"
	"github.com/ecobin/wastesort/pkg/types"
)

// ErrMetadata is returned when an artifact's metadata does not describe its network
var ErrMetadata = errors.New("invalid model metadata")

// Metadata travels with every artifact. Runners build their preprocessing
// and class mapping from it.
type Metadata struct {
	Classes       []string `json:"classes"`
	InputHeight   int      `json:"input_height"`
	InputWidth    int      `json:"input_width"`
	Channels      int      `json:"channels"`
	Normalization string   `json:"normalization"`
	Resampler     string   `json:"resampler"`
}

// Validate checks the metadata against a network with the given number of outputs
func (m Metadata) Validate(outputs int) error {
	if err := types.ClassSet(m.Classes).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if len(m.Classes) != outputs {
		return fmt.Errorf("%w: %d classes for %d outputs", ErrMetadata, len(m.Classes), outputs)
	}
	if m.InputHeight < 1 || m.InputWidth < 1 || m.Channels != 3 {
		return fmt.Errorf("%w: input %dx%dx%d", ErrMetadata, m.InputHeight, m.InputWidth, m.Channels)
	}
	if _, err := preprocess.ParseNormalization(m.Normalization); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if _, err := preprocess.ParseResampler(m.Resampler); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	return nil
}

// InputSize is the flattened length of one input image
func (m Metadata) InputSize() int {
	return m.InputHeight * m.InputWidth * m.Channels
}

// Shape is the per-image feed shape
func (m Metadata) Shape() feed.Shape {
	return feed.Shape{Height: m.InputHeight, Width: m.InputWidth, Channels: m.Channels}
}

// Preprocessor returns the NHWC preprocessor this model was trained with
func (m Metadata) Preprocessor() (*preprocess.Preprocessor, error) {
	norm, err := preprocess.ParseNormalization(m.Normalization)
	if err != nil {
		return nil, err
	}
	rs, err := preprocess.ParseResampler(m.Resampler)
	if err != nil {
		return nil, err
	}
	return preprocess.New(m.InputWidth, m.InputHeight, norm, rs, preprocess.NHWC)
}

// Spec describes the architecture Build creates
type Spec struct {
	// Downsample is the average-pool factor applied to the input image
	Downsample int     `json:"downsample"`
	Backbone   []int   `json:"backbone"`
	HeadUnits  int     `json:"head_units"`
	Dropout    float64 `json:"dropout"`
}

// DefaultSpec is a three-layer backbone under a Dense(256, relu) + Dropout(0.3) head
func DefaultSpec() Spec {
	return Spec{
		Downsample: 8,
		Backbone:   []int{512, 256, 256},
		HeadUnits:  256,
		Dropout:    0.3,
	}
}

// Network is a backbone and a classification head. Backbone layers can be
// frozen individually; head layers are always trainable.
type Network struct {
	Metadata Metadata
	Backbone []Layer
	Head     []Layer

	frozen []bool
}

// Build creates a freshly initialized network
func Build(spec Spec, meta Metadata, seed int64) (*Network, error) {
	if err := meta.Validate(len(meta.Classes)); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	backbone, err := buildBackbone(spec, meta, rng)
	if err != nil {
		return nil, err
	}
	n := &Network{Metadata: meta, Backbone: backbone, frozen: make([]bool, len(backbone))}
	if err := n.attachHead(spec, rng); err != nil {
		return nil, err
	}
	return n, nil
}

func buildBackbone(spec Spec, meta Metadata, rng *rand.Rand) ([]Layer, error) {
	var layers []Layer
	width := meta.InputSize()
	if spec.Downsample > 1 {
		ds, err := NewDownsample(meta.InputHeight, meta.InputWidth, meta.Channels, spec.Downsample)
		if err != nil {
			return nil, err
		}
		layers = append(layers, ds)
		width = ds.OutputSize()
	}
	for _, units := range spec.Backbone {
		if units < 1 {
			return nil, fmt.Errorf("invalid backbone width %d", units)
		}
		d, err := NewDense(width, units, ReLU, rng)
		if err != nil {
			return nil, err
		}
		layers = append(layers, d)
		width = units
	}
	return layers, nil
}

func (n *Network) attachHead(spec Spec, rng *rand.Rand) error {
	if spec.HeadUnits < 1 {
		return fmt.Errorf("head needs at least one unit, got %d", spec.HeadUnits)
	}
	width := n.Metadata.InputSize()
	if len(n.Backbone) > 0 {
		width = n.Backbone[len(n.Backbone)-1].OutputSize()
	}
	hidden, err := NewDense(width, spec.HeadUnits, ReLU, rng)
	if err != nil {
		return err
	}
	drop, err := NewDropout(spec.HeadUnits, spec.Dropout, rng)
	if err != nil {
		return err
	}
	out, err := NewDense(spec.HeadUnits, len(n.Metadata.Classes), Linear, rng)
	if err != nil {
		return err
	}
	n.Head = []Layer{hidden, drop, out}
	return nil
}

func (n *Network) layers() []Layer {
	all := make([]Layer, 0, len(n.Backbone)+len(n.Head))
	all = append(all, n.Backbone...)
	return append(all, n.Head...)
}

// Outputs is the width of the softmax output
func (n *Network) Outputs() int {
	if len(n.Head) == 0 {
		return 0
	}
	return n.Head[len(n.Head)-1].OutputSize()
}

// FreezeBackbone marks every backbone layer as non-trainable
func (n *Network) FreezeBackbone() {
	for i := range n.frozen {
		n.frozen[i] = true
	}
}

// UnfreezeTop makes the last count backbone layers trainable and keeps the
// rest frozen. A count larger than the backbone unfreezes all of it.
func (n *Network) UnfreezeTop(count int) {
	cut := len(n.Backbone) - count
	for i := range n.frozen {
		n.frozen[i] = i < cut
	}
}

// Frozen reports whether backbone layer i is frozen
func (n *Network) Frozen(i int) bool {
	return n.frozen[i]
}

// TrainableParams returns the parameters the optimizer may update
func (n *Network) TrainableParams() []*Param {
	var params []*Param
	for i, l := range n.Backbone {
		if !n.frozen[i] {
			params = append(params, l.Params()...)
		}
	}
	for _, l := range n.Head {
		params = append(params, l.Params()...)
	}
	return params
}

// TrainableCount is the number of trainable scalar weights
func (n *Network) TrainableCount() int {
	count := 0
	for _, p := range n.TrainableParams() {
		r, c := p.Value.Dims()
		count += r * c
	}
	return count
}

func (n *Network) forward(x *mat.Dense, training bool) *mat.Dense {
	out := x
	for i, l := range n.Backbone {
		// frozen layers run in inference mode
		out = l.Forward(out, training && !n.frozen[i])
	}
	for _, l := range n.Head {
		out = l.Forward(out, training)
	}
	probs := mat.DenseCopyOf(out)
	softmaxRows(probs)
	return probs
}

// Predict returns softmax probabilities [n, classes] for inputs [n, features]
func (n *Network) Predict(x *mat.Dense) *mat.Dense {
	return n.forward(x, false)
}

// PredictOne classifies a single preprocessed image tensor
func (n *Network) PredictOne(input []float32) ([]float32, error) {
	if len(input) != n.Metadata.InputSize() {
		return nil, fmt.Errorf("input has %d values, want %d", len(input), n.Metadata.InputSize())
	}
	row := make([]float64, len(input))
	for i, v := range input {
		row[i] = float64(v)
	}
	probs := n.Predict(mat.NewDense(1, len(row), row)).RawRowView(0)
	out := make([]float32, len(probs))
	for i, p := range probs {
		out[i] = float32(p)
	}
	return out, nil
}

// TrainStep runs forward and backward passes over one batch and applies the
// optimizer. It returns the mean loss and accuracy of the batch.
func (n *Network) TrainStep(x, y *mat.Dense, fn loss.Function, opt Optimizer) (float64, float64, error) {
	rows, _ := x.Dims()
	if yr, yc := y.Dims(); yr != rows || yc != n.Outputs() {
		return 0, 0, fmt.Errorf("labels are %dx%d, want %dx%d", yr, yc, rows, n.Outputs())
	}
	probs := n.forward(x, true)

	var total float64
	var correct int
	grad := mat.NewDense(rows, n.Outputs(), nil)
	for r := 0; r < rows; r++ {
		p := probs.RawRowView(r)
		t := y.RawRowView(r)
		total += fn.Compute(p, t)
		if floats.MaxIdx(p) == floats.MaxIdx(t) {
			correct++
		}
		g := fn.Gradient(p, t)
		floats.Scale(1/float64(rows), g)
		softmaxBackward(grad.RawRowView(r), p, g)
	}

	lowest := len(n.Backbone)
	for i := len(n.Backbone) - 1; i >= 0; i-- {
		if !n.frozen[i] {
			lowest = i
		}
	}
	g := grad
	for i := len(n.Head) - 1; i >= 0; i-- {
		g = n.Head[i].Backward(g)
	}
	for i := len(n.Backbone) - 1; i >= lowest; i-- {
		g = n.Backbone[i].Backward(g)
	}

	if err := opt.Apply(n.TrainableParams()); err != nil {
		return 0, 0, err
	}
	lossVal := total / float64(rows)
	if math.IsNaN(lossVal) {
		return 0, 0, fmt.Errorf("loss diverged to NaN")
	}
	return lossVal, float64(correct) / float64(rows), nil
}

// Evaluate computes the sample-weighted mean loss and accuracy over every
// batch of seq.
func (n *Network) Evaluate(ctx context.Context, seq feed.Sequence, fn loss.Function) (float64, float64, error) {
	var total float64
	var correct, count int
	for i := 0; i < seq.Len(); i++ {
		batch, err := seq.Batch(ctx, i)
		if err != nil {
			return 0, 0, err
		}
		x, err := ToMatrix(batch.Inputs)
		if err != nil {
			return 0, 0, err
		}
		y, err := ToMatrix(batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		probs := n.Predict(x)
		rows, _ := probs.Dims()
		preds := make([][]float64, rows)
		targets := make([][]float64, rows)
		for r := 0; r < rows; r++ {
			preds[r] = probs.RawRowView(r)
			targets[r] = y.RawRowView(r)
			if floats.MaxIdx(preds[r]) == floats.MaxIdx(targets[r]) {
				correct++
			}
		}
		total += loss.Mean(fn, preds, targets) * float64(rows)
		count += rows
	}
	if count == 0 {
		return 0, 0, fmt.Errorf("evaluation sequence is empty")
	}
	return total / float64(count), float64(correct) / float64(count), nil
}

// Weights returns a deep copy of every parameter, backbone first
func (n *Network) Weights() [][]float64 {
	var out [][]float64
	for _, l := range n.layers() {
		for _, p := range l.Params() {
			out = append(out, append([]float64(nil), p.Value.RawMatrix().Data...))
		}
	}
	return out
}

// SetWeights restores a snapshot taken with Weights
func (n *Network) SetWeights(w [][]float64) error {
	i := 0
	for _, l := range n.layers() {
		for _, p := range l.Params() {
			if i >= len(w) {
				return fmt.Errorf("snapshot has %d tensors, network needs more", len(w))
			}
			data := p.Value.RawMatrix().Data
			if len(w[i]) != len(data) {
				return fmt.Errorf("snapshot tensor %d has %d values, want %d", i, len(w[i]), len(data))
			}
			copy(data, w[i])
			i++
		}
	}
	if i != len(w) {
		return fmt.Errorf("snapshot has %d tensors, network has %d", len(w), i)
	}
	return nil
}

// ToMatrix flattens a [n, ...] float32 tensor into an n-row matrix
func ToMatrix(t tensor.Tensor) (*mat.Dense, error) {
	shape := t.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("tensor shape %v has no batch dimension", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor has dtype %v, want float32", t.Dtype())
	}
	rows := shape[0]
	cols := len(data) / rows
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return mat.NewDense(rows, cols, out), nil
}

func softmaxRows(m *mat.Dense) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		Softmax(m.RawRowView(r))
	}
}

// Softmax normalizes logits in place into probabilities
func Softmax(v []float64) {
	maxV := floats.Max(v)
	for i := range v {
		v[i] = math.Exp(v[i] - maxV)
	}
	floats.Scale(1/floats.Sum(v), v)
}

// softmaxBackward writes dL/dz given probabilities p and dL/dp g:
// dz_j = p_j (g_j - sum_i g_i p_i)
func softmaxBackward(dst, p, g []float64) {
	dot := floats.Dot(g, p)
	for j := range dst {
		dst[j] = p[j] * (g[j] - dot)
	}
}
