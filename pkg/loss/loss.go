package loss

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Epsilon bounds predicted probabilities away from 0 and 1 before taking logs
const Epsilon = 1e-7

// Function computes a per-sample loss and its gradient.
type Function interface {
	// Compute returns the loss given softmax probabilities and a one-hot target.
	Compute(pred []float64, target []float64) float64
	// Gradient returns ∂L/∂pred for each class.
	Gradient(pred []float64, target []float64) []float64
}

// Focal is the focal-style loss: sum_i alpha * (1-p_i)^gamma * -y_i * log(p_i).
// Confident correct predictions get a small weight, hard examples a large one.
type Focal struct {
	Gamma float64
	Alpha float64
}

// NewFocal returns the loss with gamma=2, alpha=0.25
func NewFocal() *Focal {
	return &Focal{Gamma: 2.0, Alpha: 0.25}
}

func clip(p float64) float64 {
	if p < Epsilon {
		return Epsilon
	}
	if p > 1-Epsilon {
		return 1 - Epsilon
	}
	return p
}

// Compute returns the focal loss of one sample.
func (f *Focal) Compute(pred []float64, target []float64) float64 {
	var loss float64
	for i := range pred {
		p := clip(pred[i])
		ce := -target[i] * math.Log(p)
		weight := f.Alpha * math.Pow(1-p, f.Gamma)
		loss += weight * ce
	}
	return loss
}

// Gradient returns ∂L/∂pred. Where clipping is active the gradient is zero,
// matching a clip op.
func (f *Focal) Gradient(pred []float64, target []float64) []float64 {
	grad := make([]float64, len(pred))
	for i := range pred {
		if target[i] == 0 || pred[i] < Epsilon || pred[i] > 1-Epsilon {
			continue
		}
		p := pred[i]
		q := 1 - p
		// d/dp [-a y q^g log p] = a y (g q^(g-1) log p - q^g / p)
		grad[i] = f.Alpha * target[i] * (f.Gamma*math.Pow(q, f.Gamma-1)*math.Log(p) - math.Pow(q, f.Gamma)/p)
	}
	return grad
}

// PerSample evaluates fn on every row
func PerSample(fn Function, preds, targets [][]float64) []float64 {
	out := make([]float64, len(preds))
	for i := range preds {
		out[i] = fn.Compute(preds[i], targets[i])
	}
	return out
}

// Mean reduces a batch to sum over samples divided by batch size
func Mean(fn Function, preds, targets [][]float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	return floats.Sum(PerSample(fn, preds, targets)) / float64(len(preds))
}
