package model

import (
	"errors"
	"math"
)

// Optimizer applies accumulated gradients to a set of parameters
type Optimizer interface {
	Apply(params []*Param) error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Adam implements the Adam optimizer with Keras default moments
type Adam struct {
	Lr      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	t int
	m map[*Param][]float64
	v map[*Param][]float64
}

// NewAdam returns Adam with beta1=0.9, beta2=0.999, epsilon=1e-7
func NewAdam(lr float64) *Adam {
	return &Adam{
		Lr:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-7,
		m:       make(map[*Param][]float64),
		v:       make(map[*Param][]float64),
	}
}

func (a *Adam) LearningRate() float64 { return a.Lr }

func (a *Adam) SetLearningRate(lr float64) { a.Lr = lr }

// Apply performs one bias-corrected update step
func (a *Adam) Apply(params []*Param) error {
	if a.Lr <= 0 {
		return errors.New("invalid learning rate")
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(w))
			a.m[p] = m
			a.v[p] = make([]float64, len(w))
		}
		v := a.v[p]
		for i := range w {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g[i]
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g[i]*g[i]
			w[i] -= a.Lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Epsilon)
		}
	}
	return nil
}
