// Package feed produces fixed-size training and evaluation batches from a
// per-class image directory.
package feed

import (
	"context"
	"errors"
	"fmt"

	"gorgonia.org/tensor"
)

// ErrEmptyClass is returned when a class directory has no eligible images
var ErrEmptyClass = errors.New("no files found for class")

// Sample is one selected file and its class index
type Sample struct {
	Path  string
	Class int
}

// Batch pairs an input tensor [n, H, W, 3] with one-hot labels [n, classes]
type Batch struct {
	Inputs  tensor.Tensor
	Labels  tensor.Tensor
	Samples []Sample
}

// Size returns the number of samples in the batch
func (b Batch) Size() int {
	return len(b.Samples)
}

// Sequence is an indexable source of batches
type Sequence interface {
	// Len is the number of batches per epoch
	Len() int
	Batch(ctx context.Context, idx int) (Batch, error)
	// OnEpochEnd is called by the trainer after every epoch
	OnEpochEnd()
	Classes() []string
}

// Loader turns an image path into a normalized H*W*3 tensor
type Loader func(path string) ([]float32, error)

// Shape describes the image tensors a sequence produces
type Shape struct {
	Height   int
	Width    int
	Channels int
}

func (s Shape) size() int {
	return s.Height * s.Width * s.Channels
}

// OneHot encodes class indices as a [n, numClasses] tensor
func OneHot(labels []int, numClasses int) tensor.Tensor {
	backing := make([]float32, len(labels)*numClasses)
	for i, label := range labels {
		backing[i*numClasses+label] = 1.0
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(len(labels), numClasses), tensor.WithBacking(backing))
}

// assemble loads every sample into one batch
func assemble(ctx context.Context, samples []Sample, shape Shape, numClasses int, load Loader) (Batch, error) {
	size := shape.size()
	backing := make([]float32, len(samples)*size)
	labels := make([]int, len(samples))

	for i, s := range samples {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		arr, err := load(s.Path)
		if err != nil {
			return Batch{}, err
		}
		if len(arr) != size {
			return Batch{}, fmt.Errorf("%s: loader returned %d values, want %d", s.Path, len(arr), size)
		}
		copy(backing[i*size:], arr)
		labels[i] = s.Class
	}

	inputs := tensor.New(tensor.Of(tensor.Float32),
		tensor.WithShape(len(samples), shape.Height, shape.Width, shape.Channels),
		tensor.WithBacking(backing))
	return Batch{
		Inputs:  inputs,
		Labels:  OneHot(labels, numClasses),
		Samples: samples,
	}, nil
}
