package feed

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ecobin/wastesort/pkg/dataset"
)

// Directory iterates every image of every class in a fixed order, for
// validation and test evaluation. The last batch may be short.
type Directory struct {
	classes   []string
	samples   []Sample
	batchSize int
	shape     Shape
	load      Loader
}

// NewDirectory lists dir/<class> for every class. A class directory with no
// images fails with ErrEmptyClass.
func NewDirectory(dir string, classes []string, batchSize int, shape Shape, load Loader) (*Directory, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	if shape.Channels == 0 {
		shape.Channels = 3
	}
	d := &Directory{
		classes:   classes,
		batchSize: batchSize,
		shape:     shape,
		load:      load,
	}
	for i, c := range classes {
		files, err := dataset.ListClassFiles(filepath.Join(dir, c))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%w %s in %s", ErrEmptyClass, c, dir)
		}
		for _, f := range files {
			d.samples = append(d.samples, Sample{Path: f, Class: i})
		}
	}
	return d, nil
}

// Len returns ceil(samples / batch size)
func (d *Directory) Len() int {
	return (len(d.samples) + d.batchSize - 1) / d.batchSize
}

// Samples returns the number of images in the directory
func (d *Directory) Samples() int {
	return len(d.samples)
}

// Classes returns the class order used for labels
func (d *Directory) Classes() []string {
	return d.classes
}

// OnEpochEnd is a no-op; evaluation order never changes
func (d *Directory) OnEpochEnd() {}

// Batch loads batch idx
func (d *Directory) Batch(ctx context.Context, idx int) (Batch, error) {
	if idx < 0 || idx >= d.Len() {
		return Batch{}, fmt.Errorf("batch index %d out of range [0,%d)", idx, d.Len())
	}
	start := idx * d.batchSize
	end := start + d.batchSize
	if end > len(d.samples) {
		end = len(d.samples)
	}
	return assemble(ctx, d.samples[start:end], d.shape, len(d.classes), d.load)
}
