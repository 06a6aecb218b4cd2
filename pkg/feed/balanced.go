package feed

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/ecobin/wastesort/pkg/dataset"
)

// BalancedConfig configures a Balanced sequence
type BalancedConfig struct {
	BaseDir   string
	Classes   []string
	BatchSize int
	Shape     Shape
	Shuffle   bool
	// MaxPerClass caps each class list; 0 keeps every file
	MaxPerClass int
	Seed        int64
}

// Balanced draws the same number of files from every class for each batch.
//
// Each class is walked with its own circular window, so small classes wrap
// around while large ones advance; batches are padded with their own first
// samples or truncated to exactly BatchSize.
type Balanced struct {
	config BalancedConfig
	files  [][]string
	steps  int
	rng    *rand.Rand
	load   Loader
}

// NewBalanced scans BaseDir/<class> for every class. It fails with
// ErrEmptyClass when a class has no eligible image after the cap.
func NewBalanced(cfg BalancedConfig, load Loader) (*Balanced, error) {
	if len(cfg.Classes) == 0 {
		return nil, fmt.Errorf("balanced feed needs at least one class")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.Shape.Channels == 0 {
		cfg.Shape.Channels = 3
	}

	b := &Balanced{
		config: cfg,
		files:  make([][]string, len(cfg.Classes)),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		load:   load,
	}

	total := 0
	for i, c := range cfg.Classes {
		files, err := dataset.ListClassFiles(filepath.Join(cfg.BaseDir, c))
		if err != nil {
			return nil, err
		}
		if cfg.MaxPerClass > 0 && len(files) > cfg.MaxPerClass {
			b.shuffle(files)
			files = files[:cfg.MaxPerClass]
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%w %s in %s", ErrEmptyClass, c, cfg.BaseDir)
		}
		b.files[i] = files
		total += len(files)
	}

	b.steps = total / cfg.BatchSize
	if b.steps < 1 {
		b.steps = 1
	}
	return b, nil
}

func (b *Balanced) shuffle(files []string) {
	b.rng.Shuffle(len(files), func(i, j int) {
		files[i], files[j] = files[j], files[i]
	})
}

// Len returns max(1, total files / batch size)
func (b *Balanced) Len() int {
	return b.steps
}

// Classes returns the class order used for labels
func (b *Balanced) Classes() []string {
	return b.config.Classes
}

// Files returns a copy of the current file order of class i
func (b *Balanced) Files(i int) []string {
	out := make([]string, len(b.files[i]))
	copy(out, b.files[i])
	return out
}

// PerClass is the number of files drawn from each class per batch
func (b *Balanced) PerClass() int {
	n := b.config.BatchSize / len(b.config.Classes)
	if n < 1 {
		return 1
	}
	return n
}

// OnEpochEnd reshuffles each class independently when shuffling is enabled
func (b *Balanced) OnEpochEnd() {
	if !b.config.Shuffle {
		return
	}
	for i := range b.files {
		b.shuffle(b.files[i])
	}
}

// Select returns the samples of batch idx without loading them
func (b *Balanced) Select(idx int) []Sample {
	perClass := b.PerClass()
	samples := make([]Sample, 0, perClass*len(b.files))
	for i, files := range b.files {
		n := len(files)
		start := (idx * perClass) % n
		for j := 0; j < perClass; j++ {
			samples = append(samples, Sample{Path: files[(start+j)%n], Class: i})
		}
	}

	size := b.config.BatchSize
	if len(samples) > size {
		return samples[:size]
	}
	for i := 0; len(samples) < size; i++ {
		samples = append(samples, samples[i])
	}
	return samples
}

// Batch loads the samples of batch idx
func (b *Balanced) Batch(ctx context.Context, idx int) (Batch, error) {
	if idx < 0 {
		return Batch{}, fmt.Errorf("negative batch index %d", idx)
	}
	return assemble(ctx, b.Select(idx), b.config.Shape, len(b.config.Classes), b.load)
}
