package training

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/ecobin/wastesort/pkg/dataset"
	"github.com/ecobin/wastesort/pkg/feed"
	"github.com/ecobin/wastesort/pkg/loss"
	"github.com/ecobin/wastesort/pkg/model"
)

// Config holds everything one training run needs
type Config struct {
	TrainDir string
	ValDir   string
	// TestDir is evaluated after both stages; empty skips the test pass
	TestDir string
	// Classes fixes the label order; empty discovers the sorted
	// sub-directories of ValDir
	Classes []string

	Height        int
	Width         int
	Normalization string
	Resampler     string

	BatchSize   int
	MaxPerClass int
	Shuffle     bool
	Seed        int64

	Spec model.Spec
	// BackbonePath, when set, seeds the backbone from a saved model
	BackbonePath string

	Stage1Epochs   int
	Stage2Epochs   int
	Stage1LR       float64
	Stage2LR       float64
	FineTuneLayers int

	FocalGamma float64
	FocalAlpha float64

	PlateauFactor     float64
	PlateauPatience   int
	EarlyStopPatience int

	CheckpointPath string
	CSVPath        string
	FinalPath      string
}

// Report summarizes a finished run
type Report struct {
	Classes      []string
	Stage1       History
	Stage2       History
	TestLoss     float64
	TestAccuracy float64
	BestValLoss  float64
	FinalPath    string
}

// Orchestrator runs the full schedule: head training on a frozen backbone,
// fine-tuning of the top backbone layers, test evaluation and the final save.
type Orchestrator struct {
	Config Config
	Logger *log.Logger
	// Loader overrides the image loader built from the model metadata
	Loader feed.Loader
}

// NewOrchestrator creates an orchestrator logging to stderr
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		Config: cfg,
		Logger: log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

func (o *Orchestrator) classes() ([]string, error) {
	if len(o.Config.Classes) > 0 {
		return o.Config.Classes, nil
	}
	classes, err := dataset.DiscoverClasses(o.Config.ValDir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no class directories in %s", o.Config.ValDir)
	}
	return classes, nil
}

func (o *Orchestrator) network(meta model.Metadata) (*model.Network, error) {
	if o.Config.BackbonePath != "" {
		o.logf("Loading backbone from %s", o.Config.BackbonePath)
		return model.LoadBackbone(o.Config.BackbonePath, o.Config.Spec, meta, o.Config.Seed)
	}
	return model.Build(o.Config.Spec, meta, o.Config.Seed)
}

// Run executes both stages and returns their histories and the test metrics
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	cfg := o.Config
	report := Report{TestLoss: math.NaN(), TestAccuracy: math.NaN()}

	classes, err := o.classes()
	if err != nil {
		return report, err
	}
	report.Classes = classes
	o.logf("Classes order: %v", classes)
	if err := CheckLayout(cfg, classes); err != nil {
		return report, err
	}

	meta := model.Metadata{
		Classes:       classes,
		InputHeight:   cfg.Height,
		InputWidth:    cfg.Width,
		Channels:      3,
		Normalization: cfg.Normalization,
		Resampler:     cfg.Resampler,
	}
	if err := meta.Validate(len(classes)); err != nil {
		return report, err
	}

	load := o.Loader
	if load == nil {
		pre, err := meta.Preprocessor()
		if err != nil {
			return report, err
		}
		load = pre.LoadFile
	}

	shape := meta.Shape()
	train, err := feed.NewBalanced(feed.BalancedConfig{
		BaseDir:     cfg.TrainDir,
		Classes:     classes,
		BatchSize:   cfg.BatchSize,
		Shape:       shape,
		Shuffle:     cfg.Shuffle,
		MaxPerClass: cfg.MaxPerClass,
		Seed:        cfg.Seed,
	}, load)
	if err != nil {
		return report, fmt.Errorf("training data: %w", err)
	}
	val, err := feed.NewDirectory(cfg.ValDir, classes, cfg.BatchSize, shape, load)
	if err != nil {
		return report, fmt.Errorf("validation data: %w", err)
	}
	o.logf("Found %d validation images belonging to %d classes", val.Samples(), len(classes))

	net, err := o.network(meta)
	if err != nil {
		return report, err
	}

	trainer := &Trainer{
		Network: net,
		Loss:    &loss.Focal{Gamma: cfg.FocalGamma, Alpha: cfg.FocalAlpha},
		Logger:  o.Logger,
		Verbose: true,
	}
	plateau := NewReduceLROnPlateau(cfg.PlateauFactor, cfg.PlateauPatience)
	early := NewEarlyStopping(cfg.EarlyStopPatience)
	checkpoint := NewCheckpoint(cfg.CheckpointPath)
	callbacks := []Callback{plateau, early}
	if cfg.CheckpointPath != "" {
		callbacks = append(callbacks, checkpoint)
	}
	if cfg.CSVPath != "" {
		callbacks = append(callbacks, NewCSVLogger(cfg.CSVPath))
	}

	o.logf("Stage 1: training head...")
	net.FreezeBackbone()
	report.Stage1, err = trainer.Fit(ctx, FitConfig{
		Stage:     1,
		Epochs:    cfg.Stage1Epochs,
		Optimizer: model.NewAdam(cfg.Stage1LR),
		Callbacks: callbacks,
	}, train, val)
	if err != nil {
		return report, fmt.Errorf("stage 1: %w", err)
	}

	o.logf("Stage 2: fine-tuning last %d backbone layers...", cfg.FineTuneLayers)
	net.UnfreezeTop(cfg.FineTuneLayers)
	report.Stage2, err = trainer.Fit(ctx, FitConfig{
		Stage:     2,
		Epochs:    cfg.Stage2Epochs,
		Optimizer: model.NewAdam(cfg.Stage2LR),
		Callbacks: callbacks,
	}, train, val)
	if err != nil {
		return report, fmt.Errorf("stage 2: %w", err)
	}
	report.BestValLoss = checkpoint.Best()

	if cfg.TestDir != "" {
		test, err := feed.NewDirectory(cfg.TestDir, classes, cfg.BatchSize, shape, load)
		if err != nil {
			return report, fmt.Errorf("test data: %w", err)
		}
		report.TestLoss, report.TestAccuracy, err = net.Evaluate(ctx, test, trainer.Loss)
		if err != nil {
			return report, fmt.Errorf("test evaluation: %w", err)
		}
		o.logf("Test loss, acc: %.4f %.4f", report.TestLoss, report.TestAccuracy)
	}

	if cfg.FinalPath != "" {
		if err := net.Save(cfg.FinalPath); err != nil {
			return report, err
		}
		report.FinalPath = cfg.FinalPath
		o.logf("Saved final model: %s", cfg.FinalPath)
	}
	return report, nil
}

// CheckLayout verifies that every split directory has a folder per class.
// Empty folders are reported by the feeds as feed.ErrEmptyClass.
func CheckLayout(cfg Config, classes []string) error {
	for _, dir := range []string{cfg.TrainDir, cfg.ValDir, cfg.TestDir} {
		if dir == "" {
			continue
		}
		if err := dataset.ValidateLayout(dir, classes); err != nil {
			return err
		}
	}
	return nil
}
