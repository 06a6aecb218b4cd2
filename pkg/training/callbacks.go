package training

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ecobin/wastesort/internal/utils"
	"github.com/ecobin/wastesort/pkg/model"
)

// State is shared between the trainer and its callbacks during one Fit
type State struct {
	Network   *model.Network
	Optimizer model.Optimizer
	Stage     int
	Epoch     int
	Epochs    int
	Logger    *log.Logger
	// StopTraining ends the current Fit after the running epoch
	StopTraining bool
}

func (s *State) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// EpochLogs are the metrics of one finished epoch. ValLoss and ValAccuracy
// are NaN when no validation data was given.
type EpochLogs struct {
	Loss         float64
	Accuracy     float64
	ValLoss      float64
	ValAccuracy  float64
	LearningRate float64
}

// Callback observes training. OnTrainBegin runs at the start of every Fit.
type Callback interface {
	OnTrainBegin(s *State) error
	OnEpochEnd(s *State, logs EpochLogs) error
}

// ReduceLROnPlateau multiplies the learning rate by Factor once val_loss has
// not improved by MinDelta for Patience epochs. Its counters reset at the
// start of every Fit.
type ReduceLROnPlateau struct {
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64

	best float64
	wait int
}

// NewReduceLROnPlateau returns the plateau schedule with min_delta 1e-4
func NewReduceLROnPlateau(factor float64, patience int) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{Factor: factor, Patience: patience, MinDelta: 1e-4}
}

func (r *ReduceLROnPlateau) OnTrainBegin(s *State) error {
	if r.Factor <= 0 || r.Factor >= 1 {
		return fmt.Errorf("plateau factor %v must be in (0,1)", r.Factor)
	}
	r.best = math.Inf(1)
	r.wait = 0
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(s *State, logs EpochLogs) error {
	if math.IsNaN(logs.ValLoss) {
		return nil
	}
	if logs.ValLoss < r.best-r.MinDelta {
		r.best = logs.ValLoss
		r.wait = 0
		return nil
	}
	r.wait++
	if r.wait < r.Patience {
		return nil
	}
	r.wait = 0
	old := s.Optimizer.LearningRate()
	if old <= r.MinLR {
		return nil
	}
	lr := math.Max(old*r.Factor, r.MinLR)
	s.Optimizer.SetLearningRate(lr)
	s.logf("epoch %d: reducing learning rate from %.3g to %.3g", s.Epoch+1, old, lr)
	return nil
}

// EarlyStopping stops a Fit once val_loss has not improved for Patience
// epochs and restores the best weights seen during that Fit.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best        float64
	bestWeights [][]float64
	wait        int
	// StoppedEpoch is the epoch the last Fit stopped at, or -1
	StoppedEpoch int
}

// NewEarlyStopping returns an early stopper with the given patience
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, StoppedEpoch: -1}
}

func (e *EarlyStopping) OnTrainBegin(s *State) error {
	e.best = math.Inf(1)
	e.bestWeights = nil
	e.wait = 0
	e.StoppedEpoch = -1
	return nil
}

func (e *EarlyStopping) OnEpochEnd(s *State, logs EpochLogs) error {
	if math.IsNaN(logs.ValLoss) {
		return nil
	}
	if e.bestWeights == nil {
		e.bestWeights = s.Network.Weights()
	}
	e.wait++
	if logs.ValLoss < e.best-e.MinDelta {
		e.best = logs.ValLoss
		e.bestWeights = s.Network.Weights()
		e.wait = 0
		return nil
	}
	if e.wait < e.Patience || s.Epoch == 0 {
		return nil
	}
	e.StoppedEpoch = s.Epoch
	s.StopTraining = true
	s.logf("epoch %d: early stopping, restoring weights from the best epoch (val_loss %.4f)", s.Epoch+1, e.best)
	return s.Network.SetWeights(e.bestWeights)
}

// Checkpoint saves the full model whenever val_loss improves. The best value
// is kept across Fits, so a later stage only overwrites the file when it
// beats every earlier stage.
type Checkpoint struct {
	Path string

	best float64
	init bool
}

// NewCheckpoint returns a best-only checkpoint writer
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: path}
}

// Best returns the lowest val_loss saved so far
func (c *Checkpoint) Best() float64 {
	if !c.init {
		return math.Inf(1)
	}
	return c.best
}

func (c *Checkpoint) OnTrainBegin(s *State) error {
	if !c.init {
		c.best = math.Inf(1)
		c.init = true
	}
	return nil
}

func (c *Checkpoint) OnEpochEnd(s *State, logs EpochLogs) error {
	if math.IsNaN(logs.ValLoss) || logs.ValLoss >= c.Best() {
		return nil
	}
	s.logf("epoch %d: val_loss improved from %.5f to %.5f, saving model to %s", s.Epoch+1, c.Best(), logs.ValLoss, c.Path)
	if err := s.Network.Save(c.Path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	c.best = logs.ValLoss
	c.init = true
	return nil
}

// CSVColumns is the header written by CSVLogger
var CSVColumns = []string{"stage", "epoch", "loss", "accuracy", "val_loss", "val_accuracy", "learning_rate"}

// CSVLogger appends one row per epoch. The file is truncated by the first
// Fit it sees and appended to by later ones, unless Append is set.
type CSVLogger struct {
	Path   string
	Append bool

	started bool
}

// NewCSVLogger returns a logger that starts a fresh file
func NewCSVLogger(path string) *CSVLogger {
	return &CSVLogger{Path: path}
}

func (c *CSVLogger) OnTrainBegin(s *State) error {
	if c.started {
		return nil
	}
	c.started = true
	if c.Append && utils.FileExists(c.Path) {
		return nil
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := utils.EnsureDir(dir); err != nil {
			return err
		}
	}
	f, err := os.Create(c.Path)
	if err != nil {
		return fmt.Errorf("failed to create training log: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(CSVColumns); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (c *CSVLogger) OnEpochEnd(s *State, logs EpochLogs) error {
	f, err := os.OpenFile(c.Path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open training log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	row := []string{
		strconv.Itoa(s.Stage),
		strconv.Itoa(s.Epoch),
		formatFloat(logs.Loss),
		formatFloat(logs.Accuracy),
		formatFloat(logs.ValLoss),
		formatFloat(logs.ValAccuracy),
		formatFloat(logs.LearningRate),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
