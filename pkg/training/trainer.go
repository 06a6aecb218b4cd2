// Package training runs the two-stage fine-tuning schedule for the waste
// classifier: fit the head on a frozen backbone, then unfreeze the top of
// the backbone and continue at a lower learning rate.
package training

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/ecobin/wastesort/pkg/feed"
	"github.com/ecobin/wastesort/pkg/loss"
	"github.com/ecobin/wastesort/pkg/model"
)

// Trainer fits a network with one loss function
type Trainer struct {
	Network *model.Network
	Loss    loss.Function
	Logger  *log.Logger
	Verbose bool
}

// FitConfig configures one call to Fit
type FitConfig struct {
	Stage     int
	Epochs    int
	Optimizer model.Optimizer
	Callbacks []Callback
}

// History holds the per-epoch logs of one Fit
type History struct {
	Stage   int
	Epochs  []EpochLogs
	Stopped bool
}

// Last returns the logs of the final epoch
func (h History) Last() EpochLogs {
	if len(h.Epochs) == 0 {
		return EpochLogs{ValLoss: math.NaN(), ValAccuracy: math.NaN()}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Fit trains for up to cfg.Epochs epochs over train, evaluating on val after
// each one. val may be nil. The train sequence is notified at every epoch end
// so it can reshuffle.
func (t *Trainer) Fit(ctx context.Context, cfg FitConfig, train, val feed.Sequence) (History, error) {
	history := History{Stage: cfg.Stage}
	if cfg.Optimizer == nil {
		return history, fmt.Errorf("fit needs an optimizer")
	}
	if train.Len() == 0 {
		return history, fmt.Errorf("training sequence is empty")
	}

	state := &State{
		Network:   t.Network,
		Optimizer: cfg.Optimizer,
		Stage:     cfg.Stage,
		Epochs:    cfg.Epochs,
	}
	if t.Verbose {
		state.Logger = t.Logger
	}
	for _, cb := range cfg.Callbacks {
		if err := cb.OnTrainBegin(state); err != nil {
			return history, err
		}
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		state.Epoch = epoch
		lr := cfg.Optimizer.LearningRate()

		var lossSum, accSum float64
		for i := 0; i < train.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			batch, err := train.Batch(ctx, i)
			if err != nil {
				return history, fmt.Errorf("stage %d epoch %d batch %d: %w", cfg.Stage, epoch+1, i, err)
			}
			x, err := model.ToMatrix(batch.Inputs)
			if err != nil {
				return history, err
			}
			y, err := model.ToMatrix(batch.Labels)
			if err != nil {
				return history, err
			}
			l, acc, err := t.Network.TrainStep(x, y, t.Loss, cfg.Optimizer)
			if err != nil {
				return history, fmt.Errorf("stage %d epoch %d batch %d: %w", cfg.Stage, epoch+1, i, err)
			}
			lossSum += l
			accSum += acc
		}
		train.OnEpochEnd()

		logs := EpochLogs{
			Loss:         lossSum / float64(train.Len()),
			Accuracy:     accSum / float64(train.Len()),
			ValLoss:      math.NaN(),
			ValAccuracy:  math.NaN(),
			LearningRate: lr,
		}
		if val != nil {
			vl, va, err := t.Network.Evaluate(ctx, val, t.Loss)
			if err != nil {
				return history, fmt.Errorf("validation after epoch %d: %w", epoch+1, err)
			}
			logs.ValLoss, logs.ValAccuracy = vl, va
		}
		history.Epochs = append(history.Epochs, logs)
		t.logf("epoch %d/%d - loss %.4f - accuracy %.4f - val_loss %.4f - val_accuracy %.4f - lr %.2e",
			epoch+1, cfg.Epochs, logs.Loss, logs.Accuracy, logs.ValLoss, logs.ValAccuracy, lr)

		for _, cb := range cfg.Callbacks {
			if err := cb.OnEpochEnd(state, logs); err != nil {
				return history, err
			}
		}
		if state.StopTraining {
			history.Stopped = true
			break
		}
	}
	return history, nil
}

func (t *Trainer) logf(format string, args ...interface{}) {
	if t.Verbose && t.Logger != nil {
		t.Logger.Printf(format, args...)
	}
}
