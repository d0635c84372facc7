package simple

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Batcher is the minimal interface the trainers need from a data source.
// Batches starts a new epoch and returns its index batches (shuffled or not,
// as the batcher decides); Batch reads the examples behind one of them.
// datasets.Loader implements it.
type Batcher interface {
	Len() int
	Batches() [][]int
	Batch(indices []int) (inputs [][]float32, labels [][]float32, err error)
}

// EpochStats summarizes one epoch. Losses are the sum of per-batch losses
// divided by the number of examples and multiplied by Config.LossScale.
type EpochStats struct {
	Epoch        int // 1-based
	TrainLoss    float64
	ValidLoss    float64
	LearningRate float64
}

// History records every epoch of a training run.
type History struct {
	Epochs []EpochStats
}

// Last returns the final epoch, or the zero value for an empty history.
func (h *History) Last() EpochStats {
	if h == nil || len(h.Epochs) == 0 {
		return EpochStats{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// EpochHook is called after every epoch. Returning an error aborts training.
type EpochHook func(EpochStats) error

// Backend is a trainable network: the native gonum trainer or the gomlx one.
type Backend interface {
	Predictor
	Name() string
	Train(train, valid Batcher, hook EpochHook) (*History, error)
	Save(path string) error
}

// NewBackend returns the backend called name ("native" or "gomlx").
func NewBackend(name string, cfg Config) (Backend, error) {
	switch name {
	case "", "native":
		m, err := NewModel(cfg)
		if err != nil {
			return nil, err
		}
		return NewTrainer(m), nil
	case "gomlx":
		return NewGomlxModel(cfg)
	default:
		return nil, errors.Errorf("unknown backend %q, want native or gomlx", name)
	}
}

// Trainer runs mini-batch Adam on a Model with the masked loss and a
// step-decay learning rate.
type Trainer struct {
	Model    *Model
	Loss     Loss
	Schedule StepDecay

	opt *Adam
}

// NewTrainer returns a trainer for m using MaskedMSE.
func NewTrainer(m *Model) *Trainer {
	return &Trainer{
		Model:    m,
		Loss:     MaskedMSE{},
		Schedule: NewStepDecay(m.Config),
		opt:      NewAdam(m.Config),
	}
}

// Name identifies the backend.
func (t *Trainer) Name() string { return "native" }

// NumParams returns the number of trainable parameters.
func (t *Trainer) NumParams() int { return t.Model.NumParams() }

// PredictBatch forwards to the model.
func (t *Trainer) PredictBatch(inputs [][]float32) ([][]float32, error) {
	return t.Model.PredictBatch(inputs)
}

// Save writes the model parameters to path.
func (t *Trainer) Save(path string) error { return t.Model.Save(path) }

// step runs forward, loss, backward and one optimizer update on a batch and
// returns the batch loss.
func (t *Trainer) step(inputs, labels [][]float32, lr float64) (float64, error) {
	x, y, err := t.batchMatrices(inputs, labels)
	if err != nil {
		return 0, err
	}
	preActs, acts := t.Model.forward(x)
	pred := acts[len(acts)-1]
	loss, err := t.Loss.Compute(pred, y)
	if err != nil {
		return 0, err
	}
	delta, err := t.Loss.Gradient(pred, y)
	if err != nil {
		return 0, err
	}
	grads := t.Model.backward(preActs, acts, delta)
	if err := t.opt.Step(t.Model.parameters(), grads, lr); err != nil {
		return 0, err
	}
	return loss, nil
}

// evalBatch computes the batch loss without updating the model.
func (t *Trainer) evalBatch(inputs, labels [][]float32) (float64, error) {
	x, y, err := t.batchMatrices(inputs, labels)
	if err != nil {
		return 0, err
	}
	_, acts := t.Model.forward(x)
	return t.Loss.Compute(acts[len(acts)-1], y)
}

func (t *Trainer) batchMatrices(inputs, labels [][]float32) (x, y *mat.Dense, err error) {
	if len(inputs) != len(labels) {
		return nil, nil, errors.Errorf("inputs and labels batch sizes don't match: %d != %d", len(inputs), len(labels))
	}
	if x, err = toDense(inputs, t.Model.Config.InputDim); err != nil {
		return nil, nil, errors.WithMessage(err, "inputs")
	}
	if y, err = toDense(labels, t.Model.Config.OutputDim); err != nil {
		return nil, nil, errors.WithMessage(err, "labels")
	}
	return x, y, nil
}

// Train runs Config.Epochs epochs over train, computing the validation loss
// after each one. There is no early stopping.
func (t *Trainer) Train(train, valid Batcher, hook EpochHook) (*History, error) {
	if train == nil || valid == nil {
		return nil, errors.New("train and valid batchers are required")
	}
	if train.Len() == 0 || valid.Len() == 0 {
		return nil, errors.New("train and valid must have examples")
	}
	cfg := t.Model.Config
	history := &History{Epochs: make([]EpochStats, 0, cfg.Epochs)}

	for ep := 0; ep < cfg.Epochs; ep++ {
		lr := t.Schedule.At(ep)

		var trainSum float64
		for bi, idx := range train.Batches() {
			inputs, labels, err := train.Batch(idx)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d train batch %d", ep+1, bi)
			}
			loss, err := t.step(inputs, labels, lr)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d train batch %d", ep+1, bi)
			}
			trainSum += loss
		}

		var validSum float64
		for bi, idx := range valid.Batches() {
			inputs, labels, err := valid.Batch(idx)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d valid batch %d", ep+1, bi)
			}
			loss, err := t.evalBatch(inputs, labels)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d valid batch %d", ep+1, bi)
			}
			validSum += loss
		}

		stats := EpochStats{
			Epoch:        ep + 1,
			TrainLoss:    trainSum / float64(train.Len()) * cfg.LossScale,
			ValidLoss:    validSum / float64(valid.Len()) * cfg.LossScale,
			LearningRate: lr,
		}
		history.Epochs = append(history.Epochs, stats)
		klog.V(2).Infof("epoch %d: train=%.5f valid=%.5f lr=%g", stats.Epoch, stats.TrainLoss, stats.ValidLoss, lr)
		if hook != nil {
			if err := hook(stats); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}
