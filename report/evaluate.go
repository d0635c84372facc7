// Package report evaluates a trained network on a held-out table and turns
// the result into relative-error statistics and histogram figures.
package report

import (
	"github.com/Noofbiz/racnet/datasets"
	"github.com/Noofbiz/racnet/simple"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Evaluation holds the normalized predictions and targets of a test run, in
// dataset order.
type Evaluation struct {
	Predictions *mat.Dense // N x OutputDim
	Targets     *mat.Dense // N x OutputDim

	// TestLoss is the unmasked MSE over every element divided by N and
	// multiplied by the loss scale.
	TestLoss float64
}

// Len returns the number of evaluated examples.
func (e *Evaluation) Len() int {
	r, _ := e.Targets.Dims()
	return r
}

// Evaluate runs p over ds in order, batchSize examples at a time.
func Evaluate(p simple.Predictor, ds datasets.Dataset, batchSize int, lossScale float64) (*Evaluation, error) {
	if ds.Len() == 0 {
		return nil, datasets.ErrEmptyDataset
	}
	loader, err := datasets.NewLoader(ds, batchSize, false, 0)
	if err != nil {
		return nil, err
	}

	var preds, targets [][]float32
	for bi, idx := range loader.Batches() {
		inputs, labels, err := loader.Batch(idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "test batch %d", bi)
		}
		out, err := p.PredictBatch(inputs)
		if err != nil {
			return nil, errors.WithMessagef(err, "predict test batch %d", bi)
		}
		preds = append(preds, out...)
		targets = append(targets, labels...)
	}

	ev := &Evaluation{}
	if ev.Predictions, err = toMatrix(preds); err != nil {
		return nil, errors.WithMessage(err, "predictions")
	}
	if ev.Targets, err = toMatrix(targets); err != nil {
		return nil, errors.WithMessage(err, "targets")
	}
	mse, err := simple.MSE{}.Compute(ev.Predictions, ev.Targets)
	if err != nil {
		return nil, err
	}
	ev.TestLoss = mse / float64(ds.Len()) * lossScale
	return ev, nil
}

func toMatrix(rows [][]float32) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, datasets.ErrEmptyBatch
	}
	width := len(rows[0])
	m := mat.NewDense(len(rows), width, nil)
	for i, row := range rows {
		if len(row) != width {
			return nil, errors.Errorf("row %d has width %d, expected %d", i, len(row), width)
		}
		dst := m.RawRowView(i)
		for j, v := range row {
			dst[j] = float64(v)
		}
	}
	return m, nil
}

// Denormalize maps normalized values (N x C) back to physical values with
// norm, channel by channel.
func Denormalize(values mat.Matrix, norm datasets.Normalization) (*mat.Dense, error) {
	rows, cols := values.Dims()
	if rows == 0 {
		return nil, datasets.ErrEmptyBatch
	}
	if cols != norm.Len() {
		return nil, errors.Errorf("values have %d channels, normalization has %d", cols, norm.Len())
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 { return norm.Denormalize(j, v) }, values)
	return out, nil
}
