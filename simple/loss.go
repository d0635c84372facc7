package simple

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoTargets is returned by MaskedMSE when every target of a batch is
	// zero, leaving nothing to average over.
	ErrNoTargets = errors.New("batch has no non-zero targets")

	// ErrEmptyBatch is returned when a loss or a forward pass receives no rows.
	ErrEmptyBatch = errors.New("empty batch")
)

// Loss computes a scalar loss and its gradient with respect to the
// predictions.
type Loss interface {
	Compute(pred, target mat.Matrix) (float64, error)
	Gradient(pred, target mat.Matrix) (*mat.Dense, error)
}

func checkShapes(pred, target mat.Matrix) (rows, cols int, err error) {
	rows, cols = target.Dims()
	pr, pc := pred.Dims()
	if pr != rows || pc != cols {
		return 0, 0, errors.Errorf("prediction shape %dx%d does not match target shape %dx%d", pr, pc, rows, cols)
	}
	if rows == 0 || cols == 0 {
		return 0, 0, ErrEmptyBatch
	}
	return rows, cols, nil
}

// MaskedMSE is the mean squared error over elements whose target is non-zero.
// A zero target marks an output that does not apply to the sample: it counts
// in neither the sum nor the denominator and receives no gradient.
type MaskedMSE struct{}

func (MaskedMSE) count(target mat.Matrix, rows, cols int) int {
	n := 0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if target.At(i, j) != 0 {
				n++
			}
		}
	}
	return n
}

// Compute returns the masked mean squared error.
func (l MaskedMSE) Compute(pred, target mat.Matrix) (float64, error) {
	rows, cols, err := checkShapes(pred, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t := target.At(i, j)
			if t == 0 {
				continue
			}
			d := pred.At(i, j) - t
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return 0, ErrNoTargets
	}
	return sum / float64(n), nil
}

// Gradient returns 2*(pred-target)/n on unmasked elements and 0 elsewhere.
func (l MaskedMSE) Gradient(pred, target mat.Matrix) (*mat.Dense, error) {
	rows, cols, err := checkShapes(pred, target)
	if err != nil {
		return nil, err
	}
	n := l.count(target, rows, cols)
	if n == 0 {
		return nil, ErrNoTargets
	}
	scale := 2 / float64(n)
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if t := target.At(i, j); t != 0 {
				grad.Set(i, j, scale*(pred.At(i, j)-t))
			}
		}
	}
	return grad, nil
}

// MSE is the plain mean squared error over every element.
type MSE struct{}

// Compute returns the mean squared error.
func (MSE) Compute(pred, target mat.Matrix) (float64, error) {
	rows, cols, err := checkShapes(pred, target)
	if err != nil {
		return 0, err
	}
	diff := mat.NewDense(rows, cols, nil)
	diff.Sub(pred, target)
	d := diff.RawMatrix().Data
	return floats.Dot(d, d) / float64(rows*cols), nil
}

// Gradient returns 2*(pred-target)/(rows*cols).
func (MSE) Gradient(pred, target mat.Matrix) (*mat.Dense, error) {
	rows, cols, err := checkShapes(pred, target)
	if err != nil {
		return nil, err
	}
	grad := mat.NewDense(rows, cols, nil)
	grad.Sub(pred, target)
	grad.Scale(2/float64(rows*cols), grad)
	return grad, nil
}
