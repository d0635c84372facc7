package report

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// floorTolerance is the relative tolerance used to recognise the floor
// sentinel after a log10/pow10 round trip.
const floorTolerance = 1e-6

// ErrNoErrors is returned by Summarize when every element was excluded.
var ErrNoErrors = errors.New("no applicable elements to summarize")

// ErrorTable holds per-element relative errors in percent. Elements whose
// measured value is the floor sentinel are not applicable and are left out of
// every statistic.
type ErrorTable struct {
	rows, cols int
	errs       []float64 // row-major
	applicable []bool
}

// IsFloor reports whether v is the floor sentinel.
func IsFloor(v, floor float64) bool {
	return math.Abs(v-floor) <= floorTolerance*math.Abs(floor)
}

// RelativeErrors computes |pred-actual| / |actual| * 100 for every element.
func RelativeErrors(pred, actual mat.Matrix, floor float64) (*ErrorTable, error) {
	rows, cols := actual.Dims()
	if pr, pc := pred.Dims(); pr != rows || pc != cols {
		return nil, errors.Errorf("prediction shape %dx%d does not match measured shape %dx%d", pr, pc, rows, cols)
	}
	t := &ErrorTable{
		rows:       rows,
		cols:       cols,
		errs:       make([]float64, rows*cols),
		applicable: make([]bool, rows*cols),
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			a := actual.At(i, j)
			if IsFloor(a, floor) || a == 0 {
				continue
			}
			k := i*cols + j
			t.errs[k] = math.Abs(pred.At(i, j)-a) / math.Abs(a) * 100
			t.applicable[k] = true
		}
	}
	return t, nil
}

// Dims returns the number of samples and channels.
func (t *ErrorTable) Dims() (rows, cols int) { return t.rows, t.cols }

// At returns the error of sample i, channel j and whether it applies.
func (t *ErrorTable) At(i, j int) (float64, bool) {
	k := i*t.cols + j
	return t.errs[k], t.applicable[k]
}

// Channel returns the applicable errors of channel j in sample order.
func (t *ErrorTable) Channel(j int) []float64 {
	var out []float64
	for i := 0; i < t.rows; i++ {
		if e, ok := t.At(i, j); ok {
			out = append(out, e)
		}
	}
	return out
}

// Included returns every applicable error, row-major.
func (t *ErrorTable) Included() []float64 {
	out := make([]float64, 0, len(t.errs))
	for k, e := range t.errs {
		if t.applicable[k] {
			out = append(out, e)
		}
	}
	return out
}

// Summary aggregates an ErrorTable.
type Summary struct {
	Mean, RMS, Max float64

	Included, Excluded int

	// Threshold is the percent error above which an element counts as high.
	Threshold float64
	// InnerAbove and OuterAbove count high errors in the first and second
	// half of the channels.
	InnerAbove, OuterAbove int
}

// Summarize computes mean, RMS and maximum over the applicable errors and
// counts errors above threshold per winding.
func Summarize(t *ErrorTable, threshold float64) (Summary, error) {
	inc := t.Included()
	if len(inc) == 0 {
		return Summary{}, ErrNoErrors
	}
	s := Summary{
		Mean:      stat.Mean(inc, nil),
		RMS:       math.Sqrt(floats.Dot(inc, inc) / float64(len(inc))),
		Max:       floats.Max(inc),
		Included:  len(inc),
		Excluded:  len(t.errs) - len(inc),
		Threshold: threshold,
	}
	half := t.cols / 2
	for j := 0; j < t.cols; j++ {
		n := 0
		for _, e := range t.Channel(j) {
			if e > threshold {
				n++
			}
		}
		if j < half {
			s.InnerAbove += n
		} else {
			s.OuterAbove += n
		}
	}
	return s, nil
}
