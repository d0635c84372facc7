package datasets

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Defaults for the winding table layout.
const (
	DefaultInputDim        = 13
	DefaultOutputDim       = 12
	DefaultScaledInputRows = 2
	DefaultInputScale      = 10.0
	DefaultOutputCoef      = 1.0
	DefaultFloor           = 1e-10
)

// LoadOptions controls how a winding table is turned into a dataset. Zero
// fields are replaced by the defaults above, except NormalizedOutPath where
// empty disables the diagnostic file.
type LoadOptions struct {
	InputDim  int `json:"input_dim"`
	OutputDim int `json:"output_dim"`

	// ScaledInputRows is the number of leading input rows divided by
	// InputScale before the log transform (unit conversion). A negative
	// value scales no row.
	ScaledInputRows int     `json:"scaled_input_rows"`
	InputScale      float64 `json:"input_scale"`

	// OutputCoef multiplies every output value.
	OutputCoef float64 `json:"output_coef"`

	// Floor replaces any output value <= 0. It is the "not applicable"
	// sentinel: after normalization such values usually sit at 0, which the
	// masked loss ignores.
	Floor float64 `json:"floor"`

	// NormalizedOutPath receives the normalized outputs (OutputDim rows by
	// N columns) for inspection.
	NormalizedOutPath string `json:"normalized_out_path"`
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.InputDim == 0 {
		o.InputDim = DefaultInputDim
	}
	if o.OutputDim == 0 {
		o.OutputDim = DefaultOutputDim
	}
	if o.ScaledInputRows == 0 {
		o.ScaledInputRows = DefaultScaledInputRows
	}
	if o.InputScale == 0 {
		o.InputScale = DefaultInputScale
	}
	if o.OutputCoef == 0 {
		o.OutputCoef = DefaultOutputCoef
	}
	if o.Floor == 0 {
		o.Floor = DefaultFloor
	}
	return o
}

// Normalization stores the row-wise minimum and maximum of a log10
// transformed block. It is computed once per loaded table.
type Normalization struct {
	Min []float64
	Max []float64
}

// newNormalization computes per-row min/max of logs and rescales every row of
// logs into [0,1] in place.
func newNormalization(logs *mat.Dense, block string, rowOffset int) (Normalization, error) {
	rows, _ := logs.Dims()
	n := Normalization{Min: make([]float64, rows), Max: make([]float64, rows)}
	for i := 0; i < rows; i++ {
		row := logs.RawRowView(i)
		lo, hi := floats.Min(row), floats.Max(row)
		if hi == lo {
			return Normalization{}, errors.Wrapf(ErrDegenerateRange,
				"%s row %d (table row %d) has constant log value %g", block, i, i+rowOffset, lo)
		}
		n.Min[i], n.Max[i] = lo, hi
		for j := range row {
			row[j] = (row[j] - lo) / (hi - lo)
		}
	}
	return n, nil
}

// Len returns the number of channels.
func (n Normalization) Len() int { return len(n.Min) }

// Normalize maps a log10 value of channel i into [0,1].
func (n Normalization) Normalize(i int, logValue float64) float64 {
	return (logValue - n.Min[i]) / (n.Max[i] - n.Min[i])
}

// Denormalize inverts Normalize and the log10 transform for channel i.
func (n Normalization) Denormalize(i int, v float64) float64 {
	return math.Pow(10, v*(n.Max[i]-n.Min[i])+n.Min[i])
}

// WindingDataset is an in-memory, normalized winding table.
type WindingDataset struct {
	// Path of the source table.
	Path string

	InputNorm  Normalization
	OutputNorm Normalization

	// Floor is the sentinel used for non-positive outputs.
	Floor float64

	inputs  [][]float32
	outputs [][]float32
}

// LoadWinding reads the table at path and returns the normalized dataset.
func LoadWinding(path string, opts LoadOptions) (*WindingDataset, error) {
	opts = opts.withDefaults()

	table, err := readTable(path)
	if err != nil {
		return nil, err
	}
	rows, cols := table.Dims()
	if want := opts.InputDim + opts.OutputDim; rows != want {
		return nil, errors.Errorf("table %s has %d rows, expected %d (%d inputs + %d outputs)",
			path, rows, want, opts.InputDim, opts.OutputDim)
	}

	inputs := mat.DenseCopyOf(table.Slice(0, opts.InputDim, 0, cols))
	outputs := mat.DenseCopyOf(table.Slice(opts.InputDim, rows, 0, cols))

	for i := 0; i < opts.ScaledInputRows && i < opts.InputDim; i++ {
		row := inputs.RawRowView(i)
		for j := range row {
			row[j] /= opts.InputScale
		}
	}
	for i := 0; i < opts.InputDim; i++ {
		for j, v := range inputs.RawRowView(i) {
			if !(v > 0) {
				return nil, errors.Errorf("table %s: input row %d column %d is %g, log10 needs a positive value",
					path, i, j, v)
			}
		}
	}

	floored := 0
	outputs.Apply(func(_, _ int, v float64) float64 {
		v *= opts.OutputCoef
		if v <= 0 {
			floored++
			return opts.Floor
		}
		return v
	}, outputs)
	if floored > 0 {
		klog.V(1).Infof("%s: %d output values clamped to %g", path, floored, opts.Floor)
	}

	log10 := func(_, _ int, v float64) float64 { return math.Log10(v) }
	inputs.Apply(log10, inputs)
	outputs.Apply(log10, outputs)

	inNorm, err := newNormalization(inputs, "input", 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "table %s", path)
	}
	outNorm, err := newNormalization(outputs, "output", opts.InputDim)
	if err != nil {
		return nil, errors.WithMessagef(err, "table %s", path)
	}

	if opts.NormalizedOutPath != "" {
		if err := WriteTable(opts.NormalizedOutPath, outputs); err != nil {
			return nil, err
		}
	}

	ds := &WindingDataset{
		Path:       path,
		InputNorm:  inNorm,
		OutputNorm: outNorm,
		Floor:      opts.Floor,
		inputs:     toSamples(inputs.T()),
		outputs:    toSamples(outputs.T()),
	}
	klog.V(1).Infof("loaded %s: %d samples, %d inputs, %d outputs", path, ds.Len(), opts.InputDim, opts.OutputDim)
	return ds, nil
}

// toSamples converts a samples x channels matrix into per-sample float32 rows.
func toSamples(m mat.Matrix) [][]float32 {
	rows, cols := m.Dims()
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j := range out[i] {
			out[i][j] = float32(m.At(i, j))
		}
	}
	return out
}

// Len returns the number of samples.
func (d *WindingDataset) Len() int { return len(d.inputs) }

// InputDim returns the width of an input vector.
func (d *WindingDataset) InputDim() int { return d.InputNorm.Len() }

// OutputDim returns the width of an output vector.
func (d *WindingDataset) OutputDim() int { return d.OutputNorm.Len() }

// Example returns copies of the normalized input and output of sample idx.
func (d *WindingDataset) Example(idx int) ([]float32, []float32, error) {
	if idx < 0 || idx >= len(d.inputs) {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.inputs))
	}
	in := make([]float32, len(d.inputs[idx]))
	copy(in, d.inputs[idx])
	out := make([]float32, len(d.outputs[idx]))
	copy(out, d.outputs[idx])
	return in, out, nil
}

// Batch returns the examples at indices, in order.
func (d *WindingDataset) Batch(indices []int) ([][]float32, [][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][]float32, len(indices))
	for pos, idx := range indices {
		in, out, err := d.Example(idx)
		if err != nil {
			return nil, nil, err
		}
		inputs[pos] = in
		labels[pos] = out
	}
	return inputs, labels, nil
}

// Name returns the name of the dataset.
func (d *WindingDataset) Name() string {
	return "WindingDataset(" + d.Path + ")"
}
