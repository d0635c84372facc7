package datasets

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Loader iterates a dataset in mini-batches. With shuffling enabled every
// epoch visits the examples in a new order drawn from a seeded generator, so
// two loaders built with the same seed produce the same batches.
//
// Loader also implements gomlx's train.Dataset (Name, Yield, Reset); the gomlx
// trainer in package simple reads its epochs through Yield.
type Loader struct {
	ds        Dataset
	batchSize int
	shuffle   bool
	rand      *rand.Rand

	order []int
	pos   int
}

// NewLoader creates a loader over ds.
func NewLoader(ds Dataset, batchSize int, shuffle bool, seed int64) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset is nil")
	}
	if ds.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	l := &Loader{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rand:      rand.New(rand.NewSource(seed)),
		order:     make([]int, ds.Len()),
	}
	for i := range l.order {
		l.order[i] = i
	}
	return l, nil
}

// Len returns the number of examples behind the loader.
func (l *Loader) Len() int { return l.ds.Len() }

// Example forwards to the underlying dataset.
func (l *Loader) Example(i int) ([]float32, []float32, error) { return l.ds.Example(i) }

// Batch forwards to the underlying dataset.
func (l *Loader) Batch(indices []int) ([][]float32, [][]float32, error) {
	if len(indices) == 0 {
		return nil, nil, ErrEmptyBatch
	}
	return l.ds.Batch(indices)
}

// Batches starts a new epoch and returns all of its index batches. The last
// batch may be shorter than the batch size.
func (l *Loader) Batches() [][]int {
	l.Reset()
	out := make([][]int, 0, (len(l.order)+l.batchSize-1)/l.batchSize)
	for idx := l.next(); idx != nil; idx = l.next() {
		out = append(out, idx)
	}
	return out
}

func (l *Loader) next() []int {
	if l.pos >= len(l.order) {
		return nil
	}
	end := min(l.pos+l.batchSize, len(l.order))
	idx := make([]int, end-l.pos)
	copy(idx, l.order[l.pos:end])
	l.pos = end
	return idx
}

// Name returns the name of the loader.
func (l *Loader) Name() string {
	if named, ok := l.ds.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "Loader"
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled.
func (l *Loader) Reset() {
	l.pos = 0
	if l.shuffle {
		l.rand.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Yield returns the next batch as gomlx tensors, or io.EOF at the end of the
// epoch.
func (l *Loader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	idx := l.next()
	if idx == nil {
		return nil, nil, nil, io.EOF
	}
	in, la, err := l.ds.Batch(idx)
	if err != nil {
		return nil, nil, nil, err
	}
	flat, err := MakeBatchFlat(in, la)
	if err != nil {
		return nil, nil, nil, err
	}
	inT, laT, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{inT}, []*tensors.Tensor{laT}, nil
}

// BatchFlat stores a batch in flat contiguous row-major buffers.
type BatchFlat struct {
	Inputs    []float32
	Labels    []float32
	BatchSize int
	InputDim  int
	LabelDim  int
}

// flatten packs rows of equal width into one buffer.
func flatten(rows [][]float32, what string) ([]float32, int, error) {
	if len(rows) == 0 {
		return nil, 0, ErrEmptyBatch
	}
	width := len(rows[0])
	if width == 0 {
		return nil, 0, errors.Wrapf(ErrEmptyBatch, "%s rows have no values", what)
	}
	buf := make([]float32, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, 0, errors.Errorf("inconsistent %s dimensions at example %d: expected %d, got %d",
				what, i, width, len(row))
		}
		buf = append(buf, row...)
	}
	return buf, width, nil
}

// MakeBatchFlat flattens paired inputs and labels.
func MakeBatchFlat(inputs, labels [][]float32) (*BatchFlat, error) {
	if len(inputs) != len(labels) {
		return nil, errors.Errorf("inputs and labels batch sizes don't match: %d != %d", len(inputs), len(labels))
	}
	in, inDim, err := flatten(inputs, "input")
	if err != nil {
		return nil, err
	}
	la, laDim, err := flatten(labels, "label")
	if err != nil {
		return nil, err
	}
	return &BatchFlat{Inputs: in, Labels: la, BatchSize: len(inputs), InputDim: inDim, LabelDim: laDim}, nil
}

// ToGomlxTensors converts the batch to [BatchSize, InputDim] and
// [BatchSize, LabelDim] gomlx tensors.
func (b *BatchFlat) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	if b.BatchSize == 0 || b.InputDim == 0 || b.LabelDim == 0 {
		return nil, nil, ErrEmptyBatch
	}
	inT := tensors.FromFlatDataAndDimensions(b.Inputs, b.BatchSize, b.InputDim)
	labT := tensors.FromFlatDataAndDimensions(b.Labels, b.BatchSize, b.LabelDim)
	return inT, labT, nil
}

// RowsTensor converts unlabeled rows into a [len(rows), width] tensor, the
// input of an inference graph.
func RowsTensor(rows [][]float32) (*tensors.Tensor, error) {
	buf, width, err := flatten(rows, "input")
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(buf, len(rows), width), nil
}
