package datasets

import "github.com/pkg/errors"

// This package loads the winding table used to train the Rac regression
// network and presents it as examples suitable for model training.
//
// Layout of the source table (no header):
//   - rows 0..12 are the 13 design inputs
//   - rows 13..24 are the 12 Rac outputs (6 inner-winding layers followed by
//     6 outer-winding layers)
//   - every column is one sample
//
// WindingDataset holds the whole table in memory, already normalized in log
// space. Subset and Loader build on top of it to provide the train/valid split
// and the mini-batch iteration used by the trainers, including the gomlx
// train.Dataset shape (Name, Yield, Reset).

var (
	// ErrEmptyDataset is returned when a table or split has no samples.
	ErrEmptyDataset = errors.New("dataset is empty")

	// ErrDegenerateRange is returned when a table row has max == min after the
	// log transform, which would make min-max normalization divide by zero.
	ErrDegenerateRange = errors.New("degenerate normalization range")

	// ErrEmptyBatch is returned when a batch with no examples is requested.
	ErrEmptyBatch = errors.New("empty batch")
)

// Dataset is the minimal read interface shared by WindingDataset, Subset and
// Loader.
type Dataset interface {
	Len() int
	Example(i int) (inputs []float32, labels []float32, err error)
	Batch(indices []int) (inputs [][]float32, labels [][]float32, err error)
}
