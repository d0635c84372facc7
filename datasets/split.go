package datasets

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Subset exposes a slice of another dataset's examples through local indices.
type Subset struct {
	base    Dataset
	indices []int // indices into base
}

// NewSubset returns a view of base restricted to indices.
func NewSubset(base Dataset, indices []int) *Subset {
	return &Subset{base: base, indices: indices}
}

// Len returns the number of examples in the subset.
func (s *Subset) Len() int { return len(s.indices) }

// Indices returns the base indices backing the subset.
func (s *Subset) Indices() []int { return s.indices }

// Example returns the example at local index idx.
func (s *Subset) Example(idx int) ([]float32, []float32, error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, nil, errors.Errorf("index %d out of range for subset length %d", idx, len(s.indices))
	}
	return s.base.Example(s.indices[idx])
}

// Batch maps local indices to the base dataset and reads them in one call.
func (s *Subset) Batch(indices []int) ([][]float32, [][]float32, error) {
	globals := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(s.indices) {
			return nil, nil, errors.Errorf("index %d out of range for subset length %d", idx, len(s.indices))
		}
		globals[i] = s.indices[idx]
	}
	return s.base.Batch(globals)
}

// RandomSplit partitions ds into a training subset of int(trainFraction*N)
// examples and a validation subset with the rest, using a permutation drawn
// from seed. Both parts must be non-empty.
func RandomSplit(ds Dataset, trainFraction float64, seed int64) (train, valid *Subset, err error) {
	n := ds.Len()
	if n == 0 {
		return nil, nil, ErrEmptyDataset
	}
	if trainFraction <= 0 || trainFraction >= 1 {
		return nil, nil, errors.Errorf("train fraction must be in (0, 1), got %g", trainFraction)
	}
	trainSize := int(trainFraction * float64(n))
	if trainSize == 0 || trainSize == n {
		return nil, nil, errors.Wrapf(ErrEmptyDataset,
			"splitting %d examples with fraction %g leaves an empty part", n, trainFraction)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return NewSubset(ds, perm[:trainSize]), NewSubset(ds, perm[trainSize:]), nil
}
