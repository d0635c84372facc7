package simple

import (
	"math"

	"github.com/pkg/errors"
)

// Adam implements the Adam optimizer with L2 weight decay folded into the
// gradient (g += WeightDecay * p), matching the classic coupled formulation.
type Adam struct {
	Beta1, Beta2, Epsilon float64
	WeightDecay           float64

	step int
	m, v [][]float64
}

// NewAdam returns an Adam optimizer configured from cfg.
func NewAdam(cfg Config) *Adam {
	cfg = cfg.WithDefaults()
	return &Adam{
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		Epsilon:     cfg.Epsilon,
		WeightDecay: cfg.weightDecay(),
	}
}

// Step applies one update with learning rate lr. params and grads must have
// the same layout on every call; moments are allocated on the first one.
func (a *Adam) Step(params, grads [][]float64, lr float64) error {
	if len(params) != len(grads) {
		return errors.Errorf("got %d parameter buffers and %d gradient buffers", len(params), len(grads))
	}
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p))
			a.v[i] = make([]float64, len(p))
		}
	}
	if len(a.m) != len(params) {
		return errors.Errorf("optimizer was initialized for %d buffers, got %d", len(a.m), len(params))
	}

	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range params {
		g := grads[i]
		if len(g) != len(p) || len(a.m[i]) != len(p) {
			return errors.Errorf("buffer %d: parameter length %d, gradient length %d", i, len(p), len(g))
		}
		m, v := a.m[i], a.v[i]
		for k := range p {
			gk := g[k] + a.WeightDecay*p[k]
			m[k] = a.Beta1*m[k] + (1-a.Beta1)*gk
			v[k] = a.Beta2*v[k] + (1-a.Beta2)*gk*gk
			p[k] -= lr * (m[k] / c1) / (math.Sqrt(v[k]/c2) + a.Epsilon)
		}
	}
	return nil
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }
