package simple

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Config holds configurable hyperparameters for the MLP model and training.
// Zero fields are replaced by the defaults in WithDefaults. HiddenLayers and
// WeightDecay also accept a negative value, which selects 0 (a single hidden
// layer, no weight decay) and survives WithDefaults.
type Config struct {
	// InputDim and OutputDim are the widths of the input and output vectors
	// (13 design inputs, 12 Rac outputs).
	InputDim  int `json:"input_dim"`
	OutputDim int `json:"output_dim"`

	// HiddenSize is the width of every hidden layer and HiddenLayers the number
	// of hidden-to-hidden layers after the input layer. Production runs use
	// 1000 and 6. Use -1 for no hidden-to-hidden layer.
	HiddenSize   int `json:"hidden_size"`
	HiddenLayers int `json:"hidden_layers"`

	// LearningRate is the base rate of the step-decay schedule.
	LearningRate float64 `json:"learning_rate"`
	// WeightDecay is the L2 coefficient added to every gradient. Use -1 to
	// disable it.
	WeightDecay float64 `json:"weight_decay"`
	// The learning rate is multiplied by DecayRatio every DecayEpoch epochs.
	DecayEpoch int     `json:"decay_epoch"`
	DecayRatio float64 `json:"decay_ratio"`

	Epochs    int `json:"epochs"`
	BatchSize int `json:"batch_size"`

	// Seed controls weight initialization.
	Seed int64 `json:"seed"`

	// Adam hyperparameters.
	Beta1   float64 `json:"adam_beta1"`
	Beta2   float64 `json:"adam_beta2"`
	Epsilon float64 `json:"adam_eps"`

	// LossScale multiplies reported epoch losses.
	LossScale float64 `json:"loss_scale"`
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.InputDim == 0 {
		c.InputDim = 13
	}
	if c.OutputDim == 0 {
		c.OutputDim = 12
	}
	if c.HiddenSize == 0 {
		c.HiddenSize = 100
	}
	if c.HiddenLayers == 0 {
		c.HiddenLayers = 3
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-4
	}
	if c.WeightDecay == 0 {
		c.WeightDecay = 1e-7
	}
	if c.DecayEpoch == 0 {
		c.DecayEpoch = 100
	}
	if c.DecayRatio == 0 {
		c.DecayRatio = 0.95
	}
	if c.Epochs == 0 {
		c.Epochs = 20
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	if c.LossScale == 0 {
		c.LossScale = 1e5
	}
	return c
}

// hiddenLayers is HiddenLayers with the negative "none" value mapped to 0.
func (c Config) hiddenLayers() int { return max(c.HiddenLayers, 0) }

// weightDecay is WeightDecay with the negative "disabled" value mapped to 0.
func (c Config) weightDecay() float64 { return max(c.WeightDecay, 0) }

// layerSizes returns input size, hidden sizes, then output size.
func (c Config) layerSizes() []int {
	n := c.hiddenLayers()
	sizes := make([]int, 0, n+3)
	sizes = append(sizes, c.InputDim)
	for i := 0; i <= n; i++ {
		sizes = append(sizes, c.HiddenSize)
	}
	return append(sizes, c.OutputDim)
}

// NumParams returns the number of weights and biases of the network c
// describes.
func (c Config) NumParams() int {
	sizes := c.layerSizes()
	n := 0
	for l := 0; l < len(sizes)-1; l++ {
		n += sizes[l]*sizes[l+1] + sizes[l+1]
	}
	return n
}

// Predictor is what evaluation needs from a trained network.
type Predictor interface {
	PredictBatch(inputs [][]float32) ([][]float32, error)
	NumParams() int
}

// Model is a fully connected regression network: Linear(in, H) and ReLU,
// HiddenLayers x [Linear(H, H) and ReLU], then a linear output layer.
// Forward and backward passes run a whole batch at once on gonum matrices.
type Model struct {
	// Config used for training / initialization.
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] has shape [in][out] for layer l -> l+1, so a batch X of
	// shape [n][in] maps to X*W + b.
	weights []*mat.Dense

	// biases[l] is a vector of length out for layer l -> l+1
	biases [][]float64
}

// NewModel creates a new Model with weights and biases drawn from
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)) using cfg.Seed.
func NewModel(cfg Config) (*Model, error) {
	cfg = cfg.WithDefaults()
	if cfg.InputDim < 0 || cfg.OutputDim < 0 || cfg.HiddenSize < 0 {
		return nil, errors.Errorf("invalid network dimensions: %+v", cfg)
	}

	m := &Model{
		Config:     cfg,
		layerSizes: cfg.layerSizes(),
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	L := len(m.layerSizes) - 1
	m.weights = make([]*mat.Dense, L)
	m.biases = make([][]float64, L)
	for l := 0; l < L; l++ {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		bound := 1 / math.Sqrt(float64(in))
		data := make([]float64, in*out)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * bound
		}
		m.weights[l] = mat.NewDense(in, out, data)
		b := make([]float64, out)
		for j := range b {
			b[j] = (rng.Float64()*2 - 1) * bound
		}
		m.biases[l] = b
	}
	return m, nil
}

// NumParams returns the number of trainable parameters.
func (m *Model) NumParams() int {
	n := 0
	for l, w := range m.weights {
		r, c := w.Dims()
		n += r*c + len(m.biases[l])
	}
	return n
}

// parameters returns every parameter buffer, weights then biases per layer.
// The slices alias the model's storage.
func (m *Model) parameters() [][]float64 {
	params := make([][]float64, 0, 2*len(m.weights))
	for l, w := range m.weights {
		params = append(params, w.RawMatrix().Data, m.biases[l])
	}
	return params
}

// forward runs a batch through the network and returns the pre-activations
// of every layer and the activations (acts[0] is the input, acts[L] the
// linear output).
func (m *Model) forward(x *mat.Dense) (preActs, acts []*mat.Dense) {
	L := len(m.weights)
	acts = make([]*mat.Dense, L+1)
	preActs = make([]*mat.Dense, L)
	acts[0] = x

	for l := 0; l < L; l++ {
		pre := new(mat.Dense)
		pre.Mul(acts[l], m.weights[l])
		rows, _ := pre.Dims()
		for i := 0; i < rows; i++ {
			floats.Add(pre.RawRowView(i), m.biases[l])
		}
		preActs[l] = pre

		// Activation: ReLU for hidden, linear for last layer
		if l == L-1 {
			acts[l+1] = pre
			continue
		}
		act := mat.DenseCopyOf(pre)
		act.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, act)
		acts[l+1] = act
	}
	return preActs, acts
}

// backward propagates delta = dLoss/dOutput through the network and returns
// gradients shaped like parameters().
func (m *Model) backward(preActs, acts []*mat.Dense, delta *mat.Dense) [][]float64 {
	L := len(m.weights)
	grads := make([][]float64, 2*L)
	for l := L - 1; l >= 0; l-- {
		gw := new(mat.Dense)
		gw.Mul(acts[l].T(), delta)
		grads[2*l] = gw.RawMatrix().Data

		rows, cols := delta.Dims()
		gb := make([]float64, cols)
		for i := 0; i < rows; i++ {
			floats.Add(gb, delta.RawRowView(i))
		}
		grads[2*l+1] = gb

		if l == 0 {
			break
		}
		prev := new(mat.Dense)
		prev.Mul(delta, m.weights[l].T())
		pre := preActs[l-1]
		prev.Apply(func(i, j int, v float64) float64 {
			if pre.At(i, j) > 0 {
				return v
			}
			return 0
		}, prev)
		delta = prev
	}
	return grads
}

// toDense packs a batch of float32 rows into a matrix of the given width.
func toDense(rows [][]float32, width int) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyBatch
	}
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, errors.Errorf("row %d has dimension %d, expected %d", i, len(row), width)
		}
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(rows), width, data), nil
}

// PredictBatch returns model predictions for a batch of inputs.
// It does a purely forward pass (no training). The returned [][]float32 has
// shape [batch][OutputDim].
func (m *Model) PredictBatch(inputs [][]float32) ([][]float32, error) {
	x, err := toDense(inputs, m.layerSizes[0])
	if err != nil {
		return nil, errors.WithMessage(err, "input has incorrect dimension")
	}
	_, acts := m.forward(x)
	last := acts[len(acts)-1]
	rows, cols := last.Dims()
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j, v := range last.RawRowView(i) {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}
