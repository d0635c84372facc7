package simple

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// mockBatcher implements the minimal Batcher interface required by the trainer.
type mockBatcher struct {
	inputs    [][]float32
	labels    [][]float32
	batchSize int
	rng       *rand.Rand // nil keeps the natural order
}

func (m *mockBatcher) Len() int { return len(m.inputs) }

func (m *mockBatcher) Batches() [][]int {
	order := make([]int, len(m.inputs))
	for i := range order {
		order[i] = i
	}
	if m.rng != nil {
		m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var out [][]int
	for start := 0; start < len(order); start += m.batchSize {
		out = append(out, order[start:min(start+m.batchSize, len(order))])
	}
	return out
}

func (m *mockBatcher) Example(i int) ([]float32, []float32, error) {
	return m.inputs[i], m.labels[i], nil
}

func (m *mockBatcher) Batch(indices []int) ([][]float32, [][]float32, error) {
	in := make([][]float32, len(indices))
	la := make([][]float32, len(indices))
	for i, idx := range indices {
		in[i] = m.inputs[idx]
		la[i] = m.labels[idx]
	}
	return in, la, nil
}

// syntheticData builds n examples with 13 inputs in [0,1) and 12 labels
// y_k = 0.1 + 0.4*x_k + 0.4*x_(k+1), all strictly positive.
func syntheticData(n int, seed int64) ([][]float32, [][]float32) {
	rng := rand.New(rand.NewSource(seed))
	inputs := make([][]float32, n)
	labels := make([][]float32, n)
	for i := 0; i < n; i++ {
		x := make([]float32, 13)
		for j := range x {
			x[j] = rng.Float32()
		}
		y := make([]float32, 12)
		for k := range y {
			y[k] = 0.1 + 0.4*x[k] + 0.4*x[k+1]
		}
		inputs[i] = x
		labels[i] = y
	}
	return inputs, labels
}

func maskedMSE(t *testing.T, m *Model, inputs, labels [][]float32) float64 {
	t.Helper()
	preds, err := m.PredictBatch(inputs)
	if err != nil {
		t.Fatalf("PredictBatch error: %v", err)
	}
	p, _ := toDense(preds, m.Config.OutputDim)
	y, _ := toDense(labels, m.Config.OutputDim)
	loss, err := MaskedMSE{}.Compute(p, y)
	if err != nil {
		t.Fatalf("MaskedMSE error: %v", err)
	}
	return loss
}

func smallConfig() Config {
	return Config{
		HiddenSize:   32,
		HiddenLayers: 1,
		LearningRate: 0.01,
		Epochs:       300,
		BatchSize:    16,
		Seed:         42,
	}
}

// TestTrainConvergesOnSyntheticData guards the architecture, the loss and the
// optimizer together: a fixed seed must reach a small loss.
func TestTrainConvergesOnSyntheticData(t *testing.T) {
	inputs, labels := syntheticData(64, 3)
	cfg := smallConfig()
	model, err := NewModel(cfg)
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	before := maskedMSE(t, model, inputs, labels)

	trainSet := &mockBatcher{inputs: inputs, labels: labels, batchSize: cfg.BatchSize, rng: rand.New(rand.NewSource(1))}
	valid := &mockBatcher{inputs: inputs[:16], labels: labels[:16], batchSize: cfg.BatchSize}
	calls := 0
	history, err := NewTrainer(model).Train(trainSet, valid, func(EpochStats) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}
	if calls != cfg.Epochs || len(history.Epochs) != cfg.Epochs {
		t.Fatalf("expected %d epochs, hook called %d times, history has %d", cfg.Epochs, calls, len(history.Epochs))
	}

	after := maskedMSE(t, model, inputs, labels)
	t.Logf("masked mse before=%.6f after=%.6f", before, after)
	if after > 0.003 {
		t.Fatalf("expected loss below 0.003 after training, got %.6f (before %.6f)", after, before)
	}
	if !(after < before/5) {
		t.Fatalf("expected loss to drop at least 5x: before=%.6f after=%.6f", before, after)
	}

	last := history.Last()
	if last.Epoch != cfg.Epochs {
		t.Fatalf("last epoch index: got %d want %d", last.Epoch, cfg.Epochs)
	}
	if want := NewStepDecay(model.Config).At(cfg.Epochs - 1); last.LearningRate != want {
		t.Fatalf("last learning rate: got %v want %v", last.LearningRate, want)
	}
	if math.IsNaN(last.TrainLoss) || math.IsNaN(last.ValidLoss) {
		t.Fatalf("non-finite epoch losses: %+v", last)
	}
}

func TestTrainIsReproducible(t *testing.T) {
	inputs, labels := syntheticData(40, 5)
	cfg := smallConfig()
	cfg.Epochs = 10

	run := func() *Model {
		m, err := NewModel(cfg)
		if err != nil {
			t.Fatalf("NewModel error: %v", err)
		}
		trainSet := &mockBatcher{inputs: inputs, labels: labels, batchSize: 8, rng: rand.New(rand.NewSource(9))}
		valid := &mockBatcher{inputs: inputs[:8], labels: labels[:8], batchSize: 8}
		if _, err := NewTrainer(m).Train(trainSet, valid, nil); err != nil {
			t.Fatalf("Train error: %v", err)
		}
		return m
	}

	a, b := run(), run()
	for l := range a.weights {
		if !mat.Equal(a.weights[l], b.weights[l]) {
			t.Fatalf("layer %d weights differ between identical runs", l)
		}
		for j := range a.biases[l] {
			if a.biases[l][j] != b.biases[l][j] {
				t.Fatalf("layer %d bias %d differs between identical runs", l, j)
			}
		}
	}
}

func TestTrainReportsScaledLoss(t *testing.T) {
	inputs, labels := syntheticData(10, 11)
	cfg := smallConfig()
	cfg.Epochs = 1
	cfg.LossScale = 1
	model, err := NewModel(cfg)
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	// Same seed, never trained.
	clone, _ := NewModel(cfg)

	trainSet := &mockBatcher{inputs: inputs, labels: labels, batchSize: 4}
	valid := &mockBatcher{inputs: inputs, labels: labels, batchSize: 4}
	history, err := NewTrainer(model).Train(trainSet, valid, nil)
	if err != nil {
		t.Fatalf("Train error: %v", err)
	}

	// Validation runs after the epoch's updates: sum of per-batch losses of
	// the trained model, in float64 like the trainer, divided by the number
	// of examples.
	var sum float64
	for _, idx := range valid.Batches() {
		in, la, _ := valid.Batch(idx)
		x, _ := toDense(in, model.Config.InputDim)
		y, _ := toDense(la, model.Config.OutputDim)
		_, acts := model.forward(x)
		loss, err := MaskedMSE{}.Compute(acts[len(acts)-1], y)
		if err != nil {
			t.Fatalf("MaskedMSE error: %v", err)
		}
		sum += loss
	}
	if got, want := history.Last().ValidLoss, sum/float64(len(inputs)); math.Abs(got-want) > 1e-12 {
		t.Fatalf("valid loss: got %v want %v", got, want)
	}
	if maskedMSE(t, clone, inputs, labels) == maskedMSE(t, model, inputs, labels) {
		t.Fatalf("expected training to change the model")
	}
}

func TestNumParams(t *testing.T) {
	m, err := NewModel(Config{})
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	want := 13*100 + 100 + 3*(100*100+100) + 100*12 + 12
	if got := m.NumParams(); got != want {
		t.Fatalf("NumParams: got %d want %d", got, want)
	}
	if got := m.Config.NumParams(); got != want {
		t.Fatalf("Config.NumParams: got %d want %d", got, want)
	}
	if len(m.weights) != 5 {
		t.Fatalf("expected 5 linear layers, got %d", len(m.weights))
	}
}

func TestPredictBatchIsDeterministic(t *testing.T) {
	m, err := NewModel(smallConfig())
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	inputs, _ := syntheticData(3, 1)
	a, _ := m.PredictBatch(inputs)
	b, _ := m.PredictBatch(inputs)
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("prediction %d,%d differs between calls", i, j)
			}
		}
	}
	if _, err := m.PredictBatch([][]float32{{1, 2}}); err == nil {
		t.Fatalf("expected error for wrong input dimension")
	}
	if _, err := m.PredictBatch(nil); err == nil {
		t.Fatalf("expected error for an empty batch")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := NewModel(smallConfig())
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out", "model.gob")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel error: %v", err)
	}
	inputs, _ := syntheticData(4, 2)
	a, _ := m.PredictBatch(inputs)
	b, err := loaded.PredictBatch(inputs)
	if err != nil {
		t.Fatalf("PredictBatch on loaded model: %v", err)
	}
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatalf("loaded model prediction %d,%d differs: %v vs %v", i, j, a[i][j], b[i][j])
			}
		}
	}
	if _, err := LoadModel(filepath.Join(t.TempDir(), "missing.gob")); err == nil {
		t.Fatalf("expected error loading a missing file")
	}
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("native", smallConfig())
	if err != nil {
		t.Fatalf("NewBackend(native) error: %v", err)
	}
	if b.Name() != "native" {
		t.Fatalf("unexpected backend name %q", b.Name())
	}
	if _, err := NewBackend("tpu", smallConfig()); err == nil {
		t.Fatalf("expected error for an unknown backend")
	}
}

func TestNegativeSentinelsSelectZero(t *testing.T) {
	cfg := Config{HiddenSize: 16, HiddenLayers: -1, WeightDecay: -1}
	cfg = cfg.WithDefaults().WithDefaults()
	if cfg.HiddenLayers != -1 || cfg.WeightDecay != -1 {
		t.Fatalf("negative values must survive WithDefaults: %+v", cfg)
	}
	m, err := NewModel(cfg)
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	// A single hidden layer: 13 -> 16 -> 12.
	if want := 13*16 + 16 + 16*12 + 12; m.NumParams() != want || cfg.NumParams() != want {
		t.Fatalf("NumParams: model %d config %d want %d", m.NumParams(), cfg.NumParams(), want)
	}
	if len(m.weights) != 2 {
		t.Fatalf("expected 2 linear layers, got %d", len(m.weights))
	}
	if a := NewAdam(cfg); a.WeightDecay != 0 {
		t.Fatalf("expected weight decay disabled, got %v", a.WeightDecay)
	}

	// Zero still means the default.
	def := Config{}.WithDefaults()
	if def.HiddenLayers != 3 || def.WeightDecay != 1e-7 {
		t.Fatalf("unexpected defaults %+v", def)
	}
}
