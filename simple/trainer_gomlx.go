// Gomlx-backed trainer for the `simple` package.
//
// GomlxModel builds the same architecture as Model out of gomlx layers and
// trains it on the pure Go simplego backend with gomlx's Adam optimizer and
// the graph version of the masked loss. It satisfies Backend, so the pipeline
// can switch to it with -backend=gomlx.
package simple

import (
	"fmt"
	"io"

	"github.com/Noofbiz/racnet/datasets"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaskedMSELoss is MaskedMSE as a gomlx graph: the mean of squared errors
// over elements whose label is non-zero.
func MaskedMSELoss(labels, predictions []*graph.Node) *graph.Node {
	y, p := labels[0], predictions[0]
	zeros := graph.ZerosLike(y)
	mask := graph.NotEqual(y, zeros)
	sq := graph.Where(mask, graph.Square(graph.Sub(p, y)), zeros)
	count := graph.ReduceAllSum(graph.ConvertDType(mask, y.DType()))
	return graph.Div(graph.ReduceAllSum(sq), count)
}

// GomlxModel trains the regression network with gomlx.
type GomlxModel struct {
	Config   Config
	Schedule StepDecay

	backend backends.Backend
	ctx     *context.Context
	trainer *train.Trainer
	predict *context.Exec
}

// NewGomlxModel creates the simplego backend, the variable context and the
// trainer. Variables are created lazily on the first training step.
func NewGomlxModel(cfg Config) (*GomlxModel, error) {
	cfg = cfg.WithDefaults()
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gomlx simplego backend")
	}

	ctx := context.New()
	ctx.RngStateFromSeed(cfg.Seed)
	ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)

	g := &GomlxModel{
		Config:   cfg,
		Schedule: NewStepDecay(cfg),
		backend:  backend,
		ctx:      ctx,
	}
	opt := optimizers.Adam().
		Betas(cfg.Beta1, cfg.Beta2).
		Epsilon(cfg.Epsilon).
		WeightDecay(cfg.weightDecay()).
		Done()
	g.trainer = train.NewTrainer(backend, ctx, g.modelGraph, MaskedMSELoss, opt, nil, nil)
	return g, nil
}

// modelGraph is the gomlx model function: dense layers with ReLU between
// them and a linear output.
func (g *GomlxModel) modelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	x := inputs[0]
	x = activations.Relu(layers.Dense(ctx.In("input"), x, true, g.Config.HiddenSize))
	for i := 0; i < g.Config.hiddenLayers(); i++ {
		x = activations.Relu(layers.Dense(ctx.In(fmt.Sprintf("hidden_%d", i)), x, true, g.Config.HiddenSize))
	}
	out := layers.Dense(ctx.In("output"), x, true, g.Config.OutputDim)
	return []*graph.Node{out}
}

// catch converts a gomlx panic into an error.
func catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.WithStack(e)
				return
			}
			err = errors.Errorf("gomlx: %v", r)
		}
	}()
	fn()
	return nil
}

// Name identifies the backend.
func (g *GomlxModel) Name() string { return "gomlx/" + g.backend.Name() }

// NumParams returns the number of trainable parameters of the architecture.
func (g *GomlxModel) NumParams() int { return g.Config.NumParams() }

// setLearningRate updates the optimizer's learning rate. Before the first
// step only the hyperparameter exists; afterwards the optimizer keeps it in a
// context variable.
func (g *GomlxModel) setLearningRate(lr float64) {
	g.ctx.SetParam(optimizers.ParamLearningRate, lr)
	g.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == optimizers.ParamLearningRate {
			v.SetValue(tensors.FromScalar(float32(lr)))
		}
	})
}

// TensorBatcher is a Batcher that also yields whole epochs as gomlx tensors,
// the train.Dataset shape of datasets.Loader. Reset starts a new epoch and
// Yield returns io.EOF once it is exhausted.
type TensorBatcher interface {
	Batcher
	Reset()
	Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error)
}

// epochTensors returns the training batches of one epoch as tensors.
func epochTensors(ds Batcher) (inputs, labels []*tensors.Tensor, err error) {
	if tb, ok := ds.(TensorBatcher); ok {
		tb.Reset()
		for {
			_, in, la, err := tb.Yield()
			if err == io.EOF {
				return inputs, labels, nil
			}
			if err != nil {
				return nil, nil, errors.WithMessagef(err, "batch %d", len(inputs))
			}
			inputs = append(inputs, in[0])
			labels = append(labels, la[0])
		}
	}
	for bi, idx := range ds.Batches() {
		in, la, err := ds.Batch(idx)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "batch %d", bi)
		}
		flat, err := datasets.MakeBatchFlat(in, la)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "batch %d", bi)
		}
		inT, laT, err := flat.ToGomlxTensors()
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, inT)
		labels = append(labels, laT)
	}
	return inputs, labels, nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a scalar loss, got %T", v)
	}
}

// Train runs Config.Epochs epochs of gomlx training steps. The reported train
// loss is the sum of per-batch losses returned by the trainer; the
// validation loss is computed with MaskedMSE on the model's predictions.
func (g *GomlxModel) Train(trainSet, valid Batcher, hook EpochHook) (*History, error) {
	if trainSet == nil || valid == nil {
		return nil, errors.New("train and valid batchers are required")
	}
	if trainSet.Len() == 0 || valid.Len() == 0 {
		return nil, errors.New("train and valid must have examples")
	}
	cfg := g.Config
	history := &History{Epochs: make([]EpochStats, 0, cfg.Epochs)}

	for ep := 0; ep < cfg.Epochs; ep++ {
		lr := g.Schedule.At(ep)
		g.setLearningRate(lr)

		inputs, labels, err := epochTensors(trainSet)
		if err != nil {
			return history, errors.WithMessagef(err, "epoch %d train", ep+1)
		}
		var trainSum float64
		for bi := range inputs {
			var metrics []*tensors.Tensor
			if err := catch(func() {
				metrics = g.trainer.TrainStep(nil, inputs[bi:bi+1], labels[bi:bi+1])
			}); err != nil {
				return history, errors.WithMessagef(err, "epoch %d train batch %d", ep+1, bi)
			}
			if len(metrics) == 0 {
				return history, errors.New("gomlx trainer returned no metrics")
			}
			loss, err := scalarValue(metrics[0])
			if err != nil {
				return history, err
			}
			trainSum += loss
		}

		var validSum float64
		for bi, idx := range valid.Batches() {
			vin, vlab, err := valid.Batch(idx)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d valid batch %d", ep+1, bi)
			}
			preds, err := g.PredictBatch(vin)
			if err != nil {
				return history, err
			}
			p, err := toDense(preds, cfg.OutputDim)
			if err != nil {
				return history, err
			}
			y, err := toDense(vlab, cfg.OutputDim)
			if err != nil {
				return history, err
			}
			loss, err := MaskedMSE{}.Compute(p, y)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d valid batch %d", ep+1, bi)
			}
			validSum += loss
		}

		stats := EpochStats{
			Epoch:        ep + 1,
			TrainLoss:    trainSum / float64(trainSet.Len()) * cfg.LossScale,
			ValidLoss:    validSum / float64(valid.Len()) * cfg.LossScale,
			LearningRate: lr,
		}
		history.Epochs = append(history.Epochs, stats)
		klog.V(2).Infof("gomlx epoch %d: train=%.5f valid=%.5f lr=%g", stats.Epoch, stats.TrainLoss, stats.ValidLoss, lr)
		if hook != nil {
			if err := hook(stats); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

// PredictBatch runs the forward graph with the current variables.
func (g *GomlxModel) PredictBatch(inputs [][]float32) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}
	if g.predict == nil {
		exec, err := context.NewExec(g.backend, g.ctx.Reuse(), func(ctx *context.Context, x *graph.Node) *graph.Node {
			return g.modelGraph(ctx, nil, []*graph.Node{x})[0]
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to build gomlx inference graph")
		}
		g.predict = exec
	}

	inT, err := datasets.RowsTensor(inputs)
	if err != nil {
		return nil, err
	}

	var outputs []*tensors.Tensor
	var execErr error
	if err := catch(func() { outputs, execErr = g.predict.Exec(inT) }); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, errors.Wrap(execErr, "gomlx forward failed")
	}
	preds, ok := outputs[0].Value().([][]float32)
	if !ok {
		return nil, errors.Errorf("unexpected gomlx output type %T", outputs[0].Value())
	}
	return preds, nil
}

// savedVariable is the on-disk form of one float32 gomlx variable.
type savedVariable struct {
	Scope, Name string
	Dims        []int
	Data        []float32
}

type savedGomlxModel struct {
	Version   int
	Config    Config
	Variables []savedVariable
}

// Save writes every float32 variable of the context (weights, biases and
// optimizer state) to path.
func (g *GomlxModel) Save(path string) error {
	sm := savedGomlxModel{Version: modelFileVersion, Config: g.Config}
	err := catch(func() {
		g.ctx.EnumerateVariables(func(v *context.Variable) {
			shape := v.Shape()
			if shape.DType != dtypes.Float32 {
				return
			}
			sm.Variables = append(sm.Variables, savedVariable{
				Scope: v.Scope(),
				Name:  v.Name(),
				Dims:  shape.Dimensions,
				Data:  tensors.CopyFlatData[float32](v.Value()),
			})
		})
	})
	if err != nil {
		return errors.WithMessage(err, "collect gomlx variables")
	}
	if len(sm.Variables) == 0 {
		return errors.New("gomlx model has no variables; train it before saving")
	}
	return writeGob(path, &sm)
}
