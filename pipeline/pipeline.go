// Package pipeline wires the dataset loader, the trainer and the report into
// one training and evaluation run.
package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Noofbiz/racnet/datasets"
	"github.com/Noofbiz/racnet/report"
	"github.com/Noofbiz/racnet/simple"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result collects what a run produced.
type Result struct {
	NumParams  int
	History    *simple.History
	Evaluation *report.Evaluation
	Summary    report.Summary
	Figures    []string
}

// Run trains on cfg.TrainPath, evaluates on cfg.TestPath and writes the model,
// the log file, the figures and the measured values. Progress lines go to out.
func Run(cfg Config, out io.Writer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}

	trainOpts := cfg.Dataset
	trainOpts.NormalizedOutPath = cfg.NormalizedOutPath
	full, err := datasets.LoadWinding(cfg.TrainPath, trainOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "load training table")
	}
	testOpts := cfg.Dataset
	testOpts.NormalizedOutPath = ""
	test, err := datasets.LoadWinding(cfg.TestPath, testOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "load test table")
	}

	modelCfg := cfg.Model
	modelCfg.InputDim = full.InputDim()
	modelCfg.OutputDim = full.OutputDim()
	modelCfg = modelCfg.WithDefaults()

	trainSet, validSet, err := datasets.RandomSplit(full, cfg.TrainFraction, modelCfg.Seed)
	if err != nil {
		return nil, errors.WithMessagef(err, "split %s", cfg.TrainPath)
	}
	trainLoader, err := datasets.NewLoader(trainSet, modelCfg.BatchSize, true, modelCfg.Seed)
	if err != nil {
		return nil, err
	}
	validLoader, err := datasets.NewLoader(validSet, modelCfg.BatchSize, true, modelCfg.Seed+1)
	if err != nil {
		return nil, err
	}
	klog.Infof("samples: train=%d valid=%d test=%d", trainSet.Len(), validSet.Len(), test.Len())

	backend, err := simple.NewBackend(cfg.Backend, modelCfg)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Now this program runs on cpu (%s)\n", backend.Name())

	res := &Result{NumParams: backend.NumParams()}
	logFile, err := createFile(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	if logFile != nil {
		defer logFile.Close()
		if _, err := fmt.Fprintf(logFile, "Number of parameters: %d\n", res.NumParams); err != nil {
			return nil, errors.Wrapf(err, "write %s", cfg.LogPath)
		}
	}
	klog.Infof("Number of parameters: %d", res.NumParams)

	hook := func(s simple.EpochStats) error {
		if cfg.LogEvery == 0 || s.Epoch%cfg.LogEvery != 0 {
			return nil
		}
		line := fmt.Sprintf("Epoch %2d Train %.5f Valid %.5f Learning Rate %v\n", s.Epoch, s.TrainLoss, s.ValidLoss, s.LearningRate)
		if _, err := io.WriteString(out, line); err != nil {
			return errors.Wrap(err, "write progress line")
		}
		if logFile != nil {
			if _, err := io.WriteString(logFile, line); err != nil {
				return errors.Wrapf(err, "write %s", cfg.LogPath)
			}
		}
		return nil
	}
	if res.History, err = backend.Train(trainLoader, validLoader, hook); err != nil {
		return res, errors.WithMessage(err, "training failed")
	}
	if err := backend.Save(cfg.ModelPath); err != nil {
		return res, errors.WithMessagef(err, "save model %s", cfg.ModelPath)
	}
	fmt.Fprintln(out, "Training finished! Model is saved!")

	if res.Evaluation, err = report.Evaluate(backend, test, modelCfg.BatchSize, modelCfg.LossScale); err != nil {
		return res, errors.WithMessage(err, "evaluation failed")
	}
	fmt.Fprintf(out, "Test Loss: %.5f\n", res.Evaluation.TestLoss)

	pred, err := report.Denormalize(res.Evaluation.Predictions, test.OutputNorm)
	if err != nil {
		return res, err
	}
	meas, err := report.Denormalize(res.Evaluation.Targets, test.OutputNorm)
	if err != nil {
		return res, err
	}
	if cfg.MeasuredOutPath != "" {
		if err := datasets.WriteTable(cfg.MeasuredOutPath, meas); err != nil {
			return res, err
		}
	}

	table, err := report.RelativeErrors(pred, meas, test.Floor)
	if err != nil {
		return res, err
	}
	if res.Summary, err = report.Summarize(table, cfg.ErrorThreshold); err != nil {
		return res, err
	}
	fmt.Fprintf(out, "Relative Error: %.8f%%\n", res.Summary.Mean)
	fmt.Fprintf(out, "RMS Error: %.8f%%\n", res.Summary.RMS)
	fmt.Fprintf(out, "MAX Error: %.8f%%\n", res.Summary.Max)
	klog.V(1).Infof("%d errors included, %d not applicable", res.Summary.Included, res.Summary.Excluded)

	opts := report.HistogramOptions{Bins: cfg.HistogramBins, DPI: cfg.DPI}
	_, channels := table.Dims()
	for _, g := range []report.Group{report.InnerWinding(channels), report.OuterWinding(channels)} {
		path, err := report.Histogram(table, g, cfg.FigDir, opts)
		if err != nil {
			return res, errors.WithMessagef(err, "figure %s", g.FileName)
		}
		res.Figures = append(res.Figures, path)
	}

	fmt.Fprintf(out, "Number of Rac errors greater than %g%% in inner winding: %d\n", cfg.ErrorThreshold, res.Summary.InnerAbove)
	fmt.Fprintf(out, "Number of Rac errors greater than %g%% in outer winding: %d\n", cfg.ErrorThreshold, res.Summary.OuterAbove)
	return res, nil
}

// createFile truncates path, creating its directory. An empty path returns a
// nil file.
func createFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	return f, nil
}
