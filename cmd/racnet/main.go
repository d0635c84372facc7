package main

// racnet trains the Rac regression network on a winding table, evaluates it
// on a held-out table and writes the model, the log file, yy_meas.csv and the
// error histograms.
//
// Settings come from pipeline.DefaultConfig, then the optional JSON file given
// with -config, then any flag set explicitly on the command line.
//
// Usage:
//   go run ./cmd/racnet -train testset_1w_IW.csv -test testset_1w_IW.csv -epochs 2000

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Noofbiz/racnet/pipeline"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	def := pipeline.DefaultConfig()

	configPath := flag.String("config", "", "path to a JSON config file (optional); explicit flags override it")
	trainPath := flag.String("train", def.TrainPath, "winding table used for training and validation")
	testPath := flag.String("test", def.TestPath, "winding table used for evaluation")
	backend := flag.String("backend", def.Backend, "training backend: 'native' or 'gomlx'")
	epochs := flag.Int("epochs", def.Model.Epochs, "number of training epochs")
	batchSize := flag.Int("batch-size", def.Model.BatchSize, "mini-batch size")
	learningRate := flag.Float64("learning-rate", def.Model.LearningRate, "initial learning rate of the step-decay schedule")
	hiddenSize := flag.Int("hidden-size", def.Model.HiddenSize, "width of every hidden layer")
	hiddenLayers := flag.Int("hidden-layers", def.Model.HiddenLayers, "number of hidden-to-hidden layers")
	seed := flag.Int64("seed", def.Model.Seed, "random seed for initialization, split and shuffling")
	logEvery := flag.Int("log-every", def.LogEvery, "epochs between progress lines (0 disables)")
	modelPath := flag.String("model", def.ModelPath, "where to save the trained model")
	logPath := flag.String("log", def.LogPath, "training log file")
	figDir := flag.String("figs", def.FigDir, "directory for the histogram figures")
	dpi := flag.Int("dpi", def.DPI, "figure resolution")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(*configPath, def); err != nil {
			klog.Fatalf("failed to load config: %v", err)
		}
		klog.Infof("loaded config from %s", *configPath)
	}

	// Flags given explicitly win over the JSON file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train":
			cfg.TrainPath = *trainPath
		case "test":
			cfg.TestPath = *testPath
		case "backend":
			cfg.Backend = *backend
		case "epochs":
			cfg.Model.Epochs = *epochs
		case "batch-size":
			cfg.Model.BatchSize = *batchSize
		case "learning-rate":
			cfg.Model.LearningRate = *learningRate
		case "hidden-size":
			cfg.Model.HiddenSize = *hiddenSize
		case "hidden-layers":
			cfg.Model.HiddenLayers = *hiddenLayers
		case "seed":
			cfg.Model.Seed = *seed
		case "log-every":
			cfg.LogEvery = *logEvery
		case "model":
			cfg.ModelPath = *modelPath
		case "log":
			cfg.LogPath = *logPath
		case "figs":
			cfg.FigDir = *figDir
		case "dpi":
			cfg.DPI = *dpi
		}
	})

	if *printEffectiveConfig {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			klog.Fatalf("failed to encode config: %v", err)
		}
		fmt.Println(string(out))
		os.Exit(0)
	}

	if _, err := pipeline.Run(cfg, os.Stdout); err != nil {
		klog.Fatalf("run failed: %+v", err)
	}
	klog.Flush()
}
