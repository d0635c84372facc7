package pipeline

import (
	"encoding/json"
	"os"

	"github.com/Noofbiz/racnet/datasets"
	"github.com/Noofbiz/racnet/simple"
	"github.com/pkg/errors"
)

// Config is everything a run needs. Zero values in Dataset and Model fall back
// to the package defaults of datasets and simple.
type Config struct {
	// TrainPath is split into train and validation sets, TestPath is used
	// whole for evaluation. Both may name the same file.
	TrainPath string `json:"train_path"`
	TestPath  string `json:"test_path"`

	// Output files. An empty NormalizedOutPath or MeasuredOutPath skips that
	// file.
	NormalizedOutPath string `json:"normalized_out_path"`
	MeasuredOutPath   string `json:"measured_out_path"`
	LogPath           string `json:"log_path"`
	ModelPath         string `json:"model_path"`
	FigDir            string `json:"fig_dir"`

	// Backend is "native" or "gomlx".
	Backend string `json:"backend"`

	TrainFraction float64 `json:"train_fraction"`
	// LogEvery is the epoch cadence of the console and log file summaries.
	LogEvery int `json:"log_every"`

	// ErrorThreshold is the percent relative error counted as high.
	ErrorThreshold float64 `json:"error_threshold"`
	HistogramBins  int     `json:"histogram_bins"`
	DPI            int     `json:"dpi"`

	Dataset datasets.LoadOptions `json:"dataset"`
	Model   simple.Config        `json:"model"`
}

// DefaultConfig returns the settings of the reference training run.
func DefaultConfig() Config {
	return Config{
		TrainPath:         "testset_1w_IW.csv",
		TestPath:          "testset_1w_IW.csv",
		NormalizedOutPath: "dataset.csv",
		MeasuredOutPath:   "yy_meas.csv",
		LogPath:           "logfile.txt",
		ModelPath:         "Model_2D_IW_loss.gob",
		FigDir:            "figs",
		Backend:           "native",
		TrainFraction:     0.75,
		LogEvery:          100,
		ErrorThreshold:    5,
		HistogramBins:     20,
		DPI:               600,
		Model:             simple.Config{}.WithDefaults(),
	}
}

// LoadConfig overlays the JSON file at path onto base. Fields absent from the
// file keep their value from base.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "read config %s", path)
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate checks the settings Run cannot default.
func (c Config) Validate() error {
	if c.TrainPath == "" || c.TestPath == "" {
		return errors.New("train_path and test_path are required")
	}
	if c.TrainFraction <= 0 || c.TrainFraction >= 1 {
		return errors.Errorf("train_fraction must be in (0,1), got %g", c.TrainFraction)
	}
	if c.LogEvery < 0 {
		return errors.Errorf("log_every must not be negative, got %d", c.LogEvery)
	}
	if c.ModelPath == "" {
		return errors.New("model_path is required")
	}
	return nil
}
