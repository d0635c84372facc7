package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/racnet/datasets"
	"gonum.org/v1/gonum/mat"
)

// writeSyntheticTable writes a 25 x n winding table. Output row 24 is zero
// for the first notApplicable samples.
func writeSyntheticTable(t *testing.T, path string, n, notApplicable int) {
	t.Helper()
	rng := rand.New(rand.NewSource(17))
	m := mat.NewDense(25, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < 13; i++ {
			m.Set(i, j, 1+99*rng.Float64())
		}
		for k := 0; k < 12; k++ {
			a, b := m.At(k%13, j), m.At((k+1)%13, j)
			m.Set(13+k, j, 1e-3*a*b)
		}
		if j < notApplicable {
			m.Set(24, j, 0)
		}
	}
	if err := datasets.WriteTable(path, m); err != nil {
		t.Fatalf("write table: %v", err)
	}
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.TrainPath = filepath.Join(dir, "train.csv")
	cfg.TestPath = filepath.Join(dir, "test.csv")
	cfg.NormalizedOutPath = filepath.Join(dir, "dataset.csv")
	cfg.MeasuredOutPath = filepath.Join(dir, "yy_meas.csv")
	cfg.LogPath = filepath.Join(dir, "logfile.txt")
	cfg.ModelPath = filepath.Join(dir, "model.gob")
	cfg.FigDir = filepath.Join(dir, "figs")
	cfg.LogEvery = 10
	cfg.DPI = 30
	cfg.Model.HiddenSize = 8
	cfg.Model.HiddenLayers = 1
	cfg.Model.Epochs = 30
	cfg.Model.BatchSize = 8
	cfg.Model.LearningRate = 1e-3
	return cfg
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return recs
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeSyntheticTable(t, cfg.TrainPath, 40, 0)
	writeSyntheticTable(t, cfg.TestPath, 20, 4)

	var out bytes.Buffer
	res, err := Run(cfg, &out)
	if err != nil {
		t.Fatalf("Run error: %v\noutput:\n%s", err, out.String())
	}
	console := out.String()
	for _, want := range []string{
		"Now this program runs on cpu (native)",
		"Epoch 10 Train ",
		"Epoch 30 Train ",
		"Training finished! Model is saved!",
		"Test Loss: ",
		"Relative Error: ",
		"RMS Error: ",
		"MAX Error: ",
		"Number of Rac errors greater than 5% in inner winding: ",
		"Number of Rac errors greater than 5% in outer winding: ",
	} {
		if !strings.Contains(console, want) {
			t.Errorf("console output missing %q:\n%s", want, console)
		}
	}

	f, err := os.Open(cfg.LogPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	f.Close()
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %q", len(lines), lines)
	}
	if want := "Number of parameters: "; !strings.HasPrefix(lines[0], want) {
		t.Fatalf("first log line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "Epoch 10 Train ") || !strings.Contains(lines[1], "Learning Rate 0.001") {
		t.Fatalf("unexpected epoch line %q", lines[1])
	}

	if res.NumParams != 13*8+8+8*8+8+8*12+12 {
		t.Fatalf("NumParams = %d", res.NumParams)
	}
	if len(res.History.Epochs) != 30 {
		t.Fatalf("expected 30 epochs, got %d", len(res.History.Epochs))
	}
	if res.Evaluation.Len() != 20 {
		t.Fatalf("expected 20 evaluated rows, got %d", res.Evaluation.Len())
	}
	if res.Summary.Excluded != 4 || res.Summary.Included != 20*12-4 {
		t.Fatalf("unexpected counts: %+v", res.Summary)
	}

	if meas := readCSV(t, cfg.MeasuredOutPath); len(meas) != 20 || len(meas[0]) != 12 {
		t.Fatalf("yy_meas has shape %dx%d", len(meas), len(meas[0]))
	}
	if norm := readCSV(t, cfg.NormalizedOutPath); len(norm) != 12 || len(norm[0]) != 40 {
		t.Fatalf("normalized outputs have shape %dx%d", len(norm), len(norm[0]))
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		t.Fatalf("model file missing: %v", err)
	}
	for _, name := range []string{"Fig_Rac_Ls.png", "Fig_Rac_Lp.png"} {
		if _, err := os.Stat(filepath.Join(cfg.FigDir, name)); err != nil {
			t.Fatalf("figure %s missing: %v", name, err)
		}
	}
	if len(res.Figures) != 2 {
		t.Fatalf("expected 2 figures, got %v", res.Figures)
	}
}

func TestRunRejectsBadTable(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	if err := os.WriteFile(cfg.TrainPath, []byte("1,2\n3,4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	writeSyntheticTable(t, cfg.TestPath, 10, 0)
	if _, err := Run(cfg, nil); err == nil {
		t.Fatalf("expected an error for a 2-row table")
	}
}

// epochFailWriter fails every write of an epoch progress line.
type epochFailWriter struct{ buf bytes.Buffer }

func (w *epochFailWriter) Write(p []byte) (int, error) {
	if bytes.HasPrefix(p, []byte("Epoch")) {
		return 0, errors.New("console closed")
	}
	return w.buf.Write(p)
}

func TestRunFailsOnProgressWriteError(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	writeSyntheticTable(t, cfg.TrainPath, 40, 0)
	writeSyntheticTable(t, cfg.TestPath, 20, 0)

	var out epochFailWriter
	_, err := Run(cfg, &out)
	if err == nil {
		t.Fatalf("expected an error when the progress line cannot be written")
	}
	if !strings.Contains(err.Error(), "write progress line") || !strings.Contains(err.Error(), "console closed") {
		t.Fatalf("unexpected error %v", err)
	}
	if _, statErr := os.Stat(cfg.ModelPath); statErr == nil {
		t.Fatalf("model must not be saved after a failed run")
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"train_path": "big.csv", "log_every": 5, "model": {"epochs": 2000, "hidden_size": 1000, "hidden_layers": 6}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, DefaultConfig())
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.TrainPath != "big.csv" || cfg.LogEvery != 5 {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.Model.Epochs != 2000 || cfg.Model.HiddenSize != 1000 || cfg.Model.HiddenLayers != 6 {
		t.Fatalf("model overlay not applied: %+v", cfg.Model)
	}
	// Untouched fields keep their defaults.
	if cfg.TestPath != "testset_1w_IW.csv" || cfg.Model.BatchSize != 256 || cfg.TrainFraction != 0.75 {
		t.Fatalf("defaults lost: %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"), DefaultConfig()); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.TrainFraction = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for train_fraction 1")
	}
}
