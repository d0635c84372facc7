package simple

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

const modelFileVersion = 1

// savedModel is the on-disk representation of a Model.
type savedModel struct {
	Version    int
	Config     Config
	LayerSizes []int
	Weights    [][]float64 // row-major [in][out] per layer
	Biases     [][]float64
}

// writeGob encodes v into path through a temporary file in the same
// directory, so a crash never leaves a truncated file behind.
func writeGob(path string, v any) error {
	if path == "" {
		return errors.New("empty model path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp model file")
	}
	tmpName := tmpFile.Name()
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpName)
	}

	if err := gob.NewEncoder(tmpFile).Encode(v); err != nil {
		cleanup()
		return errors.Wrap(err, "encode model to temp file")
	}
	if err := tmpFile.Sync(); err != nil {
		klog.Warningf("sync temp model file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp model file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename temp model to target")
	}
	return nil
}

// Save writes the model's configuration and parameters to path.
func (m *Model) Save(path string) error {
	sm := savedModel{
		Version:    modelFileVersion,
		Config:     m.Config,
		LayerSizes: m.layerSizes,
		Weights:    make([][]float64, len(m.weights)),
		Biases:     m.biases,
	}
	for l, w := range m.weights {
		sm.Weights[l] = w.RawMatrix().Data
	}
	return writeGob(path, &sm)
}

// LoadModel reads a model written by Save.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open model file %s", path)
	}
	defer f.Close()

	var sm savedModel
	if err := gob.NewDecoder(f).Decode(&sm); err != nil {
		return nil, errors.Wrapf(err, "decode model %s", path)
	}
	if sm.Version != modelFileVersion {
		return nil, errors.Errorf("model version mismatch: file=%d expected=%d", sm.Version, modelFileVersion)
	}
	L := len(sm.LayerSizes) - 1
	if L < 1 || len(sm.Weights) != L || len(sm.Biases) != L {
		return nil, errors.Errorf("model %s has inconsistent layer count", path)
	}

	m := &Model{
		Config:     sm.Config,
		layerSizes: sm.LayerSizes,
		weights:    make([]*mat.Dense, L),
		biases:     sm.Biases,
	}
	for l := 0; l < L; l++ {
		in, out := sm.LayerSizes[l], sm.LayerSizes[l+1]
		if len(sm.Weights[l]) != in*out || len(sm.Biases[l]) != out {
			return nil, errors.Errorf("model %s layer %d has wrong parameter count", path, l)
		}
		m.weights[l] = mat.NewDense(in, out, sm.Weights[l])
	}
	return m, nil
}
