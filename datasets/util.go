package datasets

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}
	return strconv.ParseFloat(s, 64)
}

// readTable reads a header-less, comma-delimited numeric table into a dense
// matrix. Every record must have the same number of fields as the first one.
func readTable(path string) (*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open table %s", path)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	var data []float64
	rows, cols := 0, 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read row %d of %s", rows, path)
		}
		if rows == 0 {
			cols = len(record)
		}
		for j, cell := range record {
			v, err := parseFloat(cell)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse row %d column %d of %s", rows, j, path)
			}
			data = append(data, v)
		}
		rows++
	}
	if rows == 0 || cols == 0 {
		return nil, errors.Wrapf(ErrEmptyDataset, "table %s has no values", path)
	}
	return mat.NewDense(rows, cols, data), nil
}

// WriteTable writes m as a comma-delimited numeric table, one matrix row per
// line. Values are written in the shortest form that parses back exactly.
func WriteTable(path string, m mat.Matrix) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create table %s", path)
	}

	w := csv.NewWriter(file)
	rows, cols := m.Dims()
	record := make([]string, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			file.Close()
			return errors.Wrapf(err, "failed to write row %d of %s", i, path)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return errors.Wrapf(err, "failed to flush %s", path)
	}
	return file.Close()
}
