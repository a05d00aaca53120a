package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"retap/internal/model"
)

var ErrNoAxes = errors.New("csv: no X, Y and Z columns")

// ReadCSV reads a tri-axial recording. Columns are picked by an X/Y/Z header
// when there is one; a file without a header uses its last three columns.
// Empty and "nan" cells become NaN.
func ReadCSV(r io.Reader) (model.TriAxial, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var acc model.TriAxial
	var cols [3]int
	line := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.TriAxial{}, err
		}
		line++
		if line == 1 {
			if looksLikeHeader(record) {
				if cols, err = axisColumns(record); err != nil {
					return model.TriAxial{}, err
				}
				continue
			}
			if len(record) < 3 {
				return model.TriAxial{}, fmt.Errorf("csv line 1: want 3 columns, got %d", len(record))
			}
			n := len(record)
			cols = [3]int{n - 3, n - 2, n - 1}
		}
		for axis, col := range cols {
			v := math.NaN()
			if col < len(record) {
				if v, err = parseCell(record[col]); err != nil {
					return model.TriAxial{}, fmt.Errorf("csv line %d: %w", line, err)
				}
			}
			acc[axis] = append(acc[axis], v)
		}
	}
	if acc[0] == nil {
		return model.TriAxial{}, errors.New("csv: no samples")
	}
	return acc, nil
}

func ReadFile(path string) (model.TriAxial, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.TriAxial{}, err
	}
	defer f.Close()
	acc, err := ReadCSV(f)
	if err != nil {
		return model.TriAxial{}, fmt.Errorf("%s: %w", path, err)
	}
	return acc, nil
}

// LoadRecording reads the file a job points at.
func LoadRecording(job model.Job) (model.Recording, error) {
	acc, err := ReadFile(job.Path)
	if err != nil {
		return model.Recording{}, err
	}
	return model.Recording{
		ID:         job.ID,
		Source:     job.Source,
		SampleRate: job.SampleRate,
		Signal:     acc,
	}, nil
}

// WriteCSV writes acc with an X,Y,Z header. NaN is written as an empty cell.
func WriteCSV(w io.Writer, acc model.TriAxial) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"X", "Y", "Z"}); err != nil {
		return err
	}
	row := make([]string, 3)
	for i := 0; i < acc.Len(); i++ {
		for axis := range acc {
			row[axis] = formatCell(acc[axis][i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// BlockFileName names the export of one block, e.g. "rec1_block2_250Hz.csv".
func BlockFileName(stem string, index int, fs float64) string {
	return fmt.Sprintf("%s_block%d_%sHz.csv", stem, index, strconv.FormatFloat(fs, 'f', -1, 64))
}

// ExportBlocks writes every block of a recording into dir and returns the
// file paths in block order.
func ExportBlocks(dir, stem string, fs float64, blocks []model.ActiveBlock) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(blocks))
	for _, b := range blocks {
		path := filepath.Join(dir, BlockFileName(stem, b.Index, fs))
		f, err := os.Create(path)
		if err != nil {
			return paths, err
		}
		err = WriteCSV(f, b.Signal)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return paths, fmt.Errorf("write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.TrimSpace(v)
		if v == "" || strings.EqualFold(v, "nan") {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return true
		}
	}
	return false
}

func axisColumns(header []string) ([3]int, error) {
	cols := [3]int{-1, -1, -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "x", "acc_x", "accx", "ax":
			cols[0] = i
		case "y", "acc_y", "accy", "ay":
			cols[1] = i
		case "z", "acc_z", "accz", "az":
			cols[2] = i
		}
	}
	for _, c := range cols {
		if c < 0 {
			return cols, ErrNoAxes
		}
	}
	return cols, nil
}

func parseCell(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(v, 64)
}

func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
