package liar

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"truthlens/backend/internal/preprocess"
)

// Column positions in the LIAR tab-separated files.
const (
	ColumnID = iota
	ColumnLabel
	ColumnStatement
	ColumnSubject
	ColumnSpeaker
	ColumnJob
	ColumnState
	ColumnParty
	ColumnBarelyTrue
	ColumnFalse
	ColumnHalfTrue
	ColumnMostlyTrue
	ColumnPantsOnFire
	ColumnVenue
)

// Split file names inside a dataset directory.
const (
	TrainFile      = "train.tsv"
	ValidationFile = "valid.tsv"
	TestFile       = "test.tsv"
)

// Stats describes how many rows survived label mapping.
type Stats struct {
	Rows    int            `json:"rows"`
	Kept    int            `json:"kept"`
	Dropped int            `json:"dropped"`
	ByLabel map[string]int `json:"by_label"`
}

// Read parses LIAR rows from r. Only the label and statement columns are
// used; rows that are too short or carry an unmapped rating are dropped.
func Read(r io.Reader) ([]preprocess.LabeledExample, Stats, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	stats := Stats{ByLabel: make(map[string]int)}
	var examples []preprocess.LabeledExample
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read liar row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++
		if len(row) <= ColumnStatement {
			stats.Dropped++
			continue
		}
		ex, ok := preprocess.Example(row[ColumnStatement], strings.TrimSpace(row[ColumnLabel]))
		if !ok {
			stats.Dropped++
			continue
		}
		stats.Kept++
		stats.ByLabel[preprocess.LabelName(ex.Label)]++
		examples = append(examples, ex)
	}
	return examples, stats, nil
}

// Load reads a single LIAR split from path.
func Load(path string) ([]preprocess.LabeledExample, Stats, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, Stats{}, errors.New("liar path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open liar file: %w", err)
	}
	defer file.Close()
	return Read(file)
}

// Dataset groups the splits found in a LIAR directory.
type Dataset struct {
	Train      []preprocess.LabeledExample
	Validation []preprocess.LabeledExample
	Test       []preprocess.LabeledExample
	Stats      map[string]Stats
}

// LoadDir reads train.tsv plus valid.tsv and test.tsv when present.
func LoadDir(dir string) (Dataset, error) {
	ds := Dataset{Stats: make(map[string]Stats)}
	splits := []struct {
		name     string
		dst      *[]preprocess.LabeledExample
		required bool
	}{
		{TrainFile, &ds.Train, true},
		{ValidationFile, &ds.Validation, false},
		{TestFile, &ds.Test, false},
	}
	for _, split := range splits {
		path := filepath.Join(dir, split.name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) && !split.required {
				continue
			}
			return Dataset{}, fmt.Errorf("stat %s: %w", split.name, err)
		}
		examples, stats, err := Load(path)
		if err != nil {
			return Dataset{}, err
		}
		*split.dst = examples
		ds.Stats[split.name] = stats
	}
	return ds, nil
}
