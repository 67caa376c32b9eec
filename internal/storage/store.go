package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/probode/probode/internal/solve"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID             string    `json:"id"`
	Problem        string    `json:"problem"`
	Timestamp      time.Time `json:"timestamp"`
	Factorization  string    `json:"factorization"`
	NumDerivatives int       `json:"num_derivatives"`
	Correction     string    `json:"correction"`
	Strategy       string    `json:"strategy"`
	Calibration    string    `json:"calibration"`
	Atol           float64   `json:"atol"`
	Rtol           float64   `json:"rtol"`
	Scale          float64   `json:"scale"`
	Accepted       int       `json:"accepted"`
	Attempts       int       `json:"attempts"`
}

// Save writes one run: metadata.json plus solution.csv holding time,
// posterior mean and posterior standard deviation per coordinate.
func (s *Store) Save(meta RunMetadata, sol *solve.Solution) (string, error) {
	runID := fmt.Sprintf("%s_%d", meta.Problem, time.Now().Unix())
	runDir := filepath.Join(s.baseDir, runID)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta.ID = runID
	meta.Timestamp = time.Now()
	meta.Scale = sol.Scale
	meta.Accepted = sol.Accepted
	meta.Attempts = sol.Attempts

	metaPath := filepath.Join(runDir, "metadata.json")
	metaFile, err := os.Create(metaPath)
	if err != nil {
		return "", err
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	csvPath := filepath.Join(runDir, "solution.csv")
	csvFile, err := os.Create(csvPath)
	if err != nil {
		return "", err
	}
	defer csvFile.Close()

	w := csv.NewWriter(csvFile)
	defer w.Flush()

	if len(sol.Grid) == 0 {
		return runID, nil
	}

	dim := len(sol.Mean[0])
	header := []string{"time"}
	for j := 0; j < dim; j++ {
		header = append(header, fmt.Sprintf("mean%d", j))
	}
	for j := 0; j < dim; j++ {
		header = append(header, fmt.Sprintf("std%d", j))
	}
	if err := w.Write(header); err != nil {
		return "", err
	}

	for i := range sol.Grid {
		row := []string{strconv.FormatFloat(sol.Grid[i], 'g', 12, 64)}
		for _, v := range sol.Mean[i] {
			row = append(row, strconv.FormatFloat(v, 'g', 12, 64))
		}
		for _, v := range sol.Std[i] {
			row = append(row, strconv.FormatFloat(v, 'g', 12, 64))
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}

	return runID, nil
}

func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		metaPath := filepath.Join(s.baseDir, entry.Name(), "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}

		var meta RunMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}

		runs = append(runs, meta)
	}

	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	metaPath := filepath.Join(s.baseDir, runID, "metadata.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// LoadSolution reads solution.csv back as (times, means, stds).
func (s *Store) LoadSolution(runID string) ([]float64, [][]float64, [][]float64, error) {
	csvPath := filepath.Join(s.baseDir, runID, "solution.csv")
	file, err := os.Open(csvPath)
	if err != nil {
		return nil, nil, nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, nil, err
	}

	if len(records) < 2 {
		return []float64{}, [][]float64{}, [][]float64{}, nil
	}

	dim := (len(records[0]) - 1) / 2
	times := make([]float64, 0, len(records)-1)
	means := make([][]float64, 0, len(records)-1)
	stds := make([][]float64, 0, len(records)-1)

	for i := 1; i < len(records); i++ {
		record := records[i]
		if len(record) != 1+2*dim {
			continue
		}

		t, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			continue
		}

		mean := make([]float64, dim)
		std := make([]float64, dim)
		bad := false
		for j := 0; j < dim; j++ {
			if mean[j], err = strconv.ParseFloat(record[1+j], 64); err != nil {
				bad = true
				break
			}
			if std[j], err = strconv.ParseFloat(record[1+dim+j], 64); err != nil {
				bad = true
				break
			}
		}
		if bad {
			continue
		}

		times = append(times, t)
		means = append(means, mean)
		stds = append(stds, std)
	}

	return times, means, stds, nil
}
