package storage

import (
	"encoding/json"
	"io"
	"os"

	"github.com/probode/probode/internal/solve"
)

type ExportData struct {
	Problem        string      `json:"problem"`
	Factorization  string      `json:"factorization"`
	NumDerivatives int         `json:"num_derivatives"`
	Correction     string      `json:"correction"`
	Strategy       string      `json:"strategy"`
	Scale          float64     `json:"scale"`
	Accepted       int         `json:"accepted"`
	Attempts       int         `json:"attempts"`
	Times          []float64   `json:"times"`
	Means          [][]float64 `json:"means"`
	Stds           [][]float64 `json:"stds"`
}

func exportData(meta RunMetadata, sol *solve.Solution) ExportData {
	return ExportData{
		Problem:        meta.Problem,
		Factorization:  meta.Factorization,
		NumDerivatives: meta.NumDerivatives,
		Correction:     meta.Correction,
		Strategy:       meta.Strategy,
		Scale:          sol.Scale,
		Accepted:       sol.Accepted,
		Attempts:       sol.Attempts,
		Times:          sol.Grid,
		Means:          sol.Mean,
		Stds:           sol.Std,
	}
}

func ExportJSON(path string, meta RunMetadata, sol *solve.Solution) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return writeJSON(file, meta, sol)
}

func ExportJSONStdout(meta RunMetadata, sol *solve.Solution) error {
	return writeJSON(os.Stdout, meta, sol)
}

func writeJSON(w io.Writer, meta RunMetadata, sol *solve.Solution) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(exportData(meta, sol))
}
