package storage

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/probode/probode/internal/solve"
)

func sampleSolution() *solve.Solution {
	return &solve.Solution{
		Grid:     []float64{0, 0.5, 1.0},
		Mean:     [][]float64{{0.1, 20}, {0.15, 18}, {0.22, 15}},
		Std:      [][]float64{{0, 0}, {1e-4, 1e-2}, {2e-4, 3e-2}},
		Scale:    0.7,
		Accepted: 2,
		Attempts: 3,
	}
}

func sampleMeta() RunMetadata {
	return RunMetadata{
		Problem:        "lotka_volterra",
		Factorization:  "isotropic",
		NumDerivatives: 4,
		Correction:     "ts0",
		Strategy:       "smoother",
		Calibration:    "mle",
		Atol:           1e-8,
		Rtol:           1e-6,
	}
}

func TestStoreSaveLoad(t *testing.T) {
	st := New(t.TempDir())
	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	runID, err := st.Save(sampleMeta(), sampleSolution())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if runID == "" {
		t.Error("expected non-empty run id")
	}

	meta, err := st.Load(runID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if meta.Problem != "lotka_volterra" {
		t.Errorf("expected problem lotka_volterra, got %q", meta.Problem)
	}
	if meta.Scale != 0.7 || meta.Accepted != 2 || meta.Attempts != 3 {
		t.Errorf("run statistics lost: %+v", meta)
	}

	times, means, stds, err := st.LoadSolution(runID)
	if err != nil {
		t.Fatalf("load solution failed: %v", err)
	}
	if len(times) != 3 || len(means) != 3 || len(stds) != 3 {
		t.Fatalf("expected 3 rows, got %d/%d/%d", len(times), len(means), len(stds))
	}
	if math.Abs(means[2][1]-15) > 1e-9 {
		t.Errorf("mean round trip lost precision: %g", means[2][1])
	}
	if math.Abs(stds[1][0]-1e-4) > 1e-12 {
		t.Errorf("std round trip lost precision: %g", stds[1][0])
	}
}

func TestStoreList(t *testing.T) {
	st := New(t.TempDir())
	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	runs, err := st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected 0 runs, got %d", len(runs))
	}

	if _, err := st.Save(sampleMeta(), sampleSolution()); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	runs, err = st.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestStoreFileStructure(t *testing.T) {
	tmpDir := t.TempDir()
	st := New(tmpDir)
	if err := st.Init(); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	runID, err := st.Save(sampleMeta(), sampleSolution())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}

	runDir := filepath.Join(tmpDir, runID)
	if _, err := os.Stat(filepath.Join(runDir, "metadata.json")); os.IsNotExist(err) {
		t.Error("metadata.json not created")
	}
	if _, err := os.Stat(filepath.Join(runDir, "solution.csv")); os.IsNotExist(err) {
		t.Error("solution.csv not created")
	}
}

func TestExportJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	if err := ExportJSON(path, sampleMeta(), sampleSolution()); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out ExportData
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("export not valid JSON: %v", err)
	}
	if out.Problem != "lotka_volterra" || len(out.Times) != 3 || len(out.Means) != 3 {
		t.Errorf("export lost data: %+v", out)
	}
}
