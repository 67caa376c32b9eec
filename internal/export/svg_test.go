package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleData() (times []float64, means, stds [][]float64) {
	times = []float64{0, 0.5, 1.0, 1.5, 2.0}
	for i := range times {
		t := times[i]
		means = append(means, []float64{t * t, 1 - t})
		stds = append(stds, []float64{0.01 * (1 + t), 0.02})
	}
	return times, means, stds
}

func TestSolutionSVG(t *testing.T) {
	times, means, stds := sampleData()

	doc := SolutionSVG(times, means, stds, 0, 400, 200)
	if !strings.HasPrefix(doc, "<?xml") {
		t.Fatalf("missing xml prolog: %.40q", doc)
	}
	if strings.Count(doc, "<path") != 2 {
		t.Errorf("want band and mean paths, got %d", strings.Count(doc, "<path"))
	}
	if !strings.Contains(doc, `stroke="#00ff00"`) {
		t.Error("mean line missing")
	}

	if got := SolutionSVG(times[:1], means[:1], stds[:1], 0, 400, 200); got != "" {
		t.Error("single point should render nothing")
	}
	if got := SolutionSVG(times, means, stds, 5, 400, 200); got != "" {
		t.Error("out-of-range coordinate should render nothing")
	}
}

func TestWriteSolutionSVG(t *testing.T) {
	times, means, stds := sampleData()
	path := filepath.Join(t.TempDir(), "run.svg")

	if err := WriteSolutionSVG(path, times, means, stds, 400, 150); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doc := string(data)

	if strings.Count(doc, "<?xml") != 1 {
		t.Errorf("nested prologs: %d", strings.Count(doc, "<?xml"))
	}
	if strings.Count(doc, "<g transform") != 2 {
		t.Errorf("want one panel per coordinate, got %d", strings.Count(doc, "<g transform"))
	}

	if err := WriteSolutionSVG(path, times[:1], means[:1], stds[:1], 400, 150); err == nil {
		t.Error("expected error for single-point data")
	}
}
