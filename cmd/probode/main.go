package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/probode/probode/internal/config"
	"github.com/probode/probode/internal/export"
	"github.com/probode/probode/internal/ode"
	"github.com/probode/probode/internal/solve"
	"github.com/probode/probode/internal/stats"
	"github.com/probode/probode/internal/storage"
	"github.com/probode/probode/internal/tui"
	"github.com/spf13/cobra"
)

var (
	dataDir        string
	factorization  string
	numDerivatives int
	correction     string
	cubatureDegree int
	strategy       string
	calibration    string
	controller     string
	atol           float64
	rtol           float64
	dt0            float64
	t0Flag         float64
	t1Flag         float64
	saveAt         []float64
	numSamples     int
	seed           uint64
	configFile     string
	preset         string
	svgPath        string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "probode",
		Short: "probabilistic ODE solver",
		Long:  "probode solves initial value problems by Bayesian filtering and smoothing,\nreturning posterior uncertainty alongside the solution estimate.",
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".probode", "data directory")

	solveCmd := &cobra.Command{
		Use:   "solve [problem]",
		Short: "solve an initial value problem",
		Args:  cobra.ExactArgs(1),
		RunE:  runSolve,
	}
	addSolverFlags(solveCmd)
	solveCmd.Flags().Float64SliceVar(&saveAt, "save-at", nil, "checkpoint times (switches to save-at output)")
	solveCmd.Flags().IntVar(&numSamples, "samples", 0, "posterior sample paths to draw")
	solveCmd.Flags().Uint64Var(&seed, "seed", 42, "sampling seed")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list stored runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&svgPath, "svg", "", "write the plot to an SVG file instead")

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export run metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export run data to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRunJSON,
	}

	benchCmd := &cobra.Command{
		Use:   "bench [problem]",
		Short: "tolerance sweep benchmark",
		Args:  cobra.ExactArgs(1),
		RunE:  benchProblem,
	}
	addSolverFlags(benchCmd)

	liveCmd := &cobra.Command{
		Use:   "live [problem]",
		Short: "solve with live terminal visualization",
		Args:  cobra.ExactArgs(1),
		RunE:  runLive,
	}
	addSolverFlags(liveCmd)

	problemsCmd := &cobra.Command{
		Use:   "problems",
		Short: "list bundled problems",
		RunE:  listProblems,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets [problem]",
		Short: "list available presets for a problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presets := config.ListPresets(args[0])
			if len(presets) == 0 {
				fmt.Printf("no presets for problem: %s\n", args[0])
				return nil
			}
			fmt.Printf("presets for %s:\n", args[0])
			for _, p := range presets {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	rootCmd.AddCommand(solveCmd, listCmd, plotCmd, exportCmd, exportJSONCmd, benchCmd, liveCmd, problemsCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSolverFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&factorization, "factorization", "isotropic", "state-space factorization (isotropic, blockdiag, dense)")
	cmd.Flags().IntVar(&numDerivatives, "nderiv", config.DefaultNumDerivatives, "derivatives tracked by the prior")
	cmd.Flags().StringVar(&correction, "correction", "ts0", "correction (ts0, ts1, slr0, slr1)")
	cmd.Flags().IntVar(&cubatureDegree, "cubature-degree", 0, "Gauss-Hermite degree for slr corrections (0 = spherical)")
	cmd.Flags().StringVar(&strategy, "strategy", "smoother", "estimation strategy (filter, smoother, fixedpoint)")
	cmd.Flags().StringVar(&calibration, "calibration", "mle", "diffusion calibration (mle, dynamic, none)")
	cmd.Flags().StringVar(&controller, "controller", "pi", "step controller (pi, integral)")
	cmd.Flags().Float64Var(&atol, "atol", config.DefaultAtol, "absolute tolerance")
	cmd.Flags().Float64Var(&rtol, "rtol", config.DefaultRtol, "relative tolerance")
	cmd.Flags().Float64Var(&dt0, "dt0", 0, "initial step size (0 = heuristic)")
	cmd.Flags().Float64Var(&t0Flag, "t0", 0, "override interval start")
	cmd.Flags().Float64Var(&t1Flag, "t1", 0, "override interval end")
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
}

// resolveConfig builds the effective config for a problem: preset first,
// then config file, then CLI flags on top.
func resolveConfig(cmd *cobra.Command, problem string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.Problem = problem

	if preset != "" {
		p := config.GetPreset(problem, preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets(problem))
		}
		cfg = p
	}

	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		loaded.Problem = problem
		cfg = loaded
	}

	if cmd.Flags().Changed("factorization") {
		cfg.Factorization = factorization
	}
	if cmd.Flags().Changed("nderiv") {
		cfg.NumDerivatives = numDerivatives
	}
	if cmd.Flags().Changed("correction") {
		cfg.Correction = correction
	}
	if cmd.Flags().Changed("cubature-degree") {
		cfg.CubatureDegree = cubatureDegree
	}
	if cmd.Flags().Changed("strategy") {
		cfg.Strategy = strategy
	}
	if cmd.Flags().Changed("calibration") {
		cfg.Calibration = calibration
	}
	if cmd.Flags().Changed("controller") {
		cfg.Controller = controller
	}
	if cmd.Flags().Changed("atol") {
		cfg.Atol = atol
	}
	if cmd.Flags().Changed("rtol") {
		cfg.Rtol = rtol
	}
	if cmd.Flags().Changed("dt0") {
		cfg.Dt0 = dt0
	}
	if cmd.Flags().Changed("t0") {
		v := t0Flag
		cfg.T0 = &v
	}
	if cmd.Flags().Changed("t1") {
		v := t1Flag
		cfg.T1 = &v
	}
	if cmd.Flags().Changed("save-at") {
		cfg.SaveAt = saveAt
	}

	return cfg, cfg.Validate()
}

func lookupProblem(cfg *config.Config) (ode.IVP, error) {
	ivp, ok := ode.Problems()[cfg.Problem]
	if !ok {
		names := make([]string, 0)
		for name := range ode.Problems() {
			names = append(names, name)
		}
		return ode.IVP{}, fmt.Errorf("unknown problem: %s (available: %v)", cfg.Problem, names)
	}
	if cfg.T0 != nil {
		ivp.T0 = *cfg.T0
	}
	if cfg.T1 != nil {
		ivp.T1 = *cfg.T1
	}
	return ivp, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args[0])
	if err != nil {
		return err
	}
	ivp, err := lookupProblem(cfg)
	if err != nil {
		return err
	}

	setup, err := cfg.Setup()
	if err != nil {
		return err
	}
	sv, err := setup.Build(len(ivp.U0))
	if err != nil {
		return err
	}
	opts := cfg.Options()

	st := storage.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}

	fmt.Printf("solving %s on [%g, %g]...\n", cfg.Problem, ivp.T0, ivp.T1)
	start := time.Now()

	var sol *solve.Solution
	if len(cfg.SaveAt) > 0 {
		sol, err = solve.AdaptiveSaveAt(context.Background(), sv, ivp, cfg.SaveAt, opts)
	} else {
		sol, err = solve.AdaptiveSaveEverySteps(context.Background(), sv, ivp, opts)
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	meta := storage.RunMetadata{
		Problem:        cfg.Problem,
		Timestamp:      time.Now(),
		Factorization:  cfg.Factorization,
		NumDerivatives: cfg.NumDerivatives,
		Correction:     cfg.Correction,
		Strategy:       cfg.Strategy,
		Calibration:    cfg.Calibration,
		Atol:           cfg.Atol,
		Rtol:           cfg.Rtol,
		Scale:          sol.Scale,
		Accepted:       sol.Accepted,
		Attempts:       sol.Attempts,
	}
	runID, err := st.Save(meta, sol)
	if err != nil {
		return err
	}

	last := len(sol.Grid) - 1
	fmt.Printf("completed in %v\n", elapsed)
	fmt.Printf("run id: %s\n", runID)
	fmt.Printf("steps: %d accepted, %d attempted\n", sol.Accepted, sol.Attempts)
	fmt.Printf("output scale: %.6g\n", sol.Scale)
	fmt.Printf("u(%g) = %v\n", sol.Grid[last], sol.Mean[last])
	fmt.Printf("std    %v\n", sol.Std[last])

	fmt.Println()
	plotSolution(sol.Grid, sol.Mean, sol.Std)

	if numSamples > 0 {
		if sol.Posterior == nil {
			return fmt.Errorf("sampling needs a smoothing strategy, got %s", cfg.Strategy)
		}
		draws, err := stats.Sample(sv.Factorization(), sol.Posterior, numSamples, seed)
		if err != nil {
			return err
		}
		series := make([][]float64, numSamples)
		for s := range draws {
			path := make([]float64, len(draws[s]))
			for i := range draws[s] {
				path[i] = draws[s][i][0]
			}
			series[s] = path
		}
		fmt.Println(asciigraph.PlotMany(series,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(fmt.Sprintf("%d posterior samples (u0)", numSamples)),
		))
		fmt.Println()
	}

	return nil
}

func plotSolution(grid []float64, means, stds [][]float64) {
	if len(means) == 0 {
		return
	}
	numVars := len(means[0])
	maxPlots := 4
	if numVars > maxPlots {
		numVars = maxPlots
	}

	for varIdx := 0; varIdx < numVars; varIdx++ {
		mean := make([]float64, len(means))
		lo := make([]float64, len(means))
		hi := make([]float64, len(means))
		for i := range means {
			mean[i] = means[i][varIdx]
			lo[i] = means[i][varIdx] - 2*stds[i][varIdx]
			hi[i] = means[i][varIdx] + 2*stds[i][varIdx]
		}

		graph := asciigraph.PlotMany([][]float64{lo, hi, mean},
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(fmt.Sprintf("u%d with 2-sigma band, t in [%g, %g]", varIdx, grid[0], grid[len(grid)-1])),
		)
		fmt.Println(graph)
		fmt.Println()
	}
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROBLEM\tTIME\tMETHOD\tSTRATEGY\tATOL\tRTOL\tACCEPTED\tSCALE")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%d/%s\t%s\t%.0e\t%.0e\t%d\t%.4g\n",
			run.ID,
			run.Problem,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Factorization,
			run.NumDerivatives,
			run.Correction,
			run.Strategy,
			run.Atol,
			run.Rtol,
			run.Accepted,
			run.Scale,
		)
	}

	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}

	times, means, stds, err := st.LoadSolution(runID)
	if err != nil {
		return err
	}
	if len(times) == 0 {
		return fmt.Errorf("no data to plot")
	}

	if svgPath != "" {
		if err := export.WriteSolutionSVG(svgPath, times, means, stds, 800, 240); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", svgPath)
		return nil
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("problem: %s\n", meta.Problem)
	fmt.Printf("method: %s, %d derivatives, %s correction, %s\n", meta.Factorization, meta.NumDerivatives, meta.Correction, meta.Strategy)
	fmt.Printf("grid points: %d\n\n", len(times))

	plotSolution(times, means, stds)
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func exportRunJSON(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	times, means, stds, err := st.LoadSolution(runID)
	if err != nil {
		return err
	}

	sol := &solve.Solution{
		Grid:     times,
		Mean:     means,
		Std:      stds,
		Scale:    meta.Scale,
		Accepted: meta.Accepted,
		Attempts: meta.Attempts,
	}
	return storage.ExportJSONStdout(*meta, sol)
}

func benchProblem(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args[0])
	if err != nil {
		return err
	}
	ivp, err := lookupProblem(cfg)
	if err != nil {
		return err
	}
	setup, err := cfg.Setup()
	if err != nil {
		return err
	}

	atols := []float64{1e-3, 1e-5, 1e-7, 1e-9}
	runs := make([]solve.Options, len(atols))
	for i, a := range atols {
		opts := cfg.Options()
		opts.Atol = a
		opts.Rtol = a * 100
		runs[i] = opts
	}

	fmt.Printf("tolerance sweep on %s (%s, %d derivatives, %s)\n\n", cfg.Problem, cfg.Factorization, cfg.NumDerivatives, cfg.Correction)

	start := time.Now()
	solutions, err := solve.NewEnsemble(setup, ivp, runs).Run(context.Background())
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATOL\tRTOL\tACCEPTED\tATTEMPTS\tSCALE\tFINAL_U0\tFINAL_STD0")
	for i, sol := range solutions {
		last := len(sol.Grid) - 1
		fmt.Fprintf(w, "%.0e\t%.0e\t%d\t%d\t%.4g\t%.8f\t%.2e\n",
			runs[i].Atol, runs[i].Rtol, sol.Accepted, sol.Attempts, sol.Scale,
			sol.Mean[last][0], sol.Std[last][0])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\nsweep completed in %v\n", elapsed)
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, args[0])
	if err != nil {
		return err
	}
	ivp, err := lookupProblem(cfg)
	if err != nil {
		return err
	}
	setup, err := cfg.Setup()
	if err != nil {
		return err
	}
	sv, err := setup.Build(len(ivp.U0))
	if err != nil {
		return err
	}

	sol, err := tui.RunLive(context.Background(), sv, ivp, cfg.Options())
	if errors.Is(err, context.Canceled) {
		fmt.Println("cancelled")
		return nil
	}
	if err != nil {
		return err
	}

	last := len(sol.Grid) - 1
	fmt.Printf("solved %s: %d steps accepted, %d attempted\n", cfg.Problem, sol.Accepted, sol.Attempts)
	fmt.Printf("u(%g) = %v\n", sol.Grid[last], sol.Mean[last])
	return nil
}

func listProblems(cmd *cobra.Command, args []string) error {
	problems := ode.Problems()
	names := make([]string, 0, len(problems))
	for name := range problems {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROBLEM\tDIM\tINTERVAL\tU0\tPRESETS")
	for _, name := range names {
		ivp := problems[name]
		fmt.Fprintf(w, "%s\t%d\t[%g, %g]\t%v\t%v\n",
			name, len(ivp.U0), ivp.T0, ivp.T1, ivp.U0, config.ListPresets(name))
	}
	return w.Flush()
}
