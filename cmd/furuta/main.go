package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/swingup/furuta/internal/export"
	"github.com/swingup/furuta/internal/expr"
	"github.com/swingup/furuta/internal/model"
	"github.com/swingup/furuta/internal/mpc"
	"github.com/swingup/furuta/internal/ocp"
	"github.com/swingup/furuta/internal/plot"
	"github.com/swingup/furuta/internal/solver"
	"github.com/swingup/furuta/internal/tui"
	"github.com/swingup/furuta/models"
)

var (
	dataDir string

	modelName    string
	horizon      float64
	intervals    int
	integrator   string
	backend      string
	objectiveSrc string
	x0Flag       string
	xfFlag       string
	torqueLimit  float64
	theta1Limit  float64
	accelLimit   float64
	solverTol    float64
	maxIter      int
	printLevel   int
	refine       int
	plotDir      string
	ascii        bool

	bundleName  string
	bundleDir   string
	shortOutput bool

	samples  int
	noiseStd float64
	seed     int64
	liveView bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "furuta",
		Short: "furuta pendulum optimal control workbench",
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".furuta", "run artifact directory")

	designCmd := &cobra.Command{
		Use:   "design",
		Short: "solve one open-loop boundary-value problem and plot it",
		RunE:  runDesign,
	}
	addProblemFlags(designCmd)
	designCmd.Flags().IntVar(&refine, "refine", 10, "integrator sub-steps per interval for fine sampling (0 = control grid only)")
	designCmd.Flags().StringVar(&plotDir, "plots", "", "write PNG plots into this directory")
	designCmd.Flags().BoolVar(&ascii, "ascii", true, "print terminal graphs")

	simulateCmd := &cobra.Command{
		Use:   "simulate [bundle]",
		Short: "run a closed loop on an exported controller bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runSimulate,
	}
	simulateCmd.Flags().IntVar(&samples, "samples", 100, "closed-loop samples")
	simulateCmd.Flags().Float64Var(&noiseStd, "noise", 0.0, "measurement noise standard deviation")
	simulateCmd.Flags().Int64Var(&seed, "seed", 1, "noise seed")
	simulateCmd.Flags().BoolVar(&liveView, "live", false, "show the live terminal view")
	simulateCmd.Flags().BoolVar(&ascii, "ascii", true, "print terminal graphs")

	modelsCmd := &cobra.Command{
		Use:   "models [file...]",
		Short: "list the embedded models or validate model files",
		RunE:  runModels,
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "package the designed controller into a bundle",
		RunE:  runExport,
	}
	addProblemFlags(exportCmd)
	exportCmd.Flags().StringVar(&bundleName, "name", "swingup", "bundle name")
	exportCmd.Flags().StringVar(&bundleDir, "dir", ".", "output directory")
	exportCmd.Flags().BoolVar(&shortOutput, "short-output", false, "skip the human-readable summary")

	rootCmd.AddCommand(designCmd, simulateCmd, modelsCmd, exportCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func addProblemFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&modelName, "model", "furuta", "embedded model name or path to a model file")
	cmd.Flags().Float64Var(&horizon, "T", 3.0, "horizon length in seconds")
	cmd.Flags().IntVar(&intervals, "N", 50, "control intervals")
	cmd.Flags().StringVar(&integrator, "integrator", "rk4", "multiple-shooting integrator (euler, heun, rk4)")
	cmd.Flags().StringVar(&backend, "backend", "sqp", "solver backend (sqp, stagewise)")
	cmd.Flags().StringVar(&objectiveSrc, "objective", "sq(Torque1)", "stage cost expression")
	cmd.Flags().StringVar(&x0Flag, "x0", "-0.5235987755982988,0,0,0", "initial state")
	cmd.Flags().StringVar(&xfFlag, "xf", "0.5235987755982988,0,0,0", "final state")
	cmd.Flags().Float64Var(&torqueLimit, "torque-limit", 2.0, "symmetric bound on Torque1 (0 = none)")
	cmd.Flags().Float64Var(&theta1Limit, "theta1-limit", math.Pi, "symmetric bound on theta1, not enforced at t=0 (0 = none)")
	cmd.Flags().Float64Var(&accelLimit, "accel-limit", 0.0, "symmetric bound on d(dtheta1)/dt (0 = none)")
	cmd.Flags().Float64Var(&solverTol, "tol", 1e-6, "solver tolerance")
	cmd.Flags().IntVar(&maxIter, "max-iter", 400, "solver iteration budget")
	cmd.Flags().IntVar(&printLevel, "print-level", 0, "solver verbosity")
}

func loadModel(name string) (*model.Model, error) {
	for _, n := range models.Names() {
		if n == name {
			return models.Open(n)
		}
	}
	return model.Load(name)
}

func parseVector(s string, dim int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != dim {
		return nil, fmt.Errorf("expected %d comma-separated values, got %d", dim, len(parts))
	}
	out := make([]float64, dim)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func solverOptions() solver.Options {
	return solver.Options{"tol": solverTol, "max_iter": maxIter, "print_level": printLevel}
}

// buildProblem assembles the boundary-value problem from the shared flags.
func buildProblem(m *model.Model) (*ocp.Problem, error) {
	x0, err := parseVector(x0Flag, m.NX())
	if err != nil {
		return nil, fmt.Errorf("--x0: %w", err)
	}
	xf, err := parseVector(xfFlag, m.NX())
	if err != nil {
		return nil, fmt.Errorf("--xf: %w", err)
	}
	obj, err := expr.Parse(objectiveSrc)
	if err != nil {
		return nil, fmt.Errorf("--objective: %w", err)
	}

	prob, err := ocp.New(m, horizon)
	if err != nil {
		return nil, err
	}
	xCur, err := prob.Parameter("x_current", m.NX())
	if err != nil {
		return nil, err
	}
	xFin, err := prob.Parameter("x_final", m.NX())
	if err != nil {
		return nil, err
	}
	if err := prob.AddObjective(obj); err != nil {
		return nil, err
	}
	if err := prob.AtT0Equal(xCur); err != nil {
		return nil, err
	}
	if err := prob.AtTFEqual(xFin); err != nil {
		return nil, err
	}
	for _, b := range problemBounds(prob) {
		if err := prob.SubjectTo(b); err != nil {
			return nil, err
		}
	}
	if backend == "stagewise" {
		if err := prob.Method(ocp.External("stagewise", intervals, solverOptions())); err != nil {
			return nil, err
		}
	} else {
		if err := prob.Method(ocp.MultipleShooting{N: intervals, Intg: integrator}); err != nil {
			return nil, err
		}
		if err := prob.Solver(backend, solverOptions()); err != nil {
			return nil, err
		}
	}
	if err := prob.SetValue(xCur, x0); err != nil {
		return nil, err
	}
	if err := prob.SetValue(xFin, xf); err != nil {
		return nil, err
	}
	return prob, nil
}

func problemBounds(prob *ocp.Problem) []ocp.Constraint {
	var bounds []ocp.Constraint
	if torqueLimit > 0 {
		bounds = append(bounds, ocp.Bound(-torqueLimit, expr.Var("Torque1"), torqueLimit))
	}
	if theta1Limit > 0 {
		// The initial condition may pin theta1 on (or outside) this
		// bound, so it is lifted at the first point.
		bounds = append(bounds, ocp.Bound(-theta1Limit, expr.Var("theta1"), theta1Limit, ocp.ExcludeFirst()))
	}
	if accelLimit > 0 {
		if dd, err := prob.Der(expr.Var("dtheta1")); err == nil {
			bounds = append(bounds, ocp.Bound(-accelLimit, dd, accelLimit))
		}
	}
	return bounds
}

func runDesign(cmd *cobra.Command, args []string) error {
	m, err := loadModel(modelName)
	if err != nil {
		return err
	}
	prob, err := buildProblem(m)
	if err != nil {
		return err
	}
	sol, err := prob.Solve(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "model\t%s\n", m.Name)
	fmt.Fprintf(w, "backend\t%s\n", backend)
	fmt.Fprintf(w, "objective\t%.6g\n", sol.Objective())
	fmt.Fprintf(w, "iterations\t%d\n", sol.Iterations())
	fmt.Fprintf(w, "solve time\t%s\n", sol.Runtime())
	w.Flush()

	times, theta1, err := sol.Sample(expr.Var("theta1"), ocp.ControlGrid())
	if err != nil {
		return err
	}
	_, theta2, err := sol.Sample(expr.Var("theta2"), ocp.ControlGrid())
	if err != nil {
		return err
	}

	if ascii {
		fmt.Println()
		fmt.Println(plot.Terminal(theta1, "theta1 [rad]", 10))
		fmt.Println()
		fmt.Println(plot.Terminal(theta2, "theta2 [rad]", 10))
	}

	if plotDir != "" {
		if err := writePlots(sol, times, theta1, theta2); err != nil {
			return err
		}
	}

	store := export.NewStore(dataDir)
	traj, err := sampleTrajectory(m, sol)
	if err != nil {
		return err
	}
	runID, err := store.Save(export.RunMetadata{
		Model:      m.Name,
		Horizon:    horizon,
		Intervals:  intervals,
		Integrator: integrator,
		Backend:    backend,
		Objective:  sol.Objective(),
		Iterations: sol.Iterations(),
		SolveTime:  sol.Runtime().Seconds(),
	}, traj)
	if err != nil {
		return err
	}
	fmt.Printf("\nsaved run %s\n", runID)
	return nil
}

// writePlots renders the standard design plots: coarse dots over a refined
// line for both angles, plus the end-effector path when the model has one.
func writePlots(sol *ocp.Solution, times, theta1, theta2 []float64) error {
	if err := os.MkdirAll(plotDir, 0755); err != nil {
		return err
	}

	lines := []plot.Line{
		{Name: "theta1", Times: times, Values: theta1, Dots: true},
		{Name: "theta2", Times: times, Values: theta2, Dots: true},
	}
	if refine > 0 {
		ft, f1, err := sol.Sample(expr.Var("theta1"), ocp.IntegratorGrid(refine))
		if err == nil {
			_, f2, err2 := sol.Sample(expr.Var("theta2"), ocp.IntegratorGrid(refine))
			if err2 != nil {
				return err2
			}
			lines = append(lines,
				plot.Line{Name: "theta1 (fine)", Times: ft, Values: f1},
				plot.Line{Name: "theta2 (fine)", Times: ft, Values: f2})
		} else if !errors.Is(err, ocp.ErrUsage) {
			return err
		}
		// A backend without integrator internals only yields the
		// control grid; the dots alone are plotted in that case.
	}
	if err := plot.Save(filepath.Join(plotDir, "angles.png"), "joint angles", "angle [rad]", lines); err != nil {
		return err
	}

	_, eeX, errX := sol.Sample(expr.Var("ee_x"), ocp.ControlGrid())
	_, eeY, errY := sol.Sample(expr.Var("ee_y"), ocp.ControlGrid())
	if errX == nil && errY == nil {
		return plot.SaveXY(filepath.Join(plotDir, "ee_path.png"), "end effector path", "x [m]", "y [m]", eeX, eeY)
	}
	return nil
}

func sampleTrajectory(m *model.Model, sol *ocp.Solution) (*export.Trajectory, error) {
	traj := &export.Trajectory{
		Times:        sol.Times(),
		StateNames:   m.States,
		ControlNames: m.Controls,
	}
	for k := 0; k <= sol.Intervals(); k++ {
		traj.States = append(traj.States, sol.State(k))
	}
	for k := 0; k < sol.Intervals(); k++ {
		traj.Controls = append(traj.Controls, sol.Control(k))
	}
	return traj, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctrl, err := export.LoadBundle(args[0])
	if err != nil {
		return err
	}
	obj, err := ctrl.ObjectiveExpr()
	if err != nil {
		return err
	}
	bounds, err := ctrl.Constraints()
	if err != nil {
		return err
	}

	cfg := mpc.Config{
		Model:         ctrl.Model,
		Horizon:       ctrl.Horizon,
		Intervals:     ctrl.Intervals,
		Integrator:    ctrl.Integrator,
		Backend:       ctrl.Backend,
		SolverOptions: solver.Options(ctrl.SolverOptions),
		Objective:     obj,
		Bounds:        bounds,
		Samples:       samples,
		Initial:       ctrl.XCurrent,
		Targets:       [][]float64{ctrl.XFinal, ctrl.XCurrent},
		SwitchEvery:   samples / 2,
		NoiseStd:      noiseStd,
		Seed:          seed,
	}

	if liveView {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		steps := make(chan mpc.Step, 1)
		errCh := make(chan error, 1)
		go func() {
			_, err := mpc.Run(ctx, cfg, func(s mpc.Step) {
				select {
				case steps <- s:
				case <-ctx.Done():
				}
			})
			close(steps)
			errCh <- err
		}()
		uiErr := tui.Run(ctrl.Model.Name, steps)
		cancel()
		for range steps {
		}
		runErr := <-errCh
		if uiErr != nil {
			return uiErr
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	}

	res, err := mpc.Run(context.Background(), cfg, nil)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "samples\t%d\n", len(res.Steps))
	fmt.Fprintf(w, "solve min\t%s\n", res.MinSolve)
	fmt.Fprintf(w, "solve mean\t%s\n", res.MeanSolve)
	fmt.Fprintf(w, "solve max\t%s\n", res.MaxSolve)
	w.Flush()

	if ascii && len(res.Steps) > 1 {
		theta1 := make([]float64, len(res.Steps))
		for i, s := range res.Steps {
			theta1[i] = s.State[0]
		}
		fmt.Println()
		fmt.Println(plot.Terminal(theta1, "theta1 [rad] closed loop", 10))
	}
	return nil
}

func runModels(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATES\tCONTROLS\tOUTPUTS")
		for _, name := range models.Names() {
			m, err := models.Open(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name,
				strings.Join(m.States, ","),
				strings.Join(m.Controls, ","),
				strings.Join(m.Outputs, ","))
		}
		return w.Flush()
	}
	for _, path := range args {
		if _, err := model.Load(path); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", path)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	m, err := loadModel(modelName)
	if err != nil {
		return err
	}
	x0, err := parseVector(x0Flag, m.NX())
	if err != nil {
		return fmt.Errorf("--x0: %w", err)
	}
	xf, err := parseVector(xfFlag, m.NX())
	if err != nil {
		return fmt.Errorf("--xf: %w", err)
	}

	ctrl := &export.Controller{
		Name:          bundleName,
		Horizon:       horizon,
		Intervals:     intervals,
		Integrator:    integrator,
		Backend:       backend,
		SolverOptions: solverOptions(),
		Objective:     objectiveSrc,
		XCurrent:      x0,
		XFinal:        xf,
		Model:         m,
	}
	if torqueLimit > 0 {
		ctrl.Bounds = append(ctrl.Bounds, export.Bound{Expr: "Torque1", Lo: -torqueLimit, Hi: torqueLimit})
	}
	if theta1Limit > 0 {
		ctrl.Bounds = append(ctrl.Bounds, export.Bound{Expr: "theta1", Lo: -theta1Limit, Hi: theta1Limit, ExcludeFirst: true})
	}

	dir, err := export.Export(ctrl, export.BuildConfig{Name: bundleName, OutputDir: bundleDir, ShortOutput: shortOutput})
	if err != nil {
		return err
	}
	fmt.Printf("exported controller bundle to %s\n", dir)
	return nil
}
