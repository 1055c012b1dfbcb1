// Package mpc runs a closed-loop model-predictive controller: every sample
// it builds a fresh finite-horizon problem from the latest plant state,
// solves it, applies only the first control action, and advances a
// simulated plant by one sample period. No solver state is carried between
// samples; the only thing that survives a step is the measured state.
package mpc

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/swingup/furuta/internal/expr"
	"github.com/swingup/furuta/internal/integrators"
	"github.com/swingup/furuta/internal/model"
	"github.com/swingup/furuta/internal/ocp"
	"github.com/swingup/furuta/internal/solver"
)

// Config describes a closed-loop run.
type Config struct {
	Model *model.Model

	// Horizon and Intervals define each per-sample problem; the sample
	// period equals Horizon/Intervals, so the plant advances exactly one
	// control interval per solve.
	Horizon    float64
	Intervals  int
	Integrator string // multiple-shooting scheme; ignored for "stagewise"

	Backend       string // "sqp" or "stagewise"
	SolverOptions solver.Options

	Objective expr.Expr
	Bounds    []ocp.Constraint

	Samples int
	Initial []float64

	// Targets is the setpoint schedule. The active target switches to the
	// next entry every SwitchEvery samples, wrapping around; with a single
	// entry or SwitchEvery <= 0 the target is constant.
	Targets     [][]float64
	SwitchEvery int

	// NoiseStd is the standard deviation of additive measurement noise on
	// every state after each plant step, drawn from a seeded source so runs
	// reproduce exactly.
	NoiseStd float64
	Seed     int64
}

// Step is one closed-loop sample.
type Step struct {
	Index     int
	Time      float64
	State     []float64 // measured state the solve started from
	Control   []float64 // first control action, as applied
	Target    []float64
	Objective float64
	SolveTime time.Duration
}

// Result collects the run and its solve-time statistics.
type Result struct {
	Steps []Step

	MinSolve  time.Duration
	MaxSolve  time.Duration
	MeanSolve time.Duration
}

// Run executes the closed loop for cfg.Samples steps. onStep, when non-nil,
// is called after each sample; it must not retain the Step's slices. A
// failed solve aborts the run with the backend's error unmodified.
func Run(ctx context.Context, cfg Config, onStep func(Step)) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nx := cfg.Model.NX()
	dt := cfg.Horizon / float64(cfg.Intervals)
	plant, err := integrators.New("rk4")
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	state := append([]float64(nil), cfg.Initial...)
	res := &Result{MinSolve: time.Duration(1<<63 - 1)}
	var totalSolve time.Duration

	for i := 0; i < cfg.Samples; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		target := cfg.Targets[targetIndex(i, len(cfg.Targets), cfg.SwitchEvery)]
		sol, err := solveStep(ctx, cfg, state, target)
		if err != nil {
			return nil, err
		}
		u := sol.Control(0)

		step := Step{
			Index:     i,
			Time:      float64(i) * dt,
			State:     append([]float64(nil), state...),
			Control:   u,
			Target:    target,
			Objective: sol.Objective(),
			SolveTime: sol.Runtime(),
		}
		res.Steps = append(res.Steps, step)
		totalSolve += step.SolveTime
		if step.SolveTime < res.MinSolve {
			res.MinSolve = step.SolveTime
		}
		if step.SolveTime > res.MaxSolve {
			res.MaxSolve = step.SolveTime
		}
		if onStep != nil {
			onStep(step)
		}

		state = plant.Step(cfg.Model, state, u, dt)
		for j := 0; j < nx; j++ {
			state[j] += cfg.NoiseStd * rng.NormFloat64()
		}
	}

	if len(res.Steps) > 0 {
		res.MeanSolve = totalSolve / time.Duration(len(res.Steps))
	} else {
		res.MinSolve = 0
	}
	return res, nil
}

// validate rejects configurations that would otherwise fail deep inside the
// loop, before any solve has run.
func (c Config) validate() error {
	if c.Model == nil {
		return &ocp.UsageError{Op: "mpc.Run", Msg: "config has no model"}
	}
	if c.Horizon <= 0 {
		return &ocp.UsageError{Op: "mpc.Run", Msg: fmt.Sprintf("horizon %g is not positive", c.Horizon)}
	}
	if c.Intervals < 1 {
		return &ocp.UsageError{Op: "mpc.Run", Msg: fmt.Sprintf("need at least one interval, got %d", c.Intervals)}
	}
	if c.Samples < 0 {
		return &ocp.UsageError{Op: "mpc.Run", Msg: fmt.Sprintf("negative sample count %d", c.Samples)}
	}
	if c.Objective == nil {
		return &ocp.UsageError{Op: "mpc.Run", Msg: "config has no objective"}
	}
	nx := c.Model.NX()
	if len(c.Initial) != nx {
		return &ocp.UsageError{Op: "mpc.Run", Msg: fmt.Sprintf("initial state has %d entries, state has %d", len(c.Initial), nx)}
	}
	if len(c.Targets) == 0 {
		return &ocp.UsageError{Op: "mpc.Run", Msg: "config has no targets"}
	}
	for i, tgt := range c.Targets {
		if len(tgt) != nx {
			return &ocp.UsageError{Op: "mpc.Run", Msg: fmt.Sprintf("target %d has %d entries, state has %d", i, len(tgt), nx)}
		}
	}
	return nil
}

// solveStep builds and solves one fresh horizon from the current state.
func solveStep(ctx context.Context, cfg Config, state, target []float64) (*ocp.Solution, error) {
	nx := cfg.Model.NX()
	prob, err := ocp.New(cfg.Model, cfg.Horizon)
	if err != nil {
		return nil, err
	}
	xCur, err := prob.Parameter("x_current", nx)
	if err != nil {
		return nil, err
	}
	xFin, err := prob.Parameter("x_final", nx)
	if err != nil {
		return nil, err
	}
	if err := prob.AddObjective(cfg.Objective); err != nil {
		return nil, err
	}
	if err := prob.AtT0Equal(xCur); err != nil {
		return nil, err
	}
	if err := prob.AtTFEqual(xFin); err != nil {
		return nil, err
	}
	for _, b := range cfg.Bounds {
		if err := prob.SubjectTo(b); err != nil {
			return nil, err
		}
	}
	if cfg.Backend == "stagewise" {
		if err := prob.Method(ocp.External("stagewise", cfg.Intervals, cfg.SolverOptions)); err != nil {
			return nil, err
		}
	} else {
		intg := cfg.Integrator
		if intg == "" {
			intg = "rk4"
		}
		if err := prob.Method(ocp.MultipleShooting{N: cfg.Intervals, Intg: intg}); err != nil {
			return nil, err
		}
		if cfg.Backend != "" {
			if err := prob.Solver(cfg.Backend, cfg.SolverOptions); err != nil {
				return nil, err
			}
		}
	}
	if err := prob.SetValue(xCur, state); err != nil {
		return nil, err
	}
	if err := prob.SetValue(xFin, target); err != nil {
		return nil, err
	}
	return prob.Solve(ctx)
}

func targetIndex(sample, targets, switchEvery int) int {
	if targets <= 1 || switchEvery <= 0 {
		return 0
	}
	return (sample / switchEvery) % targets
}
