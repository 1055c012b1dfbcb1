package ocp

import (
	"time"

	"github.com/swingup/furuta/internal/expr"
	"github.com/swingup/furuta/internal/integrators"
	"github.com/swingup/furuta/internal/model"
	"github.com/swingup/furuta/internal/solver"
)

// Solution is a solved trajectory. It is queried, never mutated.
type Solution struct {
	model *model.Model
	res   *solver.Result

	// stepper is nil when the backend hides its integrator internals;
	// refined-grid sampling is then a UsageError.
	stepper integrators.Stepper
	dt      float64
	n       int
}

// Grid chooses the sampling resolution.
type Grid struct {
	refine int
}

// ControlGrid samples at the control discretization points: N+1 samples
// for N intervals.
func ControlGrid() Grid { return Grid{} }

// IntegratorGrid samples at refine evenly spaced sub-steps per interval by
// re-integrating from each shooting node: N*refine+1 samples whose every
// refine-th point coincides with the control grid.
func IntegratorGrid(refine int) Grid { return Grid{refine: refine} }

// Sample evaluates e along the trajectory and returns matching time and
// value slices. The control held on each interval is used for every sample
// inside it; the terminal sample reuses the last interval's control.
func (s *Solution) Sample(e expr.Expr, g Grid) ([]float64, []float64, error) {
	fn, err := s.model.CompileExpr(e)
	if err != nil {
		return nil, nil, usageErrf("Sample", "%v", err)
	}
	if g.refine == 0 {
		return s.sampleControl(fn)
	}
	if g.refine < 1 {
		return nil, nil, usageErrf("Sample", "refine must be at least 1, got %d", g.refine)
	}
	if s.stepper == nil {
		return nil, nil, usageErrf("Sample", "backend does not expose integrator internals; sample on the control grid instead")
	}
	return s.sampleRefined(fn, g.refine)
}

func (s *Solution) sampleControl(fn expr.Func) ([]float64, []float64, error) {
	times := make([]float64, s.n+1)
	values := make([]float64, s.n+1)
	for k := 0; k <= s.n; k++ {
		times[k] = float64(k) * s.dt
		values[k] = fn(packed(s.res.X[k], s.control(k)))
	}
	return times, values, nil
}

// sampleRefined re-integrates each interval from its shooting node with
// refine sub-steps, so the refined points nest exactly around the control
// grid: every refine-th sample is a shooting node verbatim.
func (s *Solution) sampleRefined(fn expr.Func, refine int) ([]float64, []float64, error) {
	total := s.n*refine + 1
	times := make([]float64, 0, total)
	values := make([]float64, 0, total)
	sub := s.dt / float64(refine)

	for k := 0; k < s.n; k++ {
		x := s.res.X[k]
		u := s.res.U[k]
		for j := 0; j < refine; j++ {
			times = append(times, float64(k)*s.dt+float64(j)*sub)
			values = append(values, fn(packed(x, u)))
			x = s.stepper.Step(s.model, x, u, sub)
		}
	}
	times = append(times, float64(s.n)*s.dt)
	values = append(values, fn(packed(s.res.X[s.n], s.control(s.n))))
	return times, values, nil
}

func (s *Solution) control(k int) []float64 {
	if k >= s.n {
		return s.res.U[s.n-1]
	}
	return s.res.U[k]
}

// Times returns the control grid time points.
func (s *Solution) Times() []float64 {
	times := make([]float64, s.n+1)
	for k := range times {
		times[k] = float64(k) * s.dt
	}
	return times
}

// State returns a copy of the state vector at control grid point k.
func (s *Solution) State(k int) []float64 {
	return append([]float64(nil), s.res.X[k]...)
}

// Control returns a copy of the control vector held on interval k.
func (s *Solution) Control(k int) []float64 {
	return append([]float64(nil), s.control(k)...)
}

// Intervals returns the number of control intervals N.
func (s *Solution) Intervals() int { return s.n }

// Objective is the cost value at the solution.
func (s *Solution) Objective() float64 { return s.res.Objective }

// Iterations is the backend iteration count.
func (s *Solution) Iterations() int { return s.res.Iterations }

// Runtime is the wall-clock time the backend spent solving.
func (s *Solution) Runtime() time.Duration { return s.res.Runtime }
