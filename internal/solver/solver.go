// Package solver contains the numerical backends that solve transcribed
// optimal-control problems: a dense augmented-Lagrangian SQP over the full
// multiple-shooting variable vector, and a structure-exploiting stagewise
// method with Riccati-style backward sweeps. Both consume the same discrete
// problem description and report trajectories on the control grid.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// OCP is a discrete-time optimal control problem over N intervals. The
// initial state is always fixed (eliminated from the variables); the
// terminal state is fixed when XF is non-nil.
type OCP struct {
	NX, NU, N int
	Dt        float64
	X0        []float64
	XF        []float64

	// Step advances one interval and returns the step Jacobians
	// dx+/dx and dx+/du.
	Step func(x, u []float64) ([]float64, *mat.Dense, *mat.Dense)

	// Cost is the dt-weighted stage cost at a grid point.
	Cost func(x, u []float64) float64

	// CostQuad fills the stage-cost gradient (gx, gu) and the exact
	// (nx+nu) by (nx+nu) Hessian H at a grid point.
	CostQuad func(x, u []float64, gx, gu []float64, H *mat.Dense)

	// Path are the inequality bounds enforced along the grid.
	Path []PathBound
}

// PathBound is lo <= h(x, u) <= hi with its inclusion policy. Bounds that
// reference controls are never enforced at the terminal point, where no
// control is defined.
type PathBound struct {
	Lo, Hi      float64
	First, Last bool
	UsesControl bool
	Eval        func(x, u []float64) float64
	Grad        func(x, u []float64, gx, gu []float64)
}

// EnforcedAt reports whether the bound applies at grid point k of 0..N.
func (b PathBound) EnforcedAt(k, n int) bool {
	if k == 0 && !b.First {
		return false
	}
	if k == n && (!b.Last || b.UsesControl) {
		return false
	}
	return true
}

// Result is a solved trajectory on the control grid.
type Result struct {
	X          [][]float64 // N+1 states
	U          [][]float64 // N controls
	Objective  float64
	Iterations int
	Runtime    time.Duration
}

// Func is a solver backend entry point.
type Func func(ctx context.Context, p *OCP, opts Options) (*Result, error)

var backends = map[string]Func{
	"sqp":       SolveSQP,
	"stagewise": SolveStagewise,
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("solver: unknown backend %q", name)
	}
	return fn, nil
}

// Names lists the registered backends.
func Names() []string { return []string{"sqp", "stagewise"} }

// Sentinel failures surfaced to the caller unmodified; a failed solve is
// never retried here.
var (
	ErrConvergence = errors.New("solver: failed to converge")
	ErrInfeasible  = errors.New("solver: problem infeasible")
)

// ConvergenceError reports where a backend gave up.
type ConvergenceError struct {
	Backend    string
	Iterations int
	Residual   float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s: no convergence after %d iterations (residual %.3e)", e.Backend, e.Iterations, e.Residual)
}

func (e *ConvergenceError) Unwrap() error { return ErrConvergence }

// InfeasibleError reports a problem whose fixed boundary states already
// violate an enforced path bound, so no iterate can ever be feasible.
type InfeasibleError struct {
	Backend string
	Point   string // "initial" or "terminal"
	Value   float64
	Lo, Hi  float64
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("%s: %s state violates path bound: %g outside [%g, %g]", e.Backend, e.Point, e.Value, e.Lo, e.Hi)
}

func (e *InfeasibleError) Unwrap() error { return ErrInfeasible }

// checkPins rejects problems whose pinned states sit outside a state-only
// bound that is enforced at that end of the grid. Bounds referencing
// controls cannot be checked here and are left to the iterations.
func checkPins(backend string, p *OCP) error {
	u := make([]float64, p.NU)
	for _, b := range p.Path {
		if b.UsesControl {
			continue
		}
		if b.First {
			if v := b.Eval(p.X0, u); v < b.Lo || v > b.Hi {
				return &InfeasibleError{Backend: backend, Point: "initial", Value: v, Lo: b.Lo, Hi: b.Hi}
			}
		}
		if b.Last && p.XF != nil {
			if v := b.Eval(p.XF, u); v < b.Lo || v > b.Hi {
				return &InfeasibleError{Backend: backend, Point: "terminal", Value: v, Lo: b.Lo, Hi: b.Hi}
			}
		}
	}
	return nil
}
