package solver

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// doubleIntegrator builds the discrete rest-to-rest minimum-effort problem
// dp = v, dv = u over N intervals: the zero-order-hold step map is exact
// and the transcribed problem is a convex QP with a known smooth optimum
// u(t) = 6 - 12t, p(t) = 3t^2 - 2t^3 for T = 1.
func doubleIntegrator(n int, uMax float64) *OCP {
	dt := 1.0 / float64(n)
	p := &OCP{
		NX: 2,
		NU: 1,
		N:  n,
		Dt: dt,
		X0: []float64{0, 0},
		XF: []float64{1, 0},
	}
	p.Step = func(x, u []float64) ([]float64, *mat.Dense, *mat.Dense) {
		next := []float64{
			x[0] + x[1]*dt + 0.5*u[0]*dt*dt,
			x[1] + u[0]*dt,
		}
		phiX := mat.NewDense(2, 2, []float64{1, dt, 0, 1})
		phiU := mat.NewDense(2, 1, []float64{0.5 * dt * dt, dt})
		return next, phiX, phiU
	}
	p.Cost = func(x, u []float64) float64 {
		return dt * u[0] * u[0]
	}
	p.CostQuad = func(x, u []float64, gx, gu []float64, H *mat.Dense) {
		gx[0], gx[1] = 0, 0
		gu[0] = 2 * dt * u[0]
		H.Zero()
		H.Set(2, 2, 2*dt)
	}
	if uMax > 0 {
		p.Path = append(p.Path, PathBound{
			Lo: -uMax, Hi: uMax,
			First: true, Last: true,
			UsesControl: true,
			Eval:        func(x, u []float64) float64 { return u[0] },
			Grad: func(x, u []float64, gx, gu []float64) {
				gu[0] = 1
			},
		})
	}
	return p
}

func solve(t *testing.T, backend string, p *OCP, opts Options) *Result {
	t.Helper()
	fn, err := Lookup(backend)
	if err != nil {
		t.Fatal(err)
	}
	res, err := fn(context.Background(), p, opts)
	if err != nil {
		t.Fatalf("%s: %v", backend, err)
	}
	return res
}

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		if _, err := Lookup(name); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}
	if _, err := Lookup("ipopt"); err == nil {
		t.Error("expected error for unregistered backend")
	}
}

func TestOptionsRejectUnknownKeys(t *testing.T) {
	p := doubleIntegrator(5, 0)
	for _, name := range Names() {
		fn, _ := Lookup(name)
		if _, err := fn(context.Background(), p, Options{"tol": 1e-6, "condensing": true}); err == nil {
			t.Errorf("%s: unknown option accepted", name)
		}
	}
}

func TestSQPMatchesAnalyticSolution(t *testing.T) {
	n := 20
	p := doubleIntegrator(n, 0)
	res := solve(t, "sqp", p, Options{"tol": 1e-6})

	dt := 1.0 / float64(n)
	for k := 0; k <= n; k++ {
		tt := float64(k) * dt
		wantP := 3*tt*tt - 2*tt*tt*tt
		wantV := 6*tt - 6*tt*tt
		if math.Abs(res.X[k][0]-wantP) > 2e-2 {
			t.Errorf("p(%.2f) = %v, analytic %v", tt, res.X[k][0], wantP)
		}
		if math.Abs(res.X[k][1]-wantV) > 5e-2 {
			t.Errorf("v(%.2f) = %v, analytic %v", tt, res.X[k][1], wantV)
		}
	}

	// Boundary pins are eliminated, so they hold exactly.
	if res.X[0][0] != 0 || res.X[0][1] != 0 {
		t.Errorf("initial state %v, want (0, 0)", res.X[0])
	}
	if res.X[n][0] != 1 || res.X[n][1] != 0 {
		t.Errorf("final state %v, want (1, 0)", res.X[n])
	}

	// The continuous minimum of the effort integral is 12.
	if math.Abs(res.Objective-12) > 0.5 {
		t.Errorf("objective %v, analytic 12", res.Objective)
	}
}

func TestStagewiseMatchesAnalyticSolution(t *testing.T) {
	n := 20
	p := doubleIntegrator(n, 0)
	res := solve(t, "stagewise", p, Options{"tol": 1e-6})

	dt := 1.0 / float64(n)
	for k := 0; k <= n; k++ {
		tt := float64(k) * dt
		wantP := 3*tt*tt - 2*tt*tt*tt
		if math.Abs(res.X[k][0]-wantP) > 2e-2 {
			t.Errorf("p(%.2f) = %v, analytic %v", tt, res.X[k][0], wantP)
		}
	}
	if math.Abs(res.X[n][0]-1) > 1e-5 || math.Abs(res.X[n][1]) > 1e-5 {
		t.Errorf("terminal state %v, want (1, 0)", res.X[n])
	}
}

// The two backends must agree on identical problems: they transcribe the
// same data, only the linear algebra differs.
func TestBackendEquivalence(t *testing.T) {
	n := 20
	a := solve(t, "sqp", doubleIntegrator(n, 0), Options{"tol": 1e-6})
	b := solve(t, "stagewise", doubleIntegrator(n, 0), Options{"tol": 1e-6})

	for k := 0; k <= n; k++ {
		for i := 0; i < 2; i++ {
			if math.Abs(a.X[k][i]-b.X[k][i]) > 1e-3 {
				t.Errorf("state %d at k=%d: sqp %v vs stagewise %v", i, k, a.X[k][i], b.X[k][i])
			}
		}
	}
}

func TestControlBoundActive(t *testing.T) {
	// Unconstrained peak control is 6; clamp at 4.
	n := 20
	for _, backend := range Names() {
		res := solve(t, backend, doubleIntegrator(n, 4), Options{"tol": 1e-6})
		for k := 0; k < n; k++ {
			if math.Abs(res.U[k][0]) > 4+1e-3 {
				t.Errorf("%s: |u[%d]| = %v exceeds bound 4", backend, k, res.U[k][0])
			}
		}
		// The bound must actually bind somewhere.
		peak := 0.0
		for k := 0; k < n; k++ {
			peak = math.Max(peak, math.Abs(res.U[k][0]))
		}
		if peak < 3.5 {
			t.Errorf("%s: peak control %v, expected the bound to be nearly active", backend, peak)
		}
	}
}

// An unreachable target with the control pinned to zero can never satisfy
// both the dynamics and the bound; the solver must report the failure
// rather than return a trajectory.
func TestConvergenceFailure(t *testing.T) {
	p := doubleIntegrator(5, 0)
	p.Path = append(p.Path, PathBound{
		Lo: 0, Hi: 0,
		First: true, Last: true,
		UsesControl: true,
		Eval:        func(x, u []float64) float64 { return u[0] },
		Grad:        func(x, u []float64, gx, gu []float64) { gu[0] = 1 },
	})
	fn, _ := Lookup("sqp")
	_, err := fn(context.Background(), p, Options{"tol": 1e-6, "outer_iter": 5})
	if err == nil {
		t.Fatal("expected a convergence failure")
	}
	if !errors.Is(err, ErrConvergence) {
		t.Errorf("error %v does not unwrap to ErrConvergence", err)
	}
	var ce *ConvergenceError
	if !errors.As(err, &ce) {
		t.Fatal("expected a *ConvergenceError")
	}
	if ce.Backend != "sqp" {
		t.Errorf("backend %q in error, want sqp", ce.Backend)
	}
}

func TestInfeasiblePinnedState(t *testing.T) {
	for _, name := range Names() {
		p := doubleIntegrator(5, 0)
		// Position must start in [0.5, 2], but the initial state pins it
		// at 0: no trajectory can satisfy this.
		p.Path = append(p.Path, PathBound{
			Lo: 0.5, Hi: 2,
			First: true, Last: true,
			Eval: func(x, u []float64) float64 { return x[0] },
			Grad: func(x, u []float64, gx, gu []float64) { gx[0] = 1 },
		})
		fn, _ := Lookup(name)
		_, err := fn(context.Background(), p, nil)
		if !errors.Is(err, ErrInfeasible) {
			t.Errorf("%s: error %v, want ErrInfeasible", name, err)
		}
		var ie *InfeasibleError
		if !errors.As(err, &ie) {
			t.Fatalf("%s: expected a *InfeasibleError", name)
		}
		if ie.Point != "initial" {
			t.Errorf("%s: violation at %q, want initial", name, ie.Point)
		}
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, name := range Names() {
		fn, _ := Lookup(name)
		if _, err := fn(ctx, doubleIntegrator(10, 0), nil); !errors.Is(err, context.Canceled) {
			t.Errorf("%s: error %v, want context.Canceled", name, err)
		}
	}
}

func TestEnforcedAt(t *testing.T) {
	stateOnly := PathBound{First: true, Last: true}
	if !stateOnly.EnforcedAt(0, 10) || !stateOnly.EnforcedAt(10, 10) {
		t.Error("state bound should cover both endpoints by default")
	}

	noFirst := PathBound{First: false, Last: true}
	if noFirst.EnforcedAt(0, 10) {
		t.Error("bound enforced at the first point despite exclusion")
	}
	if !noFirst.EnforcedAt(1, 10) {
		t.Error("interior point should be enforced")
	}

	ctrl := PathBound{First: true, Last: true, UsesControl: true}
	if ctrl.EnforcedAt(10, 10) {
		t.Error("control bound enforced at the terminal point, where no control exists")
	}
}
