package integrators

import (
	"math"
	"testing"
)

// decay is dx/dt = a*x + b*u, with the closed-form solution used to
// measure integrator accuracy.
type decay struct {
	a, b float64
}

func (d decay) NX() int { return 1 }
func (d decay) NU() int { return 1 }

func (d decay) Derive(dst, x, u []float64) {
	dst[0] = d.a*x[0] + d.b*u[0]
}

func (d decay) Jacobians(A, B [][]float64, x, u []float64) {
	A[0][0] = d.a
	B[0][0] = d.b
}

// oscillator is the 2-state harmonic oscillator, dx = (v, -w^2 x + u).
type oscillator struct {
	w float64
}

func (o oscillator) NX() int { return 2 }
func (o oscillator) NU() int { return 1 }

func (o oscillator) Derive(dst, x, u []float64) {
	dst[0] = x[1]
	dst[1] = -o.w*o.w*x[0] + u[0]
}

func (o oscillator) Jacobians(A, B [][]float64, x, u []float64) {
	A[0][0], A[0][1] = 0, 1
	A[1][0], A[1][1] = -o.w*o.w, 0
	B[0][0] = 0
	B[1][0] = 1
}

func TestNew(t *testing.T) {
	for _, name := range []string{"euler", "heun", "rk4", "erk"} {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
	if _, err := New("dopri45"); err == nil {
		t.Error("expected error for unknown scheme")
	}
}

// Integrating dx = -x over one unit with shrinking steps must converge at
// each scheme's order.
func TestConvergenceOrder(t *testing.T) {
	sys := decay{a: -1}
	exact := math.Exp(-1)

	cases := []struct {
		scheme string
		order  float64
	}{
		{"euler", 1},
		{"heun", 2},
		{"rk4", 4},
	}
	for _, c := range cases {
		st, err := New(c.scheme)
		if err != nil {
			t.Fatal(err)
		}
		errAt := func(n int) float64 {
			dt := 1.0 / float64(n)
			x := []float64{1}
			for i := 0; i < n; i++ {
				x = st.Step(sys, x, []float64{0}, dt)
			}
			return math.Abs(x[0] - exact)
		}
		e1 := errAt(20)
		e2 := errAt(40)
		rate := math.Log2(e1 / e2)
		if rate < c.order-0.3 {
			t.Errorf("%s: observed order %.2f, want about %.0f (errors %g, %g)", c.scheme, rate, c.order, e1, e2)
		}
	}
}

func TestRK4Oscillator(t *testing.T) {
	sys := oscillator{w: 2}
	st, _ := New("rk4")

	// x(t) = cos(w t) for x0 = (1, 0), u = 0.
	x := []float64{1, 0}
	dt := 0.01
	for i := 0; i < 100; i++ {
		x = st.Step(sys, x, []float64{0}, dt)
	}
	want := math.Cos(2.0)
	if math.Abs(x[0]-want) > 1e-6 {
		t.Errorf("x(1) = %v, want %v", x[0], want)
	}
}

// The propagated sensitivities must match finite differences of the step
// map for every scheme.
func TestStepSensitivities(t *testing.T) {
	sys := oscillator{w: 1.3}
	x := []float64{0.4, -0.2}
	u := []float64{0.7}
	dt := 0.05
	const h = 1e-7

	for _, scheme := range []string{"euler", "heun", "rk4"} {
		st, _ := New(scheme)
		_, phiX, phiU := st.StepSens(sys, x, u, dt)

		for j := 0; j < 2; j++ {
			xp := append([]float64(nil), x...)
			xm := append([]float64(nil), x...)
			xp[j] += h
			xm[j] -= h
			fp := st.Step(sys, xp, u, dt)
			fm := st.Step(sys, xm, u, dt)
			for i := 0; i < 2; i++ {
				num := (fp[i] - fm[i]) / (2 * h)
				if math.Abs(phiX.At(i, j)-num) > 1e-6 {
					t.Errorf("%s: PhiX[%d][%d] = %v, finite difference %v", scheme, i, j, phiX.At(i, j), num)
				}
			}
		}

		fp := st.Step(sys, x, []float64{u[0] + h}, dt)
		fm := st.Step(sys, x, []float64{u[0] - h}, dt)
		for i := 0; i < 2; i++ {
			num := (fp[i] - fm[i]) / (2 * h)
			if math.Abs(phiU.At(i, 0)-num) > 1e-6 {
				t.Errorf("%s: PhiU[%d][0] = %v, finite difference %v", scheme, i, phiU.At(i, 0), num)
			}
		}
	}
}

// StepSens must advance the state identically to Step.
func TestStepSensMatchesStep(t *testing.T) {
	sys := decay{a: -0.8, b: 1.5}
	st, _ := New("heun")
	x := []float64{2}
	u := []float64{0.3}
	plain := st.Step(sys, x, u, 0.1)
	withSens, _, _ := st.StepSens(sys, x, u, 0.1)
	if plain[0] != withSens[0] {
		t.Errorf("Step %v != StepSens %v", plain[0], withSens[0])
	}
}
