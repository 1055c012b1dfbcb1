package model

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/swingup/furuta/internal/expr"
)

const pendulumDoc = `
differential_states:
  - name: theta
  - name: omega

controls:
  - name: u

outputs:
  - name: energy

parameters:
  - name: damping
    value: 0.1

constants:
  inline:
    g: 9.81
    L: 0.5
    mgl: m*g*L
    m: 0.2

equations:
  inline:
    ode:
      theta: omega
      omega: -(g/L)*sin(theta) - damping*omega + u
    outputs:
      energy: mgl*(1 - cos(theta))
`

func loadPendulum(t *testing.T) *Model {
	t.Helper()
	m, err := Parse([]byte(pendulumDoc), "pendulum")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m
}

func TestParsePendulum(t *testing.T) {
	m := loadPendulum(t)
	if m.NX() != 2 || m.NU() != 1 || m.NY() != 1 {
		t.Fatalf("dims = %d/%d/%d, want 2/1/1", m.NX(), m.NU(), m.NY())
	}
	if m.States[0] != "theta" || m.States[1] != "omega" {
		t.Errorf("state order %v", m.States)
	}
}

// mgl depends on m, which is declared after it; topological evaluation
// must resolve it anyway and always to the same value.
func TestConstantsTopological(t *testing.T) {
	for i := 0; i < 5; i++ {
		m := loadPendulum(t)
		v, ok := m.Constant("mgl")
		if !ok {
			t.Fatal("constant mgl missing")
		}
		want := 0.2 * 9.81 * 0.5
		if math.Abs(v-want) > 1e-15 {
			t.Fatalf("mgl = %v, want %v", v, want)
		}
	}
}

func TestDerive(t *testing.T) {
	m := loadPendulum(t)
	dst := make([]float64, 2)
	m.Derive(dst, []float64{0, 0.5}, []float64{1})
	if dst[0] != 0.5 {
		t.Errorf("dtheta = %v, want 0.5", dst[0])
	}
	want := -0.1*0.5 + 1
	if math.Abs(dst[1]-want) > 1e-12 {
		t.Errorf("domega = %v, want %v", dst[1], want)
	}
}

func TestJacobiansMatchFiniteDifference(t *testing.T) {
	m := loadPendulum(t)
	x := []float64{0.7, -0.3}
	u := []float64{0.4}

	A := [][]float64{make([]float64, 2), make([]float64, 2)}
	B := [][]float64{make([]float64, 1), make([]float64, 1)}
	m.Jacobians(A, B, x, u)

	const h = 1e-6
	f0 := make([]float64, 2)
	f1 := make([]float64, 2)
	for j := 0; j < 2; j++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[j] += h
		xm[j] -= h
		m.Derive(f1, xp, u)
		m.Derive(f0, xm, u)
		for i := 0; i < 2; i++ {
			num := (f1[i] - f0[i]) / (2 * h)
			if math.Abs(A[i][j]-num) > 1e-5 {
				t.Errorf("A[%d][%d] = %v, finite difference %v", i, j, A[i][j], num)
			}
		}
	}
	up := []float64{u[0] + h}
	um := []float64{u[0] - h}
	m.Derive(f1, x, up)
	m.Derive(f0, x, um)
	for i := 0; i < 2; i++ {
		num := (f1[i] - f0[i]) / (2 * h)
		if math.Abs(B[i][0]-num) > 1e-5 {
			t.Errorf("B[%d][0] = %v, finite difference %v", i, B[i][0], num)
		}
	}
}

func TestEvalOutput(t *testing.T) {
	m := loadPendulum(t)
	got := m.EvalOutput(0, []float64{math.Pi, 0}, []float64{0})
	want := 0.2 * 9.81 * 0.5 * 2
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("energy at the top = %v, want %v", got, want)
	}
}

func TestOverride(t *testing.T) {
	m := loadPendulum(t)
	m2, err := m.Override(map[string]float64{"damping": 0.5})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	dst := make([]float64, 2)
	m2.Derive(dst, []float64{0, 1}, []float64{0})
	if math.Abs(dst[1]+0.5) > 1e-12 {
		t.Errorf("overridden damping term = %v, want -0.5", dst[1])
	}

	if _, err := m.Override(map[string]float64{"g": 1.0}); err == nil {
		t.Fatal("overriding a non-parameter constant should fail")
	}
}

func TestDefinitionErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{
			"ode target not a state",
			strings.Replace(pendulumDoc, "theta: omega", "phi: omega", 1),
		},
		{
			"state without ode",
			strings.Replace(pendulumDoc, "theta: omega\n", "", 1),
		},
		{
			"unresolved symbol",
			strings.Replace(pendulumDoc, "+ u", "+ q", 1),
		},
		{
			"cyclic constants",
			strings.Replace(pendulumDoc, "mgl: m*g*L", "mgl: m*g*L*cyc\n    cyc: mgl", 1),
		},
		{
			"duplicate name",
			strings.Replace(pendulumDoc, "- name: u", "- name: theta", 1),
		},
		{
			"declared output without expression",
			strings.Replace(pendulumDoc, "- name: energy", "- name: momentum", 1),
		},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.doc), c.name)
		if err == nil {
			t.Errorf("%s: expected DefinitionError", c.name)
			continue
		}
		if !errors.Is(err, ErrDefinition) {
			t.Errorf("%s: error %v is not a DefinitionError", c.name, err)
		}
	}
}

func TestResolveOutputs(t *testing.T) {
	m := loadPendulum(t)
	resolved, err := m.ResolveOutputs(expr.MustParse("2*energy"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	free := expr.FreeVars(resolved)
	if _, still := free["energy"]; still {
		t.Error("output reference survived resolution")
	}
	if _, ok := free["theta"]; !ok {
		t.Error("resolved expression should mention theta")
	}
}

func TestDer(t *testing.T) {
	// d(theta)/dt along the ODE is omega.
	m := loadPendulum(t)
	d, err := m.Der(expr.Var("theta"))
	if err != nil {
		t.Fatalf("der: %v", err)
	}
	fn, err := m.CompileExpr(d)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	got := fn([]float64{0.3, -1.7, 0.0})
	if math.Abs(got+1.7) > 1e-12 {
		t.Errorf("Der(theta) = %v, want -1.7", got)
	}

	// d(omega)/dt along the ODE equals the omega equation itself.
	d2, err := m.Der(expr.Var("omega"))
	if err != nil {
		t.Fatalf("der: %v", err)
	}
	fn2, err := m.CompileExpr(d2)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	x := []float64{0.7, -0.3}
	u := []float64{0.4}
	dst := make([]float64, 2)
	m.Derive(dst, x, u)
	got2 := fn2([]float64{x[0], x[1], u[0]})
	if math.Abs(got2-dst[1]) > 1e-12 {
		t.Errorf("Der(omega) = %v, want %v", got2, dst[1])
	}
}

func TestCompileGradient(t *testing.T) {
	m := loadPendulum(t)
	grads, err := m.CompileGradient(expr.MustParse("sq(u) + theta*omega"))
	if err != nil {
		t.Fatalf("gradient: %v", err)
	}
	vals := []float64{2, 3, 0.5}
	// d/dtheta = omega, d/domega = theta, d/du = 2u
	if got := grads[0](vals); math.Abs(got-3) > 1e-12 {
		t.Errorf("d/dtheta = %v, want 3", got)
	}
	if got := grads[1](vals); math.Abs(got-2) > 1e-12 {
		t.Errorf("d/domega = %v, want 2", got)
	}
	if got := grads[2](vals); math.Abs(got-1) > 1e-12 {
		t.Errorf("d/du = %v, want 1", got)
	}
}
