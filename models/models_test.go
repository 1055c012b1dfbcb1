package models

import (
	"math"
	"testing"

	"github.com/swingup/furuta/internal/model"
)

func open(t *testing.T, name string) *model.Model {
	t.Helper()
	m, err := Open(name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return m
}

func outputIndex(t *testing.T, m *model.Model, name string) int {
	t.Helper()
	for i, n := range m.Outputs {
		if n == name {
			return i
		}
	}
	t.Fatalf("%s has no output %q", m.Name, name)
	return -1
}

func TestAllVariantsLoad(t *testing.T) {
	for _, name := range Names() {
		m := open(t, name)
		if m.NX() != 4 {
			t.Errorf("%s: %d states, want 4", name, m.NX())
		}
	}
	if len(Names()) != 3 {
		t.Errorf("expected 3 built-in models, got %v", Names())
	}
}

func TestHatInertias(t *testing.T) {
	m := open(t, "furuta")
	cases := []struct {
		name string
		want float64
	}{
		{"J0h", 2.48e-2 + 0.300*0.150*0.150 + 0.075*0.278*0.278},
		{"J1h", 2.48e-2 + 0.300*0.150*0.150},
		{"J2h", 3.86e-3 + 0.075*0.148*0.148},
	}
	for _, c := range cases {
		got, ok := m.Constant(c.name)
		if !ok {
			t.Fatalf("constant %s missing", c.name)
		}
		if math.Abs(got-c.want) > 1e-12 {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

// The hanging position with zero velocities and zero input is an
// equilibrium for every variant.
func TestHangingEquilibrium(t *testing.T) {
	for _, name := range Names() {
		m := open(t, name)
		dst := make([]float64, m.NX())
		u := make([]float64, m.NU())
		m.Derive(dst, []float64{0.4, 0, 0, 0}, u)
		for i, d := range dst {
			if math.Abs(d) > 1e-12 {
				t.Errorf("%s: d%s/dt = %v at equilibrium", name, m.States[i], d)
			}
		}
	}
}

// Gravity must pull a deflected pendulum back towards hanging.
func TestGravityRestoring(t *testing.T) {
	m := open(t, "furuta")
	dst := make([]float64, 4)
	m.Derive(dst, []float64{0, 0.1, 0, 0}, []float64{0, 0})
	if dst[3] >= 0 {
		t.Errorf("ddtheta2 = %v at theta2 = 0.1, want negative (restoring)", dst[3])
	}
	m.Derive(dst, []float64{0, -0.1, 0, 0}, []float64{0, 0})
	if dst[3] <= 0 {
		t.Errorf("ddtheta2 = %v at theta2 = -0.1, want positive (restoring)", dst[3])
	}
}

// The acceleration outputs duplicate the ODE right-hand side on purpose;
// they must agree exactly.
func TestAccelerationOutputsMatchODE(t *testing.T) {
	m := open(t, "furuta")
	x := []float64{0.3, -0.8, 1.2, -0.4}
	u := []float64{0.6, -0.2}
	dst := make([]float64, 4)
	m.Derive(dst, x, u)

	dd1 := m.EvalOutput(outputIndex(t, m, "ddtheta1"), x, u)
	dd2 := m.EvalOutput(outputIndex(t, m, "ddtheta2"), x, u)
	if dd1 != dst[2] {
		t.Errorf("ddtheta1 output %v != ODE %v", dd1, dst[2])
	}
	if dd2 != dst[3] {
		t.Errorf("ddtheta2 output %v != ODE %v", dd2, dst[3])
	}
}

// With the second torque held at zero the full model must reduce to the
// single-torque variant.
func TestSingleTorqueReduction(t *testing.T) {
	full := open(t, "furuta")
	single := open(t, "furuta2")
	x := []float64{-0.5, 0.9, 0.7, -1.1}

	dFull := make([]float64, 4)
	dSingle := make([]float64, 4)
	full.Derive(dFull, x, []float64{1.3, 0})
	single.Derive(dSingle, x, []float64{1.3})
	for i := range dFull {
		if math.Abs(dFull[i]-dSingle[i]) > 1e-12 {
			t.Errorf("state %s: full %v vs single-torque %v", full.States[i], dFull[i], dSingle[i])
		}
	}
}

// The velocity-mode variant commands ddtheta1 and reconstructs Torque1
// algebraically. Feeding that torque back into the full joint model must
// reproduce both accelerations: the two derivations describe the same
// physical system.
func TestVelocityModeTorqueConsistency(t *testing.T) {
	velocity := open(t, "furuta_velocity_mode")
	full := open(t, "furuta")

	x := []float64{0.2, 0.7, -0.5, 1.3}
	accel := 2.4 // commanded arm acceleration

	dVel := make([]float64, 4)
	velocity.Derive(dVel, x, []float64{accel})
	if dVel[2] != accel {
		t.Fatalf("velocity mode integrates ddtheta1 = %v, want the input %v", dVel[2], accel)
	}
	torque := velocity.EvalOutput(outputIndex(t, velocity, "Torque1"), x, []float64{accel})

	dFull := make([]float64, 4)
	full.Derive(dFull, x, []float64{torque, 0})
	if math.Abs(dFull[2]-accel) > 1e-9 {
		t.Errorf("full model ddtheta1 = %v under reconstructed torque, want %v", dFull[2], accel)
	}
	if math.Abs(dFull[3]-dVel[3]) > 1e-9 {
		t.Errorf("full model ddtheta2 = %v, velocity mode %v", dFull[3], dVel[3])
	}
}

func TestEndEffectorGeometry(t *testing.T) {
	m := open(t, "furuta")
	u := []float64{0, 0}

	// Hanging pendulum: end effector straight below the arm tip.
	x := []float64{0, 0, 0, 0}
	if got := m.EvalOutput(outputIndex(t, m, "ee_z"), x, u); math.Abs(got+0.300) > 1e-12 {
		t.Errorf("ee_z hanging = %v, want -0.3", got)
	}
	if got := m.EvalOutput(outputIndex(t, m, "pivot_x"), x, u); math.Abs(got-0.278) > 1e-12 {
		t.Errorf("pivot_x = %v, want 0.278", got)
	}

	// The end effector stays on a sphere around the arm tip.
	x = []float64{1.1, 0.8, 0, 0}
	px := m.EvalOutput(outputIndex(t, m, "pivot_x"), x, u)
	py := m.EvalOutput(outputIndex(t, m, "pivot_y"), x, u)
	ex := m.EvalOutput(outputIndex(t, m, "ee_x"), x, u)
	ey := m.EvalOutput(outputIndex(t, m, "ee_y"), x, u)
	ez := m.EvalOutput(outputIndex(t, m, "ee_z"), x, u)
	r := math.Sqrt((ex-px)*(ex-px) + (ey-py)*(ey-py) + ez*ez)
	if math.Abs(r-0.300) > 1e-12 {
		t.Errorf("pendulum length from outputs = %v, want 0.3", r)
	}
}

func TestEnergyAtRest(t *testing.T) {
	m := open(t, "furuta")
	u := []float64{0, 0}
	if got := m.EvalOutput(outputIndex(t, m, "E_kin"), []float64{0.5, 0.5, 0, 0}, u); got != 0 {
		t.Errorf("E_kin at rest = %v", got)
	}
	// Potential energy is zero hanging and 2*m2*g*l2 upright.
	if got := m.EvalOutput(outputIndex(t, m, "E_pot"), []float64{0, 0, 0, 0}, u); got != 0 {
		t.Errorf("E_pot hanging = %v", got)
	}
	want := 2 * 0.075 * 9.81 * 0.148
	if got := m.EvalOutput(outputIndex(t, m, "E_pot"), []float64{0, math.Pi, 0, 0}, u); math.Abs(got-want) > 1e-12 {
		t.Errorf("E_pot upright = %v, want %v", got, want)
	}
}

func TestSourceRoundTrip(t *testing.T) {
	data, ok := Source("furuta2")
	if !ok {
		t.Fatal("missing source for furuta2")
	}
	m, err := model.Parse(data, "furuta2-copy")
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if m.NU() != 1 {
		t.Errorf("furuta2 controls = %d, want 1", m.NU())
	}
}
