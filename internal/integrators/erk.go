// Package integrators provides the fixed-step explicit Runge-Kutta schemes
// used by the multiple-shooting transcription: euler, heun and rk4. Each
// scheme can also propagate first-order sensitivities of the step map with
// respect to the initial state and the (piecewise constant) control, which
// is what the NLP backends differentiate through.
package integrators

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// System is the continuous-time dynamics consumed by the steppers.
type System interface {
	NX() int
	NU() int
	Derive(dst, x, u []float64)
	Jacobians(A, B [][]float64, x, u []float64)
}

// Stepper advances the state over one interval under constant control.
type Stepper interface {
	Name() string
	Step(sys System, x, u []float64, dt float64) []float64
	// StepSens returns the next state together with the step Jacobians
	// PhiX = dx+/dx (nx by nx) and PhiU = dx+/du (nx by nu).
	StepSens(sys System, x, u []float64, dt float64) ([]float64, *mat.Dense, *mat.Dense)
}

// New returns the stepper registered under name.
func New(name string) (Stepper, error) {
	switch name {
	case "euler":
		return NewEuler(), nil
	case "heun":
		return NewHeun(), nil
	case "rk4", "erk":
		return NewRK4(), nil
	}
	return nil, fmt.Errorf("integrators: unknown scheme %q", name)
}

// erk is a generic explicit Runge-Kutta scheme given by its Butcher tableau.
type erk struct {
	name string
	a    [][]float64 // strictly lower triangular stage coefficients
	b    []float64   // quadrature weights
}

func (e *erk) Name() string { return e.name }

func (e *erk) Step(sys System, x, u []float64, dt float64) []float64 {
	n := sys.NX()
	stages := len(e.b)
	k := make([][]float64, stages)
	scratch := make([]float64, n)

	for i := 0; i < stages; i++ {
		k[i] = make([]float64, n)
		copy(scratch, x)
		for j := 0; j < i; j++ {
			if e.a[i][j] == 0 {
				continue
			}
			for m := 0; m < n; m++ {
				scratch[m] += dt * e.a[i][j] * k[j][m]
			}
		}
		sys.Derive(k[i], scratch, u)
	}

	next := make([]float64, n)
	copy(next, x)
	for i := 0; i < stages; i++ {
		for m := 0; m < n; m++ {
			next[m] += dt * e.b[i] * k[i][m]
		}
	}
	return next
}

func (e *erk) StepSens(sys System, x, u []float64, dt float64) ([]float64, *mat.Dense, *mat.Dense) {
	nx, nu := sys.NX(), sys.NU()
	stages := len(e.b)

	k := make([][]float64, stages)
	kX := make([]*mat.Dense, stages) // dk_i/dx
	kU := make([]*mat.Dense, stages) // dk_i/du

	ajac := newGrid(nx, nx)
	bjac := newGrid(nx, nu)
	scratch := make([]float64, nx)
	sX := mat.NewDense(nx, nx, nil)
	var sU *mat.Dense
	if nu > 0 {
		sU = mat.NewDense(nx, nu, nil)
	}

	for i := 0; i < stages; i++ {
		copy(scratch, x)
		eye(sX)
		if sU != nil {
			sU.Zero()
		}
		for j := 0; j < i; j++ {
			c := e.a[i][j]
			if c == 0 {
				continue
			}
			for m := 0; m < nx; m++ {
				scratch[m] += dt * c * k[j][m]
			}
			addScaled(sX, dt*c, kX[j])
			if sU != nil {
				addScaled(sU, dt*c, kU[j])
			}
		}

		k[i] = make([]float64, nx)
		sys.Derive(k[i], scratch, u)
		sys.Jacobians(ajac, bjac, scratch, u)
		A := mat.NewDense(nx, nx, flatten(ajac))

		kX[i] = mat.NewDense(nx, nx, nil)
		kX[i].Mul(A, sX)
		if nu > 0 {
			kU[i] = mat.NewDense(nx, nu, nil)
			kU[i].Mul(A, sU)
			kU[i].Add(kU[i], mat.NewDense(nx, nu, flatten(bjac)))
		}
	}

	next := make([]float64, nx)
	copy(next, x)
	phiX := mat.NewDense(nx, nx, nil)
	eye(phiX)
	var phiU *mat.Dense
	if nu > 0 {
		phiU = mat.NewDense(nx, nu, nil)
	}
	for i := 0; i < stages; i++ {
		for m := 0; m < nx; m++ {
			next[m] += dt * e.b[i] * k[i][m]
		}
		addScaled(phiX, dt*e.b[i], kX[i])
		if phiU != nil {
			addScaled(phiU, dt*e.b[i], kU[i])
		}
	}
	return next, phiX, phiU
}

func newGrid(r, c int) [][]float64 {
	g := make([][]float64, r)
	for i := range g {
		g[i] = make([]float64, c)
	}
	return g
}

func flatten(g [][]float64) []float64 {
	if len(g) == 0 {
		return nil
	}
	flat := make([]float64, 0, len(g)*len(g[0]))
	for _, row := range g {
		flat = append(flat, row...)
	}
	return flat
}

func eye(m *mat.Dense) {
	r, c := m.Dims()
	m.Zero()
	for i := 0; i < r && i < c; i++ {
		m.Set(i, i, 1)
	}
}

func addScaled(dst *mat.Dense, s float64, src *mat.Dense) {
	var tmp mat.Dense
	tmp.Scale(s, src)
	dst.Add(dst, &tmp)
}
