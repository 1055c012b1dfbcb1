package ocp

import (
	"github.com/swingup/furuta/internal/expr"
	"github.com/swingup/furuta/internal/integrators"
	"github.com/swingup/furuta/internal/model"
	"github.com/swingup/furuta/internal/solver"
	"gonum.org/v1/gonum/mat"
)

// transcribe lowers the built problem onto the discrete backend contract.
// The returned stepper is non-nil only when the chosen path exposes
// integrator internals, which is what refined-grid sampling needs.
func (p *Problem) transcribe() (*solver.OCP, integrators.Stepper, string, solver.Options, error) {
	var (
		n        int
		stepper  integrators.Stepper
		sampling integrators.Stepper
		backend  string
		opts     solver.Options
	)
	switch t := p.method.(type) {
	case MultipleShooting:
		n = t.N
		st, err := integrators.New(t.Intg)
		if err != nil {
			return nil, nil, "", nil, usageErrf("Solve", "%v", err)
		}
		stepper, sampling = st, st
		backend = p.solverName
		if backend == "" {
			backend = "sqp"
		}
		opts = p.solverOpts
	case externalMethod:
		// The external method discretizes internally; rk4 realizes its
		// step map, but the integrator is not exposed to the solution.
		n = t.n
		stepper, _ = integrators.New("rk4")
		sampling = nil
		backend = t.backend
		opts = t.opts
	}
	if opts == nil {
		opts = solver.Options{}
	}

	nx, nu := p.model.NX(), p.model.NU()
	dt := p.T / float64(n)

	disc := &solver.OCP{
		NX: nx,
		NU: nu,
		N:  n,
		Dt: dt,
		X0: append([]float64(nil), p.pinT0.val...),
	}
	if p.pinTF != nil {
		disc.XF = append([]float64(nil), p.pinTF.val...)
	}

	sys := p.model
	disc.Step = func(x, u []float64) ([]float64, *mat.Dense, *mat.Dense) {
		return stepper.StepSens(sys, x, u, dt)
	}

	if err := p.buildCost(disc, dt); err != nil {
		return nil, nil, "", nil, err
	}
	if err := p.buildPath(disc); err != nil {
		return nil, nil, "", nil, err
	}
	return disc, sampling, backend, opts, nil
}

// buildCost compiles the accumulated objective terms into the dt-weighted
// stage cost callbacks, with analytic gradient and Hessian.
func (p *Problem) buildCost(disc *solver.OCP, dt float64) error {
	total := expr.Sum(p.objective...)
	val, err := p.model.CompileExpr(total)
	if err != nil {
		return usageErrf("Solve", "objective: %v", err)
	}
	grad, err := p.model.CompileGradient(total)
	if err != nil {
		return usageErrf("Solve", "objective: %v", err)
	}
	hess, err := p.model.CompileHessian(total)
	if err != nil {
		return usageErrf("Solve", "objective: %v", err)
	}

	nx, nu := disc.NX, disc.NU
	disc.Cost = func(x, u []float64) float64 {
		return dt * val(packed(x, u))
	}
	disc.CostQuad = func(x, u []float64, gx, gu []float64, H *mat.Dense) {
		vals := packed(x, u)
		for i := 0; i < nx; i++ {
			gx[i] = dt * grad[i](vals)
		}
		for i := 0; i < nu; i++ {
			gu[i] = dt * grad[nx+i](vals)
		}
		for i := 0; i < nx+nu; i++ {
			for j := 0; j < nx+nu; j++ {
				H.Set(i, j, dt*hess[i][j](vals))
			}
		}
	}
	return nil
}

// buildPath compiles each registered bound into the backend's callback
// form, tagging it with whether it touches a control so it can be skipped
// at the terminal point.
func (p *Problem) buildPath(disc *solver.OCP) error {
	nx := disc.NX
	for _, c := range p.bounds {
		eval, err := p.model.CompileExpr(c.e)
		if err != nil {
			return usageErrf("Solve", "constraint %s: %v", c.e, err)
		}
		grad, err := p.model.CompileGradient(c.e)
		if err != nil {
			return usageErrf("Solve", "constraint %s: %v", c.e, err)
		}

		resolved, err := p.model.ResolveOutputs(c.e)
		if err != nil {
			return usageErrf("Solve", "constraint %s: %v", c.e, err)
		}
		free := expr.FreeVars(resolved)
		usesControl := false
		for _, name := range p.model.Controls {
			if _, ok := free[name]; ok {
				usesControl = true
				break
			}
		}

		disc.Path = append(disc.Path, solver.PathBound{
			Lo:          c.lo,
			Hi:          c.hi,
			First:       c.first,
			Last:        c.last,
			UsesControl: usesControl,
			Eval: func(x, u []float64) float64 {
				return eval(packed(x, u))
			},
			Grad: func(x, u []float64, gx, gu []float64) {
				vals := packed(x, u)
				for i := 0; i < nx; i++ {
					gx[i] = grad[i](vals)
				}
				for i := nx; i < len(grad); i++ {
					gu[i-nx] = grad[i](vals)
				}
			},
		})
	}
	return nil
}

var _ integrators.System = (*model.Model)(nil)

func packed(x, u []float64) []float64 {
	vals := make([]float64, len(x)+len(u))
	copy(vals, x)
	copy(vals[len(x):], u)
	return vals
}
