package solver

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"
)

// SolveSQP solves the multiple-shooting NLP with a dense augmented-
// Lagrangian SQP: the shooting defects enter the Lagrangian with
// multipliers and a quadratic penalty, path bounds use one-sided
// Powell-Hestenes-Rockafellar terms, and the inner loop takes regularized
// Gauss-Newton steps with an Armijo line search. Variables are the interior
// shooting states and all controls; pinned boundary states are eliminated
// by substitution.
func SolveSQP(ctx context.Context, p *OCP, opts Options) (*Result, error) {
	if err := opts.check("tol", "max_iter", "outer_iter", "penalty", "print_level"); err != nil {
		return nil, err
	}
	if err := checkPins("sqp", p); err != nil {
		return nil, err
	}
	tol, err := opts.float("tol", 1e-6)
	if err != nil {
		return nil, err
	}
	maxIter, err := opts.integer("max_iter", 400)
	if err != nil {
		return nil, err
	}
	outerIter, err := opts.integer("outer_iter", 40)
	if err != nil {
		return nil, err
	}
	rho, err := opts.float("penalty", 10)
	if err != nil {
		return nil, err
	}
	printLevel, err := opts.integer("print_level", 0)
	if err != nil {
		return nil, err
	}

	s := newSQPState(p)
	w := s.initialGuess()

	lambda := make([]float64, p.N*p.NX)
	mu := make([]float64, 2*len(s.sites)) // lo/hi multiplier per enforced site

	start := time.Now()
	iterations := 0
	omega := math.Max(tol, 1e-3) // inner stationarity target, tightened outward
	prevFeas := math.Inf(1)

	for outer := 0; outer < outerIter; outer++ {
		nu := 1e-6
		for inner := 0; inner < 60 && iterations < maxIter; inner++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			ev := s.assemble(w, lambda, mu, rho)
			if printLevel > 0 {
				fmt.Fprintf(os.Stderr, "sqp outer=%d inner=%d merit=%.6e |c|=%.3e |g|=%.3e\n",
					outer, inner, ev.merit, ev.feas, ev.gradNorm)
			}
			if ev.gradNorm <= omega {
				break
			}

			step, ok := s.newtonStep(ev, &nu)
			if !ok {
				break
			}

			// Armijo backtracking on the augmented Lagrangian.
			slope := mat.Dot(mat.NewVecDense(len(ev.grad), ev.grad), mat.NewVecDense(len(step), step))
			alpha := 1.0
			accepted := false
			for t := 0; t < 30; t++ {
				trial := make([]float64, len(w))
				for i := range w {
					trial[i] = w[i] + alpha*step[i]
				}
				if s.merit(trial, lambda, mu, rho) <= ev.merit+1e-4*alpha*slope {
					w = trial
					accepted = true
					break
				}
				alpha *= 0.5
			}
			iterations++
			if !accepted {
				nu *= 10
				if nu > 1e10 {
					break
				}
			} else {
				nu = math.Max(nu/3, 1e-8)
			}
		}

		ev := s.assemble(w, lambda, mu, rho)
		if ev.feas <= tol && ev.viol <= tol && ev.gradNorm <= math.Max(10*tol, 1e-5) {
			X, U, obj := s.trajectory(w)
			return &Result{X: X, U: U, Objective: obj, Iterations: iterations, Runtime: time.Since(start)}, nil
		}

		// First-order multiplier updates.
		for i, ci := range ev.defects {
			lambda[i] += rho * ci
		}
		for i, gi := range ev.slacks {
			mu[i] = math.Max(0, mu[i]+rho*gi)
		}
		feas := math.Max(ev.feas, ev.viol)
		if feas > 0.25*prevFeas {
			rho = math.Min(rho*10, 1e9)
		}
		prevFeas = feas
		omega = math.Max(omega/5, tol)
	}

	ev := s.assemble(w, lambda, mu, rho)
	return nil, &ConvergenceError{Backend: "sqp", Iterations: iterations, Residual: math.Max(ev.feas, ev.viol)}
}

// site is one enforced (bound, grid point) pair.
type site struct {
	bound int
	k     int
}

type sqpState struct {
	p       *OCP
	lastVar int // highest grid index that is a decision variable
	nVar    int
	sites   []site
}

func newSQPState(p *OCP) *sqpState {
	lastVar := p.N
	if p.XF != nil {
		lastVar = p.N - 1
	}
	s := &sqpState{
		p:       p,
		lastVar: lastVar,
		nVar:    lastVar*p.NX + p.N*p.NU,
	}
	for bi, b := range p.Path {
		for k := 0; k <= p.N; k++ {
			if b.EnforcedAt(k, p.N) {
				s.sites = append(s.sites, site{bound: bi, k: k})
			}
		}
	}
	return s
}

func (s *sqpState) xOffset(k int) int {
	if k < 1 || k > s.lastVar {
		return -1 // fixed boundary state
	}
	return (k - 1) * s.p.NX
}

func (s *sqpState) uOffset(k int) int {
	return s.lastVar*s.p.NX + k*s.p.NU
}

// initialGuess interpolates states linearly between the boundary values and
// starts all controls at zero.
func (s *sqpState) initialGuess() []float64 {
	p := s.p
	w := make([]float64, s.nVar)
	xf := p.XF
	if xf == nil {
		xf = p.X0
	}
	for k := 1; k <= s.lastVar; k++ {
		alpha := float64(k) / float64(p.N)
		off := s.xOffset(k)
		for i := 0; i < p.NX; i++ {
			w[off+i] = (1-alpha)*p.X0[i] + alpha*xf[i]
		}
	}
	return w
}

// unpack reads the full state/control trajectory out of the variable vector.
func (s *sqpState) unpack(w []float64) ([][]float64, [][]float64) {
	p := s.p
	X := make([][]float64, p.N+1)
	U := make([][]float64, p.N)
	X[0] = p.X0
	for k := 1; k <= p.N; k++ {
		if off := s.xOffset(k); off >= 0 {
			X[k] = w[off : off+p.NX]
		} else {
			X[k] = p.XF
		}
	}
	for k := 0; k < p.N; k++ {
		U[k] = w[s.uOffset(k) : s.uOffset(k)+p.NU]
	}
	return X, U
}

type sqpEval struct {
	merit    float64
	feas     float64 // max defect
	viol     float64 // max bound violation
	gradNorm float64
	grad     []float64
	hess     *mat.SymDense
	defects  []float64
	slacks   []float64 // one-sided constraint values per site (lo then hi)
}

// merit evaluates the augmented Lagrangian only, for line search trials.
func (s *sqpState) merit(w, lambda, mu []float64, rho float64) float64 {
	p := s.p
	X, U := s.unpack(w)

	val := 0.0
	for k := 0; k < p.N; k++ {
		val += p.Cost(X[k], U[k])
		next, _, _ := p.Step(X[k], U[k])
		for i := 0; i < p.NX; i++ {
			c := next[i] - X[k+1][i]
			val += lambda[k*p.NX+i]*c + 0.5*rho*c*c
		}
	}
	for si, st := range s.sites {
		b := p.Path[st.bound]
		u := stageControl(U, st.k, p)
		h := b.Eval(X[st.k], u)
		val += phr(mu[2*si], rho, b.Lo-h)
		val += phr(mu[2*si+1], rho, h-b.Hi)
	}
	return val
}

// phr is the one-sided Powell-Hestenes-Rockafellar penalty for g <= 0.
func phr(mu, rho, g float64) float64 {
	t := math.Max(0, mu+rho*g)
	return (t*t - mu*mu) / (2 * rho)
}

func stageControl(U [][]float64, k int, p *OCP) []float64 {
	if k >= p.N {
		// Terminal point: control-dependent bounds are filtered out by
		// EnforcedAt, state-only bounds may use the last control slot.
		return U[p.N-1]
	}
	return U[k]
}

// assemble computes merit, gradient and Gauss-Newton Hessian of the
// augmented Lagrangian at w.
func (s *sqpState) assemble(w, lambda, mu []float64, rho float64) *sqpEval {
	p := s.p
	nx, nu := p.NX, p.NU
	X, U := s.unpack(w)

	ev := &sqpEval{
		grad:    make([]float64, s.nVar),
		hess:    mat.NewSymDense(s.nVar, nil),
		defects: make([]float64, p.N*nx),
		slacks:  make([]float64, 2*len(s.sites)),
	}

	gx := make([]float64, nx)
	gu := make([]float64, nu)
	H := mat.NewDense(nx+nu, nx+nu, nil)

	for k := 0; k < p.N; k++ {
		// Stage cost value, gradient and exact Hessian.
		ev.merit += p.Cost(X[k], U[k])
		p.CostQuad(X[k], U[k], gx, gu, H)
		s.scatterStage(ev, k, gx, gu, H)

		// Shooting defect with first-order multiplier + penalty terms.
		next, phiX, phiU := p.Step(X[k], U[k])
		for i := 0; i < nx; i++ {
			c := next[i] - X[k+1][i]
			ev.defects[k*nx+i] = c
			ev.merit += lambda[k*nx+i]*c + 0.5*rho*c*c
			ev.feas = math.Max(ev.feas, math.Abs(c))
		}
		s.scatterDefect(ev, k, phiX, phiU, lambda, rho)
	}

	for si, st := range s.sites {
		b := p.Path[st.bound]
		u := stageControl(U, st.k, p)
		h := b.Eval(X[st.k], u)
		gLo := b.Lo - h
		gHi := h - b.Hi
		ev.slacks[2*si] = gLo
		ev.slacks[2*si+1] = gHi
		ev.merit += phr(mu[2*si], rho, gLo) + phr(mu[2*si+1], rho, gHi)
		ev.viol = math.Max(ev.viol, math.Max(gLo, math.Max(gHi, 0)))

		tLo := math.Max(0, mu[2*si]+rho*gLo)
		tHi := math.Max(0, mu[2*si+1]+rho*gHi)
		if tLo == 0 && tHi == 0 {
			continue
		}
		for i := range gx {
			gx[i] = 0
		}
		for i := range gu {
			gu[i] = 0
		}
		b.Grad(X[st.k], u, gx, gu)
		s.scatterBound(ev, st.k, gx, gu, tHi-tLo, rho, tLo > 0 || tHi > 0)
	}

	for _, g := range ev.grad {
		ev.gradNorm = math.Max(ev.gradNorm, math.Abs(g))
	}
	return ev
}

// varSlots maps the packed (x, u) stage coordinates of grid point k to
// decision-variable indices; -1 marks fixed coordinates.
func (s *sqpState) varSlots(k int) []int {
	p := s.p
	slots := make([]int, p.NX+p.NU)
	xo := -1
	if k <= p.N {
		xo = s.xOffset(k)
	}
	for i := 0; i < p.NX; i++ {
		if xo >= 0 {
			slots[i] = xo + i
		} else {
			slots[i] = -1
		}
	}
	for i := 0; i < p.NU; i++ {
		if k < p.N {
			slots[p.NX+i] = s.uOffset(k) + i
		} else if p.N > 0 {
			slots[p.NX+i] = s.uOffset(p.N-1) + i
		}
	}
	return slots
}

func (s *sqpState) scatterStage(ev *sqpEval, k int, gx, gu []float64, H *mat.Dense) {
	slots := s.varSlots(k)
	n := len(slots)
	for i := 0; i < n; i++ {
		if slots[i] < 0 {
			continue
		}
		gi := 0.0
		if i < s.p.NX {
			gi = gx[i]
		} else {
			gi = gu[i-s.p.NX]
		}
		ev.grad[slots[i]] += gi
		for j := 0; j < n; j++ {
			if slots[j] < 0 || slots[j] < slots[i] {
				continue
			}
			ev.hess.SetSym(slots[i], slots[j], ev.hess.At(slots[i], slots[j])+H.At(i, j))
		}
	}
}

func (s *sqpState) scatterDefect(ev *sqpEval, k int, phiX, phiU *mat.Dense, lambda []float64, rho float64) {
	p := s.p
	nx, nu := p.NX, p.NU

	// Defect row block: J = [PhiX  PhiU  -I] over (x_k, u_k, x_{k+1}).
	cols := make([]int, 0, nx+nu+nx)
	jac := make([][]float64, nx) // one row per defect component
	for i := range jac {
		jac[i] = make([]float64, 0, nx+nu+nx)
	}
	if xo := s.xOffset(k); xo >= 0 {
		for j := 0; j < nx; j++ {
			cols = append(cols, xo+j)
			for i := 0; i < nx; i++ {
				jac[i] = append(jac[i], phiX.At(i, j))
			}
		}
	}
	uo := s.uOffset(k)
	for j := 0; j < nu; j++ {
		cols = append(cols, uo+j)
		for i := 0; i < nx; i++ {
			jac[i] = append(jac[i], phiU.At(i, j))
		}
	}
	if xo := s.xOffset(k + 1); xo >= 0 {
		for j := 0; j < nx; j++ {
			cols = append(cols, xo+j)
			for i := 0; i < nx; i++ {
				if i == j {
					jac[i] = append(jac[i], -1)
				} else {
					jac[i] = append(jac[i], 0)
				}
			}
		}
	}

	for i := 0; i < nx; i++ {
		y := lambda[k*nx+i] + rho*ev.defects[k*nx+i]
		for a, col := range cols {
			ev.grad[col] += y * jac[i][a]
		}
		// Gauss-Newton contribution rho * j j^T.
		for a, ca := range cols {
			va := jac[i][a]
			if va == 0 {
				continue
			}
			for b, cb := range cols {
				if cb < ca {
					continue
				}
				ev.hess.SetSym(ca, cb, ev.hess.At(ca, cb)+rho*va*jac[i][b])
			}
		}
	}
}

func (s *sqpState) scatterBound(ev *sqpEval, k int, gx, gu []float64, y, rho float64, active bool) {
	slots := s.varSlots(k)
	n := len(slots)
	g := make([]float64, n)
	copy(g, gx)
	copy(g[s.p.NX:], gu)
	for i := 0; i < n; i++ {
		if slots[i] < 0 || g[i] == 0 {
			continue
		}
		ev.grad[slots[i]] += y * g[i]
		if !active {
			continue
		}
		for j := 0; j < n; j++ {
			if slots[j] < 0 || slots[j] < slots[i] || g[j] == 0 {
				continue
			}
			ev.hess.SetSym(slots[i], slots[j], ev.hess.At(slots[i], slots[j])+rho*g[i]*g[j])
		}
	}
}

// newtonStep solves (H + nu I) d = -grad, inflating nu until the
// factorization succeeds.
func (s *sqpState) newtonStep(ev *sqpEval, nu *float64) ([]float64, bool) {
	n := s.nVar
	rhs := mat.NewVecDense(n, nil)
	for i, g := range ev.grad {
		rhs.SetVec(i, -g)
	}
	for try := 0; try < 12; try++ {
		reg := mat.NewSymDense(n, nil)
		reg.CopySym(ev.hess)
		for i := 0; i < n; i++ {
			reg.SetSym(i, i, reg.At(i, i)+*nu)
		}
		var chol mat.Cholesky
		if chol.Factorize(reg) {
			step := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(step, rhs); err == nil {
				return step.RawVector().Data, true
			}
		}
		*nu *= 10
	}
	return nil, false
}

// trajectory rebuilds the solution arrays and the plain objective value.
func (s *sqpState) trajectory(w []float64) ([][]float64, [][]float64, float64) {
	p := s.p
	X, U := s.unpack(w)
	outX := make([][]float64, len(X))
	for k, x := range X {
		outX[k] = append([]float64(nil), x...)
	}
	outU := make([][]float64, len(U))
	for k, u := range U {
		outU[k] = append([]float64(nil), u...)
	}
	obj := 0.0
	for k := 0; k < p.N; k++ {
		obj += p.Cost(X[k], U[k])
	}
	return outX, outU, obj
}
