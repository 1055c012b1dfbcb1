package solver

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"gonum.org/v1/gonum/mat"
)

// SolveStagewise is the structure-exploiting backend: it never forms the
// full NLP. Dynamics are kept implicit by forward rollouts, the terminal
// pin and path bounds enter through augmented-Lagrangian terms, and each
// iteration runs a Riccati backward sweep over the stages followed by a
// line-searched forward pass. Cost per iteration is linear in the horizon.
//
// The backend discretizes internally and does not expose integrator
// internals, so solutions obtained through it cannot be sampled on a
// refined grid.
func SolveStagewise(ctx context.Context, p *OCP, opts Options) (*Result, error) {
	if err := opts.check("tol", "max_iter", "outer_iter", "penalty", "print_level"); err != nil {
		return nil, err
	}
	if err := checkPins("stagewise", p); err != nil {
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
	if p.NU == 0 {
		return nil, fmt.Errorf("stagewise: problem has no controls")
	}

	s := newStagewise(p)
	s.rollout()

	start := time.Now()
	iterations := 0
	prevFeas := math.Inf(1)

	for outer := 0; outer < outerIter; outer++ {
		reg := 1e-6
		cost := s.alCost(rho)
		for inner := 0; inner < 80 && iterations < maxIter; inner++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			ok, maxStep := s.backward(rho, &reg)
			if !ok {
				break
			}
			newCost, accepted := s.forward(rho, cost)
			iterations++
			if printLevel > 0 {
				fmt.Fprintf(os.Stderr, "stagewise outer=%d inner=%d cost=%.6e step=%.3e\n", outer, inner, newCost, maxStep)
			}
			if !accepted {
				reg *= 10
				if reg > 1e10 {
					break
				}
				continue
			}
			reg = math.Max(reg/3, 1e-8)
			if maxStep < 1e-8 || cost-newCost < 1e-10*(math.Abs(cost)+1) {
				cost = newCost
				break
			}
			cost = newCost
		}

		feas := s.terminalGap()
		viol := s.maxViolation()
		if feas <= tol && viol <= tol {
			X := make([][]float64, p.N+1)
			for k := range s.X {
				X[k] = append([]float64(nil), s.X[k]...)
			}
			U := make([][]float64, p.N)
			for k := range s.U {
				U[k] = append([]float64(nil), s.U[k]...)
			}
			obj := 0.0
			for k := 0; k < p.N; k++ {
				obj += p.Cost(s.X[k], s.U[k])
			}
			return &Result{X: X, U: U, Objective: obj, Iterations: iterations, Runtime: time.Since(start)}, nil
		}

		s.updateMultipliers(rho)
		worst := math.Max(feas, viol)
		if worst > 0.25*prevFeas {
			rho = math.Min(rho*10, 1e9)
		}
		prevFeas = worst
	}

	return nil, &ConvergenceError{
		Backend:    "stagewise",
		Iterations: iterations,
		Residual:   math.Max(s.terminalGap(), s.maxViolation()),
	}
}

type stagewise struct {
	p *OCP

	X [][]float64 // N+1, X[0] = X0 always
	U [][]float64 // N

	lamT []float64 // terminal equality multipliers (nil when unpinned)
	mu   []float64 // lo/hi multiplier per enforced site

	sites []site

	// feedback policy from the last backward sweep
	K []*mat.Dense
	d [][]float64
}

func newStagewise(p *OCP) *stagewise {
	s := &stagewise{p: p}
	s.X = make([][]float64, p.N+1)
	s.U = make([][]float64, p.N)
	for k := range s.U {
		s.U[k] = make([]float64, p.NU)
	}
	if p.XF != nil {
		s.lamT = make([]float64, p.NX)
	}
	for bi, b := range p.Path {
		for k := 0; k <= p.N; k++ {
			if b.EnforcedAt(k, p.N) {
				s.sites = append(s.sites, site{bound: bi, k: k})
			}
		}
	}
	s.mu = make([]float64, 2*len(s.sites))
	s.K = make([]*mat.Dense, p.N)
	s.d = make([][]float64, p.N)
	return s
}

// rollout integrates the current control sequence from the fixed initial
// state; the stagewise method keeps dynamics feasible by construction.
func (s *stagewise) rollout() {
	s.X[0] = append([]float64(nil), s.p.X0...)
	for k := 0; k < s.p.N; k++ {
		next, _, _ := s.p.Step(s.X[k], s.U[k])
		s.X[k+1] = next
	}
}

func (s *stagewise) terminalGap() float64 {
	if s.p.XF == nil {
		return 0
	}
	gap := 0.0
	for i, xf := range s.p.XF {
		gap = math.Max(gap, math.Abs(s.X[s.p.N][i]-xf))
	}
	return gap
}

func (s *stagewise) maxViolation() float64 {
	viol := 0.0
	for _, st := range s.sites {
		b := s.p.Path[st.bound]
		h := b.Eval(s.X[st.k], s.control(st.k))
		viol = math.Max(viol, math.Max(b.Lo-h, math.Max(h-b.Hi, 0)))
	}
	return viol
}

func (s *stagewise) control(k int) []float64 {
	if k >= s.p.N {
		return s.U[s.p.N-1]
	}
	return s.U[k]
}

// alCost is the full augmented-Lagrangian value of the current trajectory.
func (s *stagewise) alCost(rho float64) float64 {
	return s.trialCost(s.X, s.U, rho)
}

func (s *stagewise) trialCost(X, U [][]float64, rho float64) float64 {
	p := s.p
	val := 0.0
	for k := 0; k < p.N; k++ {
		val += p.Cost(X[k], U[k])
	}
	if p.XF != nil {
		for i, xf := range p.XF {
			c := X[p.N][i] - xf
			val += s.lamT[i]*c + 0.5*rho*c*c
		}
	}
	for si, st := range s.sites {
		b := p.Path[st.bound]
		u := U[min(st.k, p.N-1)]
		h := b.Eval(X[st.k], u)
		val += phr(s.mu[2*si], rho, b.Lo-h)
		val += phr(s.mu[2*si+1], rho, h-b.Hi)
	}
	return val
}

// boundTerms accumulates the penalty gradient and Gauss-Newton Hessian of
// every bound enforced at grid point k into the packed (x, u) stage blocks.
func (s *stagewise) boundTerms(k int, rho float64, gx, gu []float64, Hxx, Huu, Hux *mat.Dense) {
	p := s.p
	bx := make([]float64, p.NX)
	bu := make([]float64, p.NU)
	for si, st := range s.sites {
		if st.k != k {
			continue
		}
		b := p.Path[st.bound]
		u := s.control(k)
		h := b.Eval(s.X[k], u)
		tLo := math.Max(0, s.mu[2*si]+rho*(b.Lo-h))
		tHi := math.Max(0, s.mu[2*si+1]+rho*(h-b.Hi))
		if tLo == 0 && tHi == 0 {
			continue
		}
		for i := range bx {
			bx[i] = 0
		}
		for i := range bu {
			bu[i] = 0
		}
		b.Grad(s.X[k], u, bx, bu)
		y := tHi - tLo
		for i := range bx {
			gx[i] += y * bx[i]
		}
		for i := range bu {
			gu[i] += y * bu[i]
		}
		for i := range bx {
			for j := range bx {
				Hxx.Set(i, j, Hxx.At(i, j)+rho*bx[i]*bx[j])
			}
			for j := range bu {
				Hux.Set(j, i, Hux.At(j, i)+rho*bu[j]*bx[i])
			}
		}
		for i := range bu {
			for j := range bu {
				Huu.Set(i, j, Huu.At(i, j)+rho*bu[i]*bu[j])
			}
		}
	}
}

// backward runs the Riccati sweep and stores the affine policy (K, d).
func (s *stagewise) backward(rho float64, reg *float64) (bool, float64) {
	p := s.p
	nx, nu := p.NX, p.NU

	Vx := mat.NewVecDense(nx, nil)
	Vxx := mat.NewDense(nx, nx, nil)

	// Terminal value: pin penalty plus terminal path bounds.
	if p.XF != nil {
		for i, xf := range p.XF {
			c := s.X[p.N][i] - xf
			Vx.SetVec(i, s.lamT[i]+rho*c)
			Vxx.Set(i, i, rho)
		}
	}
	gxT := make([]float64, nx)
	guT := make([]float64, nu)
	HxxT := mat.NewDense(nx, nx, nil)
	HuuT := mat.NewDense(nu, nu, nil)
	HuxT := mat.NewDense(nu, nx, nil)
	s.boundTerms(p.N, rho, gxT, guT, HxxT, HuuT, HuxT)
	for i := 0; i < nx; i++ {
		Vx.SetVec(i, Vx.AtVec(i)+gxT[i])
	}
	Vxx.Add(Vxx, HxxT)

	maxStep := 0.0
	gx := make([]float64, nx)
	gu := make([]float64, nu)
	H := mat.NewDense(nx+nu, nx+nu, nil)

	for k := p.N - 1; k >= 0; k-- {
		_, fx, fu := p.Step(s.X[k], s.U[k])

		p.CostQuad(s.X[k], s.U[k], gx, gu, H)
		lxx := denseBlock(H, 0, 0, nx, nx)
		luu := denseBlock(H, nx, nx, nu, nu)
		lux := denseBlock(H, nx, 0, nu, nx)
		s.boundTerms(k, rho, gx, gu, lxx, luu, lux)

		// Qx = lx + fx^T Vx ; Qu = lu + fu^T Vx
		Qx := mat.NewVecDense(nx, nil)
		Qx.MulVec(fx.T(), Vx)
		for i := 0; i < nx; i++ {
			Qx.SetVec(i, Qx.AtVec(i)+gx[i])
		}
		Qu := mat.NewVecDense(nu, nil)
		Qu.MulVec(fu.T(), Vx)
		for i := 0; i < nu; i++ {
			Qu.SetVec(i, Qu.AtVec(i)+gu[i])
		}

		var t mat.Dense
		t.Mul(Vxx, fx)
		Qxx := mat.NewDense(nx, nx, nil)
		Qxx.Mul(fx.T(), &t)
		Qxx.Add(Qxx, lxx)

		var tu mat.Dense
		tu.Mul(Vxx, fu)
		Quu := mat.NewDense(nu, nu, nil)
		Quu.Mul(fu.T(), &tu)
		Quu.Add(Quu, luu)
		for i := 0; i < nu; i++ {
			Quu.Set(i, i, Quu.At(i, i)+*reg)
		}

		Qux := mat.NewDense(nu, nx, nil)
		Qux.Mul(fu.T(), &t)
		Qux.Add(Qux, lux)

		quuSym := mat.NewSymDense(nu, nil)
		for i := 0; i < nu; i++ {
			for j := i; j < nu; j++ {
				quuSym.SetSym(i, j, 0.5*(Quu.At(i, j)+Quu.At(j, i)))
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(quuSym) {
			return false, 0
		}

		K := mat.NewDense(nu, nx, nil)
		if err := chol.SolveTo(K, Qux); err != nil {
			return false, 0
		}
		K.Scale(-1, K)
		dvec := mat.NewVecDense(nu, nil)
		if err := chol.SolveVecTo(dvec, Qu); err != nil {
			return false, 0
		}
		dvec.ScaleVec(-1, dvec)

		s.K[k] = K
		s.d[k] = append([]float64(nil), dvec.RawVector().Data...)
		for _, di := range s.d[k] {
			maxStep = math.Max(maxStep, math.Abs(di))
		}

		// Vx = Qx + K^T Quu d + K^T Qu + Qux^T d
		var kq mat.VecDense
		kq.MulVec(K.T(), Qu)
		var quud mat.VecDense
		quud.MulVec(Quu, dvec)
		var kquud mat.VecDense
		kquud.MulVec(K.T(), &quud)
		var quxd mat.VecDense
		quxd.MulVec(Qux.T(), dvec)
		for i := 0; i < nx; i++ {
			Vx.SetVec(i, Qx.AtVec(i)+kq.AtVec(i)+kquud.AtVec(i)+quxd.AtVec(i))
		}

		// Vxx = Qxx + K^T Quu K + K^T Qux + Qux^T K, symmetrized.
		var kqk mat.Dense
		kqk.Mul(Quu, K)
		var ktqk mat.Dense
		ktqk.Mul(K.T(), &kqk)
		var ktqux mat.Dense
		ktqux.Mul(K.T(), Qux)
		newVxx := mat.NewDense(nx, nx, nil)
		newVxx.Add(Qxx, &ktqk)
		newVxx.Add(newVxx, &ktqux)
		var quxtK mat.Dense
		quxtK.Mul(Qux.T(), K)
		newVxx.Add(newVxx, &quxtK)
		for i := 0; i < nx; i++ {
			for j := 0; j < nx; j++ {
				Vxx.Set(i, j, 0.5*(newVxx.At(i, j)+newVxx.At(j, i)))
			}
		}
	}
	return true, maxStep
}

// forward rolls the affine policy out with a backtracking step size and
// accepts the first trajectory that decreases the augmented Lagrangian.
func (s *stagewise) forward(rho, cost0 float64) (float64, bool) {
	p := s.p
	for alpha := 1.0; alpha >= 1e-6; alpha *= 0.5 {
		X := make([][]float64, p.N+1)
		U := make([][]float64, p.N)
		X[0] = append([]float64(nil), p.X0...)
		for k := 0; k < p.N; k++ {
			u := make([]float64, p.NU)
			dx := mat.NewVecDense(p.NX, nil)
			for i := 0; i < p.NX; i++ {
				dx.SetVec(i, X[k][i]-s.X[k][i])
			}
			var fb mat.VecDense
			fb.MulVec(s.K[k], dx)
			for i := 0; i < p.NU; i++ {
				u[i] = s.U[k][i] + alpha*s.d[k][i] + fb.AtVec(i)
			}
			U[k] = u
			next, _, _ := p.Step(X[k], u)
			X[k+1] = next
		}
		cost := s.trialCost(X, U, rho)
		if math.IsNaN(cost) || math.IsInf(cost, 0) {
			continue
		}
		if cost < cost0 {
			s.X, s.U = X, U
			return cost, true
		}
	}
	return cost0, false
}

func (s *stagewise) updateMultipliers(rho float64) {
	p := s.p
	if p.XF != nil {
		for i, xf := range p.XF {
			s.lamT[i] += rho * (s.X[p.N][i] - xf)
		}
	}
	for si, st := range s.sites {
		b := p.Path[st.bound]
		h := b.Eval(s.X[st.k], s.control(st.k))
		s.mu[2*si] = math.Max(0, s.mu[2*si]+rho*(b.Lo-h))
		s.mu[2*si+1] = math.Max(0, s.mu[2*si+1]+rho*(h-b.Hi))
	}
}

func denseBlock(src *mat.Dense, r0, c0, rows, cols int) *mat.Dense {
	dst := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(i, j, src.At(r0+i, c0+j))
		}
	}
	return dst
}
