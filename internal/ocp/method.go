package ocp

import "github.com/swingup/furuta/internal/solver"

// Method selects how the continuous-time problem is discretized.
type Method interface {
	methodName() string
}

// MultipleShooting splits the horizon into N intervals integrated with the
// named fixed-step scheme ("euler", "heun" or "rk4") and links them with
// defect equality constraints. The NLP backend is chosen separately with
// Solver.
type MultipleShooting struct {
	N    int
	Intg string
}

func (MultipleShooting) methodName() string { return "multiple_shooting" }

type externalMethod struct {
	backend string
	n       int
	opts    solver.Options
}

func (externalMethod) methodName() string { return "external" }

// External delegates discretization and solving to a self-contained
// backend with its own internal grid of n intervals. Such backends do not
// expose integrator internals, so their solutions cannot be sampled on a
// refined grid.
func External(backend string, n int, opts solver.Options) Method {
	return externalMethod{backend: backend, n: n, opts: opts}
}
