// Package ocp builds two-point boundary-value optimal control problems
// over a dynamics model: parameter declaration, objective accumulation,
// path and boundary constraints, transcription choice, and the solve call
// into a numerical backend. A Problem is built once, solved exactly once,
// and its Solution queried for sampled trajectories; reformulation means
// building a new instance.
package ocp

import (
	"context"

	"github.com/swingup/furuta/internal/expr"
	"github.com/swingup/furuta/internal/integrators"
	"github.com/swingup/furuta/internal/model"
	"github.com/swingup/furuta/internal/solver"
)

type stage int

const (
	stageDeclared stage = iota
	stageParameterized
	stageConstrained
	stageMethodSelected
	stageSolved
)

func (s stage) String() string {
	switch s {
	case stageDeclared:
		return "declaration"
	case stageParameterized:
		return "parameter declaration"
	case stageConstrained:
		return "constraint declaration"
	case stageMethodSelected:
		return "method selection"
	case stageSolved:
		return "solve"
	}
	return "unknown stage"
}

// Param is a named numeric placeholder, declared with a dimension and
// resolved only when SetValue binds it. Using it where a concrete value is
// required before binding is a UsageError.
type Param struct {
	name string
	dim  int
	val  []float64
}

// Name returns the declared parameter name.
func (p *Param) Name() string { return p.name }

// Problem is a single boundary-value optimal control problem instance.
// Operations follow a strictly forward builder order: declare parameters,
// add objective and constraints, select method and solver, solve. Calling
// an earlier-phase operation after a later phase has begun is a UsageError.
type Problem struct {
	model *model.Model
	T     float64
	st    stage

	params    map[string]*Param
	objective []expr.Expr
	bounds    []Constraint

	pinT0, pinTF *Param

	method     Method
	solverName string
	solverOpts solver.Options
}

// New starts a problem over model with a fixed horizon of T seconds. The
// model is borrowed read-only and may be shared across instances.
func New(m *model.Model, T float64) (*Problem, error) {
	if T <= 0 {
		return nil, usageErrf("New", "horizon must be positive, got %g", T)
	}
	return &Problem{model: m, T: T, params: make(map[string]*Param)}, nil
}

// Model returns the dynamics model the problem is built over.
func (p *Problem) Model() *model.Model { return p.model }

// Horizon returns the fixed horizon length.
func (p *Problem) Horizon() float64 { return p.T }

// advance enforces the forward-only builder order: op is rejected once the
// problem has moved past the latest phase it belongs to.
func (p *Problem) advance(op string, latest stage) error {
	if p.st > latest {
		return usageErrf(op, "not allowed after %s", p.st)
	}
	if latest > p.st {
		p.st = latest
	}
	return nil
}

// Parameter declares a numeric placeholder of the given dimension.
func (p *Problem) Parameter(name string, dim int) (*Param, error) {
	if err := p.advance("Parameter", stageParameterized); err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, usageErrf("Parameter", "%q: dimension must be positive, got %d", name, dim)
	}
	if _, dup := p.params[name]; dup {
		return nil, usageErrf("Parameter", "%q already declared", name)
	}
	par := &Param{name: name, dim: dim}
	p.params[name] = par
	return par, nil
}

// SetValue binds a declared parameter to concrete values. Every parameter
// must be bound before Solve; rebinding before then replaces the value.
func (p *Problem) SetValue(par *Param, vals []float64) error {
	if p.st >= stageSolved {
		return usageErrf("SetValue", "not allowed after solve")
	}
	if p.params[par.name] != par {
		return usageErrf("SetValue", "parameter %q was not declared on this problem", par.name)
	}
	if len(vals) != par.dim {
		return usageErrf("SetValue", "parameter %q has dimension %d, got %d values", par.name, par.dim, len(vals))
	}
	par.val = append([]float64(nil), vals...)
	return nil
}

// AddObjective accumulates a scalar cost term; the total objective is the
// dt-weighted sum of all terms over the control grid, approximating the
// time integral. Terms may reference states, controls and model outputs.
func (p *Problem) AddObjective(e expr.Expr) error {
	if err := p.advance("AddObjective", stageConstrained); err != nil {
		return err
	}
	if _, err := p.model.CompileExpr(e); err != nil {
		return usageErrf("AddObjective", "%v", err)
	}
	p.objective = append(p.objective, e)
	return nil
}

// SubjectTo registers a path inequality constraint. The expression must
// resolve entirely to model states, controls, outputs and constants.
func (p *Problem) SubjectTo(c Constraint) error {
	if err := p.advance("SubjectTo", stageConstrained); err != nil {
		return err
	}
	if c.e == nil {
		return usageErrf("SubjectTo", "constraint has no expression")
	}
	if c.lo > c.hi {
		return usageErrf("SubjectTo", "empty bound interval [%g, %g]", c.lo, c.hi)
	}
	if _, err := p.model.CompileExpr(c.e); err != nil {
		return usageErrf("SubjectTo", "%v", err)
	}
	p.bounds = append(p.bounds, c)
	return nil
}

// AtT0Equal pins the full state vector at t = 0 to the parameter.
func (p *Problem) AtT0Equal(par *Param) error {
	if err := p.advance("AtT0Equal", stageConstrained); err != nil {
		return err
	}
	if p.pinT0 != nil {
		return usageErrf("AtT0Equal", "initial state already pinned")
	}
	if err := p.checkStatePin("AtT0Equal", par); err != nil {
		return err
	}
	p.pinT0 = par
	return nil
}

// AtTFEqual pins the full state vector at t = T to the parameter.
func (p *Problem) AtTFEqual(par *Param) error {
	if err := p.advance("AtTFEqual", stageConstrained); err != nil {
		return err
	}
	if p.pinTF != nil {
		return usageErrf("AtTFEqual", "final state already pinned")
	}
	if err := p.checkStatePin("AtTFEqual", par); err != nil {
		return err
	}
	p.pinTF = par
	return nil
}

func (p *Problem) checkStatePin(op string, par *Param) error {
	if p.params[par.name] != par {
		return usageErrf(op, "parameter %q was not declared on this problem", par.name)
	}
	if par.dim != p.model.NX() {
		return usageErrf(op, "parameter %q has dimension %d, state has %d", par.name, par.dim, p.model.NX())
	}
	return nil
}

// Der returns the time derivative of e along the model ODE, for bounds on
// quantities like angular acceleration.
func (p *Problem) Der(e expr.Expr) (expr.Expr, error) {
	d, err := p.model.Der(e)
	if err != nil {
		return nil, usageErrf("Der", "%v", err)
	}
	return d, nil
}

// Method selects the transcription. Exactly one method per problem; the
// external path is mutually exclusive with a separate Solver choice.
func (p *Problem) Method(m Method) error {
	if err := p.advance("Method", stageMethodSelected); err != nil {
		return err
	}
	if p.method != nil {
		return usageErrf("Method", "method already selected")
	}
	switch t := m.(type) {
	case MultipleShooting:
		if t.N < 1 {
			return usageErrf("Method", "need at least one shooting interval, got %d", t.N)
		}
		if _, err := integrators.New(t.Intg); err != nil {
			return usageErrf("Method", "%v", err)
		}
	case externalMethod:
		if p.solverName != "" {
			return usageErrf("Method", "external method %q bundles its own solver, but Solver(%q) was already selected", t.backend, p.solverName)
		}
		if t.n < 1 {
			return usageErrf("Method", "need at least one interval, got %d", t.n)
		}
		if _, err := solver.Lookup(t.backend); err != nil {
			return usageErrf("Method", "%v", err)
		}
	default:
		return usageErrf("Method", "unsupported method %q", m.methodName())
	}
	p.method = m
	return nil
}

// Solver selects the NLP backend and its option bag for the multiple-
// shooting path. The options are passed through to the backend opaquely.
func (p *Problem) Solver(name string, opts solver.Options) error {
	if err := p.advance("Solver", stageMethodSelected); err != nil {
		return err
	}
	if _, ok := p.method.(externalMethod); ok {
		return usageErrf("Solver", "the external method bundles its own solver")
	}
	if p.solverName != "" {
		return usageErrf("Solver", "solver already selected")
	}
	if _, err := solver.Lookup(name); err != nil {
		return usageErrf("Solver", "%v", err)
	}
	p.solverName = name
	p.solverOpts = opts
	return nil
}

// Solve transcribes the problem and runs the backend. Backend failures
// (non-convergence, infeasibility) propagate unmodified; there are no
// retries. Solve blocks until the backend returns or ctx is cancelled.
func (p *Problem) Solve(ctx context.Context) (*Solution, error) {
	if p.st >= stageSolved {
		return nil, usageErrf("Solve", "problem already solved; build a new instance to reformulate")
	}
	if p.method == nil {
		return nil, usageErrf("Solve", "no transcription method selected")
	}
	if p.pinT0 == nil {
		return nil, usageErrf("Solve", "initial state not pinned; call AtT0Equal")
	}
	for name, par := range p.params {
		if par.val == nil {
			return nil, usageErrf("Solve", "parameter %q has no value", name)
		}
	}

	disc, stepper, backend, opts, err := p.transcribe()
	if err != nil {
		return nil, err
	}
	fn, err := solver.Lookup(backend)
	if err != nil {
		return nil, usageErrf("Solve", "%v", err)
	}
	res, err := fn(ctx, disc, opts)
	if err != nil {
		return nil, err
	}
	p.st = stageSolved
	return &Solution{
		model:   p.model,
		res:     res,
		stepper: stepper,
		dt:      disc.Dt,
		n:       disc.N,
	}, nil
}
