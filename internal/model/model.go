// Package model loads declarative ODE model definitions from YAML and
// compiles them into evaluators for the right-hand side, the algebraic
// outputs and their analytic Jacobians. A Model is fully defined at load
// time and immutable afterwards; problem instances borrow it read-only.
package model

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/swingup/furuta/internal/expr"
)

// document mirrors the model file layout.
type document struct {
	DifferentialStates []nameEntry  `yaml:"differential_states"`
	Controls           []nameEntry  `yaml:"controls"`
	Outputs            []nameEntry  `yaml:"outputs"`
	Parameters         []paramEntry `yaml:"parameters"`
	Constants          struct {
		// Values are either numeric literals or expression strings, so
		// they are decoded as raw nodes and parsed by the expression
		// language in both cases.
		Inline map[string]yaml.Node `yaml:"inline"`
	} `yaml:"constants"`
	Equations struct {
		Inline struct {
			ODE     map[string]string `yaml:"ode"`
			Outputs map[string]string `yaml:"outputs"`
		} `yaml:"inline"`
	} `yaml:"equations"`
}

type nameEntry struct {
	Name string `yaml:"name"`
}

type paramEntry struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
}

// Model is a compiled dynamics definition: ordered states and controls,
// evaluated constants, the ODE right-hand side and algebraic outputs.
type Model struct {
	Name     string
	States   []string
	Controls []string
	Outputs  []string

	constants  map[string]float64
	constOrder []string
	parameters map[string]float64

	odeExprs []expr.Expr // per state, constants unresolved
	outExprs []expr.Expr // per output

	slots map[string]int // state and control name -> index in x||u

	f    []expr.Func   // dx/dt, len nx
	jacX [][]expr.Func // nx x nx
	jacU [][]expr.Func // nx x nu
	outs []expr.Func   // len ny

	source []byte // raw document, kept for Override and bundle export
}

func (m *Model) NX() int { return len(m.States) }
func (m *Model) NU() int { return len(m.Controls) }
func (m *Model) NY() int { return len(m.Outputs) }

// Load reads and compiles a model file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, path)
}

// Parse compiles a model document. name is used in error messages only.
func Parse(data []byte, name string) (*Model, error) {
	return parse(data, name, nil)
}

// Override recompiles the model with some declared parameters replaced.
// Only names listed under parameters: may be overridden.
func (m *Model) Override(values map[string]float64) (*Model, error) {
	for name := range values {
		if _, ok := m.parameters[name]; !ok {
			return nil, defErrf(m.Name, "parameter %q not declared", name)
		}
	}
	return parse(m.source, m.Name, values)
}

func parse(data []byte, name string, overrides map[string]float64) (*Model, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, defErrf(name, "yaml: %v", err)
	}

	m := &Model{Name: name, source: append([]byte(nil), data...)}
	seen := make(map[string]string)
	claim := func(n, kind string) error {
		if n == "" {
			return defErrf(name, "empty %s name", kind)
		}
		if prev, dup := seen[n]; dup {
			return defErrf(name, "duplicate name %q (%s and %s)", n, prev, kind)
		}
		seen[n] = kind
		return nil
	}

	for _, s := range doc.DifferentialStates {
		if err := claim(s.Name, "state"); err != nil {
			return nil, err
		}
		m.States = append(m.States, s.Name)
	}
	if len(m.States) == 0 {
		return nil, defErrf(name, "no differential states declared")
	}
	for _, c := range doc.Controls {
		if err := claim(c.Name, "control"); err != nil {
			return nil, err
		}
		m.Controls = append(m.Controls, c.Name)
	}

	m.parameters = make(map[string]float64, len(doc.Parameters))
	for _, p := range doc.Parameters {
		if err := claim(p.Name, "parameter"); err != nil {
			return nil, err
		}
		m.parameters[p.Name] = p.Value
	}
	for n, v := range overrides {
		m.parameters[n] = v
	}

	for n := range doc.Constants.Inline {
		if err := claim(n, "constant"); err != nil {
			return nil, err
		}
	}
	if err := m.evalConstants(doc.Constants.Inline); err != nil {
		return nil, err
	}

	// Output order: the declared list when present, sorted keys otherwise.
	outDefs := doc.Equations.Inline.Outputs
	if len(doc.Outputs) > 0 {
		if len(doc.Outputs) != len(outDefs) {
			return nil, defErrf(name, "outputs list has %d entries, equations define %d", len(doc.Outputs), len(outDefs))
		}
		for _, o := range doc.Outputs {
			if err := claim(o.Name, "output"); err != nil {
				return nil, err
			}
			if _, ok := outDefs[o.Name]; !ok {
				return nil, defErrf(name, "declared output %q has no defining expression", o.Name)
			}
			m.Outputs = append(m.Outputs, o.Name)
		}
	} else {
		for n := range outDefs {
			if err := claim(n, "output"); err != nil {
				return nil, err
			}
			m.Outputs = append(m.Outputs, n)
		}
		sort.Strings(m.Outputs)
	}

	if err := m.parseEquations(doc.Equations.Inline.ODE, outDefs); err != nil {
		return nil, err
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

// evalConstants resolves the constant dependency DAG in topological order.
// A constant may be a literal or an expression over parameters and other
// constants; cycles are a definition error.
func (m *Model) evalConstants(inline map[string]yaml.Node) error {
	exprs := make(map[string]expr.Expr, len(inline))
	for n, node := range inline {
		if node.Kind != yaml.ScalarNode {
			return defErrf(m.Name, "constant %s: expected scalar value", n)
		}
		e, err := expr.Parse(node.Value)
		if err != nil {
			return defErrf(m.Name, "constant %s: %v", n, err)
		}
		exprs[n] = e
	}

	m.constants = make(map[string]float64, len(inline)+len(m.parameters))
	for n, v := range m.parameters {
		m.constants[n] = v
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(inline))
	var visit func(n string) error
	visit = func(n string) error {
		switch state[n] {
		case done:
			return nil
		case visiting:
			return defErrf(m.Name, "cyclic constant definition involving %q", n)
		}
		state[n] = visiting
		for dep := range expr.FreeVars(exprs[n]) {
			if _, isConst := exprs[dep]; isConst {
				if err := visit(dep); err != nil {
					return err
				}
			} else if _, isParam := m.parameters[dep]; !isParam {
				return defErrf(m.Name, "constant %s references unresolved symbol %q", n, dep)
			}
		}
		v, err := exprs[n].Eval(m.constants)
		if err != nil {
			return defErrf(m.Name, "constant %s: %v", n, err)
		}
		m.constants[n] = v
		m.constOrder = append(m.constOrder, n)
		state[n] = done
		return nil
	}

	names := make([]string, 0, len(inline))
	for n := range inline {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) parseEquations(ode, outs map[string]string) error {
	if len(ode) == 0 {
		return defErrf(m.Name, "no ODE equations defined")
	}
	stateSet := make(map[string]bool, len(m.States))
	for _, s := range m.States {
		stateSet[s] = true
	}
	for target := range ode {
		if !stateSet[target] {
			return defErrf(m.Name, "ODE target %q is not a declared state", target)
		}
	}

	m.odeExprs = make([]expr.Expr, len(m.States))
	for i, s := range m.States {
		src, ok := ode[s]
		if !ok {
			return defErrf(m.Name, "state %q has no ODE equation", s)
		}
		e, err := expr.Parse(src)
		if err != nil {
			return defErrf(m.Name, "ode %s: %v", s, err)
		}
		if err := m.checkResolved(e, "ode "+s); err != nil {
			return err
		}
		m.odeExprs[i] = e
	}

	m.outExprs = make([]expr.Expr, len(m.Outputs))
	for i, n := range m.Outputs {
		e, err := expr.Parse(outs[n])
		if err != nil {
			return defErrf(m.Name, "output %s: %v", n, err)
		}
		if err := m.checkResolved(e, "output "+n); err != nil {
			return err
		}
		m.outExprs[i] = e
	}
	return nil
}

// checkResolved verifies every free symbol is a state, control or constant.
func (m *Model) checkResolved(e expr.Expr, where string) error {
	for sym := range expr.FreeVars(e) {
		if m.has(sym) {
			continue
		}
		return defErrf(m.Name, "%s references unresolved symbol %q", where, sym)
	}
	return nil
}

func (m *Model) has(sym string) bool {
	if _, ok := m.constants[sym]; ok {
		return true
	}
	for _, s := range m.States {
		if s == sym {
			return true
		}
	}
	for _, c := range m.Controls {
		if c == sym {
			return true
		}
	}
	return false
}

func (m *Model) compile() error {
	nx, nu := m.NX(), m.NU()
	m.slots = make(map[string]int, nx+nu)
	for i, s := range m.States {
		m.slots[s] = i
	}
	for i, c := range m.Controls {
		m.slots[c] = nx + i
	}

	m.f = make([]expr.Func, nx)
	m.jacX = make([][]expr.Func, nx)
	m.jacU = make([][]expr.Func, nx)
	for i, e := range m.odeExprs {
		fn, err := expr.Compile(e, m.slots, m.constants)
		if err != nil {
			return defErrf(m.Name, "ode %s: %v", m.States[i], err)
		}
		m.f[i] = fn
		m.jacX[i] = make([]expr.Func, nx)
		for j, s := range m.States {
			d, err := expr.Compile(e.Diff(s), m.slots, m.constants)
			if err != nil {
				return defErrf(m.Name, "d(%s)/d%s: %v", m.States[i], s, err)
			}
			m.jacX[i][j] = d
		}
		m.jacU[i] = make([]expr.Func, nu)
		for j, c := range m.Controls {
			d, err := expr.Compile(e.Diff(c), m.slots, m.constants)
			if err != nil {
				return defErrf(m.Name, "d(%s)/d%s: %v", m.States[i], c, err)
			}
			m.jacU[i][j] = d
		}
	}

	m.outs = make([]expr.Func, len(m.outExprs))
	for i, e := range m.outExprs {
		fn, err := expr.Compile(e, m.slots, m.constants)
		if err != nil {
			return defErrf(m.Name, "output %s: %v", m.Outputs[i], err)
		}
		m.outs[i] = fn
	}
	return nil
}

// Constant returns an evaluated constant (or parameter) by name.
func (m *Model) Constant(name string) (float64, bool) {
	v, ok := m.constants[name]
	return v, ok
}

// ConstantOrder reports the topological evaluation order of the constants.
func (m *Model) ConstantOrder() []string {
	return append([]string(nil), m.constOrder...)
}

// Source returns the raw model document.
func (m *Model) Source() []byte { return append([]byte(nil), m.source...) }

// StateIndex returns the position of a state in the state vector.
func (m *Model) StateIndex(name string) (int, bool) {
	for i, s := range m.States {
		if s == name {
			return i, true
		}
	}
	return 0, false
}

// Derive evaluates dst = f(x, u). dst must have length NX.
func (m *Model) Derive(dst, x, u []float64) {
	vals := m.pack(x, u)
	for i, fn := range m.f {
		dst[i] = fn(vals)
	}
}

// Jacobians fills A = df/dx (nx by nx) and B = df/du (nx by nu).
func (m *Model) Jacobians(A, B [][]float64, x, u []float64) {
	vals := m.pack(x, u)
	for i := range m.f {
		for j := range m.States {
			A[i][j] = m.jacX[i][j](vals)
		}
		for j := range m.Controls {
			B[i][j] = m.jacU[i][j](vals)
		}
	}
}

// EvalOutput evaluates declared output i at (x, u).
func (m *Model) EvalOutput(i int, x, u []float64) float64 {
	return m.outs[i](m.pack(x, u))
}

func (m *Model) pack(x, u []float64) []float64 {
	vals := make([]float64, m.NX()+m.NU())
	copy(vals, x)
	copy(vals[m.NX():], u)
	return vals
}

// ResolveOutputs rewrites output references inside e to their defining
// expressions, so problem-level expressions can mention outputs while the
// transcription only ever sees states and controls.
func (m *Model) ResolveOutputs(e expr.Expr) (expr.Expr, error) {
	defs := make(map[string]expr.Expr, len(m.Outputs))
	for i, n := range m.Outputs {
		defs[n] = m.outExprs[i]
	}
	return substitute(e, defs, 0)
}

func substitute(e expr.Expr, defs map[string]expr.Expr, depth int) (expr.Expr, error) {
	if depth > 16 {
		return nil, fmt.Errorf("output substitution too deep (cycle?)")
	}
	switch t := e.(type) {
	case expr.Var:
		if def, ok := defs[string(t)]; ok {
			return substitute(def, defs, depth+1)
		}
		return e, nil
	case expr.Neg:
		x, err := substitute(t.X, defs, depth)
		if err != nil {
			return nil, err
		}
		return expr.Neg{X: x}, nil
	case expr.Binary:
		l, err := substitute(t.L, defs, depth)
		if err != nil {
			return nil, err
		}
		r, err := substitute(t.R, defs, depth)
		if err != nil {
			return nil, err
		}
		return expr.Binary{Op: t.Op, L: l, R: r}, nil
	case expr.Call:
		x, err := substitute(t.Arg, defs, depth)
		if err != nil {
			return nil, err
		}
		return expr.Call{Fn: t.Fn, Arg: x}, nil
	}
	return e, nil
}

// Der builds the time derivative of e along the ODE: sum over states of
// de/dx_i * f_i(x, u). Controls are piecewise constant on the grid, so
// their time derivative is zero.
func (m *Model) Der(e expr.Expr) (expr.Expr, error) {
	resolved, err := m.ResolveOutputs(e)
	if err != nil {
		return nil, err
	}
	terms := make([]expr.Expr, 0, len(m.States))
	for i, s := range m.States {
		terms = append(terms, expr.Mul(resolved.Diff(s), m.odeExprs[i]))
	}
	return expr.Sum(terms...), nil
}

// CompileExpr resolves outputs in e and compiles it against the model's
// state/control slots and constants.
func (m *Model) CompileExpr(e expr.Expr) (expr.Func, error) {
	resolved, err := m.ResolveOutputs(e)
	if err != nil {
		return nil, err
	}
	return expr.Compile(resolved, m.slots, m.constants)
}

// CompileGradient compiles the gradient of e with respect to the packed
// (x, u) vector. The returned funcs are indexed like the slots: states
// first, then controls.
func (m *Model) CompileGradient(e expr.Expr) ([]expr.Func, error) {
	resolved, err := m.ResolveOutputs(e)
	if err != nil {
		return nil, err
	}
	grads := make([]expr.Func, m.NX()+m.NU())
	for name, slot := range m.slots {
		g, err := expr.Compile(resolved.Diff(name), m.slots, m.constants)
		if err != nil {
			return nil, err
		}
		grads[slot] = g
	}
	return grads, nil
}

// CompileHessian compiles the dense matrix of second derivatives of e with
// respect to the packed (x, u) vector, indexed like the slots.
func (m *Model) CompileHessian(e expr.Expr) ([][]expr.Func, error) {
	resolved, err := m.ResolveOutputs(e)
	if err != nil {
		return nil, err
	}
	n := m.NX() + m.NU()
	names := make([]string, n)
	for name, slot := range m.slots {
		names[slot] = name
	}
	hess := make([][]expr.Func, n)
	for i := 0; i < n; i++ {
		hess[i] = make([]expr.Func, n)
		di := resolved.Diff(names[i])
		for j := 0; j < n; j++ {
			fn, err := expr.Compile(di.Diff(names[j]), m.slots, m.constants)
			if err != nil {
				return nil, err
			}
			hess[i][j] = fn
		}
	}
	return hess, nil
}
