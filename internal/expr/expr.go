// Package expr implements the expression mini-language used by model files:
// infix arithmetic, ^ (or **) power, and the function calls sin, cos, sq
// and log. Expressions parse into a typed AST that supports evaluation,
// symbolic differentiation and free-symbol collection, so model definitions
// can be validated statically instead of eval'd at solve time.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Expr interface {
	Eval(env map[string]float64) (float64, error)
	Diff(name string) Expr
	Vars(set map[string]struct{})
	String() string
}

type Num float64

func (n Num) Eval(map[string]float64) (float64, error) { return float64(n), nil }
func (n Num) Diff(string) Expr                         { return Num(0) }
func (n Num) Vars(map[string]struct{})                 {}

func (n Num) String() string {
	return strconv.FormatFloat(float64(n), 'g', -1, 64)
}

type Var string

func (v Var) Eval(env map[string]float64) (float64, error) {
	val, ok := env[string(v)]
	if !ok {
		return 0, fmt.Errorf("unbound symbol %q", string(v))
	}
	return val, nil
}

func (v Var) Diff(name string) Expr {
	if string(v) == name {
		return Num(1)
	}
	return Num(0)
}

func (v Var) Vars(set map[string]struct{}) { set[string(v)] = struct{}{} }
func (v Var) String() string               { return string(v) }

type Neg struct{ X Expr }

func (n Neg) Eval(env map[string]float64) (float64, error) {
	x, err := n.X.Eval(env)
	return -x, err
}

func (n Neg) Diff(name string) Expr        { return neg(n.X.Diff(name)) }
func (n Neg) Vars(set map[string]struct{}) { n.X.Vars(set) }
func (n Neg) String() string               { return "-" + paren(n.X) }

type Binary struct {
	Op   byte // one of + - * / ^
	L, R Expr
}

func (b Binary) Eval(env map[string]float64) (float64, error) {
	l, err := b.L.Eval(env)
	if err != nil {
		return 0, err
	}
	r, err := b.R.Eval(env)
	if err != nil {
		return 0, err
	}
	switch b.Op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		return l / r, nil
	case '^':
		return math.Pow(l, r), nil
	}
	return 0, fmt.Errorf("unknown operator %q", string(b.Op))
}

func (b Binary) Diff(name string) Expr {
	dl := b.L.Diff(name)
	dr := b.R.Diff(name)
	switch b.Op {
	case '+':
		return add(dl, dr)
	case '-':
		return sub(dl, dr)
	case '*':
		return add(mul(dl, b.R), mul(b.L, dr))
	case '/':
		// (l/r)' = l'/r - l*r'/r^2
		return sub(div(dl, b.R), div(mul(b.L, dr), pow(b.R, Num(2))))
	case '^':
		if exp, ok := b.R.(Num); ok {
			// constant exponent: (l^c)' = c*l^(c-1)*l'
			return mul(mul(b.R, pow(b.L, Num(float64(exp)-1))), dl)
		}
		// general case via l^r * (r'*log(l) + r*l'/l)
		return mul(b, add(mul(dr, Call{Fn: "log", Arg: b.L}), div(mul(b.R, dl), b.L)))
	}
	return Num(0)
}

func (b Binary) Vars(set map[string]struct{}) {
	b.L.Vars(set)
	b.R.Vars(set)
}

func (b Binary) String() string {
	return paren(b.L) + string(b.Op) + paren(b.R)
}

type Call struct {
	Fn  string
	Arg Expr
}

func (c Call) Eval(env map[string]float64) (float64, error) {
	x, err := c.Arg.Eval(env)
	if err != nil {
		return 0, err
	}
	switch c.Fn {
	case "sin":
		return math.Sin(x), nil
	case "cos":
		return math.Cos(x), nil
	case "sq":
		return x * x, nil
	case "log":
		return math.Log(x), nil
	}
	return 0, fmt.Errorf("unknown function %q", c.Fn)
}

func (c Call) Diff(name string) Expr {
	dx := c.Arg.Diff(name)
	switch c.Fn {
	case "sin":
		return mul(Call{Fn: "cos", Arg: c.Arg}, dx)
	case "cos":
		return neg(mul(Call{Fn: "sin", Arg: c.Arg}, dx))
	case "sq":
		return mul(mul(Num(2), c.Arg), dx)
	case "log":
		return div(dx, c.Arg)
	}
	return Num(0)
}

func (c Call) Vars(set map[string]struct{}) { c.Arg.Vars(set) }
func (c Call) String() string               { return c.Fn + "(" + c.Arg.String() + ")" }

// IsFunc reports whether name is one of the built-in function names.
func IsFunc(name string) bool {
	switch name {
	case "sin", "cos", "sq", "log":
		return true
	}
	return false
}

// FreeVars returns the set of free symbols in e.
func FreeVars(e Expr) map[string]struct{} {
	set := make(map[string]struct{})
	e.Vars(set)
	return set
}

func paren(e Expr) string {
	switch e.(type) {
	case Num, Var, Call:
		return e.String()
	}
	return "(" + e.String() + ")"
}

// Constructors with light constant folding, used by Diff so derivative
// trees stay small enough to evaluate at every solver iteration.

func add(l, r Expr) Expr {
	if isZero(l) {
		return r
	}
	if isZero(r) {
		return l
	}
	if ln, ok := l.(Num); ok {
		if rn, ok := r.(Num); ok {
			return ln + rn
		}
	}
	return Binary{Op: '+', L: l, R: r}
}

func sub(l, r Expr) Expr {
	if isZero(r) {
		return l
	}
	if isZero(l) {
		return neg(r)
	}
	if ln, ok := l.(Num); ok {
		if rn, ok := r.(Num); ok {
			return ln - rn
		}
	}
	return Binary{Op: '-', L: l, R: r}
}

func mul(l, r Expr) Expr {
	if isZero(l) || isZero(r) {
		return Num(0)
	}
	if isOne(l) {
		return r
	}
	if isOne(r) {
		return l
	}
	if ln, ok := l.(Num); ok {
		if rn, ok := r.(Num); ok {
			return ln * rn
		}
	}
	return Binary{Op: '*', L: l, R: r}
}

func div(l, r Expr) Expr {
	if isZero(l) {
		return Num(0)
	}
	if isOne(r) {
		return l
	}
	return Binary{Op: '/', L: l, R: r}
}

func pow(l, r Expr) Expr {
	if isOne(r) {
		return l
	}
	if isZero(r) {
		return Num(1)
	}
	return Binary{Op: '^', L: l, R: r}
}

func neg(e Expr) Expr {
	if isZero(e) {
		return Num(0)
	}
	if n, ok := e.(Num); ok {
		return -n
	}
	return Neg{X: e}
}

func isZero(e Expr) bool { n, ok := e.(Num); return ok && n == 0 }
func isOne(e Expr) bool  { n, ok := e.(Num); return ok && n == 1 }

// Sum folds terms into a left-leaning addition tree.
func Sum(terms ...Expr) Expr {
	var acc Expr = Num(0)
	for _, t := range terms {
		acc = add(acc, t)
	}
	return acc
}

// Mul is the exported product constructor.
func Mul(l, r Expr) Expr { return mul(l, r) }

// Square returns e*e as a sq() call, matching the model file syntax.
func Square(e Expr) Expr { return Call{Fn: "sq", Arg: e} }

// Render joins expressions for diagnostics.
func Render(es []Expr) string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
