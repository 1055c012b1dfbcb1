package expr

import (
	"fmt"
	"math"
)

// Func evaluates a compiled expression against a flat value vector.
type Func func(vals []float64) float64

// Compile resolves every symbol of e either to a slot in the value vector
// or to a fixed constant, and returns a closure tree that evaluates without
// map lookups. Unresolved symbols are reported up front so a compiled
// expression can never fail at evaluation time.
func Compile(e Expr, slots map[string]int, consts map[string]float64) (Func, error) {
	switch t := e.(type) {
	case Num:
		v := float64(t)
		return func([]float64) float64 { return v }, nil
	case Var:
		if i, ok := slots[string(t)]; ok {
			return func(vals []float64) float64 { return vals[i] }, nil
		}
		if v, ok := consts[string(t)]; ok {
			return func([]float64) float64 { return v }, nil
		}
		return nil, fmt.Errorf("unresolved symbol %q", string(t))
	case Neg:
		x, err := Compile(t.X, slots, consts)
		if err != nil {
			return nil, err
		}
		return func(vals []float64) float64 { return -x(vals) }, nil
	case Binary:
		l, err := Compile(t.L, slots, consts)
		if err != nil {
			return nil, err
		}
		r, err := Compile(t.R, slots, consts)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case '+':
			return func(vals []float64) float64 { return l(vals) + r(vals) }, nil
		case '-':
			return func(vals []float64) float64 { return l(vals) - r(vals) }, nil
		case '*':
			return func(vals []float64) float64 { return l(vals) * r(vals) }, nil
		case '/':
			return func(vals []float64) float64 { return l(vals) / r(vals) }, nil
		case '^':
			if n, ok := t.R.(Num); ok && n == Num(2) {
				return func(vals []float64) float64 { v := l(vals); return v * v }, nil
			}
			return func(vals []float64) float64 { return math.Pow(l(vals), r(vals)) }, nil
		}
		return nil, fmt.Errorf("unknown operator %q", string(t.Op))
	case Call:
		x, err := Compile(t.Arg, slots, consts)
		if err != nil {
			return nil, err
		}
		switch t.Fn {
		case "sin":
			return func(vals []float64) float64 { return math.Sin(x(vals)) }, nil
		case "cos":
			return func(vals []float64) float64 { return math.Cos(x(vals)) }, nil
		case "sq":
			return func(vals []float64) float64 { v := x(vals); return v * v }, nil
		case "log":
			return func(vals []float64) float64 { return math.Log(x(vals)) }, nil
		}
		return nil, fmt.Errorf("unknown function %q", t.Fn)
	}
	return nil, fmt.Errorf("unknown expression node %T", e)
}
