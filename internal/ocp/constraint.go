package ocp

import "github.com/swingup/furuta/internal/expr"

// Constraint is a path inequality lo <= e <= hi together with its
// inclusion policy on the first and last grid points.
type Constraint struct {
	e           expr.Expr
	lo, hi      float64
	first, last bool
}

// BoundOption adjusts where a bound is enforced.
type BoundOption func(*Constraint)

// Bound builds lo <= e <= hi, enforced at every grid point unless an
// option suppresses an endpoint.
func Bound(lo float64, e expr.Expr, hi float64, opts ...BoundOption) Constraint {
	c := Constraint{e: e, lo: lo, hi: hi, first: true, last: true}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// ExcludeFirst suppresses the bound at the first grid point. Needed when a
// boundary equality pins the same quantity there, possibly outside the
// bound's interior.
func ExcludeFirst() BoundOption { return func(c *Constraint) { c.first = false } }

// ExcludeLast suppresses the bound at the last grid point.
func ExcludeLast() BoundOption { return func(c *Constraint) { c.last = false } }
