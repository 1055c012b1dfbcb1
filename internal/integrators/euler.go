package integrators

// NewEuler returns the first-order explicit Euler scheme.
func NewEuler() Stepper {
	return &erk{
		name: "euler",
		a:    [][]float64{{}},
		b:    []float64{1},
	}
}
