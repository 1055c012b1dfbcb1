package integrators

// NewHeun returns the second-order Heun (explicit trapezoidal) scheme.
func NewHeun() Stepper {
	return &erk{
		name: "heun",
		a: [][]float64{
			{},
			{1},
		},
		b: []float64{0.5, 0.5},
	}
}
