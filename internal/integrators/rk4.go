package integrators

// NewRK4 returns the classic fourth-order Runge-Kutta scheme.
func NewRK4() Stepper {
	return &erk{
		name: "rk4",
		a: [][]float64{
			{},
			{0.5},
			{0, 0.5},
			{0, 0, 1},
		},
		b: []float64{1.0 / 6, 1.0 / 3, 1.0 / 3, 1.0 / 6},
	}
}
