package math

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PolyFit returns the least-squares polynomial coefficients c[0] + c[1] x +
// ... + c[degree] x^degree through the points (x[i], y[i]).
func PolyFit(x, y []float64, degree int) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("polyfit: %d x values for %d y values", len(x), len(y))
	}
	if len(x) <= degree {
		return nil, fmt.Errorf("polyfit: need more than %d points, got %d", degree, len(x))
	}
	a := mat.NewDense(len(x), degree+1, nil)
	for i, xi := range x {
		p := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, p)
			p *= xi
		}
	}
	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(y), append([]float64(nil), y...))); err != nil {
		return nil, fmt.Errorf("polyfit: %w", err)
	}
	return c.RawVector().Data, nil
}

// PolyEval evaluates the polynomial with coefficients c at x.
func PolyEval(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*x + c[i]
	}
	return v
}
