package richness

import "math"

// ProfileParams are the profile constants shared by every neighbor.
type ProfileParams struct {
	R0   float64 // radius at lambda = 100, h^-1 Mpc
	Beta float64 // r_lambda = R0 (lambda/100)^Beta
	Tol  float64
	// CPars is the cubic mask correction c(r) = sum CPars[i] r^i.
	CPars [4]float64
}

// RLambda returns the cluster radius for richness lambda.
func (pp ProfileParams) RLambda(lambda float64) float64 {
	return pp.R0 * math.Pow(lambda/100, pp.Beta)
}

// CVal evaluates the mask correction at radius r.
func (pp ProfileParams) CVal(r float64) float64 {
	c := pp.CPars
	return c[0] + c[1]*r + c[2]*r*r + c[3]*r*r*r
}

// Solution is the output of a ProfileSolver. P and Wt are per neighbor.
type Solution struct {
	Lambda  float64
	RLambda float64
	P       []float64
	Wt      []float64
}

// ProfileSolver solves the richness normalisation
//
//	lambda = sum_i p_i(lambda) w_i + lambda c(r_lambda)
//
// with p_i = lambda u_i / (lambda u_i + b_i) inside r_lambda. Lambda is -1
// when no solution above one galaxy exists.
type ProfileSolver interface {
	Solve(r, u, b, w []float64, pp ProfileParams) Solution
}

const (
	bisectLow  = 0.5
	bisectHigh = 2000.0
)

// BisectionSolver finds lambda by bisection on [0.5, 2000].
type BisectionSolver struct{}

// weights fills p and wt for richness lambda and returns r_lambda.
func weights(lambda float64, r, u, b, w, p, wt []float64, pp ProfileParams) float64 {
	rc := pp.RLambda(lambda)
	for i := range r {
		p[i] = 0
		if r[i] < rc {
			den := lambda*u[i] + b[i]
			if den > 0 {
				p[i] = lambda * u[i] / den
			}
		}
		wt[i] = p[i] * w[i]
	}
	return rc
}

func (BisectionSolver) balance(lambda float64, r, u, b, w, p, wt []float64, pp ProfileParams) float64 {
	rc := weights(lambda, r, u, b, w, p, wt, pp)
	out := 0.0
	for _, v := range wt {
		out += v
	}
	return out + lambda*pp.CVal(rc)
}

// Solve implements ProfileSolver.
func (s BisectionSolver) Solve(r, u, b, w []float64, pp ProfileParams) Solution {
	n := len(r)
	p := make([]float64, n)
	wt := make([]float64, n)
	tol := pp.Tol
	if tol <= 0 {
		tol = 1e-4
	}

	lo, hi := bisectLow, bisectHigh
	outlo := -1.0
	for math.Abs(hi-lo) > 2*tol {
		mid := 0.5 * (lo + hi)
		if outlo < 0 {
			outlo = s.balance(lo, r, u, b, w, p, wt, pp)
		}
		outmid := s.balance(mid, r, u, b, w, p, wt, pp)
		if outlo < 1 {
			outlo = 0.9
		}
		if (outlo-lo)*(outmid-mid) > 0 {
			lo = mid
			outlo = -1
		} else {
			hi = mid
		}
	}

	sol := Solution{Lambda: 0.5 * (lo + hi), P: p, Wt: wt}
	if sol.Lambda < 1 {
		for i := range p {
			p[i], wt[i] = 0, 0
		}
		sol.Lambda = -1
		return sol
	}
	sol.RLambda = weights(sol.Lambda, r, u, b, w, p, wt, pp)
	return sol
}
