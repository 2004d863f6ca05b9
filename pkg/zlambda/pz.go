package zlambda

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/optimize"
)

const (
	// pzSlowStep is the outward step of the slow p(z) range search.
	pzSlowStep = 0.05
	// pzRatio is the density ratio to the center that ends the search.
	pzRatio = 0.01
)

// calcPz fills pzbins and pz around the current redshift. The fast grid
// spans the one-sided 4 sigma likelihood bracket; the slow grid walks out
// until the density drops below 1% of its central value or the model edge.
// It returns false if the density cannot be normalised.
func (r *run) calcPz(slow bool) bool {
	m := r.e.model()
	n := r.e.Params.NPzBins
	z := r.z
	bins := make([]float64, n)

	if !slow {
		target := r.bracket(z) + 16
		hi := r.crossing(target, z+0.001, z+0.15)
		dz := math.Max(0.005, math.Min(0.15, hi-z))
		size := 2 * dz / float64(n-1)
		for i := range bins {
			bins[i] = z - dz + float64(i)*size
		}
	} else {
		zmin, zmax := m.Z[0], m.Z[len(m.Z)-1]
		pk := -r.bracket(z)
		pz0 := m.VolumeFactorAt(z)
		ratio := func(zz float64) float64 {
			return math.Exp(-r.bracket(zz)-pk) * m.VolumeFactorAt(zz) / pz0
		}

		lowz := z - pzSlowStep
		for lowz >= zmin && ratio(lowz) > pzRatio {
			lowz -= pzSlowStep
		}
		lowz = math.Max(lowz, zmin)

		highz := z + pzSlowStep
		for highz <= zmax && ratio(highz) > pzRatio {
			highz += pzSlowStep
		}
		highz = math.Min(highz, zmax)

		floats.Span(bins, lowz, highz)
		// recentre so that one bin falls on z
		nearest := 0
		for i := range bins {
			if math.Abs(bins[i]-z) < math.Abs(bins[nearest]-z) {
				nearest = i
			}
		}
		floats.AddConst(z-bins[nearest], bins)
	}

	lnl := make([]float64, n)
	for i, zb := range bins {
		lnl[i] = -r.bracket(zb)
	}
	floats.AddConst(-floats.Max(lnl), lnl)

	pz := make([]float64, n)
	for i, zb := range bins {
		pz[i] = math.Exp(lnl[i]) * m.VolumeFactorAt(zb)
	}
	norm := integrate.Simpsons(bins, pz)
	if !(norm > 0) || math.IsInf(norm, 0) {
		return false
	}
	floats.Scale(1/norm, pz)

	r.pzbins, r.pz = bins, pz
	return true
}

// fitGaussian fits a*exp(-(z-mu)^2/(2 sigma^2)) to p(z) by least squares and
// returns sigma.
func fitGaussian(z, pz []float64) (float64, bool) {
	peak := argmax(pz)
	sse := func(x []float64) float64 {
		a, mu, sigma := x[0], x[1], x[2]
		if sigma == 0 {
			return math.Inf(1)
		}
		s := 0.0
		for i := range z {
			d := z[i] - mu
			res := pz[i] - a*math.Exp(-d*d/(2*sigma*sigma))
			s += res * res
		}
		return s
	}
	result, err := optimize.Minimize(
		optimize.Problem{Func: sse},
		[]float64{pz[peak], z[peak], 0.01},
		&optimize.Settings{FuncEvaluations: 5000},
		&optimize.NelderMead{},
	)
	if err != nil && result == nil {
		return 0, false
	}
	sigma := math.Abs(result.X[2])
	if math.IsNaN(sigma) {
		return 0, false
	}
	return sigma, true
}

// goldenSection minimises a unimodal f on [lo, hi].
func goldenSection(f func(float64) float64, lo, hi, tol float64) float64 {
	const invPhi = 0.6180339887498949
	a, b := lo, hi
	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, fd := f(c), f(d)
	for math.Abs(b-a) > tol {
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			fd = f(d)
		}
	}
	return 0.5 * (a + b)
}
