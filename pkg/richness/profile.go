package richness

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
)

const (
	// NFWScale is the NFW scale radius in h^-1 Mpc.
	NFWScale = 0.15
	// NFWCore is the radius inside which the profile is held flat.
	NFWCore = 0.1
	// LFAlpha is the faint-end slope of the cluster luminosity function.
	LFAlpha = -1.0
)

// nfwShape is the unnormalised projected NFW profile at x = r/rs.
func nfwShape(x float64) float64 {
	switch {
	case math.Abs(x-1) < 1e-6:
		return 1.0 / 3
	case x < 1:
		s := math.Sqrt(1 - x*x)
		return (1 - 2/s*math.Atanh(math.Sqrt((1-x)/(1+x)))) / (x*x - 1)
	default:
		s := math.Sqrt(x*x - 1)
		return (1 - 2/s*math.Atan(math.Sqrt((x-1)/(1+x)))) / (x*x - 1)
	}
}

// Profile is the projected NFW surface density normalised to unit
// integral inside the pivot radius.
type Profile struct {
	norm float64
}

// NewProfile normalises the profile so that the integral of 2 pi r Sigma(r)
// from 0 to r0 is one.
func NewProfile(r0 float64) Profile {
	core := nfwShape(NFWCore / NFWScale)
	inner := math.Pi * NFWCore * NFWCore * core
	outer := 0.0
	if r0 > NFWCore {
		outer = quad.Fixed(func(r float64) float64 {
			return 2 * math.Pi * r * nfwShape(r/NFWScale)
		}, NFWCore, r0, 200, nil, 0)
	}
	return Profile{norm: 1 / (inner + outer)}
}

// Sigma returns the surface density at r in h^-1 Mpc.
func (p Profile) Sigma(r float64) float64 {
	if r < NFWCore {
		r = NFWCore
	}
	return p.norm * nfwShape(r/NFWScale)
}

// LuminosityFunction is a Schechter function in magnitudes normalised to
// unit integral brighter than the magnitude limit.
type LuminosityFunction struct {
	MStar  float64
	MaxMag float64
	norm   float64
}

func schechter(mstar, alpha, m float64) float64 {
	x := math.Pow(10, 0.4*(mstar-m))
	return math.Pow(x, alpha+1) * math.Exp(-x)
}

// NewLuminosityFunction builds the luminosity function for m* and the
// faint limit maxmag.
func NewLuminosityFunction(mstar, maxmag float64) LuminosityFunction {
	integral := quad.Fixed(func(m float64) float64 {
		return schechter(mstar, LFAlpha, m)
	}, mstar-10, maxmag, 200, nil, 0)
	lf := LuminosityFunction{MStar: mstar, MaxMag: maxmag}
	if integral > 0 {
		lf.norm = 1 / integral
	}
	return lf
}

// Phi returns the normalised density at magnitude m, zero past MaxMag.
func (lf LuminosityFunction) Phi(m float64) float64 {
	if m > lf.MaxMag {
		return 0
	}
	return lf.norm * schechter(lf.MStar, LFAlpha, m)
}

// ThetaI is the probability that a galaxy of magnitude m with error sigma
// is brighter than the limiting magnitude.
func ThetaI(m, sigma, limmag float64) float64 {
	if sigma <= 0 {
		if m < limmag {
			return 1
		}
		return 0
	}
	return 0.5 * math.Erfc((m-limmag)/(math.Sqrt2*sigma))
}
