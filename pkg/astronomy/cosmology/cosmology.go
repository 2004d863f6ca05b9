package cosmology

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
)

// SpeedOfLight in km/s
const SpeedOfLight = 299792.458

// Cosmology is a flat LambdaCDM model. With H0 = 100 all distances are in
// h^-1 Mpc, which is what the richness radii are calibrated in.
type Cosmology struct {
	H0     float64 // km/s/Mpc
	OmegaM float64

	nodes int
}

// New creates a flat cosmology
func New(h0, omegaM float64) *Cosmology {
	return &Cosmology{H0: h0, OmegaM: omegaM, nodes: 64}
}

// Default returns the H0=100, Om=0.3 cosmology used by the richness calibration
func Default() *Cosmology {
	return New(100, 0.3)
}

// E returns the dimensionless Hubble parameter H(z)/H0
func (c *Cosmology) E(z float64) float64 {
	zp1 := 1 + z
	return math.Sqrt(c.OmegaM*zp1*zp1*zp1 + (1 - c.OmegaM))
}

// HubbleDistance returns c/H0 in Mpc
func (c *Cosmology) HubbleDistance() float64 {
	return SpeedOfLight / c.H0
}

// Dc returns the line-of-sight comoving distance to z in Mpc
func (c *Cosmology) Dc(z float64) float64 {
	if z <= 0 {
		return 0
	}
	integral := quad.Fixed(func(x float64) float64 { return 1 / c.E(x) }, 0, z, c.nodes, nil, 0)
	return c.HubbleDistance() * integral
}

// Dl returns the luminosity distance to z in Mpc
func (c *Cosmology) Dl(z float64) float64 {
	return (1 + z) * c.Dc(z)
}

// Da returns the angular diameter distance to z in Mpc
func (c *Cosmology) Da(z float64) float64 {
	return c.Dc(z) / (1 + z)
}

// MpcScale returns the physical length in Mpc subtended by one degree at z
func (c *Cosmology) MpcScale(z float64) float64 {
	return c.Da(z) * math.Pi / 180
}

// DistanceModulus returns 5 log10(Dl / 10pc)
func (c *Cosmology) DistanceModulus(z float64) float64 {
	return 5*math.Log10(c.Dl(z)) + 25
}

// VolumeFactor returns the comoving shell thickness between zref and zref+dz
// relative to the shell between z and z+dz. It is the redshift prior
// applied to p(z).
func (c *Cosmology) VolumeFactor(z, zref, dz float64) float64 {
	num := c.Dc(zref+dz) - c.Dc(zref)
	den := c.Dc(z+dz) - c.Dc(z)
	if den <= 0 {
		return 0
	}
	return num / den
}
