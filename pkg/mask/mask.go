// Package mask describes the survey footprint and depth around cluster
// centers: the masked fraction of a cluster aperture, per-galaxy radial
// weights, and the richness correction for galaxies lost to the mask.
package mask

import (
	"math"

	skymath "github.com/jacobic/redmapper/pkg/astronomy/math"
)

// Mask reports whether sky positions are inside the observed footprint.
type Mask interface {
	Covered(ra, dec float64) bool
}

// Full is a mask with no holes and no edges.
type Full struct{}

// Covered implements Mask.
func (Full) Covered(float64, float64) bool { return true }

// Box is an RA/Dec rectangle in degrees. RAMin may exceed RAMax for boxes
// crossing RA = 0.
type Box struct {
	RAMin, RAMax   float64
	DecMin, DecMax float64
}

// Contains reports whether (ra, dec) lies in the box.
func (b Box) Contains(ra, dec float64) bool {
	if dec < b.DecMin || dec > b.DecMax {
		return false
	}
	ra = wrapRA(ra)
	if b.RAMin <= b.RAMax {
		return ra >= b.RAMin && ra <= b.RAMax
	}
	return ra >= b.RAMin || ra <= b.RAMax
}

// Circle is a circular region, e.g. a bright-star hole.
type Circle struct {
	RA, Dec, Radius float64
}

// Contains reports whether (ra, dec) lies in the circle.
func (c Circle) Contains(ra, dec float64) bool {
	return skymath.AngularSeparation(c.RA, c.Dec, ra, dec) <= c.Radius
}

// Footprint is a union of boxes with circular holes removed.
type Footprint struct {
	Boxes []Box
	Holes []Circle
}

// Covered implements Mask.
func (f *Footprint) Covered(ra, dec float64) bool {
	in := false
	for _, b := range f.Boxes {
		if b.Contains(ra, dec) {
			in = true
			break
		}
	}
	if !in {
		return false
	}
	for _, h := range f.Holes {
		if h.Contains(ra, dec) {
			return false
		}
	}
	return true
}

func wrapRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

// offset returns the position dx, dy degrees east and north of (ra, dec)
// in the flat-sky approximation.
func offset(ra, dec, dx, dy float64) (float64, float64) {
	cosDec := math.Cos(dec * math.Pi / 180)
	if cosDec < 1e-6 {
		cosDec = 1e-6
	}
	return wrapRA(ra + dx/cosDec), dec + dy
}

// aperture is a polar sampling of a disc: nr annuli of equal width with
// nphi samples each.
type aperture struct {
	nr, nphi int
}

var defaultAperture = aperture{nr: 40, nphi: 72}

// each visits every sample with its radius (in units of the disc radius)
// and relative area.
func (a aperture) each(fn func(r, phi, area float64)) {
	dr := 1 / float64(a.nr)
	dphi := 2 * math.Pi / float64(a.nphi)
	for i := 0; i < a.nr; i++ {
		r := (float64(i) + 0.5) * dr
		for j := 0; j < a.nphi; j++ {
			fn(r, (float64(j)+0.5)*dphi, r*dr*dphi)
		}
	}
}

// Fraction returns the area fraction of the disc of radius degrees around
// (ra, dec) that lies outside the footprint.
func Fraction(m Mask, ra, dec, radius float64) float64 {
	if _, ok := m.(Full); ok || radius <= 0 {
		return 0
	}
	var masked, total float64
	defaultAperture.each(func(r, phi, area float64) {
		sra, sdec := offset(ra, dec, radius*r*math.Cos(phi), radius*r*math.Sin(phi))
		total += area
		if !m.Covered(sra, sdec) {
			masked += area
		}
	})
	return masked / total
}

// ThetaR returns the radial weight of a galaxy: 1 inside the footprint and
// 0 outside.
func ThetaR(m Mask, ra, dec float64) float64 {
	if m.Covered(ra, dec) {
		return 1
	}
	return 0
}

// Correction returns the cubic coefficients c(r) of the profile-weighted
// fraction of cluster galaxies lost to the mask within radius r (Mpc), for
// r up to rmax. profile is the projected radial density in Mpc. mpcScale
// converts Mpc to degrees at the cluster redshift.
func Correction(m Mask, ra, dec, mpcScale, rmax float64, profile func(r float64) float64) [4]float64 {
	var cpars [4]float64
	if _, ok := m.(Full); ok || rmax <= 0 || mpcScale <= 0 {
		return cpars
	}

	ap := defaultAperture
	lostByRing := make([]float64, ap.nr)
	allByRing := make([]float64, ap.nr)
	ring := 0
	count := 0
	ap.each(func(r, phi, area float64) {
		rmpc := r * rmax
		w := profile(rmpc) * area
		sra, sdec := offset(ra, dec, rmpc/mpcScale*math.Cos(phi), rmpc/mpcScale*math.Sin(phi))
		allByRing[ring] += w
		if !m.Covered(sra, sdec) {
			lostByRing[ring] += w
		}
		count++
		if count == ap.nphi {
			count = 0
			ring++
		}
	})

	rs := make([]float64, 0, ap.nr)
	fs := make([]float64, 0, ap.nr)
	var lost, all float64
	for i := 0; i < ap.nr; i++ {
		lost += lostByRing[i]
		all += allByRing[i]
		if all <= 0 {
			continue
		}
		rs = append(rs, (float64(i)+1)/float64(ap.nr)*rmax)
		fs = append(fs, lost/all)
	}
	if lost == 0 {
		return cpars
	}
	c, err := skymath.PolyFit(rs, fs, 3)
	if err != nil {
		return cpars
	}
	copy(cpars[:], c)
	return cpars
}
