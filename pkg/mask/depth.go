package mask

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Depth returns the limiting reference magnitude at a sky position.
type Depth interface {
	LimMag(ra, dec float64) float64
}

// ConstantDepth is a survey with uniform depth.
type ConstantDepth float64

// LimMag implements Depth.
func (d ConstantDepth) LimMag(float64, float64) float64 { return float64(d) }

// DefaultNSig is the signal-to-noise that defines the limiting magnitude.
const DefaultNSig = 10.0

// FitLocalDepth estimates the limiting magnitude from the magnitudes and
// errors of galaxies around a position: log10(err) is fit linearly in mag
// and solved for err = 2.5 log10(1 + 1/nsig). ok is false when too few
// galaxies or a non-increasing error relation make the fit meaningless.
func FitLocalDepth(mag, magErr []float64, nsig float64) (limmag float64, ok bool) {
	if nsig <= 0 {
		nsig = DefaultNSig
	}
	var x, y []float64
	for i := range mag {
		if magErr[i] > 0 && !math.IsNaN(mag[i]) {
			x = append(x, mag[i])
			y = append(y, math.Log10(magErr[i]))
		}
	}
	if len(x) < 10 {
		return 0, false
	}
	alpha, beta := stat.LinearRegression(x, y, nil, false)
	if !(beta > 0) {
		return 0, false
	}
	target := math.Log10(2.5 * math.Log10(1+1/nsig))
	return (target - alpha) / beta, true
}
