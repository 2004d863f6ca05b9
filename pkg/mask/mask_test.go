package mask

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullMask(t *testing.T) {
	assert.Zero(t, Fraction(Full{}, 10, 10, 0.5))
	assert.Equal(t, [4]float64{}, Correction(Full{}, 10, 10, 11, 1.5, func(float64) float64 { return 1 }))
	assert.Equal(t, 1.0, ThetaR(Full{}, 1, 2))
}

func TestBoxWrap(t *testing.T) {
	b := Box{RAMin: 350, RAMax: 10, DecMin: -5, DecMax: 5}
	assert.True(t, b.Contains(355, 0))
	assert.True(t, b.Contains(5, 0))
	assert.True(t, b.Contains(-2, 0))
	assert.False(t, b.Contains(180, 0))
	assert.False(t, b.Contains(0, 6))
}

func TestFractionAtEdge(t *testing.T) {
	f := &Footprint{Boxes: []Box{{RAMin: 0, RAMax: 20, DecMin: -10, DecMax: 10}}}
	// a center on the eastern edge loses half the disc
	assert.InDelta(t, 0.5, Fraction(f, 20, 0, 0.5), 0.02)
	assert.InDelta(t, 0.0, Fraction(f, 10, 0, 0.5), 1e-12)
	assert.InDelta(t, 1.0, Fraction(f, 40, 0, 0.5), 1e-12)
}

func TestFractionHole(t *testing.T) {
	f := &Footprint{
		Boxes: []Box{{RAMin: 0, RAMax: 20, DecMin: -10, DecMax: 10}},
		Holes: []Circle{{RA: 10, Dec: 0, Radius: 0.25}},
	}
	// the hole covers a quarter of the area of a disc twice its radius
	assert.InDelta(t, 0.25, Fraction(f, 10, 0, 0.5), 0.02)
	assert.Equal(t, 0.0, ThetaR(f, 10, 0.1))
	assert.Equal(t, 1.0, ThetaR(f, 10, 0.4))
}

func TestCorrectionIncreasesTowardEdge(t *testing.T) {
	f := &Footprint{Boxes: []Box{{RAMin: 0, RAMax: 20, DecMin: -10, DecMax: 10}}}
	flat := func(float64) float64 { return 1 }

	// half-plane mask through the center: half of every aperture is lost
	c := Correction(f, 20, 0, 11, 1.2, flat)
	for _, r := range []float64{0.3, 0.6, 1.0} {
		v := c[0] + c[1]*r + c[2]*r*r + c[3]*r*r*r
		assert.InDelta(t, 0.5, v, 0.03)
	}

	// edge just outside 0.5 Mpc: nothing lost at small radii
	ra := 20 - 0.5/11
	c = Correction(f, ra, 0, 11, 1.2, flat)
	small := c[0] + c[1]*0.2 + c[2]*0.04 + c[3]*0.008
	large := c[0] + c[1]*1.2 + c[2]*1.44 + c[3]*1.728
	assert.Less(t, small, 0.05)
	assert.Greater(t, large, small)
}

func TestFitLocalDepth(t *testing.T) {
	// err = 10^(0.4 (m - 22)) * e0 with e0 chosen so err hits the 10 sigma
	// limit exactly at m = 22.
	e0 := 2.5 * math.Log10(1.1)
	var mag, magErr []float64
	for m := 18.0; m < 23; m += 0.1 {
		mag = append(mag, m)
		magErr = append(magErr, e0*math.Pow(10, 0.4*(m-22)))
	}
	lim, ok := FitLocalDepth(mag, magErr, 10)
	require.True(t, ok)
	assert.InDelta(t, 22.0, lim, 1e-6)

	_, ok = FitLocalDepth(mag[:5], magErr[:5], 10)
	assert.False(t, ok)

	assert.Equal(t, 21.5, ConstantDepth(21.5).LimMag(0, 0))
}
