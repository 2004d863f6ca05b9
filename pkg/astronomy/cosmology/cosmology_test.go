package cosmology

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistancesEinsteinDeSitter(t *testing.T) {
	// Om=1 has the closed form Dc = 2 c/H0 (1 - 1/sqrt(1+z)).
	c := New(100, 1.0)
	for _, z := range []float64{0.1, 0.3, 1.0} {
		want := 2 * c.HubbleDistance() * (1 - 1/math.Sqrt(1+z))
		assert.InDelta(t, want, c.Dc(z), 1e-6*want)
	}
}

func TestMpcScale(t *testing.T) {
	c := Default()
	// About 11.2 h^-1 Mpc per degree at z=0.3 for Om=0.3.
	s := c.MpcScale(0.3)
	assert.InDelta(t, 11.2, s, 0.15)
	assert.Less(t, c.MpcScale(0.1), s)
	assert.Equal(t, 0.0, c.Dc(0))
}

func TestVolumeFactor(t *testing.T) {
	c := Default()
	assert.InDelta(t, 1.0, c.VolumeFactor(0.5, 0.5, 0.01), 1e-12)
	// Shells shrink in dDc with redshift.
	assert.Greater(t, c.VolumeFactor(0.6, 0.3, 0.01), 1.0)
}
