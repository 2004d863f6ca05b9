package math

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRADecIsUnit(t *testing.T) {
	for _, c := range [][2]float64{{0, 0}, {45, 30}, {359.9, -89}, {180, 89.5}} {
		v := FromRADec(c[0], c[1])
		assert.InDelta(t, 1.0, v.Magnitude(), 1e-12)
	}
}

func TestChordRoundTrip(t *testing.T) {
	for _, deg := range []float64{1e-5, 0.01, 1, 45, 179} {
		assert.InDelta(t, deg, AngleFromChord(ChordFromAngle(deg)), 1e-9)
	}
	assert.Equal(t, 180.0, AngleFromChord(2.5))
}

func TestAngularSeparation(t *testing.T) {
	assert.InDelta(t, 1.0, AngularSeparation(10, 0, 11, 0), 1e-9)
	assert.InDelta(t, 90.0, AngularSeparation(0, 0, 0, 90), 1e-9)
	// One degree of RA at dec=60 is half a degree on the sky.
	assert.InDelta(t, 0.5, AngularSeparation(0, 60, 1, 60), 1e-3)
	assert.False(t, math.IsNaN(AngularSeparation(5, 5, 5, 5)))
}
