package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGalaxyColors(t *testing.T) {
	g := Galaxy{Mag: []float64{21, 20.5, 19.75}, MagErr: []float64{0.03, 0.02, 0.01}}
	assert.Equal(t, 2, g.NColor())
	assert.InDeltaSlice(t, []float64{0.5, 0.75}, g.Colors(), 1e-12)
	assert.False(t, g.HasZred())

	g.Zred = 0.3
	assert.True(t, g.HasZred())

	empty := Galaxy{}
	assert.Empty(t, empty.Colors())
}
