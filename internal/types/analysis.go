package types

import (
	"math"
	"time"
)

// TrainingGalaxy is a galaxy with a known host redshift and membership
// probability, used to calibrate the red sequence.
type TrainingGalaxy struct {
	Galaxy

	Z float64
	P float64
}

// Color returns colour j (Mag[j] - Mag[j+1]) and its error.
func (g *TrainingGalaxy) Color(j int) (float64, float64) {
	c := g.Mag[j] - g.Mag[j+1]
	e2 := g.MagErr[j]*g.MagErr[j] + g.MagErr[j+1]*g.MagErr[j+1]
	return c, math.Sqrt(e2)
}

// CalibrationResult summarises one calibration run.
type CalibrationResult struct {
	RunID     string        `json:"run_id"`
	Training  int           `json:"training"`
	Nodes     int           `json:"nodes"`
	Filled    []int         `json:"filled,omitempty"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}
