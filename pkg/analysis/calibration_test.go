package analysis

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/background"
	"github.com/jacobic/redmapper/pkg/catalog"
	"github.com/jacobic/redmapper/pkg/redsequence"
)

const (
	trueSigma = 0.05
	magErr    = 0.01
)

func truthModel(t *testing.T) *redsequence.Model {
	t.Helper()
	m, err := redsequence.New(redsequence.LinearNodes(3, 0.1, 0.5, 0.5, 3.0, trueSigma, 17, 10), nil)
	require.NoError(t, err)
	return m
}

// trainingSet draws n red galaxies with z uniform in [zmin, zmax], refmag
// uniform in [m*-2, m*+1], intrinsic colour scatter trueSigma and magErr
// photometric noise in every band.
func trainingSet(m *redsequence.Model, n int, zmin, zmax float64, seed int64) []types.TrainingGalaxy {
	rng := rand.New(rand.NewSource(seed))
	out := make([]types.TrainingGalaxy, n)
	for i := range out {
		z := zmin + (zmax-zmin)*rng.Float64()
		refmag := m.MStarAt(z) - 2 + 3*rng.Float64()
		g := redsequence.RedGalaxy(m, z, refmag, magErr)
		d0, d1 := trueSigma*rng.NormFloat64(), trueSigma*rng.NormFloat64()
		g.Mag[0] += d0 + d1
		g.Mag[1] += d1
		for j := range g.Mag {
			g.Mag[j] += magErr * rng.NormFloat64()
		}
		g.RefMag = g.Mag[2]
		g.ID = int64(i + 1)
		out[i] = types.TrainingGalaxy{Galaxy: g, Z: z, P: 1}
	}
	return out
}

func testConfig() CalibrationConfig {
	cfg := DefaultCalibrationConfig()
	cfg.ZRange = [2]float64{0.1, 0.5}
	cfg.NodeStep = 0.1
	cfg.MStarZ = []float64{0.1, 0.5}
	cfg.MStar = []float64{18, 22}
	return cfg
}

func uniformColorBackground(t *testing.T, colors []float64, density float64) *background.ColorBackground {
	t.Helper()
	refmag := []float64{15, 17, 19, 21, 23, 25}
	diag := make([][][]float64, 2)
	for j := range diag {
		diag[j] = make([][]float64, len(colors))
		for c := range colors {
			diag[j][c] = make([]float64, len(refmag))
			for k := range refmag {
				diag[j][c][k] = density
			}
		}
	}
	cb, err := background.NewColor(2, colors, refmag, diag)
	require.NoError(t, err)
	return cb
}

func assertRecovered(t *testing.T, truth *redsequence.Model, p redsequence.NodeParams, sigmaTol float64) {
	t.Helper()
	for i, z := range p.ColorZ[0] {
		want := truth.ParamsAt(z)
		for j := 0; j < 2; j++ {
			assert.InDelta(t, want.C[j], p.Color[j][i], 0.01, "colour %d at z=%.2f", j, z)
			assert.InDelta(t, 0, p.Slope[j][i], 0.02, "slope %d at z=%.2f", j, z)
			assert.InDelta(t, trueSigma, p.Sigma[j][i], sigmaTol, "sigma %d at z=%.2f", j, z)
		}
	}
}

func TestCalibrateRecoversRedSequence(t *testing.T) {
	truth := truthModel(t)
	gals := trainingSet(truth, 5000, 0.1, 0.5, 1)

	mgr := NewManager(nil, nil, nil)
	p, res, err := mgr.CalibrateRedSequence(gals, testConfig(), true)
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	assert.Equal(t, 5000, res.Training)
	assert.Equal(t, 5, res.Nodes)
	assert.Empty(t, res.Filled)
	assert.NotEmpty(t, res.RunID)

	assertRecovered(t, truth, p, 0.006)
	for i, z := range p.PivotZ[1:4] {
		// refmag is uniform over [m*-2, m*+1], so the median sits at m*-0.5
		assert.InDelta(t, truth.MStarAt(z)-0.5, p.PivotMag[i+1], 0.15, "pivot at z=%.2f", z)
	}
	assert.InDelta(t, 20, p.MStar[2], 1e-9)

	model, err := mgr.BuildModel(p)
	require.NoError(t, err)
	assert.Greater(t, model.VolumeFactorAt(0.5), model.VolumeFactorAt(0.1))
}

func TestCalibrateOffDiagonalCovariance(t *testing.T) {
	truth := truthModel(t)
	gals := trainingSet(truth, 2000, 0.1, 0.5, 6)

	cfg := testConfig()
	cfg.CovmatConstant = 0.5
	mgr := NewManager(nil, nil, nil)
	p, _, err := mgr.CalibrateRedSequence(gals, cfg, true)
	require.NoError(t, err)
	require.Len(t, p.Rho, 1)
	for _, r := range p.Rho[0] {
		assert.Equal(t, 0.5, r)
	}

	model, err := mgr.BuildModel(p)
	require.NoError(t, err)
	par := model.ParamsAt(0.3)
	s0 := math.Sqrt(par.Covmat.At(0, 0))
	s1 := math.Sqrt(par.Covmat.At(1, 1))
	assert.InDelta(t, 0.5*s0*s1, par.Covmat.At(0, 1), 1e-12)
	assert.NotZero(t, par.Covmat.At(0, 1))

	cfg.CovmatConstant = 0
	p, _, err = mgr.CalibrateRedSequence(gals, cfg, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, p.Rho[0])
}

func TestCalibrateFillsSparseNodes(t *testing.T) {
	truth := truthModel(t)
	gals := trainingSet(truth, 3000, 0.1, 0.34, 2)

	p, res, err := NewManager(nil, nil, nil).CalibrateRedSequence(gals, testConfig(), true)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, res.Filled)
	for j := 0; j < 2; j++ {
		assert.Equal(t, p.Color[j][2], p.Color[j][3])
		assert.Equal(t, p.Color[j][2], p.Color[j][4])
		assert.Equal(t, p.Sigma[j][2], p.Sigma[j][4])
	}
	assert.Equal(t, p.PivotMag[2], p.PivotMag[4])
}

func TestCalibrateWithColorBackground(t *testing.T) {
	truth := truthModel(t)
	gals := trainingSet(truth, 5000, 0.1, 0.5, 3)
	cb := uniformColorBackground(t, []float64{0, 0.5, 1, 1.5, 2, 2.5, 3}, 10)

	p, res, err := NewManager(nil, cb, nil).CalibrateRedSequence(gals, testConfig(), true)
	require.NoError(t, err)
	assert.Zero(t, res.Skipped)
	assertRecovered(t, truth, p, 0.01)
}

func TestCalibrateBackgroundGaps(t *testing.T) {
	truth := truthModel(t)
	gals := trainingSet(truth, 2000, 0.1, 0.5, 4)
	// every red galaxy is redder than the table reaches
	cb := uniformColorBackground(t, []float64{0, 0.25, 0.5}, 10)
	mgr := NewManager(nil, cb, nil)

	_, _, err := mgr.CalibrateRedSequence(gals, testConfig(), true)
	assert.ErrorIs(t, err, types.ErrBackgroundGap)

	p, res, err := mgr.CalibrateRedSequence(gals, testConfig(), false)
	require.NoError(t, err)
	assert.Positive(t, res.Skipped)
	assertRecovered(t, truth, p, 0.01)
}

func TestCalibrateRejectsBadInput(t *testing.T) {
	mgr := NewManager(nil, nil, nil)

	_, _, err := mgr.CalibrateRedSequence(nil, testConfig(), true)
	assert.ErrorIs(t, err, types.ErrNoGalaxies)

	cfg := testConfig()
	cfg.NodeStep = 0
	_, _, err = mgr.CalibrateRedSequence(nil, cfg, true)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	cfg = testConfig()
	cfg.CovmatConstant = 1
	_, _, err = mgr.CalibrateRedSequence(nil, cfg, true)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	cfg = testConfig()
	cfg.MStar = cfg.MStar[:1]
	_, _, err = mgr.CalibrateRedSequence(nil, cfg, true)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	cb := uniformColorBackground(t, []float64{0, 1}, 1)
	cfg = testConfig()
	cfg.NMag, cfg.RefIndex = 4, 3
	_, _, err = NewManager(nil, cb, nil).CalibrateRedSequence(nil, cfg, true)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestReadTraining(t *testing.T) {
	truth := truthModel(t)
	train := trainingSet(truth, 20, 0.2, 0.3, 5)
	gals := make([]types.Galaxy, len(train))
	zs := make([]float64, len(train))
	for i, g := range train {
		gals[i], zs[i] = g.Galaxy, g.Z
	}

	path := filepath.Join(t.TempDir(), "train.rmt")
	tbl := catalog.GalaxyTable(gals, nil)
	tbl.AddFloat64("z", zs)
	require.NoError(t, catalog.WriteFile(path, tbl))

	out, err := ReadTraining(path)
	require.NoError(t, err)
	require.Len(t, out, len(train))
	assert.Equal(t, train[7].Z, out[7].Z)
	assert.Equal(t, 1.0, out[7].P)
	assert.InDelta(t, train[7].RefMag, out[7].RefMag, 1e-12)

	tbl = catalog.GalaxyTable(gals, nil)
	require.NoError(t, catalog.WriteFile(path, tbl))
	_, err = ReadTraining(path)
	assert.ErrorIs(t, err, types.ErrMissingColumn)
}
