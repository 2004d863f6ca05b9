package utils

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/runner"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, validateConfig(cfg))

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, runner.ModeFullRun, s.Mode)
	assert.True(t, s.Doublerun)
	assert.True(t, s.ZLambda.CalcPz)
	assert.Equal(t, 1.0, s.Richness.R0)
	assert.Equal(t, 0.2, s.ZLambda.LValRef)
	assert.Equal(t, 100.0, cfg.Cosmo().H0)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	cfg := DefaultConfig()
	cfg.Run.Mode = "runcat"
	cfg.Percolation.RMaskGamma = -0.5
	cfg.Tiles.List = []TileConfig{{
		ID: "t0", GalFile: "g.rmt", ClusterFile: "c.rmt",
		Footprint: [][4]float64{{10, 20, -5, 5}},
		Holes:     [][3]float64{{15, 0, 0.1}},
		LimMag:    22.5,
	}}
	cfg.Calibration.MStarZ = []float64{0.1, 0.5}
	cfg.Calibration.MStar = []float64{18, 22}
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	s, err := got.Settings()
	require.NoError(t, err)
	assert.Equal(t, runner.ModeRunCat, s.Mode)
	assert.Equal(t, -0.5, s.Percolation.RMaskGamma)

	tile, err := got.Tile("t0")
	require.NoError(t, err)
	m := tile.Mask()
	assert.True(t, m.Covered(12, 0))
	assert.False(t, m.Covered(15, 0.05))
	assert.False(t, m.Covered(25, 0))
	assert.Equal(t, mask.ConstantDepth(22.5), tile.Depth())

	_, err = got.Tile("t9")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	cal := got.CalibrationSettings()
	assert.Equal(t, []float64{18, 22}, cal.MStar)
	assert.Equal(t, 0.9, cal.CovmatConstant)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  mode: zscan\nzlambda:\n  maxiter: 7\n"), 0644))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "zscan", got.Run.Mode)
	assert.Equal(t, 7, got.ZLambda.MaxIter)
	assert.Equal(t, DefaultConfig().ZLambda.Tol, got.ZLambda.Tol)
	assert.Equal(t, 4, got.Resources.MaxConcurrent)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))
	t.Setenv("REDMAPPER_RUN_MODE", "zredonly")
	t.Setenv("REDMAPPER_RESOURCES_MAX_CONCURRENT", "9")

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "zredonly", got.Run.Mode)
	assert.Equal(t, 9, got.Resources.MaxConcurrent)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  mode: sideways\n"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"epsilon":      func(c *Config) { c.Run.Epsilon = 0 },
		"r0":           func(c *Config) { c.Richness.R0 = -1 },
		"maxiter":      func(c *Config) { c.ZLambda.MaxIter = 0 },
		"topfrac":      func(c *Config) { c.ZLambda.TopFrac = 1.5 },
		"npzbins":      func(c *Config) { c.ZLambda.NPzBins = 1 },
		"omega_m":      func(c *Config) { c.Cosmology.OmegaM = 0 },
		"covmat":       func(c *Config) { c.Calibration.CovmatConstant = -1 },
		"concurrency":  func(c *Config) { c.Resources.MaxConcurrent = 0 },
		"log level":    func(c *Config) { c.Client.LogLevel = "loud" },
		"tile id":      func(c *Config) { c.Tiles.List = []TileConfig{{GalFile: "g", ClusterFile: "c"}} },
		"tile files":   func(c *Config) { c.Tiles.List = []TileConfig{{ID: "a"}} },
		"tile repeats": func(c *Config) { c.Tiles.List = []TileConfig{{ID: "a", GalFile: "g", ClusterFile: "c"}, {ID: "a", GalFile: "g", ClusterFile: "c"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.ErrorIs(t, validateConfig(cfg), types.ErrInvalidConfig)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	l, err := ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	tile := TileConfig{}
	assert.Equal(t, mask.Full{}, tile.Mask())
	assert.Nil(t, tile.Depth())
}
