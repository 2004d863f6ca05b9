package utils

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	errorsmod "cosmossdk.io/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/analysis"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/richness"
	"github.com/jacobic/redmapper/pkg/runner"
	"github.com/jacobic/redmapper/pkg/zlambda"
)

// EnvPrefix prefixes environment overrides, e.g. REDMAPPER_RUN_MODE.
const EnvPrefix = "REDMAPPER"

// Config represents the cluster finder configuration
type Config struct {
	Run         RunConfig         `yaml:"run" mapstructure:"run"`
	Model       ModelConfig       `yaml:"model" mapstructure:"model"`
	Richness    RichnessConfig    `yaml:"richness" mapstructure:"richness"`
	ZLambda     ZLambdaConfig     `yaml:"zlambda" mapstructure:"zlambda"`
	Percolation PercolationConfig `yaml:"percolation" mapstructure:"percolation"`
	Cosmology   CosmologyConfig   `yaml:"cosmology" mapstructure:"cosmology"`
	Calibration CalibrationConfig `yaml:"calibration" mapstructure:"calibration"`
	Tiles       TilesConfig       `yaml:"tiles" mapstructure:"tiles"`
	Client      ClientConfig      `yaml:"client" mapstructure:"client"`
	Resources   ResourcesConfig   `yaml:"resources" mapstructure:"resources"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// RunConfig selects the run mode and its switches.
type RunConfig struct {
	Mode               string     `yaml:"mode" mapstructure:"mode"`
	Doublerun          bool       `yaml:"doublerun" mapstructure:"doublerun"`
	PercolationMasking bool       `yaml:"percolation_masking" mapstructure:"percolation_masking"`
	RecordMembers      bool       `yaml:"record_members" mapstructure:"record_members"`
	RunCatZLambda      bool       `yaml:"runcat_zlambda" mapstructure:"runcat_zlambda"`
	CalcPz             bool       `yaml:"calc_pz" mapstructure:"calc_pz"`
	LamPlusMinus       bool       `yaml:"lam_plusminus" mapstructure:"lam_plusminus"`
	Epsilon            float64    `yaml:"epsilon" mapstructure:"epsilon"`
	MinLambda          float64    `yaml:"min_lambda" mapstructure:"min_lambda"`
	ScanZRange         [2]float64 `yaml:"scan_zrange" mapstructure:"scan_zrange"`
	ScanStep           float64    `yaml:"scan_step" mapstructure:"scan_step"`
	DoRaise            bool       `yaml:"do_raise" mapstructure:"do_raise"`
}

// ModelConfig locates the model files.
type ModelConfig struct {
	ParFile      string `yaml:"parfile" mapstructure:"parfile"`
	BkgFile      string `yaml:"bkgfile" mapstructure:"bkgfile"`
	BkgFileColor string `yaml:"bkgfile_color" mapstructure:"bkgfile_color"`
}

// RichnessConfig contains the richness aperture settings
type RichnessConfig struct {
	R0        float64 `yaml:"r0" mapstructure:"r0"`
	Beta      float64 `yaml:"beta" mapstructure:"beta"`
	LimLum    float64 `yaml:"limlum" mapstructure:"limlum"`
	MinLambda float64 `yaml:"min_lambda" mapstructure:"min_lambda"`
	SolverTol float64 `yaml:"solver_tol" mapstructure:"solver_tol"`
}

// ZLambdaConfig contains the redshift iteration settings
type ZLambdaConfig struct {
	MaxIter       int     `yaml:"maxiter" mapstructure:"maxiter"`
	Tol           float64 `yaml:"tol" mapstructure:"tol"`
	TopFrac       float64 `yaml:"topfrac" mapstructure:"topfrac"`
	ParabStep     float64 `yaml:"parab_step" mapstructure:"parab_step"`
	NPzBins       int     `yaml:"npzbins" mapstructure:"npzbins"`
	LValReference float64 `yaml:"lval_reference" mapstructure:"lval_reference"`
	CalcErr       bool    `yaml:"calc_err" mapstructure:"calc_err"`
}

// PercolationConfig contains the masking radius and member cuts
type PercolationConfig struct {
	RMask0      float64 `yaml:"rmask_0" mapstructure:"rmask_0"`
	RMaskBeta   float64 `yaml:"rmask_beta" mapstructure:"rmask_beta"`
	RMaskGamma  float64 `yaml:"rmask_gamma" mapstructure:"rmask_gamma"`
	RMaskZPivot float64 `yaml:"rmask_zpivot" mapstructure:"rmask_zpivot"`
	LMask       float64 `yaml:"lmask" mapstructure:"lmask"`
	MemRadius   float64 `yaml:"memradius" mapstructure:"memradius"`
	MemLum      float64 `yaml:"memlum" mapstructure:"memlum"`
}

// CosmologyConfig is a flat LCDM cosmology
type CosmologyConfig struct {
	H0     float64 `yaml:"h0" mapstructure:"h0"`
	OmegaM float64 `yaml:"omega_m" mapstructure:"omega_m"`
}

// CalibrationConfig contains the red-sequence calibration settings
type CalibrationConfig struct {
	TrainingFile   string     `yaml:"training_file" mapstructure:"training_file"`
	OutFile        string     `yaml:"outfile" mapstructure:"outfile"`
	NMag           int        `yaml:"nmag" mapstructure:"nmag"`
	RefIndex       int        `yaml:"ref_index" mapstructure:"ref_index"`
	ZRange         [2]float64 `yaml:"zrange" mapstructure:"zrange"`
	NodeStep       float64    `yaml:"node_step" mapstructure:"node_step"`
	MinComp        int        `yaml:"min_comp" mapstructure:"min_comp"`
	NSig           float64    `yaml:"nsig" mapstructure:"nsig"`
	BkgArea        float64    `yaml:"bkg_area" mapstructure:"bkg_area"`
	CovmatConstant float64    `yaml:"covmat_constant" mapstructure:"covmat_constant"`
	MStarAbs       float64    `yaml:"mstar_abs" mapstructure:"mstar_abs"`
	MStarZ         []float64  `yaml:"mstar_z" mapstructure:"mstar_z"`
	MStar          []float64  `yaml:"mstar" mapstructure:"mstar"`
}

// TilesConfig lists the sky tiles of a run.
type TilesConfig struct {
	OutDir string       `yaml:"outdir" mapstructure:"outdir"`
	List   []TileConfig `yaml:"list" mapstructure:"list"`
}

// TileConfig is one sky tile. Footprint boxes are [ramin, ramax, decmin,
// decmax] and holes [ra, dec, radius], all in degrees. An empty footprint
// covers the whole sky. LimMag <= 0 fits the depth around each cluster.
type TileConfig struct {
	ID          string       `yaml:"id" mapstructure:"id"`
	GalFile     string       `yaml:"galfile" mapstructure:"galfile"`
	ClusterFile string       `yaml:"clusterfile" mapstructure:"clusterfile"`
	Footprint   [][4]float64 `yaml:"footprint,omitempty" mapstructure:"footprint"`
	Holes       [][3]float64 `yaml:"holes,omitempty" mapstructure:"holes"`
	LimMag      float64      `yaml:"limmag" mapstructure:"limmag"`
}

// ClientConfig contains client-specific configuration
type ClientConfig struct {
	DataDir  string `yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ResourcesConfig contains resource limits
type ResourcesConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// MetricsConfig controls the /metrics endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".redmapper", "data")

	s := runner.DefaultSettings()
	cal := analysis.DefaultCalibrationConfig()
	cosmo := cosmology.Default()

	return &Config{
		Run: RunConfig{
			Mode:               string(s.Mode),
			Doublerun:          true,
			PercolationMasking: s.PercolationMasking,
			RecordMembers:      s.RecordMembers,
			RunCatZLambda:      s.RunCatZLambda,
			CalcPz:             true,
			LamPlusMinus:       s.LamPlusMinus,
			Epsilon:            s.Epsilon,
			MinLambda:          s.MinLambda,
			ScanStep:           s.ScanStep,
		},
		Model: ModelConfig{
			ParFile: filepath.Join(dataDir, "redsequence.rmm"),
			BkgFile: filepath.Join(dataDir, "background.rmb"),
		},
		Richness: RichnessConfig{
			R0:        s.Richness.R0,
			Beta:      s.Richness.Beta,
			LimLum:    s.Richness.LimLum,
			MinLambda: s.Richness.MinLambda,
			SolverTol: s.Richness.Tol,
		},
		ZLambda: ZLambdaConfig{
			MaxIter:       s.ZLambda.MaxIter,
			Tol:           s.ZLambda.Tol,
			TopFrac:       s.ZLambda.TopFrac,
			ParabStep:     s.ZLambda.ParabStep,
			NPzBins:       s.ZLambda.NPzBins,
			LValReference: s.ZLambda.LValRef,
			CalcErr:       s.ZLambda.CalcErr,
		},
		Percolation: PercolationConfig{
			RMask0:      s.Percolation.RMask0,
			RMaskBeta:   s.Percolation.RMaskBeta,
			RMaskGamma:  s.Percolation.RMaskGamma,
			RMaskZPivot: s.Percolation.RMaskZPivot,
		},
		Cosmology: CosmologyConfig{H0: cosmo.H0, OmegaM: cosmo.OmegaM},
		Calibration: CalibrationConfig{
			OutFile:        filepath.Join(dataDir, "redsequence.rmm"),
			NMag:           cal.NMag,
			RefIndex:       cal.RefIndex,
			ZRange:         cal.ZRange,
			NodeStep:       cal.NodeStep,
			MinComp:        cal.MinComp,
			NSig:           cal.NSig,
			BkgArea:        cal.BkgArea,
			CovmatConstant: cal.CovmatConstant,
			MStarAbs:       cal.MStarAbs,
		},
		Tiles: TilesConfig{
			OutDir: filepath.Join(dataDir, "out"),
		},
		Client: ClientConfig{
			DataDir:  dataDir,
			LogLevel: "info",
		},
		Resources: ResourcesConfig{MaxConcurrent: 4},
	}
}

// LoadConfig reads the configuration at path over the defaults. With an
// empty path it searches ~/.redmapper, . and ./configs for config.yaml,
// and falls back to the defaults when none exists. Environment variables
// with the REDMAPPER_ prefix override file values.
func LoadConfig(path string) (*Config, error) {
	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".redmapper"))
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig writes the configuration as YAML to path.
func SaveConfig(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the default path of the config file
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".redmapper", "config.yaml"), nil
}

func invalid(format string, args ...interface{}) error {
	return errorsmod.Wrapf(types.ErrInvalidConfig, format, args...)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if _, err := runner.ParseMode(config.Run.Mode); err != nil {
		return err
	}
	if config.Run.Epsilon <= 0 {
		return invalid("run.epsilon must be positive")
	}
	if config.Richness.R0 <= 0 {
		return invalid("richness.r0 must be positive")
	}
	if config.Richness.LimLum <= 0 || config.ZLambda.LValReference <= 0 {
		return invalid("luminosity cuts must be positive")
	}
	if config.Richness.SolverTol <= 0 {
		return invalid("richness.solver_tol must be positive")
	}
	if config.ZLambda.MaxIter < 1 {
		return invalid("zlambda.maxiter must be at least 1")
	}
	if config.ZLambda.Tol <= 0 || config.ZLambda.ParabStep <= 0 {
		return invalid("zlambda.tol and zlambda.parab_step must be positive")
	}
	if config.ZLambda.TopFrac <= 0 || config.ZLambda.TopFrac > 1 {
		return invalid("zlambda.topfrac must be in (0, 1]")
	}
	if config.ZLambda.NPzBins < 3 {
		return invalid("zlambda.npzbins must be at least 3")
	}
	if config.Cosmology.H0 <= 0 || config.Cosmology.OmegaM <= 0 || config.Cosmology.OmegaM > 1 {
		return invalid("cosmology h0=%g omega_m=%g", config.Cosmology.H0, config.Cosmology.OmegaM)
	}
	if !(math.Abs(config.Calibration.CovmatConstant) < 1) {
		return invalid("calibration.covmat_constant must be in (-1, 1)")
	}
	if config.Resources.MaxConcurrent < 1 {
		return invalid("resources.max_concurrent must be at least 1")
	}
	if _, err := ParseLogLevel(config.Client.LogLevel); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, t := range config.Tiles.List {
		if t.ID == "" {
			return invalid("tile without id")
		}
		if seen[t.ID] {
			return invalid("duplicate tile %q", t.ID)
		}
		seen[t.ID] = true
		if t.GalFile == "" || t.ClusterFile == "" {
			return invalid("tile %q needs galfile and clusterfile", t.ID)
		}
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, invalid("log level %q", s)
	}
	return l, nil
}

// Settings converts the configuration into runner settings.
func (c *Config) Settings() (runner.Settings, error) {
	mode, err := runner.ParseMode(c.Run.Mode)
	if err != nil {
		return runner.Settings{}, err
	}
	s := runner.DefaultSettings()
	s.Mode = mode
	s.Doublerun = c.Run.Doublerun
	s.PercolationMasking = c.Run.PercolationMasking
	s.RecordMembers = c.Run.RecordMembers
	s.RunCatZLambda = c.Run.RunCatZLambda
	s.LamPlusMinus = c.Run.LamPlusMinus
	s.Epsilon = c.Run.Epsilon
	s.MinLambda = c.Run.MinLambda
	s.ScanZRange = c.Run.ScanZRange
	s.ScanStep = c.Run.ScanStep
	s.Percolation = runner.Percolation{
		RMask0:      c.Percolation.RMask0,
		RMaskBeta:   c.Percolation.RMaskBeta,
		RMaskGamma:  c.Percolation.RMaskGamma,
		RMaskZPivot: c.Percolation.RMaskZPivot,
		LMask:       c.Percolation.LMask,
		MemRadius:   c.Percolation.MemRadius,
		MemLum:      c.Percolation.MemLum,
	}
	s.Richness = richness.Params{
		R0:        c.Richness.R0,
		Beta:      c.Richness.Beta,
		LimLum:    c.Richness.LimLum,
		MinLambda: c.Richness.MinLambda,
		Tol:       c.Richness.SolverTol,
		DoRaise:   c.Run.DoRaise,
	}
	s.ZLambda = zlambda.Params{
		MaxIter:   c.ZLambda.MaxIter,
		Tol:       c.ZLambda.Tol,
		TopFrac:   c.ZLambda.TopFrac,
		ParabStep: c.ZLambda.ParabStep,
		MinLambda: c.Richness.MinLambda,
		LValRef:   c.ZLambda.LValReference,
		CalcErr:   c.ZLambda.CalcErr,
		CalcPz:    c.Run.CalcPz,
		NPzBins:   c.ZLambda.NPzBins,
	}
	return s, nil
}

// Cosmo returns the configured cosmology.
func (c *Config) Cosmo() *cosmology.Cosmology {
	return cosmology.New(c.Cosmology.H0, c.Cosmology.OmegaM)
}

// CalibrationSettings converts the calibration section.
func (c *Config) CalibrationSettings() analysis.CalibrationConfig {
	cal := analysis.DefaultCalibrationConfig()
	cal.NMag = c.Calibration.NMag
	cal.RefIndex = c.Calibration.RefIndex
	cal.ZRange = c.Calibration.ZRange
	cal.NodeStep = c.Calibration.NodeStep
	cal.MinComp = c.Calibration.MinComp
	cal.NSig = c.Calibration.NSig
	cal.BkgArea = c.Calibration.BkgArea
	cal.CovmatConstant = c.Calibration.CovmatConstant
	cal.MStarAbs = c.Calibration.MStarAbs
	cal.MStarZ = c.Calibration.MStarZ
	cal.MStar = c.Calibration.MStar
	return cal
}

// Mask returns the tile footprint.
func (t TileConfig) Mask() mask.Mask {
	if len(t.Footprint) == 0 {
		return mask.Full{}
	}
	fp := &mask.Footprint{}
	for _, b := range t.Footprint {
		fp.Boxes = append(fp.Boxes, mask.Box{RAMin: b[0], RAMax: b[1], DecMin: b[2], DecMax: b[3]})
	}
	for _, h := range t.Holes {
		fp.Holes = append(fp.Holes, mask.Circle{RA: h[0], Dec: h[1], Radius: h[2]})
	}
	return fp
}

// Depth returns the tile depth map, or nil to fit it per cluster.
func (t TileConfig) Depth() mask.Depth {
	if t.LimMag <= 0 {
		return nil
	}
	return mask.ConstantDepth(t.LimMag)
}

// Tile returns the named tile.
func (c *Config) Tile(id string) (TileConfig, error) {
	for _, t := range c.Tiles.List {
		if t.ID == id {
			return t, nil
		}
	}
	return TileConfig{}, invalid("unknown tile %q", id)
}
