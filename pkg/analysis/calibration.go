// Package analysis calibrates the red-sequence model from training galaxies
// with known host redshifts.
package analysis

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
	"github.com/jacobic/redmapper/pkg/background"
	"github.com/jacobic/redmapper/pkg/catalog"
	"github.com/jacobic/redmapper/pkg/redsequence"
)

// CalibrationConfig controls CalibrateRedSequence.
type CalibrationConfig struct {
	NMag     int
	RefIndex int
	ZRange   [2]float64
	NodeStep float64

	// MinComp is the fewest training galaxies a node needs. Nodes with
	// fewer copy their nearest calibrated neighbour.
	MinComp int
	// NSig clips colour outliers after the first fit.
	NSig     float64
	MinSigma float64
	// CovmatConstant is the correlation coefficient assigned to every
	// colour pair at every node.
	CovmatConstant float64
	// BkgArea converts the colour background density (per deg^2) into an
	// expected field count per training galaxy.
	BkgArea float64

	// MStarZ and MStar tabulate the reference m*(z) relation. When empty,
	// m* = MStarAbs + DM(z).
	MStarZ   []float64
	MStar    []float64
	MStarAbs float64
}

// DefaultCalibrationConfig returns the settings used for a three-band survey.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		NMag:           3,
		RefIndex:       2,
		ZRange:         [2]float64{0.05, 0.6},
		NodeStep:       0.05,
		MinComp:        10,
		NSig:           3,
		MinSigma:       0.01,
		CovmatConstant: 0.9,
		BkgArea:        0.01,
		MStarAbs:       -21.2,
	}
}

func (c CalibrationConfig) validate() error {
	if c.NMag < 2 || c.RefIndex < 0 || c.RefIndex >= c.NMag {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "nmag=%d refindex=%d", c.NMag, c.RefIndex)
	}
	if !(c.ZRange[1] > c.ZRange[0]) || c.NodeStep <= 0 {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "zrange=%v nodestep=%g", c.ZRange, c.NodeStep)
	}
	if !(math.Abs(c.CovmatConstant) < 1) {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "covmat constant %g outside (-1, 1)", c.CovmatConstant)
	}
	if len(c.MStarZ) != len(c.MStar) || len(c.MStarZ) == 1 {
		return errorsmod.Wrapf(types.ErrInvalidConfig, "m* relation has %d nodes and %d values", len(c.MStarZ), len(c.MStar))
	}
	return nil
}

func (c CalibrationConfig) nodes() []float64 {
	n := int(math.Floor((c.ZRange[1]-c.ZRange[0])/c.NodeStep+1e-9)) + 1
	zs := make([]float64, n)
	for i := range zs {
		zs[i] = c.ZRange[0] + float64(i)*c.NodeStep
	}
	if zs[n-1] < c.ZRange[1]-1e-9 {
		zs = append(zs, c.ZRange[1])
	}
	return zs
}

// Manager runs red-sequence calibrations.
type Manager struct {
	cosmo  *cosmology.Cosmology
	bkg    *background.ColorBackground
	logger *slog.Logger
}

// NewManager creates a calibration manager. A nil colour background
// weights every galaxy by its membership probability alone.
func NewManager(cosmo *cosmology.Cosmology, bkg *background.ColorBackground, logger *slog.Logger) *Manager {
	if cosmo == nil {
		cosmo = cosmology.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cosmo: cosmo, bkg: bkg, logger: logger}
}

type calibration struct {
	cfg     CalibrationConfig
	doRaise bool
	skipped int
}

// CalibrateRedSequence fits the red-sequence node parameters to training
// galaxies. Each node uses the galaxies whose redshift lies between the
// midpoints to its neighbours. With doRaise set, a galaxy outside the
// colour background aborts the fit; otherwise it is left out of the
// background-weighted pass.
func (m *Manager) CalibrateRedSequence(gals []types.TrainingGalaxy, cfg CalibrationConfig, doRaise bool) (redsequence.NodeParams, *types.CalibrationResult, error) {
	start := time.Now()
	if err := cfg.validate(); err != nil {
		return redsequence.NodeParams{}, nil, err
	}
	if m.bkg != nil && m.bkg.NCol != cfg.NMag-1 {
		return redsequence.NodeParams{}, nil, errorsmod.Wrapf(types.ErrInvalidConfig,
			"colour background has %d colours, want %d", m.bkg.NCol, cfg.NMag-1)
	}

	var train []types.TrainingGalaxy
	for _, g := range gals {
		if g.P > 0 && len(g.Mag) == cfg.NMag && len(g.MagErr) == cfg.NMag {
			train = append(train, g)
		}
	}
	if len(train) < cfg.MinComp {
		return redsequence.NodeParams{}, nil, errorsmod.Wrapf(types.ErrNoGalaxies,
			"%d usable training galaxies, need %d", len(train), cfg.MinComp)
	}

	zs := cfg.nodes()
	ncol := cfg.NMag - 1
	p := redsequence.NodeParams{
		NMag:     cfg.NMag,
		RefIndex: cfg.RefIndex,
		ZRange:   cfg.ZRange,
		Step:     redsequence.DefaultStep,
		PivotZ:   zs,
		PivotMag: make([]float64, len(zs)),
		CovZ:     zs,
		MStarZ:   zs,
	}
	for j := 0; j < ncol; j++ {
		p.ColorZ = append(p.ColorZ, zs)
		p.Color = append(p.Color, make([]float64, len(zs)))
		p.SlopeZ = append(p.SlopeZ, zs)
		p.Slope = append(p.Slope, make([]float64, len(zs)))
		p.Sigma = append(p.Sigma, make([]float64, len(zs)))
	}
	for i := 0; i < ncol*(ncol-1)/2; i++ {
		rho := make([]float64, len(zs))
		for k := range rho {
			rho[k] = cfg.CovmatConstant
		}
		p.Rho = append(p.Rho, rho)
	}

	mstar, err := m.mstarRelation(cfg)
	if err != nil {
		return redsequence.NodeParams{}, nil, err
	}
	p.MStar = make([]float64, len(zs))
	for i, z := range zs {
		p.MStar[i] = mstar(z)
	}

	cal := &calibration{cfg: cfg, doRaise: doRaise}
	ok := make([]bool, len(zs))
	for i, zn := range zs {
		lo, hi := math.Inf(-1), math.Inf(1)
		if i > 0 {
			lo = 0.5 * (zs[i-1] + zn)
		}
		if i < len(zs)-1 {
			hi = 0.5 * (zn + zs[i+1])
		}
		var sel []types.TrainingGalaxy
		for _, g := range train {
			if g.Z > lo && g.Z <= hi {
				sel = append(sel, g)
			}
		}
		if len(sel) < cfg.MinComp {
			m.logger.Debug("too few training galaxies at node", "z", zn, "n", len(sel))
			continue
		}
		if err := m.fitNode(cal, &p, i, zn, sel); err != nil {
			return redsequence.NodeParams{}, nil, errorsmod.Wrapf(err, "node z=%.3f", zn)
		}
		ok[i] = true
	}

	filled, err := fillNodes(&p, ok)
	if err != nil {
		return redsequence.NodeParams{}, nil, err
	}
	res := &types.CalibrationResult{
		RunID:     uuid.NewString(),
		Training:  len(train),
		Nodes:     len(zs),
		Filled:    filled,
		Skipped:   cal.skipped,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	m.logger.Info("red sequence calibrated", "run_id", res.RunID, "training", res.Training,
		"nodes", res.Nodes, "filled", len(filled), "skipped", res.Skipped)
	return p, res, nil
}

// BuildModel turns calibrated node parameters into a model, which also
// tabulates the volume factor from the manager's cosmology.
func (m *Manager) BuildModel(p redsequence.NodeParams) (*redsequence.Model, error) {
	return redsequence.New(p, m.cosmo)
}

func (m *Manager) mstarRelation(cfg CalibrationConfig) (func(float64) float64, error) {
	if len(cfg.MStarZ) == 0 {
		return func(z float64) float64 {
			return cfg.MStarAbs + m.cosmo.DistanceModulus(z)
		}, nil
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(cfg.MStarZ, cfg.MStar); err != nil {
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "m* relation: %v", err)
	}
	zlo, zhi := cfg.MStarZ[0], cfg.MStarZ[len(cfg.MStarZ)-1]
	return func(z float64) float64 {
		return pl.Predict(math.Min(math.Max(z, zlo), zhi))
	}, nil
}

func (m *Manager) fitNode(cal *calibration, p *redsequence.NodeParams, i int, zn float64, sel []types.TrainingGalaxy) error {
	refmag := make([]float64, len(sel))
	w := make([]float64, len(sel))
	for k, g := range sel {
		refmag[k], w[k] = g.RefMag, g.P
	}
	pivot := weightedMedian(refmag, w)
	p.PivotMag[i] = pivot

	for j := 0; j < p.NColor(); j++ {
		col := make([]float64, len(sel))
		cerr := make([]float64, len(sel))
		for k := range sel {
			col[k], cerr[k] = sel[k].Color(j)
		}
		design := func(k int) []float64 {
			return []float64{1, sel[k].Z - zn, sel[k].RefMag - pivot}
		}

		coef, resid, ferr := weightedFit(design, col, w)
		if ferr != nil {
			return ferr
		}
		dev := make([]float64, len(resid))
		for k, r := range resid {
			dev[k] = math.Abs(r)
		}
		sigma0 := math.Max(1.4826*weightedMedian(dev, w), cal.cfg.MinSigma)

		w2 := make([]float64, len(sel))
		for k, g := range sel {
			tot := math.Sqrt(sigma0*sigma0 + cerr[k]*cerr[k])
			if math.Abs(resid[k]) > cal.cfg.NSig*tot {
				continue
			}
			w2[k] = g.P
			if m.bkg == nil {
				continue
			}
			b, inside, berr := m.bkg.LookupDiagonal(j, col[k], g.RefMag, cal.doRaise)
			if berr != nil {
				return berr
			}
			if !inside {
				cal.skipped++
				w2[k] = 0
				continue
			}
			u := math.Exp(-0.5*resid[k]*resid[k]/(tot*tot)) / (math.Sqrt(2*math.Pi) * tot)
			w2[k] = g.P * u / (u + b*cal.cfg.BkgArea)
		}
		if floats.Sum(w2) > 0 {
			if c2, r2, ferr := weightedFit(design, col, w2); ferr == nil {
				coef, resid = c2, r2
			} else {
				m.logger.Debug("weighted refit failed, keeping first pass", "z", zn, "color", j, "err", ferr)
				w2 = w
			}
		} else {
			w2 = w
		}

		var sw, sr, se float64
		for k, r := range resid {
			sw += w2[k]
			sr += w2[k] * r * r
			se += w2[k] * cerr[k] * cerr[k]
		}
		v := sr/sw - se/sw
		p.Color[j][i] = coef[0]
		p.Slope[j][i] = coef[2]
		p.Sigma[j][i] = math.Sqrt(math.Max(v, cal.cfg.MinSigma*cal.cfg.MinSigma))
	}
	return nil
}

// fillNodes copies the nearest calibrated node into each node that had too
// few galaxies, and returns the filled indices.
func fillNodes(p *redsequence.NodeParams, ok []bool) ([]int, error) {
	var good []int
	for i, v := range ok {
		if v {
			good = append(good, i)
		}
	}
	if len(good) == 0 {
		return nil, errorsmod.Wrap(types.ErrNoGalaxies, "no redshift node has enough training galaxies")
	}
	var filled []int
	for i, v := range ok {
		if v {
			continue
		}
		src := good[0]
		for _, g := range good {
			if abs(g-i) < abs(src-i) {
				src = g
			}
		}
		p.PivotMag[i] = p.PivotMag[src]
		for j := range p.Color {
			p.Color[j][i] = p.Color[j][src]
			p.Slope[j][i] = p.Slope[j][src]
			p.Sigma[j][i] = p.Sigma[j][src]
		}
		filled = append(filled, i)
	}
	return filled, nil
}

// weightedFit solves the weighted linear least-squares problem y ~ X c.
func weightedFit(row func(k int) []float64, y, w []float64) (coef, resid []float64, err error) {
	ncoef := len(row(0))
	var n int
	for _, wk := range w {
		if wk > 0 {
			n++
		}
	}
	if n <= ncoef {
		return nil, nil, fmt.Errorf("weighted fit: %d weighted points for %d coefficients", n, ncoef)
	}
	a := mat.NewDense(n, ncoef, nil)
	b := mat.NewVecDense(n, nil)
	r := 0
	for k, wk := range w {
		if wk <= 0 {
			continue
		}
		sw := math.Sqrt(wk)
		for c, x := range row(k) {
			a.Set(r, c, sw*x)
		}
		b.SetVec(r, sw*y[k])
		r++
	}
	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return nil, nil, fmt.Errorf("weighted fit: %w", err)
	}
	coef = c.RawVector().Data
	resid = make([]float64, len(y))
	for k := range y {
		x := row(k)
		fit := 0.0
		for i := range coef {
			fit += coef[i] * x[i]
		}
		resid[k] = y[k] - fit
	}
	return coef, resid, nil
}

func weightedMedian(x, w []float64) float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	xs := make([]float64, len(x))
	ws := make([]float64, len(x))
	for i, k := range idx {
		xs[i], ws[i] = x[k], w[k]
	}
	return stat.Quantile(0.5, stat.Empirical, xs, ws)
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// ReadTraining loads training galaxies from a galaxy table with extra z and
// p columns. A missing p column gives every galaxy p = 1.
func ReadTraining(path string) ([]types.TrainingGalaxy, error) {
	tbl, err := catalog.ReadFile(path)
	if err != nil {
		return nil, err
	}
	gals, err := catalog.GalaxiesFromTable(tbl)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "training set %s", path)
	}
	zcol, err := tbl.Column("z")
	if err != nil {
		return nil, errorsmod.Wrapf(err, "training set %s", path)
	}
	out := make([]types.TrainingGalaxy, len(gals))
	for i, g := range gals {
		out[i] = types.TrainingGalaxy{Galaxy: g, Z: zcol.Floats[i], P: 1}
	}
	if pcol, err := tbl.Column("p"); err == nil {
		for i := range out {
			out[i].P = pcol.Floats[i]
		}
	}
	return out, nil
}
