// Package redsequence holds the redshift-dependent red-sequence colour model.
//
// The model is calibrated on sparse redshift nodes (see NodeParams) and
// evaluated by natural cubic splines between them. Outside the node range
// every quantity is held at its edge value. A Model is immutable once built
// and is shared read-only by every cluster of a run.
package redsequence

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
)

// DefaultStep is the fine redshift grid spacing used for index lookups and
// the volume factor table.
const DefaultStep = 0.005

// NodeParams are the calibrated node values of the model. Colour quantities
// are indexed [colour][node]; Rho is indexed [pair][node] with pairs (j, k),
// j < k, in row-major order.
type NodeParams struct {
	NMag     int
	RefIndex int
	ZRange   [2]float64
	Step     float64

	PivotZ   []float64
	PivotMag []float64

	ColorZ [][]float64
	Color  [][]float64
	SlopeZ [][]float64
	Slope  [][]float64

	CovZ  []float64
	Sigma [][]float64
	Rho   [][]float64

	CorrZ     []float64
	Corr      []float64
	CorrSlope []float64

	MStarZ []float64
	MStar  []float64
}

// NColor returns the number of colours.
func (p *NodeParams) NColor() int {
	return p.NMag - 1
}

// PairIndex returns the position of colour pair (j, k), j < k, in Rho.
func PairIndex(ncol, j, k int) int {
	if j > k {
		j, k = k, j
	}
	return j*ncol - j*(j+1)/2 + (k - j - 1)
}

// Validate checks the structural invariants of the node parameters.
func (p *NodeParams) Validate() error {
	if p.NMag < 2 {
		return fmt.Errorf("need at least 2 magnitudes, got %d", p.NMag)
	}
	if p.RefIndex < 0 || p.RefIndex >= p.NMag {
		return fmt.Errorf("reference band %d outside [0, %d)", p.RefIndex, p.NMag)
	}
	if !(p.ZRange[0] >= 0 && p.ZRange[1] > p.ZRange[0]) {
		return fmt.Errorf("invalid redshift range %v", p.ZRange)
	}
	ncol := p.NColor()
	if len(p.ColorZ) != ncol || len(p.Color) != ncol || len(p.SlopeZ) != ncol ||
		len(p.Slope) != ncol || len(p.Sigma) != ncol {
		return fmt.Errorf("colour node arrays must have %d entries", ncol)
	}
	if p.Rho != nil && len(p.Rho) != ncol*(ncol-1)/2 {
		return fmt.Errorf("expected %d correlation pairs, got %d", ncol*(ncol-1)/2, len(p.Rho))
	}
	check := func(name string, z, v []float64) error {
		if len(z) == 0 || len(z) != len(v) {
			return fmt.Errorf("%s: %d nodes with %d values", name, len(z), len(v))
		}
		for i := 1; i < len(z); i++ {
			if !(z[i] > z[i-1]) {
				return fmt.Errorf("%s: nodes not strictly increasing at %d", name, i)
			}
		}
		return nil
	}
	if err := check("pivotmag", p.PivotZ, p.PivotMag); err != nil {
		return err
	}
	if err := check("mstar", p.MStarZ, p.MStar); err != nil {
		return err
	}
	for j := 0; j < ncol; j++ {
		if err := check(fmt.Sprintf("color %d", j), p.ColorZ[j], p.Color[j]); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("slope %d", j), p.SlopeZ[j], p.Slope[j]); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("sigma %d", j), p.CovZ, p.Sigma[j]); err != nil {
			return err
		}
	}
	for i, r := range p.Rho {
		if err := check(fmt.Sprintf("rho %d", i), p.CovZ, r); err != nil {
			return err
		}
	}
	if len(p.CorrZ) > 0 {
		if err := check("corr", p.CorrZ, p.Corr); err != nil {
			return err
		}
		if err := check("corr slope", p.CorrZ, p.CorrSlope); err != nil {
			return err
		}
	}
	return nil
}

// Params are the model parameters evaluated at one redshift.
type Params struct {
	Z         float64
	PivotMag  float64
	C         []float64
	Slope     []float64
	Covmat    *mat.SymDense
	MStar     float64
	Corr      float64
	CorrSlope float64
}

// Model is the interpolated red-sequence model.
type Model struct {
	NMag     int
	NCol     int
	RefIndex int

	// Z is the fine grid. The last element is the overflow bin.
	Z    []float64
	Step float64

	pivot     interp.Predictor
	color     []interp.Predictor
	slope     []interp.Predictor
	sigma     []interp.Predictor
	rho       []interp.Predictor
	corr      interp.Predictor
	corrSlope interp.Predictor
	mstar     interp.Predictor

	volume []float64

	nodes NodeParams
}

// New builds a model from node parameters. The volume factor table is
// computed with cosmo relative to the top of the redshift range.
func New(p NodeParams, cosmo *cosmology.Cosmology) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Step <= 0 {
		p.Step = DefaultStep
	}
	if cosmo == nil {
		cosmo = cosmology.Default()
	}

	m := &Model{
		NMag:     p.NMag,
		NCol:     p.NColor(),
		RefIndex: p.RefIndex,
		Step:     p.Step,
		nodes:    p,
	}

	var err error
	if m.pivot, err = newSpline(p.PivotZ, p.PivotMag); err != nil {
		return nil, fmt.Errorf("pivotmag spline: %w", err)
	}
	if m.mstar, err = newSpline(p.MStarZ, p.MStar); err != nil {
		return nil, fmt.Errorf("mstar spline: %w", err)
	}
	m.color = make([]interp.Predictor, m.NCol)
	m.slope = make([]interp.Predictor, m.NCol)
	m.sigma = make([]interp.Predictor, m.NCol)
	for j := 0; j < m.NCol; j++ {
		if m.color[j], err = newSpline(p.ColorZ[j], p.Color[j]); err != nil {
			return nil, fmt.Errorf("color %d spline: %w", j, err)
		}
		if m.slope[j], err = newSpline(p.SlopeZ[j], p.Slope[j]); err != nil {
			return nil, fmt.Errorf("slope %d spline: %w", j, err)
		}
		if m.sigma[j], err = newSpline(p.CovZ, p.Sigma[j]); err != nil {
			return nil, fmt.Errorf("sigma %d spline: %w", j, err)
		}
	}
	m.rho = make([]interp.Predictor, len(p.Rho))
	for i := range p.Rho {
		if m.rho[i], err = newSpline(p.CovZ, p.Rho[i]); err != nil {
			return nil, fmt.Errorf("rho %d spline: %w", i, err)
		}
	}
	if len(p.CorrZ) > 0 {
		if m.corr, err = newSpline(p.CorrZ, p.Corr); err != nil {
			return nil, fmt.Errorf("corr spline: %w", err)
		}
		if m.corrSlope, err = newSpline(p.CorrZ, p.CorrSlope); err != nil {
			return nil, fmt.Errorf("corr slope spline: %w", err)
		}
	} else {
		m.corr = interp.Constant(0)
		m.corrSlope = interp.Constant(0)
	}

	nz := int(math.Round((p.ZRange[1]-p.ZRange[0])/p.Step)) + 1
	m.Z = make([]float64, nz+1)
	for i := 0; i < nz; i++ {
		m.Z[i] = p.ZRange[0] + float64(i)*p.Step
	}
	m.Z[nz] = m.Z[nz-1] + p.Step

	m.volume = make([]float64, len(m.Z))
	zref := m.Z[nz-1]
	for i, z := range m.Z {
		m.volume[i] = cosmo.VolumeFactor(z, zref, 0.01)
	}

	return m, nil
}

func newSpline(xs, ys []float64) (interp.Predictor, error) {
	if len(xs) == 1 {
		return interp.Constant(ys[0]), nil
	}
	var nc interp.NaturalCubic
	if err := nc.Fit(xs, ys); err != nil {
		return nil, err
	}
	return &nc, nil
}

// Nodes returns a copy of the calibration nodes the model was built from.
func (m *Model) Nodes() NodeParams {
	return m.nodes
}

// ZRange returns the supported redshift range, excluding the overflow bin.
func (m *Model) ZRange() (float64, float64) {
	return m.Z[0], m.Z[len(m.Z)-2]
}

// ClampZ limits z to the supported range.
func (m *Model) ClampZ(z float64) float64 {
	lo, hi := m.ZRange()
	return math.Max(lo, math.Min(hi, z))
}

// ZIndex returns the fine-grid index of z, clamped to the grid. Redshifts
// past the supported range map to the overflow bin.
func (m *Model) ZIndex(z float64) int {
	i := int(math.Round((z - m.Z[0]) / m.Step))
	if i < 0 {
		return 0
	}
	if i > len(m.Z)-1 {
		return len(m.Z) - 1
	}
	return i
}

// VolumeFactorAt returns the redshift prior at the fine-grid bin of z.
func (m *Model) VolumeFactorAt(z float64) float64 {
	return m.volume[m.ZIndex(z)]
}

// MStarAt returns the characteristic magnitude in the reference band at z.
func (m *Model) MStarAt(z float64) float64 {
	return m.mstar.Predict(z)
}

// ParamsAt evaluates every model quantity at z.
func (m *Model) ParamsAt(z float64) Params {
	p := Params{
		Z:         z,
		PivotMag:  m.pivot.Predict(z),
		C:         make([]float64, m.NCol),
		Slope:     make([]float64, m.NCol),
		Covmat:    mat.NewSymDense(m.NCol, nil),
		MStar:     m.mstar.Predict(z),
		Corr:      m.corr.Predict(z),
		CorrSlope: m.corrSlope.Predict(z),
	}
	sig := make([]float64, m.NCol)
	for j := 0; j < m.NCol; j++ {
		p.C[j] = m.color[j].Predict(z)
		p.Slope[j] = m.slope[j].Predict(z)
		sig[j] = math.Abs(m.sigma[j].Predict(z))
		p.Covmat.SetSym(j, j, sig[j]*sig[j])
	}
	if len(m.rho) > 0 {
		for j := 0; j < m.NCol; j++ {
			for k := j + 1; k < m.NCol; k++ {
				r := m.rho[PairIndex(m.NCol, j, k)].Predict(z)
				r = math.Max(-0.99, math.Min(0.99, r))
				p.Covmat.SetSym(j, k, r*sig[j]*sig[k])
			}
		}
	}
	return p
}

// InRange reports whether z lies inside the grid including the overflow bin.
func (m *Model) InRange(z float64) bool {
	return z >= m.Z[0] && z <= m.Z[len(m.Z)-1]
}

// ChiSquare returns the red-sequence chi-square of g at trial redshift z and
// the corresponding log-likelihood,
//
//	lnL = -chisq/2 - ln|C|/2 - ncol ln(2 pi)/2,
//
// where C is the model covariance plus the photometric covariance of the
// colours. ok is false, with chisq = -1, when z lies outside the grid;
// callers clamp z first.
func (m *Model) ChiSquare(g *types.Galaxy, z float64) (chisq, lnlike float64, ok bool) {
	if !m.InRange(z) || g.NColor() != m.NCol {
		return types.Sentinel, math.Inf(-1), false
	}
	return m.chiSquareAt(m.ParamsAt(z), g)
}

func (m *Model) chiSquareAt(p Params, g *types.Galaxy) (float64, float64, bool) {
	ncol := m.NCol
	d := mat.NewVecDense(ncol, g.Colors())
	dm := g.RefMag - p.PivotMag
	for j := 0; j < ncol; j++ {
		d.SetVec(j, d.AtVec(j)-(p.C[j]+p.Slope[j]*dm))
	}

	cov := mat.NewSymDense(ncol, nil)
	cov.CopySym(p.Covmat)
	for j := 0; j < ncol; j++ {
		e0, e1 := g.MagErr[j], g.MagErr[j+1]
		cov.SetSym(j, j, cov.At(j, j)+e0*e0+e1*e1)
		if j+1 < ncol {
			// adjacent colours share band j+1 with opposite sign
			cov.SetSym(j, j+1, cov.At(j, j+1)-e1*e1)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return types.Sentinel, math.Inf(-1), false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, d); err != nil {
		return types.Sentinel, math.Inf(-1), false
	}
	chisq := math.Max(0, mat.Dot(d, &x))
	lnlike := -0.5*chisq - 0.5*chol.LogDet() - 0.5*float64(ncol)*math.Log(2*math.Pi)
	return chisq, lnlike, true
}

// Zred estimates the red-sequence redshift of a single galaxy: the maximum
// likelihood redshift on the fine grid, refined by a parabola through the
// neighbouring bins and shifted by the afterburner correction. It returns
// zred = -1 when no grid point yields a valid likelihood.
func (m *Model) Zred(g *types.Galaxy) (zred, zredErr, chisq float64) {
	nz := len(m.Z) - 1
	like := make([]float64, nz)
	best := -1
	for i := 0; i < nz; i++ {
		_, l, ok := m.ChiSquare(g, m.Z[i])
		if !ok {
			like[i] = math.Inf(-1)
			continue
		}
		like[i] = l
		if best < 0 || l > like[best] {
			best = i
		}
	}
	if best < 0 {
		return types.Sentinel, types.Sentinel, types.Sentinel
	}

	zred = m.Z[best]
	zredErr = m.Step
	if best > 0 && best < nz-1 && !math.IsInf(like[best-1], -1) && !math.IsInf(like[best+1], -1) {
		curv := like[best-1] - 2*like[best] + like[best+1]
		if curv < 0 {
			zred += 0.5 * m.Step * (like[best-1] - like[best+1]) / curv
			zredErr = math.Sqrt(-m.Step * m.Step / curv)
		}
	}

	p := m.ParamsAt(zred)
	zred += p.Corr + p.CorrSlope*(g.RefMag-p.PivotMag)
	zred = m.ClampZ(zred)
	chisq, _, _ = m.ChiSquare(g, zred)
	return zred, zredErr, chisq
}
