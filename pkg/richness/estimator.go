// Package richness computes cluster richness: the membership-weighted
// count of red-sequence galaxies inside the richness-scaled radius.
package richness

import (
	"math"

	errorsmod "cosmossdk.io/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/redsequence"
)

// MaxLambda bounds the neighbor radius used for richness.
const MaxLambda = 300.0

// Background returns the field density per deg^2 per unit chisq per mag.
type Background interface {
	Density(z, chisq, refmag float64, doRaise bool) (float64, bool, error)
}

// Params are the richness settings of a run.
type Params struct {
	R0        float64
	Beta      float64
	LimLum    float64 // luminosity cut as a fraction of L*
	MinLambda float64
	Tol       float64
	DoRaise   bool // fail on background gaps
}

// DefaultParams returns the standard redMaPPer richness settings.
func DefaultParams() Params {
	return Params{R0: 1.0, Beta: 0.2, LimLum: 0.2, MinLambda: 3.0, Tol: 1e-4}
}

// Aperture carries the per-cluster depth and mask inputs.
type Aperture struct {
	LimMag float64
	CPars  [4]float64
}

// Result is the richness of one cluster at one redshift.
type Result struct {
	Lambda    float64
	LambdaErr float64
	RLambda   float64
	ScaleVal  float64
	MStar     float64
	MPCScale  float64
	MaxMag    float64
	NUsed     int
}

// Failed reports whether the richness is the failure sentinel.
func (r Result) Failed() bool {
	return r.Lambda < 0
}

func failed() Result {
	return Result{
		Lambda:    types.Sentinel,
		LambdaErr: types.Sentinel,
		RLambda:   types.Sentinel,
		ScaleVal:  types.Sentinel,
	}
}

// Estimator computes richness against shared read-only models.
type Estimator struct {
	Model      *redsequence.Model
	Background Background
	Cosmo      *cosmology.Cosmology
	Solver     ProfileSolver
	Params     Params

	profile Profile
	chisq   distuv.ChiSquared
}

// NewEstimator builds an estimator. A nil solver selects BisectionSolver.
func NewEstimator(model *redsequence.Model, bkg Background, cosmo *cosmology.Cosmology, solver ProfileSolver, params Params) (*Estimator, error) {
	if model == nil || bkg == nil {
		return nil, types.ErrMissingModel
	}
	if cosmo == nil {
		cosmo = cosmology.Default()
	}
	if solver == nil {
		solver = BisectionSolver{}
	}
	if params.R0 <= 0 || params.LimLum <= 0 {
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "r0=%g limlum=%g", params.R0, params.LimLum)
	}
	return &Estimator{
		Model:      model,
		Background: bkg,
		Cosmo:      cosmo,
		Solver:     solver,
		Params:     params,
		profile:    NewProfile(params.R0),
		chisq:      distuv.ChiSquared{K: float64(model.NCol)},
	}, nil
}

// ProfileParams returns the solver constants for a cluster aperture.
func (e *Estimator) ProfileParams(ap Aperture) ProfileParams {
	return ProfileParams{R0: e.Params.R0, Beta: e.Params.Beta, Tol: e.Params.Tol, CPars: ap.CPars}
}

// ApertureAt evaluates the mask correction around (ra, dec) at redshift z.
func (e *Estimator) ApertureAt(m mask.Mask, ra, dec, z, limmag float64) Aperture {
	return Aperture{
		LimMag: limmag,
		CPars:  mask.Correction(m, ra, dec, e.Cosmo.MpcScale(z), e.MaxRadius(), e.profile.Sigma),
	}
}

// MaxMag returns the faint magnitude cut at z.
func (e *Estimator) MaxMag(z float64) float64 {
	return e.Model.MStarAt(z) - 2.5*math.Log10(e.Params.LimLum)
}

// MaxRadius returns the largest radius any richness can reach, in Mpc.
func (e *Estimator) MaxRadius() float64 {
	return e.Params.R0 * math.Pow(MaxLambda/100, e.Params.Beta)
}

// Estimate computes richness for c at redshift z. Neighbor fields (R,
// Chisq, LnLike, P, PCol, ThetaI) are updated in place; PFree and ThetaR
// are inputs. Expected failures return a Result with Lambda = -1 and a nil
// error; errors are reserved for background gaps when DoRaise is set.
// Without DoRaise, neighbors in a background gap are left out with P = 0.
func (e *Estimator) Estimate(c *types.Cluster, z float64, ap Aperture) (Result, error) {
	res := failed()
	res.MPCScale = e.Cosmo.MpcScale(z)
	res.MStar = e.Model.MStarAt(z)
	res.MaxMag = e.MaxMag(z)

	rmax := e.MaxRadius()
	lf := NewLuminosityFunction(res.MStar, res.MaxMag)

	n := len(c.Neighbors)
	idx := make([]int, 0, n)
	r := make([]float64, 0, n)
	u := make([]float64, 0, n)
	b := make([]float64, 0, n)
	w := make([]float64, 0, n)

	for i := range c.Neighbors {
		nb := &c.Neighbors[i]
		g := nb.Galaxy
		nb.R = nb.Dist * res.MPCScale
		nb.P, nb.PCol = 0, 0
		nb.Chisq, nb.LnLike = types.Sentinel, math.Inf(-1)
		nb.ThetaI = ThetaI(g.RefMag, g.RefMagErr, ap.LimMag)

		if nb.R >= rmax || g.RefMag > res.MaxMag {
			continue
		}
		chisq, lnlike, ok := e.Model.ChiSquare(g, z)
		if !ok {
			continue
		}
		nb.Chisq, nb.LnLike = chisq, lnlike

		bg, ok, err := e.Background.Density(z, chisq, g.RefMag, e.Params.DoRaise)
		if err != nil {
			return failed(), errorsmod.Wrapf(err, "cluster %d", c.MemMatchID)
		}
		if !ok {
			continue
		}

		rr := math.Max(nb.R, 1e-6)
		idx = append(idx, i)
		r = append(r, nb.R)
		u = append(u, 2*math.Pi*rr*e.profile.Sigma(nb.R)*lf.Phi(g.RefMag)*e.chisq.Prob(chisq))
		b = append(b, 2*math.Pi*rr*bg/(res.MPCScale*res.MPCScale))
		w = append(w, nb.ThetaI*nb.ThetaR*nb.PFree)
	}
	res.NUsed = len(idx)
	if len(idx) == 0 {
		return res, nil
	}

	pp := e.ProfileParams(ap)
	sol := e.Solver.Solve(r, u, b, w, pp)
	if sol.Lambda < e.Params.MinLambda || sol.Lambda < 0 {
		return res, nil
	}

	var sumPW, varP float64
	for k, i := range idx {
		nb := &c.Neighbors[i]
		nb.P = sol.P[k]
		den := sol.Lambda*u[k] + b[k]
		if den > 0 {
			nb.PCol = sol.Lambda * u[k] / den * nb.ThetaI
		}
		sumPW += nb.P * nb.ThetaI * nb.ThetaR
		varP += nb.P * (1 - nb.P) * w[k]
	}

	res.Lambda = sol.Lambda
	res.RLambda = sol.RLambda
	cval := math.Max(0, math.Min(0.9, pp.CVal(sol.RLambda)))
	res.LambdaErr = math.Sqrt(varP) / (1 - cval)
	res.ScaleVal = 1
	if sumPW > 0 {
		res.ScaleVal = sol.Lambda / sumPW
	}
	return res, nil
}
