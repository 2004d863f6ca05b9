// Package zlambda refines a cluster redshift jointly with its richness.
//
// Starting from a seed redshift, each iteration recomputes richness, picks
// the most probable members and moves the redshift to the vertex of a
// parabola fitted to their summed red-sequence likelihood. The converged
// redshift gets an uncertainty either from the width of the likelihood
// (Gaussian mode) or from the full redshift posterior p(z).
package zlambda

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
	skymath "github.com/jacobic/redmapper/pkg/astronomy/math"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/redsequence"
	"github.com/jacobic/redmapper/pkg/richness"
)

// State is a stage of the redshift iteration.
type State int

const (
	StateInit State = iota
	StateIterating
	StateErrorEstimation
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIterating:
		return "iterating"
	case StateErrorEstimation:
		return "error_estimation"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// maxPasses caps the number of outer passes. A p(z) peak that disagrees
// with the point estimate re-seeds one more pass.
const maxPasses = 2

// parabSteps is the number of trial redshifts in the parabola fit.
const parabSteps = 10

// Params configure the iteration.
type Params struct {
	MaxIter   int
	Tol       float64
	TopFrac   float64
	ParabStep float64
	MinLambda float64
	LValRef   float64 // faint limit of the member selection, in L*
	CalcErr   bool
	CalcPz    bool
	NPzBins   int
}

// DefaultParams returns the standard settings.
func DefaultParams() Params {
	return Params{
		MaxIter:   20,
		Tol:       0.0002,
		TopFrac:   0.7,
		ParabStep: 0.002,
		MinLambda: 3,
		LValRef:   0.2,
		CalcErr:   true,
		NPzBins:   21,
	}
}

// Result is the outcome of one cluster.
type Result struct {
	Z          float64
	ZErr       float64
	Lambda     float64
	RLambda    float64
	Iterations int
	Passes     int
	State      State
	PzBins     []float64
	Pz         []float64
}

// Estimator runs the redshift iteration against a richness estimator.
type Estimator struct {
	Richness *richness.Estimator
	Params   Params
	Logger   *slog.Logger
}

// New returns an Estimator. A nil logger uses slog.Default.
func New(rich *richness.Estimator, params Params, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	if params.NPzBins < 3 {
		params.NPzBins = 3
	}
	if params.NPzBins%2 == 0 {
		params.NPzBins++
	}
	return &Estimator{Richness: rich, Params: params, Logger: logger}
}

func (e *Estimator) model() *redsequence.Model {
	return e.Richness.Model
}

// Run iterates the redshift of c from zin. c itself is not modified; the
// iteration works on a copy of its neighbors. A nil mask is an input error.
// Expected non-convergence returns a Result in StateFailed with every value
// set to -1 and a nil error.
func (e *Estimator) Run(c *types.Cluster, zin float64, m mask.Mask, limmag float64) (Result, error) {
	if m == nil {
		return Result{}, errorsmod.Wrapf(types.ErrMissingMask, "cluster %d", c.MemMatchID)
	}
	r := &run{
		e:      e,
		c:      c.Copy(),
		m:      m,
		limmag: limmag,
		z:      zin,
		state:  StateInit,
	}
	for r.state != StateConverged && r.state != StateFailed {
		var err error
		switch r.state {
		case StateInit:
			r.init()
		case StateIterating:
			err = r.iterate()
		case StateErrorEstimation:
			r.estimateError()
		}
		if err != nil {
			return Result{}, err
		}
	}
	return r.result(), nil
}

// run is the state of one cluster's iteration.
type run struct {
	e      *Estimator
	c      *types.Cluster
	m      mask.Mask
	limmag float64

	state  State
	z      float64
	zerr   float64
	iter   int
	pass   int
	maxrad float64

	lambda  float64
	rlambda float64

	// working set of the parabola fit
	sel []int
	pw  []float64

	pzbins []float64
	pz     []float64

	// converged values of the previous pass
	prev *Result
}

func (r *run) fail(reason string) {
	r.e.Logger.Debug("zlambda failed",
		"mem_match_id", r.c.MemMatchID, "reason", reason, "iter", r.iter, "pass", r.pass)
	r.state = StateFailed
}

func (r *run) result() Result {
	if r.state == StateFailed {
		return Result{
			Z: types.Sentinel, ZErr: types.Sentinel, Lambda: types.Sentinel, RLambda: types.Sentinel,
			Iterations: r.iter, Passes: r.pass + 1, State: StateFailed,
		}
	}
	return Result{
		Z:          r.z,
		ZErr:       r.zerr,
		Lambda:     r.lambda,
		RLambda:    r.rlambda,
		Iterations: r.iter,
		Passes:     r.pass + 1,
		State:      r.state,
		PzBins:     r.pzbins,
		Pz:         r.pz,
	}
}

func (r *run) init() {
	rp := r.e.Richness.Params
	r.maxrad = 1.2 * rp.R0 * math.Pow(3, rp.Beta)
	if r.z <= 0 {
		r.fail("non-positive seed redshift")
		return
	}
	r.z = r.e.model().ClampZ(r.z)
	r.state = StateIterating
}

// iterate performs one redshift update.
func (r *run) iterate() error {
	p := r.e.Params
	if r.iter >= p.MaxIter {
		if r.prev != nil {
			// the extra pass ran out of budget: keep the first pass
			r.restore()
			return nil
		}
		r.fail("iteration cap reached")
		return nil
	}

	mpc := r.e.Richness.Cosmo.MpcScale(r.z)
	inRad := 0
	for i := range r.c.Neighbors {
		if r.c.Neighbors[i].Dist*mpc < r.maxrad {
			inRad++
		}
	}
	if inRad == 0 {
		r.fail("no neighbors inside the search radius")
		return nil
	}

	ap := r.e.Richness.ApertureAt(r.m, r.c.RA, r.c.Dec, r.z, r.limmag)
	res, err := r.e.Richness.Estimate(r.c, r.z, ap)
	if err != nil {
		return err
	}
	if res.Failed() || res.Lambda < p.MinLambda {
		r.fail("richness below minimum")
		return nil
	}
	r.lambda, r.rlambda = res.Lambda, res.RLambda

	maxmag := r.e.model().MStarAt(r.z) - 2.5*math.Log10(p.LValRef)
	if !r.selectNeighbors(maxmag) {
		r.fail("fewer than three usable neighbors")
		return nil
	}

	znew := r.parabola(r.z)
	if znew < 0 {
		r.fail("parabola has no minimum")
		return nil
	}
	r.iter++
	converged := math.Abs(znew-r.z) < p.Tol
	r.z = znew
	if !converged {
		return nil
	}

	if p.CalcErr {
		r.state = StateErrorEstimation
	} else {
		r.state = StateConverged
	}
	return nil
}

// selectNeighbors picks the top-weighted neighbors with a smooth cut on
// pcol.
func (r *run) selectNeighbors(maxmag float64) bool {
	var use []int
	total := 0.0
	for i := range r.c.Neighbors {
		nb := &r.c.Neighbors[i]
		total += nb.PCol
		if nb.R < r.maxrad && nb.Galaxy.RefMag < maxmag {
			use = append(use, i)
		}
	}
	if len(use) < 3 {
		return false
	}
	ncount := math.Max(3, r.e.Params.TopFrac*total)
	if float64(len(use)) < ncount {
		ncount = float64(len(use))
	}

	wt := make([]float64, len(use))
	for k, i := range use {
		wt[k] = r.c.Neighbors[i].PCol
	}
	sorted := append([]float64(nil), wt...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	pthresh := sorted[int(math.Round(ncount))-1]

	r.sel = r.sel[:0]
	r.pw = r.pw[:0]
	for k, i := range use {
		pw := 1 / (math.Exp((pthresh-wt[k])/0.04) + 1)
		if pw > 1e-3 {
			r.sel = append(r.sel, i)
			r.pw = append(r.pw, pw)
		}
	}
	return len(r.sel) > 0
}

// bracket is the negative weighted log-likelihood of the working set at z.
func (r *run) bracket(z float64) float64 {
	m := r.e.model()
	z = math.Max(m.Z[0], math.Min(m.Z[len(m.Z)-1], z))
	t := 0.0
	for k, i := range r.sel {
		_, lnlike, ok := m.ChiSquare(r.c.Neighbors[i].Galaxy, z)
		if !ok {
			continue
		}
		t -= r.pw[k] * lnlike
	}
	return t
}

// parabola fits the bracket function on a symmetric grid around z and
// returns the clamped vertex, or -1 if the fit has no minimum.
func (r *run) parabola(z float64) float64 {
	step := r.e.Params.ParabStep
	offsets := make([]float64, parabSteps)
	likes := make([]float64, parabSteps)
	for i := range offsets {
		offsets[i] = (float64(i) - float64(parabSteps-1)/2) * step
		likes[i] = r.bracket(z + offsets[i])
	}
	// fit in offsets from z to keep the normal equations well conditioned
	c, err := skymath.PolyFit(offsets, likes, 2)
	if err != nil || !(c[2] > 0) {
		return types.Sentinel
	}
	znew := z - c[1]/(2*c[2])
	znew = math.Max(z+offsets[0]-step, math.Min(z+offsets[parabSteps-1]+step, znew))
	return r.e.model().ClampZ(znew)
}

// crossing returns the point in [lo, hi] where the bracket function is
// closest to target.
func (r *run) crossing(target, lo, hi float64) float64 {
	return goldenSection(func(z float64) float64 {
		return math.Abs(r.bracket(z) - target)
	}, lo, hi, 1e-5)
}

func (r *run) gaussianErr(z float64) float64 {
	target := r.bracket(z) + 1
	lo := r.crossing(target, z-0.1, z-0.001)
	hi := r.crossing(target, z+0.001, z+0.1)
	return (hi - lo) / 2
}

func (r *run) estimateError() {
	if !r.e.Params.CalcPz {
		r.zerr = r.gaussianErr(r.z)
		if r.zerr < 0 {
			r.fail("negative gaussian error")
			return
		}
		r.state = StateConverged
		return
	}

	ok := r.calcPz(false)
	if ok && r.leaks() {
		ok = r.calcPz(true)
	}
	if !ok {
		r.fail("p(z) normalisation failed")
		return
	}

	peak := argmax(r.pz)
	if sigma, fitted := fitGaussian(r.pzbins, r.pz); fitted && sigma > 0 && sigma <= 0.2 {
		r.zerr = sigma
	} else {
		r.zerr = r.gaussianErr(r.z)
	}

	zpeak := r.pzbins[peak]
	if math.Abs(zpeak-r.z) < r.e.Params.Tol || r.pass+1 >= maxPasses {
		r.state = StateConverged
		return
	}

	r.e.Logger.Warn("z_lambda and p(z) peak disagree",
		"mem_match_id", r.c.MemMatchID, "z_lambda", r.z, "pz_peak", zpeak)
	saved := r.result()
	saved.State = StateConverged
	r.prev = &saved
	r.pass++
	r.z = zpeak
	r.state = StateIterating
}

func (r *run) restore() {
	p := r.prev
	r.z, r.zerr = p.Z, p.ZErr
	r.lambda, r.rlambda = p.Lambda, p.RLambda
	r.pzbins, r.pz = p.PzBins, p.Pz
	r.state = StateConverged
}

// leaks reports whether p(z) has significant mass at an edge of its grid
// that is not also an edge of the model.
func (r *run) leaks() bool {
	m := r.e.model()
	n := len(r.pz)
	mid := (n - 1) / 2
	if r.pz[mid] <= 0 {
		return true
	}
	low := r.pz[0]/r.pz[mid] > 0.01 && r.pzbins[0] >= m.Z[0]+0.01
	high := r.pz[n-1]/r.pz[mid] > 0.01 && r.pzbins[n-1] <= m.Z[len(m.Z)-1]-0.01
	return low || high
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
