// Package runner drives a catalog of cluster candidates through neighbor
// matching, richness and redshift estimation, percolation and member
// recording for one tile.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/metrics"
	"github.com/jacobic/redmapper/pkg/redsequence"
	"github.com/jacobic/redmapper/pkg/richness"
	"github.com/jacobic/redmapper/pkg/spatial"
	"github.com/jacobic/redmapper/pkg/zlambda"
)

// Mode selects how each cluster is processed.
type Mode string

const (
	ModeFullRun  Mode = "fullrun"
	ModeRunCat   Mode = "runcat"
	ModeZredOnly Mode = "zredonly"
	ModeZScan    Mode = "zscan"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFullRun, ModeRunCat, ModeZredOnly, ModeZScan:
		return m, nil
	default:
		return "", errorsmod.Wrapf(types.ErrInvalidConfig, "unknown run mode %q", s)
	}
}

// Percolation configures the masking radius and member cuts.
type Percolation struct {
	RMask0      float64
	RMaskBeta   float64
	RMaskGamma  float64
	RMaskZPivot float64
	LMask       float64 // luminosity cut of claimed galaxies in L*; <= 0 uses the zlambda reference
	MemRadius   float64 // member radius in units of r_lambda; <= 0 disables
	MemLum      float64 // member luminosity cut in L*; <= 0 disables
}

// Settings are the per-run options. They do not change during a pass.
type Settings struct {
	Tile               string
	Mode               Mode
	Doublerun          bool
	PercolationMasking bool
	RecordMembers      bool
	RunCatZLambda      bool
	LamPlusMinus       bool
	Epsilon            float64
	MinLambda          float64
	ScanZRange         [2]float64 // zero uses the model range
	ScanStep           float64
	Percolation        Percolation
	Richness           richness.Params
	ZLambda            zlambda.Params
}

// DefaultSettings returns a percolating full run.
func DefaultSettings() Settings {
	return Settings{
		Tile:               "all",
		Mode:               ModeFullRun,
		PercolationMasking: true,
		RecordMembers:      true,
		RunCatZLambda:      true,
		Epsilon:            0.005,
		MinLambda:          3,
		ScanStep:           0.01,
		Percolation: Percolation{
			RMask0:      1.5,
			RMaskBeta:   0.2,
			RMaskZPivot: 0.3,
		},
		Richness: richness.DefaultParams(),
		ZLambda:  zlambda.DefaultParams(),
	}
}

// Deps are the shared models and the tile galaxies. Models are read-only
// and may be shared between runners.
type Deps struct {
	Model      *redsequence.Model
	Background richness.Background
	Cosmo      *cosmology.Cosmology
	Mask       mask.Mask
	Depth      mask.Depth      // nil fits the depth from each cluster's neighbors
	Matcher    spatial.Matcher // nil builds a kd-tree over Galaxies
	Galaxies   []types.Galaxy
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Output is the product of one tile.
type Output struct {
	Clusters []*types.Cluster
	Members  []types.Member
}

// Runner processes the clusters of one tile. It is not safe for concurrent
// use; run one Runner per tile.
type Runner struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger

	richness *richness.Estimator
	zlambda  *zlambda.Estimator
	strategy strategy
	maxrad   float64 // Mpc

	// claimed is the percolation accumulator, one entry per galaxy.
	claimed []float64
	members []types.Member
}

// New validates the inputs and builds a Runner.
func New(deps Deps, settings Settings) (*Runner, error) {
	if deps.Mask == nil {
		return nil, errorsmod.Wrapf(types.ErrMissingMask, "tile %s", settings.Tile)
	}
	if deps.Model == nil || deps.Background == nil {
		return nil, errorsmod.Wrapf(types.ErrMissingModel, "tile %s", settings.Tile)
	}
	if len(deps.Galaxies) == 0 {
		return nil, errorsmod.Wrapf(types.ErrNoGalaxies, "tile %s", settings.Tile)
	}
	if deps.Cosmo == nil {
		deps.Cosmo = cosmology.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("tile", settings.Tile, "mode", string(settings.Mode))

	rich, err := richness.NewEstimator(deps.Model, deps.Background, deps.Cosmo, nil, settings.Richness)
	if err != nil {
		return nil, err
	}
	strat, err := newStrategy(settings, deps.Model)
	if err != nil {
		return nil, err
	}
	if deps.Matcher == nil {
		ra := make([]float64, len(deps.Galaxies))
		dec := make([]float64, len(deps.Galaxies))
		for i := range deps.Galaxies {
			ra[i], dec[i] = deps.Galaxies[i].RA, deps.Galaxies[i].Dec
		}
		deps.Matcher = spatial.NewKDMatcher(ra, dec)
	}

	return &Runner{
		deps:     deps,
		settings: settings,
		logger:   logger,
		richness: rich,
		zlambda:  zlambda.New(rich, settings.ZLambda, logger),
		strategy: strat,
		maxrad:   matchRadius(settings.Richness, settings.Percolation),
		claimed:  make([]float64, len(deps.Galaxies)),
	}, nil
}

// matchRadius returns the neighbor search radius in Mpc: the radius of the
// richest possible cluster or of its percolation mask, whichever is larger.
func matchRadius(rp richness.Params, pp Percolation) float64 {
	var rad, radMask float64
	if rp.Beta == 0 {
		rad = 1.2 * rp.R0
		radMask = 1.2 * pp.RMask0
	} else {
		rad = rp.R0 * math.Pow(richness.MaxLambda/100, rp.Beta)
		radMask = pp.RMask0 * math.Pow(richness.MaxLambda/100, pp.RMaskBeta)
	}
	return math.Max(rad, radMask)
}

// Claimed returns a copy of the percolation accumulator.
func (r *Runner) Claimed() []float64 {
	return append([]float64(nil), r.claimed...)
}

// clusterContext is the state shared by every cluster of one pass.
type clusterContext struct {
	runner    *Runner
	claimed   []float64
	percolate bool
	record    bool
	logger    *slog.Logger
}

func (r *Runner) newContext(percolate, record bool) *clusterContext {
	return &clusterContext{
		runner:    r,
		claimed:   r.claimed,
		percolate: percolate,
		record:    record,
		logger:    r.logger,
	}
}

// Run processes every cluster and returns the post-processed catalog.
// Clusters are updated in place.
func (r *Runner) Run(ctx context.Context, clusters []*types.Cluster) (*Output, error) {
	if err := GenerateIDs(clusters); err != nil {
		return nil, err
	}
	for i := range r.claimed {
		r.claimed[i] = 0
	}
	r.members = r.members[:0]

	if r.settings.Doublerun {
		r.logger.Info("first pass", "clusters", len(clusters))
		cands, err := r.RawPass(ctx, clusters)
		if err != nil {
			return nil, err
		}
		r.logger.Info("second pass with percolation")
		if err := r.PercolationPass(ctx, clusters, SortCandidates(cands)); err != nil {
			return nil, err
		}
	} else {
		cc := r.newContext(r.settings.PercolationMasking, r.settings.RecordMembers)
		if err := r.pass(ctx, clusters, identity(len(clusters)), cc); err != nil {
			return nil, err
		}
	}
	return r.Postprocess(clusters), nil
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func (r *Runner) pass(ctx context.Context, clusters []*types.Cluster, order []int, cc *clusterContext) error {
	for n, i := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n%1000 == 0 {
			cc.logger.Info("working on cluster", "n", n, "total", len(order))
		}
		if err := r.processCluster(cc, clusters[i]); err != nil {
			return errorsmod.Wrapf(err, "tile %s", r.settings.Tile)
		}
	}
	return nil
}

// processCluster runs one cluster through matching, the mode strategy and
// the percolation and member bookkeeping. Only fatal conditions return an
// error; a cluster that cannot be measured is reset to the sentinel values.
func (r *Runner) processCluster(cc *clusterContext, c *types.Cluster) error {
	log := cc.logger.With("mem_match_id", c.MemMatchID)

	if !r.strategy.Seed(cc, c) {
		r.reject(c, log, metrics.OutcomeFailed, "no usable seed redshift")
		return nil
	}
	r.match(cc, c)
	if len(c.Neighbors) == 0 {
		r.reject(c, log, metrics.OutcomeEmpty, "no neighbors")
		return nil
	}

	c.LimMag = r.limmag(c)
	c.MaskFrac = mask.Fraction(r.deps.Mask, c.RA, c.Dec, 1/c.MPCScale)
	if c.MaskFrac >= 1 || c.LimMag <= 1 {
		r.reject(c, log, metrics.OutcomeMasked, fmt.Sprintf("maskfrac=%.3f limmag=%.2f", c.MaskFrac, c.LimMag))
		return nil
	}

	ok, err := r.strategy.ProcessCluster(cc, c)
	if err != nil {
		return errorsmod.Wrapf(err, "cluster %d", c.MemMatchID)
	}
	if !ok {
		r.reject(c, log, metrics.OutcomeFailed, "no richness solution")
		return nil
	}

	c.MaskFrac = 1
	if c.RLambda > 0 {
		c.MaskFrac = mask.Fraction(r.deps.Mask, c.RA, c.Dec, c.RLambda/c.MPCScale)
	}
	if r.settings.LamPlusMinus {
		if err := r.lambdaDerivatives(c); err != nil {
			return errorsmod.Wrapf(err, "cluster %d", c.MemMatchID)
		}
	}
	if cc.percolate {
		r.percolate(cc, c)
	}
	if cc.record {
		r.recordMembers(c)
	}
	r.deps.Metrics.ObserveCluster(string(r.settings.Mode), metrics.OutcomeOK)
	return nil
}

func (r *Runner) reject(c *types.Cluster, log *slog.Logger, outcome, reason string) {
	c.ResetBad()
	log.Debug("cluster rejected", "outcome", outcome, "reason", reason)
	r.deps.Metrics.ObserveCluster(string(r.settings.Mode), outcome)
}

// match finds the galaxies within the search radius of c at its current
// redshift.
func (r *Runner) match(cc *clusterContext, c *types.Cluster) {
	c.MPCScale = r.deps.Cosmo.MpcScale(c.Redshift)
	c.MStar = r.deps.Model.MStarAt(c.Redshift)
	idx, dist := r.deps.Matcher.MatchRadius(c.RA, c.Dec, r.maxrad/c.MPCScale)

	c.Neighbors = make([]types.Neighbor, len(idx))
	for k, i := range idx {
		g := &r.deps.Galaxies[i]
		pfree := 1.0
		if cc.percolate {
			pfree = 1 - cc.claimed[i]
		}
		c.Neighbors[k] = types.Neighbor{
			Index:  i,
			Galaxy: g,
			Dist:   dist[k],
			R:      dist[k] * c.MPCScale,
			Chisq:  types.Sentinel,
			PFree:  pfree,
			ThetaR: mask.ThetaR(r.deps.Mask, g.RA, g.Dec),
		}
	}
}

// limmag returns the limiting magnitude at the cluster, from the depth map
// or fitted to the neighbors.
func (r *Runner) limmag(c *types.Cluster) float64 {
	if r.deps.Depth != nil {
		return r.deps.Depth.LimMag(c.RA, c.Dec)
	}
	mag := make([]float64, len(c.Neighbors))
	magErr := make([]float64, len(c.Neighbors))
	for i := range c.Neighbors {
		mag[i] = c.Neighbors[i].Galaxy.RefMag
		magErr[i] = c.Neighbors[i].Galaxy.RefMagErr
	}
	lim, ok := mask.FitLocalDepth(mag, magErr, mask.DefaultNSig)
	if !ok {
		return types.Sentinel
	}
	return lim
}

// richnessAt computes the richness of c at z and stores it on the cluster.
func (r *Runner) richnessAt(c *types.Cluster, z float64) (bool, error) {
	res, err := r.richness.Estimate(c, z, r.richness.ApertureAt(r.deps.Mask, c.RA, c.Dec, z, c.LimMag))
	if err != nil {
		return false, err
	}
	if res.Failed() {
		return false, nil
	}
	c.Lambda = res.Lambda
	c.LambdaErr = res.LambdaErr
	c.RLambda = res.RLambda
	c.ScaleVal = res.ScaleVal
	c.MStar = res.MStar
	c.MPCScale = res.MPCScale
	return true, nil
}

// lambdaAt computes the richness of a copy of c at z.
func (r *Runner) lambdaAt(c *types.Cluster, z float64) (richness.Result, error) {
	return r.richness.Estimate(c.Copy(), z, r.richness.ApertureAt(r.deps.Mask, c.RA, c.Dec, z, c.LimMag))
}

// lambdaDerivatives fills the finite-difference derivatives of ln lambda
// and of the richness variance around z_lambda.
func (r *Runner) lambdaDerivatives(c *types.Cluster) error {
	eps := r.settings.Epsilon
	z := c.ZLambda
	if z <= 0 {
		z = c.Redshift
	}
	lo, err := r.lambdaAt(c, z-eps)
	if err != nil {
		return err
	}
	hi, err := r.lambdaAt(c, z+eps)
	if err != nil {
		return err
	}
	if lo.Failed() || hi.Failed() {
		return nil
	}
	lnLo, lnHi := math.Log(lo.Lambda), math.Log(hi.Lambda)
	c.DLambdaDz = (lnHi - lnLo) / (2 * eps)
	c.DLambdaDz2 = (lnHi + lnLo - 2*math.Log(c.Lambda)) / (eps * eps)
	varLo, varHi := lo.LambdaErr*lo.LambdaErr, hi.LambdaErr*hi.LambdaErr
	c.DLambdaVarDz = (varHi - varLo) / (2 * eps)
	c.DLambdaVarDz2 = (varHi + varLo - 2*c.LambdaErr*c.LambdaErr) / (eps * eps)
	return nil
}

func (r *Runner) lmask() float64 {
	if r.settings.Percolation.LMask > 0 {
		return r.settings.Percolation.LMask
	}
	return r.settings.ZLambda.LValRef
}

// percolate adds the membership of bright neighbors inside the mask radius
// to the accumulator. A claim is p * pfree, so the accumulator of any
// galaxy never decreases and stays at or below one.
func (r *Runner) percolate(cc *clusterContext, c *types.Cluster) {
	pp := r.settings.Percolation
	rmask := pp.RMask0 * math.Pow(c.Lambda/100, pp.RMaskBeta) *
		math.Pow((1+c.Redshift)/(1+pp.RMaskZPivot), pp.RMaskGamma)
	c.RMask = math.Max(rmask, c.RLambda)
	lim := c.MStar - 2.5*math.Log10(r.lmask())

	n := 0
	for i := range c.Neighbors {
		nb := &c.Neighbors[i]
		if nb.Galaxy.RefMag >= lim || nb.R >= c.RMask || nb.P <= 0 {
			continue
		}
		cc.claimed[nb.Index] = math.Min(1, cc.claimed[nb.Index]+nb.P*nb.PFree)
		n++
	}
	r.deps.Metrics.AddClaims(n)
}

// recordMembers appends the members of c with p and pfree above 1%.
func (r *Runner) recordMembers(c *types.Cluster) {
	pp := r.settings.Percolation
	for i := range c.Neighbors {
		nb := &c.Neighbors[i]
		if nb.P <= 0.01 || nb.PFree <= 0.01 {
			continue
		}
		if pp.MemRadius > 0 && nb.R >= pp.MemRadius*c.RLambda {
			continue
		}
		if pp.MemLum > 0 && nb.Galaxy.RefMag >= c.MStar-2.5*math.Log10(pp.MemLum) {
			continue
		}
		g := nb.Galaxy
		r.members = append(r.members, types.Member{
			MemMatchID: c.MemMatchID,
			ID:         g.ID,
			Z:          c.Redshift,
			RA:         g.RA,
			Dec:        g.Dec,
			R:          nb.R,
			P:          nb.P,
			PFree:      nb.PFree,
			PCol:       nb.PCol,
			ThetaI:     nb.ThetaI,
			ThetaR:     nb.ThetaR,
			RefMag:     g.RefMag,
			RefMagErr:  g.RefMagErr,
			Zred:       g.Zred,
			ZredErr:    g.ZredErr,
			Chisq:      nb.Chisq,
			EBV:        g.EBV,
			Mag:        append([]float64(nil), g.Mag...),
			MagErr:     append([]float64(nil), g.MagErr...),
		})
	}
}
