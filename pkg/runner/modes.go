package runner

import (
	"math"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/redsequence"
	"github.com/jacobic/redmapper/pkg/zlambda"
)

// strategy is the mode-specific part of cluster processing. Seed sets the
// redshift used for neighbor matching and reports whether the cluster can
// be processed. ProcessCluster fills richness and redshift and reports
// whether the cluster is good.
type strategy interface {
	Seed(cc *clusterContext, c *types.Cluster) bool
	ProcessCluster(cc *clusterContext, c *types.Cluster) (bool, error)
}

func newStrategy(s Settings, model *redsequence.Model) (strategy, error) {
	switch s.Mode {
	case ModeFullRun:
		return fullRun{}, nil
	case ModeRunCat:
		return runCat{zlambda: s.RunCatZLambda}, nil
	case ModeZredOnly:
		return zredOnly{}, nil
	case ModeZScan:
		return newZScan(s, model)
	default:
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "unknown run mode %q", s.Mode)
	}
}

// fullRun iterates z_lambda from the input redshift and measures richness
// at the converged redshift.
type fullRun struct{}

func (fullRun) Seed(cc *clusterContext, c *types.Cluster) bool {
	if c.Redshift <= 0 {
		return false
	}
	c.Redshift = cc.runner.deps.Model.ClampZ(c.Redshift)
	return true
}

func (fullRun) ProcessCluster(cc *clusterContext, c *types.Cluster) (bool, error) {
	r := cc.runner
	res, err := r.zlambda.Run(c, c.Redshift, r.deps.Mask, c.LimMag)
	if err != nil {
		return false, err
	}
	r.deps.Metrics.ObserveIterations(res.Iterations)
	if res.State != zlambda.StateConverged {
		return false, nil
	}
	c.Redshift = res.Z
	ok, err := r.richnessAt(c, c.Redshift)
	if !ok || err != nil {
		return false, err
	}
	c.ZLambda, c.ZLambdaErr = res.Z, res.ZErr
	c.PzBins, c.Pz = res.PzBins, res.Pz
	return true, nil
}

// runCat measures richness at the catalog redshift and optionally z_lambda
// alongside it without moving the cluster.
type runCat struct {
	zlambda bool
}

func (runCat) Seed(cc *clusterContext, c *types.Cluster) bool {
	return c.Redshift > 0 && cc.runner.deps.Model.InRange(c.Redshift)
}

func (m runCat) ProcessCluster(cc *clusterContext, c *types.Cluster) (bool, error) {
	r := cc.runner
	ok, err := r.richnessAt(c, c.Redshift)
	if !ok || err != nil {
		return false, err
	}
	c.ZLambda, c.ZLambdaErr = types.Sentinel, types.Sentinel
	if !m.zlambda {
		return true, nil
	}
	res, err := r.zlambda.Run(c, c.Redshift, r.deps.Mask, c.LimMag)
	if err != nil {
		return false, err
	}
	r.deps.Metrics.ObserveIterations(res.Iterations)
	if res.State == zlambda.StateConverged {
		c.ZLambda, c.ZLambdaErr = res.Z, res.ZErr
		c.PzBins, c.Pz = res.PzBins, res.Pz
	}
	return true, nil
}

// zredOnly places the cluster at the red-sequence redshift of its central
// galaxy.
type zredOnly struct{}

func (zredOnly) Seed(cc *clusterContext, c *types.Cluster) bool {
	model := cc.runner.deps.Model
	central := types.Galaxy{
		RA:        c.RA,
		Dec:       c.Dec,
		Mag:       c.Mag,
		MagErr:    c.MagErr,
		RefMag:    c.RefMag,
		RefMagErr: c.RefMagErr,
		Zred:      c.Zred,
		ZredErr:   c.ZredErr,
	}
	if !central.HasZred() {
		if len(c.Mag) != model.NMag || len(c.MagErr) != model.NMag {
			return false
		}
		central.Zred, central.ZredErr, _ = model.Zred(&central)
		if !central.HasZred() {
			return false
		}
		c.Zred, c.ZredErr = central.Zred, central.ZredErr
	}
	c.Redshift = c.Zred
	return true
}

func (zredOnly) ProcessCluster(cc *clusterContext, c *types.Cluster) (bool, error) {
	ok, err := cc.runner.richnessAt(c, c.Redshift)
	if !ok || err != nil {
		return false, err
	}
	c.ZLambda, c.ZLambdaErr = c.Zred, c.ZredErr
	return true, nil
}

// zScan measures richness on a fixed redshift grid and keeps the peak.
type zScan struct {
	grid []float64
	step float64
}

func newZScan(s Settings, model *redsequence.Model) (zScan, error) {
	lo, hi := s.ScanZRange[0], s.ScanZRange[1]
	if lo == 0 && hi == 0 {
		lo, hi = model.ZRange()
	}
	step := s.ScanStep
	if step <= 0 || hi <= lo {
		return zScan{}, errorsmod.Wrapf(types.ErrInvalidConfig, "scan range [%g, %g] step %g", lo, hi, step)
	}
	n := int(math.Floor((hi-lo)/step+1e-9)) + 1
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = lo + float64(i)*step
	}
	return zScan{grid: grid, step: step}, nil
}

// Seed matches at the low edge of the grid, where the search radius in
// degrees is largest.
func (s zScan) Seed(_ *clusterContext, c *types.Cluster) bool {
	c.Redshift = s.grid[0]
	return true
}

func (s zScan) ProcessCluster(cc *clusterContext, c *types.Cluster) (bool, error) {
	r := cc.runner
	c.ScanZ = append([]float64(nil), s.grid...)
	c.ScanLambda = make([]float64, len(s.grid))
	best := -1
	for i, z := range s.grid {
		res, err := r.lambdaAt(c, z)
		if err != nil {
			return false, err
		}
		c.ScanLambda[i] = res.Lambda
		if !res.Failed() && (best < 0 || res.Lambda > c.ScanLambda[best]) {
			best = i
		}
	}
	if best < 0 {
		return false, nil
	}
	c.Redshift = s.grid[best]
	ok, err := r.richnessAt(c, c.Redshift)
	if !ok || err != nil {
		return false, err
	}
	c.ZLambda, c.ZLambdaErr = c.Redshift, s.step
	return true, nil
}
