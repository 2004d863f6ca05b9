package runner

import (
	"context"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/background"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/metrics"
	"github.com/jacobic/redmapper/pkg/redsequence"
)

const clusterZ = 0.3

func testModel(t *testing.T) *redsequence.Model {
	t.Helper()
	model, err := redsequence.New(redsequence.LinearNodes(3, 0.05, 0.6, 0.5, 3.0, 0.05, 17, 10), nil)
	require.NoError(t, err)
	return model
}

// skyField builds red-sequence galaxies at clusterZ around sky positions.
type skyField struct {
	model *redsequence.Model
	gals  []types.Galaxy
}

// blob adds n galaxies spread over radius degrees around (ra, dec).
func (f *skyField) blob(ra, dec float64, n int, radius float64) {
	mstar := f.model.MStarAt(clusterZ)
	for i := 0; i < n; i++ {
		g := redsequence.RedGalaxy(f.model, clusterZ, mstar-1+2*float64(i)/float64(n), 0.02)
		phi := 2 * math.Pi * float64(i) / float64(n)
		rad := radius * float64(i+1) / float64(n)
		g.RA = ra + rad*math.Cos(phi)
		g.Dec = dec + rad*math.Sin(phi)
		g.ID = int64(len(f.gals) + 1)
		f.gals = append(f.gals, g)
	}
}

func newRunner(t *testing.T, f *skyField, density float64, settings Settings) *Runner {
	t.Helper()
	bkg, err := background.Uniform([]float64{0.05, 0.3, 0.6}, []float64{0, 50}, []float64{10, 30}, density)
	require.NoError(t, err)
	r, err := New(Deps{
		Model:      f.model,
		Background: bkg,
		Mask:       mask.Full{},
		Depth:      mask.ConstantDepth(30),
		Galaxies:   f.gals,
		Metrics:    metrics.NewRecorder(),
	}, settings)
	require.NoError(t, err)
	return r
}

// blendedPair places a rich cluster A and a poorer cluster B 0.12 deg
// apart with ten galaxies halfway between them, inside both radii.
func blendedPair(t *testing.T) (*skyField, []*types.Cluster) {
	f := &skyField{model: testModel(t)}
	f.blob(150, 0, 60, 0.005)
	f.blob(150.12, 0, 20, 0.005)
	for i := 0; i < 10; i++ {
		mstar := f.model.MStarAt(clusterZ)
		g := redsequence.RedGalaxy(f.model, clusterZ, mstar-0.5+0.1*float64(i), 0.02)
		g.RA = 150.06
		g.Dec = -0.003 + 0.0006*float64(i)
		g.ID = int64(len(f.gals) + 1)
		f.gals = append(f.gals, g)
	}
	clusters := []*types.Cluster{
		{RA: 150.12, Dec: 0, Redshift: clusterZ},
		{RA: 150, Dec: 0, Redshift: clusterZ},
	}
	return f, clusters
}

func runCatSettings() Settings {
	s := DefaultSettings()
	s.Mode = ModeRunCat
	s.RunCatZLambda = false
	return s
}

func TestNewValidatesDeps(t *testing.T) {
	f := &skyField{model: testModel(t)}
	f.blob(150, 0, 5, 0.005)
	bkg, err := background.Uniform([]float64{0.05, 0.6}, []float64{0, 50}, []float64{10, 30}, 0)
	require.NoError(t, err)

	_, err = New(Deps{Model: f.model, Background: bkg, Galaxies: f.gals}, DefaultSettings())
	assert.ErrorIs(t, err, types.ErrMissingMask)

	_, err = New(Deps{Background: bkg, Mask: mask.Full{}, Galaxies: f.gals}, DefaultSettings())
	assert.ErrorIs(t, err, types.ErrMissingModel)

	_, err = New(Deps{Model: f.model, Background: bkg, Mask: mask.Full{}}, DefaultSettings())
	assert.ErrorIs(t, err, types.ErrNoGalaxies)

	s := DefaultSettings()
	s.Mode = "bogus"
	_, err = New(Deps{Model: f.model, Background: bkg, Mask: mask.Full{}, Galaxies: f.gals}, s)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = ParseMode("zscan")
	assert.NoError(t, err)
}

func TestIsolatedRichness(t *testing.T) {
	f, clusters := blendedPair(t)
	s := runCatSettings()
	s.PercolationMasking = false
	r := newRunner(t, f, 0, s)

	out, err := r.Run(context.Background(), clusters)
	require.NoError(t, err)
	require.Len(t, out.Clusters, 2)
	// B sees the shared galaxies, A its own 60 plus the shared ones
	assert.InDelta(t, 30.0, clusters[0].Lambda, 1e-3)
	assert.InDelta(t, 70.0, clusters[1].Lambda, 1e-3)
	assert.Equal(t, int64(1), clusters[0].MemMatchID)
	assert.Equal(t, int64(2), clusters[1].MemMatchID)
	for _, c := range r.Claimed() {
		assert.Zero(t, c)
	}
}

func TestDoublerunDeblends(t *testing.T) {
	f, clusters := blendedPair(t)
	s := runCatSettings()
	s.Doublerun = true
	r := newRunner(t, f, 0, s)

	out, err := r.Run(context.Background(), clusters)
	require.NoError(t, err)
	require.Len(t, out.Clusters, 2)

	// A is richer, goes first and claims the shared galaxies
	assert.InDelta(t, 70.0, clusters[1].Lambda, 1e-3)
	assert.InDelta(t, 20.0, clusters[0].Lambda, 1e-3)
	assert.GreaterOrEqual(t, clusters[1].RMask, clusters[1].RLambda)

	perCluster := map[int64]int{}
	for _, m := range out.Members {
		perCluster[m.MemMatchID]++
		assert.Greater(t, m.PFree, 0.01)
		assert.Greater(t, m.P, 0.01)
	}
	assert.Equal(t, 70, perCluster[clusters[1].MemMatchID])
	assert.Equal(t, 20, perCluster[clusters[0].MemMatchID])

	for _, c := range r.Claimed() {
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
	n, err := testutil.GatherAndCount(r.deps.Metrics.Registry(), "redmapper_percolation_claims_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimsMonotonicAndBounded(t *testing.T) {
	f, clusters := blendedPair(t)
	r := newRunner(t, f, 0, runCatSettings())
	require.NoError(t, GenerateIDs(clusters))

	prev := r.Claimed()
	for _, order := range [][]int{{1}, {0}, {1}} {
		require.NoError(t, r.PercolationPass(context.Background(), clusters, order))
		cur := r.Claimed()
		for i := range cur {
			assert.GreaterOrEqual(t, cur[i], prev[i])
			assert.LessOrEqual(t, cur[i], 1.0)
		}
		prev = cur
	}
	// a cluster whose galaxies are all claimed cannot be measured again
	assert.Equal(t, types.Sentinel, clusters[1].Lambda)
}

func TestSortCandidates(t *testing.T) {
	order := SortCandidates([]Candidate{
		{Index: 0, Lambda: 5},
		{Index: 1, Lambda: -1},
		{Index: 2, Lambda: 40},
		{Index: 3, Lambda: 5},
	})
	assert.Equal(t, []int{2, 0, 3, 1}, order)
}

func TestEmptyClusterContinues(t *testing.T) {
	f, clusters := blendedPair(t)
	clusters = append([]*types.Cluster{{RA: 10, Dec: 10, Redshift: clusterZ}}, clusters...)
	r := newRunner(t, f, 0, runCatSettings())

	out, err := r.Run(context.Background(), clusters)
	require.NoError(t, err)
	assert.Equal(t, types.Sentinel, clusters[0].Lambda)
	assert.Equal(t, types.Sentinel, clusters[0].LambdaErr)
	assert.Equal(t, types.Sentinel, clusters[0].ZLambda)
	assert.Len(t, out.Clusters, 2)
	assert.False(t, clusters[2].Failed())
}

func TestMaskedClusterIsBad(t *testing.T) {
	f, clusters := blendedPair(t)
	bkg, err := background.Uniform([]float64{0.05, 0.6}, []float64{0, 50}, []float64{10, 30}, 0)
	require.NoError(t, err)
	s := runCatSettings()
	s.MinLambda = -1
	r, err := New(Deps{
		Model:      f.model,
		Background: bkg,
		Mask:       &mask.Footprint{Boxes: []mask.Box{{RAMin: 0, RAMax: 1, DecMin: -1, DecMax: 1}}},
		Depth:      mask.ConstantDepth(30),
		Galaxies:   f.gals,
	}, s)
	require.NoError(t, err)

	out, err := r.Run(context.Background(), clusters)
	require.NoError(t, err)
	require.Len(t, out.Clusters, 2)
	for _, c := range out.Clusters {
		assert.True(t, c.Failed())
		assert.Equal(t, 1.0, c.MaskFrac)
	}
	assert.Empty(t, out.Members)
}

func TestFullRun(t *testing.T) {
	f := &skyField{model: testModel(t)}
	f.blob(150, 0, 60, 0.005)
	s := DefaultSettings()
	s.LamPlusMinus = true
	r := newRunner(t, f, 0, s)

	clusters := []*types.Cluster{{RA: 150, Dec: 0, Redshift: 0.31}}
	out, err := r.Run(context.Background(), clusters)
	require.NoError(t, err)
	require.Len(t, out.Clusters, 1)
	c := out.Clusters[0]
	assert.InDelta(t, clusterZ, c.ZLambda, 0.005)
	assert.Equal(t, c.ZLambda, c.Redshift)
	assert.InDelta(t, 60.0, c.Lambda, 1e-3)
	assert.Greater(t, c.ZLambdaErr, 0.0)
	assert.InDelta(t, 0.0, c.DLambdaDz, 1e-3)
	assert.Nil(t, c.Neighbors)
	assert.Len(t, out.Members, 60)
}

func TestZredOnly(t *testing.T) {
	f := &skyField{model: testModel(t)}
	f.blob(150, 0, 60, 0.005)
	central := redsequence.RedGalaxy(f.model, clusterZ, f.model.MStarAt(clusterZ)-1, 0.02)
	s := DefaultSettings()
	s.Mode = ModeZredOnly
	r := newRunner(t, f, 0, s)

	c := &types.Cluster{RA: 150, Dec: 0, Mag: central.Mag, MagErr: central.MagErr, RefMag: central.RefMag, RefMagErr: central.RefMagErr}
	out, err := r.Run(context.Background(), []*types.Cluster{c})
	require.NoError(t, err)
	require.Len(t, out.Clusters, 1)
	assert.InDelta(t, clusterZ, c.Redshift, 0.005)
	assert.Equal(t, c.Zred, c.ZLambda)
	assert.InDelta(t, 60.0, c.Lambda, 1e-3)

	// a catalogued zred is used as is, without magnitudes
	c = &types.Cluster{RA: 150, Dec: 0, Zred: clusterZ, ZredErr: 0.01}
	r = newRunner(t, f, 0, s)
	_, err = r.Run(context.Background(), []*types.Cluster{c})
	require.NoError(t, err)
	assert.Equal(t, clusterZ, c.Redshift)
	assert.Equal(t, 0.01, c.ZLambdaErr)

	// no zred and no magnitudes to compute one
	c = &types.Cluster{RA: 150, Dec: 0}
	r = newRunner(t, f, 0, s)
	out, err = r.Run(context.Background(), []*types.Cluster{c})
	require.NoError(t, err)
	assert.Empty(t, out.Clusters)
}

func TestZScan(t *testing.T) {
	f := &skyField{model: testModel(t)}
	f.blob(150, 0, 60, 0.005)
	s := DefaultSettings()
	s.Mode = ModeZScan
	s.ScanZRange = [2]float64{0.2, 0.4}
	s.ScanStep = 0.01
	r := newRunner(t, f, 500, s)

	c := &types.Cluster{RA: 150, Dec: 0}
	_, err := r.Run(context.Background(), []*types.Cluster{c})
	require.NoError(t, err)
	require.Len(t, c.ScanZ, 21)
	require.Len(t, c.ScanLambda, 21)
	assert.InDelta(t, clusterZ, c.ZLambda, 0.025)
	assert.Equal(t, 0.01, c.ZLambdaErr)
	for _, l := range c.ScanLambda {
		assert.LessOrEqual(t, l, c.Lambda+1e-9)
	}
}

func TestGenerateIDs(t *testing.T) {
	clusters := []*types.Cluster{{}, {}, {}}
	require.NoError(t, GenerateIDs(clusters))
	for i, c := range clusters {
		assert.Equal(t, int64(i+1), c.MemMatchID)
	}

	clusters = []*types.Cluster{{MemMatchID: 5}, {MemMatchID: 6}, {MemMatchID: 5}}
	err := GenerateIDs(clusters)
	assert.ErrorIs(t, err, types.ErrDuplicateID)

	clusters = []*types.Cluster{{MemMatchID: 9}, {MemMatchID: 3}}
	require.NoError(t, GenerateIDs(clusters))
	assert.Equal(t, int64(9), clusters[0].MemMatchID)
}

func TestCancelledContext(t *testing.T) {
	f, clusters := blendedPair(t)
	r := newRunner(t, f, 0, runCatSettings())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, clusters)
	assert.ErrorIs(t, err, context.Canceled)
}
