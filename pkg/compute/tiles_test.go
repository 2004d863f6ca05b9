package compute

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/background"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/metrics"
	"github.com/jacobic/redmapper/pkg/redsequence"
	"github.com/jacobic/redmapper/pkg/runner"
)

const clusterZ = 0.3

func shared(t *testing.T) Shared {
	t.Helper()
	model, err := redsequence.New(redsequence.LinearNodes(3, 0.05, 0.6, 0.5, 3.0, 0.05, 17, 10), nil)
	require.NoError(t, err)
	bkg, err := background.Uniform([]float64{0.05, 0.3, 0.6}, []float64{0, 50}, []float64{10, 30}, 0)
	require.NoError(t, err)
	return Shared{Model: model, Background: bkg}
}

// tileInput places one isolated cluster of n red galaxies at (ra, 0).
func tileInput(model *redsequence.Model, ra float64, n int) *TileInput {
	mstar := model.MStarAt(clusterZ)
	in := &TileInput{Mask: mask.Full{}, Depth: mask.ConstantDepth(30)}
	for i := 0; i < n; i++ {
		g := redsequence.RedGalaxy(model, clusterZ, mstar-1+2*float64(i)/float64(n), 0.02)
		phi := 2 * math.Pi * float64(i) / float64(n)
		g.RA = ra + 0.004*math.Cos(phi)
		g.Dec = 0.004 * math.Sin(phi)
		g.ID = int64(i + 1)
		in.Galaxies = append(in.Galaxies, g)
	}
	in.Clusters = []*types.Cluster{{RA: ra, Dec: 0, Redshift: clusterZ}}
	return in
}

func runCat() runner.Settings {
	s := runner.DefaultSettings()
	s.Mode = runner.ModeRunCat
	s.RunCatZLambda = false
	return s
}

// collector is a Sink that keeps every tile output.
type collector struct {
	mu  sync.Mutex
	out map[string]*runner.Output
}

func (c *collector) sink(_ context.Context, job TileJob, out *runner.Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.out = map[string]*runner.Output{}
	}
	c.out[job.Tile] = out
	return nil
}

func TestRunTiles(t *testing.T) {
	sh := shared(t)
	inputs := map[string]*TileInput{
		"t0": tileInput(sh.Model, 10, 30),
		"t1": tileInput(sh.Model, 20, 40),
		"t2": tileInput(sh.Model, 30, 50),
	}
	load := func(_ context.Context, tile string) (*TileInput, error) {
		return inputs[tile], nil
	}
	rec := metrics.NewRecorder()
	tm := NewTileManager(sh, runCat(), 2, nil, rec)
	var c collector

	require.NoError(t, tm.Run(context.Background(), "run-1", []string{"t0", "t1", "t2"}, load, c.sink))

	require.Len(t, c.out, 3)
	for tile, n := range map[string]float64{"t0": 30, "t1": 40, "t2": 50} {
		out := c.out[tile]
		require.Len(t, out.Clusters, 1, tile)
		assert.InDelta(t, n, out.Clusters[0].Lambda, 0.5, tile)
		assert.Len(t, out.Members, int(n), tile)
	}

	jobs := tm.ListJobs(StatusCompleted)
	require.Len(t, jobs, 3)
	assert.Equal(t, "t0", jobs[0].Tile)
	assert.Equal(t, "run-1", jobs[0].RunID)
	assert.NotEmpty(t, jobs[0].Duration)

	job, err := tm.GetJob(jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Clusters)
	_, err = tm.GetJob("nope")
	assert.Error(t, err)

	stats := tm.GetStatistics()
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 3, stats.CompletedJobs)
	assert.Equal(t, 3, stats.Clusters)

	n, err := testutil.GatherAndCount(rec.Registry(), "redmapper_tiles_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunTilesFailure(t *testing.T) {
	sh := shared(t)
	boom := errors.New("galaxy file unreadable")
	load := func(_ context.Context, tile string) (*TileInput, error) {
		switch tile {
		case "bad":
			return nil, boom
		case "nomask":
			in := tileInput(sh.Model, 10, 30)
			in.Mask = nil
			return in, nil
		}
		return tileInput(sh.Model, 10, 30), nil
	}

	tm := NewTileManager(sh, runCat(), 1, nil, nil)
	err := tm.Run(context.Background(), "run-2", []string{"bad"}, load, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, tm.GetStatistics().FailedJobs)

	tm = NewTileManager(sh, runCat(), 1, nil, nil)
	err = tm.Run(context.Background(), "run-3", []string{"nomask"}, load, nil)
	assert.ErrorIs(t, err, types.ErrMissingMask)

	err = tm.Run(context.Background(), "run-4", nil, load, nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestRunTilesCancelled(t *testing.T) {
	sh := shared(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	load := func(_ context.Context, _ string) (*TileInput, error) {
		return tileInput(sh.Model, 10, 30), nil
	}

	tm := NewTileManager(sh, runCat(), 1, nil, nil)
	err := tm.Run(ctx, "run-5", []string{"a", "b"}, load, nil)
	assert.ErrorIs(t, err, context.Canceled)
	stats := tm.GetStatistics()
	assert.Equal(t, 2, stats.CancelledJobs)
	assert.Zero(t, stats.CompletedJobs)
}
