package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobic/redmapper/pkg/metrics"
)

func TestRouter(t *testing.T) {
	sh := shared(t)
	rec := metrics.NewRecorder()
	tm := NewTileManager(sh, runCat(), 1, nil, rec)
	load := func(_ context.Context, _ string) (*TileInput, error) {
		return tileInput(sh.Model, 10, 30), nil
	}
	require.NoError(t, tm.Run(context.Background(), "run-1", []string{"a"}, load, nil))

	srv := httptest.NewServer(NewRouter(tm, rec))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		return resp
	}

	resp := get("/api/v1/jobs?status=completed")
	var jobs []TileJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Tile)
	assert.Equal(t, 1, jobs[0].Clusters)

	resp = get("/api/v1/jobs/" + jobs[0].ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get("/api/v1/jobs/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = get("/api/v1/statistics")
	var stats Statistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.CompletedJobs)

	resp = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
