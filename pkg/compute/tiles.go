// Package compute runs the cluster finder over sky tiles concurrently.
package compute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
	"github.com/jacobic/redmapper/pkg/mask"
	"github.com/jacobic/redmapper/pkg/metrics"
	"github.com/jacobic/redmapper/pkg/redsequence"
	"github.com/jacobic/redmapper/pkg/richness"
	"github.com/jacobic/redmapper/pkg/runner"
)

// TileStatus represents the status of a tile job
type TileStatus string

const (
	StatusQueued    TileStatus = "queued"
	StatusRunning   TileStatus = "running"
	StatusCompleted TileStatus = "completed"
	StatusFailed    TileStatus = "failed"
	StatusCancelled TileStatus = "cancelled"
)

// TileJob tracks one tile through the manager.
type TileJob struct {
	ID     string     `json:"id"`
	RunID  string     `json:"run_id"`
	Tile   string     `json:"tile"`
	Status TileStatus `json:"status"`
	Error  string     `json:"error,omitempty"`

	Clusters int `json:"clusters"`
	Members  int `json:"members"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// TileInput is the per-tile data a runner needs.
type TileInput struct {
	Galaxies []types.Galaxy
	Clusters []*types.Cluster
	Mask     mask.Mask
	Depth    mask.Depth
}

// Loader loads the input of a tile.
type Loader func(ctx context.Context, tile string) (*TileInput, error)

// Sink receives the output of a finished tile. It may be called from
// several goroutines at once.
type Sink func(ctx context.Context, job TileJob, out *runner.Output) error

// Shared holds the read-only models every tile uses.
type Shared struct {
	Model      *redsequence.Model
	Background richness.Background
	Cosmo      *cosmology.Cosmology
}

// TileManager runs tiles with at most MaxConcurrent in flight. Each tile
// gets its own runner and claimed accumulator.
type TileManager struct {
	shared        Shared
	settings      runner.Settings
	maxConcurrent int
	logger        *slog.Logger
	metrics       *metrics.Recorder

	mu   sync.RWMutex
	jobs map[string]*TileJob
}

// NewTileManager creates a tile manager. maxConcurrent < 1 runs one tile
// at a time.
func NewTileManager(shared Shared, settings runner.Settings, maxConcurrent int, logger *slog.Logger, rec *metrics.Recorder) *TileManager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TileManager{
		shared:        shared,
		settings:      settings,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		metrics:       rec,
		jobs:          make(map[string]*TileJob),
	}
}

// Run processes every tile and waits for them. The first tile error
// cancels the tiles still queued or running and is returned.
func (tm *TileManager) Run(ctx context.Context, runID string, tiles []string, load Loader, sink Sink) error {
	if len(tiles) == 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "no tiles to run")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tm.maxConcurrent)
	for _, tile := range tiles {
		job := tm.submit(runID, tile)
		g.Go(func() error {
			return tm.process(gctx, job, load, sink)
		})
	}
	return g.Wait()
}

func (tm *TileManager) submit(runID, tile string) *TileJob {
	job := &TileJob{
		ID:          uuid.NewString(),
		RunID:       runID,
		Tile:        tile,
		Status:      StatusQueued,
		SubmittedAt: time.Now(),
	}
	tm.mu.Lock()
	tm.jobs[job.ID] = job
	tm.mu.Unlock()
	return job
}

func (tm *TileManager) process(ctx context.Context, job *TileJob, load Loader, sink Sink) error {
	logger := tm.logger.With("tile", job.Tile, "job", job.ID)

	// Check if the run was cancelled before starting
	if err := ctx.Err(); err != nil {
		tm.finish(job, StatusCancelled, err)
		return err
	}
	tm.start(job)
	logger.Info("tile started")

	out, err := tm.runTile(ctx, job, load, logger)
	if err == nil && sink != nil {
		err = sink(ctx, tm.snapshot(job), out)
	}
	if err != nil {
		status := StatusFailed
		if ctx.Err() != nil {
			status = StatusCancelled
		}
		tm.finish(job, status, err)
		logger.Error("tile failed", "status", status, "err", err)
		return fmt.Errorf("tile %s: %w", job.Tile, err)
	}
	tm.finish(job, StatusCompleted, nil)
	logger.Info("tile completed", "clusters", len(out.Clusters), "members", len(out.Members))
	return nil
}

func (tm *TileManager) runTile(ctx context.Context, job *TileJob, load Loader, logger *slog.Logger) (*runner.Output, error) {
	in, err := load(ctx, job.Tile)
	if err != nil {
		return nil, err
	}
	settings := tm.settings
	settings.Tile = job.Tile
	r, err := runner.New(runner.Deps{
		Model:      tm.shared.Model,
		Background: tm.shared.Background,
		Cosmo:      tm.shared.Cosmo,
		Mask:       in.Mask,
		Depth:      in.Depth,
		Galaxies:   in.Galaxies,
		Logger:     logger,
		Metrics:    tm.metrics,
	}, settings)
	if err != nil {
		return nil, err
	}
	out, err := r.Run(ctx, in.Clusters)
	if err != nil {
		return nil, err
	}
	tm.mu.Lock()
	job.Clusters, job.Members = len(out.Clusters), len(out.Members)
	tm.mu.Unlock()
	return out, nil
}

func (tm *TileManager) start(job *TileJob) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	job.Status = StatusRunning
	job.StartedAt = &now
}

func (tm *TileManager) finish(job *TileJob, status TileStatus, err error) {
	tm.mu.Lock()
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if err != nil {
		job.Error = err.Error()
	}
	if job.StartedAt != nil {
		job.Duration = now.Sub(*job.StartedAt).String()
	}
	tm.mu.Unlock()
	tm.metrics.ObserveTile(string(status))
}

func (tm *TileManager) snapshot(job *TileJob) TileJob {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return *job
}

// GetJob retrieves a job by ID
func (tm *TileManager) GetJob(id string) (TileJob, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	job, ok := tm.jobs[id]
	if !ok {
		return TileJob{}, fmt.Errorf("job not found: %s", id)
	}
	return *job, nil
}

// ListJobs returns the jobs sorted by tile, optionally filtered by status.
func (tm *TileManager) ListJobs(status TileStatus) []TileJob {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	var out []TileJob
	for _, job := range tm.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tile < out[j].Tile })
	return out
}

// Statistics counts jobs by status.
type Statistics struct {
	TotalJobs     int `json:"total_jobs"`
	QueuedJobs    int `json:"queued_jobs"`
	RunningJobs   int `json:"running_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
	Clusters      int `json:"clusters"`
}

// GetStatistics returns tile manager statistics
func (tm *TileManager) GetStatistics() Statistics {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	stats := Statistics{TotalJobs: len(tm.jobs)}
	for _, job := range tm.jobs {
		switch job.Status {
		case StatusQueued:
			stats.QueuedJobs++
		case StatusRunning:
			stats.RunningJobs++
		case StatusCompleted:
			stats.CompletedJobs++
			stats.Clusters += job.Clusters
		case StatusFailed:
			stats.FailedJobs++
		case StatusCancelled:
			stats.CancelledJobs++
		}
	}
	return stats
}
