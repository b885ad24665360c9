package jobsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultRetention is how long a job that the server does not know about is
// kept locally before sync purges it.
const DefaultRetention = 7 * 24 * time.Hour

// JobStore is the local job queue sync reconciles.
// Implemented by storage.JobRepository.
type JobStore interface {
	List(ctx context.Context) ([]storage.Job, error)
	Put(ctx context.Context, job storage.Job) error
	Delete(ctx context.Context, jobID string) error
}

// Remote lists the jobs the server holds for the signed-in user.
// Implemented by remote.Client.
type Remote interface {
	FetchJobs(ctx context.Context) ([]storage.Job, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Result summarises one reconciliation.
type Result struct {
	Success  bool
	Inserted int
	Updated  int
	Deleted  int
	Err      error
}

// Syncer reconciles the local job queue with the server listing.
type Syncer struct {
	store     JobStore
	remote    Remote
	retention time.Duration
	clock     Clock
	logger    *slog.Logger
}

// NewSyncer creates a Syncer. A retention <= 0 uses DefaultRetention.
func NewSyncer(store JobStore, remote Remote, retention time.Duration) *Syncer {
	return NewSyncerWithClock(store, remote, retention, realClock{})
}

// NewSyncerWithClock creates a Syncer with a custom clock (for testing).
func NewSyncerWithClock(store JobStore, remote Remote, retention time.Duration, clock Clock) *Syncer {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Syncer{
		store:     store,
		remote:    remote,
		retention: retention,
		clock:     clock,
		logger:    slog.Default(),
	}
}

// SyncJobsWithServer applies the server listing to the local queue:
// unknown remote jobs are inserted as-is, jobs the server updated more
// recently are overwritten, and local-only jobs older than the retention
// horizon are deleted. Local-only jobs inside the horizon are left alone.
//
// A failed fetch aborts before anything is written. A failed write stops the
// run; writes that already completed are kept.
func (s *Syncer) SyncJobsWithServer(ctx context.Context) Result {
	res := s.sync(ctx)
	telemetry.SyncRuns.WithLabelValues(telemetry.Outcome(res.Success)).Inc()
	telemetry.SyncChanges.WithLabelValues("inserted").Add(float64(res.Inserted))
	telemetry.SyncChanges.WithLabelValues("updated").Add(float64(res.Updated))
	telemetry.SyncChanges.WithLabelValues("deleted").Add(float64(res.Deleted))
	if res.Err != nil {
		s.logger.Warn("job sync failed", "error", res.Err)
	} else {
		s.logger.Debug("job sync done", "inserted", res.Inserted, "updated", res.Updated, "deleted", res.Deleted)
	}
	return res
}

func (s *Syncer) sync(ctx context.Context) Result {
	var remoteJobs, localJobs []storage.Job

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs, err := s.remote.FetchJobs(gctx)
		if err != nil {
			return fmt.Errorf("fetching remote jobs: %w", err)
		}
		remoteJobs = jobs
		return nil
	})
	g.Go(func() error {
		jobs, err := s.store.List(gctx)
		if err != nil {
			return fmt.Errorf("listing local jobs: %w", err)
		}
		localJobs = jobs
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{Err: err}
	}

	// The horizon is fixed before any write so a slow run cannot move it.
	horizon := s.clock.Now().Add(-s.retention)

	local := make(map[string]storage.Job, len(localJobs))
	for _, j := range localJobs {
		local[j.JobID] = j
	}

	var res Result
	onServer := make(map[string]bool, len(remoteJobs))
	for _, rj := range remoteJobs {
		if rj.JobID == "" {
			s.logger.Warn("skipping remote job without job_id")
			continue
		}
		onServer[rj.JobID] = true

		lj, ok := local[rj.JobID]
		switch {
		case !ok:
			if err := s.store.Put(ctx, rj); err != nil {
				res.Err = fmt.Errorf("inserting job %s: %w", rj.JobID, err)
				return res
			}
			res.Inserted++
		case rj.LastUpdatedAt.After(lj.LastUpdatedAt):
			if err := s.store.Put(ctx, rj); err != nil {
				res.Err = fmt.Errorf("updating job %s: %w", rj.JobID, err)
				return res
			}
			res.Updated++
		}
	}

	for _, lj := range localJobs {
		if onServer[lj.JobID] || !lj.LastUpdatedAt.Before(horizon) {
			continue
		}
		if err := s.store.Delete(ctx, lj.JobID); err != nil {
			res.Err = fmt.Errorf("deleting stale job %s: %w", lj.JobID, err)
			return res
		}
		res.Deleted++
	}

	res.Success = true
	return res
}
