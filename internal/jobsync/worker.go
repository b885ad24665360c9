package jobsync

import (
	"context"
	"log/slog"
	"time"
)

// Session reports whether a user is signed in.
// Implemented by session.Manager.
type Session interface {
	Active() bool
}

// Worker runs a Syncer periodically while a session is active.
type Worker struct {
	syncer   *Syncer
	session  Session
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to one minute.
// A nil session means the worker always syncs.
func NewWorker(syncer *Syncer, session Session, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		syncer:   syncer,
		session:  session,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run syncs once immediately and then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sync. It returns false without syncing when no
// session is active.
func (w *Worker) RunOnce(ctx context.Context) (Result, bool) {
	if w.session != nil && !w.session.Active() {
		w.logger.Debug("skipping job sync, no active session")
		return Result{}, false
	}
	return w.syncer.SyncJobsWithServer(ctx), true
}
