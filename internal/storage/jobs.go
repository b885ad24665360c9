package storage

import (
	"context"
	"fmt"
	"time"
)

// JobRepository persists Job records keyed by job_id.
type JobRepository struct {
	jobs *Collection[Job]
	now  func() time.Time
}

func NewJobRepository(s *Store) *JobRepository {
	return NewJobRepositoryWithClock(s, time.Now)
}

// NewJobRepositoryWithClock creates a JobRepository that stamps
// last_updated_timestamp from now (for testing).
func NewJobRepositoryWithClock(s *Store, now func() time.Time) *JobRepository {
	return &JobRepository{
		jobs: NewCollection[Job](s, JobQueuePartition),
		now:  func() time.Time { return now().UTC() },
	}
}

// Add inserts a new job. It fails with ErrDuplicateKey if the job id exists.
func (r *JobRepository) Add(ctx context.Context, job Job) error {
	_, err := r.jobs.Insert(ctx, job)
	return err
}

func (r *JobRepository) Get(ctx context.Context, jobID string) (Job, error) {
	return r.jobs.Get(ctx, jobID)
}

func (r *JobRepository) List(ctx context.Context) ([]Job, error) {
	return r.jobs.GetAll(ctx)
}

// Put writes job as-is, replacing any record with the same id. Timestamps
// are left untouched; sync uses this to mirror server records exactly.
func (r *JobRepository) Put(ctx context.Context, job Job) error {
	if job.JobID == "" {
		return &StoreError{Op: "update", Partition: JobQueuePartition, Err: ErrMissingKey}
	}
	return r.jobs.Update(ctx, job.JobID, job)
}

// Save writes job after stamping last_updated_timestamp.
func (r *JobRepository) Save(ctx context.Context, job *Job) error {
	job.LastUpdatedAt = r.now()
	return r.Put(ctx, *job)
}

// UpdateStatus loads the job, sets its status and details, and saves it.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID string, status JobStatus, details string) (Job, error) {
	if !status.Valid() {
		return Job{}, fmt.Errorf("unknown job status %q", status)
	}
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	job.Status = status
	job.Details = details
	if err := r.Save(ctx, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListByStatus returns the jobs currently in any of the given statuses.
func (r *JobRepository) ListByStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[JobStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []Job
	for _, j := range all {
		if want[j.Status] {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *JobRepository) Delete(ctx context.Context, jobID string) error {
	return r.jobs.Delete(ctx, jobID)
}

func (r *JobRepository) Clear(ctx context.Context) error {
	return r.jobs.Clear(ctx)
}
