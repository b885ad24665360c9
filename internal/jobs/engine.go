package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/telemetry"
	"github.com/google/uuid"
)

// JobStore defines the persistence operations the Engine needs.
// Implemented by storage.JobRepository.
type JobStore interface {
	Get(ctx context.Context, jobID string) (storage.Job, error)
	List(ctx context.Context) ([]storage.Job, error)
	ListByStatus(ctx context.Context, statuses ...storage.JobStatus) ([]storage.Job, error)
	Save(ctx context.Context, job *storage.Job) error
	UpdateStatus(ctx context.Context, jobID string, status storage.JobStatus, details string) (storage.Job, error)
	Delete(ctx context.Context, jobID string) error
}

// Remote is the job service the Engine submits to.
// Implemented by remote.Client.
type Remote interface {
	SubmitJob(ctx context.Context, payload any) error
	AbortJob(ctx context.Context, jobID string) error
}

// Identity returns the id of the signed-in user.
// Implemented by auth.TokenStore.
type Identity interface {
	UserID() (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the tunables of an Engine.
type Config struct {
	Limits Limits
	Models Models
}

// Engine runs the job state machine on top of a JobStore.
type Engine struct {
	store    JobStore
	remote   Remote
	identity Identity
	registry *Registry
	limits   Limits
	models   Models
	clock    Clock
	logger   *slog.Logger
}

// NewEngine creates an Engine with the built-in strategies.
func NewEngine(store JobStore, remote Remote, identity Identity, cfg Config) *Engine {
	return NewEngineWithClock(store, remote, identity, cfg, realClock{})
}

// NewEngineWithClock creates an Engine with a custom clock (for testing).
func NewEngineWithClock(store JobStore, remote Remote, identity Identity, cfg Config, clock Clock) *Engine {
	logger := slog.Default()
	return &Engine{
		store:    store,
		remote:   remote,
		identity: identity,
		registry: NewRegistry(logger),
		limits:   cfg.Limits,
		models:   cfg.Models,
		clock:    clock,
		logger:   logger,
	}
}

// Registry returns the strategy registry so callers can add job kinds.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// canSubmit reports whether a job in status may be submitted.
func canSubmit(status storage.JobStatus) bool {
	switch status {
	case storage.StatusDraft, storage.StatusQueued, storage.StatusErrorFailedToSubmit,
		storage.StatusJobAborted, storage.StatusCompleted:
		return true
	}
	return false
}

// canDelete reports whether a job in status may be removed from the store.
func canDelete(status storage.JobStatus) bool {
	switch status {
	case storage.StatusDraft, storage.StatusQueued, storage.StatusErrorFailedToSubmit,
		storage.StatusErrorFailedToProcess, storage.StatusCompleted, storage.StatusJobAborted:
		return true
	}
	return false
}

// mustBeHydrated panics on a stored job without the fields every record is
// written with.
func mustBeHydrated(job storage.Job) {
	if job.JobID == "" || job.Status == "" {
		panic(fmt.Sprintf("jobs: stored job record missing job_id or job_status (job_id=%q status=%q)", job.JobID, job.Status))
	}
}

func (e *Engine) load(ctx context.Context, jobID string) (storage.Job, error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return storage.Job{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	mustBeHydrated(job)
	return job, nil
}

func (e *Engine) save(ctx context.Context, job *storage.Job) error {
	if err := e.store.Save(ctx, job); err != nil {
		return fmt.Errorf("saving job %s: %w", job.JobID, err)
	}
	return nil
}

func (e *Engine) setStatus(ctx context.Context, jobID string, status storage.JobStatus, details string) (storage.Job, error) {
	job, err := e.store.UpdateStatus(ctx, jobID, status, details)
	if err != nil {
		return storage.Job{}, fmt.Errorf("saving job %s: %w", jobID, err)
	}
	return job, nil
}

func (e *Engine) record(op string, r Result) Result {
	outcome := telemetry.Outcome(r.Success)
	if !r.Success && isGuard(r.Err) {
		outcome = telemetry.OutcomeRefused
	}
	telemetry.JobOperations.WithLabelValues(op, outcome).Inc()
	if !r.Success {
		e.logger.Warn("job operation failed", "op", op, "error", r.Err)
	}
	return r
}

// Populate validates, sanitizes and assembles raw upload items into job
// parameters. It returns the parameters and their token count.
func (e *Engine) Populate(kind Kind, raw []map[string]any) (storage.Parameters, int, error) {
	strategy, err := e.registry.Lookup(kind)
	if err != nil {
		return storage.Parameters{}, 0, err
	}
	records, err := strategy.Validate(raw, e.limits)
	if err != nil {
		return storage.Parameters{}, 0, err
	}
	records = strategy.Sanitize(records)

	params := storage.Parameters{JobParameters: storage.Tree{}}
	for _, r := range records {
		insertItem(params.JobParameters, r.Feature, r.SubFeature, r.Item)
	}
	tokens := recompute(&params)
	e.logger.Debug("populated job parameters", "kind", kind, "items", len(records), "skipped", len(raw)-len(records), "tokens", tokens)
	return params, tokens, nil
}

// NewJob builds a Draft job from raw upload items. The job is not persisted.
func (e *Engine) NewJob(kind Kind, raw []map[string]any) (storage.Job, error) {
	if kind == "" {
		kind = KindUserStory
	}
	params, tokens, err := e.Populate(kind, raw)
	if err != nil {
		return storage.Job{}, err
	}
	userID, err := e.identity.UserID()
	if err != nil {
		return storage.Job{}, fmt.Errorf("resolving user: %w", err)
	}
	now := e.now()
	return storage.Job{
		JobID:         uuid.New().String(),
		UserID:        userID,
		JobType:       string(kind),
		Status:        storage.StatusDraft,
		Details:       "Draft created",
		Tokens:        tokens,
		Parameters:    params,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}, nil
}

// AddJobToQueue sets the job's status and details and persists it. An empty
// status means Queued.
func (e *Engine) AddJobToQueue(ctx context.Context, job storage.Job, status storage.JobStatus, details string) Result {
	if status == "" {
		status = storage.StatusQueued
	}
	if !status.Valid() {
		return e.record("enqueue", failed(fmt.Errorf("unknown job status %q", status)))
	}
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.JobType == "" {
		job.JobType = string(KindUserStory)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = e.now()
	}
	job.Status = status
	job.Details = details
	job.Tokens = recompute(&job.Parameters)
	if err := e.save(ctx, &job); err != nil {
		return e.record("enqueue", failed(err))
	}
	return e.record("enqueue", succeeded(job))
}

// SubmitJob sends the job to the remote service. Jobs that are submitted or
// processing are refused without change. A failed attempt leaves the job in
// Error: Failed to Submit.
func (e *Engine) SubmitJob(ctx context.Context, jobID string) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return e.record("submit", failed(err))
	}
	if !canSubmit(job.Status) {
		return e.record("submit", failedWith(job, guardError("submit", job.Status)))
	}

	if err := e.submit(ctx, job); err != nil {
		failedJob, saveErr := e.setStatus(ctx, job.JobID, storage.StatusErrorFailedToSubmit, err.Error())
		if saveErr != nil {
			return e.record("submit", failedWith(job, fmt.Errorf("%w (and %v)", err, saveErr)))
		}
		return e.record("submit", failedWith(failedJob, err))
	}

	job, err = e.setStatus(ctx, job.JobID, storage.StatusSubmitted, "Submitted for processing")
	if err != nil {
		return e.record("submit", failed(err))
	}
	e.logger.Info("job submitted", "job_id", job.JobID, "tokens", job.Tokens)
	return e.record("submit", succeeded(job))
}

func (e *Engine) submit(ctx context.Context, job storage.Job) error {
	strategy, err := e.registry.Lookup(Kind(job.JobType))
	if err != nil {
		return err
	}
	userID, err := e.identity.UserID()
	if err != nil {
		return fmt.Errorf("resolving user: %w", err)
	}
	payload, err := strategy.BuildPayload(job, userID, e.models)
	if err != nil {
		return err
	}
	if err := e.remote.SubmitJob(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	return nil
}

// AbortJob asks the remote service to stop a Processing job and records
// Job Aborted once it confirms. Any other status is refused without a
// remote call.
func (e *Engine) AbortJob(ctx context.Context, jobID string) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return e.record("abort", failed(err))
	}
	if job.Status != storage.StatusProcessing {
		return e.record("abort", failedWith(job, guardError("abort", job.Status)))
	}
	if err := e.remote.AbortJob(ctx, job.JobID); err != nil {
		return e.record("abort", failedWith(job, fmt.Errorf("%w: %v", ErrRemote, err)))
	}

	aborted, err := e.setStatus(ctx, job.JobID, storage.StatusJobAborted, "Aborted by user")
	if err != nil {
		return e.record("abort", failedWith(job, err))
	}
	return e.record("abort", succeeded(aborted))
}

// DeleteJob removes a job from the local store. Submitted and Processing
// jobs are refused.
func (e *Engine) DeleteJob(ctx context.Context, jobID string) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return e.record("delete", failed(err))
	}
	if !canDelete(job.Status) {
		return e.record("delete", failedWith(job, guardError("delete", job.Status)))
	}
	if err := e.store.Delete(ctx, jobID); err != nil {
		return e.record("delete", failedWith(job, fmt.Errorf("deleting job %s: %w", jobID, err)))
	}
	return e.record("delete", succeeded(job))
}

// GetJob returns a single job.
func (e *Engine) GetJob(ctx context.Context, jobID string) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return failed(err)
	}
	return succeeded(job)
}

// ListJobs returns every locally stored job.
func (e *Engine) ListJobs(ctx context.Context) ([]storage.Job, error) {
	jobs, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	for _, j := range jobs {
		mustBeHydrated(j)
	}
	return jobs, nil
}

// ListJobsByStatus returns the locally stored jobs in any of statuses.
func (e *Engine) ListJobsByStatus(ctx context.Context, statuses ...storage.JobStatus) ([]storage.Job, error) {
	jobs, err := e.store.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	for _, j := range jobs {
		mustBeHydrated(j)
	}
	return jobs, nil
}

// UpdateItemInJob removes the item at (feature, subFeature, itemID) if
// present and inserts edited, which may carry a new path. Status is never
// checked or changed.
func (e *Engine) UpdateItemInJob(ctx context.Context, jobID, feature, subFeature, itemID string, edited Record) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return e.record("update_item", failed(err))
	}
	strategy, err := e.registry.Lookup(Kind(job.JobType))
	if err != nil {
		return e.record("update_item", failedWith(job, err))
	}
	records, err := strategy.Validate([]map[string]any{recordToRaw(edited)}, e.limits)
	if err != nil {
		return e.record("update_item", failedWith(job, err))
	}
	if len(records) == 0 {
		return e.record("update_item", failedWith(job, &ValidationError{Reason: "edited item is missing a required field"}))
	}
	rec := strategy.Sanitize(records)[0]

	tree := cloneTree(job.Parameters.JobParameters)
	// An absent old path is not an error; the edited item is still inserted.
	removeItem(tree, feature, subFeature, itemID)
	insertItem(tree, rec.Feature, rec.SubFeature, rec.Item)
	job.Parameters.JobParameters = tree
	job.Tokens = recompute(&job.Parameters)

	if err := e.save(ctx, &job); err != nil {
		return e.record("update_item", failedWith(job, err))
	}
	return e.record("update_item", succeeded(job))
}

// DeleteItemInJob removes the item at (feature, subFeature, itemID) and
// prunes parents left empty. Status is never checked or changed.
func (e *Engine) DeleteItemInJob(ctx context.Context, jobID, feature, subFeature, itemID string) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return e.record("delete_item", failed(err))
	}
	tree := cloneTree(job.Parameters.JobParameters)
	if !removeItem(tree, feature, subFeature, itemID) {
		return e.record("delete_item", failedWith(job, fmt.Errorf("%s/%s/%s: %w", feature, subFeature, itemID, ErrItemNotFound)))
	}
	job.Parameters.JobParameters = tree
	job.Tokens = recompute(&job.Parameters)

	if err := e.save(ctx, &job); err != nil {
		return e.record("delete_item", failedWith(job, err))
	}
	return e.record("delete_item", succeeded(job))
}

// RecountJob recomputes the token count and feature sets of a stored job.
func (e *Engine) RecountJob(ctx context.Context, jobID string) Result {
	job, err := e.load(ctx, jobID)
	if err != nil {
		return e.record("recount", failed(err))
	}
	job.Tokens = recompute(&job.Parameters)
	if err := e.save(ctx, &job); err != nil {
		return e.record("recount", failedWith(job, err))
	}
	return e.record("recount", succeeded(job))
}

func recordToRaw(r Record) map[string]any {
	services := make([]any, len(r.Item.ServicesToUse))
	for i, s := range r.Item.ServicesToUse {
		services[i] = s
	}
	return map[string]any{
		"feature":                r.Feature,
		"sub_feature":            r.SubFeature,
		"id":                     r.Item.ID,
		"requirement":            r.Item.Requirement,
		"services_to_use":        services,
		"acceptance_criteria":    r.Item.AcceptanceCriteria,
		"additional_information": r.Item.AdditionalInformation,
	}
}

func isGuard(err error) bool {
	return errors.Is(err, ErrStateGuard)
}
