package jobs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Yapping72/r2d/internal/storage"
)

// Kind selects the strategy used for a job's parameters.
type Kind string

// KindUserStory is the default kind: user stories grouped by feature.
const KindUserStory Kind = "user_story"

// Models names the remote models a job is processed with.
type Models struct {
	Model        string
	DiagramModel string
}

// Strategy holds everything that differs between job kinds.
type Strategy interface {
	// Validate turns raw upload items into records, truncating oversized
	// fields. It fails only when the input has the wrong shape.
	Validate(raw []map[string]any, limits Limits) ([]Record, error)
	// Sanitize escapes unsafe markup in every free-text field.
	Sanitize(records []Record) []Record
	// BuildPayload returns the body posted to the remote submit endpoint.
	BuildPayload(job storage.Job, userID string, models Models) (any, error)
}

// Payload is the submit request body for user-story jobs.
type Payload struct {
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	JobType      string `json:"job_type"`
	Model        string `json:"model"`
	DiagramModel string `json:"diagram_model"`
	Tokens       int    `json:"tokens"`
	storage.Parameters
}

type userStoryStrategy struct {
	logger *slog.Logger
}

func (s userStoryStrategy) Validate(raw []map[string]any, limits Limits) ([]Record, error) {
	return validateItems(raw, limits, s.logger)
}

func (userStoryStrategy) Sanitize(records []Record) []Record {
	return sanitizeRecords(records)
}

func (userStoryStrategy) BuildPayload(job storage.Job, userID string, models Models) (any, error) {
	if userID == "" {
		return nil, fmt.Errorf("building payload for %s: no user id", job.JobID)
	}
	return Payload{
		JobID:        job.JobID,
		UserID:       userID,
		JobType:      job.JobType,
		Model:        models.Model,
		DiagramModel: models.DiagramModel,
		Tokens:       job.Tokens,
		Parameters:   job.Parameters,
	}, nil
}

// Registry maps job kinds to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[Kind]Strategy
}

// NewRegistry returns a registry with the built-in user story strategy.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		strategies: map[Kind]Strategy{
			KindUserStory: userStoryStrategy{logger: logger},
		},
	}
}

// Register adds or replaces the strategy for kind.
func (r *Registry) Register(kind Kind, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[kind] = s
}

// Lookup returns the strategy for kind. An empty kind means KindUserStory.
func (r *Registry) Lookup(kind Kind) (Strategy, error) {
	if kind == "" {
		kind = KindUserStory
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	return out
}
