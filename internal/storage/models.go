package storage

import (
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusDraft                JobStatus = "Draft"
	StatusQueued               JobStatus = "Queued"
	StatusSubmitted            JobStatus = "Submitted"
	StatusProcessing           JobStatus = "Processing"
	StatusErrorFailedToSubmit  JobStatus = "Error: Failed to Submit"
	StatusErrorFailedToProcess JobStatus = "Error: Failed to Process"
	StatusJobAborted           JobStatus = "Job Aborted"
	StatusCompleted            JobStatus = "Completed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusSubmitted, StatusProcessing,
		StatusErrorFailedToSubmit, StatusErrorFailedToProcess, StatusJobAborted, StatusCompleted:
		return true
	}
	return false
}

// Item is a single requirement nested under feature and sub-feature.
type Item struct {
	ID                    string   `json:"id"`
	Requirement           string   `json:"requirement"`
	ServicesToUse         []string `json:"services_to_use"`
	AcceptanceCriteria    string   `json:"acceptance_criteria,omitempty"`
	AdditionalInformation string   `json:"additional_information,omitempty"`
}

// Tree maps feature -> sub-feature -> item id -> item.
type Tree map[string]map[string]map[string]Item

// Parameters is the nested payload of a Job.
type Parameters struct {
	Features      []string `json:"features"`
	SubFeatures   []string `json:"sub_features"`
	JobParameters Tree     `json:"job_parameters"`
}

// Job is a unit of requirement data queued for remote diagram generation.
type Job struct {
	JobID         string     `json:"job_id"`
	UserID        string     `json:"user_id"`
	JobType       string     `json:"job_type"`
	Status        JobStatus  `json:"job_status"`
	Details       string     `json:"job_details"`
	Tokens        int        `json:"tokens"`
	Parameters    Parameters `json:"parameters"`
	CreatedAt     time.Time  `json:"created_timestamp"`
	LastUpdatedAt time.Time  `json:"last_updated_timestamp"`
}

// FileRecord is an uploaded document plus the metadata gathered when it was validated.
type FileRecord struct {
	ID          int64     `json:"id"`
	Content     []byte    `json:"content"`
	Filename    string    `json:"filename"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	Lines       int       `json:"lines"`
	Features    []string  `json:"features,omitempty"`
	SubFeatures []string  `json:"sub_features,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
