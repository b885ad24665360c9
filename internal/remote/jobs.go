package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Yapping72/r2d/internal/storage"
)

// HistoryEntry is one status change reported by the job history endpoint.
type HistoryEntry struct {
	JobID     string            `json:"job_id"`
	Status    storage.JobStatus `json:"job_status"`
	Details   string            `json:"job_details"`
	Timestamp time.Time         `json:"timestamp"`
}

// SubmitJob posts a job payload for processing.
func (c *Client) SubmitJob(ctx context.Context, payload any) error {
	_, err := c.Post(ctx, EndpointSubmitJob, payload)
	return err
}

// AbortJob asks the service to stop a job. A nil error means the service
// confirmed the abort.
func (c *Client) AbortJob(ctx context.Context, jobID string) error {
	_, err := c.Post(ctx, EndpointAbortJob, map[string]string{"job_id": jobID})
	return err
}

// FetchJobs returns every job the service holds for the signed-in user.
func (c *Client) FetchJobs(ctx context.Context) ([]storage.Job, error) {
	resp, err := c.Post(ctx, EndpointFetchJobs, struct{}{})
	if err != nil {
		return nil, err
	}
	jobs := []storage.Job{}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return jobs, nil
	}
	if err := json.Unmarshal(resp.Data, &jobs); err != nil {
		return nil, fmt.Errorf("decoding jobs: %w", err)
	}
	return jobs, nil
}

// FetchHistory returns the status history of one job, or of every job when
// jobID is empty.
func (c *Client) FetchHistory(ctx context.Context, jobID string) ([]HistoryEntry, error) {
	req := map[string]string{}
	if jobID != "" {
		req["job_id"] = jobID
	}
	resp, err := c.Post(ctx, EndpointJobHistory, req)
	if err != nil {
		return nil, err
	}
	entries := []HistoryEntry{}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return entries, nil
	}
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("decoding job history: %w", err)
	}
	return entries, nil
}
