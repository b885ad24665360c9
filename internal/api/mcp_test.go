package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Yapping72/r2d/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	return MCPDeps{Jobs: env.engine, Files: env.files, Sync: env.sync}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// uploadStories stores storiesJSON and returns its file id.
func uploadStories(t *testing.T, env *testEnv) int64 {
	t.Helper()
	rec, _, err := env.files.Upload(context.Background(), "stories.json", []byte(storiesJSON))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return rec.ID
}

func callCreateJob(t *testing.T, deps MCPDeps, fileID int64) storage.Job {
	t.Helper()
	req := makeCallToolRequest("create_job", map[string]interface{}{"file_id": float64(fileID)})
	result, err := mcpCreateJob(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("create_job returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("create_job failed: %s", toolText(t, result))
	}
	var job storage.Job
	if err := json.Unmarshal([]byte(toolText(t, result)), &job); err != nil {
		t.Fatalf("decoding job: %v", err)
	}
	return job
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCP_CreateJobFromFile(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	job := callCreateJob(t, deps, uploadStories(t, env))

	if job.Status != storage.StatusQueued || job.Tokens != 9 {
		t.Errorf("job = %+v", job)
	}
	stored, err := env.repo.Get(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if stored.Details != "Added to queue" {
		t.Errorf("details = %q", stored.Details)
	}
}

func TestMCP_CreateJobErrors(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	fileID := uploadStories(t, env)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing file id", map[string]interface{}{}, "file_id is required"},
		{"unknown file", map[string]interface{}{"file_id": float64(42)}, "reading file 42"},
		{"unknown kind", map[string]interface{}{"file_id": float64(fileID), "kind": "essay"}, "unknown job kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mcpCreateJob(deps)(context.Background(), makeCallToolRequest("create_job", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected tool error")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want it to contain %q", text, tt.want)
			}
		})
	}
}

func TestMCP_ListJobs(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	fileID := uploadStories(t, env)
	job := callCreateJob(t, deps, fileID)
	callCreateJob(t, deps, fileID)

	if res := deps.Jobs.SubmitJob(context.Background(), job.JobID); !res.Success {
		t.Fatalf("SubmitJob: %v", res.Err)
	}

	result, err := mcpListJobs(deps)(context.Background(), makeCallToolRequest("list_jobs", map[string]interface{}{"status": "Submitted"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var summaries []jobSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &summaries); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(summaries) != 1 || summaries[0].JobID != job.JobID {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestMCP_GetJob(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	job := callCreateJob(t, deps, uploadStories(t, env))

	result, _ := mcpGetJob(deps)(context.Background(), makeCallToolRequest("get_job", map[string]interface{}{"job_id": job.JobID}))
	if result.IsError {
		t.Fatalf("get_job failed: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"job_parameters"`) {
		t.Error("get_job omitted parameters")
	}

	result, _ = mcpGetJob(deps)(context.Background(), makeCallToolRequest("get_job", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error without job_id")
	}
	result, _ = mcpGetJob(deps)(context.Background(), makeCallToolRequest("get_job", map[string]interface{}{"job_id": "nope"}))
	if !result.IsError {
		t.Error("expected error for unknown job")
	}
}

func TestMCP_SubmitAbortDelete(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	job := callCreateJob(t, deps, uploadStories(t, env))
	args := map[string]interface{}{"job_id": job.JobID}

	// Abort is only allowed while processing.
	result, _ := mcpAbortJob(deps)(context.Background(), makeCallToolRequest("abort_job", args))
	if !result.IsError {
		t.Error("abort of a queued job should fail")
	}

	env.remote.submitErr = errors.New("boom")
	result, _ = mcpSubmitJob(deps)(context.Background(), makeCallToolRequest("submit_job", args))
	if !result.IsError {
		t.Fatal("submit should report the remote failure")
	}
	stored, _ := env.repo.Get(context.Background(), job.JobID)
	if stored.Status != storage.StatusErrorFailedToSubmit {
		t.Errorf("status = %q", stored.Status)
	}

	result, _ = mcpDeleteJob(deps)(context.Background(), makeCallToolRequest("delete_job", args))
	if result.IsError {
		t.Fatalf("delete failed: %s", toolText(t, result))
	}
	if _, err := env.repo.Get(context.Background(), job.JobID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMCP_SyncJobs(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	now := time.Now().UTC()
	env.remote.jobs = []storage.Job{{JobID: "r-1", Status: storage.StatusProcessing, CreatedAt: now, LastUpdatedAt: now}}

	result, err := mcpSyncJobs(deps)(context.Background(), makeCallToolRequest("sync_jobs", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "Synced: 1 inserted, 0 updated, 0 deleted" {
		t.Errorf("text = %q", text)
	}

	deps.Sync = nil
	result, _ = mcpSyncJobs(deps)(context.Background(), makeCallToolRequest("sync_jobs", nil))
	if !result.IsError {
		t.Error("expected error without a syncer")
	}
}

func TestMCP_ListFiles(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	uploadStories(t, env)

	result, _ := mcpListFiles(deps)(context.Background(), makeCallToolRequest("list_files", nil))
	var files []fileSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &files); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(files) != 1 || files[0].Filename != "stories.json" {
		t.Errorf("files = %+v", files)
	}

	result, _ = mcpListFiles(deps)(context.Background(), makeCallToolRequest("list_files", map[string]interface{}{"partition": "nope"}))
	if !result.IsError {
		t.Error("expected error for unknown partition")
	}
}

func TestMCP_ResourceQueue(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	job := callCreateJob(t, deps, uploadStories(t, env))

	contents, err := mcpResourceQueue(deps)(context.Background(), makeReadResourceRequest("jobs://queue"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "jobs://queue" || !strings.Contains(tc.Text, job.JobID) {
		t.Errorf("resource = %+v", tc)
	}
}

func TestMCP_ToolCallsRecordActivity(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	rec := &countingRecorder{}
	deps.Activity = rec
	uploadStories(t, env)

	handler := mcpActivity(deps.Activity, mcpListFiles(deps))
	for i := 0; i < 2; i++ {
		result, err := handler(context.Background(), makeCallToolRequest("list_files", nil))
		if err != nil || result.IsError {
			t.Fatalf("list_files: err %v, result %+v", err, result)
		}
	}
	if rec.n != 2 {
		t.Errorf("activity calls = %d, want 2", rec.n)
	}

	// Without a recorder the handler runs unchanged.
	result, _ := mcpActivity(nil, mcpListFiles(deps))(context.Background(), makeCallToolRequest("list_files", nil))
	if result.IsError {
		t.Errorf("list_files without recorder failed: %s", toolText(t, result))
	}
}
