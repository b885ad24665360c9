package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Yapping72/r2d/internal/jobs"
	"github.com/Yapping72/r2d/internal/jobsync"
	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/upload"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs  *jobs.Engine
	Files *upload.Library
	Sync  *jobsync.Syncer // optional; if nil, sync_jobs returns an error

	// Activity, if set, is told about every tool call so MCP-only clients
	// keep the session alive.
	Activity ActivityRecorder
}

// NewMCPServer creates an MCP server with the r2d job tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"r2d",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("r2d: local queue of requirement jobs sent for diagram generation."),
		server.WithRecovery(),
	)
	addTool := func(tool mcp.Tool, h server.ToolHandlerFunc) {
		s.AddTool(tool, mcpActivity(deps.Activity, h))
	}

	addTool(
		mcp.NewTool("list_jobs",
			mcp.WithDescription("List the jobs in the local queue."),
			mcp.WithString("status", mcp.Description("Only return jobs in this status")),
		),
		mcpListJobs(deps),
	)

	addTool(
		mcp.NewTool("get_job",
			mcp.WithDescription("Return a job with its full parameters."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpGetJob(deps),
	)

	addTool(
		mcp.NewTool("create_job",
			mcp.WithDescription("Create a queued job from an uploaded user story file."),
			mcp.WithNumber("file_id", mcp.Description("Id of the uploaded file"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("Job kind (default user_story)")),
		),
		mcpCreateJob(deps),
	)

	addTool(
		mcp.NewTool("submit_job",
			mcp.WithDescription("Submit a queued job to the remote service."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpSubmitJob(deps),
	)

	addTool(
		mcp.NewTool("abort_job",
			mcp.WithDescription("Ask the remote service to abort a job."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpAbortJob(deps),
	)

	addTool(
		mcp.NewTool("delete_job",
			mcp.WithDescription("Delete a job that is not submitted or processing."),
			mcp.WithString("job_id", mcp.Description("Job id"), mcp.Required()),
		),
		mcpDeleteJob(deps),
	)

	addTool(
		mcp.NewTool("sync_jobs",
			mcp.WithDescription("Reconcile the local queue with the remote service."),
		),
		mcpSyncJobs(deps),
	)

	addTool(
		mcp.NewTool("list_files",
			mcp.WithDescription("List uploaded files without their content."),
			mcp.WithString("partition", mcp.Description("user-story-file-store (default) or mermaid-file-store")),
		),
		mcpListFiles(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://queue",
			"Job Queue",
			mcp.WithResourceDescription("Status summary of every local job"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

// mcpActivity reports each tool call to rec before running next.
func mcpActivity(rec ActivityRecorder, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	if rec == nil {
		return next
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rec.Activity()
		return next(ctx, req)
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpResult(res jobs.Result) *mcp.CallToolResult {
	if !res.Success {
		return mcpError(res.Err.Error())
	}
	return mcpJSON(res.Job)
}

func mcpListJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			list []storage.Job
			err  error
		)
		if status := req.GetString("status", ""); status != "" {
			list, err = deps.Jobs.ListJobsByStatus(ctx, storage.JobStatus(status))
		} else {
			list, err = deps.Jobs.ListJobs(ctx)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("listing jobs: %v", err)), nil
		}
		out := make([]jobSummary, 0, len(list))
		for _, j := range list {
			out = append(out, summarizeJob(j))
		}
		return mcpJSON(out), nil
	}
}

func mcpGetJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		return mcpResult(deps.Jobs.GetJob(ctx, id)), nil
	}
}

func mcpCreateJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fileID := req.GetInt("file_id", 0)
		if fileID <= 0 {
			return mcpError("file_id is required"), nil
		}
		items, err := deps.Files.Items(ctx, int64(fileID))
		if err != nil {
			return mcpError(fmt.Sprintf("reading file %d: %v", fileID, err)), nil
		}
		job, err := deps.Jobs.NewJob(jobs.Kind(req.GetString("kind", "")), items)
		if err != nil {
			return mcpError(fmt.Sprintf("building job: %v", err)), nil
		}
		return mcpResult(deps.Jobs.AddJobToQueue(ctx, job, storage.StatusQueued, "Added to queue")), nil
	}
}

func mcpSubmitJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		return mcpResult(deps.Jobs.SubmitJob(ctx, id)), nil
	}
}

func mcpAbortJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		return mcpResult(deps.Jobs.AbortJob(ctx, id)), nil
	}
}

func mcpDeleteJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		res := deps.Jobs.DeleteJob(ctx, id)
		if !res.Success {
			return mcpError(res.Err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Deleted job %s", id)), nil
	}
}

func mcpSyncJobs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Sync == nil {
			return mcpError("sync not available: no remote configured"), nil
		}
		res := deps.Sync.SyncJobsWithServer(ctx)
		if !res.Success {
			return mcpError(fmt.Sprintf("sync failed: %v", res.Err)), nil
		}
		return mcpText(fmt.Sprintf("Synced: %d inserted, %d updated, %d deleted", res.Inserted, res.Updated, res.Deleted)), nil
	}
}

func mcpListFiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		partition := req.GetString("partition", storage.UserStoryFilePartition)
		files, err := deps.Files.List(ctx, partition)
		if err != nil {
			return mcpError(fmt.Sprintf("listing files: %v", err)), nil
		}
		out := make([]fileSummary, len(files))
		for i, f := range files {
			out[i] = summarize(f, partition)
		}
		return mcpJSON(out), nil
	}
}

type jobSummary struct {
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	Status        string `json:"job_status"`
	Details       string `json:"job_details"`
	Tokens        int    `json:"tokens"`
	LastUpdatedAt string `json:"last_updated_timestamp"`
}

func summarizeJob(j storage.Job) jobSummary {
	return jobSummary{
		JobID:         j.JobID,
		JobType:       j.JobType,
		Status:        string(j.Status),
		Details:       j.Details,
		Tokens:        j.Tokens,
		LastUpdatedAt: j.LastUpdatedAt.Format(time.RFC3339),
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Jobs.ListJobs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		out := make([]jobSummary, len(list))
		for i, j := range list {
			out[i] = summarizeJob(j)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
