package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Yapping72/r2d/internal/jobs"
	"github.com/Yapping72/r2d/internal/jobsync"
	"github.com/Yapping72/r2d/internal/remote"
	"github.com/Yapping72/r2d/internal/session"
	"github.com/Yapping72/r2d/internal/storage"
	"github.com/Yapping72/r2d/internal/telemetry"
	"github.com/Yapping72/r2d/internal/upload"
)

const maxUploadBodySize = 10 << 20 // 10MB, base64 of the largest upload

// HistoryFetcher returns the server-side status history of a job.
// Implemented by remote.Client.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, jobID string) ([]remote.HistoryEntry, error)
}

type AppDeps struct {
	Jobs    *jobs.Engine
	Files   *upload.Library
	Sync    *jobsync.Syncer
	Session *session.Manager // optional; if nil, session routes report inactive
	History HistoryFetcher   // optional; if nil, history returns 501
	Token   string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		// Polling the countdown must not count as activity.
		r.Get("/session", handleSessionState(deps))
		r.Post("/session/stay", handleStayLoggedIn(deps))
		r.Post("/session/logout", handleLogout(deps))

		r.Group(func(r chi.Router) {
			if deps.Session != nil {
				r.Use(ActivityFeed(deps.Session))
			}

			r.Get("/jobs", handleListJobs(deps))
			r.Post("/jobs", handleCreateJob(deps))
			r.Get("/jobs/{id}", handleGetJob(deps))
			r.Delete("/jobs/{id}", handleDeleteJob(deps))
			r.Post("/jobs/{id}/submit", handleSubmitJob(deps))
			r.Post("/jobs/{id}/abort", handleAbortJob(deps))
			r.Post("/jobs/{id}/recount", handleRecountJob(deps))
			r.Get("/jobs/{id}/history", handleJobHistory(deps))
			r.Put("/jobs/{id}/items", handleUpdateItem(deps))
			r.Delete("/jobs/{id}/items", handleDeleteItem(deps))
			r.Get("/kinds", handleListKinds(deps))

			r.Get("/files", handleListFiles(deps))
			r.Post("/files", handleUploadFile(deps))
			r.Get("/files/{partition}/{id}", handleGetFile(deps))
			r.Delete("/files/{partition}/{id}", handleDeleteFile(deps))
			r.Patch("/files/{id}/records/{record}", handleUpdateFileRecord(deps))

			r.Post("/sync", handleSync(deps))
		})
	})

	return r
}

type createJobRequest struct {
	Kind    string           `json:"kind"`
	FileID  int64            `json:"file_id"`
	Items   []map[string]any `json:"items"`
	Status  string           `json:"status"`
	Details string           `json:"details"`
}

func handleCreateJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Status != "" && !storage.JobStatus(req.Status).Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job status %q", req.Status)
			return
		}

		items := req.Items
		if req.FileID != 0 {
			fromFile, err := deps.Files.Items(r.Context(), req.FileID)
			if err != nil {
				writeErr(w, err)
				return
			}
			items = fromFile
		}
		if len(items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of file_id or items is required")
			return
		}

		job, err := deps.Jobs.NewJob(jobs.Kind(req.Kind), items)
		if err != nil {
			writeErr(w, err)
			return
		}
		details := req.Details
		if details == "" {
			details = "Added to queue"
		}
		res := deps.Jobs.AddJobToQueue(r.Context(), job, storage.JobStatus(req.Status), details)
		if !res.Success {
			writeErr(w, res.Err)
			return
		}
		writeJSON(w, http.StatusCreated, res.Job)
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			list []storage.Job
			err  error
		)
		if status := r.URL.Query().Get("status"); status != "" {
			list, err = deps.Jobs.ListJobsByStatus(r.Context(), storage.JobStatus(status))
		} else {
			list, err = deps.Jobs.ListJobs(r.Context())
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		if list == nil {
			list = []storage.Job{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "id")))
	}
}

func handleDeleteJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, deps.Jobs.DeleteJob(r.Context(), chi.URLParam(r, "id")))
	}
}

func handleSubmitJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, deps.Jobs.SubmitJob(r.Context(), chi.URLParam(r, "id")))
	}
}

func handleAbortJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, deps.Jobs.AbortJob(r.Context(), chi.URLParam(r, "id")))
	}
}

func handleRecountJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, deps.Jobs.RecountJob(r.Context(), chi.URLParam(r, "id")))
	}
}

func handleJobHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "job history not available")
			return
		}
		entries, err := deps.History.FetchHistory(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "fetching history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// itemPath reads the (feature, sub_feature, item_id) query parameters.
func itemPath(w http.ResponseWriter, r *http.Request) (feature, sub, id string, ok bool) {
	q := r.URL.Query()
	feature, sub, id = q.Get("feature"), q.Get("sub_feature"), q.Get("item_id")
	if feature == "" || sub == "" || id == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "feature, sub_feature and item_id are required")
		return "", "", "", false
	}
	return feature, sub, id, true
}

type editedItem struct {
	Feature               string   `json:"feature"`
	SubFeature            string   `json:"sub_feature"`
	ID                    string   `json:"id"`
	Requirement           string   `json:"requirement"`
	ServicesToUse         []string `json:"services_to_use"`
	AcceptanceCriteria    string   `json:"acceptance_criteria"`
	AdditionalInformation string   `json:"additional_information"`
}

func handleUpdateItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feature, sub, id, ok := itemPath(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var in editedItem
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		// Fields left out keep the item where it is.
		if in.Feature == "" {
			in.Feature = feature
		}
		if in.SubFeature == "" {
			in.SubFeature = sub
		}
		if in.ID == "" {
			in.ID = id
		}
		edited := jobs.Record{
			Feature:    in.Feature,
			SubFeature: in.SubFeature,
			Item: storage.Item{
				ID:                    in.ID,
				Requirement:           in.Requirement,
				ServicesToUse:         in.ServicesToUse,
				AcceptanceCriteria:    in.AcceptanceCriteria,
				AdditionalInformation: in.AdditionalInformation,
			},
		}
		writeResult(w, deps.Jobs.UpdateItemInJob(r.Context(), chi.URLParam(r, "id"), feature, sub, id, edited))
	}
}

func handleDeleteItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feature, sub, id, ok := itemPath(w, r)
		if !ok {
			return
		}
		writeResult(w, deps.Jobs.DeleteItemInJob(r.Context(), chi.URLParam(r, "id"), feature, sub, id))
	}
}

func handleListKinds(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Jobs.Registry().Kinds())
	}
}

// fileSummary is a FileRecord without its content.
type fileSummary struct {
	ID          int64     `json:"id"`
	Filename    string    `json:"filename"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	Lines       int       `json:"lines"`
	Features    []string  `json:"features,omitempty"`
	SubFeatures []string  `json:"sub_features,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Partition   string    `json:"partition"`
}

func summarize(rec storage.FileRecord, partition string) fileSummary {
	return fileSummary{
		ID:          rec.ID,
		Filename:    rec.Filename,
		Type:        rec.Type,
		Size:        rec.Size,
		Lines:       rec.Lines,
		Features:    rec.Features,
		SubFeatures: rec.SubFeatures,
		UploadedAt:  rec.UploadedAt,
		Partition:   partition,
	}
}

type uploadRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

func handleUploadFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Filename == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "filename is required")
			return
		}
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}

		rec, partition, err := deps.Files.Upload(r.Context(), req.Filename, content)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, summarize(rec, partition))
	}
}

func handleListFiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		partition := r.URL.Query().Get("partition")
		if partition == "" {
			partition = storage.UserStoryFilePartition
		}
		files, err := deps.Files.List(r.Context(), partition)
		if err != nil {
			writeErr(w, err)
			return
		}
		out := make([]fileSummary, len(files))
		for i, f := range files {
			out[i] = summarize(f, partition)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func fileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid file id")
		return 0, false
	}
	return id, true
}

func handleGetFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := fileID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Files.Get(r.Context(), chi.URLParam(r, "partition"), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := fileID(w, r)
		if !ok {
			return
		}
		if err := deps.Files.Delete(r.Context(), chi.URLParam(r, "partition"), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleUpdateFileRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := fileID(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var edited map[string]any
		if err := json.NewDecoder(r.Body).Decode(&edited); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		rec, err := deps.Files.UpdateRecord(r.Context(), id, chi.URLParam(r, "record"), edited)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summarize(rec, storage.UserStoryFilePartition))
	}
}

type syncResponse struct {
	Success  bool   `json:"success"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
	Error    string `json:"error,omitempty"`
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := deps.Sync.SyncJobsWithServer(r.Context())
		out := syncResponse{Success: res.Success, Inserted: res.Inserted, Updated: res.Updated, Deleted: res.Deleted}
		code := http.StatusOK
		if res.Err != nil {
			out.Error = res.Err.Error()
			code = http.StatusBadGateway
		}
		writeJSON(w, code, out)
	}
}

type sessionState struct {
	Active    bool `json:"active"`
	Prompted  bool `json:"prompted"`
	Remaining int  `json:"remaining_seconds"`
}

func handleSessionState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st sessionState
		if deps.Session != nil {
			st.Active = deps.Session.Active()
			st.Remaining, st.Prompted = deps.Session.Remaining()
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleStayLoggedIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Session == nil || !deps.Session.Active() {
			httpError(w, http.StatusConflict, "state_error", "no active session")
			return
		}
		deps.Session.StayLoggedIn()
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

func handleLogout(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Session != nil {
			if err := deps.Session.Logout(); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "logging out: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}
