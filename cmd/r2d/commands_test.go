package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/Yapping72/r2d/internal/auth"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// use points the commands at ts for the rest of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// execute runs the root command with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

var ctx = context.Background()

const jobJSON = `{"job_id":"job-1","user_id":"alice","job_type":"user_story","job_status":"Queued","job_details":"Added to queue","tokens":9,
"parameters":{"features":["Auth"],"sub_features":["Login"],"job_parameters":{"Auth":{"Login":{"US-1":{"id":"US-1","requirement":"user can log in","services_to_use":["JWT"]}}}}},
"created_timestamp":"2026-06-01T09:00:00Z","last_updated_timestamp":"2026-06-01T09:00:00Z"}`

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /jobs": `[]`})

	resp, err := ts.client().get(ctx, "/jobs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 || ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/jobs/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if err.Error() != "server returned 404: not found" {
		t.Errorf("error = %q", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "x"); result != "x" {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "x"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{
		"requirement=user can reset a password",
		`services_to_use=["SMTP","JWT"]`,
		"additional_information=null",
		"id=42",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["requirement"] != "user can reset a password" {
		t.Errorf("requirement = %v", got["requirement"])
	}
	if svcs, ok := got["services_to_use"].([]any); !ok || len(svcs) != 2 {
		t.Errorf("services_to_use = %#v", got["services_to_use"])
	}
	if v, ok := got["additional_information"]; !ok || v != nil {
		t.Errorf("additional_information = %#v, want explicit nil", v)
	}
	if got["id"] != float64(42) {
		t.Errorf("id = %#v", got["id"])
	}

	if _, err := parseAssignments([]string{"no-equals"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func TestUploadCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /files": `{"id":3,"filename":"stories.json","type":"json","size":120,"lines":4,"partition":"user-story-file-store"}`,
		"POST /jobs":  jobJSON,
	})
	ts.use(t)
	t.Cleanup(func() { uploadCmd.Flags().Set("job", "false") })

	path := filepath.Join(t.TempDir(), "stories.json")
	content := `[{"feature":"Auth","sub_feature":"Login","id":"US-1","requirement":"user can log in"}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "upload", "--job", path); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["filename"] != "stories.json" {
		t.Errorf("filename = %q", body["filename"])
	}
	decoded, _ := base64.StdEncoding.DecodeString(body["content"])
	if string(decoded) != content {
		t.Errorf("content = %q", decoded)
	}
	if ts.requests[1].Body != `{"file_id":3}` {
		t.Errorf("job body = %s", ts.requests[1].Body)
	}
}

func TestUploadCommand_ReportsFailures(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	_, err := execute(t, "upload", filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "1 of 1 files failed") {
		t.Errorf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("unexpected requests: %+v", ts.requests)
	}
}

func TestJobsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /jobs": "[" + jobJSON + "]"})
	ts.use(t)
	old := noColor
	noColor = true
	defer func() { noColor = old }()
	t.Cleanup(func() { jobsListCmd.Flags().Set("status", "") })

	out, err := execute(t, "jobs", "list", "--status", "Queued")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if ts.requests[0].Path != "/jobs?status=Queued" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
	for _, want := range []string{"JOB ID", "job-1", "Queued", "Added to queue"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestJobsActions(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs/job-1/submit":  jobJSON,
		"POST /jobs/job-1/abort":   jobJSON,
		"POST /jobs/job-1/recount": jobJSON,
		"DELETE /jobs/job-1":       jobJSON,
	})
	ts.use(t)

	for _, action := range []string{"submit", "abort", "recount", "delete"} {
		if _, err := execute(t, "jobs", action, "job-1"); err != nil {
			t.Errorf("jobs %s: %v", action, err)
		}
	}
	if len(ts.requests) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(ts.requests))
	}
	if r := ts.requests[3]; r.Method != http.MethodDelete || r.Path != "/jobs/job-1" {
		t.Errorf("delete request = %+v", r)
	}
}

func TestJobsCreate_RequiresFile(t *testing.T) {
	_, err := execute(t, "jobs", "create")
	if err == nil || !strings.Contains(err.Error(), "--file-id") {
		t.Errorf("err = %v", err)
	}
}

func TestJobsItemUpdate(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1":       jobJSON,
		"PUT /jobs/job-1/items": jobJSON,
	})
	ts.use(t)

	_, err := execute(t, "jobs", "item", "update", "job-1",
		"--feature", "Auth", "--sub-feature", "Login", "--item-id", "US-1",
		"requirement=user can sign in")
	if err != nil {
		t.Fatalf("item update: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	put := ts.requests[1]
	if put.Path != "/jobs/job-1/items?feature=Auth&item_id=US-1&sub_feature=Login" {
		t.Errorf("path = %q", put.Path)
	}
	var body map[string]any
	json.Unmarshal([]byte(put.Body), &body)
	if body["requirement"] != "user can sign in" {
		t.Errorf("requirement = %v", body["requirement"])
	}
	// Untouched fields are carried over from the current item.
	if svcs, _ := body["services_to_use"].([]any); len(svcs) != 1 || svcs[0] != "JWT" {
		t.Errorf("services_to_use = %v", body["services_to_use"])
	}
}

func TestJobsItemUpdate_AddsMissingItem(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/job-1":       jobJSON,
		"PUT /jobs/job-1/items": jobJSON,
	})
	ts.use(t)

	_, err := execute(t, "jobs", "item", "update", "job-1",
		"--feature", "Reports", "--sub-feature", "Export", "--item-id", "US-9",
		"requirement=export to csv")
	if err != nil {
		t.Fatalf("item update: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	var body map[string]any
	json.Unmarshal([]byte(ts.requests[1].Body), &body)
	if body["requirement"] != "export to csv" {
		t.Errorf("requirement = %v", body["requirement"])
	}
}

func TestSyncCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sync": `{"success":true,"inserted":2,"updated":1,"deleted":0}`,
	})
	ts.use(t)

	if _, err := execute(t, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != http.MethodPost {
		t.Errorf("requests = %+v", ts.requests)
	}
}

type fakeAccount struct {
	token string
	err   error
	user  string
	pass  string
}

func (f *fakeAccount) Login(_ context.Context, username, password string) (string, error) {
	f.user, f.pass = username, password
	return f.token, f.err
}

func (f *fakeAccount) Register(_ context.Context, username, _, password string) (string, error) {
	f.user, f.pass = username, password
	return f.token, f.err
}

func useAccount(t *testing.T, acct *fakeAccount) *auth.TokenStore {
	t.Helper()
	tokens := auth.NewTokenStore(&auth.FileSecrets{Path: filepath.Join(t.TempDir(), "secrets.json")})

	oldClient, oldStore := newAccountClient, newTokenStore
	newAccountClient = func() (accountClient, error) { return acct, nil }
	newTokenStore = func() *auth.TokenStore { return tokens }
	t.Cleanup(func() {
		newAccountClient, newTokenStore = oldClient, oldStore
		loginCmd.Flags().Set("password", "")
	})
	return tokens
}

func TestLoginCommand(t *testing.T) {
	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	acct := &fakeAccount{token: tok}
	tokens := useAccount(t, acct)

	if _, err := execute(t, "login", "--username", "alice", "--password", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if acct.user != "alice" || acct.pass != "s3cret" {
		t.Errorf("credentials = %q/%q", acct.user, acct.pass)
	}
	if id, err := tokens.UserID(); err != nil || id != "alice" {
		t.Errorf("UserID = %q, %v", id, err)
	}
}

func TestLoginCommand_Failure(t *testing.T) {
	acct := &fakeAccount{err: errors.New("invalid credentials")}
	tokens := useAccount(t, acct)

	_, err := execute(t, "login", "--username", "alice", "--password", "wrong")
	if err == nil || !strings.Contains(err.Error(), "invalid credentials") {
		t.Errorf("err = %v", err)
	}
	if _, err := tokens.Token(); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("token stored after failed login: %v", err)
	}
}

func TestReadPassword_FromStdin(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("password", "", "")
	cmd.SetIn(strings.NewReader("hunter2\n"))
	pw, err := readPassword(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pw != "hunter2" {
		t.Errorf("password = %q", pw)
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "info": "INFO", "": "INFO"}
	for in, want := range tests {
		if got := logLevel(in).String(); got != want {
			t.Errorf("logLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present")
	}
}
