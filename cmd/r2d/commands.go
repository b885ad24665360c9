package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Yapping72/r2d/internal/auth"
	"github.com/Yapping72/r2d/internal/config"
	"github.com/Yapping72/r2d/internal/remote"
	"github.com/Yapping72/r2d/internal/storage"
)

// --- account ---

// accountClient is the part of the remote service used to sign in.
// Implemented by remote.Client.
type accountClient interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, email, password string) (string, error)
}

var newAccountClient = func() (accountClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return remote.NewClient(cfg.Remote.BaseURL, nil, cfg.Remote.Timeout), nil
}

var newTokenStore = func() *auth.TokenStore {
	return auth.NewTokenStore(auth.DefaultSecrets())
}

// readPassword returns the --password flag or a line read from in.
func readPassword(cmd *cobra.Command) (string, error) {
	pw, _ := cmd.Flags().GetString("password")
	if pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw = strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password is required")
	}
	return pw, nil
}

// storeToken saves tok and returns the user id it carries.
func storeToken(tokens *auth.TokenStore, tok string) (string, error) {
	if err := tokens.SetToken(tok); err != nil {
		return "", err
	}
	return tokens.UserID()
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the remote job service",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		if username == "" {
			return errors.New("--username is required")
		}
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}

		client, err := newAccountClient()
		if err != nil {
			return err
		}
		tok, err := client.Login(cmd.Context(), username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		userID, err := storeToken(newTokenStore(), tok)
		if err != nil {
			return err
		}
		printSuccess("Signed in as %s", userID)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account on the remote job service",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		email, _ := cmd.Flags().GetString("email")
		if username == "" || email == "" {
			return errors.New("--username and --email are required")
		}
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}

		client, err := newAccountClient()
		if err != nil {
			return err
		}
		tok, err := client.Register(cmd.Context(), username, email, password)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		userID, err := storeToken(newTokenStore(), tok)
		if err != nil {
			return err
		}
		printSuccess("Registered and signed in as %s", userID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and end the running session",
	RunE: func(cmd *cobra.Command, args []string) error {
		// A running server tears down its timers; the token is cleared either way.
		if client, err := newAPIClient(); err == nil {
			if resp, err := client.post(cmd.Context(), "/session/logout", nil); err == nil {
				resp.Body.Close()
			}
		}
		if err := newTokenStore().ClearToken(); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().String("username", "", "account username")
		c.Flags().String("password", "", "account password (read from stdin if empty)")
	}
	registerCmd.Flags().String("email", "", "account email")
}

// --- upload ---

type uploadedFile struct {
	ID          int64    `json:"id"`
	Filename    string   `json:"filename"`
	Type        string   `json:"type"`
	Size        int64    `json:"size"`
	Lines       int      `json:"lines"`
	Features    []string `json:"features"`
	SubFeatures []string `json:"sub_features"`
	UploadedAt  string   `json:"uploaded_at"`
	Partition   string   `json:"partition"`
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Validate and store requirement or diagram files",
	Long: `Validate and store requirement or diagram files.

User stories may be .json, .yaml or .yml files holding a list of items, or
an object with a "user_stories" list. Documents (.txt, .md, .pdf) and
mermaid diagrams (.mmd, .mermaid) are stored as-is.

Examples:
  r2d upload stories.json
  r2d upload stories.yaml --job
  r2d upload flow.mmd`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		createJob, _ := cmd.Flags().GetBool("job")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			resp, err := client.post(cmd.Context(), "/files", map[string]string{
				"filename": filepath.Base(path),
				"content":  base64.StdEncoding.EncodeToString(data),
			})
			if err != nil {
				return err
			}
			var f uploadedFile
			if err := decodeJSON(resp, &f); err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("Stored %s as file %d (%s, %d lines)", f.Filename, f.ID, f.Type, f.Lines)

			if createJob && f.Partition == storage.UserStoryFilePartition && (f.Type == "json" || f.Type == "yaml") {
				job, err := postJob(cmd.Context(), client, map[string]any{"file_id": f.ID})
				if err != nil {
					printError("%s: creating job: %v", path, err)
					failed++
					continue
				}
				printSuccess("Queued job %s (%d tokens)", job.JobID, job.Tokens)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Bool("job", false, "queue a job from each uploaded user story file")
}

// --- files ---

func filePartition(cmd *cobra.Command) string {
	if mermaid, _ := cmd.Flags().GetBool("mermaid"); mermaid {
		return storage.MermaidFilePartition
	}
	return storage.UserStoryFilePartition
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage uploaded files",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded files",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/files?partition="+url.QueryEscape(filePartition(cmd)))
		if err != nil {
			return err
		}
		var files []uploadedFile
		if err := decodeJSON(resp, &files); err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No files found.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFILENAME\tTYPE\tSIZE\tLINES\tFEATURES")
		for _, f := range files {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", f.ID, f.Filename, f.Type, f.Size, f.Lines, strings.Join(f.Features, ", "))
		}
		return tw.Flush()
	},
}

var filesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the content of an uploaded file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/files/"+filePartition(cmd)+"/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var rec storage.FileRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		if rec.Type == "pdf" {
			printStatus("File", "%s (%d bytes, %d lines of text)", rec.Filename, rec.Size, rec.Lines)
			return nil
		}
		_, err = cmd.OutOrStdout().Write(rec.Content)
		return err
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an uploaded file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/files/"+filePartition(cmd)+"/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted file %s", args[0])
		return nil
	},
}

// parseAssignments turns key=value pairs into an edit. Values that parse as
// JSON are used as such, so services_to_use='["A","B"]' sets a list and
// key=null removes the key.
func parseAssignments(pairs []string) (map[string]any, error) {
	edited := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		edited[key] = v
	}
	return edited, nil
}

var filesEditCmd = &cobra.Command{
	Use:   "edit <file-id> <item-id> <key=value>...",
	Short: "Edit one user story inside an uploaded file",
	Long: `Edit one user story inside an uploaded file.

Examples:
  r2d files edit 3 US-2 requirement="user can reset a password"
  r2d files edit 3 US-2 'services_to_use=["SMTP"]' additional_information=null`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		edited, err := parseAssignments(args[2:])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/files/%s/records/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.patch(cmd.Context(), path, edited)
		if err != nil {
			return err
		}
		var f uploadedFile
		if err := decodeJSON(resp, &f); err != nil {
			return err
		}
		printSuccess("Updated %s in %s", args[1], f.Filename)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{filesListCmd, filesShowCmd, filesDeleteCmd} {
		c.Flags().Bool("mermaid", false, "use the mermaid diagram store")
	}
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesShowCmd)
	filesCmd.AddCommand(filesDeleteCmd)
	filesCmd.AddCommand(filesEditCmd)
}

// --- jobs ---

func postJob(ctx context.Context, client *apiClient, body map[string]any) (storage.Job, error) {
	resp, err := client.post(ctx, "/jobs", body)
	if err != nil {
		return storage.Job{}, err
	}
	var job storage.Job
	err = decodeJSON(resp, &job)
	return job, err
}

// jobAction posts to /jobs/{id}/{action} and returns the updated job.
func jobAction(ctx context.Context, client *apiClient, id, action string) (storage.Job, error) {
	resp, err := client.post(ctx, "/jobs/"+url.PathEscape(id)+"/"+action, nil)
	if err != nil {
		return storage.Job{}, err
	}
	var job storage.Job
	err = decodeJSON(resp, &job)
	return job, err
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage queued jobs",
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job from an uploaded user story file",
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID, _ := cmd.Flags().GetInt64("file-id")
		if fileID <= 0 {
			return errors.New("--file-id is required")
		}
		kind, _ := cmd.Flags().GetString("kind")
		draft, _ := cmd.Flags().GetBool("draft")

		body := map[string]any{"file_id": fileID, "kind": kind}
		if draft {
			body["status"] = string(storage.StatusDraft)
			body["details"] = "Draft created"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		job, err := postJob(cmd.Context(), client, body)
		if err != nil {
			return err
		}
		printSuccess("Created job %s (%s, %d tokens)", job.JobID, job.Status, job.Tokens)
		return nil
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []storage.Job
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
			return nil
		}
		printJobs(cmd.OutOrStdout(), list)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

// newJobActionCmd builds a command that posts a single lifecycle action.
func newJobActionCmd(use, short, action, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			job, err := jobAction(cmd.Context(), client, args[0], action)
			if err != nil {
				return err
			}
			printSuccess("%s job %s: %s", done, job.JobID, job.Status)
			return nil
		},
	}
}

var (
	jobsSubmitCmd  = newJobActionCmd("submit", "Submit a job for processing", "submit", "Submitted")
	jobsAbortCmd   = newJobActionCmd("abort", "Abort a processing job", "abort", "Aborted")
	jobsRecountCmd = newJobActionCmd("recount", "Recompute a job's token count", "recount", "Recounted")
)

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job from the local queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted job %s", args[0])
		return nil
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show the server-side status history of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/history")
		if err != nil {
			return err
		}
		var entries []remote.HistoryEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"),
				colorize(statusColor(e.Status), string(e.Status)),
				e.Details,
			)
		}
		return nil
	},
}

var jobsKindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the job kinds the server accepts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/kinds")
		if err != nil {
			return err
		}
		var kinds []string
		if err := decodeJSON(resp, &kinds); err != nil {
			return err
		}
		for _, k := range kinds {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func itemQuery(cmd *cobra.Command) (string, error) {
	feature, _ := cmd.Flags().GetString("feature")
	sub, _ := cmd.Flags().GetString("sub-feature")
	id, _ := cmd.Flags().GetString("item-id")
	if feature == "" || sub == "" || id == "" {
		return "", errors.New("--feature, --sub-feature and --item-id are required")
	}
	q := url.Values{}
	q.Set("feature", feature)
	q.Set("sub_feature", sub)
	q.Set("item_id", id)
	return q.Encode(), nil
}

var jobsItemCmd = &cobra.Command{
	Use:   "item",
	Short: "Edit or remove a single item of a job",
}

var jobsItemUpdateCmd = &cobra.Command{
	Use:   "update <job-id> <key=value>...",
	Short: "Replace fields of one job item",
	Long: `Replace fields of one job item. Keys are feature, sub_feature, id,
requirement, services_to_use, acceptance_criteria and additional_information.
Setting feature, sub_feature or id moves the item. An item that does not
exist yet is added.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := itemQuery(cmd)
		if err != nil {
			return err
		}
		edited, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		// The server replaces the whole item, so start from the current one.
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		vals, _ := url.ParseQuery(q)
		// A missing item is added from the given fields alone.
		item := job.Parameters.JobParameters[vals.Get("feature")][vals.Get("sub_feature")][vals.Get("item_id")]
		body := map[string]any{
			"requirement":            item.Requirement,
			"services_to_use":        item.ServicesToUse,
			"acceptance_criteria":    item.AcceptanceCriteria,
			"additional_information": item.AdditionalInformation,
		}
		for k, v := range edited {
			body[k] = v
		}

		resp, err = client.put(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/items?"+q, body)
		if err != nil {
			return err
		}
		var updated storage.Job
		if err := decodeJSON(resp, &updated); err != nil {
			return err
		}
		printSuccess("Updated item in job %s (%d tokens)", updated.JobID, updated.Tokens)
		return nil
	},
}

var jobsItemDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Remove one item from a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := itemQuery(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/items?"+q)
		if err != nil {
			return err
		}
		var updated storage.Job
		if err := decodeJSON(resp, &updated); err != nil {
			return err
		}
		printSuccess("Removed item from job %s (%d tokens)", updated.JobID, updated.Tokens)
		return nil
	},
}

func init() {
	jobsCreateCmd.Flags().Int64("file-id", 0, "id of an uploaded user story file")
	jobsCreateCmd.Flags().String("kind", "", "job kind (default user_story)")
	jobsCreateCmd.Flags().Bool("draft", false, "keep the job as a draft instead of queueing it")
	jobsListCmd.Flags().String("status", "", "only list jobs in this status")

	for _, c := range []*cobra.Command{jobsItemUpdateCmd, jobsItemDeleteCmd} {
		c.Flags().String("feature", "", "feature of the item")
		c.Flags().String("sub-feature", "", "sub-feature of the item")
		c.Flags().String("item-id", "", "id of the item")
	}
	jobsItemCmd.AddCommand(jobsItemUpdateCmd)
	jobsItemCmd.AddCommand(jobsItemDeleteCmd)

	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsAbortCmd)
	jobsCmd.AddCommand(jobsRecountCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsHistoryCmd)
	jobsCmd.AddCommand(jobsKindsCmd)
	jobsCmd.AddCommand(jobsItemCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local jobs with the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}
		var res struct {
			Success  bool `json:"success"`
			Inserted int  `json:"inserted"`
			Updated  int  `json:"updated"`
			Deleted  int  `json:"deleted"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Synced: %d inserted, %d updated, %d deleted", res.Inserted, res.Updated, res.Deleted)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
