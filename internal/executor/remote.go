package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// RemoteWorkspacePath is where the sidecar mounts the repository inside
// a sandbox.
const RemoteWorkspacePath = "/workspace"

// SidecarBaseURL returns the in-cluster base URL for a task's sandbox
// sidecar.
func SidecarBaseURL(sandboxName, namespace string, port int) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", sandboxName, namespace, port)
}

// RemoteExecutor runs tools by delegating to the sidecar HTTP API
// inside a task's sandbox. The sidecar executes the same operations
// against /workspace and returns the same result shapes, so callers
// cannot tell the two executors apart.
type RemoteExecutor struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewRemoteExecutor creates an executor that talks to the sidecar at
// baseURL.
func NewRemoteExecutor(baseURL string, log *logger.Logger) *RemoteExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &RemoteExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		log: log.WithFields(
			zap.String("component", "executor"),
			zap.String("executor_mode", "remote"),
		),
	}
}

// WorkspacePath implements Executor.
func (e *RemoteExecutor) WorkspacePath() string { return RemoteWorkspacePath }

// IsRemote implements Executor.
func (e *RemoteExecutor) IsRemote() bool { return true }

// BaseURL returns the sidecar base URL.
func (e *RemoteExecutor) BaseURL() string { return e.baseURL }

func truncateBody(body []byte, limit int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// doJSON sends a request with an optional JSON payload and decodes the
// JSON response into out.
func (e *RemoteExecutor) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return fmt.Errorf("failed to read sidecar response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sidecar returned status %d for %s: %s",
			resp.StatusCode, path, truncateBody(respBody, 512))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode sidecar response for %s: %w", path, err)
	}
	return nil
}

// ReadFile implements Executor.
func (e *RemoteExecutor) ReadFile(ctx context.Context, path string, opts ReadOptions) (FileResult, error) {
	q := url.Values{"path": {path}}
	if opts.StartLine > 0 {
		q.Set("start", strconv.Itoa(opts.StartLine))
	}
	if opts.EndLine > 0 {
		q.Set("end", strconv.Itoa(opts.EndLine))
	}
	var res FileResult
	err := e.doJSON(ctx, http.MethodGet, "/files/read?"+q.Encode(), nil, &res)
	return res, err
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFile implements Executor.
func (e *RemoteExecutor) WriteFile(ctx context.Context, path, content string) (WriteResult, error) {
	var res WriteResult
	err := e.doJSON(ctx, http.MethodPost, "/files/write",
		writeFileRequest{Path: path, Content: content}, &res)
	return res, err
}

type searchReplaceRequest struct {
	Path      string `json:"path"`
	OldString string `json:"oldString"`
	NewString string `json:"newString"`
}

// SearchReplace implements Executor.
func (e *RemoteExecutor) SearchReplace(ctx context.Context, path, oldStr, newStr string) (SearchReplaceResult, error) {
	var res SearchReplaceResult
	err := e.doJSON(ctx, http.MethodPost, "/files/search-replace",
		searchReplaceRequest{Path: path, OldString: oldStr, NewString: newStr}, &res)
	return res, err
}

// DeleteFile implements Executor.
func (e *RemoteExecutor) DeleteFile(ctx context.Context, path string) (DeleteResult, error) {
	q := url.Values{"path": {path}}
	var res DeleteResult
	err := e.doJSON(ctx, http.MethodDelete, "/files?"+q.Encode(), nil, &res)
	return res, err
}

// ListDirectory implements Executor.
func (e *RemoteExecutor) ListDirectory(ctx context.Context, path string) (ListResult, error) {
	q := url.Values{"path": {path}}
	var res ListResult
	err := e.doJSON(ctx, http.MethodGet, "/files/list?"+q.Encode(), nil, &res)
	return res, err
}

// SearchFiles implements Executor.
func (e *RemoteExecutor) SearchFiles(ctx context.Context, query string) (FileSearchResult, error) {
	q := url.Values{"q": {query}}
	var res FileSearchResult
	err := e.doJSON(ctx, http.MethodGet, "/files/search?"+q.Encode(), nil, &res)
	return res, err
}

// GrepSearch implements Executor.
func (e *RemoteExecutor) GrepSearch(ctx context.Context, pattern string, opts GrepOptions) (GrepResult, error) {
	q := url.Values{"pattern": {pattern}}
	if opts.IncludeGlob != "" {
		q.Set("includeGlob", opts.IncludeGlob)
	}
	if opts.ExcludeGlob != "" {
		q.Set("excludeGlob", opts.ExcludeGlob)
	}
	if opts.CaseSensitive {
		q.Set("caseSensitive", "true")
	}
	if opts.MaxMatches > 0 {
		q.Set("maxMatches", strconv.Itoa(opts.MaxMatches))
	}
	var res GrepResult
	err := e.doJSON(ctx, http.MethodGet, "/files/grep?"+q.Encode(), nil, &res)
	return res, err
}

type codebaseSearchRequest struct {
	Query string `json:"query"`
}

// CodebaseSearch implements Executor.
func (e *RemoteExecutor) CodebaseSearch(ctx context.Context, query string) (CodebaseSearchResult, error) {
	var res CodebaseSearchResult
	err := e.doJSON(ctx, http.MethodPost, "/search/codebase", codebaseSearchRequest{Query: query}, &res)
	return res, err
}

type executeCommandRequest struct {
	Command        string `json:"command"`
	Timeout        int    `json:"timeout,omitempty"`
	Background     bool   `json:"background,omitempty"`
	NetworkAllowed bool   `json:"networkAllowed,omitempty"`
}

// ExecuteCommand implements Executor. The timeout travels in seconds.
func (e *RemoteExecutor) ExecuteCommand(ctx context.Context, command string, opts CommandOptions) (CommandResult, error) {
	var res CommandResult
	err := e.doJSON(ctx, http.MethodPost, "/exec", executeCommandRequest{
		Command:        command,
		Timeout:        int(opts.Timeout / time.Second),
		Background:     opts.Background,
		NetworkAllowed: opts.NetworkAllowed,
	}, &res)
	return res, err
}

// FileTree implements Executor. The recursive listing endpoint returns
// the nested tree.
func (e *RemoteExecutor) FileTree(ctx context.Context) ([]*models.TreeNode, error) {
	q := url.Values{"path": {"."}, "recursive": {"true"}}
	var res struct {
		Tree []*models.TreeNode `json:"tree"`
	}
	err := e.doJSON(ctx, http.MethodGet, "/files/list?"+q.Encode(), nil, &res)
	return res.Tree, err
}

// GitStatusResult reports whether the sandbox working tree is clean.
type GitStatusResult struct {
	Success bool   `json:"success"`
	Clean   bool   `json:"clean"`
	Message string `json:"message,omitempty"`
}

// GitDiffResult carries a sandbox diff.
type GitDiffResult struct {
	Success bool   `json:"success"`
	Diff    string `json:"diff,omitempty"`
	Message string `json:"message,omitempty"`
}

// GitIdentity names a commit author.
type GitIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// GitCommitRequest is the sidecar commit payload.
type GitCommitRequest struct {
	User     GitIdentity  `json:"user"`
	CoAuthor *GitIdentity `json:"coAuthor,omitempty"`
	Message  string       `json:"message"`
}

// GitCommitResult is the outcome of a sidecar commit.
type GitCommitResult struct {
	Success   bool   `json:"success"`
	Committed bool   `json:"committed"`
	CommitSHA string `json:"commitSha,omitempty"`
	Message   string `json:"message,omitempty"`
}

// GitPushResult is the outcome of a sidecar push.
type GitPushResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type gitPushRequest struct {
	BranchName  string `json:"branchName"`
	SetUpstream bool   `json:"setUpstream"`
}

// GitStatus asks the sidecar for working-tree state.
func (e *RemoteExecutor) GitStatus(ctx context.Context) (GitStatusResult, error) {
	var res GitStatusResult
	err := e.doJSON(ctx, http.MethodGet, "/git/status", nil, &res)
	return res, err
}

// GitDiff returns the diff against a base ref, or the working-tree diff
// when base is empty.
func (e *RemoteExecutor) GitDiff(ctx context.Context, base string) (GitDiffResult, error) {
	path := "/git/diff"
	if base != "" {
		q := url.Values{"base": {base}}
		path += "?" + q.Encode()
	}
	var res GitDiffResult
	err := e.doJSON(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// GitCommit commits all staged and unstaged changes in the sandbox.
func (e *RemoteExecutor) GitCommit(ctx context.Context, req GitCommitRequest) (GitCommitResult, error) {
	var res GitCommitResult
	err := e.doJSON(ctx, http.MethodPost, "/git/commit", req, &res)
	return res, err
}

// GitPush pushes the branch from the sandbox.
func (e *RemoteExecutor) GitPush(ctx context.Context, branch string, setUpstream bool) (GitPushResult, error) {
	var res GitPushResult
	err := e.doJSON(ctx, http.MethodPost, "/git/push",
		gitPushRequest{BranchName: branch, SetUpstream: setUpstream}, &res)
	return res, err
}

// Health checks sidecar liveness.
func (e *RemoteExecutor) Health(ctx context.Context) error {
	return e.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// PauseWatcher suspends the sidecar filesystem watcher.
func (e *RemoteExecutor) PauseWatcher(ctx context.Context) error {
	return e.doJSON(ctx, http.MethodPost, "/api/watcher/pause", nil, nil)
}

// ResumeWatcher resumes the sidecar filesystem watcher.
func (e *RemoteExecutor) ResumeWatcher(ctx context.Context) error {
	return e.doJSON(ctx, http.MethodPost, "/api/watcher/resume", nil, nil)
}

// TerminalHistory returns the sidecar's buffered terminal output.
// Entries with IDs at or below sinceID are skipped; pass 0 for the
// full buffer.
func (e *RemoteExecutor) TerminalHistory(ctx context.Context, sinceID int64) ([]models.TerminalEntry, error) {
	path := "/terminal/history"
	if sinceID > 0 {
		path += "?sinceId=" + strconv.FormatInt(sinceID, 10)
	}
	var res struct {
		Entries []models.TerminalEntry `json:"entries"`
	}
	err := e.doJSON(ctx, http.MethodGet, path, nil, &res)
	return res.Entries, err
}

// ClearTerminal clears the sidecar's terminal buffer.
func (e *RemoteExecutor) ClearTerminal(ctx context.Context) error {
	return e.doJSON(ctx, http.MethodPost, "/terminal/clear", nil, nil)
}
