// Package executor provides the uniform tool surface the agent uses to
// act on a task workspace. Local and remote implementations return the
// same result shapes, so the engine and the model prompts never care
// where the workspace lives.
//
// Tool misuse (missing file, bad line range, ambiguous query, command
// timeout) is reported inside the result via FailureKind so it can be
// fed back to the model. Go errors are reserved for infrastructure
// failures: transport, I/O the agent cannot recover from.
package executor

import (
	"context"
	"time"

	"github.com/shadowrealm/shadow/internal/task/models"
)

// FailureKind classifies tool-misuse outcomes.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureNotFound     FailureKind = "not_found"
	FailureInvalidPath  FailureKind = "invalid_path"
	FailureInvalidRange FailureKind = "invalid_range"
	FailureAmbiguous    FailureKind = "ambiguous"
	FailureTimeout      FailureKind = "timeout"
)

// ReadOptions restricts a read to a line range. Lines are 1-based and
// inclusive; zero values mean the whole file.
type ReadOptions struct {
	StartLine int `json:"start_line,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
}

// GrepOptions tunes a regex content search. Matching is
// case-insensitive unless CaseSensitive is set.
type GrepOptions struct {
	// IncludeGlob limits the search to files matching the glob, for
	// example "*.go". Empty matches all files.
	IncludeGlob string `json:"include_glob,omitempty"`
	// ExcludeGlob drops files matching the glob.
	ExcludeGlob   string `json:"exclude_glob,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	// MaxMatches caps the result. Zero means the default cap.
	MaxMatches int `json:"max_matches,omitempty"`
}

// CommandOptions tunes ExecuteCommand. A background command is started
// and reported immediately without waiting for it to finish.
// NetworkAllowed is enforced by the sandbox in remote mode; local
// commands always share the host network.
type CommandOptions struct {
	Timeout        time.Duration `json:"-"`
	Background     bool          `json:"background,omitempty"`
	NetworkAllowed bool          `json:"network_allowed,omitempty"`
}

// FileResult is the outcome of ReadFile.
type FileResult struct {
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Path        string      `json:"path"`
	Content     string      `json:"content,omitempty"`
	StartLine   int         `json:"start_line,omitempty"`
	EndLine     int         `json:"end_line,omitempty"`
	TotalLines  int         `json:"total_lines,omitempty"`
}

// WriteResult is the outcome of WriteFile.
type WriteResult struct {
	Success      bool        `json:"success"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	Message      string      `json:"message,omitempty"`
	Path         string      `json:"path"`
	Created      bool        `json:"created"`
	LinesAdded   int         `json:"lines_added"`
	LinesRemoved int         `json:"lines_removed"`
}

// SearchReplaceResult is the outcome of SearchReplace. The old string
// must occur exactly once; zero or multiple occurrences are reported
// back as tool misuse.
type SearchReplaceResult struct {
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Path        string      `json:"path"`
	Occurrences int         `json:"occurrences,omitempty"`
}

// DeleteResult is the outcome of DeleteFile. Deleting a file that is
// already gone succeeds with WasAlreadyDeleted set, so retried deletes
// stay idempotent.
type DeleteResult struct {
	Success           bool        `json:"success"`
	FailureKind       FailureKind `json:"failure_kind,omitempty"`
	Message           string      `json:"message,omitempty"`
	Path              string      `json:"path"`
	WasAlreadyDeleted bool        `json:"was_already_deleted,omitempty"`
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size"`
}

// ListResult is the outcome of ListDirectory.
type ListResult struct {
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Path        string      `json:"path"`
	Entries     []DirEntry  `json:"entries,omitempty"`
}

// CommandResult is the outcome of ExecuteCommand.
type CommandResult struct {
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Command     string      `json:"command"`
	ExitCode    int         `json:"exit_code"`
	Stdout      string      `json:"stdout,omitempty"`
	Stderr      string      `json:"stderr,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
}

// FileSearchResult is the outcome of SearchFiles.
type FileSearchResult struct {
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Query       string      `json:"query"`
	Matches     []string    `json:"matches,omitempty"`
	Truncated   bool        `json:"truncated"`
}

// GrepMatch is one matching line of a content search.
type GrepMatch struct {
	Path       string `json:"path"`
	LineNumber int    `json:"line_number"`
	Line       string `json:"line"`
}

// GrepResult is the outcome of GrepSearch.
type GrepResult struct {
	Success     bool        `json:"success"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
	Pattern     string      `json:"pattern"`
	Matches     []GrepMatch `json:"matches,omitempty"`
	Truncated   bool        `json:"truncated"`
}

// SemanticMatch is one scored result of CodebaseSearch.
type SemanticMatch struct {
	Path       string  `json:"path"`
	LineNumber int     `json:"line_number"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// CodebaseSearchResult is the outcome of CodebaseSearch.
type CodebaseSearchResult struct {
	Success     bool            `json:"success"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`
	Message     string          `json:"message,omitempty"`
	Query       string          `json:"query"`
	Results     []SemanticMatch `json:"results,omitempty"`
}

// Executor is the uniform tool surface over one task workspace.
// All paths are workspace-relative.
type Executor interface {
	ReadFile(ctx context.Context, path string, opts ReadOptions) (FileResult, error)
	WriteFile(ctx context.Context, path, content string) (WriteResult, error)
	SearchReplace(ctx context.Context, path, oldStr, newStr string) (SearchReplaceResult, error)
	DeleteFile(ctx context.Context, path string) (DeleteResult, error)
	ListDirectory(ctx context.Context, path string) (ListResult, error)
	SearchFiles(ctx context.Context, query string) (FileSearchResult, error)
	GrepSearch(ctx context.Context, pattern string, opts GrepOptions) (GrepResult, error)
	CodebaseSearch(ctx context.Context, query string) (CodebaseSearchResult, error)
	ExecuteCommand(ctx context.Context, command string, opts CommandOptions) (CommandResult, error)
	FileTree(ctx context.Context) ([]*models.TreeNode, error)

	// WorkspacePath is the absolute root the executor operates on.
	// For remote executors this is the path inside the sandbox.
	WorkspacePath() string
	// IsRemote reports whether operations run in a remote sandbox.
	IsRemote() bool
}
