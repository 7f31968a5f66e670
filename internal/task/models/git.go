package models

import "time"

// FileOp classifies how a file changed relative to the base branch.
type FileOp string

const (
	FileOpCreate FileOp = "CREATE"
	FileOpUpdate FileOp = "UPDATE"
	FileOpDelete FileOp = "DELETE"
	FileOpRename FileOp = "RENAME"
)

// FileChange describes one changed file relative to the base branch.
type FileChange struct {
	Path      string    `json:"path"`
	Operation FileOp    `json:"operation"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
	CreatedAt time.Time `json:"created_at"`
}

// DiffStats aggregates changes across all files.
type DiffStats struct {
	Additions  int `json:"additions"`
	Deletions  int `json:"deletions"`
	TotalFiles int `json:"total_files"`
}

// TreeNode is one entry of a workspace file tree.
type TreeNode struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"` // "file" or "folder"
	RelativePath string      `json:"relative_path"`
	Children     []*TreeNode `json:"children,omitempty"`
}

// TerminalEntry is one buffered line of sidecar terminal output.
type TerminalEntry struct {
	ID        int64     `json:"id"`
	Data      string    `json:"data"`
	Stream    string    `json:"stream"` // stdout or stderr
	Timestamp time.Time `json:"timestamp"`
}
