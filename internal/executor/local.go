package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/task/models"
)

const defaultCommandTimeout = 2 * time.Minute

// LocalExecutor runs tools directly against a workspace directory on
// the host filesystem.
type LocalExecutor struct {
	root string
	log  *logger.Logger
}

// NewLocalExecutor creates an executor rooted at workspacePath.
func NewLocalExecutor(workspacePath string, log *logger.Logger) *LocalExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &LocalExecutor{
		root: workspacePath,
		log: log.WithFields(
			zap.String("component", "executor"),
			zap.String("executor_mode", "local"),
		),
	}
}

// WorkspacePath implements Executor.
func (e *LocalExecutor) WorkspacePath() string { return e.root }

// IsRemote implements Executor.
func (e *LocalExecutor) IsRemote() bool { return false }

// ReadFile implements Executor.
func (e *LocalExecutor) ReadFile(_ context.Context, path string, opts ReadOptions) (FileResult, error) {
	res := FileResult{Path: path}

	abs, err := resolvePath(e.root, path)
	if err != nil {
		res.FailureKind = FailureInvalidPath
		res.Message = err.Error()
		return res, nil
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		res.FailureKind = FailureNotFound
		res.Message = fmt.Sprintf("file not found: %s", path)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		res.FailureKind = FailureInvalidPath
		res.Message = fmt.Sprintf("%s is a directory, use list_directory", path)
		return res, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	res.TotalLines = len(lines)

	start, end := opts.StartLine, opts.EndLine
	if start == 0 && end == 0 {
		res.Success = true
		res.Content = string(data)
		res.StartLine = 1
		res.EndLine = res.TotalLines
		return res, nil
	}
	if start < 1 || start > res.TotalLines || (end != 0 && end < start) {
		res.FailureKind = FailureInvalidRange
		res.Message = fmt.Sprintf("invalid line range %d-%d: file has %d lines", start, end, res.TotalLines)
		return res, nil
	}
	if end == 0 || end > res.TotalLines {
		end = res.TotalLines
	}

	res.Success = true
	res.Content = strings.Join(lines[start-1:end], "\n")
	res.StartLine = start
	res.EndLine = end
	return res, nil
}

// WriteFile implements Executor.
func (e *LocalExecutor) WriteFile(_ context.Context, path, content string) (WriteResult, error) {
	res := WriteResult{Path: path}

	abs, err := resolvePath(e.root, path)
	if err != nil {
		res.FailureKind = FailureInvalidPath
		res.Message = err.Error()
		return res, nil
	}

	prev, statErr := os.ReadFile(abs)
	res.Created = errors.Is(statErr, fs.ErrNotExist)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return res, fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return res, fmt.Errorf("failed to write %s: %w", path, err)
	}

	res.Success = true
	res.LinesAdded = countLines(content)
	if !res.Created {
		res.LinesRemoved = countLines(string(prev))
	}
	return res, nil
}

// countLines counts text lines without treating a trailing newline as
// an extra empty line.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// SearchReplace implements Executor. The old string must match exactly
// one location in the file.
func (e *LocalExecutor) SearchReplace(_ context.Context, path, oldStr, newStr string) (SearchReplaceResult, error) {
	res := SearchReplaceResult{Path: path}

	abs, err := resolvePath(e.root, path)
	if err != nil {
		res.FailureKind = FailureInvalidPath
		res.Message = err.Error()
		return res, nil
	}
	if oldStr == "" {
		res.FailureKind = FailureAmbiguous
		res.Message = "old string is empty"
		return res, nil
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		res.FailureKind = FailureNotFound
		res.Message = fmt.Sprintf("file not found: %s", path)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", path, err)
	}

	content := string(data)
	res.Occurrences = strings.Count(content, oldStr)
	switch res.Occurrences {
	case 0:
		res.FailureKind = FailureNotFound
		res.Message = fmt.Sprintf("old string not found in %s", path)
		return res, nil
	case 1:
	default:
		res.FailureKind = FailureAmbiguous
		res.Message = fmt.Sprintf("old string occurs %d times in %s, add surrounding context to make it unique", res.Occurrences, path)
		return res, nil
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return res, fmt.Errorf("failed to write %s: %w", path, err)
	}
	res.Success = true
	return res, nil
}

// DeleteFile implements Executor.
func (e *LocalExecutor) DeleteFile(_ context.Context, path string) (DeleteResult, error) {
	res := DeleteResult{Path: path}

	abs, err := resolvePath(e.root, path)
	if err != nil {
		res.FailureKind = FailureInvalidPath
		res.Message = err.Error()
		return res, nil
	}
	if abs == e.root {
		res.FailureKind = FailureInvalidPath
		res.Message = "refusing to delete the workspace root"
		return res, nil
	}

	if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
		res.Success = true
		res.WasAlreadyDeleted = true
		return res, nil
	} else if err != nil {
		return res, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.RemoveAll(abs); err != nil {
		return res, fmt.Errorf("failed to delete %s: %w", path, err)
	}
	res.Success = true
	return res, nil
}

// ListDirectory implements Executor.
func (e *LocalExecutor) ListDirectory(_ context.Context, path string) (ListResult, error) {
	res := ListResult{Path: path}

	abs, err := resolvePath(e.root, path)
	if err != nil {
		res.FailureKind = FailureInvalidPath
		res.Message = err.Error()
		return res, nil
	}

	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		res.FailureKind = FailureNotFound
		res.Message = fmt.Sprintf("directory not found: %s", path)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to list %s: %w", path, err)
	}

	for _, entry := range entries {
		de := DirEntry{Name: entry.Name(), IsDirectory: entry.IsDir()}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		res.Entries = append(res.Entries, de)
	}
	sort.Slice(res.Entries, func(i, j int) bool {
		if res.Entries[i].IsDirectory != res.Entries[j].IsDirectory {
			return res.Entries[i].IsDirectory
		}
		return res.Entries[i].Name < res.Entries[j].Name
	})

	res.Success = true
	return res, nil
}

// walkFiles returns all workspace-relative file paths, skipping ignored
// directories.
func (e *LocalExecutor) walkFiles(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != e.root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, relPath(e.root, p))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	return paths, nil
}

// SearchFiles implements Executor.
func (e *LocalExecutor) SearchFiles(ctx context.Context, query string) (FileSearchResult, error) {
	res := FileSearchResult{Query: query}

	query = strings.TrimSpace(query)
	if query == "" {
		res.FailureKind = FailureAmbiguous
		res.Message = "empty query"
		return res, nil
	}

	paths, err := e.walkFiles(ctx)
	if err != nil {
		return res, err
	}
	res.Matches, res.Truncated = rankFilenames(query, paths)
	res.Success = true
	return res, nil
}

// GrepSearch implements Executor.
func (e *LocalExecutor) GrepSearch(ctx context.Context, pattern string, opts GrepOptions) (GrepResult, error) {
	res := GrepResult{Pattern: pattern}

	compiled := pattern
	if !opts.CaseSensitive {
		compiled = "(?i)" + compiled
	}
	re, err := regexp.Compile(compiled)
	if err != nil {
		res.FailureKind = FailureAmbiguous
		res.Message = fmt.Sprintf("invalid pattern: %v", err)
		return res, nil
	}

	limit := opts.MaxMatches
	if limit <= 0 {
		limit = maxGrepMatches
	}

	paths, err := e.walkFiles(ctx)
	if err != nil {
		return res, err
	}

	for _, p := range paths {
		if res.Truncated {
			break
		}
		if opts.IncludeGlob != "" {
			ok, globErr := filepath.Match(opts.IncludeGlob, filepath.Base(p))
			if globErr != nil || !ok {
				continue
			}
		}
		if opts.ExcludeGlob != "" {
			if ok, _ := filepath.Match(opts.ExcludeGlob, filepath.Base(p)); ok {
				continue
			}
		}
		lines, ok := e.readSearchableLines(p)
		if !ok {
			continue
		}
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			if len(res.Matches) >= limit {
				res.Truncated = true
				break
			}
			res.Matches = append(res.Matches, GrepMatch{
				Path:       p,
				LineNumber: i + 1,
				Line:       strings.TrimRight(line, "\r"),
			})
		}
	}

	res.Success = true
	return res, nil
}

// CodebaseSearch implements Executor.
func (e *LocalExecutor) CodebaseSearch(ctx context.Context, query string) (CodebaseSearchResult, error) {
	res := CodebaseSearchResult{Query: query}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		res.FailureKind = FailureAmbiguous
		res.Message = "query too vague, give at least one term of two or more characters"
		return res, nil
	}

	paths, err := e.walkFiles(ctx)
	if err != nil {
		return res, err
	}

	var all []SemanticMatch
	for _, p := range paths {
		lines, ok := e.readSearchableLines(p)
		if !ok {
			continue
		}
		boost := pathTokenBoost(p, tokens)
		for i, line := range lines {
			score := scoreLine(line, tokens)
			if score <= 0 {
				continue
			}
			all = append(all, SemanticMatch{
				Path:       p,
				LineNumber: i + 1,
				Snippet:    strings.TrimSpace(line),
				Score:      score + boost,
			})
		}
	}

	res.Results = topMatches(all, maxCodebaseSearchResults)
	res.Success = true
	return res, nil
}

// readSearchableLines reads a file for searching, skipping binaries and
// oversized files.
func (e *LocalExecutor) readSearchableLines(rel string) ([]string, bool) {
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil || info.Size() > maxSearchableFileSize {
		return nil, false
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, false
	}
	prefix := data
	if len(prefix) > 512 {
		prefix = prefix[:512]
	}
	if looksBinary(prefix) {
		return nil, false
	}
	return strings.Split(string(data), "\n"), true
}

// ExecuteCommand implements Executor. The command runs through sh -c in
// the workspace root. Background commands are detached after a
// successful start and report success immediately.
func (e *LocalExecutor) ExecuteCommand(ctx context.Context, command string, opts CommandOptions) (CommandResult, error) {
	res := CommandResult{Command: command}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	if opts.Background {
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = e.root
		if err := cmd.Start(); err != nil {
			return res, fmt.Errorf("failed to start command: %w", err)
		}
		go func() {
			if err := cmd.Wait(); err != nil {
				e.log.Warn("background command exited with error",
					zap.String("command", command), zap.Error(err))
			}
		}()
		res.Success = true
		res.Message = "command started in background"
		return res, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = e.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res.DurationMS = time.Since(start).Milliseconds()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		res.FailureKind = FailureTimeout
		res.Message = fmt.Sprintf("command timed out after %s", timeout)
		res.ExitCode = -1
		return res, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Success = true // command ran; non-zero exit is a tool result, not a failure
			return res, nil
		}
		return res, fmt.Errorf("failed to run command: %w", runErr)
	}

	res.Success = true
	return res, nil
}

// FileTree implements Executor.
func (e *LocalExecutor) FileTree(ctx context.Context) ([]*models.TreeNode, error) {
	return buildTree(ctx, e.root, e.root)
}

func buildTree(ctx context.Context, root, dir string) ([]*models.TreeNode, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var nodes []*models.TreeNode
	for _, entry := range entries {
		if entry.IsDir() && skipDir(entry.Name()) {
			continue
		}
		abs := filepath.Join(dir, entry.Name())
		node := &models.TreeNode{
			Name:         entry.Name(),
			RelativePath: relPath(root, abs),
		}
		if entry.IsDir() {
			node.Type = "folder"
			children, err := buildTree(ctx, root, abs)
			if err != nil {
				return nil, err
			}
			node.Children = children
		} else {
			node.Type = "file"
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if (nodes[i].Type == "folder") != (nodes[j].Type == "folder") {
			return nodes[i].Type == "folder"
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes, nil
}
