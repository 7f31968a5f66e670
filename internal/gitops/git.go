// Package gitops provides git operations for task workspaces. All
// commands run through the task's Executor, so the same code drives a
// local checkout and a remote sandbox.
package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// CoAuthorTrailer is appended to every commit the agent makes.
const CoAuthorTrailer = "Co-authored-by: Shadow <noreply@shadowrealm.ai>"

const (
	agentUserName  = "Shadow Agent"
	agentUserEmail = "noreply@shadowrealm.ai"

	gitCommandTimeout = 2 * time.Minute
)

// sidecarGit is the dedicated git surface a sandbox sidecar exposes.
// When the executor provides it, status/diff/commit/push go through
// these endpoints instead of shelling out.
type sidecarGit interface {
	GitStatus(ctx context.Context) (executor.GitStatusResult, error)
	GitDiff(ctx context.Context, base string) (executor.GitDiffResult, error)
	GitCommit(ctx context.Context, req executor.GitCommitRequest) (executor.GitCommitResult, error)
	GitPush(ctx context.Context, branch string, setUpstream bool) (executor.GitPushResult, error)
}

// Service runs git against one task workspace.
type Service struct {
	exec executor.Executor
	sc   sidecarGit
	log  *logger.Logger
}

// NewService creates a git service over the given executor.
func NewService(exec executor.Executor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	sc, _ := exec.(sidecarGit)
	return &Service{
		exec: exec,
		sc:   sc,
		log:  log.WithFields(zap.String("component", "gitops")),
	}
}

// shellQuote wraps an argument in single quotes for sh -c when it
// contains anything the shell would interpret.
func shellQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$&|;<>()*?[]{}~#!`") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// run executes a git command and returns its stdout. A non-zero exit
// becomes an error carrying stderr.
func (s *Service) run(ctx context.Context, args ...string) (string, error) {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "git")
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	command := strings.Join(quoted, " ")

	res, err := s.exec.ExecuteCommand(ctx, command, executor.CommandOptions{Timeout: gitCommandTimeout})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.FailureKind == executor.FailureTimeout {
		return "", fmt.Errorf("git %s timed out", args[0])
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s failed (exit %d): %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// ConfigureUser sets the commit identity for the workspace.
func (s *Service) ConfigureUser(ctx context.Context) error {
	if _, err := s.run(ctx, "config", "user.name", agentUserName); err != nil {
		return err
	}
	_, err := s.run(ctx, "config", "user.email", agentUserEmail)
	return err
}

// CurrentCommitSHA returns the SHA at HEAD.
func (s *Service) CurrentCommitSHA(ctx context.Context) (string, error) {
	out, err := s.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (s *Service) CurrentBranch(ctx context.Context) (string, error) {
	out, err := s.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasChanges reports whether the working tree has uncommitted changes,
// staged or not, including untracked files.
func (s *Service) HasChanges(ctx context.Context) (bool, error) {
	if s.sc != nil {
		st, err := s.sc.GitStatus(ctx)
		if err != nil {
			return false, err
		}
		if !st.Success {
			return false, fmt.Errorf("git status failed: %s", st.Message)
		}
		return !st.Clean, nil
	}
	out, err := s.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CreateBranch creates and checks out a branch at the current HEAD.
// Checking out an already existing branch is not an error.
func (s *Service) CreateBranch(ctx context.Context, name string) error {
	if _, err := s.run(ctx, "checkout", "-b", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			_, coErr := s.run(ctx, "checkout", name)
			return coErr
		}
		return err
	}
	return nil
}

// CheckoutBranch checks out an existing branch.
func (s *Service) CheckoutBranch(ctx context.Context, name string) error {
	_, err := s.run(ctx, "checkout", name)
	return err
}

// CommitAll stages everything and commits with the agent co-author
// trailer. Returns the new commit SHA, or committed=false when the
// working tree was clean.
func (s *Service) CommitAll(ctx context.Context, message string) (sha string, committed bool, err error) {
	dirty, err := s.HasChanges(ctx)
	if err != nil {
		return "", false, err
	}
	if !dirty {
		return "", false, nil
	}

	if s.sc != nil {
		res, err := s.sc.GitCommit(ctx, executor.GitCommitRequest{
			User:     executor.GitIdentity{Name: agentUserName, Email: agentUserEmail},
			CoAuthor: &executor.GitIdentity{Name: "Shadow", Email: agentUserEmail},
			Message:  strings.TrimSpace(message),
		})
		if err != nil {
			return "", false, err
		}
		if !res.Success {
			return "", false, fmt.Errorf("git commit failed: %s", res.Message)
		}
		if res.Committed {
			s.log.Info("committed changes", zap.String("sha", res.CommitSHA))
		}
		return res.CommitSHA, res.Committed, nil
	}

	if _, err := s.run(ctx, "add", "-A"); err != nil {
		return "", false, err
	}

	full := strings.TrimSpace(message) + "\n\n" + CoAuthorTrailer
	if _, err := s.run(ctx, "commit", "-m", full); err != nil {
		return "", false, err
	}

	sha, err = s.CurrentCommitSHA(ctx)
	if err != nil {
		return "", false, err
	}
	s.log.Info("committed changes", zap.String("sha", sha))
	return sha, true, nil
}

// Push pushes the branch to origin, setting upstream on first push.
func (s *Service) Push(ctx context.Context, branch string) error {
	if s.sc != nil {
		res, err := s.sc.GitPush(ctx, branch, true)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("git push failed: %s", res.Message)
		}
		return nil
	}
	_, err := s.run(ctx, "push", "-u", "origin", branch)
	return err
}

// Fetch fetches a ref from origin.
func (s *Service) Fetch(ctx context.Context, ref string) error {
	_, err := s.run(ctx, "fetch", "origin", ref)
	return err
}

// Diff returns the unified diff of HEAD against the given base ref,
// committed work only.
func (s *Service) Diff(ctx context.Context, baseRef string) (string, error) {
	if s.sc != nil {
		res, err := s.sc.GitDiff(ctx, baseRef)
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", fmt.Errorf("git diff failed: %s", res.Message)
		}
		return res.Diff, nil
	}
	return s.run(ctx, "diff", baseRef+"...HEAD")
}

// RecentCommitMessages returns the subject lines of up to limit commits
// on HEAD that are not on baseRef, newest first.
func (s *Service) RecentCommitMessages(ctx context.Context, baseRef string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	out, err := s.run(ctx, "log", "--pretty=%s", "-n", fmt.Sprintf("%d", limit), baseRef+"..HEAD")
	if err != nil {
		return nil, err
	}
	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			messages = append(messages, line)
		}
	}
	return messages, nil
}

// SafeCheckoutCommit resets the working tree to a commit, but only when
// the tree is clean. Uncommitted changes are never thrown away: the
// reset is skipped and restored=false is returned without error.
func (s *Service) SafeCheckoutCommit(ctx context.Context, sha string) (restored bool, err error) {
	dirty, err := s.HasChanges(ctx)
	if err != nil {
		return false, err
	}
	if dirty {
		s.log.Warn("working tree has uncommitted changes, skipping reset",
			zap.String("sha", sha))
		return false, nil
	}
	if _, err := s.run(ctx, "reset", "--hard", sha); err != nil {
		return false, err
	}
	return true, nil
}

// FileChanges returns per-file changes and aggregate stats of the
// working tree plus commits relative to baseRef.
func (s *Service) FileChanges(ctx context.Context, baseRef string) ([]models.FileChange, models.DiffStats, error) {
	var stats models.DiffStats

	statusOut, err := s.run(ctx, "diff", "--name-status", "--find-renames", baseRef)
	if err != nil {
		return nil, stats, err
	}
	numstatOut, err := s.run(ctx, "diff", "--numstat", baseRef)
	if err != nil {
		return nil, stats, err
	}
	untrackedOut, err := s.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, stats, err
	}

	counts := parseNumstat(numstatOut)
	now := time.Now().UTC()

	var changes []models.FileChange
	for _, line := range strings.Split(strings.TrimSpace(statusOut), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		op, path := parseStatusOp(fields)
		fc := models.FileChange{Path: path, Operation: op, CreatedAt: now}
		if c, ok := counts[path]; ok {
			fc.Additions, fc.Deletions = c[0], c[1]
		}
		changes = append(changes, fc)
	}

	for _, line := range strings.Split(strings.TrimSpace(untrackedOut), "\n") {
		if line == "" {
			continue
		}
		changes = append(changes, models.FileChange{
			Path:      line,
			Operation: models.FileOpCreate,
			CreatedAt: now,
		})
	}

	for _, fc := range changes {
		stats.Additions += fc.Additions
		stats.Deletions += fc.Deletions
	}
	stats.TotalFiles = len(changes)
	return changes, stats, nil
}

// parseNumstat maps path to [additions, deletions]. Binary files report
// "-" and count as zero.
func parseNumstat(out string) map[string][2]int {
	counts := make(map[string][2]int)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		// Renames report "old => new" or "old\tnew" depending on format.
		path := fields[len(fields)-1]
		counts[path] = [2]int{add, del}
	}
	return counts
}

func parseStatusOp(fields []string) (models.FileOp, string) {
	status := fields[0]
	path := fields[len(fields)-1]
	switch {
	case strings.HasPrefix(status, "A"):
		return models.FileOpCreate, path
	case strings.HasPrefix(status, "D"):
		return models.FileOpDelete, path
	case strings.HasPrefix(status, "R"):
		return models.FileOpRename, path
	default:
		return models.FileOpUpdate, path
	}
}
