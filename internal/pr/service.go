// Package pr opens pull requests for finished task branches. PR title
// and description come from a small model prompt over the branch diff
// and commit history.
package pr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

const diffPromptCap = 3000

// GitInfo is the read-only git view the PR flow needs.
type GitInfo interface {
	Diff(ctx context.Context, baseRef string) (string, error)
	RecentCommitMessages(ctx context.Context, baseRef string, limit int) ([]string, error)
}

// GitInfoProvider returns the git view for a task's workspace.
type GitInfoProvider func(task *models.Task) GitInfo

// Host is the git-host surface used to create pull requests.
type Host interface {
	HasOpenPR(ctx context.Context, owner, repo, head string) (bool, error)
	CreatePullRequest(ctx context.Context, owner, repo string, pr *github.NewPullRequest) (string, error)
}

// GitHubHost implements Host on the GitHub API.
type GitHubHost struct {
	client *github.Client
}

// NewGitHubHost creates a GitHub-backed host client.
func NewGitHubHost(token string) *GitHubHost {
	return &GitHubHost{client: github.NewClient(nil).WithAuthToken(token)}
}

// HasOpenPR implements Host.
func (h *GitHubHost) HasOpenPR(ctx context.Context, owner, repo, head string) (bool, error) {
	prs, _, err := h.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + head,
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return false, err
	}
	return len(prs) > 0, nil
}

// CreatePullRequest implements Host.
func (h *GitHubHost) CreatePullRequest(ctx context.Context, owner, repo string, pr *github.NewPullRequest) (string, error) {
	created, _, err := h.client.PullRequests.Create(ctx, owner, repo, pr)
	if err != nil {
		return "", err
	}
	return created.GetHTMLURL(), nil
}

// prMetadata is the JSON document the model answers with.
type prMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	IsDraft     bool   `json:"is_draft"`
}

const metadataPrompt = `You write pull request metadata for changes made by a
coding agent. Given the task, the diff and the commit messages, answer with a
JSON object {"title": string, "description": string, "is_draft": bool} and
nothing else. Mark the PR a draft when the task did not complete.`

// Service opens pull requests when the user has auto-PR enabled.
type Service struct {
	host   Host
	stores *store.Stores
	client llm.Client
	git    GitInfoProvider
	model  string
	log    *logger.Logger
}

// NewService creates a PR service. host may be nil when no git-host
// token is configured; MaybeOpenPR is then a no-op.
func NewService(host Host, stores *store.Stores, client llm.Client, git GitInfoProvider, model string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		host:   host,
		stores: stores,
		client: client,
		git:    git,
		model:  model,
		log:    log.WithFields(zap.String("component", "pr")),
	}
}

// MaybeOpenPR opens a pull request for the task's shadow branch if the
// user has auto-PR enabled and none is open yet. Failures are logged;
// they never affect the chat flow.
func (s *Service) MaybeOpenPR(ctx context.Context, task *models.Task, completed bool) {
	log := s.log.WithTaskID(task.ID)
	if s.host == nil {
		return
	}

	settings, err := s.stores.Settings.Get(ctx, task.UserID)
	if err != nil {
		log.Warn("failed to load user settings", zap.Error(err))
		return
	}
	if !settings.AutoPullRequest {
		return
	}

	owner, repo, ok := splitRepo(task.RepoFullName)
	if !ok {
		log.Warn("invalid repo full name", zap.String("repo", task.RepoFullName))
		return
	}

	exists, err := s.host.HasOpenPR(ctx, owner, repo, task.ShadowBranch)
	if err != nil {
		log.Warn("failed to check existing pull requests", zap.Error(err))
		return
	}
	if exists {
		log.Debug("open pull request already exists")
		return
	}

	meta := s.buildMetadata(ctx, task, completed)
	url, err := s.host.CreatePullRequest(ctx, owner, repo, &github.NewPullRequest{
		Title:               github.Ptr(meta.Title),
		Body:                github.Ptr(meta.Description),
		Head:                github.Ptr(task.ShadowBranch),
		Base:                github.Ptr(task.BaseBranch),
		Draft:               github.Ptr(meta.IsDraft),
		MaintainerCanModify: github.Ptr(true),
	})
	if err != nil {
		log.Warn("failed to create pull request", zap.Error(err))
		return
	}
	log.Info("pull request opened", zap.String("url", url))
}

// buildMetadata asks the model for PR title and body, falling back to
// values synthesized from the task when the model is unavailable.
func (s *Service) buildMetadata(ctx context.Context, task *models.Task, completed bool) prMetadata {
	fallback := prMetadata{
		Title:       task.Title,
		Description: fmt.Sprintf("Automated changes for task %s.", task.ID),
		IsDraft:     !completed,
	}
	if fallback.Title == "" {
		fallback.Title = "Shadow agent changes"
	}

	git := s.git(task)
	diff, err := git.Diff(ctx, task.BaseBranch)
	if err != nil {
		s.log.WithTaskID(task.ID).Warn("failed to read diff for PR metadata", zap.Error(err))
		return fallback
	}
	if len(diff) > diffPromptCap {
		diff = diff[:diffPromptCap]
	}
	commits, err := git.RecentCommitMessages(ctx, task.BaseBranch, 5)
	if err != nil {
		commits = nil
	}

	content, err := s.client.Complete(ctx, llm.Request{
		Model:  s.model,
		System: metadataPrompt,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Task: %s\nCompleted: %v\nCommits:\n%s\n\nDiff:\n%s",
				task.Title, completed, strings.Join(commits, "\n"), diff),
		}},
		MaxTokens: 500,
	})
	if err != nil {
		s.log.WithTaskID(task.ID).Warn("PR metadata generation failed", zap.Error(err))
		return fallback
	}

	var meta prMetadata
	if err := json.Unmarshal([]byte(extractJSON(content)), &meta); err != nil || meta.Title == "" {
		return fallback
	}
	if !completed {
		meta.IsDraft = true
	}
	return meta
}

func splitRepo(fullName string) (owner, repo string, ok bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// extractJSON trims any prose around the first JSON object in a model
// answer.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
