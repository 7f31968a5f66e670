package bgservices

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

// Root files worth showing the model when summarizing a repository.
var wikiSeedFiles = []string{
	"README.md", "readme.md", "go.mod", "package.json",
	"pyproject.toml", "Cargo.toml", "Makefile",
}

const wikiSystemPrompt = `You summarize codebases for a coding agent.
Given a file tree and key project files, produce a JSON document with the
fields "summary", "languages", "entry_points", "key_directories", and
"conventions". Answer with the JSON document only.`

// ExecutorProvider returns the tool executor for a task.
type ExecutorProvider func(task *models.Task) executor.Executor

// ShadowWiki builds the shared codebase understanding for a task's
// repository. It blocks initialization; tasks on an already summarized
// repository reuse the stored document.
type ShadowWiki struct {
	executors      ExecutorProvider
	llmClient      llm.Client
	understandings *store.UnderstandingStore
	tasks          *store.TaskStore
	model          string
	log            *logger.Logger
}

// NewShadowWiki creates the wiki service.
func NewShadowWiki(executors ExecutorProvider, llmClient llm.Client, stores *store.Stores, model string, log *logger.Logger) *ShadowWiki {
	if log == nil {
		log = logger.Default()
	}
	return &ShadowWiki{
		executors:      executors,
		llmClient:      llmClient,
		understandings: stores.Understandings,
		tasks:          stores.Tasks,
		model:          model,
		log:            log.WithFields(zap.String("component", "shadow-wiki")),
	}
}

// Name implements Service.
func (w *ShadowWiki) Name() string { return "shadow-wiki" }

// Blocking implements Service.
func (w *ShadowWiki) Blocking() bool { return true }

// Enabled implements Service.
func (w *ShadowWiki) Enabled(settings *models.UserSettings) bool {
	return settings == nil || settings.EnableShadowWiki
}

// Run implements Service.
func (w *ShadowWiki) Run(ctx context.Context, task *models.Task) error {
	if existing, err := w.understandings.GetByRepo(ctx, task.RepoFullName); err == nil {
		w.log.WithTaskID(task.ID).Info("reusing existing codebase understanding",
			zap.String("repo", task.RepoFullName))
		return w.tasks.SetUnderstanding(ctx, task.ID, existing.ID)
	} else if err != store.ErrNotFound {
		return err
	}

	exec := w.executors(task)

	tree, err := exec.FileTree(ctx)
	if err != nil {
		return fmt.Errorf("failed to read file tree: %w", err)
	}

	var prompt strings.Builder
	prompt.WriteString("Repository: " + task.RepoFullName + "\n\nFile tree:\n")
	writeTreeOutline(&prompt, tree, 0)

	for _, name := range wikiSeedFiles {
		res, err := exec.ReadFile(ctx, name, executor.ReadOptions{})
		if err != nil || !res.Success {
			continue
		}
		content := res.Content
		if len(content) > 8000 {
			content = content[:8000]
		}
		prompt.WriteString("\n--- " + name + " ---\n" + content + "\n")
	}

	content, err := w.llmClient.Complete(ctx, llm.Request{
		Model:    w.model,
		System:   wikiSystemPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt.String()}},
	})
	if err != nil {
		return fmt.Errorf("wiki generation failed: %w", err)
	}

	u, err := w.understandings.Upsert(ctx, task.RepoFullName, content)
	if err != nil {
		return err
	}
	return w.tasks.SetUnderstanding(ctx, task.ID, u.ID)
}

const maxOutlineDepth = 3

func writeTreeOutline(sb *strings.Builder, nodes []*models.TreeNode, depth int) {
	if depth >= maxOutlineDepth {
		return
	}
	for _, n := range nodes {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(n.Name)
		if n.Type == "folder" {
			sb.WriteString("/")
		}
		sb.WriteString("\n")
		writeTreeOutline(sb, n.Children, depth+1)
	}
}
