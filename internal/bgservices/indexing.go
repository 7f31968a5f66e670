package bgservices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/executor"
	"github.com/shadowrealm/shadow/internal/task/models"
)

// Definition patterns indexed per language family.
var definitionPatterns = map[string]string{
	"go":         `^(func|type)\s+\w+`,
	"python":     `^(def|class)\s+\w+`,
	"javascript": `^(export\s+)?(function|class|const)\s+\w+`,
}

const indexPath = ".shadow/index.json"

// Indexing builds a lightweight symbol index inside the workspace so
// later searches have a warm starting point. Non-blocking; a task is
// fully usable without it.
type Indexing struct {
	executors ExecutorProvider
	log       *logger.Logger
}

// NewIndexing creates the indexing service.
func NewIndexing(executors ExecutorProvider, log *logger.Logger) *Indexing {
	if log == nil {
		log = logger.Default()
	}
	return &Indexing{
		executors: executors,
		log:       log.WithFields(zap.String("component", "indexing")),
	}
}

// Name implements Service.
func (s *Indexing) Name() string { return "indexing" }

// Blocking implements Service.
func (s *Indexing) Blocking() bool { return false }

// Enabled implements Service.
func (s *Indexing) Enabled(settings *models.UserSettings) bool {
	return settings != nil && settings.EnableIndexing
}

type symbolEntry struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Run implements Service.
func (s *Indexing) Run(ctx context.Context, task *models.Task) error {
	exec := s.executors(task)

	index := map[string][]symbolEntry{}
	for lang, pattern := range definitionPatterns {
		res, err := exec.GrepSearch(ctx, pattern, executor.GrepOptions{MaxMatches: 500})
		if err != nil {
			return fmt.Errorf("indexing grep failed: %w", err)
		}
		if !res.Success {
			continue
		}
		for _, m := range res.Matches {
			index[lang] = append(index[lang], symbolEntry{
				Path: m.Path,
				Line: m.LineNumber,
				Text: m.Line,
			})
		}
	}

	payload, err := json.Marshal(map[string]any{
		"generated_at": time.Now().UTC(),
		"symbols":      index,
	})
	if err != nil {
		return err
	}

	res, err := exec.WriteFile(ctx, indexPath, string(payload))
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("failed to write index: %s", res.Message)
	}

	total := 0
	for _, entries := range index {
		total += len(entries)
	}
	s.log.WithTaskID(task.ID).Info("symbol index written", zap.Int("symbols", total))
	return nil
}
