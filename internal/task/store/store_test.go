package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/task/models"
)

func newTestStores(t *testing.T) *Stores {
	t.Helper()
	db, err := openTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func newTask(id string) *models.Task {
	return &models.Task{
		ID:           id,
		UserID:       "user-1",
		Title:        "fix the login bug",
		RepoFullName: "acme/webapp",
		RepoURL:      "https://github.com/acme/webapp.git",
		BaseBranch:   "main",
		ShadowBranch: models.ShadowBranchName(id),
		Status:       models.TaskStatusInitializing,
		InitStatus:   models.InitStatusInactive,
	}
}

func TestTaskCreateAndGet(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	got, err := s.Tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "acme/webapp", got.RepoFullName)
	assert.Equal(t, "shadow/task-task-1", got.ShadowBranch)
	assert.Equal(t, models.InitStatusInactive, got.InitStatus)

	_, err = s.Tasks.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskCleanupClaimIsExclusive(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	due := time.Now().Add(-time.Minute)
	require.NoError(t, s.Tasks.ScheduleCleanup(ctx, "task-1", due))

	tasks, err := s.Tasks.DueForCleanup(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	claimed, err := s.Tasks.ClaimForCleanup(ctx, "task-1", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claimant loses.
	claimed, err = s.Tasks.ClaimForCleanup(ctx, "task-1", time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestClearScheduledCleanupReportsWinner(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	cleared, err := s.Tasks.ClearScheduledCleanup(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, cleared, "nothing scheduled yet")

	require.NoError(t, s.Tasks.ScheduleCleanup(ctx, "task-1", time.Now().Add(time.Hour)))

	cleared, err = s.Tasks.ClearScheduledCleanup(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestMarkWorkspaceCleanedResetsInit(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	task := newTask("task-1")
	task.InitStatus = models.InitStatusActive
	require.NoError(t, s.Tasks.Create(ctx, task))

	require.NoError(t, s.Tasks.MarkWorkspaceCleaned(ctx, "task-1"))

	got, err := s.Tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, got.WorkspaceCleanedUp)
	assert.Equal(t, models.InitStatusInactive, got.InitStatus)
}

func TestMessageSequenceIsMonotonic(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	for i, content := range []string{"first", "second", "third"} {
		msg, err := s.Messages.Append(ctx, &models.ChatMessage{
			TaskID:  "task-1",
			Role:    models.MessageRoleUser,
			Content: content,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), msg.Sequence)
	}

	max, err := s.Messages.MaxSequence(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	meta := models.MessageMetadata{
		Parts: []models.MessagePart{
			{Type: models.PartTypeText, Text: "working on it"},
			{Type: models.PartTypeToolCall, ToolCallID: "call-1", ToolName: "read_file"},
		},
		Usage:        &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: "stop",
		Checkpoint: &models.Checkpoint{
			CommitSHA:      "abc123",
			WorkspaceState: "clean",
			CreatedAt:      time.Now().UTC(),
		},
	}
	msg, err := s.Messages.Append(ctx, &models.ChatMessage{
		TaskID:   "task-1",
		Role:     models.MessageRoleAssistant,
		Content:  "done",
		Metadata: meta,
	})
	require.NoError(t, err)

	got, err := s.Messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Metadata.Parts, 2)
	assert.Equal(t, "read_file", got.Metadata.Parts[1].ToolName)
	require.NotNil(t, got.Metadata.Checkpoint)
	assert.Equal(t, "abc123", got.Metadata.Checkpoint.CommitSHA)
	assert.Equal(t, 15, got.Metadata.Usage.TotalTokens)
}

func TestMessageEditRewindsHistory(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	var target *models.ChatMessage
	for i, spec := range []struct {
		role    models.MessageRole
		content string
	}{
		{models.MessageRoleUser, "add a button"},
		{models.MessageRoleAssistant, "added"},
		{models.MessageRoleUser, "make it red"},
		{models.MessageRoleAssistant, "made it red"},
	} {
		msg, err := s.Messages.Append(ctx, &models.ChatMessage{
			TaskID: "task-1", Role: spec.role, Content: spec.content,
		})
		require.NoError(t, err)
		if i == 2 {
			target = msg
		}
	}

	edited, err := s.Messages.Edit(ctx, target.ID, "make it blue", "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "make it blue", edited.Content)
	assert.Equal(t, "claude-sonnet-4", edited.LLMModel)
	assert.NotNil(t, edited.EditedAt)

	history, err := s.Messages.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 3, "messages after the edited one are gone")
	assert.Equal(t, "make it blue", history[2].Content)

	// New messages continue from the rewound sequence.
	msg, err := s.Messages.Append(ctx, &models.ChatMessage{
		TaskID: "task-1", Role: models.MessageRoleAssistant, Content: "made it blue",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), msg.Sequence)
}

func TestEditRejectsNonUserMessages(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	msg, err := s.Messages.Append(ctx, &models.ChatMessage{
		TaskID: "task-1", Role: models.MessageRoleAssistant, Content: "hi",
	})
	require.NoError(t, err)

	_, err = s.Messages.Edit(ctx, msg.ID, "rewritten", "")
	require.Error(t, err)
}

func TestLatestAssistantWithCheckpoint(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	_, err := s.Messages.Append(ctx, &models.ChatMessage{
		TaskID: "task-1", Role: models.MessageRoleAssistant, Content: "no checkpoint",
	})
	require.NoError(t, err)

	_, err = s.Messages.LatestAssistantWithCheckpoint(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	withCp, err := s.Messages.Append(ctx, &models.ChatMessage{
		TaskID: "task-1", Role: models.MessageRoleAssistant, Content: "checkpointed",
		Metadata: models.MessageMetadata{Checkpoint: &models.Checkpoint{CommitSHA: "sha-1", WorkspaceState: "clean"}},
	})
	require.NoError(t, err)

	got, err := s.Messages.LatestAssistantWithCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, withCp.ID, got.ID)
}

func TestTodoReplace(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	first, err := s.Todos.Replace(ctx, "task-1", []models.Todo{
		{Content: "read the code"},
		{Content: "write the fix", Status: models.TodoStatusInProgress},
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, models.TodoStatusPending, first[0].Status)
	assert.Equal(t, 1, first[0].Sequence)

	second, err := s.Todos.Replace(ctx, "task-1", []models.Todo{
		{Content: "write the fix", Status: models.TodoStatusCompleted},
	})
	require.NoError(t, err)
	require.Len(t, second, 1)

	listed, err := s.Todos.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.TodoStatusCompleted, listed[0].Status)
}

func TestSessionsSingleActive(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	require.NoError(t, s.Tasks.Create(ctx, newTask("task-1")))

	first, err := s.Sessions.Start(ctx, "task-1", "shadow-vm-task-1", "shadow")
	require.NoError(t, err)

	second, err := s.Sessions.Start(ctx, "task-1", "shadow-vm-task-1", "shadow")
	require.NoError(t, err)

	active, err := s.Sessions.Active(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.NotEqual(t, first.ID, active.ID)

	require.NoError(t, s.Sessions.EndAll(ctx, "task-1"))
	_, err = s.Sessions.Active(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsDefaults(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	settings, err := s.Settings.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, settings.EnableShadowWiki)
	assert.False(t, settings.AutoPullRequest)

	settings.AutoPullRequest = true
	settings.SelectedModel = "claude-sonnet-4-20250514"
	require.NoError(t, s.Settings.Upsert(ctx, settings))

	got, err := s.Settings.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, got.AutoPullRequest)
	assert.Equal(t, "claude-sonnet-4-20250514", got.SelectedModel)
}

func TestUnderstandingUpsert(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	u1, err := s.Understandings.Upsert(ctx, "acme/webapp", `{"summary":"v1"}`)
	require.NoError(t, err)

	u2, err := s.Understandings.Upsert(ctx, "acme/webapp", `{"summary":"v2"}`)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID, "same repo keeps one row")

	got, err := s.Understandings.GetByRepo(ctx, "acme/webapp")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"v2"}`, got.Content)
}
