package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/chat"
	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

type fakeEngine struct {
	mu        sync.Mutex
	inputs    []chat.ProcessInput
	stopped   []string
	edits     [][3]string
	needsInit bool
}

func (e *fakeEngine) ProcessUserMessage(_ context.Context, input chat.ProcessInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = append(e.inputs, input)
	if e.needsInit {
		e.needsInit = false
		return chat.ErrNeedsInit
	}
	return nil
}

func (e *fakeEngine) EditUserMessage(_ context.Context, taskID, messageID, newContent, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.edits = append(e.edits, [3]string{taskID, messageID, newContent})
	return nil
}

func (e *fakeEngine) Stop(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, taskID)
}

func (e *fakeEngine) HasActiveStream(string) bool { return false }

func (e *fakeEngine) inputCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inputs)
}

type fakeInitializer struct {
	mu      sync.Mutex
	tasks   []string
	reinits []string
	ensured []string
}

func (i *fakeInitializer) Initialize(_ context.Context, taskID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tasks = append(i.tasks, taskID)
	return nil
}

func (i *fakeInitializer) Reinitialize(_ context.Context, taskID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reinits = append(i.reinits, taskID)
	return nil
}

func (i *fakeInitializer) EnsureReady(_ context.Context, taskID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ensured = append(i.ensured, taskID)
	return nil
}

func (i *fakeInitializer) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.tasks)
}

func (i *fakeInitializer) reinitCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.reinits)
}

type testEnv struct {
	stores *store.Stores
	engine *fakeEngine
	init   *fakeInitializer
	server *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	stores := store.New(db)
	t.Cleanup(func() { stores.Close() })

	env := &testEnv{
		stores: stores,
		engine: &fakeEngine{},
		init:   &fakeInitializer{},
	}
	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 30, WriteTimeout: 30}
	env.server = New(cfg, stores, env.engine, env.init, nil, nil)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seedTask(t *testing.T, env *testEnv, id string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:           id,
		UserID:       "user-1",
		Title:        "seeded",
		RepoFullName: "acme/webapp",
		RepoURL:      "https://github.com/acme/webapp.git",
		BaseBranch:   "main",
		ShadowBranch: models.ShadowBranchName(id),
		Status:       status,
		InitStatus:   models.InitStatusActive,
	}
	require.NoError(t, env.stores.Tasks.Create(context.Background(), task))
	return task
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTaskInitializesAndRunsFirstMessage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{
		UserID:       "user-1",
		RepoFullName: "acme/webapp",
		RepoURL:      "https://github.com/acme/webapp.git",
		Message:      "add a hello endpoint\nwith tests",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	taskID := body["id"].(string)
	assert.Equal(t, "add a hello endpoint", body["title"])
	assert.Equal(t, string(models.TaskStatusInitializing), body["status"])

	task, err := env.stores.Tasks.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, models.ShadowBranchName(taskID), task.ShadowBranch)
	assert.Equal(t, "main", task.BaseBranch)

	history, err := env.stores.Messages.History(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "add a hello endpoint\nwith tests", history[0].Content)

	require.Eventually(t, func() bool { return env.engine.inputCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.init.count())
	env.engine.mu.Lock()
	input := env.engine.inputs[0]
	env.engine.mu.Unlock()
	assert.Equal(t, taskID, input.TaskID)
	assert.True(t, input.SkipUserMessageSave, "message was already persisted by the handler")
	assert.True(t, input.EnableTools)
}

func TestCreateTaskValidatesRequiredFields(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/tasks", CreateTaskRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksByUser(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusCompleted)
	seedTask(t, env, "task-2", models.TaskStatusRunning)

	rec := env.do(t, http.MethodGet, "/api/tasks?userId=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["tasks"].([]any), 2)

	rec = env.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageDispatchesToEngine(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusCompleted)

	rec := env.do(t, http.MethodPost, "/api/tasks/task-1/messages", SendMessageRequest{Content: "follow up", Queue: true})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return env.engine.inputCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	env.engine.mu.Lock()
	input := env.engine.inputs[0]
	env.engine.mu.Unlock()
	assert.Equal(t, "follow up", input.Message)
	assert.True(t, input.Queue)
	assert.False(t, input.SkipUserMessageSave)
}

func TestSendMessageReinitializesCleanedWorkspace(t *testing.T) {
	env := newTestEnv(t)
	env.engine.needsInit = true
	seedTask(t, env, "task-1", models.TaskStatusCompleted)

	rec := env.do(t, http.MethodPost, "/api/tasks/task-1/messages", SendMessageRequest{Content: "follow up"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return env.engine.inputCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.init.reinitCount())
	assert.Equal(t, 0, env.init.count(), "a cleaned-up follow-up runs the reduced step list")
}

func TestSendMessageToArchivedTaskRejected(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusArchived)

	rec := env.do(t, http.MethodPost, "/api/tasks/task-1/messages", SendMessageRequest{Content: "hello?"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, env.engine.inputCount())
}

func TestEditMessage(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusCompleted)

	rec := env.do(t, http.MethodPost, "/api/tasks/task-1/messages/msg-9/edit", EditMessageRequest{Content: "revised ask"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		env.engine.mu.Lock()
		defer env.engine.mu.Unlock()
		return len(env.engine.edits) == 1
	}, 2*time.Second, 10*time.Millisecond)
	env.engine.mu.Lock()
	defer env.engine.mu.Unlock()
	assert.Equal(t, [3]string{"task-1", "msg-9", "revised ask"}, env.engine.edits[0])
}

func TestStopTask(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusRunning)

	rec := env.do(t, http.MethodPost, "/api/tasks/task-1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.engine.mu.Lock()
	defer env.engine.mu.Unlock()
	assert.Equal(t, []string{"task-1"}, env.engine.stopped)
}

func TestArchiveTask(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusCompleted)

	rec := env.do(t, http.MethodPost, "/api/tasks/task-1/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	task, err := env.stores.Tasks.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusArchived, task.Status)
}

func TestChatHistoryAndTodos(t *testing.T) {
	env := newTestEnv(t)
	seedTask(t, env, "task-1", models.TaskStatusCompleted)
	ctx := context.Background()
	_, err := env.stores.Messages.Append(ctx, &models.ChatMessage{TaskID: "task-1", Role: models.MessageRoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = env.stores.Todos.Replace(ctx, "task-1", []models.Todo{{Content: "write tests", Status: models.TodoStatusPending}})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/tasks/task-1/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["messages"].([]any), 1)

	rec = env.do(t, http.MethodGet, "/api/tasks/task-1/todos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["todos"].([]any), 1)
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/users/user-1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defaults := decode(t, rec)
	assert.Equal(t, false, defaults["auto_pull_request"])
	assert.Equal(t, true, defaults["enable_shadow_wiki"])

	rec = env.do(t, http.MethodPut, "/api/users/user-1/settings", models.UserSettings{
		AutoPullRequest: true,
		SelectedModel:   "claude-sonnet-4-20250514",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/user-1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	saved := decode(t, rec)
	assert.Equal(t, true, saved["auto_pull_request"])
	assert.Equal(t, "claude-sonnet-4-20250514", saved["selected_model"])
}
