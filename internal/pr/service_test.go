package pr

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/llm"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

type fakeHost struct {
	mu       sync.Mutex
	existing bool
	created  []*github.NewPullRequest
}

func (h *fakeHost) HasOpenPR(context.Context, string, string, string) (bool, error) {
	return h.existing, nil
}

func (h *fakeHost) CreatePullRequest(_ context.Context, _, _ string, pr *github.NewPullRequest) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, pr)
	return "https://github.com/acme/webapp/pull/1", nil
}

type fakeGitInfo struct {
	diff string
}

func (g *fakeGitInfo) Diff(context.Context, string) (string, error) { return g.diff, nil }

func (g *fakeGitInfo) RecentCommitMessages(context.Context, string, int) ([]string, error) {
	return []string{"Add hello readme"}, nil
}

type cannedLLM struct {
	answer string
	err    error
}

func (c *cannedLLM) Stream(context.Context, llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	close(ch)
	return ch, nil
}

func (c *cannedLLM) Complete(context.Context, llm.Request) (string, error) {
	return c.answer, c.err
}

func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	stores := store.New(db)
	t.Cleanup(func() { stores.Close() })
	return stores
}

func testTask() *models.Task {
	return &models.Task{
		ID:           "task-1",
		UserID:       "user-1",
		Title:        "Add hello readme",
		RepoFullName: "acme/webapp",
		BaseBranch:   "main",
		ShadowBranch: models.ShadowBranchName("task-1"),
	}
}

func enableAutoPR(t *testing.T, stores *store.Stores) {
	t.Helper()
	settings := models.DefaultUserSettings("user-1")
	settings.AutoPullRequest = true
	require.NoError(t, stores.Settings.Upsert(context.Background(), settings))
}

func newService(stores *store.Stores, host Host, client llm.Client, git GitInfo) *Service {
	return NewService(host, stores, client, func(*models.Task) GitInfo { return git }, "test-model", nil)
}

func TestMaybeOpenPRCreatesFromModelMetadata(t *testing.T) {
	stores := newTestStores(t)
	enableAutoPR(t, stores)
	host := &fakeHost{}
	client := &cannedLLM{answer: `{"title":"Add hello README","description":"Adds a README saying hello.","is_draft":false}`}
	svc := newService(stores, host, client, &fakeGitInfo{diff: "+hello"})

	svc.MaybeOpenPR(context.Background(), testTask(), true)

	require.Len(t, host.created, 1)
	pr := host.created[0]
	assert.Equal(t, "Add hello README", pr.GetTitle())
	assert.Equal(t, "Adds a README saying hello.", pr.GetBody())
	assert.Equal(t, models.ShadowBranchName("task-1"), pr.GetHead())
	assert.Equal(t, "main", pr.GetBase())
	assert.False(t, pr.GetDraft())
}

func TestMaybeOpenPRDraftWhenIncomplete(t *testing.T) {
	stores := newTestStores(t)
	enableAutoPR(t, stores)
	host := &fakeHost{}
	client := &cannedLLM{answer: `{"title":"WIP changes","description":"Partial.","is_draft":false}`}
	svc := newService(stores, host, client, &fakeGitInfo{diff: "+wip"})

	svc.MaybeOpenPR(context.Background(), testTask(), false)

	require.Len(t, host.created, 1)
	assert.True(t, host.created[0].GetDraft(), "incomplete tasks always get a draft PR")
}

func TestMaybeOpenPRSkipsWhenDisabled(t *testing.T) {
	stores := newTestStores(t)
	host := &fakeHost{}
	svc := newService(stores, host, &cannedLLM{}, &fakeGitInfo{})

	svc.MaybeOpenPR(context.Background(), testTask(), true)
	assert.Empty(t, host.created)
}

func TestMaybeOpenPRSkipsWhenAlreadyOpen(t *testing.T) {
	stores := newTestStores(t)
	enableAutoPR(t, stores)
	host := &fakeHost{existing: true}
	svc := newService(stores, host, &cannedLLM{}, &fakeGitInfo{})

	svc.MaybeOpenPR(context.Background(), testTask(), true)
	assert.Empty(t, host.created)
}

func TestMaybeOpenPRFallsBackWhenModelAnswerInvalid(t *testing.T) {
	stores := newTestStores(t)
	enableAutoPR(t, stores)
	host := &fakeHost{}
	client := &cannedLLM{answer: "sorry, cannot help with that"}
	svc := newService(stores, host, client, &fakeGitInfo{diff: "+x"})

	svc.MaybeOpenPR(context.Background(), testTask(), true)

	require.Len(t, host.created, 1)
	assert.Equal(t, "Add hello readme", host.created[0].GetTitle())
}

func TestMaybeOpenPRTruncatesDiffInPrompt(t *testing.T) {
	stores := newTestStores(t)
	enableAutoPR(t, stores)
	host := &fakeHost{}

	var prompt string
	client := &recordingLLM{answer: `{"title":"Big change","description":"d","is_draft":false}`, capture: &prompt}
	svc := newService(stores, host, client, &fakeGitInfo{diff: strings.Repeat("x", 10000)})

	svc.MaybeOpenPR(context.Background(), testTask(), true)

	require.Len(t, host.created, 1)
	assert.LessOrEqual(t, strings.Count(prompt, "x"), diffPromptCap)
}

type recordingLLM struct {
	answer  string
	capture *string
}

func (c *recordingLLM) Stream(context.Context, llm.Request) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	close(ch)
	return ch, nil
}

func (c *recordingLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	*c.capture = req.Messages[0].Content
	return c.answer, nil
}
