package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/chat"
	"github.com/shadowrealm/shadow/internal/task/models"
	"github.com/shadowrealm/shadow/internal/task/store"
)

const maxDerivedTitle = 80

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateTaskRequest starts a new task thread. Message is the initial
// development request; when set it is processed as soon as the
// workspace is ready.
type CreateTaskRequest struct {
	UserID       string `json:"user_id"`
	Title        string `json:"title"`
	RepoFullName string `json:"repo_full_name"`
	RepoURL      string `json:"repo_url"`
	BaseBranch   string `json:"base_branch"`
	Message      string `json:"message"`
	Model        string `json:"model"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.UserID == "" || req.RepoFullName == "" || req.RepoURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, repo_full_name and repo_url are required"})
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}
	if req.Title == "" {
		req.Title = deriveTitle(req.Message)
	}

	id := uuid.New().String()
	task := &models.Task{
		ID:           id,
		UserID:       req.UserID,
		Title:        req.Title,
		RepoFullName: req.RepoFullName,
		RepoURL:      req.RepoURL,
		BaseBranch:   req.BaseBranch,
		ShadowBranch: models.ShadowBranchName(id),
		Status:       models.TaskStatusInitializing,
		InitStatus:   models.InitStatusInactive,
	}

	if err := s.stores.Tasks.Create(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Persist the initial message up front so history shows it while
	// the workspace initializes.
	if req.Message != "" {
		if _, err := s.stores.Messages.Append(c.Request.Context(), &models.ChatMessage{
			TaskID:   task.ID,
			Role:     models.MessageRoleUser,
			Content:  req.Message,
			LLMModel: req.Model,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	go s.bootstrap(task.ID, req.Message, req.Model)

	c.JSON(http.StatusCreated, task)
}

// bootstrap initializes the workspace and, when the task carries an
// initial message, runs it through the engine.
func (s *Server) bootstrap(taskID, message, model string) {
	ctx := context.Background()
	log := s.log.WithTaskID(taskID)

	if err := s.initializer.Initialize(ctx, taskID); err != nil {
		log.Error("task initialization failed", zap.Error(err))
		return
	}
	if message == "" {
		return
	}
	if err := s.engine.ProcessUserMessage(ctx, chat.ProcessInput{
		TaskID:              taskID,
		Message:             message,
		Model:               model,
		EnableTools:         true,
		SkipUserMessageSave: true,
	}); err != nil {
		log.Error("initial message processing failed", zap.Error(err))
	}
}

func (s *Server) handleListTasks(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}
	tasks, err := s.stores.Tasks.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleArchiveTask(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	s.engine.Stop(task.ID)
	if err := s.stores.Tasks.UpdateStatus(c.Request.Context(), task.ID, models.TaskStatusArchived); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": true})
}

func (s *Server) handleStopTask(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	s.engine.Stop(task.ID)
	c.JSON(http.StatusOK, gin.H{"stopping": true})
}

func (s *Server) handleChatHistory(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	history, err := s.stores.Messages.History(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = []*models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": history})
}

// SendMessageRequest delivers a follow-up user message to a task.
type SendMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Queue   bool   `json:"queue"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if !task.Status.CanAcceptMessages() {
		c.JSON(http.StatusConflict, gin.H{"error": "task is archived"})
		return
	}

	go s.processMessage(chat.ProcessInput{
		TaskID:      task.ID,
		Message:     req.Content,
		Model:       req.Model,
		EnableTools: true,
		Queue:       req.Queue,
	})
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// processMessage runs a message through the engine. A dead sandbox is
// rebuilt before processing; a cleaned-up workspace is rebuilt and the
// message retried.
func (s *Server) processMessage(input chat.ProcessInput) {
	ctx := context.Background()
	log := s.log.WithTaskID(input.TaskID)

	if err := s.initializer.EnsureReady(ctx, input.TaskID); err != nil {
		log.Error("workspace readiness check failed", zap.Error(err))
		return
	}

	err := s.engine.ProcessUserMessage(ctx, input)
	if errors.Is(err, chat.ErrNeedsInit) {
		if initErr := s.initializer.Reinitialize(ctx, input.TaskID); initErr != nil {
			log.Error("re-initialization failed", zap.Error(initErr))
			return
		}
		err = s.engine.ProcessUserMessage(ctx, input)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("message processing failed", zap.Error(err))
	}
}

// EditMessageRequest rewrites an earlier user message and replays the
// conversation from that point.
type EditMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

func (s *Server) handleEditMessage(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	messageID := c.Param("messageId")

	go func() {
		if err := s.engine.EditUserMessage(context.Background(), task.ID, messageID, req.Content, req.Model); err != nil {
			s.log.WithTaskID(task.ID).Error("message edit failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleListTodos(c *gin.Context) {
	task, ok := s.loadTask(c)
	if !ok {
		return
	}
	todos, err := s.stores.Todos.List(c.Request.Context(), task.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if todos == nil {
		todos = []models.Todo{}
	}
	c.JSON(http.StatusOK, gin.H{"todos": todos})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.stores.Settings.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var settings models.UserSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	settings.UserID = c.Param("userId")
	if err := s.stores.Settings.Upsert(c.Request.Context(), &settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// loadTask resolves the :taskId route param, answering 404 when the
// task does not exist.
func (s *Server) loadTask(c *gin.Context) (*models.Task, bool) {
	task, err := s.stores.Tasks.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return task, true
}

func deriveTitle(message string) string {
	title := strings.TrimSpace(message)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > maxDerivedTitle {
		title = title[:maxDerivedTitle]
	}
	if title == "" {
		title = "New task"
	}
	return title
}
