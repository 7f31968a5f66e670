// Package fswatch streams debounced filesystem changes from a local
// task workspace. Remote workspaces run the same logic in the sidecar;
// RemoteControl forwards pause and resume to it.
package fswatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shadowrealm/shadow/internal/common/logger"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/events/bus"
	"github.com/shadowrealm/shadow/internal/executor"
)

// debounceWindow batches bursts of events (editor saves, git checkouts)
// into one notification per path.
const debounceWindow = 100 * time.Millisecond

// Control pauses and resumes change notifications for a workspace,
// wherever the watcher runs.
type Control interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Watcher watches a local workspace and publishes fs-change chunks.
type Watcher struct {
	taskID string
	root   string
	bus    bus.Bus
	log    *logger.Logger

	fsw    *fsnotify.Watcher
	ignore *ignoreMatcher

	mu      sync.Mutex
	paused  bool
	pending map[string]pendingChange
	timer   *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type pendingChange struct {
	op    string
	isDir bool
}

// NewWatcher creates a watcher for a task's local workspace.
func NewWatcher(taskID, root string, streamBus bus.Bus, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	return &Watcher{
		taskID:  taskID,
		root:    root,
		bus:     streamBus,
		log:     log.WithFields(zap.String("component", "fswatch")).WithTaskID(taskID),
		ignore:  loadIgnoreMatcher(root),
		pending: make(map[string]pendingChange),
		stopCh:  make(chan struct{}),
	}
}

// Start begins watching. The workspace tree is registered recursively;
// directories created later are added as they appear.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.loop()

	w.log.Debug("filesystem watcher started", zap.String("root", w.root))
	return nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, p)
		if relErr == nil && rel != "." && w.ignore.Ignored(rel, true) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." {
		return
	}

	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	if w.ignore.Ignored(rel, isDir) {
		return
	}

	if isDir && event.Op.Has(fsnotify.Create) {
		if err := w.addRecursive(event.Name); err != nil {
			w.log.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		return
	}

	w.pending[filepath.ToSlash(rel)] = pendingChange{op: opName(event.Op), isDir: isDir}
	if w.timer == nil {
		w.timer = time.AfterFunc(debounceWindow, w.flush)
	} else {
		w.timer.Reset(debounceWindow)
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Remove):
		return "delete"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "modify"
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.paused || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]pendingChange)
	w.timer = nil
	w.mu.Unlock()

	ctx := context.Background()
	for path, change := range batch {
		w.bus.Publish(ctx, events.NewFSChange(w.taskID, change.op, path, change.isDir))
	}
}

// Pause implements Control. Pending changes are dropped; the caller is
// expected to publish an authoritative fs-override on resume.
func (w *Watcher) Pause(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true
	w.pending = make(map[string]pendingChange)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return nil
}

// Resume implements Control.
func (w *Watcher) Resume(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.mu.Unlock()
		w.wg.Wait()
	})
}

// RemoteControl forwards pause and resume to a sandbox sidecar, which
// runs its own watcher over /workspace.
type RemoteControl struct {
	exec *executor.RemoteExecutor
}

// NewRemoteControl creates a Control backed by the sidecar API.
func NewRemoteControl(exec *executor.RemoteExecutor) *RemoteControl {
	return &RemoteControl{exec: exec}
}

// Pause implements Control.
func (r *RemoteControl) Pause(ctx context.Context) error {
	return r.exec.PauseWatcher(ctx)
}

// Resume implements Control.
func (r *RemoteControl) Resume(ctx context.Context) error {
	return r.exec.ResumeWatcher(ctx)
}
