package workspace

import (
	"context"
	"time"

	"github.com/shadowrealm/shadow/internal/common/config"
	"github.com/shadowrealm/shadow/internal/events"
	"github.com/shadowrealm/shadow/internal/task/models"
)

const terminalPollInterval = 2 * time.Second

type terminalRelay struct {
	cancel context.CancelFunc
}

// StartTerminalRelay polls the sidecar terminal buffer and republishes
// new entries as terminal-output chunks. Remote mode only; local tasks
// have no sidecar terminal.
func (m *Manager) StartTerminalRelay(task *models.Task) {
	if m.Mode() != config.ModeRemote {
		return
	}
	m.mu.Lock()
	if _, ok := m.terminals[task.ID]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.terminals[task.ID] = &terminalRelay{cancel: cancel}
	m.mu.Unlock()

	go m.pollTerminal(ctx, task.ID)
}

// StopTerminalRelay stops a task's terminal relay if one is running.
func (m *Manager) StopTerminalRelay(taskID string) {
	m.mu.Lock()
	relay := m.terminals[taskID]
	delete(m.terminals, taskID)
	m.mu.Unlock()
	if relay != nil {
		relay.cancel()
	}
}

func (m *Manager) pollTerminal(ctx context.Context, taskID string) {
	exec := m.remoteExecutor(taskID)
	ticker := time.NewTicker(terminalPollInterval)
	defer ticker.Stop()

	var lastID int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := exec.TerminalHistory(ctx, lastID)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.ID > lastID {
					lastID = entry.ID
				}
				m.streamBus.Publish(ctx, events.NewTerminalOutput(taskID, entry))
			}
		}
	}
}
