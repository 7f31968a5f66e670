package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTaskID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"uuid passes through", "0b9c3f2a-4d1e-4f7a-9b2c-1a2b3c4d5e6f", "0b9c3f2a-4d1e-4f7a-9b2c-1a2b3c4d5e6f"},
		{"uppercase lowered", "Task-ABC", "task-abc"},
		{"invalid chars become hyphens", "task_1.2/3", "task-1-2-3"},
		{"runs collapse", "a__b...c", "a-b-c"},
		{"edges trimmed", "_task_", "task"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeTaskID(tt.in))
		})
	}
}

func TestSandboxName(t *testing.T) {
	assert.Equal(t, "shadow-vm-task-1", SandboxName("task-1"))

	long := SandboxName(strings.Repeat("a", 100))
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, strings.HasPrefix(long, "shadow-vm-"))
	assert.False(t, strings.HasSuffix(long, "-"))
}
