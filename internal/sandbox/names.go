package sandbox

import "strings"

const (
	sandboxNamePrefix = "shadow-vm-"
	maxNameLength     = 63 // DNS-1123 label limit
)

// SanitizeTaskID converts a task ID into a DNS-1123 safe fragment:
// lowercase alphanumerics and hyphens, no leading or trailing hyphen.
func SanitizeTaskID(taskID string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(taskID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	// Collapse runs of hyphens left by consecutive invalid characters.
	out := sb.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return strings.Trim(out, "-")
}

// SandboxName returns the sandbox (container or pod) name for a task,
// bounded by the DNS-1123 label limit.
func SandboxName(taskID string) string {
	name := sandboxNamePrefix + SanitizeTaskID(taskID)
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return strings.TrimRight(name, "-")
}
