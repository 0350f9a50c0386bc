// Package identity holds the embedded workspace templates and scaffolds new workspaces.
package identity

import "embed"

//go:embed templates/*.md
var templateFS embed.FS

// TemplateNames lists the bootstrap files loaded into the system prompt, in order.
var TemplateNames = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"TOOLS.md",
	"IDENTITY.md",
}

const (
	// HeartbeatFile is polled by the scheduler heartbeat.
	HeartbeatFile = "HEARTBEAT.md"
	// MemoryFile is the long-term memory note, relative to the workspace.
	MemoryFile = "memory/MEMORY.md"
)

// Template returns the embedded content of a template file.
func Template(name string) ([]byte, error) {
	return templateFS.ReadFile("templates/" + name)
}
