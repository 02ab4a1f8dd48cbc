package workspace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Context document names, relative to the user workspace root. These are
// plain files the user (or the agent itself) edits; the gateway reads them
// on every loop run so changes take effect without a restart.
const (
	DocPersona   = "claude.md"    // behavioral instructions
	DocSoul      = "soul.md"      // identity and tone
	DocHeartbeat = "heartbeat.md" // standing tasks checked every tick
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Provisioner lays out and opens per-user workspaces under the gateway
// data directory.
type Provisioner struct {
	dataDir string
}

// NewProvisioner returns a Provisioner rooted at dataDir.
func NewProvisioner(dataDir string) *Provisioner {
	return &Provisioner{dataDir: dataDir}
}

// UserDir returns the directory that holds everything for one user.
func (p *Provisioner) UserDir(userID string) string {
	return filepath.Join(p.dataDir, "users", userID)
}

// Ensure opens the workspace for userID, creating the directory layout and
// seeding default context documents on first use. It is idempotent and
// never overwrites existing files.
func (p *Provisioner) Ensure(userID string) (*Workspace, error) {
	if userID == "" || userID == "." || userID == ".." || !userIDPattern.MatchString(userID) {
		return nil, fmt.Errorf("workspace: invalid user id %q", userID)
	}
	ws, err := New(filepath.Join(p.UserDir(userID), "workspace"))
	if err != nil {
		return nil, err
	}
	seeds := map[string]string{
		DocPersona:   defaultPersona,
		DocSoul:      defaultSoul,
		DocHeartbeat: defaultHeartbeat,
	}
	for name, content := range seeds {
		if ws.Exists(name) {
			continue
		}
		if err := ws.Write(name, content); err != nil {
			return nil, fmt.Errorf("workspace: seed %s: %w", name, err)
		}
	}
	for _, dir := range []string{"memory", "scripts"} {
		if err := ws.Write(filepath.Join(dir, ".keep"), ""); err != nil {
			return nil, fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return ws, nil
}

// ContextDocs reads the three context documents, returning empty strings
// for any that are missing or unreadable. Missing docs are not an error:
// the agent simply runs without that context.
func ContextDocs(ws *Workspace) (persona, soul, heartbeat string) {
	persona, _ = ws.Read(DocPersona)
	soul, _ = ws.Read(DocSoul)
	heartbeat, _ = ws.Read(DocHeartbeat)
	return persona, soul, heartbeat
}

// HeartbeatTasksPresent reports whether the heartbeat doc carries real
// standing tasks. Empty docs and the untouched seeded default do not, so a
// user who never edited the file triggers no heartbeat work.
func HeartbeatTasksPresent(doc string) bool {
	doc = strings.TrimSpace(doc)
	return doc != "" && doc != strings.TrimSpace(defaultHeartbeat)
}

// BuildSystemPrompt assembles the loop system prompt from the persona and
// soul documents plus a fixed capability preamble.
func BuildSystemPrompt(persona, soul string) string {
	var b strings.Builder
	b.WriteString(systemPreamble)
	if s := strings.TrimSpace(soul); s != "" {
		b.WriteString("\n\n# Identity\n\n")
		b.WriteString(s)
	}
	if p := strings.TrimSpace(persona); p != "" {
		b.WriteString("\n\n# Instructions\n\n")
		b.WriteString(p)
	}
	return b.String()
}

const systemPreamble = `You are a personal assistant agent running inside a persistent gateway. You have tools for memory, files, web access, scripts, and child agent sessions. Use tools when a task needs them; answer directly when it does not. Keep responses concise.`

const defaultPersona = `# Instructions

Describe how your assistant should behave here. This file is read on every
run, so edits take effect immediately.
`

const defaultSoul = `# Identity

Your assistant's name, personality, and tone live here.
`

const defaultHeartbeat = `# Heartbeat

Standing tasks checked on every heartbeat tick. One item per line, for
example:

- Remind me about unfinished tasks from yesterday.
`
