// Package runtime manages the terminal sessions agent CLIs run in. Two
// backends implement the same contract: one delegates to tmux, the other
// owns PTYs in-process and emulates the terminal itself.
package runtime

import (
	"os"
	"strconv"
	"time"

	"github.com/discode-sh/discode/internal/runtime/vt"
)

// StyledFrame is a styled snapshot of a window's visible screen.
type StyledFrame = vt.Frame

// WindowSnapshot describes one live window for status listings.
type WindowSnapshot struct {
	Session   string    `json:"session"`
	Window    string    `json:"window"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Runtime is the contract shared by the tmux and PTY backends.
type Runtime interface {
	// GetOrCreateSession ensures the project session exists and returns
	// its name. firstWindow names the initial window when creating.
	GetOrCreateSession(projectName, firstWindow string) (string, error)
	SetSessionEnv(session, key, value string) error
	WindowExists(session, window string) bool
	StartAgentInWindow(session, window, shellCommand string) error

	// TypeKeysToWindow types text literally without submitting it.
	TypeKeysToWindow(session, window, text string) error
	// SendEnterToWindow submits whatever is typed.
	SendEnterToWindow(session, window string) error
	// SendKeysToWindow types text, waits the agent's submit delay, and
	// presses Enter.
	SendKeysToWindow(session, window, text, agentHint string) error
	// WriteInput feeds raw bytes (terminal input) into the window.
	WriteInput(session, window string, data []byte) error

	// GetWindowBuffer returns the plain-text scrollback.
	GetWindowBuffer(session, window string) (string, error)
	// GetWindowFrame returns a styled frame, or nil when the backend
	// cannot produce one (callers fall back to GetWindowBuffer).
	GetWindowFrame(session, window string, cols, rows int) (*StyledFrame, error)

	ResizeWindow(session, window string, cols, rows int) error
	StopWindow(session, window string, sig os.Signal) bool
	ListWindows(session string) []WindowSnapshot
	Dispose(sig os.Signal)
}

// Resize clamp bounds shared by both backends.
const (
	MinCols = 30
	MaxCols = 240
	MinRows = 10
	MaxRows = 120

	DefaultCols = 100
	DefaultRows = 30
)

// ClampSize bounds a requested window size to the supported range.
func ClampSize(cols, rows int) (int, int) {
	if cols < MinCols {
		cols = MinCols
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// DefaultSessionName is the shared multiplexer session that hosts every
// project's windows. Window names carry the project prefix, so one session
// suffices per host.
const DefaultSessionName = "bridge"

// SessionName resolves the runtime session a project's windows live in.
// DISCODE_SESSION_NAME overrides the shared default.
func SessionName(projectName string) string {
	if v := os.Getenv("DISCODE_SESSION_NAME"); v != "" {
		return v
	}
	return DefaultSessionName
}

// WindowName derives the session-unique window name for an instance.
func WindowName(projectName, instanceID string) string {
	return projectName + "-" + instanceID
}

// SubmitDelay returns the pause between typing a prompt and pressing
// Enter. OpenCode's TUI needs less settling time than the others.
func SubmitDelay(agentHint string) time.Duration {
	if agentHint == "opencode" {
		return envDuration("AGENT_DISCORD_OPENCODE_SUBMIT_DELAY_MS", 75*time.Millisecond)
	}
	return envDuration("DISCODE_SUBMIT_DELAY_MS", 300*time.Millisecond)
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
