package runtime

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TmuxRuntime drives windows through the tmux CLI. Sessions outlive the
// daemon, so a restart reattaches to running agents.
type TmuxRuntime struct {
	bin string
}

var _ Runtime = (*TmuxRuntime)(nil)

// NewTmuxRuntime creates the tmux-backed runtime.
func NewTmuxRuntime() *TmuxRuntime {
	return &TmuxRuntime{bin: "tmux"}
}

// run executes a tmux command, folding stderr into the returned error so
// callers can match tmux's "can't find window" phrasing.
func (t *TmuxRuntime) run(args ...string) (string, error) {
	out, err := exec.Command(t.bin, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return string(out), nil
}

func target(session, window string) string {
	return session + ":" + window
}

// GetOrCreateSession ensures the project's tmux session exists.
func (t *TmuxRuntime) GetOrCreateSession(projectName, firstWindow string) (string, error) {
	session := SessionName(projectName)
	if _, err := t.run("has-session", "-t", "="+session); err == nil {
		return session, nil
	}
	args := []string{"new-session", "-d", "-s", session}
	if firstWindow != "" {
		args = append(args, "-n", firstWindow)
	}
	if _, err := t.run(args...); err != nil {
		return "", fmt.Errorf("runtime.TmuxRuntime.GetOrCreateSession: %w", err)
	}
	return session, nil
}

// SetSessionEnv sets a session-scoped environment variable picked up by
// windows created afterwards.
func (t *TmuxRuntime) SetSessionEnv(session, key, value string) error {
	if _, err := t.run("setenv", "-t", session, key, value); err != nil {
		return fmt.Errorf("runtime.TmuxRuntime.SetSessionEnv: %w", err)
	}
	return nil
}

// WindowExists reports whether the named window is present.
func (t *TmuxRuntime) WindowExists(session, window string) bool {
	out, err := t.run("list-windows", "-t", session, "-F", "#{window_name}")
	if err != nil {
		return false
	}
	for _, name := range strings.Split(strings.TrimSpace(out), "\n") {
		if name == window {
			return true
		}
	}
	return false
}

// StartAgentInWindow opens a new window running the shell command.
func (t *TmuxRuntime) StartAgentInWindow(session, window, shellCommand string) error {
	if t.WindowExists(session, window) {
		return nil
	}
	if _, err := t.run("new-window", "-d", "-t", session, "-n", window, shellCommand); err != nil {
		return fmt.Errorf("runtime.TmuxRuntime.StartAgentInWindow: %w", err)
	}
	return nil
}

// TypeKeysToWindow types text literally; -l disables key-name translation
// so agent TUIs never see "/foo" expanded as key chords.
func (t *TmuxRuntime) TypeKeysToWindow(session, window, text string) error {
	if _, err := t.run("send-keys", "-t", target(session, window), "-l", text); err != nil {
		return fmt.Errorf("runtime.TmuxRuntime.TypeKeysToWindow: %w", err)
	}
	return nil
}

// SendEnterToWindow presses Enter in the window.
func (t *TmuxRuntime) SendEnterToWindow(session, window string) error {
	if _, err := t.run("send-keys", "-t", target(session, window), "Enter"); err != nil {
		return fmt.Errorf("runtime.TmuxRuntime.SendEnterToWindow: %w", err)
	}
	return nil
}

// SendKeysToWindow types text, waits the submit delay, then presses Enter.
func (t *TmuxRuntime) SendKeysToWindow(session, window, text, agentHint string) error {
	if err := t.TypeKeysToWindow(session, window, text); err != nil {
		return err
	}
	time.Sleep(SubmitDelay(agentHint))
	return t.SendEnterToWindow(session, window)
}

// WriteInput forwards raw bytes as literal keys.
func (t *TmuxRuntime) WriteInput(session, window string, data []byte) error {
	return t.TypeKeysToWindow(session, window, string(data))
}

// GetWindowBuffer captures the full pane scrollback as plain text.
func (t *TmuxRuntime) GetWindowBuffer(session, window string) (string, error) {
	out, err := t.run("capture-pane", "-p", "-t", target(session, window), "-S", "-")
	if err != nil {
		return "", fmt.Errorf("runtime.TmuxRuntime.GetWindowBuffer: %w", err)
	}
	return out, nil
}

// GetWindowFrame returns nil: tmux does not expose styled frames, so
// consumers fall back to GetWindowBuffer.
func (t *TmuxRuntime) GetWindowFrame(string, string, int, int) (*StyledFrame, error) {
	return nil, nil
}

// ResizeWindow resizes the window within the supported bounds.
func (t *TmuxRuntime) ResizeWindow(session, window string, cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	_, err := t.run("resize-window", "-t", target(session, window),
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	if err != nil {
		return fmt.Errorf("runtime.TmuxRuntime.ResizeWindow: %w", err)
	}
	return nil
}

// StopWindow kills the window. The signal is ignored; tmux tears the pane
// process down itself.
func (t *TmuxRuntime) StopWindow(session, window string, _ os.Signal) bool {
	if _, err := t.run("kill-window", "-t", target(session, window)); err != nil {
		log.Debug().Err(err).Str("window", target(session, window)).Msg("tmux: kill-window")
		return false
	}
	return true
}

// ListWindows enumerates windows of one session, defaulting to the shared
// bridge session when session is empty.
func (t *TmuxRuntime) ListWindows(session string) []WindowSnapshot {
	if session == "" {
		session = SessionName("")
	}
	sessions := []string{session}

	var snaps []WindowSnapshot
	for _, sess := range sessions {
		out, err := t.run("list-windows", "-t", sess, "-F", "#{window_name}")
		if err != nil {
			continue
		}
		for _, name := range strings.Split(strings.TrimSpace(out), "\n") {
			if name == "" {
				continue
			}
			snaps = append(snaps, WindowSnapshot{Session: sess, Window: name, Running: true})
		}
	}
	return snaps
}

// Dispose is a no-op: tmux sessions deliberately survive the daemon.
func (t *TmuxRuntime) Dispose(os.Signal) {}
