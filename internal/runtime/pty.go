package runtime

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/runtime/vt"
)

// scrollbackLimit bounds the raw output kept per window; oldest bytes are
// dropped first.
const scrollbackLimit = 256 * 1024

type windowState int

const (
	windowIdle windowState = iota
	windowStarting
	windowRunning
	windowExited
	windowError
)

// ptyWindow owns one child process, its PTY and its emulated screen.
type ptyWindow struct {
	session string
	name    string

	mu        sync.Mutex
	state     windowState
	cmd       *exec.Cmd
	tty       *os.File       // nil in pipe fallback
	stdin     io.WriteCloser // pipe fallback input
	screen    *vt.Screen
	scroll    []byte
	startedAt time.Time
	exitCode  int
	done      chan struct{}
}

// PTYRuntime runs agents on in-process PTYs, one window per process, and
// keeps a VT screen per window for styled frames.
type PTYRuntime struct {
	mu         sync.Mutex
	windows    map[string]*ptyWindow // keyed "<session>:<window>"
	sessionEnv map[string]map[string]string
	sessions   map[string]bool
}

var _ Runtime = (*PTYRuntime)(nil)

// NewPTYRuntime creates the in-process PTY runtime.
func NewPTYRuntime() *PTYRuntime {
	return &PTYRuntime{
		windows:    make(map[string]*ptyWindow),
		sessionEnv: make(map[string]map[string]string),
		sessions:   make(map[string]bool),
	}
}

// GetOrCreateSession registers the project session. Windows spawn lazily.
func (r *PTYRuntime) GetOrCreateSession(projectName, _ string) (string, error) {
	session := SessionName(projectName)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session] = true
	if r.sessionEnv[session] == nil {
		r.sessionEnv[session] = make(map[string]string)
	}
	return session, nil
}

// SetSessionEnv records an env var applied to windows started afterwards.
func (r *PTYRuntime) SetSessionEnv(session, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionEnv[session] == nil {
		r.sessionEnv[session] = make(map[string]string)
	}
	r.sessionEnv[session][key] = value
	return nil
}

func (r *PTYRuntime) window(session, window string) *ptyWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[target(session, window)]
}

// WindowExists reports whether the window has a live process.
func (r *PTYRuntime) WindowExists(session, window string) bool {
	w := r.window(session, window)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == windowStarting || w.state == windowRunning
}

// StartAgentInWindow spawns the shell command on a fresh PTY. A login
// shell wrapper keeps inline exports and && chains working.
func (r *PTYRuntime) StartAgentInWindow(session, window, shellCommand string) error {
	if r.WindowExists(session, window) {
		return nil
	}

	r.mu.Lock()
	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"COLUMNS="+strconv.Itoa(DefaultCols),
		"LINES="+strconv.Itoa(DefaultRows),
	)
	for k, v := range r.sessionEnv[session] {
		env = append(env, k+"="+v)
	}
	r.mu.Unlock()

	w := &ptyWindow{
		session:   session,
		name:      window,
		state:     windowStarting,
		screen:    vt.NewScreen(DefaultCols, DefaultRows),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	cmd := exec.Command("/bin/sh", "-lc", shellCommand)
	cmd.Env = env
	w.cmd = cmd

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(DefaultCols),
		Rows: uint16(DefaultRows),
	})
	if err != nil {
		// No PTY available (some containers, some CI). Fall back to
		// pipes: output still lands in the buffer, but there is no
		// terminal emulation for the agent's TUI.
		log.Warn().Err(err).Str("window", target(session, window)).
			Msg("runtime: pty unavailable, using pipe fallback")
		if err := w.startPipes(cmd); err != nil {
			return fmt.Errorf("runtime.PTYRuntime.StartAgentInWindow: %w", err)
		}
	} else {
		w.tty = tty
	}

	r.mu.Lock()
	r.windows[target(session, window)] = w
	r.mu.Unlock()

	w.mu.Lock()
	w.state = windowRunning
	w.mu.Unlock()

	go w.readLoop()
	go w.waitLoop()
	return nil
}

func (w *ptyWindow) startPipes(cmd *exec.Cmd) error {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	w.stdin = stdin
	go w.copyPipe(stdout)
	return nil
}

func (w *ptyWindow) copyPipe(rd io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			w.consume(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// readLoop pumps PTY output into the screen and answers terminal queries.
func (w *ptyWindow) readLoop() {
	if w.tty == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := w.tty.Read(buf)
		if n > 0 {
			w.consume(buf[:n])
			if replies := w.screen.TakeReplies(); len(replies) > 0 {
				if _, werr := w.tty.Write(replies); werr != nil {
					log.Debug().Err(werr).Msg("runtime: query reply write")
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (w *ptyWindow) consume(p []byte) {
	_, _ = w.screen.Write(p)

	w.mu.Lock()
	w.scroll = append(w.scroll, p...)
	if len(w.scroll) > scrollbackLimit {
		w.scroll = w.scroll[len(w.scroll)-scrollbackLimit:]
	}
	w.mu.Unlock()
}

func (w *ptyWindow) waitLoop() {
	err := w.cmd.Wait()

	w.mu.Lock()
	if err != nil {
		w.state = windowError
		if exit, ok := err.(*exec.ExitError); ok {
			w.state = windowExited
			w.exitCode = exit.ExitCode()
		}
	} else {
		w.state = windowExited
	}
	if w.tty != nil {
		w.tty.Close()
	}
	w.mu.Unlock()
	close(w.done)
}

func (w *ptyWindow) write(p []byte) error {
	w.mu.Lock()
	tty, stdin, state := w.tty, w.stdin, w.state
	w.mu.Unlock()

	if state != windowRunning && state != windowStarting {
		return fmt.Errorf("can't find window %s: not running", w.name)
	}
	var err error
	switch {
	case tty != nil:
		_, err = tty.Write(p)
	case stdin != nil:
		_, err = stdin.Write(p)
	default:
		err = fmt.Errorf("window %s has no input", w.name)
	}
	return err
}

func (r *PTYRuntime) mustWindow(session, window, op string) (*ptyWindow, error) {
	w := r.window(session, window)
	if w == nil {
		// Phrasing matters: the router matches "can't find window" to
		// tell users the session is gone.
		return nil, fmt.Errorf("runtime.PTYRuntime.%s: can't find window %s", op, target(session, window))
	}
	return w, nil
}

// TypeKeysToWindow writes text into the window without submitting.
func (r *PTYRuntime) TypeKeysToWindow(session, window, text string) error {
	w, err := r.mustWindow(session, window, "TypeKeysToWindow")
	if err != nil {
		return err
	}
	if err := w.write([]byte(text)); err != nil {
		return fmt.Errorf("runtime.PTYRuntime.TypeKeysToWindow: %w", err)
	}
	return nil
}

// SendEnterToWindow writes carriage return, the PTY's Enter.
func (r *PTYRuntime) SendEnterToWindow(session, window string) error {
	w, err := r.mustWindow(session, window, "SendEnterToWindow")
	if err != nil {
		return err
	}
	if err := w.write([]byte("\r")); err != nil {
		return fmt.Errorf("runtime.PTYRuntime.SendEnterToWindow: %w", err)
	}
	return nil
}

// SendKeysToWindow types text, waits the submit delay, then presses Enter.
func (r *PTYRuntime) SendKeysToWindow(session, window, text, agentHint string) error {
	if err := r.TypeKeysToWindow(session, window, text); err != nil {
		return err
	}
	time.Sleep(SubmitDelay(agentHint))
	return r.SendEnterToWindow(session, window)
}

// WriteInput feeds raw terminal input bytes into the window.
func (r *PTYRuntime) WriteInput(session, window string, data []byte) error {
	w, err := r.mustWindow(session, window, "WriteInput")
	if err != nil {
		return err
	}
	if err := w.write(data); err != nil {
		return fmt.Errorf("runtime.PTYRuntime.WriteInput: %w", err)
	}
	return nil
}

// GetWindowBuffer returns the raw scrollback as a string. Callers strip
// escape sequences when they need plain text.
func (r *PTYRuntime) GetWindowBuffer(session, window string) (string, error) {
	w, err := r.mustWindow(session, window, "GetWindowBuffer")
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.scroll), nil
}

// GetWindowFrame renders the window's styled screen, resizing first when
// the requested dimensions differ.
func (r *PTYRuntime) GetWindowFrame(session, window string, cols, rows int) (*StyledFrame, error) {
	w, err := r.mustWindow(session, window, "GetWindowFrame")
	if err != nil {
		return nil, err
	}
	if cols > 0 && rows > 0 {
		curCols, curRows := w.screen.Size()
		cols, rows = ClampSize(cols, rows)
		if cols != curCols || rows != curRows {
			if err := r.ResizeWindow(session, window, cols, rows); err != nil {
				log.Debug().Err(err).Msg("runtime: frame resize")
			}
		}
	}
	f := w.screen.Frame()
	return &f, nil
}

// ResizeWindow clamps and applies the new size to PTY and screen.
func (r *PTYRuntime) ResizeWindow(session, window string, cols, rows int) error {
	w, err := r.mustWindow(session, window, "ResizeWindow")
	if err != nil {
		return err
	}
	cols, rows = ClampSize(cols, rows)

	w.mu.Lock()
	tty := w.tty
	w.mu.Unlock()
	if tty != nil {
		err := pty.Setsize(tty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
		if err != nil {
			return fmt.Errorf("runtime.PTYRuntime.ResizeWindow: %w", err)
		}
	}
	w.screen.Resize(cols, rows)
	return nil
}

// StopWindow signals the window's process group and removes the window.
func (r *PTYRuntime) StopWindow(session, window string, sig os.Signal) bool {
	w := r.window(session, window)
	if w == nil {
		return false
	}

	w.mu.Lock()
	proc := w.cmd.Process
	running := w.state == windowRunning || w.state == windowStarting
	w.mu.Unlock()

	if running && proc != nil {
		if err := proc.Signal(sig); err != nil {
			log.Debug().Err(err).Str("window", target(session, window)).Msg("runtime: stop signal")
		}
		select {
		case <-w.done:
		case <-time.After(3 * time.Second):
			_ = proc.Kill()
		}
	}

	r.mu.Lock()
	delete(r.windows, target(session, window))
	r.mu.Unlock()
	return true
}

// ListWindows snapshots windows of one session, or all when empty.
func (r *PTYRuntime) ListWindows(session string) []WindowSnapshot {
	r.mu.Lock()
	windows := make([]*ptyWindow, 0, len(r.windows))
	for _, w := range r.windows {
		if session == "" || w.session == session {
			windows = append(windows, w)
		}
	}
	r.mu.Unlock()

	snaps := make([]WindowSnapshot, 0, len(windows))
	for _, w := range windows {
		w.mu.Lock()
		snaps = append(snaps, WindowSnapshot{
			Session:   w.session,
			Window:    w.name,
			Running:   w.state == windowRunning || w.state == windowStarting,
			StartedAt: w.startedAt,
		})
		w.mu.Unlock()
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Session != snaps[j].Session {
			return snaps[i].Session < snaps[j].Session
		}
		return snaps[i].Window < snaps[j].Window
	})
	return snaps
}

// Dispose signals every window and escalates to SIGKILL after a grace
// period.
func (r *PTYRuntime) Dispose(sig os.Signal) {
	r.mu.Lock()
	windows := make([]*ptyWindow, 0, len(r.windows))
	for _, w := range r.windows {
		windows = append(windows, w)
	}
	r.windows = make(map[string]*ptyWindow)
	r.mu.Unlock()

	for _, w := range windows {
		w.mu.Lock()
		proc := w.cmd.Process
		running := w.state == windowRunning || w.state == windowStarting
		w.mu.Unlock()
		if running && proc != nil {
			_ = proc.Signal(sig)
		}
	}

	deadline := time.After(5 * time.Second)
	for _, w := range windows {
		select {
		case <-w.done:
		case <-deadline:
			w.mu.Lock()
			proc := w.cmd.Process
			w.mu.Unlock()
			if proc != nil {
				_ = proc.Signal(syscall.SIGKILL)
			}
		}
	}
}
