// Package stream serves live terminal output to interactive clients over
// a local unix socket, with an optional websocket transport. Clients
// subscribe to one window and receive full frames or line patches.
package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/discode-sh/discode/internal/runtime"
	"github.com/discode-sh/discode/internal/runtime/vt"
)

const (
	tickInterval  = 33 * time.Millisecond
	emitFloor     = 50 * time.Millisecond
	patchMaxRatio = 0.55
)

// Server fans terminal frames out to connected clients.
type Server struct {
	runtime    runtime.Runtime
	socketPath string
	patchDiff  bool

	mu       sync.Mutex
	listener net.Listener
	clients  map[*client]bool
	focused  string
}

// NewServer builds a stream server reading from the given runtime.
func NewServer(rt runtime.Runtime, socketPath string) *Server {
	return &Server{
		runtime:    rt,
		socketPath: socketPath,
		patchDiff:  true,
		clients:    make(map[*client]bool),
	}
}

// ListenAndServe accepts unix-socket clients until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// A stale socket from a crashed daemon blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stream.Server.ListenAndServe: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("stream.Server.ListenAndServe: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info().Str("socket", s.socketPath).Msg("stream: listening")

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.socketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream.Server.ListenAndServe: accept: %w", err)
		}
		go s.ServeConn(ctx, conn)
	}
}

// Focus records the window a client asked to foreground and tells every
// connected client about it.
func (s *Server) Focus(windowID string) {
	s.mu.Lock()
	s.focused = windowID
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.send(focusMessage{Type: "focus", WindowID: windowID})
	}
}

// ServeConn runs the stream protocol over one connection. Exposed so the
// websocket transport can reuse it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	c := &client{server: s, conn: conn}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.emitLoop(ctx)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.send(errorMessage{Type: "error", Error: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

// splitWindowID parses "<session>:<window>".
func splitWindowID(id string) (session, window string, ok bool) {
	idx := strings.LastIndexByte(id, ':')
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

type client struct {
	server *Server
	conn   net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	windowID  string
	session   string
	window    string
	cols      int
	rows      int
	seq       int
	lastEmit  time.Time
	lastPlain []string
	lastKeys  []string // per-line fingerprints of the styled frame
	exited    bool
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		c.conn.Close() // reader loop ends, client may reconnect
	}
}

func (c *client) handle(msg clientMessage) {
	switch msg.Type {
	case "hello":
		c.send(helloMessage{Type: "hello"})
	case "subscribe":
		session, window, ok := splitWindowID(msg.WindowID)
		if !ok {
			c.send(errorMessage{Type: "error", Error: "bad windowId"})
			return
		}
		c.mu.Lock()
		c.windowID = msg.WindowID
		c.session, c.window = session, window
		c.cols, c.rows = msg.Cols, msg.Rows
		c.seq = 0
		c.lastPlain, c.lastKeys = nil, nil
		c.lastEmit = time.Time{}
		c.exited = false
		c.mu.Unlock()
		if msg.Cols > 0 && msg.Rows > 0 {
			if err := c.server.runtime.ResizeWindow(session, window, msg.Cols, msg.Rows); err != nil {
				log.Debug().Err(err).Str("window", msg.WindowID).Msg("stream: subscribe resize")
			}
		}
	case "focus":
		c.server.Focus(msg.WindowID)
	case "input":
		session, window, ok := splitWindowID(msg.WindowID)
		if !ok {
			return
		}
		data, err := base64.StdEncoding.DecodeString(msg.BytesBase64)
		if err != nil {
			c.send(errorMessage{Type: "error", Error: "bad input encoding"})
			return
		}
		if err := c.server.runtime.WriteInput(session, window, data); err != nil {
			log.Debug().Err(err).Str("window", msg.WindowID).Msg("stream: input")
		}
	case "resize":
		session, window, ok := splitWindowID(msg.WindowID)
		if !ok {
			return
		}
		c.mu.Lock()
		c.cols, c.rows = msg.Cols, msg.Rows
		c.mu.Unlock()
		if err := c.server.runtime.ResizeWindow(session, window, msg.Cols, msg.Rows); err != nil {
			log.Debug().Err(err).Str("window", msg.WindowID).Msg("stream: resize")
		}
	default:
		c.send(errorMessage{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (c *client) emitLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit()
		}
	}
}

func (c *client) emit() {
	c.mu.Lock()
	windowID, session, window := c.windowID, c.session, c.window
	cols, rows := c.cols, c.rows
	exited := c.exited
	last := c.lastEmit
	c.mu.Unlock()

	if windowID == "" || exited {
		return
	}
	if !last.IsZero() && time.Since(last) < emitFloor {
		return
	}

	if !c.server.runtime.WindowExists(session, window) {
		c.mu.Lock()
		c.exited = true
		c.mu.Unlock()
		c.send(windowExitMessage{Type: "window-exit", WindowID: windowID, Code: 0})
		return
	}

	frame, err := c.server.runtime.GetWindowFrame(session, window, cols, rows)
	if err == nil && frame != nil {
		c.emitStyled(windowID, frame)
		return
	}
	c.emitPlain(windowID, session, window, rows)
}

func (c *client) emitStyled(windowID string, frame *vt.Frame) {
	keys := make([]string, len(frame.Lines))
	for i, line := range frame.Lines {
		raw, _ := json.Marshal(line)
		keys[i] = string(raw)
	}

	c.mu.Lock()
	prev := c.lastKeys
	unchanged := equalLines(prev, keys)
	if unchanged {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	c.lastKeys = keys
	c.lastPlain = nil
	c.lastEmit = time.Now()
	c.mu.Unlock()

	if c.server.patchDiff && prev != nil && len(prev) == len(keys) {
		var ops []styledPatchOp
		for i := range keys {
			if keys[i] != prev[i] {
				ops = append(ops, styledPatchOp{Index: i, Line: frame.Lines[i]})
			}
		}
		if float64(len(ops)) <= patchMaxRatio*float64(len(keys)) {
			c.send(styledPatchMessage{
				Type: "patch-styled", WindowID: windowID, Seq: seq,
				LineCount: len(keys), Ops: ops,
				CursorRow: frame.CursorRow, CursorCol: frame.CursorCol,
			})
			return
		}
	}
	c.send(styledFrameMessage{
		Type: "frame-styled", WindowID: windowID, Seq: seq,
		Lines: frame.Lines, CursorRow: frame.CursorRow, CursorCol: frame.CursorCol,
	})
}

func (c *client) emitPlain(windowID, session, window string, rows int) {
	buf, err := c.server.runtime.GetWindowBuffer(session, window)
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimRight(vt.StripANSI(buf), "\n"), "\n")
	if rows > 0 && len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}

	c.mu.Lock()
	prev := c.lastPlain
	if equalLines(prev, lines) {
		c.mu.Unlock()
		return
	}
	c.seq++
	seq := c.seq
	c.lastPlain = lines
	c.lastKeys = nil
	c.lastEmit = time.Now()
	c.mu.Unlock()

	if c.server.patchDiff && prev != nil && len(prev) == len(lines) {
		var ops []patchOp
		for i := range lines {
			if lines[i] != prev[i] {
				ops = append(ops, patchOp{Index: i, Line: lines[i]})
			}
		}
		if float64(len(ops)) <= patchMaxRatio*float64(len(lines)) {
			c.send(patchMessage{Type: "patch", WindowID: windowID, Seq: seq, LineCount: len(lines), Ops: ops})
			return
		}
	}
	c.send(frameMessage{Type: "frame", WindowID: windowID, Seq: seq, Lines: lines})
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return a != nil
}
