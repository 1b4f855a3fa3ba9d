package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discode-sh/discode/internal/runtime"
)

// frameRuntime serves a mutable plain-text buffer for one window.
type frameRuntime struct {
	mu     sync.Mutex
	buffer string
	exists bool
	inputs [][]byte
}

func (f *frameRuntime) setBuffer(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = s
}

func (f *frameRuntime) GetOrCreateSession(p, _ string) (string, error) {
	return runtime.SessionName(p), nil
}
func (f *frameRuntime) SetSessionEnv(string, string, string) error      { return nil }
func (f *frameRuntime) StartAgentInWindow(string, string, string) error { return nil }

func (f *frameRuntime) WindowExists(string, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *frameRuntime) TypeKeysToWindow(string, string, string) error         { return nil }
func (f *frameRuntime) SendEnterToWindow(string, string) error                { return nil }
func (f *frameRuntime) SendKeysToWindow(string, string, string, string) error { return nil }

func (f *frameRuntime) WriteInput(_, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, append([]byte(nil), data...))
	return nil
}

func (f *frameRuntime) GetWindowBuffer(string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffer, nil
}

func (f *frameRuntime) GetWindowFrame(string, string, int, int) (*runtime.StyledFrame, error) {
	return nil, nil // plain path
}

func (f *frameRuntime) ResizeWindow(string, string, int, int) error { return nil }
func (f *frameRuntime) StopWindow(string, string, os.Signal) bool   { return true }
func (f *frameRuntime) ListWindows(string) []runtime.WindowSnapshot { return nil }
func (f *frameRuntime) Dispose(os.Signal)                           {}

type testClient struct {
	conn  net.Conn
	lines chan map[string]any
}

func dialTestServer(t *testing.T, rt runtime.Runtime) *testClient {
	t.Helper()

	server := NewServer(rt, "")
	clientSide, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		clientSide.Close()
	})
	go server.ServeConn(ctx, serverSide)

	tc := &testClient{conn: clientSide, lines: make(chan map[string]any, 64)}
	go func() {
		scanner := bufio.NewScanner(clientSide)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var m map[string]any
			if json.Unmarshal(scanner.Bytes(), &m) == nil {
				tc.lines <- m
			}
		}
	}()
	return tc
}

func (tc *testClient) write(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = tc.conn.Write(data)
	require.NoError(t, err)
}

func (tc *testClient) next(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case m := <-tc.lines:
		return m
	case <-time.After(timeout):
		t.Fatal("timed out waiting for server message")
		return nil
	}
}

func (tc *testClient) nextOfType(t *testing.T, msgType string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case m := <-tc.lines:
			if m["type"] == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", msgType)
			return nil
		}
	}
}

func TestHelloAck(t *testing.T) {
	t.Parallel()

	tc := dialTestServer(t, &frameRuntime{exists: true})
	tc.write(t, map[string]any{"type": "hello"})
	m := tc.next(t, time.Second)
	assert.Equal(t, "hello", m["type"])
}

func TestSubscribeEmitsFrame(t *testing.T) {
	t.Parallel()

	rt := &frameRuntime{exists: true}
	rt.setBuffer("line one\nline two")
	tc := dialTestServer(t, rt)

	tc.write(t, map[string]any{"type": "subscribe", "windowId": "bridge:claude", "cols": 80, "rows": 24})
	m := tc.nextOfType(t, "frame", 2*time.Second)

	assert.Equal(t, "bridge:claude", m["windowId"])
	assert.Equal(t, float64(1), m["seq"])
	assert.Equal(t, []any{"line one", "line two"}, m["lines"])
}

func TestUnchangedBufferEmitsNothing(t *testing.T) {
	t.Parallel()

	rt := &frameRuntime{exists: true}
	rt.setBuffer("static")
	tc := dialTestServer(t, rt)

	tc.write(t, map[string]any{"type": "subscribe", "windowId": "s:w", "cols": 80, "rows": 24})
	tc.nextOfType(t, "frame", 2*time.Second)

	select {
	case m := <-tc.lines:
		t.Fatalf("unexpected message for unchanged buffer: %v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSmallChangeEmitsPatch(t *testing.T) {
	t.Parallel()

	rt := &frameRuntime{exists: true}
	rt.setBuffer("a\nb\nc\nd\ne\nf\ng\nh\ni\nj")
	tc := dialTestServer(t, rt)

	tc.write(t, map[string]any{"type": "subscribe", "windowId": "s:w", "cols": 80, "rows": 24})
	tc.nextOfType(t, "frame", 2*time.Second)

	rt.setBuffer("a\nb\nc\nd\nE\nf\ng\nh\ni\nj")
	m := tc.nextOfType(t, "patch", 2*time.Second)

	assert.Equal(t, float64(10), m["lineCount"])
	ops := m["ops"].([]any)
	require.Len(t, ops, 1)
	op := ops[0].(map[string]any)
	assert.Equal(t, float64(4), op["index"])
	assert.Equal(t, "E", op["line"])
}

func TestLargeChangeEmitsFullFrame(t *testing.T) {
	t.Parallel()

	rt := &frameRuntime{exists: true}
	rt.setBuffer("a\nb\nc\nd\ne\nf\ng\nh\ni\nj")
	tc := dialTestServer(t, rt)

	tc.write(t, map[string]any{"type": "subscribe", "windowId": "s:w", "cols": 80, "rows": 24})
	tc.nextOfType(t, "frame", 2*time.Second)

	// 7 of 10 lines change: above the 55% patch threshold.
	rt.setBuffer("A\nB\nC\nD\nE\nF\nG\nh\ni\nj")
	m := tc.nextOfType(t, "frame", 2*time.Second)
	assert.Equal(t, float64(2), m["seq"])
}

func TestInputReachesRuntime(t *testing.T) {
	t.Parallel()

	rt := &frameRuntime{exists: true}
	tc := dialTestServer(t, rt)

	payload := base64.StdEncoding.EncodeToString([]byte("ls\r"))
	tc.write(t, map[string]any{"type": "input", "windowId": "s:w", "bytesBase64": payload})

	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.inputs) == 1 && string(rt.inputs[0]) == "ls\r"
	}, time.Second, 10*time.Millisecond)
}

func TestWindowExit(t *testing.T) {
	t.Parallel()

	rt := &frameRuntime{exists: true}
	rt.setBuffer("alive")
	tc := dialTestServer(t, rt)

	tc.write(t, map[string]any{"type": "subscribe", "windowId": "s:w", "cols": 80, "rows": 24})
	tc.nextOfType(t, "frame", 2*time.Second)

	rt.mu.Lock()
	rt.exists = false
	rt.mu.Unlock()

	m := tc.nextOfType(t, "window-exit", 2*time.Second)
	assert.Equal(t, "s:w", m["windowId"])
}

func TestMalformedMessageGetsError(t *testing.T) {
	t.Parallel()

	tc := dialTestServer(t, &frameRuntime{exists: true})
	_, err := tc.conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	m := tc.nextOfType(t, "error", time.Second)
	assert.Contains(t, m["error"], "malformed")
}

func TestSplitWindowID(t *testing.T) {
	t.Parallel()

	session, window, ok := splitWindowID("bridge:claude-2")
	require.True(t, ok)
	assert.Equal(t, "bridge", session)
	assert.Equal(t, "claude-2", window)

	_, _, ok = splitWindowID("no-colon")
	assert.False(t, ok)
	_, _, ok = splitWindowID(":leading")
	assert.False(t, ok)
}
