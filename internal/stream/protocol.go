package stream

import "github.com/discode-sh/discode/internal/runtime/vt"

// clientMessage is any inbound line from a stream client.
type clientMessage struct {
	Type        string `json:"type"`
	WindowID    string `json:"windowId,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
	BytesBase64 string `json:"bytesBase64,omitempty"`
}

// patchOp replaces one plain-text line.
type patchOp struct {
	Index int    `json:"index"`
	Line  string `json:"line"`
}

// styledPatchOp replaces one styled line.
type styledPatchOp struct {
	Index int     `json:"index"`
	Line  vt.Line `json:"line"`
}

type helloMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type focusMessage struct {
	Type     string `json:"type"`
	WindowID string `json:"windowId"`
}

type frameMessage struct {
	Type     string   `json:"type"`
	WindowID string   `json:"windowId"`
	Seq      int      `json:"seq"`
	Lines    []string `json:"lines"`
}

type styledFrameMessage struct {
	Type      string    `json:"type"`
	WindowID  string    `json:"windowId"`
	Seq       int       `json:"seq"`
	Lines     []vt.Line `json:"lines"`
	CursorRow int       `json:"cursorRow"`
	CursorCol int       `json:"cursorCol"`
}

type patchMessage struct {
	Type      string    `json:"type"`
	WindowID  string    `json:"windowId"`
	Seq       int       `json:"seq"`
	LineCount int       `json:"lineCount"`
	Ops       []patchOp `json:"ops"`
}

type styledPatchMessage struct {
	Type      string          `json:"type"`
	WindowID  string          `json:"windowId"`
	Seq       int             `json:"seq"`
	LineCount int             `json:"lineCount"`
	Ops       []styledPatchOp `json:"ops"`
	CursorRow int             `json:"cursorRow"`
	CursorCol int             `json:"cursorCol"`
}

type windowExitMessage struct {
	Type     string `json:"type"`
	WindowID string `json:"windowId"`
	Code     int    `json:"code"`
	Signal   string `json:"signal,omitempty"`
}
