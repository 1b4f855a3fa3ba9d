// Package vt maintains an in-memory terminal screen for PTY-backed agent
// windows. It tracks enough of the VT/xterm protocol to render the styled
// frames TUI agents draw, and answers the terminal queries those agents
// issue on startup so they do not stall waiting for a reply.
package vt

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// Segment is a run of cells sharing one style.
type Segment struct {
	Text      string `json:"text"`
	FG        string `json:"fg,omitempty"`
	BG        string `json:"bg,omitempty"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
}

// Line is one rendered screen row.
type Line struct {
	Segments []Segment `json:"segments"`
}

// Frame is a full styled snapshot of the screen.
type Frame struct {
	Lines     []Line `json:"lines"`
	CursorRow int    `json:"cursorRow"`
	CursorCol int    `json:"cursorCol"`
}

type cell struct {
	r         rune
	fg, bg    color
	bold      bool
	italic    bool
	underline bool
}

func (c cell) sameStyle(o cell) bool {
	return c.fg == o.fg && c.bg == o.bg && c.bold == o.bold && c.italic == o.italic && c.underline == o.underline
}

type parseState int

const (
	stGround parseState = iota
	stEsc
	stCSI
	stOSC
	stString  // DCS / APC / PM, swallowed until ST
	stCharset // ESC ( or ESC ), one selector byte follows
)

// Screen is a VT terminal emulator for a single window. All methods are
// safe for concurrent use.
type Screen struct {
	mu sync.Mutex

	cols, rows int
	lines      [][]cell
	altLines   [][]cell
	altActive  bool

	curRow, curCol   int
	saveRow, saveCol int
	wrapPending      bool
	top, bottom      int // scroll region, inclusive rows

	attr          cell
	cursorVisible bool

	state   parseState
	csiBuf  []byte
	oscBuf  []byte
	strBuf  []byte
	strKind byte
	runeBuf []byte
	replies []byte
}

// NewScreen creates a screen with the given dimensions.
func NewScreen(cols, rows int) *Screen {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	s := &Screen{
		cols:          cols,
		rows:          rows,
		bottom:        rows - 1,
		cursorVisible: true,
	}
	s.lines = blankGrid(cols, rows)
	return s
}

func blankGrid(cols, rows int) [][]cell {
	g := make([][]cell, rows)
	for i := range g {
		g[i] = make([]cell, cols)
	}
	return g
}

// Write feeds raw PTY output into the emulator. Escape sequences and
// multi-byte runes split across calls are carried over.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range p {
		s.feed(b)
	}
	return len(p), nil
}

// TakeReplies drains the pending answers to terminal queries. The caller
// writes them back into the PTY.
func (s *Screen) TakeReplies() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.replies) == 0 {
		return nil
	}
	out := s.replies
	s.replies = nil
	return out
}

// Resize changes the screen dimensions, clipping or padding content.
func (s *Screen) Resize(cols, rows int) {
	if cols < 1 || rows < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	resizeGrid := func(g [][]cell) [][]cell {
		if g == nil {
			return nil
		}
		out := make([][]cell, rows)
		for i := range out {
			row := make([]cell, cols)
			if i < len(g) {
				copy(row, g[i])
			}
			out[i] = row
		}
		return out
	}
	s.lines = resizeGrid(s.lines)
	s.altLines = resizeGrid(s.altLines)
	s.cols, s.rows = cols, rows
	s.top, s.bottom = 0, rows-1
	s.curRow = min(s.curRow, rows-1)
	s.curCol = min(s.curCol, cols-1)
	s.wrapPending = false
}

// Size returns the current dimensions.
func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Frame renders the current screen as styled lines with trailing blank
// cells trimmed.
func (s *Screen) Frame() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := Frame{
		Lines:     make([]Line, s.rows),
		CursorRow: s.curRow,
		CursorCol: s.curCol,
	}
	for i, row := range s.lines {
		f.Lines[i] = renderLine(row)
	}
	return f
}

// Text renders the screen as plain text, trailing blanks and empty bottom
// lines removed.
func (s *Screen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, s.rows)
	for i, row := range s.lines {
		var b strings.Builder
		for _, c := range row {
			if c.r == 0 {
				b.WriteByte(' ')
			} else {
				b.WriteRune(c.r)
			}
		}
		out[i] = strings.TrimRight(b.String(), " ")
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func renderLine(row []cell) Line {
	end := len(row)
	for end > 0 {
		c := row[end-1]
		if c.r != 0 && c.r != ' ' {
			break
		}
		if c.bg.mode != colorDefault || c.underline {
			break
		}
		end--
	}

	line := Line{Segments: []Segment{}}
	var cur *Segment
	var curStyle cell
	for _, c := range row[:end] {
		r := c.r
		if r == 0 {
			r = ' '
		}
		if cur == nil || !c.sameStyle(curStyle) {
			line.Segments = append(line.Segments, Segment{
				FG:        c.fg.css(),
				BG:        c.bg.css(),
				Bold:      c.bold,
				Italic:    c.italic,
				Underline: c.underline,
			})
			cur = &line.Segments[len(line.Segments)-1]
			curStyle = c
		}
		cur.Text += string(r)
	}
	return line
}

// --- byte feed ---

func (s *Screen) feed(b byte) {
	switch s.state {
	case stGround:
		s.feedGround(b)
	case stEsc:
		s.feedEsc(b)
	case stCSI:
		s.feedCSI(b)
	case stOSC:
		s.feedOSC(b)
	case stString:
		s.feedString(b)
	case stCharset:
		s.state = stGround
	}
}

func (s *Screen) feedGround(b byte) {
	if len(s.runeBuf) > 0 {
		s.runeBuf = append(s.runeBuf, b)
		if !utf8.FullRune(s.runeBuf) {
			if len(s.runeBuf) >= utf8.UTFMax {
				s.runeBuf = nil
			}
			return
		}
		r, _ := utf8.DecodeRune(s.runeBuf)
		s.runeBuf = nil
		if r != utf8.RuneError {
			s.put(r)
		}
		return
	}

	switch {
	case b == 0x1b:
		s.state = stEsc
	case b == '\n', b == 0x0b, b == 0x0c:
		s.lineFeed()
	case b == '\r':
		s.curCol = 0
		s.wrapPending = false
	case b == 0x08:
		if s.curCol > 0 {
			s.curCol--
		}
		s.wrapPending = false
	case b == '\t':
		s.tab()
	case b == 0x07, b < 0x20:
		// BEL and remaining C0 controls are ignored.
	case b < 0x80:
		s.put(rune(b))
	default:
		s.runeBuf = append(s.runeBuf, b)
	}
}

func (s *Screen) feedEsc(b byte) {
	switch b {
	case '[':
		s.state = stCSI
		s.csiBuf = s.csiBuf[:0]
	case ']':
		s.state = stOSC
		s.oscBuf = s.oscBuf[:0]
	case 'P', '_', '^':
		s.state = stString
		s.strKind = b
		s.strBuf = s.strBuf[:0]
	case '(', ')', '#':
		s.state = stCharset
	case '7':
		s.saveRow, s.saveCol = s.curRow, s.curCol
		s.state = stGround
	case '8':
		s.curRow, s.curCol = s.saveRow, s.saveCol
		s.wrapPending = false
		s.state = stGround
	case 'D':
		s.lineFeed()
		s.state = stGround
	case 'E':
		s.lineFeed()
		s.curCol = 0
		s.state = stGround
	case 'M':
		s.reverseIndex()
		s.state = stGround
	case 'c':
		s.fullReset()
		s.state = stGround
	default:
		s.state = stGround
	}
}

func (s *Screen) feedCSI(b byte) {
	if b >= 0x40 && b <= 0x7e {
		s.state = stGround
		s.csiDispatch(b)
		return
	}
	if len(s.csiBuf) < 64 {
		s.csiBuf = append(s.csiBuf, b)
	}
}

func (s *Screen) feedOSC(b byte) {
	switch {
	case b == 0x07:
		s.state = stGround
		s.oscDispatch()
	case b == 0x1b:
		// ST is ESC \; treat any ESC as the terminator start.
		s.state = stGround
		s.oscDispatch()
		s.state = stEsc
	default:
		if len(s.oscBuf) < 1024 {
			s.oscBuf = append(s.oscBuf, b)
		}
	}
}

func (s *Screen) feedString(b byte) {
	switch {
	case b == 0x07:
		s.state = stGround
		s.stringDispatch()
	case b == 0x1b:
		s.state = stGround
		s.stringDispatch()
		s.state = stEsc
	default:
		if len(s.strBuf) < 4096 {
			s.strBuf = append(s.strBuf, b)
		}
	}
}

// --- printing and cursor motion ---

func (s *Screen) put(r rune) {
	if s.wrapPending {
		s.wrapPending = false
		s.curCol = 0
		s.lineFeed()
	}
	c := s.attr
	c.r = r
	s.lines[s.curRow][s.curCol] = c
	if s.curCol+1 < s.cols {
		s.curCol++
	} else {
		s.wrapPending = true
	}
}

func (s *Screen) tab() {
	next := (s.curCol/8 + 1) * 8
	if next >= s.cols {
		next = s.cols - 1
	}
	s.curCol = next
	s.wrapPending = false
}

func (s *Screen) lineFeed() {
	if s.curRow == s.bottom {
		s.scrollUp(1)
	} else if s.curRow < s.rows-1 {
		s.curRow++
	}
}

func (s *Screen) reverseIndex() {
	if s.curRow == s.top {
		s.scrollDown(1)
	} else if s.curRow > 0 {
		s.curRow--
	}
}

func (s *Screen) scrollUp(n int) {
	for ; n > 0; n-- {
		copy(s.lines[s.top:s.bottom], s.lines[s.top+1:s.bottom+1])
		s.lines[s.bottom] = make([]cell, s.cols)
	}
}

func (s *Screen) scrollDown(n int) {
	for ; n > 0; n-- {
		copy(s.lines[s.top+1:s.bottom+1], s.lines[s.top:s.bottom])
		s.lines[s.top] = make([]cell, s.cols)
	}
}

// --- CSI ---

func (s *Screen) csiDispatch(final byte) {
	raw := string(s.csiBuf)
	private := ""
	for len(raw) > 0 && (raw[0] == '?' || raw[0] == '>' || raw[0] == '<' || raw[0] == '=') {
		private += raw[:1]
		raw = raw[1:]
	}
	intermediate := ""
	if n := len(raw); n > 0 && raw[n-1] >= 0x20 && raw[n-1] <= 0x2f {
		intermediate = raw[n-1:]
		raw = raw[:n-1]
	}
	params := parseParams(raw)
	p := func(i, def int) int {
		if i < len(params) && params[i] > 0 {
			return params[i]
		}
		return def
	}

	if intermediate == "$" && final == 'p' {
		s.reportMode(private == "?", p(0, 0))
		return
	}
	if intermediate != "" && !(intermediate == " " && final == 'q') {
		return // unsupported intermediate form (DECSCUSR tolerated as no-op)
	}

	switch final {
	case 'A':
		s.moveCursor(s.curRow-p(0, 1), s.curCol)
	case 'B':
		s.moveCursor(s.curRow+p(0, 1), s.curCol)
	case 'C':
		s.moveCursor(s.curRow, s.curCol+p(0, 1))
	case 'D':
		s.moveCursor(s.curRow, s.curCol-p(0, 1))
	case 'E':
		s.moveCursor(s.curRow+p(0, 1), 0)
	case 'F':
		s.moveCursor(s.curRow-p(0, 1), 0)
	case 'G':
		s.moveCursor(s.curRow, p(0, 1)-1)
	case 'H', 'f':
		s.moveCursor(p(0, 1)-1, p(1, 1)-1)
	case 'd':
		s.moveCursor(p(0, 1)-1, s.curCol)
	case 'J':
		s.eraseDisplay(pOrZero(params, 0))
	case 'K':
		s.eraseLine(pOrZero(params, 0))
	case '@':
		s.insertChars(p(0, 1))
	case 'P':
		s.deleteChars(p(0, 1))
	case 'X':
		s.eraseChars(p(0, 1))
	case 'L':
		s.insertLines(p(0, 1))
	case 'M':
		s.deleteLines(p(0, 1))
	case 'S':
		s.scrollUp(p(0, 1))
	case 'T':
		s.scrollDown(p(0, 1))
	case 'r':
		s.setRegion(p(0, 1)-1, p(1, s.rows)-1)
	case 'm':
		s.applySGR(params)
	case 'h':
		if private == "?" {
			s.setPrivateModes(params, true)
		}
	case 'l':
		if private == "?" {
			s.setPrivateModes(params, false)
		}
	case 'n':
		if pOrZero(params, 0) == 6 {
			s.reply(fmt.Sprintf("\x1b[%d;%dR", s.curRow+1, s.curCol+1))
		}
	case 'c':
		// DA1: advertise a VT100 with advanced video.
		s.reply("\x1b[?1;2c")
	case 't':
		s.windowOp(pOrZero(params, 0))
	case 's':
		s.saveRow, s.saveCol = s.curRow, s.curCol
	case 'u':
		s.curRow, s.curCol = s.saveRow, s.saveCol
		s.wrapPending = false
	}
}

func parseParams(raw string) []int {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]int, len(parts))
	for i, part := range parts {
		// Sub-parameters (colon syntax) keep only the leading value.
		if idx := strings.IndexByte(part, ':'); idx >= 0 {
			part = part[:idx]
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out
}

func pOrZero(params []int, i int) int {
	if i < len(params) {
		return params[i]
	}
	return 0
}

func (s *Screen) moveCursor(row, col int) {
	s.curRow = clamp(row, 0, s.rows-1)
	s.curCol = clamp(col, 0, s.cols-1)
	s.wrapPending = false
}

func (s *Screen) setRegion(top, bottom int) {
	top = clamp(top, 0, s.rows-1)
	bottom = clamp(bottom, 0, s.rows-1)
	if top >= bottom {
		top, bottom = 0, s.rows-1
	}
	s.top, s.bottom = top, bottom
	s.moveCursor(top, 0)
}

func (s *Screen) eraseDisplay(mode int) {
	blank := func(row []cell) {
		for i := range row {
			row[i] = cell{bg: s.attr.bg}
		}
	}
	switch mode {
	case 0:
		s.eraseLine(0)
		for r := s.curRow + 1; r < s.rows; r++ {
			blank(s.lines[r])
		}
	case 1:
		s.eraseLine(1)
		for r := 0; r < s.curRow; r++ {
			blank(s.lines[r])
		}
	case 2, 3:
		for r := 0; r < s.rows; r++ {
			blank(s.lines[r])
		}
	}
}

func (s *Screen) eraseLine(mode int) {
	row := s.lines[s.curRow]
	from, to := 0, s.cols
	switch mode {
	case 0:
		from = s.curCol
	case 1:
		to = s.curCol + 1
	}
	for i := from; i < to; i++ {
		row[i] = cell{bg: s.attr.bg}
	}
}

func (s *Screen) insertChars(n int) {
	row := s.lines[s.curRow]
	n = min(n, s.cols-s.curCol)
	copy(row[s.curCol+n:], row[s.curCol:])
	for i := s.curCol; i < s.curCol+n; i++ {
		row[i] = cell{bg: s.attr.bg}
	}
}

func (s *Screen) deleteChars(n int) {
	row := s.lines[s.curRow]
	n = min(n, s.cols-s.curCol)
	copy(row[s.curCol:], row[s.curCol+n:])
	for i := s.cols - n; i < s.cols; i++ {
		row[i] = cell{bg: s.attr.bg}
	}
}

func (s *Screen) eraseChars(n int) {
	row := s.lines[s.curRow]
	n = min(n, s.cols-s.curCol)
	for i := s.curCol; i < s.curCol+n; i++ {
		row[i] = cell{bg: s.attr.bg}
	}
}

func (s *Screen) insertLines(n int) {
	if s.curRow < s.top || s.curRow > s.bottom {
		return
	}
	savedTop := s.top
	s.top = s.curRow
	s.scrollDown(min(n, s.bottom-s.curRow+1))
	s.top = savedTop
}

func (s *Screen) deleteLines(n int) {
	if s.curRow < s.top || s.curRow > s.bottom {
		return
	}
	savedTop := s.top
	s.top = s.curRow
	s.scrollUp(min(n, s.bottom-s.curRow+1))
	s.top = savedTop
}

func (s *Screen) applySGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			s.attr = cell{}
		case p == 1:
			s.attr.bold = true
		case p == 3:
			s.attr.italic = true
		case p == 4:
			s.attr.underline = true
		case p == 22:
			s.attr.bold = false
		case p == 23:
			s.attr.italic = false
		case p == 24:
			s.attr.underline = false
		case p >= 30 && p <= 37:
			s.attr.fg = color{mode: colorIndexed, v: uint32(p - 30)}
		case p == 38:
			if c, skip, ok := extendedColor(params[i+1:]); ok {
				s.attr.fg = c
				i += skip
			}
		case p == 39:
			s.attr.fg = color{}
		case p >= 40 && p <= 47:
			s.attr.bg = color{mode: colorIndexed, v: uint32(p - 40)}
		case p == 48:
			if c, skip, ok := extendedColor(params[i+1:]); ok {
				s.attr.bg = c
				i += skip
			}
		case p == 49:
			s.attr.bg = color{}
		case p >= 90 && p <= 97:
			s.attr.fg = color{mode: colorIndexed, v: uint32(p - 90 + 8)}
		case p >= 100 && p <= 107:
			s.attr.bg = color{mode: colorIndexed, v: uint32(p - 100 + 8)}
		}
	}
}

// extendedColor parses the tail of a 38/48 SGR: "5;n" or "2;r;g;b".
func extendedColor(rest []int) (color, int, bool) {
	if len(rest) >= 2 && rest[0] == 5 {
		return color{mode: colorIndexed, v: uint32(rest[1] & 0xff)}, 2, true
	}
	if len(rest) >= 4 && rest[0] == 2 {
		r, g, b := uint32(rest[1]&0xff), uint32(rest[2]&0xff), uint32(rest[3]&0xff)
		return color{mode: colorRGB, v: r<<16 | g<<8 | b}, 4, true
	}
	return color{}, 0, false
}

func (s *Screen) setPrivateModes(params []int, set bool) {
	for _, p := range params {
		switch p {
		case 25:
			s.cursorVisible = set
		case 47, 1047, 1049:
			s.switchAltScreen(set, p == 1049)
		}
		// Remaining modes (mouse, bracketed paste, focus events) need no
		// screen-side handling.
	}
}

func (s *Screen) switchAltScreen(toAlt, saveCursor bool) {
	if toAlt == s.altActive {
		return
	}
	if toAlt {
		if saveCursor {
			s.saveRow, s.saveCol = s.curRow, s.curCol
		}
		s.altLines = s.lines
		s.lines = blankGrid(s.cols, s.rows)
		s.altActive = true
		s.curRow, s.curCol = 0, 0
	} else {
		if s.altLines != nil {
			s.lines = s.altLines
			s.altLines = nil
		}
		s.altActive = false
		if saveCursor {
			s.curRow, s.curCol = s.saveRow, s.saveCol
		}
	}
	s.wrapPending = false
	s.top, s.bottom = 0, s.rows-1
}

func (s *Screen) reportMode(private bool, mode int) {
	if !private {
		s.reply(fmt.Sprintf("\x1b[%d;0$y", mode))
		return
	}
	value := 0 // not recognized
	switch mode {
	case 25:
		value = 2
		if s.cursorVisible {
			value = 1
		}
	case 47, 1047, 1049:
		value = 2
		if s.altActive {
			value = 1
		}
	}
	s.reply(fmt.Sprintf("\x1b[?%d;%d$y", mode, value))
}

func (s *Screen) windowOp(op int) {
	switch op {
	case 14:
		// Text-area size in pixels, assuming 8x16 cells.
		s.reply(fmt.Sprintf("\x1b[4;%d;%dt", s.rows*16, s.cols*8))
	case 18:
		s.reply(fmt.Sprintf("\x1b[8;%d;%dt", s.rows, s.cols))
	}
}

// --- OSC and control strings ---

func (s *Screen) oscDispatch() {
	parts := strings.SplitN(string(s.oscBuf), ";", 2)
	if len(parts) < 2 {
		return
	}
	switch parts[0] {
	case "10": // foreground query
		if parts[1] == "?" {
			s.reply("\x1b]10;rgb:e5e5/e5e5/e5e5\x07")
		}
	case "11": // background query
		if parts[1] == "?" {
			s.reply("\x1b]11;rgb:1e1e/1e1e/1e1e\x07")
		}
	case "4": // palette query: "4;idx;?"
		sub := strings.SplitN(parts[1], ";", 2)
		if len(sub) == 2 && sub[1] == "?" {
			if idx, err := strconv.Atoi(sub[0]); err == nil && idx >= 0 && idx < 256 {
				rgb := paletteRGB(uint32(idx))
				r, g, b := rgb>>16&0xff, rgb>>8&0xff, rgb&0xff
				s.reply(fmt.Sprintf("\x1b]4;%d;rgb:%02x%02x/%02x%02x/%02x%02x\x07", idx, r, r, g, g, b, b))
			}
		}
	}
	// Title and hyperlink OSCs are swallowed.
}

func (s *Screen) stringDispatch() {
	// Kitty graphics probe (APC G…): answer OK so the agent moves on
	// instead of waiting for image support that is not there.
	if s.strKind != '_' || len(s.strBuf) == 0 || s.strBuf[0] != 'G' {
		return
	}
	id := "0"
	for _, kv := range strings.Split(string(s.strBuf[1:]), ",") {
		if v, ok := strings.CutPrefix(kv, "i="); ok {
			if idx := strings.IndexByte(v, ';'); idx >= 0 {
				v = v[:idx]
			}
			id = v
			break
		}
	}
	s.reply(fmt.Sprintf("\x1b_Gi=%s;OK\x1b\\", id))
}

func (s *Screen) reply(seq string) {
	s.replies = append(s.replies, seq...)
}

func (s *Screen) fullReset() {
	s.lines = blankGrid(s.cols, s.rows)
	s.altLines = nil
	s.altActive = false
	s.curRow, s.curCol = 0, 0
	s.saveRow, s.saveCol = 0, 0
	s.top, s.bottom = 0, s.rows-1
	s.attr = cell{}
	s.wrapPending = false
	s.cursorVisible = true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
