package messaging

import "strings"

// Platform message length limits, kept below the hard API caps so markdown
// overhead never pushes a chunk over.
const (
	DiscordMessageLimit = 1900
	SlackMessageLimit   = 3900
)

// isFenceLine reports whether a line opens or closes a code fence.
func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "```")
}

// StripOuterCodeBlock removes a code fence that encloses the entire body.
// Text that merely contains fences is returned unchanged.
func StripOuterCodeBlock(s string) string {
	trimmed := strings.TrimSpace(s)
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	if !isFenceLine(lines[0]) || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return s
	}
	// The outer fence must be the only pair; an interior fence means the
	// body is not one enclosing block.
	for _, line := range lines[1 : len(lines)-1] {
		if isFenceLine(line) {
			return s
		}
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// SplitMessage splits text into chunks of at most limit characters, keeping
// code fences balanced: a chunk that would end inside a fenced block is
// closed with ``` and the next chunk reopens with the original fence line.
// An outer enclosing code block is stripped first.
func SplitMessage(text string, limit int) []string {
	text = StripOuterCodeBlock(text)
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var (
		chunks    []string
		cur       []string
		curLen    int
		openFence string // fence line to reopen in the next chunk
	)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		if openFence != "" {
			cur = append(cur, "```")
		}
		chunks = append(chunks, strings.Join(cur, "\n"))
		cur = cur[:0]
		curLen = 0
		if openFence != "" {
			cur = append(cur, openFence)
			curLen = len(openFence)
		}
	}

	appendLine := func(line string) {
		extra := len(line)
		if len(cur) > 0 {
			extra++ // joining newline
		}
		// Reserve room for a closing fence if one would be needed.
		reserve := 0
		if openFence != "" || isFenceLine(line) {
			reserve = 4
		}
		if curLen+extra+reserve > limit && len(cur) > 0 {
			flush()
			extra = len(line)
			if len(cur) > 0 {
				extra++
			}
		}
		cur = append(cur, line)
		curLen += extra
		if isFenceLine(line) {
			if openFence == "" {
				openFence = strings.TrimSpace(line)
			} else {
				openFence = ""
			}
		}
	}

	for _, line := range strings.Split(text, "\n") {
		// A single line longer than the limit is hard-split, leaving
		// headroom for a reopened fence plus its closer.
		for len(line) > limit {
			seg := limit - 16
			appendLine(line[:seg])
			line = line[seg:]
			flush()
		}
		appendLine(line)
	}
	if len(cur) > 0 {
		// Trailing reopened fence with no content is dropped.
		if !(len(cur) == 1 && openFence != "" && cur[0] == openFence) {
			if openFence != "" {
				cur = append(cur, "```")
			}
			chunks = append(chunks, strings.Join(cur, "\n"))
		}
	}

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
