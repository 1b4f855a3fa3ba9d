package vt

// StripANSI removes escape sequences and non-printing control bytes from
// terminal output, leaving plain text with newlines and tabs intact.
func StripANSI(s string) string {
	out := make([]byte, 0, len(s))
	i := 0
	for i < len(s) {
		b := s[i]
		if b != 0x1b {
			if b >= 0x20 || b == '\n' || b == '\t' {
				out = append(out, b)
			} else if b == '\r' {
				// CR followed by LF collapses to LF; a bare CR is dropped.
			}
			i++
			continue
		}

		// Escape sequence: skip to its terminator.
		i++
		if i >= len(s) {
			break
		}
		switch s[i] {
		case '[': // CSI ... final byte 0x40-0x7e
			i++
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
			if i < len(s) {
				i++
			}
		case ']', 'P', '_', '^': // OSC / DCS / APC / PM, end at BEL or ST
			i++
			for i < len(s) {
				if s[i] == 0x07 {
					i++
					break
				}
				if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
					i += 2
					break
				}
				i++
			}
		case '(', ')', '#': // charset / line-attribute selections take one byte
			i += 2
		default:
			i++
		}
	}
	return string(out)
}
