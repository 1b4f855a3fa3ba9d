package vt

import "fmt"

// colorMode distinguishes how a cell color was set.
type colorMode uint8

const (
	colorDefault colorMode = iota
	colorIndexed           // 0..255 palette index
	colorRGB               // 24-bit truecolor
)

type color struct {
	mode colorMode
	v    uint32 // palette index or 0xRRGGBB
}

// ansi16 is the standard xterm rendering of the 16 base colors.
var ansi16 = [16]uint32{
	0x000000, 0xcd0000, 0x00cd00, 0xcdcd00, 0x0000ee, 0xcd00cd, 0x00cdcd, 0xe5e5e5,
	0x7f7f7f, 0xff0000, 0x00ff00, 0xffff00, 0x5c5cff, 0xff00ff, 0x00ffff, 0xffffff,
}

// paletteRGB resolves a 256-color palette index to its xterm RGB value.
func paletteRGB(idx uint32) uint32 {
	switch {
	case idx < 16:
		return ansi16[idx]
	case idx < 232:
		// 6x6x6 color cube.
		idx -= 16
		steps := [6]uint32{0x00, 0x5f, 0x87, 0xaf, 0xd7, 0xff}
		r := steps[idx/36]
		g := steps[(idx/6)%6]
		b := steps[idx%6]
		return r<<16 | g<<8 | b
	case idx < 256:
		// Grayscale ramp.
		v := 8 + 10*(idx-232)
		return v<<16 | v<<8 | v
	default:
		return 0
	}
}

// css renders the color as a "#rrggbb" string, or "" for the default.
func (c color) css() string {
	switch c.mode {
	case colorIndexed:
		return fmt.Sprintf("#%06x", paletteRGB(c.v))
	case colorRGB:
		return fmt.Sprintf("#%06x", c.v&0xffffff)
	default:
		return ""
	}
}
