package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Color is a 24-bit RGB value in 0xRRGGBB form. The wire protocol has no
// alpha channel; images with transparency are flattened onto black before
// they become plan targets.
type Color uint32

// Common colors, matching the names accepted by ParseColor.
const (
	Black   Color = 0x000000
	Red     Color = 0xFF0000
	Green   Color = 0x00FF00
	Blue    Color = 0x0000FF
	Yellow  Color = 0xFFFF00
	Magenta Color = 0xFF00FF
	Cyan    Color = 0x00FFFF
	White   Color = 0xFFFFFF
	Blurple Color = 0x5B55F2

	// Aliases kept from the palette this client grew up around.
	Pink      = Magenta
	LightBlue = Cyan
)

var colorNames = map[string]Color{
	"black":      Black,
	"red":        Red,
	"green":      Green,
	"blue":       Blue,
	"yellow":     Yellow,
	"magenta":    Magenta,
	"pink":       Pink,
	"cyan":       Cyan,
	"light_blue": LightBlue,
	"white":      White,
	"blurple":    Blurple,
}

// RGB builds a Color from its three channels.
func RGB(r, g, b uint8) Color {
	return Color(uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

// RGB returns the three channels of the color.
func (c Color) RGB() (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// Hex returns the six-digit lowercase hex form without a leading "#",
// which is the form the service expects in request payloads.
func (c Color) Hex() string {
	return fmt.Sprintf("%06x", uint32(c))
}

func (c Color) String() string {
	return "#" + c.Hex()
}

// ColorFromInt builds a Color from an integer in canonical 0xRRGGBB form.
// Values outside the 24-bit range are a FormatError.
func ColorFromInt(v int) (Color, error) {
	if v < 0 || v > 0xFFFFFF {
		return 0, &FormatError{Reason: fmt.Sprintf("color %#x outside 24-bit range", v)}
	}
	return Color(v), nil
}

// ParseColor accepts a palette name (case-insensitive) or a six-digit hex
// string with an optional leading "#". Anything else is a FormatError.
func ParseColor(s string) (Color, error) {
	if c, ok := colorNames[strings.ToLower(s)]; ok {
		return c, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return 0, &FormatError{Reason: fmt.Sprintf("invalid color %q", s)}
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, &FormatError{Reason: fmt.Sprintf("invalid color %q", s)}
	}
	return Color(v), nil
}
