package core

import "fmt"

// RangeError reports a coordinate outside the canvas bounds.
type RangeError struct {
	Pixel  Point
	Width  int
	Height int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("pixel %s outside canvas %dx%d", e.Pixel, e.Width, e.Height)
}

// FormatError reports malformed input: canvas bytes of the wrong length,
// a draw plan that fails to parse, or persisted cooldown data that cannot
// be decoded. Line is the 1-based plan line at fault, or 0 when the input
// has no line structure.
type FormatError struct {
	Reason string
	Line   int
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return e.Reason
}
