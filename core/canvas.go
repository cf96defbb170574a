package core

import (
	"fmt"
	"image"
	"image/color"
)

// Canvas is an immutable snapshot of the shared canvas at fetch time.
// Callers hold it read-only and discard it when a fresher fetch supersedes
// it; there is no way to mutate one after construction.
type Canvas struct {
	width  int
	height int
	pixels []Color
}

// NewCanvas builds a snapshot from a row-major color grid. The slice is
// copied so later mutation by the caller cannot leak into the snapshot.
func NewCanvas(width, height int, pixels []Color) (*Canvas, error) {
	if width < 0 || height < 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("negative canvas size %dx%d", width, height)}
	}
	if len(pixels) != width*height {
		return nil, &FormatError{
			Reason: fmt.Sprintf("expected %d pixels, got %d", width*height, len(pixels)),
		}
	}
	grid := make([]Color, len(pixels))
	copy(grid, pixels)
	return &Canvas{width: width, height: height, pixels: grid}, nil
}

// CanvasFromBytes parses the raw body of a full-canvas fetch: three bytes
// per pixel (R, G, B), row-major, top-to-bottom. A length mismatch is a
// FormatError.
func CanvasFromBytes(width, height int, raw []byte) (*Canvas, error) {
	expected := width * height * 3
	if len(raw) != expected {
		return nil, &FormatError{
			Reason: fmt.Sprintf("expected %d bytes, got %d bytes", expected, len(raw)),
		}
	}
	pixels := make([]Color, 0, width*height)
	for i := 0; i < len(raw); i += 3 {
		pixels = append(pixels, RGB(raw[i], raw[i+1], raw[i+2]))
	}
	return &Canvas{width: width, height: height, pixels: pixels}, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

// In reports whether p lies on the canvas.
func (c *Canvas) In(p Point) bool {
	return p.X >= 0 && p.X < c.width && p.Y >= 0 && p.Y < c.height
}

// At returns the color at p, or a RangeError when p is off the canvas.
func (c *Canvas) At(p Point) (Color, error) {
	if !c.In(p) {
		return 0, &RangeError{Pixel: p, Width: c.width, Height: c.height}
	}
	return c.pixels[p.Y*c.width+p.X], nil
}

// Image renders the snapshot as an image.RGBA, for saving or inspection.
func (c *Canvas) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	for i, px := range c.pixels {
		r, g, b := px.RGB()
		img.Set(i%c.width, i/c.width, color.RGBA{R: r, G: g, B: b, A: 0xFF})
	}
	return img
}
