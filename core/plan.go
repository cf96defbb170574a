package core

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// DrawPlan is a target image anchored at an origin: for every cell of a
// width by height region it names the color the canvas should hold there.
// Targets are row-major, top-to-bottom, left-to-right. A plan is immutable
// once built and owned by a single drawer.
type DrawPlan struct {
	Origin  Point
	Width   int
	Height  int
	Targets []Color
}

// NewPlan validates and builds a plan. The number of targets must be
// exactly Width times Height.
func NewPlan(origin Point, width, height int, targets []Color) (*DrawPlan, error) {
	if origin.X < 0 || origin.Y < 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("negative plan origin %s", origin)}
	}
	if width < 1 || height < 1 {
		return nil, &FormatError{Reason: fmt.Sprintf("bad plan size %dx%d", width, height)}
	}
	if len(targets) != width*height {
		return nil, &FormatError{
			Reason: fmt.Sprintf("plan %dx%d needs %d targets, got %d", width, height, width*height, len(targets)),
		}
	}
	cells := make([]Color, len(targets))
	copy(cells, targets)
	return &DrawPlan{Origin: origin, Width: width, Height: height, Targets: cells}, nil
}

// Size returns the number of cells in the plan.
func (p *DrawPlan) Size() int {
	return p.Width * p.Height
}

// CellAt maps the i-th target to its absolute canvas coordinate.
func (p *DrawPlan) CellAt(i int) (Point, Color) {
	return Pt(p.Origin.X+i%p.Width, p.Origin.Y+i/p.Width), p.Targets[i]
}

// ParsePlan reads the text plan format: four header lines holding origin X,
// origin Y, width and height, followed by exactly width times height lines
// each carrying one hex color, row-major. Any malformed line fails with a
// FormatError before a single pixel is drawn.
func ParsePlan(data []byte) (*DrawPlan, error) {
	text := strings.TrimRight(string(data), "\n")
	lines := strings.Split(text, "\n")

	header := [4]int{}
	names := [4]string{"origin x", "origin y", "width", "height"}
	for i, name := range names {
		if i >= len(lines) {
			return nil, &FormatError{Line: i + 1, Reason: fmt.Sprintf("missing %s", name)}
		}
		v, err := strconv.Atoi(strings.TrimSpace(lines[i]))
		if err != nil {
			return nil, &FormatError{Line: i + 1, Reason: fmt.Sprintf("bad %s %q", name, lines[i])}
		}
		header[i] = v
	}
	width, height := header[2], header[3]
	if width < 1 || height < 1 {
		return nil, &FormatError{Line: 3, Reason: fmt.Sprintf("bad plan size %dx%d", width, height)}
	}

	body := lines[4:]
	want := width * height
	if len(body) != want {
		return nil, &FormatError{
			Line:   len(lines) + 1,
			Reason: fmt.Sprintf("want %d pixel lines for %dx%d, got %d", want, width, height, len(body)),
		}
	}

	targets := make([]Color, 0, want)
	for i, line := range body {
		c, err := ParseColor(strings.TrimSpace(line))
		if err != nil {
			return nil, &FormatError{Line: i + 5, Reason: fmt.Sprintf("bad color %q", line)}
		}
		targets = append(targets, c)
	}
	return NewPlan(Pt(header[0], header[1]), width, height, targets)
}

// Encode renders the plan back into the text format ParsePlan reads.
func (p *DrawPlan) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n%d\n%d\n%d\n", p.Origin.X, p.Origin.Y, p.Width, p.Height)
	for _, c := range p.Targets {
		buf.WriteString(c.Hex())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// PlanFromImage builds a plan from a decoded image, scaled by the given
// factor and anchored at origin. Scaling uses a Catmull-Rom kernel; since
// an image is loaded once per draw, the expensive high-quality filter is
// affordable. Transparent pixels are flattened onto black.
func PlanFromImage(img image.Image, origin Point, scale float64) (*DrawPlan, error) {
	if scale <= 0 {
		return nil, &FormatError{Reason: fmt.Sprintf("bad scale %v", scale)}
	}
	bounds := img.Bounds()
	width := int(math.Round(float64(bounds.Dx()) * scale))
	height := int(math.Round(float64(bounds.Dy()) * scale))
	if width < 1 || height < 1 {
		return nil, &FormatError{
			Reason: fmt.Sprintf("image %dx%d at scale %v leaves no pixels", bounds.Dx(), bounds.Dy(), scale),
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, xdraw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)

	targets := make([]Color, 0, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px := dst.RGBAAt(x, y)
			targets = append(targets, RGB(px.R, px.G, px.B))
		}
	}
	return NewPlan(origin, width, height, targets)
}
