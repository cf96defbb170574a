package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Point addresses a single pixel on the canvas. The origin (0,0) is the top
// left corner; X grows to the right and Y grows downward. Points are value
// types and are used directly as map keys.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y int) Point {
	return Point{X: x, Y: y}
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Key returns the stable "x,y" form used by cooldown stores.
func (p Point) Key() string {
	return strconv.Itoa(p.X) + "," + strconv.Itoa(p.Y)
}

// ParsePointKey parses the "x,y" form produced by Key.
func ParsePointKey(s string) (Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Point{}, &FormatError{Reason: fmt.Sprintf("bad point key %q", s)}
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return Point{}, &FormatError{Reason: fmt.Sprintf("bad point key %q", s)}
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return Point{}, &FormatError{Reason: fmt.Sprintf("bad point key %q", s)}
	}
	return Point{X: x, Y: y}, nil
}
