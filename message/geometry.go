package message

import "fmt"

// Point is a two-dimensional coordinate stored as PointType.
type Point struct {
	X, Y float32
}

// String returns the string representation of the point.
func (p Point) String() string {
	return fmt.Sprintf("(%g, %g)", p.X, p.Y)
}

// Rect is an axis-aligned rectangle stored as RectType.
type Rect struct {
	Left, Top, Right, Bottom float32
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() float32 {
	return r.Right - r.Left
}

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() float32 {
	return r.Bottom - r.Top
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Left && p.X <= r.Right && p.Y >= r.Top && p.Y <= r.Bottom
}

// String returns the string representation of the rectangle.
func (r Rect) String() string {
	return fmt.Sprintf("(%g, %g, %g, %g)", r.Left, r.Top, r.Right, r.Bottom)
}
