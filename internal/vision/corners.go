package vision

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
)

var (
	// ErrDetection means no board could be located in the frame
	ErrDetection = errors.New("board detection failed")

	// ErrGeometry means the located board image cannot be split into squares
	ErrGeometry = errors.New("malformed board geometry")
)

// minBoardArea is the smallest quad area (px^2) that still holds 8x8 cells
const minBoardArea = 64

// Corners are the four physical board corners in image coordinates,
// ordered top-left, top-right, bottom-right, bottom-left.
type Corners [4]image.Point

// Validate checks the corners form a simple, convex, non-degenerate
// quadrilateral inside bounds, traversed clockwise on screen.
func (c Corners) Validate(bounds image.Rectangle) error {
	for i, p := range c {
		if p.X < bounds.Min.X || p.X > bounds.Max.X || p.Y < bounds.Min.Y || p.Y > bounds.Max.Y {
			return fmt.Errorf("corner %d %v outside image bounds %v", i, p, bounds)
		}
	}

	pts := c.points()
	area := 0.0
	for i := range pts {
		a, b, d := pts[i], pts[(i+1)%4], pts[(i+2)%4]
		// y grows downwards, so a clockwise turn on screen is positive
		if b.Sub(a).Cross(d.Sub(b)) <= 0 {
			return fmt.Errorf("corners %v do not form a convex clockwise quadrilateral", c)
		}
		area += a.Cross(b)
	}
	if math.Abs(area)/2 < minBoardArea {
		return fmt.Errorf("corners %v enclose a degenerate area", c)
	}
	return nil
}

// Bounds returns the axis-aligned rectangle enclosing the corners
func (c Corners) Bounds() image.Rectangle {
	r := image.Rectangle{Min: c[0], Max: c[0]}
	for _, p := range c[1:] {
		r.Min.X = min(r.Min.X, p.X)
		r.Min.Y = min(r.Min.Y, p.Y)
		r.Max.X = max(r.Max.X, p.X)
		r.Max.Y = max(r.Max.Y, p.Y)
	}
	return r
}

// String returns the corners as "tl tr br bl"
func (c Corners) String() string {
	return fmt.Sprintf("%v %v %v %v", c[0], c[1], c[2], c[3])
}

func (c Corners) points() [4]r2.Point {
	var pts [4]r2.Point
	for i, p := range c {
		pts[i] = r2.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	return pts
}

// OrderCorners sorts four arbitrary points into top-left, top-right,
// bottom-right, bottom-left order using coordinate sums and differences.
func OrderCorners(pts []image.Point) (Corners, error) {
	var c Corners
	if len(pts) != 4 {
		return c, fmt.Errorf("expected 4 corner points, got %d", len(pts))
	}

	tl, br, tr, bl := 0, 0, 0, 0
	for i, p := range pts {
		if p.X+p.Y < pts[tl].X+pts[tl].Y {
			tl = i
		}
		if p.X+p.Y > pts[br].X+pts[br].Y {
			br = i
		}
		if p.X-p.Y > pts[tr].X-pts[tr].Y {
			tr = i
		}
		if p.X-p.Y < pts[bl].X-pts[bl].Y {
			bl = i
		}
	}
	c = Corners{pts[tl], pts[tr], pts[br], pts[bl]}

	seen := map[int]bool{tl: true, tr: true, br: true, bl: true}
	if len(seen) != 4 {
		return c, fmt.Errorf("corner points %v are ambiguous", pts)
	}
	return c, nil
}
