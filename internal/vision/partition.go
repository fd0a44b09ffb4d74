package vision

import (
	"fmt"
	"image"
	"sort"

	"golang.org/x/image/draw"
)

const (
	// squareTolerance is how far (relative to the longer side) the board
	// width and height may differ before the image counts as non-square
	squareTolerance = 0.02

	// minBoardSide is the smallest board side that still yields 1px cells
	minBoardSide = 8
)

// Interpolator resizes each cell. Swappable for tests or speed.
var Interpolator draw.Interpolator = draw.ApproxBiLinear

// SquareImage is one resized board cell tagged with its scan-order index
type SquareImage struct {
	Index int
	Image *image.RGBA
}

// Partition splits a located board image into 64 size x size cells,
// returned in FEN scan order (a8, b8, ..., h1) for the given orientation.
func Partition(located image.Image, a1 A1Corner, size int) ([]SquareImage, error) {
	if located == nil {
		return nil, fmt.Errorf("%w: no board image", ErrGeometry)
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: invalid square size %d", ErrGeometry, size)
	}

	b := located.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < minBoardSide || h < minBoardSide {
		return nil, fmt.Errorf("%w: board image %dx%d is degenerate", ErrGeometry, w, h)
	}
	if float64(abs(w-h)) > squareTolerance*float64(max(w, h)) {
		return nil, fmt.Errorf("%w: board image %dx%d is not square", ErrGeometry, w, h)
	}

	squares := make([]SquareImage, 0, 64)
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			cell := image.Rect(
				b.Min.X+w*col/8, b.Min.Y+h*row/8,
				b.Min.X+w*(col+1)/8, b.Min.Y+h*(row+1)/8,
			)
			dst := image.NewRGBA(image.Rect(0, 0, size, size))
			Interpolator.Scale(dst, dst.Bounds(), located, cell, draw.Src, nil)

			squares = append(squares, SquareImage{
				Index: a1.SquareIndex(row, col),
				Image: dst,
			})
		}
	}

	sort.Slice(squares, func(i, j int) bool {
		return squares[i].Index < squares[j].Index
	})
	return squares, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
