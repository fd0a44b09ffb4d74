package vision

import (
	"image"
	"math"
)

// DefaultAcceptScore is the checker score a warped board must reach for
// cached corners to be reused
const DefaultAcceptScore = 0.6

// CheckerScore measures how closely the 8x8 cell luminances of a top-down
// board image follow an alternating light/dark pattern. The result is in
// [0, 1]: 1 for a perfect checkerboard, near 0 for uniform or random
// content. Pieces lower the score but do not dominate it.
func CheckerScore(img image.Image) float64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < minBoardSide || h < minBoardSide {
		return 0
	}

	var cells [64]float64
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			// inner half of each cell, away from grid lines
			x0 := b.Min.X + w*col/8 + w/32
			x1 := b.Min.X + w*(col+1)/8 - w/32
			y0 := b.Min.Y + h*row/8 + h/32
			y1 := b.Min.Y + h*(row+1)/8 - h/32
			cells[row*8+col] = meanLuma(img, image.Rect(x0, y0, x1, y1))
		}
	}

	mean := 0.0
	for _, v := range cells {
		mean += v
	}
	mean /= 64

	signed, total := 0.0, 0.0
	for i, v := range cells {
		d := v - mean
		if (i/8+i%8)%2 == 1 {
			d = -d
		}
		signed += d
		total += math.Abs(d)
	}
	if total == 0 {
		return 0
	}
	return math.Abs(signed) / total
}

func meanLuma(img image.Image, r image.Rectangle) float64 {
	if r.Empty() {
		return 0
	}
	step := max(1, r.Dx()/16)
	sum, n := 0.0, 0
	for y := r.Min.Y; y < r.Max.Y; y += step {
		for x := r.Min.X; x < r.Max.X; x += step {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(cr) + 0.587*float64(cg) + 0.114*float64(cb)
			n++
		}
	}
	return sum / float64(n) / 0xffff
}
