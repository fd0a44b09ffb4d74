package classifier

import (
	"fmt"
	"image"
)

// Preprocess converts a size x size crop into a CHW float vector.
// Each crop is min/max scaled to [-1, 1] across all three channels, so a
// uniformly coloured crop maps to zeros.
func Preprocess(img *image.RGBA, size int) ([]float64, error) {
	if img == nil {
		return nil, fmt.Errorf("nil square image")
	}
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		return nil, fmt.Errorf("square image is %dx%d, model expects %dx%d", b.Dx(), b.Dy(), size, size)
	}

	plane := size * size
	out := make([]float64, 3*plane)
	lo, hi := 255.0, 0.0
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			for c := 0; c < 3; c++ {
				v := float64(row[x*4+c])
				out[c*plane+y*size+x] = v
				lo = min(lo, v)
				hi = max(hi, v)
			}
		}
	}

	span := hi - lo
	for i, v := range out {
		if span == 0 {
			out[i] = 0
			continue
		}
		out[i] = 2*(v-lo)/span - 1
	}
	return out, nil
}
