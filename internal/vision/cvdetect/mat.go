package cvdetect

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ImageToMat converts image.Image to a BGRA gocv.Mat. The caller closes it.
func ImageToMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), errors.New("nil image")
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.NewMat(), errors.New("empty image")
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC4)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < height; y++ {
			row := rgba.Pix[(y)*rgba.Stride:]
			for x := 0; x < width; x++ {
				i := x * 4
				mat.SetUCharAt(y, i+0, row[i+2])
				mat.SetUCharAt(y, i+1, row[i+1])
				mat.SetUCharAt(y, i+2, row[i+0])
				mat.SetUCharAt(y, i+3, row[i+3])
			}
		}
		return mat, nil
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Convert from uint32 (0-65535) to uint8 (0-255)
			mat.SetUCharAt(y, x*4+0, uint8(b>>8))
			mat.SetUCharAt(y, x*4+1, uint8(g>>8))
			mat.SetUCharAt(y, x*4+2, uint8(r>>8))
			mat.SetUCharAt(y, x*4+3, uint8(a>>8))
		}
	}

	return mat, nil
}

// Writer saves scratch images through OpenCV's codecs. Quality applies to
// JPEG output; zero keeps OpenCV's default.
type Writer struct {
	Quality int
}

// WriteImage implements vision.ImageWriter
func (w Writer) WriteImage(path string, img image.Image) error {
	mat, err := ImageToMat(img)
	if err != nil {
		return fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(mat, &bgr, gocv.ColorBGRAToBGR)

	var ok bool
	if w.Quality > 0 {
		ok = gocv.IMWriteWithParams(path, bgr, []int{int(gocv.IMWriteJpegQuality), w.Quality})
	} else {
		ok = gocv.IMWrite(path, bgr)
	}
	if !ok {
		return fmt.Errorf("failed to write image: %s", path)
	}
	return nil
}

// ReadImage loads an image file through OpenCV's codecs
func ReadImage(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return nil, fmt.Errorf("failed to load image: %s", path)
	}
	defer mat.Close()
	return mat.ToImage()
}
