package cvdetect

import (
	"errors"
	"fmt"
	"image"
	"sort"

	"gocv.io/x/gocv"

	"github.com/thyrook/livefen/internal/vision"
)

var errNoBoard = errors.New("no board-shaped quadrilateral found")

// Detector locates a chessboard as the largest convex quadrilateral whose
// perspective-corrected interior scores as a checkerboard.
type Detector struct {
	config *vision.Config
}

// NewDetector creates an OpenCV-backed detector
func NewDetector(config *vision.Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Detector{config: config}, nil
}

// Check warps img at the given corners and accepts it when the result
// still looks like a checkerboard.
func (d *Detector) Check(img image.Image, corners vision.Corners) (image.Image, bool) {
	if err := corners.Validate(img.Bounds()); err != nil {
		return nil, false
	}

	frame, err := ImageToMat(img)
	if err != nil {
		return nil, false
	}
	defer frame.Close()

	warped, err := d.warp(frame, corners, img.Bounds().Min)
	if err != nil {
		return nil, false
	}
	if vision.CheckerScore(warped) < d.config.AcceptScore {
		return nil, false
	}
	return warped, true
}

// Detect runs full detection over the frame
func (d *Detector) Detect(img image.Image, hint *vision.Corners) (image.Image, vision.Corners, error) {
	frame, err := ImageToMat(img)
	if err != nil {
		return nil, vision.Corners{}, err
	}
	defer frame.Close()

	quads, err := d.candidates(frame)
	if err != nil {
		return nil, vision.Corners{}, err
	}

	bounds := img.Bounds()
	for _, q := range quads {
		corners, err := vision.OrderCorners(q)
		if err != nil {
			continue
		}
		// image.Point coordinates from OpenCV are relative to the Mat
		for i := range corners {
			corners[i] = corners[i].Add(bounds.Min)
		}
		if err := corners.Validate(bounds); err != nil {
			continue
		}

		warped, err := d.warp(frame, corners, bounds.Min)
		if err != nil {
			continue
		}
		if vision.CheckerScore(warped) >= d.config.AcceptScore {
			return warped, corners, nil
		}
	}

	if hint != nil {
		return nil, vision.Corners{}, fmt.Errorf("%w (last known corners %v)", errNoBoard, *hint)
	}
	return nil, vision.Corners{}, errNoBoard
}

// candidates returns 4-point contour approximations, largest area first
func (d *Detector) candidates(frame gocv.Mat) ([][]image.Point, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRAToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := d.config.BlurKernel
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, float32(d.config.CannyLow), float32(d.config.CannyHigh))

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	gocv.Dilate(edges, &edges, kernel)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	minArea := d.config.MinAreaRatio * float64(frame.Rows()*frame.Cols())

	type quad struct {
		pts  []image.Point
		area float64
	}
	var quads []quad
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < minArea {
			continue
		}
		approx := gocv.ApproxPolyDP(c, 0.02*gocv.ArcLength(c, true), true)
		if approx.Size() == 4 {
			quads = append(quads, quad{pts: approx.ToPoints(), area: area})
		}
		approx.Close()
	}

	if len(quads) == 0 {
		return nil, errNoBoard
	}

	sort.SliceStable(quads, func(i, j int) bool {
		return quads[i].area > quads[j].area
	})
	out := make([][]image.Point, len(quads))
	for i, q := range quads {
		out[i] = q.pts
	}
	return out, nil
}

// warp maps the quadrilateral onto a WarpSize x WarpSize top-down image.
// corners are in image coordinates; origin is the image's bounds.Min.
func (d *Detector) warp(frame gocv.Mat, corners vision.Corners, origin image.Point) (image.Image, error) {
	size := d.config.WarpSize
	local := make([]image.Point, len(corners))
	for i, p := range corners {
		local[i] = p.Sub(origin)
	}
	src := gocv.NewPointVectorFromPoints(local)
	defer src.Close()
	dst := gocv.NewPointVectorFromPoints([]image.Point{
		{0, 0}, {size, 0}, {size, size}, {0, size},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform(src, dst)
	defer m.Close()

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(frame, &warped, m, image.Pt(size, size))
	if warped.Empty() {
		return nil, fmt.Errorf("perspective warp produced an empty image")
	}

	return warped.ToImage()
}
