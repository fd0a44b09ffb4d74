package cvdetect

import (
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ChangeDetector compares each frame with the last frame it let through
// and reports whether the mean grey-level difference exceeds a threshold.
type ChangeDetector struct {
	threshold float64

	mu      sync.Mutex
	last    gocv.Mat
	hasLast bool
}

// NewChangeDetector creates a detector. threshold is on the 0-255 grey scale.
func NewChangeDetector(threshold float64) *ChangeDetector {
	return &ChangeDetector{threshold: threshold}
}

// Changed reports whether img differs from the last accepted frame, along
// with the mean difference. The first frame always counts as changed.
func (d *ChangeDetector) Changed(img image.Image) (bool, float64, error) {
	frame, err := ImageToMat(img)
	if err != nil {
		return false, 0, err
	}
	defer frame.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRAToGray)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasLast || d.last.Rows() != gray.Rows() || d.last.Cols() != gray.Cols() {
		d.remember(gray)
		return true, 255, nil
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(d.last, gray, &diff)
	mean := diff.Mean().Val1

	changed := mean > d.threshold
	if changed {
		d.remember(gray)
	}
	return changed, mean, nil
}

func (d *ChangeDetector) remember(gray gocv.Mat) {
	if d.hasLast {
		d.last.Close()
	}
	d.last = gray.Clone()
	d.hasLast = true
}

// Close releases the stored frame
func (d *ChangeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasLast {
		d.hasLast = false
		return d.last.Close()
	}
	return nil
}
