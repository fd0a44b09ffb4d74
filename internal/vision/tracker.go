package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
)

// Detector is the board-locating backend used by the Tracker
type Detector interface {
	// Check warps img at known corners and reports whether a board is
	// still there according to the detector's acceptance criterion.
	Check(img image.Image, corners Corners) (image.Image, bool)

	// Detect runs full detection. hint, when set, holds the last known
	// corners. Returns the top-down board image and its corners.
	Detect(img image.Image, hint *Corners) (image.Image, Corners, error)
}

// TrackResult is the output of one Track call
type TrackResult struct {
	Board   image.Image
	Corners Corners
	Reused  bool
}

// TrackerStats counts how corners were obtained
type TrackerStats struct {
	Reuses         int64
	FullDetections int64
	Failures       int64
}

// Tracker locates the board in each frame, reusing the previous corners
// whenever the detector still accepts them.
type Tracker struct {
	detector Detector
	scratch  *Scratch
	logger   *zap.Logger

	mu    sync.Mutex
	stats TrackerStats
}

// NewTracker creates a tracker. scratch may be nil to skip writing the
// located board to disk.
func NewTracker(detector Detector, scratch *Scratch, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		detector: detector,
		scratch:  scratch,
		logger:   logger,
	}
}

// Scratch returns the tracker's scratch area, or nil
func (t *Tracker) Scratch() *Scratch {
	return t.scratch
}

// Track locates the board in img. With prev set, the cached corners are
// tried first and full detection only runs when they are rejected.
// A failed full detection returns an error wrapping ErrDetection.
func (t *Tracker) Track(ctx context.Context, img image.Image, prev *Corners) (TrackResult, error) {
	if err := ctx.Err(); err != nil {
		return TrackResult{}, err
	}
	if img == nil {
		return TrackResult{}, fmt.Errorf("%w: empty frame", ErrDetection)
	}

	if t.scratch != nil {
		if err := t.scratch.Reset(); err != nil {
			return TrackResult{}, fmt.Errorf("scratch: %w", err)
		}
	}

	var res TrackResult
	if prev != nil {
		if located, ok := t.detector.Check(img, *prev); ok && located != nil {
			res = TrackResult{Board: located, Corners: *prev, Reused: true}
		} else {
			t.logger.Debug("cached corners rejected", zap.Stringer("corners", prev))
		}
	}

	if !res.Reused {
		located, corners, err := t.detector.Detect(img, prev)
		if err != nil {
			t.count(func(s *TrackerStats) { s.Failures++ })
			return TrackResult{}, fmt.Errorf("%w: %v", ErrDetection, err)
		}
		if err := corners.Validate(img.Bounds()); err != nil {
			t.count(func(s *TrackerStats) { s.Failures++ })
			return TrackResult{}, fmt.Errorf("%w: %v", ErrDetection, err)
		}
		res = TrackResult{Board: located, Corners: corners}
		t.count(func(s *TrackerStats) { s.FullDetections++ })
	} else {
		t.count(func(s *TrackerStats) { s.Reuses++ })
	}

	if t.scratch != nil && res.Board != nil {
		if err := t.scratch.WriteBoard(res.Board); err != nil {
			t.logger.Warn("failed to write located board", zap.Error(err))
		}
	}
	return res, nil
}

// GetStats returns a snapshot of the tracker counters
func (t *Tracker) GetStats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) count(fn func(*TrackerStats)) {
	t.mu.Lock()
	fn(&t.stats)
	t.mu.Unlock()
}
