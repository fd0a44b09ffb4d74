package capture

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/kbinani/screenshot"

	"github.com/thyrook/livefen/internal/stream"
	"github.com/thyrook/livefen/internal/vision/cvdetect"
)

// GrabFunc captures a rectangle of the screen
type GrabFunc func(region image.Rectangle) (*image.RGBA, error)

// ScreenSource captures a fixed screen region once per List call and
// exposes the capture as a frame named screen-<n>. With change detection
// enabled, captures that look like the previous frame are dropped.
type ScreenSource struct {
	region  image.Rectangle
	grab    GrabFunc
	changes *cvdetect.ChangeDetector

	mu      sync.Mutex
	seq     int
	pending map[string]image.Image
}

// NewScreenSource creates a screen source. diffThreshold <= 0 disables
// change detection so every poll yields a frame.
func NewScreenSource(region image.Rectangle, diffThreshold float64) (*ScreenSource, error) {
	return newScreenSource(region, diffThreshold, screenshot.CaptureRect)
}

func newScreenSource(region image.Rectangle, diffThreshold float64, grab GrabFunc) (*ScreenSource, error) {
	if region.Empty() {
		return nil, fmt.Errorf("%w: empty capture region %v", stream.ErrSourceAccess, region)
	}
	s := &ScreenSource{
		region:  region,
		grab:    grab,
		pending: make(map[string]image.Image),
	}
	if diffThreshold > 0 {
		s.changes = cvdetect.NewChangeDetector(diffThreshold)
	}
	return s, nil
}

// Region returns the captured screen rectangle
func (s *ScreenSource) Region() image.Rectangle {
	return s.region
}

// List captures a new frame when nothing is pending
func (s *ScreenSource) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		img, err := s.grab(s.region)
		if err != nil {
			return nil, fmt.Errorf("failed to capture screen: %w", err)
		}
		keep := true
		if s.changes != nil {
			keep, _, err = s.changes.Changed(img)
			if err != nil {
				return nil, fmt.Errorf("failed to compare frames: %w", err)
			}
		}
		if keep {
			s.seq++
			s.pending[fmt.Sprintf("screen-%d", s.seq)] = img
		}
	}

	return pendingNames(s.pending), nil
}

// Read returns a pending capture
func (s *ScreenSource) Read(ctx context.Context, name string) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.pending[name]
	if !ok {
		return nil, fmt.Errorf("no pending frame %s", name)
	}
	return img, nil
}

// Delete drops a pending capture
func (s *ScreenSource) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, name)
	return nil
}

// Close releases the change detector
func (s *ScreenSource) Close() error {
	if s.changes != nil {
		return s.changes.Close()
	}
	return nil
}

func pendingNames(pending map[string]image.Image) []string {
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
