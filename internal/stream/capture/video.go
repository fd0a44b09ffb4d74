package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/thyrook/livefen/internal/stream"
)

// VideoSource replays a recorded video as a frame backlog, one frame per
// List call. Frames are named frame-<n> after their position in the file.
type VideoSource struct {
	mu        sync.Mutex
	video     *gocv.VideoCapture
	info      VideoInfo
	step      int
	current   int
	exhausted bool
	pending   map[string]image.Image
}

// VideoInfo holds metadata about a video
type VideoInfo struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
	Duration   time.Duration
}

// String returns a formatted string of video info
func (vi VideoInfo) String() string {
	return fmt.Sprintf("%dx%d, %.2f fps, %d frames, %v",
		vi.Width, vi.Height, vi.FPS, vi.FrameCount, vi.Duration)
}

// NewVideoSource opens a video file. step > 1 keeps only every step-th frame.
func NewVideoSource(path string, step int) (*VideoSource, error) {
	video, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open video file: %v", stream.ErrSourceAccess, err)
	}
	if !video.IsOpened() {
		video.Close()
		return nil, fmt.Errorf("%w: video file not opened: %s", stream.ErrSourceAccess, path)
	}
	if step < 1 {
		step = 1
	}

	fps := video.Get(gocv.VideoCaptureFPS)
	frameCount := int(video.Get(gocv.VideoCaptureFrameCount))
	var duration time.Duration
	if fps > 0 {
		duration = time.Duration(float64(frameCount) / fps * float64(time.Second))
	}

	return &VideoSource{
		video: video,
		info: VideoInfo{
			FPS:        fps,
			FrameCount: frameCount,
			Width:      int(video.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(video.Get(gocv.VideoCaptureFrameHeight)),
			Duration:   duration,
		},
		step:    step,
		pending: make(map[string]image.Image),
	}, nil
}

// Info returns the video metadata
func (vs *VideoSource) Info() VideoInfo {
	return vs.info
}

// Exhausted reports whether the last frame has been read
func (vs *VideoSource) Exhausted() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.exhausted
}

// GetProgress returns playback progress (0-1)
func (vs *VideoSource) GetProgress() float64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.info.FrameCount == 0 {
		return 0
	}
	return float64(vs.current) / float64(vs.info.FrameCount)
}

// List decodes the next kept frame when nothing is pending. After the end
// of the file it returns an empty list.
func (vs *VideoSource) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if len(vs.pending) == 0 && !vs.exhausted {
		img, idx, err := vs.readNext()
		if err != nil {
			return nil, err
		}
		if img != nil {
			vs.pending[fmt.Sprintf("frame-%d", idx)] = img
		}
	}
	return pendingNames(vs.pending), nil
}

// readNext skips step-1 frames and decodes the next one. A nil image means
// the video has ended.
func (vs *VideoSource) readNext() (image.Image, int, error) {
	if vs.video == nil {
		return nil, 0, fmt.Errorf("video source closed")
	}

	mat := gocv.NewMat()
	defer mat.Close()
	for i := 0; i < vs.step; i++ {
		if !vs.video.Read(&mat) || mat.Empty() {
			vs.exhausted = true
			return nil, 0, nil
		}
		vs.current++
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to convert frame %d: %w", vs.current, err)
	}
	return img, vs.current, nil
}

// Read returns a pending frame
func (vs *VideoSource) Read(ctx context.Context, name string) (image.Image, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	img, ok := vs.pending[name]
	if !ok {
		return nil, fmt.Errorf("no pending frame %s", name)
	}
	return img, nil
}

// Delete drops a pending frame
func (vs *VideoSource) Delete(ctx context.Context, name string) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	delete(vs.pending, name)
	return nil
}

// Close releases video resources
func (vs *VideoSource) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.video != nil {
		err := vs.video.Close()
		vs.video = nil
		return err
	}
	return nil
}
