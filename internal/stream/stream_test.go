package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/classifier"
	"github.com/thyrook/livefen/internal/pipeline"
	"github.com/thyrook/livefen/internal/resolve"
	"github.com/thyrook/livefen/internal/vision"
)

func TestSortNatural(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "numeric names",
			in:   []string{"10.jpg", "2.jpg", "1.jpg"},
			want: []string{"1.jpg", "2.jpg", "10.jpg"},
		},
		{
			name: "prefixed names",
			in:   []string{"frame-10.png", "frame-9.png", "frame-100.png"},
			want: []string{"frame-9.png", "frame-10.png", "frame-100.png"},
		},
		{
			name: "leading zeros fall back to string order",
			in:   []string{"1.jpg", "01.jpg", "001.jpg"},
			want: []string{"001.jpg", "01.jpg", "1.jpg"},
		},
		{
			name: "text before numbers",
			in:   []string{"b1", "a2", "a10", "a"},
			want: []string{"a", "a2", "a10", "b1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := append([]string(nil), tt.in...)
			SortNatural(got)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// memSource is an in-memory Source. A nil image reads as undecodable.
type memSource struct {
	mu      sync.Mutex
	frames  map[string]image.Image
	deleted []string
	listErr error
	readErr error
	closed  bool
}

func newMemSource(names ...string) *memSource {
	s := &memSource{frames: make(map[string]image.Image)}
	for i, name := range names {
		s.frames[name] = frameID(i + 1)
	}
	return s
}

// frameID encodes an id in the image width so the processor can tell frames apart
func frameID(id int) image.Image {
	return image.NewGray(image.Rect(0, 0, id, 1))
}

func (s *memSource) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	names := make([]string, 0, len(s.frames))
	for name := range s.frames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memSource) Read(ctx context.Context, name string) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	img, ok := s.frames[name]
	if !ok {
		return nil, fmt.Errorf("no frame %s", name)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreadable, name)
	}
	return img, nil
}

func (s *memSource) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frames, name)
	s.deleted = append(s.deleted, name)
	return nil
}

func (s *memSource) Close() error {
	s.closed = true
	return nil
}

func (s *memSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type step struct {
	frame pipeline.Frame
	err   error
	hook  func()
}

// fakeProcessor returns canned results per frame id and records the state it saw
type fakeProcessor struct {
	steps  map[int]step
	seen   []int
	states []pipeline.State
}

func (p *fakeProcessor) Process(ctx context.Context, img image.Image, state pipeline.State) (pipeline.Frame, error) {
	id := img.Bounds().Dx()
	p.seen = append(p.seen, id)
	p.states = append(p.states, state)
	s, ok := p.steps[id]
	if !ok {
		return okFrame(board.StartPlacement, false), nil
	}
	if s.hook != nil {
		s.hook()
	}
	return s.frame, s.err
}

var testCorners = vision.Corners{{0, 0}, {100, 0}, {100, 100}, {0, 100}}

func okFrame(fen string, reused bool) pipeline.Frame {
	return pipeline.Frame{
		FEN:      fen,
		Position: board.MustParse(fen),
		Corners:  testCorners,
		Reused:   reused,
	}
}

func newTestController(t *testing.T, src Source, proc Processor) *Controller {
	t.Helper()
	c, err := NewController(src, proc, Options{PollInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	return c
}

func TestRunOnceNaturalOrder(t *testing.T) {
	src := newMemSource("1.jpg", "2.jpg", "10.jpg")
	proc := &fakeProcessor{}
	c := newTestController(t, src, proc)

	var results []FrameResult
	c.OnFrame(func(ctx context.Context, res FrameResult) error {
		results = append(results, res)
		return nil
	})

	n, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 frames retired, got %d", n)
	}

	// ids were assigned in argument order: 1.jpg=1, 2.jpg=2, 10.jpg=3
	if !reflect.DeepEqual(proc.seen, []int{1, 2, 3}) {
		t.Errorf("Expected processing order [1 2 3], got %v", proc.seen)
	}
	if !reflect.DeepEqual(src.deleted, []string{"1.jpg", "2.jpg", "10.jpg"}) {
		t.Errorf("Expected retirement order 1, 2, 10, got %v", src.deleted)
	}
	if src.remaining() != 0 {
		t.Errorf("Expected empty source, got %d frames", src.remaining())
	}

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Session != c.Session() || r.Err != nil || r.Skipped {
			t.Errorf("Unexpected result: %+v", r)
		}
	}
}

func TestStateThreading(t *testing.T) {
	src := newMemSource("1.jpg", "2.jpg")
	proc := &fakeProcessor{}
	c := newTestController(t, src, proc)

	if c.Phase() != Idle {
		t.Errorf("Expected idle before any frame, got %v", c.Phase())
	}
	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if proc.states[0].Corners != nil || proc.states[0].Previous != nil {
		t.Error("Expected empty state for the first frame")
	}
	second := proc.states[1]
	if second.Corners == nil || *second.Corners != testCorners {
		t.Errorf("Expected corners carried into second frame, got %v", second.Corners)
	}
	if second.Previous == nil || board.Assemble(*second.Previous) != board.StartPlacement {
		t.Error("Expected previous position carried into second frame")
	}
	if c.Phase() != Tracking {
		t.Errorf("Expected tracking after frames, got %v", c.Phase())
	}
}

func TestFrameFatalErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCleared bool
	}{
		{"detection failure resets state", fmt.Errorf("%w: lost board", pipeline.ErrDetection), true},
		{"geometry failure keeps state", fmt.Errorf("%w: not square", pipeline.ErrGeometry), false},
		{"classifier failure keeps state", fmt.Errorf("%w: model", pipeline.ErrClassify), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMemSource("1.jpg", "2.jpg", "3.jpg")
			proc := &fakeProcessor{steps: map[int]step{2: {err: tt.err}}}
			c := newTestController(t, src, proc)

			var skipped []string
			c.OnFrame(func(ctx context.Context, res FrameResult) error {
				if res.Skipped {
					skipped = append(skipped, res.Name)
				}
				return nil
			})

			n, err := c.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce failed: %v", err)
			}
			if n != 3 {
				t.Errorf("Expected all 3 frames retired, got %d", n)
			}
			if !reflect.DeepEqual(skipped, []string{"2.jpg"}) {
				t.Errorf("Expected 2.jpg skipped, got %v", skipped)
			}

			third := proc.states[2]
			cleared := third.Corners == nil && third.Previous == nil
			if cleared != tt.wantCleared {
				t.Errorf("Expected cleared=%v for the frame after the failure, got state %+v", tt.wantCleared, third)
			}

			stats := c.Stats()
			if stats.Processed != 2 || stats.Skipped != 1 {
				t.Errorf("Expected 2 processed and 1 skipped, got %+v", stats)
			}
		})
	}
}

func TestUnreadableFrameSkipped(t *testing.T) {
	src := newMemSource("1.jpg", "2.jpg")
	src.frames["2.jpg"] = nil
	proc := &fakeProcessor{}
	c := newTestController(t, src, proc)

	n, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 frames retired, got %d", n)
	}
	if len(proc.seen) != 1 {
		t.Errorf("Expected only the readable frame processed, got %v", proc.seen)
	}
	if c.Stats().Skipped != 1 {
		t.Errorf("Expected 1 skipped frame, got %d", c.Stats().Skipped)
	}
}

func TestSourceAccessErrors(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		src := newMemSource("1.jpg")
		src.listErr = errors.New("permission denied")
		c := newTestController(t, src, &fakeProcessor{})

		if _, err := c.RunOnce(context.Background()); !errors.Is(err, ErrSourceAccess) {
			t.Errorf("Expected ErrSourceAccess, got %v", err)
		}
	})

	t.Run("read", func(t *testing.T) {
		src := newMemSource("1.jpg")
		src.readErr = errors.New("i/o error")
		c := newTestController(t, src, &fakeProcessor{})

		n, err := c.RunOnce(context.Background())
		if !errors.Is(err, ErrSourceAccess) {
			t.Errorf("Expected ErrSourceAccess, got %v", err)
		}
		if n != 0 || src.remaining() != 1 {
			t.Errorf("Expected frame kept in the source, got n=%d remaining=%d", n, src.remaining())
		}
	})
}

func TestCancellationMidFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newMemSource("1.jpg", "2.jpg", "3.jpg")
	proc := &fakeProcessor{steps: map[int]step{
		2: {err: context.Canceled, hook: cancel},
	}}
	c := newTestController(t, src, proc)

	n, err := c.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 frame retired, got %d", n)
	}
	if !reflect.DeepEqual(src.deleted, []string{"1.jpg"}) {
		t.Errorf("Expected only 1.jpg retired, got %v", src.deleted)
	}
	if c.Stats().Skipped != 0 {
		t.Error("Expected cancelled frame not to count as skipped")
	}

	// a later run resumes with the frame that was interrupted
	delete(proc.steps, 2)
	n, err = c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 frames retired on resume, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := newMemSource("1.jpg")
	proc := &fakeProcessor{}
	c := newTestController(t, src, proc)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if c.Stats().Processed != 1 {
		t.Errorf("Expected 1 processed frame, got %d", c.Stats().Processed)
	}
	if c.Phase() == Draining {
		t.Error("Expected controller not to be draining after Run returns")
	}
}

func TestHandlerErrorDoesNotStop(t *testing.T) {
	src := newMemSource("1.jpg", "2.jpg")
	c := newTestController(t, src, &fakeProcessor{})

	calls := 0
	c.OnFrame(func(ctx context.Context, res FrameResult) error {
		calls++
		return errors.New("sink down")
	})

	n, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 || calls != 2 {
		t.Errorf("Expected 2 frames and 2 handler calls, got %d and %d", n, calls)
	}
}

func TestSeed(t *testing.T) {
	c := newTestController(t, newMemSource(), &fakeProcessor{})

	if err := c.Seed("not a fen", nil); err == nil {
		t.Error("Expected error for invalid FEN, got nil")
	}

	corners := testCorners
	if err := c.Seed(board.StartPlacement+" w KQkq - 0 1", &corners); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	state := c.State()
	if state.Previous == nil || board.Assemble(*state.Previous) != board.StartPlacement {
		t.Error("Expected seeded previous position")
	}
	if c.Phase() != Tracking {
		t.Errorf("Expected tracking after seeding, got %v", c.Phase())
	}

	// the returned state is a copy
	state.Corners[0] = image.Pt(5, 5)
	if c.State().Corners[0] != testCorners[0] {
		t.Error("Expected State to return a copy")
	}

	if err := c.Seed("", nil); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if c.State().Previous != nil {
		t.Error("Expected empty FEN to clear the previous position")
	}
}

func TestStats(t *testing.T) {
	src := newMemSource("1.jpg", "2.jpg", "3.jpg")
	low := okFrame(board.StartPlacement, true)
	low.LowConfidence = true
	proc := &fakeProcessor{steps: map[int]step{
		2: {frame: okFrame(board.StartPlacement, true)},
		3: {frame: low},
	}}
	c := newTestController(t, src, proc)

	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	stats := c.Stats()
	if stats.Processed != 3 || stats.Reuses != 2 || stats.FullDetections != 1 || stats.LowConfidence != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.AvgFrameTime() < 0 {
		t.Errorf("Expected non-negative average, got %v", stats.AvgFrameTime())
	}
	if (Stats{}).AvgFrameTime() != 0 {
		t.Error("Expected zero average with no frames")
	}
}

type errCloser struct{ err error }

func (e errCloser) Close() error { return e.err }

func TestClose(t *testing.T) {
	src := newMemSource()
	c := newTestController(t, src, &fakeProcessor{})
	c.AddCloser(errCloser{errors.New("first")})
	c.AddCloser(errCloser{nil})
	c.AddCloser(errCloser{errors.New("second")})

	err := c.Close()
	if err == nil {
		t.Fatal("Expected combined error, got nil")
	}
	if !src.closed {
		t.Error("Expected source to be closed")
	}
	msg := err.Error()
	for _, want := range []string{"first", "second"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "2.png"))
	writePNG(t, filepath.Join(dir, "10.PNG"))
	if err := os.WriteFile(filepath.Join(dir, "1.jpg"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755); err != nil {
		t.Fatal(err)
	}

	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}

	ctx := context.Background()
	names, err := src.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	SortNatural(names)
	if !reflect.DeepEqual(names, []string{"1.jpg", "2.png", "10.PNG"}) {
		t.Errorf("Expected [1.jpg 2.png 10.PNG], got %v", names)
	}

	img, err := src.Read(ctx, "2.png")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if img.Bounds().Dx() != 4 {
		t.Errorf("Expected 4px wide image, got %d", img.Bounds().Dx())
	}

	if _, err := src.Read(ctx, "1.jpg"); !errors.Is(err, ErrUnreadable) {
		t.Errorf("Expected ErrUnreadable, got %v", err)
	}
	if _, err := src.Read(ctx, "missing.png"); err == nil || errors.Is(err, ErrUnreadable) {
		t.Errorf("Expected plain open error, got %v", err)
	}

	if err := src.Delete(ctx, "2.png"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2.png")); !os.IsNotExist(err) {
		t.Error("Expected 2.png to be removed")
	}
	if err := src.Delete(ctx, "2.png"); err != nil {
		t.Errorf("Expected deleting a missing frame to succeed, got %v", err)
	}
}

func TestNewDirSourceErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{file, filepath.Join(t.TempDir(), "missing")} {
		if _, err := NewDirSource(path); !errors.Is(err, ErrSourceAccess) {
			t.Errorf("Expected ErrSourceAccess for %s, got %v", path, err)
		}
	}
}

func TestControllerOverDirSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"10.png", "2.png", "1.png"} {
		writePNG(t, filepath.Join(dir, name))
	}
	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}

	var order []string
	c := newTestController(t, src, &fakeProcessor{})
	c.OnFrame(func(ctx context.Context, res FrameResult) error {
		order = append(order, res.Name)
		return nil
	})

	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"1.png", "2.png", "10.png"}) {
		t.Errorf("Expected 1, 2, 10 order, got %v", order)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected directory drained, got %d entries", len(entries))
	}
}

func TestProcessingFailureKeepsFrame(t *testing.T) {
	diskFull := errors.New("no space left on device")
	src := newMemSource("1.jpg", "2.jpg", "3.jpg")
	proc := &fakeProcessor{steps: map[int]step{
		1: {frame: okFrame(board.StartPlacement, false)},
		2: {err: diskFull},
	}}
	c := newTestController(t, src, proc)

	var reported []string
	c.OnFrame(func(ctx context.Context, res FrameResult) error {
		reported = append(reported, res.Name)
		return nil
	})

	n, err := c.RunOnce(context.Background())
	if !errors.Is(err, diskFull) {
		t.Fatalf("Expected the processing error, got %v", err)
	}
	if errors.Is(err, ErrSourceAccess) {
		t.Errorf("Expected a processing error, not a source error: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 frame retired, got %d", n)
	}
	if src.remaining() != 2 {
		t.Errorf("Expected 2.jpg and 3.jpg kept in the source, got %d frames", src.remaining())
	}
	if !reflect.DeepEqual(reported, []string{"1.jpg"}) {
		t.Errorf("Expected only 1.jpg reported, got %v", reported)
	}
	if stats := c.Stats(); stats.Skipped != 0 || stats.Processed != 1 {
		t.Errorf("Expected 1 processed and none skipped, got %+v", stats)
	}
	state := c.State()
	if state.Previous == nil || board.Assemble(*state.Previous) != board.StartPlacement {
		t.Errorf("Expected state from 1.jpg kept, got %+v", state)
	}

	delete(proc.steps, 2)
	n, err = c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed after recovery: %v", err)
	}
	if n != 2 || src.remaining() != 0 {
		t.Errorf("Expected the rest drained, got n=%d remaining=%d", n, src.remaining())
	}
}

// unusedDetector fails the test if the tracker ever gets as far as detection
type unusedDetector struct{ t *testing.T }

func (d unusedDetector) Check(img image.Image, c vision.Corners) (image.Image, bool) {
	d.t.Error("Check called")
	return nil, false
}

func (d unusedDetector) Detect(img image.Image, hint *vision.Corners) (image.Image, vision.Corners, error) {
	d.t.Error("Detect called")
	return nil, vision.Corners{}, errors.New("unused")
}

func TestUnwritableScratchKeepsBacklog(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.png", "2.png", "3.png"} {
		writePNG(t, filepath.Join(dir, name))
	}
	src, err := NewDirSource(dir)
	if err != nil {
		t.Fatalf("NewDirSource failed: %v", err)
	}

	// A regular file where the scratch root's parent should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	scratch := vision.NewScratch(filepath.Join(blocker, "scratch"), nil)
	tracker := vision.NewTracker(unusedDetector{t}, scratch, nil)

	start := board.MustParse(board.StartPlacement)
	clf := classifier.Func(func(ctx context.Context, squares []vision.SquareImage) ([]classifier.Probabilities, error) {
		return classifier.FromPosition(start), nil
	})
	resolver := resolve.NewResolver(resolve.DefaultThreshold, resolve.DefaultMaxIterations, nil)
	pipe, err := pipeline.New(tracker, clf, resolver, pipeline.Options{SquareSize: 8}, nil)
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	c := newTestController(t, src, pipe)
	n, err := c.RunOnce(context.Background())
	if err == nil {
		t.Fatal("Expected an error for an unwritable scratch area, got nil")
	}
	if n != 0 {
		t.Errorf("Expected no frame retired, got %d", n)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 3 {
		t.Errorf("Expected all 3 photos kept, got %d", len(entries))
	}
	if stats := c.Stats(); stats.Skipped != 0 || stats.Processed != 0 {
		t.Errorf("Expected nothing counted, got %+v", stats)
	}
}
