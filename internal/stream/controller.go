package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/pipeline"
	"github.com/thyrook/livefen/internal/vision"
)

// DefaultPollInterval is how long an empty source is left alone
const DefaultPollInterval = 250 * time.Millisecond

// Phase describes what the controller currently holds
type Phase int

const (
	// Idle: no corners or no previous position yet
	Idle Phase = iota
	// Tracking: corners and previous position are both established
	Tracking
	// Draining: working through a backlog of frames
	Draining
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Processor runs one frame through the board pipeline
type Processor interface {
	Process(ctx context.Context, img image.Image, state pipeline.State) (pipeline.Frame, error)
}

// FrameResult is reported to the handler once per retired frame
type FrameResult struct {
	Session  string
	Name     string
	Frame    pipeline.Frame
	Err      error
	Skipped  bool
	Duration time.Duration
	At       time.Time
}

// Handler receives every retired frame, in order. An error is logged and
// does not stop the stream. Handlers run before the frame is deleted from
// the source, so a failed delete means the frame is processed and
// reported again on the next cycle; handlers that persist results should
// tolerate a repeated frame name.
type Handler func(ctx context.Context, res FrameResult) error

// Stats summarises a controller's work so far
type Stats struct {
	Processed      int64
	Skipped        int64
	LowConfidence  int64
	Reuses         int64
	FullDetections int64
	TotalTime      time.Duration
}

// AvgFrameTime returns the mean processing time of successful frames
func (s Stats) AvgFrameTime() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Processed)
}

// Options configures a Controller
type Options struct {
	PollInterval time.Duration
}

// Controller drives one board stream: it drains the source in natural
// order, threads corners and the previous position from frame to frame,
// and retires every frame it finishes. Frames are processed strictly one
// at a time.
type Controller struct {
	source       Source
	processor    Processor
	pollInterval time.Duration
	logger       *zap.Logger
	session      string

	mu       sync.Mutex
	state    pipeline.State
	draining bool
	handlers []Handler
	closers  []io.Closer
	stats    Stats
}

// NewController creates a controller over source
func NewController(source Source, processor Processor, opts Options, logger *zap.Logger) (*Controller, error) {
	if source == nil || processor == nil {
		return nil, fmt.Errorf("source and processor are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	session := uuid.NewString()
	return &Controller{
		source:       source,
		processor:    processor,
		pollInterval: opts.PollInterval,
		logger:       logger.With(zap.String("session", session)),
		session:      session,
	}, nil
}

// Session returns the unique id of this controller's run
func (c *Controller) Session() string {
	return c.session
}

// OnFrame registers a handler for retired frames
func (c *Controller) OnFrame(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// AddCloser registers a resource released by Close
func (c *Controller) AddCloser(cl io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, cl)
}

// Seed installs an externally known placement and, optionally, corners.
// An empty fen clears the previous position.
func (c *Controller) Seed(fen string, corners *vision.Corners) error {
	var prev *board.Position
	if fen != "" {
		pos, err := board.Parse(fen)
		if err != nil {
			return err
		}
		prev = &pos
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Previous = prev
	if corners != nil {
		cc := *corners
		c.state.Corners = &cc
	}
	return nil
}

// State returns a copy of the carried corners and previous position
func (c *Controller) State() pipeline.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyState(c.state)
}

// Phase returns the controller's current phase
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return Draining
	}
	if c.state.Corners != nil && c.state.Previous != nil {
		return Tracking
	}
	return Idle
}

// Stats returns a snapshot of the counters
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run processes frames until ctx is cancelled or the source fails.
// It returns ctx.Err() on cancellation, an error wrapping ErrSourceAccess,
// or a processing failure that is not tied to the frame itself (for
// example an unwritable scratch area). State is kept, so a later Run
// resumes with the same frame.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("stream started", zap.Duration("poll_interval", c.pollInterval))
	defer c.logger.Info("stream stopped")

	for {
		n, err := c.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce drains the frames currently in the source and returns how many
// were retired.
func (c *Controller) RunOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	names, err := c.source.List(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: list: %v", ErrSourceAccess, err)
	}
	if len(names) == 0 {
		return 0, nil
	}
	SortNatural(names)

	c.setDraining(true)
	defer c.setDraining(false)

	retired := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return retired, err
		}
		if err := c.processFrame(ctx, name); err != nil {
			return retired, err
		}
		retired++
	}
	return retired, nil
}

// processFrame handles one frame end to end. A non-nil return stops the
// cycle and leaves the frame in the source with the state untouched.
// Only frame-fatal failures retire a frame without a placement.
func (c *Controller) processFrame(ctx context.Context, name string) error {
	res := FrameResult{Session: c.session, Name: name}
	start := time.Now()

	img, err := c.source.Read(ctx, name)
	switch {
	case err == nil:
		res.Frame, res.Err = c.processor.Process(ctx, img, c.State())
	case errors.Is(err, ErrUnreadable):
		res.Err = err
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: read %s: %v", ErrSourceAccess, name, err)
	}
	res.Duration = time.Since(start)
	res.At = time.Now()

	if res.Err != nil && isCancellation(ctx, res.Err) {
		return ctx.Err()
	}
	if res.Err != nil && !frameFatal(res.Err) {
		return fmt.Errorf("process %s: %w", name, res.Err)
	}

	c.commit(&res)
	c.report(ctx, res)

	if err := c.source.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrSourceAccess, name, err)
	}
	return nil
}

// commit updates carried state and counters from a finished frame
func (c *Controller) commit(res *FrameResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res.Err != nil {
		res.Skipped = true
		c.stats.Skipped++
		if errors.Is(res.Err, pipeline.ErrDetection) {
			c.state = pipeline.State{}
		}
		return
	}

	corners := res.Frame.Corners
	pos := res.Frame.Position
	c.state = pipeline.State{Corners: &corners, Previous: &pos}

	c.stats.Processed++
	c.stats.TotalTime += res.Duration
	if res.Frame.Reused {
		c.stats.Reuses++
	} else {
		c.stats.FullDetections++
	}
	if res.Frame.LowConfidence {
		c.stats.LowConfidence++
	}
}

func (c *Controller) report(ctx context.Context, res FrameResult) {
	if res.Err != nil {
		c.logger.Warn("frame skipped",
			zap.String("frame", res.Name),
			zap.Error(res.Err),
		)
	} else {
		fields := []zap.Field{
			zap.String("frame", res.Name),
			zap.String("fen", res.Frame.FEN),
			zap.Bool("reused", res.Frame.Reused),
			zap.Duration("elapsed", res.Duration),
		}
		if res.Frame.LowConfidence {
			c.logger.Warn("low confidence frame", fields...)
		} else {
			c.logger.Info("frame processed", fields...)
		}
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, res); err != nil {
			c.logger.Warn("frame handler failed", zap.String("frame", res.Name), zap.Error(err))
		}
	}
}

func (c *Controller) setDraining(v bool) {
	c.mu.Lock()
	c.draining = v
	c.mu.Unlock()
}

// Close releases the source (when it holds resources) and registered closers
func (c *Controller) Close() error {
	c.mu.Lock()
	closers := append([]io.Closer(nil), c.closers...)
	c.mu.Unlock()

	var err error
	if cl, ok := c.source.(io.Closer); ok {
		err = multierr.Append(err, cl.Close())
	}
	for _, cl := range closers {
		err = multierr.Append(err, cl.Close())
	}
	return err
}

// frameFatal reports whether err condemns only the frame that produced it
func frameFatal(err error) bool {
	return errors.Is(err, pipeline.ErrDetection) ||
		errors.Is(err, pipeline.ErrGeometry) ||
		errors.Is(err, pipeline.ErrClassify) ||
		errors.Is(err, ErrUnreadable)
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func copyState(s pipeline.State) pipeline.State {
	var out pipeline.State
	if s.Corners != nil {
		cc := *s.Corners
		out.Corners = &cc
	}
	if s.Previous != nil {
		pp := *s.Previous
		out.Previous = &pp
	}
	return out
}
