package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/classifier"
	"github.com/thyrook/livefen/internal/resolve"
	"github.com/thyrook/livefen/internal/vision"
)

var (
	// ErrDetection means the board could not be located; callers drop
	// their cached corners and previous position.
	ErrDetection = vision.ErrDetection

	// ErrGeometry means the located board could not be partitioned
	ErrGeometry = vision.ErrGeometry

	// ErrClassify means the classifier failed or returned unusable output
	ErrClassify = errors.New("classification failed")
)

// State is what a stream carries from one frame to the next
type State struct {
	Corners  *vision.Corners
	Previous *board.Position
}

// StageTimings records how long each stage of a frame took
type StageTimings struct {
	Detect   time.Duration
	Split    time.Duration
	Classify time.Duration
	Infer    time.Duration
	Assemble time.Duration
}

// Total returns the sum of all stages
func (s StageTimings) Total() time.Duration {
	return s.Detect + s.Split + s.Classify + s.Infer + s.Assemble
}

// Frame is the outcome of processing one image
type Frame struct {
	FEN           string
	Position      board.Position
	Corners       vision.Corners
	Reused        bool
	LowConfidence bool
	Overridden    []int
	Changed       []int
	Timings       StageTimings
}

// Options configures a Pipeline
type Options struct {
	A1Corner   vision.A1Corner
	SquareSize int
	SavePieces bool
}

// Pipeline turns a single frame into a board placement
type Pipeline struct {
	tracker    *vision.Tracker
	classifier classifier.Classifier
	resolver   *resolve.Resolver
	opts       Options
	logger     *zap.Logger
}

// New creates a pipeline from its stages
func New(tracker *vision.Tracker, clf classifier.Classifier, resolver *resolve.Resolver, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if tracker == nil || clf == nil || resolver == nil {
		return nil, fmt.Errorf("tracker, classifier and resolver are required")
	}
	if opts.SquareSize < 1 {
		return nil, fmt.Errorf("invalid square size: %d", opts.SquareSize)
	}
	if opts.A1Corner == "" {
		opts.A1Corner = vision.A1BottomLeft
	}
	if _, err := vision.ParseA1Corner(string(opts.A1Corner)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		tracker:    tracker,
		classifier: clf,
		resolver:   resolver,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Tracker returns the pipeline's corner tracker
func (p *Pipeline) Tracker() *vision.Tracker {
	return p.tracker
}

// Process runs one frame through detection, partitioning, classification,
// resolution and assembly. Frame-fatal errors wrap ErrDetection, ErrGeometry
// or ErrClassify; a cancelled context is returned as is.
func (p *Pipeline) Process(ctx context.Context, img image.Image, state State) (Frame, error) {
	var frame Frame

	start := time.Now()
	tracked, err := p.tracker.Track(ctx, img, state.Corners)
	frame.Timings.Detect = time.Since(start)
	if err != nil {
		return frame, err
	}
	frame.Corners = tracked.Corners
	frame.Reused = tracked.Reused

	start = time.Now()
	squares, err := vision.Partition(tracked.Board, p.opts.A1Corner, p.opts.SquareSize)
	frame.Timings.Split = time.Since(start)
	if err != nil {
		return frame, err
	}
	if scratch := p.tracker.Scratch(); p.opts.SavePieces && scratch != nil {
		if err := scratch.WritePieces(squares); err != nil {
			p.logger.Warn("failed to write square crops", zap.Error(err))
		}
	}

	start = time.Now()
	probs, err := p.classify(ctx, squares)
	frame.Timings.Classify = time.Since(start)
	if err != nil {
		return frame, err
	}

	start = time.Now()
	res, err := p.resolver.Resolve(probs, state.Previous)
	frame.Timings.Infer = time.Since(start)
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrClassify, err)
	}

	start = time.Now()
	frame.FEN = board.Assemble(res.Position)
	frame.Timings.Assemble = time.Since(start)

	frame.Position = res.Position
	frame.LowConfidence = res.LowConfidence
	frame.Overridden = res.Overridden
	frame.Changed = res.Changed

	p.logger.Debug("frame processed",
		zap.String("fen", frame.FEN),
		zap.Bool("reused", frame.Reused),
		zap.Bool("low_confidence", frame.LowConfidence),
		zap.Int("iterations", res.Iterations),
		zap.Duration("detect", frame.Timings.Detect),
		zap.Duration("split", frame.Timings.Split),
		zap.Duration("classify", frame.Timings.Classify),
		zap.Duration("infer", frame.Timings.Infer),
		zap.Duration("assemble", frame.Timings.Assemble),
	)

	return frame, nil
}

func (p *Pipeline) classify(ctx context.Context, squares []vision.SquareImage) ([]classifier.Probabilities, error) {
	probs, err := p.classifier.Classify(ctx, squares)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrClassify, err)
	}
	if len(probs) != len(squares) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", ErrClassify, len(squares), len(probs))
	}
	for i, pr := range probs {
		if err := pr.Validate(); err != nil {
			return nil, fmt.Errorf("%w: square %s: %v", ErrClassify, board.SquareName(squares[i].Index), err)
		}
	}
	return probs, nil
}
