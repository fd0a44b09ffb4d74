// Package app assembles the stages of a board stream from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thyrook/livefen/internal/classifier"
	"github.com/thyrook/livefen/internal/config"
	"github.com/thyrook/livefen/internal/pipeline"
	"github.com/thyrook/livefen/internal/publish"
	"github.com/thyrook/livefen/internal/resolve"
	"github.com/thyrook/livefen/internal/storage"
	"github.com/thyrook/livefen/internal/stream"
	"github.com/thyrook/livefen/internal/stream/capture"
	"github.com/thyrook/livefen/internal/vision"
	"github.com/thyrook/livefen/internal/vision/cvdetect"
)

// NewResolver builds the probability resolver from its settings
func NewResolver(cfg config.ResolverConfig) (*resolve.Resolver, error) {
	policy, err := resolve.NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return resolve.NewResolver(cfg.Threshold, cfg.MaxIterations, policy).
		WithPieceLimits(cfg.EnforceLimits), nil
}

// LoadClassifier loads the piece model. The model file decides the crop
// size and label order; a mismatch with the configured values is logged.
func LoadClassifier(cfg config.ClassifierConfig, logger *zap.Logger) (*classifier.PieceCNN, error) {
	cnn, err := classifier.NewPieceCNNFromFile(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load piece model: %w", err)
	}
	if cnn.InputSize() != cfg.InputSize || cnn.Labels().String() != cfg.LabelOrder {
		logger.Warn("model settings differ from configuration",
			zap.Int("model_input_size", cnn.InputSize()),
			zap.Int("config_input_size", cfg.InputSize),
			zap.String("model_labels", cnn.Labels().String()),
			zap.String("config_labels", cfg.LabelOrder),
		)
	}
	return cnn, nil
}

// NewPipeline wires detector, tracker, classifier and resolver into a
// single-frame pipeline.
func NewPipeline(cfg *config.Config, clf classifier.Classifier, squareSize int, logger *zap.Logger) (*pipeline.Pipeline, error) {
	a1, err := vision.ParseA1Corner(cfg.Vision.A1Corner)
	if err != nil {
		return nil, err
	}

	detector, err := cvdetect.NewDetector(&cfg.Vision)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	scratch := vision.NewScratch(cfg.Vision.ScratchDir, ScratchWriter(cfg))
	tracker := vision.NewTracker(detector, scratch, logger.Named("tracker"))

	resolver, err := NewResolver(cfg.Resolver)
	if err != nil {
		return nil, err
	}

	return pipeline.New(tracker, clf, resolver, pipeline.Options{
		A1Corner:   a1,
		SquareSize: squareSize,
		SavePieces: cfg.Vision.SavePieces,
	}, logger.Named("pipeline"))
}

// ScratchWriter returns the OpenCV-backed writer for the scratch images
func ScratchWriter(cfg *config.Config) vision.ImageWriter {
	return cvdetect.Writer{Quality: cfg.Vision.JPEGQuality}
}

// OpenSource opens the configured frame source
func OpenSource(cfg *config.Config) (stream.Source, error) {
	switch cfg.Stream.Source {
	case config.SourceDir:
		return stream.NewDirSource(cfg.Stream.Dir)
	case config.SourceScreen:
		return capture.NewScreenSource(cfg.Vision.CaptureRegion.ToRectangle(), cfg.Stream.ChangeThreshold)
	case config.SourceVideo:
		return capture.NewVideoSource(cfg.Stream.VideoPath, cfg.Stream.VideoStep)
	default:
		return nil, fmt.Errorf("unknown stream source: %q", cfg.Stream.Source)
	}
}

// Sinks registers the enabled frame sinks on the controller. The history
// store is returned (nil when disabled) so callers can resume from it.
func Sinks(ctx context.Context, cfg *config.Config, ctrl *stream.Controller) (store *storage.HistoryStore, err error) {
	if cfg.Storage.Enabled {
		store, err = storage.NewHistoryStore(cfg.Storage.DBPath, cfg.Storage.MaxRecords)
		if err != nil {
			return nil, err
		}
		ctrl.OnFrame(store.Record)
		ctrl.AddCloser(store)
	}

	if cfg.Publish.Enabled {
		pub, perr := publish.NewFromURL(ctx, cfg.Publish.RedisURL, cfg.Publish.Prefix, cfg.Publish.TTL)
		if perr != nil {
			if store != nil {
				perr = multierr.Append(perr, store.Close())
			}
			return nil, perr
		}
		ctrl.OnFrame(pub.Publish)
		ctrl.AddCloser(pub)
	}
	return store, nil
}
