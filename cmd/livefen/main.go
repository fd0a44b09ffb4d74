package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/thyrook/livefen/internal/app"
	"github.com/thyrook/livefen/internal/config"
	"github.com/thyrook/livefen/internal/logger"
	"github.com/thyrook/livefen/internal/stream"
	"github.com/thyrook/livefen/internal/stream/capture"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to configuration file")
	source := flag.String("source", "", "Frame source: dir, screen or video (overrides config)")
	dir := flag.String("dir", "", "Directory polled for board photos")
	videoPath := flag.String("video", "", "Video file for the video source")
	a1 := flag.String("a1", "", "Photographed corner holding a1: BL, BR, TL or TR")
	modelPath := flag.String("model", "", "Piece classifier model")
	previousFEN := flag.String("previous-fen", "", "Placement before the first frame")
	resume := flag.Bool("resume", false, "Seed from the last recorded placement when history is enabled")
	once := flag.Bool("once", false, "Process the pending frames and exit")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *source != "" {
		cfg.Stream.Source = *source
	}
	if *dir != "" {
		cfg.Stream.Dir = *dir
	}
	if *videoPath != "" {
		cfg.Stream.VideoPath = *videoPath
		if *source == "" {
			cfg.Stream.Source = config.SourceVideo
		}
	}
	if *a1 != "" {
		cfg.Vision.A1Corner = *a1
	}
	if *modelPath != "" {
		cfg.Classifier.ModelPath = *modelPath
	}
	if *previousFEN != "" {
		cfg.Stream.PreviousFEN = *previousFEN
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	zl, closeLog, err := logger.New(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, *once, *resume, zl)
	stop()

	zl.Sync()
	closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livefen: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once, resume bool, zl *zap.Logger) error {
	cnn, err := app.LoadClassifier(cfg.Classifier, zl)
	if err != nil {
		return err
	}

	pipe, err := app.NewPipeline(cfg, cnn, cnn.InputSize(), zl)
	if err != nil {
		cnn.Close()
		return err
	}

	src, err := app.OpenSource(cfg)
	if err != nil {
		cnn.Close()
		return err
	}

	ctrl, err := stream.NewController(src, pipe, stream.Options{PollInterval: cfg.Stream.PollInterval}, zl)
	if err != nil {
		cnn.Close()
		return err
	}
	ctrl.AddCloser(cnn)
	defer func() {
		if cerr := ctrl.Close(); cerr != nil {
			zl.Warn("shutdown", zap.Error(cerr))
		}
	}()

	store, err := app.Sinks(ctx, cfg, ctrl)
	if err != nil {
		return err
	}

	seed := cfg.Stream.PreviousFEN
	if seed == "" && resume && store != nil {
		if fen, ok, err := store.LatestFEN(); err != nil {
			return err
		} else if ok {
			seed = fen
			zl.Info("resuming from history", zap.String("fen", fen))
		}
	}
	if err := ctrl.Seed(seed, nil); err != nil {
		return fmt.Errorf("invalid previous placement: %w", err)
	}

	ctrl.OnFrame(printFrame)

	zl.Info("livefen starting",
		zap.String("session", ctrl.Session()),
		zap.String("source", cfg.Stream.Source),
		zap.String("a1", cfg.Vision.A1Corner),
		zap.String("policy", cfg.Resolver.Policy),
	)

	video, _ := src.(*capture.VideoSource)
	switch {
	case once || video != nil:
		err = drain(ctx, ctrl, once, video)
	default:
		err = ctrl.Run(ctx)
	}

	stats := ctrl.Stats()
	zl.Info("livefen stopped",
		zap.Int64("processed", stats.Processed),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("low_confidence", stats.LowConfidence),
		zap.Int64("corner_reuses", stats.Reuses),
		zap.Duration("avg_frame", stats.AvgFrameTime()),
	)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain processes what the source currently holds. Without once it keeps
// going until the video runs out.
func drain(ctx context.Context, ctrl *stream.Controller, once bool, video *capture.VideoSource) error {
	for {
		n, err := ctrl.RunOnce(ctx)
		if err != nil {
			return err
		}
		if once || (n == 0 && video.Exhausted()) {
			return nil
		}
	}
}

func printFrame(ctx context.Context, res stream.FrameResult) error {
	if res.Skipped {
		fmt.Printf("%s\tskipped: %v\n", res.Name, res.Err)
		return nil
	}
	if res.Err != nil {
		fmt.Printf("%s\terror: %v\n", res.Name, res.Err)
		return nil
	}

	note := ""
	if res.Frame.LowConfidence {
		note = "\tlow-confidence"
	}
	fmt.Printf("%s\t%s%s\n", res.Name, res.Frame.FEN, note)
	return nil
}
