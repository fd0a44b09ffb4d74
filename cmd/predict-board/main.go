package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/thyrook/livefen/internal/app"
	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/config"
	"github.com/thyrook/livefen/internal/logger"
	"github.com/thyrook/livefen/internal/pipeline"
	"github.com/thyrook/livefen/internal/vision/cvdetect"
)

func main() {
	imagePath := flag.String("image", "", "Path to a board photo")
	configPath := flag.String("config", "config.json", "Path to configuration file")
	a1 := flag.String("a1", "", "Photographed corner holding a1: BL, BR, TL or TR")
	modelPath := flag.String("model", "", "Piece classifier model")
	previousFEN := flag.String("previous-fen", "", "Placement the board held before this photo")
	expect := flag.String("expect", "", "Expected placement to score the prediction against")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if *imagePath == "" {
		fmt.Println("livefen board predictor")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *a1 != "" {
		cfg.Vision.A1Corner = *a1
	}
	if *modelPath != "" {
		cfg.Classifier.ModelPath = *modelPath
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}

	zl := logger.NewWriter(os.Stderr, level)
	defer zl.Sync()

	cnn, err := app.LoadClassifier(cfg.Classifier, zl)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer cnn.Close()

	pipe, err := app.NewPipeline(cfg, cnn, cnn.InputSize(), zl)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	var state pipeline.State
	if *previousFEN != "" {
		prev, err := board.Parse(*previousFEN)
		if err != nil {
			log.Fatalf("Invalid previous placement: %v", err)
		}
		state.Previous = &prev
	}

	img, err := cvdetect.ReadImage(*imagePath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	frame, err := pipe.Process(context.Background(), img, state)
	if err != nil {
		zl.Error("prediction failed", zap.String("image", *imagePath), zap.Error(err))
		os.Exit(1)
	}

	name := strings.TrimSuffix(filepath.Base(*imagePath), filepath.Ext(*imagePath))
	fmt.Printf("%s\t%s\n", name, frame.FEN)
	if *verbose {
		fmt.Println(frame.Position.String())
		fmt.Printf("Corners: %s (reused: %v)\n", frame.Corners, frame.Reused)
	}
	if frame.LowConfidence {
		fmt.Println("Low confidence: classifier output kept as-is")
	}

	t := frame.Timings
	fmt.Printf("Detect: %v | Split: %v | Classify: %v | Infer: %v | Assemble: %v | Total: %v\n",
		t.Detect, t.Split, t.Classify, t.Infer, t.Assemble, t.Total())

	if *expect != "" {
		diff, err := board.Compare(frame.FEN, *expect)
		if err != nil {
			log.Fatalf("Invalid expected placement: %v", err)
		}
		fmt.Printf("%s - Err:%d Acc:%.2f%%\n", name, diff, board.Accuracy(diff)*100)
	}
}
