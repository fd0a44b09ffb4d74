package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/vision"
)

var (
	lightSquare = color.RGBA{240, 217, 181, 255}
	darkSquare  = color.RGBA{181, 136, 99, 255}
	whitePiece  = color.RGBA{255, 255, 255, 255}
	blackPiece  = color.RGBA{50, 50, 50, 255}
)

// Draws a flat synthetic photo of a placement, for feeding the stream
// without a camera. Pieces are discs labelled with their FEN letter.
func main() {
	fen := flag.String("fen", board.StartPlacement, "Placement to draw")
	out := flag.String("out", "testdata/board.png", "Output image")
	squareSize := flag.Int("square", 100, "Square side in pixels")
	margin := flag.Int("margin", 60, "Border around the board in pixels")
	a1 := flag.String("a1", "BL", "Corner holding a1: BL, BR, TL or TR")
	flag.Parse()

	pos, err := board.Parse(*fen)
	if err != nil {
		log.Fatalf("Invalid placement: %v", err)
	}
	corner, err := vision.ParseA1Corner(*a1)
	if err != nil {
		log.Fatalf("%v", err)
	}

	size, pad := *squareSize, *margin
	side := 8*size + 2*pad
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 90, 90, 0), side, side, gocv.MatTypeCV8UC3)
	defer img.Close()

	drawBoard(&img, pos, corner, size, pad)

	if dir := filepath.Dir(*out); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	if ok := gocv.IMWrite(*out, img); !ok {
		fmt.Printf("Failed to save image to %s\n", *out)
		os.Exit(1)
	}

	fmt.Printf("Created board image: %s (%dx%d, a1 %s)\n", *out, side, side, corner)
	fmt.Println(pos.String())
}

func drawBoard(img *gocv.Mat, pos board.Position, corner vision.A1Corner, size, margin int) {
	for row := 0; row < 8; row++ {
		for col := 0; col < 8; col++ {
			idx := corner.SquareIndex(row, col)
			fill := lightSquare
			// a1 is dark
			if (board.Rank(idx)+board.File(idx))%2 == 1 {
				fill = darkSquare
			}

			cell := image.Rect(margin+col*size, margin+row*size, margin+(col+1)*size, margin+(row+1)*size)
			gocv.Rectangle(img, cell, fill, -1)

			pc := pos[idx]
			if pc == board.Empty {
				continue
			}
			drawPiece(img, pc, cell)
		}
	}
}

func drawPiece(img *gocv.Mat, pc board.Piece, cell image.Rectangle) {
	center := image.Pt((cell.Min.X+cell.Max.X)/2, (cell.Min.Y+cell.Max.Y)/2)
	radius := cell.Dx() * 3 / 8

	fill, ink := whitePiece, blackPiece
	if pc.IsBlack() {
		fill, ink = blackPiece, whitePiece
	}
	gocv.Circle(img, center, radius, fill, -1)
	gocv.Circle(img, center, radius, ink, 2)

	label := string(pc.Char())
	scale := float64(cell.Dx()) / 80
	textSize := gocv.GetTextSize(label, gocv.FontHersheySimplex, scale, 2)
	origin := image.Pt(center.X-textSize.X/2, center.Y+textSize.Y/2)
	gocv.PutText(img, label, origin, gocv.FontHersheySimplex, scale, ink, 2)
}
