package vision

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
)

const (
	boardFile = "board.jpg"
	piecesDir = "pieces"
)

// ImageWriter persists an image to path
type ImageWriter interface {
	WriteImage(path string, img image.Image) error
}

// JPEGWriter encodes images with the standard library JPEG encoder
type JPEGWriter struct {
	Quality int
}

// WriteImage implements ImageWriter
func (w JPEGWriter) WriteImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	q := w.Quality
	if q <= 0 {
		q = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: q}); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// Scratch is a per-pipeline working directory holding the located board
// and its square crops for the frame being processed. It is wiped on
// every Reset so nothing from an earlier frame survives.
type Scratch struct {
	dir    string
	writer ImageWriter
}

// NewScratch creates a scratch area rooted at dir. A nil writer uses JPEGWriter.
func NewScratch(dir string, writer ImageWriter) *Scratch {
	if writer == nil {
		writer = JPEGWriter{}
	}
	return &Scratch{dir: dir, writer: writer}
}

// Dir returns the scratch root
func (s *Scratch) Dir() string {
	return s.dir
}

// BoardPath returns the location of the located board image
func (s *Scratch) BoardPath() string {
	return filepath.Join(s.dir, boardFile)
}

// PiecePath returns the location of the crop for a scan-order index
func (s *Scratch) PiecePath(idx int) string {
	return filepath.Join(s.dir, piecesDir, fmt.Sprintf("%02d.jpg", idx))
}

// Reset removes everything under the scratch root and recreates it
func (s *Scratch) Reset() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, piecesDir), 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return nil
}

// WriteBoard stores the located board image
func (s *Scratch) WriteBoard(img image.Image) error {
	return s.writer.WriteImage(s.BoardPath(), img)
}

// WritePieces stores every square crop under pieces/NN.jpg
func (s *Scratch) WritePieces(squares []SquareImage) error {
	for _, sq := range squares {
		if err := s.writer.WriteImage(s.PiecePath(sq.Index), sq.Image); err != nil {
			return err
		}
	}
	return nil
}
