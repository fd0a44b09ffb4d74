package vision

import (
	"fmt"
	"image"
)

// Config holds board location and partition settings
type Config struct {
	// Orientation of the photographed board
	A1Corner string `json:"a1_corner"`

	// Per-pipeline working directory for the located board and crops
	ScratchDir  string `json:"scratch_dir"`
	SavePieces  bool   `json:"save_pieces"`  // Also write the 64 crops
	JPEGQuality int    `json:"jpeg_quality"` // Quality for scratch images

	// Detection settings
	WarpSize     int     `json:"warp_size"`      // Side of the top-down board image in pixels
	AcceptScore  float64 `json:"accept_score"`   // Minimum checker score to accept a board
	CannyLow     float64 `json:"canny_low"`      // Lower Canny hysteresis threshold
	CannyHigh    float64 `json:"canny_high"`     // Upper Canny hysteresis threshold
	BlurKernel   int     `json:"blur_kernel"`    // Gaussian blur kernel size (odd)
	MinAreaRatio float64 `json:"min_area_ratio"` // Minimum board area relative to the frame

	// Screen capture region used by the screen source
	CaptureRegion CaptureRegion `json:"capture_region"`
}

// CaptureRegion defines the screen area to capture
type CaptureRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ToRectangle converts CaptureRegion to image.Rectangle
func (cr CaptureRegion) ToRectangle() image.Rectangle {
	return image.Rect(cr.X, cr.Y, cr.X+cr.Width, cr.Y+cr.Height)
}

// DefaultConfig returns default vision configuration
func DefaultConfig() *Config {
	return &Config{
		A1Corner:     string(A1BottomLeft),
		ScratchDir:   "data/tmp",
		JPEGQuality:  90,
		WarpSize:     480,
		AcceptScore:  DefaultAcceptScore,
		CannyLow:     50,
		CannyHigh:    150,
		BlurKernel:   5,
		MinAreaRatio: 0.1,
		CaptureRegion: CaptureRegion{
			X:      100,
			Y:      100,
			Width:  800,
			Height: 800,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseA1Corner(c.A1Corner); err != nil {
		return err
	}

	if c.ScratchDir == "" {
		return fmt.Errorf("scratch dir must be set")
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("invalid jpeg quality: %d (must be 1-100)", c.JPEGQuality)
	}

	if c.WarpSize < 64 || c.WarpSize > 4096 {
		return fmt.Errorf("invalid warp size: %d (must be 64-4096)", c.WarpSize)
	}

	if c.AcceptScore < 0 || c.AcceptScore > 1 {
		return fmt.Errorf("invalid accept score: %f (must be 0-1)", c.AcceptScore)
	}

	if c.CannyLow < 0 || c.CannyHigh <= c.CannyLow {
		return fmt.Errorf("invalid canny thresholds: %.1f/%.1f", c.CannyLow, c.CannyHigh)
	}

	if c.BlurKernel < 1 || c.BlurKernel%2 == 0 {
		return fmt.Errorf("invalid blur kernel: %d (must be odd and positive)", c.BlurKernel)
	}

	if c.MinAreaRatio <= 0 || c.MinAreaRatio > 1 {
		return fmt.Errorf("invalid min area ratio: %f (must be 0-1)", c.MinAreaRatio)
	}

	if c.CaptureRegion.Width <= 0 || c.CaptureRegion.Height <= 0 {
		return fmt.Errorf("invalid capture region dimensions")
	}

	return nil
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Vision Config:\n"+
			"  A1 Corner: %s\n"+
			"  Scratch Dir: %s (pieces: %v)\n"+
			"  Warp Size: %dpx\n"+
			"  Accept Score: %.2f\n"+
			"  Canny: %.0f/%.0f\n"+
			"  Blur Kernel: %d\n"+
			"  Min Area Ratio: %.2f\n",
		c.A1Corner,
		c.ScratchDir, c.SavePieces,
		c.WarpSize,
		c.AcceptScore,
		c.CannyLow, c.CannyHigh,
		c.BlurKernel,
		c.MinAreaRatio,
	)
}
