package cvdetect

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/thyrook/livefen/internal/vision"
)

// syntheticFrame draws a bordered checkerboard at (off, off) on a grey canvas
func syntheticFrame(canvas, off, side int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, canvas, canvas))
	grey := color.RGBA{128, 128, 128, 255}
	for y := 0; y < canvas; y++ {
		for x := 0; x < canvas; x++ {
			img.Set(x, y, grey)
		}
	}

	const border = 6
	for y := off - border; y < off+side+border; y++ {
		for x := off - border; x < off+side+border; x++ {
			img.Set(x, y, color.RGBA{20, 20, 20, 255})
		}
	}

	cell := side / 8
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			v := uint8(235)
			if (x/cell+y/cell)%2 == 1 {
				v = 70
			}
			img.Set(off+x, off+y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func near(a, b image.Point, tol int) bool {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx+dy*dy <= tol*tol
}

func TestNewDetectorValidatesConfig(t *testing.T) {
	cfg := vision.DefaultConfig()
	cfg.BlurKernel = 2
	if _, err := NewDetector(cfg); err == nil {
		t.Error("Expected error for invalid config, got nil")
	}
}

func TestDetectSyntheticBoard(t *testing.T) {
	cfg := vision.DefaultConfig()
	cfg.WarpSize = 160
	det, err := NewDetector(cfg)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	frame := syntheticFrame(400, 80, 240)
	board, corners, err := det.Detect(frame, nil)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if board.Bounds().Dx() != 160 || board.Bounds().Dy() != 160 {
		t.Errorf("Expected 160x160 board, got %v", board.Bounds())
	}

	// The outer contour is the dark frame, which still warps to a
	// checker pattern with a thin border.
	tol := 12
	want := vision.Corners{{80, 80}, {320, 80}, {320, 320}, {80, 320}}
	for i := range want {
		if !near(corners[i], want[i], tol) {
			t.Errorf("Corner %d: expected near %v, got %v", i, want[i], corners[i])
		}
	}
}

func TestDetectBlankFrame(t *testing.T) {
	det, err := NewDetector(vision.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	blank := image.NewRGBA(image.Rect(0, 0, 200, 200))
	if _, _, err := det.Detect(blank, nil); err == nil {
		t.Error("Expected detection error on a blank frame, got nil")
	}
}

func TestCheckCachedCorners(t *testing.T) {
	cfg := vision.DefaultConfig()
	cfg.WarpSize = 160
	det, err := NewDetector(cfg)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	frame := syntheticFrame(400, 80, 240)

	good := vision.Corners{{80, 80}, {320, 80}, {320, 320}, {80, 320}}
	if _, ok := det.Check(frame, good); !ok {
		t.Error("Expected board to be accepted at its corners")
	}

	// the board moved away: the cached region is plain grey
	empty := syntheticFrame(400, 0, 0)
	if _, ok := det.Check(empty, good); ok {
		t.Error("Expected rejection when no board is present")
	}

	invalid := vision.Corners{{80, 80}, {320, 320}, {320, 80}, {80, 320}}
	if _, ok := det.Check(frame, invalid); ok {
		t.Error("Expected rejection for invalid corners")
	}
}

func TestWriterRoundTrip(t *testing.T) {
	img := syntheticFrame(64, 8, 48)
	tests := []struct {
		name    string
		quality int
	}{
		{"default quality", 0},
		{"high quality", 95},
		{"low quality", 10},
	}

	sizes := make(map[int]int64)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "board.jpg")
			if err := (Writer{Quality: tt.quality}).WriteImage(path, img); err != nil {
				t.Fatalf("WriteImage failed: %v", err)
			}

			loaded, err := ReadImage(path)
			if err != nil {
				t.Fatalf("ReadImage failed: %v", err)
			}
			if loaded.Bounds().Dx() != 64 || loaded.Bounds().Dy() != 64 {
				t.Errorf("Expected 64x64 image, got %v", loaded.Bounds())
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			sizes[tt.quality] = info.Size()
		})
	}

	if sizes[10] >= sizes[95] {
		t.Errorf("Expected quality 10 smaller than quality 95, got %d and %d bytes", sizes[10], sizes[95])
	}
}

func TestChangeDetector(t *testing.T) {
	d := NewChangeDetector(5)
	defer d.Close()

	first := syntheticFrame(100, 20, 48)
	changed, _, err := d.Changed(first)
	if err != nil {
		t.Fatalf("Changed failed: %v", err)
	}
	if !changed {
		t.Error("Expected the first frame to count as changed")
	}

	changed, diff, err := d.Changed(syntheticFrame(100, 20, 48))
	if err != nil {
		t.Fatalf("Changed failed: %v", err)
	}
	if changed || diff != 0 {
		t.Errorf("Expected identical frame unchanged, got changed=%v diff=%.2f", changed, diff)
	}

	moved := syntheticFrame(100, 40, 48)
	if changed, _, _ := d.Changed(moved); !changed {
		t.Error("Expected moved board to count as changed")
	}

	if changed, _, _ := d.Changed(syntheticFrame(64, 8, 48)); !changed {
		t.Error("Expected a frame of a new size to count as changed")
	}
}
