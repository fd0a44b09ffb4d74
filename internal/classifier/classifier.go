package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/vision"
)

// DefaultLabelOrder is the output order of the bundled piece models:
// alphabetical class folders, with '_' standing for an empty square.
const DefaultLabelOrder = "BKNPQR_bknpqr"

var (
	ErrInvalidDistribution = errors.New("invalid probability distribution")
	ErrLengthMismatch      = errors.New("classifier output length mismatch")
)

// Probabilities is a categorical distribution over the class alphabet,
// indexed by board.Piece.
type Probabilities [board.NumClasses]float64

// Classifier maps square crops to per-square class distributions.
// The returned slice has the same length and order as the input.
type Classifier interface {
	Classify(ctx context.Context, squares []vision.SquareImage) ([]Probabilities, error)
}

// Func adapts an ordinary function to the Classifier interface
type Func func(ctx context.Context, squares []vision.SquareImage) ([]Probabilities, error)

// Classify calls f
func (f Func) Classify(ctx context.Context, squares []vision.SquareImage) ([]Probabilities, error) {
	return f(ctx, squares)
}

// Best returns the most likely piece and its probability.
// Ties go to the lowest piece value.
func (p Probabilities) Best() (board.Piece, float64) {
	best := board.Empty
	for i := 1; i < board.NumClasses; i++ {
		if p[i] > p[best] {
			best = board.Piece(i)
		}
	}
	return best, p[best]
}

// Margin returns the gap between the top probability and the runner-up
func (p Probabilities) Margin() float64 {
	first, second := math.Inf(-1), math.Inf(-1)
	for _, v := range p {
		if v > first {
			first, second = v, first
		} else if v > second {
			second = v
		}
	}
	return first - second
}

// Validate checks the vector is a categorical distribution
func (p Probabilities) Validate() error {
	sum := 0.0
	for i, v := range p {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: class %d has value %f", ErrInvalidDistribution, i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-3 {
		return fmt.Errorf("%w: sums to %f", ErrInvalidDistribution, sum)
	}
	return nil
}

// OneHot returns a distribution with all mass on a single piece
func OneHot(pc board.Piece) Probabilities {
	var p Probabilities
	p[pc] = 1
	return p
}

// FromPosition builds one-hot distributions for every square of a position
func FromPosition(pos board.Position) []Probabilities {
	out := make([]Probabilities, board.NumSquares)
	for i, pc := range pos {
		out[i] = OneHot(pc)
	}
	return out
}

// LabelOrder maps a model's raw output index to a board.Piece
type LabelOrder [board.NumClasses]board.Piece

// ParseLabelOrder reads a 13-character class string, one FEN letter per
// model output plus '_' for the empty class.
func ParseLabelOrder(s string) (LabelOrder, error) {
	var lo LabelOrder
	if len(s) != board.NumClasses {
		return lo, fmt.Errorf("label order must have %d characters, got %d", board.NumClasses, len(s))
	}
	seen := make(map[board.Piece]bool)
	for i := 0; i < len(s); i++ {
		var pc board.Piece
		if s[i] == '_' {
			pc = board.Empty
		} else {
			var ok bool
			pc, ok = board.PieceFromChar(s[i])
			if !ok {
				return lo, fmt.Errorf("invalid label %q in %q", s[i], s)
			}
		}
		if seen[pc] {
			return lo, fmt.Errorf("duplicate label %q in %q", s[i], s)
		}
		seen[pc] = true
		lo[i] = pc
	}
	return lo, nil
}

// String returns the label order in its textual form
func (lo LabelOrder) String() string {
	var sb strings.Builder
	for _, pc := range lo {
		if pc == board.Empty {
			sb.WriteByte('_')
		} else {
			sb.WriteByte(pc.Char())
		}
	}
	return sb.String()
}

// Remap converts a raw model output vector into Probabilities
func (lo LabelOrder) Remap(raw []float64) (Probabilities, error) {
	var p Probabilities
	if len(raw) != board.NumClasses {
		return p, fmt.Errorf("%w: expected %d outputs, got %d", ErrLengthMismatch, board.NumClasses, len(raw))
	}
	for i, v := range raw {
		p[lo[i]] = v
	}
	return p, nil
}
