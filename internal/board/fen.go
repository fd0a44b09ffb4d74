package board

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// StartPlacement is the placement field of the initial position
	StartPlacement = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"

	// EmptyPlacement is the placement field of an empty board
	EmptyPlacement = "8/8/8/8/8/8/8/8"
)

var (
	ErrInvalidFEN = errors.New("invalid FEN placement")
)

// Assemble serialises a position into the FEN piece-placement field
func Assemble(p Position) string {
	var sb strings.Builder
	sb.Grow(71)
	for r := 0; r < 8; r++ {
		if r > 0 {
			sb.WriteByte('/')
		}
		run := 0
		for f := 0; f < 8; f++ {
			pc := p[r*8+f]
			if pc == Empty {
				run++
				continue
			}
			if run > 0 {
				sb.WriteByte(byte('0' + run))
				run = 0
			}
			sb.WriteByte(pc.Char())
		}
		if run > 0 {
			sb.WriteByte(byte('0' + run))
		}
	}
	return sb.String()
}

// Parse reads a FEN string into a position. Only the placement field is
// used, so both bare placements and full six-field FENs are accepted.
func Parse(fen string) (Position, error) {
	var p Position

	fields := strings.Fields(fen)
	if len(fields) == 0 {
		return p, fmt.Errorf("%w: empty string", ErrInvalidFEN)
	}

	ranks := strings.Split(fields[0], "/")
	if len(ranks) != 8 {
		return p, fmt.Errorf("%w: expected 8 ranks, got %d", ErrInvalidFEN, len(ranks))
	}

	for r, rank := range ranks {
		f := 0
		for i := 0; i < len(rank); i++ {
			c := rank[i]
			if c >= '1' && c <= '8' {
				f += int(c - '0')
				continue
			}
			pc, ok := PieceFromChar(c)
			if !ok {
				return p, fmt.Errorf("%w: unexpected character %q in rank %d", ErrInvalidFEN, c, 8-r)
			}
			if f >= 8 {
				return p, fmt.Errorf("%w: rank %d has more than 8 squares", ErrInvalidFEN, 8-r)
			}
			p[r*8+f] = pc
			f++
		}
		if f != 8 {
			return p, fmt.Errorf("%w: rank %d has %d squares", ErrInvalidFEN, 8-r, f)
		}
	}

	return p, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(fen string) Position {
	p, err := Parse(fen)
	if err != nil {
		panic(err)
	}
	return p
}

// Compare counts the squares whose pieces differ between two FEN strings.
// The comparison is exact and case-sensitive.
func Compare(a, b string) (int, error) {
	pa, err := Parse(a)
	if err != nil {
		return 0, err
	}
	pb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return len(pa.Diff(pb)), nil
}

// Accuracy converts a square error count into a fraction of correct squares
func Accuracy(diff int) float64 {
	if diff < 0 {
		diff = 0
	}
	if diff > NumSquares {
		diff = NumSquares
	}
	return 1 - float64(diff)/NumSquares
}
