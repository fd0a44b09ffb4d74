package vision

import (
	"fmt"
	"strings"
)

// A1Corner tags which photographed corner holds square a1
type A1Corner string

const (
	A1BottomLeft  A1Corner = "BL"
	A1BottomRight A1Corner = "BR"
	A1TopLeft     A1Corner = "TL"
	A1TopRight    A1Corner = "TR"
)

// ParseA1Corner validates an orientation tag (case-insensitive)
func ParseA1Corner(s string) (A1Corner, error) {
	c := A1Corner(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case A1BottomLeft, A1BottomRight, A1TopLeft, A1TopRight:
		return c, nil
	}
	return "", fmt.Errorf("invalid a1 corner %q (must be BL, BR, TL or TR)", s)
}

// SquareIndex maps an image cell (row 0 at the top, col 0 at the left)
// to its FEN scan-order index for this orientation.
func (a A1Corner) SquareIndex(row, col int) int {
	switch a {
	case A1TopRight:
		// rotated 180 degrees: h1 top-left
		return (7-row)*8 + (7 - col)
	case A1BottomRight:
		// white on the right: h8 top-left
		return col*8 + (7 - row)
	case A1TopLeft:
		// white on the left: a1 top-left
		return (7-col)*8 + row
	default:
		return row*8 + col
	}
}
