package board

import (
	"fmt"
	"strings"
)

// Piece is the class label assigned to a single square.
// The declaration order doubles as the tie-break order used when two
// classes score the same probability.
type Piece int

const (
	Empty Piece = iota
	WhitePawn
	WhiteKnight
	WhiteBishop
	WhiteRook
	WhiteQueen
	WhiteKing
	BlackPawn
	BlackKnight
	BlackBishop
	BlackRook
	BlackQueen
	BlackKing
)

// NumClasses is the size of the class alphabet (12 pieces + empty)
const NumClasses = 13

// NumSquares is the number of squares on the board
const NumSquares = 64

const pieceChars = ".PNBRQKpnbrqk"

// Char returns the FEN letter for the piece, '.' for an empty square
func (p Piece) Char() byte {
	if p < Empty || p > BlackKing {
		return '?'
	}
	return pieceChars[p]
}

// String returns the FEN letter as a string
func (p Piece) String() string {
	return string(p.Char())
}

// PieceFromChar maps a FEN letter to a piece
func PieceFromChar(c byte) (Piece, bool) {
	if c == '.' {
		return Empty, false
	}
	idx := strings.IndexByte(pieceChars, c)
	if idx <= 0 {
		return Empty, false
	}
	return Piece(idx), true
}

// IsWhite reports whether the piece is a white piece
func (p Piece) IsWhite() bool {
	return p >= WhitePawn && p <= WhiteKing
}

// IsBlack reports whether the piece is a black piece
func (p Piece) IsBlack() bool {
	return p >= BlackPawn && p <= BlackKing
}

// IsPawn reports whether the piece is a pawn of either colour
func (p Piece) IsPawn() bool {
	return p == WhitePawn || p == BlackPawn
}

// SameColor reports whether both pieces are non-empty and share a colour
func (p Piece) SameColor(o Piece) bool {
	return (p.IsWhite() && o.IsWhite()) || (p.IsBlack() && o.IsBlack())
}

// Position holds one label per square in FEN scan order:
// index 0 is a8, 7 is h8, 56 is a1 and 63 is h1.
type Position [NumSquares]Piece

// Grid is the structured 8x8 view of a position, rank 8 first
type Grid [8][8]Piece

// SquareName returns the algebraic name of a scan-order index (e.g. "e4")
func SquareName(idx int) string {
	if idx < 0 || idx >= NumSquares {
		return "??"
	}
	files := "abcdefgh"
	return fmt.Sprintf("%c%d", files[idx%8], 8-idx/8)
}

// Rank returns the chess rank (1-8) of a scan-order index
func Rank(idx int) int {
	return 8 - idx/8
}

// File returns the file (0 = a, 7 = h) of a scan-order index
func File(idx int) int {
	return idx % 8
}

// Index returns the scan-order index for a file (0-7) and rank (1-8)
func Index(file, rank int) int {
	return (8-rank)*8 + file
}

// Grid converts the flat position into its 8x8 form
func (p Position) Grid() Grid {
	var g Grid
	for i, pc := range p {
		g[i/8][i%8] = pc
	}
	return g
}

// Position flattens the grid back to scan order
func (g Grid) Position() Position {
	var p Position
	for r := 0; r < 8; r++ {
		for f := 0; f < 8; f++ {
			p[r*8+f] = g[r][f]
		}
	}
	return p
}

// Diff returns the scan-order indices where the two positions differ
func (p Position) Diff(other Position) []int {
	var changed []int
	for i := range p {
		if p[i] != other[i] {
			changed = append(changed, i)
		}
	}
	return changed
}

// Count returns how many squares hold the given piece
func (p Position) Count(pc Piece) int {
	n := 0
	for _, v := range p {
		if v == pc {
			n++
		}
	}
	return n
}

// String renders a human-readable diagram of the position
func (p Position) String() string {
	var sb strings.Builder
	sb.WriteString("\n  a b c d e f g h\n")
	for r := 0; r < 8; r++ {
		rank := 8 - r
		fmt.Fprintf(&sb, "%d ", rank)
		for f := 0; f < 8; f++ {
			sb.WriteByte(p[r*8+f].Char())
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d\n", rank)
	}
	sb.WriteString("  a b c d e f g h\n")
	return sb.String()
}
