package resolve

import (
	"sort"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/classifier"
)

const maxPawnsPerSide = 8

// applyLimits biases the baseline towards a representable chess position:
// no pawns on the back ranks, at most one king and eight pawns per colour.
// Surplus squares fall back to their next admissible class, weakest first.
func applyLimits(pos board.Position, probs []classifier.Probabilities, prev *board.Position, banned *[board.NumSquares]classMask) board.Position {
	for i := range pos {
		if r := board.Rank(i); r == 1 || r == 8 {
			banned[i].add(board.WhitePawn)
			banned[i].add(board.BlackPawn)
		}
	}

	// Every pass bans at least one more class on some square, so the
	// loop is bounded by the total number of square/class pairs.
	for pass := 0; pass < board.NumSquares*board.NumClasses; pass++ {
		pos = pickAll(probs, prev, banned)

		changed := false
		for _, lim := range []struct {
			piece board.Piece
			limit int
		}{
			{board.WhiteKing, 1},
			{board.BlackKing, 1},
			{board.WhitePawn, maxPawnsPerSide},
			{board.BlackPawn, maxPawnsPerSide},
		} {
			if demoteSurplus(pos, probs, lim.piece, lim.limit, banned) {
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return pos
}

// demoteSurplus keeps the limit most probable squares holding piece and bans
// piece on the rest. Reports whether anything was banned.
func demoteSurplus(pos board.Position, probs []classifier.Probabilities, piece board.Piece, limit int, banned *[board.NumSquares]classMask) bool {
	var squares []int
	for i, pc := range pos {
		if pc == piece {
			squares = append(squares, i)
		}
	}
	if len(squares) <= limit {
		return false
	}

	sort.SliceStable(squares, func(a, b int) bool {
		pa, pb := probs[squares[a]][piece], probs[squares[b]][piece]
		if pa != pb {
			return pa > pb
		}
		return squares[a] < squares[b]
	})
	for _, sq := range squares[limit:] {
		banned[sq].add(piece)
	}
	return true
}
