package resolve

import (
	"fmt"

	"github.com/thyrook/livefen/internal/board"
)

const (
	PolicyFootprint = "footprint"
	PolicyLegal     = "legal"
)

// ContinuityPolicy decides whether cand can follow prev on the same board
// within a single move. An unchanged position is always consistent.
type ContinuityPolicy interface {
	Name() string
	Consistent(prev, cand board.Position) bool
}

// NewPolicy returns the policy registered under name
func NewPolicy(name string) (ContinuityPolicy, error) {
	switch name {
	case PolicyFootprint:
		return FootprintPolicy{}, nil
	case PolicyLegal, "":
		return LegalMovePolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown continuity policy: %q", name)
	}
}

// FootprintPolicy accepts square deltas shaped like one move: a normal move
// or capture (2 squares, including promotion), en passant (3 squares) or
// castling (4 squares). Piece geometry and sliding paths are checked
// against prev; side to move, check and castling rights are not.
type FootprintPolicy struct{}

// Name returns the policy name
func (FootprintPolicy) Name() string { return PolicyFootprint }

// Consistent implements ContinuityPolicy
func (FootprintPolicy) Consistent(prev, cand board.Position) bool {
	changed := prev.Diff(cand)
	switch len(changed) {
	case 0:
		return true
	case 2:
		return simpleMove(prev, cand, changed[0], changed[1]) ||
			simpleMove(prev, cand, changed[1], changed[0])
	case 3:
		return enPassant(prev, cand, changed)
	case 4:
		return castling(prev, cand, changed)
	default:
		return false
	}
}

// simpleMove checks a piece leaving from and landing on to
func simpleMove(prev, cand board.Position, from, to int) bool {
	moved := prev[from]
	if moved == board.Empty || cand[from] != board.Empty {
		return false
	}
	captured := prev[to]
	if captured != board.Empty && (captured.SameColor(moved) || captured == board.WhiteKing || captured == board.BlackKing) {
		return false
	}

	landed := cand[to]
	if moved.IsPawn() {
		last := 8
		if moved == board.BlackPawn {
			last = 1
		}
		if board.Rank(to) == last {
			if !isPromotionPiece(moved, landed) {
				return false
			}
		} else if landed != moved {
			return false
		}
		return pawnReach(prev, moved, from, to, captured != board.Empty)
	}

	if landed != moved {
		return false
	}
	return reach(prev, moved, from, to)
}

func isPromotionPiece(pawn, pc board.Piece) bool {
	if pawn == board.WhitePawn {
		return pc == board.WhiteKnight || pc == board.WhiteBishop || pc == board.WhiteRook || pc == board.WhiteQueen
	}
	return pc == board.BlackKnight || pc == board.BlackBishop || pc == board.BlackRook || pc == board.BlackQueen
}

func pawnReach(prev board.Position, pawn board.Piece, from, to int, capture bool) bool {
	dir, startRank := 1, 2
	if pawn == board.BlackPawn {
		dir, startRank = -1, 7
	}
	df := board.File(to) - board.File(from)
	dr := board.Rank(to) - board.Rank(from)

	if capture {
		return dr == dir && (df == 1 || df == -1)
	}
	if df != 0 {
		return false
	}
	if dr == dir {
		return true
	}
	if dr == 2*dir && board.Rank(from) == startRank {
		mid := board.Index(board.File(from), board.Rank(from)+dir)
		return prev[mid] == board.Empty
	}
	return false
}

// reach reports whether a non-pawn piece can travel from -> to on prev
func reach(prev board.Position, pc board.Piece, from, to int) bool {
	df := board.File(to) - board.File(from)
	dr := board.Rank(to) - board.Rank(from)
	adf, adr := abs(df), abs(dr)

	switch pc {
	case board.WhiteKnight, board.BlackKnight:
		return (adf == 1 && adr == 2) || (adf == 2 && adr == 1)
	case board.WhiteKing, board.BlackKing:
		return adf <= 1 && adr <= 1
	case board.WhiteBishop, board.BlackBishop:
		return adf == adr && clearPath(prev, from, to)
	case board.WhiteRook, board.BlackRook:
		return (df == 0 || dr == 0) && clearPath(prev, from, to)
	case board.WhiteQueen, board.BlackQueen:
		return (adf == adr || df == 0 || dr == 0) && clearPath(prev, from, to)
	}
	return false
}

// clearPath reports whether every square strictly between from and to is
// empty. The squares must share a line or diagonal.
func clearPath(prev board.Position, from, to int) bool {
	sf, sr := sign(board.File(to)-board.File(from)), sign(board.Rank(to)-board.Rank(from))
	f, r := board.File(from)+sf, board.Rank(from)+sr
	for f != board.File(to) || r != board.Rank(to) {
		if prev[board.Index(f, r)] != board.Empty {
			return false
		}
		f += sf
		r += sr
	}
	return true
}

func enPassant(prev, cand board.Position, changed []int) bool {
	for _, to := range changed {
		pawn := cand[to]
		if !pawn.IsPawn() || prev[to] != board.Empty {
			continue
		}
		dir, victim := 1, board.BlackPawn
		if pawn == board.BlackPawn {
			dir, victim = -1, board.WhitePawn
		}
		fromRank := board.Rank(to) - dir
		if (pawn == board.WhitePawn && fromRank != 5) || (pawn == board.BlackPawn && fromRank != 4) {
			continue
		}
		captured := board.Index(board.File(to), fromRank)
		for _, df := range []int{-1, 1} {
			ff := board.File(to) + df
			if ff < 0 || ff > 7 {
				continue
			}
			from := board.Index(ff, fromRank)
			if contains(changed, from) && contains(changed, captured) &&
				prev[from] == pawn && cand[from] == board.Empty &&
				prev[captured] == victim && cand[captured] == board.Empty {
				return true
			}
		}
	}
	return false
}

func castling(prev, cand board.Position, changed []int) bool {
	type castle struct {
		king, rook             board.Piece
		kFrom, kTo, rFrom, rTo int
		between                int
	}
	var options []castle
	for _, side := range []struct {
		king, rook board.Piece
		rank       int
	}{
		{board.WhiteKing, board.WhiteRook, 1},
		{board.BlackKing, board.BlackRook, 8},
	} {
		idx := func(f int) int { return board.Index(f, side.rank) }
		options = append(options,
			castle{side.king, side.rook, idx(4), idx(6), idx(7), idx(5), -1},
			castle{side.king, side.rook, idx(4), idx(2), idx(0), idx(3), idx(1)},
		)
	}

	for _, c := range options {
		if !sameSet(changed, []int{c.kFrom, c.kTo, c.rFrom, c.rTo}) {
			continue
		}
		if prev[c.kFrom] != c.king || prev[c.rFrom] != c.rook ||
			prev[c.kTo] != board.Empty || prev[c.rTo] != board.Empty {
			continue
		}
		if cand[c.kFrom] != board.Empty || cand[c.rFrom] != board.Empty ||
			cand[c.kTo] != c.king || cand[c.rTo] != c.rook {
			continue
		}
		if c.between >= 0 && prev[c.between] != board.Empty {
			continue
		}
		return true
	}
	return false
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range b {
		if !contains(a, v) {
			return false
		}
	}
	return true
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func sign(x int) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
