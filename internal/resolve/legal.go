package resolve

import (
	"fmt"

	"github.com/notnil/chess"

	"github.com/thyrook/livefen/internal/board"
)

// LegalMovePolicy accepts cand when it is the placement reached by some
// legal move of either side from prev. Castling rights are inferred from
// kings and rooks standing on their home squares, and every en-passant
// target the pawn structure allows is tried. Positions the rules engine
// cannot represent (not exactly one king per colour) fall back to
// FootprintPolicy.
type LegalMovePolicy struct{}

// Name returns the policy name
func (LegalMovePolicy) Name() string { return PolicyLegal }

// Consistent implements ContinuityPolicy
func (LegalMovePolicy) Consistent(prev, cand board.Position) bool {
	changed := prev.Diff(cand)
	if len(changed) == 0 {
		return true
	}
	// No single move touches more than four squares.
	if len(changed) > 4 {
		return false
	}
	if prev.Count(board.WhiteKing) != 1 || prev.Count(board.BlackKing) != 1 {
		return FootprintPolicy{}.Consistent(prev, cand)
	}

	placement := board.Assemble(prev)
	target := board.Assemble(cand)
	rights := castlingRights(prev)

	for _, side := range []string{"w", "b"} {
		for _, ep := range enPassantTargets(prev, side) {
			fen := fmt.Sprintf("%s %s %s %s 0 1", placement, side, rights, ep)
			opt, err := chess.FEN(fen)
			if err != nil {
				continue
			}
			game := chess.NewGame(opt)
			pos := game.Position()
			for _, m := range game.ValidMoves() {
				if pos.Update(m).Board().String() == target {
					return true
				}
			}
		}
	}
	return false
}

func castlingRights(p board.Position) string {
	rights := ""
	if p[board.Index(4, 1)] == board.WhiteKing {
		if p[board.Index(7, 1)] == board.WhiteRook {
			rights += "K"
		}
		if p[board.Index(0, 1)] == board.WhiteRook {
			rights += "Q"
		}
	}
	if p[board.Index(4, 8)] == board.BlackKing {
		if p[board.Index(7, 8)] == board.BlackRook {
			rights += "k"
		}
		if p[board.Index(0, 8)] == board.BlackRook {
			rights += "q"
		}
	}
	if rights == "" {
		return "-"
	}
	return rights
}

// enPassantTargets lists "-" plus every square a double pawn push by the
// opponent of side could just have crossed.
func enPassantTargets(p board.Position, side string) []string {
	targets := []string{"-"}

	pawn, pushedRank, targetRank, originRank := board.BlackPawn, 5, 6, 7
	if side == "b" {
		pawn, pushedRank, targetRank, originRank = board.WhitePawn, 4, 3, 2
	}
	for f := 0; f < 8; f++ {
		if p[board.Index(f, pushedRank)] != pawn {
			continue
		}
		if p[board.Index(f, targetRank)] != board.Empty || p[board.Index(f, originRank)] != board.Empty {
			continue
		}
		targets = append(targets, board.SquareName(board.Index(f, targetRank)))
	}
	return targets
}
