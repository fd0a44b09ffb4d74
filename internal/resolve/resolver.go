package resolve

import (
	"errors"
	"fmt"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/classifier"
)

const (
	// DefaultThreshold is the top-vs-runner-up margin below which a
	// square's classification is considered ambiguous
	DefaultThreshold = 0.5

	// DefaultMaxIterations bounds the override loop
	DefaultMaxIterations = 16
)

var (
	ErrVectorCount = errors.New("expected one probability vector per square")
)

// Result is the resolved position for one frame
type Result struct {
	Position board.Position

	// LowConfidence is set when the classifier output could not be
	// reconciled with the previous position. Position is then the
	// unmodified arg-max baseline.
	LowConfidence bool

	// Overridden lists squares reverted to the previous label
	Overridden []int

	// Changed lists squares that differ from the previous position
	Changed []int

	Iterations int
}

// Resolver turns per-square distributions into a single position,
// using the previous position of the same board as a prior.
//
// Reversion is greedy: the changed square with the smallest margin goes
// back to its previous label first, with no backtracking. When the square
// of a genuine move is less certain than a misread elsewhere, the move is
// reverted before the misread, the loop can run out of candidates, and the
// frame comes back LowConfidence with the arg-max baseline.
type Resolver struct {
	threshold     float64
	maxIterations int
	policy        ContinuityPolicy
	enforceLimits bool
}

// NewResolver creates a resolver. A nil policy uses FootprintPolicy.
func NewResolver(threshold float64, maxIterations int, policy ContinuityPolicy) *Resolver {
	if policy == nil {
		policy = FootprintPolicy{}
	}
	if maxIterations < 0 {
		maxIterations = 0
	}
	return &Resolver{
		threshold:     threshold,
		maxIterations: maxIterations,
		policy:        policy,
	}
}

// WithPieceLimits toggles the king/pawn count bias on the baseline
func (r *Resolver) WithPieceLimits(enabled bool) *Resolver {
	r.enforceLimits = enabled
	return r
}

// Policy returns the continuity policy in use
func (r *Resolver) Policy() ContinuityPolicy {
	return r.policy
}

// Resolve picks one label per square. prev may be nil on the first frame
// or after continuity was lost.
func (r *Resolver) Resolve(probs []classifier.Probabilities, prev *board.Position) (Result, error) {
	if len(probs) != board.NumSquares {
		return Result{}, fmt.Errorf("%w: got %d", ErrVectorCount, len(probs))
	}

	baseline := r.baseline(probs, prev)
	if prev == nil {
		return Result{Position: baseline}, nil
	}

	res := Result{Position: baseline}
	if r.policy.Consistent(*prev, baseline) {
		res.Changed = prev.Diff(baseline)
		return res, nil
	}

	margins := make([]float64, board.NumSquares)
	for i, p := range probs {
		margins[i] = p.Margin()
	}

	cand := baseline
	consistent := false
	for res.Iterations < r.maxIterations {
		sq := weakestChanged(cand, *prev, margins, r.threshold)
		if sq < 0 {
			break
		}
		cand[sq] = prev[sq]
		res.Overridden = append(res.Overridden, sq)
		res.Iterations++

		if r.policy.Consistent(*prev, cand) {
			consistent = true
			break
		}
	}

	if !consistent {
		res.LowConfidence = true
		res.Overridden = nil
		res.Changed = prev.Diff(baseline)
		return res, nil
	}

	res.Position = cand
	res.Changed = prev.Diff(cand)
	return res, nil
}

// weakestChanged returns the changed square with the smallest margin below
// threshold, lowest index first on ties, or -1 if none qualifies.
func weakestChanged(cand, prev board.Position, margins []float64, threshold float64) int {
	best := -1
	for i := range cand {
		if cand[i] == prev[i] || margins[i] >= threshold {
			continue
		}
		if best < 0 || margins[i] < margins[best] {
			best = i
		}
	}
	return best
}

func (r *Resolver) baseline(probs []classifier.Probabilities, prev *board.Position) board.Position {
	var banned [board.NumSquares]classMask
	pos := pickAll(probs, prev, &banned)
	if r.enforceLimits {
		pos = applyLimits(pos, probs, prev, &banned)
	}
	return pos
}

func pickAll(probs []classifier.Probabilities, prev *board.Position, banned *[board.NumSquares]classMask) board.Position {
	var pos board.Position
	for i := range probs {
		hint := board.Piece(-1)
		if prev != nil {
			hint = prev[i]
		}
		pos[i] = pick(probs[i], hint, banned[i])
	}
	return pos
}

// pick returns the arg-max class not in banned. On a tie the hint wins if
// it is among the tied classes, otherwise the lowest piece value does.
func pick(p classifier.Probabilities, hint board.Piece, banned classMask) board.Piece {
	best := board.Piece(-1)
	for i := 0; i < board.NumClasses; i++ {
		pc := board.Piece(i)
		if banned.has(pc) {
			continue
		}
		if best < 0 || p[i] > p[best] {
			best = pc
		}
	}
	if best < 0 {
		return board.Empty
	}
	if hint >= 0 && hint != best && !banned.has(hint) && p[hint] == p[best] {
		return hint
	}
	return best
}

// classMask is a set of pieces excluded for one square
type classMask uint16

func (m classMask) has(pc board.Piece) bool {
	return m&(1<<uint(pc)) != 0
}

func (m *classMask) add(pc board.Piece) {
	*m |= 1 << uint(pc)
}
