package stream

import (
	"context"
	"errors"
	"image"
	"sort"
)

var (
	// ErrSourceAccess wraps failures to list, read or delete frames.
	// The controller stops and returns it with its state intact.
	ErrSourceAccess = errors.New("frame source access failed")

	// ErrUnreadable marks a frame that exists but cannot be decoded.
	// Such a frame is retired as skipped.
	ErrUnreadable = errors.New("frame could not be decoded")
)

// Source is a backlog of named frames. Deleting a frame retires it.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) (image.Image, error)
	Delete(ctx context.Context, name string) error
}

// SortNatural orders names with embedded numbers compared by value,
// so "2.jpg" sorts before "10.jpg". Names that compare equal that way
// fall back to plain string order.
func SortNatural(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return NaturalLess(names[i], names[j])
	})
}

// NaturalLess reports whether a sorts before b in natural order
func NaturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ca, cb := a[ai], b[bi]
		if isDigit(ca) && isDigit(cb) {
			as, ae := numberSpan(a, ai)
			bs, be := numberSpan(b, bi)
			na, nb := trimZeros(a[as:ae]), trimZeros(b[bs:be])
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			ai, bi = ae, be
			continue
		}
		if ca != cb {
			return ca < cb
		}
		ai++
		bi++
	}
	if len(a)-ai != len(b)-bi {
		return len(a)-ai < len(b)-bi
	}
	return a < b
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func numberSpan(s string, start int) (int, int) {
	end := start
	for end < len(s) && isDigit(s[end]) {
		end++
	}
	return start, end
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
