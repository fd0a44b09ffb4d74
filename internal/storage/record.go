package storage

import (
	"context"

	"github.com/thyrook/livefen/internal/stream"
)

// NewRecord converts a retired frame into a history record
func NewRecord(res stream.FrameResult) Record {
	rec := Record{
		Session:    res.Session,
		Frame:      res.Name,
		Skipped:    res.Skipped,
		DurationMs: float64(res.Duration.Microseconds()) / 1000,
		Timestamp:  res.At.UnixNano(),
	}
	if res.At.IsZero() {
		rec.Timestamp = 0
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
		return rec
	}

	rec.FEN = res.Frame.FEN
	rec.Reused = res.Frame.Reused
	rec.LowConfidence = res.Frame.LowConfidence
	rec.Overridden = res.Frame.Overridden
	for i, p := range res.Frame.Corners {
		rec.Corners[i] = [2]int{p.X, p.Y}
	}
	return rec
}

// Record appends a retired frame. It has the stream.Handler signature so
// the store can be registered with Controller.OnFrame directly. A frame the
// controller reports again (its delete failed) replaces the latest record
// rather than adding a second one.
func (s *HistoryStore) Record(ctx context.Context, res stream.FrameResult) error {
	return s.put(NewRecord(res), true)
}
