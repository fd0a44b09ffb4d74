package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BucketName holds the frame records, keyed by slot
	BucketName = "frames"

	// MetaBucket holds the running record count
	MetaBucket = "meta"

	// CountKey tracks how many records were ever appended
	CountKey = "count"

	// DefaultMaxRecords is the ring size used when none is given
	DefaultMaxRecords = 10000
)

// Record is the stored outcome of one retired frame
type Record struct {
	Session       string    `json:"session"`
	Frame         string    `json:"frame"`
	FEN           string    `json:"fen,omitempty"`
	Corners       [4][2]int `json:"corners"`
	Reused        bool      `json:"reused"`
	LowConfidence bool      `json:"low_confidence"`
	Overridden    []int     `json:"overridden,omitempty"`
	Skipped       bool      `json:"skipped"`
	Error         string    `json:"error,omitempty"`
	DurationMs    float64   `json:"duration_ms"`
	Timestamp     int64     `json:"timestamp"` // Unix nanoseconds
}

// Time returns the record timestamp
func (r Record) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// HistoryStore keeps the most recent frame records in a bbolt ring buffer
type HistoryStore struct {
	db      *bbolt.DB
	dbPath  string
	maxSize int

	mu       sync.Mutex
	count    uint64
	isClosed bool
}

// NewHistoryStore opens (or creates) a history database at dbPath
func NewHistoryStore(dbPath string, maxSize int) (*HistoryStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecords
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var count uint64
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(BucketName)); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(MetaBucket))
		if err != nil {
			return fmt.Errorf("create meta bucket: %w", err)
		}
		if v := meta.Get([]byte(CountKey)); v != nil {
			count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &HistoryStore{
		db:      db,
		dbPath:  dbPath,
		maxSize: maxSize,
		count:   count,
	}, nil
}

func slotKey(slot uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, slot)
	return key
}

// Append stores a record, overwriting the oldest once the ring is full
func (s *HistoryStore) Append(rec Record) error {
	return s.put(rec, false)
}

// put appends rec. With replay set, a latest record from the same session
// and frame is overwritten in place instead.
func (s *HistoryStore) put(rec Record, replay bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return fmt.Errorf("store is closed")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		meta := tx.Bucket([]byte(MetaBucket))
		if b == nil || meta == nil {
			return fmt.Errorf("bucket not found")
		}

		if replay && s.count > 0 {
			last := slotKey((s.count - 1) % uint64(s.maxSize))
			var prev Record
			if v := b.Get(last); v != nil && json.Unmarshal(v, &prev) == nil &&
				prev.Session == rec.Session && prev.Frame == rec.Frame {
				return b.Put(last, data)
			}
		}

		if err := b.Put(slotKey(s.count%uint64(s.maxSize)), data); err != nil {
			return err
		}

		next := s.count + 1
		countBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(countBytes, next)
		if err := meta.Put([]byte(CountKey), countBytes); err != nil {
			return err
		}
		s.count = next
		return nil
	})
}

// Count returns how many records were ever appended
func (s *HistoryStore) Count() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return 0, fmt.Errorf("store is closed")
	}
	return s.count, nil
}

// Size returns how many records are currently retained
func (s *HistoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size()
}

func (s *HistoryStore) size() int {
	if s.count > uint64(s.maxSize) {
		return s.maxSize
	}
	return int(s.count)
}

// Latest returns the most recent record. ok is false when the store is empty.
func (s *HistoryStore) Latest() (rec Record, ok bool, err error) {
	recs, err := s.Recent(1)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// LatestFEN returns the placement of the most recent successful frame
func (s *HistoryStore) LatestFEN() (string, bool, error) {
	recs, err := s.Recent(s.Size())
	if err != nil {
		return "", false, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if !recs[i].Skipped && recs[i].FEN != "" {
			return recs[i].FEN, true, nil
		}
	}
	return "", false, nil
}

// Recent returns up to n of the newest records, oldest first
func (s *HistoryStore) Recent(n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil, fmt.Errorf("store is closed")
	}
	if n > s.size() {
		n = s.size()
	}
	if n <= 0 {
		return nil, nil
	}

	records := make([]Record, 0, n)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		for seq := s.count - uint64(n); seq < s.count; seq++ {
			data := b.Get(slotKey(seq % uint64(s.maxSize)))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("corrupt record %d: %w", seq, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Clear removes all records
func (s *HistoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(BucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucket([]byte(BucketName)); err != nil {
			return err
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if meta == nil {
			return fmt.Errorf("meta bucket not found")
		}
		countBytes := make([]byte, 8)
		if err := meta.Put([]byte(CountKey), countBytes); err != nil {
			return err
		}
		s.count = 0
		return nil
	})
}

// Close closes the database connection
func (s *HistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil
	}
	s.isClosed = true
	return s.db.Close()
}

// Stats describes the store
type Stats struct {
	TotalRecords    uint64
	RetainedRecords int
	MaxSize         int
	DBPath          string
	IsWrapped       bool
}

// GetStats returns current statistics
func (s *HistoryStore) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalRecords:    s.count,
		RetainedRecords: s.size(),
		MaxSize:         s.maxSize,
		DBPath:          s.dbPath,
		IsWrapped:       s.count > uint64(s.maxSize),
	}
}

// ExportToJSON writes every retained record, oldest first, to outputPath
func (s *HistoryStore) ExportToJSON(outputPath string) error {
	records, err := s.Recent(s.Size())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}
