package notices

import (
	"sync"
	"time"

	"retap/internal/model"
)

// Store is a bounded buffer of data-quality notices; the oldest notice is
// dropped when it is full.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Notice
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(n model.Notice) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, n)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = n
}

// List returns up to limit of the newest notices in insertion order. A
// non-positive limit returns all of them.
func (s *Store) List(limit int) []model.Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	return append([]model.Notice(nil), s.buf[len(s.buf)-limit:]...)
}

func (s *Store) Since(ts time.Time) []model.Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Notice
	for _, n := range s.buf {
		if !n.Timestamp.Before(ts) {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) ForRecording(id string) []model.Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Notice
	for _, n := range s.buf {
		if n.RecordingID == id {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
