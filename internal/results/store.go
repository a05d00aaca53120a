package results

import (
	"sort"
	"sync"
	"time"

	"retap/internal/model"
)

// Store keeps the latest result per recording, evicting the least recently
// updated recording once limit is exceeded.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]model.RecordingResult
	updatedAt map[string]time.Time
	limit     int
}

type Entry struct {
	ID        string    `json:"id"`
	Blocks    int       `json:"blocks"`
	Taps      int       `json:"taps"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		byID:      make(map[string]model.RecordingResult),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(res model.RecordingResult) {
	if res.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[res.ID] = res
	s.updatedAt[res.ID] = time.Now().UTC()
	for len(s.byID) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(id string) (model.RecordingResult, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.byID[id]
	return res, s.updatedAt[id], ok
}

// List returns one entry per stored recording, most recent first.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.byID))
	for id, res := range s.byID {
		out = append(out, Entry{
			ID:        id,
			Blocks:    len(res.Blocks),
			Taps:      res.TapCount(),
			Samples:   res.Samples,
			UpdatedAt: s.updatedAt[id],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestID == "" || ts.Before(oldest) {
			oldestID = id
			oldest = ts
		}
	}
	if oldestID != "" {
		delete(s.byID, oldestID)
		delete(s.updatedAt, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]model.RecordingResult)
	s.updatedAt = make(map[string]time.Time)
}
