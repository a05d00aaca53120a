package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"retap/internal/model"
)

// DedupeCache remembers when a key was last seen.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
	limit int
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time), limit: 10000}
}

// Seen reports whether key was recorded within ttl of now and records it
// either way.
func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > d.limit {
		for k, ts := range d.items {
			if now.Sub(ts) > ttl {
				delete(d.items, k)
			}
		}
	}
	return false
}

func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	delete(d.items, key)
	d.mu.Unlock()
}

// jobKey identifies a job by its file content stamp and analysis parameters,
// so a rewritten file is analyzed again.
func jobKey(job model.Job) string {
	stamp := ""
	if info, err := os.Stat(job.Path); err == nil {
		stamp = fmt.Sprintf("%d|%d", info.Size(), info.ModTime().UnixNano())
	}
	raw := fmt.Sprintf("%s|%s|%s|%g|%d", job.ID, job.Path, stamp, job.SampleRate, job.MainAxis)
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
