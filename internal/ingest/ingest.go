// Package ingest turns CSV files, directory scans and Kafka messages into
// analysis jobs.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"retap/internal/model"
)

// SendNonBlocking queues job unless out is full, in which case the job is
// dropped and logged.
func SendNonBlocking(ctx context.Context, out chan<- model.Job, job model.Job, logger *slog.Logger) bool {
	select {
	case out <- job:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	if logger != nil {
		logger.Warn("job channel full, dropping job", "id", job.ID, "path", job.Path, "source", job.Source)
	}
	return false
}

// Backoff doubles its delay after every failure, up to Max, and starts over
// after Reset.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	cur time.Duration
}

func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
	}
	if b.Max > 0 && b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

func (b *Backoff) Reset() {
	b.cur = 0
}

// Sleep waits for the next delay. It returns false when ctx ends first.
func (b *Backoff) Sleep(ctx context.Context) bool {
	return sleepCtx(ctx, b.Next())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
