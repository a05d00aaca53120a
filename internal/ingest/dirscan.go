package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"retap/internal/config"
	"retap/internal/model"
	"retap/internal/normalize"
)

// StartDirScan polls a directory and emits one job per new or changed file
// that matches the configured pattern.
func StartDirScan(ctx context.Context, cfg *config.Manager, out chan<- model.Job, logger *slog.Logger) {
	current := cfg.Get().Ingest.DirScan
	if !current.Enabled {
		if logger != nil {
			logger.Info("directory scan ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("directory scan ingest enabled", "dir", current.Dir, "pattern", current.Pattern, "interval", current.Interval)
	}
	scanner := NewDirScanner(current.Dir, current.Pattern)
	go func() {
		for {
			jobs, err := scanner.Scan(cfg.Get())
			if err != nil && logger != nil {
				logger.Warn("directory scan failed", "dir", current.Dir, "err", err)
			}
			for _, job := range jobs {
				if logger != nil {
					logger.Debug("recording queued", "path", job.Path, "size", humanize.Bytes(uint64(job.Size)))
				}
				SendNonBlocking(ctx, out, job, logger)
			}
			if !sleepCtx(ctx, cfg.Get().Ingest.DirScan.Interval) {
				return
			}
		}
	}()
}

// DirScanner remembers the size and modification time of every file it has
// turned into a job.
type DirScanner struct {
	dir     string
	pattern string
	seen    map[string]fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func NewDirScanner(dir, pattern string) *DirScanner {
	if pattern == "" {
		pattern = "*.csv"
	}
	return &DirScanner{dir: dir, pattern: pattern, seen: make(map[string]fileStamp)}
}

// Scan returns jobs for files that appeared or changed since the last call,
// sorted by path.
func (s *DirScanner) Scan(cfg *config.Config) ([]model.Job, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var jobs []model.Job
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}
		if prev, ok := s.seen[path]; ok && prev == stamp {
			continue
		}
		s.seen[path] = stamp
		job, err := normalize.Normalize(normalize.JobFields{Path: path, Source: "dir_scan"}, cfg)
		if err != nil {
			continue
		}
		job.Size = stamp.size
		jobs = append(jobs, job)
	}
	return jobs, nil
}
