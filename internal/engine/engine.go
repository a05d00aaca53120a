// Package engine runs recordings through segmentation and tap detection and
// fans the results out to the stores, persistence and publishing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"retap/internal/blocks"
	"retap/internal/config"
	"retap/internal/ingest"
	"retap/internal/model"
	"retap/internal/notices"
	"retap/internal/publish"
	"retap/internal/results"
	"retap/internal/storage"
	"retap/internal/summary"
	"retap/internal/taps"
	"retap/internal/triax"
)

var ErrDuplicateJob = errors.New("job already analyzed")

type Analyzer struct {
	logger    *slog.Logger
	results   *results.Store
	notices   *notices.Store
	store     storage.Store
	publisher publish.Publisher
	cfg       atomic.Pointer[config.Config]
	deDupe    atomic.Pointer[DedupeCache]
	limiter   *rate.Limiter
	started   time.Time
	analyzed  atomic.Int64
	failed    atomic.Int64
}

// Outcome is the result of one job of a batch.
type Outcome struct {
	Job    model.Job
	Result model.RecordingResult
	Err    error
}

// NewAnalyzer wires an analyzer. store and publisher may be nil.
func NewAnalyzer(cfg *config.Config, logger *slog.Logger, resultsStore *results.Store, noticesStore *notices.Store, store storage.Store, publisher publish.Publisher) *Analyzer {
	a := &Analyzer{
		logger:    logger,
		results:   resultsStore,
		notices:   noticesStore,
		store:     store,
		publisher: publisher,
		started:   time.Now().UTC(),
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	a.cfg.Store(cfg)
	a.deDupe.Store(NewDedupeCache())
	a.limiter = newJobLimiter(cfg.Ingest)
	return a
}

// UpdateConfig swaps the active configuration. A changed ingest rate applies
// to the next job Start takes.
func (a *Analyzer) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.cfg.Store(cfg)
	limit, burst := jobRate(cfg.Ingest)
	a.limiter.SetLimit(limit)
	a.limiter.SetBurst(burst)
}

func (a *Analyzer) config() *config.Config {
	if cfg := a.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

func (a *Analyzer) Started() time.Time {
	return a.started
}

// Counts returns the number of recordings analyzed and failed so far.
func (a *Analyzer) Counts() (analyzed, failed int64) {
	return a.analyzed.Load(), a.failed.Load()
}

func (a *Analyzer) Reset() {
	a.deDupe.Store(NewDedupeCache())
	a.analyzed.Store(0)
	a.failed.Store(0)
	if a.results != nil {
		a.results.Clear()
	}
	if a.notices != nil {
		a.notices.Clear()
	}
}

// Start processes jobs from in until ctx is done or in is closed, no faster
// than ingest.rate_limit jobs per second.
func (a *Analyzer) Start(ctx context.Context, in <-chan model.Job) {
	go a.consume(ctx, in)
}

func (a *Analyzer) consume(ctx context.Context, in <-chan model.Job) {
	for {
		select {
		case job, ok := <-in:
			if !ok {
				return
			}
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := a.ProcessJob(ctx, job); err != nil && !errors.Is(err, ErrDuplicateJob) && a.logger != nil {
				a.logger.Warn("job failed", "id", job.ID, "path", job.Path, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func newJobLimiter(cfg config.IngestConfig) *rate.Limiter {
	return rate.NewLimiter(jobRate(cfg))
}

// jobRate maps a rate limit of 0 to no limit.
func jobRate(cfg config.IngestConfig) (rate.Limit, int) {
	if cfg.RateLimit <= 0 {
		return rate.Inf, 1
	}
	return rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1)
}

// ProcessJob loads the job's file and analyzes it. A job whose file has not
// changed within the dedupe window returns ErrDuplicateJob.
func (a *Analyzer) ProcessJob(ctx context.Context, job model.Job) (model.RecordingResult, error) {
	key := ""
	dedupe := a.deDupe.Load()
	if window := a.config().Ingest.DedupeWindow; window > 0 {
		key = jobKey(job)
		if dedupe.Seen(key, time.Now().UTC(), window) {
			return model.RecordingResult{}, ErrDuplicateJob
		}
	}
	rec, err := ingest.LoadRecording(job)
	if err != nil {
		// a repaired file must not wait out the dedupe window
		if key != "" {
			dedupe.Forget(key)
		}
		a.failed.Add(1)
		return model.RecordingResult{}, err
	}
	return a.Analyze(ctx, rec, job.MainAxis)
}

// Batch runs jobs in parallel, at most cfg.Workers at a time. A failing job
// does not stop the others; outcomes keep the order of jobs.
func (a *Analyzer) Batch(ctx context.Context, jobs []model.Job) []Outcome {
	out := make([]Outcome, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.config().Workers, 1))
	for i, job := range jobs {
		g.Go(func() error {
			res, err := a.ProcessJob(ctx, job)
			out[i] = Outcome{Job: job, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Segment finds the active blocks of rec with the current configuration.
func (a *Analyzer) Segment(rec model.Recording) ([]model.ActiveBlock, error) {
	return blocks.Segment(rec.Signal, rec.SampleRate, a.config().Segmentation, a.logger)
}

// Analyze segments rec and detects the taps of every block. mainAxis < 0
// selects the axis with the widest range over the whole recording.
func (a *Analyzer) Analyze(ctx context.Context, rec model.Recording, mainAxis int) (model.RecordingResult, error) {
	cfg := a.config()
	if mainAxis > 2 {
		a.failed.Add(1)
		return model.RecordingResult{}, fmt.Errorf("analyze %s: %w", rec.ID, taps.ErrInvalidAxis)
	}
	if mainAxis < 0 {
		mainAxis = triax.MainAxis(rec.Signal)
	}
	found, err := blocks.Segment(rec.Signal, rec.SampleRate, cfg.Segmentation, a.logger)
	if err != nil {
		a.failed.Add(1)
		return model.RecordingResult{}, fmt.Errorf("segment %s: %w", rec.ID, err)
	}

	res := model.RecordingResult{
		ID:         rec.ID,
		Source:     rec.Source,
		SampleRate: rec.SampleRate,
		Samples:    rec.Signal.Len(),
		AnalyzedAt: time.Now().UTC(),
		Blocks:     make([]model.BlockResult, len(found)),
	}
	if len(found) == 0 {
		a.notify(rec.ID, -1, model.NoticeNoBlocks, "no active tapping block found")
	}

	var g errgroup.Group
	g.SetLimit(max(cfg.Workers, 1))
	for i, block := range found {
		g.Go(func() error {
			br, err := a.analyzeBlock(rec, block, mainAxis, cfg.Taps)
			if err != nil {
				return fmt.Errorf("block %d of %s: %w", block.Index, rec.ID, err)
			}
			res.Blocks[i] = br
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.failed.Add(1)
		return model.RecordingResult{}, err
	}

	a.analyzed.Add(1)
	if a.results != nil {
		a.results.Update(res)
	}
	if a.store != nil {
		if err := a.store.SaveResult(ctx, res); err != nil && a.logger != nil {
			a.logger.Warn("save result failed", "recording_id", rec.ID, "err", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, res); err != nil && a.logger != nil {
			a.logger.Warn("publish result failed", "recording_id", rec.ID, "err", err)
		}
	}
	if a.logger != nil {
		a.logger.Info("recording analyzed",
			"recording_id", rec.ID,
			"main_axis", mainAxis,
			"blocks", len(res.Blocks),
			"taps", res.TapCount(),
		)
	}
	return res, nil
}

func (a *Analyzer) analyzeBlock(rec model.Recording, block model.ActiveBlock, mainAxis int, cfg config.TapConfig) (model.BlockResult, error) {
	det, err := taps.Detect(block.Signal, mainAxis, rec.SampleRate, cfg)
	if err != nil {
		return model.BlockResult{}, err
	}
	sig := det.Signal[mainAxis]
	br := model.BlockResult{
		Index:    block.Index,
		Start:    block.Start,
		End:      block.End,
		MainAxis: mainAxis,
		Dropped:  det.Dropped,
		Impacts:  det.Impacts,
		Taps:     det.Taps,
		Times:    TapTimes(det.Taps, det.Origin, block.Start, rec.SampleRate),
		Summary:  summary.Block(det.Taps, sig, rec.SampleRate),
	}
	if br.Impacts == nil {
		br.Impacts = []int{}
	}
	if br.Taps == nil {
		br.Taps = []model.Tap{}
	}

	switch {
	case len(sig) < 3:
		a.notify(rec.ID, block.Index, model.NoticeEmptyBlock,
			fmt.Sprintf("block has %d usable samples", len(sig)))
	case len(det.Taps) == 0:
		a.notify(rec.ID, block.Index, model.NoticeNoTaps, "no complete tap found")
	}
	if det.Dropped > 0 {
		a.notify(rec.ID, block.Index, model.NoticeMissingSamples,
			fmt.Sprintf("%d samples with missing values removed", det.Dropped))
	}
	if a.logger != nil {
		a.logger.Debug("block analyzed",
			"recording_id", rec.ID,
			"block", block.Index,
			"taps", len(det.Taps),
			"impacts", len(det.Impacts),
		)
	}
	return br, nil
}

// TapTimes converts tap boundaries into seconds since the start of the
// recording. origin maps conditioned block indices to block indices.
func TapTimes(found []model.Tap, origin []int, blockStart int, fs float64) []model.TapTimes {
	out := make([]model.TapTimes, len(found))
	for i, tap := range found {
		for j, idx := range tap.Indices() {
			if !idx.Valid() || int(idx) >= len(origin) {
				continue
			}
			sec := float64(blockStart+origin[idx]) / fs
			out[i][j] = &sec
		}
	}
	return out
}

func (a *Analyzer) notify(id string, block int, kind model.NoticeKind, msg string) {
	if a.notices != nil {
		a.notices.Add(model.Notice{RecordingID: id, Block: block, Kind: kind, Message: msg})
	}
	if a.logger != nil {
		a.logger.Warn(msg, "recording_id", id, "block", block, "kind", kind)
	}
}
