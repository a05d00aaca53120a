package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"retap/internal/config"
	"retap/internal/ingest"
	"retap/internal/logging"
	"retap/internal/model"
	"retap/internal/notices"
	"retap/internal/results"
	"retap/internal/taps"
)

const (
	testFs      = 250.0
	tapLead     = 500
	tapPeriod   = 125
	tapCount    = 16
	impactDelay = 75
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workers = 2
	return cfg
}

func newAnalyzerForTest(cfg *config.Config) *Analyzer {
	return NewAnalyzer(cfg, logging.Discard(), results.NewStore(100), notices.NewStore(100), nil, nil)
}

// tapRecording has tapCount taps on X, one every tapPeriod samples, between
// tapLead samples of rest on either side. Each tap raises with amplitude 1
// and lowers with amplitude 3 into an impact impactDelay samples in.
func tapRecording() model.Recording {
	n := 2*tapLead + tapCount*tapPeriod
	var acc model.TriAxial
	for axis := range acc {
		acc[axis] = make([]float64, n)
	}
	for k := 0; k < tapCount; k++ {
		s := tapLead + k*tapPeriod
		for i := 0; i < 100; i++ {
			amp := 1.0
			if i >= 50 {
				amp = 3.0
			}
			acc[0][s+i] = amp * math.Sin(2*math.Pi*float64(i)/100)
		}
	}
	return model.Recording{ID: "synthetic", Source: "test", SampleRate: testFs, Signal: acc}
}

func impactSecond(k int) float64 {
	return float64(tapLead+k*tapPeriod+impactDelay) / testFs
}

func TestAnalyzeFindsTaps(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	res, err := a.Analyze(context.Background(), tapRecording(), -1)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(res.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(res.Blocks))
	}
	b := res.Blocks[0]
	if b.MainAxis != 0 {
		t.Fatalf("main axis: %d", b.MainAxis)
	}
	if len(b.Impacts) != tapCount {
		t.Fatalf("expected %d impacts, got %d", tapCount, len(b.Impacts))
	}
	if len(b.Taps) != tapCount-1 {
		t.Fatalf("expected %d taps, got %d", tapCount-1, len(b.Taps))
	}
	for i, times := range b.Times {
		got := times[5]
		if got == nil {
			t.Fatalf("tap %d has no impact time", i)
		}
		if want := impactSecond(i + 1); math.Abs(*got-want) > 1e-9 {
			t.Fatalf("tap %d impact at %v, want %v", i, *got, want)
		}
	}
	if b.Summary.TapCount != tapCount-1 {
		t.Fatalf("summary tap count: %d", b.Summary.TapCount)
	}
	if math.Abs(b.Summary.MeanIntervalSec-float64(tapPeriod)/testFs) > 1e-9 {
		t.Fatalf("mean interval: %v", b.Summary.MeanIntervalSec)
	}
	if _, _, ok := a.results.Get("synthetic"); !ok {
		t.Fatalf("result not stored")
	}
	if analyzed, failed := a.Counts(); analyzed != 1 || failed != 0 {
		t.Fatalf("counts: %d %d", analyzed, failed)
	}
}

func TestAnalyzeMissingSampleKeepsTimebase(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	rec := tapRecording()
	rec.Signal[1][tapLead+4*tapPeriod] = math.NaN()
	res, err := a.Analyze(context.Background(), rec, 0)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(res.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(res.Blocks))
	}
	b := res.Blocks[0]
	if b.Dropped != 1 {
		t.Fatalf("dropped: %d", b.Dropped)
	}
	for i, times := range b.Times {
		if want := impactSecond(i + 1); times[5] == nil || math.Abs(*times[5]-want) > 1e-9 {
			t.Fatalf("tap %d impact time shifted", i)
		}
	}
	found := false
	for _, n := range a.notices.ForRecording("synthetic") {
		if n.Kind == model.NoticeMissingSamples && n.Block == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing samples notice")
	}
}

func TestAnalyzeQuietRecording(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	var acc model.TriAxial
	for axis := range acc {
		acc[axis] = make([]float64, 3000)
	}
	res, err := a.Analyze(context.Background(), model.Recording{ID: "quiet", SampleRate: testFs, Signal: acc}, -1)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(res.Blocks) != 0 || res.TapCount() != 0 {
		t.Fatalf("expected empty result")
	}
	list := a.notices.ForRecording("quiet")
	if len(list) != 1 || list[0].Kind != model.NoticeNoBlocks {
		t.Fatalf("notices: %+v", list)
	}
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	rec := tapRecording()
	rec.SampleRate = 0
	if _, err := a.Analyze(context.Background(), rec, 0); err == nil {
		t.Fatalf("expected error for zero sample rate")
	}
	rec = tapRecording()
	if _, err := a.Analyze(context.Background(), rec, 3); err == nil {
		t.Fatalf("expected error for bad axis")
	}
}

func TestTapTimesUsesOrigin(t *testing.T) {
	tap := model.EmptyTap()
	tap.StartUp = 0
	tap.Impact = 2
	times := TapTimes([]model.Tap{tap}, []int{0, 1, 3}, 100, 10)
	if times[0][0] == nil || *times[0][0] != 10 {
		t.Fatalf("start time: %v", times[0][0])
	}
	if times[0][5] == nil || *times[0][5] != 10.3 {
		t.Fatalf("impact time: %v", times[0][5])
	}
	if times[0][1] != nil {
		t.Fatalf("unset boundary should have no time")
	}
}

func writeRecording(t *testing.T, dir, name string, rec model.Recording) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := ingest.WriteCSV(f, rec.Signal); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestProcessJobDedupe(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	path := writeRecording(t, t.TempDir(), "rec_250Hz.csv", tapRecording())
	job := model.Job{ID: "rec", Path: path, SampleRate: testFs, MainAxis: -1}
	res, err := a.ProcessJob(context.Background(), job)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.TapCount() != tapCount-1 {
		t.Fatalf("taps: %d", res.TapCount())
	}
	if _, err := a.ProcessJob(context.Background(), job); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	a.Reset()
	if _, err := a.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("process after reset: %v", err)
	}
}

func TestBatchKeepsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.DedupeWindow = 0
	a := newAnalyzerForTest(cfg)
	dir := t.TempDir()
	jobs := []model.Job{
		{ID: "a", Path: writeRecording(t, dir, "a.csv", tapRecording()), SampleRate: testFs, MainAxis: -1},
		{ID: "missing", Path: filepath.Join(dir, "missing.csv"), SampleRate: testFs, MainAxis: -1},
		{ID: "b", Path: writeRecording(t, dir, "b.csv", tapRecording()), SampleRate: testFs, MainAxis: -1},
	}
	out := a.Batch(context.Background(), jobs)
	if len(out) != 3 {
		t.Fatalf("outcomes: %d", len(out))
	}
	if out[0].Err != nil || out[0].Result.ID != "a" {
		t.Fatalf("first outcome: %+v", out[0].Err)
	}
	if out[1].Err == nil {
		t.Fatalf("expected error for missing file")
	}
	if out[2].Err != nil || out[2].Result.ID != "b" {
		t.Fatalf("third outcome: %+v", out[2].Err)
	}
	if analyzed, failed := a.Counts(); analyzed != 2 || failed != 1 {
		t.Fatalf("counts: %d %d", analyzed, failed)
	}
}

func TestStartConsumesJobs(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.RateLimit = 100
	a := newAnalyzerForTest(cfg)
	path := writeRecording(t, t.TempDir(), "queued.csv", tapRecording())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs := make(chan model.Job, 1)
	a.Start(ctx, jobs)
	jobs <- model.Job{ID: "queued", Path: path, SampleRate: testFs, MainAxis: 0}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := a.results.Get("queued"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queued job was not analyzed")
}

func TestJobLimiter(t *testing.T) {
	if l := newJobLimiter(config.IngestConfig{}); l.Limit() != rate.Inf {
		t.Fatalf("expected unlimited, got %v", l.Limit())
	}
	l := newJobLimiter(config.IngestConfig{RateLimit: 2, RateBurst: 0})
	if l.Limit() != 2 || l.Burst() != 1 {
		t.Fatalf("limit %v burst %d", l.Limit(), l.Burst())
	}
}

func TestProcessJobRetriesFailedLoad(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	job := model.Job{ID: "gone", Path: filepath.Join(t.TempDir(), "gone.csv"), SampleRate: testFs, MainAxis: -1}
	for i := 0; i < 2; i++ {
		_, err := a.ProcessJob(context.Background(), job)
		if err == nil || errors.Is(err, ErrDuplicateJob) {
			t.Fatalf("attempt %d: expected load error, got %v", i, err)
		}
	}
	if _, failed := a.Counts(); failed != 2 {
		t.Fatalf("failed count: %d", failed)
	}
}

func TestAnalyzeRejectsAxisWithoutBlocks(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	var acc model.TriAxial
	for axis := range acc {
		acc[axis] = make([]float64, 1000)
	}
	rec := model.Recording{ID: "quiet", SampleRate: testFs, Signal: acc}
	if _, err := a.Analyze(context.Background(), rec, 5); !errors.Is(err, taps.ErrInvalidAxis) {
		t.Fatalf("expected invalid axis, got %v", err)
	}
}

func TestUpdateConfigChangesJobRate(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	if a.limiter.Limit() != rate.Inf {
		t.Fatalf("expected unlimited, got %v", a.limiter.Limit())
	}
	next := testConfig()
	next.Ingest.RateLimit = 3
	next.Ingest.RateBurst = 2
	a.UpdateConfig(next)
	if a.limiter.Limit() != 3 || a.limiter.Burst() != 2 {
		t.Fatalf("limit %v burst %d", a.limiter.Limit(), a.limiter.Burst())
	}
	a.UpdateConfig(testConfig())
	if a.limiter.Limit() != rate.Inf {
		t.Fatalf("limit not lifted: %v", a.limiter.Limit())
	}
}

func TestConsumeReturnsWhenChannelCloses(t *testing.T) {
	a := newAnalyzerForTest(testConfig())
	in := make(chan model.Job)
	done := make(chan struct{})
	go func() {
		a.consume(context.Background(), in)
		close(done)
	}()
	close(in)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer kept running after close")
	}
}
