// Package blocks finds intervals of sustained tapping inside a recording.
package blocks

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"retap/internal/config"
	"retap/internal/model"
	"retap/internal/triax"
)

var (
	ErrInvalidSampleRate = errors.New("blocks: sample rate must be > 0")
	ErrInvalidWindow     = errors.New("blocks: window length must be at least one sample")
)

// Span is a half-open range [Start, End), in windows or samples depending on
// the stage.
type Span struct {
	Start int
	End   int
}

// Segment returns the active tapping blocks of acc in ascending order. Block
// bounds are indices into acc; each block carries its sub-array.
func Segment(acc model.TriAxial, fs float64, cfg config.SegmentationConfig, logger *slog.Logger) ([]model.ActiveBlock, error) {
	if fs <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if err := config.ValidateSegmentation(cfg); err != nil {
		return nil, err
	}
	winl := WindowLength(fs, cfg.WindowsPerSecond)
	if winl < 1 {
		return nil, fmt.Errorf("%w: fs=%v windows_per_second=%d", ErrInvalidWindow, fs, cfg.WindowsPerSecond)
	}

	svm := triax.Magnitude(acc)
	thresh := cfg.ThresholdSD * triax.NanStd(svm)
	act := Activity(svm, thresh, winl)
	candidates := Edges(Mark(act, cfg.BufferWindows, cfg.ActivityRatio, cfg.MinActiveWindows))
	merged := Merge(candidates, MergeGapWindows(cfg))
	spans := ToSamples(merged, winl, len(svm))
	spans = SelectLonger(spans, fs, cfg.MinBlockLength.Seconds())
	spans = SelectLonger(spans, fs, cfg.SelectBlockLength.Seconds())

	out := make([]model.ActiveBlock, 0, len(spans))
	for i, sp := range spans {
		out = append(out, model.ActiveBlock{
			Index:  i,
			Start:  sp.Start,
			End:    sp.End,
			Signal: acc.Slice(sp.Start, sp.End),
		})
	}
	if logger != nil {
		lengths := make([]float64, len(out))
		for i, b := range out {
			lengths[i] = math.Round(b.Seconds(fs)*100) / 100
		}
		logger.Info("tapping blocks detected",
			"threshold", thresh,
			"candidates", len(candidates),
			"blocks", len(out),
			"lengths_sec", lengths,
		)
	}
	return out, nil
}

// Indices lists block bounds as parallel start and end slices.
func Indices(blocks []model.ActiveBlock) (starts, ends []int) {
	starts = make([]int, len(blocks))
	ends = make([]int, len(blocks))
	for i, b := range blocks {
		starts[i] = b.Start
		ends[i] = b.End
	}
	return starts, ends
}

func WindowLength(fs float64, windowsPerSecond int) int {
	if windowsPerSecond <= 0 {
		return 0
	}
	return int(fs / float64(windowsPerSecond))
}

func MergeGapWindows(cfg config.SegmentationConfig) int {
	return int(math.Round(cfg.MergeGap.Seconds() * float64(cfg.WindowsPerSecond)))
}

// Activity returns, per window of winl samples, the fraction of samples above
// thresh. The last window may be partial but is still divided by winl.
func Activity(svm []float64, thresh float64, winl int) []float64 {
	out := make([]float64, 0, len(svm)/winl+1)
	for start := 0; start < len(svm); start += winl {
		end := min(start+winl, len(svm))
		over := 0
		for _, v := range svm[start:end] {
			if v > thresh {
				over++
			}
		}
		out = append(out, float64(over)/float64(winl))
	}
	return out
}

// Mark flags window i active when more than minActive windows in
// [i-buffer, i+buffer) exceed ratio. Windows closer than buffer to either end
// of the recording stay inactive.
func Mark(act []float64, buffer int, ratio float64, minActive int) []bool {
	out := make([]bool, len(act))
	over := make([]int, len(act)+1)
	for i, a := range act {
		over[i+1] = over[i]
		if a > ratio {
			over[i+1]++
		}
	}
	for i := buffer; i < len(act)-buffer; i++ {
		lo, hi := i-buffer, i+buffer
		out[i] = over[hi]-over[lo] > minActive
	}
	return out
}

// Edges turns a run of flags into [start, end) spans. A span still open at
// the end is closed at len(flags).
func Edges(flags []bool) []Span {
	var out []Span
	open := false
	start := 0
	for i, f := range flags {
		switch {
		case f && !open:
			start, open = i, true
		case !f && open:
			out = append(out, Span{Start: start, End: i})
			open = false
		}
	}
	if open {
		out = append(out, Span{Start: start, End: len(flags)})
	}
	return out
}

// Merge joins consecutive spans separated by fewer than minGap units.
func Merge(spans []Span, minGap int) []Span {
	if len(spans) == 0 {
		return nil
	}
	out := make([]Span, 0, len(spans))
	cur := spans[0]
	for _, next := range spans[1:] {
		if next.Start-cur.End < minGap {
			cur.End = max(cur.End, next.End)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// ToSamples scales window spans by winl and clamps them to n samples.
func ToSamples(spans []Span, winl, n int) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		s := Span{Start: min(sp.Start*winl, n), End: min(sp.End*winl, n)}
		if s.End > s.Start {
			out = append(out, s)
		}
	}
	return out
}

// SelectLonger keeps sample spans lasting at least minSeconds.
func SelectLonger(spans []Span, fs, minSeconds float64) []Span {
	out := spans[:0:0]
	minSamples := minSeconds * fs
	for _, sp := range spans {
		if float64(sp.End-sp.Start) < minSamples {
			continue
		}
		out = append(out, sp)
	}
	return out
}
