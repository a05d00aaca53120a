// Package summary reduces one block's taps to a few rate and regularity
// figures.
package summary

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"gonum.org/v1/gonum/stat"

	"retap/internal/model"
)

const (
	minMovementHz = 0.5
	maxMovementHz = 10.0
)

// Block summarizes the taps found in sig, the block's main axis. Inter-tap intervals
// are measured between consecutive impacts.
func Block(taps []model.Tap, sig []float64, fs float64) model.BlockSummary {
	out := model.BlockSummary{TapCount: len(taps)}
	if fs <= 0 {
		return out
	}
	out.DurationSec = float64(len(sig)) / fs
	if out.DurationSec > 0 {
		out.TapRate = float64(len(taps)) / out.DurationSec
	}
	intervals := Intervals(taps, fs)
	if len(intervals) > 0 {
		mean, sd := stat.MeanStdDev(intervals, nil)
		out.MeanIntervalSec = mean
		if len(intervals) > 1 && mean > 0 {
			out.IntervalCV = sd / mean
		}
	}
	out.DominantFreqHz = DominantFrequency(sig, fs)
	return out
}

// Intervals returns the time in seconds between consecutive tap impacts.
func Intervals(taps []model.Tap, fs float64) []float64 {
	var out []float64
	prev := model.NoIndex
	for _, t := range taps {
		if !t.Impact.Valid() {
			continue
		}
		if prev.Valid() {
			out = append(out, float64(t.Impact-prev)/fs)
		}
		prev = t.Impact
	}
	return out
}

// DominantFrequency is the strongest spectral component of sig between 0.5
// and 10 Hz after mean removal and a Hann window. It is 0 when the block is
// too short to resolve that band.
func DominantFrequency(sig []float64, fs float64) float64 {
	if len(sig) < 4 || fs <= 0 {
		return 0
	}
	x := make([]float64, len(sig))
	mean := stat.Mean(sig, nil)
	for i, v := range sig {
		x[i] = v - mean
	}
	window.Apply(x, window.Hann)
	spectrum := fft.FFTReal(x)
	binHz := fs / float64(len(x))
	lo := int(math.Ceil(minMovementHz / binHz))
	hi := min(int(maxMovementHz/binHz), len(spectrum)/2)
	best, bestMag := 0, 0.0
	for k := max(lo, 1); k <= hi; k++ {
		if mag := cmplx.Abs(spectrum[k]); mag > bestMag {
			best, bestMag = k, mag
		}
	}
	return float64(best) * binHz
}
