// Package taps splits an active block into individual taps by walking the
// main-axis acceleration through a raise, lower and impact state machine.
package taps

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"retap/internal/config"
	"retap/internal/impact"
	"retap/internal/model"
	"retap/internal/peaks"
	"retap/internal/triax"
)

var (
	ErrInvalidSampleRate = errors.New("taps: sample rate must be > 0")
	ErrInvalidAxis       = errors.New("taps: main axis must be 0, 1 or 2")
)

type Result struct {
	Taps    []model.Tap
	Impacts []int
	// Signal is the block after missing-sample repair; every index in Taps
	// and Impacts refers to it. Origin maps those indices back to the block
	// as it was passed in.
	Signal  model.TriAxial
	Origin  []int
	Dropped int
}

// Detect finds the taps of one block. The first tap the machine closes is
// always discarded.
func Detect(block model.TriAxial, mainAxis int, fs float64, cfg config.TapConfig) (Result, error) {
	if fs <= 0 {
		return Result{}, ErrInvalidSampleRate
	}
	if mainAxis < 0 || mainAxis > 2 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidAxis, mainAxis)
	}
	if err := config.ValidateTaps(cfg); err != nil {
		return Result{}, err
	}

	cond := triax.Condition(block)
	res := Result{Signal: cond.Signal, Origin: cond.Origin, Dropped: cond.Dropped}
	sig := cond.Signal[mainAxis]
	if len(sig) < 3 {
		return res, nil
	}

	impacts, err := impact.Find(triax.Magnitude(cond.Signal), fs, impact.Params{
		MinDistance:    cfg.ImpactMinDistance,
		HeightSD:       cfg.ImpactHeightSD,
		HeightFraction: cfg.ImpactHeightFraction,
	})
	if err != nil {
		return res, err
	}
	res.Impacts = impacts

	df := triax.Diff(sig)
	params := Thresholds(sig, df)
	params.Debounce = int(fs * cfg.ImpactDebounce.Seconds())
	params.BackfillOffset = cfg.BackfillOffset

	pos, neg := PeakSets(sig, fs, cfg)
	pos = newIndexSet(impacts).without(pos)

	m := NewMachine(params, impacts, pos, neg)
	for n := 0; n < len(sig)-1; n++ {
		m.Step(n, sig[n], df[n])
	}
	if done := m.Completed(); len(done) > 1 {
		res.Taps = append([]model.Tap(nil), done[1:]...)
	}
	return res, nil
}

// Thresholds derives the movement thresholds from the block's own signal.
func Thresholds(sig, df []float64) Params {
	mean := stat.Mean(sig, nil)
	return Params{
		PosThreshold: mean,
		NegThreshold: -mean,
		DerivMedian:  median(df),
	}
}

// PeakSets returns the raise peaks (maxima at or above the mean) and the
// lowering peaks (prominent minima at or below the negative floor).
func PeakSets(sig []float64, fs float64, cfg config.TapConfig) (pos, neg []int) {
	pos = peaks.Find(sig, peaks.Options{
		HasHeight: true,
		MinHeight: stat.Mean(sig, nil),
		MaxHeight: floats.Max(sig),
		Distance:  peaks.DistanceSamples(cfg.PosPeakDistance.Seconds(), fs),
	})
	inverted := make([]float64, len(sig))
	floats.ScaleTo(inverted, -1, sig)
	neg = peaks.Find(inverted, peaks.Options{
		HasHeight:  true,
		MinHeight:  -cfg.NegPeakFloor,
		MaxHeight:  math.Inf(1),
		Distance:   peaks.DistanceSamples(cfg.NegPeakDistance.Seconds(), fs),
		Prominence: math.Abs(floats.Min(sig)) * cfg.NegPeakProminence,
	})
	return pos, neg
}

func median(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
