// Package impact finds the samples where the finger hits the surface.
package impact

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"retap/internal/peaks"
	"retap/internal/triax"
)

var ErrInvalidSampleRate = errors.New("impact: sample rate must be > 0")

type Params struct {
	MinDistance    time.Duration
	HeightSD       float64
	HeightFraction float64
}

// Floor is the amplitude an impact peak must reach:
// max(mean + HeightSD*sd, HeightFraction*max), NaNs ignored.
func Floor(svm []float64, p Params) float64 {
	clean := triax.DropNaN(svm)
	if len(clean) == 0 {
		return math.Inf(1)
	}
	statFloor := triax.NanMean(clean) + p.HeightSD*triax.NanStd(clean)
	return math.Max(statFloor, p.HeightFraction*floats.Max(clean))
}

// Find returns the ascending indices of impact peaks in the magnitude signal.
func Find(svm []float64, fs float64, p Params) ([]int, error) {
	if fs <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if len(svm) < 3 {
		return nil, nil
	}
	floor := Floor(svm, p)
	if math.IsInf(floor, 1) {
		return nil, nil
	}
	return peaks.Find(svm, peaks.Options{
		HasHeight: true,
		MinHeight: floor,
		MaxHeight: math.Inf(1),
		Distance:  peaks.DistanceSamples(p.MinDistance.Seconds(), fs),
	}), nil
}
