// Package peaks locates local maxima in a sampled signal and filters them by
// height, spacing and prominence.
package peaks

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Options selects which filters Find applies. Zero values disable a filter,
// except MinHeight and MaxHeight which are used whenever HasHeight is set.
type Options struct {
	HasHeight  bool
	MinHeight  float64
	MaxHeight  float64
	Distance   int
	Prominence float64
}

// Find returns the ascending indices of the local maxima of x that pass the
// filters in opts. Filters run in order height, distance, prominence. Flat
// peaks report their middle sample; NaN samples never form a peak.
func Find(x []float64, opts Options) []int {
	candidates := localMaxima(x)
	if opts.HasHeight {
		candidates = filter(candidates, func(p int) bool {
			return x[p] >= opts.MinHeight && x[p] <= opts.MaxHeight
		})
	}
	if opts.Distance > 1 && len(candidates) > 1 {
		candidates = byDistance(x, candidates, opts.Distance)
	}
	if opts.Prominence > 0 {
		candidates = filter(candidates, func(p int) bool {
			return Prominence(x, p) >= opts.Prominence
		})
	}
	return candidates
}

func localMaxima(x []float64) []int {
	var out []int
	n := len(x)
	i := 1
	for i < n-1 {
		if x[i-1] < x[i] {
			ahead := i + 1
			for ahead < n-1 && x[ahead] == x[i] {
				ahead++
			}
			if x[ahead] < x[i] {
				out = append(out, (i+ahead-1)/2)
				i = ahead
			}
		}
		i++
	}
	return out
}

func filter(idx []int, keep func(int) bool) []int {
	out := idx[:0:0]
	for _, p := range idx {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// byDistance keeps the highest peaks and removes every lower neighbour closer
// than distance samples.
func byDistance(x []float64, idx []int, distance int) []int {
	heights := make([]float64, len(idx))
	for i, p := range idx {
		heights[i] = x[p]
	}
	order := make([]int, len(idx))
	floats.Argsort(heights, order)
	keep := make([]bool, len(idx))
	for i := range keep {
		keep[i] = true
	}
	for k := len(order) - 1; k >= 0; k-- {
		i := order[k]
		if !keep[i] {
			continue
		}
		for j := i - 1; j >= 0 && idx[i]-idx[j] < distance; j-- {
			keep[j] = false
		}
		for j := i + 1; j < len(idx) && idx[j]-idx[i] < distance; j++ {
			keep[j] = false
		}
	}
	out := make([]int, 0, len(idx))
	for i, p := range idx {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// Prominence is the height of x[p] above the higher of the two lowest points
// reached before the signal climbs above x[p] on either side.
func Prominence(x []float64, p int) float64 {
	leftMin := x[p]
	for i := p - 1; i >= 0 && !(x[i] > x[p]); i-- {
		if x[i] < leftMin {
			leftMin = x[i]
		}
	}
	rightMin := x[p]
	for i := p + 1; i < len(x) && !(x[i] > x[p]); i++ {
		if x[i] < rightMin {
			rightMin = x[i]
		}
	}
	return x[p] - math.Max(leftMin, rightMin)
}

// DistanceSamples converts a spacing in seconds to a sample count, rounded up
// and never below one.
func DistanceSamples(seconds, fs float64) int {
	d := int(math.Ceil(seconds*fs - 1e-9))
	if d < 1 {
		return 1
	}
	return d
}
