// Package triax conditions tri-axial accelerometer arrays: missing-sample
// repair, signal vector magnitude and main-axis selection.
package triax

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"retap/internal/model"
)

// Conditioned is a repaired array plus, for every repaired sample, the index
// it had in the input.
type Conditioned struct {
	Signal  model.TriAxial
	Origin  []int
	Dropped int
}

// Condition drops every sample where any axis is NaN. The axes stay aligned;
// an all-NaN input gives a zero-length signal.
func Condition(acc model.TriAxial) Conditioned {
	n := acc.Len()
	out := Conditioned{Origin: make([]int, 0, n)}
	if !HasNaN(acc) {
		for i := range 3 {
			out.Signal[i] = append([]float64(nil), acc[i][:n]...)
		}
		for s := 0; s < n; s++ {
			out.Origin = append(out.Origin, s)
		}
		return out
	}
	for i := range 3 {
		out.Signal[i] = make([]float64, 0, n)
	}
	for s := 0; s < n; s++ {
		x, y, z := acc[0][s], acc[1][s], acc[2][s]
		if math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z) {
			out.Dropped++
			continue
		}
		out.Signal[0] = append(out.Signal[0], x)
		out.Signal[1] = append(out.Signal[1], y)
		out.Signal[2] = append(out.Signal[2], z)
		out.Origin = append(out.Origin, s)
	}
	return out
}

// HasNaN reports whether any axis holds a missing sample.
func HasNaN(acc model.TriAxial) bool {
	for _, axis := range acc {
		if floats.HasNaN(axis) {
			return true
		}
	}
	return false
}

// Magnitude returns sqrt(x²+y²+z²) per sample, NaN where an axis is missing.
func Magnitude(acc model.TriAxial) []float64 {
	out := make([]float64, acc.Len())
	for s := range out {
		x, y, z := acc[0][s], acc[1][s], acc[2][s]
		out[s] = math.Sqrt(x*x + y*y + z*z)
	}
	return out
}

// MainAxis returns the axis with the widest peak-to-peak range.
func MainAxis(acc model.TriAxial) int {
	best, bestRange := 0, -1.0
	for i, axis := range acc {
		clean := DropNaN(axis)
		if len(clean) == 0 {
			continue
		}
		if r := floats.Max(clean) - floats.Min(clean); r > bestRange {
			best, bestRange = i, r
		}
	}
	return best
}

// DropNaN returns x without its NaN values. x itself is returned when it has
// none.
func DropNaN(x []float64) []float64 {
	if !floats.HasNaN(x) {
		return x
	}
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// NanMean is the mean of the non-NaN values, NaN for an empty set.
func NanMean(x []float64) float64 {
	clean := DropNaN(x)
	if len(clean) == 0 {
		return math.NaN()
	}
	return stat.Mean(clean, nil)
}

// NanStd is the population standard deviation of the non-NaN values.
func NanStd(x []float64) float64 {
	clean := DropNaN(x)
	if len(clean) == 0 {
		return math.NaN()
	}
	return math.Sqrt(stat.PopVariance(clean, nil))
}

// Diff returns x[i+1]-x[i].
func Diff(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	floats.SubTo(out, x[1:], x[:len(x)-1])
	return out
}
