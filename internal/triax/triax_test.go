package triax

import (
	"math"
	"reflect"
	"testing"

	"retap/internal/model"
)

func TestConditionDropsMissingSamples(t *testing.T) {
	nan := math.NaN()
	acc := model.TriAxial{
		{1, 2, nan, 4, 5},
		{1, 2, 3, 4, 5},
		{1, nan, 3, 4, 5},
	}
	c := Condition(acc)
	if c.Dropped != 2 {
		t.Fatalf("dropped: %d", c.Dropped)
	}
	if !reflect.DeepEqual(c.Origin, []int{0, 3, 4}) {
		t.Fatalf("origin: %v", c.Origin)
	}
	for axis := range c.Signal {
		if len(c.Signal[axis]) != 3 {
			t.Fatalf("axis %d length %d", axis, len(c.Signal[axis]))
		}
	}
	if c.Signal[0][1] != 4 || HasNaN(c.Signal) {
		t.Fatalf("unexpected signal: %v", c.Signal)
	}
}

func TestConditionCopiesCompleteInput(t *testing.T) {
	acc := model.TriAxial{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	c := Condition(acc)
	if c.Dropped != 0 || c.Signal.Len() != 3 {
		t.Fatalf("unexpected result: %+v", c)
	}
	for i, o := range c.Origin {
		if o != i {
			t.Fatalf("origin %v", c.Origin)
		}
	}
	c.Signal[0][0] = 42
	if acc[0][0] != 1 {
		t.Fatalf("conditioned signal aliases the input")
	}
}

func TestConditionAllMissing(t *testing.T) {
	nan := math.NaN()
	c := Condition(model.TriAxial{{nan, nan}, {nan, 1}, {1, 1}})
	if c.Signal.Len() != 0 || c.Dropped != 2 || len(c.Origin) != 0 {
		t.Fatalf("expected empty result, got %+v", c)
	}
}

func TestMagnitude(t *testing.T) {
	got := Magnitude(model.TriAxial{{3, 0, math.NaN()}, {4, 0, 0}, {0, 2, 0}})
	if got[0] != 5 || got[1] != 2 || !math.IsNaN(got[2]) {
		t.Fatalf("magnitude: %v", got)
	}
}

func TestMainAxis(t *testing.T) {
	acc := model.TriAxial{
		{0, 1, 0, 1},
		{0, 4, -3, math.NaN()},
		{2, 2, 2, 2},
	}
	if got := MainAxis(acc); got != 1 {
		t.Fatalf("main axis: %d", got)
	}
}

func TestNanStats(t *testing.T) {
	x := []float64{1, math.NaN(), 3}
	if m := NanMean(x); m != 2 {
		t.Fatalf("mean: %v", m)
	}
	if s := NanStd(x); s != 1 {
		t.Fatalf("std: %v", s)
	}
	if !math.IsNaN(NanMean([]float64{math.NaN()})) {
		t.Fatalf("expected NaN mean for empty set")
	}
}

func TestDiff(t *testing.T) {
	if got := Diff([]float64{1, 4, 2}); !reflect.DeepEqual(got, []float64{3, -2}) {
		t.Fatalf("diff: %v", got)
	}
	if Diff([]float64{1}) != nil {
		t.Fatalf("expected nil diff")
	}
}
