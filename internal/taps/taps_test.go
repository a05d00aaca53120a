package taps

import (
	"errors"
	"math"
	"testing"

	"retap/internal/config"
	"retap/internal/model"
)

func machineParams() Params {
	return Params{PosThreshold: 0.5, NegThreshold: -0.5, DerivMedian: 0, Debounce: 2, BackfillOffset: 1}
}

type step struct {
	y, dy float64
	state State
}

// run steps the machine through samples 0..last. Samples missing from steps
// are flat zeros; listed samples assert the state after the step.
func run(t *testing.T, m *Machine, steps map[int]step, last int) {
	t.Helper()
	for n := 0; n <= last; n++ {
		s, ok := steps[n]
		m.Step(n, s.y, s.dy)
		if ok && m.State() != s.state {
			t.Fatalf("n=%d: state %s, want %s", n, m.State(), s.state)
		}
	}
}

func TestMachineFullCycle(t *testing.T) {
	m := NewMachine(machineParams(), []int{20}, []int{3, 6}, []int{8})
	run(t, m, map[int]step{
		0:  {1, 1, UpAccelerating},
		3:  {1, -0.1, UpDecelerating1},
		4:  {0.5, -0.5, UpDecelerating1},
		5:  {-0.1, -0.1, UpDecelerating1},
		6:  {0.2, 0.1, UpDecelerating1},
		7:  {-0.3, -0.1, UpDecelerating1},
		8:  {-0.4, -0.1, UpDecelerating2},
		9:  {-0.2, -0.1, HighRest},
		10: {-1, -1, DownAccelerating},
		12: {0.5, 1, DownAccelerating},
		20: {-3, 1, Impact},
		23: {-1, 1, LowRest},
	}, 23)
	done := m.Completed()
	if len(done) != 1 {
		t.Fatalf("completed: %d", len(done))
	}
	want := model.Tap{StartUp: 0, FastestUp: 7, StopUp: 9, StartDown: 10, FastestDown: 12, Impact: 20, StopDown: 23}
	if done[0] != want {
		t.Fatalf("tap %+v, want %+v", done[0], want)
	}
}

func TestImpactPreemptsRaise(t *testing.T) {
	m := NewMachine(machineParams(), []int{2, 7}, nil, nil)
	run(t, m, map[int]step{
		1:  {1, 1, UpAccelerating},
		2:  {1, 1, Impact},
		3:  {0, 1, Impact},
		4:  {0, 1, Impact},
		5:  {0, 1, LowRest},
		7:  {0, 0, Impact},
		10: {0, 1, LowRest},
	}, 10)
	done := m.Completed()
	if len(done) != 2 {
		t.Fatalf("completed: %d", len(done))
	}
	first := done[0]
	if first.StartUp != 1 || first.Impact != 2 || first.StopDown != 5 || first.FastestUp.Valid() {
		t.Fatalf("first tap: %+v", first)
	}
	// no raise was seen before the second impact
	if second := done[1]; second.StartUp != 6 || second.Impact != 7 || second.StopDown != 10 {
		t.Fatalf("second tap: %+v", second)
	}
}

func TestImpactWaitsForRisingSample(t *testing.T) {
	m := NewMachine(machineParams(), []int{0}, nil, nil)
	run(t, m, map[int]step{
		0: {-2, -1, Impact},
		3: {-1, -1, Impact},
		4: {-1, 0, Impact},
		5: {-1, 0.5, LowRest},
	}, 5)
	if done := m.Completed(); len(done) != 1 || done[0].StopDown != 5 {
		t.Fatalf("completed: %+v", done)
	}
}

func TestStateString(t *testing.T) {
	if UpDecelerating2.String() != "upDecelerating2" || State(42).String() != "unknown" {
		t.Fatalf("unexpected names")
	}
}

// tapBlock holds three taps at tapStarts in 2500 samples at 250 Hz. Each tap
// raises with amplitude 1 for 50 samples, then lowers with amplitude 3 into
// an impact 75 samples after its start.
var tapStarts = []int{500, 1250, 2000}

func tapBlock() model.TriAxial {
	var acc model.TriAxial
	for axis := range acc {
		acc[axis] = make([]float64, 2500)
	}
	for _, s := range tapStarts {
		for i := 0; i < 50; i++ {
			acc[0][s+i] = math.Sin(2 * math.Pi * float64(i) / 100)
			acc[0][s+50+i] = -3 * math.Sin(2*math.Pi*float64(i)/100)
		}
	}
	return acc
}

func TestDetectDropsFirstTap(t *testing.T) {
	res, err := Detect(tapBlock(), 0, 250, config.DefaultTaps())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Impacts) != 3 {
		t.Fatalf("impacts: %v", res.Impacts)
	}
	if len(res.Taps) != len(tapStarts)-1 {
		t.Fatalf("expected %d taps, got %d", len(tapStarts)-1, len(res.Taps))
	}
	for i, tap := range res.Taps {
		s := model.Index(tapStarts[i+1])
		if tap.StartUp != s || tap.FastestUp != s+51 || tap.Impact != s+75 || tap.StopDown != s+79 {
			t.Fatalf("tap %d: %+v", i, tap)
		}
		if tap.StopUp.Valid() || tap.StartDown.Valid() || tap.FastestDown.Valid() {
			t.Fatalf("tap %d: unexpected lowering boundaries %+v", i, tap)
		}
	}
}

func TestDetectRepairsMissingSamples(t *testing.T) {
	acc := tapBlock()
	acc[2][100] = math.NaN()
	acc[1][1000] = math.NaN()
	res, err := Detect(acc, 0, 250, config.DefaultTaps())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if res.Dropped != 2 || res.Signal.Len() != 2498 {
		t.Fatalf("dropped %d, length %d", res.Dropped, res.Signal.Len())
	}
	last := res.Taps[len(res.Taps)-1]
	if got := res.Origin[last.Impact]; got != tapStarts[2]+75 {
		t.Fatalf("impact maps to %d, want %d", got, tapStarts[2]+75)
	}
}

func TestDetectAllMissing(t *testing.T) {
	nan := math.NaN()
	acc := model.TriAxial{{nan, nan, nan}, {1, 2, 3}, {1, 2, 3}}
	res, err := Detect(acc, 0, 250, config.DefaultTaps())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(res.Taps) != 0 || res.Dropped != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDetectRejectsBadInput(t *testing.T) {
	if _, err := Detect(tapBlock(), 0, 0, config.DefaultTaps()); !errors.Is(err, ErrInvalidSampleRate) {
		t.Fatalf("expected ErrInvalidSampleRate, got %v", err)
	}
	if _, err := Detect(tapBlock(), 3, 250, config.DefaultTaps()); !errors.Is(err, ErrInvalidAxis) {
		t.Fatalf("expected ErrInvalidAxis, got %v", err)
	}
}

func TestMedianMidpoint(t *testing.T) {
	if got := median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Fatalf("even median %v", got)
	}
	if got := median([]float64{5, 1, 3}); got != 3 {
		t.Fatalf("odd median %v", got)
	}
	if got := median(nil); got != 0 {
		t.Fatalf("empty median %v", got)
	}
}
