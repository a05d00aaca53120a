package taps

import "retap/internal/model"

// Params are the per-block constants the machine compares samples against.
type Params struct {
	PosThreshold   float64
	NegThreshold   float64
	DerivMedian    float64
	Debounce       int
	BackfillOffset int
}

type indexSet map[int]struct{}

func newIndexSet(idx []int) indexSet {
	s := make(indexSet, len(idx))
	for _, i := range idx {
		s[i] = struct{}{}
	}
	return s
}

func (s indexSet) has(i int) bool {
	_, ok := s[i]
	return ok
}

// without returns the members of idx that are not in s.
func (s indexSet) without(idx []int) []int {
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if !s.has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Machine walks one block sample by sample. All of its state lives in the
// struct, so machines for different blocks can run concurrently.
type Machine struct {
	params   Params
	impacts  indexSet
	posPeaks indexSet
	negPeaks indexSet

	state State
	// pastFastest marks the second half of UpDecelerating1 (zero crossing
	// seen) and of DownAccelerating (fastest lowering seen).
	pastFastest bool
	current     model.Tap
	blankCount  int
	endLastTap  int
	completed   []model.Tap
}

func NewMachine(params Params, impacts, posPeaks, negPeaks []int) *Machine {
	return &Machine{
		params:   params,
		impacts:  newIndexSet(impacts),
		posPeaks: newIndexSet(posPeaks),
		negPeaks: newIndexSet(negPeaks),
		state:    LowRest,
		current:  model.EmptyTap(),
	}
}

func (m *Machine) State() State {
	return m.state
}

// Completed returns every closed tap, including the first one.
func (m *Machine) Completed() []model.Tap {
	return m.completed
}

func (m *Machine) enter(s State) {
	m.state = s
	m.pastFastest = false
}

// Step feeds sample n with value y and forward difference dy.
func (m *Machine) Step(n int, y, dy float64) {
	if m.impacts.has(n) {
		m.enter(Impact)
		m.current.Impact = model.Index(n)
		return
	}
	switch m.state {
	case Impact:
		if m.blankCount < m.params.Debounce {
			m.blankCount++
			return
		}
		if dy > 0 {
			m.closeTap(n)
		}
	case LowRest:
		if y > m.params.PosThreshold && dy > m.params.DerivMedian {
			m.enter(UpAccelerating)
			m.current.StartUp = model.Index(n)
		}
	case UpAccelerating:
		if m.posPeaks.has(n) {
			m.enter(UpDecelerating1)
		}
	case UpDecelerating1:
		if !m.pastFastest {
			if y < 0 {
				m.current.FastestUp = model.Index(n)
				m.pastFastest = true
			}
			return
		}
		if m.posPeaks.has(n) {
			// later raise peak; the next zero crossing overwrites FastestUp
			m.pastFastest = false
		} else if m.negPeaks.has(n) {
			m.enter(UpDecelerating2)
		}
	case UpDecelerating2:
		if y > 0 || dy < 0 {
			m.enter(HighRest)
			m.current.StopUp = model.Index(n)
		}
	case HighRest:
		if y < m.params.NegThreshold && dy < 0 {
			m.enter(DownAccelerating)
			m.current.StartDown = model.Index(n)
		}
	case DownAccelerating:
		if !m.pastFastest && y > 0 && dy > 0 {
			m.current.FastestDown = model.Index(n)
			m.pastFastest = true
		}
	}
}

func (m *Machine) closeTap(n int) {
	m.blankCount = 0
	m.current.StopDown = model.Index(n)
	if !m.current.StartUp.Valid() {
		m.current.StartUp = model.Index(m.endLastTap + m.params.BackfillOffset)
	}
	m.completed = append(m.completed, m.current)
	m.endLastTap = n
	m.current = model.EmptyTap()
	m.enter(LowRest)
}
