package taps

// State is the movement phase the detector believes the finger is in.
type State int

const (
	LowRest State = iota
	UpAccelerating
	UpDecelerating1
	UpDecelerating2
	HighRest
	DownAccelerating
	Impact
)

var stateNames = [...]string{
	LowRest:          "lowRest",
	UpAccelerating:   "upAccelerating",
	UpDecelerating1:  "upDecelerating1",
	UpDecelerating2:  "upDecelerating2",
	HighRest:         "highRest",
	DownAccelerating: "downAccelerating",
	Impact:           "impact",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
