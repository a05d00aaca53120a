package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// TriAxial holds the X, Y and Z channels of one accelerometer stream.
// Missing samples are NaN.
type TriAxial [3][]float64

func (t TriAxial) Len() int {
	return len(t[0])
}

// Slice returns the sub-array [start, end). The channels share memory with t.
func (t TriAxial) Slice(start, end int) TriAxial {
	return TriAxial{t[0][start:end], t[1][start:end], t[2][start:end]}
}

// Index is a sample index that may be unset.
type Index int

const NoIndex Index = -1

func (i Index) Valid() bool {
	return i >= 0
}

func (i Index) MarshalJSON() ([]byte, error) {
	if !i.Valid() {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(i))), nil
}

func (i *Index) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*i = NoIndex
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*i = Index(v)
	return nil
}

// Tap holds the phase boundaries of one raise-lower-impact cycle, relative to
// the conditioned block signal.
type Tap struct {
	StartUp     Index `json:"start_up"`
	FastestUp   Index `json:"fastest_up"`
	StopUp      Index `json:"stop_up"`
	StartDown   Index `json:"start_down"`
	FastestDown Index `json:"fastest_down"`
	Impact      Index `json:"impact"`
	StopDown    Index `json:"stop_down"`
}

func EmptyTap() Tap {
	return Tap{
		StartUp:     NoIndex,
		FastestUp:   NoIndex,
		StopUp:      NoIndex,
		StartDown:   NoIndex,
		FastestDown: NoIndex,
		Impact:      NoIndex,
		StopDown:    NoIndex,
	}
}

// Indices returns the boundaries in phase order.
func (t Tap) Indices() [7]Index {
	return [7]Index{t.StartUp, t.FastestUp, t.StopUp, t.StartDown, t.FastestDown, t.Impact, t.StopDown}
}

// TapTimes mirrors Tap in seconds since the start of the recording. Unset
// boundaries are nil.
type TapTimes [7]*float64

type ActiveBlock struct {
	Index  int      `json:"index"`
	Start  int      `json:"start"`
	End    int      `json:"end"`
	Signal TriAxial `json:"-"`
}

func (b ActiveBlock) Seconds(fs float64) float64 {
	return float64(b.End-b.Start) / fs
}

type Recording struct {
	ID         string
	Source     string
	SampleRate float64
	Signal     TriAxial
}

// Job asks for one recording file to be analyzed.
type Job struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	SampleRate float64   `json:"sample_rate"`
	MainAxis   int       `json:"main_axis"`
	Source     string    `json:"source,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Received   time.Time `json:"received"`
}

type BlockSummary struct {
	TapCount        int     `json:"tap_count"`
	DurationSec     float64 `json:"duration_sec"`
	TapRate         float64 `json:"tap_rate"`
	MeanIntervalSec float64 `json:"mean_interval_sec"`
	IntervalCV      float64 `json:"interval_cv"`
	DominantFreqHz  float64 `json:"dominant_freq_hz"`
}

type BlockResult struct {
	Index    int          `json:"index"`
	Start    int          `json:"start"`
	End      int          `json:"end"`
	MainAxis int          `json:"main_axis"`
	Dropped  int          `json:"dropped_samples"`
	Impacts  []int        `json:"impacts"`
	Taps     []Tap        `json:"taps"`
	Times    []TapTimes   `json:"times"`
	Summary  BlockSummary `json:"summary"`
}

type RecordingResult struct {
	ID         string        `json:"id"`
	Source     string        `json:"source,omitempty"`
	SampleRate float64       `json:"sample_rate"`
	Samples    int           `json:"samples"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
	Blocks     []BlockResult `json:"blocks"`
}

func (r RecordingResult) TapCount() int {
	n := 0
	for _, b := range r.Blocks {
		n += len(b.Taps)
	}
	return n
}

type NoticeKind string

const (
	NoticeMissingSamples NoticeKind = "missing_samples"
	NoticeNoBlocks       NoticeKind = "no_blocks"
	NoticeNoTaps         NoticeKind = "no_taps"
	NoticeEmptyBlock     NoticeKind = "empty_block"
)

type Notice struct {
	Timestamp   time.Time  `json:"timestamp"`
	RecordingID string     `json:"recording_id"`
	Block       int        `json:"block"`
	Kind        NoticeKind `json:"kind"`
	Message     string     `json:"message"`
}
