package normalize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"retap/internal/config"
	"retap/internal/model"
)

// JobFields are the raw, untyped values of an analysis request.
type JobFields struct {
	ID         string
	Path       string
	SampleRate string
	MainAxis   string
	Source     string
}

var reSampleRate = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*hz`)

var ErrMissingPath = errors.New("job path is empty")

func Normalize(fields JobFields, cfg *config.Config) (model.Job, error) {
	path := strings.TrimSpace(fields.Path)
	if path == "" {
		return model.Job{}, ErrMissingPath
	}
	id := strings.TrimSpace(fields.ID)
	if id == "" {
		id = RecordingID(path)
	}

	fs := cfg.Ingest.DefaultSampleRate
	if v := strings.TrimSpace(fields.SampleRate); v != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(v), "hz"), 64)
		if err != nil || parsed <= 0 {
			return model.Job{}, fmt.Errorf("parse sample rate %q: invalid value", v)
		}
		fs = parsed
	} else if named, ok := SampleRateFromName(path); ok {
		fs = named
	}

	axis, err := ParseAxis(fields.MainAxis)
	if err != nil {
		return model.Job{}, err
	}

	source := strings.TrimSpace(fields.Source)
	if source == "" {
		source = "file"
	}
	return model.Job{
		ID:         id,
		Path:       path,
		SampleRate: fs,
		MainAxis:   axis,
		Source:     source,
		Received:   time.Now().UTC(),
	}, nil
}

// SampleRateFromName reads a rate such as "250Hz" from the last
// underscore-separated part of a file name.
func SampleRateFromName(path string) (float64, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(stem, "_")
	m := reSampleRate.FindStringSubmatch(parts[len(parts)-1])
	if m == nil {
		return 0, false
	}
	fs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || fs <= 0 {
		return 0, false
	}
	return fs, true
}

// RecordingID is the file name without directory and extension.
func RecordingID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// ParseAxis accepts "", "auto", an index 0..2 or x/y/z. -1 means "detect".
func ParseAxis(value string) (int, error) {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "", "auto", "-1":
		return -1, nil
	case "x", "0":
		return 0, nil
	case "y", "1":
		return 1, nil
	case "z", "2":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported main axis: %q", value)
	}
}
