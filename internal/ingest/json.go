package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"retap/internal/normalize"
)

// ParseJobBytes decodes a JSON job request. Keys are matched case-insensitively
// against a few common aliases.
func ParseJobBytes(data []byte) (normalize.JobFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return normalize.JobFields{}, err
	}
	return ParseJobMap(obj), nil
}

func ParseJobMap(obj map[string]interface{}) normalize.JobFields {
	kv := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		kv[strings.ToLower(key)] = fmt.Sprint(val)
	}
	return normalize.JobFields{
		ID:         firstNonEmpty(kv, "id", "recording_id", "recording", "name"),
		Path:       firstNonEmpty(kv, "path", "file", "filename", "uri"),
		SampleRate: firstNonEmpty(kv, "sample_rate", "fs", "rate", "hz"),
		MainAxis:   firstNonEmpty(kv, "main_axis", "axis"),
		Source:     firstNonEmpty(kv, "source"),
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
