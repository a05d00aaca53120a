package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"retap/internal/ingest"
	"retap/internal/model"
	"retap/internal/storage"
)

// writeTapFile writes 16 taps on X, one every 125 samples at 250 Hz, with
// two seconds of rest on either side.
func writeTapFile(t *testing.T, dir string) string {
	t.Helper()
	const lead, period, count = 500, 125, 16
	n := 2*lead + count*period
	var acc model.TriAxial
	for axis := range acc {
		acc[axis] = make([]float64, n)
	}
	for k := 0; k < count; k++ {
		s := lead + k*period
		for i := 0; i < 100; i++ {
			amp := 1.0
			if i >= 50 {
				amp = 3.0
			}
			acc[0][s+i] = amp * math.Sin(2*math.Pi*float64(i)/100)
		}
	}
	path := filepath.Join(dir, "synthetic_250Hz.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := ingest.WriteCSV(f, acc); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("retap %s: %v\nstderr: %s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String(), errOut.String()
}

func TestTapsJSONIsParseable(t *testing.T) {
	path := writeTapFile(t, t.TempDir())
	stdout, stderr := execute(t, "taps", "--json", path)
	var got []model.RecordingResult
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode stdout: %v\n%s", err, stdout)
	}
	if len(got) != 1 || got[0].ID != "synthetic_250Hz" || got[0].TapCount() != 15 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if !strings.Contains(stderr, "recording analyzed") {
		t.Fatalf("log records missing from stderr: %q", stderr)
	}
}

func TestBlocksJSONIsParseable(t *testing.T) {
	path := writeTapFile(t, t.TempDir())
	stdout, _ := execute(t, "blocks", "--json", path)
	var got map[string][]blockRow
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode stdout: %v\n%s", err, stdout)
	}
	if rows := got["synthetic_250Hz"]; len(rows) != 1 || rows[0].Index != 0 {
		t.Fatalf("unexpected blocks: %+v", got)
	}
}

func TestRunPersistsHistory(t *testing.T) {
	dir := t.TempDir()
	path := writeTapFile(t, dir)
	cfgPath := filepath.Join(dir, "retap.yaml")
	dsn := "file:" + filepath.Join(dir, "retap.db") + "?_pragma=busy_timeout(5000)"
	cfg := "storage:\n  enabled: true\n  driver: sqlite\n  dsn: \"" + dsn + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	stdout, _ := execute(t, "run", "--config", cfgPath, "--json", path)
	var results []model.RecordingResult
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		t.Fatalf("decode run output: %v\n%s", err, stdout)
	}
	if len(results) != 1 {
		t.Fatalf("run results: %d", len(results))
	}

	stdout, _ = execute(t, "history", "--config", cfgPath, "--json")
	var rows []storage.RecordingRow
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		t.Fatalf("decode history: %v\n%s", err, stdout)
	}
	if len(rows) != 1 || rows[0].ID != "synthetic_250Hz" || rows[0].Taps != 15 {
		t.Fatalf("unexpected history: %+v", rows)
	}
}
