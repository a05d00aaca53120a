package notices

import (
	"testing"
	"time"

	"retap/internal/model"
)

func TestStoreRingBuffer(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(model.Notice{RecordingID: "r", Block: i, Kind: model.NoticeNoTaps})
	}
	list := s.List(0)
	if len(list) != 3 || list[0].Block != 2 || list[2].Block != 4 {
		t.Fatalf("list: %+v", list)
	}
	if got := s.List(1); len(got) != 1 || got[0].Block != 4 {
		t.Fatalf("limited list: %+v", got)
	}
	if list[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestStoreFilters(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(model.Notice{Timestamp: base, RecordingID: "a", Kind: model.NoticeNoBlocks})
	s.Add(model.Notice{Timestamp: base.Add(time.Minute), RecordingID: "b", Kind: model.NoticeMissingSamples})
	s.Add(model.Notice{Timestamp: base.Add(2 * time.Minute), RecordingID: "a", Kind: model.NoticeEmptyBlock})
	if got := s.Since(base.Add(time.Minute)); len(got) != 2 {
		t.Fatalf("since: %+v", got)
	}
	if got := s.ForRecording("a"); len(got) != 2 || got[1].Kind != model.NoticeEmptyBlock {
		t.Fatalf("for recording: %+v", got)
	}
	s.Clear()
	if len(s.List(0)) != 0 {
		t.Fatalf("clear failed")
	}
}
