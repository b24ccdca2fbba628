package persist

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anchorlens/anchorlens/internal/audio"
	"github.com/anchorlens/anchorlens/internal/event"
)

func TestStoreLayout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := Open(root, "sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if want := filepath.Join(root, "sess-1"); s.Dir() != want {
		t.Errorf("want dir %q, got %q", want, s.Dir())
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "segments")); err != nil {
		t.Errorf("segments dir missing: %v", err)
	}
}

func TestWriteSegment(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), "sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := s.WriteSegment(audio.Segment{Seq: 7, PCM: pcm}); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(s.Dir(), "segments", "000007.pcm"))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("want %v, got %v", pcm, got)
	}
}

func TestWriteFinalAppendsJSONL(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), "sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	finals := []event.Transcript{
		{Kind: event.TranscriptFinal, Text: "第一句。", Confidence: 0.9, SegStart: 0, SegEnd: 2 * time.Second},
		{Kind: event.TranscriptFinal, Text: "第二句。", Confidence: 0.8, SegStart: 3 * time.Second, SegEnd: 5 * time.Second},
	}
	for _, f := range finals {
		if err := s.WriteFinal(f); err != nil {
			t.Fatalf("WriteFinal: %v", err)
		}
	}
	// Deltas must not be written.
	if err := s.WriteFinal(event.Transcript{Kind: event.TranscriptDelta, Text: "partial"}); err != nil {
		t.Fatalf("WriteFinal delta: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(s.Dir(), "finals.jsonl"))
	if err != nil {
		t.Fatalf("open finals log: %v", err)
	}
	defer f.Close()

	var lines []finalRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec finalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad jsonl line %q: %v", sc.Text(), err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("want 2 final records, got %d", len(lines))
	}
	if lines[0].Text != "第一句。" || lines[0].SegEndMS != 2000 {
		t.Errorf("bad first record: %+v", lines[0])
	}
	if lines[1].Text != "第二句。" || lines[1].SegStartMS != 3000 {
		t.Errorf("bad second record: %+v", lines[1])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), "sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.WriteSegment(audio.Segment{Seq: 1}); err == nil {
		t.Fatal("write after Close must fail")
	}
}

func TestOpenEmptyRoot(t *testing.T) {
	t.Parallel()

	if _, err := Open("", "sess-1"); err == nil {
		t.Fatal("want error for empty root")
	}
}
