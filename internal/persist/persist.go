// Package persist writes session artifacts to disk: raw utterance segments
// as PCM files and final transcripts as a JSON-lines log.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anchorlens/anchorlens/internal/audio"
	"github.com/anchorlens/anchorlens/internal/event"
)

// Store writes one session's artifacts under root/<sessionID>/.
//
// Layout:
//
//	<root>/<sessionID>/segments/<seq>.pcm
//	<root>/<sessionID>/finals.jsonl
type Store struct {
	dir string

	mu     sync.Mutex
	finals *os.File
	closed bool
}

// finalRecord is one line of finals.jsonl.
type finalRecord struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	SegStartMS int64   `json:"seg_start_ms"`
	SegEndMS   int64   `json:"seg_end_ms"`
	WrittenAt  string  `json:"written_at"`
}

// Open creates the session directory tree and the finals log.
func Open(root, sessionID string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("persist: empty root")
	}
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create session dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "finals.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("persist: open finals log: %w", err)
	}
	return &Store{dir: dir, finals: f}, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string { return s.dir }

// WriteSegment stores one utterance's raw PCM, named by its sequence
// number.
func (s *Store) WriteSegment(seg audio.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("persist: store closed")
	}
	path := filepath.Join(s.dir, "segments", fmt.Sprintf("%06d.pcm", seg.Seq))
	if err := os.WriteFile(path, seg.PCM, 0o644); err != nil {
		return fmt.Errorf("persist: write segment %d: %w", seg.Seq, err)
	}
	return nil
}

// WriteFinal appends one final transcript to the JSON-lines log. Deltas are
// not persisted.
func (s *Store) WriteFinal(t event.Transcript) error {
	if t.Kind != event.TranscriptFinal {
		return nil
	}
	rec := finalRecord{
		Text:       t.Text,
		Confidence: t.Confidence,
		SegStartMS: t.SegStart.Milliseconds(),
		SegEndMS:   t.SegEnd.Milliseconds(),
		WrittenAt:  time.Now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persist: marshal final: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("persist: store closed")
	}
	if _, err := s.finals.Write(line); err != nil {
		return fmt.Errorf("persist: append final: %w", err)
	}
	return nil
}

// Close flushes and closes the finals log. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.finals.Close(); err != nil {
		return fmt.Errorf("persist: close finals log: %w", err)
	}
	return nil
}
