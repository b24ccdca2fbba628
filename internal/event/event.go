// Package event defines the observable output types of the live audio
// pipeline and the chat relay, together with their JSON wire envelopes.
//
// Two envelope shapes exist:
//
//   - Pipeline events (transcripts, audio levels, status, errors) marshal to
//     {"type": ..., "data": ...} and are streamed over the transcript
//     WebSocket.
//   - Chat events marshal to {"type": ..., "payload": ..., "timestamp": ...}
//     and are streamed over the chat SSE endpoint and WebSocket.
//
// Every event carries a Class that drives the broadcaster's slow-subscriber
// drop policy: lossy events go first, deltas second, critical events are
// never dropped.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class ranks an event for the slow-subscriber drop policy. Lower values are
// dropped earlier when a subscriber ring fills up.
type Class int

const (
	// ClassLossy marks high-frequency cosmetic events (audio levels) that
	// are the first to be discarded under backpressure.
	ClassLossy Class = iota

	// ClassDelta marks intermediate events (pending-text snapshots, routine
	// chat traffic) that are discarded after all lossy events are gone.
	ClassDelta

	// ClassCritical marks events that must survive backpressure: transcript
	// finals, status transitions, errors, and room control notices.
	ClassCritical
)

// Event is anything the broadcasters can fan out to subscribers.
type Event interface {
	// Class reports the drop-policy rank of this event.
	Class() Class

	// Frame renders the event as its JSON wire envelope.
	Frame() ([]byte, error)
}

// envelope is the {"type": ..., "data": ...} wrapper used by all pipeline
// events on the transcript WebSocket.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func wrap(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s data: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Data: raw})
}

// TranscriptKind distinguishes the two transcript event flavours.
type TranscriptKind string

const (
	// TranscriptDelta is a low-latency snapshot of the pending sentence text.
	TranscriptDelta TranscriptKind = "delta"

	// TranscriptFinal is a committed, stable sentence.
	TranscriptFinal TranscriptKind = "final"
)

// Transcript is a transcription result emitted by the sentence assembler.
// Deltas carry the full pending text so far; finals carry the committed
// sentence and reset the pending buffer.
type Transcript struct {
	// Kind is delta or final.
	Kind TranscriptKind `json:"kind"`

	// Text is the transcript content. Empty text on a final marks a failed
	// recognition for an emitted segment.
	Text string `json:"text"`

	// Confidence is the recognizer's confidence in [0, 1]. Zero when the
	// recognizer failed or does not report confidence.
	Confidence float64 `json:"confidence"`

	// SegStart and SegEnd bound the audio covered by this event, as offsets
	// from session start.
	SegStart time.Duration `json:"seg_start_ns"`
	SegEnd   time.Duration `json:"seg_end_ns"`

	// SessionID identifies the owning pipeline session.
	SessionID string `json:"session_id"`
}

// Class implements [Event]. Finals are critical; deltas are droppable.
func (t Transcript) Class() Class {
	if t.Kind == TranscriptFinal {
		return ClassCritical
	}
	return ClassDelta
}

// Frame implements [Event]. Finals use the "transcription" envelope type,
// deltas use "transcription_delta".
func (t Transcript) Frame() ([]byte, error) {
	typ := "transcription"
	if t.Kind == TranscriptDelta {
		typ = "transcription_delta"
	}
	return wrap(typ, t)
}

// Level is a lossy audio-meter tick emitted at most 10 times per second.
type Level struct {
	// RMS is the root-mean-square amplitude of the most recent frame,
	// normalised to [0, 1].
	RMS float64 `json:"rms"`

	// Peak is the peak absolute amplitude of the most recent frame,
	// normalised to [0, 1].
	Peak float64 `json:"peak"`

	// T is the frame's capture offset from session start.
	T time.Duration `json:"t_ns"`
}

// Class implements [Event].
func (Level) Class() Class { return ClassLossy }

// Frame implements [Event].
func (l Level) Frame() ([]byte, error) { return wrap("level", l) }

// Status signals a lifecycle transition to subscribers (session started,
// stopped, reconnecting, session changed, room closed).
type Status struct {
	// Stage names the transition, e.g. "running", "stopped",
	// "session_changed", "reconnecting", "room_closed".
	Stage string `json:"stage"`

	// Attempt is the reconnect attempt number for "reconnecting" stages,
	// zero otherwise.
	Attempt int `json:"attempt,omitempty"`

	// SessionID identifies the session the status refers to. Empty for
	// process-level notices.
	SessionID string `json:"session_id,omitempty"`
}

// Class implements [Event].
func (Status) Class() Class { return ClassCritical }

// Frame implements [Event].
func (s Status) Frame() ([]byte, error) { return wrap("status", s) }

// Error reports a runtime failure to subscribers.
type Error struct {
	// Reason is a stable machine-readable cause, e.g. "media_closed",
	// "subscriber_slow".
	Reason string `json:"reason"`

	// Fatal is true when the error terminated the session.
	Fatal bool `json:"fatal"`

	// SessionID identifies the session the error belongs to.
	SessionID string `json:"session_id,omitempty"`
}

// Class implements [Event].
func (Error) Class() Class { return ClassCritical }

// Frame implements [Event].
func (e Error) Frame() ([]byte, error) { return wrap("error", e) }

// Pong answers an application-level {"type":"ping"} frame sent by a
// WebSocket subscriber. It is written directly to the asking connection and
// never fanned out.
type Pong struct{}

// Class implements [Event].
func (Pong) Class() Class { return ClassCritical }

// Frame implements [Event].
func (p Pong) Frame() ([]byte, error) { return wrap("pong", p) }
