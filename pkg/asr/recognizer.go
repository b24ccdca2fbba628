// Package asr defines the Recognizer interface for batch speech-to-text
// backends.
//
// Unlike a streaming STT session, a Recognizer transcribes one complete
// utterance at a time: the VAD gate hands it a finished segment of canonical
// PCM audio (16-bit signed little-endian, 16 kHz, mono) and receives text
// plus a confidence score back. The recognizer worker pool bounds every call
// with a per-segment deadline, so implementations must honour context
// cancellation.
//
// Implementations may hold model state across calls but must be safe to call
// from a worker goroutine; backends that serialise access internally report
// ParallelSafe() == false and are driven by a single worker.
package asr

import "context"

// SampleRate is the canonical audio sample rate in Hz.
const SampleRate = 16000

// BytesPerSecond is the byte rate of canonical PCM (16-bit mono at 16 kHz).
const BytesPerSecond = SampleRate * 2

// Result is the outcome of transcribing one segment.
type Result struct {
	// Text is the recognised speech content, trimmed. Empty when the segment
	// contained no intelligible speech.
	Text string

	// Confidence is the backend's confidence in [0, 1]. Zero when the
	// backend does not report confidence.
	Confidence float64
}

// Recognizer is the abstraction over any batch speech-to-text backend.
type Recognizer interface {
	// Transcribe converts one segment of canonical PCM audio to text. It
	// must return promptly when ctx is cancelled; the caller treats a
	// deadline hit as a failed (empty-text) transcription, never as fatal.
	Transcribe(ctx context.Context, pcm []byte) (Result, error)

	// ParallelSafe reports whether Transcribe may be invoked from more than
	// one goroutine at a time. The worker pool runs a single worker when
	// this is false.
	ParallelSafe() bool

	// Close releases backend resources (loaded models, HTTP clients).
	// Calling Close more than once is safe.
	Close() error
}
