// Package mock provides a test double for the asr.Recognizer interface.
//
// Results are served from a script (one entry per call, the last entry
// repeating) so tests can drive the worker pool and assembler with
// deterministic text. A per-call Delay simulates recognition latency, and
// Block can hold a call open until the context is cancelled to exercise the
// per-segment deadline.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/anchorlens/anchorlens/pkg/asr"
)

// TranscribeCall records a single invocation of Recognizer.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
}

// Recognizer is a mock implementation of asr.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Results is the script of results returned call by call. When the
	// script is exhausted the last entry repeats; an empty script yields
	// zero-valued results.
	Results []asr.Result

	// Errs mirrors Results: Errs[i] is returned from call i when non-nil.
	Errs []error

	// Delay is slept (context-aware) before each call returns.
	Delay time.Duration

	// Block, when true, makes Transcribe wait for ctx cancellation and
	// return ctx.Err().
	Block bool

	// Parallel is the value reported by ParallelSafe.
	Parallel bool

	// Calls records every invocation.
	Calls []TranscribeCall

	closed bool
	calls  int
}

// Transcribe records the call and serves the next scripted result.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	r.mu.Lock()
	idx := r.calls
	r.calls++
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.Calls = append(r.Calls, TranscribeCall{PCM: cp})
	delay := r.Delay
	block := r.Block
	res, err := r.scripted(idx)
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return asr.Result{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	return res, err
}

// scripted returns the result and error for call idx. Caller holds r.mu.
func (r *Recognizer) scripted(idx int) (asr.Result, error) {
	var res asr.Result
	if n := len(r.Results); n > 0 {
		if idx >= n {
			idx = n - 1
		}
		res = r.Results[idx]
	}
	var err error
	if idx < len(r.Errs) {
		err = r.Errs[idx]
	}
	return res, err
}

// ParallelSafe returns the configured Parallel flag.
func (r *Recognizer) ParallelSafe() bool { return r.Parallel }

// Close marks the recognizer closed. Thread-safe and idempotent.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CallCount returns the number of Transcribe invocations so far.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Ensure Recognizer implements asr.Recognizer at compile time.
var _ asr.Recognizer = (*Recognizer)(nil)
