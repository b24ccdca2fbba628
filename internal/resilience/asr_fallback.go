package resilience

import (
	"context"
	"errors"

	"github.com/anchorlens/anchorlens/pkg/asr"
)

// ASRFallback implements [asr.Recognizer] with automatic failover across
// multiple speech-to-text backends. Each backend has its own circuit breaker,
// so a backend that keeps timing out is skipped until its reset window
// elapses.
type ASRFallback struct {
	group *FallbackGroup[asr.Recognizer]
	recs  []asr.Recognizer
}

// Compile-time interface assertion.
var _ asr.Recognizer = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend.
func NewASRFallback(primary asr.Recognizer, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		recs:  []asr.Recognizer{primary},
	}
}

// AddFallback registers an additional recognizer as a fallback.
func (f *ASRFallback) AddFallback(name string, rec asr.Recognizer) {
	f.group.AddFallback(name, rec)
	f.recs = append(f.recs, rec)
}

// Transcribe runs the segment against the first healthy backend. A
// cancelled or expired context is not held against a backend's breaker
// state beyond the failed attempt itself.
func (f *ASRFallback) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	return ExecuteWithResult(f.group, func(r asr.Recognizer) (asr.Result, error) {
		return r.Transcribe(ctx, pcm)
	})
}

// ParallelSafe reports true only when every registered backend is
// parallel-safe, since any of them may serve a given call.
func (f *ASRFallback) ParallelSafe() bool {
	for _, r := range f.recs {
		if !r.ParallelSafe() {
			return false
		}
	}
	return true
}

// Close closes every registered backend.
func (f *ASRFallback) Close() error {
	var errs []error
	for _, r := range f.recs {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
