// Package whisper provides whisper.cpp-backed speech recognizers: a native
// CGO binding (Native) and a client for a running whisper-server binary
// (Server).
//
// For the native backend the whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/anchorlens/anchorlens/pkg/asr"
)

// Compile-time assertion that Native satisfies asr.Recognizer.
var _ asr.Recognizer = (*Native)(nil)

// Native implements asr.Recognizer using the whisper.cpp Go bindings (CGO).
// The model is loaded once at startup; each Transcribe call creates a fresh
// whisper context. Contexts are not thread-safe, so calls are serialised by
// an internal mutex and the backend reports itself not parallel-safe.
type Native struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	closed   bool
}

// NativeOption is a functional option for configuring a Native recognizer.
type NativeOption func(*Native)

// WithNativeLanguage sets the transcription language (e.g., "zh", "en").
// Defaults to "auto".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// NewNative creates a Native recognizer that loads the whisper.cpp model
// from the given ggml file path. The caller must call Close when the
// recognizer is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	n := &Native{
		model:    model,
		language: "auto",
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Transcribe runs whisper.cpp inference over one segment of canonical PCM.
// Inference itself is not interruptible; ctx is checked before the model
// runs, which keeps an already-expired deadline from consuming a context.
func (n *Native) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return asr.Result{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return asr.Result{}, errors.New("whisper: recognizer is closed")
	}

	samples := pcmToFloat32(pcm)

	wctx, err := n.model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(n.language); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: set language %q: %w", n.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	// whisper.cpp does not report an utterance-level confidence.
	return asr.Result{Text: strings.Join(parts, " ")}, nil
}

// ParallelSafe reports false: whisper contexts are serialised internally.
func (n *Native) ParallelSafe() bool { return false }

// Close releases the loaded model. Safe to call more than once.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.model.Close()
}
