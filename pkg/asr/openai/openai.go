// Package openai provides a speech recognizer backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/anchorlens/anchorlens/pkg/asr"
)

// Compile-time assertion that Recognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Recognizer implements asr.Recognizer using the OpenAI transcription
// endpoint. Segments are uploaded as WAV files; requests are independent, so
// the backend is parallel-safe.
type Recognizer struct {
	client   oai.Client
	model    oai.AudioModel
	language string
}

// config holds optional configuration for the recognizer.
type config struct {
	baseURL  string
	model    oai.AudioModel
	language string
	timeout  time.Duration
}

// Option is a functional option for Recognizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL (useful for
// API-compatible local servers).
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model. Defaults to whisper-1.
func WithModel(model oai.AudioModel) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the ISO-639-1 language hint (e.g., "zh", "en").
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI-backed Recognizer.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: oai.AudioModelWhisper1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Recognizer{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Transcribe uploads one canonical PCM segment as a WAV file and returns the
// transcription.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(asr.EncodeWAV(pcm)), "audio.wav", "audio/wav"),
		Model: r.model,
	}
	if r.language != "" {
		params.Language = oai.String(r.language)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return asr.Result{}, fmt.Errorf("openai: transcription request: %w", err)
	}

	// The endpoint does not report an utterance-level confidence.
	return asr.Result{Text: strings.TrimSpace(resp.Text)}, nil
}

// ParallelSafe reports true: each request is an independent HTTP call.
func (r *Recognizer) ParallelSafe() bool { return true }

// Close is a no-op for the HTTP backend.
func (r *Recognizer) Close() error { return nil }
