package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/anchorlens/anchorlens/pkg/asr"
)

// Compile-time assertion that Server satisfies asr.Recognizer.
var _ asr.Recognizer = (*Server)(nil)

// Server implements asr.Recognizer against a running whisper-server binary
// (the REST server shipped with whisper.cpp, POST /inference). Each segment
// is uploaded as a WAV file in a multipart form. The server handles requests
// independently, so this backend is parallel-safe.
type Server struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// ServerOption is a functional option for configuring a Server recognizer.
type ServerOption func(*Server)

// WithServerLanguage sets the language hint forwarded to the server.
func WithServerLanguage(lang string) ServerOption {
	return func(s *Server) { s.language = lang }
}

// WithServerHTTPClient replaces the default HTTP client.
func WithServerHTTPClient(c *http.Client) ServerOption {
	return func(s *Server) { s.httpClient = c }
}

// NewServer creates a Server recognizer talking to the whisper-server at
// baseURL (e.g., "http://localhost:8080").
func NewServer(baseURL string, opts ...ServerOption) (*Server, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: baseURL must not be empty")
	}
	s := &Server{
		serverURL:  strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// inferenceResponse is the JSON body returned by whisper-server.
type inferenceResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// Transcribe uploads the segment as multipart/form-data and returns the
// transcribed text.
func (s *Server) Transcribe(ctx context.Context, pcm []byte) (asr.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(asr.EncodeWAV(pcm)); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return asr.Result{}, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return asr.Result{}, fmt.Errorf("whisper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("whisper: server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return asr.Result{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	if result.Error != "" {
		return asr.Result{}, fmt.Errorf("whisper: server error: %s", result.Error)
	}

	return asr.Result{Text: strings.TrimSpace(result.Text)}, nil
}

// ParallelSafe reports true: requests are independent server-side.
func (s *Server) ParallelSafe() bool { return true }

// Close is a no-op for the HTTP backend.
func (s *Server) Close() error { return nil }
