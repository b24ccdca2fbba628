package supervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/anchorlens/anchorlens/internal/audio"
	"github.com/anchorlens/anchorlens/internal/broadcast"
	"github.com/anchorlens/anchorlens/internal/config"
	"github.com/anchorlens/anchorlens/internal/event"
	"github.com/anchorlens/anchorlens/internal/resolve"
	resolvemock "github.com/anchorlens/anchorlens/internal/resolve/mock"
	"github.com/anchorlens/anchorlens/pkg/asr"
	asrmock "github.com/anchorlens/anchorlens/pkg/asr/mock"
)

// stubSource replaces the ffmpeg puller with an in-memory pipe. Stop closes
// the write side so the pipeline sees a clean EOF, mirroring the real
// puller's graceful shutdown.
type stubSource struct {
	mu      sync.Mutex
	r       *io.PipeReader
	w       *io.PipeWriter
	openErr error
	opened  bool
	url     string
}

func newStubSource() *stubSource {
	r, w := io.Pipe()
	return &stubSource{r: r, w: w}
}

func (s *stubSource) Open(_ context.Context, mediaURL string) (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opened = true
	s.url = mediaURL
	return s.r, nil
}

func (s *stubSource) Stop() error {
	s.w.Close()
	return nil
}

// write feeds PCM into the stream, failing the test on pipe errors other
// than a closed pipe.
func (s *stubSource) write(t *testing.T, pcm []byte) {
	t.Helper()
	if _, err := s.w.Write(pcm); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("write pcm: %v", err)
	}
}

// fail injects a read error into the stream, ending the current pipeline
// pass with a non-EOF failure.
func (s *stubSource) fail(err error) {
	s.w.CloseWithError(err)
}

// stubChat is a ChatRunner that emits a script of events and then waits for
// cancellation.
type stubChat struct {
	script []event.Chat
	emit   func(event.Chat)
}

func (c *stubChat) Run(ctx context.Context) error {
	for _, e := range c.script {
		c.emit(e)
	}
	<-ctx.Done()
	return nil
}

// sourceQueue hands out stub sources in order, one per newPuller call.
type sourceQueue struct {
	mu      sync.Mutex
	sources []*stubSource
	handed  int
}

func (q *sourceQueue) next(resolve.Room) MediaSource {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handed >= len(q.sources) {
		q.handed++
		return newStubSource()
	}
	s := q.sources[q.handed]
	q.handed++
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline:   config.PipelineConfig{Profile: config.ProfileFast},
		Recognizer: config.RecognizerConfig{Backend: config.BackendMock, Workers: 1},
	}
}

func testRoom() resolve.Room {
	return resolve.Room{
		ID:         "7123456789",
		WebID:      "168465302284",
		MediaURL:   "http://pull.example.com/stream.flv",
		AnchorName: "主播小王",
		Title:      "晚间直播",
		UserAgent:  "test-agent",
	}
}

// newTestSupervisor wires a supervisor with the mock recognizer, mock
// resolver, queued stub sources, and an inert chat runner.
func newTestSupervisor(t *testing.T, rec asr.Recognizer, sources ...*stubSource) (*Supervisor, *resolvemock.Resolver) {
	t.Helper()
	resolver := &resolvemock.Resolver{Room: testRoom()}
	queue := &sourceQueue{sources: sources}
	sup := New(testConfig(), resolver, rec,
		WithPullerFactory(queue.next),
		WithChatRunnerFactory(func(_ resolve.Room, emit func(event.Chat)) ChatRunner {
			return &stubChat{emit: emit}
		}),
	)
	t.Cleanup(func() { sup.Stop() })
	return sup, resolver
}

// pcmTone returns n samples of constant amplitude as s16le bytes.
func pcmTone(n int, amp int16) []byte {
	b := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(amp))
	}
	return b
}

// frames of speech and silence sized for the fast profile (0.2 s frames,
// 3200 samples each).
const fastFrameSamples = 3200

func speechThenSilence(voiced, silent int) []byte {
	var out []byte
	out = append(out, pcmTone(voiced*fastFrameSamples, 16384)...)
	out = append(out, pcmTone(silent*fastFrameSamples, 0)...)
	return out
}

// waitFor polls cond every 10 ms until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

// nextEvent reads one event from sub within the deadline.
func nextEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// collectUntilFinal drains events until the first final transcript arrives.
func collectUntilFinal(t *testing.T, ch <-chan event.Event) (event.Transcript, []event.Event) {
	t.Helper()
	var seen []event.Event
	for {
		e := nextEvent(t, ch)
		seen = append(seen, e)
		if tr, ok := e.(event.Transcript); ok && tr.Kind == event.TranscriptFinal {
			return tr, seen
		}
	}
}

func TestStartRunsPipelineToFinalTranscript(t *testing.T) {
	t.Parallel()

	rec := &asrmock.Recognizer{
		Results: []asr.Result{{Text: "大家好。", Confidence: 0.9}},
	}
	src := newStubSource()
	sup, _ := newTestSupervisor(t, rec, src)

	sub, err := sup.SubscribeTranscript()
	if err != nil {
		t.Fatalf("SubscribeTranscript: %v", err)
	}

	res, err := sup.Start(context.Background(), "7123456789", config.Overrides{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID == "" {
		t.Error("Start returned empty session ID")
	}
	if res.RoomID != "7123456789" {
		t.Errorf("RoomID = %q, want %q", res.RoomID, "7123456789")
	}
	if got := src.url; got != testRoom().MediaURL {
		t.Errorf("media URL = %q, want %q", got, testRoom().MediaURL)
	}

	// Fast profile: 1 frame of speech qualifies, 2 silent frames close the
	// segment. Feed 3 voiced + 4 silent frames, then end the stream.
	src.write(t, speechThenSilence(3, 4))
	src.Stop()

	final, seen := collectUntilFinal(t, sub.C)
	if final.Text != "大家好。" {
		t.Errorf("final text = %q, want %q", final.Text, "大家好。")
	}
	if final.Confidence != 0.9 {
		t.Errorf("final confidence = %v, want 0.9", final.Confidence)
	}
	if final.SessionID != res.SessionID {
		t.Errorf("final session = %q, want %q", final.SessionID, res.SessionID)
	}

	if st, ok := seen[0].(event.Status); !ok || st.Stage != "running" {
		t.Errorf("first event = %#v, want running status", seen[0])
	}

	// The stream ended, so the session winds itself down.
	waitFor(t, 5*time.Second, func() bool {
		return sup.Status().State == StateIdle
	}, "session did not reach idle after EOF")

	snap := sup.Status()
	if snap.Stats.Segments == 0 {
		t.Error("stats recorded no segments")
	}
	if snap.Stats.Transcripts == 0 {
		t.Error("stats recorded no final transcripts")
	}
	if math.Abs(snap.Stats.AvgConfidence-0.9) > 1e-9 {
		t.Errorf("avg confidence = %v, want 0.9", snap.Stats.AvgConfidence)
	}
}

func TestStartRejectsConcurrentSession(t *testing.T) {
	t.Parallel()

	rec := &asrmock.Recognizer{}
	src := newStubSource()
	sup, _ := newTestSupervisor(t, rec, src)

	if _, err := sup.Start(context.Background(), "room-a", config.Overrides{}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := sup.Start(context.Background(), "room-b", config.Overrides{})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return sup.Status().State == StateIdle
	}, "session did not stop")

	// A fresh session is accepted once the first reached idle.
	if _, err := sup.Start(context.Background(), "room-c", config.Overrides{}); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
}

func TestStartResolveFailure(t *testing.T) {
	t.Parallel()

	sup, resolver := newTestSupervisor(t, &asrmock.Recognizer{})
	resolver.Err = errors.New("room page unreachable")

	_, err := sup.Start(context.Background(), "7123456789", config.Overrides{})
	if !errors.Is(err, ErrResolveFailed) {
		t.Fatalf("Start error = %v, want ErrResolveFailed", err)
	}
	if got := sup.Status().State; got != StateIdle {
		t.Errorf("state after resolve failure = %q, want idle", got)
	}
}

func TestStartMediaOpenFailure(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	src.openErr = errors.New("transcoder missing")
	sup, _ := newTestSupervisor(t, &asrmock.Recognizer{}, src)

	_, err := sup.Start(context.Background(), "7123456789", config.Overrides{})
	if !errors.Is(err, ErrMediaOpenFailed) {
		t.Fatalf("Start error = %v, want ErrMediaOpenFailed", err)
	}
	if got := sup.Status().State; got != StateIdle {
		t.Errorf("state after media failure = %q, want idle", got)
	}
}

func TestStartInvalidOptions(t *testing.T) {
	t.Parallel()

	sup, resolver := newTestSupervisor(t, &asrmock.Recognizer{})

	bad := 5.0
	_, err := sup.Start(context.Background(), "7123456789", config.Overrides{ChunkSeconds: &bad})
	if !errors.Is(err, config.ErrInvalidOptions) {
		t.Fatalf("Start error = %v, want ErrInvalidOptions", err)
	}
	if resolver.Calls() != 0 {
		t.Error("resolver was called despite invalid options")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(t, &asrmock.Recognizer{})
	for range 3 {
		if err := sup.Stop(); err != nil {
			t.Fatalf("Stop on idle supervisor: %v", err)
		}
	}

	if _, err := sup.Start(context.Background(), "7123456789", config.Overrides{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStatusSnapshotWhileRunning(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(t, &asrmock.Recognizer{}, newStubSource())

	res, err := sup.Start(context.Background(), "7123456789", config.Overrides{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := sup.Status()
	if snap.State != StateRunning {
		t.Errorf("state = %q, want running", snap.State)
	}
	if snap.SessionID != res.SessionID {
		t.Errorf("session = %q, want %q", snap.SessionID, res.SessionID)
	}
	if snap.RoomID != testRoom().ID {
		t.Errorf("room = %q, want %q", snap.RoomID, testRoom().ID)
	}
	if snap.AnchorName != testRoom().AnchorName {
		t.Errorf("anchor = %q, want %q", snap.AnchorName, testRoom().AnchorName)
	}
	if snap.Profile != config.ProfileFast {
		t.Errorf("profile = %q, want fast", snap.Profile)
	}
	if snap.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
}

func TestSessionIDOverrideIsHonoured(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(t, &asrmock.Recognizer{}, newStubSource())

	id := "my-session"
	res, err := sup.Start(context.Background(), "7123456789", config.Overrides{SessionID: &id})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.SessionID != id {
		t.Errorf("session ID = %q, want %q", res.SessionID, id)
	}
}

func TestChatEventsReachChatStream(t *testing.T) {
	t.Parallel()

	resolver := &resolvemock.Resolver{Room: testRoom()}
	queue := &sourceQueue{sources: []*stubSource{newStubSource()}}
	script := []event.Chat{{
		Type:      event.ChatMessage,
		Payload:   event.MessagePayload{UserID: "42", Nickname: "观众", Content: "你好"},
		Timestamp: time.Now(),
	}}
	sup := New(testConfig(), resolver, &asrmock.Recognizer{},
		WithPullerFactory(queue.next),
		WithChatRunnerFactory(func(_ resolve.Room, emit func(event.Chat)) ChatRunner {
			return &stubChat{script: script, emit: emit}
		}),
	)
	t.Cleanup(func() { sup.Stop() })

	sub, err := sup.SubscribeChat()
	if err != nil {
		t.Fatalf("SubscribeChat: %v", err)
	}
	if _, err := sup.Start(context.Background(), "7123456789", config.Overrides{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e := nextEvent(t, sub.C)
	c, ok := e.(event.Chat)
	if !ok {
		t.Fatalf("event = %#v, want chat", e)
	}
	if c.Type != event.ChatMessage {
		t.Errorf("type = %q, want chat", c.Type)
	}
	if p := c.Payload.(event.MessagePayload); p.Content != "你好" {
		t.Errorf("content = %q, want 你好", p.Content)
	}
}

func TestStableProfileReattachesMedia(t *testing.T) {
	t.Parallel()

	first := newStubSource()
	second := newStubSource()
	rec := &asrmock.Recognizer{
		Results: []asr.Result{{Text: "继续播出。", Confidence: 0.8}},
	}
	sup, resolver := newTestSupervisor(t, rec, first, second)

	sub, err := sup.SubscribeTranscript()
	if err != nil {
		t.Fatalf("SubscribeTranscript: %v", err)
	}

	stable := config.ProfileStable
	chunk := 0.2
	if _, err := sup.Start(context.Background(), "7123456789", config.Overrides{
		Profile:      &stable,
		ChunkSeconds: &chunk,
		// Keep the fast profile's gate timings so the test stays quick.
		MinSilenceSec: ptr(0.3),
		MinSpeechSec:  ptr(0.2),
		HangoverSec:   ptr(0.1),
		MinRMS:        ptr(0.012),
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Break the first stream mid-session.
	first.fail(errors.New("connection reset"))

	var sawReconnect bool
	for !sawReconnect {
		e := nextEvent(t, sub.C)
		if st, ok := e.(event.Status); ok && st.Stage == "media_reconnecting" {
			sawReconnect = true
		}
	}

	waitFor(t, 5*time.Second, func() bool { return resolver.Calls() >= 2 },
		"room was not re-resolved for the new stream")

	// The replacement stream carries a full utterance and then ends.
	second.write(t, speechThenSilence(3, 4))
	second.Stop()

	final, _ := collectUntilFinal(t, sub.C)
	if final.Text != "继续播出。" {
		t.Errorf("final after reattach = %q, want 继续播出。", final.Text)
	}
}

func TestFastProfileMediaLossIsFatal(t *testing.T) {
	t.Parallel()

	src := newStubSource()
	sup, _ := newTestSupervisor(t, &asrmock.Recognizer{}, src)

	sub, err := sup.SubscribeTranscript()
	if err != nil {
		t.Fatalf("SubscribeTranscript: %v", err)
	}
	if _, err := sup.Start(context.Background(), "7123456789", config.Overrides{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.fail(errors.New("connection reset"))

	var fatal *event.Error
	for fatal == nil {
		e := nextEvent(t, sub.C)
		if ev, ok := e.(event.Error); ok && ev.Fatal {
			fatal = &ev
		}
	}
	if fatal.Reason != "media_closed" {
		t.Errorf("fatal reason = %q, want media_closed", fatal.Reason)
	}

	waitFor(t, 5*time.Second, func() bool {
		return sup.Status().State == StateIdle
	}, "session did not end after fatal media loss")
	if got := sup.Status().LastError; got == "" {
		t.Error("LastError is empty after media failure")
	}
}

func TestFailedRecognitionCountsAsFailure(t *testing.T) {
	t.Parallel()

	rec := &asrmock.Recognizer{
		Errs: []error{fmt.Errorf("decode failed")},
	}
	src := newStubSource()
	sup, _ := newTestSupervisor(t, rec, src)

	if _, err := sup.Start(context.Background(), "7123456789", config.Overrides{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.write(t, speechThenSilence(3, 4))
	src.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return sup.Status().State == StateIdle
	}, "session did not drain")

	snap := sup.Status()
	if snap.Stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", snap.Stats.Failures)
	}
	if snap.LastError == "" {
		t.Error("LastError not recorded for failed recognition")
	}
	// The failed segment still surfaces as an (empty) final.
	if snap.Stats.Transcripts != 1 {
		t.Errorf("transcripts = %d, want 1 empty final for the failed segment", snap.Stats.Transcripts)
	}
}

func TestSubscriberLimitFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.SubscriberLimit = 1
	resolver := &resolvemock.Resolver{Room: testRoom()}
	sup := New(cfg, resolver, &asrmock.Recognizer{})

	if _, err := sup.SubscribeTranscript(); err != nil {
		t.Fatalf("SubscribeTranscript: %v", err)
	}
	if _, err := sup.SubscribeTranscript(); !errors.Is(err, broadcast.ErrTooManySubscribers) {
		t.Fatalf("want ErrTooManySubscribers at the configured limit, got %v", err)
	}
	if _, err := sup.SubscribeChat(); err != nil {
		t.Fatalf("SubscribeChat: %v", err)
	}
	if _, err := sup.SubscribeChat(); !errors.Is(err, broadcast.ErrTooManySubscribers) {
		t.Fatalf("want chat ErrTooManySubscribers at the configured limit, got %v", err)
	}
}

func TestErrorReasons(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"stalled stream", audio.ErrStalled, "media_closed"},
		{"closed stream", io.ErrUnexpectedEOF, "media_closed"},
		{"resolve failure", fmt.Errorf("%w: room offline", ErrResolveFailed), "resolve_failed"},
	}
	for _, tc := range cases {
		if got := reasonFor(tc.err); got != tc.want {
			t.Errorf("%s: reason = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func ptr[T any](v T) *T { return &v }
