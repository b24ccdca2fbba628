// Package supervisor owns the pipeline lifecycle: it resolves the room,
// runs the media, recognition, and chat goroutines for exactly one session
// at a time, and exposes the start/stop/status/subscribe surface the HTTP
// layer is built on.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anchorlens/anchorlens/internal/assemble"
	"github.com/anchorlens/anchorlens/internal/audio"
	"github.com/anchorlens/anchorlens/internal/broadcast"
	"github.com/anchorlens/anchorlens/internal/chat"
	"github.com/anchorlens/anchorlens/internal/config"
	"github.com/anchorlens/anchorlens/internal/event"
	"github.com/anchorlens/anchorlens/internal/media"
	"github.com/anchorlens/anchorlens/internal/observe"
	"github.com/anchorlens/anchorlens/internal/persist"
	"github.com/anchorlens/anchorlens/internal/recognize"
	"github.com/anchorlens/anchorlens/internal/resolve"
	"github.com/anchorlens/anchorlens/pkg/asr"
)

// Lifecycle errors surfaced to the control endpoints.
var (
	// ErrAlreadyRunning is returned by Start while a session exists.
	ErrAlreadyRunning = errors.New("supervisor: session already running")

	// ErrResolveFailed wraps room resolution failures.
	ErrResolveFailed = errors.New("supervisor: room resolution failed")

	// ErrMediaOpenFailed wraps transcoder startup failures.
	ErrMediaOpenFailed = errors.New("supervisor: media open failed")
)

// drainTimeout is how long Stop lets the pipeline drain after the media
// stream is cut before forcing cancellation.
const drainTimeout = 3 * time.Second

// State is the lifecycle state of the supervisor.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// MediaSource is the transcoder surface the supervisor drives; media.Puller
// in production, a stub in tests.
type MediaSource interface {
	Open(ctx context.Context, mediaURL string) (io.Reader, error)
	Stop() error
}

// ChatRunner relays chat events until its context is cancelled or the room
// closes.
type ChatRunner interface {
	Run(ctx context.Context) error
}

// StartResult is the successful outcome of Start.
type StartResult struct {
	SessionID string
	RoomID    string
	StartedAt time.Time
}

// Stats is the rolling counter snapshot of a session.
type Stats struct {
	ChunksIn      int64   `json:"chunks_in"`
	Segments      int64   `json:"segments"`
	Transcripts   int64   `json:"transcripts"`
	Failures      int64   `json:"failures"`
	DroppedFrames int64   `json:"dropped_frames"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Snapshot is the Status() view of the supervisor.
type Snapshot struct {
	State      State          `json:"state"`
	SessionID  string         `json:"session_id,omitempty"`
	RoomID     string         `json:"room_id,omitempty"`
	WebID      string         `json:"web_id,omitempty"`
	AnchorName string         `json:"anchor_name,omitempty"`
	Profile    config.Profile `json:"profile,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	Stats      Stats          `json:"stats"`
	LastError  string         `json:"last_error,omitempty"`
}

// session is the runtime state of the one active pipeline.
type session struct {
	id        string
	opts      config.SessionOptions
	room      resolve.Room
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	puller MediaSource

	chunks        atomic.Int64
	segments      atomic.Int64
	transcripts   atomic.Int64
	failures      atomic.Int64
	droppedFrames atomic.Int64
	confMilli     atomic.Int64 // sum of confidence * 1000
	confN         atomic.Int64
	lastErr       atomic.Value // string
}

func (se *session) setPuller(p MediaSource) {
	se.mu.Lock()
	se.puller = p
	se.mu.Unlock()
}

func (se *session) currentPuller() MediaSource {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.puller
}

func (se *session) setLastError(err error) {
	if err != nil {
		se.lastErr.Store(err.Error())
	}
}

func (se *session) lastError() string {
	if v := se.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Supervisor coordinates the single active session.
type Supervisor struct {
	cfg      *config.Config
	resolver resolve.Resolver
	rec      asr.Recognizer
	metrics  *observe.Metrics

	transcripts *broadcast.Broadcaster
	chats       *broadcast.Broadcaster

	newPuller     func(room resolve.Room) MediaSource
	newChatRunner func(room resolve.Room, emit func(event.Chat)) ChatRunner

	mu    sync.Mutex
	state State
	sess  *session
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPullerFactory overrides how transcoders are built (tests substitute a
// stub source).
func WithPullerFactory(f func(room resolve.Room) MediaSource) Option {
	return func(s *Supervisor) { s.newPuller = f }
}

// WithChatRunnerFactory overrides how chat clients are built.
func WithChatRunnerFactory(f func(room resolve.Room, emit func(event.Chat)) ChatRunner) Option {
	return func(s *Supervisor) { s.newChatRunner = f }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New creates an idle supervisor. The recognizer is shared across sessions
// and closed by the caller, not the supervisor.
func New(cfg *config.Config, resolver resolve.Resolver, rec asr.Recognizer, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		resolver:    resolver,
		rec:         rec,
		transcripts: broadcast.New(cfg.Server.SubscriberLimit),
		chats:       broadcast.New(cfg.Server.SubscriberLimit),
		state:       StateIdle,
	}
	s.newPuller = func(room resolve.Room) MediaSource {
		headers := map[string]string{"User-Agent": room.UserAgent}
		if c := room.CookieHeader(); c != "" {
			headers["Cookie"] = c
		}
		return media.NewPuller(media.WithHeaders(headers))
	}
	s.newChatRunner = func(room resolve.Room, emit func(event.Chat)) ChatRunner {
		return chat.NewClient(room, emit)
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SubscribeTranscript attaches a listener to the transcript/level stream.
func (s *Supervisor) SubscribeTranscript() (*broadcast.Subscription, error) {
	return s.transcripts.Subscribe()
}

// SubscribeChat attaches a listener to the chat stream.
func (s *Supervisor) SubscribeChat() (*broadcast.Subscription, error) {
	return s.chats.Subscribe()
}

// Start resolves the room and launches the pipeline. Exactly one session may
// run; a second Start fails with ErrAlreadyRunning until the first reaches
// idle again.
func (s *Supervisor) Start(ctx context.Context, roomRef string, ov config.Overrides) (StartResult, error) {
	opts, err := s.cfg.ResolveSession(roomRef, ov)
	if err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return StartResult{}, ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	fail := func(err error) (StartResult, error) {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return StartResult{}, err
	}

	room, err := s.resolver.Resolve(ctx, roomRef)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrResolveFailed, err))
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sctx, cancel := context.WithCancel(context.Background())
	puller := s.newPuller(room)
	reader, err := puller.Open(sctx, room.MediaURL)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("%w: %v", ErrMediaOpenFailed, err))
	}

	var store *persist.Store
	if opts.PersistEnabled {
		store, err = persist.Open(opts.PersistRoot, sessionID)
		if err != nil {
			puller.Stop()
			cancel()
			return fail(err)
		}
	}

	sess := &session{
		id:        sessionID,
		opts:      opts,
		room:      room,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sess.setPuller(puller)

	s.mu.Lock()
	s.sess = sess
	s.state = StateRunning
	s.mu.Unlock()

	s.transcripts.SetSession(sessionID)
	s.chats.SetSession(sessionID)
	s.metrics.ActiveSessions.Add(sctx, 1)

	slog.Info("supervisor: session started",
		"session_id", sessionID,
		"room_id", room.ID,
		"anchor", room.AnchorName,
		"profile", opts.Profile)
	s.transcripts.Publish(event.Status{Stage: "running", SessionID: sessionID})

	go s.run(sctx, sess, reader, store)

	return StartResult{SessionID: sessionID, RoomID: room.ID, StartedAt: sess.startedAt}, nil
}

// Stop terminates the active session: the media stream is cut, the pipeline
// drains for up to drainTimeout, then everything is cancelled. Idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if (s.state != StateRunning && s.state != StateStopping) || s.sess == nil {
		s.mu.Unlock()
		return nil
	}
	sess := s.sess
	s.state = StateStopping
	s.mu.Unlock()

	// Cutting the media stream lets the pipeline drain its in-flight
	// segments instead of discarding them.
	if p := sess.currentPuller(); p != nil {
		p.Stop()
	}

	select {
	case <-sess.done:
	case <-time.After(drainTimeout):
		slog.Warn("supervisor: drain timeout, forcing cancel", "session_id", sess.id)
		sess.cancel()
		<-sess.done
	}
	return nil
}

// Status returns a point-in-time snapshot. Safe to call concurrently with
// Start and Stop.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	state := s.state
	sess := s.sess
	s.mu.Unlock()

	snap := Snapshot{State: state}
	if sess == nil {
		return snap
	}

	snap.SessionID = sess.id
	snap.RoomID = sess.room.ID
	snap.WebID = sess.room.WebID
	snap.AnchorName = sess.room.AnchorName
	snap.Profile = sess.opts.Profile
	snap.StartedAt = sess.startedAt
	snap.LastError = sess.lastError()
	snap.Stats = Stats{
		ChunksIn:      sess.chunks.Load(),
		Segments:      sess.segments.Load(),
		Transcripts:   sess.transcripts.Load(),
		Failures:      sess.failures.Load(),
		DroppedFrames: sess.droppedFrames.Load(),
	}
	if n := sess.confN.Load(); n > 0 {
		snap.Stats.AvgConfidence = float64(sess.confMilli.Load()) / 1000 / float64(n)
	}
	return snap
}

// run is the session goroutine: it drives the media pipeline (restarting it
// under the stable profile), runs the chat relay alongside, and finalises
// the session when the pipeline ends.
func (s *Supervisor) run(ctx context.Context, sess *session, reader io.Reader, store *persist.Store) {
	defer close(sess.done)

	var chatWG sync.WaitGroup
	chatWG.Add(1)
	go func() {
		defer chatWG.Done()
		runner := s.newChatRunner(sess.room, func(e event.Chat) {
			s.chats.Publish(e)
			s.metrics.RecordChatEvent(ctx, string(e.Type))
			if e.Type == event.ChatStatus {
				if p, ok := e.Payload.(event.ChatStatusPayload); ok && p.Stage == "reconnecting" {
					s.metrics.ChatReconnects.Add(ctx, 1)
				}
			}
		})
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("chat: relay ended", "session_id", sess.id, "err", err)
		}
	}()

	for {
		err := s.runPipeline(ctx, sess, reader, store)
		if err == nil || ctx.Err() != nil {
			break
		}
		sess.setLastError(err)

		// The stable profile rides out stream hiccups by re-resolving and
		// reattaching the transcoder; fast sessions end on media loss.
		if sess.opts.Profile != config.ProfileStable {
			s.transcripts.Publish(event.Error{
				Reason:    reasonFor(err),
				Fatal:     true,
				SessionID: sess.id,
			})
			break
		}

		reader = nil
		for attempt := 1; ctx.Err() == nil; attempt++ {
			s.transcripts.Publish(event.Status{
				Stage:     "media_reconnecting",
				Attempt:   attempt,
				SessionID: sess.id,
			})
			r, rerr := s.reattachMedia(ctx, sess)
			if rerr == nil {
				reader = r
				break
			}
			slog.Warn("supervisor: media reattach failed",
				"session_id", sess.id, "attempt", attempt, "err", rerr)
			select {
			case <-time.After(time.Duration(min(attempt, 5)) * time.Second):
			case <-ctx.Done():
			}
		}
		if reader == nil {
			s.transcripts.Publish(event.Error{
				Reason:    reasonFor(err),
				Fatal:     true,
				SessionID: sess.id,
			})
			break
		}
	}

	sess.cancel()
	chatWG.Wait()
	if store != nil {
		store.Close()
	}
	s.finish(ctx, sess)
}

// reattachMedia re-resolves the room (stream URLs expire) and opens a fresh
// transcoder.
func (s *Supervisor) reattachMedia(ctx context.Context, sess *session) (io.Reader, error) {
	if old := sess.currentPuller(); old != nil {
		old.Stop()
	}
	room, err := s.resolver.Resolve(ctx, sess.opts.RoomRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	puller := s.newPuller(room)
	reader, err := puller.Open(ctx, room.MediaURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaOpenFailed, err)
	}
	sess.setPuller(puller)
	return reader, nil
}

// runPipeline runs one chunker→gate→pool→assembler pass over a media
// stream. It returns nil when the stream ended cleanly.
func (s *Supervisor) runPipeline(ctx context.Context, sess *session, reader io.Reader, store *persist.Store) error {
	chunker, err := audio.NewChunker(reader, sess.opts.ChunkSeconds, func(l event.Level) {
		s.transcripts.Publish(l)
	})
	if err != nil {
		return err
	}

	gate := audio.NewGate(audio.GateConfig{
		MinSilence:    sess.opts.MinSilence,
		MinSpeech:     sess.opts.MinSpeech,
		Hangover:      sess.opts.Hangover,
		FrameDuration: chunker.FrameDuration(),
	}, audio.RMSDetector{Floor: sess.opts.MinRMS})

	pool := recognize.NewPool(s.rec, s.cfg.Recognizer.Workers)

	assembler := assemble.New(assemble.Config{
		MaxWait:          sess.opts.MaxWait,
		MaxChars:         sess.opts.MaxChars,
		SilenceFlush:     sess.opts.SilenceFlush,
		MinSentenceChars: sess.opts.MinSentenceChars,
	}, sess.id, func(t event.Transcript) {
		s.transcripts.Publish(t)
		s.metrics.RecordTranscript(ctx, string(t.Kind))
		if t.Kind == event.TranscriptFinal {
			sess.transcripts.Add(1)
			if store != nil {
				if err := store.WriteFinal(t); err != nil {
					slog.Warn("persist: final transcript", "err", err)
				}
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	// Frame counting tee between chunker and gate.
	frames := make(chan audio.Frame)
	g.Go(func() error {
		defer close(frames)
		for f := range chunker.Frames() {
			sess.chunks.Add(1)
			select {
			case frames <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error { return chunker.Run(gctx) })
	g.Go(func() error {
		gate.Run(gctx, frames)
		return nil
	})
	g.Go(func() error {
		pool.Run(gctx, gate.Segments())
		return nil
	})
	g.Go(func() error {
		for res := range pool.Results() {
			sess.segments.Add(1)
			s.metrics.RecordTranscription(gctx, res.Latency, res.Seg.Duration, res.Err != nil)
			if res.Err != nil {
				sess.failures.Add(1)
				sess.setLastError(res.Err)
			} else {
				sess.confMilli.Add(int64(res.Confidence * 1000))
				sess.confN.Add(1)
			}
			if store != nil {
				if err := store.WriteSegment(res.Seg); err != nil {
					slog.Warn("persist: segment", "err", err)
				}
			}
			assembler.Observe(res)
		}
		assembler.Flush()
		return nil
	})

	err = g.Wait()
	if n := chunker.DroppedFrames(); n > 0 {
		sess.droppedFrames.Add(n)
		s.metrics.DroppedFrames.Add(ctx, n)
	}
	return err
}

// reasonFor maps a pipeline error onto the stable error reason sent to
// subscribers. Stalled and closed streams look the same from the outside:
// the audio path is gone.
func reasonFor(err error) string {
	if errors.Is(err, ErrResolveFailed) {
		return "resolve_failed"
	}
	return "media_closed"
}

// finish tears the session down: final status, subscriber notice, idle
// state.
func (s *Supervisor) finish(ctx context.Context, sess *session) {
	if p := sess.currentPuller(); p != nil {
		p.Stop()
	}

	s.transcripts.Publish(event.Status{Stage: "stopped", SessionID: sess.id})
	s.chats.Publish(event.Chat{
		Type:      event.ChatStatus,
		Payload:   event.ChatStatusPayload{Stage: "stopped"},
		Timestamp: time.Now(),
	})
	s.transcripts.SessionChanged("")
	s.chats.SessionChanged("")
	s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	slog.Info("supervisor: session stopped", "session_id", sess.id)
}
