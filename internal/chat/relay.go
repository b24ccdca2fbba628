package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/anchorlens/anchorlens/internal/broadcast"
	"github.com/anchorlens/anchorlens/internal/event"
	"github.com/anchorlens/anchorlens/internal/observe"
	"github.com/anchorlens/anchorlens/internal/resolve"
)

// ErrRelayRunning is returned by Relay.Start while a relay is active.
var ErrRelayRunning = errors.New("chat: relay already running")

// ErrRelayResolve wraps room resolution failures during Relay.Start.
var ErrRelayResolve = errors.New("chat: room resolution failed")

// Runner is the connection loop a relay drives; *Client in production.
type Runner interface {
	Run(ctx context.Context) error
}

// RelayStatus is the Status() view of a relay.
type RelayStatus struct {
	IsRunning bool   `json:"is_running"`
	LiveID    string `json:"live_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Relay runs the chat connection for one room independently of the audio
// pipeline: it has its own start/stop lifecycle and its own broadcaster for
// the SSE stream. At most one room is relayed at a time.
type Relay struct {
	resolver resolve.Resolver
	events   *broadcast.Broadcaster
	metrics  *observe.Metrics
	subLimit int

	newRunner func(room resolve.Room, emit func(event.Chat)) Runner

	mu      sync.Mutex
	running bool
	liveID  string
	roomID  string
	lastErr string
	cancel  context.CancelFunc
	done    chan struct{}
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRunnerFactory overrides how connection loops are built (tests
// substitute a scripted runner).
func WithRunnerFactory(f func(room resolve.Room, emit func(event.Chat)) Runner) RelayOption {
	return func(r *Relay) { r.newRunner = f }
}

// WithRelayMetrics overrides the metrics sink.
func WithRelayMetrics(m *observe.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithSubscriberLimit caps concurrent chat-stream subscribers. Zero keeps
// the broadcaster default.
func WithSubscriberLimit(n int) RelayOption {
	return func(r *Relay) { r.subLimit = n }
}

// NewRelay creates an idle relay.
func NewRelay(resolver resolve.Resolver, opts ...RelayOption) *Relay {
	r := &Relay{resolver: resolver}
	r.newRunner = func(room resolve.Room, emit func(event.Chat)) Runner {
		return NewClient(room, emit)
	}
	for _, o := range opts {
		o(r)
	}
	r.events = broadcast.New(r.subLimit)
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Subscribe attaches a listener to the relay's event stream.
func (r *Relay) Subscribe() (*broadcast.Subscription, error) {
	return r.events.Subscribe()
}

// Start resolves liveID and begins relaying its chat events. Returns
// ErrRelayRunning when a relay is already active.
func (r *Relay) Start(ctx context.Context, liveID string) error {
	if liveID == "" {
		return fmt.Errorf("%w: live_id must not be empty", ErrRelayResolve)
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRelayRunning
	}
	r.running = true
	r.liveID = liveID
	r.lastErr = ""
	r.mu.Unlock()

	room, err := r.resolver.Resolve(ctx, liveID)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.lastErr = err.Error()
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRelayResolve, err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.roomID = room.ID
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.events.SetSession(liveID)
	slog.Info("chat: relay started", "live_id", liveID, "room_id", room.ID)

	go func() {
		defer close(done)
		runner := r.newRunner(room, func(e event.Chat) {
			r.events.Publish(e)
			r.metrics.RecordChatEvent(rctx, string(e.Type))
			if e.Type == event.ChatStatus {
				if p, ok := e.Payload.(event.ChatStatusPayload); ok && p.Stage == "reconnecting" {
					r.metrics.ChatReconnects.Add(rctx, 1)
				}
			}
		})
		err := runner.Run(rctx)

		r.mu.Lock()
		r.running = false
		if err != nil && rctx.Err() == nil {
			r.lastErr = err.Error()
		}
		r.mu.Unlock()

		if err != nil && rctx.Err() == nil {
			slog.Warn("chat: relay ended", "live_id", liveID, "err", err)
		} else {
			slog.Info("chat: relay ended", "live_id", liveID)
		}
	}()

	return nil
}

// Stop cancels the active relay and waits for the connection loop to exit.
// Idempotent.
func (r *Relay) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

// Status returns the relay's current lifecycle snapshot.
func (r *Relay) Status() RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStatus{
		IsRunning: r.running,
		LiveID:    r.liveID,
		RoomID:    r.roomID,
		LastError: r.lastErr,
	}
}
