package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/anchorlens/anchorlens/internal/event"
	"github.com/anchorlens/anchorlens/pkg/asr"
)

// Frame is one fixed-size slice of the PCM stream.
type Frame struct {
	// PCM holds exactly the configured frame size in bytes.
	PCM []byte

	// T0 is the frame's offset from session start.
	T0 time.Duration
}

// ErrStalled is returned by [Chunker.Run] when the media stream delivered no
// bytes for longer than the stall threshold while the reader was still open.
var ErrStalled = errors.New("audio: media stream stalled")

// stallThreshold is how long the stream may be silent on the wire before the
// chunker declares a stall.
const stallThreshold = 5 * time.Second

// levelInterval caps level event emission at 10 Hz.
const levelInterval = 100 * time.Millisecond

// frameRetention bounds how much audio the frame queue may hold while the
// VAD gate is blocked on a full segment queue. Beyond this the oldest frames
// are dropped.
const frameRetention = 2 * time.Second

// maxFrameQueue caps the frame channel length regardless of frame duration.
const maxFrameQueue = 64

// Chunker slices the media byte stream into [Frame]s, computes per-frame
// levels, and forwards frames to the VAD gate with bounded retention.
//
// A Chunker serves one session and is driven by a single Run call.
type Chunker struct {
	r          io.Reader
	frameBytes int
	frameDur   time.Duration
	emitLevel  func(event.Level)

	frames  chan Frame
	dropped atomic.Int64
}

// NewChunker creates a chunker reading canonical PCM from r.
// chunkSeconds selects the frame duration. emitLevel receives coalesced
// level events and must not block; it may be nil.
func NewChunker(r io.Reader, chunkSeconds float64, emitLevel func(event.Level)) (*Chunker, error) {
	frameBytes := int(math.Round(chunkSeconds * asr.BytesPerSecond))
	frameBytes -= frameBytes % 2
	if frameBytes <= 0 {
		return nil, fmt.Errorf("audio: invalid chunk duration %.3f s", chunkSeconds)
	}
	frameDur := time.Duration(chunkSeconds * float64(time.Second))

	queue := int(frameRetention / frameDur)
	if queue < 4 {
		queue = 4
	}
	if queue > maxFrameQueue {
		queue = maxFrameQueue
	}

	return &Chunker{
		r:          r,
		frameBytes: frameBytes,
		frameDur:   frameDur,
		emitLevel:  emitLevel,
		frames:     make(chan Frame, queue),
	}, nil
}

// Frames returns the channel the VAD gate consumes from. The channel is
// closed when Run returns.
func (c *Chunker) Frames() <-chan Frame { return c.frames }

// FrameBytes returns the configured frame size in bytes.
func (c *Chunker) FrameBytes() int { return c.frameBytes }

// FrameDuration returns the configured frame duration.
func (c *Chunker) FrameDuration() time.Duration { return c.frameDur }

// DroppedFrames returns how many frames were discarded because the frame
// queue exceeded its retention bound.
func (c *Chunker) DroppedFrames() int64 { return c.dropped.Load() }

// Run reads the PCM stream until EOF, a read error, a stall, or ctx
// cancellation, emitting frames and level events along the way. A partial
// tail shorter than one frame is held until the next read completes it and
// discarded at shutdown. Run closes the frame channel before returning.
//
// The return value is nil on clean EOF, [ErrStalled] on a wire stall, and
// the underlying read error otherwise.
func (c *Chunker) Run(ctx context.Context) error {
	defer close(c.frames)

	type readResult struct {
		n   int
		err error
	}

	// Reads happen on a helper goroutine so that stall detection and
	// cancellation can interrupt a blocked Read. The media puller's cancel
	// unblocks the helper by killing the transcoder. The resume handshake
	// keeps buf and fill owned by exactly one goroutine at a time.
	reads := make(chan readResult)
	resume := make(chan struct{})
	buf := make([]byte, c.frameBytes)
	fill := 0
	go func() {
		for {
			n, err := c.r.Read(buf[fill:])
			select {
			case reads <- readResult{n: n, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
			select {
			case <-resume:
			case <-ctx.Done():
				return
			}
		}
	}()

	var elapsed time.Duration
	var lastLevel time.Time
	stall := time.NewTimer(stallThreshold)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stall.C:
			return ErrStalled

		case res := <-reads:
			if res.n > 0 {
				if !stall.Stop() {
					<-stall.C
				}
				stall.Reset(stallThreshold)
				fill += res.n
				if fill == c.frameBytes {
					frame := Frame{PCM: buf, T0: elapsed}
					elapsed += c.frameDur
					c.meter(frame, &lastLevel)
					c.forward(ctx, frame)
					buf = make([]byte, c.frameBytes)
					fill = 0
				}
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("audio: read media stream: %w", res.err)
			}
			select {
			case resume <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// meter computes the frame level and emits a coalesced level event.
func (c *Chunker) meter(f Frame, lastLevel *time.Time) {
	if c.emitLevel == nil {
		return
	}
	now := time.Now()
	if now.Sub(*lastLevel) < levelInterval {
		return
	}
	*lastLevel = now
	rms, peak := Analyze(f.PCM)
	c.emitLevel(event.Level{RMS: rms, Peak: peak, T: f.T0})
}

// forward enqueues the frame, dropping the oldest queued frame when the
// retention bound is exceeded.
func (c *Chunker) forward(ctx context.Context, f Frame) {
	for {
		select {
		case c.frames <- f:
			return
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-c.frames:
			n := c.dropped.Add(1)
			if n == 1 || n%50 == 0 {
				slog.Warn("audio: frame queue over retention bound, dropping oldest", "dropped_total", n)
			}
		default:
		}
	}
}
