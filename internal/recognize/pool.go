// Package recognize runs speech recognition over the segment stream,
// preserving segment order in its output regardless of worker parallelism.
package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anchorlens/anchorlens/internal/audio"
	"github.com/anchorlens/anchorlens/pkg/asr"
)

// Result pairs a segment with its transcription. Err is set when the
// recognizer failed or timed out; Text is empty in that case so downstream
// consumers see the segment boundary either way.
type Result struct {
	Seg        audio.Segment
	Text       string
	Confidence float64

	// Latency is how long the recognizer call took.
	Latency time.Duration

	Err error
}

// minDeadline is the floor of the per-segment recognition deadline.
const minDeadline = 3 * time.Second

// deadlineFor scales the recognition deadline with the segment length: a
// segment gets twice its own duration, never less than the floor.
func deadlineFor(seg audio.Segment) time.Duration {
	if d := 2 * seg.Duration; d > minDeadline {
		return d
	}
	return minDeadline
}

// Pool drains the gate's segment queue through one or more recognizer
// workers and re-emits results in segment order.
//
// Worker count above one is only honoured when the recognizer reports
// ParallelSafe; serial backends always run with a single worker.
type Pool struct {
	rec     asr.Recognizer
	workers int
	out     chan Result

	failures atomic.Int64
}

// NewPool creates a pool over rec. workers below one is treated as one.
func NewPool(rec asr.Recognizer, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if !rec.ParallelSafe() {
		workers = 1
	}
	return &Pool{
		rec:     rec,
		workers: workers,
		out:     make(chan Result),
	}
}

// Results returns the ordered result stream. The channel is closed when Run
// returns.
func (p *Pool) Results() <-chan Result { return p.out }

// Failures returns how many segments failed recognition so far.
func (p *Pool) Failures() int64 { return p.failures.Load() }

// Run consumes segments until the input closes or ctx is cancelled. Results
// come out strictly in segment sequence order; with parallel workers a
// finished later segment waits for its predecessors.
func (p *Pool) Run(ctx context.Context, in <-chan audio.Segment) {
	defer close(p.out)

	raw := make(chan Result, p.workers)

	var wg sync.WaitGroup
	for range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, in, raw)
		}()
	}
	go func() {
		wg.Wait()
		close(raw)
	}()

	p.reorder(ctx, raw)
}

// worker transcribes segments one at a time under a per-segment deadline.
func (p *Pool) worker(ctx context.Context, in <-chan audio.Segment, raw chan<- Result) {
	for {
		var seg audio.Segment
		var ok bool
		select {
		case <-ctx.Done():
			return
		case seg, ok = <-in:
			if !ok {
				return
			}
		}

		res := p.transcribe(ctx, seg)
		select {
		case raw <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) transcribe(ctx context.Context, seg audio.Segment) Result {
	tctx, cancel := context.WithTimeout(ctx, deadlineFor(seg))
	defer cancel()

	start := time.Now()
	out, err := p.rec.Transcribe(tctx, seg.PCM)
	latency := time.Since(start)
	if err != nil {
		p.failures.Add(1)
		slog.Warn("recognize: segment failed",
			"seq", seg.Seq,
			"duration", seg.Duration,
			"err", err)
		return Result{Seg: seg, Latency: latency, Err: fmt.Errorf("recognize: segment %d: %w", seg.Seq, err)}
	}
	return Result{Seg: seg, Text: out.Text, Confidence: out.Confidence, Latency: latency}
}

// reorder buffers out-of-order worker results and releases them by segment
// sequence. Segment sequences are contiguous from zero, so the buffer holds
// at most workers-1 entries.
func (p *Pool) reorder(ctx context.Context, raw <-chan Result) {
	held := make(map[uint64]Result)
	var next uint64

	for res := range raw {
		held[res.Seg.Seq] = res
		for {
			r, ok := held[next]
			if !ok {
				break
			}
			delete(held, next)
			select {
			case p.out <- r:
			case <-ctx.Done():
				return
			}
			next++
		}
	}
}
