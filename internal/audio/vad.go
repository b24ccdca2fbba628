package audio

import (
	"context"
	"time"
)

// Segment is one utterance bounded by detected silences: the unit of
// recognition.
type Segment struct {
	// Seq is the strictly increasing segment sequence number within the
	// session. The recognizer pool uses it to restore emission order.
	Seq uint64

	// PCM is the concatenated frame audio: onset prebuffer plus every frame
	// observed between speech start and the confirming silence.
	PCM []byte

	// T0 is the offset of the segment's first frame from session start.
	T0 time.Duration

	// Duration is the total audio length of PCM.
	Duration time.Duration

	// MeanRMS is the average normalised RMS across the segment's frames.
	MeanRMS float64
}

// Detector classifies a single frame as voiced or silent. The shipped
// implementation is the RMS floor heuristic; an ML detector can be swapped
// in without touching the gate.
type Detector interface {
	// Voiced reports whether the frame contains speech, and the frame's
	// normalised RMS for metering and segment statistics.
	Voiced(pcm []byte) (voiced bool, rms float64)
}

// RMSDetector classifies frames by comparing their normalised RMS against a
// fixed floor. A frame exactly at the floor counts as voiced.
type RMSDetector struct {
	// Floor is the minimum voiced RMS in [0, 1].
	Floor float64
}

// Voiced implements [Detector].
func (d RMSDetector) Voiced(pcm []byte) (bool, float64) {
	rms, _ := Analyze(pcm)
	return rms >= d.Floor, rms
}

// maxSegment bounds accumulated voiced audio; a segment is force-emitted at
// this length even without a silence boundary so recognizer input stays
// bounded.
const maxSegment = 30 * time.Second

// gateState enumerates the VAD gate states.
type gateState int

const (
	// stateIdle listens for the start of speech.
	stateIdle gateState = iota

	// stateSpeech collects an in-progress utterance.
	stateSpeech

	// stateHangover saw speech drop below the floor and waits for the
	// silence to be confirmed.
	stateHangover
)

// GateConfig holds the thresholds of one gate instance. All durations must
// be positive except Hangover, which may be zero.
type GateConfig struct {
	// MinSilence is the continuous silence that closes a segment.
	MinSilence time.Duration

	// MinSpeech is the consecutive voiced run that opens a segment.
	MinSpeech time.Duration

	// Hangover sizes both the grace window after speech pauses and the
	// onset prebuffer that keeps the start of an utterance.
	Hangover time.Duration

	// FrameDuration is the duration of one input frame.
	FrameDuration time.Duration
}

// Gate is the voice-activity state machine. It consumes frames from the
// chunker and emits [Segment]s delimited by confirmed silences.
//
// The gate itself cannot fail: Run returns only when the input channel
// closes or ctx is cancelled.
type Gate struct {
	cfg GateConfig
	det Detector
	out chan Segment

	state      gateState
	prebuffer  []Frame
	prebufMax  int
	pending    []Frame // voiced run observed while still Idle
	voicedRun  time.Duration
	silenceRun time.Duration

	segFrames []Frame
	segVoiced time.Duration
	segRMSSum float64
	nextSeq   uint64
}

// segmentQueueCap is the FIFO depth between the gate and the recognizer
// pool. Emission blocks when full, which backpressures the chunker.
const segmentQueueCap = 4

// NewGate creates a gate with the given thresholds and detector.
func NewGate(cfg GateConfig, det Detector) *Gate {
	prebufMax := int(cfg.Hangover / cfg.FrameDuration)
	if prebufMax < 1 {
		prebufMax = 1
	}
	return &Gate{
		cfg:       cfg,
		det:       det,
		out:       make(chan Segment, segmentQueueCap),
		prebufMax: prebufMax,
	}
}

// Segments returns the bounded segment queue consumed by the recognizer
// pool. The channel is closed when Run returns.
func (g *Gate) Segments() <-chan Segment { return g.out }

// Run consumes frames until the input closes or ctx is cancelled. When the
// input closes mid-utterance with a qualified voiced run, the partial
// utterance is emitted so the stream's last words are not lost; on ctx
// cancellation the partial is discarded.
func (g *Gate) Run(ctx context.Context, frames <-chan Frame) {
	defer close(g.out)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				if g.state != stateIdle {
					g.emit(ctx)
				}
				return
			}
			if !g.observe(ctx, f) {
				return
			}
		}
	}
}

// observe advances the state machine by one frame. It returns false when ctx
// was cancelled while blocked on the segment queue.
func (g *Gate) observe(ctx context.Context, f Frame) bool {
	voiced, rms := g.det.Voiced(f.PCM)

	switch g.state {
	case stateIdle:
		if !voiced {
			// The failed run drains into the prebuffer so a retriggered
			// onset still carries its lead-in audio.
			g.pushPrebuffer(g.pending...)
			g.pending = nil
			g.voicedRun = 0
			g.pushPrebuffer(f)
			return true
		}
		g.pending = append(g.pending, f)
		g.voicedRun += g.cfg.FrameDuration
		if g.voicedRun >= g.cfg.MinSpeech {
			g.openSegment()
		}
		return true

	case stateSpeech:
		g.collect(f, rms)
		if !voiced {
			g.state = stateHangover
			g.silenceRun = g.cfg.FrameDuration
			return true
		}
		if g.segVoiced >= maxSegment {
			return g.emit(ctx)
		}
		return true

	case stateHangover:
		g.collect(f, rms)
		if voiced {
			g.state = stateSpeech
			g.silenceRun = 0
			if g.segVoiced >= maxSegment {
				return g.emit(ctx)
			}
			return true
		}
		g.silenceRun += g.cfg.FrameDuration
		if g.silenceRun >= g.cfg.MinSilence {
			return g.emit(ctx)
		}
		return true
	}
	return true
}

// pushPrebuffer appends frames to the onset ring, evicting the oldest.
func (g *Gate) pushPrebuffer(frames ...Frame) {
	g.prebuffer = append(g.prebuffer, frames...)
	if over := len(g.prebuffer) - g.prebufMax; over > 0 {
		g.prebuffer = append(g.prebuffer[:0], g.prebuffer[over:]...)
	}
}

// openSegment transitions Idle → Speech, seeding the segment with the onset
// prebuffer and the qualifying voiced run.
func (g *Gate) openSegment() {
	g.state = stateSpeech
	g.segFrames = append(g.segFrames, g.prebuffer...)
	g.segFrames = append(g.segFrames, g.pending...)
	g.prebuffer = nil
	g.pending = nil
	g.segVoiced = g.voicedRun
	g.voicedRun = 0
	g.silenceRun = 0

	g.segRMSSum = 0
	for _, f := range g.segFrames {
		rms, _ := Analyze(f.PCM)
		g.segRMSSum += rms
	}
}

// collect appends a frame to the open segment.
func (g *Gate) collect(f Frame, rms float64) {
	g.segFrames = append(g.segFrames, f)
	g.segRMSSum += rms
	if g.state == stateSpeech {
		g.segVoiced += g.cfg.FrameDuration
	}
}

// emit finalises the open segment and sends it on the bounded queue,
// blocking until the recognizer pool accepts it. Returns false when ctx was
// cancelled while blocked. After emission the gate continues in Speech when
// it force-flushed mid-utterance, and returns to Idle otherwise.
func (g *Gate) emit(ctx context.Context) bool {
	if len(g.segFrames) == 0 {
		g.reset(stateIdle)
		return true
	}

	var size int
	for _, f := range g.segFrames {
		size += len(f.PCM)
	}
	pcm := make([]byte, 0, size)
	for _, f := range g.segFrames {
		pcm = append(pcm, f.PCM...)
	}

	seg := Segment{
		Seq:      g.nextSeq,
		PCM:      pcm,
		T0:       g.segFrames[0].T0,
		Duration: time.Duration(len(g.segFrames)) * g.cfg.FrameDuration,
		MeanRMS:  g.segRMSSum / float64(len(g.segFrames)),
	}
	g.nextSeq++

	// Force flushes keep collecting without re-qualifying; silence-closed
	// segments return to Idle.
	if g.state == stateSpeech {
		g.reset(stateSpeech)
	} else {
		g.reset(stateIdle)
	}

	select {
	case g.out <- seg:
		return true
	case <-ctx.Done():
		return false
	}
}

// reset clears per-segment accumulation and enters next.
func (g *Gate) reset(next gateState) {
	g.state = next
	g.segFrames = nil
	g.segVoiced = 0
	g.segRMSSum = 0
	g.silenceRun = 0
	g.voicedRun = 0
	g.pending = nil
	g.prebuffer = nil
}
