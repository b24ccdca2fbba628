package audio

import (
	"context"
	"testing"
	"time"
)

// Test thresholds: 100 ms frames, speech opens after 2 voiced frames,
// silence closes after 3 silent frames, prebuffer holds 2 frames.
func testGateConfig() GateConfig {
	return GateConfig{
		MinSilence:    300 * time.Millisecond,
		MinSpeech:     200 * time.Millisecond,
		Hangover:      200 * time.Millisecond,
		FrameDuration: 100 * time.Millisecond,
	}
}

// frameAt builds a 10 ms worth of constant-amplitude PCM at the given frame
// index; the gate only inspects content through the detector, so frames need
// not match FrameDuration in byte length.
func frameAt(idx int, amp int16) Frame {
	return Frame{
		PCM: constantPCM(160, amp),
		T0:  time.Duration(idx) * 100 * time.Millisecond,
	}
}

const (
	voicedAmp int16 = 16384 // rms 0.5
	silentAmp int16 = 0
)

// runGate feeds the amplitude script through a fresh gate and collects all
// emitted segments. Each script entry is the amplitude of one frame.
func runGate(t *testing.T, script []int16) []Segment {
	t.Helper()

	g := NewGate(testGateConfig(), RMSDetector{Floor: 0.1})
	frames := make(chan Frame)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(context.Background(), frames)
	}()

	var segs []Segment
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for s := range g.Segments() {
			segs = append(segs, s)
		}
	}()

	for i, amp := range script {
		frames <- frameAt(i, amp)
	}
	close(frames)
	<-done
	<-collected
	return segs
}

// script builds an amplitude sequence from (count, amplitude) runs.
func script(runs ...[2]int) []int16 {
	var out []int16
	for _, r := range runs {
		for range r[0] {
			out = append(out, int16(r[1]))
		}
	}
	return out
}

func TestGateSegmentsSpeechBetweenSilences(t *testing.T) {
	t.Parallel()

	segs := runGate(t, script(
		[2]int{3, int(silentAmp)},
		[2]int{5, int(voicedAmp)},
		[2]int{4, int(silentAmp)},
	))
	if len(segs) != 1 {
		t.Fatalf("want 1 segment, got %d", len(segs))
	}

	seg := segs[0]
	if seg.Seq != 0 {
		t.Errorf("want seq 0, got %d", seg.Seq)
	}
	// Prebuffer keeps the 2 frames before onset, then 5 voiced frames, then
	// the 3 silent frames that confirmed the boundary.
	if want := 10 * 100 * time.Millisecond; seg.Duration != want {
		t.Errorf("want duration %v, got %v", want, seg.Duration)
	}
	if want := 100 * time.Millisecond; seg.T0 != want {
		t.Errorf("want t0 %v, got %v", want, seg.T0)
	}
	if seg.MeanRMS <= 0 || seg.MeanRMS >= 0.5 {
		t.Errorf("mean rms should mix voiced and silent frames, got %f", seg.MeanRMS)
	}
}

func TestGateIgnoresShortBlip(t *testing.T) {
	t.Parallel()

	segs := runGate(t, script(
		[2]int{3, int(silentAmp)},
		[2]int{1, int(voicedAmp)},
		[2]int{4, int(silentAmp)},
	))
	if len(segs) != 0 {
		t.Fatalf("want no segments for a sub-threshold blip, got %d", len(segs))
	}
}

func TestGateBridgesShortPause(t *testing.T) {
	t.Parallel()

	// A 2-frame pause is shorter than the 3-frame silence threshold, so
	// both bursts land in the same segment.
	segs := runGate(t, script(
		[2]int{3, int(voicedAmp)},
		[2]int{2, int(silentAmp)},
		[2]int{3, int(voicedAmp)},
		[2]int{4, int(silentAmp)},
	))
	if len(segs) != 1 {
		t.Fatalf("want 1 bridged segment, got %d", len(segs))
	}
}

func TestGateMonotonicSegments(t *testing.T) {
	t.Parallel()

	segs := runGate(t, script(
		[2]int{3, int(voicedAmp)},
		[2]int{4, int(silentAmp)},
		[2]int{3, int(voicedAmp)},
		[2]int{4, int(silentAmp)},
	))
	if len(segs) != 2 {
		t.Fatalf("want 2 segments, got %d", len(segs))
	}
	if segs[0].Seq != 0 || segs[1].Seq != 1 {
		t.Errorf("want sequence 0,1, got %d,%d", segs[0].Seq, segs[1].Seq)
	}
	if segs[1].T0 <= segs[0].T0 {
		t.Errorf("segment t0 must be strictly increasing: %v then %v", segs[0].T0, segs[1].T0)
	}
}

func TestGateEmitsPartialOnClose(t *testing.T) {
	t.Parallel()

	segs := runGate(t, script([2]int{5, int(voicedAmp)}))
	if len(segs) != 1 {
		t.Fatalf("want the in-flight utterance emitted on stream end, got %d segments", len(segs))
	}
	if want := 5 * 100 * time.Millisecond; segs[0].Duration != want {
		t.Errorf("want duration %v, got %v", want, segs[0].Duration)
	}
}

func TestGateForceFlushesLongSpeech(t *testing.T) {
	t.Parallel()

	// 310 voiced frames at 100 ms: the 30 s cap splits the run without any
	// silence boundary, and the remainder flushes at stream end.
	segs := runGate(t, script([2]int{310, int(voicedAmp)}))
	if len(segs) != 2 {
		t.Fatalf("want 2 segments from force flush, got %d", len(segs))
	}
	if segs[0].Duration < 29*time.Second {
		t.Errorf("first segment should be near the cap, got %v", segs[0].Duration)
	}
	if segs[1].T0 <= segs[0].T0 {
		t.Errorf("force-flushed segments must stay monotonic: %v then %v", segs[0].T0, segs[1].T0)
	}
}

func TestGateDiscardsOnCancel(t *testing.T) {
	t.Parallel()

	g := NewGate(testGateConfig(), RMSDetector{Floor: 0.1})
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan Frame)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Run(ctx, frames)
	}()

	frames <- frameAt(0, voicedAmp)
	frames <- frameAt(1, voicedAmp)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if _, ok := <-g.Segments(); ok {
		t.Fatal("cancelled gate must not emit the partial segment")
	}
}
