// Package audio implements the PCM side of the pipeline: slicing the media
// byte stream into fixed-size frames with level metering, and gating frames
// into utterance segments by voice activity.
//
// All audio is canonical PCM: 16-bit signed little-endian, 16 kHz, mono.
package audio

import (
	"encoding/binary"
	"math"
)

// Analyze computes the normalised RMS and peak amplitude of a canonical PCM
// frame. Both values are in [0, 1]; a silent frame yields (0, 0). Any
// trailing odd byte is ignored.
func Analyze(pcm []byte) (rms, peak float64) {
	n := len(pcm) / 2
	if n == 0 {
		return 0, 0
	}
	var sumSquares float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		sumSquares += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sumSquares / float64(n)), peak
}
