// Package assemble turns per-segment recognizer output into delta and final
// transcript events with stable sentence boundaries.
package assemble

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/anchorlens/anchorlens/internal/event"
	"github.com/anchorlens/anchorlens/internal/recognize"
)

// Config holds the sentence-boundary knobs.
type Config struct {
	// MaxWait bounds how long text may sit unfinalised in the buffer.
	MaxWait time.Duration

	// MaxChars finalises the buffer once it reaches this many runes.
	MaxChars int

	// SilenceFlush finalises the buffer when the media-time gap between
	// consecutive segments reaches this length, provided the buffer holds
	// at least MinSentenceChars runes.
	SilenceFlush time.Duration

	// MinSentenceChars is the minimum rune count for a silence-driven final.
	MinSentenceChars int
}

// terminators are the rune set that closes a sentence.
const terminators = ".。!！?？…"

// Assembler accumulates recognized text and decides where sentences end.
// It is driven by a single goroutine and is not safe for concurrent use.
type Assembler struct {
	cfg       Config
	sessionID string
	emit      func(event.Transcript)
	now       func() time.Time

	pending      strings.Builder
	pendingSince time.Time
	lastFragment string
	lastSegEnd   time.Duration

	segStart time.Duration
	confSum  float64
	confN    int
}

// New creates an assembler that publishes transcript events through emit.
func New(cfg Config, sessionID string, emit func(event.Transcript)) *Assembler {
	return &Assembler{
		cfg:       cfg,
		sessionID: sessionID,
		emit:      emit,
		now:       time.Now,
	}
}

// Observe processes one recognized segment: append, publish a delta, and
// finalise when a boundary rule fires. A failed recognition produces an
// empty final for its segment; empty successful recognitions carry no text
// but still advance the clock-driven rules.
func (a *Assembler) Observe(res recognize.Result) {
	segEnd := res.Seg.T0 + res.Seg.Duration
	gap := res.Seg.T0 - a.lastSegEnd
	if a.pending.Len() == 0 {
		gap = 0
	}
	a.lastSegEnd = segEnd

	// A failed recognition still owes its segment a final: empty text,
	// zero confidence, spanning the failed segment. Buffered text from
	// earlier segments is left pending.
	if res.Err != nil {
		a.emit(event.Transcript{
			Kind:      event.TranscriptFinal,
			SegStart:  res.Seg.T0,
			SegEnd:    segEnd,
			SessionID: a.sessionID,
		})
	}

	text := strings.TrimSpace(res.Text)
	if text != "" && text != a.lastFragment {
		if a.pending.Len() == 0 {
			a.pendingSince = a.now()
			a.segStart = res.Seg.T0
		} else if needsSeparator(a.tailRune(), firstRune(text)) {
			a.pending.WriteByte(' ')
		}
		a.pending.WriteString(text)
		a.lastFragment = text
		a.confSum += res.Confidence
		a.confN++

		a.emit(event.Transcript{
			Kind:       event.TranscriptDelta,
			Text:       a.pending.String(),
			Confidence: a.confidence(),
			SegStart:   a.segStart,
			SegEnd:     segEnd,
			SessionID:  a.sessionID,
		})
	}

	if a.pending.Len() == 0 {
		return
	}

	runes := utf8.RuneCountInString(a.pending.String())
	switch {
	case endsWithTerminator(a.pending.String()):
		a.finalize(segEnd)
	case runes >= a.cfg.MaxChars:
		a.finalize(segEnd)
	case a.now().Sub(a.pendingSince) >= a.cfg.MaxWait:
		a.finalize(segEnd)
	case gap >= a.cfg.SilenceFlush && runes >= a.cfg.MinSentenceChars:
		a.finalize(segEnd)
	}
}

// Flush finalises any buffered text. Called by the supervisor at session
// end so the stream's last words are delivered.
func (a *Assembler) Flush() {
	if a.pending.Len() == 0 {
		return
	}
	a.finalize(a.lastSegEnd)
}

func (a *Assembler) finalize(segEnd time.Duration) {
	a.emit(event.Transcript{
		Kind:       event.TranscriptFinal,
		Text:       a.pending.String(),
		Confidence: a.confidence(),
		SegStart:   a.segStart,
		SegEnd:     segEnd,
		SessionID:  a.sessionID,
	})
	a.pending.Reset()
	a.lastFragment = ""
	a.confSum = 0
	a.confN = 0
}

func (a *Assembler) confidence() float64 {
	if a.confN == 0 {
		return 0
	}
	return a.confSum / float64(a.confN)
}

func (a *Assembler) tailRune() rune {
	r, _ := utf8.DecodeLastRuneInString(a.pending.String())
	return r
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// endsWithTerminator reports whether s closes with a sentence terminator.
func endsWithTerminator(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r != utf8.RuneError && strings.ContainsRune(terminators, r)
}

// needsSeparator decides whether a space goes between two fragments. CJK
// script concatenates directly; everything else gets a single space.
func needsSeparator(prev, next rune) bool {
	return !isCJK(prev) && !isCJK(next)
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
