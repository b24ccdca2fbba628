// Package config provides the configuration schema, loader, and per-session
// option resolution for the anchorlens live audio pipeline.
//
// Three layers contribute to the options of a running session, in ascending
// precedence: profile defaults (fast/stable), the config file, and explicit
// per-request overrides supplied through the HTTP start endpoint.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the anchorlens server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Profile selects a named bundle of VAD and assembler defaults.
type Profile string

const (
	// ProfileFast prioritises latency: short silences close segments quickly
	// and the RMS floor is permissive.
	ProfileFast Profile = "fast"

	// ProfileStable prioritises accuracy: segments are closed only after a
	// long confirmed silence and the RMS floor is conservative.
	ProfileStable Profile = "stable"
)

// IsValid reports whether p is a recognised profile.
func (p Profile) IsValid() bool {
	return p == ProfileFast || p == ProfileStable
}

// Chunk duration bounds accepted from config and start requests, in seconds.
const (
	MinChunkSeconds = 0.2
	MaxChunkSeconds = 2.0
)

// Config is the root configuration structure for anchorlens.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Persist    PersistConfig    `yaml:"persist"`
}

// ServerConfig holds network and logging settings for the anchorlens server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// SubscriberLimit caps simultaneous transcript subscribers. Zero means
	// the default of 32.
	SubscriberLimit int `yaml:"subscriber_limit"`
}

// PipelineConfig holds process-wide defaults for new sessions. Every field
// can be overridden per session through the start request.
type PipelineConfig struct {
	// Profile is the default VAD/assembler profile for new sessions.
	Profile Profile `yaml:"profile"`

	// ChunkSeconds is the default audio frame duration in seconds.
	// Zero means the profile default (0.2 fast, 0.5 stable).
	ChunkSeconds float64 `yaml:"chunk_seconds"`

	// VAD overrides the profile's voice-activity thresholds. Zero-valued
	// fields keep the profile default.
	VAD VADConfig `yaml:"vad"`

	// Assembler overrides the sentence assembler knobs. Zero-valued fields
	// keep the built-in defaults.
	Assembler AssemblerConfig `yaml:"assembler"`
}

// VADConfig holds voice-activity detection thresholds.
type VADConfig struct {
	// MinSilenceSec is the continuous low-RMS duration that closes a segment.
	MinSilenceSec float64 `yaml:"min_silence_sec"`

	// MinSpeechSec is the cumulative voiced duration required before the gate
	// commits to a speech segment.
	MinSpeechSec float64 `yaml:"min_speech_sec"`

	// HangoverSec is the grace window after speech drops below the RMS floor,
	// and also the length of the onset prebuffer.
	HangoverSec float64 `yaml:"hangover_sec"`

	// MinRMS is the normalised RMS floor in [0, 1]. A frame exactly at the
	// floor counts as voiced.
	MinRMS float64 `yaml:"min_rms"`
}

// AssemblerConfig holds sentence assembler knobs.
type AssemblerConfig struct {
	// MaxWaitSec is the maximum time pending text may be held before a final
	// is forced. Default 4 s.
	MaxWaitSec float64 `yaml:"max_wait_sec"`

	// MaxChars is the hard cap on pending text length. Default 120.
	MaxChars int `yaml:"max_chars"`

	// SilenceFlushSec finalises pending text after this much silence,
	// provided the text is at least MinSentenceChars long. Default 0.8 s.
	SilenceFlushSec float64 `yaml:"silence_flush_sec"`

	// MinSentenceChars is the minimum text length for the silence rule.
	// Default 6.
	MinSentenceChars int `yaml:"min_sentence_chars"`
}

// RecognizerBackend names a speech-to-text backend implementation.
type RecognizerBackend string

const (
	BackendWhisperNative RecognizerBackend = "whisper-native"
	BackendWhisperServer RecognizerBackend = "whisper-server"
	BackendOpenAI        RecognizerBackend = "openai"
	BackendMock          RecognizerBackend = "mock"
)

// IsValid reports whether b is a recognised backend name.
func (b RecognizerBackend) IsValid() bool {
	switch b {
	case BackendWhisperNative, BackendWhisperServer, BackendOpenAI, BackendMock:
		return true
	}
	return false
}

// RecognizerConfig selects and configures the speech recognizer backend.
type RecognizerConfig struct {
	// Backend selects the implementation.
	Backend RecognizerBackend `yaml:"backend"`

	// ModelPath is the ggml model file for the whisper-native backend.
	ModelPath string `yaml:"model_path"`

	// ServerURL is the base URL of a whisper.cpp server for the
	// whisper-server backend.
	ServerURL string `yaml:"server_url"`

	// APIKey authenticates the openai backend.
	APIKey string `yaml:"api_key"`

	// Language is the recognition language hint (e.g., "zh", "en").
	// Empty lets the backend auto-detect where supported.
	Language string `yaml:"language"`

	// Workers is the recognizer worker count. Values above 1 are honoured
	// only when the backend reports itself parallel-safe. Zero means 1.
	Workers int `yaml:"workers"`

	// Fallbacks are additional backends tried in order when the primary
	// fails or its circuit breaker is open. Worker and fallback settings on
	// the entries themselves are ignored.
	Fallbacks []RecognizerConfig `yaml:"fallbacks"`
}

// ResolverConfig configures the room resolution client.
type ResolverConfig struct {
	// UserAgent is the browser user agent presented to the live platform.
	// Empty selects a built-in default.
	UserAgent string `yaml:"user_agent"`

	// TimeoutSec bounds a single resolution request. Zero means 10 s.
	TimeoutSec float64 `yaml:"timeout_sec"`
}

// PersistConfig controls optional debug artifact persistence.
type PersistConfig struct {
	// Enabled turns on writing of segment PCM and final transcript lines.
	Enabled bool `yaml:"enabled"`

	// Root is the directory artifacts are written under. Required when
	// Enabled is true.
	Root string `yaml:"root"`
}

// profileDefaults returns the VAD thresholds and chunk duration for a profile.
func profileDefaults(p Profile) (vad VADConfig, chunkSeconds float64) {
	if p == ProfileFast {
		return VADConfig{
			MinSilenceSec: 0.3,
			MinSpeechSec:  0.2,
			HangoverSec:   0.1,
			MinRMS:        0.012,
		}, 0.2
	}
	return VADConfig{
		MinSilenceSec: 1.2,
		MinSpeechSec:  1.0,
		HangoverSec:   0.30,
		MinRMS:        0.020,
	}, 0.5
}

// Assembler defaults.
const (
	defaultMaxWait          = 4 * time.Second
	defaultMaxChars         = 120
	defaultSilenceFlush     = 800 * time.Millisecond
	defaultMinSentenceChars = 6
)

// SessionOptions is the fully resolved, immutable parameter set of one
// pipeline session.
type SessionOptions struct {
	RoomRef   string
	SessionID string
	Profile   Profile

	ChunkSeconds float64

	MinSilence time.Duration
	MinSpeech  time.Duration
	Hangover   time.Duration
	MinRMS     float64

	MaxWait          time.Duration
	MaxChars         int
	SilenceFlush     time.Duration
	MinSentenceChars int

	PersistEnabled bool
	PersistRoot    string
}

// Overrides carries the optional per-request knobs of a start request.
// Nil fields keep the layer below.
type Overrides struct {
	SessionID        *string
	ChunkSeconds     *float64
	Profile          *Profile
	MinSilenceSec    *float64
	MinSpeechSec     *float64
	HangoverSec      *float64
	MinRMS           *float64
	MaxWaitSec       *float64
	MaxChars         *int
	SilenceFlushSec  *float64
	MinSentenceChars *int
}

// ErrInvalidOptions wraps every session option validation failure so callers
// can map the whole class to one HTTP status.
var ErrInvalidOptions = errors.New("config: invalid session options")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
}

// ResolveSession merges profile defaults, the config file, and request
// overrides into a validated [SessionOptions]. roomRef must be non-empty.
// SessionID is left empty when neither layer provides one; the supervisor
// generates one in that case.
func (c *Config) ResolveSession(roomRef string, ov Overrides) (SessionOptions, error) {
	if roomRef == "" {
		return SessionOptions{}, invalidf("room reference must not be empty")
	}

	profile := ProfileStable
	if c.Pipeline.Profile != "" {
		profile = c.Pipeline.Profile
	}
	if ov.Profile != nil {
		profile = *ov.Profile
	}
	if !profile.IsValid() {
		return SessionOptions{}, invalidf("unknown profile %q", profile)
	}

	vad, chunk := profileDefaults(profile)
	if c.Pipeline.ChunkSeconds != 0 {
		chunk = c.Pipeline.ChunkSeconds
	}
	overlayVAD(&vad, c.Pipeline.VAD)

	opts := SessionOptions{
		RoomRef:          roomRef,
		Profile:          profile,
		ChunkSeconds:     chunk,
		MinSilence:       secs(vad.MinSilenceSec),
		MinSpeech:        secs(vad.MinSpeechSec),
		Hangover:         secs(vad.HangoverSec),
		MinRMS:           vad.MinRMS,
		MaxWait:          defaultMaxWait,
		MaxChars:         defaultMaxChars,
		SilenceFlush:     defaultSilenceFlush,
		MinSentenceChars: defaultMinSentenceChars,
		PersistEnabled:   c.Persist.Enabled,
		PersistRoot:      c.Persist.Root,
	}

	a := c.Pipeline.Assembler
	if a.MaxWaitSec != 0 {
		opts.MaxWait = secs(a.MaxWaitSec)
	}
	if a.MaxChars != 0 {
		opts.MaxChars = a.MaxChars
	}
	if a.SilenceFlushSec != 0 {
		opts.SilenceFlush = secs(a.SilenceFlushSec)
	}
	if a.MinSentenceChars != 0 {
		opts.MinSentenceChars = a.MinSentenceChars
	}

	applyOverrides(&opts, ov)

	if err := validateSession(&opts); err != nil {
		return SessionOptions{}, err
	}
	return opts, nil
}

// overlayVAD copies non-zero fields of src over dst.
func overlayVAD(dst *VADConfig, src VADConfig) {
	if src.MinSilenceSec != 0 {
		dst.MinSilenceSec = src.MinSilenceSec
	}
	if src.MinSpeechSec != 0 {
		dst.MinSpeechSec = src.MinSpeechSec
	}
	if src.HangoverSec != 0 {
		dst.HangoverSec = src.HangoverSec
	}
	if src.MinRMS != 0 {
		dst.MinRMS = src.MinRMS
	}
}

// applyOverrides writes request-level overrides into opts.
func applyOverrides(opts *SessionOptions, ov Overrides) {
	if ov.SessionID != nil {
		opts.SessionID = *ov.SessionID
	}
	if ov.ChunkSeconds != nil {
		opts.ChunkSeconds = *ov.ChunkSeconds
	}
	if ov.MinSilenceSec != nil {
		opts.MinSilence = secs(*ov.MinSilenceSec)
	}
	if ov.MinSpeechSec != nil {
		opts.MinSpeech = secs(*ov.MinSpeechSec)
	}
	if ov.HangoverSec != nil {
		opts.Hangover = secs(*ov.HangoverSec)
	}
	if ov.MinRMS != nil {
		opts.MinRMS = *ov.MinRMS
	}
	if ov.MaxWaitSec != nil {
		opts.MaxWait = secs(*ov.MaxWaitSec)
	}
	if ov.MaxChars != nil {
		opts.MaxChars = *ov.MaxChars
	}
	if ov.SilenceFlushSec != nil {
		opts.SilenceFlush = secs(*ov.SilenceFlushSec)
	}
	if ov.MinSentenceChars != nil {
		opts.MinSentenceChars = *ov.MinSentenceChars
	}
}

// validateSession range-checks a resolved option set. It returns a joined
// error listing all violations found; every violation wraps
// [ErrInvalidOptions].
func validateSession(opts *SessionOptions) error {
	var errs []error

	if opts.ChunkSeconds < MinChunkSeconds || opts.ChunkSeconds > MaxChunkSeconds {
		errs = append(errs, invalidf("chunk_duration %.3f outside [%.1f, %.1f]",
			opts.ChunkSeconds, MinChunkSeconds, MaxChunkSeconds))
	}
	if opts.MinRMS <= 0 || opts.MinRMS >= 1 {
		errs = append(errs, invalidf("vad_rms %.4f outside (0, 1)", opts.MinRMS))
	}
	if opts.MinSilence <= 0 {
		errs = append(errs, invalidf("vad_min_silence_sec must be positive"))
	}
	if opts.MinSpeech <= 0 {
		errs = append(errs, invalidf("vad_min_speech_sec must be positive"))
	}
	if opts.Hangover < 0 {
		errs = append(errs, invalidf("vad_hangover_sec must not be negative"))
	}
	if opts.MaxWait <= 0 {
		errs = append(errs, invalidf("max_wait must be positive"))
	}
	if opts.MaxChars <= 0 {
		errs = append(errs, invalidf("max_chars must be positive"))
	}
	if opts.SilenceFlush <= 0 {
		errs = append(errs, invalidf("silence_flush must be positive"))
	}
	if opts.MinSentenceChars < 0 {
		errs = append(errs, invalidf("min_sentence_chars must not be negative"))
	}
	if opts.PersistEnabled && opts.PersistRoot == "" {
		errs = append(errs, invalidf("persist_root is required when persistence is enabled"))
	}

	return errors.Join(errs...)
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
