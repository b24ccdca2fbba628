package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.SubscriberLimit < 0 {
		errs = append(errs, fmt.Errorf("server.subscriber_limit must not be negative"))
	}

	// Pipeline defaults
	if cfg.Pipeline.Profile != "" && !cfg.Pipeline.Profile.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.profile %q is invalid; valid values: fast, stable", cfg.Pipeline.Profile))
	}
	if cs := cfg.Pipeline.ChunkSeconds; cs != 0 && (cs < MinChunkSeconds || cs > MaxChunkSeconds) {
		errs = append(errs, fmt.Errorf("pipeline.chunk_seconds %.3f is out of range [%.1f, %.1f]", cs, MinChunkSeconds, MaxChunkSeconds))
	}
	if rms := cfg.Pipeline.VAD.MinRMS; rms != 0 && (rms <= 0 || rms >= 1) {
		errs = append(errs, fmt.Errorf("pipeline.vad.min_rms %.4f is out of range (0, 1)", rms))
	}

	// Recognizer
	if cfg.Recognizer.Backend == "" {
		slog.Warn("recognizer.backend is not set; sessions cannot be started until one is configured")
	} else {
		errs = append(errs, validateRecognizer("recognizer", cfg.Recognizer)...)
	}
	for i, fb := range cfg.Recognizer.Fallbacks {
		errs = append(errs, validateRecognizer(fmt.Sprintf("recognizer.fallbacks[%d]", i), fb)...)
	}
	if cfg.Recognizer.Workers < 0 {
		errs = append(errs, fmt.Errorf("recognizer.workers must not be negative"))
	}

	// Resolver
	if cfg.Resolver.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("resolver.timeout_sec must not be negative"))
	}

	// Persistence
	if cfg.Persist.Enabled && cfg.Persist.Root == "" {
		errs = append(errs, fmt.Errorf("persist.root is required when persist.enabled is true"))
	}

	return errors.Join(errs...)
}

// validateRecognizer checks one backend entry; prefix names the YAML path in
// error messages.
func validateRecognizer(prefix string, rc RecognizerConfig) []error {
	var errs []error
	switch rc.Backend {
	case BackendWhisperNative:
		if rc.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required for the whisper-native backend", prefix))
		}
	case BackendWhisperServer:
		if rc.ServerURL == "" {
			errs = append(errs, fmt.Errorf("%s.server_url is required for the whisper-server backend", prefix))
		}
	case BackendOpenAI:
		if rc.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for the openai backend", prefix))
		}
	case BackendMock:
		// No requirements; intended for tests and dry runs.
	default:
		errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: whisper-native, whisper-server, openai, mock", prefix, rc.Backend))
	}
	return errs
}
