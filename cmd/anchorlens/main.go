// Command anchorlens is the livestream assistant server: it pulls a live
// room's media stream, transcribes it in near real time, and relays the
// room's chat, exposing both over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anchorlens/anchorlens/internal/chat"
	"github.com/anchorlens/anchorlens/internal/config"
	"github.com/anchorlens/anchorlens/internal/health"
	"github.com/anchorlens/anchorlens/internal/observe"
	"github.com/anchorlens/anchorlens/internal/resilience"
	"github.com/anchorlens/anchorlens/internal/resolve"
	"github.com/anchorlens/anchorlens/internal/server"
	"github.com/anchorlens/anchorlens/internal/supervisor"
	"github.com/anchorlens/anchorlens/pkg/asr"
	asrmock "github.com/anchorlens/anchorlens/pkg/asr/mock"
	"github.com/anchorlens/anchorlens/pkg/asr/openai"
	"github.com/anchorlens/anchorlens/pkg/asr/whisper"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 for a clean shutdown, 1 for a
// configuration error, 2 for an unrecoverable runtime failure.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "anchorlens: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "anchorlens: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("anchorlens starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"recognizer", cfg.Recognizer.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OTel providers: Prometheus-exported metrics plus tracing.
	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "anchorlens",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 2
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	rec, err := buildRecognizer(cfg.Recognizer)
	if err != nil {
		slog.Error("failed to build recognizer", "backend", cfg.Recognizer.Backend, "err", err)
		return 2
	}
	defer rec.Close()
	slog.Info("recognizer ready", "backend", cfg.Recognizer.Backend, "parallel_safe", rec.ParallelSafe())

	var resolverOpts []resolve.WebOption
	if cfg.Resolver.UserAgent != "" {
		resolverOpts = append(resolverOpts, resolve.WithUserAgent(cfg.Resolver.UserAgent))
	}
	if cfg.Resolver.TimeoutSec > 0 {
		resolverOpts = append(resolverOpts, resolve.WithTimeout(time.Duration(cfg.Resolver.TimeoutSec*float64(time.Second))))
	}
	resolver := resolve.NewWebResolver(resolverOpts...)

	sup := supervisor.New(cfg, resolver, rec)
	relay := chat.NewRelay(resolver, chat.WithSubscriberLimit(cfg.Server.SubscriberLimit))

	checks := health.New(health.Checker{
		Name: "recognizer",
		Check: func(ctx context.Context) error {
			// A one-sample probe catches an unloadable model or an
			// unreachable backend before traffic arrives.
			_, err := rec.Transcribe(ctx, make([]byte, 2))
			return err
		},
	})

	srv := server.New(sup, relay, server.WithHealth(checks))
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 2
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sup.Stop(); err != nil {
		slog.Warn("supervisor stop error", "err", err)
	}
	if err := relay.Stop(); err != nil {
		slog.Warn("chat relay stop error", "err", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 2
	}

	slog.Info("goodbye")
	return 0
}

// buildRecognizer constructs the configured speech-to-text backend, wrapping
// it in a circuit-breaking fallback chain when fallbacks are configured.
func buildRecognizer(cfg config.RecognizerConfig) (asr.Recognizer, error) {
	primary, err := buildBackend(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewASRFallback(primary, string(cfg.Backend), resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		},
	})
	for _, fb := range cfg.Fallbacks {
		rec, err := buildBackend(fb)
		if err != nil {
			group.Close()
			return nil, fmt.Errorf("fallback %q: %w", fb.Backend, err)
		}
		group.AddFallback(string(fb.Backend), rec)
		slog.Info("recognizer fallback registered", "backend", fb.Backend)
	}
	return group, nil
}

// buildBackend constructs a single speech-to-text backend.
func buildBackend(cfg config.RecognizerConfig) (asr.Recognizer, error) {
	switch cfg.Backend {
	case config.BackendWhisperNative:
		var opts []whisper.NativeOption
		if cfg.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.Language))
		}
		return whisper.NewNative(cfg.ModelPath, opts...)

	case config.BackendWhisperServer:
		var opts []whisper.ServerOption
		if cfg.Language != "" {
			opts = append(opts, whisper.WithServerLanguage(cfg.Language))
		}
		return whisper.NewServer(cfg.ServerURL, opts...)

	case config.BackendOpenAI:
		var opts []openai.Option
		if cfg.Language != "" {
			opts = append(opts, openai.WithLanguage(cfg.Language))
		}
		return openai.New(cfg.APIKey, opts...)

	case config.BackendMock:
		slog.Warn("using the mock recognizer — transcripts will be empty")
		return &asrmock.Recognizer{Parallel: true}, nil
	}
	return nil, fmt.Errorf("unknown recognizer backend %q", cfg.Backend)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
