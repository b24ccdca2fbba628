// Package media owns the external transcode process that turns a live
// stream URL into canonical PCM on its stdout.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// killGrace is how long Stop waits for the transcoder to exit after the
// polite termination signal before killing it.
const killGrace = 2 * time.Second

// Puller runs one transcoder subprocess and exposes its PCM output stream.
//
// The zero value is not usable; construct with NewPuller and call Open once.
type Puller struct {
	bin     string
	headers map[string]string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *stderrTail
	stopped bool
	waitErr chan error
}

// Option configures a Puller.
type Option func(*Puller)

// WithBinary overrides the transcoder binary path. Defaults to "ffmpeg"
// resolved from PATH.
func WithBinary(path string) Option {
	return func(p *Puller) { p.bin = path }
}

// WithHeaders sets HTTP headers the transcoder sends when fetching the
// stream (cookies, user agent, referer).
func WithHeaders(h map[string]string) Option {
	return func(p *Puller) { p.headers = h }
}

// NewPuller creates an unopened puller.
func NewPuller(opts ...Option) *Puller {
	p := &Puller{bin: "ffmpeg"}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open starts the transcoder against mediaURL and returns the PCM read
// handle. The stream is 16-bit little-endian mono at 16 kHz. The reader
// returns EOF or an error once the process exits; Stop unblocks a pending
// Read by terminating the process.
func (p *Puller) Open(ctx context.Context, mediaURL string) (io.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil, errors.New("media: puller already open")
	}
	if p.stopped {
		return nil, errors.New("media: puller stopped")
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
	}
	if len(p.headers) > 0 {
		args = append(args, "-headers", joinHeaders(p.headers))
	}
	args = append(args,
		"-i", mediaURL,
		"-f", "s16le",
		"-ac", "1",
		"-ar", "16000",
		"-",
	)

	cmd := exec.CommandContext(ctx, p.bin, args...)
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("media: stdout pipe: %w", err)
	}
	tail := &stderrTail{}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("media: start %s: %w", p.bin, err)
	}
	slog.Info("media: transcoder started", "pid", cmd.Process.Pid)

	p.cmd = cmd
	p.stdout = stdout
	p.stderr = tail
	p.waitErr = make(chan error, 1)
	go func() { p.waitErr <- cmd.Wait() }()
	return stdout, nil
}

// Stop terminates the transcoder: close stdin side effects are not needed,
// the process gets a grace period and is then killed. Idempotent and safe
// to call concurrently with reads; a blocked Read unblocks with an error.
func (p *Puller) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd := p.cmd
	stdout := p.stdout
	waitErr := p.waitErr
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}

	// Closing stdout makes the transcoder die on its next write even if it
	// ignores the signal.
	if stdout != nil {
		stdout.Close()
	}
	if err := terminate(cmd); err != nil {
		slog.Warn("media: terminate transcoder", "err", err)
	}

	select {
	case err := <-waitErr:
		if err != nil && !expectedExit(err) {
			slog.Debug("media: transcoder exit", "err", err)
		}
	case <-time.After(killGrace):
		slog.Warn("media: transcoder ignored termination, killing", "pid", cmd.Process.Pid)
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("media: kill transcoder: %w", err)
		}
		<-waitErr
	}
	return nil
}

// Wait blocks until the transcoder exits and returns its exit error. It
// reports nil for a clean exit.
func (p *Puller) Wait() error {
	p.mu.Lock()
	waitErr := p.waitErr
	p.mu.Unlock()
	if waitErr == nil {
		return nil
	}
	err := <-waitErr
	waitErr <- err // keep Wait re-callable
	if err != nil && !expectedExit(err) {
		if tail := p.stderr.String(); tail != "" {
			return fmt.Errorf("media: transcoder exited: %w: %s", err, strings.TrimSpace(tail))
		}
		return fmt.Errorf("media: transcoder exited: %w", err)
	}
	return nil
}

// terminate asks the transcoder to shut down cleanly.
func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

// expectedExit reports whether err is the normal outcome of Stop killing
// the process.
func expectedExit(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed or terminated by us.
		return !exitErr.Exited()
	}
	return false
}

// joinHeaders renders headers in the CRLF form the transcoder expects.
func joinHeaders(h map[string]string) string {
	var b strings.Builder
	for k, v := range h {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	return b.String()
}

// stderrTail keeps the last chunk of transcoder stderr for error reporting
// without buffering an unbounded log.
type stderrTail struct {
	mu   sync.Mutex
	tail []byte
}

const stderrTailCap = 4096

func (w *stderrTail) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tail = append(w.tail, p...)
	if over := len(w.tail) - stderrTailCap; over > 0 {
		w.tail = w.tail[over:]
	}
	return len(p), nil
}

func (w *stderrTail) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.tail)
}
