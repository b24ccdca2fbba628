package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/anchorlens/anchorlens/internal/broadcast"
	"github.com/anchorlens/anchorlens/internal/event"
)

// wsWriteTimeout bounds a single WebSocket frame write. A subscriber that
// cannot take a frame within this window is closed; the broadcaster's ring
// already absorbed transient slowness before the frame got here.
const wsWriteTimeout = 2 * time.Second

// sseHeartbeat is the keepalive comment interval on the chat SSE stream.
const sseHeartbeat = 15 * time.Second

// handleTranscriptWS streams transcript, level, and status frames to one
// WebSocket subscriber.
func (s *Server) handleTranscriptWS(w http.ResponseWriter, r *http.Request) {
	sub, err := s.sup.SubscribeTranscript()
	if err != nil {
		if errors.Is(err, broadcast.ErrTooManySubscribers) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Cancel()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket accept", "err", err)
		return
	}
	defer c.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound frames: an application-level ping is forwarded to the write
	// loop for a pong, everything else is discarded. The read loop also
	// notices when the client goes away.
	pings := make(chan struct{}, 1)
	go func() {
		defer cancel()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var in struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &in) == nil && in.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings:
			frame, err := event.Pong{}.Frame()
			if err != nil {
				continue
			}
			if err := writeWS(ctx, c, frame); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			frame, err := e.Frame()
			if err != nil {
				slog.Warn("server: encode event frame", "err", err)
				continue
			}
			if err := writeWS(ctx, c, frame); err != nil {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, c *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.Write(wctx, websocket.MessageText, frame)
}

// handleChatStream streams the relay's chat events as server-sent events.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.relay.Subscribe()
	if err != nil {
		if errors.Is(err, broadcast.ErrTooManySubscribers) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := e.Frame()
			if err != nil {
				slog.Warn("server: encode chat frame", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
