package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/anchorlens/anchorlens/internal/event"
	"github.com/anchorlens/anchorlens/internal/resolve"
)

// defaultWSBase is the chat push endpoint.
const defaultWSBase = "wss://webcast5-ws-web-lf.douyin.com/webcast/im/push/v2/"

// heartbeatInterval is how often the client sends its keepalive frame.
const heartbeatInterval = 10 * time.Second

// maxBackoff caps the reconnect delay.
const maxBackoff = 16 * time.Second

// errRoomClosed signals that the server announced the end of the broadcast.
var errRoomClosed = errors.New("chat: room closed")

// Client maintains the chat connection for one room, reconnecting with
// exponential backoff until the context is cancelled or the room closes.
type Client struct {
	room resolve.Room
	emit func(event.Chat)

	wsBase string
	now    func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEndpoint overrides the chat push endpoint (tests point it at a
// fixture server).
func WithEndpoint(base string) ClientOption {
	return func(c *Client) { c.wsBase = base }
}

// NewClient creates a chat client for the resolved room. Every normalized
// event is delivered through emit, which must not block for long.
func NewClient(room resolve.Room, emit func(event.Chat), opts ...ClientOption) *Client {
	c := &Client{
		room:   room,
		emit:   emit,
		wsBase: defaultWSBase,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run connects and relays chat events until ctx is cancelled or the room
// closes. Dropped connections are retried with exponential backoff, each
// retry announced with a "reconnecting" status event. A detected room close
// emits "room_closed" and returns nil.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.connectOnce(ctx)
		switch {
		case errors.Is(err, errRoomClosed):
			c.status("room_closed", 0)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		attempt++
		delay := backoffDelay(attempt)
		slog.Warn("chat: connection lost, reconnecting",
			"room_id", c.room.ID,
			"attempt", attempt,
			"delay", delay,
			"err", err)
		c.status("reconnecting", attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// backoffDelay returns the reconnect delay for the given attempt: 1 s
// doubling up to the 16 s cap.
func backoffDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// connectOnce dials the chat endpoint and relays frames until the
// connection drops, the room closes, or ctx is cancelled.
func (c *Client) connectOnce(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", c.room.UserAgent)
	header.Set("Cookie", c.room.CookieHeader())

	conn, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("chat: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 22)

	slog.Info("chat: connected", "room_id", c.room.ID)
	c.status("connected", 0)

	// The heartbeat writer stops with the read loop via hbCtx.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("chat: read frame: %w", err)
		}
		if err := c.handleFrame(ctx, conn, data); err != nil {
			return err
		}
	}
}

// heartbeat sends the keepalive frame on a fixed interval.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageBinary, encodeHeartbeat()); err != nil {
				return
			}
		}
	}
}

// handleFrame decodes one websocket frame and emits its messages.
func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	frame, err := decodePushFrame(data)
	if err != nil {
		slog.Warn("chat: dropping malformed frame", "err", err)
		return nil
	}
	if frame.payloadType != "msg" {
		return nil
	}

	payload, err := inflate(frame)
	if err != nil {
		slog.Warn("chat: dropping frame with bad payload", "err", err)
		return nil
	}
	resp, err := decodeResponse(payload)
	if err != nil {
		slog.Warn("chat: dropping malformed response", "err", err)
		return nil
	}

	if resp.needAck {
		ack := encodeAck(frame.logID, resp.internalExt)
		if err := conn.Write(ctx, websocket.MessageBinary, ack); err != nil {
			return fmt.Errorf("chat: write ack: %w", err)
		}
	}

	for _, msg := range resp.messages {
		ev := normalize(msg, c.now())
		c.emit(ev)
		if ev.Type == event.ChatRoomControl {
			if ctl, ok := ev.Payload.(event.RoomControlPayload); ok && ctl.Status == roomClosedStatus {
				return errRoomClosed
			}
		}
	}
	return nil
}

// status emits a relay lifecycle event.
func (c *Client) status(stage string, attempt int) {
	c.emit(event.Chat{
		Type:      event.ChatStatus,
		Payload:   event.ChatStatusPayload{Stage: stage, Attempt: attempt},
		Timestamp: c.now(),
	})
}

// wsURL assembles the push endpoint URL with the connection parameters the
// server validates, signed the same way the web client signs them.
func (c *Client) wsURL() string {
	q := url.Values{}
	q.Set("app_name", "douyin_web")
	q.Set("version_code", "180800")
	q.Set("webcast_sdk_version", "1.0.14-beta.0")
	q.Set("update_version_code", "1.0.14-beta.0")
	q.Set("compress", "gzip")
	q.Set("device_platform", "web")
	q.Set("cookie_enabled", "true")
	q.Set("browser_language", "zh-CN")
	q.Set("browser_platform", "Win32")
	q.Set("browser_name", "Mozilla")
	q.Set("room_id", c.room.ID)
	q.Set("user_unique_id", c.room.UserUniqueID)
	q.Set("im_path", "/webcast/im/fetch/")
	q.Set("identity", "audience")
	q.Set("heartbeatDuration", "0")
	q.Set("signature", resolve.Signature(
		"live_id=1,aid=6383,version_code=180800,webcast_sdk_version=1.0.14-beta.0,"+
			"room_id="+c.room.ID+",sub_room_id=,sub_channel_id=,did_rule=3,"+
			"user_unique_id="+c.room.UserUniqueID+",device_platform=web,device_type=,ac=,identity=audience"))
	return c.wsBase + "?" + q.Encode()
}
