// Package resolve turns a user-supplied room reference (a share URL or a
// bare room id) into the media and chat endpoints of the live room.
package resolve

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Room is the resolved target of a session.
type Room struct {
	// ID is the numeric room id used by the chat channel.
	ID string

	// WebID is the short id from the room URL (the "live id").
	WebID string

	// MediaURL is the pullable stream address (FLV or HLS).
	MediaURL string

	// AnchorName is the streamer's display name, best effort.
	AnchorName string

	// Title is the room title, best effort.
	Title string

	// Cookies are the cookies required by the media and chat endpoints,
	// including the ttwid session cookie.
	Cookies map[string]string

	// UserAgent is the browser identity the cookies were issued to. Media
	// and chat requests must present the same identity.
	UserAgent string

	// UserUniqueID is the synthetic viewer id used on the chat channel.
	UserUniqueID string
}

// CookieHeader renders the room cookies as a Cookie header value.
func (r Room) CookieHeader() string {
	parts := make([]string, 0, len(r.Cookies))
	for k, v := range r.Cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// Resolver resolves a room reference into a Room.
type Resolver interface {
	Resolve(ctx context.Context, roomRef string) (Room, error)
}

// ErrRoomOffline is returned when the room exists but is not live.
var ErrRoomOffline = errors.New("resolve: room is not live")

// ErrRoomNotFound is returned when no room data is present in the page.
var ErrRoomNotFound = errors.New("resolve: room not found")

// defaultUserAgent is a current desktop browser identity; the live page
// serves different markup to unknown agents.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

const liveBase = "https://live.douyin.com"

// Patterns for the room state embedded as escaped JSON in the live page.
var (
	roomIDPattern   = regexp.MustCompile(`roomId\\":\\"(\d+)\\"`)
	statusPattern   = regexp.MustCompile(`\\"status\\":(\d+)`)
	nicknamePattern = regexp.MustCompile(`nickname\\":\\"(.*?)\\"`)
	titlePattern    = regexp.MustCompile(`\\"title\\":\\"(.*?)\\"`)
	flvPattern      = regexp.MustCompile(`(https:[^"\\]*?\.flv\?[^"\\]*)`)
	hlsPattern      = regexp.MustCompile(`(https:[^"\\]*?\.m3u8\?[^"\\]*)`)
)

// WebResolver resolves rooms by scraping the public live page, the same way
// a browser session does: first obtain a ttwid cookie, then parse the room
// state JSON embedded in the page HTML.
type WebResolver struct {
	client    *http.Client
	userAgent string
}

var _ Resolver = (*WebResolver)(nil)

// WebOption configures a WebResolver.
type WebOption func(*WebResolver)

// WithHTTPClient overrides the HTTP client (tests point it at a fixture
// server).
func WithHTTPClient(c *http.Client) WebOption {
	return func(r *WebResolver) { r.client = c }
}

// WithUserAgent overrides the browser identity.
func WithUserAgent(ua string) WebOption {
	return func(r *WebResolver) { r.userAgent = ua }
}

// WithTimeout bounds a single resolution request. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) WebOption {
	return func(r *WebResolver) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// defaultTimeout bounds a resolution request unless WithTimeout overrides it.
const defaultTimeout = 10 * time.Second

// NewWebResolver creates a resolver with the default request timeout.
func NewWebResolver(opts ...WebOption) *WebResolver {
	r := &WebResolver{
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve fetches the live page for roomRef and extracts the room id,
// stream URL, and anchor metadata. roomRef may be a full room URL or a bare
// live id.
func (r *WebResolver) Resolve(ctx context.Context, roomRef string) (Room, error) {
	webID, base, err := normalizeRef(roomRef)
	if err != nil {
		return Room{}, err
	}

	ttwid, err := r.fetchTTWID(ctx, base)
	if err != nil {
		return Room{}, err
	}

	page, err := r.fetchPage(ctx, base+"/"+webID, ttwid)
	if err != nil {
		return Room{}, err
	}

	room := Room{
		WebID:        webID,
		Cookies:      map[string]string{"ttwid": ttwid},
		UserAgent:    r.userAgent,
		UserUniqueID: randomUniqueID(),
	}

	m := roomIDPattern.FindStringSubmatch(page)
	if m == nil {
		return Room{}, ErrRoomNotFound
	}
	room.ID = m[1]

	// Status 2 is live; anything else means the anchor is offline.
	if m := statusPattern.FindStringSubmatch(page); m != nil && m[1] != "2" {
		return Room{}, ErrRoomOffline
	}

	if m := nicknamePattern.FindStringSubmatch(page); m != nil {
		room.AnchorName = unescapeJSON(m[1])
	}
	if m := titlePattern.FindStringSubmatch(page); m != nil {
		room.Title = unescapeJSON(m[1])
	}

	// Prefer FLV; fall back to HLS.
	if m := flvPattern.FindStringSubmatch(page); m != nil {
		room.MediaURL = unescapeJSON(m[1])
	} else if m := hlsPattern.FindStringSubmatch(page); m != nil {
		room.MediaURL = unescapeJSON(m[1])
	}
	if room.MediaURL == "" {
		return Room{}, fmt.Errorf("resolve: room %s: no stream url in page", room.ID)
	}
	return room, nil
}

// normalizeRef splits a room reference into the live id and the site base.
func normalizeRef(roomRef string) (webID, base string, err error) {
	roomRef = strings.TrimSpace(roomRef)
	if roomRef == "" {
		return "", "", errors.New("resolve: empty room reference")
	}
	if !strings.Contains(roomRef, "://") {
		return roomRef, liveBase, nil
	}
	u, err := url.Parse(roomRef)
	if err != nil {
		return "", "", fmt.Errorf("resolve: parse room url: %w", err)
	}
	id := strings.Trim(u.Path, "/")
	if id == "" {
		return "", "", fmt.Errorf("resolve: room url %q has no room id", roomRef)
	}
	return id, u.Scheme + "://" + u.Host, nil
}

// fetchTTWID requests the site root to be issued a ttwid session cookie.
func (r *WebResolver) fetchTTWID(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/", nil)
	if err != nil {
		return "", fmt.Errorf("resolve: build ttwid request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve: fetch ttwid: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	for _, c := range resp.Cookies() {
		if c.Name == "ttwid" {
			return c.Value, nil
		}
	}
	return "", errors.New("resolve: site did not issue a ttwid cookie")
}

// fetchPage downloads the room page HTML under the session cookie.
func (r *WebResolver) fetchPage(ctx context.Context, pageURL, ttwid string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("resolve: build page request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.AddCookie(&http.Cookie{Name: "ttwid", Value: ttwid})

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve: fetch room page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve: room page returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("resolve: read room page: %w", err)
	}
	return string(body), nil
}

// unescapeJSON undoes the escaping of strings lifted out of the embedded
// page JSON.
func unescapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\\u0026`, "&")
	s = strings.ReplaceAll(s, `\u0026`, "&")
	s = strings.ReplaceAll(s, `\\/`, "/")
	s = strings.ReplaceAll(s, `\/`, "/")
	return s
}

// randomUniqueID generates the synthetic viewer id presented on the chat
// channel.
func randomUniqueID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Deterministic fallback keeps resolution working.
		sum := md5.Sum([]byte(time.Now().String()))
		copy(b[:], sum[:8])
	}
	n := uint64(0)
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	// Keep it in the value range real viewer ids occupy.
	return fmt.Sprintf("7%018d", n%1_000_000_000_000_000_000)
}

// Signature derives the websocket signature parameter from the chat
// connection parameters.
func Signature(params string) string {
	sum := md5.Sum([]byte(params))
	return hex.EncodeToString(sum[:])
}
