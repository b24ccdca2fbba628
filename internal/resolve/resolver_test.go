package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"
)

// roomPage renders a minimal live page body with the escaped JSON fragments
// the resolver scrapes.
func roomPage(roomID string, status int, flvURL string) string {
	return fmt.Sprintf(`<html><script>self.__pace_f.push(
		"roomId\":\"%s\",\"status\":%d,
		\"title\":\"Test Room\",nickname\":\"anchor-1\",
		pull_url: "%s?expire=1"
	)</script></html>`, roomID, status, flvURL)
}

// fixture serves the site root (issuing ttwid) and one room page.
func fixture(t *testing.T, page string) (*httptest.Server, *WebResolver) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "ttwid", Value: "tt-123"})
	})
	mux.HandleFunc("GET /{id}", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("ttwid"); err != nil || c.Value != "tt-123" {
			t.Errorf("room page fetched without session cookie")
		}
		fmt.Fprint(w, page)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, NewWebResolver(WithHTTPClient(srv.Client()))
}

func TestResolveLiveRoom(t *testing.T) {
	t.Parallel()

	srv, r := fixture(t, roomPage("7418291", 2, "https://pull.example.com/live/abc.flv"))
	room, err := r.Resolve(context.Background(), srv.URL+"/431208")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if room.ID != "7418291" {
		t.Errorf("want room id 7418291, got %q", room.ID)
	}
	if room.WebID != "431208" {
		t.Errorf("want web id 431208, got %q", room.WebID)
	}
	if room.MediaURL != "https://pull.example.com/live/abc.flv?expire=1" {
		t.Errorf("want flv url, got %q", room.MediaURL)
	}
	if room.AnchorName != "anchor-1" {
		t.Errorf("want anchor name, got %q", room.AnchorName)
	}
	if room.Cookies["ttwid"] != "tt-123" {
		t.Errorf("want ttwid cookie, got %v", room.Cookies)
	}
	if room.UserUniqueID == "" {
		t.Error("want generated user unique id")
	}
}

func TestResolveOfflineRoom(t *testing.T) {
	t.Parallel()

	srv, r := fixture(t, roomPage("7418291", 4, "https://pull.example.com/live/abc.flv"))
	if _, err := r.Resolve(context.Background(), srv.URL+"/431208"); !errors.Is(err, ErrRoomOffline) {
		t.Fatalf("want ErrRoomOffline, got %v", err)
	}
}

func TestResolveMissingRoom(t *testing.T) {
	t.Parallel()

	srv, r := fixture(t, "<html>not a live page</html>")
	if _, err := r.Resolve(context.Background(), srv.URL+"/nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func TestResolveEmptyRef(t *testing.T) {
	t.Parallel()

	r := NewWebResolver()
	if _, err := r.Resolve(context.Background(), "  "); err == nil {
		t.Fatal("want error for empty room reference")
	}
}

func TestNormalizeRef(t *testing.T) {
	t.Parallel()

	id, base, err := normalizeRef("123456")
	if err != nil || id != "123456" || base != liveBase {
		t.Errorf("bare id: got (%q, %q, %v)", id, base, err)
	}

	id, base, err = normalizeRef("https://live.douyin.com/654321/")
	if err != nil || id != "654321" || base != "https://live.douyin.com" {
		t.Errorf("url: got (%q, %q, %v)", id, base, err)
	}

	if _, _, err := normalizeRef("https://live.douyin.com/"); err == nil {
		t.Error("url without room id must fail")
	}
}

func TestCookieHeader(t *testing.T) {
	t.Parallel()

	room := Room{Cookies: map[string]string{"ttwid": "abc"}}
	if got := room.CookieHeader(); got != "ttwid=abc" {
		t.Errorf("want %q, got %q", "ttwid=abc", got)
	}
}

func TestSignatureIsStable(t *testing.T) {
	t.Parallel()

	a := Signature("room_id=1,user_unique_id=2")
	b := Signature("room_id=1,user_unique_id=2")
	if a != b {
		t.Fatal("signature must be deterministic")
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(a) {
		t.Fatalf("want 32-char hex digest, got %q", a)
	}
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	r := NewWebResolver()
	if r.client.Timeout != defaultTimeout {
		t.Errorf("default timeout = %v, want %v", r.client.Timeout, defaultTimeout)
	}

	r = NewWebResolver(WithTimeout(3 * time.Second))
	if r.client.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", r.client.Timeout)
	}

	r = NewWebResolver(WithTimeout(0))
	if r.client.Timeout != defaultTimeout {
		t.Errorf("zero timeout must keep the default, got %v", r.client.Timeout)
	}
}
