package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-eval/internal/identity"
	"github.com/coder/websocket"
)

func withIdentity(next http.Handler, userID, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), userID, name)))
	})
}

func dial(ctx context.Context, t *testing.T, srv *httptest.Server, channel string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?channel=" + channel
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(ctx context.Context, t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return f
}

func send(ctx context.Context, t *testing.T, ws *websocket.Conn, f clientFrame) {
	t.Helper()
	if err := writeJSON(ctx, ws, f); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestWebSocketPostAndDelete(t *testing.T) {
	hub, _, d := newTestHub(t)
	srv := httptest.NewServer(withIdentity(NewWebSocketHandler(hub, "", true), "anon_a", "alice"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(ctx, t, srv, "general")

	send(ctx, t, ws, clientFrame{Type: "ping"})
	if f := readFrame(ctx, t, ws); f.Type != FramePong {
		t.Fatalf("frame = %+v, want pong", f)
	}

	send(ctx, t, ws, clientFrame{Type: "create", ID: "c1", Text: "!run echo hi"})
	f := readFrame(ctx, t, ws)
	if f.Type != FrameMessage || f.ID != "anon_a:c1" || f.Message.AuthorName != "alice" {
		t.Fatalf("frame = %+v", f)
	}

	send(ctx, t, ws, clientFrame{Type: "delete", ID: "anon_a:c1"})
	if f := readFrame(ctx, t, ws); f.Type != FrameDelete || f.ID != "anon_a:c1" {
		t.Fatalf("frame = %+v", f)
	}

	if n := len(d.snapshot()); n != 2 {
		t.Fatalf("got %d events, want 2", n)
	}
}

func TestWebSocketReportsErrors(t *testing.T) {
	hub, _, _ := newTestHub(t)
	srv := httptest.NewServer(withIdentity(NewWebSocketHandler(hub, "", true), "anon_a", "alice"))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(ctx, t, srv, "general")

	send(ctx, t, ws, clientFrame{Type: "edit", ID: "missing", Text: "x"})
	f := readFrame(ctx, t, ws)
	if f.Type != FrameError || f.Error != "message not found" {
		t.Fatalf("frame = %+v", f)
	}

	send(ctx, t, ws, clientFrame{Type: "shout"})
	if f := readFrame(ctx, t, ws); f.Type != FrameError {
		t.Fatalf("frame = %+v", f)
	}
}

func TestWebSocketRejectsBadChannel(t *testing.T) {
	hub, _, _ := newTestHub(t)
	srv := httptest.NewServer(withIdentity(NewWebSocketHandler(hub, "", true), "anon_a", "alice"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?channel=Not+Valid")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewWebSocketHandler(nil, "https://eval.example.com", false)
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://eval.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
