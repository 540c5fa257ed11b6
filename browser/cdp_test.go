package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeDevTools is a minimal DevTools endpoint: /json/version advertises a
// websocket, /json/new and /json/close manage fake targets, and the
// websocket answers commands via the handler func.
type fakeDevTools struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handle   func(conn *websocket.Conn, msg map[string]any)
	closed   []string
}

func newFakeDevTools(t *testing.T, handle func(conn *websocket.Conn, msg map[string]any)) *fakeDevTools {
	t.Helper()
	f := &fakeDevTools{handle: handle}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/browser"
		json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/json/new", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "target-1"})
	})
	mux.HandleFunc("/json/close/", func(w http.ResponseWriter, r *http.Request) {
		f.closed = append(f.closed, strings.TrimPrefix(r.URL.Path, "/json/close/"))
		fmt.Fprint(w, "Target is closing")
	})
	mux.HandleFunc("/devtools/browser", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.handle(conn, msg)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// reply sends a successful command response.
func reply(conn *websocket.Conn, msg map[string]any, result map[string]any) {
	conn.WriteJSON(map[string]any{"id": msg["id"], "result": result})
}

func TestCallRoundTrip(t *testing.T) {
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["method"] == "Browser.getVersion" {
			reply(conn, msg, map[string]any{"product": "HeadlessTest/1.0"})
		}
	})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatalf("Connect() returned error: %v", err)
	}
	defer client.Close()

	var result struct {
		Product string `json:"product"`
	}
	if err := client.Call(context.Background(), "", "Browser.getVersion", nil, &result); err != nil {
		t.Fatalf("Call() returned error: %v", err)
	}
	if result.Product != "HeadlessTest/1.0" {
		t.Errorf("product = %q", result.Product)
	}
}

func TestCallProtocolError(t *testing.T) {
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {
		conn.WriteJSON(map[string]any{
			"id":    msg["id"],
			"error": map[string]any{"code": -32000, "message": "no such command"},
		})
	})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Call(context.Background(), "", "Bogus.method", nil, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Call() error = %v, want *CommandError", err)
	}
	if cmdErr.Code != -32000 {
		t.Errorf("Code = %d, want -32000", cmdErr.Code)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["method"] == "Network.enable" {
			reply(conn, msg, map[string]any{})
			// Emit an event after the command completes
			conn.WriteJSON(map[string]any{
				"method":    "Network.requestWillBeSent",
				"sessionId": "sess-1",
				"params":    map[string]any{"requestId": "req-1"},
			})
		}
	})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	events, cancel := client.Subscribe()
	defer cancel()

	if err := client.EnableNetwork(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Method != "Network.requestWillBeSent" || ev.SessionID != "sess-1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestOpenAndClosePage(t *testing.T) {
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["method"] == "Target.attachToTarget" {
			params := msg["params"].(map[string]any)
			if params["targetId"] != "target-1" || params["flatten"] != true {
				conn.WriteJSON(map[string]any{
					"id":    msg["id"],
					"error": map[string]any{"code": -32602, "message": "bad params"},
				})
				return
			}
			reply(conn, msg, map[string]any{"sessionId": "sess-1"})
		}
	})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	targetID, sessionID, err := client.OpenPage(context.Background(), "https://lms.example.edu/courses/1")
	if err != nil {
		t.Fatalf("OpenPage() returned error: %v", err)
	}
	if targetID != "target-1" || sessionID != "sess-1" {
		t.Errorf("OpenPage() = (%q, %q)", targetID, sessionID)
	}

	if err := client.ClosePage(context.Background(), targetID); err != nil {
		t.Fatalf("ClosePage() returned error: %v", err)
	}
	if len(fake.closed) != 1 || fake.closed[0] != "target-1" {
		t.Errorf("closed targets = %v", fake.closed)
	}
}

func TestCookiesDecoding(t *testing.T) {
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["method"] == "Network.getCookies" {
			reply(conn, msg, map[string]any{
				"cookies": []map[string]any{
					{"name": "_zm_ssid", "value": "abc", "domain": ".recordings.example.com",
						"path": "/", "expires": 1790000000, "secure": true, "httpOnly": true},
				},
			})
		}
	})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	cookies, err := client.Cookies(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Cookies() returned error: %v", err)
	}
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	ck := cookies[0]
	if ck.Name != "_zm_ssid" || ck.Domain != ".recordings.example.com" || !ck.Secure {
		t.Errorf("cookie = %+v", ck)
	}
	if !ck.Expires.Equal(time.Unix(1790000000, 0)) {
		t.Errorf("cookie expiry = %v, want epoch 1790000000", ck.Expires)
	}
}

func TestNavigate(t *testing.T) {
	var gotURL string
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {
		if msg["method"] == "Page.navigate" {
			params := msg["params"].(map[string]any)
			gotURL = params["url"].(string)
			reply(conn, msg, map[string]any{"frameId": "frame-1"})
		}
	})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Navigate(context.Background(), "sess-1", "https://lms.example.edu/courses/1"); err != nil {
		t.Fatalf("Navigate() returned error: %v", err)
	}
	if gotURL != "https://lms.example.edu/courses/1" {
		t.Errorf("navigated url = %q", gotURL)
	}
}

func TestCallAfterClose(t *testing.T) {
	fake := newFakeDevTools(t, func(conn *websocket.Conn, msg map[string]any) {})

	client, err := Connect(context.Background(), fake.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	client.Close()

	err = client.Call(context.Background(), "", "Browser.getVersion", nil, nil)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Call() after Close = %v, want ErrConnectionClosed", err)
	}
}
