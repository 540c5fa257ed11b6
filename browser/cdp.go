// Package browser drives an already-running browser over the DevTools
// protocol. It speaks the JSON wire format directly over a websocket:
// commands are id-correlated request/response pairs, events arrive
// unsolicited and are fanned out to subscribers. Pages are attached with
// flat session ids so one connection can drive many tabs.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	httpc "lmsync/http"
	"lmsync/logging"
)

// ErrConnectionClosed is returned by calls made after the websocket died.
var ErrConnectionClosed = errors.New("browser: connection closed")

// CommandError is a DevTools protocol error response.
type CommandError struct {
	Method  string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("browser: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// Event is an unsolicited protocol notification.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// subscriberBuffer is the event queue per subscriber. Capture bursts
// (one event per network request) stay well under this.
const subscriberBuffer = 1024

// Client is a connection to the browser's DevTools endpoint.
type Client struct {
	devtoolsURL string
	conn        *websocket.Conn
	http        *http.Client

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu          sync.Mutex
	pending     map[int64]chan wireMessage
	subscribers map[int64]chan Event
	nextSub     int64
	closed      bool
	readErr     error
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Connect dials the browser at devtoolsURL (e.g. http://127.0.0.1:9222),
// discovering the websocket endpoint from /json/version.
func Connect(ctx context.Context, devtoolsURL string) (*Client, error) {
	devtoolsURL = strings.TrimRight(devtoolsURL, "/")
	hc := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, devtoolsURL+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: devtools not reachable: %w", err)
	}
	defer resp.Body.Close()

	var version versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, fmt.Errorf("browser: decode version info: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return nil, errors.New("browser: no websocket debugger url advertised")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, version.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: dial devtools websocket: %w", err)
	}

	c := &Client{
		devtoolsURL: devtoolsURL,
		conn:        conn,
		http:        hc,
		pending:     make(map[int64]chan wireMessage),
		subscribers: make(map[int64]chan Event),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		if msg.Method == "" {
			continue
		}
		ev := Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params}
		c.mu.Lock()
		for _, sub := range c.subscribers {
			select {
			case sub <- ev:
			default:
				logging.Warn().Str("method", ev.Method).Msg("dropping browser event, subscriber is behind")
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, sub := range c.subscribers {
		close(sub)
		delete(c.subscribers, id)
	}
}

// Call sends a protocol command and decodes its result. sessionID may be
// empty for browser-level commands, result may be nil when the reply
// doesn't matter.
func (c *Client) Call(ctx context.Context, sessionID, method string, params, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("browser: marshal %s params: %w", method, err)
		}
		rawParams = raw
	}

	id := c.nextID.Add(1)
	ch := make(chan wireMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := wireMessage{ID: id, Method: method, Params: rawParams, SessionID: sessionID}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("browser: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		if reply.Error != nil {
			return &CommandError{Method: method, Code: reply.Error.Code, Message: reply.Error.Message}
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("browser: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Subscribe registers an event listener. The returned cancel function must
// be called when done; the channel is closed on cancel or disconnect.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.nextSub++
	id := c.nextSub
	c.subscribers[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

type newTargetReply struct {
	ID string `json:"id"`
}

type attachReply struct {
	SessionID string `json:"sessionId"`
}

// OpenPage opens a new tab at pageURL and attaches to it with a flat
// session. It returns the target id (for closing) and the session id
// (for commands).
func (c *Client) OpenPage(ctx context.Context, pageURL string) (targetID, sessionID string, err error) {
	endpoint := c.devtoolsURL + "/json/new?" + url.Values{"url": {pageURL}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("browser: open target: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("browser: open target: status %d: %s", resp.StatusCode, body)
	}

	var target newTargetReply
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return "", "", fmt.Errorf("browser: decode new target: %w", err)
	}

	var attach attachReply
	err = c.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": target.ID,
		"flatten":  true,
	}, &attach)
	if err != nil {
		return "", "", err
	}
	return target.ID, attach.SessionID, nil
}

// ClosePage closes the tab with the given target id.
func (c *Client) ClosePage(ctx context.Context, targetID string) error {
	endpoint := c.devtoolsURL + "/json/close/" + targetID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("browser: close target: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("browser: close target: status %d", resp.StatusCode)
	}
	return nil
}

// EnableNetwork turns on network event reporting for a session.
func (c *Client) EnableNetwork(ctx context.Context, sessionID string) error {
	return c.Call(ctx, sessionID, "Network.enable", nil, nil)
}

// Navigate points a session's tab at a URL.
func (c *Client) Navigate(ctx context.Context, sessionID, pageURL string) error {
	return c.Call(ctx, sessionID, "Page.navigate", map[string]any{"url": pageURL}, nil)
}

// Evaluate runs a JavaScript expression in the page and returns its value.
func (c *Client) Evaluate(ctx context.Context, sessionID, expression string, out any) error {
	var reply struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	err := c.Call(ctx, sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}, &reply)
	if err != nil {
		return err
	}
	if reply.ExceptionDetails != nil {
		return fmt.Errorf("browser: evaluate: %s", reply.ExceptionDetails.Text)
	}
	if out != nil && len(reply.Result.Value) > 0 {
		if err := json.Unmarshal(reply.Result.Value, out); err != nil {
			return fmt.Errorf("browser: decode evaluate result: %w", err)
		}
	}
	return nil
}

// CurrentURL returns the page's current location.
func (c *Client) CurrentURL(ctx context.Context, sessionID string) (string, error) {
	var u string
	if err := c.Evaluate(ctx, sessionID, "location.href", &u); err != nil {
		return "", err
	}
	return u, nil
}

type cdpCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
}

// Cookies returns all cookies the browser currently holds for the session.
func (c *Client) Cookies(ctx context.Context, sessionID string) ([]httpc.Cookie, error) {
	var reply struct {
		Cookies []cdpCookie `json:"cookies"`
	}
	if err := c.Call(ctx, sessionID, "Network.getCookies", nil, &reply); err != nil {
		return nil, err
	}

	out := make([]httpc.Cookie, 0, len(reply.Cookies))
	for _, ck := range reply.Cookies {
		cookie := httpc.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HTTPOnly,
		}
		if ck.Expires > 0 {
			cookie.Expires = time.Unix(int64(ck.Expires), 0).UTC()
		}
		out = append(out, cookie)
	}
	return out, nil
}

// Close tears down the websocket connection.
func (c *Client) Close() error {
	c.shutdown(ErrConnectionClosed)
	return c.conn.Close()
}
