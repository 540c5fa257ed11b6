package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"lmsync/browser"
	httpc "lmsync/http"
	"lmsync/logging"
	"lmsync/storage"
)

// State is the capture flow's current phase.
type State int

const (
	StateConnecting State = iota
	StateOpeningToolPage
	StateAwaitingLogin
	StateEnumeratingRecordings
	StatePerRecordingCapture
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpeningToolPage:
		return "opening-tool-page"
	case StateAwaitingLogin:
		return "awaiting-login"
	case StateEnumeratingRecordings:
		return "enumerating-recordings"
	case StatePerRecordingCapture:
		return "per-recording-capture"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrScidNotObserved means the tool page loaded but never issued a request
// carrying the session id.
var ErrScidNotObserved = errors.New("zoom: tool session id not observed")

// ErrNoCookies means the browser held no conferencing cookies after the
// tool page settled.
var ErrNoCookies = errors.New("zoom: no session cookies captured")

// ErrReplayNotObserved means a recording's play page never requested a
// recognizable media asset.
var ErrReplayNotObserved = errors.New("zoom: replay asset request not observed")

// Browser is the DevTools capability the capture flow needs.
// *browser.Client satisfies it; tests use a fake.
type Browser interface {
	OpenPage(ctx context.Context, url string) (targetID, sessionID string, err error)
	ClosePage(ctx context.Context, targetID string) error
	EnableNetwork(ctx context.Context, sessionID string) error
	Navigate(ctx context.Context, sessionID, url string) error
	Evaluate(ctx context.Context, sessionID, expression string, out any) error
	CurrentURL(ctx context.Context, sessionID string) (string, error)
	Cookies(ctx context.Context, sessionID string) ([]httpc.Cookie, error)
	Subscribe() (<-chan browser.Event, func())
}

// Options configures a capture flow.
type Options struct {
	// ToolURL is the LMS page that launches the conferencing tool.
	ToolURL string

	// SSOEmail and SSOPassword complete the identity provider form.
	SSOEmail    string
	SSOPassword string

	// Detector recognizes the identity provider. Defaults to
	// MicrosoftLogin.
	Detector LoginDetector

	// KeepTabs leaves capture tabs open for debugging.
	KeepTabs bool

	// LoadTimeout bounds waiting for the tool page to issue its API
	// calls. Default 60s.
	LoadTimeout time.Duration

	// AssetTimeout bounds waiting for a play page to request its media.
	// Default 30s.
	AssetTimeout time.Duration

	// PollInterval is the page-state polling cadence. Default 500ms.
	PollInterval time.Duration
}

// Capture drives the browser through the tool launch, SSO, and
// per-recording play pages, persisting everything it captures.
type Capture struct {
	browser Browser
	store   *storage.SessionStore
	opts    Options

	mu    sync.Mutex
	state State
}

// NewCapture creates a capture flow over a connected browser.
func NewCapture(b Browser, store *storage.SessionStore, opts Options) *Capture {
	if opts.Detector == nil {
		opts.Detector = MicrosoftLogin{}
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 60 * time.Second
	}
	if opts.AssetTimeout <= 0 {
		opts.AssetTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Capture{
		browser: b,
		store:   store,
		opts:    opts,
		state:   StateConnecting,
	}
}

// State returns the flow's current phase.
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Capture) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		logging.Debug().Stringer("from", prev).Stringer("to", s).Msg("capture state change")
	}
}

// closeTab closes a capture tab unless tabs are kept for debugging.
// Closing uses a fresh context so teardown survives a canceled parent.
func (c *Capture) closeTab(targetID string) {
	if c.opts.KeepTabs {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.browser.ClosePage(ctx, targetID); err != nil {
		logging.Warn().Err(err).Msg("closing capture tab failed")
	}
}

// requestWillBeSent is the slice of the Network.requestWillBeSent event
// payload the capture flow reads.
type requestWillBeSent struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"request"`
}

// CaptureSession opens the tool page, completes SSO if an identity
// provider interrupts, and persists the session id, API request headers,
// and cookies the page produces.
func (c *Capture) CaptureSession(ctx context.Context) error {
	c.setState(StateOpeningToolPage)

	events, cancel := c.browser.Subscribe()
	defer cancel()

	targetID, sessionID, err := c.browser.OpenPage(ctx, c.opts.ToolURL)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	defer c.closeTab(targetID)

	if err := c.browser.EnableNetwork(ctx, sessionID); err != nil {
		c.setState(StateFailed)
		return err
	}

	var (
		scid       string
		apiHeaders map[string]string
		loginTried bool
	)

	deadline := time.NewTimer(c.opts.LoadTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()

observe:
	for {
		select {
		case <-ctx.Done():
			c.setState(StateFailed)
			return ctx.Err()

		case <-deadline.C:
			if scid == "" {
				c.setState(StateFailed)
				return ErrScidNotObserved
			}
			break observe

		case ev, ok := <-events:
			if !ok {
				c.setState(StateFailed)
				return browser.ErrConnectionClosed
			}
			if ev.SessionID != sessionID || ev.Method != "Network.requestWillBeSent" {
				continue
			}
			var req requestWillBeSent
			if err := json.Unmarshal(ev.Params, &req); err != nil {
				continue
			}
			if scid == "" {
				if s := extractScid(req.Request.URL); s != "" {
					scid = s
					logging.Debug().Msg("tool session id observed")
				}
			}
			if apiHeaders == nil && strings.Contains(req.Request.URL, "/api/v1/lti/rich/recording") {
				apiHeaders = sanitizeHeaders(req.Request.Headers)
				logging.Debug().Int("count", len(apiHeaders)).Msg("api request headers observed")
			}
			if scid != "" && apiHeaders != nil {
				break observe
			}

		case <-poll.C:
			pageURL, err := c.browser.CurrentURL(ctx, sessionID)
			if err != nil {
				continue
			}
			if !c.opts.Detector.Matches(pageURL) {
				continue
			}
			if loginTried {
				c.setState(StateFailed)
				return fmt.Errorf("zoom: login did not leave the identity provider")
			}
			loginTried = true
			c.setState(StateAwaitingLogin)
			if err := c.performLogin(ctx, sessionID); err != nil {
				c.setState(StateFailed)
				return err
			}
			// The provider can strand the tab on its own landing page
			if err := c.browser.Navigate(ctx, sessionID, c.opts.ToolURL); err != nil {
				c.setState(StateFailed)
				return err
			}
			c.setState(StateOpeningToolPage)
		}
	}

	cookies, err := c.browser.Cookies(ctx, sessionID)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	cookies = filterConferencingCookies(cookies)
	if len(cookies) == 0 {
		c.setState(StateFailed)
		return ErrNoCookies
	}

	c.store.SetScid(scid)
	c.store.SetCookies(cookies)
	if apiHeaders != nil {
		c.store.SetHeaders(apiHeaders)
	} else {
		logging.Warn().Msg("no api request headers captured")
	}
	if err := c.store.Save(); err != nil {
		c.setState(StateFailed)
		return err
	}

	c.setState(StateEnumeratingRecordings)
	return nil
}

// performLogin runs the detector's scripted steps against the identity
// provider page.
func (c *Capture) performLogin(ctx context.Context, sessionID string) error {
	logging.Info().Msg("completing identity provider login")
	for _, step := range c.opts.Detector.Steps(c.opts.SSOEmail, c.opts.SSOPassword) {
		var found bool
		if err := c.browser.Evaluate(ctx, sessionID, loginStepJS(step), &found); err != nil {
			return fmt.Errorf("zoom: login step failed: %w", err)
		}
		if !found && !step.Optional {
			return fmt.Errorf("zoom: login element %q not found", step.Selector)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
	return nil
}

// loginStepJS renders one login step as a self-contained expression that
// returns whether the element existed.
func loginStepJS(step LoginStep) string {
	sel, _ := json.Marshal(step.Selector)
	switch step.Action {
	case ActionType:
		val, _ := json.Marshal(step.Value)
		return fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			el.focus();
			el.value = %s;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		})()`, sel, val)
	default:
		return fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return false;
			el.click();
			return true;
		})()`, sel)
	}
}

// CaptureReplay opens a recording's play page in its own tab and captures
// the signed media request it makes. Already-captured recordings are
// served from the store.
func (c *Capture) CaptureReplay(ctx context.Context, rec RecordingFile) (storage.ReplayAuth, error) {
	if auth, ok := c.store.Auth(rec.PlayURL); ok {
		return auth, nil
	}
	c.setState(StatePerRecordingCapture)

	events, cancel := c.browser.Subscribe()
	defer cancel()

	targetID, sessionID, err := c.browser.OpenPage(ctx, rec.PlayURL)
	if err != nil {
		return storage.ReplayAuth{}, err
	}
	defer c.closeTab(targetID)

	if err := c.browser.EnableNetwork(ctx, sessionID); err != nil {
		return storage.ReplayAuth{}, err
	}

	deadline := time.NewTimer(c.opts.AssetTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return storage.ReplayAuth{}, ctx.Err()

		case <-deadline.C:
			return storage.ReplayAuth{}, fmt.Errorf("%w: %s", ErrReplayNotObserved, rec.FilenameHint())

		case ev, ok := <-events:
			if !ok {
				return storage.ReplayAuth{}, browser.ErrConnectionClosed
			}
			if ev.SessionID != sessionID || ev.Method != "Network.requestWillBeSent" {
				continue
			}
			var req requestWillBeSent
			if err := json.Unmarshal(ev.Params, &req); err != nil {
				continue
			}
			if !isReplayAsset(req.Request.URL) {
				continue
			}

			auth := storage.ReplayAuth{
				DownloadURL: req.Request.URL,
				Headers:     sanitizeHeaders(req.Request.Headers),
				CapturedAt:  time.Now().UTC(),
			}
			c.store.SetAuth(rec.PlayURL, auth)
			if err := c.store.Save(); err != nil {
				return storage.ReplayAuth{}, err
			}
			return auth, nil
		}
	}
}

// InvalidateReplay drops a recording's stored authorization after the
// server rejected it, forcing a fresh capture on the next attempt.
func (c *Capture) InvalidateReplay(rec RecordingFile) error {
	c.store.DeleteAuth(rec.PlayURL)
	return c.store.Save()
}

// Finish marks the flow complete.
func (c *Capture) Finish() {
	c.setState(StateDone)
}

// extractScid pulls the lti_scid query parameter out of a request URL.
func extractScid(rawURL string) string {
	if !strings.Contains(rawURL, "lti_scid=") {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("lti_scid")
}

// skipHeaders are hop-by-hop or recomputed headers that must not be
// replayed on a fresh request. Cookies travel separately.
var skipHeaders = map[string]bool{
	"content-length":    true,
	"accept-encoding":   true,
	"transfer-encoding": true,
	"connection":        true,
	"upgrade":           true,
	"cookie":            true,
	"host":              true,
}

// sanitizeHeaders strips pseudo-headers and the skip list from captured
// request headers.
func sanitizeHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if strings.HasPrefix(k, ":") || skipHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

// isReplayAsset reports whether a request URL looks like the recording's
// media: an mp4 or HLS playlist on the vendor's or its CDN's hosts.
func isReplayAsset(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if !strings.HasSuffix(host, "zoom.us") && !strings.Contains(host, "cloudfront.net") {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasSuffix(path, ".mp4") ||
		strings.HasSuffix(path, ".m3u8") ||
		strings.Contains(path, "playlist.m3u8")
}

// filterConferencingCookies keeps only the vendor's cookies.
func filterConferencingCookies(cookies []httpc.Cookie) []httpc.Cookie {
	var out []httpc.Cookie
	for _, ck := range cookies {
		if strings.Contains(ck.Domain, "zoom.us") {
			out = append(out, ck)
		}
	}
	return out
}
