package http

import (
	"strings"
	"sync"
	"time"
)

// Cookie is a browser cookie captured from a remote-controlled session.
type Cookie struct {
	Domain   string    `json:"domain"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
}

// Session carries captured authorization state (API headers and cookies)
// applied to outgoing requests. The capture flow writes it; the client and
// download pipeline only read it. Values handed out are copies.
type Session struct {
	mu      sync.RWMutex
	headers map[string]string
	cookies []Cookie
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{headers: make(map[string]string)}
}

// SetHeader records a single header to include in requests.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[key] = value
}

// SetHeaders replaces the header set.
func (s *Session) SetHeaders(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		s.headers[k] = v
	}
}

// SetCookies replaces the cookie set.
func (s *Session) SetCookies(cookies []Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies = append([]Cookie(nil), cookies...)
}

// Headers returns a copy of the session headers.
func (s *Session) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	headers := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		headers[k] = v
	}
	return headers
}

// Cookies returns a copy of the session cookies.
func (s *Session) Cookies() []Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Cookie(nil), s.cookies...)
}

// CookieHeader builds a Cookie header value for the given host. A cookie
// matches when its domain equals the host or is a parent-domain suffix
// (".example.com" style scoping).
func (s *Session) CookieHeader(host string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pairs []string
	for _, c := range s.cookies {
		if cookieDomainMatches(host, c.Domain) {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
	}
	return strings.Join(pairs, "; ")
}

// Clear drops all captured state.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = make(map[string]string)
	s.cookies = nil
}

// cookieDomainMatches reports whether a cookie scoped to domain applies to host.
func cookieDomainMatches(host, domain string) bool {
	domain = strings.TrimPrefix(domain, ".")
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
