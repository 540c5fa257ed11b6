package http

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterWait(t *testing.T) {
	cfg := RateLimiterConfig{
		DefaultRPS: 10.0, // 10 req/s = 100ms per request
	}
	rl := NewRateLimiter(cfg)

	ctx := context.Background()
	start := time.Now()

	// First request should pass immediately
	if err := rl.Wait(ctx, "https://lms.example.edu/api/v1/courses"); err != nil {
		t.Fatalf("Wait() returned error: %v", err)
	}

	// Second request should be delayed by roughly the token interval
	if err := rl.Wait(ctx, "https://lms.example.edu/api/v1/courses"); err != nil {
		t.Fatalf("Wait() returned error: %v", err)
	}

	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("second request completed in %v, expected at least ~100ms delay", elapsed)
	}
}

func TestRateLimiterConcurrentCallersHonorCap(t *testing.T) {
	// Under a 2 req/s cap, N callers take at least about (N-1)/rate
	// to all complete.
	cfg := RateLimiterConfig{DefaultRPS: 2.0}
	rl := NewRateLimiter(cfg)

	const callers = 5
	ctx := context.Background()

	var wg sync.WaitGroup
	start := time.Now()
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rl.Wait(ctx, "https://lms.example.edu/api/v1/courses")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
	}

	elapsed := time.Since(start)
	minimum := 1600 * time.Millisecond // (callers-1)/rate with 20% tolerance
	if elapsed < minimum {
		t.Errorf("%d callers at 2 rps completed in %v, want at least %v", callers, elapsed, minimum)
	}
}

func TestRateLimiterContextCancellation(t *testing.T) {
	cfg := RateLimiterConfig{DefaultRPS: 0.5} // 2s per request
	rl := NewRateLimiter(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Consume the initial token
	if err := rl.Wait(ctx, "https://lms.example.edu/"); err != nil {
		t.Fatalf("first Wait() returned error: %v", err)
	}

	// Second wait should be cut short by the context
	err := rl.Wait(ctx, "https://lms.example.edu/")
	if err == nil {
		t.Error("Wait() returned nil, want context error")
	}
}

func TestRateLimiterPerDomainIsolation(t *testing.T) {
	cfg := RateLimiterConfig{DefaultRPS: 1.0}
	rl := NewRateLimiter(cfg)

	ctx := context.Background()

	// Consume tokens on two different domains; neither should block the other
	start := time.Now()
	if err := rl.Wait(ctx, "https://lms.example.edu/"); err != nil {
		t.Fatal(err)
	}
	if err := rl.Wait(ctx, "https://recordings.example.com/"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("independent domains blocked each other: %v", elapsed)
	}
}

func TestRateLimiterCustomRates(t *testing.T) {
	cfg := RateLimiterConfig{
		DefaultRPS: 2.0,
		CustomRates: map[string]float64{
			"recordings.example.com": 0, // unlimited
		},
	}
	rl := NewRateLimiter(cfg)

	if got := rl.getRPS("recordings.example.com"); got != 0 {
		t.Errorf("getRPS(custom) = %f, want 0", got)
	}
	if got := rl.getRPS("lms.example.edu"); got != 2.0 {
		t.Errorf("getRPS(default) = %f, want 2.0", got)
	}
	// Suffix matching: subdomains inherit the parent rate
	if got := rl.getRPS("us01.recordings.example.com"); got != 0 {
		t.Errorf("getRPS(subdomain) = %f, want 0", got)
	}
}

func TestExtractDomain(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())

	tests := []struct {
		url  string
		want string
	}{
		{"https://lms.example.edu/api/v1/courses", "lms.example.edu"},
		{"https://lms.example.edu:8443/api", "lms.example.edu"},
		{"http://127.0.0.1:9222/json/new", "127.0.0.1"},
		{"not a url at all\x00", "unknown"},
	}

	for _, tt := range tests {
		if got := rl.extractDomain(tt.url); got != tt.want {
			t.Errorf("extractDomain(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestRecordRateLimitErrorBackoffProgression(t *testing.T) {
	cfg := RateLimiterConfig{DefaultRPS: 2.0, EnableDynamicBackoff: true}
	rl := NewRateLimiter(cfg)

	url := "https://lms.example.edu/api/v1/courses"

	backoff := rl.RecordRateLimitError(url, 0)
	if backoff != InitialBackoff {
		t.Errorf("first backoff = %v, want %v", backoff, InitialBackoff)
	}

	backoff = rl.RecordRateLimitError(url, 0)
	if backoff != 2*InitialBackoff {
		t.Errorf("second backoff = %v, want %v", backoff, 2*InitialBackoff)
	}

	// Server hint longer than computed backoff wins
	hint := 45 * time.Second
	backoff = rl.RecordRateLimitError(url, hint)
	if backoff != hint {
		t.Errorf("hinted backoff = %v, want %v", backoff, hint)
	}
}

func TestRecordRateLimitErrorReducesRate(t *testing.T) {
	cfg := RateLimiterConfig{DefaultRPS: 4.0, EnableDynamicBackoff: true}
	rl := NewRateLimiter(cfg)

	url := "https://lms.example.edu/api/v1/courses"
	// Materialize the limiter so the reduction has something to act on
	rl.getLimiter(url)

	rl.RecordRateLimitError(url, 0)
	state := rl.GetBackoffState(url)
	if state == nil {
		t.Fatal("GetBackoffState() = nil after error")
	}
	if state.ReducedRPS != 3.0 { // 75% after 1 error
		t.Errorf("ReducedRPS after 1 error = %f, want 3.0", state.ReducedRPS)
	}

	rl.RecordRateLimitError(url, 0)
	rl.RecordRateLimitError(url, 0)
	state = rl.GetBackoffState(url)
	if state.ReducedRPS != 1.0 { // floor at 25%
		t.Errorf("ReducedRPS after 3 errors = %f, want 1.0", state.ReducedRPS)
	}
}

func TestIsBackedOff(t *testing.T) {
	cfg := RateLimiterConfig{DefaultRPS: 2.0, EnableDynamicBackoff: true}
	rl := NewRateLimiter(cfg)

	url := "https://lms.example.edu/api/v1/courses"

	if rl.IsBackedOff(url) {
		t.Error("IsBackedOff() = true before any errors")
	}

	rl.RecordRateLimitError(url, 0)

	if !rl.IsBackedOff(url) {
		t.Error("IsBackedOff() = false immediately after an error")
	}
}

func TestRateLimiterNilSafety(t *testing.T) {
	var rl *RateLimiter

	if err := rl.Wait(context.Background(), "https://lms.example.edu/"); err != nil {
		t.Errorf("nil Wait() returned error: %v", err)
	}
	rl.RecordSuccess("https://lms.example.edu/")
	if state := rl.GetBackoffState("https://lms.example.edu/"); state != nil {
		t.Error("nil GetBackoffState() != nil")
	}
}
