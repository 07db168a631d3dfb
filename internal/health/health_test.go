package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/clock"
	"github.com/MrWong99/voicerelay/internal/resilience"
)

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "api_key", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "upstream", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["api_key"] != "ok" {
		t.Errorf("api_key check = %q, want %q", body.Checks["api_key"], "ok")
	}
	if body.Checks["upstream"] != "ok" {
		t.Errorf("upstream check = %q, want %q", body.Checks["upstream"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "api_key", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "upstream", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["api_key"] != "fail: connection refused" {
		t.Errorf("api_key check = %q, want %q", body.Checks["api_key"], "fail: connection refused")
	}
	if body.Checks["upstream"] != "ok" {
		t.Errorf("upstream check = %q, want %q", body.Checks["upstream"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllCheckersFail(t *testing.T) {
	h := New(
		Checker{Name: "api_key", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "upstream", Check: func(_ context.Context) error {
			return errors.New("circuit open")
		}},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["api_key"] != "fail: timeout" {
		t.Errorf("api_key check = %q", body.Checks["api_key"])
	}
	if body.Checks["upstream"] != "fail: circuit open" {
		t.Errorf("upstream check = %q", body.Checks["upstream"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	block := func(_ context.Context) error {
		started.Done()
		<-release
		return nil
	}
	h := New(
		Checker{Name: "a", Check: block},
		Checker{Name: "b", Check: block},
	)

	go func() {
		// Both checks must be in flight at once for this to fire.
		started.Wait()
		close(release)
	}()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.Readyz(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Readyz did not return; checks ran sequentially")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAPIKeyChecker(t *testing.T) {
	key := ""
	c := APIKeyChecker(func() string { return key })
	if c.Name != "api_key" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key: err = %v, want ErrNoAPIKey", err)
	}
	key = "sk-test"
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("configured key: err = %v", err)
	}
}

func TestBreakerChecker(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "openai-realtime",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		Clock:        clk,
	})
	c := BreakerChecker(cb)

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("closed breaker: err = %v", err)
	}

	_ = cb.Execute(func() error { return errors.New("dial failed") })
	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Errorf("open breaker: err = %v, want open", err)
	}

	clk.Advance(time.Minute)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("half-open breaker: err = %v, want nil", err)
	}
}

func TestBreakerChecker_ReadyWhileAnyProviderClosed(t *testing.T) {
	newCB := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name, MaxFailures: 1, ResetTimeout: time.Hour})
	}
	primary, backup := newCB("openai-realtime"), newCB("gemini-live")
	c := BreakerChecker(primary, backup)

	_ = primary.Execute(func() error { return errors.New("dial failed") })
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("backup still closed: err = %v", err)
	}

	_ = backup.Execute(func() error { return errors.New("dial failed") })
	err := c.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "openai-realtime, gemini-live") {
		t.Errorf("all open: err = %v", err)
	}
}
