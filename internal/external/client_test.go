package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"sponsorscout/internal/types"
)

func noopSleep(time.Duration) {}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond}
}

func newTestClient(policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test", policy, "SponsorScout-Test/1.0", opts...)
}

func mustRequest(t *testing.T, ctx context.Context, method, url, body string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestDo_InjectsHeaders(t *testing.T) {
	var gotUA, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotID = r.Header.Get("X-Request-Id")
	}))
	defer srv.Close()

	ctx := types.WithRequestID(context.Background(), "req-42")
	resp, err := newTestClient(fastPolicy(0)).Do(mustRequest(t, ctx, http.MethodGet, srv.URL, ""))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotUA != "SponsorScout-Test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotID != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", gotID)
	}
}

func TestDo_RetriesServerErrorsAndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody = string(b)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newTestClient(fastPolicy(3)).Do(mustRequest(t, context.Background(), http.MethodPost, srv.URL, "a=1"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if lastBody != "a=1" {
		t.Errorf("body on final attempt = %q", lastBody)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   types.ErrorCode
	}{
		{"server error", http.StatusServiceUnavailable, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(fastPolicy(2)).Do(mustRequest(t, context.Background(), http.MethodGet, srv.URL, ""))
			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("want *types.AppError, got %T: %v", err, err)
			}
			if appErr.Code != tc.want {
				t.Errorf("code = %s, want %s", appErr.Code, tc.want)
			}
			if calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", calls.Load())
			}
		})
	}
}

func TestDo_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resp, err := newTestClient(fastPolicy(3)).Do(mustRequest(t, context.Background(), http.MethodGet, srv.URL, ""))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || calls.Load() != 1 {
		t.Errorf("status=%d calls=%d, want 400 and 1", resp.StatusCode, calls.Load())
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	client := newTestClient(fastPolicy(0), WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, _ = client.Do(mustRequest(t, context.Background(), http.MethodGet, srv.URL, ""))
	}
	before := calls.Load()

	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, srv.URL, ""))
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Fatalf("want upstream_unavailable, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error should wrap gobreaker.ErrOpenState: %v", err)
	}
	if calls.Load() != before {
		t.Errorf("server called while breaker open")
	}
}

func TestDo_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(fastPolicy(1)).Do(mustRequest(t, context.Background(), http.MethodGet, url, ""))
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("want *types.AppError, got %T", err)
	}
	if appErr.Code.HTTPStatus() != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", appErr.Code.HTTPStatus())
	}
}

func TestBackoff(t *testing.T) {
	c := &BaseClient{retry: RetryPolicy{MinWait: 100 * time.Millisecond, MaxWait: 2 * time.Second}}

	for attempt := 0; attempt < 6; attempt++ {
		got := c.backoff(attempt, nil)
		if got < c.retry.MinWait || got > c.retry.MaxWait {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, c.retry.MinWait, c.retry.MaxWait)
		}
	}

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"1"}}}
	if got := c.backoff(0, resp); got != time.Second {
		t.Errorf("Retry-After 1 => %v, want 1s", got)
	}
	resp.Header.Set("Retry-After", "120")
	if got := c.backoff(0, resp); got != 2*time.Second {
		t.Errorf("Retry-After capped => %v, want 2s", got)
	}
}
