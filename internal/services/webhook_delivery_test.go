package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPWebhookSender_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sender := NewHTTPWebhookSender(50*time.Millisecond, "")
	start := time.Now()
	err := sender.Send(context.Background(), srv.URL, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPWebhookSender_DefaultsAndErrors(t *testing.T) {
	sender := NewHTTPWebhookSender(0, "")
	assert.Equal(t, 10*time.Second, sender.timeout)
	assert.Equal(t, "FMS-Ticket-Activity/1.0", sender.userAgent)

	err := sender.Send(context.Background(), "://bad-url", nil)
	assert.Error(t, err)
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(&CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.OnFailure()
	assert.Equal(t, BreakerClosed, cb.State())
	cb.OnFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")

	cb.OnFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.OnSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, "closed", cb.Stats()["state"])
}

func TestBreakerSender_FailsFastPerEndpoint(t *testing.T) {
	inner := &stubSender{err: errors.New("connection refused")}
	sender := NewBreakerSender(inner, &CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1})
	ctx := context.Background()

	assert.Error(t, sender.Send(ctx, "http://a.test", nil))
	assert.ErrorIs(t, sender.Send(ctx, "http://a.test", nil), ErrCircuitOpen)
	assert.Len(t, inner.calls, 1)

	inner.err = nil
	assert.NoError(t, sender.Send(ctx, "http://b.test", nil))
	assert.Len(t, inner.calls, 2)
	assert.Len(t, sender.Stats(), 2)
}
