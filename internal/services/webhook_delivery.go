package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookSender posts one payload to a tenant endpoint.
type WebhookSender interface {
	Send(ctx context.Context, url string, body []byte) error
}

// HTTPWebhookSender 每次请求都带独立超时
type HTTPWebhookSender struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

func NewHTTPWebhookSender(timeout time.Duration, userAgent string) *HTTPWebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if userAgent == "" {
		userAgent = "FMS-Ticket-Activity/1.0"
	}
	return &HTTPWebhookSender{
		client:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:   timeout,
		userAgent: userAgent,
	}
}

func (s *HTTPWebhookSender) Send(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("webhook request timed out after %s", s.timeout)
		}
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook responded %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var ErrCircuitOpen = errors.New("circuit breaker open for webhook endpoint")

// BreakerSender keeps one circuit breaker per endpoint URL so a dead tenant
// endpoint fails fast instead of holding a batch slot for the full timeout.
type BreakerSender struct {
	next     WebhookSender
	config   *CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewBreakerSender(next WebhookSender, config *CircuitBreakerConfig) *BreakerSender {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &BreakerSender{next: next, config: config, breakers: make(map[string]*CircuitBreaker)}
}

func (s *BreakerSender) breaker(url string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[url]
	if !ok {
		cb = NewCircuitBreakerWithConfig(s.config)
		s.breakers[url] = cb
	}
	return cb
}

func (s *BreakerSender) Send(ctx context.Context, url string, body []byte) error {
	cb := s.breaker(url)
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := s.next.Send(ctx, url, body); err != nil {
		cb.OnFailure()
		return err
	}
	cb.OnSuccess()
	return nil
}

// Stats 返回每个端点的熔断器状态
func (s *BreakerSender) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.breakers))
	for url, cb := range s.breakers {
		out[url] = cb.Stats()
	}
	return out
}
