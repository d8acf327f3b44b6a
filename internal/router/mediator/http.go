// Package mediator delivers routed messages to their callback URLs
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.routeflow.tech/internal/common/metrics"
	"go.routeflow.tech/internal/router/breaker"
	"go.routeflow.tech/internal/router/pool"
)

// ErrCircuitOpen is carried in the outcome when the target's breaker
// rejected the call before any HTTP I/O happened.
var ErrCircuitOpen = errors.New("circuit breaker open")

// maxResponseBytes caps how much of the downstream response body is read
const maxResponseBytes = 64 * 1024

// rateLimitedDelay is the redelivery delay for a 429 without Retry-After
const rateLimitedDelay = 5 * time.Second

// HTTPVersion selects the protocol the mediator speaks to downstreams
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 attempts HTTP/2 with HTTP/1.1 fallback
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// Config configures the HTTP mediator
type Config struct {
	// Timeout bounds the whole request including the response body.
	// Long-running webhooks are expected, hence the large default.
	Timeout time.Duration

	// ConnectTimeout bounds dialing the target
	ConnectTimeout time.Duration

	// HeadersTimeout bounds the wait for response headers after the request
	// is fully written. Zero means only Timeout applies.
	HeadersTimeout time.Duration

	// HTTPVersion selects HTTP_2 (default) or HTTP_1_1
	HTTPVersion HTTPVersion

	// MaxRetries is the number of additional attempts after the first call
	// for transient outcomes
	MaxRetries int

	// RetryDelay is the base backoff before the first retry; it doubles on
	// every subsequent retry
	RetryDelay time.Duration

	// Breaker tunes the per-target circuit breakers. Nil uses the defaults.
	Breaker *breaker.Config
}

// DefaultConfig returns the production mediator settings
func DefaultConfig() *Config {
	return &Config{
		Timeout:        900 * time.Second,
		ConnectTimeout: 10 * time.Second,
		HTTPVersion:    HTTPVersion2,
		MaxRetries:     2,
		RetryDelay:     time.Second,
	}
}

// HTTPMediator posts message payloads to their callback URLs and classifies
// the response into a MediationOutcome. Every callback URL is guarded by its
// own circuit breaker.
type HTTPMediator struct {
	client     *http.Client
	breakers   *breaker.Registry
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPMediator creates an HTTP mediator. A nil config uses DefaultConfig.
func NewHTTPMediator(cfg *Config) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.HeadersTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		// A non-nil empty TLSNextProto disables the HTTP/2 upgrade path
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	return &HTTPMediator{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		breakers:   breaker.NewRegistry(cfg.Breaker),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

// Breakers exposes the per-target circuit breaker registry for the
// monitoring API and health aggregation.
func (m *HTTPMediator) Breakers() *breaker.Registry {
	return m.breakers
}

// Close releases idle connections held by the underlying transport
func (m *HTTPMediator) Close() {
	m.client.CloseIdleConnections()
}

// Process delivers one message. The target's breaker sees the whole retry
// sequence as a single call: transient outcomes count as one failure,
// SUCCESS, ERROR_CONFIG and DEFERRED count as success since the downstream
// answered deterministically.
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("nil message"),
		}
	}

	target := msg.MediationTarget
	if target == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("message has no mediation target"),
		}
	}

	var outcome *pool.MediationOutcome
	_, err := m.breakers.Execute(target, func() (any, error) {
		outcome = m.executeWithRetry(msg)

		switch outcome.Result {
		case pool.MediationResultErrorProcess, pool.MediationResultErrorConnection:
			if outcome.Error != nil {
				return nil, outcome.Error
			}
			return nil, fmt.Errorf("mediation failed with status %d", outcome.StatusCode)
		}
		return nil, nil
	})

	if breaker.IsRejection(err) {
		slog.Warn("Circuit breaker open, skipping mediation",
			"messageId", msg.ID,
			"target", target)
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  fmt.Errorf("%w: %s", ErrCircuitOpen, target),
		}
	}

	return outcome
}

// executeWithRetry runs the request until a terminal outcome or the retry
// budget is spent. Only ERROR_PROCESS and ERROR_CONNECTION are retried.
func (m *HTTPMediator) executeWithRetry(msg *pool.MessagePointer) *pool.MediationOutcome {
	var last *pool.MediationOutcome

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.retryDelay << (attempt - 1)
			slog.Info("Retrying mediation after backoff",
				"messageId", msg.ID,
				"attempt", attempt,
				"backoff", backoff)
			time.Sleep(backoff)
		}

		last = m.executeOnce(msg, attempt)

		switch last.Result {
		case pool.MediationResultSuccess,
			pool.MediationResultDeferred,
			pool.MediationResultErrorConfig:
			return last
		}
	}

	return last
}

// executeOnce performs a single POST of the payload to the callback URL
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer, attempt int) *pool.MediationOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), m.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, bytes.NewReader(msg.Payload))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  fmt.Errorf("build mediation request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Message-Id", msg.ID)
	req.Header.Set("X-Broker-Message-Id", msg.BrokerMessageID)
	req.Header.Set("X-Pool-Code", msg.PoolCode)
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	slog.Debug("Executing mediation request",
		"messageId", msg.ID,
		"target", msg.MediationTarget,
		"attempt", attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	metrics.MediatorHTTPDuration.WithLabelValues(msg.MediationTarget).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", http.MethodPost).Inc()
		return m.classifyError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	slog.Debug("Mediation response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	return m.classifyResponse(msg, resp, body)
}

// classifyError maps transport-level failures. Timeouts are process errors;
// everything else at this level failed to reach the target and is a
// connection error.
func (m *HTTPMediator) classifyError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Mediation request timed out",
			"messageId", msg.ID,
			"target", msg.MediationTarget)
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		slog.Warn("Mediation request timed out",
			"messageId", msg.ID,
			"target", msg.MediationTarget,
			"error", err)
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  err,
		}
	}

	slog.Warn("Mediation connection failed",
		"messageId", msg.ID,
		"target", msg.MediationTarget,
		"error", err)
	return &pool.MediationOutcome{
		Result: pool.MediationResultErrorConnection,
		Error:  err,
	}
}

// classifyResponse maps an HTTP response to a mediation outcome
func (m *HTTPMediator) classifyResponse(msg *pool.MessagePointer, resp *http.Response, body []byte) *pool.MediationOutcome {
	statusCode := resp.StatusCode

	if statusCode >= 200 && statusCode < 300 {
		ack, delay, reason := parseResponseBody(body)

		if ack != nil && !*ack {
			slog.Info("Downstream deferred the message",
				"messageId", msg.ID,
				"statusCode", statusCode,
				"reason", reason)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultDeferred,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}

		return &pool.MediationOutcome{
			Result:     pool.MediationResultSuccess,
			StatusCode: statusCode,
		}
	}

	// 429 is throttling, not misconfiguration: retriable with the delay the
	// downstream asked for
	if statusCode == http.StatusTooManyRequests {
		delay := retryAfterDelay(resp, body)
		slog.Warn("Downstream throttled the request",
			"messageId", msg.ID,
			"delay", *delay)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Delay:      delay,
		}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error from downstream - will not retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
			Error:      fmt.Errorf("downstream returned %d", statusCode),
		}
	}

	slog.Warn("Server error from downstream - will retry",
		"messageId", msg.ID,
		"statusCode", statusCode)
	return &pool.MediationOutcome{
		Result:     pool.MediationResultErrorProcess,
		StatusCode: statusCode,
	}
}

// parseResponseBody extracts the optional ack envelope from a 2xx body.
// A missing or non-JSON body means plain success, so ack stays nil.
func parseResponseBody(body []byte) (ack *bool, delay *time.Duration, reason string) {
	if len(body) == 0 {
		return nil, nil, ""
	}

	var envelope struct {
		Ack          *bool  `json:"ack"`
		Message      string `json:"message"`
		DelaySeconds *int   `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, nil, ""
	}

	if envelope.DelaySeconds != nil && *envelope.DelaySeconds > 0 {
		d := time.Duration(*envelope.DelaySeconds) * time.Second
		delay = &d
	}
	return envelope.Ack, delay, envelope.Message
}

// retryAfterDelay resolves the redelivery delay for a 429: the Retry-After
// header wins, then a delaySeconds body field, then a short default.
func retryAfterDelay(resp *http.Response, body []byte) *time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			d := time.Duration(secs) * time.Second
			return &d
		}
	}

	if _, delay, _ := parseResponseBody(body); delay != nil {
		return delay
	}

	d := rateLimitedDelay
	return &d
}
