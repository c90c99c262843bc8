package supabase

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ResilienceConfig groups retry and circuit breaker settings.
type ResilienceConfig struct {
	Retry   RetryConfig
	Breaker CircuitBreakerConfig
}

// DefaultResilienceConfig returns sensible defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultCircuitBreakerConfig(),
	}
}

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
	// RetryableStatusCodes are HTTP status codes that should be retried.
	// Requests with non-idempotent methods are only retried on 429.
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
		},
	}
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes in half-open state to close
	SuccessThreshold int
	// Timeout is how long the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// OnStateChange is called when the circuit state changes
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu sync.RWMutex

	config CircuitBreakerConfig
	state  CircuitState

	failures  int
	successes int
	lastError error
	openedAt  time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Allow checks if a request should be allowed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) > cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = err

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// LastError returns the last recorded error.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastError
}

// =============================================================================
// Resilient HTTP Client
// =============================================================================

// ResilientClient wraps a transport with retry and circuit breaker.
type ResilientClient struct {
	transport      http.RoundTripper
	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker

	totalRequests   int64
	successRequests int64
	failedRequests  int64
	retriedRequests int64
}

// NewResilientClient creates a resilient client over base's transport.
func NewResilientClient(base *http.Client, config ResilienceConfig) *ResilientClient {
	transport := http.DefaultTransport
	if base != nil && base.Transport != nil {
		transport = base.Transport
	}
	return &ResilientClient{
		transport:      transport,
		retryConfig:    config.Retry,
		circuitBreaker: NewCircuitBreaker(config.Breaker),
	}
}

// Do executes an HTTP request with retry and circuit breaker. Server
// errors count against the breaker; client errors do not.
func (rc *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&rc.totalRequests, 1)

	if err := rc.circuitBreaker.Allow(); err != nil {
		atomic.AddInt64(&rc.failedRequests, 1)
		return nil, err
	}

	var lastErr error

	for attempt := 0; attempt <= rc.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&rc.retriedRequests, 1)

			select {
			case <-req.Context().Done():
				atomic.AddInt64(&rc.failedRequests, 1)
				return nil, req.Context().Err()
			case <-time.After(rc.calculateBackoff(attempt)):
			}

			next, err := rewind(req)
			if err != nil {
				atomic.AddInt64(&rc.failedRequests, 1)
				return nil, err
			}
			req = next
		}

		resp, err := rc.transport.RoundTrip(req)
		last := attempt == rc.retryConfig.MaxRetries

		if err != nil {
			lastErr = err
			if rc.isRetryableError(err) && !last {
				continue
			}
			rc.circuitBreaker.RecordFailure(err)
			atomic.AddInt64(&rc.failedRequests, 1)
			return nil, err
		}

		if rc.shouldRetryStatus(req.Method, resp.StatusCode) && !last {
			lastErr = &HTTPError{StatusCode: resp.StatusCode}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			rc.circuitBreaker.RecordFailure(&HTTPError{StatusCode: resp.StatusCode})
			atomic.AddInt64(&rc.failedRequests, 1)
		} else {
			rc.circuitBreaker.RecordSuccess()
			atomic.AddInt64(&rc.successRequests, 1)
		}
		return resp, nil
	}

	rc.circuitBreaker.RecordFailure(lastErr)
	atomic.AddInt64(&rc.failedRequests, 1)
	return nil, lastErr
}

// rewind clones req with a fresh body for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	next.Body = body
	return next, nil
}

func (rc *ResilientClient) calculateBackoff(attempt int) time.Duration {
	backoff := float64(rc.retryConfig.InitialBackoff) * math.Pow(rc.retryConfig.BackoffMultiplier, float64(attempt-1))

	if backoff > float64(rc.retryConfig.MaxBackoff) {
		backoff = float64(rc.retryConfig.MaxBackoff)
	}

	if rc.retryConfig.Jitter > 0 {
		jitter := backoff * rc.retryConfig.Jitter * (rand.Float64()*2 - 1)
		backoff += jitter
	}

	return time.Duration(backoff)
}

func (rc *ResilientClient) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// shouldRetryStatus reports whether a response may be retried. A POST or
// PATCH that reached the server may already have been applied.
func (rc *ResilientClient) shouldRetryStatus(method string, code int) bool {
	if !rc.isRetryableStatusCode(code) {
		return false
	}
	return idempotent(method) || code == http.StatusTooManyRequests
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func (rc *ResilientClient) isRetryableStatusCode(code int) bool {
	for _, retryable := range rc.retryConfig.RetryableStatusCodes {
		if code == retryable {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}

// Metrics returns client metrics.
func (rc *ResilientClient) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&rc.totalRequests),
		"success_requests": atomic.LoadInt64(&rc.successRequests),
		"failed_requests":  atomic.LoadInt64(&rc.failedRequests),
		"retried_requests": atomic.LoadInt64(&rc.retriedRequests),
	}
}

// CircuitState returns the current circuit breaker state.
func (rc *ResilientClient) CircuitState() CircuitState {
	return rc.circuitBreaker.State()
}

// resilientTransport wraps ResilientClient as http.RoundTripper.
type resilientTransport struct {
	client *ResilientClient
}

func (rt *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}
