package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
	"github.com/mirkobrombin/go-warp-lock/v1/message"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Gateway with circuit breaker logic. Only
// transport errors count as failures; a master that answers with a denial,
// including one that timed out waiting for the holder, keeps the circuit
// closed.
type CircuitBreaker struct {
	gw        Gateway
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreaker that opens after threshold
// consecutive failures and probes again once timeout has elapsed.
func NewCircuitBreaker(gw Gateway, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		gw:        gw,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from open to half-open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

func (cb *CircuitBreaker) record(err error) {
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func openErr() error {
	return fmt.Errorf("%w: %w", warperrors.ErrGatewayUnavailable, ErrCircuitOpen)
}

// RequestLock implements Gateway.RequestLock with circuit breaker logic.
func (cb *CircuitBreaker) RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error) {
	if !cb.allow() {
		return message.LockResponse{}, openErr()
	}
	resp, err := cb.gw.RequestLock(ctx, address, req)
	cb.record(err)
	return resp, err
}

// ReleaseLock implements Gateway.ReleaseLock. Releases are always attempted,
// even with the circuit open, since a dropped release leaves the token held
// at the master; their outcome still feeds the breaker.
func (cb *CircuitBreaker) ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error) {
	resp, err := cb.gw.ReleaseLock(ctx, address, req)
	cb.record(err)
	return resp, err
}
