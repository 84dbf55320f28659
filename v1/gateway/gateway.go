// Package gateway carries lock messages between mirrors and the master node
// of an entity. Implementations satisfy lockproxy.Gateway on the calling side
// and dispatch to a Handler on the master side.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
	"github.com/mirkobrombin/go-warp-lock/v1/message"
)

// Gateway sends lock messages to the master node at address.
type Gateway interface {
	RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error)
	ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error)
}

// Handler serves lock messages on the master node.
type Handler interface {
	HandleLock(ctx context.Context, req message.LockRequest) message.LockResponse
	HandleRelease(ctx context.Context, req message.LockReleaseRequest) message.LockReleaseResponse
}

// Metrics reports how many calls a gateway issued.
type Metrics struct {
	LockRequests    uint64
	ReleaseRequests uint64
}

// Loopback delivers lock messages to handlers registered in the same process.
// It is used by tests and single-process deployments.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	locks    atomic.Uint64
	releases atomic.Uint64
}

// NewLoopback returns an empty Loopback gateway.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Register serves address with h, replacing any previous handler.
func (l *Loopback) Register(address string, h Handler) {
	l.mu.Lock()
	l.handlers[address] = h
	l.mu.Unlock()
}

// Unregister stops serving address.
func (l *Loopback) Unregister(address string) {
	l.mu.Lock()
	delete(l.handlers, address)
	l.mu.Unlock()
}

func (l *Loopback) handler(address string) (Handler, error) {
	l.mu.RLock()
	h, ok := l.handlers[address]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %q", warperrors.ErrGatewayUnavailable, address)
	}
	return h, nil
}

// RequestLock implements lockproxy.Gateway.
func (l *Loopback) RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error) {
	l.locks.Add(1)
	h, err := l.handler(address)
	if err != nil {
		return message.LockResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return message.LockResponse{}, err
	}
	return h.HandleLock(ctx, req), nil
}

// ReleaseLock implements lockproxy.Gateway.
func (l *Loopback) ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error) {
	l.releases.Add(1)
	h, err := l.handler(address)
	if err != nil {
		return message.LockReleaseResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return message.LockReleaseResponse{}, err
	}
	return h.HandleRelease(ctx, req), nil
}

// Metrics returns the number of lock and release calls issued.
func (l *Loopback) Metrics() Metrics {
	return Metrics{
		LockRequests:    l.locks.Load(),
		ReleaseRequests: l.releases.Load(),
	}
}
