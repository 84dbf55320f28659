package lockproxy

import (
	"log/slog"
	"time"
)

// FailurePolicy decides what happens to parked callers when an acquisition fails.
type FailurePolicy int

const (
	// FailFast resolves every waiter with the error, rolls the proxy back to
	// StatusUnlocked and gives back the holds taken during the cycle.
	FailFast FailurePolicy = iota
	// Stall logs the error and leaves the proxy in StatusRequesting. Waiters
	// are never woken by the proxy and only return when their context ends.
	Stall
)

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Stall:
		return "stall"
	default:
		return "unknown"
	}
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithFailurePolicy sets the behaviour on failed acquisitions. FailFast is the default.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(p *Proxy) {
		p.policy = policy
	}
}

// WithLogger sets the logger used for state transitions and failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRequestTimeout bounds every gateway call issued by the proxy.
// A zero or negative duration leaves timeouts to the transport.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		p.requestTimeout = d
	}
}

// WithTracing enables OpenTelemetry spans around remote acquisitions and releases.
func WithTracing() Option {
	return func(p *Proxy) {
		p.traceEnabled = true
	}
}
