package master

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-warp-lock/v1/message"
	"github.com/mirkobrombin/go-warp-lock/v1/metrics"
)

// Server answers lock messages from mirrors by delegating to an Arbiter.
// It implements gateway.Handler.
type Server struct {
	arbiter        Arbiter
	journal        Journal
	logger         *slog.Logger
	acquireTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithJournal records every transition in j.
func WithJournal(j Journal) ServerOption {
	return func(s *Server) {
		if j != nil {
			s.journal = j
		}
	}
}

// WithServerLogger sets the logger used by the Server.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAcquireTimeout bounds how long a lock request waits for the current
// holder. Zero waits until the request context ends.
func WithAcquireTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.acquireTimeout = d
	}
}

// NewServer returns a Server over a.
func NewServer(a Arbiter, opts ...ServerOption) *Server {
	s := &Server{arbiter: a, journal: NopJournal{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire grants ownerID's lock to holder, recording the outcome.
func (s *Server) Acquire(ctx context.Context, ownerID uint64, holder string) error {
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}
	err := s.arbiter.Acquire(ctx, ownerID, holder)
	if err != nil {
		s.logger.Warn("warp: lock grant failed", "owner", ownerID, "holder", holder, "error", err)
		s.record(ctx, EventRejected, ownerID, holder, err)
		return err
	}
	metrics.GrantCounter.Inc()
	s.logger.Debug("warp: lock granted", "owner", ownerID, "holder", holder)
	s.record(ctx, EventGranted, ownerID, holder, nil)
	return nil
}

// Release drops holder's grant on ownerID, recording the outcome.
func (s *Server) Release(ctx context.Context, ownerID uint64, holder string) error {
	if err := s.arbiter.Release(ctx, ownerID, holder); err != nil {
		s.logger.Warn("warp: lock release failed", "owner", ownerID, "holder", holder, "error", err)
		return err
	}
	metrics.MasterReleaseCounter.Inc()
	s.logger.Debug("warp: lock released", "owner", ownerID, "holder", holder)
	s.record(ctx, EventReleased, ownerID, holder, nil)
	return nil
}

// HandleLock implements gateway.Handler. The wait for the current holder is
// bounded by the requester's own timeout when the request carries one.
func (s *Server) HandleLock(ctx context.Context, req message.LockRequest) message.LockResponse {
	if d := req.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := s.Acquire(ctx, req.OwnerID, req.RequesterAddress); err != nil {
		return message.LockResponse{Code: message.ErrorCode(err), Message: err.Error()}
	}
	return message.LockResponse{}
}

// HandleRelease implements gateway.Handler.
func (s *Server) HandleRelease(ctx context.Context, req message.LockReleaseRequest) message.LockReleaseResponse {
	if err := s.Release(ctx, req.OwnerID, req.RequesterAddress); err != nil {
		return message.LockReleaseResponse{Code: message.ErrorCode(err), Message: err.Error()}
	}
	return message.LockReleaseResponse{}
}

func (s *Server) record(ctx context.Context, kind EventKind, ownerID uint64, holder string, cause error) {
	evt := Event{Kind: kind, OwnerID: ownerID, Holder: holder, At: time.Now()}
	if cause != nil {
		evt.Error = cause.Error()
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("warp: lock journal write failed", "owner", ownerID, "kind", string(kind), "error", err)
	}
}
