// Package nats carries lock messages over NATS request/reply. Every node
// serves the subjects derived from its own address; mirrors address the
// master by publishing requests on the master's subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
	"github.com/mirkobrombin/go-warp-lock/v1/gateway"
	"github.com/mirkobrombin/go-warp-lock/v1/message"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warp-lock/v1/gateway/nats")

const (
	defaultPrefix  = "warp.lock"
	defaultTimeout = 5 * time.Second
)

type options struct {
	codec        message.Codec
	prefix       string
	timeout      time.Duration
	logger       *slog.Logger
	traceEnabled bool
}

// Option configures a Client or a Server.
type Option func(*options)

// WithCodec sets the codec used on the wire. JSON is the default.
func WithCodec(c message.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithSubjectPrefix sets the prefix of every lock subject.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithRequestTimeout bounds requests whose context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithLogger sets the logger used by the Server.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans on client requests.
func WithTracing() Option {
	return func(o *options) {
		o.traceEnabled = true
	}
}

func newOptions(opts []Option) options {
	o := options{
		codec:   message.JSONCodec{},
		prefix:  defaultPrefix,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func lockSubject(prefix, address string) string    { return prefix + "." + address + ".lock" }
func releaseSubject(prefix, address string) string { return prefix + "." + address + ".release" }

// Client implements lockproxy.Gateway over NATS.
type Client struct {
	conn      *nats.Conn
	opts      options
	requested atomic.Uint64
	failed    atomic.Uint64
}

// NewClient returns a Client publishing on conn.
func NewClient(conn *nats.Conn, opts ...Option) *Client {
	return &Client{conn: conn, opts: newOptions(opts)}
}

// RequestLock implements lockproxy.Gateway. The request timeout is passed on
// to the master so it stops waiting for the holder before the reply is due.
func (c *Client) RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var resp message.LockResponse
	err := c.call(ctx, lockSubject(c.opts.prefix, address), req.WithDeadline(ctx), &resp)
	return resp, err
}

// ReleaseLock implements lockproxy.Gateway.
func (c *Client) ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	var resp message.LockReleaseResponse
	err := c.call(ctx, releaseSubject(c.opts.prefix, address), req, &resp)
	return resp, err
}

// Metrics returns the number of requests sent and the number that failed.
func (c *Client) Metrics() (requested, failed uint64) {
	return c.requested.Load(), c.failed.Load()
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && c.opts.timeout > 0 {
		return context.WithTimeout(ctx, c.opts.timeout)
	}
	return ctx, func() {}
}

func (c *Client) call(ctx context.Context, subject string, in, out any) (err error) {
	if c.opts.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "NATSGateway.Request")
		span.SetAttributes(attribute.String("warp.lock.subject", subject))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	data, err := c.opts.codec.Marshal(in)
	if err != nil {
		return err
	}

	c.requested.Add(1)
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		c.failed.Add(1)
		return transportErr(err)
	}
	return c.opts.codec.Unmarshal(msg.Data, out)
}

func transportErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", warperrors.ErrGatewayUnavailable, warperrors.ErrConnectionClosed)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w: %w", warperrors.ErrGatewayUnavailable, warperrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", warperrors.ErrGatewayUnavailable, err)
	}
}

// Server answers lock messages addressed to one node by dispatching them to
// a gateway.Handler. Each message is handled on its own goroutine since a
// lock request may wait for the current holder to release.
type Server struct {
	conn    *nats.Conn
	address string
	handler gateway.Handler
	opts    options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewServer returns a Server for address. Call Start to begin serving.
func NewServer(conn *nats.Conn, address string, h gateway.Handler, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conn:    conn,
		address: address,
		handler: h,
		opts:    newOptions(opts),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the node's lock subjects.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockSub, err := s.conn.Subscribe(lockSubject(s.opts.prefix, s.address), s.dispatch(s.serveLock))
	if err != nil {
		return err
	}
	releaseSub, err := s.conn.Subscribe(releaseSubject(s.opts.prefix, s.address), s.dispatch(s.serveRelease))
	if err != nil {
		_ = lockSub.Unsubscribe()
		return err
	}
	s.subs = append(s.subs, lockSub, releaseSub)
	return s.conn.Flush()
}

// Close unsubscribes, cancels in-flight handlers and waits for them to return.
func (s *Server) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) dispatch(serve func(*nats.Msg)) nats.MsgHandler {
	return func(m *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			serve(m)
		}()
	}
}

func (s *Server) serveLock(m *nats.Msg) {
	var req message.LockRequest
	var resp message.LockResponse
	if err := s.opts.codec.Unmarshal(m.Data, &req); err != nil {
		resp = message.LockResponse{Code: message.CodeInternal, Message: err.Error()}
	} else {
		resp = s.handler.HandleLock(s.ctx, req)
	}
	s.respond(m, resp)
}

func (s *Server) serveRelease(m *nats.Msg) {
	var req message.LockReleaseRequest
	var resp message.LockReleaseResponse
	if err := s.opts.codec.Unmarshal(m.Data, &req); err != nil {
		resp = message.LockReleaseResponse{Code: message.CodeInternal, Message: err.Error()}
	} else {
		resp = s.handler.HandleRelease(s.ctx, req)
	}
	s.respond(m, resp)
}

func (s *Server) respond(m *nats.Msg, v any) {
	data, err := s.opts.codec.Marshal(v)
	if err != nil {
		s.opts.logger.Error("warp: encode lock response failed", "subject", m.Subject, "error", err)
		return
	}
	if err := m.Respond(data); err != nil {
		s.opts.logger.Warn("warp: lock response not delivered", "subject", m.Subject, "error", err)
	}
}
