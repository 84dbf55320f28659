package lockproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
	"github.com/mirkobrombin/go-warp-lock/v1/message"
	"github.com/mirkobrombin/go-warp-lock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warp-lock/v1/lockproxy")

// Status is the acquisition state of a Proxy.
type Status int

const (
	StatusUnlocked Status = iota
	StatusRequesting
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusUnlocked:
		return "unlocked"
	case StatusRequesting:
		return "requesting"
	case StatusLocked:
		return "locked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Gateway delivers lock messages to the master node at address.
//
// Transport failures are reported as errors; a master that answers but
// refuses reports it through the response code.
type Gateway interface {
	RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error)
	ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error)
}

// MasterResolver reports whether this process is the lock master for an owner.
type MasterResolver interface {
	LocalMaster(ownerID uint64) (LocalMaster, bool)
}

// LocalMaster grants an owner's lock in-process. address identifies the holder.
type LocalMaster interface {
	Lock(ctx context.Context, address string) error
}

// Proxy is the process-local view of one entity's distributed lock.
//
// Lock and Release are counted: the first Lock of a cycle reaches the master,
// later ones are satisfied locally, and only the Release that brings the
// count back to zero gives the lock back.
type Proxy struct {
	ownerID      uint64
	ownerAddress string
	localAddress string
	gateway      Gateway
	resolver     MasterResolver

	policy         FailurePolicy
	logger         *slog.Logger
	requestTimeout time.Duration
	traceEnabled   bool

	mu        sync.Mutex
	status    Status
	holds     int
	pending   *grant
	releasing chan struct{}
}

// New returns an unlocked proxy for ownerID whose lock authority lives at
// ownerAddress. localAddress identifies this node to the master.
func New(ownerID uint64, ownerAddress, localAddress string, gw Gateway, resolver MasterResolver, opts ...Option) *Proxy {
	p := &Proxy{
		ownerID:      ownerID,
		ownerAddress: ownerAddress,
		localAddress: localAddress,
		gateway:      gw,
		resolver:     resolver,
		policy:       FailFast,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lock takes one hold on the lock, suspending until the master grants it
// when the lock is not already held by this process.
func (p *Proxy) Lock(ctx context.Context) error {
	metrics.LockCounter.Inc()

	p.mu.Lock()
	p.holds++
	switch p.status {
	case StatusLocked:
		p.mu.Unlock()
		return nil
	case StatusRequesting:
		g := p.pending
		g.enqueue()
		p.mu.Unlock()
		return p.await(ctx, g)
	}
	g := newGrant()
	p.pending = g
	p.setStatus(StatusRequesting)
	rt := p.route()
	prev := p.releasing
	p.mu.Unlock()

	if _, ok := rt.(localMaster); ok {
		err := p.drive(ctx, rt, g, prev)
		if err != nil && p.policy == Stall {
			p.abandon(g)
		}
		return err
	}
	go func() {
		_ = p.drive(context.WithoutCancel(ctx), rt, g, prev)
	}()
	return p.await(ctx, g)
}

// Release gives back one hold. The hold that brings the count to zero flips
// the proxy to StatusUnlocked and then tells the master; a failure of that
// call is returned but the local state is not rolled back.
func (p *Proxy) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.holds <= 0 {
		p.mu.Unlock()
		return warperrors.ErrNotHeld
	}
	p.holds--
	if p.holds != 0 {
		p.mu.Unlock()
		return nil
	}
	if p.status == StatusRequesting {
		// The in-flight grant is handed back when it arrives.
		p.mu.Unlock()
		return nil
	}
	p.setStatus(StatusUnlocked)
	released := make(chan struct{})
	p.releasing = released
	p.mu.Unlock()

	defer p.released(released)
	return p.releaseLock(ctx)
}

// released marks the release tracked by ch as delivered, unblocking the
// next acquisition.
func (p *Proxy) released(ch chan struct{}) {
	p.mu.Lock()
	if p.releasing == ch {
		p.releasing = nil
	}
	p.mu.Unlock()
	close(ch)
}

// Status returns the current acquisition state.
func (p *Proxy) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Holds returns the number of outstanding holds.
func (p *Proxy) Holds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holds
}

// Waiters returns the number of callers parked behind the in-flight acquisition.
func (p *Proxy) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return 0
	}
	return p.pending.live
}

// idle reports whether nothing is in flight and no hold is out, so the proxy
// can be dropped without losing state.
func (p *Proxy) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == StatusUnlocked && p.holds == 0 && p.pending == nil && p.releasing == nil
}

// OwnerID returns the identifier of the entity the lock belongs to.
func (p *Proxy) OwnerID() uint64 { return p.ownerID }

// OwnerAddress returns the address of the master node for the lock.
func (p *Proxy) OwnerAddress() string { return p.ownerAddress }

func (p *Proxy) await(ctx context.Context, g *grant) error {
	metrics.WaiterGauge.Inc()
	defer metrics.WaiterGauge.Dec()

	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if g.resolved {
		return g.err
	}
	g.leave()
	p.dropHold()
	return ctx.Err()
}

// abandon gives back the caller's hold on an unresolved grant.
func (p *Proxy) abandon(g *grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.resolved {
		return
	}
	g.leave()
	p.dropHold()
}

// drive acquires the lock for g and settles it. A release still in flight is
// waited for first so the master never sees it after the new request. When
// every participant gave up before the grant arrived, the lock is handed back
// and, if new callers joined in the meantime, acquired again on their behalf
// through a freshly resolved route. A remote acquisition whose outcome was
// lost in transport is released too, since the master may still grant it.
func (p *Proxy) drive(ctx context.Context, rt route, g *grant, prev <-chan struct{}) error {
	for {
		var err error
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				err = ctx.Err()
			}
			prev = nil
		}
		if err == nil {
			err = rt.run(ctx, p)
		}
		next, compensation := p.settle(g, rt, err)
		if compensation != nil {
			p.compensate(ctx, compensation)
			return err
		}
		if next == nil {
			return err
		}
		if rerr := p.releaseLock(ctx); rerr != nil {
			p.logger.Warn("warp: release of unclaimed lock failed", "owner", p.ownerID, "address", p.ownerAddress, "error", rerr)
		}
		if !p.retire(next) {
			return err
		}
		g = next
		rt = p.route()
	}
}

func (p *Proxy) compensate(ctx context.Context, ch chan struct{}) {
	defer p.released(ch)
	err := p.releaseLock(ctx)
	switch {
	case err == nil:
		p.logger.Warn("warp: released lock granted after a failed request", "owner", p.ownerID, "address", p.ownerAddress)
	case errors.Is(err, warperrors.ErrNotHeld):
	default:
		p.logger.Warn("warp: compensating release failed", "owner", p.ownerID, "address", p.ownerAddress, "error", err)
	}
}

// settle records the outcome of g. It returns a follow-up grant when the lock
// was obtained but nobody is left to hold it, and a release to track when a
// failed remote request has to be compensated.
func (p *Proxy) settle(g *grant, rt route, err error) (*grant, chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != g {
		return nil, nil
	}
	if err == nil {
		g.resolve(nil)
		if p.holds <= 0 {
			p.holds = 0
			next := &grant{done: make(chan struct{})}
			p.pending = next
			return next, nil
		}
		p.pending = nil
		p.setStatus(StatusLocked)
		return nil, nil
	}

	metrics.AcquireFailureCounter.WithLabelValues(rt.String()).Inc()
	p.logger.Error("warp: lock acquisition failed",
		"owner", p.ownerID, "address", p.ownerAddress, "route", rt.String(), "policy", p.policy.String(), "error", err)
	if p.policy == Stall {
		return nil, nil
	}
	p.holds -= g.live
	if p.holds < 0 {
		p.holds = 0
	}
	g.resolve(err)
	p.pending = nil
	p.setStatus(StatusUnlocked)

	if _, remote := rt.(remoteMirror); !remote || p.gateway == nil || !errors.Is(err, warperrors.ErrGatewayUnavailable) {
		return nil, nil
	}
	compensation := make(chan struct{})
	p.releasing = compensation
	return nil, compensation
}

// retire closes out a follow-up grant after the unclaimed lock was released.
// It reports whether callers joined and the lock has to be requested again.
func (p *Proxy) retire(next *grant) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next.live > 0 {
		return true
	}
	next.resolve(nil)
	p.pending = nil
	p.setStatus(StatusUnlocked)
	return false
}

func (p *Proxy) dropHold() {
	if p.holds > 0 {
		p.holds--
	}
}

func (p *Proxy) setStatus(s Status) {
	if p.status == s {
		return
	}
	p.logger.Debug("warp: lock state", "owner", p.ownerID, "from", p.status.String(), "to", s.String())
	p.status = s
}

func (p *Proxy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.requestTimeout > 0 {
		return context.WithTimeout(ctx, p.requestTimeout)
	}
	return ctx, func() {}
}

func (p *Proxy) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !p.traceEnabled {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.Int64("warp.lock.owner", int64(p.ownerID)),
		attribute.String("warp.lock.address", p.ownerAddress),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *Proxy) requestLock(ctx context.Context, gw Gateway) (err error) {
	ctx, span := p.startSpan(ctx, "Proxy.RequestLock")
	defer func() { endSpan(span, err) }()

	if gw == nil {
		return warperrors.ErrGatewayUnavailable
	}
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	metrics.RemoteRequestCounter.Inc()
	req := message.LockRequest{OwnerID: p.ownerID, RequesterAddress: p.localAddress}
	resp, err := gw.RequestLock(ctx, p.ownerAddress, req.WithDeadline(ctx))
	if err != nil {
		return gatewayErr(err)
	}
	return resp.Err()
}

func (p *Proxy) releaseLock(ctx context.Context) (err error) {
	ctx, span := p.startSpan(ctx, "Proxy.ReleaseLock")
	defer func() { endSpan(span, err) }()

	if p.gateway == nil {
		return warperrors.ErrGatewayUnavailable
	}
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	metrics.ReleaseCounter.Inc()
	resp, err := p.gateway.ReleaseLock(ctx, p.ownerAddress, message.LockReleaseRequest{
		OwnerID:          p.ownerID,
		RequesterAddress: p.localAddress,
	})
	if err != nil {
		return gatewayErr(err)
	}
	return resp.Err()
}

func gatewayErr(err error) error {
	if errors.Is(err, warperrors.ErrGatewayUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", warperrors.ErrGatewayUnavailable, err)
}
