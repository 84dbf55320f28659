package lockproxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
	"github.com/mirkobrombin/go-warp-lock/v1/message"
)

type fakeGateway struct {
	mu          sync.Mutex
	addresses   []string
	lockReqs    []message.LockRequest
	releaseReqs []message.LockReleaseRequest
	lockGate    chan struct{}
	releaseGate chan struct{}
	lockErr     error
	lockResp    message.LockResponse
	releaseErr  error
}

func (f *fakeGateway) RequestLock(ctx context.Context, address string, req message.LockRequest) (message.LockResponse, error) {
	f.mu.Lock()
	f.addresses = append(f.addresses, address)
	f.lockReqs = append(f.lockReqs, req)
	gate, err, resp := f.lockGate, f.lockErr, f.lockResp
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return message.LockResponse{}, ctx.Err()
		}
	}
	return resp, err
}

func (f *fakeGateway) ReleaseLock(ctx context.Context, address string, req message.LockReleaseRequest) (message.LockReleaseResponse, error) {
	f.mu.Lock()
	f.releaseReqs = append(f.releaseReqs, req)
	gate, err := f.releaseGate, f.releaseErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return message.LockReleaseResponse{}, ctx.Err()
		}
	}
	return message.LockReleaseResponse{}, err
}

func (f *fakeGateway) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lockReqs), len(f.releaseReqs)
}

type fakeMaster struct {
	mu        sync.Mutex
	gate      chan struct{}
	err       error
	addresses []string
}

func (m *fakeMaster) Lock(ctx context.Context, address string) error {
	m.mu.Lock()
	m.addresses = append(m.addresses, address)
	gate, err := m.gate, m.err
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *fakeMaster) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.addresses)
}

type fakeResolver struct {
	masters map[uint64]LocalMaster
}

func (r fakeResolver) LocalMaster(ownerID uint64) (LocalMaster, bool) {
	m, ok := r.masters[ownerID]
	return m, ok
}

// switchResolver answers with a local master only once enabled.
type switchResolver struct {
	mu     sync.Mutex
	master LocalMaster
}

func (r *switchResolver) LocalMaster(ownerID uint64) (LocalMaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.master, r.master != nil
}

func (r *switchResolver) set(m LocalMaster) {
	r.mu.Lock()
	r.master = m
	r.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func lockAsync(ctx context.Context, p *Proxy, n int) <-chan error {
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- p.Lock(ctx) }()
	}
	return errs
}

func TestThreeLocksCoalesceIntoOneRequest(t *testing.T) {
	gw := &fakeGateway{lockGate: make(chan struct{})}
	p := New(42, "node-2", "node-1", gw, nil)
	ctx := context.Background()

	errs := lockAsync(ctx, p, 3)
	waitFor(t, "three waiters", func() bool { return p.Waiters() == 3 })
	waitFor(t, "lock request", func() bool { l, _ := gw.counts(); return l == 1 })
	if p.Status() != StatusRequesting {
		t.Fatalf("expected requesting, got %s", p.Status())
	}

	close(gw.lockGate)
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("lock %d: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for lock grant")
		}
	}

	gw.mu.Lock()
	req, addr := gw.lockReqs[0], gw.addresses[0]
	gw.mu.Unlock()
	if req.OwnerID != 42 || req.RequesterAddress != "node-1" || addr != "node-2" {
		t.Fatalf("unexpected request %+v to %s", req, addr)
	}
	if p.Holds() != 3 || p.Status() != StatusLocked {
		t.Fatalf("expected 3 holds locked, got %d %s", p.Holds(), p.Status())
	}

	for want := 2; want >= 1; want-- {
		if err := p.Release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
		if p.Holds() != want || p.Status() != StatusLocked {
			t.Fatalf("expected %d holds locked, got %d %s", want, p.Holds(), p.Status())
		}
		if _, releases := gw.counts(); releases != 0 {
			t.Fatalf("expected no release request, got %d", releases)
		}
	}

	gw.mu.Lock()
	gw.releaseGate = make(chan struct{})
	gw.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- p.Release(ctx) }()
	waitFor(t, "release request", func() bool { _, r := gw.counts(); return r == 1 })
	if p.Status() != StatusUnlocked || p.Holds() != 0 {
		t.Fatalf("expected unlocked before ack, got %s holds %d", p.Status(), p.Holds())
	}
	close(gw.releaseGate)
	if err := <-done; err != nil {
		t.Fatalf("final release: %v", err)
	}
}

func TestReentrantCountingIssuesOneRequestEachWay(t *testing.T) {
	gw := &fakeGateway{}
	p := New(7, "master", "mirror", gw, nil)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		if err := p.Lock(ctx); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		if err := p.Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	locks, releases := gw.counts()
	if locks != 1 || releases != 1 {
		t.Fatalf("expected 1 lock and 1 release, got %d and %d", locks, releases)
	}
	if p.Status() != StatusUnlocked {
		t.Fatalf("expected unlocked, got %s", p.Status())
	}
}

func TestLockedFastPathSkipsGateway(t *testing.T) {
	gw := &fakeGateway{}
	p := New(7, "master", "mirror", gw, nil)
	ctx := context.Background()
	if err := p.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	gw.mu.Lock()
	gw.lockErr = errors.New("must not be called")
	gw.mu.Unlock()
	for i := 0; i < 10; i++ {
		if err := p.Lock(ctx); err != nil {
			t.Fatalf("fast path lock: %v", err)
		}
	}
	if locks, _ := gw.counts(); locks != 1 {
		t.Fatalf("expected 1 lock request, got %d", locks)
	}
}

func TestLocalMasterNeverTouchesGateway(t *testing.T) {
	gw := &fakeGateway{}
	m := &fakeMaster{}
	p := New(9, "self", "self", gw, fakeResolver{masters: map[uint64]LocalMaster{9: m}})
	ctx := context.Background()

	if err := p.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := p.Lock(ctx); err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if locks, _ := gw.counts(); locks != 0 {
		t.Fatalf("expected no gateway lock requests, got %d", locks)
	}
	m.mu.Lock()
	calls := append([]string(nil), m.addresses...)
	m.mu.Unlock()
	if len(calls) != 1 || calls[0] != "self" {
		t.Fatalf("expected one local master call for self, got %v", calls)
	}
	if p.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", p.Status())
	}
}

func TestLocalMasterFailureReachesCaller(t *testing.T) {
	m := &fakeMaster{err: errors.New("arbiter down")}
	p := New(9, "self", "self", &fakeGateway{}, fakeResolver{masters: map[uint64]LocalMaster{9: m}})
	err := p.Lock(context.Background())
	if !errors.Is(err, warperrors.ErrLocalMasterFailure) {
		t.Fatalf("expected ErrLocalMasterFailure, got %v", err)
	}
	if p.Status() != StatusUnlocked || p.Holds() != 0 {
		t.Fatalf("expected rollback, got %s holds %d", p.Status(), p.Holds())
	}
}

func TestReleaseGating(t *testing.T) {
	gw := &fakeGateway{}
	p := New(1, "master", "mirror", gw, nil)
	ctx := context.Background()
	_ = p.Lock(ctx)
	_ = p.Lock(ctx)
	if err := p.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, releases := gw.counts(); releases != 0 {
		t.Fatalf("expected no release request, got %d", releases)
	}
	if p.Status() != StatusLocked || p.Holds() != 1 {
		t.Fatalf("expected locked with 1 hold, got %s %d", p.Status(), p.Holds())
	}
}

func TestReleaseWithoutHoldIsRejected(t *testing.T) {
	gw := &fakeGateway{}
	p := New(1, "master", "mirror", gw, nil)
	if err := p.Release(context.Background()); !errors.Is(err, warperrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if p.Holds() != 0 {
		t.Fatalf("expected no holds, got %d", p.Holds())
	}
	if _, releases := gw.counts(); releases != 0 {
		t.Fatalf("expected no release request, got %d", releases)
	}
}

func TestReleaseFailureKeepsLocalStateReset(t *testing.T) {
	gw := &fakeGateway{releaseErr: errors.New("connection reset")}
	p := New(1, "master", "mirror", gw, nil)
	ctx := context.Background()
	_ = p.Lock(ctx)
	err := p.Release(ctx)
	if !errors.Is(err, warperrors.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if p.Status() != StatusUnlocked || p.Holds() != 0 {
		t.Fatalf("expected unlocked, got %s holds %d", p.Status(), p.Holds())
	}
}

func TestFailFastWakesAllWaitersAndAllowsRetry(t *testing.T) {
	gw := &fakeGateway{lockGate: make(chan struct{}), lockErr: errors.New("no route to host")}
	p := New(3, "master", "mirror", gw, nil)
	ctx := context.Background()

	errs := lockAsync(ctx, p, 4)
	waitFor(t, "four waiters", func() bool { return p.Waiters() == 4 })
	close(gw.lockGate)
	for i := 0; i < 4; i++ {
		if err := <-errs; !errors.Is(err, warperrors.ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
	}
	if p.Status() != StatusUnlocked || p.Holds() != 0 {
		t.Fatalf("expected rollback, got %s holds %d", p.Status(), p.Holds())
	}

	gw.mu.Lock()
	gw.lockGate, gw.lockErr = nil, nil
	gw.mu.Unlock()
	if err := p.Lock(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if locks, _ := gw.counts(); locks != 2 {
		t.Fatalf("expected a second lock request, got %d", locks)
	}
}

func TestDeniedResponseSurfacesAsRemoteDenied(t *testing.T) {
	gw := &fakeGateway{lockResp: message.LockResponse{Code: message.CodeDenied, Message: "owner migrating"}}
	p := New(3, "master", "mirror", gw, nil)
	if err := p.Lock(context.Background()); !errors.Is(err, warperrors.ErrRemoteDenied) {
		t.Fatalf("expected ErrRemoteDenied, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, releases := gw.counts(); releases != 0 {
		t.Fatalf("expected no release for a denied request, got %d", releases)
	}
}

func TestTransportFailureReleasesAtMaster(t *testing.T) {
	gw := &fakeGateway{lockErr: errors.New("connection reset")}
	p := New(42, "node-2", "node-1", gw, nil)
	ctx := context.Background()

	if err := p.Lock(ctx); !errors.Is(err, warperrors.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	waitFor(t, "compensating release", func() bool { _, r := gw.counts(); return r == 1 })
	gw.mu.Lock()
	rel := gw.releaseReqs[0]
	gw.lockErr = nil
	gw.mu.Unlock()
	if rel.OwnerID != 42 || rel.RequesterAddress != "node-1" {
		t.Fatalf("unexpected release %+v", rel)
	}

	if err := p.Lock(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if locks, releases := gw.counts(); locks != 2 || releases != 1 {
		t.Fatalf("expected 2 lock and 1 release requests, got %d and %d", locks, releases)
	}
	if p.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", p.Status())
	}
}

func TestRetryWaitsForCompensatingRelease(t *testing.T) {
	gw := &fakeGateway{lockErr: errors.New("connection reset"), releaseGate: make(chan struct{})}
	p := New(42, "node-2", "node-1", gw, nil)
	ctx := context.Background()

	if err := p.Lock(ctx); err == nil {
		t.Fatal("expected failure")
	}
	waitFor(t, "compensating release", func() bool { _, r := gw.counts(); return r == 1 })
	gw.mu.Lock()
	gw.lockErr = nil
	gw.mu.Unlock()

	retried := lockAsync(ctx, p, 1)
	time.Sleep(20 * time.Millisecond)
	if locks, _ := gw.counts(); locks != 1 {
		t.Fatalf("expected retry to wait for the release, got %d lock requests", locks)
	}
	close(gw.releaseGate)
	if err := <-retried; err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestLocalMasterResolvesPiledUpCallers(t *testing.T) {
	gw := &fakeGateway{}
	m := &fakeMaster{gate: make(chan struct{})}
	p := New(9, "self", "self", gw, fakeResolver{masters: map[uint64]LocalMaster{9: m}})
	ctx := context.Background()

	errs := lockAsync(ctx, p, 1)
	waitFor(t, "local master call", func() bool { return m.calls() == 1 })
	more := lockAsync(ctx, p, 3)
	waitFor(t, "four participants", func() bool { return p.Waiters() == 4 })

	close(m.gate)
	if err := <-errs; err != nil {
		t.Fatalf("initiator: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := <-more; err != nil {
			t.Fatalf("waiter: %v", err)
		}
	}
	if m.calls() != 1 {
		t.Fatalf("expected one local master call, got %d", m.calls())
	}
	if p.Status() != StatusLocked || p.Holds() != 4 {
		t.Fatalf("expected locked with 4 holds, got %s %d", p.Status(), p.Holds())
	}
	if locks, _ := gw.counts(); locks != 0 {
		t.Fatalf("expected no gateway lock requests, got %d", locks)
	}
}

func TestLocalMasterFailureFailsPiledUpCallers(t *testing.T) {
	m := &fakeMaster{gate: make(chan struct{}), err: errors.New("arbiter down")}
	p := New(9, "self", "self", &fakeGateway{}, fakeResolver{masters: map[uint64]LocalMaster{9: m}})
	ctx := context.Background()

	errs := lockAsync(ctx, p, 1)
	waitFor(t, "local master call", func() bool { return m.calls() == 1 })
	more := lockAsync(ctx, p, 2)
	waitFor(t, "three participants", func() bool { return p.Waiters() == 3 })

	close(m.gate)
	for i := 0; i < 3; i++ {
		var err error
		select {
		case err = <-errs:
		case err = <-more:
		}
		if !errors.Is(err, warperrors.ErrLocalMasterFailure) {
			t.Fatalf("expected ErrLocalMasterFailure, got %v", err)
		}
	}
	if p.Status() != StatusUnlocked || p.Holds() != 0 {
		t.Fatalf("expected rollback, got %s holds %d", p.Status(), p.Holds())
	}
	if m.calls() != 1 {
		t.Fatalf("expected one local master call, got %d", m.calls())
	}
}

func TestLocalMasterFailureUnderStallParksWaiters(t *testing.T) {
	m := &fakeMaster{gate: make(chan struct{}), err: errors.New("arbiter down")}
	p := New(9, "self", "self", &fakeGateway{}, fakeResolver{masters: map[uint64]LocalMaster{9: m}}, WithFailurePolicy(Stall))

	errs := lockAsync(context.Background(), p, 1)
	waitFor(t, "local master call", func() bool { return m.calls() == 1 })
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	parked := lockAsync(waitCtx, p, 2)
	waitFor(t, "three participants", func() bool { return p.Waiters() == 3 })

	close(m.gate)
	if err := <-errs; !errors.Is(err, warperrors.ErrLocalMasterFailure) {
		t.Fatalf("expected initiator to see ErrLocalMasterFailure, got %v", err)
	}
	waitFor(t, "initiator hold given back", func() bool { return p.Holds() == 2 })
	if p.Status() != StatusRequesting {
		t.Fatalf("expected requesting, got %s", p.Status())
	}
	select {
	case err := <-parked:
		t.Fatalf("expected waiters to stay parked, got %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	for i := 0; i < 2; i++ {
		if err := <-parked; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	}
	if p.Holds() != 0 {
		t.Fatalf("expected all holds given back, got %d", p.Holds())
	}
}

func TestHandBackReacquiresThroughCurrentRoute(t *testing.T) {
	gw := &fakeGateway{lockGate: make(chan struct{}), releaseGate: make(chan struct{})}
	resolver := &switchResolver{}
	p := New(5, "node-2", "node-1", gw, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	gone := lockAsync(ctx, p, 1)
	waitFor(t, "remote request", func() bool { l, _ := gw.counts(); return l == 1 })
	cancel()
	if err := <-gone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}

	close(gw.lockGate)
	waitFor(t, "hand-back release", func() bool { _, r := gw.counts(); return r == 1 })

	m := &fakeMaster{}
	resolver.set(m)
	joined := lockAsync(context.Background(), p, 1)
	waitFor(t, "joined caller", func() bool { return p.Waiters() == 1 })
	close(gw.releaseGate)

	if err := <-joined; err != nil {
		t.Fatalf("joined lock: %v", err)
	}
	if m.calls() != 1 {
		t.Fatalf("expected re-acquisition through the local master, got %d calls", m.calls())
	}
	if locks, _ := gw.counts(); locks != 1 {
		t.Fatalf("expected no second remote request, got %d", locks)
	}
	if p.Status() != StatusLocked {
		t.Fatalf("expected locked, got %s", p.Status())
	}
}

func TestStallPolicyLeavesRequesting(t *testing.T) {
	gw := &fakeGateway{lockErr: errors.New("no route to host")}
	p := New(3, "master", "mirror", gw, nil, WithFailurePolicy(Stall))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Lock(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if p.Status() != StatusRequesting {
		t.Fatalf("expected requesting, got %s", p.Status())
	}
	if p.Holds() != 0 {
		t.Fatalf("expected hold given back on timeout, got %d", p.Holds())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := p.Lock(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected later callers to stall too, got %v", err)
	}
	if locks, _ := gw.counts(); locks != 1 {
		t.Fatalf("expected no further lock requests, got %d", locks)
	}
}

func TestCancelledWaitersHandBackLateGrant(t *testing.T) {
	gw := &fakeGateway{lockGate: make(chan struct{})}
	p := New(5, "master", "mirror", gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := lockAsync(ctx, p, 2)
	waitFor(t, "two waiters", func() bool { return p.Waiters() == 2 })
	cancel()
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	}
	if p.Holds() != 0 {
		t.Fatalf("expected holds given back, got %d", p.Holds())
	}

	close(gw.lockGate)
	waitFor(t, "release of unclaimed grant", func() bool { _, r := gw.counts(); return r == 1 })
	waitFor(t, "unlocked", func() bool { return p.Status() == StatusUnlocked })
	if locks, _ := gw.counts(); locks != 1 {
		t.Fatalf("expected 1 lock request, got %d", locks)
	}
}

func TestRequestTimeoutBoundsGatewayCall(t *testing.T) {
	gw := &fakeGateway{lockGate: make(chan struct{})}
	p := New(5, "master", "mirror", gw, nil, WithRequestTimeout(10*time.Millisecond))
	err := p.Lock(context.Background())
	if !errors.Is(err, warperrors.ErrGatewayUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected gateway timeout, got %v", err)
	}
	if p.Status() != StatusUnlocked {
		t.Fatalf("expected unlocked after timeout, got %s", p.Status())
	}
}

func TestNilGatewayFailsAcquisition(t *testing.T) {
	p := New(5, "master", "mirror", nil, nil)
	if err := p.Lock(context.Background()); !errors.Is(err, warperrors.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestLockWaitsForInFlightRelease(t *testing.T) {
	gw := &fakeGateway{}
	p := New(42, "node-2", "node-1", gw, nil)
	ctx := context.Background()

	if err := p.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	gw.mu.Lock()
	gw.releaseGate = make(chan struct{})
	gw.mu.Unlock()
	released := make(chan error, 1)
	go func() { released <- p.Release(ctx) }()
	waitFor(t, "release request", func() bool { _, r := gw.counts(); return r == 1 })

	relocked := lockAsync(ctx, p, 1)
	waitFor(t, "requesting", func() bool { return p.Status() == StatusRequesting })
	time.Sleep(20 * time.Millisecond)
	if locks, _ := gw.counts(); locks != 1 {
		t.Fatalf("expected new request to wait for the release, got %d lock requests", locks)
	}

	close(gw.releaseGate)
	if err := <-released; err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-relocked; err != nil {
		t.Fatalf("relock: %v", err)
	}
	if locks, _ := gw.counts(); locks != 2 || p.Status() != StatusLocked {
		t.Fatalf("expected second request after release, got %d requests status %s", locks, p.Status())
	}
}
