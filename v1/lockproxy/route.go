package lockproxy

import (
	"context"
	"fmt"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
)

// route is how one acquisition cycle reaches the lock authority. It is
// chosen once per Unlocked -> Requesting transition.
type route interface {
	run(ctx context.Context, p *Proxy) error
	String() string
}

// localMaster grants through the in-process master without touching the network.
type localMaster struct {
	handle LocalMaster
}

func (r localMaster) run(ctx context.Context, p *Proxy) error {
	if err := r.handle.Lock(ctx, p.localAddress); err != nil {
		return fmt.Errorf("%w: %w", warperrors.ErrLocalMasterFailure, err)
	}
	return nil
}

func (localMaster) String() string { return "local" }

// remoteMirror asks the master node through the gateway.
type remoteMirror struct {
	gateway Gateway
}

func (r remoteMirror) run(ctx context.Context, p *Proxy) error {
	return p.requestLock(ctx, r.gateway)
}

func (remoteMirror) String() string { return "remote" }

func (p *Proxy) route() route {
	if p.resolver != nil {
		if h, ok := p.resolver.LocalMaster(p.ownerID); ok && h != nil {
			return localMaster{handle: h}
		}
	}
	return remoteMirror{gateway: p.gateway}
}
