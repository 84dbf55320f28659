package master

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-warp-lock/v1/lockproxy"
)

// Resolver tracks the owners this process is master of and hands proxies a
// LocalMaster that goes straight to the Server. It implements
// lockproxy.MasterResolver.
type Resolver struct {
	server *Server

	mu     sync.RWMutex
	owners map[uint64]struct{}
}

// NewResolver returns a Resolver granting through s.
func NewResolver(s *Server) *Resolver {
	return &Resolver{server: s, owners: make(map[uint64]struct{})}
}

// Claim marks this process as master of ownerIDs.
func (r *Resolver) Claim(ownerIDs ...uint64) {
	r.mu.Lock()
	for _, id := range ownerIDs {
		r.owners[id] = struct{}{}
	}
	r.mu.Unlock()
}

// Abandon gives up mastership of ownerIDs.
func (r *Resolver) Abandon(ownerIDs ...uint64) {
	r.mu.Lock()
	for _, id := range ownerIDs {
		delete(r.owners, id)
	}
	r.mu.Unlock()
}

// ClaimFrom claims every owner in ownerIDs whose master address in book is localAddress.
func (r *Resolver) ClaimFrom(ctx context.Context, book lockproxy.AddressBook, localAddress string, ownerIDs ...uint64) error {
	for _, id := range ownerIDs {
		addr, err := book.Lookup(ctx, id)
		if err != nil {
			return err
		}
		if addr == localAddress {
			r.Claim(id)
		}
	}
	return nil
}

// IsMaster reports whether this process is master of ownerID.
func (r *Resolver) IsMaster(ownerID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[ownerID]
	return ok
}

// LocalMaster implements lockproxy.MasterResolver.
func (r *Resolver) LocalMaster(ownerID uint64) (lockproxy.LocalMaster, bool) {
	if !r.IsMaster(ownerID) {
		return nil, false
	}
	return localHandle{server: r.server, ownerID: ownerID}, true
}

type localHandle struct {
	server  *Server
	ownerID uint64
}

func (h localHandle) Lock(ctx context.Context, address string) error {
	return h.server.Acquire(ctx, h.ownerID, address)
}
