package lockproxy

import (
	"context"
	"fmt"
	"sync"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
)

// AddressBook resolves the master node address of an owner.
type AddressBook interface {
	Lookup(ctx context.Context, ownerID uint64) (string, error)
}

// Registry keeps one Proxy per owner for this process. Handles obtained with
// Get are counted until returned with Put, and a proxy is only dropped when
// no handle is out and it is idle, so two proxies never coexist for one owner.
type Registry struct {
	localAddress string
	book         AddressBook
	gateway      Gateway
	resolver     MasterResolver
	opts         []Option

	mu      sync.Mutex
	entries map[uint64]*entry
}

type entry struct {
	proxy *Proxy
	refs  int
}

// NewRegistry returns a Registry creating proxies with the given collaborators and options.
func NewRegistry(localAddress string, book AddressBook, gw Gateway, resolver MasterResolver, opts ...Option) *Registry {
	return &Registry{
		localAddress: localAddress,
		book:         book,
		gateway:      gw,
		resolver:     resolver,
		opts:         opts,
		entries:      make(map[uint64]*entry),
	}
}

// Get returns the proxy for ownerID, creating it on first use. Every
// successful Get must be paired with a Put.
func (r *Registry) Get(ctx context.Context, ownerID uint64) (*Proxy, error) {
	r.mu.Lock()
	if e, ok := r.entries[ownerID]; ok {
		e.refs++
		r.mu.Unlock()
		return e.proxy, nil
	}
	r.mu.Unlock()

	if r.book == nil {
		return nil, fmt.Errorf("%w: %d", warperrors.ErrUnknownOwner, ownerID)
	}
	addr, err := r.book.Lookup(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ownerID]
	if !ok {
		e = &entry{proxy: New(ownerID, addr, r.localAddress, r.gateway, r.resolver, r.opts...)}
		r.entries[ownerID] = e
	}
	e.refs++
	return e.proxy, nil
}

// Put returns a handle obtained from Get. The proxy is dropped once the last
// handle is back and it holds nothing.
func (r *Registry) Put(ownerID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ownerID]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 && e.proxy.idle() {
		delete(r.entries, ownerID)
	}
}

// Forget drops the proxy for ownerID when no handle is out and it is
// unlocked with no holds. It reports whether the proxy was removed.
func (r *Registry) Forget(ownerID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ownerID]
	if !ok || e.refs > 0 || !e.proxy.idle() {
		return false
	}
	delete(r.entries, ownerID)
	return true
}

// Len returns the number of live proxies.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
