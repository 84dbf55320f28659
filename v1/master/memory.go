package master

import (
	"context"
	"fmt"
	"sync"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
)

type tokenState struct {
	holder string
	notify chan struct{}
}

// InMemory implements Arbiter using local memory.
type InMemory struct {
	mu     sync.Mutex
	tokens map[uint64]*tokenState
}

// NewInMemory returns an empty in-memory arbiter.
func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[uint64]*tokenState)}
}

// Acquire implements Arbiter.Acquire.
func (a *InMemory) Acquire(ctx context.Context, ownerID uint64, holder string) error {
	for {
		a.mu.Lock()
		st, ok := a.tokens[ownerID]
		if !ok {
			a.tokens[ownerID] = &tokenState{holder: holder, notify: make(chan struct{})}
			a.mu.Unlock()
			return nil
		}
		if st.holder == holder {
			a.mu.Unlock()
			return nil
		}
		ch := st.notify
		a.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Arbiter.Release.
func (a *InMemory) Release(ctx context.Context, ownerID uint64, holder string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tokens[ownerID]
	if !ok || st.holder != holder {
		return fmt.Errorf("%w: owner %d by %q", warperrors.ErrNotHeld, ownerID, holder)
	}
	close(st.notify)
	delete(a.tokens, ownerID)
	return nil
}

// Holder returns the current holder of ownerID's token.
func (a *InMemory) Holder(ownerID uint64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tokens[ownerID]
	if !ok {
		return "", false
	}
	return st.holder, true
}
