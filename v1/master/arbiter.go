package master

import "context"

// Arbiter grants the lock of an owner to one holder at a time.
//
// Acquire blocks until holder owns the token or ctx ends. Acquiring a token
// already owned by the same holder succeeds immediately. Release returns
// errors.ErrNotHeld when holder does not own the token.
type Arbiter interface {
	Acquire(ctx context.Context, ownerID uint64, holder string) error
	Release(ctx context.Context, ownerID uint64, holder string) error
}
