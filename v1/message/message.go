// Package message defines the messages exchanged between a mirror and the
// master node that arbitrates an entity's lock, together with the codecs
// used to put them on the wire.
package message

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	warperrors "github.com/mirkobrombin/go-warp-lock/v1/errors"
)

// Response codes carried by LockResponse and LockReleaseResponse.
const (
	CodeOK = iota
	CodeDenied
	CodeNotHeld
	CodeInternal
	CodeTimeout
)

// LockRequest asks the master to grant the lock of OwnerID to RequesterAddress.
// TimeoutMillis, when set, is how long the master may wait for the current
// holder before answering with CodeTimeout.
type LockRequest struct {
	OwnerID          uint64 `json:"owner_id"`
	RequesterAddress string `json:"requester_address"`
	TimeoutMillis    int64  `json:"timeout_ms,omitempty"`
}

// WithDeadline bounds the master-side wait by the time left on ctx, minus a
// tenth so the answer still reaches a requester that is listening. A tighter
// bound already on r is kept.
func (r LockRequest) WithDeadline(ctx context.Context) LockRequest {
	dl, ok := ctx.Deadline()
	if !ok {
		return r
	}
	left := time.Until(dl)
	ms := (left - left/10).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if r.TimeoutMillis == 0 || ms < r.TimeoutMillis {
		r.TimeoutMillis = ms
	}
	return r
}

// Timeout returns the master-side wait bound, zero when unbounded.
func (r LockRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}

// LockResponse confirms or rejects a LockRequest.
type LockResponse struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err converts the response code into an error, nil when granted.
func (r LockResponse) Err() error { return codeErr(r.Code, r.Message) }

// LockReleaseRequest asks the master to drop the hold of RequesterAddress.
type LockReleaseRequest struct {
	OwnerID          uint64 `json:"owner_id"`
	RequesterAddress string `json:"requester_address"`
}

// LockReleaseResponse confirms or rejects a LockReleaseRequest.
type LockReleaseResponse struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err converts the response code into an error, nil when released.
func (r LockReleaseResponse) Err() error { return codeErr(r.Code, r.Message) }

// ErrorCode maps an error returned by a master-side arbiter onto a wire code.
func ErrorCode(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case stdErrors.Is(err, warperrors.ErrNotHeld):
		return CodeNotHeld
	case stdErrors.Is(err, warperrors.ErrRemoteDenied):
		return CodeDenied
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, warperrors.ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

func codeErr(code int, msg string) error {
	switch code {
	case CodeOK:
		return nil
	case CodeNotHeld:
		return fmt.Errorf("%w: %s", warperrors.ErrNotHeld, msg)
	case CodeTimeout:
		return fmt.Errorf("%w: %w: %s", warperrors.ErrRemoteDenied, warperrors.ErrTimeout, msg)
	default:
		return fmt.Errorf("%w (code %d): %s", warperrors.ErrRemoteDenied, code, msg)
	}
}
