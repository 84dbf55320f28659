package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrGatewayUnavailable is returned when a lock message could not be
	// delivered to the master node.
	ErrGatewayUnavailable = errors.New("warp: lock gateway unavailable")
	// ErrRemoteDenied is returned when the master explicitly rejects a request.
	ErrRemoteDenied = errors.New("warp: lock request denied by master")
	// ErrLocalMasterFailure is returned when the in-process master fails to grant.
	ErrLocalMasterFailure = errors.New("warp: local master lock failed")
	// ErrNotHeld is returned when releasing a lock with no outstanding holds.
	ErrNotHeld = errors.New("warp: lock not held")
	// ErrUnknownOwner is returned when no master address is known for an owner.
	ErrUnknownOwner = errors.New("warp: unknown lock owner")
)
