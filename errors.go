package labstor

import (
	"errors"
	"fmt"
)

// The error taxonomy. Remote and local callers observe the same sentinels;
// the RPC layer carries them across the wire as kind strings and re-raises
// the matching sentinel on the client.
var (
	// ErrNotFound means no entity matched the id or name.
	ErrNotFound = errors.New("labstor: not found")
	// ErrIntegrity means an invariant was violated: a reference count would
	// underflow, a version chain is malformed, or a value does not match
	// its array's shape.
	ErrIntegrity = errors.New("labstor: integrity violation")
	// ErrDataCorruption means stored chunk bytes failed hash re-verification.
	ErrDataCorruption = errors.New("labstor: data corruption")
	// ErrConnection means the remote transport failed.
	ErrConnection = errors.New("labstor: connection failed")
	// ErrTimeout means a remote call expired before completing.
	ErrTimeout = errors.New("labstor: timeout")
	// ErrMethodNotFound means the server does not know the requested method.
	ErrMethodNotFound = errors.New("labstor: method not found")
	// ErrConflict means a concurrent mutation invalidated an assumption,
	// e.g. deleting an entity that is already gone.
	ErrConflict = errors.New("labstor: conflict")
)

// Wire error kinds.
const (
	KindNotFound       = "not_found"
	KindIntegrity      = "integrity_error"
	KindDataCorruption = "data_corruption"
	KindConnection     = "connection_error"
	KindTimeout        = "timeout"
	KindMethodNotFound = "method_not_found"
	KindConflict       = "conflict"
	KindInternal       = "internal"
)

// KindOf maps an error to its wire kind. Anything outside the taxonomy is
// "internal".
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrDataCorruption):
		return KindDataCorruption
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrMethodNotFound):
		return KindMethodNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// FromKind rebuilds the sentinel-wrapped error a wire kind stands for, so
// errors.Is works identically on both sides of the protocol.
func FromKind(kind, message string) error {
	var sentinel error
	switch kind {
	case KindNotFound:
		sentinel = ErrNotFound
	case KindIntegrity:
		sentinel = ErrIntegrity
	case KindDataCorruption:
		sentinel = ErrDataCorruption
	case KindConnection:
		sentinel = ErrConnection
	case KindTimeout:
		sentinel = ErrTimeout
	case KindMethodNotFound:
		sentinel = ErrMethodNotFound
	case KindConflict:
		sentinel = ErrConflict
	default:
		return fmt.Errorf("labstor: remote error: %s", message)
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}
