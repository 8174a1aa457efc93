package cluster

import (
	"errors"
	"fmt"

	"flowmesh/dataflow-runtime/pkg/types"
)

var (
	// ErrModeMismatch indicates the remote endpoint declared a role
	// incompatible with the one the initiator requires.
	ErrModeMismatch = errors.New("mode_mismatch")

	// ErrAlreadyConnected indicates a worker attempted to connect to the
	// master it is already bound to.
	ErrAlreadyConnected = errors.New("already_connected")

	// ErrHasMaster indicates a worker is already bound to a different master.
	ErrHasMaster = errors.New("has_master")

	// ErrNoHandler indicates no handler is bound for the requested role and
	// no default handler exists.
	ErrNoHandler = errors.New("no handler bound for role")
)

// RejectedError is an explicit policy refusal with a reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s", e.Reason)
}

// UnreachableError indicates a transport failure while contacting an endpoint.
type UnreachableError struct {
	Endpoint types.Endpoint
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable: %v", e.Endpoint, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ErrorCode maps a connect error to its wire code. Unknown errors map to the
// generic rejected code.
func ErrorCode(err error) string {
	var rej *RejectedError
	switch {
	case errors.Is(err, ErrModeMismatch):
		return types.CodeModeMismatch
	case errors.Is(err, ErrAlreadyConnected):
		return types.CodeAlreadyConnected
	case errors.Is(err, ErrHasMaster):
		return types.CodeHasMaster
	case errors.As(err, &rej):
		return types.CodeRejected
	default:
		return types.CodeRejected
	}
}

// ErrorFromCode reconstructs a connect error from its wire code.
func ErrorFromCode(code, reason string) error {
	switch code {
	case types.CodeModeMismatch:
		return ErrModeMismatch
	case types.CodeAlreadyConnected:
		return ErrAlreadyConnected
	case types.CodeHasMaster:
		return ErrHasMaster
	default:
		return &RejectedError{Reason: reason}
	}
}
