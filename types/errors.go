package types

import "errors"

// Sentinel errors shared across layers, matching on errors.Is wherever a
// caller needs to tell these apart from wrapped internal failures.
var (
	ErrInvalidForkId       = errors.New("invalid fork id")
	ErrForkNotFound        = errors.New("fork not found")
	ErrUpstreamUnavailable = errors.New("upstream RPC unavailable")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrVmExecution         = errors.New("transaction execution failed")
)
