package rpcserver

import (
	"errors"
	"fmt"

	"github.com/web3-fighter/sol-sim/types"
	"github.com/web3-fighter/sol-sim/vm"
)

var (
	errMethodNotFound = fmt.Errorf("%w: method not found", types.ErrInvalidRequest)
	errInvalidParams  = fmt.Errorf("%w: invalid params", types.ErrInvalidRequest)
)

// rpcErrorFor maps an internal error into the JSON-RPC error code table:
// unknown method -> -32601, malformed/invalid params -> -32602, everything
// else (execution failures, upstream trouble surfaced mid-call) -> -32002.
// A rejected transaction additionally carries the VM's structured failure
// and execution logs in the error's data field.
func rpcErrorFor(err error) *RpcError {
	var execErr *vm.ExecutionError
	switch {
	case errors.Is(err, errMethodNotFound):
		return &RpcError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, errInvalidParams):
		return &RpcError{Code: CodeInvalidParams, Message: err.Error()}
	case errors.As(err, &execErr):
		return &RpcError{
			Code:    CodeServerError,
			Message: "transaction execution failed: " + execErr.Reason,
			Data: map[string]interface{}{
				"err":  execErr.Reason,
				"logs": execErr.Logs,
			},
		}
	case errors.Is(err, types.ErrVmExecution), errors.Is(err, types.ErrUpstreamUnavailable):
		return &RpcError{Code: CodeServerError, Message: err.Error()}
	default:
		return &RpcError{Code: CodeServerError, Message: err.Error()}
	}
}
