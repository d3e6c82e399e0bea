// Package rpcserver implements the JSON-RPC 2.0 subset a fork exposes:
// getBalance, getAccountInfo, getLatestBlockhash, sendTransaction and
// setAccount, plus the error-code mapping sol-sim uses for all of them.
package rpcserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/web3-fighter/sol-sim/fork"
	"github.com/web3-fighter/sol-sim/types"
)

// JSON-RPC 2.0 error codes sol-sim can return.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32002
)

// blockhashValidSlots is how many slots past its minting a blockhash stays
// usable, matching the real cluster's transaction processing age.
const blockhashValidSlots = 150

// Request is one JSON-RPC 2.0 call.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is one JSON-RPC 2.0 reply. Exactly one of Result/Error is set.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
}

// RpcError is the JSON-RPC 2.0 error object. Data carries the VM's
// structured failure (error text plus execution logs) when the code is
// CodeServerError and a transaction was rejected.
type RpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// rpcContext is the {context:{slot}} wrapper every read result carries,
// mirroring the upstream wire format.
type rpcContext struct {
	Slot uint64 `json:"slot"`
}

type contextualResult struct {
	Context rpcContext  `json:"context"`
	Value   interface{} `json:"value"`
}

// Dispatcher routes decoded JSON-RPC requests to the appropriate fork
// instance operation.
type Dispatcher struct {
	registry *fork.Registry
}

// NewDispatcher builds a Dispatcher against registry.
func NewDispatcher(registry *fork.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch handles one request against the named fork. Method- and
// params-level failures are reported inside the returned envelope; the
// error return is non-nil only when the fork itself is missing or expired,
// so the transport can answer with its own 404 rather than a JSON-RPC
// error.
func (d *Dispatcher) Dispatch(ctx context.Context, forkId types.ForkId, req Request) (Response, error) {
	resp := Response{Jsonrpc: "2.0", Id: req.Id}

	var result interface{}
	var callErr error

	lookupErr := d.registry.WithInstance(forkId, func(inst *fork.Instance) error {
		result, callErr = d.call(ctx, inst, req.Method, req.Params)
		return nil
	})
	if lookupErr != nil {
		return Response{}, lookupErr
	}
	if callErr != nil {
		resp.Error = rpcErrorFor(callErr)
		return resp, nil
	}

	resp.Result = result
	return resp, nil
}

func (d *Dispatcher) call(ctx context.Context, inst *fork.Instance, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "getBalance":
		return d.getBalance(inst, params)
	case "getAccountInfo":
		return d.getAccountInfo(inst, params)
	case "getLatestBlockhash":
		return d.getLatestBlockhash(inst)
	case "sendTransaction":
		return d.sendTransaction(inst, params)
	case "setAccount":
		return d.setAccount(ctx, inst, params)
	default:
		return nil, fmt.Errorf("%w: method %q", errMethodNotFound, method)
	}
}

func (d *Dispatcher) getBalance(inst *fork.Instance, params json.RawMessage) (interface{}, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, fmt.Errorf("%w: expected [address]", errInvalidParams)
	}
	addr, err := solana.PublicKeyFromBase58(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %v", errInvalidParams, err)
	}
	lamports := inst.GetBalance(addr)
	_, slot := inst.LatestBlockhash()
	return contextualResult{
		Context: rpcContext{Slot: slot},
		Value:   lamports,
	}, nil
}

func (d *Dispatcher) getAccountInfo(inst *fork.Instance, params json.RawMessage) (interface{}, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, fmt.Errorf("%w: expected [address, config?]", errInvalidParams)
	}
	var addrStr string
	if err := json.Unmarshal(args[0], &addrStr); err != nil {
		return nil, fmt.Errorf("%w: invalid address: %v", errInvalidParams, err)
	}
	addr, err := solana.PublicKeyFromBase58(addrStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %v", errInvalidParams, err)
	}

	encoding := "base64"
	if len(args) > 1 {
		var cfg struct {
			Encoding string `json:"encoding"`
		}
		if err := json.Unmarshal(args[1], &cfg); err != nil {
			return nil, fmt.Errorf("%w: invalid config: %v", errInvalidParams, err)
		}
		if cfg.Encoding != "" {
			encoding = cfg.Encoding
		}
	}
	if encoding != "base64" && encoding != "base58" {
		return nil, fmt.Errorf("%w: unsupported encoding %q", errInvalidParams, encoding)
	}

	_, slot := inst.LatestBlockhash()
	acc, ok := inst.GetAccountInfo(addr)
	if !ok {
		return contextualResult{Context: rpcContext{Slot: slot}, Value: nil}, nil
	}
	return contextualResult{
		Context: rpcContext{Slot: slot},
		Value: map[string]interface{}{
			"lamports":   acc.Lamports,
			"owner":      acc.Owner.String(),
			"data":       encodeData(acc.Data, encoding),
			"executable": acc.Executable,
			"rentEpoch":  acc.RentEpoch,
		},
	}, nil
}

func (d *Dispatcher) getLatestBlockhash(inst *fork.Instance) (interface{}, error) {
	hash, slot := inst.LatestBlockhash()
	return contextualResult{
		Context: rpcContext{Slot: slot},
		Value: map[string]interface{}{
			"blockhash":            hash.String(),
			"lastValidBlockHeight": slot + blockhashValidSlots,
		},
	}, nil
}

func (d *Dispatcher) sendTransaction(inst *fork.Instance, params json.RawMessage) (interface{}, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, fmt.Errorf("%w: expected [transaction]", errInvalidParams)
	}
	raw, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		raw, err = base58.Decode(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: transaction must be base64 or base58: %v", errInvalidParams, err)
		}
	}
	sig, err := inst.SendTransaction(raw)
	if err != nil {
		return nil, err
	}
	return sig.String(), nil
}

// setAccountValue is the wire form of an account in setAccount's verbatim
// two-argument call: the same schema getAccountInfo responds with, except
// data may be a bare base64 string as well as the [encoded, encoding] pair.
type setAccountValue struct {
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	Data       json.RawMessage `json:"data"`
	Executable bool            `json:"executable"`
	RentEpoch  uint64          `json:"rentEpoch"`
}

func (d *Dispatcher) setAccount(ctx context.Context, inst *fork.Instance, params json.RawMessage) (interface{}, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, fmt.Errorf("%w: expected [address] or [address, account]", errInvalidParams)
	}
	var addrStr string
	if err := json.Unmarshal(args[0], &addrStr); err != nil {
		return nil, fmt.Errorf("%w: invalid address: %v", errInvalidParams, err)
	}
	addr, err := solana.PublicKeyFromBase58(addrStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address: %v", errInvalidParams, err)
	}

	if len(args) < 2 || string(args[1]) == "null" {
		// One-argument form: re-hydrate from upstream.
		if err := inst.RehydrateAccount(ctx, addr); err != nil {
			return nil, err
		}
		return true, nil
	}

	var val setAccountValue
	if err := json.Unmarshal(args[1], &val); err != nil {
		return nil, fmt.Errorf("%w: invalid account: %v", errInvalidParams, err)
	}
	owner, err := solana.PublicKeyFromBase58(val.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid owner: %v", errInvalidParams, err)
	}
	data, err := decodeData(val.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid data: %v", errInvalidParams, err)
	}

	inst.SetAccount(addr, types.Account{
		Lamports:   val.Lamports,
		Data:       data,
		Owner:      owner,
		Executable: val.Executable,
		RentEpoch:  val.RentEpoch,
	})
	return true, nil
}

func encodeData(data []byte, encoding string) []string {
	switch encoding {
	case "base58":
		return []string{base58.Encode(data), "base58"}
	default:
		return []string{base64.StdEncoding.EncodeToString(data), "base64"}
	}
}

// decodeData accepts the account data field either as a bare base64 string
// or as the upstream [encoded, encoding] pair with base64 or base58
// encoding. An absent field means empty data.
func decodeData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return base64.StdEncoding.DecodeString(s)
	}
	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("data must be a string or [encoded, encoding] pair")
	}
	if len(pair) == 0 || pair[0] == "" {
		return nil, nil
	}
	encoding := "base64"
	if len(pair) > 1 {
		encoding = pair[1]
	}
	switch encoding {
	case "base64":
		return base64.StdEncoding.DecodeString(pair[0])
	case "base58":
		return base58.Decode(pair[0])
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
