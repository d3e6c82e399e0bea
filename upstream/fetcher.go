// Package upstream fetches account state from a real Solana RPC endpoint on
// behalf of the Account Resolver and the Fork Registry's creation path.
package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/go-resty/resty/v2"

	"github.com/web3-fighter/sol-sim/types"
)

// maxBatch is the most accounts GetMany sends in a single
// getMultipleAccounts call, matching the RPC provider's own ceiling.
const maxBatch = 100

// batchTimeout bounds each getMultipleAccounts round trip.
const batchTimeout = 30 * time.Second

// Fetcher is the Account Resolver's and Fork Registry's window onto the real
// chain. Implementations must report a missing account as a nil entry
// rather than an error: a never-funded address is valid input.
type Fetcher interface {
	// GetMany fetches up to len(addrs) accounts in as few round trips as
	// possible. The returned slice is positional: result[i] corresponds to
	// addrs[i], and is nil for an address with no account on chain.
	GetMany(ctx context.Context, addrs []types.Address) ([]*types.Account, error)

	// LatestBlockhash returns the current blockhash and slot to seed a
	// freshly created fork.
	LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
}

// rpcFetcher is the concrete Fetcher backed by solana-go's rpc.Client for
// the well-trodden calls and a raw resty client for the batched
// getMultipleAccounts call, which needs an exact wire shape the typed
// client does not expose.
type rpcFetcher struct {
	client *rpc.Client
	http   *resty.Client
	url    string
}

// NewFetcher builds a Fetcher against a live Solana RPC endpoint.
func NewFetcher(url string) Fetcher {
	return &rpcFetcher{
		client: rpc.New(url),
		http:   resty.New().SetBaseURL(url),
		url:    url,
	}
}

type getMultipleAccountsRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	Id      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type accountInfoValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

type getMultipleAccountsResponse struct {
	Jsonrpc string `json:"jsonrpc"`
	Id      int    `json:"id"`
	Result  struct {
		Value []*accountInfoValue `json:"value"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *rpcFetcher) GetMany(ctx context.Context, addrs []types.Address) ([]*types.Account, error) {
	out := make([]*types.Account, len(addrs))
	for start := 0; start < len(addrs); start += maxBatch {
		end := start + maxBatch
		if end > len(addrs) {
			end = len(addrs)
		}
		batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		batch, err := f.getMultipleAccounts(batchCtx, addrs[start:end])
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch accounts [%d:%d]: %w", start, end, err)
		}
		copy(out[start:end], batch)
	}
	return out, nil
}

func (f *rpcFetcher) getMultipleAccounts(ctx context.Context, addrs []types.Address) ([]*types.Account, error) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}

	reqBody := getMultipleAccountsRequest{
		Jsonrpc: "2.0",
		Id:      1,
		Method:  "getMultipleAccounts",
		Params: []interface{}{
			keys,
			map[string]string{"encoding": "base64"},
		},
	}

	var respBody getMultipleAccountsResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(reqBody).
		SetResult(&respBody).
		Post("")
	if err != nil {
		log.Error("getMultipleAccounts request failed", "err", err)
		return nil, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: http status %d", types.ErrUpstreamUnavailable, resp.StatusCode())
	}
	if respBody.Error != nil {
		return nil, fmt.Errorf("%w: rpc error %d: %s", types.ErrUpstreamUnavailable, respBody.Error.Code, respBody.Error.Message)
	}

	out := make([]*types.Account, len(addrs))
	for i, v := range respBody.Result.Value {
		if v == nil {
			continue
		}
		owner, err := solana.PublicKeyFromBase58(v.Owner)
		if err != nil {
			return nil, fmt.Errorf("decode owner for %s: %w", addrs[i], err)
		}
		var data []byte
		if len(v.Data) > 0 && v.Data[0] != "" {
			data, err = base64.StdEncoding.DecodeString(v.Data[0])
			if err != nil {
				return nil, fmt.Errorf("decode data for %s: %w", addrs[i], err)
			}
		}
		out[i] = &types.Account{
			Lamports:   v.Lamports,
			Data:       data,
			Owner:      owner,
			Executable: v.Executable,
			RentEpoch:  v.RentEpoch,
		}
	}
	return out, nil
}

func (f *rpcFetcher) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	out, err := f.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, 0, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return out.Value.Blockhash, out.Context.Slot, nil
}
