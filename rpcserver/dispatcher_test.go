package rpcserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/web3-fighter/sol-sim/fork"
	"github.com/web3-fighter/sol-sim/types"
)

type fakeFetcher struct {
	accounts  map[types.Address]*types.Account
	slot      uint64
	blockhash solana.Hash
}

func (f *fakeFetcher) GetMany(_ context.Context, addrs []types.Address) ([]*types.Account, error) {
	out := make([]*types.Account, len(addrs))
	for i, a := range addrs {
		out[i] = f.accounts[a]
	}
	return out, nil
}

func (f *fakeFetcher) LatestBlockhash(context.Context) (solana.Hash, uint64, error) {
	return f.blockhash, f.slot, nil
}

// newTestFork builds a registry with one fork seeded from accounts, at slot
// 500, and returns the dispatcher and the fork's id.
func newTestFork(t *testing.T, accounts map[types.Address]*types.Account) (*Dispatcher, types.ForkId, *fakeFetcher) {
	t.Helper()
	var hash solana.Hash
	hash[0] = 0x42
	f := &fakeFetcher{accounts: accounts, slot: 500, blockhash: hash}
	if f.accounts == nil {
		f.accounts = make(map[types.Address]*types.Account)
	}

	registry := fork.NewRegistry(f, time.Hour)
	seeds := make([]types.Address, 0, len(accounts))
	for a := range accounts {
		seeds = append(seeds, a)
	}
	info, err := registry.Create(context.Background(), seeds)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return NewDispatcher(registry), info.Id, f
}

func dispatch(t *testing.T, d *Dispatcher, id types.ForkId, method string, params string) Response {
	t.Helper()
	req := Request{
		Jsonrpc: "2.0",
		Id:      json.RawMessage("1"),
		Method:  method,
		Params:  json.RawMessage(params),
	}
	resp, err := d.Dispatch(context.Background(), id, req)
	if err != nil {
		t.Fatalf("Dispatch(%s): %v", method, err)
	}
	return resp
}

// result round-trips a response's result through JSON so tests can assert on
// the exact wire shape rather than on in-memory types.
func result(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out
}

func TestGetBalanceWrapsContextAndValue(t *testing.T) {
	addr := solana.NewWallet().PublicKey()
	d, id, _ := newTestFork(t, map[types.Address]*types.Account{
		addr: {Lamports: 123_456, Owner: types.SystemProgramID},
	})

	res := result(t, dispatch(t, d, id, "getBalance", `["`+addr.String()+`"]`))
	if got := res["value"].(float64); got != 123_456 {
		t.Fatalf("value = %v, want 123456", got)
	}
	ctx := res["context"].(map[string]interface{})
	if got := ctx["slot"].(float64); got != 500 {
		t.Fatalf("context.slot = %v, want 500", got)
	}
}

func TestGetBalanceUnknownAddressIsZero(t *testing.T) {
	d, id, _ := newTestFork(t, nil)
	addr := solana.NewWallet().PublicKey()

	res := result(t, dispatch(t, d, id, "getBalance", `["`+addr.String()+`"]`))
	if got := res["value"].(float64); got != 0 {
		t.Fatalf("value = %v, want 0", got)
	}
}

func TestGetAccountInfoEncodings(t *testing.T) {
	addr := solana.NewWallet().PublicKey()
	data := []byte{1, 2, 3, 4}
	d, id, _ := newTestFork(t, map[types.Address]*types.Account{
		addr: {Lamports: 9, Data: data, Owner: types.SystemProgramID, RentEpoch: 361},
	})

	res := result(t, dispatch(t, d, id, "getAccountInfo", `["`+addr.String()+`"]`))
	value := res["value"].(map[string]interface{})
	pair := value["data"].([]interface{})
	if pair[1] != "base64" {
		t.Fatalf("default encoding = %v, want base64", pair[1])
	}
	decoded, err := base64.StdEncoding.DecodeString(pair[0].(string))
	if err != nil || string(decoded) != string(data) {
		t.Fatalf("base64 data round-trip failed: %v %v", decoded, err)
	}
	if value["owner"] != types.SystemProgramID.String() {
		t.Fatalf("owner = %v", value["owner"])
	}

	res = result(t, dispatch(t, d, id, "getAccountInfo", `["`+addr.String()+`", {"encoding":"base58"}]`))
	value = res["value"].(map[string]interface{})
	pair = value["data"].([]interface{})
	if pair[1] != "base58" {
		t.Fatalf("encoding = %v, want base58", pair[1])
	}

	resp := dispatch(t, d, id, "getAccountInfo", `["`+addr.String()+`", {"encoding":"jsonParsed"}]`)
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("unsupported encoding should fail with %d, got %+v", CodeInvalidParams, resp.Error)
	}
}

func TestGetAccountInfoMissingIsNull(t *testing.T) {
	d, id, _ := newTestFork(t, nil)
	addr := solana.NewWallet().PublicKey()

	res := result(t, dispatch(t, d, id, "getAccountInfo", `["`+addr.String()+`"]`))
	if res["value"] != nil {
		t.Fatalf("value = %v, want null", res["value"])
	}
}

func TestGetLatestBlockhashStableAcrossReads(t *testing.T) {
	d, id, _ := newTestFork(t, nil)

	first := result(t, dispatch(t, d, id, "getLatestBlockhash", `[]`))
	second := result(t, dispatch(t, d, id, "getLatestBlockhash", `[]`))

	v1 := first["value"].(map[string]interface{})
	v2 := second["value"].(map[string]interface{})
	if v1["blockhash"] == "" || v1["blockhash"] != v2["blockhash"] {
		t.Fatalf("blockhash changed between reads: %v vs %v", v1["blockhash"], v2["blockhash"])
	}
	if got := v1["lastValidBlockHeight"].(float64); got != 500+150 {
		t.Fatalf("lastValidBlockHeight = %v, want 650", got)
	}
}

func TestSendTransactionTransfer(t *testing.T) {
	payer := solana.NewWallet()
	recipient := solana.NewWallet().PublicKey()
	d, id, _ := newTestFork(t, map[types.Address]*types.Account{
		payer.PublicKey(): {Lamports: 1_000_000_000, Owner: types.SystemProgramID},
	})

	before := result(t, dispatch(t, d, id, "getLatestBlockhash", `[]`))
	hashStr := before["value"].(map[string]interface{})["blockhash"].(string)
	slotBefore := before["context"].(map[string]interface{})["slot"].(float64)
	blockhash := solana.MustHashFromBase58(hashStr)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(100_000_000, payer.PublicKey(), recipient).Build(),
		},
		blockhash,
		solana.TransactionPayer(payer.PublicKey()),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	}); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}

	resp := dispatch(t, d, id, "sendTransaction", `["`+base64.StdEncoding.EncodeToString(raw)+`"]`)
	if resp.Error != nil {
		t.Fatalf("sendTransaction failed: %+v", resp.Error)
	}
	if sig, ok := resp.Result.(string); !ok || sig == "" {
		t.Fatalf("sendTransaction result = %v, want a signature string", resp.Result)
	}

	res := result(t, dispatch(t, d, id, "getBalance", `["`+recipient.String()+`"]`))
	if got := res["value"].(float64); got != 100_000_000 {
		t.Fatalf("recipient balance = %v, want 100000000", got)
	}
	slotAfter := res["context"].(map[string]interface{})["slot"].(float64)
	if slotAfter != slotBefore+1 {
		t.Fatalf("slot advanced from %v to %v, want exactly +1", slotBefore, slotAfter)
	}
}

func TestSendTransactionRejectedCarriesLogs(t *testing.T) {
	payer := solana.NewWallet()
	recipient := solana.NewWallet().PublicKey()
	d, id, _ := newTestFork(t, map[types.Address]*types.Account{
		payer.PublicKey(): {Lamports: 10, Owner: types.SystemProgramID},
	})

	before := result(t, dispatch(t, d, id, "getLatestBlockhash", `[]`))
	blockhash := solana.MustHashFromBase58(before["value"].(map[string]interface{})["blockhash"].(string))

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(100_000_000, payer.PublicKey(), recipient).Build(),
		},
		blockhash,
		solana.TransactionPayer(payer.PublicKey()),
	)
	if err != nil {
		t.Fatalf("build transaction: %v", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	}); err != nil {
		t.Fatalf("sign transaction: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal transaction: %v", err)
	}

	resp := dispatch(t, d, id, "sendTransaction", `["`+base64.StdEncoding.EncodeToString(raw)+`"]`)
	if resp.Error == nil || resp.Error.Code != CodeServerError {
		t.Fatalf("expected error %d, got %+v", CodeServerError, resp.Error)
	}
	data, ok := resp.Error.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("error data = %T, want structured VM failure", resp.Error.Data)
	}
	if _, ok := data["logs"].([]string); !ok {
		t.Fatalf("error data carries no logs: %v", data)
	}

	after := result(t, dispatch(t, d, id, "getLatestBlockhash", `[]`))
	if after["context"].(map[string]interface{})["slot"] != before["context"].(map[string]interface{})["slot"] {
		t.Fatal("failed transaction advanced the slot")
	}
}

func TestSetAccountVerbatimThenGetBalance(t *testing.T) {
	d, id, _ := newTestFork(t, nil)
	addr := solana.NewWallet().PublicKey()

	params := `["` + addr.String() + `", {"lamports":5000000000,"data":"","owner":"11111111111111111111111111111111","executable":false}]`
	resp := dispatch(t, d, id, "setAccount", params)
	if resp.Error != nil {
		t.Fatalf("setAccount failed: %+v", resp.Error)
	}

	res := result(t, dispatch(t, d, id, "getBalance", `["`+addr.String()+`"]`))
	if got := res["value"].(float64); got != 5_000_000_000 {
		t.Fatalf("value = %v, want 5000000000", got)
	}
}

func TestSetAccountRehydratesFromUpstream(t *testing.T) {
	d, id, f := newTestFork(t, nil)
	addr := solana.NewWallet().PublicKey()
	f.accounts[addr] = &types.Account{Lamports: 31_337, Owner: types.SystemProgramID}

	resp := dispatch(t, d, id, "setAccount", `["`+addr.String()+`"]`)
	if resp.Error != nil {
		t.Fatalf("setAccount (rehydrate) failed: %+v", resp.Error)
	}

	res := result(t, dispatch(t, d, id, "getBalance", `["`+addr.String()+`"]`))
	if got := res["value"].(float64); got != 31_337 {
		t.Fatalf("value = %v, want 31337", got)
	}
}

func TestUnknownMethod(t *testing.T) {
	d, id, _ := newTestFork(t, nil)
	resp := dispatch(t, d, id, "doesNotExist", `[]`)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected error %d, got %+v", CodeMethodNotFound, resp.Error)
	}
}

func TestMalformedParams(t *testing.T) {
	d, id, _ := newTestFork(t, nil)
	for _, tc := range []struct {
		method string
		params string
	}{
		{"getBalance", `[]`},
		{"getBalance", `["not-a-key"]`},
		{"getAccountInfo", `[42]`},
		{"sendTransaction", `["!!!"]`},
		{"setAccount", `[]`},
		{"setAccount", `["` + solana.NewWallet().PublicKey().String() + `", {"owner":"bogus"}]`},
	} {
		resp := dispatch(t, d, id, tc.method, tc.params)
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Fatalf("%s(%s): expected error %d, got %+v", tc.method, tc.params, CodeInvalidParams, resp.Error)
		}
	}
}

func TestDispatchMissingForkSurfacesNotFound(t *testing.T) {
	d, _, _ := newTestFork(t, nil)
	_, err := d.Dispatch(context.Background(), types.NewForkId(), Request{Jsonrpc: "2.0", Method: "getBalance"})
	if !errors.Is(err, types.ErrForkNotFound) {
		t.Fatalf("Dispatch on unknown fork = %v, want ErrForkNotFound", err)
	}
}
