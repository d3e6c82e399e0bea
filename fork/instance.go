// Package fork implements the Fork Instance and Fork Registry: a named,
// independently mutable snapshot of chain state and the registry that owns
// the collection of those snapshots.
package fork

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/web3-fighter/sol-sim/resolver"
	"github.com/web3-fighter/sol-sim/types"
	"github.com/web3-fighter/sol-sim/upstream"
	"github.com/web3-fighter/sol-sim/vm"
)

// Instance pairs a VmInstance with the mutex that serializes every
// operation against it. All five RPC-facing operations funnel through
// here so a fork never observes two concurrent mutations.
type Instance struct {
	mu sync.Mutex
	vm vm.Instance

	id      types.ForkId
	fetcher upstream.Fetcher
}

// NewInstance wraps vmi for fork id, keeping the fetcher the fork was
// created from for setAccount's rehydrate form, which re-fetches from the
// same upstream.
func NewInstance(id types.ForkId, vmi vm.Instance, fetcher upstream.Fetcher) *Instance {
	return &Instance{id: id, vm: vmi, fetcher: fetcher}
}

func (i *Instance) GetBalance(addr types.Address) uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.vm.GetBalance(addr)
}

func (i *Instance) GetAccountInfo(addr types.Address) (types.Account, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.vm.GetAccountInfo(addr)
}

func (i *Instance) LatestBlockhash() (solana.Hash, uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.vm.LatestBlockhash()
}

func (i *Instance) SendTransaction(raw []byte) (solana.Signature, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.vm.SendTransaction(raw)
}

// SetAccount installs acc verbatim at addr. This is the two-argument form
// of the operation; it does not advance the slot.
func (i *Instance) SetAccount(addr types.Address, acc types.Account) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.vm.SetAccount(addr, acc)
}

// RehydrateAccount is the one-argument form of setAccount: it re-resolves
// addr (and any BPF-upgradeable program-data dependency it carries) from
// the upstream this fork was created from, and installs the result. Like
// SetAccount, it does not advance the slot.
func (i *Instance) RehydrateAccount(ctx context.Context, addr types.Address) error {
	accounts, err := resolver.Resolve(ctx, i.fetcher, []types.Address{addr})
	if err != nil {
		return fmt.Errorf("rehydrate account %s: %w", addr, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for a, acc := range accounts {
		if acc == nil {
			continue
		}
		i.vm.SetAccount(a, *acc)
	}
	return nil
}

// Slot reports the instance's current slot, for ForkInfo responses.
func (i *Instance) Slot() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, slot := i.vm.LatestBlockhash()
	return slot
}
