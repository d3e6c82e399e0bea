// Package resolver computes the closure of accounts a fork needs fetched
// from upstream before it can satisfy requests in isolation: the seed
// addresses, the programs that own them, and, transitively, the
// program-data account behind any BPF-Upgradeable-Loader program among
// them.
package resolver

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/web3-fighter/sol-sim/types"
	"github.com/web3-fighter/sol-sim/upstream"
)

// programDataOffset is where the BPF-Upgradeable-Loader program account
// stores the address of its companion program-data account: the data opens
// with a 4-byte little-endian u32 variant tag ("Program"), landing the
// embedded pubkey at [4, 36).
const (
	programDataOffset = 4
	programDataEnd    = 36
)

// Resolve fetches seeds and everything needed to execute them in isolation:
// the owner program of every fetched account (unless it is one of the
// intrinsics the VM bundles) and, transitively, the program-data account
// behind any BPF-Upgradeable-Loader program. The walk is breadth-first and
// stops once no new addresses are discovered. It never fails outright on a
// short or malformed program account: that account is kept as fetched and
// simply not expanded further.
func Resolve(ctx context.Context, fetcher upstream.Fetcher, seeds []types.Address) (map[types.Address]*types.Account, error) {
	result := make(map[types.Address]*types.Account, len(seeds))
	seen := make(map[types.Address]bool, len(seeds))
	pending := make([]types.Address, 0, len(seeds))

	for _, addr := range seeds {
		if !seen[addr] {
			seen[addr] = true
			pending = append(pending, addr)
		}
	}

	for len(pending) > 0 {
		accounts, err := fetcher.GetMany(ctx, pending)
		if err != nil {
			return nil, fmt.Errorf("resolve accounts: %w", err)
		}

		var next []types.Address
		enqueue := func(addr types.Address) {
			if !seen[addr] {
				seen[addr] = true
				next = append(next, addr)
			}
		}
		for i, addr := range pending {
			acc := accounts[i]
			result[addr] = acc
			if acc == nil {
				continue
			}
			if !types.IsWellKnownOwner(acc.Owner) {
				enqueue(acc.Owner)
			}
			if dep, ok := programDataDependency(acc); ok {
				enqueue(dep)
			}
		}
		pending = next
	}

	log.Debug("resolved account set", "seeds", len(seeds), "total", len(result))
	return result, nil
}

// programDataDependency reports the program-data address embedded in a
// BPF-Upgradeable-Loader "Program" account, if acc is one. Accounts owned
// by any other program, or whose data is too short to hold the embedded
// address, have no further dependency.
func programDataDependency(acc *types.Account) (types.Address, bool) {
	if !acc.Executable || acc.Owner != types.BPFLoaderUpgradeableProgramID {
		return types.Address{}, false
	}
	if len(acc.Data) < programDataEnd {
		log.Warn("upgradeable program account too short to carry a program-data address, skipping",
			"len", len(acc.Data))
		return types.Address{}, false
	}
	var dep types.Address
	copy(dep[:], acc.Data[programDataOffset:programDataEnd])
	return dep, true
}
