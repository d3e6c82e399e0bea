package types

import "github.com/gagliardetto/solana-go"

// Well-known program ids. The first five are the intrinsic owners in
// WellKnownOwners: when an account is owned by one of them, the resolver
// does not add that owner to its walk, since the System Program and the
// loaders are bundled with the VM. An account they own can still carry a
// dependency of its own (an upgradeable program's program-data account).
// SysvarOwnerProgramID is the owner the VM gives the clock sysvar; it is
// not in WellKnownOwners.
var (
	SystemProgramID               = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	NativeLoaderProgramID         = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")
	BPFLoaderProgramID            = solana.MustPublicKeyFromBase58("BPFLoader2111111111111111111111111111111111")
	BPFLoaderDeprecatedProgramID  = solana.MustPublicKeyFromBase58("BPFLoader1111111111111111111111111111111111")
	BPFLoaderUpgradeableProgramID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
	SysvarOwnerProgramID          = solana.MustPublicKeyFromBase58("Sysvar1111111111111111111111111111111111111")
)

// WellKnownOwners is the set the Account Resolver consults before deciding
// whether to fetch an account's owner.
var WellKnownOwners = map[solana.PublicKey]bool{
	SystemProgramID:               true,
	NativeLoaderProgramID:         true,
	BPFLoaderProgramID:            true,
	BPFLoaderDeprecatedProgramID:  true,
	BPFLoaderUpgradeableProgramID: true,
}

// IsWellKnownOwner reports whether owner is one of the intrinsic programs
// the resolver does not fetch as an owner.
func IsWellKnownOwner(owner solana.PublicKey) bool {
	return WellKnownOwners[owner]
}
