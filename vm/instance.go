// Package vm implements the embedded execution engine a Fork Instance
// drives: an in-memory account store plus slot/blockhash bookkeeping and a
// minimal System Program transfer interpreter, enough to make
// sendTransaction genuinely move lamports rather than merely accept bytes.
package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/web3-fighter/sol-sim/types"
)

// Instance is the capability a Fork Instance drives. The embedded execution
// engine itself (transaction processing, sysvars, program loading) is an
// external collaborator in the general case; Memory is the concrete,
// self-contained engine sol-sim ships so the fork manager is runnable
// end-to-end without a real validator in the loop.
type Instance interface {
	GetBalance(addr types.Address) uint64
	GetAccountInfo(addr types.Address) (types.Account, bool)
	LatestBlockhash() (solana.Hash, uint64)
	SendTransaction(raw []byte) (solana.Signature, error)
	SetAccount(addr types.Address, acc types.Account)
}

// ExecutionError is the structured failure a rejected transaction produces:
// the reason plus the execution log lines accumulated before the failure.
type ExecutionError struct {
	Reason string
	Logs   []string
}

func (e *ExecutionError) Error() string { return e.Reason }

func (e *ExecutionError) Unwrap() error { return types.ErrVmExecution }

// Memory is an in-memory VmInstance. It is not safe for concurrent use on
// its own; the Fork Instance that owns it serializes access with a mutex.
type Memory struct {
	accounts  map[types.Address]types.Account
	slot      uint64
	blockhash solana.Hash
}

// NewMemory seeds a fresh instance at the given slot/blockhash with the
// accounts the resolver already fetched.
func NewMemory(slot uint64, blockhash solana.Hash, seed map[types.Address]*types.Account) *Memory {
	accounts := make(map[types.Address]types.Account, len(seed))
	for addr, acc := range seed {
		if acc == nil {
			continue
		}
		accounts[addr] = acc.Clone()
	}
	m := &Memory{
		accounts:  accounts,
		slot:      slot,
		blockhash: blockhash,
	}
	m.writeClockSysvar()
	return m
}

func (m *Memory) GetBalance(addr types.Address) uint64 {
	return m.accounts[addr].Lamports
}

func (m *Memory) GetAccountInfo(addr types.Address) (types.Account, bool) {
	acc, ok := m.accounts[addr]
	return acc, ok
}

func (m *Memory) LatestBlockhash() (solana.Hash, uint64) {
	return m.blockhash, m.slot
}

func (m *Memory) SetAccount(addr types.Address, acc types.Account) {
	m.accounts[addr] = acc.Clone()
}

// SendTransaction decodes raw as a signed Solana transaction, verifies its
// signatures, executes its System Program transfer instructions against a
// staged copy of the touched accounts, and commits the stage plus a slot and
// blockhash advance only if every instruction succeeds. A rejected
// transaction leaves the account map, slot and blockhash all untouched.
// Non-transfer instructions are accepted as no-ops: sol-sim's VM only
// interprets the instruction set that its simulation scenarios exercise.
func (m *Memory) SendTransaction(raw []byte) (solana.Signature, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return solana.Signature{}, &ExecutionError{Reason: fmt.Sprintf("decode transaction: %v", err)}
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, &ExecutionError{Reason: fmt.Sprintf("signature verification failed: %v", err)}
	}

	ex := &execution{vm: m, staged: make(map[types.Address]types.Account)}
	msg := tx.Message
	for _, instr := range msg.Instructions {
		if int(instr.ProgramIDIndex) >= len(msg.AccountKeys) {
			return solana.Signature{}, ex.fail("program id index out of range")
		}
		programId := msg.AccountKeys[instr.ProgramIDIndex]
		if programId != types.SystemProgramID {
			ex.logf("Program %s invoke [1]", programId)
			ex.logf("Program %s success", programId)
			continue
		}
		if err := ex.execSystemInstruction(msg, instr); err != nil {
			log.Debug("transaction rejected", "err", err, "tx", spew.Sdump(tx))
			return solana.Signature{}, err
		}
	}

	for addr, acc := range ex.staged {
		m.accounts[addr] = acc
	}
	m.advance()

	sig := solana.Signature{}
	if len(tx.Signatures) > 0 {
		sig = tx.Signatures[0]
	}
	return sig, nil
}

// execution stages account writes for one transaction so a mid-transaction
// failure never leaves a half-applied transfer behind.
type execution struct {
	vm     *Memory
	staged map[types.Address]types.Account
	logs   []string
}

func (ex *execution) account(addr types.Address) types.Account {
	if acc, ok := ex.staged[addr]; ok {
		return acc
	}
	return ex.vm.accounts[addr]
}

func (ex *execution) logf(format string, args ...interface{}) {
	ex.logs = append(ex.logs, fmt.Sprintf(format, args...))
}

func (ex *execution) fail(format string, args ...interface{}) error {
	return &ExecutionError{Reason: fmt.Sprintf(format, args...), Logs: ex.logs}
}

// systemTransferDiscriminant is the u32 little-endian tag System Program
// uses for the Transfer instruction variant.
const systemTransferDiscriminant = 2

func (ex *execution) execSystemInstruction(msg solana.Message, instr solana.CompiledInstruction) error {
	ex.logf("Program %s invoke [1]", types.SystemProgramID)
	if len(instr.Data) < 12 || binary.LittleEndian.Uint32(instr.Data[0:4]) != systemTransferDiscriminant {
		// Not a transfer; other System Program variants pass through.
		ex.logf("Program %s success", types.SystemProgramID)
		return nil
	}
	lamports := binary.LittleEndian.Uint64(instr.Data[4:12])

	if len(instr.Accounts) < 2 {
		return ex.fail("transfer instruction needs 2 accounts, got %d", len(instr.Accounts))
	}
	fromIdx, toIdx := instr.Accounts[0], instr.Accounts[1]
	if int(fromIdx) >= len(msg.AccountKeys) || int(toIdx) >= len(msg.AccountKeys) {
		return ex.fail("transfer instruction account index out of range")
	}
	from := msg.AccountKeys[fromIdx]
	to := msg.AccountKeys[toIdx]

	fromAcc := ex.account(from)
	if fromAcc.Lamports < lamports {
		ex.logf("Transfer: insufficient lamports %d, need %d", fromAcc.Lamports, lamports)
		return ex.fail("insufficient funds: %s has %d, needs %d", from, fromAcc.Lamports, lamports)
	}
	fromAcc.Lamports -= lamports
	ex.staged[from] = fromAcc

	toAcc := ex.account(to)
	toAcc.Owner = types.SystemProgramID
	toAcc.Lamports += lamports
	ex.staged[to] = toAcc

	ex.logf("Program %s success", types.SystemProgramID)
	return nil
}

// advance moves the instance forward one slot, derives a new blockhash from
// the previous one (mirroring how a real validator's blockhash changes every
// slot without requiring an actual PoH sequence here), and refreshes the
// clock sysvar so programs observe the new slot.
func (m *Memory) advance() {
	m.slot++
	var buf [40]byte
	copy(buf[:32], m.blockhash[:])
	binary.LittleEndian.PutUint64(buf[32:], m.slot)
	sum := sha256.Sum256(buf[:])
	var next solana.Hash
	copy(next[:], sum[:])
	m.blockhash = next
	m.writeClockSysvar()
}

// writeClockSysvar installs the clock sysvar account at its reserved
// address using the runtime's bincode layout: slot, epoch_start_timestamp,
// epoch, leader_schedule_epoch, unix_timestamp.
func (m *Memory) writeClockSysvar() {
	data := make([]byte, 40)
	now := time.Now().Unix()
	binary.LittleEndian.PutUint64(data[0:8], m.slot)
	binary.LittleEndian.PutUint64(data[8:16], uint64(now))
	binary.LittleEndian.PutUint64(data[32:40], uint64(now))
	m.accounts[solana.SysVarClockPubkey] = types.Account{
		Lamports: 1,
		Data:     data,
		Owner:    types.SysvarOwnerProgramID,
	}
}
