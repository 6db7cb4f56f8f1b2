package executor

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// HashEvent is one Poseidon2 permutation over full field elements,
// proved by the hash chip of the deferred and recursion machines
type HashEvent struct {
	PermID uint64
	Input  [core.PoseidonWidth]core.Val
}

// CircuitEvent is one executed instruction of the recursion machine's
// straight-line circuit program. Opcode and cell addresses are
// preprocessed; the event carries only the witnessed values.
type CircuitEvent struct {
	A, B, Out core.Val
	// Reads is how many later instructions read the written cell
	Reads uint64

	// Poseidon rows move 8 lanes at once
	HashIn    [core.PoseidonWidth]core.Val
	HashOut   [core.PoseidonWidth]core.Val
	HashReads [core.PoseidonWidth]uint64
}

// RecordKind distinguishes main-execution shards from deferred
// precompile shards
type RecordKind uint8

const (
	// RecordCore is a shard of the main execution
	RecordCore RecordKind = iota
	// RecordDeferred is a chunk of deferred precompile invocations
	RecordDeferred
)

// ExecutionRecord holds every event of one shard, the continuation
// snapshot it started from, and the shard's public values. It is
// created once per shard, consumed by trace filling, then discarded.
type ExecutionRecord struct {
	Kind  RecordKind
	Shard uint32

	CPUEvents        []CPUEvent
	MemEvents        []MemoryEvent
	ALUEvents        []ALUEvent
	SyscallEvents    []SyscallEvent
	PrecompileEvents []PrecompileEvent

	// Deferred and recursion machine events
	HashEvents    []HashEvent
	CircuitEvents []CircuitEvent

	// StartRegs is the register file at shard entry
	StartRegs [NumRegisters]uint32

	Public PublicValues
}

// Stats returns per-event-kind counts, logged by the prover
func (r *ExecutionRecord) Stats() map[string]int {
	return map[string]int{
		"cpu_events":        len(r.CPUEvents),
		"mem_events":        len(r.MemEvents),
		"alu_events":        len(r.ALUEvents),
		"syscall_events":    len(r.SyscallEvents),
		"precompile_events": len(r.PrecompileEvents),
	}
}
