package executor

import "fmt"

// FaultKind classifies execution faults
type FaultKind int

const (
	// FaultIllegalInstruction: pc left code space or the opcode is
	// malformed
	FaultIllegalInstruction FaultKind = iota
	// FaultMemoryOutOfBounds: access outside the guest address space
	FaultMemoryOutOfBounds
	// FaultUnalignedAccess: non-word-aligned load/store
	FaultUnalignedAccess
	// FaultUnsupportedSyscall: unknown ECALL number
	FaultUnsupportedSyscall
	// FaultInputExhausted: READ syscall past the end of the input
	FaultInputExhausted
	// FaultCycleLimitExceeded: the configured resource limit was hit
	FaultCycleLimitExceeded
)

var faultNames = map[FaultKind]string{
	FaultIllegalInstruction: "illegal instruction",
	FaultMemoryOutOfBounds:  "memory out of bounds",
	FaultUnalignedAccess:    "unaligned memory access",
	FaultUnsupportedSyscall: "unsupported syscall",
	FaultInputExhausted:     "public input exhausted",
	FaultCycleLimitExceeded: "cycle limit exceeded",
}

// Fault is a fatal execution failure. It aborts the run; no shard
// record is emitted for the faulting instruction.
type Fault struct {
	Kind   FaultKind
	Shard  uint32
	PC     uint32
	Clk    uint32
	Detail string
}

// Error implements error
func (f *Fault) Error() string {
	name := faultNames[f.Kind]
	if f.Detail != "" {
		return fmt.Sprintf("execution fault in shard %d at pc=%#x clk=%d: %s (%s)",
			f.Shard, f.PC, f.Clk, name, f.Detail)
	}
	return fmt.Sprintf("execution fault in shard %d at pc=%#x clk=%d: %s", f.Shard, f.PC, f.Clk, name)
}

// Is matches faults by kind
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && f.Kind == t.Kind
}
