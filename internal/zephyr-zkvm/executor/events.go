package executor

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// CPUEvent is one executed instruction: one row of the CPU chip
type CPUEvent struct {
	Clk    uint32
	PC     uint32
	NextPC uint32
	Instr  Instruction

	// A is the result written to Rd, B the value of Rs1, C the second
	// operand (Rs2 value or immediate)
	A uint32
	B uint32
	C uint32

	// Memory access of LW/SW instructions
	MemAddr  uint32
	MemValue uint32
}

// MemOpKind distinguishes memory event kinds
type MemOpKind uint8

const (
	// MemInit seeds an address with its value at shard entry
	MemInit MemOpKind = iota
	// MemRead is a load
	MemRead
	// MemWrite is a store
	MemWrite
)

// Memory access slots. Every access of an instruction gets a fixed
// slot so the access timestamp ts = clk*SlotsPerCycle + slot is unique
// and the sending chip can reconstruct it structurally.
const (
	SlotsPerCycle = 32

	SlotRs1      = 0
	SlotRs2      = 1
	SlotRd       = 2
	SlotRAM      = 3
	SlotSysID    = 4
	SlotSysArg0  = 5
	SlotSysArg1  = 6
	SlotSysRet   = 7
	SlotPrecompR = 8  // 8..15: precompile input reads
	SlotPrecompW = 16 // 16..19: precompile output writes
)

// MemoryEvent is one access recorded for the memory-consistency chip
type MemoryEvent struct {
	Addr  uint32
	Clk   uint32
	Slot  uint32
	Value uint32
	Kind  MemOpKind

	// Image marks a first-shard init row carried by the program's
	// committed init image
	Image bool
}

// Timestamp returns the unique access timestamp. Init events seed the
// shard and sort before every real access of their address.
func (e MemoryEvent) Timestamp() uint64 {
	if e.Kind == MemInit {
		return 0
	}
	return uint64(e.Clk)*SlotsPerCycle + uint64(e.Slot)
}

// ALUEvent is one arithmetic/logic operation delegated to the ALU chip
type ALUEvent struct {
	Clk uint32
	Op  Opcode
	A   uint32 // result
	B   uint32
	C   uint32
	// UseImm mirrors the instruction flag so the ALU row binds to the
	// exact CPU-side claim
	UseImm bool
}

// SyscallEvent is one ECALL row of the syscall chip. The chip carries
// the memory traffic a syscall performs beyond the fixed CPU access
// pattern: the argument register reads and any precompile RAM words.
type SyscallEvent struct {
	Clk  uint32
	ID   uint32
	Arg0 uint32
	Arg1 uint32

	// RetWord is the input word READ delivered into arg0
	RetWord uint32
	HasRet  bool

	// Precompile RAM traffic
	IsPrecompile bool
	In           [8]uint32
	Out          [4]uint32
}

// PrecompileEvent is one Poseidon2 permutation requested via ECALL.
// These are proved by the deferred hash machine, not inlined into the
// main trace.
type PrecompileEvent struct {
	Clk       uint32
	InputPtr  uint32
	OutputPtr uint32
	Input     [8]uint32
	StateOut  [core.PoseidonWidth]uint64
}

// encode produces the canonical encoding bound into deferred digests
func (e PrecompileEvent) encode() []byte {
	buf := make([]byte, 0, 4*11+8*8)
	buf = binary.LittleEndian.AppendUint32(buf, e.Clk)
	buf = binary.LittleEndian.AppendUint32(buf, e.InputPtr)
	buf = binary.LittleEndian.AppendUint32(buf, e.OutputPtr)
	for _, w := range e.Input {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	for _, w := range e.StateOut {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

// PublicValues is the public-value vector of one shard proof. It binds
// the program identity, the control-flow boundary state, the IO stream
// digests and the deferred-precompile linkage.
type PublicValues struct {
	ProgramDigest common.Hash
	Shard         uint32
	StartPC       uint32
	NextPC        uint32
	ExitCode      uint32
	Halted        bool

	// Running Poseidon digests of the public input consumed and public
	// output produced up to the end of this shard. The Start values pin
	// the chain at shard entry so the syscall chip can constrain the
	// shard's contribution in-circuit.
	InputDigest       common.Hash
	OutputDigest      common.Hash
	StartInputDigest  common.Hash
	StartOutputDigest common.Hash

	// Continuation chain: NextStateDigest of shard i must equal
	// StartStateDigest of shard i+1
	StartStateDigest common.Hash
	NextStateDigest  common.Hash

	// DeferredDigest is the running digest over deferred precompile
	// chunks; only the halting shard carries the final value
	DeferredDigest common.Hash
}

// ToVals packs the public values into field elements for transcript
// binding and in-circuit consumption. Hashes are split into 4-byte
// limbs so every element is far below the modulus.
func (pv *PublicValues) ToVals() []core.Val {
	out := make([]core.Val, 0, 5+8*8)
	halted := uint64(0)
	if pv.Halted {
		halted = 1
	}
	out = append(out,
		core.NewVal(uint64(pv.Shard)),
		core.NewVal(uint64(pv.StartPC)),
		core.NewVal(uint64(pv.NextPC)),
		core.NewVal(uint64(pv.ExitCode)),
		core.NewVal(halted),
	)
	for _, h := range []common.Hash{
		pv.ProgramDigest, pv.InputDigest, pv.OutputDigest,
		pv.StartStateDigest, pv.NextStateDigest, pv.DeferredDigest,
		pv.StartInputDigest, pv.StartOutputDigest,
	} {
		for i := 0; i < 8; i++ {
			out = append(out, core.NewVal(uint64(binary.LittleEndian.Uint32(h[i*4:]))))
		}
	}
	return out
}
