// Package executor interprets ZV32 programs, the 32-bit register ISA of
// the guest, and turns executions into bounded-size shard records that
// the chip set arithmetizes.
package executor

import "fmt"

// Opcode identifies a ZV32 instruction
type Opcode uint8

const (
	// ALU
	ADD Opcode = iota
	SUB
	MUL
	XOR
	OR
	AND
	SLL
	SRL
	SLTU

	// Memory
	LW
	SW

	// Control flow
	BEQ
	BNE
	BLTU
	BGEU
	JAL
	JALR

	// Upper immediate
	LUI

	// Environment call
	ECALL

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	"add", "sub", "mul", "xor", "or", "and", "sll", "srl", "sltu",
	"lw", "sw",
	"beq", "bne", "bltu", "bgeu", "jal", "jalr",
	"lui",
	"ecall",
}

// String returns the mnemonic
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsALU reports whether the opcode is handled by the ALU chip
func (op Opcode) IsALU() bool {
	return op <= SLTU
}

// IsBranch reports whether the opcode is a conditional branch
func (op Opcode) IsBranch() bool {
	return op >= BEQ && op <= BGEU
}

// Instruction is one decoded ZV32 instruction. Operand c is either the
// value of Rs2 or Imm, selected by UseImm.
type Instruction struct {
	Op     Opcode
	Rd     uint8
	Rs1    uint8
	Rs2    uint8
	Imm    uint32
	UseImm bool
}

// Valid checks register bounds and opcode range
func (ins Instruction) Valid() bool {
	return ins.Op < numOpcodes && ins.Rd < NumRegisters && ins.Rs1 < NumRegisters && ins.Rs2 < NumRegisters
}

// String renders the instruction for fault messages and logs
func (ins Instruction) String() string {
	if ins.UseImm {
		return fmt.Sprintf("%s x%d, x%d, %d", ins.Op, ins.Rd, ins.Rs1, int32(ins.Imm))
	}
	return fmt.Sprintf("%s x%d, x%d, x%d", ins.Op, ins.Rd, ins.Rs1, ins.Rs2)
}

// Register conventions
const (
	// NumRegisters is the size of the register file; x0 is wired to zero
	NumRegisters = 32

	// RegZero is hardwired to zero
	RegZero = 0
	// RegSyscall selects the syscall (t0)
	RegSyscall = 5
	// RegArg0 is the first syscall argument / return register (a0)
	RegArg0 = 10
	// RegArg1 is the second syscall argument (a1)
	RegArg1 = 11
)

// Syscall numbers
const (
	SyscallHalt     uint32 = 0
	SyscallRead     uint32 = 1
	SyscallWrite    uint32 = 2
	SyscallPoseidon uint32 = 3
)

// WordSize is the memory access granularity in bytes
const WordSize = 4
