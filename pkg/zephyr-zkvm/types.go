package zephyrzkvm

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Aliases re-exporting the proving core's types. Consumers build guest
// programs and drive the pipeline through these names without touching
// internal packages.
type (
	// Program is an executable guest image
	Program = executor.Program
	// Instruction is one decoded ZV32 instruction
	Instruction = executor.Instruction
	// Opcode identifies a ZV32 instruction
	Opcode = executor.Opcode
	// PublicValues is the per-shard public statement
	PublicValues = executor.PublicValues
	// ExecutionFault is a fatal guest execution failure
	ExecutionFault = executor.Fault

	// ShardProof is a single-shard STARK proof
	ShardProof = stark.Proof
	// VerifyingKey verifies shard proofs for one machine and program
	VerifyingKey = stark.VerifyingKey

	// Config is the pipeline configuration
	Config = utils.Config
)

// Guest ISA opcodes
const (
	ADD   = executor.ADD
	SUB   = executor.SUB
	MUL   = executor.MUL
	XOR   = executor.XOR
	OR    = executor.OR
	AND   = executor.AND
	SLL   = executor.SLL
	SRL   = executor.SRL
	SLTU  = executor.SLTU
	LW    = executor.LW
	SW    = executor.SW
	BEQ   = executor.BEQ
	BNE   = executor.BNE
	BLTU  = executor.BLTU
	BGEU  = executor.BGEU
	JAL   = executor.JAL
	JALR  = executor.JALR
	LUI   = executor.LUI
	ECALL = executor.ECALL
)

// Syscall numbers and address-space anchors
const (
	SyscallHalt     = executor.SyscallHalt
	SyscallRead     = executor.SyscallRead
	SyscallWrite    = executor.SyscallWrite
	SyscallPoseidon = executor.SyscallPoseidon

	CodeBase = executor.CodeBase
	DataBase = executor.DataBase
)

// NewProgram validates the code and builds a guest image
func NewProgram(code []Instruction, image map[uint32]uint32, entry uint32) (*Program, error) {
	return executor.NewProgram(code, image, entry)
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() *Config {
	return utils.DefaultConfig()
}

// LoadConfig reads a YAML configuration file
func LoadConfig(path string) (*Config, error) {
	return utils.LoadConfig(path)
}
