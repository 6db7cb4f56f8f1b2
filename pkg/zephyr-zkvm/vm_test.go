package zephyrzkvm

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.NumQueries = 2
	cfg.MaxTotalCycles = 1 << 20
	return cfg
}

// sumProgram reads two input words, writes their sum and halts with
// exit code 0
func sumProgram(t *testing.T) *Program {
	t.Helper()
	ins := func(op Opcode, rd, rs1, rs2 uint8, imm uint32, useImm bool) Instruction {
		return Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2, Imm: imm, UseImm: useImm}
	}
	code := []Instruction{
		ins(ADD, 5, 0, 0, SyscallRead, true),
		ins(ECALL, 0, 0, 0, 0, false),
		ins(ADD, 6, 10, 0, 0, true),
		ins(ECALL, 0, 0, 0, 0, false),
		ins(ADD, 7, 6, 10, 0, false),
		ins(ADD, 10, 7, 0, 0, true),
		ins(ADD, 5, 0, 0, SyscallWrite, true),
		ins(ECALL, 0, 0, 0, 0, false),
		ins(ADD, 5, 0, 0, SyscallHalt, true),
		ins(ADD, 10, 0, 0, 0, true),
		ins(ECALL, 0, 0, 0, 0, false),
	}
	p, err := NewProgram(code, nil, CodeBase)
	require.NoError(t, err)
	return p
}

// The full pipeline run is the expensive part; built once and shared.
// Tampering tests round-trip a copy before mutating.
var (
	sumOnce  sync.Once
	sumProof *RecursiveProof
	sumProg  *Program
	sumErr   error
)

func proveSum(t *testing.T) {
	t.Helper()
	sumOnce.Do(func() {
		sumProg = sumProgram(t)
		sumProof, sumErr = Prove(context.Background(), sumProg, []uint32{3, 4}, testConfig())
	})
	require.NoError(t, sumErr)
}

func copyProof(t *testing.T, p *RecursiveProof) *RecursiveProof {
	t.Helper()
	data, err := p.MarshalBinary()
	require.NoError(t, err)
	var out RecursiveProof
	require.NoError(t, out.UnmarshalBinary(data))
	return &out
}

func TestProveSumAndVerify(t *testing.T) {
	proveSum(t)

	require.Equal(t, []uint32{3, 4}, sumProof.PublicInput())
	require.Equal(t, []uint32{7}, sumProof.PublicOutput())
	require.Equal(t, uint32(0), sumProof.ExitCode())
	require.Equal(t, sumProg.Digest(), sumProof.ProgramDigest())

	require.NoError(t, Verify(sumProof, sumProg.Digest()))
}

func TestVerifyRejectsMutatedOutput(t *testing.T) {
	proveSum(t)

	p := copyProof(t, sumProof)
	p.Stdout[0][0] = 8
	err := Verify(p, sumProg.Digest())
	require.ErrorIs(t, err, &Error{Code: ErrVerification})

	p = copyProof(t, sumProof)
	p.Levels[0][0].OutputDigest[3] ^= 1
	require.Error(t, Verify(p, sumProg.Digest()))

	p = copyProof(t, sumProof)
	p.Summary.ExitCode = 7
	require.Error(t, Verify(p, sumProg.Digest()))
}

func TestVerifyRejectsWrongProgramDigest(t *testing.T) {
	proveSum(t)

	other := sumProg.Digest()
	other[0] ^= 1
	require.Error(t, Verify(sumProof, other))
}

func TestUnsupportedSyscallIsExecutionFault(t *testing.T) {
	ins := func(op Opcode, rd uint8, imm uint32) Instruction {
		return Instruction{Op: op, Rd: rd, Imm: imm, UseImm: true}
	}
	prog, err := NewProgram([]Instruction{
		ins(ADD, 5, 99),
		{Op: ECALL},
	}, nil, CodeBase)
	require.NoError(t, err)

	proof, err := Prove(context.Background(), prog, nil, testConfig())
	require.Nil(t, proof)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrExecution, perr.Code)

	var fault *ExecutionFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, executor.FaultUnsupportedSyscall, fault.Kind)
}

func TestProofRoundTripIsByteStable(t *testing.T) {
	proveSum(t)

	a, err := sumProof.MarshalBinary()
	require.NoError(t, err)
	b, err := sumProof.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, a, b)

	var decoded RecursiveProof
	require.NoError(t, decoded.UnmarshalBinary(a))
	c, err := decoded.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, a, c)

	require.NoError(t, Verify(&decoded, sumProg.Digest()))
}

func TestDecodeFaultIsNotRejection(t *testing.T) {
	var p RecursiveProof
	err := p.UnmarshalBinary([]byte("not a proof"))

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrDecode, perr.Code)
	require.NotErrorIs(t, err, &Error{Code: ErrVerification})
	require.NotErrorIs(t, err, &Error{Code: ErrConstraintViolation})
}

func TestVerifyShard(t *testing.T) {
	proveSum(t)

	scfg := stark.FromUtils(testConfig())
	pk, vk, err := stark.Setup(scfg, chips.GuestMachine(), sumProg, zerolog.Nop())
	require.NoError(t, err)

	rt := executor.NewRuntime(sumProg, []uint32{3, 4}, executor.DefaultLimits(), zerolog.Nop())
	recs, _, err := rt.Run(context.Background())
	require.NoError(t, err)

	proof, err := pk.Prove(recs[0])
	require.NoError(t, err)
	require.NoError(t, VerifyShard(proof, vk))

	bad := *proof
	bad.Public.ExitCode = 1
	err = VerifyShard(&bad, vk)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrConstraintViolation, perr.Code)
}

func TestWrapInputs(t *testing.T) {
	proveSum(t)

	pv, vkDigest, err := sumProof.WrapInputs()
	require.NoError(t, err)
	require.NotEmpty(t, pv)
	require.Equal(t, sumProof.Summary.VerifierDigest, vkDigest)

	again, _, err := sumProof.WrapInputs()
	require.NoError(t, err)
	require.Equal(t, pv, again)
}
