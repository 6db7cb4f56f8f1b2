package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// sumProgram reads two input words, writes their sum and halts with
// exit code 0
func sumProgram(t *testing.T) *Program {
	t.Helper()
	code := []Instruction{
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallRead, UseImm: true},
		{Op: ECALL},
		{Op: ADD, Rd: 6, Rs1: RegArg0, Imm: 0, UseImm: true},
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallRead, UseImm: true},
		{Op: ECALL},
		{Op: ADD, Rd: RegArg0, Rs1: RegArg0, Rs2: 6},
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallWrite, UseImm: true},
		{Op: ECALL},
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallHalt, UseImm: true},
		{Op: ADD, Rd: RegArg0, Rs1: RegZero, Imm: 0, UseImm: true},
		{Op: ECALL},
	}
	p, err := NewProgram(code, nil, CodeBase)
	require.NoError(t, err)
	return p
}

func run(t *testing.T, p *Program, input []uint32, limits Limits) (*Runtime, []*ExecutionRecord, []*ExecutionRecord) {
	t.Helper()
	rt := NewRuntime(p, input, limits, zerolog.Nop())
	recs, deferred, err := rt.Run(context.Background())
	require.NoError(t, err)
	return rt, recs, deferred
}

func TestSumProgram(t *testing.T) {
	rt, recs, deferred := run(t, sumProgram(t), []uint32{3, 4}, DefaultLimits())

	require.Equal(t, []uint32{7}, rt.PublicOutput())
	require.Equal(t, uint32(0), rt.ExitCode())
	require.Len(t, recs, 1)
	require.Empty(t, deferred)

	pv := recs[0].Public
	require.True(t, pv.Halted)
	require.Equal(t, uint32(0), pv.ExitCode)
	require.Equal(t, sumProgram(t).Digest(), pv.ProgramDigest)
}

func TestDeterministicShardShape(t *testing.T) {
	p := sumProgram(t)

	_, recs1, _ := run(t, p, []uint32{3, 4}, DefaultLimits())
	_, recs2, _ := run(t, p, []uint32{3, 4}, DefaultLimits())

	require.Equal(t, len(recs1), len(recs2))
	for i := range recs1 {
		require.Equal(t, recs1[i].Stats(), recs2[i].Stats(), "shard %d row counts differ", i)
		require.Equal(t, recs1[i].Public, recs2[i].Public, "shard %d public values differ", i)
	}
}

// loopProgram runs a counted loop long enough to force shard splits:
//
//	x6 = n; loop: x6 = x6 - 1; bne x6, x0, loop; halt
func loopProgram(t *testing.T, n uint32) *Program {
	t.Helper()
	code := []Instruction{
		{Op: ADD, Rd: 6, Rs1: RegZero, Imm: n, UseImm: true},
		{Op: SUB, Rd: 6, Rs1: 6, Imm: 1, UseImm: true},
		{Op: BNE, Rs1: 6, Rs2: RegZero, Imm: ^uint32(3)}, // pc - 4
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallHalt, UseImm: true},
		{Op: ADD, Rd: RegArg0, Rs1: RegZero, Imm: 0, UseImm: true},
		{Op: ECALL},
	}
	p, err := NewProgram(code, nil, CodeBase)
	require.NoError(t, err)
	return p
}

func TestShardSplittingAndContinuation(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxShardCycles = 64

	_, recs, _ := run(t, loopProgram(t, 200), nil, limits)
	require.Greater(t, len(recs), 1, "expected the loop to split into multiple shards")

	totalCycles := 0
	for i, rec := range recs {
		require.LessOrEqual(t, len(rec.CPUEvents), limits.MaxShardCycles)
		totalCycles += len(rec.CPUEvents)

		// continuation chain: each shard resumes exactly where the
		// previous one stopped
		if i > 0 {
			require.Equal(t, recs[i-1].Public.NextPC, rec.Public.StartPC)
			require.Equal(t, recs[i-1].Public.NextStateDigest, rec.Public.StartStateDigest)
			require.Equal(t, recs[i-1].Public.Shard+1, rec.Public.Shard)
		}
		// only the last shard halts
		require.Equal(t, i == len(recs)-1, rec.Public.Halted)
	}

	// no instruction is split or dropped across boundaries
	_, oneShot, _ := run(t, loopProgram(t, 200), nil, DefaultLimits())
	require.Len(t, oneShot, 1)
	require.Equal(t, len(oneShot[0].CPUEvents), totalCycles)
}

func TestUnsupportedSyscallFault(t *testing.T) {
	code := []Instruction{
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: 999, UseImm: true},
		{Op: ECALL},
	}
	p, err := NewProgram(code, nil, CodeBase)
	require.NoError(t, err)

	rt := NewRuntime(p, nil, DefaultLimits(), zerolog.Nop())
	recs, deferred, err := rt.Run(context.Background())
	require.Nil(t, recs)
	require.Nil(t, deferred)

	var fault *Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, FaultUnsupportedSyscall, fault.Kind)
	require.Equal(t, uint32(0), fault.Shard)
}

func TestMemoryFaults(t *testing.T) {
	tests := []struct {
		name string
		ins  Instruction
		kind FaultKind
	}{
		{"unaligned", Instruction{Op: LW, Rd: 6, Rs1: RegZero, Imm: DataBase + 1, UseImm: true}, FaultUnalignedAccess},
		{"below data base", Instruction{Op: SW, Rs1: RegZero, Rs2: 6, Imm: 0x100}, FaultMemoryOutOfBounds},
		{"beyond limit", Instruction{Op: LW, Rd: 6, Rs1: RegZero, Imm: MemLimit, UseImm: true}, FaultMemoryOutOfBounds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewProgram([]Instruction{tc.ins}, nil, CodeBase)
			require.NoError(t, err)

			rt := NewRuntime(p, nil, DefaultLimits(), zerolog.Nop())
			_, _, err = rt.Run(context.Background())

			var fault *Fault
			require.ErrorAs(t, err, &fault)
			require.Equal(t, tc.kind, fault.Kind)
		})
	}
}

func TestCycleLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxTotalCycles = 100

	p := loopProgram(t, 1000)
	rt := NewRuntime(p, nil, limits, zerolog.Nop())
	_, _, err := rt.Run(context.Background())

	var fault *Fault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, FaultCycleLimitExceeded, fault.Kind)
}

func TestPoseidonPrecompileDeferred(t *testing.T) {
	// store 8 words at DataBase, hash them to DataBase+0x100, halt
	code := []Instruction{}
	for i := 0; i < 8; i++ {
		code = append(code,
			Instruction{Op: ADD, Rd: 6, Rs1: RegZero, Imm: uint32(i + 1), UseImm: true},
			Instruction{Op: ADD, Rd: 7, Rs1: RegZero, Imm: DataBase + uint32(i*4), UseImm: true},
			Instruction{Op: SW, Rs1: 7, Rs2: 6, Imm: 0},
		)
	}
	code = append(code,
		Instruction{Op: ADD, Rd: RegArg0, Rs1: RegZero, Imm: DataBase, UseImm: true},
		Instruction{Op: ADD, Rd: RegArg1, Rs1: RegZero, Imm: DataBase + 0x100, UseImm: true},
		Instruction{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallPoseidon, UseImm: true},
		Instruction{Op: ECALL},
		Instruction{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallHalt, UseImm: true},
		Instruction{Op: ADD, Rd: RegArg0, Rs1: RegZero, Imm: 0, UseImm: true},
		Instruction{Op: ECALL},
	)
	p, err := NewProgram(code, nil, CodeBase)
	require.NoError(t, err)

	_, recs, deferred := run(t, p, nil, DefaultLimits())
	require.Len(t, deferred, 1)
	require.Len(t, deferred[0].PrecompileEvents, 1)
	require.Equal(t, [8]uint32{1, 2, 3, 4, 5, 6, 7, 8}, deferred[0].PrecompileEvents[0].Input)

	// the halting shard carries the final deferred digest
	last := recs[len(recs)-1]
	require.Equal(t, deferred[0].Public.DeferredDigest, last.Public.DeferredDigest)
	require.NotEqual(t, common.Hash{}, last.Public.DeferredDigest)
}

func TestClockStartsAboveInitTimestamps(t *testing.T) {
	_, recs, _ := run(t, sumProgram(t), []uint32{3, 4}, DefaultLimits())

	rec := recs[0]
	require.NotEmpty(t, rec.CPUEvents)
	require.Equal(t, uint32(1), rec.CPUEvents[0].Clk)

	// init rows own timestamp zero exclusively, so the ordering
	// argument's strict increase holds for the first real access
	for _, ev := range rec.MemEvents {
		if ev.Kind == MemInit {
			require.Equal(t, uint64(0), ev.Timestamp())
			continue
		}
		require.Greater(t, ev.Timestamp(), uint64(0),
			"access at %#x shares the init timestamp", ev.Addr)
	}
}

func TestFirstShardSeedsInitImage(t *testing.T) {
	image := map[uint32]uint32{DataBase: 9, DataBase + 8: 5}
	code := []Instruction{
		{Op: LW, Rd: 6, Rs1: RegZero, Imm: DataBase, UseImm: true},
		{Op: ADD, Rd: RegSyscall, Rs1: RegZero, Imm: SyscallHalt, UseImm: true},
		{Op: ADD, Rd: RegArg0, Rs1: RegZero, Imm: 0, UseImm: true},
		{Op: ECALL},
	}
	p, err := NewProgram(code, image, CodeBase)
	require.NoError(t, err)

	_, recs, _ := run(t, p, nil, DefaultLimits())

	seeded := map[uint32]uint32{}
	for _, ev := range recs[0].MemEvents {
		if !ev.Image {
			continue
		}
		require.Equal(t, MemInit, ev.Kind)
		_, dup := seeded[ev.Addr]
		require.False(t, dup, "address %#x seeded twice", ev.Addr)
		seeded[ev.Addr] = ev.Value
	}

	// the image rows are exactly the committed seeding: the zeroed
	// register file plus the static image
	want := p.InitImage()
	require.Len(t, seeded, len(want))
	for _, e := range want {
		v, ok := seeded[e.Addr]
		require.True(t, ok, "image address %#x not seeded", e.Addr)
		require.Equal(t, e.Value, v)
	}
}

func TestIODigestChainBindsSyscallWords(t *testing.T) {
	rt, recs, _ := run(t, sumProgram(t), []uint32{3, 4}, DefaultLimits())

	pv := recs[0].Public
	require.Equal(t, common.Hash{}, pv.StartInputDigest)
	require.Equal(t, common.Hash{}, pv.StartOutputDigest)
	require.Equal(t, ChainDigest(common.Hash{}, []uint32{3, 4}), pv.InputDigest)
	require.Equal(t, ChainDigest(common.Hash{}, rt.PublicOutput()), pv.OutputDigest)

	// one delegated permutation per chained word: two reads, one write
	require.Len(t, recs[0].HashEvents, 3)
}

func TestCancellationBetweenShards(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxShardCycles = 16

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := NewRuntime(loopProgram(t, 10000), nil, limits, zerolog.Nop())
	_, _, err := rt.Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}
