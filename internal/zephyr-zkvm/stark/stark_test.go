package stark

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Proving is the expensive part, so the guest fixture is built once and
// shared; mutation tests copy before tampering.
var (
	fixtureOnce     sync.Once
	fixtureVK       *VerifyingKey
	fixtureProof    *Proof
	fixtureDeferred *Proof
	fixtureDefVK    *VerifyingKey
	fixtureErr      error
)

func buildFixture(t *testing.T) {
	t.Helper()
	fixtureOnce.Do(func() {
		prog := testProgram()
		rt := executor.NewRuntime(prog, []uint32{3, 4}, executor.DefaultLimits(), zerolog.Nop())
		recs, deferred, err := rt.Run(context.Background())
		if err != nil {
			fixtureErr = err
			return
		}

		cfg := DefaultConfig()
		pk, vk, err := Setup(cfg, chips.GuestMachine(), prog, zerolog.Nop())
		if err != nil {
			fixtureErr = err
			return
		}
		proof, err := pk.Prove(recs[0])
		if err != nil {
			fixtureErr = err
			return
		}

		dpk, dvk, err := Setup(cfg, chips.DeferredMachine(), prog, zerolog.Nop())
		if err != nil {
			fixtureErr = err
			return
		}
		dproof, err := dpk.Prove(deferred[0])
		if err != nil {
			fixtureErr = err
			return
		}

		fixtureVK = vk
		fixtureProof = proof
		fixtureDefVK = dvk
		fixtureDeferred = dproof
	})
	require.NoError(t, fixtureErr)
}

// testProgram computes and checks a + b from two input words, touching
// every proof channel along the way
func testProgram() *executor.Program {
	ins := func(op executor.Opcode, rd, rs1, rs2 uint8, imm uint32, useImm bool) executor.Instruction {
		return executor.Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2, Imm: imm, UseImm: useImm}
	}
	data := executor.DataBase
	code := []executor.Instruction{
		ins(executor.ADD, 5, 0, 0, executor.SyscallRead, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 6, 10, 0, 0, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 7, 6, 10, 0, false),
		ins(executor.XOR, 8, 6, 10, 0, false),
		ins(executor.SLL, 9, 7, 0, 1, true),
		ins(executor.SLTU, 12, 6, 10, 0, false),
		ins(executor.ADD, 20, 0, 0, data, true),
		ins(executor.SW, 0, 20, 7, 0, false),
		ins(executor.LW, 21, 20, 0, 0, true),
		ins(executor.BEQ, 0, 21, 7, 8, false),
		ins(executor.ADD, 22, 0, 0, 99, true),
		ins(executor.ADD, 10, 0, 0, data, true),
		ins(executor.ADD, 11, 0, 0, data+0x40, true),
		ins(executor.ADD, 5, 0, 0, executor.SyscallPoseidon, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 10, 21, 0, 0, true),
		ins(executor.ADD, 5, 0, 0, executor.SyscallWrite, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 5, 0, 0, executor.SyscallHalt, true),
		ins(executor.ADD, 10, 0, 0, 0, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
	}
	p, _ := executor.NewProgram(code, nil, executor.CodeBase)
	return p
}

func TestChallengerIsDeterministic(t *testing.T) {
	a := NewChallenger()
	b := NewChallenger()
	for i := uint64(0); i < 10; i++ {
		a.Observe(core.NewVal(i))
		b.Observe(core.NewVal(i))
	}
	for i := 0; i < 8; i++ {
		va, vb := a.SampleVal(), b.SampleVal()
		require.True(t, va.Equal(&vb))
	}

	// one diverging observation changes every later sample
	c := NewChallenger()
	c.Observe(core.NewVal(1))
	d := NewChallenger()
	d.Observe(core.NewVal(2))
	vc, vd := c.SampleVal(), d.SampleVal()
	require.False(t, vc.Equal(&vd))
}

func TestChallengerObserveInvalidatesPendingOutput(t *testing.T) {
	a := NewChallenger()
	a.Observe(core.NewVal(7))
	_ = a.SampleVal()
	a.Observe(core.NewVal(8))

	b := NewChallenger()
	b.Observe(core.NewVal(7))
	_ = b.SampleVal()
	b.Observe(core.NewVal(9))

	va, vb := a.SampleVal(), b.SampleVal()
	require.False(t, va.Equal(&vb))
}

func TestFRIRoundTripOnLowDegreeCodeword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumQueries = 16
	hasher := core.PoseidonHasher{}

	logM := 9
	n := (1 << logM) >> cfg.LogBlowup
	coeffs := make([]core.Val, n)
	for i := range coeffs {
		coeffs[i] = core.NewVal(uint64(i)*0x9e37 + 11)
	}
	evals, err := cosetEvaluate(coeffs, logM, core.CosetShift())
	require.NoError(t, err)
	cw := make([]core.Ext, len(evals))
	for i, v := range evals {
		cw[i] = core.ExtFromBase(v)
	}

	ch := NewChallenger()
	st, err := friCommit(cw, cfg, hasher, ch)
	require.NoError(t, err)

	proof := FRIProof{Roots: st.roots, FinalPoly: st.final}
	for qi := 0; qi < cfg.NumQueries; qi++ {
		idx := ch.SampleBits(logM)
		steps, err := st.querySteps(idx, logM)
		require.NoError(t, err)
		q := FRIQuery{Steps: steps}

		halfM := 1 << (logM - 1)
		lo := idx % halfM
		require.NoError(t, friVerifyQuery(&proof, &q, frozenBetas(t, &proof, cfg, logM), logM,
			idx, cw[lo], cw[lo+halfM], hasher), "query %d", qi)
	}
}

// frozenBetas replays the fold challenges on a fresh transcript, the
// way the verifier does
func frozenBetas(t *testing.T, p *FRIProof, cfg Config, logM int) []core.Ext {
	t.Helper()
	ch := NewChallenger()
	betas, err := friReplayChallenges(p, cfg, logM, ch)
	require.NoError(t, err)
	return betas
}

func TestGuestProofVerifies(t *testing.T) {
	buildFixture(t)
	require.NoError(t, fixtureVK.Verify(fixtureProof))
}

func TestDeferredProofVerifies(t *testing.T) {
	buildFixture(t)
	require.NoError(t, fixtureDefVK.Verify(fixtureDeferred))
}

func TestVerifyRejectsMutatedPublicValues(t *testing.T) {
	buildFixture(t)

	p := *fixtureProof
	p.Public.ExitCode = 7
	require.Error(t, fixtureVK.Verify(&p))

	p = *fixtureProof
	p.Public.OutputDigest[0] ^= 1
	require.Error(t, fixtureVK.Verify(&p))
}

func TestVerifyRejectsTamperedOpening(t *testing.T) {
	buildFixture(t)

	p := *fixtureProof
	p.Opened.Chips = append([]ChipOpenings(nil), fixtureProof.Opened.Chips...)
	p.Opened.Chips[0].MainLocal = append([]core.Ext(nil), fixtureProof.Opened.Chips[0].MainLocal...)
	one := core.ExtOne()
	p.Opened.Chips[0].MainLocal[0].Add(&p.Opened.Chips[0].MainLocal[0], &one)

	err := fixtureVK.Verify(&p)
	require.Error(t, err)
}

func TestVerifyRejectsUnbalancedChannels(t *testing.T) {
	buildFixture(t)

	p := *fixtureProof
	p.Cumulative = make([][]core.Ext, len(fixtureProof.Cumulative))
	for i, cs := range fixtureProof.Cumulative {
		p.Cumulative[i] = append([]core.Ext(nil), cs...)
	}
	one := core.ExtOne()
	p.Cumulative[0][0].Add(&p.Cumulative[0][0], &one)

	err := fixtureVK.Verify(&p)
	var cerr *ConstraintError
	require.ErrorAs(t, err, &cerr)
}

func TestVerifyRejectsBitFlippedRoot(t *testing.T) {
	buildFixture(t)

	p := *fixtureProof
	p.MainRoot[3] ^= 0x40
	require.Error(t, fixtureVK.Verify(&p))
}

func TestVerifyRejectsWrongProgram(t *testing.T) {
	buildFixture(t)

	other, err := executor.NewProgram([]executor.Instruction{
		{Op: executor.ADD, Rd: 5, UseImm: true, Imm: executor.SyscallHalt},
		{Op: executor.ECALL},
	}, nil, executor.CodeBase)
	require.NoError(t, err)

	_, vk, err := Setup(DefaultConfig(), chips.GuestMachine(), other, zerolog.Nop())
	require.NoError(t, err)
	require.Error(t, vk.Verify(fixtureProof))
}

func TestProveRejectsForgedInitImage(t *testing.T) {
	code := []executor.Instruction{
		{Op: executor.LW, Rd: 6, Rs1: 0, Imm: executor.DataBase, UseImm: true},
		{Op: executor.ADD, Rd: 5, Rs1: 0, Imm: executor.SyscallHalt, UseImm: true},
		{Op: executor.ADD, Rd: 10, Rs1: 0, Imm: 0, UseImm: true},
		{Op: executor.ECALL},
	}
	prog, err := executor.NewProgram(code, map[uint32]uint32{executor.DataBase: 9}, executor.CodeBase)
	require.NoError(t, err)

	rt := executor.NewRuntime(prog, nil, executor.DefaultLimits(), zerolog.Nop())
	recs, _, err := rt.Run(context.Background())
	require.NoError(t, err)

	pk, vk, err := Setup(DefaultConfig(), chips.GuestMachine(), prog, zerolog.Nop())
	require.NoError(t, err)

	proof, err := pk.Prove(recs[0])
	require.NoError(t, err)
	require.NoError(t, vk.Verify(proof))

	// forge the seeded value of the image address; the init channel
	// receive no longer matches the key's committed send
	bad := *recs[0]
	bad.MemEvents = append([]executor.MemoryEvent(nil), recs[0].MemEvents...)
	forged := false
	for i, ev := range bad.MemEvents {
		if ev.Image && ev.Addr == executor.DataBase {
			bad.MemEvents[i].Value = 7
			forged = true
		}
	}
	require.True(t, forged)

	_, err = pk.Prove(&bad)
	require.Error(t, err)
}

func TestVerifyRejectsTamperedInputDigest(t *testing.T) {
	prog := testProgram()
	rt := executor.NewRuntime(prog, []uint32{3, 4}, executor.DefaultLimits(), zerolog.Nop())
	recs, _, err := rt.Run(context.Background())
	require.NoError(t, err)

	pk, vk, err := Setup(DefaultConfig(), chips.GuestMachine(), prog, zerolog.Nop())
	require.NoError(t, err)

	// claim a different input digest before proving: every channel
	// still balances, so the proof completes, and only the chain
	// endpoint identity can catch the lie
	bad := *recs[0]
	bad.Public.InputDigest[0] ^= 1

	proof, err := pk.Prove(&bad)
	require.NoError(t, err)
	require.Error(t, vk.Verify(proof))
}

func TestCosetInterpolateRoundTrip(t *testing.T) {
	logN := 5
	shift := core.CosetShift()
	coeffs := make([]core.Val, 1<<logN)
	for i := range coeffs {
		coeffs[i] = core.NewVal(uint64(i*i + 3))
	}
	evals, err := cosetEvaluate(coeffs, logN, shift)
	require.NoError(t, err)
	back, err := cosetInterpolate(evals, shift)
	require.NoError(t, err)
	for i := range coeffs {
		require.True(t, coeffs[i].Equal(&back[i]), "coefficient %d", i)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.LogBlowup = 1 // below the constraint degree
	require.Error(t, bad.Validate())

	bad = cfg
	bad.NumQueries = 0
	require.Error(t, bad.Validate())

	require.Equal(t, cfg.LogBlowup, FromUtils(utils.DefaultConfig()).LogBlowup)
}
