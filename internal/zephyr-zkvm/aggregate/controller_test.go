package aggregate

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/recursion"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

func testConfig() stark.Config {
	return stark.Config{LogBlowup: 2, NumQueries: 2, FinalPolyMaxDegree: 3, Hasher: "poseidon2"}
}

// testProgram reads two words, adds them, runs the Poseidon precompile
// once so a deferred shard exists, writes the sum and halts
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
		ins(executor.ADD, 10, 0, 0, data, true),
		ins(executor.ADD, 11, 0, 0, data+0x40, true),
		ins(executor.ADD, 5, 0, 0, executor.SyscallPoseidon, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 10, 7, 0, 0, true),
		ins(executor.ADD, 5, 0, 0, executor.SyscallWrite, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 5, 0, 0, executor.SyscallHalt, true),
		ins(executor.ADD, 10, 0, 0, 0, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
	}
	p, _ := executor.NewProgram(code, nil, executor.CodeBase)
	return p
}

// Leaf proving and the reduction prove are the expensive parts; built
// once and shared. Tampering tests copy before mutating.
var (
	fixtureOnce   sync.Once
	fixtureLeaves []Leaf
	fixtureResult *Result
	fixtureErr    error
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

		cfg := testConfig()
		pk, vk, err := stark.Setup(cfg, chips.GuestMachine(), prog, zerolog.Nop())
		if err != nil {
			fixtureErr = err
			return
		}
		dpk, dvk, err := stark.Setup(cfg, chips.DeferredMachine(), prog, zerolog.Nop())
		if err != nil {
			fixtureErr = err
			return
		}

		var leaves []Leaf
		for _, rec := range recs {
			p, err := pk.Prove(rec)
			if err != nil {
				fixtureErr = err
				return
			}
			leaves = append(leaves, Leaf{Proof: p, VK: vk})
		}
		for _, rec := range deferred {
			p, err := dpk.Prove(rec)
			if err != nil {
				fixtureErr = err
				return
			}
			leaves = append(leaves, Leaf{Proof: p, VK: dvk, Deferred: true})
		}

		ctrl, err := NewController(cfg, 2, zerolog.Nop())
		if err != nil {
			fixtureErr = err
			return
		}
		res, err := ctrl.Aggregate(context.Background(), leaves)
		if err != nil {
			fixtureErr = err
			return
		}
		fixtureLeaves = leaves
		fixtureResult = res
	})
	require.NoError(t, fixtureErr)
}

func TestAggregateProducesVerifiableRoot(t *testing.T) {
	buildFixture(t)
	res := fixtureResult

	require.NoError(t, res.VK.Verify(res.Proof))
	require.NoError(t, CheckSeals(res.Levels, 2))
	require.Equal(t, res.Proof.Public.OutputDigest, res.Levels[len(res.Levels)-1][0].OutputDigest)

	require.Equal(t, uint32(0), res.Public.ExitCode)
	require.Equal(t, uint32(1), res.Public.ShardCount)
	require.Equal(t, fixtureLeaves[0].Proof.Public.ProgramDigest, res.Public.ProgramDigest)
	require.NotEqual(t, common.Hash{}, res.Public.DeferredDigest)

	vk, ok := LookupVerifyingKey(res.Public.VerifierDigest)
	require.True(t, ok)
	require.NoError(t, vk.Verify(res.Proof))
}

func TestAggregateRootSealsLeafStatements(t *testing.T) {
	buildFixture(t)

	var pubs []executor.PublicValues
	for _, lf := range fixtureLeaves {
		pubs = append(pubs, lf.Proof.Public)
	}
	want := common.Hash(recursion.ReducedStatementDigest(pubs))
	require.Equal(t, want, fixtureResult.Proof.Public.OutputDigest)
}

func TestAggregateAttributesTamperedLeaf(t *testing.T) {
	buildFixture(t)

	bad := make([]Leaf, len(fixtureLeaves))
	copy(bad, fixtureLeaves)
	p := *bad[0].Proof
	p.MainRoot[5] ^= 0x20
	bad[0].Proof = &p

	ctrl, err := NewController(testConfig(), 2, zerolog.Nop())
	require.NoError(t, err)
	_, err = ctrl.Aggregate(context.Background(), bad)

	var fault *AggregationFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, 0, fault.Leaf)
	require.Equal(t, uint32(0), fault.Shard)
}

func TestAggregateRejectsMissingHalt(t *testing.T) {
	buildFixture(t)

	bad := make([]Leaf, len(fixtureLeaves))
	copy(bad, fixtureLeaves)
	p := *bad[0].Proof
	p.Public.Halted = false
	bad[0].Proof = &p

	ctrl, err := NewController(testConfig(), 2, zerolog.Nop())
	require.NoError(t, err)
	_, err = ctrl.Aggregate(context.Background(), bad)

	var fault *AggregationFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, 0, fault.Leaf)
}

func TestAggregateRejectsDeferredDigestMismatch(t *testing.T) {
	buildFixture(t)

	bad := make([]Leaf, len(fixtureLeaves))
	copy(bad, fixtureLeaves)
	last := len(bad) - 1
	require.True(t, bad[last].Deferred)
	p := *bad[last].Proof
	p.Public.DeferredDigest[0] ^= 1
	bad[last].Proof = &p

	ctrl, err := NewController(testConfig(), 2, zerolog.Nop())
	require.NoError(t, err)
	_, err = ctrl.Aggregate(context.Background(), bad)

	var fault *AggregationFault
	require.ErrorAs(t, err, &fault)
	require.Equal(t, last, fault.Leaf)
}

func TestAggregateRejectsLeafOrder(t *testing.T) {
	buildFixture(t)

	// deferred before core
	bad := []Leaf{fixtureLeaves[len(fixtureLeaves)-1], fixtureLeaves[0]}
	ctrl, err := NewController(testConfig(), 2, zerolog.Nop())
	require.NoError(t, err)
	_, err = ctrl.Aggregate(context.Background(), bad)

	var fault *AggregationFault
	require.ErrorAs(t, err, &fault)
}

func TestCheckSealsDetectsMismatch(t *testing.T) {
	buildFixture(t)

	levels := make([][]executor.PublicValues, len(fixtureResult.Levels))
	for i, l := range fixtureResult.Levels {
		levels[i] = append([]executor.PublicValues(nil), l...)
	}
	levels[len(levels)-1][0].OutputDigest[7] ^= 1
	require.Error(t, CheckSeals(levels, 2))
}

func TestControllerValidatesArity(t *testing.T) {
	_, err := NewController(testConfig(), 1, zerolog.Nop())
	require.Error(t, err)
	_, err = NewController(testConfig(), 5, zerolog.Nop())
	require.Error(t, err)
	_, err = NewController(testConfig(), 3, zerolog.Nop())
	require.NoError(t, err)
}
