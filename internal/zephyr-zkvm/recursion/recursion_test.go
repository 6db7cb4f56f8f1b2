package recursion

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

func TestFreezeRejectsUnwrittenRead(t *testing.T) {
	_, err := freeze([]Instr{{Op: OpAdd, Out: 2, A: 0, B: 1}}, 3, 0)
	require.ErrorContains(t, err, "unwritten cell")
}

func TestFreezeRejectsRewrite(t *testing.T) {
	instrs := []Instr{
		{Op: OpWitness, Out: 0},
		{Op: OpWitness, Out: 0},
	}
	_, err := freeze(instrs, 1, 2)
	require.ErrorContains(t, err, "rewrites cell")
}

func TestExecuteLimbsRecompose(t *testing.T) {
	b := NewBuilder()
	x := b.Witness()
	lo, hi := b.Limbs(x)
	sum := b.Add(lo, b.MulConst(hi, core.NewVal(1<<32)))
	b.AssertEq(sum, x)
	prog, err := b.Freeze()
	require.NoError(t, err)

	_, err = Execute(prog, []core.Val{core.NewVal(0x0123_4567_89ab_cdef)}, executor.PublicValues{})
	require.NoError(t, err)
}

func TestExecuteInverse(t *testing.T) {
	b := NewBuilder()
	x := b.Witness()
	y := b.Inv(x)
	b.AssertEq(b.Mul(x, y), b.ConstU(1))
	prog, err := b.Freeze()
	require.NoError(t, err)

	_, err = Execute(prog, []core.Val{core.NewVal(5)}, executor.PublicValues{})
	require.NoError(t, err)

	var execErr *ExecError
	_, err = Execute(prog, []core.Val{core.Zero()}, executor.PublicValues{})
	require.ErrorAs(t, err, &execErr)
}

func TestExecuteAssertByte(t *testing.T) {
	b := NewBuilder()
	b.AssertByte(b.Witness())
	prog, err := b.Freeze()
	require.NoError(t, err)

	_, err = Execute(prog, []core.Val{core.NewVal(255)}, executor.PublicValues{})
	require.NoError(t, err)
	_, err = Execute(prog, []core.Val{core.NewVal(256)}, executor.PublicValues{})
	require.Error(t, err)
}

func TestExecutePermuteMatchesNative(t *testing.T) {
	b := NewBuilder()
	var in [core.PoseidonWidth]Felt
	for i := range in {
		in[i] = b.Witness()
	}
	out := b.Permute(in)
	var state [core.PoseidonWidth]core.Val
	ws := make([]core.Val, core.PoseidonWidth)
	for i := range state {
		state[i] = core.NewVal(uint64(i) + 11)
		ws[i] = state[i]
	}
	core.PoseidonPermute(&state)
	for i := range out {
		b.AssertEq(out[i], b.Const(state[i]))
	}
	prog, err := b.Freeze()
	require.NoError(t, err)

	rec, err := Execute(prog, ws, executor.PublicValues{})
	require.NoError(t, err)
	require.Len(t, rec.HashEvents, 1)
}

// The end-to-end fixture verifies a small deferred-machine proof in
// circuit form. Built once; compiling and executing the verifier is the
// expensive part of this package's tests.
var fixtureOnce sync.Once
var fx struct {
	vk      *stark.VerifyingKey
	proof   *stark.Proof
	circuit *Program
	witness []core.Val
	pub     executor.PublicValues
	rec     *executor.ExecutionRecord
	err     error
}

func fixture(t *testing.T) {
	t.Helper()
	fixtureOnce.Do(func() {
		cfg := stark.Config{LogBlowup: 2, NumQueries: 2, FinalPolyMaxDegree: 3, Hasher: "poseidon2"}
		m := chips.DeferredMachine()
		prog, err := executor.NewProgram(
			[]executor.Instruction{{Op: executor.ECALL}}, nil, executor.CodeBase)
		if err != nil {
			fx.err = err
			return
		}

		var ev0, ev1 executor.HashEvent
		ev1.PermID = 1
		for i := 0; i < core.PoseidonWidth; i++ {
			ev0.Input[i] = core.NewVal(uint64(i) + 1)
			ev1.Input[i] = core.NewVal(uint64(i) * 17)
		}
		inner := &executor.ExecutionRecord{
			Kind:       executor.RecordDeferred,
			Shard:      1,
			HashEvents: []executor.HashEvent{ev0, ev1},
			Public: executor.PublicValues{
				ProgramDigest: prog.Digest(),
				Shard:         1,
				Halted:        true,
			},
		}

		pk, vk, err := stark.Setup(cfg, m, prog, zerolog.Nop())
		if err != nil {
			fx.err = err
			return
		}
		proof, err := pk.Prove(inner)
		if err != nil {
			fx.err = err
			return
		}
		if err := vk.Verify(proof); err != nil {
			fx.err = err
			return
		}

		circuit, err := VerifierProgram(vk, proof.LogHeight)
		if err != nil {
			fx.err = err
			return
		}

		pub := executor.PublicValues{
			Shard:        1,
			Halted:       true,
			OutputDigest: common.Hash(StatementDigest(proof.Public)),
		}
		witness := ProofWitness(proof)
		rec, err := Execute(circuit, witness, pub)
		if err != nil {
			fx.err = err
			return
		}
		fx.vk, fx.proof, fx.circuit = vk, proof, circuit
		fx.witness, fx.pub, fx.rec = witness, pub, rec
	})
	require.NoError(t, fx.err)
}

func TestVerifierCircuitAcceptsProof(t *testing.T) {
	fixture(t)
	require.NotEmpty(t, fx.rec.CircuitEvents)
	require.NotEmpty(t, fx.rec.HashEvents)
}

func TestVerifierProgramIsMemoized(t *testing.T) {
	fixture(t)
	again, err := VerifierProgram(fx.vk, fx.proof.LogHeight)
	require.NoError(t, err)
	require.Same(t, fx.circuit, again)
}

func TestVerifierCircuitRejectsTamperedWitness(t *testing.T) {
	fixture(t)
	bad := append([]core.Val(nil), fx.witness...)
	// corrupt a main-commitment root lane
	lane := chips.PubNumVals
	var one core.Val
	one.SetOne()
	bad[lane].Add(&bad[lane], &one)

	var execErr *ExecError
	_, err := Execute(fx.circuit, bad, fx.pub)
	require.ErrorAs(t, err, &execErr)
}

func TestVerifierCircuitRejectsTamperedOpening(t *testing.T) {
	fixture(t)
	bad := append([]core.Val(nil), fx.witness...)
	var one core.Val
	one.SetOne()
	// an out-of-domain opening sits past the public values and roots
	idx := chips.PubNumVals + 12 + 4
	bad[idx].Add(&bad[idx], &one)

	_, err := Execute(fx.circuit, bad, fx.pub)
	require.Error(t, err)
}

func TestVerifierCircuitRejectsWrongSeal(t *testing.T) {
	fixture(t)
	pub := fx.pub
	pub.OutputDigest[0] ^= 1

	var execErr *ExecError
	_, err := Execute(fx.circuit, fx.witness, pub)
	require.ErrorAs(t, err, &execErr)
}

func TestRecursionMachineTracesBalance(t *testing.T) {
	fixture(t)
	m := NewRecursionMachine(fx.circuit)
	require.NoError(t, m.CheckDegrees())

	host, err := HostProgram(fx.circuit)
	require.NoError(t, err)

	h := m.Height(host, fx.rec)
	pres := m.GeneratePreprocessed(host, h)
	mains, err := m.GenerateMain(host, fx.rec, h)
	require.NoError(t, err)

	alpha := core.Ext{A0: core.NewVal(0x1234_5678_9abc_def0), A1: core.NewVal(0x0fed_cba9_8765_4321)}
	beta := core.Ext{A0: core.NewVal(0xdead_beef_cafe_f00d), A1: core.NewVal(0x0123_4567_89ab_cdef)}
	auxs, cums, err := m.GenerateAux(pres, mains, alpha, beta)
	require.NoError(t, err)

	total := chips.TotalCumulative(cums)
	require.True(t, total.IsZero(), "interaction channels must cancel")

	// spot-check the constraint identities on a row sample; the full
	// domain is covered by the quotient argument itself
	pubs := fx.pub.ToVals()
	chal := []core.Ext{alpha, beta}
	rows := sampleRows(h)
	for ci, chip := range m.Chips {
		pre, main, aux := pres[ci], mains[ci], auxs[ci]
		for _, r := range rows {
			ev := chips.ExtEvaluator(
				func(kind chips.MatrixKind, index, offset int) core.Ext {
					row := (r + offset) % h
					if kind == chips.KindPreprocessed {
						return core.ExtFromBase(pre.At(row, index))
					}
					return core.ExtFromBase(main.At(row, index))
				},
				func(index, offset int) core.Ext {
					return core.ExtFromBase(aux.At((r+offset)%h, index))
				},
				func(i int) core.Ext { return core.ExtFromBase(pubs[i]) },
				func(i int) core.Ext { return chal[i] },
				func(i int) core.Ext { return cums[ci][i] },
				func(k chips.SelKind) core.Ext {
					var on bool
					switch k {
					case chips.SelFirst:
						on = r == 0
					case chips.SelLast:
						on = r == h-1
					case chips.SelTransition:
						on = r != h-1
					}
					if on {
						return core.ExtOne()
					}
					return core.ExtZero()
				},
			)
			for _, con := range chip.Constraints() {
				v := ev.Eval(con.E)
				require.True(t, v.IsZero(),
					"chip %s constraint %s fails at row %d", chip.Name(), con.Name, r)
			}
		}
	}
}

// sampleRows picks the boundary rows plus a stride through the interior
func sampleRows(h int) []int {
	rows := []int{0, 1, h - 2, h - 1}
	for r := 2; r < h-2; r += 997 {
		rows = append(rows, r)
	}
	return rows
}

func TestCircuitDigestIsStable(t *testing.T) {
	b := NewBuilder()
	x := b.Witness()
	b.AssertZero(b.Sub(x, x))
	p1, err := b.Freeze()
	require.NoError(t, err)

	b2 := NewBuilder()
	y := b2.Witness()
	b2.AssertZero(b2.Sub(y, y))
	p2, err := b2.Freeze()
	require.NoError(t, err)

	require.Equal(t, p1.Digest(), p2.Digest())

	b3 := NewBuilder()
	z := b3.Witness()
	b3.AssertZero(z)
	p3, err := b3.Freeze()
	require.NoError(t, err)
	require.NotEqual(t, p1.Digest(), p3.Digest())
}
