package chips

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// sinkProgram exercises every instruction class: arithmetic, bitwise,
// shifts, comparison, loads/stores, all four branches, both jumps, LUI
// and the full syscall surface.
func sinkProgram(t *testing.T) *executor.Program {
	t.Helper()
	ins := func(op executor.Opcode, rd, rs1, rs2 uint8, imm uint32, useImm bool) executor.Instruction {
		return executor.Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2, Imm: imm, UseImm: useImm}
	}
	data := executor.DataBase
	code := []executor.Instruction{
		ins(executor.ADD, 6, 0, 0, 5, true),     // x6 = 5
		ins(executor.ADD, 7, 0, 0, 3, true),     // x7 = 3
		ins(executor.XOR, 12, 6, 7, 0, false),   // 6
		ins(executor.OR, 13, 6, 7, 0, false),    // 7
		ins(executor.AND, 14, 6, 7, 0, false),   // 1
		ins(executor.SLL, 15, 6, 7, 0, false),   // 40
		ins(executor.SRL, 16, 15, 0, 2, true),   // 10
		ins(executor.SLTU, 17, 7, 6, 0, false),  // 1
		ins(executor.MUL, 18, 6, 7, 0, false),   // 15
		ins(executor.SUB, 19, 6, 7, 0, false),   // 2
		ins(executor.ADD, 20, 0, 0, data, true), // x20 = DataBase
		ins(executor.SW, 0, 20, 18, 0, false),   // mem[data] = 15
		ins(executor.LW, 21, 20, 0, 0, true),    // x21 = 15
		ins(executor.BEQ, 0, 21, 18, 8, false),  // taken
		ins(executor.ADD, 22, 0, 0, 99, true),   // skipped
		ins(executor.BNE, 0, 21, 18, 8, false),  // not taken
		ins(executor.BLTU, 0, 19, 6, 8, false),  // taken
		ins(executor.ADD, 22, 0, 0, 98, true),   // skipped
		ins(executor.BGEU, 0, 19, 6, 8, false),  // not taken
		ins(executor.JAL, 23, 0, 0, 8, false),   // taken
		ins(executor.ADD, 22, 0, 0, 97, true),   // skipped
		ins(executor.ADD, 24, 0, 0, executor.CodeBase+23*4, true),
		ins(executor.JALR, 25, 24, 0, 0, false),
		ins(executor.LUI, 26, 0, 0, 0xabc00000, true),
		ins(executor.ADD, 5, 0, 0, executor.SyscallRead, true),
		ins(executor.ECALL, 0, 0, 0, 0, false), // x10 = input word
		ins(executor.ADD, 10, 0, 0, data, true),
		ins(executor.ADD, 11, 0, 0, data+0x40, true),
		ins(executor.ADD, 5, 0, 0, executor.SyscallPoseidon, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 10, 21, 0, 0, true), // output 15
		ins(executor.ADD, 5, 0, 0, executor.SyscallWrite, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
		ins(executor.ADD, 5, 0, 0, executor.SyscallHalt, true),
		ins(executor.ADD, 10, 0, 0, 0, true),
		ins(executor.ECALL, 0, 0, 0, 0, false),
	}
	p, err := executor.NewProgram(code, nil, executor.CodeBase)
	require.NoError(t, err)
	return p
}

func runSink(t *testing.T) (*executor.Program, []*executor.ExecutionRecord, []*executor.ExecutionRecord) {
	t.Helper()
	p := sinkProgram(t)
	rt := executor.NewRuntime(p, []uint32{42}, executor.DefaultLimits(), zerolog.Nop())
	recs, deferred, err := rt.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, deferred, 1)
	return p, recs, deferred
}

func testChallenges() (core.Ext, core.Ext) {
	alpha := core.Ext{A0: core.NewVal(0x1234_5678_9abc_def0), A1: core.NewVal(0x0fed_cba9_8765_4321)}
	beta := core.Ext{A0: core.NewVal(0xdead_beef_cafe_f00d), A1: core.NewVal(0x0123_4567_89ab_cdef)}
	return alpha, beta
}

// traceEvaluator checks constraints directly on the trace domain: the
// selectors become row indicators and next-row references wrap
// cyclically, so a constraint evaluates to zero exactly when the
// polynomial identity holds at this row.
func traceEvaluator(pre, main, aux *Table, cums []core.Ext, pubs []core.Val,
	alpha, beta core.Ext, r, height int) *Evaluator[core.Ext] {

	chal := []core.Ext{alpha, beta}
	return ExtEvaluator(
		func(m MatrixKind, index, offset int) core.Ext {
			row := (r + offset) % height
			if m == KindPreprocessed {
				return core.ExtFromBase(pre.At(row, index))
			}
			return core.ExtFromBase(main.At(row, index))
		},
		func(index, offset int) core.Ext {
			return core.ExtFromBase(aux.At((r+offset)%height, index))
		},
		func(i int) core.Ext { return core.ExtFromBase(pubs[i]) },
		func(i int) core.Ext { return chal[i] },
		func(i int) core.Ext { return cums[i] },
		func(k SelKind) core.Ext {
			var on bool
			switch k {
			case SelFirst:
				on = r == 0
			case SelLast:
				on = r == height-1
			case SelTransition:
				on = r != height-1
			}
			if on {
				return core.ExtOne()
			}
			return core.ExtZero()
		},
	)
}

type machineTraces struct {
	height int
	pres   []*Table
	mains  []*Table
	auxs   []*Table
	cums   [][]core.Ext
}

func generate(t *testing.T, m *Machine, prog *executor.Program, rec *executor.ExecutionRecord) *machineTraces {
	t.Helper()
	h := m.Height(prog, rec)
	pres := m.GeneratePreprocessed(prog, h)
	mains, err := m.GenerateMain(prog, rec, h)
	require.NoError(t, err)

	alpha, beta := testChallenges()
	auxs, cums, err := m.GenerateAux(pres, mains, alpha, beta)
	require.NoError(t, err)
	return &machineTraces{height: h, pres: pres, mains: mains, auxs: auxs, cums: cums}
}

func checkAllConstraints(t *testing.T, m *Machine, tr *machineTraces, pubs []core.Val) {
	t.Helper()
	alpha, beta := testChallenges()
	for i, chip := range m.Chips {
		for _, con := range chip.Constraints() {
			for r := 0; r < tr.height; r++ {
				ev := traceEvaluator(tr.pres[i], tr.mains[i], tr.auxs[i], tr.cums[i],
					pubs, alpha, beta, r, tr.height)
				v := ev.Eval(con.E)
				require.True(t, v.IsZero(),
					"chip %s constraint %s violated at row %d", chip.Name(), con.Name, r)
			}
		}
	}
}

func TestMachineDegrees(t *testing.T) {
	require.NoError(t, GuestMachine().CheckDegrees())
	require.NoError(t, DeferredMachine().CheckDegrees())
}

func TestGuestTraceSatisfiesConstraints(t *testing.T) {
	prog, recs, _ := runSink(t)
	m := GuestMachine()

	tr := generate(t, m, prog, recs[0])
	pubs := recs[0].Public.ToVals()

	checkAllConstraints(t, m, tr, pubs)

	total := TotalCumulative(tr.cums)
	require.True(t, total.IsZero(), "interaction channels do not cancel: %s", total.String())
}

func TestDeferredTraceSatisfiesConstraints(t *testing.T) {
	prog, _, deferred := runSink(t)
	m := DeferredMachine()

	tr := generate(t, m, prog, deferred[0])
	checkAllConstraints(t, m, tr, deferred[0].Public.ToVals())
	total := TotalCumulative(tr.cums)
	require.True(t, total.IsZero())
}

func TestPoseidonChipMatchesPermutation(t *testing.T) {
	prog, _, deferred := runSink(t)
	rec := deferred[0]
	require.NotEmpty(t, rec.HashEvents)

	m := DeferredMachine()
	h := m.Height(prog, rec)
	mains, err := m.GenerateMain(prog, rec, h)
	require.NoError(t, err)

	state := rec.HashEvents[0].Input
	core.PoseidonPermute(&state)
	for i := 0; i < core.PoseidonWidth; i++ {
		got := mains[0].At(PermRows-1, posState0+i)
		require.True(t, state[i].Equal(&got), "output lane %d differs", i)
	}
}

func TestTamperedTraceBreaksChannels(t *testing.T) {
	prog, recs, _ := runSink(t)
	m := GuestMachine()

	h := m.Height(prog, recs[0])
	pres := m.GeneratePreprocessed(prog, h)
	mains, err := m.GenerateMain(prog, recs[0], h)
	require.NoError(t, err)

	// claim a different ALU result on the CPU side
	mains[0].SetUint(0, cpuA, 6)

	alpha, beta := testChallenges()
	_, cums, err := m.GenerateAux(pres, mains, alpha, beta)
	require.NoError(t, err)
	total := TotalCumulative(cums)
	require.False(t, total.IsZero(),
		"tampered operand must unbalance the ALU channel")
}

func TestProgramMultiplicitiesCountFetches(t *testing.T) {
	prog, recs, _ := runSink(t)
	m := GuestMachine()

	h := m.Height(prog, recs[0])
	mains, err := m.GenerateMain(prog, recs[0], h)
	require.NoError(t, err)

	// program chip is the fifth chip of the guest machine
	var total core.Val
	progMain := mains[4]
	for r := 0; r < h; r++ {
		v := progMain.At(r, 0)
		total.Add(&total, &v)
	}
	expected := core.NewVal(uint64(len(recs[0].CPUEvents)))
	require.True(t, total.Equal(&expected))
}

// namedConstraint finds a chip constraint by name
func namedConstraint(t *testing.T, c Chip, name string) Constraint {
	t.Helper()
	for _, con := range c.Constraints() {
		if con.Name == name {
			return con
		}
	}
	t.Fatalf("chip %s has no constraint %s", c.Name(), name)
	return Constraint{}
}

func TestMemoryRequiresInitAtAddressStart(t *testing.T) {
	prog, recs, _ := runSink(t)
	m := GuestMachine()

	tr := generate(t, m, prog, recs[0])
	memMain := tr.mains[2]

	// drop the init marker on the first row of some address group
	row := -1
	for r := 0; r+1 < tr.height; r++ {
		same := memMain.At(r, memSameAddr)
		trans := memMain.At(r, memIsRealTrans)
		if same.IsZero() && !trans.IsZero() {
			row = r + 1
			break
		}
	}
	require.GreaterOrEqual(t, row, 1, "expected an address boundary in the trace")
	memMain.SetUint(row, memIsInit, 0)

	con := namedConstraint(t, m.Chips[2], "mem_init_first")
	pubs := recs[0].Public.ToVals()
	alpha, beta := testChallenges()
	ev := traceEvaluator(tr.pres[2], memMain, tr.auxs[2], tr.cums[2],
		pubs, alpha, beta, row-1, tr.height)
	v := ev.Eval(con.E)
	require.False(t, v.IsZero(),
		"an address group without an opening init row must be rejected")
}

// imageProgram loads a committed image word and halts
func imageProgram(t *testing.T) *executor.Program {
	t.Helper()
	code := []executor.Instruction{
		{Op: executor.LW, Rd: 6, Rs1: 0, Imm: executor.DataBase, UseImm: true},
		{Op: executor.ADD, Rd: 5, Rs1: 0, Imm: executor.SyscallHalt, UseImm: true},
		{Op: executor.ADD, Rd: 10, Rs1: 0, Imm: 0, UseImm: true},
		{Op: executor.ECALL},
	}
	p, err := executor.NewProgram(code, map[uint32]uint32{executor.DataBase: 9}, executor.CodeBase)
	require.NoError(t, err)
	return p
}

func TestForgedInitValueBreaksImageChannel(t *testing.T) {
	p := imageProgram(t)
	rt := executor.NewRuntime(p, nil, executor.DefaultLimits(), zerolog.Nop())
	recs, _, err := rt.Run(context.Background())
	require.NoError(t, err)

	m := GuestMachine()
	tr := generate(t, m, p, recs[0])
	checkAllConstraints(t, m, tr, recs[0].Public.ToVals())
	total := TotalCumulative(tr.cums)
	require.True(t, total.IsZero())

	h := m.Height(p, recs[0])
	pres := m.GeneratePreprocessed(p, h)
	mains, err := m.GenerateMain(p, recs[0], h)
	require.NoError(t, err)

	// claim a different value on the image-seeded init row
	memMain := mains[2]
	target := core.NewVal(uint64(executor.DataBase))
	row := -1
	for r := 0; r < h; r++ {
		img := memMain.At(r, memFromImage)
		addr := memMain.At(r, memAddr)
		if !img.IsZero() && addr.Equal(&target) {
			row = r
			break
		}
	}
	require.GreaterOrEqual(t, row, 0)
	memMain.SetUint(row, memValue, 7)

	alpha, beta := testChallenges()
	_, cums, err := m.GenerateAux(pres, mains, alpha, beta)
	require.NoError(t, err)
	forged := TotalCumulative(cums)
	require.False(t, forged.IsZero(),
		"a forged init value must unbalance the committed image channel")
}

func TestSyscallChainPinsInputDigest(t *testing.T) {
	prog, recs, _ := runSink(t)
	m := GuestMachine()

	tr := generate(t, m, prog, recs[0])

	// claim a different input digest limb in the public values
	bad := append([]core.Val(nil), recs[0].Public.ToVals()...)
	one := core.One()
	bad[PubInputDigest0].Add(&bad[PubInputDigest0], &one)

	con := namedConstraint(t, m.Chips[3], "sys_in_end")
	alpha, beta := testChallenges()
	ev := traceEvaluator(tr.pres[3], tr.mains[3], tr.auxs[3], tr.cums[3],
		bad, alpha, beta, tr.height-1, tr.height)
	v := ev.Eval(con.E)
	require.False(t, v.IsZero(),
		"a tampered input digest claim must break the chain endpoint")
}
