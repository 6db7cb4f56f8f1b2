package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Public value layout, matching executor.PublicValues.ToVals
const (
	PubShard    = 0
	PubStartPC  = 1
	PubNextPC   = 2
	PubExitCode = 3
	PubHalted   = 4
	// 8 4-byte limbs per digest: program, input, output, start state,
	// next state, deferred, start input, start output
	PubProgramDigest0     = 5
	PubInputDigest0       = 13
	PubOutputDigest0      = 21
	PubStartStateDigest0  = 29
	PubNextStateDigest0   = 37
	PubDeferredDigest0    = 45
	PubStartInputDigest0  = 53
	PubStartOutputDigest0 = 61
	PubNumVals            = 5 + 8*8
)

// Memory access kinds on the wire; init rows never enter the channel
const (
	memKindRead  = 1
	memKindWrite = 2
)

// CPU chip main columns
const (
	cpuClk = iota
	cpuPC
	cpuNextPC
	cpuOp
	cpuRd
	cpuRs1
	cpuRs2
	cpuImm
	cpuUseImm
	cpuA
	cpuB
	cpuC
	cpuMemAddr
	cpuMemValue
	cpuFlagBase // 19 one-hot opcode flags
)

const (
	cpuIsReal = cpuFlagBase + int(executor.ECALL) + 1 + iota
	cpuBranchTaken
	cpuEq
	cpuEqInv
	cpuLt
	cpuRdNonzero
	cpuRdInv
	cpuTargetPC
	cpuTargetCarry
	cpuMemCarry
	cpuNumCols
)

// CPUChip proves the fetch-decode-execute row of every cycle: program
// lookups, pc and clk sequencing, operand memory traffic and the
// delegation of arithmetic to the ALU chip.
type CPUChip struct{}

func NewCPUChip() *CPUChip { return &CPUChip{} }

func (c *CPUChip) Name() string           { return "cpu" }
func (c *CPUChip) PreprocessedWidth() int { return 0 }
func (c *CPUChip) MainWidth() int         { return cpuNumCols }

func (c *CPUChip) Rows(rec *executor.ExecutionRecord) int {
	return len(rec.CPUEvents)
}

func (c *CPUChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	return nil
}

func flag(op executor.Opcode) Expr {
	return M(cpuFlagBase + int(op))
}

func flagSum(ops ...executor.Opcode) Expr {
	exprs := make([]Expr, len(ops))
	for i, op := range ops {
		exprs[i] = flag(op)
	}
	return Add(exprs...)
}

func cpuALUFlag() Expr {
	return flagSum(executor.ADD, executor.SUB, executor.MUL, executor.XOR,
		executor.OR, executor.AND, executor.SLL, executor.SRL, executor.SLTU)
}

func cpuBranchFlag() Expr {
	return flagSum(executor.BEQ, executor.BNE, executor.BLTU, executor.BGEU)
}

// tsExpr is the access timestamp clk*SlotsPerCycle + slot
func tsExpr(clk Expr, slot uint64) Expr {
	return Add(Scale(executor.SlotsPerCycle, clk), C(slot))
}

func (c *CPUChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	t := NewTable(cpuNumCols, height)

	for r, ev := range rec.CPUEvents {
		ins := ev.Instr
		t.SetUint(r, cpuClk, uint64(ev.Clk))
		t.SetUint(r, cpuPC, uint64(ev.PC))
		t.SetUint(r, cpuNextPC, uint64(ev.NextPC))
		t.SetUint(r, cpuOp, uint64(ins.Op))
		t.SetUint(r, cpuRd, uint64(ins.Rd))
		t.SetUint(r, cpuRs1, uint64(ins.Rs1))
		t.SetUint(r, cpuRs2, uint64(ins.Rs2))
		t.SetUint(r, cpuImm, uint64(ins.Imm))
		t.SetBool(r, cpuUseImm, ins.UseImm)
		t.SetUint(r, cpuA, uint64(ev.A))
		t.SetUint(r, cpuB, uint64(ev.B))
		t.SetUint(r, cpuC, uint64(ev.C))
		t.SetUint(r, cpuMemAddr, uint64(ev.MemAddr))
		t.SetUint(r, cpuMemValue, uint64(ev.MemValue))
		t.SetUint(r, cpuFlagBase+int(ins.Op), 1)
		t.SetUint(r, cpuIsReal, 1)

		// equality witness over b and c
		if ev.B == ev.C {
			t.SetUint(r, cpuEq, 1)
		} else {
			bv, cv := core.NewVal(uint64(ev.B)), core.NewVal(uint64(ev.C))
			var diff, inv core.Val
			diff.Sub(&bv, &cv)
			inv.Inverse(&diff)
			t.Set(r, cpuEqInv, inv)
		}
		t.SetBool(r, cpuLt, ev.B < ev.C)

		switch ins.Op {
		case executor.BEQ, executor.BNE, executor.BLTU, executor.BGEU:
			var taken bool
			switch ins.Op {
			case executor.BEQ:
				taken = ev.B == ev.C
			case executor.BNE:
				taken = ev.B != ev.C
			case executor.BLTU:
				taken = ev.B < ev.C
			case executor.BGEU:
				taken = ev.B >= ev.C
			}
			t.SetBool(r, cpuBranchTaken, taken)
			sum := uint64(ev.PC) + uint64(ins.Imm)
			t.SetUint(r, cpuTargetPC, sum&0xffffffff)
			t.SetUint(r, cpuTargetCarry, sum>>32)
		case executor.JAL:
			sum := uint64(ev.PC) + uint64(ins.Imm)
			t.SetUint(r, cpuTargetPC, sum&0xffffffff)
			t.SetUint(r, cpuTargetCarry, sum>>32)
		case executor.JALR:
			sum := uint64(ev.B) + uint64(ins.Imm)
			t.SetUint(r, cpuTargetPC, sum&0xffffffff)
			t.SetUint(r, cpuTargetCarry, sum>>32)
		case executor.LW, executor.SW:
			sum := uint64(ev.B) + uint64(ev.C)
			t.SetUint(r, cpuMemCarry, sum>>32)
		}

		if ins.Rd != 0 {
			t.SetUint(r, cpuRdNonzero, 1)
			rv := core.NewVal(uint64(ins.Rd))
			var inv core.Val
			inv.Inverse(&rv)
			t.Set(r, cpuRdInv, inv)
		}
	}

	// padding satisfies the equality witness identity with b = c = 0
	for r := len(rec.CPUEvents); r < height; r++ {
		t.SetUint(r, cpuEq, 1)
	}
	return t
}

func (c *CPUChip) Constraints() []Constraint {
	var cs []Constraint

	boolCols := []int{cpuUseImm, cpuIsReal, cpuBranchTaken, cpuEq,
		cpuLt, cpuRdNonzero, cpuTargetCarry, cpuMemCarry}
	for op := executor.ADD; op <= executor.ECALL; op++ {
		boolCols = append(boolCols, cpuFlagBase+int(op))
	}
	cs = append(cs, boolConstraints("cpu_bool", boolCols...)...)

	alu := cpuALUFlag()
	branch := cpuBranchFlag()
	isLW, isSW := flag(executor.LW), flag(executor.SW)
	isJAL, isJALR := flag(executor.JAL), flag(executor.JALR)
	isLUI, isECALL := flag(executor.LUI), flag(executor.ECALL)

	// exactly one opcode flag on real rows, none on padding
	var allFlags []Expr
	opBind := Expr(C(0))
	for op := executor.ADD; op <= executor.ECALL; op++ {
		allFlags = append(allFlags, flag(op))
		opBind = Add(opBind, Scale(uint64(op), flag(op)))
	}
	cs = append(cs,
		Constraint{"cpu_one_hot", Sub(Add(allFlags...), M(cpuIsReal))},
		Constraint{"cpu_op_bind", Sub(M(cpuOp), opBind)},
	)

	// rd != 0 witness
	cs = append(cs,
		Constraint{"cpu_rd_nonzero", Sub(Mul(M(cpuRd), M(cpuRdInv)), M(cpuRdNonzero))},
		Constraint{"cpu_rd_zero", Mul(M(cpuRd), Not(M(cpuRdNonzero)))},
	)

	// equality witness: eq = (b == c)
	diff := Sub(M(cpuB), M(cpuC))
	cs = append(cs,
		Constraint{"cpu_eq_kill", Mul(diff, M(cpuEq))},
		Constraint{"cpu_eq_inv", Sub(Add(M(cpuEq), Mul(diff, M(cpuEqInv))), C(1))},
	)

	// branch decision from the equality and less-than witnesses
	taken := Add(
		Mul(flag(executor.BEQ), M(cpuEq)),
		Mul(flag(executor.BNE), Not(M(cpuEq))),
		Mul(flag(executor.BLTU), M(cpuLt)),
		Mul(flag(executor.BGEU), Not(M(cpuLt))),
	)
	cs = append(cs, Constraint{"cpu_branch_taken", Sub(M(cpuBranchTaken), taken)})

	// pc sequencing
	pcPlus4 := Add(M(cpuPC), C(executor.WordSize))
	seq := Add(alu, isLW, isSW, isLUI, isECALL)
	cs = append(cs,
		Constraint{"cpu_pc_seq", Mul(seq, Sub(M(cpuNextPC), pcPlus4))},
		Constraint{"cpu_pc_branch", Mul(branch, Add(
			Mul(M(cpuBranchTaken), Sub(M(cpuNextPC), M(cpuTargetPC))),
			Mul(Not(M(cpuBranchTaken)), Sub(M(cpuNextPC), pcPlus4)),
		))},
		Constraint{"cpu_pc_jump", Mul(Add(isJAL, isJALR), Sub(M(cpuNextPC), M(cpuTargetPC)))},
	)

	// jump/branch target with 32-bit wraparound
	targetBase := Add(Mul(isJALR, M(cpuB)), Mul(Add(branch, isJAL), M(cpuPC)))
	cs = append(cs, Constraint{"cpu_target", Mul(Add(branch, isJAL, isJALR),
		Sub(Add(M(cpuTargetPC), Scale(1<<32, M(cpuTargetCarry))),
			Add(targetBase, M(cpuImm))))})

	// link register and LUI results
	cs = append(cs,
		Constraint{"cpu_link", Mul(Add(isJAL, isJALR), Sub(M(cpuA), pcPlus4))},
		Constraint{"cpu_lui", Mul(isLUI, Sub(M(cpuA), M(cpuImm)))},
	)

	// immediate operand binding
	cs = append(cs,
		Constraint{"cpu_alu_imm", Mul(alu, M(cpuUseImm), Sub(M(cpuC), M(cpuImm)))},
		Constraint{"cpu_mem_imm", Mul(Add(isLW, isSW), Sub(M(cpuC), M(cpuImm)))},
	)

	// memory address and value of loads and stores
	cs = append(cs,
		Constraint{"cpu_mem_addr", Mul(Add(isLW, isSW),
			Sub(Add(M(cpuMemAddr), Scale(1<<32, M(cpuMemCarry))),
				Add(M(cpuB), M(cpuC))))},
		Constraint{"cpu_mem_value", Mul(Add(isLW, isSW), Sub(M(cpuMemValue), M(cpuA)))},
	)

	// row-to-row continuity: clk increments, pc chains, padding is a
	// suffix
	cs = append(cs,
		Constraint{"cpu_clk_chain", Mul(Sel(SelTransition), MN(cpuIsReal),
			Sub(MN(cpuClk), Add(M(cpuClk), C(1))))},
		Constraint{"cpu_pc_chain", Mul(Sel(SelTransition), MN(cpuIsReal),
			Sub(MN(cpuPC), M(cpuNextPC)))},
		Constraint{"cpu_real_suffix", Mul(Sel(SelTransition), Not(M(cpuIsReal)), MN(cpuIsReal))},
	)

	// public value binding: the shard starts at StartPC, stops at
	// NextPC, and a halting shard ends on the halt ECALL with the
	// declared exit code
	lastRealT := Mul(Sel(SelTransition), M(cpuIsReal), Not(MN(cpuIsReal)))
	lastRealL := Mul(Sel(SelLast), M(cpuIsReal))
	cs = append(cs,
		Constraint{"cpu_pv_start", Mul(Sel(SelFirst), M(cpuIsReal), Sub(M(cpuPC), Pub(PubStartPC)))},
		Constraint{"cpu_pv_next_t", Mul(lastRealT, Sub(M(cpuNextPC), Pub(PubNextPC)))},
		Constraint{"cpu_pv_next_l", Mul(lastRealL, Sub(M(cpuNextPC), Pub(PubNextPC)))},
		Constraint{"cpu_pv_halt_op_t", Mul(lastRealT, Pub(PubHalted), Not(isECALL))},
		Constraint{"cpu_pv_halt_op_l", Mul(lastRealL, Pub(PubHalted), Not(isECALL))},
		Constraint{"cpu_pv_halt_id_t", Mul(lastRealT, Pub(PubHalted), M(cpuA))},
		Constraint{"cpu_pv_halt_id_l", Mul(lastRealL, Pub(PubHalted), M(cpuA))},
		Constraint{"cpu_pv_exit_t", Mul(lastRealT, Pub(PubHalted), Sub(M(cpuB), Pub(PubExitCode)))},
		Constraint{"cpu_pv_exit_l", Mul(lastRealL, Pub(PubHalted), Sub(M(cpuB), Pub(PubExitCode)))},
	)

	cs = append(cs, AuxConstraints("cpu", c.Interactions())...)
	return cs
}

func (c *CPUChip) Interactions() []Interaction {
	alu := cpuALUFlag()
	branch := cpuBranchFlag()
	isLW, isSW := flag(executor.LW), flag(executor.SW)
	isJAL, isJALR := flag(executor.JAL), flag(executor.JALR)
	isLUI, isECALL := flag(executor.LUI), flag(executor.ECALL)
	clk := M(cpuClk)

	regAddr := func(reg Expr) Expr { return Scale(executor.WordSize, reg) }

	// rs2 carries the stored value on SW rows and the second operand
	// otherwise
	rs2Value := Add(Mul(isSW, M(cpuA)), Mul(Not(isSW), M(cpuC)))
	rs2Mult := Add(Mul(alu, Not(M(cpuUseImm))), branch, isSW)

	rdMult := Mul(Add(alu, isLW, isJAL, isJALR, isLUI), M(cpuRdNonzero))

	ramKind := Add(Scale(memKindRead, isLW), Scale(memKindWrite, isSW))

	return []Interaction{
		// instruction fetch against the committed program
		Send(ChannelProgram, M(cpuIsReal),
			M(cpuPC), M(cpuOp), M(cpuRd), M(cpuRs1), M(cpuRs2), M(cpuImm), M(cpuUseImm)),

		// arithmetic delegation
		Send(ChannelALU, alu, clk, M(cpuOp), M(cpuA), M(cpuB), M(cpuC)),

		// unsigned comparison backing BLTU/BGEU
		Send(ChannelALU, Add(flag(executor.BLTU), flag(executor.BGEU)),
			clk, C(uint64(executor.SLTU)), M(cpuLt), M(cpuB), M(cpuC)),

		// operand register traffic
		Send(ChannelMemory, Add(alu, isLW, isSW, branch, isJALR),
			regAddr(M(cpuRs1)), tsExpr(clk, executor.SlotRs1), M(cpuB), C(memKindRead)),
		Send(ChannelMemory, rs2Mult,
			regAddr(M(cpuRs2)), tsExpr(clk, executor.SlotRs2), rs2Value, C(memKindRead)),
		Send(ChannelMemory, rdMult,
			regAddr(M(cpuRd)), tsExpr(clk, executor.SlotRd), M(cpuA), C(memKindWrite)),

		// RAM traffic of loads and stores
		Send(ChannelMemory, Add(isLW, isSW),
			M(cpuMemAddr), tsExpr(clk, executor.SlotRAM), M(cpuMemValue), ramKind),

		// ECALL rows resolve on the syscall chip
		Send(ChannelSyscall, isECALL, clk, M(cpuA), M(cpuB), M(cpuC)),
	}
}
