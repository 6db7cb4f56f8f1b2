package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// ALU chip main columns
const (
	aluClk = iota
	aluOp
	aluA
	aluB
	aluC
	aluFlagBase // 9 one-hot flags, ADD..SLTU
	aluIsReal   = aluFlagBase + 9
	aluABytes0  = aluIsReal + 1
	// aux byte groups: MUL high word / SLTU difference / SRL remainder
	// in group 1, the SRL slack pow-1-rem in group 2, the shift
	// quotient in group 3
	aluAux10  = aluABytes0 + 4
	aluAux20  = aluAux10 + 4
	aluAux30  = aluAux20 + 4
	aluCarry  = aluAux30 + 4
	aluShamt  = aluCarry + 1
	aluPow    = aluShamt + 1
	aluBNib0  = aluPow + 1
	aluCNib0  = aluBNib0 + 8
	aluANib0  = aluCNib0 + 8
	aluNumCols = aluANib0 + 8
)

// ALUChip proves the 32-bit arithmetic delegated by the CPU: wraparound
// add/sub/mul, bitwise ops through nibble lookups, shifts through
// power-of-two lookups, and unsigned comparison.
type ALUChip struct{}

func NewALUChip() *ALUChip { return &ALUChip{} }

func (c *ALUChip) Name() string           { return "alu" }
func (c *ALUChip) PreprocessedWidth() int { return 0 }
func (c *ALUChip) MainWidth() int         { return aluNumCols }

func (c *ALUChip) Rows(rec *executor.ExecutionRecord) int {
	return len(rec.ALUEvents)
}

func (c *ALUChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	return nil
}

func aluFlag(op executor.Opcode) Expr {
	return M(aluFlagBase + int(op))
}

func setBytes(t *Table, r, base int, v uint64) {
	for i := 0; i < 4; i++ {
		t.SetUint(r, base+i, (v>>(8*i))&0xff)
	}
}

func setNibbles(t *Table, r, base int, v uint32) {
	for i := 0; i < 8; i++ {
		t.SetUint(r, base+i, uint64(v>>(4*i))&0xf)
	}
}

func (c *ALUChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	t := NewTable(aluNumCols, height)

	for r, ev := range rec.ALUEvents {
		t.SetUint(r, aluClk, uint64(ev.Clk))
		t.SetUint(r, aluOp, uint64(ev.Op))
		t.SetUint(r, aluA, uint64(ev.A))
		t.SetUint(r, aluB, uint64(ev.B))
		t.SetUint(r, aluC, uint64(ev.C))
		t.SetUint(r, aluFlagBase+int(ev.Op), 1)
		t.SetUint(r, aluIsReal, 1)

		switch ev.Op {
		case executor.ADD:
			t.SetUint(r, aluCarry, (uint64(ev.B)+uint64(ev.C))>>32)
			setBytes(t, r, aluABytes0, uint64(ev.A))
		case executor.SUB:
			t.SetUint(r, aluCarry, (uint64(ev.A)+uint64(ev.C)-uint64(ev.B))>>32)
			setBytes(t, r, aluABytes0, uint64(ev.A))
		case executor.MUL:
			prod := uint64(ev.B) * uint64(ev.C)
			setBytes(t, r, aluABytes0, uint64(ev.A))
			setBytes(t, r, aluAux10, prod>>32)
		case executor.XOR, executor.OR, executor.AND:
			setNibbles(t, r, aluBNib0, ev.B)
			setNibbles(t, r, aluCNib0, ev.C)
			setNibbles(t, r, aluANib0, ev.A)
		case executor.SLL:
			s := ev.C & 31
			t.SetUint(r, aluShamt, uint64(s))
			t.SetUint(r, aluPow, 1<<s)
			prod := uint64(ev.B) << s
			setBytes(t, r, aluABytes0, uint64(ev.A))
			setBytes(t, r, aluAux10, prod>>32)
			setBytes(t, r, aluAux30, uint64(ev.C>>5))
		case executor.SRL:
			s := ev.C & 31
			pow := uint32(1) << s
			rem := ev.B & (pow - 1)
			t.SetUint(r, aluShamt, uint64(s))
			t.SetUint(r, aluPow, uint64(pow))
			setBytes(t, r, aluABytes0, uint64(ev.A))
			setBytes(t, r, aluAux10, uint64(rem))
			setBytes(t, r, aluAux20, uint64(pow-1-rem))
			setBytes(t, r, aluAux30, uint64(ev.C>>5))
		case executor.SLTU:
			d := uint64(ev.B) - uint64(ev.C) + uint64(ev.A)<<32
			setBytes(t, r, aluABytes0, uint64(ev.A))
			setBytes(t, r, aluAux10, d)
		}
	}
	return t
}

func byteSum(base int) Expr {
	return Add(M(base), Scale(1<<8, M(base+1)), Scale(1<<16, M(base+2)), Scale(1<<24, M(base+3)))
}

func nibSum(base int) Expr {
	xs := make([]Expr, 8)
	for i := 0; i < 8; i++ {
		xs[i] = Scale(1<<(4*i), M(base+i))
	}
	return Add(xs...)
}

func (c *ALUChip) Constraints() []Constraint {
	boolCols := []int{aluIsReal, aluCarry}
	for op := executor.ADD; op <= executor.SLTU; op++ {
		boolCols = append(boolCols, aluFlagBase+int(op))
	}
	cs := boolConstraints("alu_bool", boolCols...)

	var allFlags []Expr
	opBind := Expr(C(0))
	for op := executor.ADD; op <= executor.SLTU; op++ {
		allFlags = append(allFlags, aluFlag(op))
		opBind = Add(opBind, Scale(uint64(op), aluFlag(op)))
	}
	cs = append(cs,
		Constraint{"alu_one_hot", Sub(Add(allFlags...), M(aluIsReal))},
		Constraint{"alu_op_bind", Sub(M(aluOp), opBind)},
	)

	a, b, cc := M(aluA), M(aluB), M(aluC)
	isShift := Add(aluFlag(executor.SLL), aluFlag(executor.SRL))
	isBit := Add(aluFlag(executor.XOR), aluFlag(executor.OR), aluFlag(executor.AND))
	arith := Add(aluFlag(executor.ADD), aluFlag(executor.SUB), aluFlag(executor.MUL),
		aluFlag(executor.SLTU), isShift)

	cs = append(cs,
		// add/sub with 32-bit wraparound
		Constraint{"alu_add", Mul(aluFlag(executor.ADD),
			Sub(Add(b, cc), Add(a, Scale(1<<32, M(aluCarry)))))},
		Constraint{"alu_sub", Mul(aluFlag(executor.SUB),
			Sub(Add(a, cc), Add(b, Scale(1<<32, M(aluCarry)))))},

		// mul: b*c splits exactly into the result and the high word
		Constraint{"alu_mul", Mul(aluFlag(executor.MUL),
			Sub(Mul(b, cc), Add(a, Scale(1<<32, byteSum(aluAux10)))))},

		// unsigned comparison: b - c + a*2^32 lands in [0, 2^32)
		Constraint{"alu_sltu_bool", Mul(aluFlag(executor.SLTU), boolExpr(a))},
		Constraint{"alu_sltu", Mul(aluFlag(executor.SLTU),
			Sub(Add(Sub(b, cc), Scale(1<<32, a)), byteSum(aluAux10)))},

		// bitwise via nibble decomposition; the pair lookups both
		// compute the result and bound every nibble
		Constraint{"alu_bit_b", Mul(isBit, Sub(b, nibSum(aluBNib0)))},
		Constraint{"alu_bit_c", Mul(isBit, Sub(cc, nibSum(aluCNib0)))},
		Constraint{"alu_bit_a", Mul(isBit, Sub(a, nibSum(aluANib0)))},

		// shift amount: c = shamt + 32*q with shamt bound by the
		// power-of-two table
		Constraint{"alu_shamt", Mul(isShift,
			Sub(cc, Add(M(aluShamt), Scale(32, byteSum(aluAux30)))))},
		Constraint{"alu_sll", Mul(aluFlag(executor.SLL),
			Sub(Mul(b, M(aluPow)), Add(a, Scale(1<<32, byteSum(aluAux10)))))},
		Constraint{"alu_srl", Mul(aluFlag(executor.SRL),
			Sub(b, Add(Mul(a, M(aluPow)), byteSum(aluAux10))))},
		// rem < pow: pow - 1 - rem decomposes into bytes
		Constraint{"alu_srl_slack", Mul(aluFlag(executor.SRL),
			Sub(byteSum(aluAux20), Sub(Sub(M(aluPow), C(1)), byteSum(aluAux10))))},

		// results of the arithmetic class are range checked bytewise
		Constraint{"alu_a_bytes", Mul(arith, Sub(a, byteSum(aluABytes0)))},
	)

	cs = append(cs, AuxConstraints("alu", c.Interactions())...)
	return cs
}

func (c *ALUChip) Interactions() []Interaction {
	isShift := Add(aluFlag(executor.SLL), aluFlag(executor.SRL))
	isBit := Add(aluFlag(executor.XOR), aluFlag(executor.OR), aluFlag(executor.AND))
	arith := Add(aluFlag(executor.ADD), aluFlag(executor.SUB), aluFlag(executor.MUL),
		aluFlag(executor.SLTU), isShift)
	aux1Mult := Add(aluFlag(executor.MUL), aluFlag(executor.SLTU), isShift)

	nibOp := Add(
		Scale(uint64(executor.XOR), aluFlag(executor.XOR)),
		Scale(uint64(executor.OR), aluFlag(executor.OR)),
		Scale(uint64(executor.AND), aluFlag(executor.AND)),
	)

	ins := []Interaction{
		Receive(ChannelALU, M(aluIsReal), M(aluClk), M(aluOp), M(aluA), M(aluB), M(aluC)),
		Send(ChannelPow2, isShift, M(aluShamt), M(aluPow)),
	}
	for i := 0; i < 8; i++ {
		ins = append(ins, Send(ChannelNibbleOp, isBit,
			nibOp, M(aluBNib0+i), M(aluCNib0+i), M(aluANib0+i)))
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelRange8, arith, M(aluABytes0+i)))
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelRange8, aux1Mult, M(aluAux10+i)))
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelRange8, aluFlag(executor.SRL), M(aluAux20+i)))
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelRange8, isShift, M(aluAux30+i)))
	}
	return ins
}
