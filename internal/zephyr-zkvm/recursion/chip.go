package recursion

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Circuit chip preprocessed columns. Row r encodes instruction r of the
// frozen program: the opcode as one-hot flags, the operand cell
// addresses, the immediate, and the read count that drives the
// single-assignment memory argument. The verifier recomputes this trace
// from the program, so it needs no internal consistency constraints.
const (
	cirIsConst = iota
	cirIsWitness
	cirIsAdd
	cirIsSub
	cirIsMul
	cirIsInv
	cirIsHintByte
	cirIsHintBit
	cirIsAssertZero
	cirIsAssertByte
	cirIsAssertBit
	cirIsPerm
	cirIsBind
	cirImm
	cirACell
	cirBCell
	cirOutCell
	cirReads
	cirPermID
	cirPermInCell0  = cirPermID + 1
	cirPermOutCell0 = cirPermInCell0 + core.PoseidonWidth
	cirPermReads0   = cirPermOutCell0 + core.PoseidonWidth
	cirBindSlot0    = cirPermReads0 + core.PoseidonWidth
	cirPreCols      = cirBindSlot0 + outputDigestLimbs
)

// Circuit chip main columns: the witnessed operand values of the row's
// instruction. Permutation rows use the lane columns instead.
const (
	cirVA = iota
	cirVB
	cirVOut
	cirHashIn0  = cirVOut + 1
	cirHashOut0 = cirHashIn0 + core.PoseidonWidth
	cirMainCols = cirHashOut0 + core.PoseidonWidth
)

// outputDigestLimbs is the number of 4-byte limbs a sealed statement
// digest occupies in the public values
const outputDigestLimbs = 8

// CircuitChip proves the straight-line execution of one frozen circuit
// program, one instruction per row. Cell dataflow is a send/receive
// multiset: the writing row sends (cell, value) once per reader and
// every reading row receives it, so all rows agree on each cell without
// a committed memory. Poseidon permutations are delegated to the hash
// chip through the permutation channels.
type CircuitChip struct {
	prog *Program
}

func NewCircuitChip(prog *Program) *CircuitChip {
	return &CircuitChip{prog: prog}
}

func (c *CircuitChip) Name() string           { return "circuit" }
func (c *CircuitChip) PreprocessedWidth() int { return cirPreCols }
func (c *CircuitChip) MainWidth() int         { return cirMainCols }

func (c *CircuitChip) Rows(rec *executor.ExecutionRecord) int {
	return len(rec.CircuitEvents)
}

var opFlagCol = map[Op]int{
	OpConst:      cirIsConst,
	OpWitness:    cirIsWitness,
	OpAdd:        cirIsAdd,
	OpSub:        cirIsSub,
	OpMul:        cirIsMul,
	OpInv:        cirIsInv,
	OpHintByte:   cirIsHintByte,
	OpHintBit:    cirIsHintBit,
	OpAssertZero: cirIsAssertZero,
	OpAssertByte: cirIsAssertByte,
	OpAssertBit:  cirIsAssertBit,
	OpPerm:       cirIsPerm,
	OpBindPublic: cirIsBind,
}

// GeneratePreprocessed encodes the chip's own frozen program; the host
// executor program only lends the machine its digest
func (c *CircuitChip) GeneratePreprocessed(_ *executor.Program, height int) *chips.Table {
	t := chips.NewTable(cirPreCols, height)
	permID := uint64(0)
	// a height below the program length yields a truncated trace whose
	// commitment cannot match; the verifier rejects it by root
	n := min(len(c.prog.Instrs), height)
	for r, in := range c.prog.Instrs[:n] {
		t.SetUint(r, opFlagCol[in.Op], 1)
		switch in.Op {
		case OpConst:
			t.Set(r, cirImm, in.C)
			t.SetUint(r, cirOutCell, uint64(in.Out))
			t.SetUint(r, cirReads, uint64(c.prog.Reads[in.Out]))
		case OpWitness:
			t.SetUint(r, cirOutCell, uint64(in.Out))
			t.SetUint(r, cirReads, uint64(c.prog.Reads[in.Out]))
		case OpAdd, OpSub, OpMul:
			t.SetUint(r, cirACell, uint64(in.A))
			t.SetUint(r, cirBCell, uint64(in.B))
			t.SetUint(r, cirOutCell, uint64(in.Out))
			t.SetUint(r, cirReads, uint64(c.prog.Reads[in.Out]))
		case OpInv:
			t.SetUint(r, cirACell, uint64(in.A))
			t.SetUint(r, cirOutCell, uint64(in.Out))
			t.SetUint(r, cirReads, uint64(c.prog.Reads[in.Out]))
		case OpHintByte, OpHintBit:
			t.SetUint(r, cirImm, in.K)
			t.SetUint(r, cirACell, uint64(in.A))
			t.SetUint(r, cirOutCell, uint64(in.Out))
			t.SetUint(r, cirReads, uint64(c.prog.Reads[in.Out]))
		case OpAssertZero, OpAssertByte, OpAssertBit:
			t.SetUint(r, cirACell, uint64(in.A))
		case OpPerm:
			t.SetUint(r, cirPermID, permID)
			for i := 0; i < core.PoseidonWidth; i++ {
				t.SetUint(r, cirPermInCell0+i, uint64(in.In[i]))
				t.SetUint(r, cirPermOutCell0+i, uint64(in.Outs[i]))
				t.SetUint(r, cirPermReads0+i, uint64(c.prog.Reads[in.Outs[i]]))
			}
			permID++
		case OpBindPublic:
			t.SetUint(r, cirACell, uint64(in.A))
			t.SetUint(r, cirBindSlot0+int(in.K), 1)
		}
	}
	return t
}

func (c *CircuitChip) GenerateMain(rec *executor.ExecutionRecord, height int) *chips.Table {
	t := chips.NewTable(cirMainCols, height)
	for r, ev := range rec.CircuitEvents {
		t.Set(r, cirVA, ev.A)
		t.Set(r, cirVB, ev.B)
		t.Set(r, cirVOut, ev.Out)
		for i := 0; i < core.PoseidonWidth; i++ {
			t.Set(r, cirHashIn0+i, ev.HashIn[i])
			t.Set(r, cirHashOut0+i, ev.HashOut[i])
		}
	}
	return t
}

func (c *CircuitChip) Constraints() []chips.Constraint {
	vA := chips.M(cirVA)
	vB := chips.M(cirVB)
	vOut := chips.M(cirVOut)

	cs := []chips.Constraint{
		{Name: "cir_const", E: chips.Mul(chips.P(cirIsConst), chips.Sub(vOut, chips.P(cirImm)))},
		{Name: "cir_add", E: chips.Mul(chips.P(cirIsAdd), chips.Sub(vOut, chips.Add(vA, vB)))},
		{Name: "cir_sub", E: chips.Mul(chips.P(cirIsSub), chips.Sub(vOut, chips.Sub(vA, vB)))},
		{Name: "cir_mul", E: chips.Mul(chips.P(cirIsMul), chips.Sub(vOut, chips.Mul(vA, vB)))},
		{Name: "cir_inv", E: chips.Mul(chips.P(cirIsInv), chips.Sub(chips.Mul(vA, vOut), chips.C(1)))},
		{Name: "cir_assert_zero", E: chips.Mul(chips.P(cirIsAssertZero), vA)},
		{Name: "cir_assert_bit", E: chips.Mul(chips.P(cirIsAssertBit), vA, chips.Sub(vA, chips.C(1)))},
	}
	for j := 0; j < outputDigestLimbs; j++ {
		cs = append(cs, chips.Constraint{
			Name: "cir_bind",
			E: chips.Mul(chips.P(cirBindSlot0+j),
				chips.Sub(vA, chips.Pub(chips.PubOutputDigest0+j))),
		})
	}
	return append(cs, chips.AuxConstraints("cir", c.Interactions())...)
}

func (c *CircuitChip) Interactions() []chips.Interaction {
	// operand A is read by every non-writing op and the unary writers
	multA := chips.Add(
		chips.P(cirIsAdd), chips.P(cirIsSub), chips.P(cirIsMul), chips.P(cirIsInv),
		chips.P(cirIsHintByte), chips.P(cirIsHintBit),
		chips.P(cirIsAssertZero), chips.P(cirIsAssertByte), chips.P(cirIsAssertBit),
		chips.P(cirIsBind),
	)
	multB := chips.Add(chips.P(cirIsAdd), chips.P(cirIsSub), chips.P(cirIsMul))

	out := []chips.Interaction{
		chips.Receive(chips.ChannelCircuitMem, multA, chips.P(cirACell), chips.M(cirVA)),
		chips.Receive(chips.ChannelCircuitMem, multB, chips.P(cirBCell), chips.M(cirVB)),
		chips.Send(chips.ChannelCircuitMem, chips.P(cirReads), chips.P(cirOutCell), chips.M(cirVOut)),
		chips.Send(chips.ChannelRange8, chips.P(cirIsAssertByte), chips.M(cirVA)),
	}
	for i := 0; i < core.PoseidonWidth; i++ {
		out = append(out,
			chips.Receive(chips.ChannelCircuitMem, chips.P(cirIsPerm),
				chips.P(cirPermInCell0+i), chips.M(cirHashIn0+i)),
			chips.Send(chips.ChannelCircuitMem, chips.P(cirPermReads0+i),
				chips.P(cirPermOutCell0+i), chips.M(cirHashOut0+i)),
		)
	}

	inVals := []chips.Expr{chips.P(cirPermID)}
	outVals := []chips.Expr{chips.P(cirPermID)}
	for i := 0; i < core.PoseidonWidth; i++ {
		inVals = append(inVals, chips.M(cirHashIn0+i))
		outVals = append(outVals, chips.M(cirHashOut0+i))
	}
	out = append(out,
		chips.Send(chips.ChannelPoseidonIn, chips.P(cirIsPerm), inVals...),
		chips.Receive(chips.ChannelPoseidonOut, chips.P(cirIsPerm), outVals...),
	)
	return out
}
