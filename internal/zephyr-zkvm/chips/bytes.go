package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Byte chip preprocessed columns. Row r encodes the byte r, the nibble
// pair (r>>4, r&15) with its bitwise results, and for r < 32 the
// power-of-two pair (r, 1<<r).
const (
	byteVal = iota
	byteNibB
	byteNibC
	byteAnd
	byteOr
	byteXor
	byteShamt
	bytePow
	byteIsPow2
	bytePreCols
)

// Byte chip main columns: one multiplicity per served fact class
const (
	byteMultRange = iota
	byteMultAnd
	byteMultOr
	byteMultXor
	byteMultPow2
	byteMainCols
)

const byteTableRows = 256

// ByteChip is the shared lookup table of the guest machine: 8-bit
// range checks, 4-bit bitwise facts and shift powers of two.
type ByteChip struct{}

func NewByteChip() *ByteChip { return &ByteChip{} }

func (c *ByteChip) Name() string           { return "byte" }
func (c *ByteChip) PreprocessedWidth() int { return bytePreCols }
func (c *ByteChip) MainWidth() int         { return byteMainCols }

func (c *ByteChip) Rows(rec *executor.ExecutionRecord) int { return byteTableRows }

func (c *ByteChip) TableRows(prog *executor.Program) int { return byteTableRows }

func (c *ByteChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	t := NewTable(bytePreCols, height)
	for r := 0; r < byteTableRows; r++ {
		nb, nc := uint64(r>>4), uint64(r&15)
		t.SetUint(r, byteVal, uint64(r))
		t.SetUint(r, byteNibB, nb)
		t.SetUint(r, byteNibC, nc)
		t.SetUint(r, byteAnd, nb&nc)
		t.SetUint(r, byteOr, nb|nc)
		t.SetUint(r, byteXor, nb^nc)
		if r < 32 {
			t.SetUint(r, byteShamt, uint64(r))
			t.SetUint(r, bytePow, 1<<r)
			t.SetUint(r, byteIsPow2, 1)
		}
	}
	// padding rows repeat the zero facts, which are valid; only the
	// power-of-two rows are fenced off
	return t
}

func (c *ByteChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	return NewTable(byteMainCols, height)
}

func (c *ByteChip) Constraints() []Constraint {
	cs := []Constraint{
		{"byte_pow2_fence", Mul(Not(P(byteIsPow2)), M(byteMultPow2))},
	}
	return append(cs, AuxConstraints("byte", c.Interactions())...)
}

func (c *ByteChip) Interactions() []Interaction {
	return []Interaction{
		Receive(ChannelRange8, M(byteMultRange), P(byteVal)),
		Receive(ChannelNibbleOp, M(byteMultAnd),
			C(uint64(executor.AND)), P(byteNibB), P(byteNibC), P(byteAnd)),
		Receive(ChannelNibbleOp, M(byteMultOr),
			C(uint64(executor.OR)), P(byteNibB), P(byteNibC), P(byteOr)),
		Receive(ChannelNibbleOp, M(byteMultXor),
			C(uint64(executor.XOR)), P(byteNibB), P(byteNibC), P(byteXor)),
		Receive(ChannelPow2, M(byteMultPow2), P(byteShamt), P(bytePow)),
	}
}

func (c *ByteChip) ServedChannels() []Channel {
	return []Channel{ChannelRange8, ChannelNibbleOp, ChannelPow2}
}

func (c *ByteChip) AbsorbLookup(main *Table, ch Channel, values []core.Val, mult core.Val) {
	var row, col int
	switch ch {
	case ChannelRange8:
		row, col = int(core.ValUint64(values[0])), byteMultRange
	case ChannelNibbleOp:
		b := core.ValUint64(values[1])
		cc := core.ValUint64(values[2])
		row = int(b<<4 | cc)
		switch executor.Opcode(core.ValUint64(values[0])) {
		case executor.AND:
			col = byteMultAnd
		case executor.OR:
			col = byteMultOr
		default:
			col = byteMultXor
		}
	case ChannelPow2:
		row, col = int(core.ValUint64(values[0])), byteMultPow2
	}
	cur := main.At(row, col)
	cur.Add(&cur, &mult)
	main.Set(row, col, cur)
}
