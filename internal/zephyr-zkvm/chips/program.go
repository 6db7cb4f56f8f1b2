package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// LookupTable is implemented by chips whose rows are facts and whose
// main trace is lookup multiplicities. The machine routes every send on
// a served channel into the table after witness generation.
type LookupTable interface {
	Chip
	ServedChannels() []Channel
	// TableRows is the fact count; the machine pads the common height
	// to cover it
	TableRows(prog *executor.Program) int
	// AbsorbLookup credits the row serving the tuple with mult
	AbsorbLookup(main *Table, ch Channel, values []core.Val, mult core.Val)
}

// Program chip preprocessed columns
const (
	progPC = iota
	progOp
	progRd
	progRs1
	progRs2
	progImm
	progUseImm
	progIsReal
	progPreCols
)

// ProgramChip commits the instruction memory. The CPU fetches against
// it with per-row multiplicities, which pins every executed instruction
// to the committed code image.
type ProgramChip struct{}

func NewProgramChip() *ProgramChip { return &ProgramChip{} }

func (c *ProgramChip) Name() string           { return "program" }
func (c *ProgramChip) PreprocessedWidth() int { return progPreCols }
func (c *ProgramChip) MainWidth() int         { return 1 }

func (c *ProgramChip) Rows(rec *executor.ExecutionRecord) int {
	return 1 // sized by the code image, not the record
}

func (c *ProgramChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	t := NewTable(progPreCols, height)
	for i, ins := range prog.Code {
		t.SetUint(i, progPC, uint64(executor.PCOf(i)))
		t.SetUint(i, progOp, uint64(ins.Op))
		t.SetUint(i, progRd, uint64(ins.Rd))
		t.SetUint(i, progRs1, uint64(ins.Rs1))
		t.SetUint(i, progRs2, uint64(ins.Rs2))
		t.SetUint(i, progImm, uint64(ins.Imm))
		t.SetBool(i, progUseImm, ins.UseImm)
		t.SetUint(i, progIsReal, 1)
	}
	return t
}

func (c *ProgramChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	return NewTable(1, height)
}

func (c *ProgramChip) Constraints() []Constraint {
	cs := []Constraint{
		// padding rows cannot serve fetches
		{"prog_padding", Mul(Not(P(progIsReal)), M(0))},
	}
	return append(cs, AuxConstraints("prog", c.Interactions())...)
}

func (c *ProgramChip) Interactions() []Interaction {
	return []Interaction{
		Receive(ChannelProgram, M(0),
			P(progPC), P(progOp), P(progRd), P(progRs1), P(progRs2), P(progImm), P(progUseImm)),
	}
}

func (c *ProgramChip) ServedChannels() []Channel {
	return []Channel{ChannelProgram}
}

func (c *ProgramChip) TableRows(prog *executor.Program) int {
	return len(prog.Code)
}

func (c *ProgramChip) AbsorbLookup(main *Table, ch Channel, values []core.Val, mult core.Val) {
	pc := core.ValUint64(values[0])
	row := int((uint32(pc) - executor.CodeBase) / executor.WordSize)
	cur := main.At(row, 0)
	cur.Add(&cur, &mult)
	main.Set(row, 0, cur)
}
