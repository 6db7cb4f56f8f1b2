package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// MemInit chip preprocessed columns
const (
	miAddr = iota
	miValue
	miIsReal
	miPreCols
)

// MemInit chip main columns
const (
	miFirstShard = iota
	miShardInv
	miNumCols
)

// MemInitChip commits the first shard's memory seeding into the
// verifying key: its preprocessed table lists the program's init image,
// and on shard zero it sends every entry into the init channel exactly
// once. The memory chip receives one tuple per image-seeded init row,
// so a first shard cannot open an address with a forged value.
type MemInitChip struct{}

func NewMemInitChip() *MemInitChip { return &MemInitChip{} }

func (c *MemInitChip) Name() string           { return "meminit" }
func (c *MemInitChip) PreprocessedWidth() int { return miPreCols }
func (c *MemInitChip) MainWidth() int         { return miNumCols }

func (c *MemInitChip) Rows(rec *executor.ExecutionRecord) int { return 0 }

// TableRows sizes the table by the committed init image
func (c *MemInitChip) TableRows(prog *executor.Program) int {
	return len(prog.InitImage())
}

func (c *MemInitChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	t := NewTable(miPreCols, height)
	for r, e := range prog.InitImage() {
		t.SetUint(r, miAddr, uint64(e.Addr))
		t.SetUint(r, miValue, uint64(e.Value))
		t.SetUint(r, miIsReal, 1)
	}
	return t
}

func (c *MemInitChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	t := NewTable(miNumCols, height)
	first := rec.Public.Shard == 0
	var inv core.Val
	if !first {
		sh := core.NewVal(uint64(rec.Public.Shard))
		inv.Inverse(&sh)
	}
	for r := 0; r < height; r++ {
		t.SetBool(r, miFirstShard, first)
		if !first {
			t.Set(r, miShardInv, inv)
		}
	}
	return t
}

func (c *MemInitChip) Constraints() []Constraint {
	cs := boolConstraints("mi_bool", miFirstShard)
	cs = append(cs,
		// firstShard is exactly (shard == 0) on every row
		Constraint{"mi_first_gate", Mul(M(miFirstShard), Pub(PubShard))},
		Constraint{"mi_first_force", Mul(Not(M(miFirstShard)),
			Sub(Mul(Pub(PubShard), M(miShardInv)), C(1)))},
	)
	cs = append(cs, AuxConstraints("mi", c.Interactions())...)
	return cs
}

func (c *MemInitChip) Interactions() []Interaction {
	return []Interaction{
		Send(ChannelMemInit, Mul(P(miIsReal), M(miFirstShard)),
			P(miAddr), P(miValue)),
	}
}
