package chips

import (
	"slices"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Memory chip main columns
const (
	memAddr = iota
	memTs
	memValue
	memIsInit
	memIsRead
	memIsWrite
	memIsReal
	memSameAddr
	memIsRealTrans
	memFromImage
	memFirstShard
	memShardInv
	memDiffLimb0 // 4 limbs: ordering difference, byte decomposed
	memAddrLimb0 = memDiffLimb0 + 4
	memNumCols   = memAddrLimb0 + 4
)

// MemoryChip proves access consistency: rows are sorted by address and
// timestamp, every address starts with an init row, and every read
// returns the previously written value. Register file and RAM share the
// argument through a single address space.
type MemoryChip struct{}

func NewMemoryChip() *MemoryChip { return &MemoryChip{} }

func (c *MemoryChip) Name() string           { return "memory" }
func (c *MemoryChip) PreprocessedWidth() int { return 0 }
func (c *MemoryChip) MainWidth() int         { return memNumCols }

func (c *MemoryChip) Rows(rec *executor.ExecutionRecord) int {
	return len(rec.MemEvents)
}

func (c *MemoryChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	return nil
}

// sortedMemEvents orders the record's accesses by (addr, ts)
func sortedMemEvents(rec *executor.ExecutionRecord) []executor.MemoryEvent {
	evs := slices.Clone(rec.MemEvents)
	slices.SortStableFunc(evs, func(a, b executor.MemoryEvent) int {
		if a.Addr != b.Addr {
			if a.Addr < b.Addr {
				return -1
			}
			return 1
		}
		at, bt := a.Timestamp(), b.Timestamp()
		switch {
		case at < bt:
			return -1
		case at > bt:
			return 1
		}
		return 0
	})
	return evs
}

// memOrderingDiff is the range-checked quantity of the transition from
// row r to r+1: the timestamp gap within an address, or the address gap
// between addresses, both minus one
func memOrderingDiff(cur, next executor.MemoryEvent) (diff uint64, sameAddr bool) {
	if cur.Addr == next.Addr {
		return next.Timestamp() - cur.Timestamp() - 1, true
	}
	return uint64(next.Addr) - uint64(cur.Addr) - 1, false
}

func (c *MemoryChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	t := NewTable(memNumCols, height)
	evs := sortedMemEvents(rec)

	first := rec.Public.Shard == 0
	var shardInv core.Val
	if !first {
		sh := core.NewVal(uint64(rec.Public.Shard))
		shardInv.Inverse(&sh)
	}
	for r := 0; r < height; r++ {
		t.SetBool(r, memFirstShard, first)
		if !first {
			t.Set(r, memShardInv, shardInv)
		}
	}

	for r, ev := range evs {
		t.SetUint(r, memAddr, uint64(ev.Addr))
		t.SetUint(r, memTs, ev.Timestamp())
		t.SetUint(r, memValue, uint64(ev.Value))
		t.SetBool(r, memIsInit, ev.Kind == executor.MemInit)
		t.SetBool(r, memIsRead, ev.Kind == executor.MemRead)
		t.SetBool(r, memIsWrite, ev.Kind == executor.MemWrite)
		t.SetBool(r, memFromImage, ev.Image)
		t.SetUint(r, memIsReal, 1)

		if ev.Kind == executor.MemInit {
			for i := 0; i < 4; i++ {
				t.SetUint(r, memAddrLimb0+i, uint64(ev.Addr>>(8*i))&0xff)
			}
		}

		if r+1 < len(evs) {
			diff, same := memOrderingDiff(ev, evs[r+1])
			t.SetBool(r, memSameAddr, same)
			t.SetUint(r, memIsRealTrans, 1)
			for i := 0; i < 4; i++ {
				t.SetUint(r, memDiffLimb0+i, (diff>>(8*i))&0xff)
			}
		}
	}
	return t
}

func (c *MemoryChip) Constraints() []Constraint {
	cs := boolConstraints("mem_bool",
		memIsInit, memIsRead, memIsWrite, memIsReal, memSameAddr, memIsRealTrans,
		memFromImage, memFirstShard)

	limbSum := func(base int) Expr {
		return Add(M(base), Scale(1<<8, M(base+1)), Scale(1<<16, M(base+2)), Scale(1<<24, M(base+3)))
	}

	cs = append(cs,
		// exactly one kind per real row
		Constraint{"mem_kind", Sub(Add(M(memIsInit), M(memIsRead), M(memIsWrite)), M(memIsReal))},

		// isRealTrans marks rows whose successor is also real; it
		// vanishes on the last row, so the constraints it gates are
		// safe across the cyclic wrap
		Constraint{"mem_trans_bind", Mul(Sel(SelTransition),
			Sub(M(memIsRealTrans), Mul(M(memIsReal), MN(memIsReal))))},
		Constraint{"mem_trans_last", Mul(Sel(SelLast), M(memIsRealTrans))},
		Constraint{"mem_real_suffix", Mul(Sel(SelTransition), Not(M(memIsReal)), MN(memIsReal))},

		// sameAddr is exact: the ordering decomposition rejects a
		// cleared flag on an unchanged address
		Constraint{"mem_same_addr", Mul(M(memIsRealTrans), M(memSameAddr), Sub(MN(memAddr), M(memAddr)))},

		// sorted order: ts strictly increases within an address,
		// addresses strictly increase otherwise
		Constraint{"mem_order", Mul(M(memIsRealTrans), Sub(limbSum(memDiffLimb0),
			Add(
				Mul(M(memSameAddr), Sub(Sub(MN(memTs), M(memTs)), C(1))),
				Mul(Not(M(memSameAddr)), Sub(Sub(MN(memAddr), M(memAddr)), C(1))),
			)))},

		// reads preserve the last value of the address
		Constraint{"mem_read_value", Mul(M(memIsRealTrans), M(memSameAddr), MN(memIsRead),
			Sub(MN(memValue), M(memValue)))},

		// each address opens with its init row
		Constraint{"mem_init_first", Mul(M(memIsRealTrans), Not(M(memSameAddr)), Not(MN(memIsInit)))},
		Constraint{"mem_init_head", Mul(Sel(SelFirst), M(memIsReal), Not(M(memIsInit)))},

		// init rows carry timestamp zero and a range-checked address
		Constraint{"mem_init_ts", Mul(M(memIsInit), M(memTs))},
		Constraint{"mem_init_addr", Mul(M(memIsInit), Sub(limbSum(memAddrLimb0), M(memAddr)))},

		// firstShard is exactly (shard == 0) on every row
		Constraint{"mem_first_gate", Mul(M(memFirstShard), Pub(PubShard))},
		Constraint{"mem_first_force", Mul(Not(M(memFirstShard)),
			Sub(Mul(Pub(PubShard), M(memShardInv)), C(1)))},

		// first-shard init rows bind to the committed init image: the
		// image flag only marks first-shard init rows, and any such row
		// outside the image carries value zero
		Constraint{"mem_image_init", Mul(M(memFromImage),
			Sub(C(1), Mul(M(memIsInit), M(memFirstShard))))},
		Constraint{"mem_init_zero", Mul(M(memIsInit), M(memFirstShard),
			Not(M(memFromImage)), M(memValue))},
	)

	cs = append(cs, AuxConstraints("mem", c.Interactions())...)
	return cs
}

func (c *MemoryChip) Interactions() []Interaction {
	kind := Add(Scale(memKindRead, M(memIsRead)), Scale(memKindWrite, M(memIsWrite)))

	ins := []Interaction{
		Receive(ChannelMemory, Add(M(memIsRead), M(memIsWrite)),
			M(memAddr), M(memTs), M(memValue), kind),
		Receive(ChannelMemInit, M(memFromImage), M(memAddr), M(memValue)),
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelRange8, M(memIsRealTrans), M(memDiffLimb0+i)))
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelRange8, M(memIsInit), M(memAddrLimb0+i)))
	}
	return ins
}
