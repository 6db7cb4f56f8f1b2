package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Syscall chip main columns
const (
	sysClk = iota
	sysID
	sysArg0
	sysArg1
	sysRet
	sysHasRet
	sysIsWrite
	sysIsPrecomp
	sysIsReal
	sysRetInv   // (id - READ)^-1 where hasRet is clear
	sysWriteInv // (id - WRITE)^-1 where isWrite is clear
	sysIn0      // 8 precompile input words
	sysOut0    = sysIn0 + 8 // 4 precompile output words
	sysInD0    = sysOut0 + 4
	sysOutD0   = sysInD0 + 4
	sysPOut0   = sysOutD0 + 4 // 8 permutation output lanes
	sysNumCols = sysPOut0 + 8
)

// SyscallChip resolves ECALL rows: it performs the argument register
// reads and the memory traffic of READ and of the Poseidon precompile,
// which have no fixed slot pattern on the CPU chip. It also owns the
// public IO digest chain: every READ folds its delivered word into the
// running input digest and every WRITE its emitted word into the output
// digest, each through one delegated Poseidon permutation, and the
// chain endpoints are pinned to the shard's public values.
type SyscallChip struct{}

func NewSyscallChip() *SyscallChip { return &SyscallChip{} }

func (c *SyscallChip) Name() string           { return "syscall" }
func (c *SyscallChip) PreprocessedWidth() int { return 0 }
func (c *SyscallChip) MainWidth() int         { return sysNumCols }

func (c *SyscallChip) Rows(rec *executor.ExecutionRecord) int {
	return len(rec.SyscallEvents)
}

func (c *SyscallChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	return nil
}

// invAway returns (id - want)^-1; callers only ask where id != want
func invAway(id, want uint32) core.Val {
	iv, wv := core.NewVal(uint64(id)), core.NewVal(uint64(want))
	var diff core.Val
	diff.Sub(&iv, &wv)
	diff.Inverse(&diff)
	return diff
}

func (c *SyscallChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	t := NewTable(sysNumCols, height)

	din := core.DigestFromBytes(rec.Public.StartInputDigest)
	dout := core.DigestFromBytes(rec.Public.StartOutputDigest)
	setDigests := func(r int) {
		for i := 0; i < 4; i++ {
			t.Set(r, sysInD0+i, din[i])
			t.Set(r, sysOutD0+i, dout[i])
		}
	}

	for r, ev := range rec.SyscallEvents {
		t.SetUint(r, sysClk, uint64(ev.Clk))
		t.SetUint(r, sysID, uint64(ev.ID))
		t.SetUint(r, sysArg0, uint64(ev.Arg0))
		t.SetUint(r, sysArg1, uint64(ev.Arg1))
		t.SetUint(r, sysRet, uint64(ev.RetWord))
		t.SetBool(r, sysHasRet, ev.HasRet)
		t.SetBool(r, sysIsWrite, ev.ID == executor.SyscallWrite)
		t.SetBool(r, sysIsPrecomp, ev.IsPrecompile)
		t.SetUint(r, sysIsReal, 1)
		for i := 0; i < 8; i++ {
			t.SetUint(r, sysIn0+i, uint64(ev.In[i]))
		}
		for i := 0; i < 4; i++ {
			t.SetUint(r, sysOut0+i, uint64(ev.Out[i]))
		}

		setDigests(r)
		switch {
		case ev.HasRet:
			var state [core.PoseidonWidth]core.Val
			copy(state[:4], din[:])
			state[4] = core.NewVal(uint64(ev.RetWord))
			core.PoseidonPermute(&state)
			for i := 0; i < core.PoseidonWidth; i++ {
				t.Set(r, sysPOut0+i, state[i])
			}
			for i := 0; i < 4; i++ {
				din[i].Add(&din[i], &state[i])
			}
		case ev.ID == executor.SyscallWrite:
			var state [core.PoseidonWidth]core.Val
			copy(state[:4], dout[:])
			state[4] = core.NewVal(uint64(ev.Arg0))
			core.PoseidonPermute(&state)
			for i := 0; i < core.PoseidonWidth; i++ {
				t.Set(r, sysPOut0+i, state[i])
			}
			for i := 0; i < 4; i++ {
				dout[i].Add(&dout[i], &state[i])
			}
		}

		if !ev.HasRet {
			t.Set(r, sysRetInv, invAway(ev.ID, executor.SyscallRead))
		}
		if ev.ID != executor.SyscallWrite {
			t.Set(r, sysWriteInv, invAway(ev.ID, executor.SyscallWrite))
		}
	}

	// padding carries the final digests forward so the chain identities
	// hold through to the last row
	for r := len(rec.SyscallEvents); r < height; r++ {
		setDigests(r)
		t.Set(r, sysRetInv, invAway(0, executor.SyscallRead))
		t.Set(r, sysWriteInv, invAway(0, executor.SyscallWrite))
	}
	return t
}

// pubLane reassembles digest lane i from its two public 4-byte limbs
func pubLane(base, i int) Expr {
	return Add(Pub(base+2*i), Scale(1<<32, Pub(base+2*i+1)))
}

func (c *SyscallChip) Constraints() []Constraint {
	cs := boolConstraints("sys_bool", sysHasRet, sysIsWrite, sysIsPrecomp, sysIsReal)
	cs = append(cs,
		// the flags imply their syscall id, and the inverse witnesses
		// force them wherever the id matches
		Constraint{"sys_ret_id", Mul(M(sysHasRet), Sub(M(sysID), C(uint64(executor.SyscallRead))))},
		Constraint{"sys_ret_force", Mul(Not(M(sysHasRet)),
			Sub(Mul(Sub(M(sysID), C(uint64(executor.SyscallRead))), M(sysRetInv)), C(1)))},
		Constraint{"sys_write_id", Mul(M(sysIsWrite), Sub(M(sysID), C(uint64(executor.SyscallWrite))))},
		Constraint{"sys_write_force", Mul(Not(M(sysIsWrite)),
			Sub(Mul(Sub(M(sysID), C(uint64(executor.SyscallWrite))), M(sysWriteInv)), C(1)))},
		Constraint{"sys_precomp_id", Mul(M(sysIsPrecomp), Sub(M(sysID), C(uint64(executor.SyscallPoseidon))))},
		Constraint{"sys_flag_excl", Mul(M(sysHasRet), M(sysIsPrecomp))},
		// flags only on real rows
		Constraint{"sys_ret_real", Mul(M(sysHasRet), Not(M(sysIsReal)))},
		Constraint{"sys_write_real", Mul(M(sysIsWrite), Not(M(sysIsReal)))},
		Constraint{"sys_precomp_real", Mul(M(sysIsPrecomp), Not(M(sysIsReal)))},
	)

	// IO digest chains: seeded from the start digests, advanced by the
	// permutation feed-forward on READ/WRITE rows, pinned to the end
	// digests on the last row
	for i := 0; i < 4; i++ {
		inStep := Add(M(sysInD0+i), Mul(M(sysHasRet), M(sysPOut0+i)))
		outStep := Add(M(sysOutD0+i), Mul(M(sysIsWrite), M(sysPOut0+i)))
		cs = append(cs,
			Constraint{"sys_in_start", Mul(Sel(SelFirst),
				Sub(M(sysInD0+i), pubLane(PubStartInputDigest0, i)))},
			Constraint{"sys_in_chain", Mul(Sel(SelTransition),
				Sub(MN(sysInD0+i), inStep))},
			Constraint{"sys_in_end", Mul(Sel(SelLast),
				Sub(inStep, pubLane(PubInputDigest0, i)))},
			Constraint{"sys_out_start", Mul(Sel(SelFirst),
				Sub(M(sysOutD0+i), pubLane(PubStartOutputDigest0, i)))},
			Constraint{"sys_out_chain", Mul(Sel(SelTransition),
				Sub(MN(sysOutD0+i), outStep))},
			Constraint{"sys_out_end", Mul(Sel(SelLast),
				Sub(outStep, pubLane(PubOutputDigest0, i)))},
		)
	}

	cs = append(cs, AuxConstraints("sys", c.Interactions())...)
	return cs
}

func (c *SyscallChip) Interactions() []Interaction {
	clk := M(sysClk)
	reg := func(r uint64) Expr { return C(r * executor.WordSize) }

	ins := []Interaction{
		Receive(ChannelSyscall, M(sysIsReal), clk, M(sysID), M(sysArg0), M(sysArg1)),

		// argument register reads shared by every syscall
		Send(ChannelMemory, M(sysIsReal),
			reg(executor.RegSyscall), tsExpr(clk, executor.SlotSysID), M(sysID), C(memKindRead)),
		Send(ChannelMemory, M(sysIsReal),
			reg(executor.RegArg0), tsExpr(clk, executor.SlotSysArg0), M(sysArg0), C(memKindRead)),
		Send(ChannelMemory, M(sysIsReal),
			reg(executor.RegArg1), tsExpr(clk, executor.SlotSysArg1), M(sysArg1), C(memKindRead)),

		// READ delivers the next input word into arg0
		Send(ChannelMemory, M(sysHasRet),
			reg(executor.RegArg0), tsExpr(clk, executor.SlotSysRet), M(sysRet), C(memKindWrite)),
	}

	// Poseidon precompile RAM traffic: 8 reads at arg0, 4 writes at
	// arg1
	for i := 0; i < 8; i++ {
		ins = append(ins, Send(ChannelMemory, M(sysIsPrecomp),
			Add(M(sysArg0), C(uint64(i)*executor.WordSize)),
			tsExpr(clk, executor.SlotPrecompR+uint64(i)),
			M(sysIn0+i), C(memKindRead)))
	}
	for i := 0; i < 4; i++ {
		ins = append(ins, Send(ChannelMemory, M(sysIsPrecomp),
			Add(M(sysArg1), C(uint64(i)*executor.WordSize)),
			tsExpr(clk, executor.SlotPrecompW+uint64(i)),
			M(sysOut0+i), C(memKindWrite)))
	}

	// IO chain permutations delegated to the hash chip: the input state
	// is the running digest with the chained word in lane 4, the output
	// state comes back for the feed-forward
	ioMult := Add(M(sysHasRet), M(sysIsWrite))
	ioIn := []Expr{clk}
	for i := 0; i < 4; i++ {
		ioIn = append(ioIn, Add(
			Mul(M(sysHasRet), M(sysInD0+i)),
			Mul(M(sysIsWrite), M(sysOutD0+i))))
	}
	ioIn = append(ioIn, Add(
		Mul(M(sysHasRet), M(sysRet)),
		Mul(M(sysIsWrite), M(sysArg0))))
	for i := 5; i < 8; i++ {
		ioIn = append(ioIn, C(0))
	}
	ioOut := []Expr{clk}
	for i := 0; i < 8; i++ {
		ioOut = append(ioOut, M(sysPOut0+i))
	}
	ins = append(ins,
		Send(ChannelPoseidonIn, ioMult, ioIn...),
		Receive(ChannelPoseidonOut, ioMult, ioOut...),
	)
	return ins
}
