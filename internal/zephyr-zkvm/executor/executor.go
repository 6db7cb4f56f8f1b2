package executor

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Guest address space layout. Registers live in the low region so that
// register-file consistency rides the same memory argument as RAM.
const (
	// RegBase maps register x{i} to address RegBase + 4*i
	RegBase uint32 = 0x0
	// DataBase is the first guest-addressable RAM word
	DataBase uint32 = 0x2000
	// MemLimit bounds the guest address space
	MemLimit uint32 = 1 << 28
)

// Limits is the executor's tunable resource policy. Only the
// shard-boundary invariant is load-bearing; the caps themselves are
// policy.
type Limits struct {
	MaxShardCycles      int
	MaxTotalCycles      int
	MaxDeferredPerShard int
}

// DefaultLimits returns the default resource policy
func DefaultLimits() Limits {
	return Limits{
		MaxShardCycles:      1 << 16,
		MaxTotalCycles:      1 << 24,
		MaxDeferredPerShard: 1 << 10,
	}
}

// Runtime interprets a program over ZV32 and produces the shard
// sequence. Stepping is a pure function of (program, input), so two
// runs with identical inputs yield identical shard sequences.
type Runtime struct {
	program *Program
	limits  Limits
	log     zerolog.Logger

	pc     uint32
	clk    uint32
	regs   [NumRegisters]uint32
	mem    map[uint32]uint32
	halted bool
	exit   uint32

	input    []uint32
	inputPos int
	output   []uint32

	shard    uint32
	rec      *ExecutionRecord
	touched  map[uint32]bool
	consumed []uint32
	emitted  []uint32

	inputDigest  common.Hash
	outputDigest common.Hash
	inChunks     [][]uint32
	outChunks    [][]uint32

	deferred []PrecompileEvent
	records  []*ExecutionRecord
}

// NewRuntime builds a runtime over the program and public input stream
func NewRuntime(program *Program, input []uint32, limits Limits, log zerolog.Logger) *Runtime {
	return &Runtime{
		program: program,
		limits:  limits,
		log:     log,
		// clk 1 keeps every access timestamp above the init rows'
		// timestamp zero in the memory ordering argument
		clk:   1,
		input: append([]uint32(nil), input...),
		mem:   make(map[uint32]uint32),
	}
}

// PublicOutput returns the words the guest committed via WRITE
func (rt *Runtime) PublicOutput() []uint32 {
	return append([]uint32(nil), rt.output...)
}

// InputChunks returns the input words consumed per core shard; valid
// only after a successful Run
func (rt *Runtime) InputChunks() [][]uint32 {
	return rt.inChunks
}

// OutputChunks returns the output words emitted per core shard; valid
// only after a successful Run
func (rt *Runtime) OutputChunks() [][]uint32 {
	return rt.outChunks
}

// ExitCode returns the halt code; valid only after a successful Run
func (rt *Runtime) ExitCode() uint32 {
	return rt.exit
}

// Run executes the program to completion and returns the core shard
// records followed by the deferred precompile records. On fault,
// no records are returned.
func (rt *Runtime) Run(ctx context.Context) ([]*ExecutionRecord, []*ExecutionRecord, error) {
	for addr, v := range rt.program.Image {
		if addr >= DataBase {
			rt.mem[addr] = v
		}
	}
	rt.pc = rt.program.EntryPC
	rt.startShard()
	rt.seedInitImage()

	for !rt.halted {
		if int(rt.clk) >= rt.limits.MaxTotalCycles {
			return nil, nil, rt.fault(FaultCycleLimitExceeded, "")
		}
		if rt.shouldSplit() {
			// Cancellation is honored only between whole shards;
			// stepping never observes the context.
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			rt.finalizeShard()
			rt.shard++
			rt.startShard()
		}
		if err := rt.step(); err != nil {
			return nil, nil, err
		}
	}
	rt.finalizeShard()

	deferredRecs, finalDeferred := rt.buildDeferredRecords()
	last := rt.records[len(rt.records)-1]
	last.Public.DeferredDigest = finalDeferred

	rt.log.Debug().
		Int("shards", len(rt.records)).
		Int("deferred", len(deferredRecs)).
		Uint32("cycles", rt.clk).
		Uint32("exit_code", rt.exit).
		Msg("execution complete")

	return rt.records, deferredRecs, nil
}

func (rt *Runtime) startShard() {
	rt.rec = &ExecutionRecord{
		Kind:      RecordCore,
		Shard:     rt.shard,
		StartRegs: rt.regs,
	}
	rt.touched = make(map[uint32]bool)
	rt.consumed = rt.consumed[:0]
	rt.emitted = rt.emitted[:0]
	rt.rec.Public.Shard = rt.shard
	rt.rec.Public.StartPC = rt.pc
	rt.rec.Public.ProgramDigest = rt.program.Digest()
	rt.rec.Public.StartStateDigest = rt.stateDigest()
	rt.rec.Public.StartInputDigest = rt.inputDigest
	rt.rec.Public.StartOutputDigest = rt.outputDigest
}

func (rt *Runtime) finalizeShard() {
	rt.inChunks = append(rt.inChunks, append([]uint32(nil), rt.consumed...))
	rt.outChunks = append(rt.outChunks, append([]uint32(nil), rt.emitted...))

	pv := &rt.rec.Public
	pv.NextPC = rt.pc
	pv.Halted = rt.halted
	pv.ExitCode = rt.exit
	pv.InputDigest = rt.inputDigest
	pv.OutputDigest = rt.outputDigest
	pv.NextStateDigest = rt.stateDigest()

	rt.records = append(rt.records, rt.rec)
	rt.rec = nil
}

// stateDigest commits to the continuation state: registers, pc, clk and
// the touched memory image, addresses sorted for determinism
func (rt *Runtime) stateDigest() common.Hash {
	buf := make([]byte, 0, 8+len(rt.regs)*4+len(rt.mem)*8)
	buf = binary.LittleEndian.AppendUint32(buf, rt.pc)
	buf = binary.LittleEndian.AppendUint32(buf, rt.clk)
	for _, r := range rt.regs {
		buf = binary.LittleEndian.AppendUint32(buf, r)
	}

	addrs := make([]uint32, 0, len(rt.mem))
	for a := range rt.mem {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		buf = binary.LittleEndian.AppendUint32(buf, a)
		buf = binary.LittleEndian.AppendUint32(buf, rt.mem[a])
	}
	return crypto.Keccak256Hash(buf)
}

// ChainDigest extends a running IO digest word by word with the
// Poseidon compression, matching the per-syscall chaining the syscall
// chip constrains. An empty chunk leaves the digest unchanged.
func ChainDigest(prev common.Hash, words []uint32) common.Hash {
	d := core.DigestFromBytes(prev)
	for _, w := range words {
		d = core.PoseidonCompress(d, core.Digest{core.NewVal(uint64(w))})
	}
	return d.Bytes()
}

// chainIO folds one IO word into a running digest and records the
// permutation for the shard's hash chip
func (rt *Runtime) chainIO(prev common.Hash, w uint32) common.Hash {
	d := core.DigestFromBytes(prev)

	var state [core.PoseidonWidth]core.Val
	copy(state[:4], d[:])
	state[4] = core.NewVal(uint64(w))
	rt.rec.HashEvents = append(rt.rec.HashEvents, HashEvent{
		PermID: uint64(rt.clk), Input: state,
	})

	return core.PoseidonCompress(d, core.Digest{state[4]}).Bytes()
}

// seedInitImage opens the first shard's memory argument with the
// program's committed init image: the zeroed registers and the static
// RAM image, each seeded exactly once
func (rt *Runtime) seedInitImage() {
	for _, e := range rt.program.InitImage() {
		rt.touched[e.Addr] = true
		rt.rec.MemEvents = append(rt.rec.MemEvents, MemoryEvent{
			Addr: e.Addr, Value: e.Value, Kind: MemInit, Image: true,
		})
	}
}

// shouldSplit projects the per-chip row counts of the next instruction
// and opens a new shard before any cap is exceeded. An instruction's
// side effects never straddle a boundary.
func (rt *Runtime) shouldSplit() bool {
	const worstMemPerStep = 16 // 3 register + 12 precompile + 1 ram
	if len(rt.rec.CPUEvents)+1 > rt.limits.MaxShardCycles {
		return true
	}
	if len(rt.rec.ALUEvents)+1 > rt.limits.MaxShardCycles {
		return true
	}
	return len(rt.rec.MemEvents)+worstMemPerStep > 4*rt.limits.MaxShardCycles
}

func (rt *Runtime) fault(kind FaultKind, detail string) *Fault {
	return &Fault{Kind: kind, Shard: rt.shard, PC: rt.pc, Clk: rt.clk, Detail: detail}
}

// touch emits the init event seeding addr into this shard's memory
// argument
func (rt *Runtime) touch(addr uint32) {
	if rt.touched[addr] {
		return
	}
	rt.touched[addr] = true
	rt.rec.MemEvents = append(rt.rec.MemEvents, MemoryEvent{
		Addr: addr, Clk: rt.clk, Slot: 0, Value: rt.mem[addr], Kind: MemInit,
	})
}

func (rt *Runtime) readReg(r uint8, slot uint32) uint32 {
	addr := RegBase + uint32(r)*WordSize
	rt.touch(addr)
	v := rt.regs[r]
	rt.rec.MemEvents = append(rt.rec.MemEvents, MemoryEvent{
		Addr: addr, Clk: rt.clk, Slot: slot, Value: v, Kind: MemRead,
	})
	return v
}

func (rt *Runtime) writeReg(r uint8, v uint32, slot uint32) {
	if r == RegZero {
		return
	}
	addr := RegBase + uint32(r)*WordSize
	rt.touch(addr)
	rt.regs[r] = v
	rt.mem[addr] = v
	rt.rec.MemEvents = append(rt.rec.MemEvents, MemoryEvent{
		Addr: addr, Clk: rt.clk, Slot: slot, Value: v, Kind: MemWrite,
	})
}

func (rt *Runtime) checkDataAddr(addr uint32) *Fault {
	if addr%WordSize != 0 {
		return rt.fault(FaultUnalignedAccess, fmt.Sprintf("addr=%#x", addr))
	}
	if addr < DataBase || addr >= MemLimit {
		return rt.fault(FaultMemoryOutOfBounds, fmt.Sprintf("addr=%#x", addr))
	}
	return nil
}

func (rt *Runtime) readMem(addr, slot uint32) (uint32, *Fault) {
	if f := rt.checkDataAddr(addr); f != nil {
		return 0, f
	}
	rt.touch(addr)
	v := rt.mem[addr]
	rt.rec.MemEvents = append(rt.rec.MemEvents, MemoryEvent{
		Addr: addr, Clk: rt.clk, Slot: slot, Value: v, Kind: MemRead,
	})
	return v, nil
}

func (rt *Runtime) writeMem(addr, v, slot uint32) *Fault {
	if f := rt.checkDataAddr(addr); f != nil {
		return f
	}
	rt.touch(addr)
	rt.mem[addr] = v
	rt.rec.MemEvents = append(rt.rec.MemEvents, MemoryEvent{
		Addr: addr, Clk: rt.clk, Slot: slot, Value: v, Kind: MemWrite,
	})
	return nil
}

// step executes one instruction, recording its events
func (rt *Runtime) step() error {
	ins, ok := rt.program.InstructionAt(rt.pc)
	if !ok {
		return rt.fault(FaultIllegalInstruction, "pc outside code space")
	}

	nextPC := rt.pc + WordSize
	var a, b, c, memAddr, memValue uint32

	switch {
	case ins.Op.IsALU():
		b = rt.readReg(ins.Rs1, SlotRs1)
		if ins.UseImm {
			c = ins.Imm
		} else {
			c = rt.readReg(ins.Rs2, SlotRs2)
		}
		a = aluCompute(ins.Op, b, c)
		rt.rec.ALUEvents = append(rt.rec.ALUEvents, ALUEvent{
			Clk: rt.clk, Op: ins.Op, A: a, B: b, C: c, UseImm: ins.UseImm,
		})
		rt.writeReg(ins.Rd, a, SlotRd)

	case ins.Op == LW:
		b = rt.readReg(ins.Rs1, SlotRs1)
		c = ins.Imm
		memAddr = b + c
		v, f := rt.readMem(memAddr, SlotRAM)
		if f != nil {
			return f
		}
		a, memValue = v, v
		rt.writeReg(ins.Rd, a, SlotRd)

	case ins.Op == SW:
		b = rt.readReg(ins.Rs1, SlotRs1)
		c = ins.Imm
		a = rt.readReg(ins.Rs2, SlotRs2)
		memAddr = b + c
		if f := rt.writeMem(memAddr, a, SlotRAM); f != nil {
			return f
		}
		memValue = a

	case ins.Op.IsBranch():
		b = rt.readReg(ins.Rs1, SlotRs1)
		c = rt.readReg(ins.Rs2, SlotRs2)
		// BLTU/BGEU resolve their comparison on the ALU chip; the
		// equality branches resolve inline on the CPU chip
		if ins.Op == BLTU || ins.Op == BGEU {
			lt := uint32(0)
			if b < c {
				lt = 1
			}
			rt.rec.ALUEvents = append(rt.rec.ALUEvents, ALUEvent{
				Clk: rt.clk, Op: SLTU, A: lt, B: b, C: c,
			})
		}
		if branchTaken(ins.Op, b, c) {
			nextPC = rt.pc + ins.Imm
		}

	case ins.Op == JAL:
		a = rt.pc + WordSize
		rt.writeReg(ins.Rd, a, SlotRd)
		nextPC = rt.pc + ins.Imm

	case ins.Op == JALR:
		b = rt.readReg(ins.Rs1, SlotRs1)
		a = rt.pc + WordSize
		rt.writeReg(ins.Rd, a, SlotRd)
		nextPC = b + ins.Imm

	case ins.Op == LUI:
		a = ins.Imm
		rt.writeReg(ins.Rd, a, SlotRd)

	case ins.Op == ECALL:
		var err error
		a, b, c, nextPC, err = rt.syscall()
		if err != nil {
			return err
		}

	default:
		return rt.fault(FaultIllegalInstruction, ins.String())
	}

	rt.rec.CPUEvents = append(rt.rec.CPUEvents, CPUEvent{
		Clk: rt.clk, PC: rt.pc, NextPC: nextPC, Instr: ins,
		A: a, B: b, C: c, MemAddr: memAddr, MemValue: memValue,
	})
	rt.clk++
	rt.pc = nextPC
	return nil
}

func aluCompute(op Opcode, b, c uint32) uint32 {
	switch op {
	case ADD:
		return b + c
	case SUB:
		return b - c
	case MUL:
		return b * c
	case XOR:
		return b ^ c
	case OR:
		return b | c
	case AND:
		return b & c
	case SLL:
		return b << (c & 31)
	case SRL:
		return b >> (c & 31)
	case SLTU:
		if b < c {
			return 1
		}
		return 0
	}
	return 0
}

func branchTaken(op Opcode, b, c uint32) bool {
	switch op {
	case BEQ:
		return b == c
	case BNE:
		return b != c
	case BLTU:
		return b < c
	case BGEU:
		return b >= c
	}
	return false
}

// syscall handles ECALL. Returns the CPU event operands (a=syscall id,
// b=arg0, c=arg1) and the next pc.
func (rt *Runtime) syscall() (a, b, c, nextPC uint32, err error) {
	id := rt.readReg(RegSyscall, SlotSysID)
	arg0 := rt.readReg(RegArg0, SlotSysArg0)
	arg1 := rt.readReg(RegArg1, SlotSysArg1)
	nextPC = rt.pc + WordSize

	ev := SyscallEvent{Clk: rt.clk, ID: id, Arg0: arg0, Arg1: arg1}

	switch id {
	case SyscallHalt:
		rt.halted = true
		rt.exit = arg0

	case SyscallRead:
		if rt.inputPos >= len(rt.input) {
			return 0, 0, 0, 0, rt.fault(FaultInputExhausted, "")
		}
		w := rt.input[rt.inputPos]
		rt.inputPos++
		rt.consumed = append(rt.consumed, w)
		rt.inputDigest = rt.chainIO(rt.inputDigest, w)
		rt.writeReg(RegArg0, w, SlotSysRet)
		ev.RetWord = w
		ev.HasRet = true

	case SyscallWrite:
		rt.output = append(rt.output, arg0)
		rt.emitted = append(rt.emitted, arg0)
		rt.outputDigest = rt.chainIO(rt.outputDigest, arg0)

	case SyscallPoseidon:
		pe, perr := rt.poseidonPrecompile(arg0, arg1)
		if perr != nil {
			return 0, 0, 0, 0, perr
		}
		ev.IsPrecompile = true
		ev.In = pe.Input
		for i := 0; i < 4; i++ {
			ev.Out[i] = uint32(pe.StateOut[i])
		}

	default:
		return 0, 0, 0, 0, rt.fault(FaultUnsupportedSyscall, fmt.Sprintf("syscall %d", id))
	}

	rt.rec.SyscallEvents = append(rt.rec.SyscallEvents, ev)
	return id, arg0, arg1, nextPC, nil
}

// poseidonPrecompile reads 8 input words at inPtr, applies the
// Poseidon2 permutation and writes the low words of the first 4 output
// lanes to outPtr. The permutation itself is proved by the deferred
// hash machine and linked back by digest.
func (rt *Runtime) poseidonPrecompile(inPtr, outPtr uint32) (*PrecompileEvent, error) {
	var event PrecompileEvent
	event.Clk = rt.clk
	event.InputPtr = inPtr
	event.OutputPtr = outPtr

	var state [core.PoseidonWidth]core.Val
	for i := 0; i < core.PoseidonWidth; i++ {
		w, f := rt.readMem(inPtr+uint32(i)*WordSize, SlotPrecompR+uint32(i))
		if f != nil {
			return nil, f
		}
		event.Input[i] = w
		state[i] = core.NewVal(uint64(w))
	}

	core.PoseidonPermute(&state)
	for i := range state {
		event.StateOut[i] = core.ValUint64(state[i])
	}
	for i := 0; i < 4; i++ {
		if f := rt.writeMem(outPtr+uint32(i)*WordSize, uint32(event.StateOut[i]), SlotPrecompW+uint32(i)); f != nil {
			return nil, f
		}
	}

	rt.deferred = append(rt.deferred, event)
	rt.rec.PrecompileEvents = append(rt.rec.PrecompileEvents, event)
	return &event, nil
}

// buildDeferredRecords chunks the precompile event stream into deferred
// shard records and returns the final running digest that the halting
// shard's public values carry.
func (rt *Runtime) buildDeferredRecords() ([]*ExecutionRecord, common.Hash) {
	var out []*ExecutionRecord
	var running common.Hash

	for i := 0; i < len(rt.deferred); i += rt.limits.MaxDeferredPerShard {
		end := min(i+rt.limits.MaxDeferredPerShard, len(rt.deferred))
		chunk := rt.deferred[i:end]

		buf := append([]byte(nil), running[:]...)
		for _, e := range chunk {
			buf = append(buf, e.encode()...)
		}
		running = crypto.Keccak256Hash(buf)

		rec := &ExecutionRecord{
			Kind:             RecordDeferred,
			Shard:            uint32(len(out)),
			PrecompileEvents: append([]PrecompileEvent(nil), chunk...),
		}
		for j, e := range chunk {
			he := HashEvent{PermID: uint64(j)}
			for k, w := range e.Input {
				he.Input[k] = core.NewVal(uint64(w))
			}
			rec.HashEvents = append(rec.HashEvents, he)
		}
		rec.Public.Shard = rec.Shard
		rec.Public.ProgramDigest = rt.program.Digest()
		rec.Public.DeferredDigest = running
		out = append(out, rec)
	}
	return out, running
}
