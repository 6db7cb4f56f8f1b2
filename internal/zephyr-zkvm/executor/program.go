package executor

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Program is an immutable ZV32 program: an instruction sequence, a
// static memory image and an entry point, identified by the Keccak256
// content hash of its canonical encoding.
type Program struct {
	Code    []Instruction
	Image   map[uint32]uint32 // static memory image, word-addressed
	EntryPC uint32

	digest common.Hash
}

// CodeBase is the address of the first instruction; pc advances in
// word steps
const CodeBase uint32 = 0x1000

// NewProgram validates the instruction sequence and freezes the
// content digest
func NewProgram(code []Instruction, image map[uint32]uint32, entryPC uint32) (*Program, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("program has no instructions")
	}
	for i, ins := range code {
		if !ins.Valid() {
			return nil, fmt.Errorf("invalid instruction at index %d: %v", i, ins)
		}
	}
	if entryPC < CodeBase || (entryPC-CodeBase)%WordSize != 0 {
		return nil, fmt.Errorf("entry pc %#x is not word-aligned code space", entryPC)
	}

	img := make(map[uint32]uint32, len(image))
	for addr, v := range image {
		if addr%WordSize != 0 {
			return nil, fmt.Errorf("image address %#x is not word-aligned", addr)
		}
		img[addr] = v
	}

	p := &Program{Code: append([]Instruction(nil), code...), Image: img, EntryPC: entryPC}
	p.digest = crypto.Keccak256Hash(p.encode())
	return p, nil
}

// Digest returns the content hash identifying the program
func (p *Program) Digest() common.Hash {
	return p.digest
}

// PCOf returns the address of instruction index i
func PCOf(i int) uint32 {
	return CodeBase + uint32(i)*WordSize
}

// InitEntry is one (addr, value) pair of the committed first-shard
// memory seeding
type InitEntry struct {
	Addr  uint32
	Value uint32
}

// InitImage returns the canonical first-shard memory seeding: the
// zeroed register file followed by the static image entries in RAM,
// sorted by address. The init chip commits these rows into the
// verifying key.
func (p *Program) InitImage() []InitEntry {
	out := make([]InitEntry, 0, NumRegisters+len(p.Image))
	for i := 0; i < NumRegisters; i++ {
		out = append(out, InitEntry{Addr: RegBase + uint32(i)*WordSize})
	}

	addrs := make([]uint32, 0, len(p.Image))
	for a := range p.Image {
		if a >= DataBase {
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		out = append(out, InitEntry{Addr: a, Value: p.Image[a]})
	}
	return out
}

// InstructionAt fetches the instruction at pc, or false when pc leaves
// code space
func (p *Program) InstructionAt(pc uint32) (Instruction, bool) {
	if pc < CodeBase || (pc-CodeBase)%WordSize != 0 {
		return Instruction{}, false
	}
	idx := int((pc - CodeBase) / WordSize)
	if idx >= len(p.Code) {
		return Instruction{}, false
	}
	return p.Code[idx], true
}

// encode produces the canonical byte encoding hashed into the digest.
// Image entries are sorted by address so the digest is independent of
// map iteration order.
func (p *Program) encode() []byte {
	buf := make([]byte, 0, 16+len(p.Code)*12+len(p.Image)*8)
	buf = binary.LittleEndian.AppendUint32(buf, p.EntryPC)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Code)))
	for _, ins := range p.Code {
		useImm := uint8(0)
		if ins.UseImm {
			useImm = 1
		}
		buf = append(buf, uint8(ins.Op), ins.Rd, ins.Rs1, ins.Rs2, useImm)
		buf = binary.LittleEndian.AppendUint32(buf, ins.Imm)
	}

	addrs := make([]uint32, 0, len(p.Image))
	for a := range p.Image {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(addrs)))
	for _, a := range addrs {
		buf = binary.LittleEndian.AppendUint32(buf, a)
		buf = binary.LittleEndian.AppendUint32(buf, p.Image[a])
	}
	return buf
}
