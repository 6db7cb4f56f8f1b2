// Package recursion turns proof verification into a provable program:
// a straight-line SSA circuit whose execution is itself proved by a
// chip machine, so shard proofs can be folded into one.
package recursion

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Op is a circuit instruction opcode. The program is straight line:
// no jumps, every cell written exactly once.
type Op uint8

const (
	// OpConst writes an immediate
	OpConst Op = iota
	// OpWitness reads the next value from the witness stream
	OpWitness
	// OpAdd, OpSub, OpMul are field arithmetic on two cells
	OpAdd
	OpSub
	OpMul
	// OpInv writes the inverse of a nonzero cell; constrained by
	// a * out = 1
	OpInv
	// OpHintByte and OpHintBit extract byte/bit K of a cell without
	// constraining it; callers must range-assert and recompose
	OpHintByte
	OpHintBit
	// OpAssertZero, OpAssertByte, OpAssertBit fail execution unless the
	// cell is zero, a byte, or a bit
	OpAssertZero
	OpAssertByte
	OpAssertBit
	// OpPerm applies the Poseidon2 permutation to eight cells; the
	// machine delegates it to the hash chip over a channel
	OpPerm
	// OpBindPublic equates a cell with output-digest limb K of the
	// shard's public values
	OpBindPublic

	numOps
)

// Instr is one circuit instruction. A and B are operand cells, Out the
// written cell; OpPerm uses In and Outs instead.
type Instr struct {
	Op   Op
	Out  int
	A    int
	B    int
	K    uint64 // immediate for hints and public binding
	C    core.Val
	In   [core.PoseidonWidth]int
	Outs [core.PoseidonWidth]int
}

// Program is a frozen circuit: the instruction sequence plus the
// read-count table the memory argument needs
type Program struct {
	Instrs  []Instr
	Cells   int
	Witness int

	// Reads[c] is how many instructions consume cell c; the writer's
	// channel multiplicity
	Reads []int
	// Perms counts OpPerm instructions
	Perms int
}

// reads lists the cells an instruction consumes
func (in *Instr) reads() []int {
	switch in.Op {
	case OpAdd, OpSub, OpMul:
		return []int{in.A, in.B}
	case OpInv, OpHintByte, OpHintBit, OpAssertZero, OpAssertByte, OpAssertBit, OpBindPublic:
		return []int{in.A}
	case OpPerm:
		return in.In[:]
	}
	return nil
}

// writes lists the cells an instruction produces
func (in *Instr) writes() []int {
	switch in.Op {
	case OpConst, OpWitness, OpAdd, OpSub, OpMul, OpInv, OpHintByte, OpHintBit:
		return []int{in.Out}
	case OpPerm:
		return in.Outs[:]
	}
	return nil
}

// freeze validates SSA form and computes read counts
func freeze(instrs []Instr, cells, witness int) (*Program, error) {
	written := make([]bool, cells)
	reads := make([]int, cells)
	perms := 0
	for i := range instrs {
		in := &instrs[i]
		for _, c := range in.reads() {
			if !written[c] {
				return nil, fmt.Errorf("recursion: instruction %d reads unwritten cell %d", i, c)
			}
			reads[c]++
		}
		for _, c := range in.writes() {
			if written[c] {
				return nil, fmt.Errorf("recursion: instruction %d rewrites cell %d", i, c)
			}
			written[c] = true
		}
		if in.Op == OpPerm {
			perms++
		}
	}
	return &Program{Instrs: instrs, Cells: cells, Witness: witness, Reads: reads, Perms: perms}, nil
}
