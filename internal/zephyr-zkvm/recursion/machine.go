package recursion

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// NewRecursionMachine assembles the chip set proving one circuit
// program: the circuit chip, the hash chip serving its permutation
// channels, and the byte table serving its range checks.
func NewRecursionMachine(prog *Program) *chips.Machine {
	return chips.NewMachine("recursion", []chips.Chip{
		NewCircuitChip(prog),
		chips.NewPoseidonChip(true),
		chips.NewByteChip(),
	})
}

// Digest returns the Keccak256 content hash of the circuit's canonical
// encoding, identifying the verified statement shape
func (p *Program) Digest() common.Hash {
	buf := make([]byte, 0, 16+len(p.Instrs)*40)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Cells))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Witness))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(p.Instrs)))
	for _, in := range p.Instrs {
		buf = append(buf, byte(in.Op))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.Out))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.A))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.B))
		buf = binary.LittleEndian.AppendUint64(buf, in.K)
		cb := core.ValBytes(in.C)
		buf = append(buf, cb[:]...)
		if in.Op == OpPerm {
			for _, c := range in.In {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
			}
			for _, c := range in.Outs {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(c))
			}
		}
	}
	return crypto.Keccak256Hash(buf)
}

// HostProgram wraps a circuit in a minimal executor program whose
// content digest commits to the circuit, so transcript binding works
// the same way for recursion shards as for guest shards
func HostProgram(prog *Program) (*executor.Program, error) {
	d := prog.Digest()
	image := make(map[uint32]uint32, 8)
	for i := 0; i < 8; i++ {
		image[uint32(i)*executor.WordSize] = binary.LittleEndian.Uint32(d[i*4:])
	}
	code := []executor.Instruction{{Op: executor.ECALL}}
	return executor.NewProgram(code, image, executor.CodeBase)
}

// StatementDigest commits a shard's public values; the verifier circuit
// recomputes it and seals it into the recursion shard's output digest
func StatementDigest(pub executor.PublicValues) [32]byte {
	return ReducedStatementDigest([]executor.PublicValues{pub})
}

// ReducedStatementDigest commits an ordered set of child statements the
// way a reduction circuit seals them
func ReducedStatementDigest(pubs []executor.PublicValues) [32]byte {
	var vals []core.Val
	for i := range pubs {
		vals = append(vals, pubs[i].ToVals()...)
	}
	return core.PoseidonHash(vals).Bytes()
}
