package core

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Hasher is the two-to-one hash backing the Merkle vector commitment.
// Guest shards use the Keccak hasher; recursion-targeted shards use the
// Poseidon hasher so the verifier circuit can re-hash paths natively.
type Hasher interface {
	Name() string
	HashLeaf(data []byte) [32]byte
	Compress(left, right [32]byte) [32]byte
}

// KeccakHasher hashes with SHA3-256
type KeccakHasher struct{}

// Name returns the hasher identifier bound into the transcript
func (KeccakHasher) Name() string { return "keccak" }

// HashLeaf hashes raw leaf bytes with a leaf domain separator
func (KeccakHasher) HashLeaf(data []byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte{0x00})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Compress hashes two child digests with a node domain separator
func (KeccakHasher) Compress(left, right [32]byte) [32]byte {
	h := sha3.New256()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PoseidonHasher hashes with the field-native Poseidon2 sponge
type PoseidonHasher struct{}

// Name returns the hasher identifier bound into the transcript
func (PoseidonHasher) Name() string { return "poseidon2" }

// HashLeaf interprets the leaf as a sequence of canonical 8-byte field
// encodings plus a length terminator. Every Poseidon-committed leaf in
// the pipeline is a row of field elements, which lets the verifier
// circuit re-hash leaves without byte repacking.
func (PoseidonHasher) HashLeaf(data []byte) [32]byte {
	elems := make([]Val, 0, len(data)/8+2)
	for off := 0; off+8 <= len(data); off += 8 {
		var w [8]byte
		copy(w[:], data[off:off+8])
		elems = append(elems, ValFromBytes(w))
	}
	if rem := len(data) % 8; rem != 0 {
		var w [8]byte
		copy(w[:], data[len(data)-rem:])
		elems = append(elems, ValFromBytes(w))
	}
	elems = append(elems, NewVal(uint64(len(data))))
	return PoseidonHash(elems).Bytes()
}

// Compress applies the two-to-one Poseidon compression
func (PoseidonHasher) Compress(left, right [32]byte) [32]byte {
	return PoseidonCompress(DigestFromBytes(left), DigestFromBytes(right)).Bytes()
}

// MerkleTree is a binary hash tree over a power-of-two number of
// leaves. levels[0] holds the leaf digests, the last level the root.
type MerkleTree struct {
	hasher Hasher
	levels [][][32]byte
}

// NewMerkleTree builds the tree over the given leaves
func NewMerkleTree(leaves [][]byte, hasher Hasher) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("cannot build Merkle tree with no leaves")
	}
	level := make([][32]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = hasher.HashLeaf(leaf)
	}
	return NewMerkleTreeFromLeafDigests(level, hasher)
}

// NewMerkleTreeFromLeafDigests builds the tree over already-hashed leaf
// digests, so committers can stream leaf bytes through a scratch buffer
// instead of materializing every leaf
func NewMerkleTreeFromLeafDigests(level [][32]byte, hasher Hasher) (*MerkleTree, error) {
	if len(level) == 0 {
		return nil, fmt.Errorf("cannot build Merkle tree with no leaves")
	}
	if !utils.IsPowerOfTwo(len(level)) {
		return nil, fmt.Errorf("leaf count must be a power of 2, got %d", len(level))
	}

	levels := [][][32]byte{level}
	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = hasher.Compress(level[2*i], level[2*i+1])
		}
		levels = append(levels, next)
		level = next
	}

	return &MerkleTree{hasher: hasher, levels: levels}, nil
}

// Root returns the commitment root
func (mt *MerkleTree) Root() [32]byte {
	return mt.levels[len(mt.levels)-1][0]
}

// Depth returns the path length of an opening
func (mt *MerkleTree) Depth() int {
	return len(mt.levels) - 1
}

// Open returns the sibling path for the leaf at index
func (mt *MerkleTree) Open(index int) ([][32]byte, error) {
	if index < 0 || index >= len(mt.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, len(mt.levels[0]))
	}

	path := make([][32]byte, 0, mt.Depth())
	for level := 0; level < mt.Depth(); level++ {
		path = append(path, mt.levels[level][index^1])
		index >>= 1
	}
	return path, nil
}

// VerifyMerklePath checks a leaf opening against a commitment root
func VerifyMerklePath(root [32]byte, leaf []byte, index int, path [][32]byte, hasher Hasher) error {
	if index < 0 || index >= 1<<len(path) {
		return fmt.Errorf("leaf index %d out of range for path of length %d", index, len(path))
	}

	node := hasher.HashLeaf(leaf)
	for _, sibling := range path {
		if index&1 == 0 {
			node = hasher.Compress(node, sibling)
		} else {
			node = hasher.Compress(sibling, node)
		}
		index >>= 1
	}

	if !bytes.Equal(node[:], root[:]) {
		return fmt.Errorf("merkle path does not match root")
	}
	return nil
}

// HasherByName resolves the hasher recorded in a serialized proof
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "keccak":
		return KeccakHasher{}, nil
	case "poseidon2":
		return PoseidonHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}
