package zephyrzkvm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/aggregate"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

// Canonical CBOR keeps serialization byte-for-byte stable: encoding the
// same proof twice yields identical bytes.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// RecursiveProof is the aggregated result of one proved execution: the
// root recursion proof plus the public values of every reduce-tree
// level, down to the shard leaves, and the guest's IO word chunks.
type RecursiveProof struct {
	// Root is the proof of the top reduction node
	Root *stark.Proof

	// Levels holds the public values per tree level; Levels[0] are the
	// shard leaves, the last level is the single root
	Levels [][]executor.PublicValues

	// Arity is the reduce fan-in the tree was packed with
	Arity int

	// Summary is the distilled root statement
	Summary aggregate.RootPublic

	// Stdin and Stdout are the IO words per core shard; the digest
	// chain in the leaf public values binds them
	Stdin  [][]uint32
	Stdout [][]uint32
}

// PublicInput returns the input words the guest consumed
func (p *RecursiveProof) PublicInput() []uint32 {
	return flatten(p.Stdin)
}

// PublicOutput returns the output words the guest committed
func (p *RecursiveProof) PublicOutput() []uint32 {
	return flatten(p.Stdout)
}

// ExitCode returns the guest's halt code
func (p *RecursiveProof) ExitCode() uint32 {
	return p.Summary.ExitCode
}

// ProgramDigest returns the content digest of the proved program
func (p *RecursiveProof) ProgramDigest() common.Hash {
	return p.Summary.ProgramDigest
}

// WrapInputs exports the root statement for the external wrap system:
// the canonically encoded public values and the verifier-identifier
// digest the wrap pins alongside them
func (p *RecursiveProof) WrapInputs() ([]byte, common.Hash, error) {
	pv, err := encMode.Marshal(p.Summary)
	if err != nil {
		return nil, common.Hash{}, errf(ErrUnknown, err, "encoding wrap inputs")
	}
	return pv, p.Summary.VerifierDigest, nil
}

// recursiveProofWire mirrors RecursiveProof without its BinaryMarshaler
// methods so the CBOR codec encodes the struct fields instead of
// re-invoking MarshalBinary/UnmarshalBinary on itself.
type recursiveProofWire RecursiveProof

// MarshalBinary encodes the proof as canonical CBOR
func (p *RecursiveProof) MarshalBinary() ([]byte, error) {
	data, err := encMode.Marshal((*recursiveProofWire)(p))
	if err != nil {
		return nil, errf(ErrUnknown, err, "encoding proof")
	}
	return data, nil
}

// UnmarshalBinary decodes a proof; failures are decode faults, distinct
// from any verification outcome
func (p *RecursiveProof) UnmarshalBinary(data []byte) error {
	var decoded recursiveProofWire
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		return errf(ErrDecode, err, "decoding proof")
	}
	if decoded.Root == nil || len(decoded.Levels) == 0 {
		return errf(ErrDecode, nil, "decoded proof is incomplete")
	}
	*p = RecursiveProof(decoded)
	return nil
}

// MarshalShardProof encodes a single-shard proof as canonical CBOR
func MarshalShardProof(proof *ShardProof) ([]byte, error) {
	data, err := encMode.Marshal(proof)
	if err != nil {
		return nil, errf(ErrUnknown, err, "encoding shard proof")
	}
	return data, nil
}

// UnmarshalShardProof decodes a single-shard proof
func UnmarshalShardProof(data []byte) (*ShardProof, error) {
	var proof ShardProof
	if err := cbor.Unmarshal(data, &proof); err != nil {
		return nil, errf(ErrDecode, err, "decoding shard proof")
	}
	return &proof, nil
}

func flatten(chunks [][]uint32) []uint32 {
	var out []uint32
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
