// Package core provides the algebraic building blocks of the proving
// pipeline: the Goldilocks base field, its quadratic extension, NTT
// domains, the Poseidon2 permutation and the Merkle vector commitment.
package core

import (
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/field/goldilocks"
)

// Val is an element of the Goldilocks prime field p = 2^64 - 2^32 + 1.
// All trace cells, constraint evaluations and commitment leaves are
// built from Val.
type Val = goldilocks.Element

const (
	// TwoAdicity is the largest k with 2^k | p-1
	TwoAdicity = 32

	// twoAdicGenerator generates the multiplicative subgroup of order
	// 2^32: g = 7^((p-1)/2^32) mod p
	twoAdicGenerator uint64 = 1753635133440165772

	// multiplicativeGenerator generates the full multiplicative group
	// and doubles as the LDE coset shift
	multiplicativeGenerator uint64 = 7
)

// NewVal creates a field element from a uint64
func NewVal(v uint64) Val {
	var e Val
	e.SetUint64(v)
	return e
}

// NewValInt64 creates a field element from an int64, mapping negative
// values to their additive inverse
func NewValInt64(v int64) Val {
	var e Val
	e.SetInt64(v)
	return e
}

// Zero returns the additive identity
func Zero() Val {
	return Val{}
}

// One returns the multiplicative identity
func One() Val {
	var e Val
	e.SetOne()
	return e
}

// ValUint64 returns the canonical (non-Montgomery) value of v
func ValUint64(v Val) uint64 {
	return v.Bits()[0]
}

// CosetShift returns the multiplicative-coset generator used for the
// low-degree extension domain
func CosetShift() Val {
	return NewVal(multiplicativeGenerator)
}

// PrimitiveRootOfUnity returns a generator of the subgroup of order
// 2^logN
func PrimitiveRootOfUnity(logN int) (Val, error) {
	if logN < 0 || logN > TwoAdicity {
		return Val{}, fmt.Errorf("no root of unity of order 2^%d in the Goldilocks field", logN)
	}

	g := NewVal(twoAdicGenerator)
	for i := TwoAdicity; i > logN; i-- {
		g.Square(&g)
	}
	return g, nil
}

// Powers returns [1, base, base^2, ..., base^(n-1)]
func Powers(base Val, n int) []Val {
	out := make([]Val, n)
	if n == 0 {
		return out
	}
	out[0] = One()
	for i := 1; i < n; i++ {
		out[i].Mul(&out[i-1], &base)
	}
	return out
}

// BatchInverse inverts all elements of a; zero entries stay zero.
// Thin wrapper so callers do not reach into the field package.
func BatchInverse(a []Val) []Val {
	return goldilocks.BatchInvert(a)
}

// ValBytes returns the canonical 8-byte little-endian encoding of v
func ValBytes(v Val) [8]byte {
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], ValUint64(v))
	return out
}

// ValFromBytes decodes the canonical little-endian encoding produced by
// ValBytes. Values >= p are reduced, so the decoding is total.
func ValFromBytes(b [8]byte) Val {
	return NewVal(binary.LittleEndian.Uint64(b[:]))
}

// AppendVals appends the canonical encodings of vals to buf
func AppendVals(buf []byte, vals ...Val) []byte {
	for _, v := range vals {
		b := ValBytes(v)
		buf = append(buf, b[:]...)
	}
	return buf
}
