package core

import (
	"golang.org/x/crypto/sha3"
)

// Poseidon2 parameters: width-8 permutation over the Goldilocks field
// with x^7 S-box, 8 full rounds split around 22 partial rounds.
const (
	PoseidonWidth  = 8
	PoseidonRate   = 4
	poseidonFullF  = 4 // initial full rounds
	poseidonFullL  = 4 // final full rounds
	poseidonPartial = 22
)

// Digest is a field-native hash digest, 4 Goldilocks elements
// (~256 bits)
type Digest [4]Val

// poseidonRC holds the round constants, derived once from a SHAKE-128
// stream so provers and verifiers agree without a trusted setup
var poseidonRC [poseidonFullF + poseidonPartial + poseidonFullL][PoseidonWidth]Val

// poseidonDiag is the diagonal of the internal-round matrix
var poseidonDiag [PoseidonWidth]Val

func init() {
	shake := sha3.NewShake128()
	_, _ = shake.Write([]byte("zephyr-zkvm/poseidon2/goldilocks/w8/v1"))

	var buf [8]byte
	next := func() Val {
		_, _ = shake.Read(buf[:])
		var b [8]byte
		copy(b[:], buf[:])
		return ValFromBytes(b)
	}

	for r := range poseidonRC {
		for i := range poseidonRC[r] {
			poseidonRC[r][i] = next()
		}
	}
	for i := range poseidonDiag {
		poseidonDiag[i] = NewVal(uint64(i) + 2)
	}
}

// PoseidonRoundConstant exposes the constant of round r, lane i, for
// the hash chip's preprocessed columns and the recursion runtime.
func PoseidonRoundConstant(r, i int) Val {
	return poseidonRC[r][i]
}

// PoseidonDiag exposes the internal-matrix diagonal entry of lane i
func PoseidonDiag(i int) Val {
	return poseidonDiag[i]
}

// PoseidonRounds returns the total round count of the permutation
func PoseidonRounds() int {
	return poseidonFullF + poseidonPartial + poseidonFullL
}

func sbox(v *Val) {
	var v2, v4 Val
	v2.Square(v)
	v4.Square(&v2)
	v.Mul(v, &v4)
	v.Mul(v, &v2) // v^7
}

// externalLayer applies the matrix J + I: out_i = sum(state) + state_i
func externalLayer(state *[PoseidonWidth]Val) {
	var sum Val
	for i := range state {
		sum.Add(&sum, &state[i])
	}
	for i := range state {
		state[i].Add(&state[i], &sum)
	}
}

// internalLayer applies the matrix J + diag(d): out_i = sum + d_i*state_i
func internalLayer(state *[PoseidonWidth]Val) {
	var sum Val
	for i := range state {
		sum.Add(&sum, &state[i])
	}
	for i := range state {
		state[i].Mul(&state[i], &poseidonDiag[i])
		state[i].Add(&state[i], &sum)
	}
}

// PoseidonRound applies one round of the permutation in place.
// Exposed so the hash chip can constrain a single round per trace row
// and the recursion runtime can replay rounds.
func PoseidonRound(state *[PoseidonWidth]Val, round int) {
	full := round < poseidonFullF || round >= poseidonFullF+poseidonPartial
	if full {
		for i := range state {
			state[i].Add(&state[i], &poseidonRC[round][i])
			sbox(&state[i])
		}
		externalLayer(state)
	} else {
		state[0].Add(&state[0], &poseidonRC[round][0])
		sbox(&state[0])
		internalLayer(state)
	}
}

// PoseidonPermute applies the full permutation in place
func PoseidonPermute(state *[PoseidonWidth]Val) {
	externalLayer(state) // pre-rounds linear layer
	for r := 0; r < PoseidonRounds(); r++ {
		PoseidonRound(state, r)
	}
}

// PoseidonHash absorbs the inputs at rate 4 and squeezes one digest.
// Padding is the usual "append 1 then zeros" in field form.
func PoseidonHash(inputs []Val) Digest {
	var state [PoseidonWidth]Val

	padded := make([]Val, len(inputs), len(inputs)+PoseidonRate)
	copy(padded, inputs)
	padded = append(padded, One())
	for len(padded)%PoseidonRate != 0 {
		padded = append(padded, Zero())
	}

	for off := 0; off < len(padded); off += PoseidonRate {
		for i := 0; i < PoseidonRate; i++ {
			state[i].Add(&state[i], &padded[off+i])
		}
		PoseidonPermute(&state)
	}

	var out Digest
	copy(out[:], state[:PoseidonRate])
	return out
}

// PoseidonCompress is the two-to-one compression used by field-native
// Merkle trees, with a feed-forward of the left input.
func PoseidonCompress(a, b Digest) Digest {
	var state [PoseidonWidth]Val
	copy(state[:4], a[:])
	copy(state[4:], b[:])
	PoseidonPermute(&state)

	var out Digest
	for i := 0; i < 4; i++ {
		out[i].Add(&state[i], &a[i])
	}
	return out
}

// Bytes returns the canonical 32-byte encoding of the digest
func (d Digest) Bytes() [32]byte {
	var out [32]byte
	for i, v := range d {
		b := ValBytes(v)
		copy(out[i*8:], b[:])
	}
	return out
}

// DigestFromBytes decodes the encoding produced by Digest.Bytes
func DigestFromBytes(b [32]byte) Digest {
	var out Digest
	for i := range out {
		var w [8]byte
		copy(w[:], b[i*8:])
		out[i] = ValFromBytes(w)
	}
	return out
}
