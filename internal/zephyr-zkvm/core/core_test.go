package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimitiveRootOfUnity(t *testing.T) {
	for _, logN := range []int{0, 1, 4, 10} {
		g, err := PrimitiveRootOfUnity(logN)
		require.NoError(t, err)

		// g^(2^logN) == 1 and g^(2^(logN-1)) != 1
		acc := g
		for i := 0; i < logN; i++ {
			if i == logN-1 {
				require.False(t, acc.IsOne(), "root of order 2^%d is not primitive", logN)
			}
			acc.Square(&acc)
		}
		require.True(t, acc.IsOne())
	}

	_, err := PrimitiveRootOfUnity(TwoAdicity + 1)
	require.Error(t, err)
}

func TestNTTRoundTrip(t *testing.T) {
	d, err := NewDomain(6)
	require.NoError(t, err)

	coeffs := make([]Val, d.N)
	for i := range coeffs {
		coeffs[i] = NewVal(uint64(i)*17 + 3)
	}

	evals := make([]Val, d.N)
	copy(evals, coeffs)
	require.NoError(t, d.NTT(evals))

	// spot-check against Horner at a few domain points
	for _, i := range []int{0, 1, 5, 63} {
		x := d.Element(i)
		want := EvalPoly(coeffs, x)
		require.True(t, want.Equal(&evals[i]), "NTT mismatch at index %d", i)
	}

	back, err := d.Interpolate(evals)
	require.NoError(t, err)
	for i := range coeffs {
		require.True(t, coeffs[i].Equal(&back[i]), "INTT mismatch at index %d", i)
	}
}

func TestCosetLDEMatchesDirectEvaluation(t *testing.T) {
	d, err := NewDomain(4)
	require.NoError(t, err)

	coeffs := make([]Val, d.N)
	for i := range coeffs {
		coeffs[i] = NewVal(uint64(i * i * 31))
	}
	evals := make([]Val, d.N)
	copy(evals, coeffs)
	require.NoError(t, d.NTT(evals))

	shift := CosetShift()
	lde, err := d.CosetLDE(evals, 2, shift)
	require.NoError(t, err)
	require.Len(t, lde, d.N*4)

	ext, err := NewDomain(d.LogN + 2)
	require.NoError(t, err)
	for _, i := range []int{0, 1, 7, 33, 63} {
		var x Val
		w := ext.Element(i)
		x.Mul(&shift, &w)
		want := EvalPoly(coeffs, x)
		require.True(t, want.Equal(&lde[i]), "LDE mismatch at index %d", i)
	}
}

func TestExtFieldArithmetic(t *testing.T) {
	x := Ext{A0: NewVal(12345), A1: NewVal(678)}
	y := Ext{A0: NewVal(999), A1: NewVal(424242)}

	var prod, div Ext
	prod.Mul(&x, &y)
	_, err := div.Div(&prod, &y)
	require.NoError(t, err)
	require.True(t, div.Equal(&x))

	var inv Ext
	_, err = inv.Inverse(&x)
	require.NoError(t, err)
	var check Ext
	check.Mul(&x, &inv)
	one := ExtOne()
	require.True(t, check.Equal(&one))

	zero := ExtZero()
	_, err = inv.Inverse(&zero)
	require.Error(t, err)
}

func TestExtNonResidue(t *testing.T) {
	// X^2 - 7 must be irreducible: 7 has no square root in the field
	w := NewVal(7)
	var r Val
	require.Nil(t, r.Sqrt(&w))
}

func TestPoseidonDeterministicAndPositionSensitive(t *testing.T) {
	in := []Val{NewVal(1), NewVal(2), NewVal(3)}
	d1 := PoseidonHash(in)
	d2 := PoseidonHash(in)
	require.Equal(t, d1, d2)

	swapped := []Val{NewVal(2), NewVal(1), NewVal(3)}
	require.NotEqual(t, d1, PoseidonHash(swapped))

	// length padding distinguishes [1,2,3] from [1,2,3,0]
	extended := append(append([]Val{}, in...), Zero())
	require.NotEqual(t, d1, PoseidonHash(extended))
}

func TestPoseidonCompressNotSymmetric(t *testing.T) {
	a := PoseidonHash([]Val{NewVal(1)})
	b := PoseidonHash([]Val{NewVal(2)})
	require.NotEqual(t, PoseidonCompress(a, b), PoseidonCompress(b, a))
}

func TestDigestBytesRoundTrip(t *testing.T) {
	d := PoseidonHash([]Val{NewVal(77)})
	require.Equal(t, d, DigestFromBytes(d.Bytes()))
}

func TestMerkleOpenVerify(t *testing.T) {
	for _, hasher := range []Hasher{KeccakHasher{}, PoseidonHasher{}} {
		leaves := make([][]byte, 16)
		for i := range leaves {
			leaves[i] = []byte{byte(i), byte(i * 3)}
		}

		tree, err := NewMerkleTree(leaves, hasher)
		require.NoError(t, err)

		for _, idx := range []int{0, 7, 15} {
			path, err := tree.Open(idx)
			require.NoError(t, err)
			require.NoError(t, VerifyMerklePath(tree.Root(), leaves[idx], idx, path, hasher))

			// wrong leaf content must fail
			require.Error(t, VerifyMerklePath(tree.Root(), []byte{0xff}, idx, path, hasher))
			// wrong index must fail
			require.Error(t, VerifyMerklePath(tree.Root(), leaves[idx], (idx+1)%16, path, hasher))
		}
	}
}

func TestMerkleRejectsNonPowerOfTwo(t *testing.T) {
	_, err := NewMerkleTree(make([][]byte, 3), KeccakHasher{})
	require.Error(t, err)
	_, err = NewMerkleTreeFromLeafDigests(make([][32]byte, 3), KeccakHasher{})
	require.Error(t, err)
}

func TestMerkleFromLeafDigestsMatchesLeafHashing(t *testing.T) {
	for _, hasher := range []Hasher{KeccakHasher{}, PoseidonHasher{}} {
		leaves := make([][]byte, 8)
		digests := make([][32]byte, 8)
		for i := range leaves {
			leaves[i] = []byte{byte(i), byte(i * 5)}
			digests[i] = hasher.HashLeaf(leaves[i])
		}

		full, err := NewMerkleTree(leaves, hasher)
		require.NoError(t, err)
		streamed, err := NewMerkleTreeFromLeafDigests(digests, hasher)
		require.NoError(t, err)
		require.Equal(t, full.Root(), streamed.Root())

		path, err := streamed.Open(3)
		require.NoError(t, err)
		require.NoError(t, VerifyMerklePath(streamed.Root(), leaves[3], 3, path, hasher))
	}
}
