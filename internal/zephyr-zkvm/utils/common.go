package utils

// IsPowerOfTwo checks if a number is a power of 2
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Log2 computes the base-2 logarithm of a power of 2.
// Returns -1 when n is not a power of 2.
func Log2(n int) int {
	if !IsPowerOfTwo(n) {
		return -1
	}

	result := 0
	for n > 1 {
		n >>= 1
		result++
	}
	return result
}

// NextPowerOfTwo returns the smallest power of 2 >= n
func NextPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}

	power := 1
	for power < n {
		power <<= 1
	}
	return power
}

// ReverseBits reverses the lowest bitLen bits of i.
// Used for the in-place NTT permutation and FRI index folding.
func ReverseBits(i, bitLen int) int {
	out := 0
	for b := 0; b < bitLen; b++ {
		out = (out << 1) | (i & 1)
		i >>= 1
	}
	return out
}
