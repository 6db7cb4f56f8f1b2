package core

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Domain is a multiplicative subgroup of order 2^LogN with precomputed
// generator data. Trace columns are interpolated over a Domain and
// low-degree extended onto a shifted larger Domain.
type Domain struct {
	LogN   int
	N      int
	Gen    Val // primitive 2^LogN-th root of unity
	GenInv Val
	NInv   Val
}

// NewDomain builds the evaluation domain of size 2^logN
func NewDomain(logN int) (*Domain, error) {
	g, err := PrimitiveRootOfUnity(logN)
	if err != nil {
		return nil, err
	}

	var gInv, nInv Val
	gInv.Inverse(&g)
	nInv.SetUint64(uint64(1) << uint(logN))
	nInv.Inverse(&nInv)

	return &Domain{
		LogN:   logN,
		N:      1 << logN,
		Gen:    g,
		GenInv: gInv,
		NInv:   nInv,
	}, nil
}

// Element returns Gen^i
func (d *Domain) Element(i int) Val {
	i &= d.N - 1
	out := One()
	g := d.Gen
	for b := 0; (1 << b) <= i; b++ {
		if i&(1<<b) != 0 {
			out.Mul(&out, &g)
		}
		g.Square(&g)
	}
	return out
}

// NTT transforms coefficients into evaluations over the domain,
// in place. len(a) must equal d.N.
func (d *Domain) NTT(a []Val) error {
	return nttCore(a, d.Gen)
}

// INTT transforms evaluations over the domain into coefficients,
// in place.
func (d *Domain) INTT(a []Val) error {
	if err := nttCore(a, d.GenInv); err != nil {
		return err
	}
	for i := range a {
		a[i].Mul(&a[i], &d.NInv)
	}
	return nil
}

// nttCore is the iterative radix-2 Cooley-Tukey butterfly network
func nttCore(a []Val, gen Val) error {
	n := len(a)
	if !utils.IsPowerOfTwo(n) {
		return fmt.Errorf("NTT length must be a power of 2, got %d", n)
	}
	logN := utils.Log2(n)

	for i := 0; i < n; i++ {
		j := utils.ReverseBits(i, logN)
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}

	// wlen for length 2^s is gen^(n / 2^s)
	for length := 2; length <= n; length <<= 1 {
		wlen := gen
		for step := length; step < n; step <<= 1 {
			wlen.Square(&wlen)
		}

		half := length >> 1
		for start := 0; start < n; start += length {
			w := One()
			for j := 0; j < half; j++ {
				var u, v Val
				u = a[start+j]
				v.Mul(&a[start+j+half], &w)
				a[start+j].Add(&u, &v)
				a[start+j+half].Sub(&u, &v)
				w.Mul(&w, &wlen)
			}
		}
	}
	return nil
}

// Interpolate returns the coefficient form of evaluations over d
func (d *Domain) Interpolate(evals []Val) ([]Val, error) {
	if len(evals) != d.N {
		return nil, fmt.Errorf("expected %d evaluations, got %d", d.N, len(evals))
	}
	coeffs := make([]Val, d.N)
	copy(coeffs, evals)
	if err := d.INTT(coeffs); err != nil {
		return nil, err
	}
	return coeffs, nil
}

// CosetLDE low-degree extends evaluations over d onto the coset
// shift * <g_ext> of size d.N << logBlowup. The result is in natural
// evaluation order of the extended domain.
func (d *Domain) CosetLDE(evals []Val, logBlowup int, shift Val) ([]Val, error) {
	coeffs, err := d.Interpolate(evals)
	if err != nil {
		return nil, err
	}

	extended, err := NewDomain(d.LogN + logBlowup)
	if err != nil {
		return nil, err
	}

	// scale coefficients so evaluation over <g_ext> lands on shift*<g_ext>
	out := make([]Val, extended.N)
	s := One()
	for i := range coeffs {
		out[i].Mul(&coeffs[i], &s)
		s.Mul(&s, &shift)
	}
	if err := extended.NTT(out); err != nil {
		return nil, err
	}
	return out, nil
}

// EvalPoly evaluates the coefficient-form polynomial at x (Horner)
func EvalPoly(coeffs []Val, x Val) Val {
	var acc Val
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(&acc, &x)
		acc.Add(&acc, &coeffs[i])
	}
	return acc
}

// EvalPolyExt evaluates a base-coefficient polynomial at an extension
// point
func EvalPolyExt(coeffs []Val, x Ext) Ext {
	acc := ExtZero()
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(&acc, &x)
		c := ExtFromBase(coeffs[i])
		acc.Add(&acc, &c)
	}
	return acc
}

// EvalExtPoly evaluates an extension-coefficient polynomial at an
// extension point
func EvalExtPoly(coeffs []Ext, x Ext) Ext {
	acc := ExtZero()
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(&acc, &x)
		acc.Add(&acc, &coeffs[i])
	}
	return acc
}

// VanishingPolyExt evaluates Z_H(x) = x^N - 1 for the trace domain H at
// an extension point
func (d *Domain) VanishingPolyExt(x Ext) Ext {
	var xn Ext
	xn.ExpUint64(x, uint64(d.N))
	one := ExtOne()
	xn.Sub(&xn, &one)
	return xn
}
