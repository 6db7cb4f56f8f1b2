package core

import (
	"fmt"
	"math/big"
	"math/bits"
)

// extW is the non-residue defining the quadratic extension
// F_p[X] / (X^2 - 7). Out-of-domain sampling and FRI folding happen in
// this extension so that a single query round contributes ~128 bits of
// field entropy instead of 64.
var extW = NewVal(7)

// Ext is an element a0 + a1*X of the quadratic extension field
type Ext struct {
	A0 Val
	A1 Val
}

// ExtFromBase embeds a base field element into the extension
func ExtFromBase(v Val) Ext {
	return Ext{A0: v}
}

// ExtFromUint64 creates an extension element from a uint64
func ExtFromUint64(v uint64) Ext {
	return Ext{A0: NewVal(v)}
}

// ExtZero returns the additive identity
func ExtZero() Ext {
	return Ext{}
}

// ExtOne returns the multiplicative identity
func ExtOne() Ext {
	return Ext{A0: One()}
}

// SetZero sets z to 0 and returns z
func (z *Ext) SetZero() *Ext {
	z.A0 = Zero()
	z.A1 = Zero()
	return z
}

// SetOne sets z to 1 and returns z
func (z *Ext) SetOne() *Ext {
	z.A0 = One()
	z.A1 = Zero()
	return z
}

// Set copies x into z and returns z
func (z *Ext) Set(x *Ext) *Ext {
	*z = *x
	return z
}

// Add sets z = x + y and returns z
func (z *Ext) Add(x, y *Ext) *Ext {
	z.A0.Add(&x.A0, &y.A0)
	z.A1.Add(&x.A1, &y.A1)
	return z
}

// Sub sets z = x - y and returns z
func (z *Ext) Sub(x, y *Ext) *Ext {
	z.A0.Sub(&x.A0, &y.A0)
	z.A1.Sub(&x.A1, &y.A1)
	return z
}

// Neg sets z = -x and returns z
func (z *Ext) Neg(x *Ext) *Ext {
	z.A0.Neg(&x.A0)
	z.A1.Neg(&x.A1)
	return z
}

// Mul sets z = x * y and returns z.
// (a0 + a1 X)(b0 + b1 X) = a0 b0 + 7 a1 b1 + (a0 b1 + a1 b0) X
func (z *Ext) Mul(x, y *Ext) *Ext {
	var t0, t1, c0, c1 Val
	t0.Mul(&x.A0, &y.A0)
	t1.Mul(&x.A1, &y.A1)
	t1.Mul(&t1, &extW)
	c0.Add(&t0, &t1)

	t0.Mul(&x.A0, &y.A1)
	t1.Mul(&x.A1, &y.A0)
	c1.Add(&t0, &t1)

	z.A0 = c0
	z.A1 = c1
	return z
}

// Square sets z = x * x and returns z
func (z *Ext) Square(x *Ext) *Ext {
	return z.Mul(x, x)
}

// MulByBase sets z = x * c for a base field scalar c and returns z
func (z *Ext) MulByBase(x *Ext, c *Val) *Ext {
	z.A0.Mul(&x.A0, c)
	z.A1.Mul(&x.A1, c)
	return z
}

// Inverse sets z = 1/x and returns z. Returns an error on zero.
// 1/(a0 + a1 X) = (a0 - a1 X) / (a0^2 - 7 a1^2)
func (z *Ext) Inverse(x *Ext) (*Ext, error) {
	var n0, n1, d Val
	n0.Square(&x.A0)
	n1.Square(&x.A1)
	n1.Mul(&n1, &extW)
	d.Sub(&n0, &n1)

	if d.IsZero() {
		return nil, fmt.Errorf("cannot invert zero extension element")
	}
	d.Inverse(&d)

	z.A0.Mul(&x.A0, &d)
	var negA1 Val
	negA1.Neg(&x.A1)
	z.A1.Mul(&negA1, &d)
	return z, nil
}

// Div sets z = x / y and returns z. Returns an error on division by zero.
func (z *Ext) Div(x, y *Ext) (*Ext, error) {
	var inv Ext
	if _, err := inv.Inverse(y); err != nil {
		return nil, err
	}
	return z.Mul(x, &inv), nil
}

// Exp sets z = x^k and returns z
func (z *Ext) Exp(x Ext, k *big.Int) *Ext {
	z.SetOne()
	for i := k.BitLen() - 1; i >= 0; i-- {
		z.Square(z)
		if k.Bit(i) == 1 {
			z.Mul(z, &x)
		}
	}
	return z
}

// ExpUint64 sets z = x^k and returns z
func (z *Ext) ExpUint64(x Ext, k uint64) *Ext {
	z.SetOne()
	if k == 0 {
		return z
	}
	for i := bits.Len64(k) - 1; i >= 0; i-- {
		z.Square(z)
		if (k>>uint(i))&1 == 1 {
			z.Mul(z, &x)
		}
	}
	return z
}

// Equal reports whether z == x
func (z *Ext) Equal(x *Ext) bool {
	return z.A0.Equal(&x.A0) && z.A1.Equal(&x.A1)
}

// IsZero reports whether z == 0
func (z *Ext) IsZero() bool {
	return z.A0.IsZero() && z.A1.IsZero()
}

// String returns a human-readable representation
func (z *Ext) String() string {
	return fmt.Sprintf("(%s + %s*X)", z.A0.String(), z.A1.String())
}

// ExtBytes returns the canonical 16-byte encoding of z
func ExtBytes(z Ext) [16]byte {
	var out [16]byte
	b0 := ValBytes(z.A0)
	b1 := ValBytes(z.A1)
	copy(out[:8], b0[:])
	copy(out[8:], b1[:])
	return out
}

// ExtFromBytes decodes the encoding produced by ExtBytes
func ExtFromBytes(b [16]byte) Ext {
	var b0, b1 [8]byte
	copy(b0[:], b[:8])
	copy(b1[:], b[8:])
	return Ext{A0: ValFromBytes(b0), A1: ValFromBytes(b1)}
}

// AppendExts appends the canonical encodings of vals to buf
func AppendExts(buf []byte, vals ...Ext) []byte {
	for _, v := range vals {
		b := ExtBytes(v)
		buf = append(buf, b[:]...)
	}
	return buf
}
