package recursion

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Felt is an SSA cell handle
type Felt int

// Ext is an extension element as a cell pair
type Ext struct {
	Lo Felt
	Hi Felt
}

// Builder records circuit instructions. All methods append; Freeze
// validates and returns the immutable program.
type Builder struct {
	instrs  []Instr
	cells   int
	witness int
	consts  map[uint64]Felt
}

func NewBuilder() *Builder {
	return &Builder{consts: make(map[uint64]Felt)}
}

func (b *Builder) cell() Felt {
	c := Felt(b.cells)
	b.cells++
	return c
}

// Const returns a cell holding v; repeated constants share one cell
func (b *Builder) Const(v core.Val) Felt {
	key := core.ValUint64(v)
	if c, ok := b.consts[key]; ok {
		return c
	}
	out := b.cell()
	b.instrs = append(b.instrs, Instr{Op: OpConst, Out: int(out), C: v})
	b.consts[key] = out
	return out
}

// ConstU is Const over a small integer
func (b *Builder) ConstU(v uint64) Felt {
	return b.Const(core.NewVal(v))
}

// Witness reads the next stream value
func (b *Builder) Witness() Felt {
	out := b.cell()
	b.instrs = append(b.instrs, Instr{Op: OpWitness, Out: int(out)})
	b.witness++
	return out
}

func (b *Builder) bin(op Op, x, y Felt) Felt {
	out := b.cell()
	b.instrs = append(b.instrs, Instr{Op: op, Out: int(out), A: int(x), B: int(y)})
	return out
}

func (b *Builder) Add(x, y Felt) Felt { return b.bin(OpAdd, x, y) }
func (b *Builder) Sub(x, y Felt) Felt { return b.bin(OpSub, x, y) }
func (b *Builder) Mul(x, y Felt) Felt { return b.bin(OpMul, x, y) }

// Inv writes 1/x; execution faults on zero and the chip enforces
// x * out = 1
func (b *Builder) Inv(x Felt) Felt {
	out := b.cell()
	b.instrs = append(b.instrs, Instr{Op: OpInv, Out: int(out), A: int(x)})
	return out
}

func (b *Builder) Neg(x Felt) Felt {
	return b.Sub(b.ConstU(0), x)
}

// MulConst multiplies by an immediate
func (b *Builder) MulConst(x Felt, v core.Val) Felt {
	return b.Mul(x, b.Const(v))
}

func (b *Builder) AssertZero(x Felt) {
	b.instrs = append(b.instrs, Instr{Op: OpAssertZero, A: int(x)})
}

func (b *Builder) AssertEq(x, y Felt) {
	b.AssertZero(b.Sub(x, y))
}

func (b *Builder) AssertBit(x Felt) {
	b.instrs = append(b.instrs, Instr{Op: OpAssertBit, A: int(x)})
}

func (b *Builder) AssertByte(x Felt) {
	b.instrs = append(b.instrs, Instr{Op: OpAssertByte, A: int(x)})
}

// Select returns bit*x + (1-bit)*y; bit must already be asserted
func (b *Builder) Select(bit, x, y Felt) Felt {
	// y + bit*(x-y)
	return b.Add(y, b.Mul(bit, b.Sub(x, y)))
}

// Permute applies the Poseidon2 permutation, delegated to the hash
// chip through the permutation channels
func (b *Builder) Permute(in [core.PoseidonWidth]Felt) [core.PoseidonWidth]Felt {
	var ins, outs [core.PoseidonWidth]int
	var out [core.PoseidonWidth]Felt
	for i, c := range in {
		ins[i] = int(c)
	}
	for i := range out {
		out[i] = b.cell()
		outs[i] = int(out[i])
	}
	b.instrs = append(b.instrs, Instr{Op: OpPerm, In: ins, Outs: outs})
	return out
}

// BindPublic equates x with output-digest limb slot of the recursion
// shard's public values
func (b *Builder) BindPublic(x Felt, slot int) {
	b.instrs = append(b.instrs, Instr{Op: OpBindPublic, A: int(x), K: uint64(slot)})
}

// Bits decomposes x into its canonical 64 bits, low first. The
// decomposition is bound by recomposition and by the Goldilocks
// canonicity check: if the high 32 bits are all ones the low 32 must
// be zero.
func (b *Builder) Bits(x Felt) [64]Felt {
	var bits [64]Felt
	for k := 0; k < 64; k++ {
		out := b.cell()
		b.instrs = append(b.instrs, Instr{Op: OpHintBit, Out: int(out), A: int(x), K: uint64(k)})
		b.AssertBit(out)
		bits[k] = out
	}

	// recompose
	sum := b.ConstU(0)
	pow := core.One()
	two := core.NewVal(2)
	for k := 0; k < 64; k++ {
		sum = b.Add(sum, b.MulConst(bits[k], pow))
		pow.Mul(&pow, &two)
	}
	b.AssertEq(sum, x)

	// canonicity: andHigh * orLow == 0
	andHigh := bits[32]
	for k := 33; k < 64; k++ {
		andHigh = b.Mul(andHigh, bits[k])
	}
	one := b.ConstU(1)
	notOr := b.Sub(one, bits[0])
	for k := 1; k < 32; k++ {
		notOr = b.Mul(notOr, b.Sub(one, bits[k]))
	}
	orLow := b.Sub(one, notOr)
	b.AssertZero(b.Mul(andHigh, orLow))
	return bits
}

// Limbs splits x into its two canonical 4-byte limbs, low first
func (b *Builder) Limbs(x Felt) (Felt, Felt) {
	bits := b.Bits(x)
	lo := b.ConstU(0)
	hi := b.ConstU(0)
	pow := core.One()
	two := core.NewVal(2)
	for k := 0; k < 32; k++ {
		lo = b.Add(lo, b.MulConst(bits[k], pow))
		hi = b.Add(hi, b.MulConst(bits[32+k], pow))
		pow.Mul(&pow, &two)
	}
	return lo, hi
}

// Extension arithmetic over cell pairs, mirroring core.Ext with
// non-residue 7.

func (b *Builder) ExtConst(v core.Ext) Ext {
	return Ext{Lo: b.Const(v.A0), Hi: b.Const(v.A1)}
}

func (b *Builder) ExtWitness() Ext {
	return Ext{Lo: b.Witness(), Hi: b.Witness()}
}

func (b *Builder) ExtFromBase(x Felt) Ext {
	return Ext{Lo: x, Hi: b.ConstU(0)}
}

func (b *Builder) ExtAdd(x, y Ext) Ext {
	return Ext{Lo: b.Add(x.Lo, y.Lo), Hi: b.Add(x.Hi, y.Hi)}
}

func (b *Builder) ExtSub(x, y Ext) Ext {
	return Ext{Lo: b.Sub(x.Lo, y.Lo), Hi: b.Sub(x.Hi, y.Hi)}
}

func (b *Builder) ExtNeg(x Ext) Ext {
	return Ext{Lo: b.Neg(x.Lo), Hi: b.Neg(x.Hi)}
}

func (b *Builder) ExtMul(x, y Ext) Ext {
	w := core.NewVal(7)
	lo := b.Add(b.Mul(x.Lo, y.Lo), b.MulConst(b.Mul(x.Hi, y.Hi), w))
	hi := b.Add(b.Mul(x.Lo, y.Hi), b.Mul(x.Hi, y.Lo))
	return Ext{Lo: lo, Hi: hi}
}

func (b *Builder) ExtMulBase(x Ext, c Felt) Ext {
	return Ext{Lo: b.Mul(x.Lo, c), Hi: b.Mul(x.Hi, c)}
}

// ExtInv inverts via the norm: 1/(a0+a1 X) = (a0-a1 X)/(a0^2-7 a1^2)
func (b *Builder) ExtInv(x Ext) Ext {
	w := core.NewVal(7)
	n := b.Sub(b.Mul(x.Lo, x.Lo), b.MulConst(b.Mul(x.Hi, x.Hi), w))
	d := b.Inv(n)
	return Ext{Lo: b.Mul(x.Lo, d), Hi: b.Neg(b.Mul(x.Hi, d))}
}

func (b *Builder) ExtAssertEq(x, y Ext) {
	b.AssertEq(x.Lo, y.Lo)
	b.AssertEq(x.Hi, y.Hi)
}

func (b *Builder) ExtSelect(bit Felt, x, y Ext) Ext {
	return Ext{Lo: b.Select(bit, x.Lo, y.Lo), Hi: b.Select(bit, x.Hi, y.Hi)}
}

// Freeze validates and returns the program
func (b *Builder) Freeze() (*Program, error) {
	return freeze(b.instrs, b.cells, b.witness)
}
