package stark

import (
	"encoding/binary"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Challenger is the Fiat-Shamir transcript: a Poseidon2 duplex sponge
// over the base field. Prover and verifier drive it with identical
// observe/sample sequences, so every challenge is bound to everything
// observed before it. Poseidon keeps the transcript replayable inside
// the verifier circuit.
type Challenger struct {
	state [core.PoseidonWidth]core.Val
	pos   int        // absorbed lanes since the last permutation
	out   []core.Val // squeezed lanes not yet consumed
}

// NewChallenger starts an empty transcript
func NewChallenger() *Challenger {
	return &Challenger{}
}

// Observe absorbs field elements. Any pending squeeze output is
// discarded so samples always depend on the full history.
func (c *Challenger) Observe(vs ...core.Val) {
	c.out = c.out[:0]
	for _, v := range vs {
		c.state[c.pos].Add(&c.state[c.pos], &v)
		c.pos++
		if c.pos == core.PoseidonRate {
			core.PoseidonPermute(&c.state)
			c.pos = 0
		}
	}
}

// ObserveExt absorbs an extension element as its two coordinates
func (c *Challenger) ObserveExt(vs ...core.Ext) {
	for _, v := range vs {
		c.Observe(v.A0, v.A1)
	}
}

// ObserveBytes32 absorbs a 32-byte commitment root as eight 4-byte
// limbs, each well below the modulus
func (c *Challenger) ObserveBytes32(b [32]byte) {
	limbs := make([]core.Val, 8)
	for i := range limbs {
		limbs[i] = core.NewVal(uint64(binary.LittleEndian.Uint32(b[4*i:])))
	}
	c.Observe(limbs...)
}

// SampleVal squeezes one field element
func (c *Challenger) SampleVal() core.Val {
	if len(c.out) == 0 {
		if c.pos > 0 {
			// pad marker separates absorb blocks of different length
			one := core.One()
			c.state[c.pos].Add(&c.state[c.pos], &one)
			c.pos = 0
		}
		core.PoseidonPermute(&c.state)
		c.out = append(c.out, c.state[:core.PoseidonRate]...)
	}
	v := c.out[0]
	c.out = c.out[1:]
	return v
}

// SampleExt squeezes one extension element
func (c *Challenger) SampleExt() core.Ext {
	a0 := c.SampleVal()
	a1 := c.SampleVal()
	return core.Ext{A0: a0, A1: a1}
}

// SampleBits squeezes a uniform n-bit integer, n <= 32
func (c *Challenger) SampleBits(n int) int {
	v := core.ValUint64(c.SampleVal())
	return int(v & ((1 << uint(n)) - 1))
}
