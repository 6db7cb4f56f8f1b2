package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Channel names a cross-chip multiset. Senders and receivers of a
// channel must cancel over all chips of a machine: the grand sum of
// signed logarithmic-derivative terms is zero.
type Channel uint8

const (
	// ChannelMemory carries (addr, ts, value, kind) access tuples
	ChannelMemory Channel = 1
	// ChannelProgram carries fetched instruction tuples
	ChannelProgram Channel = 2
	// ChannelALU carries delegated arithmetic claims
	ChannelALU Channel = 3
	// ChannelSyscall carries ECALL rows to the syscall chip
	ChannelSyscall Channel = 4
	// ChannelRange8 carries single bytes for range checking
	ChannelRange8 Channel = 5
	// ChannelNibbleOp carries (op, x, y, x op y) nibble facts
	ChannelNibbleOp Channel = 6
	// ChannelPow2 carries (shamt, 1<<shamt) facts
	ChannelPow2 Channel = 7
	// ChannelPoseidonIn carries permutation input states
	ChannelPoseidonIn Channel = 8
	// ChannelPoseidonOut carries permutation output states
	ChannelPoseidonOut Channel = 9
	// ChannelCircuitMem carries the single-assignment cells of the
	// recursion machine
	ChannelCircuitMem Channel = 10
	// ChannelMemInit carries the committed (addr, value) seed tuples of
	// the first shard's memory image
	ChannelMemInit Channel = 11
)

// Interaction is one signed multiset contribution of a chip. Values
// and Mult only reference local-row columns and constants.
type Interaction struct {
	Channel Channel
	// Sign is +1 for sends and -1 for receives
	Sign   int
	Values []Expr
	Mult   Expr
}

// Send builds a sending interaction
func Send(ch Channel, mult Expr, values ...Expr) Interaction {
	return Interaction{Channel: ch, Sign: 1, Values: values, Mult: mult}
}

// Receive builds a receiving interaction
func Receive(ch Channel, mult Expr, values ...Expr) Interaction {
	return Interaction{Channel: ch, Sign: -1, Values: values, Mult: mult}
}

// NumInteractionChallenges is the challenge count of the permutation
// round: one additive shift and one tuple compressor.
const NumInteractionChallenges = 2

// denomExpr is alpha + channel + sum_j beta^(j+1) * v_j, the
// logarithmic-derivative denominator of one interaction
func denomExpr(in Interaction) Expr {
	out := Add(Chal(0), C(uint64(in.Channel)))
	beta := Expr(Chal(1))
	pow := beta
	for _, v := range in.Values {
		out = Add(out, Mul(pow, v))
		pow = Mul(pow, beta)
	}
	return out
}

func signedMult(in Interaction) Expr {
	if in.Sign < 0 {
		return Neg(in.Mult)
	}
	return in.Mult
}

// AuxConstraints builds the running-sum identities of the chip's
// interactions: the first row seeds the sum, every transition adds the
// next row's term, and the last row pins the claimed cumulative value.
// Interaction k owns the extension column k.
func AuxConstraints(name string, interactions []Interaction) []Constraint {
	out := make([]Constraint, 0, 3*len(interactions))
	for k, in := range interactions {
		denom := denomExpr(in)
		mult := signedMult(in)

		out = append(out,
			Constraint{
				Name: name + "_aux_first",
				E:    Mul(Sel(SelFirst), Sub(Mul(Aux(k), denom), mult)),
			},
			Constraint{
				Name: name + "_aux_transition",
				E: Mul(Sel(SelTransition),
					Sub(Mul(Sub(AuxN(k), Aux(k)), Next(denom)), Next(mult))),
			},
			Constraint{
				Name: name + "_aux_last",
				E:    Mul(Sel(SelLast), Sub(Aux(k), CumClaimExpr{Interaction: k})),
			},
		)
	}
	return out
}

// rowEvaluator evaluates local-only expressions over a concrete trace
// row in the base field
func rowEvaluator(pre, main *Table, r int) *Evaluator[core.Val] {
	return &Evaluator[core.Val]{
		Col: func(m MatrixKind, index, offset int) core.Val {
			if offset != 0 {
				panic("chips: interaction expressions must be local")
			}
			if m == KindPreprocessed {
				return pre.At(r, index)
			}
			return main.At(r, index)
		},
		Const: func(v core.Val) core.Val { return v },
		Add: func(x, y core.Val) core.Val {
			var out core.Val
			out.Add(&x, &y)
			return out
		},
		Sub: func(x, y core.Val) core.Val {
			var out core.Val
			out.Sub(&x, &y)
			return out
		},
		Mul: func(x, y core.Val) core.Val {
			var out core.Val
			out.Mul(&x, &y)
			return out
		},
		Neg: func(x core.Val) core.Val {
			var out core.Val
			out.Neg(&x)
			return out
		},
	}
}

// GenerateAux fills the permutation trace of one chip: for interaction
// k a running sum of sign*mult/(alpha + compress(values)), stored as
// two base columns. Returns the trace and the per-interaction
// cumulative sums.
func GenerateAux(
	interactions []Interaction,
	pre, main *Table,
	alpha, beta core.Ext,
) (*Table, []core.Ext, error) {
	height := main.Height
	aux := NewTable(2*len(interactions), height)
	cums := make([]core.Ext, len(interactions))

	for k, in := range interactions {
		var running core.Ext
		for r := 0; r < height; r++ {
			ev := rowEvaluator(pre, main, r)

			mult := ev.Eval(in.Mult)
			if !mult.IsZero() {
				denom := alpha
				var term core.Ext
				pow := beta
				for _, v := range in.Values {
					vv := ev.Eval(v)
					term.MulByBase(&pow, &vv)
					denom.Add(&denom, &term)
					pow.Mul(&pow, &beta)
				}
				chID := core.ExtFromUint64(uint64(in.Channel))
				denom.Add(&denom, &chID)

				inv, err := denom.Inverse(&denom)
				if err != nil {
					return nil, nil, err
				}
				term.MulByBase(inv, &mult)
				if in.Sign < 0 {
					term.Neg(&term)
				}
				running.Add(&running, &term)
			}

			aux.Set(r, 2*k, running.A0)
			aux.Set(r, 2*k+1, running.A1)
		}
		cums[k] = running
	}
	return aux, cums, nil
}
