// Package chips holds the AIR tables of the proving machines: trace
// generation from execution records, polynomial constraints as
// expression trees, and the cross-chip interaction argument.
//
// Constraints are built once per chip as explicit expression trees so a
// single evaluator can serve trace-domain checks, the prover's quotient
// computation, the verifier's out-of-domain check and the recursion
// compiler.
package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// MatrixKind selects the committed matrix a column reference points at
type MatrixKind uint8

const (
	// KindPreprocessed is the fixed trace committed at setup
	KindPreprocessed MatrixKind = iota
	// KindMain is the witness trace
	KindMain
)

// SelKind is a domain selector polynomial
type SelKind uint8

const (
	// SelFirst is the Lagrange polynomial of row 0
	SelFirst SelKind = iota
	// SelLast is the Lagrange polynomial of the last row
	SelLast
	// SelTransition vanishes on the last row; it exempts the cyclic
	// wrap from next-row constraints
	SelTransition
)

// Expr is a node of a constraint polynomial over the trace columns.
// Column and selector nodes count as degree one; challenges, publics
// and claimed cumulative sums are constants of the evaluation.
type Expr interface {
	Degree() int
}

// ColExpr references a committed base column at the local row
// (Offset 0) or the next row (Offset 1)
type ColExpr struct {
	Matrix MatrixKind
	Index  int
	Offset int
}

// AuxColExpr references an extension-valued permutation column, stored
// as the base column pair (2*Index, 2*Index+1)
type AuxColExpr struct {
	Index  int
	Offset int
}

// ConstExpr is a field constant
type ConstExpr struct {
	Value core.Val
}

// PublicExpr references an element of the shard's public values
type PublicExpr struct {
	Index int
}

// ChallengeExpr references a sampled extension challenge
type ChallengeExpr struct {
	Index int
}

// CumClaimExpr references the claimed cumulative sum of the chip's
// interaction with the given local index
type CumClaimExpr struct {
	Interaction int
}

// SelExpr references a domain selector
type SelExpr struct {
	Kind SelKind
}

// AddExpr, SubExpr, MulExpr and NegExpr are the arithmetic nodes
type AddExpr struct{ X, Y Expr }
type SubExpr struct{ X, Y Expr }
type MulExpr struct{ X, Y Expr }
type NegExpr struct{ X Expr }

func (ColExpr) Degree() int       { return 1 }
func (AuxColExpr) Degree() int    { return 1 }
func (ConstExpr) Degree() int     { return 0 }
func (PublicExpr) Degree() int    { return 0 }
func (ChallengeExpr) Degree() int { return 0 }
func (CumClaimExpr) Degree() int  { return 0 }
func (SelExpr) Degree() int       { return 1 }

func (e AddExpr) Degree() int { return max(e.X.Degree(), e.Y.Degree()) }
func (e SubExpr) Degree() int { return max(e.X.Degree(), e.Y.Degree()) }
func (e MulExpr) Degree() int { return e.X.Degree() + e.Y.Degree() }
func (e NegExpr) Degree() int { return e.X.Degree() }

// Builder shorthands. Chip constraint code reads as arithmetic.

// C is a small-integer constant
func C(v uint64) Expr { return ConstExpr{Value: core.NewVal(v)} }

// CV is a field constant
func CV(v core.Val) Expr { return ConstExpr{Value: v} }

// M references main column i at the local row
func M(i int) Expr { return ColExpr{Matrix: KindMain, Index: i} }

// MN references main column i at the next row
func MN(i int) Expr { return ColExpr{Matrix: KindMain, Index: i, Offset: 1} }

// P references preprocessed column i at the local row
func P(i int) Expr { return ColExpr{Matrix: KindPreprocessed, Index: i} }

// PN references preprocessed column i at the next row
func PN(i int) Expr { return ColExpr{Matrix: KindPreprocessed, Index: i, Offset: 1} }

// Aux references permutation column i at the local row
func Aux(i int) Expr { return AuxColExpr{Index: i} }

// AuxN references permutation column i at the next row
func AuxN(i int) Expr { return AuxColExpr{Index: i, Offset: 1} }

// Pub references public value i
func Pub(i int) Expr { return PublicExpr{Index: i} }

// Chal references extension challenge i
func Chal(i int) Expr { return ChallengeExpr{Index: i} }

// Sel references a domain selector
func Sel(k SelKind) Expr { return SelExpr{Kind: k} }

// Add sums its operands; with no operands it is zero
func Add(xs ...Expr) Expr {
	if len(xs) == 0 {
		return C(0)
	}
	out := xs[0]
	for _, x := range xs[1:] {
		out = AddExpr{X: out, Y: x}
	}
	return out
}

// Sub subtracts y from x
func Sub(x, y Expr) Expr { return SubExpr{X: x, Y: y} }

// Mul multiplies its operands; with no operands it is one
func Mul(xs ...Expr) Expr {
	if len(xs) == 0 {
		return C(1)
	}
	out := xs[0]
	for _, x := range xs[1:] {
		out = MulExpr{X: out, Y: x}
	}
	return out
}

// Neg negates x
func Neg(x Expr) Expr { return NegExpr{X: x} }

// Scale multiplies x by a constant
func Scale(v uint64, x Expr) Expr { return Mul(C(v), x) }

// Not is 1 - x, for boolean columns
func Not(x Expr) Expr { return Sub(C(1), x) }

// Next shifts every column reference of e from the local row to the
// next row. e must only contain local references; interaction tuples
// satisfy this by construction.
func Next(e Expr) Expr {
	switch n := e.(type) {
	case ColExpr:
		return ColExpr{Matrix: n.Matrix, Index: n.Index, Offset: n.Offset + 1}
	case AuxColExpr:
		return AuxColExpr{Index: n.Index, Offset: n.Offset + 1}
	case ConstExpr, PublicExpr, ChallengeExpr, CumClaimExpr, SelExpr:
		return e
	case AddExpr:
		return AddExpr{X: Next(n.X), Y: Next(n.Y)}
	case SubExpr:
		return SubExpr{X: Next(n.X), Y: Next(n.Y)}
	case MulExpr:
		return MulExpr{X: Next(n.X), Y: Next(n.Y)}
	case NegExpr:
		return NegExpr{X: Next(n.X)}
	}
	return e
}

// Evaluator interprets expressions over an arbitrary carrier type: the
// prover uses extension-field points of the low-degree extension, the
// verifier the opened values at the out-of-domain point, and the
// recursion compiler circuit wires.
type Evaluator[E any] struct {
	Col       func(m MatrixKind, index, offset int) E
	AuxCol    func(index, offset int) E
	Const     func(v core.Val) E
	Public    func(i int) E
	Challenge func(i int) E
	CumClaim  func(i int) E
	Sel       func(k SelKind) E

	Add func(x, y E) E
	Sub func(x, y E) E
	Mul func(x, y E) E
	Neg func(x E) E
}

// Eval evaluates e over the carrier
func (ev *Evaluator[E]) Eval(e Expr) E {
	switch n := e.(type) {
	case ColExpr:
		return ev.Col(n.Matrix, n.Index, n.Offset)
	case AuxColExpr:
		return ev.AuxCol(n.Index, n.Offset)
	case ConstExpr:
		return ev.Const(n.Value)
	case PublicExpr:
		return ev.Public(n.Index)
	case ChallengeExpr:
		return ev.Challenge(n.Index)
	case CumClaimExpr:
		return ev.CumClaim(n.Interaction)
	case SelExpr:
		return ev.Sel(n.Kind)
	case AddExpr:
		return ev.Add(ev.Eval(n.X), ev.Eval(n.Y))
	case SubExpr:
		return ev.Sub(ev.Eval(n.X), ev.Eval(n.Y))
	case MulExpr:
		return ev.Mul(ev.Eval(n.X), ev.Eval(n.Y))
	case NegExpr:
		return ev.Neg(ev.Eval(n.X))
	}
	panic("chips: unknown expression node")
}

// ExtEvaluator builds an evaluator over the extension field. The
// closures supply the committed column openings and the evaluation
// context; arithmetic is fixed.
func ExtEvaluator(
	col func(m MatrixKind, index, offset int) core.Ext,
	auxBase func(index, offset int) core.Ext,
	public func(i int) core.Ext,
	challenge func(i int) core.Ext,
	cumClaim func(i int) core.Ext,
	sel func(k SelKind) core.Ext,
) *Evaluator[core.Ext] {
	return &Evaluator[core.Ext]{
		Col: col,
		AuxCol: func(index, offset int) core.Ext {
			// the pair of base columns (2i, 2i+1) encodes a0 + a1*X
			lo := auxBase(2*index, offset)
			hi := auxBase(2*index+1, offset)
			var phi core.Ext
			phi.A1.SetOne()
			var out core.Ext
			out.Mul(&hi, &phi)
			out.Add(&out, &lo)
			return out
		},
		Const: func(v core.Val) core.Ext {
			return core.ExtFromBase(v)
		},
		Public:    public,
		Challenge: challenge,
		CumClaim:  cumClaim,
		Sel:       sel,
		Add: func(x, y core.Ext) core.Ext {
			var out core.Ext
			out.Add(&x, &y)
			return out
		},
		Sub: func(x, y core.Ext) core.Ext {
			var out core.Ext
			out.Sub(&x, &y)
			return out
		},
		Mul: func(x, y core.Ext) core.Ext {
			var out core.Ext
			out.Mul(&x, &y)
			return out
		},
		Neg: func(x core.Ext) core.Ext {
			var out core.Ext
			out.Neg(&x)
			return out
		},
	}
}
