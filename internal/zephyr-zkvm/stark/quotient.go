package stark

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// computeQuotient evaluates the combined constraint polynomial of the
// machine over the extended domain, divides by the vanishing polynomial
// of the trace domain, and splits the result into chunk columns of
// trace-domain degree. Returns the chunk evaluations over the extended
// domain (two base columns per chunk) and the chunk coefficient
// columns, which the prover opens at the out-of-domain point.
func computeQuotient(m *chips.Machine, pres, mains, auxs []*chips.Table,
	pubs []core.Val, alpha, beta, alphaC core.Ext, cums [][]core.Ext,
	logH, logBlowup int) (*chips.Table, [][]core.Val, error) {

	n := 1 << logH
	logM := logH + logBlowup
	mSize := 1 << logM
	blowup := 1 << logBlowup

	traceDom, err := core.NewDomain(logH)
	if err != nil {
		return nil, nil, err
	}
	extDom, err := core.NewDomain(logM)
	if err != nil {
		return nil, nil, err
	}
	shift := core.CosetShift()

	// evaluation points x_i = shift * w^i
	xs := make([]core.Val, mSize)
	x := shift
	for i := 0; i < mSize; i++ {
		xs[i] = x
		x.Mul(&x, &extDom.Gen)
	}

	gLast := traceDom.Element(n - 1)
	one := core.One()
	nVal := core.NewVal(uint64(n))

	// Z_H(x_i) = x_i^n - 1 cycles with period blowup over the coset
	sN := shift
	for j := 0; j < logH; j++ {
		sN.Square(&sN)
	}
	wN := extDom.Element(n)
	zh := make([]core.Val, blowup)
	v := sN
	for j := 0; j < blowup; j++ {
		zh[j].Sub(&v, &one)
		v.Mul(&v, &wN)
	}
	zhInv := core.BatchInverse(append([]core.Val(nil), zh...))

	// Lagrange selector denominators, inverted in one batch
	denoms := make([]core.Val, 2*mSize)
	for i := 0; i < mSize; i++ {
		var t core.Val
		t.Sub(&xs[i], &one)
		denoms[i].Mul(&t, &nVal)
		t.Sub(&xs[i], &gLast)
		denoms[mSize+i].Mul(&t, &nVal)
	}
	denoms = core.BatchInverse(denoms)

	selFirst := make([]core.Val, mSize)
	selLast := make([]core.Val, mSize)
	selTrans := make([]core.Val, mSize)
	for i := 0; i < mSize; i++ {
		z := zh[i&(blowup-1)]
		selFirst[i].Mul(&z, &denoms[i])
		var t core.Val
		t.Mul(&z, &gLast)
		selLast[i].Mul(&t, &denoms[mSize+i])
		selTrans[i].Sub(&xs[i], &gLast)
	}

	// constraint sets are built once, not per point
	conss := make([][]chips.Constraint, len(m.Chips))
	for i, c := range m.Chips {
		conss[i] = c.Constraints()
	}

	chal := []core.Ext{alpha, beta}
	quot := make([]core.Ext, mSize)
	for i := 0; i < mSize; i++ {
		row := i
		next := (i + blowup) & (mSize - 1)

		var acc core.Ext
		pow := core.ExtOne()
		for ci := range m.Chips {
			pre, main, aux := pres[ci], mains[ci], auxs[ci]
			cum := cums[ci]
			ev := chips.ExtEvaluator(
				func(kind chips.MatrixKind, index, offset int) core.Ext {
					r := row
					if offset != 0 {
						r = next
					}
					if kind == chips.KindPreprocessed {
						return core.ExtFromBase(pre.At(r, index))
					}
					return core.ExtFromBase(main.At(r, index))
				},
				func(index, offset int) core.Ext {
					r := row
					if offset != 0 {
						r = next
					}
					return core.ExtFromBase(aux.At(r, index))
				},
				func(j int) core.Ext { return core.ExtFromBase(pubs[j]) },
				func(j int) core.Ext { return chal[j] },
				func(j int) core.Ext { return cum[j] },
				func(k chips.SelKind) core.Ext {
					switch k {
					case chips.SelFirst:
						return core.ExtFromBase(selFirst[i])
					case chips.SelLast:
						return core.ExtFromBase(selLast[i])
					default:
						return core.ExtFromBase(selTrans[i])
					}
				},
			)
			for _, con := range conss[ci] {
				cv := ev.Eval(con.E)
				cv.Mul(&cv, &pow)
				acc.Add(&acc, &cv)
				pow.Mul(&pow, &alphaC)
			}
		}
		quot[i].MulByBase(&acc, &zhInv[i&(blowup-1)])
	}

	// split into chunks of trace-domain degree
	coeffs, err := extCosetInterpolate(quot, shift)
	if err != nil {
		return nil, nil, err
	}
	for i := quotientChunks * n; i < len(coeffs); i++ {
		if !coeffs[i].IsZero() {
			return nil, nil, fmt.Errorf("stark: quotient degree exceeds %d chunks", quotientChunks)
		}
	}

	chunkCols := make([][]core.Val, 2*quotientChunks)
	for c := 0; c < quotientChunks; c++ {
		lo := make([]core.Val, n)
		hi := make([]core.Val, n)
		for k := 0; k < n; k++ {
			lo[k] = coeffs[c*n+k].A0
			hi[k] = coeffs[c*n+k].A1
		}
		chunkCols[2*c] = lo
		chunkCols[2*c+1] = hi
	}

	table := chips.NewTable(2*quotientChunks, mSize)
	for col, cc := range chunkCols {
		evals, err := cosetEvaluate(cc, logM, shift)
		if err != nil {
			return nil, nil, err
		}
		for r, v := range evals {
			table.Set(r, col, v)
		}
	}
	return table, chunkCols, nil
}
