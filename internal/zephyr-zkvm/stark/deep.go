package stark

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Commitment round indices; query openings list the rounds in this
// order
const (
	roundPre = iota
	roundMain
	roundAux
	roundQuot
	numRounds
)

// deepColumn pairs one committed base column with its claimed
// out-of-domain openings. The enumeration order fixes the batching
// powers, so prover and verifier must build the identical list.
type deepColumn struct {
	round int
	mat   int
	col   int
	atZ   core.Ext
	atGZ  *core.Ext // nil for the quotient round, opened at z only
}

// collectDeepColumns enumerates every committed column together with
// its openings: preprocessed, main and aux per chip, then the quotient
// chunks
func collectDeepColumns(opened *OpenedValues) []deepColumn {
	var out []deepColumn
	for ci := range opened.Chips {
		c := &opened.Chips[ci]
		for j := range c.PreLocal {
			out = append(out, deepColumn{roundPre, ci, j, c.PreLocal[j], &c.PreNext[j]})
		}
	}
	for ci := range opened.Chips {
		c := &opened.Chips[ci]
		for j := range c.MainLocal {
			out = append(out, deepColumn{roundMain, ci, j, c.MainLocal[j], &c.MainNext[j]})
		}
	}
	for ci := range opened.Chips {
		c := &opened.Chips[ci]
		for j := range c.AuxLocal {
			out = append(out, deepColumn{roundAux, ci, j, c.AuxLocal[j], &c.AuxNext[j]})
		}
	}
	for j := range opened.Quotient {
		out = append(out, deepColumn{roundQuot, 0, j, opened.Quotient[j], nil})
	}
	return out
}

// proverDeepCodeword evaluates the batched opening quotient
//
//	G(x) = sum_k lambda^k (p_k(x) - p_k(zpt_k)) / (x - zpt_k)
//
// over the extended domain. G is low degree exactly when every claimed
// opening is correct, which is what FRI then certifies.
func proverDeepCodeword(cols []deepColumn, mats [numRounds][]*chips.Table,
	z, gz, lambda core.Ext, logM int) ([]core.Ext, error) {

	m := 1 << logM
	extDom, err := core.NewDomain(logM)
	if err != nil {
		return nil, err
	}
	shift := core.CosetShift()

	cw := make([]core.Ext, m)
	x := shift
	for i := 0; i < m; i++ {
		xe := core.ExtFromBase(x)
		var dz, dg core.Ext
		dz.Sub(&xe, &z)
		if _, err := dz.Inverse(&dz); err != nil {
			return nil, err
		}
		dg.Sub(&xe, &gz)
		if _, err := dg.Inverse(&dg); err != nil {
			return nil, err
		}

		var num core.Ext
		lam := core.ExtOne()
		for k := range cols {
			dc := &cols[k]
			v := core.ExtFromBase(mats[dc.round][dc.mat].At(i, dc.col))

			var t core.Ext
			t.Sub(&v, &dc.atZ)
			t.Mul(&t, &dz)
			t.Mul(&t, &lam)
			num.Add(&num, &t)
			lam.Mul(&lam, &lambda)

			if dc.atGZ != nil {
				t.Sub(&v, dc.atGZ)
				t.Mul(&t, &dg)
				t.Mul(&t, &lam)
				num.Add(&num, &t)
				lam.Mul(&lam, &lambda)
			}
		}
		cw[i] = num
		x.Mul(&x, &extDom.Gen)
	}
	return cw, nil
}

// openedDeepValue computes G at one queried position from the opened
// leaf rows, mirroring proverDeepCodeword term for term
func openedDeepValue(cols []deepColumn, ops []CommitmentOpening,
	x core.Val, z, gz, lambda core.Ext) (core.Ext, error) {

	xe := core.ExtFromBase(x)
	var dz, dg core.Ext
	dz.Sub(&xe, &z)
	if _, err := dz.Inverse(&dz); err != nil {
		return core.Ext{}, err
	}
	dg.Sub(&xe, &gz)
	if _, err := dg.Inverse(&dg); err != nil {
		return core.Ext{}, err
	}

	var num core.Ext
	lam := core.ExtOne()
	for k := range cols {
		dc := &cols[k]
		v := core.ExtFromBase(ops[dc.round].Rows[dc.mat][dc.col])

		var t core.Ext
		t.Sub(&v, &dc.atZ)
		t.Mul(&t, &dz)
		t.Mul(&t, &lam)
		num.Add(&num, &t)
		lam.Mul(&lam, &lambda)

		if dc.atGZ != nil {
			t.Sub(&v, dc.atGZ)
			t.Mul(&t, &dg)
			t.Mul(&t, &lam)
			num.Add(&num, &t)
			lam.Mul(&lam, &lambda)
		}
	}
	return num, nil
}
