package stark

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Verify checks a shard proof against the verifying key. Failures are
// typed: ConstraintError for algebraic violations, ProximityError for
// commitment and low-degree failures.
func (vk *VerifyingKey) Verify(proof *Proof) error {
	cfg := vk.cfg
	m := vk.Machine

	logH := proof.LogHeight
	if logH < utils.Log2(chips.MinHeight) || logH+cfg.LogBlowup > core.TwoAdicity {
		return constraintErrf("shard height 2^%d out of range", logH)
	}
	logM := logH + cfg.LogBlowup

	if len(proof.Opened.Chips) != len(m.Chips) || len(proof.Cumulative) != len(m.Chips) {
		return constraintErrf("proof shape does not match the %s machine", m.Name)
	}

	preW := make([]int, len(m.Chips))
	mainW := make([]int, len(m.Chips))
	auxW := make([]int, len(m.Chips))
	for i, c := range m.Chips {
		preW[i] = c.PreprocessedWidth()
		mainW[i] = c.MainWidth()
		auxW[i] = 2 * len(c.Interactions())

		op := &proof.Opened.Chips[i]
		if len(op.PreLocal) != preW[i] || len(op.PreNext) != preW[i] ||
			len(op.MainLocal) != mainW[i] || len(op.MainNext) != mainW[i] ||
			len(op.AuxLocal) != auxW[i] || len(op.AuxNext) != auxW[i] ||
			len(proof.Cumulative[i]) != len(c.Interactions()) {
			return constraintErrf("chip %s openings are malformed", c.Name())
		}
	}
	if len(proof.Opened.Quotient) != 2*quotientChunks {
		return constraintErrf("expected %d quotient columns, got %d",
			2*quotientChunks, len(proof.Opened.Quotient))
	}

	// the verifier recomputes the fixed-trace commitment itself
	preRoot, err := vk.PreRoot(logH)
	if err != nil {
		return err
	}
	if preRoot != proof.PreRoot {
		return constraintErrf("preprocessed commitment does not match the program")
	}

	if total := chips.TotalCumulative(proof.Cumulative); !total.IsZero() {
		return constraintErrf("interaction channels do not cancel")
	}

	pubs := proof.Public.ToVals()
	ch := NewChallenger()
	bindStatement(ch, vk.Program, logH, pubs)
	ch.ObserveBytes32(proof.PreRoot)
	ch.ObserveBytes32(proof.MainRoot)
	alpha := ch.SampleExt()
	beta := ch.SampleExt()
	ch.ObserveBytes32(proof.AuxRoot)
	for _, cs := range proof.Cumulative {
		ch.ObserveExt(cs...)
	}
	alphaC := ch.SampleExt()
	ch.ObserveBytes32(proof.QuotRoot)
	z := ch.SampleExt()

	traceDom, err := core.NewDomain(logH)
	if err != nil {
		return err
	}
	var gz core.Ext
	gz.MulByBase(&z, &traceDom.Gen)

	if err := checkOOD(m, proof, pubs, alpha, beta, alphaC, z, traceDom); err != nil {
		return err
	}

	observeOpened(ch, &proof.Opened)
	lambda := ch.SampleExt()

	betas, err := friReplayChallenges(&proof.FRI, cfg, logM, ch)
	if err != nil {
		return err
	}
	if len(proof.FRI.Queries) != cfg.NumQueries {
		return proximityErrf("expected %d queries, got %d", cfg.NumQueries, len(proof.FRI.Queries))
	}

	extDom, err := core.NewDomain(logM)
	if err != nil {
		return err
	}
	shift := core.CosetShift()
	cols := collectDeepColumns(&proof.Opened)
	roots := [numRounds][32]byte{proof.PreRoot, proof.MainRoot, proof.AuxRoot, proof.QuotRoot}
	widths := [numRounds][]int{preW, mainW, auxW, {2 * quotientChunks}}
	halfM := 1 << (logM - 1)

	for qi := range proof.FRI.Queries {
		q := &proof.FRI.Queries[qi]
		idx := ch.SampleBits(logM)
		lo := idx % halfM
		hi := lo + halfM

		if len(q.Lo) != numRounds || len(q.Hi) != numRounds {
			return proximityErrf("query %d opens %d rounds", qi, len(q.Lo))
		}
		for r := 0; r < numRounds; r++ {
			if err := verifyOpening(roots[r], q.Lo[r], lo, widths[r], vk.hasher); err != nil {
				return proximityErrf("query %d round %d: %v", qi, r, err)
			}
			if err := verifyOpening(roots[r], q.Hi[r], hi, widths[r], vk.hasher); err != nil {
				return proximityErrf("query %d round %d: %v", qi, r, err)
			}
		}

		var xLo, xHi core.Val
		el := extDom.Element(lo)
		xLo.Mul(&shift, &el)
		el = extDom.Element(hi)
		xHi.Mul(&shift, &el)

		vLo, err := openedDeepValue(cols, q.Lo, xLo, z, gz, lambda)
		if err != nil {
			return proximityErrf("query %d: %v", qi, err)
		}
		vHi, err := openedDeepValue(cols, q.Hi, xHi, z, gz, lambda)
		if err != nil {
			return proximityErrf("query %d: %v", qi, err)
		}

		if err := friVerifyQuery(&proof.FRI, q, betas, logM, idx, vLo, vHi, vk.hasher); err != nil {
			return err
		}
	}
	return nil
}

// checkOOD evaluates every constraint at the out-of-domain point from
// the opened values and matches the claimed quotient
func checkOOD(m *chips.Machine, proof *Proof, pubs []core.Val,
	alpha, beta, alphaC, z core.Ext, traceDom *core.Domain) error {

	n := traceDom.N
	zh := traceDom.VanishingPolyExt(z)
	one := core.ExtOne()
	gLast := traceDom.Element(n - 1)
	glExt := core.ExtFromBase(gLast)
	nv := core.NewVal(uint64(n))

	var d0, dl core.Ext
	d0.Sub(&z, &one)
	d0.MulByBase(&d0, &nv)
	if _, err := d0.Inverse(&d0); err != nil {
		return constraintErrf("degenerate out-of-domain point")
	}
	dl.Sub(&z, &glExt)
	dl.MulByBase(&dl, &nv)
	if _, err := dl.Inverse(&dl); err != nil {
		return constraintErrf("degenerate out-of-domain point")
	}

	var selFirst, selLast, selTrans core.Ext
	selFirst.Mul(&zh, &d0)
	selLast.Mul(&zh, &dl)
	selLast.MulByBase(&selLast, &gLast)
	selTrans.Sub(&z, &glExt)

	chal := []core.Ext{alpha, beta}
	var acc core.Ext
	pow := core.ExtOne()
	for ci, chip := range m.Chips {
		op := &proof.Opened.Chips[ci]
		cum := proof.Cumulative[ci]
		ev := chips.ExtEvaluator(
			func(kind chips.MatrixKind, index, offset int) core.Ext {
				if kind == chips.KindPreprocessed {
					if offset == 0 {
						return op.PreLocal[index]
					}
					return op.PreNext[index]
				}
				if offset == 0 {
					return op.MainLocal[index]
				}
				return op.MainNext[index]
			},
			func(index, offset int) core.Ext {
				if offset == 0 {
					return op.AuxLocal[index]
				}
				return op.AuxNext[index]
			},
			func(i int) core.Ext { return core.ExtFromBase(pubs[i]) },
			func(i int) core.Ext { return chal[i] },
			func(i int) core.Ext { return cum[i] },
			func(k chips.SelKind) core.Ext {
				switch k {
				case chips.SelFirst:
					return selFirst
				case chips.SelLast:
					return selLast
				default:
					return selTrans
				}
			},
		)
		for _, con := range chip.Constraints() {
			v := ev.Eval(con.E)
			v.Mul(&v, &pow)
			acc.Add(&acc, &v)
			pow.Mul(&pow, &alphaC)
		}
	}

	// recombine the chunk openings: q(z) = sum_c q_c(z) * z^(c*n)
	var phi core.Ext
	phi.A1.SetOne()
	var zn core.Ext
	zn.ExpUint64(z, uint64(n))

	var qz core.Ext
	zp := core.ExtOne()
	for c := 0; c < quotientChunks; c++ {
		var t, hi core.Ext
		hi.Mul(&proof.Opened.Quotient[2*c+1], &phi)
		t.Add(&proof.Opened.Quotient[2*c], &hi)
		t.Mul(&t, &zp)
		qz.Add(&qz, &t)
		zp.Mul(&zp, &zn)
	}

	var rhs core.Ext
	rhs.Mul(&qz, &zh)
	if !acc.Equal(&rhs) {
		return constraintErrf("out-of-domain constraint identity fails")
	}
	return nil
}
