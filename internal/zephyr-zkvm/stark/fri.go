package stark

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// friState holds the prover's commit phase: every folded codeword, the
// trees committing all but the last, and the final polynomial
type friState struct {
	folded [][]core.Ext
	trees  []*core.MerkleTree
	roots  [][32]byte
	final  []core.Ext
}

// friFoldCount returns how many fold-by-two layers bring a codeword of
// size 2^logM down to the terminal size
func friFoldCount(cfg Config, logM int) (int, error) {
	stop := utils.NextPowerOfTwo((cfg.FinalPolyMaxDegree + 1) << cfg.LogBlowup)
	k := 0
	n := 1 << logM
	for n > stop {
		k++
		n >>= 1
	}
	if k == 0 {
		return 0, fmt.Errorf("stark: domain 2^%d already at terminal FRI size", logM)
	}
	return k, nil
}

// foldCodeword halves a codeword over the coset shift*<g>:
// f'(x^2) = (f(x) + f(-x))/2 + beta * (f(x) - f(-x)) / (2x)
func foldCodeword(cw []core.Ext, beta core.Ext, shift core.Val, logN int) ([]core.Ext, error) {
	n := len(cw)
	half := n / 2
	dom, err := core.NewDomain(logN)
	if err != nil {
		return nil, err
	}

	// denominators 2*x_i for the odd part, inverted in one batch
	two := core.NewVal(2)
	denoms := make([]core.Val, half)
	x := shift
	for i := 0; i < half; i++ {
		denoms[i].Mul(&x, &two)
		x.Mul(&x, &dom.Gen)
	}
	invs := core.BatchInverse(denoms)

	var inv2 core.Val
	inv2.Inverse(&two)

	out := make([]core.Ext, half)
	for i := range out {
		var even, odd core.Ext
		even.Add(&cw[i], &cw[i+half])
		even.MulByBase(&even, &inv2)

		odd.Sub(&cw[i], &cw[i+half])
		odd.MulByBase(&odd, &invs[i])
		odd.Mul(&odd, &beta)

		out[i].Add(&even, &odd)
	}
	return out, nil
}

// friCommit runs the commit phase over the initial codeword, driving
// the transcript: each layer samples its fold challenge, commits the
// folded codeword, and the last layer is interpolated and sent in the
// clear
func friCommit(codeword []core.Ext, cfg Config, hasher core.Hasher, ch *Challenger) (*friState, error) {
	logM := utils.Log2(len(codeword))
	k, err := friFoldCount(cfg, logM)
	if err != nil {
		return nil, err
	}

	st := &friState{}
	cw := codeword
	shift := core.CosetShift()
	logN := logM
	for j := 0; j < k; j++ {
		beta := ch.SampleExt()
		cw, err = foldCodeword(cw, beta, shift, logN)
		if err != nil {
			return nil, err
		}
		shift.Square(&shift)
		logN--
		st.folded = append(st.folded, cw)

		if j < k-1 {
			digests := make([][32]byte, len(cw))
			for i, v := range cw {
				b := core.ExtBytes(v)
				digests[i] = hasher.HashLeaf(b[:])
			}
			tree, err := core.NewMerkleTreeFromLeafDigests(digests, hasher)
			if err != nil {
				return nil, err
			}
			st.trees = append(st.trees, tree)
			st.roots = append(st.roots, tree.Root())
			ch.ObserveBytes32(tree.Root())
		}
	}

	// the terminal codeword is sent as coefficients
	coeffs, err := extCosetInterpolate(cw, shift)
	if err != nil {
		return nil, err
	}
	bound := cfg.FinalPolyMaxDegree + 1
	for i := bound; i < len(coeffs); i++ {
		if !coeffs[i].IsZero() {
			return nil, fmt.Errorf("stark: final FRI codeword exceeds degree %d", cfg.FinalPolyMaxDegree)
		}
	}
	if bound > len(coeffs) {
		bound = len(coeffs)
	}
	st.final = coeffs[:bound]
	ch.ObserveExt(st.final...)
	return st, nil
}

// querySteps walks the fold chain for one query index, producing the
// committed sibling of every layer after the first
func (st *friState) querySteps(index, logM int) ([]FRIStep, error) {
	idx := index % (1 << (logM - 1)) // position after the first fold

	steps := make([]FRIStep, 0, len(st.trees))
	for j := 0; j < len(st.trees); j++ {
		n := len(st.folded[j])
		half := n / 2
		sib := idx + half
		if idx >= half {
			sib = idx - half
		}
		path, err := st.trees[j].Open(sib)
		if err != nil {
			return nil, err
		}
		steps = append(steps, FRIStep{Sibling: st.folded[j][sib], Path: path})
		idx %= half
	}
	return steps, nil
}

// friReplayChallenges mirrors the prover's commit phase on the
// verifier's transcript and returns the fold challenges
func friReplayChallenges(p *FRIProof, cfg Config, logM int, ch *Challenger) ([]core.Ext, error) {
	k, err := friFoldCount(cfg, logM)
	if err != nil {
		return nil, proximityErrf("%v", err)
	}
	if len(p.Roots) != k-1 {
		return nil, proximityErrf("expected %d FRI layer roots, got %d", k-1, len(p.Roots))
	}
	if len(p.FinalPoly) > cfg.FinalPolyMaxDegree+1 {
		return nil, proximityErrf("final polynomial has %d coefficients, bound is %d",
			len(p.FinalPoly), cfg.FinalPolyMaxDegree+1)
	}

	betas := make([]core.Ext, k)
	for j := 0; j < k; j++ {
		betas[j] = ch.SampleExt()
		if j < k-1 {
			ch.ObserveBytes32(p.Roots[j])
		}
	}
	ch.ObserveExt(p.FinalPoly...)
	return betas, nil
}

// friVerifyQuery folds one query from the already-computed first-layer
// pair down to the final polynomial
func friVerifyQuery(p *FRIProof, q *FRIQuery, betas []core.Ext, logM int,
	index int, vLo, vHi core.Ext, hasher core.Hasher) error {

	if len(q.Steps) != len(p.Roots) {
		return proximityErrf("query has %d fold steps, want %d", len(q.Steps), len(p.Roots))
	}

	shift := core.CosetShift()
	logN := logM
	half := 1 << (logM - 1)
	lo := index % half

	foldAt := func(pos int, a, b core.Ext, beta core.Ext) (core.Ext, error) {
		dom, err := core.NewDomain(logN)
		if err != nil {
			return core.Ext{}, err
		}
		el := dom.Element(pos)
		x := shift
		x.Mul(&x, &el)

		two := core.NewVal(2)
		var inv2, denom core.Val
		inv2.Inverse(&two)
		denom.Mul(&x, &two)
		denom.Inverse(&denom)

		var even, odd core.Ext
		even.Add(&a, &b)
		even.MulByBase(&even, &inv2)
		odd.Sub(&a, &b)
		odd.MulByBase(&odd, &denom)
		odd.Mul(&odd, &beta)
		even.Add(&even, &odd)
		return even, nil
	}

	v, err := foldAt(lo, vLo, vHi, betas[0])
	if err != nil {
		return proximityErrf("%v", err)
	}
	idx := lo
	shift.Square(&shift)
	logN--

	for j, step := range q.Steps {
		n := 1 << logN
		half = n / 2
		sib := idx + half
		if idx >= half {
			sib = idx - half
		}

		leaf := core.ExtBytes(step.Sibling)
		if err := core.VerifyMerklePath(p.Roots[j], leaf[:], sib, step.Path, hasher); err != nil {
			return proximityErrf("FRI layer %d: %v", j, err)
		}

		lo = idx % half
		a, b := v, step.Sibling
		if idx >= half {
			a, b = step.Sibling, v
		}
		v, err = foldAt(lo, a, b, betas[j+1])
		if err != nil {
			return proximityErrf("%v", err)
		}
		idx = lo
		shift.Square(&shift)
		logN--
	}

	// the folded value must land on the final polynomial
	dom, err := core.NewDomain(logN)
	if err != nil {
		return proximityErrf("%v", err)
	}
	var x core.Val
	el := dom.Element(idx)
	x.Mul(&shift, &el)
	want := core.EvalExtPoly(p.FinalPoly, core.ExtFromBase(x))
	if !want.Equal(&v) {
		return proximityErrf("FRI query does not meet the final polynomial")
	}
	return nil
}
