package recursion

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

// ProofWitness flattens a shard proof into the witness stream of the
// compiled verifier circuit. The order here is the order CompileVerifier
// emits witness reads; the two must change together.
func ProofWitness(proof *stark.Proof) []core.Val {
	var w []core.Val

	w = append(w, proof.Public.ToVals()...)
	w = appendDigestLanes(w, proof.MainRoot)
	w = appendDigestLanes(w, proof.AuxRoot)
	w = appendDigestLanes(w, proof.QuotRoot)

	for _, cums := range proof.Cumulative {
		for _, c := range cums {
			w = append(w, c.A0, c.A1)
		}
	}

	for i := range proof.Opened.Chips {
		c := &proof.Opened.Chips[i]
		for _, vs := range [][]core.Ext{
			c.PreLocal, c.PreNext, c.MainLocal, c.MainNext, c.AuxLocal, c.AuxNext,
		} {
			for _, v := range vs {
				w = append(w, v.A0, v.A1)
			}
		}
	}
	for _, v := range proof.Opened.Quotient {
		w = append(w, v.A0, v.A1)
	}

	for _, root := range proof.FRI.Roots {
		w = appendDigestLanes(w, root)
	}
	for _, v := range proof.FRI.FinalPoly {
		w = append(w, v.A0, v.A1)
	}

	for qi := range proof.FRI.Queries {
		q := &proof.FRI.Queries[qi]
		for _, op := range q.Lo {
			w = appendOpening(w, op)
		}
		for _, op := range q.Hi {
			w = appendOpening(w, op)
		}
		for _, step := range q.Steps {
			w = append(w, step.Sibling.A0, step.Sibling.A1)
			for _, node := range step.Path {
				w = appendDigestLanes(w, node)
			}
		}
	}
	return w
}

// ReduceWitness concatenates the child proof streams in shape order
func ReduceWitness(proofs []*stark.Proof) []core.Val {
	var w []core.Val
	for _, p := range proofs {
		w = append(w, ProofWitness(p)...)
	}
	return w
}

func appendDigestLanes(w []core.Val, b [32]byte) []core.Val {
	d := core.DigestFromBytes(b)
	return append(w, d[:]...)
}

func appendOpening(w []core.Val, op stark.CommitmentOpening) []core.Val {
	for _, row := range op.Rows {
		w = append(w, row...)
	}
	for _, node := range op.Path {
		w = appendDigestLanes(w, node)
	}
	return w
}
