package stark

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// RoundCommitment is one commitment round: the low-degree extensions of
// a batch of trace matrices under a single Merkle tree. Leaf i is the
// concatenation of row i across all matrices, so one path opens a full
// evaluation point.
type RoundCommitment struct {
	Mats []*chips.Table
	Tree *core.MerkleTree
}

// ldeTables extends every column of every table from the trace domain
// onto the shifted evaluation domain
func ldeTables(tables []*chips.Table, logBlowup int) ([]*chips.Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("stark: empty commitment round")
	}
	dom, err := core.NewDomain(utils.Log2(tables[0].Height))
	if err != nil {
		return nil, err
	}
	shift := core.CosetShift()

	out := make([]*chips.Table, len(tables))
	for i, t := range tables {
		lde := chips.NewTable(t.Width, t.Height<<logBlowup)
		for c := 0; c < t.Width; c++ {
			ext, err := dom.CosetLDE(t.Column(c), logBlowup, shift)
			if err != nil {
				return nil, err
			}
			for r, v := range ext {
				lde.Set(r, c, v)
			}
		}
		out[i] = lde
	}
	return out, nil
}

// commitRound builds the Merkle tree over already-extended matrices
func commitRound(mats []*chips.Table, hasher core.Hasher) (*RoundCommitment, error) {
	height := mats[0].Height
	for _, m := range mats {
		if m.Height != height {
			return nil, fmt.Errorf("stark: matrix heights differ within a round")
		}
	}

	// leaves are hashed through one scratch buffer; the LDE matrices
	// stay resident for query openings but the leaf bytes do not
	digests := make([][32]byte, height)
	var buf []byte
	for r := 0; r < height; r++ {
		buf = buf[:0]
		for _, m := range mats {
			buf = core.AppendVals(buf, m.Row(r)...)
		}
		digests[r] = hasher.HashLeaf(buf)
	}
	tree, err := core.NewMerkleTreeFromLeafDigests(digests, hasher)
	if err != nil {
		return nil, err
	}
	return &RoundCommitment{Mats: mats, Tree: tree}, nil
}

// commitTraces extends trace-domain tables and commits them
func commitTraces(tables []*chips.Table, logBlowup int, hasher core.Hasher) (*RoundCommitment, error) {
	ldes, err := ldeTables(tables, logBlowup)
	if err != nil {
		return nil, err
	}
	return commitRound(ldes, hasher)
}

// Root returns the round's commitment
func (rc *RoundCommitment) Root() [32]byte {
	return rc.Tree.Root()
}

// Open produces the rows of every matrix at the given evaluation index
// together with the shared Merkle path
func (rc *RoundCommitment) Open(index int) (CommitmentOpening, error) {
	path, err := rc.Tree.Open(index)
	if err != nil {
		return CommitmentOpening{}, err
	}
	rows := make([][]core.Val, len(rc.Mats))
	for i, m := range rc.Mats {
		rows[i] = append([]core.Val(nil), m.Row(index)...)
	}
	return CommitmentOpening{Rows: rows, Path: path}, nil
}

// CommitmentOpening is one opened leaf of a commitment round: the rows
// of every matrix in the round plus the Merkle path
type CommitmentOpening struct {
	Rows [][]core.Val
	Path [][32]byte
}

// verifyOpening checks an opened leaf against the round root. widths
// pins the expected row shapes so a malformed proof cannot shift
// columns between matrices.
func verifyOpening(root [32]byte, op CommitmentOpening, index int, widths []int, hasher core.Hasher) error {
	if len(op.Rows) != len(widths) {
		return fmt.Errorf("stark: opening has %d matrices, want %d", len(op.Rows), len(widths))
	}
	var buf []byte
	for i, row := range op.Rows {
		if len(row) != widths[i] {
			return fmt.Errorf("stark: opened row %d has width %d, want %d", i, len(row), widths[i])
		}
		buf = core.AppendVals(buf, row...)
	}
	return core.VerifyMerklePath(root, buf, index, op.Path, hasher)
}

// cosetInterpolate recovers coefficients from evaluations over the
// coset shift*<g>
func cosetInterpolate(evals []core.Val, shift core.Val) ([]core.Val, error) {
	dom, err := core.NewDomain(utils.Log2(len(evals)))
	if err != nil {
		return nil, err
	}
	coeffs, err := dom.Interpolate(evals)
	if err != nil {
		return nil, err
	}
	// undo the coefficient scaling of the coset evaluation
	var sInv core.Val
	sInv.Inverse(&shift)
	s := core.One()
	for i := range coeffs {
		coeffs[i].Mul(&coeffs[i], &s)
		s.Mul(&s, &sInv)
	}
	return coeffs, nil
}

// cosetEvaluate evaluates a coefficient-form polynomial over the coset
// shift*<g> of size 2^logN
func cosetEvaluate(coeffs []core.Val, logN int, shift core.Val) ([]core.Val, error) {
	dom, err := core.NewDomain(logN)
	if err != nil {
		return nil, err
	}
	if len(coeffs) > dom.N {
		return nil, fmt.Errorf("stark: %d coefficients exceed domain of size %d", len(coeffs), dom.N)
	}
	out := make([]core.Val, dom.N)
	s := core.One()
	for i := range coeffs {
		out[i].Mul(&coeffs[i], &s)
		s.Mul(&s, &shift)
	}
	if err := dom.NTT(out); err != nil {
		return nil, err
	}
	return out, nil
}

// extCosetInterpolate interpolates an extension-valued codeword
// componentwise
func extCosetInterpolate(evals []core.Ext, shift core.Val) ([]core.Ext, error) {
	lo := make([]core.Val, len(evals))
	hi := make([]core.Val, len(evals))
	for i, v := range evals {
		lo[i] = v.A0
		hi[i] = v.A1
	}
	cLo, err := cosetInterpolate(lo, shift)
	if err != nil {
		return nil, err
	}
	cHi, err := cosetInterpolate(hi, shift)
	if err != nil {
		return nil, err
	}
	out := make([]core.Ext, len(evals))
	for i := range out {
		out[i] = core.Ext{A0: cLo[i], A1: cHi[i]}
	}
	return out, nil
}
