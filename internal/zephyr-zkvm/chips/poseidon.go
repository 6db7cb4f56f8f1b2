package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// PermRows is the trace footprint of one permutation: the raw input
// row, one row per round, and the output row.
const PermRows = 32

// Poseidon chip preprocessed columns; the pattern repeats every
// PermRows rows
const (
	posApplyExt = iota
	posApplyRound
	posIsFull
	posIsPartial
	posIsIn
	posIsOut
	posRC0 // 8 round constants
	posPreCols = posRC0 + core.PoseidonWidth
)

// Poseidon chip main columns
const (
	posState0 = iota
	posSbA0   = posState0 + core.PoseidonWidth
	posSbB0   = posSbA0 + core.PoseidonWidth
	posPermID = posSbB0 + core.PoseidonWidth
	posIsReal = posPermID + 1
	posNumCols = posIsReal + 1
)

// PoseidonChip proves Poseidon2 permutations one round per row. Row 0
// of a permutation holds the raw input; the first transition applies
// the pre-rounds linear layer and each following transition one round.
// With channels enabled the chip receives input states and sends output
// states, which is how the recursion machine delegates hashing; the
// deferred machine runs it standalone.
type PoseidonChip struct {
	withChannels bool
}

func NewPoseidonChip(withChannels bool) *PoseidonChip {
	return &PoseidonChip{withChannels: withChannels}
}

func (c *PoseidonChip) Name() string           { return "poseidon" }
func (c *PoseidonChip) PreprocessedWidth() int { return posPreCols }
func (c *PoseidonChip) MainWidth() int         { return posNumCols }

func (c *PoseidonChip) Rows(rec *executor.ExecutionRecord) int {
	return len(rec.HashEvents) * PermRows
}

func (c *PoseidonChip) GeneratePreprocessed(prog *executor.Program, height int) *Table {
	t := NewTable(posPreCols, height)
	for r := 0; r < height; r++ {
		switch i := r % PermRows; {
		case i == 0:
			t.SetUint(r, posApplyExt, 1)
			t.SetUint(r, posIsIn, 1)
		case i <= core.PoseidonRounds():
			round := i - 1
			t.SetUint(r, posApplyRound, 1)
			full := round < 4 || round >= core.PoseidonRounds()-4
			t.SetBool(r, posIsFull, full)
			t.SetBool(r, posIsPartial, !full)
			for lane := 0; lane < core.PoseidonWidth; lane++ {
				t.Set(r, posRC0+lane, core.PoseidonRoundConstant(round, lane))
			}
		default:
			t.SetUint(r, posIsOut, 1)
		}
	}
	return t
}

func (c *PoseidonChip) GenerateMain(rec *executor.ExecutionRecord, height int) *Table {
	t := NewTable(posNumCols, height)
	perms := height / PermRows

	for p := 0; p < perms; p++ {
		var state [core.PoseidonWidth]core.Val
		var permID uint64
		real := p < len(rec.HashEvents)
		if real {
			state = rec.HashEvents[p].Input
			permID = rec.HashEvents[p].PermID
		}
		// padding permutations run on the zero input so every row
		// satisfies the round identities

		base := p * PermRows
		c.fillInputRow(t, base, &state, permID, real)

		var ext [core.PoseidonWidth]core.Val
		ext = state
		externalLayerVals(&ext)
		c.fillRow(t, base+1, &ext, permID, real)

		for round := 0; round < core.PoseidonRounds(); round++ {
			c.fillSbox(t, base+1+round, &ext, round)
			core.PoseidonRound(&ext, round)
			c.fillRow(t, base+2+round, &ext, permID, real)
		}
	}
	return t
}

func (c *PoseidonChip) fillInputRow(t *Table, r int, state *[core.PoseidonWidth]core.Val, permID uint64, real bool) {
	c.fillRow(t, r, state, permID, real)
}

func (c *PoseidonChip) fillRow(t *Table, r int, state *[core.PoseidonWidth]core.Val, permID uint64, real bool) {
	for i, v := range state {
		t.Set(r, posState0+i, v)
	}
	t.SetUint(r, posPermID, permID)
	t.SetBool(r, posIsReal, real)
}

// fillSbox stores the S-box intermediates of the round applied at row r
func (c *PoseidonChip) fillSbox(t *Table, r int, state *[core.PoseidonWidth]core.Val, round int) {
	full := round < 4 || round >= core.PoseidonRounds()-4
	lanes := 1
	if full {
		lanes = core.PoseidonWidth
	}
	for i := 0; i < lanes; i++ {
		var tv, a, b core.Val
		rc := core.PoseidonRoundConstant(round, i)
		tv.Add(&state[i], &rc)
		a.Square(&tv)
		b.Square(&a)
		t.Set(r, posSbA0+i, a)
		t.Set(r, posSbB0+i, b)
	}
}

// externalLayerVals mirrors the permutation's pre-rounds linear layer
func externalLayerVals(state *[core.PoseidonWidth]core.Val) {
	var sum core.Val
	for i := range state {
		sum.Add(&sum, &state[i])
	}
	for i := range state {
		state[i].Add(&state[i], &sum)
	}
}

func (c *PoseidonChip) Constraints() []Constraint {
	cs := boolConstraints("pos_bool", posIsReal)

	state := func(i int) Expr { return M(posState0 + i) }
	stateN := func(i int) Expr { return MN(posState0 + i) }
	rc := func(i int) Expr { return P(posRC0 + i) }

	// t_i = state_i + rc_i, y_i = t_i^7 via the stored squares
	tOf := func(i int) Expr { return Add(state(i), rc(i)) }
	yOf := func(i int) Expr { return Mul(tOf(i), M(posSbA0+i), M(posSbB0+i)) }

	// pre-rounds linear layer: out_i = sum(state) + state_i
	var stateSum []Expr
	for i := 0; i < core.PoseidonWidth; i++ {
		stateSum = append(stateSum, state(i))
	}
	for i := 0; i < core.PoseidonWidth; i++ {
		cs = append(cs, Constraint{"pos_ext", Mul(P(posApplyExt),
			Sub(stateN(i), Add(Add(stateSum...), state(i))))})
	}

	// S-box intermediates
	for i := 0; i < core.PoseidonWidth; i++ {
		gate := Expr(P(posIsFull))
		if i > 0 {
			// partial rounds only substitute lane 0
			cs = append(cs,
				Constraint{"pos_sba", Mul(gate, Sub(M(posSbA0+i), Mul(tOf(i), tOf(i))))},
				Constraint{"pos_sbb", Mul(gate, Sub(M(posSbB0+i), Mul(M(posSbA0+i), M(posSbA0+i))))},
			)
		} else {
			gate = Add(P(posIsFull), P(posIsPartial))
			cs = append(cs,
				Constraint{"pos_sba", Mul(gate, Sub(M(posSbA0), Mul(tOf(0), tOf(0))))},
				Constraint{"pos_sbb", Mul(gate, Sub(M(posSbB0), Mul(M(posSbA0), M(posSbA0))))},
			)
		}
	}

	// full round: substitute every lane, then out_i = sum(y) + y_i
	var ySum []Expr
	for i := 0; i < core.PoseidonWidth; i++ {
		ySum = append(ySum, yOf(i))
	}
	for i := 0; i < core.PoseidonWidth; i++ {
		cs = append(cs, Constraint{"pos_full", Mul(P(posIsFull),
			Sub(stateN(i), Add(Add(ySum...), yOf(i))))})
	}

	// partial round: substitute lane 0, keep the rest, then
	// out_i = sum(u) + d_i*u_i with u_0 = y_0 and u_i = state_i
	uOf := func(i int) Expr {
		if i == 0 {
			return yOf(0)
		}
		return state(i)
	}
	var uSum []Expr
	for i := 0; i < core.PoseidonWidth; i++ {
		uSum = append(uSum, uOf(i))
	}
	for i := 0; i < core.PoseidonWidth; i++ {
		d := core.ValUint64(core.PoseidonDiag(i))
		cs = append(cs, Constraint{"pos_partial", Mul(P(posIsPartial),
			Sub(stateN(i), Add(Add(uSum...), Scale(d, uOf(i)))))})
	}

	// a permutation's rows agree on identity and reality
	inPerm := Add(P(posApplyExt), P(posApplyRound))
	cs = append(cs,
		Constraint{"pos_perm_id", Mul(inPerm, Sub(MN(posPermID), M(posPermID)))},
		Constraint{"pos_perm_real", Mul(inPerm, Sub(MN(posIsReal), M(posIsReal)))},
	)

	cs = append(cs, AuxConstraints("pos", c.Interactions())...)
	return cs
}

func (c *PoseidonChip) Interactions() []Interaction {
	if !c.withChannels {
		return nil
	}
	inVals := []Expr{M(posPermID)}
	for i := 0; i < core.PoseidonWidth; i++ {
		inVals = append(inVals, M(posState0+i))
	}
	return []Interaction{
		Receive(ChannelPoseidonIn, Mul(P(posIsIn), M(posIsReal)), inVals...),
		Send(ChannelPoseidonOut, Mul(P(posIsOut), M(posIsReal)), inVals...),
	}
}
