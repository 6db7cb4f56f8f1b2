package recursion

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// ExecError is a failed circuit execution: an assertion did not hold,
// the witness stream was malformed, or a public binding disagreed with
// the shard's public values. A valid proof never produces one.
type ExecError struct {
	Instr  int
	Reason string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("recursion: instruction %d: %s", e.Instr, e.Reason)
}

func execErrf(instr int, format string, args ...any) error {
	return &ExecError{Instr: instr, Reason: fmt.Sprintf(format, args...)}
}

// Execute runs a frozen circuit over a witness stream and produces the
// execution record the recursion machine proves. Asserts and public
// bindings are enforced here; the chip constraints re-enforce them in
// the proof.
func Execute(prog *Program, witness []core.Val, pub executor.PublicValues) (*executor.ExecutionRecord, error) {
	cells := make([]core.Val, prog.Cells)
	pubs := pub.ToVals()

	events := make([]executor.CircuitEvent, 0, len(prog.Instrs))
	hashEvents := make([]executor.HashEvent, 0, prog.Perms)

	wpos := 0
	permID := uint64(0)
	for i, in := range prog.Instrs {
		var ev executor.CircuitEvent
		switch in.Op {
		case OpConst:
			cells[in.Out] = in.C
			ev.Out = in.C
		case OpWitness:
			if wpos >= len(witness) {
				return nil, execErrf(i, "witness stream exhausted at element %d", wpos)
			}
			cells[in.Out] = witness[wpos]
			wpos++
			ev.Out = cells[in.Out]
		case OpAdd:
			ev.A, ev.B = cells[in.A], cells[in.B]
			var v core.Val
			v.Add(&ev.A, &ev.B)
			cells[in.Out] = v
			ev.Out = v
		case OpSub:
			ev.A, ev.B = cells[in.A], cells[in.B]
			var v core.Val
			v.Sub(&ev.A, &ev.B)
			cells[in.Out] = v
			ev.Out = v
		case OpMul:
			ev.A, ev.B = cells[in.A], cells[in.B]
			var v core.Val
			v.Mul(&ev.A, &ev.B)
			cells[in.Out] = v
			ev.Out = v
		case OpInv:
			ev.A = cells[in.A]
			if ev.A.IsZero() {
				return nil, execErrf(i, "inverse of zero")
			}
			var v core.Val
			v.Inverse(&ev.A)
			cells[in.Out] = v
			ev.Out = v
		case OpHintByte:
			ev.A = cells[in.A]
			u := core.ValUint64(ev.A)
			cells[in.Out] = core.NewVal((u >> (8 * in.K)) & 0xff)
			ev.Out = cells[in.Out]
		case OpHintBit:
			ev.A = cells[in.A]
			u := core.ValUint64(ev.A)
			cells[in.Out] = core.NewVal((u >> in.K) & 1)
			ev.Out = cells[in.Out]
		case OpAssertZero:
			ev.A = cells[in.A]
			if !ev.A.IsZero() {
				return nil, execErrf(i, "assertion failed: cell %d is nonzero", in.A)
			}
		case OpAssertByte:
			ev.A = cells[in.A]
			if core.ValUint64(ev.A) > 0xff {
				return nil, execErrf(i, "assertion failed: cell %d is not a byte", in.A)
			}
		case OpAssertBit:
			ev.A = cells[in.A]
			if core.ValUint64(ev.A) > 1 {
				return nil, execErrf(i, "assertion failed: cell %d is not a bit", in.A)
			}
		case OpPerm:
			var state [core.PoseidonWidth]core.Val
			for j, c := range in.In {
				state[j] = cells[c]
				ev.HashIn[j] = state[j]
			}
			hashEvents = append(hashEvents, executor.HashEvent{PermID: permID, Input: state})
			core.PoseidonPermute(&state)
			for j, c := range in.Outs {
				cells[c] = state[j]
				ev.HashOut[j] = state[j]
				ev.HashReads[j] = uint64(prog.Reads[c])
			}
			permID++
		case OpBindPublic:
			ev.A = cells[in.A]
			if int(in.K) >= outputDigestLimbs {
				return nil, execErrf(i, "public binding slot %d out of range", in.K)
			}
			want := pubs[chips.PubOutputDigest0+int(in.K)]
			if !ev.A.Equal(&want) {
				return nil, execErrf(i, "public binding slot %d disagrees with the shard", in.K)
			}
		default:
			return nil, execErrf(i, "unknown opcode %d", in.Op)
		}
		if out := in.writes(); len(out) == 1 {
			ev.Reads = uint64(prog.Reads[out[0]])
		}
		events = append(events, ev)
	}
	if wpos != len(witness) {
		return nil, execErrf(len(prog.Instrs), "witness stream has %d unread elements", len(witness)-wpos)
	}

	return &executor.ExecutionRecord{
		Shard:         pub.Shard,
		CircuitEvents: events,
		HashEvents:    hashEvents,
		Public:        pub,
	}, nil
}
