package chips

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// MinHeight keeps every table tall enough for the hash chip's
// permutation footprint and the FRI blowup
const MinHeight = PermRows

// Machine is an ordered chip set proved over one shared trace domain:
// all tables of a shard are padded to a common power-of-two height and
// their interactions must cancel.
type Machine struct {
	Name  string
	Chips []Chip
}

// GuestMachine proves core execution shards. The hash chip serves the
// syscall chip's IO digest permutations; the init chip commits the
// first shard's memory seeding.
func GuestMachine() *Machine {
	return &Machine{
		Name: "guest",
		Chips: []Chip{
			NewCPUChip(),
			NewALUChip(),
			NewMemoryChip(),
			NewSyscallChip(),
			NewProgramChip(),
			NewByteChip(),
			NewPoseidonChip(true),
			NewMemInitChip(),
		},
	}
}

// DeferredMachine proves the Poseidon permutations deferred out of core
// shards. It is a single standalone chip, so channels stay closed.
func DeferredMachine() *Machine {
	return &Machine{
		Name:  "deferred",
		Chips: []Chip{NewPoseidonChip(false)},
	}
}

// NewMachine builds a machine over an explicit chip set; the recursion
// machine assembles itself this way.
func NewMachine(name string, cs []Chip) *Machine {
	return &Machine{Name: name, Chips: cs}
}

// Height is the common padded height for the record
func (m *Machine) Height(prog *executor.Program, rec *executor.ExecutionRecord) int {
	h := MinHeight
	for _, c := range m.Chips {
		h = max(h, c.Rows(rec))
		if ts, ok := c.(TableSized); ok {
			h = max(h, ts.TableRows(prog))
		}
	}
	return utils.NextPowerOfTwo(h)
}

// GeneratePreprocessed builds the fixed traces at the given height,
// one per chip, zero-width for chips without one
func (m *Machine) GeneratePreprocessed(prog *executor.Program, height int) []*Table {
	out := make([]*Table, len(m.Chips))
	for i, c := range m.Chips {
		t := c.GeneratePreprocessed(prog, height)
		if t == nil {
			t = NewTable(0, height)
		}
		out[i] = t
	}
	return out
}

// GenerateMain builds the witness traces and routes lookup
// multiplicities into the machine's fact tables
func (m *Machine) GenerateMain(prog *executor.Program, rec *executor.ExecutionRecord, height int) ([]*Table, error) {
	pres := m.GeneratePreprocessed(prog, height)

	mains := make([]*Table, len(m.Chips))
	for i, c := range m.Chips {
		if c.Rows(rec) > height {
			return nil, fmt.Errorf("chip %s overflows height %d", c.Name(), height)
		}
		mains[i] = c.GenerateMain(rec, height)
	}

	// credit every send on a served channel to its fact table
	served := map[Channel]int{}
	for i, c := range m.Chips {
		if lt, ok := c.(LookupTable); ok {
			for _, ch := range lt.ServedChannels() {
				served[ch] = i
			}
		}
	}
	for i, c := range m.Chips {
		for _, in := range c.Interactions() {
			target, ok := served[in.Channel]
			if !ok || in.Sign < 0 {
				continue
			}
			lt := m.Chips[target].(LookupTable)
			for r := 0; r < height; r++ {
				ev := rowEvaluator(pres[i], mains[i], r)
				mult := ev.Eval(in.Mult)
				if mult.IsZero() {
					continue
				}
				vals := make([]core.Val, len(in.Values))
				for j, v := range in.Values {
					vals[j] = ev.Eval(v)
				}
				lt.AbsorbLookup(mains[target], in.Channel, vals, mult)
			}
		}
	}
	return mains, nil
}

// GenerateAux builds the permutation traces after the interaction
// challenges are sampled. Returns one trace and one cumulative-sum
// vector per chip.
func (m *Machine) GenerateAux(pres, mains []*Table, alpha, beta core.Ext) ([]*Table, [][]core.Ext, error) {
	auxs := make([]*Table, len(m.Chips))
	cums := make([][]core.Ext, len(m.Chips))
	for i, c := range m.Chips {
		aux, cum, err := GenerateAux(c.Interactions(), pres[i], mains[i], alpha, beta)
		if err != nil {
			return nil, nil, fmt.Errorf("chip %s: %w", c.Name(), err)
		}
		auxs[i], cums[i] = aux, cum
	}
	return auxs, cums, nil
}

// TotalCumulative folds the per-chip cumulative sums; a sound shard
// sums to zero
func TotalCumulative(cums [][]core.Ext) core.Ext {
	var total core.Ext
	for _, chip := range cums {
		for _, c := range chip {
			total.Add(&total, &c)
		}
	}
	return total
}

// CheckDegrees validates every constraint against the degree cap; it
// guards chip development and runs in tests
func (m *Machine) CheckDegrees() error {
	for _, c := range m.Chips {
		for _, con := range c.Constraints() {
			if d := con.E.Degree(); d > MaxConstraintDegree {
				return fmt.Errorf("chip %s constraint %s has degree %d", c.Name(), con.Name, d)
			}
		}
	}
	return nil
}
