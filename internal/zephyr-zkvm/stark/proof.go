package stark

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Proof is a complete shard argument: the commitment roots of the four
// rounds, the claimed interaction sums, the out-of-domain openings and
// the FRI low-degree proof. Public values travel with the proof and are
// bound into the transcript before any challenge is sampled.
type Proof struct {
	LogHeight int
	Public    executor.PublicValues

	PreRoot  [32]byte
	MainRoot [32]byte
	AuxRoot  [32]byte
	QuotRoot [32]byte

	// Cumulative holds the claimed running-sum endpoints, one vector
	// per chip with one entry per interaction
	Cumulative [][]core.Ext

	Opened OpenedValues
	FRI    FRIProof
}

// OpenedValues are the polynomial evaluations at the out-of-domain
// point z and its shift g*z
type OpenedValues struct {
	Chips []ChipOpenings
	// Quotient holds the six base quotient columns at z
	Quotient []core.Ext
}

// ChipOpenings are one chip's column openings, one extension value per
// committed base column
type ChipOpenings struct {
	PreLocal  []core.Ext
	PreNext   []core.Ext
	MainLocal []core.Ext
	MainNext  []core.Ext
	AuxLocal  []core.Ext
	AuxNext   []core.Ext
}

// FRIProof is the commit-phase roots, the final polynomial in the
// clear, and one opening bundle per query
type FRIProof struct {
	Roots     [][32]byte
	FinalPoly []core.Ext
	Queries   []FRIQuery
}

// FRIQuery opens every commitment round at a query position and its
// fold partner, then walks the fold chain with one sibling per layer
type FRIQuery struct {
	// Lo and Hi open the four commitment rounds (preprocessed, main,
	// aux, quotient) at the pair positions of the first fold
	Lo []CommitmentOpening
	Hi []CommitmentOpening

	Steps []FRIStep
}

// FRIStep authenticates the fold partner in one committed layer
type FRIStep struct {
	Sibling core.Ext
	Path    [][32]byte
}
