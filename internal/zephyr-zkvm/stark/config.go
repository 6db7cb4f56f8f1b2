// Package stark implements the proving and verifying halves of the
// AIR/FRI argument: trace commitment, quotient construction,
// out-of-domain evaluation and the low-degree test.
package stark

import (
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/chips"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/utils"
)

// Config is the soundness/performance policy of the argument
type Config struct {
	// LogBlowup is the log2 rate of the low-degree extension
	LogBlowup int
	// NumQueries is the FRI spot-check count
	NumQueries int
	// FinalPolyMaxDegree stops the fold recursion
	FinalPolyMaxDegree int
	// Hasher names the Merkle/transcript hash backend
	Hasher string
}

// DefaultConfig mirrors utils.DefaultConfig for the argument-level
// knobs
func DefaultConfig() Config {
	base := utils.DefaultConfig()
	return Config{
		LogBlowup:          base.LogBlowup,
		NumQueries:         base.NumQueries,
		FinalPolyMaxDegree: base.FinalPolyMaxDegree,
		Hasher:             "poseidon2",
	}
}

// FromUtils lifts the process-wide configuration
func FromUtils(c *utils.Config) Config {
	out := DefaultConfig()
	out.LogBlowup = c.LogBlowup
	out.NumQueries = c.NumQueries
	out.FinalPolyMaxDegree = c.FinalPolyMaxDegree
	return out
}

// Validate rejects configurations the argument cannot support
func (c Config) Validate() error {
	if 1<<c.LogBlowup < chips.MaxConstraintDegree {
		return fmt.Errorf("stark: blowup 2^%d below constraint degree %d",
			c.LogBlowup, chips.MaxConstraintDegree)
	}
	if c.NumQueries < 1 {
		return fmt.Errorf("stark: at least one query required")
	}
	if c.FinalPolyMaxDegree < 0 {
		return fmt.Errorf("stark: negative final poly degree")
	}
	return nil
}

// quotientChunks is the quotient split width: constraint degree d
// yields a quotient of degree below (d-1)*N
const quotientChunks = chips.MaxConstraintDegree - 1
