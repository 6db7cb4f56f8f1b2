package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
)

// Constraint is one named polynomial identity that must vanish on the
// whole trace domain
type Constraint struct {
	Name string
	E    Expr
}

// MaxConstraintDegree bounds every chip constraint, selectors included.
// The quotient splits into MaxConstraintDegree-1 chunks.
const MaxConstraintDegree = 4

// Chip is one AIR table of a machine: it generates its trace from an
// execution record and declares the constraints and interactions the
// trace must satisfy.
type Chip interface {
	Name() string

	PreprocessedWidth() int
	MainWidth() int

	// Rows is the unpadded row count the record needs
	Rows(rec *executor.ExecutionRecord) int

	// GeneratePreprocessed builds the fixed trace at the given height,
	// or returns nil for chips without one
	GeneratePreprocessed(prog *executor.Program, height int) *Table

	// GenerateMain fills the witness trace at the padded height
	GenerateMain(rec *executor.ExecutionRecord, height int) *Table

	Constraints() []Constraint
	Interactions() []Interaction
}

// TableSized is implemented by chips whose unpadded height is driven by
// program-derived fact rows rather than by the record
type TableSized interface {
	TableRows(prog *executor.Program) int
}

// boolExpr is the booleanity identity x*(x-1)
func boolExpr(x Expr) Expr {
	return Mul(x, Sub(x, C(1)))
}

// boolConstraints builds booleanity checks for the named main columns
func boolConstraints(name string, cols ...int) []Constraint {
	out := make([]Constraint, 0, len(cols))
	for _, c := range cols {
		out = append(out, Constraint{
			Name: name,
			E:    boolExpr(M(c)),
		})
	}
	return out
}
