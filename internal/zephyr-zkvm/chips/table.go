package chips

import (
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/core"
)

// Table is a row-major trace matrix
type Table struct {
	Width  int
	Height int
	values []core.Val
}

// NewTable allocates a zeroed trace of the given shape
func NewTable(width, height int) *Table {
	return &Table{
		Width:  width,
		Height: height,
		values: make([]core.Val, width*height),
	}
}

// At returns the value at row r, column c
func (t *Table) At(r, c int) core.Val {
	return t.values[r*t.Width+c]
}

// Set stores v at row r, column c
func (t *Table) Set(r, c int, v core.Val) {
	t.values[r*t.Width+c] = v
}

// SetUint stores a small integer at row r, column c
func (t *Table) SetUint(r, c int, v uint64) {
	t.values[r*t.Width+c] = core.NewVal(v)
}

// SetBool stores a 0/1 flag at row r, column c
func (t *Table) SetBool(r, c int, b bool) {
	if b {
		t.values[r*t.Width+c] = core.One()
	}
}

// Row returns the backing slice of row r
func (t *Table) Row(r int) []core.Val {
	return t.values[r*t.Width : (r+1)*t.Width]
}

// Column copies column c out of the table
func (t *Table) Column(c int) []core.Val {
	out := make([]core.Val, t.Height)
	for r := 0; r < t.Height; r++ {
		out[r] = t.values[r*t.Width+c]
	}
	return out
}
