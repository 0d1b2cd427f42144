package matrix

import "fmt"

// #region matrix-struct
// Matrix is the n×n accuracy table addressed by persona index.
// Row i is the instance steered to persona i; column j is persona j's held-out statements.
// Not safe for concurrent use.
type Matrix struct {
	ids   []string
	index map[string]int
	cells [][]*Cell
}

// New creates an empty matrix over the given persona order.
func New(personaIDs []string) *Matrix {
	ids := make([]string, len(personaIDs))
	copy(ids, personaIDs)

	index := make(map[string]int, len(ids))
	cells := make([][]*Cell, len(ids))
	for i, id := range ids {
		index[id] = i
		cells[i] = make([]*Cell, len(ids))
	}
	return &Matrix{ids: ids, index: index, cells: cells}
}
// #endregion matrix-struct

// #region accessors
// Size returns n.
func (m *Matrix) Size() int {
	return len(m.ids)
}

// PersonaIDs returns the persona order.
func (m *Matrix) PersonaIDs() []string {
	out := make([]string, len(m.ids))
	copy(out, m.ids)
	return out
}

// Index returns the position of a persona, or false when unknown.
func (m *Matrix) Index(personaID string) (int, bool) {
	i, ok := m.index[personaID]
	return i, ok
}

// Get returns the cell at (i, j) if one has been recorded.
func (m *Matrix) Get(i, j int) (Cell, bool) {
	c := m.cells[i][j]
	if c == nil {
		return Cell{}, false
	}
	return *c, true
}

// Accuracy returns a_{i,j} when the cell is DONE.
func (m *Matrix) Accuracy(i, j int) (float64, bool) {
	c := m.cells[i][j]
	if c == nil || c.Status != StatusDone {
		return 0, false
	}
	return c.Accuracy(), true
}

// Done reports whether (steer, test) is DONE.
func (m *Matrix) Done(k Key) bool {
	i, ok1 := m.index[k.Steer]
	j, ok2 := m.index[k.Test]
	if !ok1 || !ok2 {
		return false
	}
	c := m.cells[i][j]
	return c != nil && c.Status == StatusDone
}
// #endregion accessors

// #region set
// Set records a cell. A DONE cell is never replaced; a FAILED cell is replaced
// by any later cell for the same pair. Returns whether the cell was applied.
func (m *Matrix) Set(c Cell) (bool, error) {
	i, ok := m.index[c.SteerPersonaID]
	if !ok {
		return false, fmt.Errorf("unknown steer persona %q", c.SteerPersonaID)
	}
	j, ok := m.index[c.TestPersonaID]
	if !ok {
		return false, fmt.Errorf("unknown test persona %q", c.TestPersonaID)
	}
	if cur := m.cells[i][j]; cur != nil && cur.Status == StatusDone {
		return false, nil
	}
	cp := c
	m.cells[i][j] = &cp
	return true, nil
}

// Merge reconstructs the matrix from persisted cells in append order.
// Cells for personas outside the matrix are skipped and counted.
func (m *Matrix) Merge(cells []Cell) (skipped int) {
	for _, c := range cells {
		if _, err := m.Set(c); err != nil {
			skipped++
		}
	}
	return skipped
}
// #endregion set

// #region counts
// DoneCount returns the number of DONE cells.
func (m *Matrix) DoneCount() int {
	n := 0
	for i := range m.cells {
		for j := range m.cells[i] {
			if c := m.cells[i][j]; c != nil && c.Status == StatusDone {
				n++
			}
		}
	}
	return n
}

// RowDoneCount returns the number of DONE cells in row i.
func (m *Matrix) RowDoneCount(i int) int {
	n := 0
	for _, c := range m.cells[i] {
		if c != nil && c.Status == StatusDone {
			n++
		}
	}
	return n
}

// FailedKeys lists FAILED cells in row-major order.
func (m *Matrix) FailedKeys() []Key {
	var keys []Key
	for i := range m.cells {
		for j := range m.cells[i] {
			if c := m.cells[i][j]; c != nil && c.Status == StatusFailed {
				keys = append(keys, Key{Steer: m.ids[i], Test: m.ids[j]})
			}
		}
	}
	return keys
}

// Coverage returns #DONE / n², or 0 for an empty matrix.
func (m *Matrix) Coverage() float64 {
	n := len(m.ids)
	if n == 0 {
		return 0
	}
	return float64(m.DoneCount()) / float64(n*n)
}
// #endregion counts
