package algebra

import (
	"fmt"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/GMG/parallel"
)

// Entry is one stored value of a sparse row
type Entry struct {
	Col   int
	Value float64
}

// Matrix is a process-local sparse operator in additive storage: the global
// row of a shared index is the sum of its copies
type Matrix struct {
	csr     *sparse.CSR // nil for empty matrices
	rows    [][]Entry
	nr, nc  int
	layouts *parallel.Layouts
}

// Builder accumulates entries before compression to CSR
type Builder struct {
	dok    *sparse.DOK
	nr, nc int
}

func NewBuilder(nr, nc int) *Builder {
	if nr < 0 || nc < 0 {
		panic(fmt.Sprintf("algebra: negative matrix dimensions %dx%d", nr, nc))
	}
	b := &Builder{nr: nr, nc: nc}
	if nr > 0 && nc > 0 {
		b.dok = sparse.NewDOK(nr, nc)
	}
	return b
}

func (b *Builder) Dims() (int, int) { return b.nr, b.nc }

// Add accumulates v into entry (i, j)
func (b *Builder) Add(i, j int, v float64) {
	if i < 0 || i >= b.nr || j < 0 || j >= b.nc {
		panic(fmt.Sprintf("algebra: entry (%d,%d) outside %dx%d", i, j, b.nr, b.nc))
	}
	b.dok.Set(i, j, b.dok.At(i, j)+v)
}

// Set overwrites entry (i, j)
func (b *Builder) Set(i, j int, v float64) {
	b.dok.Set(i, j, v)
}

// ClearRow removes all entries of row i
func (b *Builder) ClearRow(i int) {
	for j := 0; j < b.nc; j++ {
		if b.dok.At(i, j) != 0 {
			b.dok.Set(i, j, 0)
		}
	}
}

// Build compresses the accumulated entries
func (b *Builder) Build(layouts *parallel.Layouts) *Matrix {
	m := &Matrix{nr: b.nr, nc: b.nc, layouts: layouts, rows: make([][]Entry, b.nr)}
	if b.dok == nil {
		return m
	}
	m.csr = b.dok.ToCSR()
	m.csr.DoNonZero(func(i, j int, v float64) {
		if v != 0 {
			m.rows[i] = append(m.rows[i], Entry{Col: j, Value: v})
		}
	})
	return m
}

func (m *Matrix) Dims() (int, int) { return m.nr, m.nc }

func (m *Matrix) Layouts() *parallel.Layouts { return m.layouts }

// Row returns the stored entries of row i
func (m *Matrix) Row(i int) []Entry { return m.rows[i] }

func (m *Matrix) At(i, j int) float64 {
	if m.csr == nil {
		panic(fmt.Sprintf("algebra: At(%d,%d) on empty matrix", i, j))
	}
	return m.csr.At(i, j)
}

func (m *Matrix) NNZ() int {
	n := 0
	for _, r := range m.rows {
		n += len(r)
	}
	return n
}

// Apply computes dst = A x
func (m *Matrix) Apply(dst, x []float64) {
	clear(dst)
	if m.csr != nil {
		m.csr.MulVecTo(dst, false, x)
	}
}

// ApplyTrans computes dst = Aᵀ x
func (m *Matrix) ApplyTrans(dst, x []float64) {
	clear(dst)
	if m.csr != nil {
		m.csr.MulVecTo(dst, true, x)
	}
}

// ApplySub computes d -= A x
func (m *Matrix) ApplySub(d, x []float64) {
	tmp := make([]float64, m.nr)
	m.Apply(tmp, x)
	for i, v := range tmp {
		d[i] -= v
	}
}

// Diagonal returns the local diagonal
func (m *Matrix) Diagonal() []float64 {
	diag := make([]float64, m.nr)
	for i, r := range m.rows {
		for _, e := range r {
			if e.Col == i {
				diag[i] += e.Value
			}
		}
	}
	return diag
}

// Submatrix restricts rows and columns to the indices in sel. Entry (a, b)
// of the result is A[sel[a], sel[b]].
func (m *Matrix) Submatrix(sel []int, layouts *parallel.Layouts) *Matrix {
	pos := make(map[int]int, len(sel))
	for a, i := range sel {
		pos[i] = a
	}
	b := NewBuilder(len(sel), len(sel))
	for a, i := range sel {
		for _, e := range m.rows[i] {
			if c, ok := pos[e.Col]; ok {
				b.Add(a, c, e.Value)
			}
		}
	}
	return b.Build(layouts)
}

// Dense returns a dense copy, nil for empty matrices
func (m *Matrix) Dense() *mat.Dense {
	if m.nr == 0 || m.nc == 0 {
		return nil
	}
	d := mat.NewDense(m.nr, m.nc, nil)
	for i, r := range m.rows {
		for _, e := range r {
			d.Set(i, e.Col, d.At(i, e.Col)+e.Value)
		}
	}
	return d
}
