package multigrid

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/notargets/GMG/algebra"
)

// DebugWriter receives named level and surface data at fixed points of the
// cycle
type DebugWriter interface {
	WriteLevelVector(name string, lev int, v *algebra.Vector) error
	WriteSurfaceVector(name string, v *algebra.Vector) error
	WriteLevelMatrix(name string, lev int, A *algebra.Matrix) error
}

// NewRunDir creates a fresh directory below root for one run
func NewRunDir(root string) (string, error) {
	dir := filepath.Join(root, "gmg-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("debug run directory: %w", err)
	}
	return dir, nil
}

// DirWriter writes every vector and matrix as a text file into Dir, one
// "index value" or "row col value" line per entry
type DirWriter struct {
	Dir  string
	Rank int
}

func NewDirWriter(dir string, rank int) *DirWriter {
	return &DirWriter{Dir: dir, Rank: rank}
}

func (w *DirWriter) create(name string) (*os.File, *bufio.Writer, error) {
	f, err := os.Create(filepath.Join(w.Dir, fmt.Sprintf("%s_p%03d.txt", name, w.Rank)))
	if err != nil {
		return nil, nil, err
	}
	return f, bufio.NewWriter(f), nil
}

func (w *DirWriter) writeVector(name string, v *algebra.Vector) error {
	f, bw, err := w.create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(bw, "# %s storage=%v\n", name, v.Storage())
	for i, x := range v.Data() {
		fmt.Fprintf(bw, "%d %.17g\n", i, x)
	}
	return bw.Flush()
}

func (w *DirWriter) WriteLevelVector(name string, lev int, v *algebra.Vector) error {
	return w.writeVector(fmt.Sprintf("%s_lev%03d", name, lev), v)
}

func (w *DirWriter) WriteSurfaceVector(name string, v *algebra.Vector) error {
	return w.writeVector(name+"_surf", v)
}

func (w *DirWriter) WriteLevelMatrix(name string, lev int, A *algebra.Matrix) error {
	f, bw, err := w.create(fmt.Sprintf("%s_lev%03d", name, lev))
	if err != nil {
		return err
	}
	defer f.Close()
	nr, nc := A.Dims()
	fmt.Fprintf(bw, "# %s %dx%d nnz=%d\n", name, nr, nc, A.NNZ())
	for i := 0; i < nr; i++ {
		for _, e := range A.Row(i) {
			fmt.Fprintf(bw, "%d %d %.17g\n", i, e.Col, e.Value)
		}
	}
	return bw.Flush()
}
