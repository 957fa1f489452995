package dofs

import (
	"fmt"
	"sort"

	"github.com/notargets/GMG/grid"
	"github.com/notargets/GMG/parallel"
)

// CreateLayouts rebuilds the index layouts from the grid interfaces. Every
// interface is walked in vertex, edge, face, volume order so that master and
// slave sides list matching indices in the same sequence. Surface layouts
// skip shadows and carry no vertical interfaces. Collective over the world.
func (d *Distribution) CreateLayouts() error {
	l := parallel.NewLayouts(d.world)
	if l.Serial() {
		d.layouts = l
		return nil
	}

	levels := []int{d.gl.Level}
	if d.gl.Type == SurfaceType {
		levels = levels[:0]
		for lev := 0; lev <= d.topLevel(); lev++ {
			levels = append(levels, lev)
		}
	}
	for _, lev := range levels {
		d.addInterfaces(l.Master, grid.HMaster, lev)
		d.addInterfaces(l.Slave, grid.HSlave, lev)
		if d.gl.Type == GridLevelType {
			d.addInterfaces(l.VMaster, grid.VMaster, lev)
			d.addInterfaces(l.VSlave, grid.VSlave, lev)
		}
	}
	l.RemoveEmptyInterfaces()

	proc, err := d.world.SubComm(d.ledger.numIndex > 0)
	if err != nil {
		return fmt.Errorf("layouts %v: %w", d.gl, err)
	}
	l.Proc = proc
	d.layouts = l
	return nil
}

func (d *Distribution) addInterfaces(out *parallel.IndexLayout, t grid.InterfaceType, lev int) {
	ifc := d.mg.Interfaces(t, lev)
	peers := make([]int, 0, len(ifc))
	for p := range ifc {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	for _, p := range peers {
		for _, k := range grid.Kinds {
			for _, id := range ifc[p] {
				if id == grid.None || d.mg.Kind(id) != k {
					continue
				}
				if d.gl.Type == SurfaceType && !d.Contains(id) {
					continue
				}
				idx := d.Index(id)
				if idx == NotYetAssigned {
					continue
				}
				for c := 0; c < d.Multiplicity(id); c++ {
					out.Add(p, idx+c)
				}
			}
		}
	}
}
