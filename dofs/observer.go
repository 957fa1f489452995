package dofs

import "github.com/notargets/GMG/grid"

var _ grid.Observer = (*Distribution)(nil)

// transferable reports whether a replacement may keep the replaced index
func (d *Distribution) transferable(old, id grid.ID) bool {
	return d.Multiplicity(old) == d.Multiplicity(id) &&
		d.mg.IsConstrained(old) == d.mg.IsConstrained(id)
}

// EntityCreated indexes a new entity. Copies inherit the index of their
// parent on the surface; a surface parent refined into new entities gives up
// its own index. During a redistribution only copies inherit, everything else
// waits for RedistributionEnded.
func (d *Distribution) EntityCreated(id, parent grid.ID, replacesParent bool) {
	if d.err != nil {
		return
	}
	d.ensure()

	if replacesParent {
		if d.index[parent] != NotYetAssigned && d.transferable(parent, id) {
			d.index[id] = d.index[parent]
			d.revision++
			return
		}
		if !d.mg.Redistributing() {
			d.assign(id)
		}
		return
	}

	if d.gl.Type == GridLevelType {
		if d.mg.Level(id) == d.gl.Level && !d.mg.Redistributing() {
			d.assign(id)
		}
		return
	}

	if d.mg.Level(id) > d.topLevel() {
		return
	}
	if p := d.mg.ParentIfCopy(id); p != grid.None && d.index[p] != NotYetAssigned {
		d.index[id] = d.index[p]
		d.revision++
		return
	}
	if d.mg.Redistributing() {
		return
	}
	if parent != grid.None && d.index[parent] != NotYetAssigned && !d.sharedWithCopyChild(parent) {
		d.release(parent)
	}
	d.assign(id)
}

// EntityToBeErased frees the index of an entity about to disappear. On the
// surface, a parent losing its last child re-enters the view and is indexed
// again.
func (d *Distribution) EntityToBeErased(id, replacedBy grid.ID) {
	if d.err != nil {
		return
	}
	d.ensure()

	if replacedBy != grid.None {
		if d.index[id] != NotYetAssigned && d.index[replacedBy] == d.index[id] {
			d.index[id] = NotYetAssigned
			return
		}
		d.release(id)
		if d.index[replacedBy] != NotYetAssigned {
			d.propagate(replacedBy)
		}
		return
	}

	if d.gl.Type == GridLevelType {
		d.release(id)
		return
	}

	if p := d.mg.ParentIfCopy(id); p != grid.None && d.index[id] != NotYetAssigned && d.index[p] == d.index[id] {
		// the copy parent keeps the index and is surface again
		d.index[id] = NotYetAssigned
		d.revision++
		return
	}
	d.release(id)

	parent := d.mg.Parent(id)
	if parent == grid.None || d.mg.IsGhost(parent) || d.mg.Level(parent) > d.topLevel() {
		return
	}
	for _, c := range d.mg.Children(parent) {
		if c != id {
			return
		}
	}
	if !d.mg.Redistributing() {
		d.take(parent)
	}
}

// RedistributionStarted flags the index set for a rebuild
func (d *Distribution) RedistributionStarted() {
	d.MarkRedistribute()
}

// RedistributionEnded strips surface indices of entities that became ghosts
// and indexes every entity left unassigned
func (d *Distribution) RedistributionEnded() {
	if d.err != nil {
		return
	}
	d.ensure()
	if d.gl.Type == SurfaceType {
		d.removeGhostEntries()
	}
	d.addUnassigned()
}

func (d *Distribution) removeGhostEntries() {
	for i, idx := range d.index {
		id := grid.ID(i)
		if idx == NotYetAssigned || !d.mg.Alive(id) || !d.mg.IsGhost(id) {
			continue
		}
		if !d.sharedWithCopyChild(id) {
			d.release(id)
		}
	}
}

func (d *Distribution) addUnassigned() {
	for _, k := range grid.Kinds {
		for _, id := range d.candidates(k) {
			if d.index[id] != NotYetAssigned {
				d.propagate(id)
				continue
			}
			d.assign(id)
		}
	}
}
