package transfer

import (
	"fmt"

	"github.com/notargets/GMG/algebra"
	"github.com/notargets/GMG/dofs"
	"github.com/notargets/GMG/grid"
)

// P1Prolongation interpolates vertex values linearly: a copy takes the value
// of its parent vertex, a vertex created on an edge, face or volume the mean
// of the parent's corners. Rows of vertices in Dirichlet subsets are left
// empty on both levels, so neither corrections nor defects cross them.
type P1Prolongation struct {
	levelPair
	dirichlet map[int]bool
	P         *algebra.Matrix
}

func NewP1Prolongation(dirichlet ...int) *P1Prolongation {
	p := &P1Prolongation{dirichlet: make(map[int]bool)}
	for _, s := range dirichlet {
		p.dirichlet[s] = true
	}
	return p
}

func (p *P1Prolongation) Init(fine, coarse *dofs.Distribution) error {
	if err := p.bind(fine, coarse); err != nil {
		return err
	}
	return p.build()
}

func (p *P1Prolongation) build() error {
	mg := p.fine.Grid()
	b := algebra.NewBuilder(p.fine.SizeIndexSet(), p.coarse.SizeIndexSet())
	for _, v := range p.fine.Entities() {
		if mg.Kind(v) != grid.Vertex || p.dirichlet[mg.Subset(v)] {
			continue
		}
		parent := mg.Parent(v)
		if parent == grid.None {
			continue
		}
		corners := []grid.ID{parent}
		if mg.Kind(parent) != grid.Vertex {
			corners = mg.Vertices(parent)
		}
		fi := p.fine.Index(v)
		m := p.fine.Multiplicity(v)
		w := 1 / float64(len(corners))
		for _, c := range corners {
			if p.dirichlet[mg.Subset(c)] {
				continue
			}
			ci := p.coarse.Index(c)
			if ci == dofs.NotYetAssigned {
				return fmt.Errorf("p1 prolongation: corner %d of parent %d has no index on %v",
					c, parent, p.coarse.GridLevel())
			}
			if cm := p.coarse.Multiplicity(c); cm != m {
				return fmt.Errorf("p1 prolongation: multiplicity %d on fine vertex %d, %d on coarse %d",
					m, v, cm, c)
			}
			for k := 0; k < m; k++ {
				b.Add(fi+k, ci+k, w)
			}
		}
	}
	p.P = b.Build(p.fine.Layouts())
	p.fineRev, p.coarseRev = p.fine.Revision(), p.coarse.Revision()
	return nil
}

func (p *P1Prolongation) refresh() error {
	if p.fine != nil && p.stale() {
		return p.build()
	}
	return nil
}

func (p *P1Prolongation) Prolongate(fine, coarse *algebra.Vector) error {
	if err := p.refresh(); err != nil {
		return err
	}
	if err := p.check(fine, coarse); err != nil {
		return err
	}
	p.P.Apply(fine.Data(), coarse.Data())
	fine.SetStorage(coarse.Storage())
	return nil
}

func (p *P1Prolongation) Restrict(coarse, fine *algebra.Vector) error {
	if err := p.refresh(); err != nil {
		return err
	}
	if err := p.check(fine, coarse); err != nil {
		return err
	}
	p.P.ApplyTrans(coarse.Data(), fine.Data())
	coarse.SetStorage(algebra.Additive)
	return nil
}

func (p *P1Prolongation) Clone() Prolongation {
	q := NewP1Prolongation()
	for s := range p.dirichlet {
		q.dirichlet[s] = true
	}
	return q
}

// InjectionProjection gives every coarse vertex the value of its copy on the
// fine level. Coarse vertices without a local copy are set to zero and
// reported by Missing.
type InjectionProjection struct {
	levelPair
	Q       *algebra.Matrix
	missing []int
}

func NewInjectionProjection() *InjectionProjection { return &InjectionProjection{} }

func (ip *InjectionProjection) Init(fine, coarse *dofs.Distribution) error {
	if err := ip.bind(fine, coarse); err != nil {
		return err
	}
	return ip.build()
}

func (ip *InjectionProjection) build() error {
	mg := ip.fine.Grid()
	b := algebra.NewBuilder(ip.coarse.SizeIndexSet(), ip.fine.SizeIndexSet())
	found := make([]bool, ip.coarse.SizeIndexSet())
	for _, v := range ip.fine.Entities() {
		parent := mg.ParentIfCopy(v)
		if mg.Kind(v) != grid.Vertex || parent == grid.None {
			continue
		}
		ci := ip.coarse.Index(parent)
		if ci == dofs.NotYetAssigned {
			continue
		}
		fi := ip.fine.Index(v)
		for k := 0; k < ip.fine.Multiplicity(v); k++ {
			b.Set(ci+k, fi+k, 1)
			found[ci+k] = true
		}
	}
	ip.missing = ip.missing[:0]
	for _, c := range ip.coarse.Entities() {
		if mg.Kind(c) != grid.Vertex {
			continue
		}
		if i := ip.coarse.Index(c); !found[i] {
			ip.missing = append(ip.missing, i)
		}
	}
	ip.Q = b.Build(ip.coarse.Layouts())
	ip.fineRev, ip.coarseRev = ip.fine.Revision(), ip.coarse.Revision()
	return nil
}

// Missing lists the coarse vertex indices without a local copy
func (ip *InjectionProjection) Missing() []int { return ip.missing }

func (ip *InjectionProjection) Project(coarse, fine *algebra.Vector) error {
	if ip.fine != nil && ip.stale() {
		if err := ip.build(); err != nil {
			return err
		}
	}
	if err := ip.check(fine, coarse); err != nil {
		return err
	}
	ip.Q.Apply(coarse.Data(), fine.Data())
	coarse.SetStorage(algebra.Consistent)
	return nil
}

func (ip *InjectionProjection) Clone() Projection { return NewInjectionProjection() }
