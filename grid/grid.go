package grid

import (
	"fmt"
	"sort"
)

// Kind identifies the geometric dimension of a mesh entity
type Kind uint8

const (
	Vertex Kind = iota
	Edge
	Face
	Volume
)

// NumKinds is the size of the closed set of entity kinds
const NumKinds = 4

// Kinds lists all entity kinds in ascending dimension
var Kinds = [NumKinds]Kind{Vertex, Edge, Face, Volume}

func (k Kind) String() string {
	switch k {
	case Vertex:
		return "vertex"
	case Edge:
		return "edge"
	case Face:
		return "face"
	case Volume:
		return "volume"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ID addresses an entity in the multigrid arena
type ID int

// None is the null entity reference
const None ID = -1

// Selectors for Entities
const (
	AnyLevel  = -1
	AnySubset = -1
)

// Entity is one vertex, edge, face or volume of the hierarchy
type Entity struct {
	Kind   Kind
	Level  int
	Subset int

	// Parent is the entity this one was created from on Level-1. Copy marks
	// an unrefined parent replicated unchanged onto the next level.
	Parent ID
	Copy   bool

	Vertices []ID // corner vertices, empty for vertices
	Children []ID

	// Ghost entities exist locally only to support a hierarchical cut
	Ghost       bool
	Constrained bool

	erased bool
}

// InterfaceType selects horizontal or vertical, master or slave interfaces
type InterfaceType uint8

const (
	HMaster InterfaceType = iota
	HSlave
	VMaster
	VSlave
)

const numInterfaceTypes = 4

func (t InterfaceType) String() string {
	return [...]string{"h-master", "h-slave", "v-master", "v-slave"}[t]
}

// Observer receives mesh mutation events. Callbacks run synchronously, in
// attach order, before the mutation becomes visible for erasures and after
// it for creations. When replacesParent is set, parent is the same-level
// entity being replaced; EntityToBeErased for it follows.
type Observer interface {
	EntityCreated(id, parent ID, replacesParent bool)
	EntityToBeErased(id, replacedBy ID)
	RedistributionStarted()
	RedistributionEnded()
}

// MultiGrid is a process-local hierarchy of refined levels. Entities are
// stored in an arena and reference each other by ID.
type MultiGrid struct {
	entities   []Entity
	numLevels  int
	numSubsets int

	// interfaces[type][level][peer] lists entities shared with peer, in the
	// order both sides agree on
	interfaces [numInterfaceTypes]map[int]map[int][]ID

	coords map[ID][]float64

	observers      []Observer
	redistributing bool
}

// NewMultiGrid creates an empty hierarchy with numSubsets subsets
func NewMultiGrid(numSubsets int) *MultiGrid {
	if numSubsets < 1 {
		panic(fmt.Sprintf("grid: numSubsets must be positive, got %d", numSubsets))
	}
	mg := &MultiGrid{numSubsets: numSubsets, coords: make(map[ID][]float64)}
	for t := range mg.interfaces {
		mg.interfaces[t] = make(map[int]map[int][]ID)
	}
	return mg
}

// Attach registers an observer for mutation events
func (mg *MultiGrid) Attach(o Observer) {
	mg.observers = append(mg.observers, o)
}

// Detach removes a previously attached observer
func (mg *MultiGrid) Detach(o Observer) {
	for i, obs := range mg.observers {
		if obs == o {
			mg.observers = append(mg.observers[:i], mg.observers[i+1:]...)
			return
		}
	}
}

// Len returns the arena size, including erased slots
func (mg *MultiGrid) Len() int { return len(mg.entities) }

func (mg *MultiGrid) NumLevels() int  { return mg.numLevels }
func (mg *MultiGrid) NumSubsets() int { return mg.numSubsets }

// Entity returns a copy of the entity record; slices are shared
func (mg *MultiGrid) Entity(id ID) Entity { return mg.entities[id] }

func (mg *MultiGrid) Kind(id ID) Kind     { return mg.entities[id].Kind }
func (mg *MultiGrid) Level(id ID) int     { return mg.entities[id].Level }
func (mg *MultiGrid) Subset(id ID) int    { return mg.entities[id].Subset }
func (mg *MultiGrid) Parent(id ID) ID     { return mg.entities[id].Parent }
func (mg *MultiGrid) Vertices(id ID) []ID { return mg.entities[id].Vertices }
func (mg *MultiGrid) Children(id ID) []ID { return mg.entities[id].Children }

func (mg *MultiGrid) IsConstrained(id ID) bool { return mg.entities[id].Constrained }

// SetCoords attaches a position to a vertex
func (mg *MultiGrid) SetCoords(id ID, x ...float64) { mg.coords[id] = x }

// Coords returns the position of a vertex, nil if none was set
func (mg *MultiGrid) Coords(id ID) []float64 { return mg.coords[id] }

// Alive reports whether id refers to a non-erased entity
func (mg *MultiGrid) Alive(id ID) bool {
	return id >= 0 && int(id) < len(mg.entities) && !mg.entities[id].erased
}

func (mg *MultiGrid) IsGhost(id ID) bool { return mg.entities[id].Ghost }

// SetGhost marks id as present only to support a hierarchical cut
func (mg *MultiGrid) SetGhost(id ID, ghost bool) { mg.entities[id].Ghost = ghost }

// ParentIfCopy returns the parent when id is an unchanged copy of it
func (mg *MultiGrid) ParentIfCopy(id ID) ID {
	e := &mg.entities[id]
	if e.Copy && e.Parent != None {
		return e.Parent
	}
	return None
}

// ParentIfSameKind returns the parent when it has the same kind as id
func (mg *MultiGrid) ParentIfSameKind(id ID) ID {
	e := &mg.entities[id]
	if e.Parent != None && mg.entities[e.Parent].Kind == e.Kind {
		return e.Parent
	}
	return None
}

func (mg *MultiGrid) HasChildren(id ID) bool { return len(mg.entities[id].Children) > 0 }

// IsSurface reports whether id belongs to the surface view: alive, without
// children and not a ghost
func (mg *MultiGrid) IsSurface(id ID) bool {
	return mg.Alive(id) && !mg.entities[id].Ghost && len(mg.entities[id].Children) == 0
}

// Entities lists live entities of kind on level and subset, in creation
// order. Use AnyLevel / AnySubset as wildcards.
func (mg *MultiGrid) Entities(kind Kind, level, subset int) []ID {
	var ids []ID
	for i := range mg.entities {
		e := &mg.entities[i]
		if e.erased || e.Kind != kind {
			continue
		}
		if level != AnyLevel && e.Level != level {
			continue
		}
		if subset != AnySubset && e.Subset != subset {
			continue
		}
		ids = append(ids, ID(i))
	}
	return ids
}

// NumEntities counts live entities on level over all kinds
func (mg *MultiGrid) NumEntities(level int) int {
	n := 0
	for i := range mg.entities {
		if !mg.entities[i].erased && mg.entities[i].Level == level {
			n++
		}
	}
	return n
}

func (mg *MultiGrid) validate(e Entity) error {
	if e.Subset < 0 || e.Subset >= mg.numSubsets {
		return fmt.Errorf("subset %d out of range [0,%d)", e.Subset, mg.numSubsets)
	}
	if e.Level < 0 {
		return fmt.Errorf("negative level %d", e.Level)
	}
	if e.Parent != None {
		if !mg.Alive(e.Parent) {
			return fmt.Errorf("parent %d is not alive", e.Parent)
		}
		if mg.entities[e.Parent].Level != e.Level-1 {
			return fmt.Errorf("parent %d on level %d, child on level %d",
				e.Parent, mg.entities[e.Parent].Level, e.Level)
		}
		if e.Copy && mg.entities[e.Parent].Kind != e.Kind {
			return fmt.Errorf("copy of %v cannot be a %v", mg.entities[e.Parent].Kind, e.Kind)
		}
	} else if e.Copy {
		return fmt.Errorf("copy without parent")
	}
	for _, v := range e.Vertices {
		if !mg.Alive(v) || mg.entities[v].Kind != Vertex {
			return fmt.Errorf("corner %d is not a live vertex", v)
		}
	}
	return nil
}

func (mg *MultiGrid) insert(e Entity) ID {
	e.Children = nil
	e.erased = false
	id := ID(len(mg.entities))
	mg.entities = append(mg.entities, e)
	if e.Parent != None {
		p := &mg.entities[e.Parent]
		p.Children = append(p.Children, id)
	}
	if e.Level+1 > mg.numLevels {
		mg.numLevels = e.Level + 1
	}
	return id
}

// Create inserts a new entity and notifies observers
func (mg *MultiGrid) Create(e Entity) (ID, error) {
	if err := mg.validate(e); err != nil {
		return None, fmt.Errorf("create %v: %w", e.Kind, err)
	}
	id := mg.insert(e)
	for _, o := range mg.observers {
		o.EntityCreated(id, e.Parent, false)
	}
	return id, nil
}

// Replace substitutes old by an entity of the same kind that takes over its
// place in the hierarchy (e.g. a hanging vertex becoming a regular one).
func (mg *MultiGrid) Replace(old ID, e Entity) (ID, error) {
	if !mg.Alive(old) {
		return None, fmt.Errorf("replace: entity %d is not alive", old)
	}
	o := mg.entities[old]
	if e.Kind != o.Kind {
		return None, fmt.Errorf("replace: %v cannot replace %v", e.Kind, o.Kind)
	}
	e.Level, e.Parent, e.Copy = o.Level, o.Parent, o.Copy
	if err := mg.validate(e); err != nil {
		return None, fmt.Errorf("replace %d: %w", old, err)
	}
	id := mg.insert(e)
	mg.entities[id].Children = o.Children
	for _, c := range o.Children {
		mg.entities[c].Parent = id
	}
	for _, obs := range mg.observers {
		obs.EntityCreated(id, old, true)
	}
	for _, obs := range mg.observers {
		obs.EntityToBeErased(old, id)
	}
	mg.entities[old].Children = nil
	mg.remove(old)
	if x, ok := mg.coords[old]; ok {
		if _, set := mg.coords[id]; !set {
			mg.coords[id] = x
		}
		delete(mg.coords, old)
	}
	mg.renameInInterfaces(old, id)
	return id, nil
}

// Erase removes an entity without live children
func (mg *MultiGrid) Erase(id ID) error {
	if !mg.Alive(id) {
		return fmt.Errorf("erase: entity %d is not alive", id)
	}
	if mg.HasChildren(id) {
		return fmt.Errorf("erase: entity %d still has %d children", id, len(mg.entities[id].Children))
	}
	for _, o := range mg.observers {
		o.EntityToBeErased(id, None)
	}
	mg.remove(id)
	mg.renameInInterfaces(id, None)
	delete(mg.coords, id)
	return nil
}

func (mg *MultiGrid) remove(id ID) {
	e := &mg.entities[id]
	if e.Parent != None {
		p := &mg.entities[e.Parent]
		for i, c := range p.Children {
			if c == id {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				break
			}
		}
	}
	e.erased = true
}

// BeginRedistribution switches the grid into redistribution mode
func (mg *MultiGrid) BeginRedistribution() {
	mg.redistributing = true
	for _, o := range mg.observers {
		o.RedistributionStarted()
	}
}

// EndRedistribution leaves redistribution mode
func (mg *MultiGrid) EndRedistribution() {
	mg.redistributing = false
	for _, o := range mg.observers {
		o.RedistributionEnded()
	}
}

func (mg *MultiGrid) Redistributing() bool { return mg.redistributing }

// AddInterface appends entities to the interface with peer on level
func (mg *MultiGrid) AddInterface(t InterfaceType, level, peer int, ids ...ID) {
	byLevel := mg.interfaces[t]
	if byLevel[level] == nil {
		byLevel[level] = make(map[int][]ID)
	}
	byLevel[level][peer] = append(byLevel[level][peer], ids...)
}

// Interfaces returns peer -> entities for one interface type and level
func (mg *MultiGrid) Interfaces(t InterfaceType, level int) map[int][]ID {
	return mg.interfaces[t][level]
}

// InterfaceLevels returns the sorted levels carrying interfaces of type t
func (mg *MultiGrid) InterfaceLevels(t InterfaceType) []int {
	levels := make([]int, 0, len(mg.interfaces[t]))
	for l := range mg.interfaces[t] {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

// HasInterface reports whether any interface of type t exists
func (mg *MultiGrid) HasInterface(t InterfaceType) bool {
	for _, peers := range mg.interfaces[t] {
		for _, ids := range peers {
			if len(ids) > 0 {
				return true
			}
		}
	}
	return false
}

func (mg *MultiGrid) renameInInterfaces(old, id ID) {
	for t := range mg.interfaces {
		for _, peers := range mg.interfaces[t] {
			for peer, ids := range peers {
				out := ids[:0]
				for _, e := range ids {
					switch {
					case e != old:
						out = append(out, e)
					case id != None:
						out = append(out, id)
					}
				}
				peers[peer] = out
			}
		}
	}
}
