package algebra

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/GMG/parallel"
)

// StorageType describes how shared entries of a distributed vector relate
// to the global value. Several bits may be set at once.
type StorageType uint8

const (
	// Additive: the global value is the sum over all copies
	Additive StorageType = 1 << iota
	// Consistent: every copy holds the global value
	Consistent
	// Unique: the master holds the global value, slaves are zero
	Unique
)

func (s StorageType) String() string {
	var parts []string
	for _, t := range []struct {
		bit  StorageType
		name string
	}{{Additive, "additive"}, {Consistent, "consistent"}, {Unique, "unique"}} {
		if s&t.bit != 0 {
			parts = append(parts, t.name)
		}
	}
	if len(parts) == 0 {
		return "undefined"
	}
	return strings.Join(parts, "|")
}

// Vector is the process-local part of a distributed vector
type Vector struct {
	data    []float64
	storage StorageType
	layouts *parallel.Layouts
}

// NewVector returns a zero vector of length n on layouts (nil for serial)
func NewVector(n int, layouts *parallel.Layouts) *Vector {
	if n < 0 {
		panic(fmt.Sprintf("algebra: negative vector length %d", n))
	}
	return &Vector{data: make([]float64, n), storage: Consistent, layouts: layouts}
}

// NewVectorFrom wraps data with the given storage type
func NewVectorFrom(data []float64, storage StorageType, layouts *parallel.Layouts) *Vector {
	return &Vector{data: data, storage: storage, layouts: layouts}
}

func (v *Vector) Len() int             { return len(v.data) }
func (v *Vector) Data() []float64      { return v.data }
func (v *Vector) At(i int) float64     { return v.data[i] }
func (v *Vector) Set(i int, x float64) { v.data[i] = x }

func (v *Vector) Layouts() *parallel.Layouts     { return v.layouts }
func (v *Vector) SetLayouts(l *parallel.Layouts) { v.layouts = l }

func (v *Vector) Storage() StorageType { return v.storage }

// Has reports whether every bit of t is part of the storage type
func (v *Vector) Has(t StorageType) bool { return v.storage&t == t }

// SetStorage declares the storage type without communication
func (v *Vector) SetStorage(t StorageType) { v.storage = t }

// SetAll assigns x to every entry. The result is consistent.
func (v *Vector) SetAll(x float64) {
	for i := range v.data {
		v.data[i] = x
	}
	v.storage = Consistent
}

// Zero clears the vector, which is valid in every storage type
func (v *Vector) Zero() {
	clear(v.data)
	v.storage = Additive | Consistent | Unique
}

// CopyFrom copies values and storage type of src of equal length
func (v *Vector) CopyFrom(src *Vector) {
	if len(src.data) != len(v.data) {
		panic(fmt.Sprintf("algebra: copy length %d into %d", len(src.data), len(v.data)))
	}
	copy(v.data, src.data)
	v.storage = src.storage
}

func (v *Vector) Clone() *Vector {
	c := NewVector(len(v.data), v.layouts)
	c.CopyFrom(v)
	return c
}

// Scale multiplies every entry by a
func (v *Vector) Scale(a float64) {
	floats.Scale(a, v.data)
}

// AddScaled computes v += a*x. Both must share the storage type; the result
// keeps v's type.
func (v *Vector) AddScaled(a float64, x *Vector) {
	floats.AddScaled(v.data, a, x.data)
}

// Sub computes v -= x
func (v *Vector) Sub(x *Vector) { floats.Sub(v.data, x.data) }

// Add computes v += x
func (v *Vector) Add(x *Vector) { floats.Add(v.data, x.data) }

// ChangeStorageType converts to t with the interface communication needed.
// Collective over the layouts' world whenever a conversion communicates.
func (v *Vector) ChangeStorageType(t StorageType) error {
	if v.Has(t) {
		return nil
	}
	l := v.layouts
	switch t {
	case Consistent:
		if v.Has(Unique) {
			if err := parallel.CopyMasterToSlaves(l, v.data); err != nil {
				return fmt.Errorf("unique to consistent: %w", err)
			}
		} else if v.Has(Additive) {
			if err := parallel.AddSlavesToMaster(l, v.data); err != nil {
				return fmt.Errorf("additive to consistent: %w", err)
			}
			if err := parallel.CopyMasterToSlaves(l, v.data); err != nil {
				return fmt.Errorf("additive to consistent: %w", err)
			}
		} else {
			return fmt.Errorf("cannot convert %v vector to consistent", v.storage)
		}
		v.storage = Consistent
	case Additive, Unique:
		if v.Has(Consistent) {
			parallel.ZeroSlaves(l, v.data)
		} else if v.Has(Additive) {
			if err := parallel.AddSlavesToMaster(l, v.data); err != nil {
				return fmt.Errorf("additive to unique: %w", err)
			}
			parallel.ZeroSlaves(l, v.data)
		} else {
			return fmt.Errorf("cannot convert %v vector to %v", v.storage, t)
		}
		v.storage = Additive | Unique
	default:
		return fmt.Errorf("unknown storage type %v", t)
	}
	return nil
}

// Dot computes the global inner product. Collective over the world.
func (v *Vector) Dot(x *Vector) (float64, error) {
	if v.layouts.Serial() {
		return floats.Dot(v.data, x.data), nil
	}
	a := v.Clone()
	if err := a.ChangeStorageType(Unique); err != nil {
		return 0, err
	}
	b := x.Clone()
	if err := b.ChangeStorageType(Consistent); err != nil {
		return 0, err
	}
	return v.layouts.World.AllReduceSum(floats.Dot(a.data, b.data))
}

// Norm returns the global Euclidean norm. Collective over the world.
func (v *Vector) Norm() (float64, error) {
	d, err := v.Dot(v)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(d), nil
}

// Resize keeps the leading entries and zero-fills any growth
func (v *Vector) Resize(n int) {
	if n <= cap(v.data) {
		old := len(v.data)
		v.data = v.data[:n]
		if n > old {
			clear(v.data[old:])
		}
		return
	}
	data := make([]float64, n)
	copy(data, v.data)
	v.data = data
}

// CopyValues moves the value at from[i] to to[i] for all i in one pass,
// growing the vector when a target lies beyond its end
func (v *Vector) CopyValues(from, to []int) {
	need := len(v.data)
	for _, j := range to {
		if j+1 > need {
			need = j + 1
		}
	}
	if need > len(v.data) {
		v.Resize(need)
	}
	vals := make([]float64, len(from))
	for i, j := range from {
		vals[i] = v.data[j]
	}
	for i, j := range to {
		v.data[j] = vals[i]
	}
}

// Permute moves entry i to newIndex[i]
func (v *Vector) Permute(newIndex []int) {
	out := make([]float64, len(v.data))
	for i, j := range newIndex {
		out[j] = v.data[i]
	}
	v.data = out
}
