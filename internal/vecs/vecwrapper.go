// Package vecs implements the flattened variable vectors that back every
// node of the system tree. A VecWrapper is an ordered, promoted-name-keyed
// collection of variables sharing one contiguous float64 buffer; child
// systems hold true sub-slices of their parent's buffer, so a write through
// a child view is immediately visible to the parent. Pass-by-object
// variables are registered alongside numeric ones but consume no buffer
// space; their values live in shared boxes.
package vecs

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/vk/mdogridgo/internal/varmeta"
)

// ErrUnknownVariable is wrapped by lookups of names absent from a vector.
var ErrUnknownVariable = fmt.Errorf("variable does not exist")

// ErrPassByObj is returned when numeric access is attempted on a
// pass-by-object variable.
var ErrPassByObj = fmt.Errorf("pass-by-object variable has no flat value")

// vecKind distinguishes source (unknowns/residuals) vectors from target
// (params) vectors; the two report flattened sizes differently.
type vecKind int

const (
	sourceVec vecKind = iota
	targetVec
)

// Entry pairs one variable's metadata with its slice of the backing
// buffer. The view is nil for pass-by-object and remote variables.
type Entry struct {
	Meta  *varmeta.Meta
	Box   *varmeta.Box // shared box, pass-by-object only
	Owned bool         // target vectors: param owned by this system

	view []float64
}

// View returns the raw slice into the backing buffer, without unit
// conversion. It is nil for pass-by-object and remote entries.
func (e *Entry) View() []float64 { return e.view }

// VecWrapper is a dict-like, insertion-ordered container of variables
// flattened into one buffer.
type VecWrapper struct {
	Pathname string
	Vec      []float64

	// DerivUnits marks derivative vectors: unit conversions apply only
	// their scale, never their offset.
	DerivUnits bool

	kind          vecKind
	names         []string
	entries       map[string]*Entry
	slices        map[string][2]int
	adjAccumulate bool
}

func newVecWrapper(pathname string, kind vecKind) *VecWrapper {
	return &VecWrapper{
		Pathname: pathname,
		kind:     kind,
		entries:  make(map[string]*Entry),
		slices:   make(map[string][2]int),
	}
}

// Names returns the variable names in insertion order.
func (v *VecWrapper) Names() []string { return v.names }

// Len returns the number of variables in the vector.
func (v *VecWrapper) Len() int { return len(v.names) }

// Contains reports whether the named variable is in this vector.
func (v *VecWrapper) Contains(name string) bool {
	_, ok := v.entries[name]
	return ok
}

// Metadata returns the entry for the named variable.
func (v *VecWrapper) Metadata(name string) (*Entry, error) {
	e, ok := v.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q not found in vector %q", ErrUnknownVariable, name, v.Pathname)
	}
	return e, nil
}

// Slice returns the [start, end) range of the named variable within the
// backing buffer, if it has one.
func (v *VecWrapper) Slice(name string) ([2]int, bool) {
	s, ok := v.slices[name]
	return s, ok
}

// Flat returns the raw backing slice of the named variable, with no unit
// conversion applied. Mutations through the returned slice are visible to
// every view sharing the buffer.
func (v *VecWrapper) Flat(name string) ([]float64, error) {
	e, err := v.Metadata(name)
	if err != nil {
		return nil, err
	}
	if e.Meta.PassByObj {
		return nil, fmt.Errorf("%w: %q", ErrPassByObj, name)
	}
	return e.view, nil
}

// Get returns a copy of the named variable's flattened value with unit
// conversion applied: scale*(raw+offset), offset suppressed on derivative
// vectors. In adjoint-accumulate mode reads are disabled and return zeros.
func (v *VecWrapper) Get(name string) ([]float64, error) {
	e, err := v.Metadata(name)
	if err != nil {
		return nil, err
	}
	if e.Meta.PassByObj {
		return nil, fmt.Errorf("%w: %q", ErrPassByObj, name)
	}
	out := make([]float64, e.Meta.Size)
	if v.adjAccumulate {
		return out, nil
	}
	if uc := e.Meta.Units; uc != nil {
		offset := uc.Offset
		if v.DerivUnits {
			offset = 0
		}
		for i, raw := range e.view {
			out[i] = uc.Scale * (raw + offset)
		}
		return out, nil
	}
	copy(out, e.view)
	return out, nil
}

// GetScalar is Get for size-1 variables.
func (v *VecWrapper) GetScalar(name string) (float64, error) {
	vals, err := v.Get(name)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("variable %q has size %d, not scalar", name, len(vals))
	}
	return vals[0], nil
}

// Set assigns the named variable, inverting the read-side unit conversion
// so that Get(Set(x)) == x. In adjoint-accumulate mode, used for
// reverse-mode derivative targets, assignment becomes in-place addition
// with the transpose of the read conversion (scale-multiplied), since
// multiple source contributions must sum into one reverse-mode slot.
func (v *VecWrapper) Set(name string, vals []float64) error {
	e, err := v.Metadata(name)
	if err != nil {
		return err
	}
	if e.Meta.PassByObj {
		return fmt.Errorf("%w: %q", ErrPassByObj, name)
	}
	if len(vals) != e.Meta.Size {
		return fmt.Errorf("variable %q: value has length %d, expected %d",
			name, len(vals), e.Meta.Size)
	}
	uc := e.Meta.Units
	if v.adjAccumulate {
		if uc != nil && v.DerivUnits {
			for i, val := range vals {
				e.view[i] += uc.Scale * val
			}
		} else {
			for i, val := range vals {
				e.view[i] += val
			}
		}
		return nil
	}
	if uc != nil {
		offset := uc.Offset
		if v.DerivUnits {
			offset = 0
		}
		for i, val := range vals {
			e.view[i] = val/uc.Scale - offset
		}
		return nil
	}
	copy(e.view, vals)
	return nil
}

// SetScalar is Set for size-1 variables.
func (v *VecWrapper) SetScalar(name string, val float64) error {
	return v.Set(name, []float64{val})
}

// Boxed returns the value of a pass-by-object variable.
func (v *VecWrapper) Boxed(name string) (any, error) {
	e, err := v.Metadata(name)
	if err != nil {
		return nil, err
	}
	if e.Box == nil {
		return nil, fmt.Errorf("variable %q is not pass-by-object", name)
	}
	return e.Box.Get(), nil
}

// SetBoxed replaces the value of a pass-by-object variable. The write is
// visible through every vector sharing the box.
func (v *VecWrapper) SetBoxed(name string, val any) error {
	e, err := v.Metadata(name)
	if err != nil {
		return err
	}
	if e.Box == nil {
		return fmt.Errorf("variable %q is not pass-by-object", name)
	}
	e.Box.Set(val)
	return nil
}

// Norm returns the 2-norm of the backing buffer.
func (v *VecWrapper) Norm() float64 {
	return floats.Norm(v.Vec, 2)
}

// Zero clears the backing buffer.
func (v *VecWrapper) Zero() {
	for i := range v.Vec {
		v.Vec[i] = 0
	}
}

// SetAdjointAccumulate switches adjoint-accumulate mode on or off.
func (v *VecWrapper) SetAdjointAccumulate(on bool) { v.adjAccumulate = on }

// AdjointAccumulate reports whether adjoint-accumulate mode is active.
func (v *VecWrapper) AdjointAccumulate() bool { return v.adjAccumulate }

// States returns the names of all state variables, in insertion order.
func (v *VecWrapper) States() []string {
	var states []string
	for _, n := range v.names {
		if v.entries[n].Meta.IsState() {
			states = append(states, n)
		}
	}
	return states
}

// PromotedByPathname returns the name under which the variable with the
// given absolute pathname is stored in this vector.
func (v *VecWrapper) PromotedByPathname(abs string) (string, error) {
	for _, n := range v.names {
		if v.entries[n].Meta.Pathname == abs {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: no variable with pathname %q in vector %q",
		ErrUnknownVariable, abs, v.Pathname)
}

// Sizes is an insertion-ordered mapping of variable name to flattened
// local size, used to compute global offsets.
type Sizes struct {
	names []string
	sizes map[string]int
}

// Names returns the stored names in insertion order.
func (s *Sizes) Names() []string { return s.names }

// Of returns the size recorded for name, or 0.
func (s *Sizes) Of(name string) int { return s.sizes[name] }

// Contains reports whether name was recorded.
func (s *Sizes) Contains(name string) bool {
	_, ok := s.sizes[name]
	return ok
}

func (s *Sizes) add(name string, size int) {
	s.names = append(s.names, name)
	s.sizes[name] = size
}

// FlattenedSizes returns the ordered name-to-size map for this vector's
// locally stored variables. Source vectors skip pass-by-object and remote
// entries entirely; target vectors additionally skip entries they do not
// own, and record remote owned entries with size zero.
func (v *VecWrapper) FlattenedSizes() *Sizes {
	sizes := &Sizes{sizes: make(map[string]int)}
	for _, n := range v.names {
		e := v.entries[n]
		if e.Meta.PassByObj {
			continue
		}
		switch v.kind {
		case sourceVec:
			if !e.Meta.Remote {
				sizes.add(n, e.Meta.Size)
			}
		case targetVec:
			if !e.Owned {
				continue
			}
			if e.Meta.Remote {
				sizes.add(n, 0)
			} else {
				sizes.add(n, e.Meta.Size)
			}
		}
	}
	return sizes
}

// View returns a new VecWrapper over a contiguous sub-range of this
// vector's buffer, remapping the names in varmap (old name to new name).
// The retained variables must be contiguous in insertion order; a gap is
// a configuration error, since a parent donates exactly one block per
// subsystem.
func (v *VecWrapper) View(sysPathname string, varmap map[string]string) (*VecWrapper, error) {
	view := newVecWrapper(sysPathname, v.kind)
	view.DerivUnits = v.DerivUnits

	viewSize := 0
	start, end := -1, -1
	for _, name := range v.names {
		newName, ok := varmap[name]
		if !ok {
			continue
		}
		parent := v.entries[name]
		entry := &Entry{Meta: parent.Meta, Box: parent.Box, Owned: parent.Owned, view: parent.view}
		view.entries[newName] = entry
		view.names = append(view.names, newName)

		if parent.Meta.PassByObj || parent.Meta.Remote {
			continue
		}
		pstart, pend := v.slices[name][0], v.slices[name][1]
		if start == -1 {
			start = pstart
		} else if pstart != end {
			return nil, fmt.Errorf("%q is not contiguous in the block containing %v", name, varmap)
		}
		end = pend
		view.slices[newName] = [2]int{viewSize, viewSize + parent.Meta.Size}
		viewSize += parent.Meta.Size
	}

	if start == -1 {
		view.Vec = v.Vec[0:0]
	} else {
		view.Vec = v.Vec[start:end]
	}
	return view, nil
}

// attachViews maps each sliced entry onto the backing buffer.
func (v *VecWrapper) attachViews() {
	for name, e := range v.entries {
		if e.Meta.PassByObj || e.Meta.Remote {
			continue
		}
		if s, ok := v.slices[name]; ok {
			e.view = v.Vec[s[0]:s[1]:s[1]]
		}
	}
}
