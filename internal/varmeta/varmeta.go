// Package varmeta defines the per-variable metadata that the rest of the
// framework operates on: declared kind (param, output or implicit state),
// the tagged value variant separating flattenable numeric data from
// pass-by-object values, unit-conversion factors, explicit source-index
// subsets, and the absolute/promoted naming model.
package varmeta

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies a declared variable.
type Kind int

const (
	// Param is an input consumed by a component, connected to exactly one
	// source unknown elsewhere in the tree.
	Param Kind = iota
	// Output is an explicit unknown computed by a component.
	Output
	// State is an implicit unknown with an associated residual.
	State
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Param:
		return "param"
	case Output:
		return "output"
	case State:
		return "state"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// nameRgx mirrors the restricted identifier grammar for variable names.
var nameRgx = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*(:[_a-zA-Z][_a-zA-Z0-9]*)*$`)

// CheckName reports whether name satisfies the variable-name grammar.
func CheckName(name string) error {
	if !nameRgx.MatchString(name) {
		return fmt.Errorf("%q is not a valid variable name", name)
	}
	return nil
}

// Box wraps a pass-by-object value so that every vector entry referencing
// it observes the same mutable object. Readers must replace the whole
// value via Set, never mutate the returned value in place.
type Box struct {
	val any
}

// NewBox returns a Box holding val.
func NewBox(val any) *Box { return &Box{val: val} }

// Get returns the boxed value.
func (b *Box) Get() any { return b.val }

// Set replaces the boxed value.
func (b *Box) Set(val any) { b.val = val }

// Value is the tagged variant a variable is declared with: either a
// flattenable numeric value with a shape, or an opaque boxed value that
// lives outside the math vectors.
type Value struct {
	Data  []float64 // flattened numeric data; nil for boxed values
	Shape []int     // nil or empty means scalar
	Box   *Box      // non-nil marks a pass-by-object value
}

// Scalar declares a numeric scalar value.
func Scalar(v float64) Value {
	return Value{Data: []float64{v}}
}

// Array declares a flat numeric array with the given shape. A nil shape
// means a 1-D array of len(data).
func Array(data []float64, shape ...int) Value {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	return Value{Data: data, Shape: shape}
}

// Boxed declares a pass-by-object value. It occupies no space in any
// flattened vector and is shared by object identity.
func Boxed(v any) Value {
	return Value{Box: NewBox(v)}
}

// IsBoxed reports whether the value is pass-by-object.
func (v Value) IsBoxed() bool { return v.Box != nil }

// Size returns the flattened length of a numeric value, or 0 for boxed.
func (v Value) Size() int {
	if v.IsBoxed() {
		return 0
	}
	return len(v.Data)
}

// UnitConv holds the affine unit conversion applied when a value is read
// through a vector: converted = Scale*(raw + Offset). Derivative vectors
// ignore Offset, since the sensitivity of an affine conversion depends
// only on Scale.
type UnitConv struct {
	Scale  float64
	Offset float64
}

// Meta is the metadata record for one declared variable.
type Meta struct {
	Name       string    // name as declared on its component
	Pathname   string    // absolute pathname, assigned during setup
	Promoted   string    // promoted name relative to the current scope
	TopName    string    // promoted name as seen from the top of the tree
	Kind       Kind      // param, output or state
	Shape      []int     // declared shape; nil for scalar
	Size       int       // flattened size; 0 for pass-by-object
	PassByObj  bool      // true for non-flattenable values
	Remote     bool      // variable lives on another rank
	Units      *UnitConv // optional unit conversion
	SrcIndices []int     // optional subset of the connected source
	Init       Value     // declared initial value
	Box        *Box      // shared box, pass-by-object variables only
}

// New builds a Meta from a declaration. Shape and size are derived from
// the value; boxed values get size zero and the pass-by-object flag.
func New(name string, kind Kind, val Value) (*Meta, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	m := &Meta{
		Name:     name,
		Promoted: name,
		Kind:     kind,
		Init:     val,
	}
	if val.IsBoxed() {
		m.PassByObj = true
		m.Box = val.Box
		return m, nil
	}
	if len(val.Data) == 0 {
		return nil, fmt.Errorf("variable %q: a numeric value or shape must be specified", name)
	}
	m.Size = len(val.Data)
	m.Shape = val.Shape
	if shapeSize(val.Shape) != m.Size {
		return nil, fmt.Errorf("variable %q: shape %v does not match value size %d",
			name, val.Shape, m.Size)
	}
	return m, nil
}

// IsState reports whether the variable is an implicit state.
func (m *Meta) IsState() bool { return m.Kind == State }

// Clone returns a copy of the metadata. The box pointer is shared, which
// is what gives pass-by-object variables their aliasing behavior.
func (m *Meta) Clone() *Meta {
	c := *m
	if m.Shape != nil {
		c.Shape = append([]int(nil), m.Shape...)
	}
	if m.SrcIndices != nil {
		c.SrcIndices = append([]int(nil), m.SrcIndices...)
	}
	return &c
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		return 1
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// PathJoin joins a parent pathname and a child name with the tree
// separator, handling the empty (root) parent.
func PathJoin(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// CommonAncestor returns the longest shared dotted prefix of two absolute
// pathnames, or "" if they share none.
func CommonAncestor(a, b string) string {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	var common []string
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			break
		}
		common = append(common, pa[i])
	}
	return strings.Join(common, ".")
}

// RelativeName returns the first path component of child below parent.
// The child must be a descendant of parent.
func RelativeName(parentPath, childPath string) string {
	start := 0
	if parentPath != "" {
		start = len(parentPath) + 1
	}
	rest := childPath[start:]
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// ScopedName strips the pathname of the enclosing system from an absolute
// variable pathname.
func ScopedName(sysPath, abs string) string {
	if sysPath == "" {
		return abs
	}
	return abs[len(sysPath)+1:]
}
