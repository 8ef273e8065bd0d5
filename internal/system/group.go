package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/mdogridgo/internal/solvers"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// connectDecl is one explicit Connect call, recorded verbatim and resolved
// during setup.
type connectDecl struct {
	src     string
	tgt     string
	srcIdxs []int
}

// Group is a composite node. It owns the contiguous vector storage its
// subtree views into, resolves promoted names and connections, and drives
// nonlinear and linear solves through pluggable solvers.
type Group struct {
	base

	NLSolver solvers.NonlinearSolver
	LNSolver solvers.LinearSolver

	subs    []System
	subsByN map[string]System

	connects []connectDecl

	paramsM   []*varmeta.Meta
	unknownsM []*varmeta.Meta
	byPath    map[string]*varmeta.Meta

	cfg      *treeConfig
	myParams map[string]bool

	localUnknownSizes []*vecs.Sizes
	localParamSizes   []*vecs.Sizes
	owningRanks       map[string]int

	xfers    map[xferKey]*xfer.DataXfer
	lsInputs map[string]map[string]bool
}

// NewGroup returns an empty group with run-once solvers.
func NewGroup() *Group {
	return &Group{
		base:     newBase(),
		subsByN:  make(map[string]System),
		NLSolver: solvers.NewRunOnce(),
		LNSolver: solvers.NewLnGaussSeidel(),
	}
}

// Add inserts a subsystem under the given name. Promotion patterns lift
// the subsystem's variable names into this group's scope; they use
// path.Match syntax, so "*" promotes everything.
func (g *Group) Add(name string, sub System, promotes ...string) (System, error) {
	if g.cfg != nil {
		return nil, fmt.Errorf("group %q: cannot add %q after setup", g.pathname, name)
	}
	if err := varmeta.CheckName(name); err != nil {
		return nil, fmt.Errorf("group %q: %w", g.pathname, err)
	}
	if _, dup := g.subsByN[name]; dup {
		return nil, fmt.Errorf("group %q already contains a subsystem named %q", g.pathname, name)
	}
	sub.setName(name)
	sub.setPromotes(promotes)
	g.subs = append(g.subs, sub)
	g.subsByN[name] = sub
	return sub, nil
}

// MustAdd is Add that panics on a configuration error.
func (g *Group) MustAdd(name string, sub System, promotes ...string) System {
	s, err := g.Add(name, sub, promotes...)
	if err != nil {
		panic(err)
	}
	return s
}

// Connect declares that the named source unknown feeds the named target
// param. Names are promoted names relative to this group.
func (g *Group) Connect(src, tgt string) {
	g.connects = append(g.connects, connectDecl{src: src, tgt: tgt})
}

// ConnectWithIndices is Connect where the target consumes only the given
// flat indices of the source.
func (g *Group) ConnectWithIndices(src, tgt string, srcIdxs []int) {
	g.connects = append(g.connects, connectDecl{src: src, tgt: tgt, srcIdxs: srcIdxs})
}

// Subsystems returns the immediate children in declaration order.
func (g *Group) Subsystems() []System { return g.subs }

// Subsystem resolves a dotted name relative to this group, or nil.
func (g *Group) Subsystem(name string) System {
	first, rest, found := strings.Cut(name, ".")
	sub, ok := g.subsByN[first]
	if !ok {
		return nil
	}
	if !found {
		return sub
	}
	if sg, ok := sub.(*Group); ok {
		return sg.Subsystem(rest)
	}
	return nil
}

// Components returns every Component in the subtree, depth first in
// declaration order.
func (g *Group) Components() []*Component {
	var comps []*Component
	for _, sub := range g.subs {
		switch s := sub.(type) {
		case *Component:
			comps = append(comps, s)
		case *Group:
			comps = append(comps, s.Components()...)
		}
	}
	return comps
}

// Subgroups returns every Group in the subtree, depth first, self
// excluded.
func (g *Group) Subgroups() []*Group {
	var groups []*Group
	for _, sub := range g.subs {
		if sg, ok := sub.(*Group); ok {
			groups = append(groups, sg)
			groups = append(groups, sg.Subgroups()...)
		}
	}
	return groups
}

func (g *Group) setupPaths(parentPath string) {
	g.pathname = varmeta.PathJoin(parentPath, g.name)
	for _, sub := range g.subs {
		sub.setupPaths(g.pathname)
	}
}

// setupVariables rolls each subsystem's metadata up into this group's
// ordered param and unknown lists, applying promotion. Two unknowns may
// not collide on a promoted name; promoted params sharing a name is legal
// since they can share one source.
func (g *Group) setupVariables() (params, unknowns []*varmeta.Meta, err error) {
	g.paramsM = nil
	g.unknownsM = nil
	g.byPath = make(map[string]*varmeta.Meta)

	seenUnknown := make(map[string]string)
	for _, sub := range g.subs {
		subParams, subUnknowns, err := sub.setupVariables()
		if err != nil {
			return nil, nil, err
		}
		// Promotion patterns can only be checked once the subsystem has
		// rolled its own variables up.
		if err := sub.checkPromotes(); err != nil {
			return nil, nil, err
		}
		for _, m := range subParams {
			c := m.Clone()
			c.Promoted = g.liftName(sub, c.Promoted)
			g.paramsM = append(g.paramsM, c)
			g.byPath[c.Pathname] = c
		}
		for _, m := range subUnknowns {
			c := m.Clone()
			c.Promoted = g.liftName(sub, c.Promoted)
			if prev, dup := seenUnknown[c.Promoted]; dup {
				return nil, nil, fmt.Errorf("group %q: promoted name %q refers to both %q and %q",
					g.pathname, c.Promoted, prev, c.Pathname)
			}
			seenUnknown[c.Promoted] = c.Pathname
			g.unknownsM = append(g.unknownsM, c)
			g.byPath[c.Pathname] = c
		}
	}
	if g.pathname == "" {
		for _, m := range g.paramsM {
			m.TopName = m.Promoted
		}
		for _, m := range g.unknownsM {
			m.TopName = m.Promoted
		}
	}
	return g.paramsM, g.unknownsM, nil
}

// stampTopNames writes each variable's top-level promoted name onto the
// metadata clones held at every level of the subtree. Relevance filtering
// keys on the top name, so the stamp must reach the component-level
// declarations the derivative vectors are built from.
func (g *Group) stampTopNames(top map[string]string) {
	for _, m := range g.paramsM {
		m.TopName = top[m.Pathname]
	}
	for _, m := range g.unknownsM {
		m.TopName = top[m.Pathname]
	}
	for _, sub := range g.subs {
		sub.stampTopNames(top)
	}
}

// liftName maps a subsystem-scope promoted name into this group's scope.
func (g *Group) liftName(sub System, name string) string {
	if sub.promoted(name) {
		return name
	}
	return sub.Name() + "." + name
}

func (g *Group) paramMetas() []*varmeta.Meta   { return g.paramsM }
func (g *Group) unknownMetas() []*varmeta.Meta { return g.unknownsM }

// checkPromotes verifies every promotion pattern matches at least one
// variable rolled up from below.
func (g *Group) checkPromotes() error {
	for _, pattern := range g.promotesList {
		found := false
		for _, m := range g.paramsM {
			if ok, _ := matchPromote(pattern, m.Promoted); ok {
				found = true
				break
			}
		}
		if !found {
			for _, m := range g.unknownsM {
				if ok, _ := matchPromote(pattern, m.Promoted); ok {
					found = true
					break
				}
			}
		}
		if !found {
			return fmt.Errorf("group %q: promoted name %q matches no param or unknown",
				g.pathname, pattern)
		}
	}
	return nil
}

// absByPromoted returns the absolute pathnames of metas whose promoted
// name matches name.
func absByPromoted(name string, metas []*varmeta.Meta) []string {
	var abs []string
	for _, m := range metas {
		if m.Promoted == name {
			abs = append(abs, m.Pathname)
		}
	}
	return abs
}

// explicitConnections resolves every Connect declared in this subtree to
// absolute (target, source) pairs. Explicit source indices are stamped
// onto the target metadata here, before vectors size themselves from it.
func (g *Group) explicitConnections() (map[string][]string, error) {
	conns := make(map[string][]string)
	for _, sub := range g.subs {
		sg, ok := sub.(*Group)
		if !ok {
			continue
		}
		subConns, err := sg.explicitConnections()
		if err != nil {
			return nil, err
		}
		for tgt, srcs := range subConns {
			conns[tgt] = append(conns[tgt], srcs...)
		}
	}

	for _, c := range g.connects {
		srcPaths := absByPromoted(c.src, g.unknownsM)
		if len(srcPaths) == 0 {
			return nil, nonexistentSrcError(c.src, c.tgt)
		}
		tgtPaths := absByPromoted(c.tgt, g.paramsM)
		if len(tgtPaths) == 0 {
			if len(absByPromoted(c.tgt, g.unknownsM)) > 0 {
				return nil, invalidTargetError(c.src, c.tgt)
			}
			return nil, nonexistentTargetError(c.src, c.tgt)
		}
		for _, tgt := range tgtPaths {
			conns[tgt] = append(conns[tgt], srcPaths...)
			if c.srcIdxs != nil {
				g.byPath[tgt].SrcIndices = append([]int(nil), c.srcIdxs...)
			}
		}
	}
	return conns, nil
}

// Get reads a variable by promoted unknown name or scoped param name,
// with unit conversion applied.
func (g *Group) Get(name string) ([]float64, error) {
	if g.unknowns == nil {
		return nil, fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	if g.unknowns.Contains(name) {
		return g.unknowns.Get(name)
	}
	if g.params.Contains(name) {
		return g.params.Get(name)
	}
	// Fall through to the subsystem that scopes the name.
	first, rest, found := strings.Cut(name, ".")
	if found {
		if sub, ok := g.subsByN[first]; ok {
			switch s := sub.(type) {
			case *Group:
				return s.Get(rest)
			case *Component:
				if s.Params().Contains(rest) {
					return s.Params().Get(rest)
				}
				if s.Unknowns().Contains(rest) {
					return s.Unknowns().Get(rest)
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %q not found in group %q", vecs.ErrUnknownVariable, name, g.pathname)
}

// GetScalar is Get for size-1 variables.
func (g *Group) GetScalar(name string) (float64, error) {
	vals, err := g.Get(name)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("variable %q has size %d, not scalar", name, len(vals))
	}
	return vals[0], nil
}

// Set writes a variable by promoted unknown name, inverting any unit
// conversion.
func (g *Group) Set(name string, vals []float64) error {
	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	if g.unknowns.Contains(name) {
		return g.unknowns.Set(name, vals)
	}
	if g.params.Contains(name) {
		return g.params.Set(name, vals)
	}
	first, rest, found := strings.Cut(name, ".")
	if found {
		if sub, ok := g.subsByN[first]; ok {
			if sg, ok := sub.(*Group); ok {
				return sg.Set(rest, vals)
			}
		}
	}
	return fmt.Errorf("%w: %q not found in group %q", vecs.ErrUnknownVariable, name, g.pathname)
}

// SetScalar is Set for size-1 variables.
func (g *Group) SetScalar(name string, val float64) error {
	return g.Set(name, []float64{val})
}

// SolveNonlinear delegates to the group's nonlinear solver.
func (g *Group) SolveNonlinear(ctx context.Context) error {
	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	if !g.IsActive() {
		return fmt.Errorf("group %q: %w", g.pathname, ErrInactive)
	}
	return g.NLSolver.Solve(ctx, g.params, g.unknowns, g.resids, g)
}

// ChildrenSolveNonlinear scatters into each child in declaration order
// and solves it.
func (g *Group) ChildrenSolveNonlinear(ctx context.Context) error {
	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	for _, sub := range g.subs {
		g.transferData(sub.Name(), xfer.Fwd, false, "")
		if err := sub.SolveNonlinear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ApplyNonlinear evaluates the subtree's residuals, scattering current
// unknowns into each child's params first.
func (g *Group) ApplyNonlinear(ctx context.Context, params, unknowns, resids *vecs.VecWrapper) error {
	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	if !g.IsActive() {
		return fmt.Errorf("group %q: %w", g.pathname, ErrInactive)
	}
	for _, sub := range g.subs {
		g.transferData(sub.Name(), xfer.Fwd, false, "")
		if err := sub.ApplyNonlinear(ctx, sub.Params(), sub.Unknowns(), sub.Resids()); err != nil {
			return err
		}
	}
	return nil
}

// Linearize refreshes Jacobian caches across the subtree. A subsystem
// with finite differencing forced becomes an atomic leaf: one cache for
// the whole subsystem, differenced across its boundary.
func (g *Group) Linearize(ctx context.Context) error {
	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	for _, sub := range g.subs {
		sg, isGroup := sub.(*Group)
		if isGroup && sub.FDOptions().Bool("force_fd") {
			jac, err := fdJacobian(ctx, sg, sg.params, sg.unknowns, sg.fdOpts,
				sg.boundaryParams(), nil)
			if err != nil {
				return err
			}
			sg.jacCache = jac
			continue
		}
		if err := sub.Linearize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// boundaryParams returns this group's params-vector keys whose sources
// lie outside the group or come from an independent-source component
// inside it. These are the inputs a finite-differenced group is
// differenced with respect to.
func (g *Group) boundaryParams() []string {
	var names []string
	for _, n := range g.params.Names() {
		e, _ := g.params.Metadata(n)
		if e == nil || e.Meta.PassByObj {
			continue
		}
		src, ok := g.cfg.connections[e.Meta.Pathname]
		if !ok {
			continue
		}
		if !pathWithin(src, g.pathname) || g.isIndepSource(src) {
			names = append(names, n)
		}
	}
	return names
}

// isIndepSource reports whether the absolute unknown path is produced by
// a component with no params of its own.
func (g *Group) isIndepSource(srcAbs string) bool {
	compPath := srcAbs[:strings.LastIndexByte(srcAbs, '.')]
	rel := varmeta.ScopedName(g.pathname, compPath)
	sub := g.Subsystem(rel)
	comp, ok := sub.(*Component)
	return ok && len(comp.paramsDecl) == 0
}

// pathWithin reports whether abs lies strictly inside the system at path.
func pathWithin(abs, path string) bool {
	if path == "" {
		return true
	}
	return strings.HasPrefix(abs, path+".")
}
