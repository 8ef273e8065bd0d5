package system

import (
	"context"
	"fmt"

	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// Component is a leaf of the system tree. Behavior is supplied through
// callback fields rather than subclassing; a component with no OnSolve is
// a configuration error at evaluation time.
type Component struct {
	base

	// OnSolve computes unknowns from params (explicit components) or
	// drives states to zero residual (implicit ones).
	OnSolve func(params, unknowns, resids *vecs.VecWrapper) error

	// OnApplyNonlinear evaluates residuals directly. When nil, residuals
	// are derived from OnSolve: r holds the change in unknowns across one
	// evaluation, and the unknowns vector is restored afterwards.
	OnApplyNonlinear func(params, unknowns, resids *vecs.VecWrapper) error

	// OnLinearize returns the local Jacobian blocks. When nil and no
	// OnApplyLinear is given, the component contributes zero derivatives.
	OnLinearize func(params, unknowns, resids *vecs.VecWrapper) (Jacobian, error)

	// OnApplyLinear is a matrix-free (transposed) Jacobian-vector product.
	// It takes precedence over OnLinearize.
	OnApplyLinear func(params, unknowns, dparams, dunknowns, dresids *vecs.VecWrapper, mode xfer.Mode) error

	paramsDecl   []*varmeta.Meta
	unknownsDecl []*varmeta.Meta
	declared     map[string]bool
	postSetup    bool
}

// NewComponent returns an empty component ready for variable declarations.
func NewComponent() *Component {
	return &Component{
		base:     newBase(),
		declared: make(map[string]bool),
	}
}

// VarOpt adjusts one variable declaration.
type VarOpt func(*varmeta.Meta)

// WithUnits attaches an affine unit conversion to the variable. Reads
// through vectors return scale*(raw+offset); derivative vectors apply the
// scale only.
func WithUnits(scale, offset float64) VarOpt {
	return func(m *varmeta.Meta) {
		m.Units = &varmeta.UnitConv{Scale: scale, Offset: offset}
	}
}

// WithSrcIndices declares that the param consumes only the given flat
// indices of its connected source.
func WithSrcIndices(idxs ...int) VarOpt {
	return func(m *varmeta.Meta) {
		m.SrcIndices = append([]int(nil), idxs...)
	}
}

// WithRemote marks the variable as living on another process.
func WithRemote() VarOpt {
	return func(m *varmeta.Meta) { m.Remote = true }
}

func (c *Component) declare(name string, kind varmeta.Kind, val varmeta.Value, opts []VarOpt) error {
	if c.postSetup {
		return fmt.Errorf("component %q: cannot add variable %q after setup", c.name, name)
	}
	if c.declared[name] {
		return fmt.Errorf("component %q: variable %q is already declared", c.name, name)
	}
	m, err := varmeta.New(name, kind, val)
	if err != nil {
		return fmt.Errorf("component %q: %w", c.name, err)
	}
	for _, opt := range opts {
		opt(m)
	}
	c.declared[name] = true
	if kind == varmeta.Param {
		c.paramsDecl = append(c.paramsDecl, m)
	} else {
		c.unknownsDecl = append(c.unknownsDecl, m)
	}
	return nil
}

// AddParam declares an input.
func (c *Component) AddParam(name string, val varmeta.Value, opts ...VarOpt) error {
	return c.declare(name, varmeta.Param, val, opts)
}

// AddOutput declares an explicit unknown.
func (c *Component) AddOutput(name string, val varmeta.Value, opts ...VarOpt) error {
	return c.declare(name, varmeta.Output, val, opts)
}

// AddState declares an implicit unknown with an associated residual.
func (c *Component) AddState(name string, val varmeta.Value, opts ...VarOpt) error {
	return c.declare(name, varmeta.State, val, opts)
}

// MustAddParam is AddParam that panics on a declaration error.
func (c *Component) MustAddParam(name string, val varmeta.Value, opts ...VarOpt) {
	if err := c.AddParam(name, val, opts...); err != nil {
		panic(err)
	}
}

// MustAddOutput is AddOutput that panics on a declaration error.
func (c *Component) MustAddOutput(name string, val varmeta.Value, opts ...VarOpt) {
	if err := c.AddOutput(name, val, opts...); err != nil {
		panic(err)
	}
}

// MustAddState is AddState that panics on a declaration error.
func (c *Component) MustAddState(name string, val varmeta.Value, opts ...VarOpt) {
	if err := c.AddState(name, val, opts...); err != nil {
		panic(err)
	}
}

func (c *Component) setupPaths(parentPath string) {
	c.pathname = varmeta.PathJoin(parentPath, c.name)
}

// setupVariables stamps absolute pathnames on the declared metadata and
// hands ordered copies up to the parent. Promoted names at component level
// are the bare declared names.
func (c *Component) setupVariables() (params, unknowns []*varmeta.Meta, err error) {
	for _, m := range c.paramsDecl {
		m.Pathname = varmeta.PathJoin(c.pathname, m.Name)
		m.Promoted = m.Name
	}
	for _, m := range c.unknownsDecl {
		m.Pathname = varmeta.PathJoin(c.pathname, m.Name)
		m.Promoted = m.Name
	}
	c.postSetup = true
	return c.paramsDecl, c.unknownsDecl, nil
}

func (c *Component) paramMetas() []*varmeta.Meta   { return c.paramsDecl }
func (c *Component) unknownMetas() []*varmeta.Meta { return c.unknownsDecl }

func (c *Component) stampTopNames(top map[string]string) {
	for _, m := range c.paramsDecl {
		m.TopName = top[m.Pathname]
	}
	for _, m := range c.unknownsDecl {
		m.TopName = top[m.Pathname]
	}
}

// checkPromotes verifies every promotion pattern matches something.
func (c *Component) checkPromotes() error {
	for _, pattern := range c.promotesList {
		found := false
		for _, m := range c.paramsDecl {
			if ok, _ := matchPromote(pattern, m.Promoted); ok {
				found = true
				break
			}
		}
		if !found {
			for _, m := range c.unknownsDecl {
				if ok, _ := matchPromote(pattern, m.Promoted); ok {
					found = true
					break
				}
			}
		}
		if !found {
			return fmt.Errorf("component %q: promoted name %q matches no param or unknown",
				c.pathname, pattern)
		}
	}
	return nil
}

// setupVectors creates this component's vectors as views of its parent's.
func (c *Component) setupVectors(parent *Group, cfg *treeConfig) error {
	c.comm = cfg.comm
	c.dumat = make(map[string]*vecs.VecWrapper)
	c.dpmat = make(map[string]*vecs.VecWrapper)
	c.drmat = make(map[string]*vecs.VecWrapper)

	umap := relnameMap(c.unknownsDecl, parent.unknowns)
	noOwned := map[string]bool{}

	u, err := parent.unknowns.View(c.pathname, umap)
	if err != nil {
		return err
	}
	c.unknowns = u
	r, err := parent.resids.View(c.pathname, umap)
	if err != nil {
		return err
	}
	c.resids = r
	p, err := vecs.NewTarget(c.pathname, parent.params, c.paramsDecl, cfg.topUnknowns,
		noOwned, cfg.connections, nil, true)
	if err != nil {
		return err
	}
	c.params = p

	for _, voi := range cfg.vois {
		du, err := parent.dumat[voi].View(c.pathname, umap)
		if err != nil {
			return err
		}
		dr, err := parent.drmat[voi].View(c.pathname, umap)
		if err != nil {
			return err
		}
		dp, err := vecs.NewTarget(c.pathname, parent.dpmat[voi], c.paramsDecl, cfg.topUnknowns,
			noOwned, cfg.connections, cfg.relevance.Filter(voi), false)
		if err != nil {
			return err
		}
		c.dumat[voi] = du
		c.drmat[voi] = dr
		c.dpmat[voi] = dp
	}
	return nil
}

// SolveNonlinear runs the component's OnSolve over its own vectors.
func (c *Component) SolveNonlinear(ctx context.Context) error {
	if c.params == nil {
		return fmt.Errorf("component %q: %w", c.pathname, ErrNotSetUp)
	}
	if !c.IsActive() {
		return fmt.Errorf("component %q: %w", c.pathname, ErrInactive)
	}
	if c.OnSolve == nil {
		return fmt.Errorf("component %q defines no OnSolve", c.pathname)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.OnSolve(c.params, c.unknowns, c.resids)
}

// ApplyNonlinear evaluates residuals into resids. Without a user residual
// callback the residual is synthesized from one OnSolve evaluation: the
// residual becomes new minus old unknowns, and the unknowns are restored
// to their pre-call values.
func (c *Component) ApplyNonlinear(ctx context.Context, params, unknowns, resids *vecs.VecWrapper) error {
	if c.params == nil {
		return fmt.Errorf("component %q: %w", c.pathname, ErrNotSetUp)
	}
	if !c.IsActive() {
		return fmt.Errorf("component %q: %w", c.pathname, ErrInactive)
	}
	if c.OnApplyNonlinear != nil {
		return c.OnApplyNonlinear(params, unknowns, resids)
	}
	if c.OnSolve == nil {
		return fmt.Errorf("component %q defines no OnSolve", c.pathname)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range resids.Vec {
		resids.Vec[i] = -unknowns.Vec[i]
	}
	if err := c.OnSolve(params, unknowns, resids); err != nil {
		return err
	}
	for i := range resids.Vec {
		resids.Vec[i] += unknowns.Vec[i]
	}
	for i := range unknowns.Vec {
		unknowns.Vec[i] -= resids.Vec[i]
	}
	return nil
}

// Linearize refreshes the cached Jacobian. Finite differencing is used
// when forced; otherwise OnLinearize supplies analytic blocks, checked
// against the declared sizes.
func (c *Component) Linearize(ctx context.Context) error {
	if c.params == nil {
		return fmt.Errorf("component %q: %w", c.pathname, ErrNotSetUp)
	}
	if c.fdForced() {
		jac, err := fdJacobian(ctx, c, c.params, c.unknowns, c.fdOpts, nil, nil)
		if err != nil {
			return err
		}
		c.jacCache = jac
		return nil
	}
	if c.OnApplyLinear != nil {
		return nil
	}
	if c.OnLinearize == nil {
		c.jacCache = Jacobian{}
		return nil
	}
	jac, err := c.OnLinearize(c.params, c.unknowns, c.resids)
	if err != nil {
		return fmt.Errorf("component %q: linearize: %w", c.pathname, err)
	}
	checked, err := checkJacobian(jac, c.pathname, c.dumat[""], c.drmat[""], c.dpmat[""])
	if err != nil {
		return err
	}
	c.jacCache = checked
	return nil
}

// applyLinearLeaf runs the local derivative product for one VOI: the user
// product when given, otherwise the cached-Jacobian product.
func (c *Component) applyLinearLeaf(ctx context.Context, voi string, mode xfer.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dp, du, dr := c.dpmat[voi], c.dumat[voi], c.drmat[voi]
	if c.OnApplyLinear != nil {
		return c.OnApplyLinear(c.params, c.unknowns, dp, du, dr, mode)
	}
	return applyLinearJac(c.jacCache, dp, du, dr, mode)
}

// ClearDParams zeroes the derivative params storage for the given VOI
// keys. Component storage is zero length; the real buffers live on the
// owning ancestor groups.
func (c *Component) ClearDParams(vois []string) {
	for _, voi := range vois {
		if dp := c.dpmat[voi]; dp != nil {
			dp.Zero()
		}
	}
}

// relnameMap maps the parent vector's keys to this system's names for the
// given metadata, used to carve child views out of parent storage. Metas
// absent from the parent (filtered by relevance) are skipped.
func relnameMap(metas []*varmeta.Meta, parentVec *vecs.VecWrapper) map[string]string {
	m := make(map[string]string, len(metas))
	for _, meta := range metas {
		pkey, err := parentVec.PromotedByPathname(meta.Pathname)
		if err != nil {
			continue
		}
		m[pkey] = meta.Promoted
	}
	return m
}
