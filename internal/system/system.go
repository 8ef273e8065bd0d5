// Package system implements the hierarchical system tree at the core of
// the framework: Component leaves that evaluate user callbacks over
// flattened vector views, and Group composites that own the storage,
// connection resolution, scatter/gather transfer plans and the forward and
// reverse linear propagation that composes local Jacobians into total
// derivatives. Setup walks the tree once to collect metadata, once to
// allocate contiguous vectors top-down, and once more to precompute the
// transfer plans per connection and per variable-of-interest group.
package system

import (
	"context"
	"path"

	"github.com/vk/mdogridgo/internal/options"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// System is a node in the model tree, either a Component leaf or a Group
// composite.
type System interface {
	// Name returns the node's name within its parent.
	Name() string
	// Pathname returns the node's absolute dotted path.
	Pathname() string
	// FDOptions returns the node's finite-difference settings.
	FDOptions() *options.Dictionary

	// Params, Unknowns and Resids return the node's value vectors. They
	// are nil before setup.
	Params() *vecs.VecWrapper
	Unknowns() *vecs.VecWrapper
	Resids() *vecs.VecWrapper

	// DParams, DUnknowns and DResids return the derivative vectors for
	// one variable-of-interest key ("" is the unfiltered set).
	DParams(voi string) *vecs.VecWrapper
	DUnknowns(voi string) *vecs.VecWrapper
	DResids(voi string) *vecs.VecWrapper

	// SolveNonlinear drives the node's unknowns to consistency with its
	// params (for a Group, by delegating to its nonlinear solver).
	SolveNonlinear(ctx context.Context) error
	// ApplyNonlinear evaluates residuals for the given vectors.
	ApplyNonlinear(ctx context.Context, params, unknowns, resids *vecs.VecWrapper) error
	// Linearize computes and caches local Jacobians for the subtree.
	Linearize(ctx context.Context) error

	setName(name string)
	setupPaths(parentPath string)
	setupVariables() (params, unknowns []*varmeta.Meta, err error)
	stampTopNames(top map[string]string)
	setupVectors(parent *Group, cfg *treeConfig) error
	setPromotes(patterns []string)
	promoted(name string) bool
	checkPromotes() error
	paramMetas() []*varmeta.Meta
	unknownMetas() []*varmeta.Meta
	fdForced() bool
	// applyLinearLeaf performs the local (transposed) Jacobian-vector
	// product for a node being treated as an atomic leaf.
	applyLinearLeaf(ctx context.Context, voi string, mode xfer.Mode) error

	// ClearDParams zeroes the derivative params storage for the given
	// VOI keys across the subtree.
	ClearDParams(vois []string)
}

// Comm abstracts the process topology a tree is set up over. The default
// is a single-process communicator; the two-level offset computation in
// the transfer planner walks ranks through this abstraction.
type Comm struct {
	Rank int
	Size int
}

// DefaultComm returns the single-process communicator.
func DefaultComm() *Comm {
	return &Comm{Rank: 0, Size: 1}
}

// base carries the state shared by Components and Groups.
type base struct {
	name     string
	pathname string

	promotesList []string
	comm         *Comm
	fdOpts       *options.Dictionary

	params   *vecs.VecWrapper
	unknowns *vecs.VecWrapper
	resids   *vecs.VecWrapper
	dumat    map[string]*vecs.VecWrapper
	dpmat    map[string]*vecs.VecWrapper
	drmat    map[string]*vecs.VecWrapper

	jacCache Jacobian
}

func newBase() base {
	return base{fdOpts: NewFDOptions()}
}

// Name returns the node's name within its parent.
func (b *base) Name() string { return b.name }

func (b *base) setName(name string) { b.name = name }

// Pathname returns the node's absolute dotted path ("" for the root).
func (b *base) Pathname() string { return b.pathname }

// FDOptions returns the node's finite-difference option dictionary.
func (b *base) FDOptions() *options.Dictionary { return b.fdOpts }

// IsActive reports whether the node participates on this process.
func (b *base) IsActive() bool { return b.comm != nil }

// Params returns the node's params vector, nil before setup.
func (b *base) Params() *vecs.VecWrapper { return b.params }

// Unknowns returns the node's unknowns vector, nil before setup.
func (b *base) Unknowns() *vecs.VecWrapper { return b.unknowns }

// Resids returns the node's residuals vector, nil before setup.
func (b *base) Resids() *vecs.VecWrapper { return b.resids }

// DParams returns the derivative params vector for a VOI key.
func (b *base) DParams(voi string) *vecs.VecWrapper { return b.dpmat[voi] }

// DUnknowns returns the derivative unknowns vector for a VOI key.
func (b *base) DUnknowns(voi string) *vecs.VecWrapper { return b.dumat[voi] }

// DResids returns the derivative residuals vector for a VOI key.
func (b *base) DResids(voi string) *vecs.VecWrapper { return b.drmat[voi] }

func (b *base) setPromotes(patterns []string) { b.promotesList = patterns }

func (b *base) fdForced() bool { return b.fdOpts.Bool("force_fd") }

// promoted reports whether the given variable name matches one of this
// node's promotion patterns. Patterns use path.Match syntax; promotion
// is resolved once at setup into the final name maps, never re-matched
// per access.
func (b *base) promoted(name string) bool {
	for _, pattern := range b.promotesList {
		if ok, err := matchPromote(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// matchPromote matches a promotion pattern against a variable name. A
// pattern without wildcards must be an exact match.
func matchPromote(pattern, name string) (bool, error) {
	if pattern == name {
		return true, nil
	}
	return path.Match(pattern, name)
}

// NewFDOptions returns the finite-difference option dictionary with its
// defaults registered.
func NewFDOptions() *options.Dictionary {
	d := options.New()
	d.MustAdd("force_fd", false,
		options.WithDesc("Set to true to finite difference this system."))
	d.MustAdd("form", "forward",
		options.WithValues("forward", "backward", "central"),
		options.WithDesc("Finite difference scheme."))
	d.MustAdd("step_size", 1e-6, options.WithLow(0.0),
		options.WithDesc("Default finite difference stepsize."))
	d.MustAdd("step_type", "absolute",
		options.WithValues("absolute", "relative"),
		options.WithDesc("Set to absolute or relative stepping."))
	d.MustAdd("mode", "auto",
		options.WithValues("auto", "fwd", "rev"),
		options.WithDesc("Derivative direction when solving linear systems."))
	return d
}

// treeConfig carries the frozen setup products down the tree walk.
type treeConfig struct {
	relevance   relevanceFilter
	connections map[string]string   // abs target -> abs source
	paramOwners map[string][]string // group pathname -> owned abs params
	topUnknowns *vecs.VecWrapper
	comm        *Comm
	vois        []string // every VOI key, "" first
}

// relevanceFilter is the subset of the relevance contract the tree needs.
type relevanceFilter interface {
	IsRelevant(voi, name string) bool
	Filter(voi string) func(string) bool
}
