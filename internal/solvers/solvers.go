// Package solvers holds the nonlinear and linear solver contracts and the
// iterative solvers shipped with the framework. Solvers see the system
// tree only through the System interface, so the tree package can depend
// on this one without a cycle.
package solvers

import (
	"context"
	"fmt"

	"github.com/vk/mdogridgo/internal/options"
	"github.com/vk/mdogridgo/internal/recorder"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// System is the view of a group a solver iterates over.
type System interface {
	Pathname() string

	Params() *vecs.VecWrapper
	Unknowns() *vecs.VecWrapper
	Resids() *vecs.VecWrapper
	DParams(voi string) *vecs.VecWrapper
	DUnknowns(voi string) *vecs.VecWrapper
	DResids(voi string) *vecs.VecWrapper

	// ChildrenSolveNonlinear runs one sweep over the subsystems in
	// declaration order, scattering data ahead of each.
	ChildrenSolveNonlinear(ctx context.Context) error
	// ApplyNonlinear evaluates residuals for the given vectors.
	ApplyNonlinear(ctx context.Context, params, unknowns, resids *vecs.VecWrapper) error
	// ApplyLinear runs one forward or reverse derivative sweep for the
	// given variables of interest. lsInputs optionally prunes which
	// derivative inputs each VOI's sweep must honor.
	ApplyLinear(ctx context.Context, mode xfer.Mode, lsInputs map[string]map[string]bool, vois []string) error
	// LSInputs returns the relevant derivative inputs for one VOI key.
	LSInputs(voi string) map[string]bool
	// ClearDParams zeroes derivative param storage across the subtree.
	ClearDParams(vois []string)
}

// NonlinearSolver drives a system's unknowns to consistency.
type NonlinearSolver interface {
	Solve(ctx context.Context, params, unknowns, resids *vecs.VecWrapper, sys System) error
	Options() *options.Dictionary
	AddRecorder(r recorder.Recorder)
}

// LinearSolver solves the composed linear system for one right-hand side
// per variable of interest, returning the solution buffers keyed the same
// way. In Fwd mode the rhs seeds residuals and the solution is read from
// the derivative unknowns; Rev swaps the two.
type LinearSolver interface {
	Solve(ctx context.Context, rhs map[string][]float64, vois []string, sys System, mode xfer.Mode) (map[string][]float64, error)
	Options() *options.Dictionary
}

// ConvergenceError reports an iterative solver that ran out of iterations
// before meeting its tolerances.
type ConvergenceError struct {
	Solver string
	System string
	Iters  int
	Norm   float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s on %q failed to converge after %d iterations (norm %.6e)",
		e.Solver, e.System, e.Iters, e.Norm)
}

// base carries the option dictionary and recorders every solver has.
type base struct {
	opts      *options.Dictionary
	recorders []recorder.Recorder
}

// Options returns the solver's option dictionary.
func (b *base) Options() *options.Dictionary { return b.opts }

// AddRecorder attaches a case recorder invoked per iteration.
func (b *base) AddRecorder(r recorder.Recorder) {
	b.recorders = append(b.recorders, r)
}

func (b *base) record(params, unknowns, resids *vecs.VecWrapper, meta recorder.Metadata) error {
	for _, r := range b.recorders {
		if err := r.Record(params, unknowns, resids, meta); err != nil {
			return err
		}
	}
	return nil
}
