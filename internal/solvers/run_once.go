package solvers

import (
	"context"
	"log/slog"
	"time"

	"github.com/vk/mdogridgo/internal/ctxlog"
	"github.com/vk/mdogridgo/internal/options"
	"github.com/vk/mdogridgo/internal/recorder"
	"github.com/vk/mdogridgo/internal/vecs"
)

// RunOnce runs a single sweep over the subsystems in declaration order.
// It is the default nonlinear solver, sufficient for any model without
// feedback coupling.
type RunOnce struct {
	base
}

// NewRunOnce returns a RunOnce solver.
func NewRunOnce() *RunOnce {
	return &RunOnce{base: base{opts: options.New()}}
}

// Solve implements NonlinearSolver.
func (s *RunOnce) Solve(ctx context.Context, params, unknowns, resids *vecs.VecWrapper, sys System) error {
	log := ctxlog.FromContext(ctx)
	log.Debug("run-once sweep starting", slog.String("system", sys.Pathname()))
	if err := sys.ChildrenSolveNonlinear(ctx); err != nil {
		return err
	}
	return s.record(params, unknowns, resids, recorder.Metadata{
		Name:      sys.Pathname(),
		Coord:     []string{"run_once", "1"},
		Timestamp: time.Now(),
	})
}
