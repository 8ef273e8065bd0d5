package solvers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vk/mdogridgo/internal/ctxlog"
	"github.com/vk/mdogridgo/internal/options"
	"github.com/vk/mdogridgo/internal/recorder"
	"github.com/vk/mdogridgo/internal/vecs"
)

// NLGaussSeidel is nonlinear block Gauss-Seidel, the fixed-point
// iteration for models with feedback coupling: sweep the subsystems in
// order, re-evaluate the residual, repeat until the residual norm meets
// tolerance.
type NLGaussSeidel struct {
	base
}

// NewNLGaussSeidel returns the solver with default tolerances.
func NewNLGaussSeidel() *NLGaussSeidel {
	opts := options.New()
	opts.MustAdd("maxiter", 100, options.WithLow(1),
		options.WithDesc("Maximum number of iterations."))
	opts.MustAdd("atol", 1e-6, options.WithLow(0.0),
		options.WithDesc("Absolute convergence tolerance on the residual norm."))
	opts.MustAdd("rtol", 1e-6, options.WithLow(0.0),
		options.WithDesc("Convergence tolerance relative to the first residual norm."))
	return &NLGaussSeidel{base: base{opts: opts}}
}

// Solve implements NonlinearSolver.
func (s *NLGaussSeidel) Solve(ctx context.Context, params, unknowns, resids *vecs.VecWrapper, sys System) error {
	log := ctxlog.FromContext(ctx)
	maxiter := s.opts.Int("maxiter")
	atol := s.opts.Float("atol")
	rtol := s.opts.Float("rtol")

	basenorm := 0.0
	normval := 0.0
	for iter := 1; iter <= maxiter; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sys.ChildrenSolveNonlinear(ctx); err != nil {
			return err
		}
		if err := sys.ApplyNonlinear(ctx, params, unknowns, resids); err != nil {
			return err
		}
		normval = resids.Norm()
		if iter == 1 {
			basenorm = normval
			if basenorm < atol {
				basenorm = 1
			}
		}
		log.Debug("nl gauss-seidel iteration",
			slog.String("system", sys.Pathname()),
			slog.Int("iter", iter),
			slog.Float64("norm", normval))
		if err := s.record(params, unknowns, resids, recorder.Metadata{
			Name:      sys.Pathname(),
			Coord:     []string{"nl_gauss_seidel", fmt.Sprint(iter)},
			Timestamp: time.Now(),
		}); err != nil {
			return err
		}
		if normval < atol || normval/basenorm < rtol {
			return nil
		}
	}
	return &ConvergenceError{
		Solver: "nonlinear gauss-seidel",
		System: sys.Pathname(),
		Iters:  maxiter,
		Norm:   normval,
	}
}
