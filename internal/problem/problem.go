// Package problem is the user-facing layer tying a system tree to its
// derivative interface: declare design variables, objectives and
// constraints, set the model up once, run it, and ask for total
// gradients in forward, reverse or finite-difference form.
package problem

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/vk/mdogridgo/internal/ctxlog"
	"github.com/vk/mdogridgo/internal/recorder"
	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/xfer"
)

// GradMode selects how CalcGradient computes totals.
type GradMode string

const (
	// Auto picks Fwd or Rev from the seed and response sizes.
	Auto GradMode = "auto"
	// Fwd solves one linear system per design variable entry.
	Fwd GradMode = "fwd"
	// Rev solves one adjoint system per response entry.
	Rev GradMode = "rev"
	// FD finite-differences the whole model.
	FD GradMode = "fd"
)

// Problem owns a root group and the run/derivative machinery around it.
type Problem struct {
	Root *system.Group

	desvars      []string
	objectives   []string
	constraints  []string
	parallelSets [][]string

	recorders []recorder.Recorder

	info    *system.SetupInfo
	voiKeys map[string]bool
	runID   string
	iter    int
}

// New returns a Problem over the given root group.
func New(root *system.Group) *Problem {
	return &Problem{
		Root:  root,
		runID: uuid.NewString(),
	}
}

// AddDesvar declares a design variable by top-level promoted unknown
// name. Declared order is preserved in gradient output.
func (p *Problem) AddDesvar(names ...string) {
	p.desvars = append(p.desvars, names...)
}

// AddObjective declares an objective by top-level promoted unknown name.
func (p *Problem) AddObjective(names ...string) {
	p.objectives = append(p.objectives, names...)
}

// AddConstraint declares a constraint by top-level promoted unknown name.
func (p *Problem) AddConstraint(names ...string) {
	p.constraints = append(p.constraints, names...)
}

// AddParallelDerivs groups variables of interest that share one
// relevance computation and may be solved together.
func (p *Problem) AddParallelDerivs(names []string) {
	p.parallelSets = append(p.parallelSets, append([]string(nil), names...))
}

// AddRecorder attaches a case recorder invoked after each run.
func (p *Problem) AddRecorder(r recorder.Recorder) {
	p.recorders = append(p.recorders, r)
}

// Setup freezes the model. It must be called before Run or CalcGradient
// and again after any structural change.
func (p *Problem) Setup(ctx context.Context) error {
	info, err := p.Root.Setup(ctx, system.SetupConfig{
		Desvars:      p.desvars,
		Objectives:   p.objectives,
		Constraints:  p.constraints,
		ParallelSets: p.parallelSets,
	})
	if err != nil {
		return err
	}
	p.info = info
	p.voiKeys = make(map[string]bool, len(info.VOIs))
	for _, voi := range info.VOIs {
		p.voiKeys[voi] = true
	}
	return nil
}

// Run executes the model once and feeds the result to any recorders.
func (p *Problem) Run(ctx context.Context) error {
	if p.info == nil {
		return fmt.Errorf("problem: %w", system.ErrNotSetUp)
	}
	log := ctxlog.FromContext(ctx)
	p.iter++
	log.Info("running model", slog.String("run_id", p.runID), slog.Int("iteration", p.iter))

	if err := p.Root.SolveNonlinear(ctx); err != nil {
		return err
	}
	meta := recorder.Metadata{
		RunID:     p.runID,
		Name:      "driver",
		Coord:     []string{"Driver", fmt.Sprint(p.iter)},
		Timestamp: time.Now(),
	}
	for _, r := range p.recorders {
		if err := r.Record(p.Root.Params(), p.Root.Unknowns(), p.Root.Resids(), meta); err != nil {
			return err
		}
	}
	return nil
}

// Close closes any attached recorders.
func (p *Problem) Close() error {
	var first error
	for _, r := range p.recorders {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Gradient maps response name to design variable name to a dense block
// shaped (response size, design variable size).
type Gradient map[string]map[string]*mat.Dense

// CalcGradient computes total derivatives of the named responses with
// respect to the named design variables. The model must have been run so
// the linearization point is current. Auto mode compares the total seed
// and response sizes and picks the cheaper direction.
func (p *Problem) CalcGradient(ctx context.Context, indeps, qois []string, mode GradMode) (Gradient, error) {
	if p.info == nil {
		return nil, fmt.Errorf("problem: %w", system.ErrNotSetUp)
	}
	isize, err := p.totalSize(indeps)
	if err != nil {
		return nil, err
	}
	qsize, err := p.totalSize(qois)
	if err != nil {
		return nil, err
	}

	if mode == Auto || mode == "" {
		if qsize < isize {
			mode = Rev
		} else {
			mode = Fwd
		}
	}
	log := ctxlog.FromContext(ctx)
	log.Debug("computing gradient",
		slog.String("mode", string(mode)),
		slog.Int("seed_size", isize),
		slog.Int("response_size", qsize))

	if mode == FD {
		return p.calcGradientFD(ctx, indeps, qois)
	}

	if err := p.Root.Linearize(ctx); err != nil {
		return nil, err
	}
	grad, err := p.emptyGradient(indeps, qois)
	if err != nil {
		return nil, err
	}

	switch mode {
	case Fwd:
		for _, indep := range indeps {
			voi := p.voiKey(indep)
			du := p.Root.DUnknowns(voi)
			dr := p.Root.DResids(voi)
			seed, err := dr.Flat(indep)
			if err != nil {
				return nil, err
			}
			for j := range seed {
				du.Zero()
				dr.Zero()
				p.Root.ClearDParams([]string{voi})
				seed[j] = 1
				if err := p.Root.SolveLinear(ctx, []string{voi}, xfer.Fwd); err != nil {
					return nil, err
				}
				seed[j] = 0
				for _, qoi := range qois {
					if !du.Contains(qoi) {
						continue
					}
					col, err := du.Flat(qoi)
					if err != nil {
						return nil, err
					}
					for i, v := range col {
						grad[qoi][indep].Set(i, j, v)
					}
				}
			}
		}
	case Rev:
		for _, qoi := range qois {
			voi := p.voiKey(qoi)
			du := p.Root.DUnknowns(voi)
			dr := p.Root.DResids(voi)
			seed, err := du.Flat(qoi)
			if err != nil {
				return nil, err
			}
			for i := range seed {
				du.Zero()
				dr.Zero()
				p.Root.ClearDParams([]string{voi})
				seed[i] = 1
				if err := p.Root.SolveLinear(ctx, []string{voi}, xfer.Rev); err != nil {
					return nil, err
				}
				seed[i] = 0
				for _, indep := range indeps {
					if !dr.Contains(indep) {
						continue
					}
					row, err := dr.Flat(indep)
					if err != nil {
						return nil, err
					}
					for j, v := range row {
						grad[qoi][indep].Set(i, j, v)
					}
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown gradient mode %q", mode)
	}
	return grad, nil
}

// calcGradientFD differences the whole model: one (or two, for central
// form) full nonlinear solves per design variable entry. Step settings
// come from the root's fd options.
func (p *Problem) calcGradientFD(ctx context.Context, indeps, qois []string) (Gradient, error) {
	grad, err := p.emptyGradient(indeps, qois)
	if err != nil {
		return nil, err
	}
	opts := p.Root.FDOptions()
	step := opts.Float("step_size")
	central := opts.String("form") == "central"

	// The perturbation is the entire signal in the difference. Restarting
	// an iterative solver from the warm converged state leaves a first
	// residual on the order of the step, so the stock tolerances would
	// accept it essentially unconverged; every nonlinear solve here must
	// converge well below the step instead.
	restore := tightenNLTolerances(p.Root, step*1e-6)
	defer restore()

	unknowns := p.Root.Unknowns()
	readQois := func() (map[string][]float64, error) {
		out := make(map[string][]float64, len(qois))
		for _, q := range qois {
			flat, err := unknowns.Flat(q)
			if err != nil {
				return nil, err
			}
			out[q] = append([]float64(nil), flat...)
		}
		return out, nil
	}

	var base map[string][]float64
	if !central {
		if err := p.Root.SolveNonlinear(ctx); err != nil {
			return nil, err
		}
		if base, err = readQois(); err != nil {
			return nil, err
		}
	}

	for _, indep := range indeps {
		flat, err := unknowns.Flat(indep)
		if err != nil {
			return nil, err
		}
		saved := append([]float64(nil), flat...)
		for j := range flat {
			var hi, lo map[string][]float64
			h := step
			flat[j] = saved[j] + h
			if err := p.Root.SolveNonlinear(ctx); err != nil {
				return nil, err
			}
			if hi, err = readQois(); err != nil {
				return nil, err
			}
			if central {
				flat[j] = saved[j] - h
				if err := p.Root.SolveNonlinear(ctx); err != nil {
					return nil, err
				}
				if lo, err = readQois(); err != nil {
					return nil, err
				}
				h = 2 * step
			} else {
				lo = base
			}
			flat[j] = saved[j]
			for _, q := range qois {
				for i := range hi[q] {
					grad[q][indep].Set(i, j, (hi[q][i]-lo[q][i])/h)
				}
			}
		}
		copy(flat, saved)
	}
	// Leave the model at its unperturbed state.
	if err := p.Root.SolveNonlinear(ctx); err != nil {
		return nil, err
	}
	return grad, nil
}

// tightenNLTolerances lowers atol and rtol on every nonlinear solver in
// the tree to tol where they are looser, returning a function restoring
// the previous values. Solvers without those options are left alone.
func tightenNLTolerances(root *system.Group, tol float64) func() {
	groups := append([]*system.Group{root}, root.Subgroups()...)
	var undo []func()
	for _, g := range groups {
		opts := g.NLSolver.Options()
		for _, name := range []string{"atol", "rtol"} {
			name := name
			cur, err := opts.Get(name)
			if err != nil {
				continue
			}
			old, ok := cur.(float64)
			if !ok || old <= tol {
				continue
			}
			if opts.Set(name, tol) != nil {
				continue
			}
			undo = append(undo, func() { opts.MustSet(name, old) })
		}
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

// voiKey returns the derivative-vector key for a name: the name itself
// when it was declared a VOI, otherwise the unfiltered key.
func (p *Problem) voiKey(name string) string {
	if p.voiKeys[name] {
		return name
	}
	return ""
}

func (p *Problem) totalSize(names []string) (int, error) {
	total := 0
	for _, n := range names {
		e, err := p.Root.Unknowns().Metadata(n)
		if err != nil {
			return 0, err
		}
		total += e.Meta.Size
	}
	return total, nil
}

func (p *Problem) emptyGradient(indeps, qois []string) (Gradient, error) {
	grad := make(Gradient, len(qois))
	for _, q := range qois {
		qe, err := p.Root.Unknowns().Metadata(q)
		if err != nil {
			return nil, err
		}
		grad[q] = make(map[string]*mat.Dense, len(indeps))
		for _, ind := range indeps {
			ie, err := p.Root.Unknowns().Metadata(ind)
			if err != nil {
				return nil, err
			}
			grad[q][ind] = mat.NewDense(qe.Meta.Size, ie.Meta.Size, nil)
		}
	}
	return grad, nil
}
