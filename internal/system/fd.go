package system

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/vk/mdogridgo/internal/options"
	"github.com/vk/mdogridgo/internal/vecs"
)

// fdNode is the part of a system a finite-difference sweep drives.
type fdNode interface {
	Pathname() string
	SolveNonlinear(ctx context.Context) error
}

// numericNames returns the vector's names that carry flattened storage.
func numericNames(v *vecs.VecWrapper) []string {
	var names []string
	for _, n := range v.Names() {
		e, _ := v.Metadata(n)
		if e != nil && !e.Meta.PassByObj && !e.Meta.Remote {
			names = append(names, n)
		}
	}
	return names
}

// fdJacobian approximates d(unknown)/d(param) blocks by perturbing each
// flat param slot and re-solving the node, so the node is treated as an
// explicit (solved) function of its inputs. Step size, relative stepping
// and the difference form come from the node's fd options. fdParams and
// fdUnknowns select the columns and rows; nil selects every numeric
// variable in the respective vector.
func fdJacobian(ctx context.Context, node fdNode, params, unknowns *vecs.VecWrapper,
	opts *options.Dictionary, fdParams, fdUnknowns []string) (Jacobian, error) {

	if fdParams == nil {
		fdParams = numericNames(params)
	}
	if fdUnknowns == nil {
		fdUnknowns = numericNames(unknowns)
	}

	step := opts.Float("step_size")
	form := opts.String("form")
	relative := opts.String("step_type") == "relative"

	readUnknowns := func() (map[string][]float64, error) {
		out := make(map[string][]float64, len(fdUnknowns))
		for _, u := range fdUnknowns {
			flat, err := unknowns.Flat(u)
			if err != nil {
				return nil, err
			}
			out[u] = append([]float64(nil), flat...)
		}
		return out, nil
	}
	resolve := func() (map[string][]float64, error) {
		if err := node.SolveNonlinear(ctx); err != nil {
			return nil, fmt.Errorf("fd evaluation of %q: %w", node.Pathname(), err)
		}
		return readUnknowns()
	}

	// Baseline evaluation, not needed for central differences.
	var base map[string][]float64
	if form != "central" {
		var err error
		if base, err = resolve(); err != nil {
			return nil, err
		}
	}

	// cols[param][flat column index] holds the stacked unknown deltas.
	cols := make(map[string][]map[string][]float64, len(fdParams))

	for _, p := range fdParams {
		flat, err := params.Flat(p)
		if err != nil {
			return nil, err
		}
		saved := append([]float64(nil), flat...)

		for idx := range flat {
			h := step
			if relative {
				if s := math.Abs(saved[idx]); s > 0 {
					h = step * s
				}
			}

			var col map[string][]float64
			switch form {
			case "central":
				flat[idx] = saved[idx] + h
				plus, err := resolve()
				if err != nil {
					return nil, err
				}
				flat[idx] = saved[idx] - h
				minus, err := resolve()
				if err != nil {
					return nil, err
				}
				col = diffCols(plus, minus, 2*h)
			case "backward":
				flat[idx] = saved[idx] - h
				pert, err := resolve()
				if err != nil {
					return nil, err
				}
				col = diffCols(base, pert, h)
			default: // forward
				flat[idx] = saved[idx] + h
				pert, err := resolve()
				if err != nil {
					return nil, err
				}
				col = diffCols(pert, base, h)
			}
			flat[idx] = saved[idx]
			cols[p] = append(cols[p], col)
		}
		copy(flat, saved)
	}

	// Restore the unperturbed state before handing the cache back.
	if err := node.SolveNonlinear(ctx); err != nil {
		return nil, err
	}

	jac := Jacobian{}
	for _, p := range fdParams {
		ncols := len(cols[p])
		if ncols == 0 {
			continue
		}
		for _, u := range fdUnknowns {
			rows := len(cols[p][0][u])
			block := mat.NewDense(rows, ncols, nil)
			for j := 0; j < ncols; j++ {
				for i := 0; i < rows; i++ {
					block.Set(i, j, cols[p][j][u][i])
				}
			}
			jac[JacKey{Output: u, Input: p}] = block
		}
	}
	return jac, nil
}

// diffCols returns (hi-lo)/h per unknown.
func diffCols(hi, lo map[string][]float64, h float64) map[string][]float64 {
	out := make(map[string][]float64, len(hi))
	for u, hv := range hi {
		lv := lo[u]
		d := make([]float64, len(hv))
		for i := range hv {
			d[i] = (hv[i] - lv[i]) / h
		}
		out[u] = d
	}
	return out
}
