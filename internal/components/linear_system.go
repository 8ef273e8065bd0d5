package components

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// NewLinearSystem returns an implicit component solving A*x = b for the
// state x, with A and b as params. A arrives flattened row-major with
// shape (n, n). The residual is A*x - b and the derivative product is
// supplied matrix-free in both directions.
func NewLinearSystem(n int) *system.Component {
	c := system.NewComponent()
	a0 := make([]float64, n*n)
	for i := 0; i < n; i++ {
		a0[i*n+i] = 1
	}
	c.MustAddParam("A", varmeta.Array(a0, n, n))
	c.MustAddParam("b", varmeta.Array(make([]float64, n)))
	c.MustAddState("x", varmeta.Array(make([]float64, n)))

	readMat := func(v *vecs.VecWrapper, name string) (*mat.Dense, error) {
		flat, err := v.Get(name)
		if err != nil {
			return nil, err
		}
		return mat.NewDense(n, n, flat), nil
	}

	c.OnSolve = func(params, unknowns, _ *vecs.VecWrapper) error {
		a, err := readMat(params, "A")
		if err != nil {
			return err
		}
		b, err := params.Get("b")
		if err != nil {
			return err
		}
		var lu mat.LU
		lu.Factorize(a)
		var sol mat.VecDense
		if err := lu.SolveVecTo(&sol, false, mat.NewVecDense(n, b)); err != nil {
			return fmt.Errorf("linear system is singular: %w", err)
		}
		return unknowns.Set("x", sol.RawVector().Data)
	}

	c.OnApplyNonlinear = func(params, unknowns, resids *vecs.VecWrapper) error {
		a, err := readMat(params, "A")
		if err != nil {
			return err
		}
		b, err := params.Get("b")
		if err != nil {
			return err
		}
		x, err := unknowns.Get("x")
		if err != nil {
			return err
		}
		r, err := resids.Flat("x")
		if err != nil {
			return err
		}
		var ax mat.VecDense
		ax.MulVec(a, mat.NewVecDense(n, x))
		for i := 0; i < n; i++ {
			r[i] = ax.AtVec(i) - b[i]
		}
		return nil
	}

	// d(Ax-b) = A*dx + dA*x - db, transposed exactly in reverse.
	c.OnApplyLinear = func(params, unknowns, dparams, dunknowns, dresids *vecs.VecWrapper, mode xfer.Mode) error {
		a, err := readMat(params, "A")
		if err != nil {
			return err
		}
		x, err := unknowns.Get("x")
		if err != nil {
			return err
		}
		switch mode {
		case xfer.Fwd:
			dr, err := dresids.Flat("x")
			if err != nil {
				return err
			}
			if dunknowns.Contains("x") {
				dx, err := dunknowns.Get("x")
				if err != nil {
					return err
				}
				var adx mat.VecDense
				adx.MulVec(a, mat.NewVecDense(n, dx))
				for i := 0; i < n; i++ {
					dr[i] += adx.AtVec(i)
				}
			}
			if dparams.Contains("A") {
				da, err := dparams.Get("A")
				if err != nil {
					return err
				}
				var dax mat.VecDense
				dax.MulVec(mat.NewDense(n, n, da), mat.NewVecDense(n, x))
				for i := 0; i < n; i++ {
					dr[i] += dax.AtVec(i)
				}
			}
			if dparams.Contains("b") {
				db, err := dparams.Get("b")
				if err != nil {
					return err
				}
				for i := 0; i < n; i++ {
					dr[i] -= db[i]
				}
			}
		case xfer.Rev:
			dr, err := dresids.Flat("x")
			if err != nil {
				return err
			}
			if dunknowns.Contains("x") {
				var atdr mat.VecDense
				atdr.MulVec(a.T(), mat.NewVecDense(n, append([]float64(nil), dr...)))
				if err := dunknowns.Set("x", atdr.RawVector().Data); err != nil {
					return err
				}
			}
			if dparams.Contains("A") {
				da := make([]float64, n*n)
				for i := 0; i < n; i++ {
					for j := 0; j < n; j++ {
						da[i*n+j] = dr[i] * x[j]
					}
				}
				if err := dparams.Set("A", da); err != nil {
					return err
				}
			}
			if dparams.Contains("b") {
				db := make([]float64, n)
				for i := 0; i < n; i++ {
					db[i] = -dr[i]
				}
				if err := dparams.Set("b", db); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown linear mode %q", mode)
		}
		return nil
	}
	return c
}
