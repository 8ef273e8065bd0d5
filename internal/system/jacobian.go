package system

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// JacKey identifies one sub-Jacobian d(output)/d(input). Names are in the
// declaring system's own scope.
type JacKey struct {
	Output string
	Input  string
}

// Jacobian maps variable pairs to dense partial derivative blocks, one
// block per (output, input) pair, shaped (output size, input size).
type Jacobian map[JacKey]*mat.Dense

// JacScalar wraps a scalar partial as a 1x1 block.
func JacScalar(v float64) *mat.Dense {
	return mat.NewDense(1, 1, []float64{v})
}

// JacColumn wraps the partial of an array output with respect to a scalar
// input as an n-by-1 block.
func JacColumn(vals []float64) *mat.Dense {
	d := mat.NewDense(len(vals), 1, nil)
	for i, v := range vals {
		d.Set(i, 0, v)
	}
	return d
}

// JacDense builds an r-by-c block from row-major data.
func JacDense(r, c int, data []float64) *mat.Dense {
	return mat.NewDense(r, c, data)
}

// isStateIn reports whether name is carried by vec as an implicit state.
func isStateIn(vec *vecs.VecWrapper, name string) bool {
	e, err := vec.Metadata(name)
	return err == nil && e.Meta.IsState()
}

// checkJacobian validates the cached blocks against the vectors they will
// be multiplied with. Blocks naming variables this system does not carry
// are dropped rather than rejected, so shared component code can declare
// partials for optional connections.
func checkJacobian(jac Jacobian, sysPath string, dunknowns, dresids, dparams *vecs.VecWrapper) (Jacobian, error) {
	checked := make(Jacobian, len(jac))
	for key, block := range jac {
		if block == nil {
			return nil, fmt.Errorf("system %q: jacobian block %v is nil", sysPath, key)
		}
		argVec := dparams
		if isStateIn(dunknowns, key.Input) {
			argVec = dunknowns
		}
		if !dresids.Contains(key.Output) || !argVec.Contains(key.Input) {
			continue
		}
		r, c := block.Dims()
		oe, err := dresids.Metadata(key.Output)
		if err != nil {
			return nil, err
		}
		ae, err := argVec.Metadata(key.Input)
		if err != nil {
			return nil, err
		}
		om, am := oe.Meta, ae.Meta
		if r != om.Size || c != am.Size {
			return nil, fmt.Errorf("system %q: jacobian block %v is %dx%d, expected %dx%d",
				sysPath, key, r, c, om.Size, am.Size)
		}
		checked[key] = block
	}
	return checked, nil
}

// applyLinearJac performs the default (transposed) matrix-vector product
// against a cached Jacobian. In forward mode dresids accumulates J times
// the seed read from dparams or dunknowns; in reverse mode the seed is
// read from dresids and the transposed product accumulates back into the
// argument vector, which must already be in adjoint accumulate mode so
// unit scaling lands on the correct side.
func applyLinearJac(jac Jacobian, dparams, dunknowns, dresids *vecs.VecWrapper, mode xfer.Mode) error {
	for key, block := range jac {
		argVec := dparams
		if isStateIn(dunknowns, key.Input) {
			argVec = dunknowns
		}
		if !dresids.Contains(key.Output) || !argVec.Contains(key.Input) {
			continue
		}
		r, c := block.Dims()
		switch mode {
		case xfer.Fwd:
			seed, err := argVec.Get(key.Input)
			if err != nil {
				return err
			}
			out := mat.NewVecDense(r, nil)
			out.MulVec(block, mat.NewVecDense(c, seed))
			rflat, err := dresids.Flat(key.Output)
			if err != nil {
				return err
			}
			floats.Add(rflat, out.RawVector().Data)
		case xfer.Rev:
			rflat, err := dresids.Flat(key.Output)
			if err != nil {
				return err
			}
			out := mat.NewVecDense(c, nil)
			out.MulVec(block.T(), mat.NewVecDense(r, rflat))
			if err := argVec.Set(key.Input, out.RawVector().Data); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown linear mode %q", mode)
		}
	}
	return nil
}
