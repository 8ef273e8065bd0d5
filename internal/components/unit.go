package components

import (
	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
)

// NewUnit returns a pass-through component whose param and output carry
// different unit conversions, so a value read in the input's units comes
// out in the output's units. val sets the size and initial value of both
// sides.
func NewUnit(val varmeta.Value, in, out *varmeta.UnitConv) *system.Component {
	c := system.NewComponent()
	var inOpts, outOpts []system.VarOpt
	if in != nil {
		inOpts = append(inOpts, system.WithUnits(in.Scale, in.Offset))
	}
	if out != nil {
		outOpts = append(outOpts, system.WithUnits(out.Scale, out.Offset))
	}
	c.MustAddParam("x", val, inOpts...)
	c.MustAddOutput("y", val, outOpts...)

	c.OnSolve = func(params, unknowns, _ *vecs.VecWrapper) error {
		v, err := params.Get("x")
		if err != nil {
			return err
		}
		return unknowns.Set("y", v)
	}
	// The derivative product reads dparams in converted (scale-applied)
	// space and writes raw residual slots, so the block carries only the
	// output-side inverse scale.
	scale := 1.0
	if out != nil {
		scale = 1.0 / out.Scale
	}
	c.OnLinearize = func(_, _, _ *vecs.VecWrapper) (system.Jacobian, error) {
		jac := system.Jacobian{}
		n := val.Size()
		block := make([]float64, n*n)
		for i := 0; i < n; i++ {
			block[i*n+i] = scale
		}
		jac[system.JacKey{Output: "y", Input: "x"}] = system.JacDense(n, n, block)
		return jac, nil
	}
	return c
}
