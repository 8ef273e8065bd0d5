// Package components ships the building-block components models are
// assembled from: independent variable sources, expression components,
// unit converters and a dense linear-system solver component.
package components

import (
	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
)

// NewIndepVar returns a source component exposing one unknown with no
// inputs. Connect it to params that a design variable or upstream value
// should drive. Its derivative contribution is the identity its unknown
// carries through the composed system, so it needs no Jacobian of its
// own.
func NewIndepVar(name string, val varmeta.Value, opts ...system.VarOpt) *system.Component {
	c := system.NewComponent()
	c.MustAddOutput(name, val, opts...)
	c.OnSolve = func(_, _, _ *vecs.VecWrapper) error { return nil }
	c.OnLinearize = func(_, _, _ *vecs.VecWrapper) (system.Jacobian, error) {
		return system.Jacobian{}, nil
	}
	return c
}
