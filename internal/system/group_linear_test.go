package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

func chainModel(t *testing.T) *Group {
	t.Helper()
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 2), "*")
	root.MustAdd("c1", scaleComp("x", "y", 2), "*")
	root.MustAdd("c2", scaleComp("y", "z", 3), "*")
	return root
}

func TestSolveLinearChainFwd(t *testing.T) {
	root := chainModel(t)
	ctx := context.Background()
	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.Linearize(ctx))

	du := root.DUnknowns("")
	dr := root.DResids("")
	du.Zero()
	dr.Zero()
	root.ClearDParams([]string{""})

	seed, err := dr.Flat("x")
	require.NoError(t, err)
	seed[0] = 1
	require.NoError(t, root.SolveLinear(ctx, []string{""}, xfer.Fwd))

	dz, err := du.Flat("z")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, dz[0], 1e-10)

	dy, err := du.Flat("y")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, dy[0], 1e-10)
}

func TestSolveLinearChainRev(t *testing.T) {
	root := chainModel(t)
	ctx := context.Background()
	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.Linearize(ctx))

	du := root.DUnknowns("")
	dr := root.DResids("")
	du.Zero()
	dr.Zero()
	root.ClearDParams([]string{""})

	seed, err := du.Flat("z")
	require.NoError(t, err)
	seed[0] = 1
	require.NoError(t, root.SolveLinear(ctx, []string{""}, xfer.Rev))

	dx, err := dr.Flat("x")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, dx[0], 1e-10)
}

func TestVOIVectorsReachComponents(t *testing.T) {
	// Declared design variables key the derivative vectors by name; the
	// relevance-filtered params vectors must still materialize down at the
	// component level or the linear sweep degenerates to the identity.
	root := chainModel(t)
	ctx := context.Background()
	_, err := root.Setup(ctx, SetupConfig{Desvars: []string{"x"}, Objectives: []string{"z"}})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.Linearize(ctx))

	c1, ok := root.Subsystem("c1").(*Component)
	require.True(t, ok)
	dp := c1.DParams("x")
	require.NotNil(t, dp)
	assert.NotEmpty(t, dp.Names())

	du := root.DUnknowns("x")
	dr := root.DResids("x")
	du.Zero()
	dr.Zero()
	root.ClearDParams([]string{"x"})
	seed, err := dr.Flat("x")
	require.NoError(t, err)
	seed[0] = 1
	require.NoError(t, root.SolveLinear(ctx, []string{"x"}, xfer.Fwd))

	dz, err := du.Flat("z")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, dz[0], 1e-10)
}

func TestFanOutLinear(t *testing.T) {
	// One source feeding two sinks: reverse totals sum contributions.
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 1), "*")
	root.MustAdd("c1", scaleComp("x", "a", 2), "*")
	root.MustAdd("c2", scaleComp("x", "b", 5), "*")

	c3 := NewComponent()
	c3.MustAddParam("a", varmeta.Scalar(0))
	c3.MustAddParam("b", varmeta.Scalar(0))
	c3.MustAddOutput("total", varmeta.Scalar(0))
	c3.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		a, _ := p.GetScalar("a")
		b, _ := p.GetScalar("b")
		return u.SetScalar("total", a+b)
	}
	c3.OnLinearize = func(p, u, r *vecs.VecWrapper) (Jacobian, error) {
		return Jacobian{
			{Output: "total", Input: "a"}: JacScalar(1),
			{Output: "total", Input: "b"}: JacScalar(1),
		}, nil
	}
	root.MustAdd("c3", c3, "*")
	ctx := context.Background()

	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.Linearize(ctx))

	du := root.DUnknowns("")
	dr := root.DResids("")
	du.Zero()
	dr.Zero()
	root.ClearDParams([]string{""})

	seed, err := du.Flat("total")
	require.NoError(t, err)
	seed[0] = 1
	require.NoError(t, root.SolveLinear(ctx, []string{""}, xfer.Rev))

	dx, err := dr.Flat("x")
	require.NoError(t, err)
	assert.InDelta(t, 7.0, dx[0], 1e-10)
}
