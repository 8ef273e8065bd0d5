package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
)

// indepComp declares a single output with no params, the usual way to
// feed a model its independent variables.
func indepComp(name string, val float64) *Component {
	c := NewComponent()
	c.MustAddOutput(name, varmeta.Scalar(val))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error { return nil }
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (Jacobian, error) {
		return Jacobian{}, nil
	}
	return c
}

// scaleComp computes out = k*in with an analytic partial.
func scaleComp(in, out string, k float64) *Component {
	c := NewComponent()
	c.MustAddParam(in, varmeta.Scalar(0))
	c.MustAddOutput(out, varmeta.Scalar(0))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		v, err := p.GetScalar(in)
		if err != nil {
			return err
		}
		return u.SetScalar(out, k*v)
	}
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (Jacobian, error) {
		return Jacobian{{Output: out, Input: in}: JacScalar(k)}, nil
	}
	return c
}

func TestDeclarations(t *testing.T) {
	t.Run("duplicate name rejected", func(t *testing.T) {
		c := NewComponent()
		require.NoError(t, c.AddOutput("y", varmeta.Scalar(0)))
		err := c.AddParam("y", varmeta.Scalar(0))
		assert.ErrorContains(t, err, "already declared")
	})

	t.Run("invalid name rejected", func(t *testing.T) {
		c := NewComponent()
		err := c.AddOutput("a.b", varmeta.Scalar(0))
		assert.Error(t, err)
	})

	t.Run("no declarations after setup", func(t *testing.T) {
		root := NewGroup()
		c := indepComp("x", 1)
		root.MustAdd("c", c, "*")
		_, err := root.Setup(context.Background(), SetupConfig{})
		require.NoError(t, err)
		err = c.AddOutput("late", varmeta.Scalar(0))
		assert.ErrorContains(t, err, "after setup")
	})
}

func TestSolveBeforeSetup(t *testing.T) {
	c := indepComp("x", 1)
	err := c.SolveNonlinear(context.Background())
	assert.ErrorIs(t, err, ErrNotSetUp)
	err = c.ApplyNonlinear(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotSetUp)
}

func TestResidualSynthesis(t *testing.T) {
	// An explicit component with no residual callback derives its
	// residual from one evaluation: r = f(p) - u, with u restored.
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 3), "*")
	comp := scaleComp("x", "y", 2)
	comp.OnLinearize = nil
	root.MustAdd("comp", comp, "*")
	ctx := context.Background()

	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))

	// Perturb y away from consistency and evaluate residuals.
	require.NoError(t, root.Set("y", []float64{5}))
	require.NoError(t, root.ApplyNonlinear(ctx, root.Params(), root.Unknowns(), root.Resids()))

	r, err := root.Resids().GetScalar("y")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-12) // 2*3 - 5

	// The unknown is restored to its pre-call value.
	y, err := root.GetScalar("y")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, y, 1e-12)
}

func TestUserResidual(t *testing.T) {
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 4), "*")

	c := NewComponent()
	c.MustAddParam("x", varmeta.Scalar(0))
	c.MustAddState("s", varmeta.Scalar(1))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		// s*s = x, solved by hand for x = 4
		return u.SetScalar("s", 2)
	}
	c.OnApplyNonlinear = func(p, u, r *vecs.VecWrapper) error {
		x, _ := p.GetScalar("x")
		s, _ := u.GetScalar("s")
		return r.SetScalar("s", s*s-x)
	}
	root.MustAdd("impl", c, "*")
	ctx := context.Background()

	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.ApplyNonlinear(ctx, root.Params(), root.Unknowns(), root.Resids()))

	r, err := root.Resids().GetScalar("s")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, r, 1e-12)
}

func TestLinearizeChecksDims(t *testing.T) {
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 1), "*")
	c := scaleComp("x", "y", 2)
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (Jacobian, error) {
		return Jacobian{{Output: "y", Input: "x"}: JacDense(2, 1, []float64{1, 1})}, nil
	}
	root.MustAdd("comp", c, "*")
	ctx := context.Background()

	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	err = root.Linearize(ctx)
	assert.ErrorContains(t, err, "expected")
}

func TestLinearizeDropsUnknownBlocks(t *testing.T) {
	// Blocks naming variables the component does not carry are skipped,
	// so shared component code can declare partials for optional wiring.
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 1), "*")
	c := scaleComp("x", "y", 2)
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (Jacobian, error) {
		return Jacobian{
			{Output: "y", Input: "x"}:      JacScalar(2),
			{Output: "y", Input: "absent"}: JacScalar(99),
		}, nil
	}
	root.MustAdd("comp", c, "*")
	ctx := context.Background()

	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.Linearize(ctx))
	assert.Len(t, c.jacCache, 1)
}

func TestFDJacobian(t *testing.T) {
	// y = x*x differenced at x = 3.
	root := NewGroup()
	root.MustAdd("indep", indepComp("x", 3), "*")

	c := NewComponent()
	c.MustAddParam("x", varmeta.Scalar(0))
	c.MustAddOutput("y", varmeta.Scalar(0))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		x, _ := p.GetScalar("x")
		return u.SetScalar("y", x*x)
	}
	c.FDOptions().MustSet("force_fd", true)
	c.FDOptions().MustSet("form", "central")
	root.MustAdd("comp", c, "*")
	ctx := context.Background()

	_, err := root.Setup(ctx, SetupConfig{})
	require.NoError(t, err)
	require.NoError(t, root.SolveNonlinear(ctx))
	require.NoError(t, root.Linearize(ctx))

	block, ok := c.jacCache[JacKey{Output: "y", Input: "x"}]
	require.True(t, ok)
	assert.InDelta(t, 6.0, block.At(0, 0), 1e-5)
}
