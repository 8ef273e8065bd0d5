package problem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mdogridgo/internal/components"
	"github.com/vk/mdogridgo/internal/solvers"
	"github.com/vk/mdogridgo/internal/system"
	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
)

// scaleComp computes out = k*in with an analytic partial.
func scaleComp(in, out string, k float64) *system.Component {
	c := system.NewComponent()
	c.MustAddParam(in, varmeta.Scalar(0))
	c.MustAddOutput(out, varmeta.Scalar(0))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		v, err := p.GetScalar(in)
		if err != nil {
			return err
		}
		return u.SetScalar(out, k*v)
	}
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (system.Jacobian, error) {
		return system.Jacobian{{Output: out, Input: in}: system.JacScalar(k)}, nil
	}
	return c
}

// chainProblem wires x -> y=2x -> z=3y with x as the design variable
// and z as the objective.
func chainProblem(t *testing.T) *Problem {
	t.Helper()
	root := system.NewGroup()
	root.MustAdd("indep", components.NewIndepVar("x", varmeta.Scalar(2)), "*")
	root.MustAdd("c1", scaleComp("x", "y", 2), "*")
	root.MustAdd("c2", scaleComp("y", "z", 3), "*")

	p := New(root)
	p.AddDesvar("x")
	p.AddObjective("z")
	return p
}

func TestRunBeforeSetup(t *testing.T) {
	p := chainProblem(t)
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, system.ErrNotSetUp)

	_, err = p.CalcGradient(context.Background(), []string{"x"}, []string{"z"}, Fwd)
	assert.ErrorIs(t, err, system.ErrNotSetUp)
}

func TestRun(t *testing.T) {
	p := chainProblem(t)
	ctx := context.Background()
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	z, err := p.Root.GetScalar("z")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, z, 1e-12)
}

func TestCalcGradientChain(t *testing.T) {
	for _, mode := range []GradMode{Fwd, Rev, Auto} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			p := chainProblem(t)
			ctx := context.Background()
			require.NoError(t, p.Setup(ctx))
			require.NoError(t, p.Run(ctx))

			g, err := p.CalcGradient(ctx, []string{"x"}, []string{"z"}, mode)
			require.NoError(t, err)
			assert.InDelta(t, 6.0, g["z"]["x"].At(0, 0), 1e-10)
		})
	}
}

func TestCalcGradientFD(t *testing.T) {
	p := chainProblem(t)
	ctx := context.Background()
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	g, err := p.CalcGradient(ctx, []string{"x"}, []string{"z"}, FD)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, g["z"]["x"].At(0, 0), 1e-5)

	// The model is left at its unperturbed state afterwards.
	z, err := p.Root.GetScalar("z")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, z, 1e-12)
}

func TestForwardReverseAgree(t *testing.T) {
	// Fan-out model: both responses of both modes must match entry for
	// entry, the duality check for the linear sweeps.
	build := func() *Problem {
		root := system.NewGroup()
		root.MustAdd("indep", components.NewIndepVar("x", varmeta.Scalar(1.5)), "*")
		root.MustAdd("c1", scaleComp("x", "y1", 3), "*")
		root.MustAdd("c2", scaleComp("y1", "f", -2), "*")
		root.MustAdd("c3", scaleComp("y1", "g", 5), "*")
		p := New(root)
		p.AddDesvar("x")
		p.AddObjective("f")
		p.AddConstraint("g")
		return p
	}
	ctx := context.Background()

	pf := build()
	require.NoError(t, pf.Setup(ctx))
	require.NoError(t, pf.Run(ctx))
	gf, err := pf.CalcGradient(ctx, []string{"x"}, []string{"f", "g"}, Fwd)
	require.NoError(t, err)

	pr := build()
	require.NoError(t, pr.Setup(ctx))
	require.NoError(t, pr.Run(ctx))
	gr, err := pr.CalcGradient(ctx, []string{"x"}, []string{"f", "g"}, Rev)
	require.NoError(t, err)

	for _, q := range []string{"f", "g"} {
		assert.InDelta(t, gf[q]["x"].At(0, 0), gr[q]["x"].At(0, 0), 1e-10, q)
	}
	assert.InDelta(t, -6.0, gf["f"]["x"].At(0, 0), 1e-10)
	assert.InDelta(t, 15.0, gf["g"]["x"].At(0, 0), 1e-10)
}

// twoInputComp computes out = k1*in1 + k2*in2 with analytic partials.
func twoInputComp(out, in1 string, k1 float64, in2 string, k2 float64) *system.Component {
	c := system.NewComponent()
	c.MustAddParam(in1, varmeta.Scalar(0))
	c.MustAddParam(in2, varmeta.Scalar(0))
	c.MustAddOutput(out, varmeta.Scalar(0))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		v1, err := p.GetScalar(in1)
		if err != nil {
			return err
		}
		v2, err := p.GetScalar(in2)
		if err != nil {
			return err
		}
		return u.SetScalar(out, k1*v1+k2*v2)
	}
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (system.Jacobian, error) {
		return system.Jacobian{
			{Output: out, Input: in1}: system.JacScalar(k1),
			{Output: out, Input: in2}: system.JacScalar(k2),
		}, nil
	}
	return c
}

func TestCoupledModelGradients(t *testing.T) {
	// Two disciplines with feedback: y1 = x + 0.4*y2, y2 = x + 0.5*y1.
	// Closed form: y1 = 1.75*x, y2 = 1.875*x.
	build := func() *Problem {
		root := system.NewGroup()
		root.NLSolver = solvers.NewNLGaussSeidel()
		root.MustAdd("indep", components.NewIndepVar("x", varmeta.Scalar(1)), "*")
		root.MustAdd("d1", twoInputComp("y1", "x", 1, "y2", 0.4), "*")
		root.MustAdd("d2", twoInputComp("y2", "x", 1, "y1", 0.5), "*")
		p := New(root)
		p.AddDesvar("x")
		p.AddObjective("y1")
		p.AddObjective("y2")
		return p
	}
	ctx := context.Background()

	p := build()
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	y1, err := p.Root.GetScalar("y1")
	require.NoError(t, err)
	assert.InDelta(t, 1.75, y1, 1e-5)
	y2, err := p.Root.GetScalar("y2")
	require.NoError(t, err)
	assert.InDelta(t, 1.875, y2, 1e-5)

	for _, mode := range []GradMode{Fwd, Rev} {
		mode := mode
		t.Run(string(mode), func(t *testing.T) {
			g, err := p.CalcGradient(ctx, []string{"x"}, []string{"y1", "y2"}, mode)
			require.NoError(t, err)
			assert.InDelta(t, 1.75, g["y1"]["x"].At(0, 0), 1e-8)
			assert.InDelta(t, 1.875, g["y2"]["x"].At(0, 0), 1e-8)
		})
	}

	t.Run("fd", func(t *testing.T) {
		g, err := p.CalcGradient(ctx, []string{"x"}, []string{"y1", "y2"}, FD)
		require.NoError(t, err)
		assert.InDelta(t, 1.75, g["y1"]["x"].At(0, 0), 1e-4)
		assert.InDelta(t, 1.875, g["y2"]["x"].At(0, 0), 1e-4)

		// The tightened inner tolerances are restored afterwards.
		assert.InDelta(t, 1e-6, p.Root.NLSolver.Options().Float("atol"), 1e-18)
	})
}

func TestGradientArrayVariables(t *testing.T) {
	// y = k*x elementwise over a size-2 array gives a diagonal total.
	root := system.NewGroup()
	root.MustAdd("indep", components.NewIndepVar("x", varmeta.Array([]float64{1, 2})), "*")

	c := system.NewComponent()
	c.MustAddParam("x", varmeta.Array([]float64{0, 0}))
	c.MustAddOutput("y", varmeta.Array([]float64{0, 0}))
	c.OnSolve = func(p, u, r *vecs.VecWrapper) error {
		x, err := p.Get("x")
		if err != nil {
			return err
		}
		return u.Set("y", []float64{4 * x[0], 9 * x[1]})
	}
	c.OnLinearize = func(p, u, r *vecs.VecWrapper) (system.Jacobian, error) {
		return system.Jacobian{
			{Output: "y", Input: "x"}: system.JacDense(2, 2, []float64{4, 0, 0, 9}),
		}, nil
	}
	root.MustAdd("comp", c, "*")

	p := New(root)
	p.AddDesvar("x")
	p.AddObjective("y")
	ctx := context.Background()
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	for _, mode := range []GradMode{Fwd, Rev} {
		g, err := p.CalcGradient(ctx, []string{"x"}, []string{"y"}, mode)
		require.NoError(t, err)
		assert.InDelta(t, 4.0, g["y"]["x"].At(0, 0), 1e-10)
		assert.InDelta(t, 0.0, g["y"]["x"].At(0, 1), 1e-10)
		assert.InDelta(t, 0.0, g["y"]["x"].At(1, 0), 1e-10)
		assert.InDelta(t, 9.0, g["y"]["x"].At(1, 1), 1e-10)
	}
}

func TestGradientExecFD(t *testing.T) {
	// Expression components difference their compiled expressions, so
	// the total must still match the analytic value.
	c, err := components.NewExec([]string{"z = 3.0*y*y"},
		map[string]varmeta.Value{"y": varmeta.Scalar(0)})
	require.NoError(t, err)

	root := system.NewGroup()
	root.MustAdd("indep", components.NewIndepVar("y", varmeta.Scalar(2)), "*")
	root.MustAdd("comp", c, "*")

	p := New(root)
	p.AddDesvar("y")
	p.AddObjective("z")
	ctx := context.Background()
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	g, err := p.CalcGradient(ctx, []string{"y"}, []string{"z"}, Fwd)
	require.NoError(t, err)
	assert.InDelta(t, 12.0, g["z"]["y"].At(0, 0), 1e-4)
}

func TestLinearSystemTotalsFD(t *testing.T) {
	// Totals through an implicit component, differenced across full
	// nonlinear solves.
	root := system.NewGroup()
	root.MustAdd("a", components.NewIndepVar("A", varmeta.Array([]float64{1, 2, 3, 5}, 2, 2)), "*")
	root.MustAdd("b", components.NewIndepVar("b", varmeta.Array([]float64{7, 12})), "*")
	root.MustAdd("lin", components.NewLinearSystem(2), "*")
	p := New(root)
	p.AddDesvar("b")
	p.AddObjective("x")
	p.Root.FDOptions().MustSet("form", "central")
	ctx := context.Background()

	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))
	g, err := p.CalcGradient(ctx, []string{"b"}, []string{"x"}, FD)
	require.NoError(t, err)

	// dx/db = A^{-1} = [-5 2; 3 -1].
	want := [][]float64{{-5, 2}, {3, -1}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, want[i][j], g["x"]["b"].At(i, j), 1e-5)
		}
	}
}

func TestDanglingParamSurfacesFromSetup(t *testing.T) {
	root := system.NewGroup()
	root.MustAdd("comp", scaleComp("in", "out", 2))
	p := New(root)
	err := p.Setup(context.Background())
	var cerr *system.ConnectError
	require.ErrorAs(t, err, &cerr)
}

func TestUnknownGradientName(t *testing.T) {
	p := chainProblem(t)
	ctx := context.Background()
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	_, err := p.CalcGradient(ctx, []string{"nope"}, []string{"z"}, Fwd)
	assert.Error(t, err)
}
