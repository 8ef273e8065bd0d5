package hclmodel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mdogridgo/internal/problem"
)

func writeModel(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadAndRun(t *testing.T) {
	path := writeModel(t, `
indep "x" {
  value = 2.0
}

exec "comp" {
  expressions = ["y = 2.0 * x"]
  values      = { x = 0.0 }
}

connect {
  source = "x"
  target = "comp.x"
}
`)
	ctx := context.Background()
	p, grad, err := Load(ctx, path)
	require.NoError(t, err)
	assert.Nil(t, grad)

	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	y, err := p.Root.GetScalar("comp.y")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, y, 1e-12)
}

func TestLoadGradientBlock(t *testing.T) {
	path := writeModel(t, `
indep "x" {
  value = 3.0
}

exec "comp" {
  expressions = ["y = x * x"]
  values      = { x = 0.0 }
}

connect {
  source = "x"
  target = "comp.x"
}

gradient {
  desvars    = ["x"]
  objectives = ["comp.y"]
  mode       = "fwd"
}
`)
	ctx := context.Background()
	p, grad, err := Load(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, grad)
	assert.Equal(t, []string{"x"}, grad.Desvars)
	assert.Equal(t, []string{"comp.y"}, grad.Objectives)
	assert.Equal(t, problem.Fwd, grad.Mode)

	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	g, err := p.CalcGradient(ctx, grad.Desvars, grad.Objectives, grad.Mode)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, g["comp.y"]["x"].At(0, 0), 1e-4)
}

func TestLoadArrayValue(t *testing.T) {
	path := writeModel(t, `
indep "A" {
  value = [1.0, 0.0, 0.0, 1.0]
}

indep "b" {
  value = [7.0, 12.0]
}

linear_system "lin" {
  size = 2
}

connect {
  source = "A"
  target = "lin.A"
}

connect {
  source = "b"
  target = "lin.b"
}
`)
	ctx := context.Background()
	p, _, err := Load(ctx, path)
	require.NoError(t, err)
	require.NoError(t, p.Setup(ctx))
	require.NoError(t, p.Run(ctx))

	// A is the identity, so x = b.
	x, err := p.Root.Get("lin.x")
	require.NoError(t, err)
	assert.InDelta(t, 7.0, x[0], 1e-12)
	assert.InDelta(t, 12.0, x[1], 1e-12)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.hcl"))
		assert.Error(t, err)
	})

	t.Run("syntax error", func(t *testing.T) {
		path := writeModel(t, `indep "x" {`)
		_, _, err := Load(context.Background(), path)
		assert.ErrorContains(t, err, "parse")
	})

	t.Run("bad value type", func(t *testing.T) {
		path := writeModel(t, `
indep "x" {
  value = "nope"
}
`)
		_, _, err := Load(context.Background(), path)
		assert.ErrorContains(t, err, "number")
	})

	t.Run("bad expression", func(t *testing.T) {
		path := writeModel(t, `
exec "comp" {
  expressions = ["no assignment here"]
}
`)
		_, _, err := Load(context.Background(), path)
		assert.Error(t, err)
	})
}
