package varmeta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckName(t *testing.T) {
	valid := []string{"x", "y2", "_state", "foo_bar", "a:b", "T:outlet"}
	for _, name := range valid {
		assert.NoError(t, CheckName(name), name)
	}

	invalid := []string{"", "2x", "a.b", "a-b", "a b", ":x", "x:"}
	for _, name := range invalid {
		assert.Error(t, CheckName(name), name)
	}
}

func TestNewScalar(t *testing.T) {
	m, err := New("x", Param, Scalar(3.0))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Size)
	assert.Nil(t, m.Shape)
	assert.False(t, m.PassByObj)
	assert.Equal(t, "x", m.Promoted)
}

func TestNewArrayShapeMismatch(t *testing.T) {
	_, err := New("x", Output, Value{Data: []float64{1, 2, 3}, Shape: []int{2, 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestNewArray(t *testing.T) {
	m, err := New("y", Output, Array([]float64{1, 2, 3, 4}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Size)
	assert.Equal(t, []int{2, 2}, m.Shape)
}

func TestNewBoxed(t *testing.T) {
	m, err := New("cfg", Output, Boxed("hello"))
	require.NoError(t, err)
	assert.True(t, m.PassByObj)
	assert.Zero(t, m.Size)
	require.NotNil(t, m.Box)
	assert.Equal(t, "hello", m.Box.Get())
}

func TestNewMissingValue(t *testing.T) {
	_, err := New("x", Param, Value{})
	require.Error(t, err)
}

func TestCloneSharesBox(t *testing.T) {
	m, err := New("cfg", Output, Boxed([]string{"a"}))
	require.NoError(t, err)
	c := m.Clone()

	m.Box.Set("replaced")
	assert.Equal(t, "replaced", c.Box.Get())
}

func TestStateKind(t *testing.T) {
	m, err := New("x", State, Scalar(0.0))
	require.NoError(t, err)
	assert.True(t, m.IsState())
	assert.Equal(t, "state", m.Kind.String())
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "G1.C1", PathJoin("G1", "C1"))
	assert.Equal(t, "C1", PathJoin("", "C1"))

	assert.Equal(t, "G1", CommonAncestor("G1.C1.y", "G1.C2.x"))
	assert.Equal(t, "", CommonAncestor("A.x", "B.y"))
	assert.Equal(t, "G1.C1", CommonAncestor("G1.C1.y", "G1.C1.x"))

	assert.Equal(t, "C1", RelativeName("G1", "G1.C1.y"))
	assert.Equal(t, "G1", RelativeName("", "G1.C1.y"))

	assert.Equal(t, "C1.y", ScopedName("G1", "G1.C1.y"))
	assert.Equal(t, "G1.C1.y", ScopedName("", "G1.C1.y"))
}
