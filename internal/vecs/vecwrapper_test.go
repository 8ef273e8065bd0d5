package vecs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mdogridgo/internal/varmeta"
)

// mustMeta declares a variable and promotes it under the given (possibly
// dotted) name, the way group setup would.
func mustMeta(t *testing.T, name string, kind varmeta.Kind, val varmeta.Value) *varmeta.Meta {
	t.Helper()
	leaf := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		leaf = name[i+1:]
	}
	m, err := varmeta.New(leaf, kind, val)
	require.NoError(t, err)
	m.Pathname = name
	m.Promoted = name
	m.TopName = name
	return m
}

func TestSourceAllocation(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "a", varmeta.Output, varmeta.Scalar(1.0)),
		mustMeta(t, "b", varmeta.Output, varmeta.Array([]float64{2, 3, 4})),
		mustMeta(t, "tag", varmeta.Output, varmeta.Boxed("hi")),
		mustMeta(t, "c", varmeta.State, varmeta.Array([]float64{5, 6}, 2)),
	}
	u := NewSource("", metas, nil, true)

	assert.Len(t, u.Vec, 6)
	assert.Equal(t, []string{"a", "b", "tag", "c"}, u.Names())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, u.Vec)
	assert.Equal(t, []string{"c"}, u.States())

	// Buffer slices partition [0, len) exactly, in insertion order.
	covered := 0
	for _, name := range u.Names() {
		s, ok := u.Slice(name)
		if !ok {
			continue
		}
		assert.Equal(t, covered, s[0], name)
		covered = s[1]
	}
	assert.Equal(t, len(u.Vec), covered)

	boxed, err := u.Boxed("tag")
	require.NoError(t, err)
	assert.Equal(t, "hi", boxed)
}

func TestGetSetRoundTrip(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "x", varmeta.Output, varmeta.Scalar(0.0)),
	}
	metas[0].Units = &varmeta.UnitConv{Scale: 1.8, Offset: 32.0 / 1.8}
	u := NewSource("", metas, nil, true)

	require.NoError(t, u.SetScalar("x", 212.0))
	got, err := u.GetScalar("x")
	require.NoError(t, err)
	assert.InDelta(t, 212.0, got, 1e-12)

	// Derivative vectors convert with scale only.
	u.DerivUnits = true
	require.NoError(t, u.SetScalar("x", 9.0))
	got, err = u.GetScalar("x")
	require.NoError(t, err)
	assert.InDelta(t, 9.0, got, 1e-12)
	flat, err := u.Flat("x")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, flat[0], 1e-12)
}

func TestAdjointAccumulate(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "x", varmeta.Output, varmeta.Scalar(0.0)),
	}
	u := NewSource("", metas, nil, false)
	u.SetAdjointAccumulate(true)

	require.NoError(t, u.SetScalar("x", 2.0))
	require.NoError(t, u.SetScalar("x", 3.0))

	// Reads are disabled while accumulating.
	got, err := u.GetScalar("x")
	require.NoError(t, err)
	assert.Zero(t, got)

	u.SetAdjointAccumulate(false)
	got, err = u.GetScalar("x")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestMissingName(t *testing.T) {
	u := NewSource("", nil, nil, false)
	_, err := u.Get("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownVariable)
}

func TestFlatOnBoxed(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "tag", varmeta.Output, varmeta.Boxed(42)),
	}
	u := NewSource("", metas, nil, true)
	_, err := u.Flat("tag")
	assert.ErrorIs(t, err, ErrPassByObj)
	_, err = u.Get("tag")
	assert.ErrorIs(t, err, ErrPassByObj)
}

func TestViewSharesStorage(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "C1.y", varmeta.Output, varmeta.Scalar(1.0)),
		mustMeta(t, "C2.y", varmeta.Output, varmeta.Array([]float64{2, 3})),
		mustMeta(t, "C3.y", varmeta.Output, varmeta.Scalar(4.0)),
	}
	top := NewSource("", metas, nil, true)

	view, err := top.View("C2", map[string]string{"C2.y": "y"})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, view.Vec)

	// Mutation through the child view is visible to the parent.
	require.NoError(t, view.Set("y", []float64{20, 30}))
	assert.Equal(t, []float64{1, 20, 30, 4}, top.Vec)
}

func TestViewContiguityError(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "C1.y", varmeta.Output, varmeta.Scalar(1.0)),
		mustMeta(t, "C2.y", varmeta.Output, varmeta.Scalar(2.0)),
		mustMeta(t, "C3.y", varmeta.Output, varmeta.Scalar(3.0)),
	}
	top := NewSource("", metas, nil, true)

	_, err := top.View("bad", map[string]string{"C1.y": "a", "C3.y": "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contiguous")
}

func TestRelevanceFiltering(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "a", varmeta.Output, varmeta.Scalar(1.0)),
		mustMeta(t, "b", varmeta.Output, varmeta.Scalar(2.0)),
	}
	rel := func(name string) bool { return name == "b" }
	u := NewSource("", metas, rel, true)

	assert.Len(t, u.Vec, 1)
	assert.False(t, u.Contains("a"))
	assert.True(t, u.Contains("b"))
}

func TestFlattenedSizesSource(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "a", varmeta.Output, varmeta.Array([]float64{1, 2})),
		mustMeta(t, "tag", varmeta.Output, varmeta.Boxed("x")),
		mustMeta(t, "b", varmeta.Output, varmeta.Scalar(3.0)),
	}
	u := NewSource("", metas, nil, true)
	sizes := u.FlattenedSizes()
	assert.Equal(t, []string{"a", "b"}, sizes.Names())
	assert.Equal(t, 2, sizes.Of("a"))
	assert.Equal(t, 1, sizes.Of("b"))
	assert.False(t, sizes.Contains("tag"))
}

func TestTargetSetup(t *testing.T) {
	unknowns := []*varmeta.Meta{
		mustMeta(t, "S.y", varmeta.Output, varmeta.Array([]float64{1, 2, 3})),
	}
	unknowns[0].Pathname = "S.y"
	top := NewSource("", unknowns, nil, true)

	pmeta := mustMeta(t, "x", varmeta.Param, varmeta.Scalar(0.0))
	pmeta.Pathname = "C.x"

	params, err := NewTarget("", nil, []*varmeta.Meta{pmeta}, top,
		map[string]bool{"C.x": true}, map[string]string{"C.x": "S.y"}, nil, true)
	require.NoError(t, err)

	// Param storage is sized from the connected source.
	e, err := params.Metadata("C.x")
	require.NoError(t, err)
	assert.Equal(t, 3, e.Meta.Size)
	assert.True(t, e.Owned)
	assert.Len(t, params.Vec, 3)
}

func TestTargetSrcIndices(t *testing.T) {
	unknowns := []*varmeta.Meta{
		mustMeta(t, "S.y", varmeta.Output, varmeta.Array([]float64{1, 2, 3, 4})),
	}
	top := NewSource("", unknowns, nil, true)

	pmeta := mustMeta(t, "x", varmeta.Param, varmeta.Scalar(0.0))
	pmeta.Pathname = "C.x"
	pmeta.SrcIndices = []int{1, 3}

	params, err := NewTarget("", nil, []*varmeta.Meta{pmeta}, top,
		map[string]bool{"C.x": true}, map[string]string{"C.x": "S.y"}, nil, true)
	require.NoError(t, err)

	e, err := params.Metadata("C.x")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Meta.Size)
}

func TestTargetUnconnected(t *testing.T) {
	top := NewSource("", nil, nil, true)
	pmeta := mustMeta(t, "x", varmeta.Param, varmeta.Scalar(0.0))
	pmeta.Pathname = "C.x"

	_, err := NewTarget("", nil, []*varmeta.Meta{pmeta}, top,
		map[string]bool{"C.x": true}, map[string]string{}, nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestTargetByObjSharesBox(t *testing.T) {
	unknowns := []*varmeta.Meta{
		mustMeta(t, "S.tag", varmeta.Output, varmeta.Boxed("v1")),
	}
	top := NewSource("", unknowns, nil, true)

	pm := mustMeta(t, "tag_in", varmeta.Param, varmeta.Boxed(""))
	pm.Pathname = "C.tag_in"

	params, err := NewTarget("", nil, []*varmeta.Meta{pm}, top,
		map[string]bool{"C.tag_in": true}, map[string]string{"C.tag_in": "S.tag"}, nil, true)
	require.NoError(t, err)

	// The target shares the source's box: a write through the source is
	// visible with no transfer.
	require.NoError(t, top.SetBoxed("S.tag", "v2"))
	got, err := params.Boxed("C.tag_in")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestDumpListing(t *testing.T) {
	metas := []*varmeta.Meta{
		mustMeta(t, "a", varmeta.Output, varmeta.Array([]float64{1, 2})),
		mustMeta(t, "tag", varmeta.Output, varmeta.Boxed("hi")),
	}
	u := NewSource("", metas, nil, true)

	var buf bytes.Buffer
	u.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "[0:2]")
	assert.Contains(t, out, "(by obj)")
	assert.Contains(t, out, "hi")
}
