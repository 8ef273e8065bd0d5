package recorder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
)

func testVec(t *testing.T, vals map[string]float64) *vecs.VecWrapper {
	t.Helper()
	var metas []*varmeta.Meta
	for name, v := range vals {
		m, err := varmeta.New(name, varmeta.Output, varmeta.Scalar(v))
		require.NoError(t, err)
		m.Pathname = name
		m.TopName = name
		metas = append(metas, m)
	}
	return vecs.NewSource("", metas, nil, true)
}

func TestDumpRecord(t *testing.T) {
	u := testVec(t, map[string]float64{"z": 3, "a": 1})
	p := testVec(t, map[string]float64{"in": 2})
	r := testVec(t, map[string]float64{"z": 0, "a": 0})

	var buf bytes.Buffer
	d := NewDump(&buf)
	err := d.Record(p, u, r, Metadata{Coord: []string{"Driver", "1"}})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Iteration Coordinate: Driver/1\n")
	assert.Contains(t, out, "Params:\n  in: [2]\n")
	// Variables come out sorted by name.
	assert.Contains(t, out, "Unknowns:\n  a: [1]\n  z: [3]\n")
	assert.NotContains(t, out, "Resids:")
}

func TestDumpIncludeResids(t *testing.T) {
	u := testVec(t, map[string]float64{"a": 1})
	p := testVec(t, nil)
	r := testVec(t, map[string]float64{"a": 0.5})

	var buf bytes.Buffer
	d := NewDump(&buf)
	d.IncludeResids = true
	require.NoError(t, d.Record(p, u, r, Metadata{Coord: []string{"run_once", "1"}}))
	assert.Contains(t, buf.String(), "Resids:\n  a: [0.5]\n")
}

func TestDumpBoxed(t *testing.T) {
	m, err := varmeta.New("obj", varmeta.Output, varmeta.Boxed("payload"))
	require.NoError(t, err)
	m.Pathname = "obj"
	m.TopName = "obj"
	u := vecs.NewSource("", []*varmeta.Meta{m}, nil, true)
	empty := testVec(t, nil)

	var buf bytes.Buffer
	d := NewDump(&buf)
	require.NoError(t, d.Record(empty, u, empty, Metadata{Coord: []string{"Driver", "1"}}))
	assert.Contains(t, buf.String(), "obj: payload")
}

type closeTracker struct {
	bytes.Buffer
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestDumpClose(t *testing.T) {
	w := &closeTracker{}
	d := NewDump(w)
	require.NoError(t, d.Close())
	assert.True(t, w.closed)
}
