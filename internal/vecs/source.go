package vecs

import (
	"github.com/vk/mdogridgo/internal/varmeta"
)

// Relevant is the membership test for the current variable-of-interest
// group. A nil Relevant means every variable is relevant.
type Relevant func(topName string) bool

func isRelevant(rel Relevant, topName string) bool {
	return rel == nil || rel(topName)
}

// NewSource builds the unknowns (or residuals) vector for a system from
// the ordered unknown metadata collected during setup. Buffer allocation
// is a single pass in insertion order accumulating a running offset;
// pass-by-object variables consume no buffer space but are registered so
// that name resolution is uniform. When storeByObjs is true the declared
// initial values are copied in (the unknowns vector); residual and
// derivative vectors start at zero.
func NewSource(pathname string, unknowns []*varmeta.Meta, rel Relevant, storeByObjs bool) *VecWrapper {
	v := newVecWrapper(pathname, sourceVec)

	vecSize := 0
	for _, meta := range unknowns {
		if !isRelevant(rel, meta.TopName) {
			continue
		}
		m := meta.Clone()
		entry := &Entry{Meta: m, Box: m.Box}
		if !m.PassByObj && !m.Remote {
			v.slices[m.Promoted] = [2]int{vecSize, vecSize + m.Size}
			vecSize += m.Size
		}
		v.entries[m.Promoted] = entry
		v.names = append(v.names, m.Promoted)
	}

	v.Vec = make([]float64, vecSize)
	v.attachViews()

	if storeByObjs {
		for _, name := range v.names {
			e := v.entries[name]
			if e.Meta.PassByObj || e.Meta.Remote {
				continue
			}
			copy(e.view, e.Meta.Init.Data)
		}
	}
	return v
}
