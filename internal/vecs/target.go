package vecs

import (
	"fmt"
	"strings"

	"github.com/vk/mdogridgo/internal/varmeta"
)

// NewTarget builds the params vector for a system. Entries for params the
// system owns get local storage sized from their connected source (or from
// an explicit source-index subset); params connected across this system's
// boundary are filled with shared entries from the parent's params vector
// so the same storage is observed at every level. srcvec is the top-level
// unknowns vector, used to resolve source metadata for sizing and
// pass-by-object sharing.
func NewTarget(pathname string, parentParams *VecWrapper, params []*varmeta.Meta,
	srcvec *VecWrapper, myParams map[string]bool, connections map[string]string,
	rel Relevant, storeByObjs bool) (*VecWrapper, error) {

	v := newVecWrapper(pathname, targetVec)
	// A derivative params vector applies scale-only unit conversion.
	if !storeByObjs {
		v.DerivUnits = true
	}

	vecSize := 0
	var missing []*varmeta.Meta
	for _, meta := range params {
		if !isRelevant(rel, meta.TopName) {
			continue
		}
		abs := meta.Pathname
		if myParams[abs] {
			src, ok := connections[abs]
			if !ok {
				return nil, fmt.Errorf("parameter %q is not connected", abs)
			}
			srcName, err := srcvec.PromotedByPathname(src)
			if err != nil {
				return nil, err
			}
			srcEntry, err := srcvec.Metadata(srcName)
			if err != nil {
				return nil, err
			}

			m := meta.Clone()
			entry := &Entry{Meta: m, Owned: true}
			// Size from the source unless the param consumes an explicit
			// index subset of it.
			if m.SrcIndices == nil {
				m.Size = srcEntry.Meta.Size
				m.Shape = srcEntry.Meta.Shape
			} else {
				m.Size = len(m.SrcIndices)
				m.Shape = nil
			}

			key := varmeta.ScopedName(v.Pathname, abs)
			if srcEntry.Meta.PassByObj {
				m.PassByObj = true
				m.Size = 0
				if !m.Remote && storeByObjs {
					// Share the source's box so writes through any view
					// are visible everywhere without a transfer.
					entry.Box = srcEntry.Box
					m.Box = srcEntry.Box
				}
			} else if !m.Remote {
				v.slices[key] = [2]int{vecSize, vecSize + m.Size}
				vecSize += m.Size
			}

			v.entries[key] = entry
			v.names = append(v.names, key)
			continue
		}

		if parentParams == nil {
			continue
		}
		// A param we don't own: if its connection crosses our boundary,
		// the parent holds its storage and we view into it below.
		src, ok := connections[abs]
		if !ok {
			continue
		}
		common := varmeta.CommonAncestor(src, abs)
		if common == v.Pathname || !strings.Contains(common, v.Pathname+".") {
			missing = append(missing, meta)
		}
	}

	v.Vec = make([]float64, vecSize)
	v.attachViews()

	// Fill entries for missing params with shared entries from the parent.
	for _, meta := range missing {
		parentKey := varmeta.ScopedName(parentParams.Pathname, meta.Pathname)
		parentEntry, ok := parentParams.entries[parentKey]
		if !ok || parentEntry.Meta.Pathname != meta.Pathname {
			continue
		}
		m := parentEntry.Meta.Clone()
		m.Promoted = meta.Promoted
		key := varmeta.ScopedName(v.Pathname, meta.Pathname)
		v.entries[key] = &Entry{Meta: m, Box: parentEntry.Box, Owned: false, view: parentEntry.view}
		v.names = append(v.names, key)
	}

	return v, nil
}
