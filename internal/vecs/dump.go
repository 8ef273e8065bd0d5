package vecs

import (
	"fmt"
	"io"
)

// Dump writes a human readable listing of the vector's variables, slices
// and current values.
func (v *VecWrapper) Dump(w io.Writer) {
	for _, name := range v.names {
		e := v.entries[name]
		if e.Meta.Remote {
			continue
		}
		if e.Meta.PassByObj {
			var val any
			if e.Box != nil {
				val = e.Box.Get()
			}
			fmt.Fprintf(w, "%-20s (by obj)      %v\n", name, val)
			continue
		}
		s := v.slices[name]
		fmt.Fprintf(w, "%-20s [%d:%d]  %v\n", name, s[0], s[1], e.view)
	}
}
