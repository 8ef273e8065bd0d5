package system

import (
	"fmt"
	"io"
	"strings"
)

// DumpTree writes an indented summary of the subtree: each node's name,
// kind and vector sizes. Intended for debugging model structure.
func (g *Group) DumpTree(w io.Writer) error {
	return g.dumpTree(w, 0)
}

func (g *Group) dumpTree(w io.Writer, depth int) error {
	indent := strings.Repeat("  ", depth)
	name := g.name
	if g.pathname == "" {
		name = "(root)"
	}
	usize, psize := 0, 0
	if g.unknowns != nil {
		usize = len(g.unknowns.Vec)
		psize = len(g.params.Vec)
	}
	if _, err := fmt.Fprintf(w, "%s%s [group] unknowns=%d params=%d\n", indent, name, usize, psize); err != nil {
		return err
	}
	for _, sub := range g.subs {
		switch s := sub.(type) {
		case *Group:
			if err := s.dumpTree(w, depth+1); err != nil {
				return err
			}
		case *Component:
			uvars, pvars := 0, 0
			if s.unknowns != nil {
				uvars = s.unknowns.Len()
				pvars = s.params.Len()
			} else {
				uvars = len(s.unknownsDecl)
				pvars = len(s.paramsDecl)
			}
			if _, err := fmt.Fprintf(w, "%s  %s [component] unknowns=%d params=%d\n",
				indent, s.name, uvars, pvars); err != nil {
				return err
			}
		}
	}
	return nil
}
