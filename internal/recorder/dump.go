package recorder

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vk/mdogridgo/internal/vecs"
)

// DumpRecorder writes each case as indented plain text, variables sorted
// by name for stable diffing.
type DumpRecorder struct {
	w io.Writer

	// IncludeResids adds the residual vector to each case.
	IncludeResids bool
}

// NewDump returns a DumpRecorder writing to w.
func NewDump(w io.Writer) *DumpRecorder {
	return &DumpRecorder{w: w}
}

// Record implements Recorder.
func (d *DumpRecorder) Record(params, unknowns, resids *vecs.VecWrapper, meta Metadata) error {
	if _, err := fmt.Fprintf(d.w, "Iteration Coordinate: %s\n", strings.Join(meta.Coord, "/")); err != nil {
		return err
	}
	if err := d.dumpVec("Params", params); err != nil {
		return err
	}
	if err := d.dumpVec("Unknowns", unknowns); err != nil {
		return err
	}
	if d.IncludeResids {
		if err := d.dumpVec("Resids", resids); err != nil {
			return err
		}
	}
	return nil
}

func (d *DumpRecorder) dumpVec(label string, v *vecs.VecWrapper) error {
	if _, err := fmt.Fprintf(d.w, "%s:\n", label); err != nil {
		return err
	}
	names := append([]string(nil), v.Names()...)
	sort.Strings(names)
	for _, n := range names {
		e, err := v.Metadata(n)
		if err != nil {
			return err
		}
		if e.Meta.PassByObj {
			val, err := v.Boxed(n)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(d.w, "  %s: %v\n", n, val); err != nil {
				return err
			}
			continue
		}
		flat, err := v.Flat(n)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(d.w, "  %s: %v\n", n, flat); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Recorder. If the underlying writer is closable it is
// closed.
func (d *DumpRecorder) Close() error {
	if c, ok := d.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
