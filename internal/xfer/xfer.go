// Package xfer implements the precomputed data-transfer plans that move
// values between connected variables across system-tree boundaries. A plan
// is a pair of flat index arrays (source and target) built once at setup;
// executing it is a plain gather/scatter loop. Forward transfers copy
// source values onto targets; reverse transfers accumulate target values
// back into their sources, which is the adjoint of the forward copy.
package xfer

import (
	"fmt"
	"sort"

	"github.com/vk/mdogridgo/internal/vecs"
)

// Mode selects the direction of a derivative sweep or data transfer.
type Mode string

const (
	// Fwd propagates from sources to targets (tangent direction).
	Fwd Mode = "fwd"
	// Rev propagates from targets back to sources (adjoint direction).
	Rev Mode = "rev"
)

// Conn names one (target, source) variable pair covered by a plan.
type Conn struct {
	Target string
	Source string
}

// DataXfer is a transfer plan for one (target subsystem, direction,
// variable-of-interest) triple.
type DataXfer struct {
	SrcIdxs []int
	TgtIdxs []int

	// VecConns lists the flattened connections the index arrays encode.
	VecConns []Conn
	// ByObjConns lists pass-by-object connections, which move by box
	// value instead of through the index arrays.
	ByObjConns []Conn
}

// New builds a DataXfer, checking the core invariant that the two index
// arrays pair up one to one.
func New(srcIdxs, tgtIdxs []int, vecConns, byObjConns []Conn) (*DataXfer, error) {
	if len(srcIdxs) != len(tgtIdxs) {
		return nil, fmt.Errorf("data transfer: %d source indices vs %d target indices",
			len(srcIdxs), len(tgtIdxs))
	}
	return &DataXfer{
		SrcIdxs:    srcIdxs,
		TgtIdxs:    tgtIdxs,
		VecConns:   vecConns,
		ByObjConns: byObjConns,
	}, nil
}

// Transfer executes the plan between a source (unknowns) vector and a
// target (params) vector. In Fwd mode target slots are overwritten from
// their sources; in Rev mode source slots accumulate the target values.
// Pass-by-object values move only in Fwd mode and only on non-derivative
// vectors; reverse transfers exist solely for derivative routing.
func (x *DataXfer) Transfer(srcvec, tgtvec *vecs.VecWrapper, mode Mode, deriv bool) {
	switch mode {
	case Rev:
		for i, si := range x.SrcIdxs {
			srcvec.Vec[si] += tgtvec.Vec[x.TgtIdxs[i]]
		}
	default:
		for i, si := range x.SrcIdxs {
			tgtvec.Vec[x.TgtIdxs[i]] = srcvec.Vec[si]
		}
		if deriv {
			return
		}
		for _, c := range x.ByObjConns {
			val, err := srcvec.Boxed(c.Source)
			if err != nil {
				continue
			}
			_ = tgtvec.SetBoxed(c.Target, val)
		}
	}
}

// MakeIdxRange returns the indices [start, end).
func MakeIdxRange(start, end int) []int {
	idxs := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idxs = append(idxs, i)
	}
	return idxs
}

// Offset returns a copy of idxs shifted by off.
func Offset(idxs []int, off int) []int {
	out := make([]int, len(idxs))
	for i, v := range idxs {
		out[i] = v + off
	}
	return out
}

// MergeIdxs combines per-connection source and target index arrays into
// one pair, ordered by ascending minimum source index. The ordering is a
// deliberate tie-break that lets contiguous source ranges stay contiguous
// after merging. Zero-length pairs (fully irrelevant or remote-only
// connections) are dropped.
func MergeIdxs(srcIdxs, tgtIdxs [][]int) ([]int, []int) {
	type pair struct {
		src []int
		tgt []int
	}
	var pairs []pair
	for i := range srcIdxs {
		if len(srcIdxs[i]) == 0 {
			continue
		}
		pairs = append(pairs, pair{src: srcIdxs[i], tgt: tgtIdxs[i]})
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return minOf(pairs[i].src) < minOf(pairs[j].src)
	})

	var src, tgt []int
	for _, p := range pairs {
		src = append(src, p.src...)
		tgt = append(tgt, p.tgt...)
	}
	return src, tgt
}

func minOf(idxs []int) int {
	m := idxs[0]
	for _, v := range idxs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
