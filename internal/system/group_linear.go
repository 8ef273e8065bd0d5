package system

import (
	"context"
	"fmt"

	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// ApplyLinear runs one derivative sweep over the subtree. Forward mode
// scatters seeds from derivative unknowns into derivative params first,
// then visits each subsystem; reverse mode visits first and finishes with
// the reverse scatter that accumulates param adjoints back onto their
// sources. A subsystem with finite differencing forced is treated as an
// atomic leaf. The net effect of one forward sweep is dr = (I-A)*du where
// A chains the local Jacobians through the connections; one reverse sweep
// is the exact transpose.
func (g *Group) ApplyLinear(ctx context.Context, mode xfer.Mode,
	lsInputs map[string]map[string]bool, vois []string) error {

	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	if !g.IsActive() {
		return fmt.Errorf("group %q: %w", g.pathname, ErrInactive)
	}

	if mode == xfer.Fwd {
		for _, voi := range vois {
			g.transferData("", xfer.Fwd, true, voi)
		}
	}

	for _, sub := range g.subs {
		if sg, isGroup := sub.(*Group); isGroup && !sg.fdForced() {
			if err := sg.ApplyLinear(ctx, mode, lsInputs, vois); err != nil {
				return err
			}
			continue
		}
		if err := g.subApplyLinearLeaf(ctx, sub, mode, lsInputs, vois); err != nil {
			return err
		}
	}

	if mode == xfer.Rev {
		for _, voi := range vois {
			g.transferData("", xfer.Rev, true, voi)
		}
	}
	return nil
}

// subApplyLinearLeaf wraps one leaf's local product in the residual sign
// convention: the composed system is du - A*du, so local Jacobian
// contributions enter negated and every non-state unknown carries an
// identity term. In reverse the negation brackets the transposed product
// and the identity runs from residuals to unknowns, keeping the sweep an
// exact transpose of the forward one.
func (g *Group) subApplyLinearLeaf(ctx context.Context, sub System, mode xfer.Mode,
	lsInputs map[string]map[string]bool, vois []string) error {

	for _, voi := range vois {
		dp := sub.DParams(voi)
		du := sub.DUnknowns(voi)
		dr := sub.DResids(voi)
		if dp == nil || du == nil || dr == nil {
			continue
		}

		// Skip the Jacobian product when none of the leaf's inputs can
		// carry a seed for this VOI. The identity part still runs.
		doProduct := true
		if ls := lsInputs[voi]; ls != nil {
			doProduct = false
			for _, n := range dp.Names() {
				if e, err := dp.Metadata(n); err == nil && ls[e.Meta.Pathname] {
					doProduct = true
					break
				}
			}
		}

		switch mode {
		case xfer.Fwd:
			dr.Zero()
			if doProduct {
				if err := sub.applyLinearLeaf(ctx, voi, mode); err != nil {
					return err
				}
			}
			for i := range dr.Vec {
				dr.Vec[i] = -dr.Vec[i]
			}
			if err := addIdentity(dr, du); err != nil {
				return err
			}
		case xfer.Rev:
			dp.Zero()
			for i := range dr.Vec {
				dr.Vec[i] = -dr.Vec[i]
			}
			if doProduct {
				dp.SetAdjointAccumulate(true)
				du.SetAdjointAccumulate(true)
				err := sub.applyLinearLeaf(ctx, voi, mode)
				dp.SetAdjointAccumulate(false)
				du.SetAdjointAccumulate(false)
				if err != nil {
					return err
				}
			}
			for i := range dr.Vec {
				dr.Vec[i] = -dr.Vec[i]
			}
			if err := addIdentity(du, dr); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown linear mode %q", mode)
		}
	}
	return nil
}

// addIdentity accumulates src into dst for every non-state numeric
// variable. The two vectors share a name partition.
func addIdentity(dst, src *vecs.VecWrapper) error {
	for _, n := range src.Names() {
		e, err := src.Metadata(n)
		if err != nil {
			return err
		}
		if e.Meta.PassByObj || e.Meta.Remote || e.Meta.IsState() {
			continue
		}
		sflat, err := src.Flat(n)
		if err != nil {
			return err
		}
		dflat, err := dst.Flat(n)
		if err != nil {
			return err
		}
		for i := range dflat {
			dflat[i] += sflat[i]
		}
	}
	return nil
}

// applyLinearLeaf runs the cached-Jacobian product for a group being
// finite differenced as an atomic leaf.
func (g *Group) applyLinearLeaf(ctx context.Context, voi string, mode xfer.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return applyLinearJac(g.jacCache, g.dpmat[voi], g.dumat[voi], g.drmat[voi], mode)
}

// LSInputs returns the absolute param pathnames that can carry a nonzero
// derivative seed for one VOI key.
func (g *Group) LSInputs(voi string) map[string]bool {
	return g.lsInputs[voi]
}

// ClearDParams zeroes derivative param storage across the subtree.
func (g *Group) ClearDParams(vois []string) {
	for _, voi := range vois {
		if dp := g.dpmat[voi]; dp != nil {
			dp.Zero()
		}
	}
	for _, sub := range g.subs {
		sub.ClearDParams(vois)
	}
}

// SolveLinear solves the composed linear system for the given VOIs using
// the group's linear solver. In forward mode the right-hand sides are
// read from the derivative residuals and the solutions land in the
// derivative unknowns; reverse mode exchanges the two. The rhs buffers
// are copied before the solve, so seeding and solving may reuse the same
// vectors.
func (g *Group) SolveLinear(ctx context.Context, vois []string, mode xfer.Mode) error {
	if g.unknowns == nil {
		return fmt.Errorf("group %q: %w", g.pathname, ErrNotSetUp)
	}
	rhsVec := g.drmat
	solVec := g.dumat
	if mode == xfer.Rev {
		rhsVec, solVec = solVec, rhsVec
	}

	rhs := make(map[string][]float64, len(vois))
	for _, voi := range vois {
		v, ok := rhsVec[voi]
		if !ok {
			return fmt.Errorf("group %q: no derivative vectors for VOI %q", g.pathname, voi)
		}
		rhs[voi] = append([]float64(nil), v.Vec...)
	}

	sol, err := g.LNSolver.Solve(ctx, rhs, vois, g, mode)
	if err != nil {
		return err
	}
	for _, voi := range vois {
		copy(solVec[voi].Vec, sol[voi])
	}
	return nil
}
