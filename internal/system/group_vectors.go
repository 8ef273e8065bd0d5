package system

import (
	"fmt"

	"github.com/vk/mdogridgo/internal/varmeta"
	"github.com/vk/mdogridgo/internal/vecs"
	"github.com/vk/mdogridgo/internal/xfer"
)

// xferKey identifies one transfer plan: the child the data is headed for
// (or came from, in reverse mode), the direction, and the VOI key. The
// empty tgtSys is the full plan covering every connection owned at this
// level.
type xferKey struct {
	tgtSys string
	mode   xfer.Mode
	voi    string
}

// setupVectors allocates this group's vector storage (root) or views into
// the parent's (nested), builds the local size tables the offset math
// runs on, precomputes the transfer plans, then recurses.
func (g *Group) setupVectors(parent *Group, cfg *treeConfig) error {
	g.cfg = cfg
	g.comm = cfg.comm
	g.dumat = make(map[string]*vecs.VecWrapper)
	g.dpmat = make(map[string]*vecs.VecWrapper)
	g.drmat = make(map[string]*vecs.VecWrapper)

	g.myParams = make(map[string]bool)
	for _, abs := range cfg.paramOwners[g.pathname] {
		g.myParams[abs] = true
	}

	var err error
	if parent == nil {
		err = g.createVecs(cfg)
	} else {
		err = g.createViews(parent, cfg)
	}
	if err != nil {
		return err
	}

	// One sizes table per rank; this process contributes the only entry
	// under a single-process comm.
	g.localUnknownSizes = make([]*vecs.Sizes, g.comm.Size)
	g.localParamSizes = make([]*vecs.Sizes, g.comm.Size)
	g.localUnknownSizes[g.comm.Rank] = g.unknowns.FlattenedSizes()
	g.localParamSizes[g.comm.Rank] = g.params.FlattenedSizes()

	g.owningRanks = make(map[string]int)
	for _, n := range g.unknowns.Names() {
		g.owningRanks[n] = 0
	}

	g.xfers = make(map[xferKey]*xfer.DataXfer)
	for _, voi := range cfg.vois {
		if err := g.setupDataTransfer(voi); err != nil {
			return err
		}
	}

	for _, sub := range g.subs {
		if err := sub.setupVectors(g, cfg); err != nil {
			return err
		}
	}

	g.lsInputs = make(map[string]map[string]bool, len(cfg.vois))
	for _, voi := range cfg.vois {
		g.lsInputs[voi] = g.computeLSInputs(voi)
	}
	return nil
}

// createVecs allocates root storage: real vectors first, then one set of
// derivative vectors per VOI key, relevance reducing what each carries.
func (g *Group) createVecs(cfg *treeConfig) error {
	g.unknowns = vecs.NewSource(g.pathname, g.unknownsM, nil, true)
	g.resids = vecs.NewSource(g.pathname, g.unknownsM, nil, false)
	cfg.topUnknowns = g.unknowns

	p, err := vecs.NewTarget(g.pathname, nil, g.paramsM, g.unknowns,
		g.myParams, cfg.connections, nil, true)
	if err != nil {
		return err
	}
	g.params = p

	for _, voi := range cfg.vois {
		rel := cfg.relevance.Filter(voi)
		du := vecs.NewSource(g.pathname, g.unknownsM, rel, false)
		du.DerivUnits = true
		dr := vecs.NewSource(g.pathname, g.unknownsM, rel, false)
		dr.DerivUnits = true
		dp, err := vecs.NewTarget(g.pathname, nil, g.paramsM, g.unknowns,
			g.myParams, cfg.connections, rel, false)
		if err != nil {
			return err
		}
		g.dumat[voi] = du
		g.drmat[voi] = dr
		g.dpmat[voi] = dp
	}
	return nil
}

// createViews carves this group's vectors out of the parent's buffers.
func (g *Group) createViews(parent *Group, cfg *treeConfig) error {
	umap := relnameMap(g.unknownsM, parent.unknowns)

	u, err := parent.unknowns.View(g.pathname, umap)
	if err != nil {
		return err
	}
	g.unknowns = u
	r, err := parent.resids.View(g.pathname, umap)
	if err != nil {
		return err
	}
	g.resids = r
	p, err := vecs.NewTarget(g.pathname, parent.params, g.paramsM, cfg.topUnknowns,
		g.myParams, cfg.connections, nil, true)
	if err != nil {
		return err
	}
	g.params = p

	for _, voi := range cfg.vois {
		du, err := parent.dumat[voi].View(g.pathname, umap)
		if err != nil {
			return err
		}
		dr, err := parent.drmat[voi].View(g.pathname, umap)
		if err != nil {
			return err
		}
		dp, err := vecs.NewTarget(g.pathname, parent.dpmat[voi], g.paramsM, cfg.topUnknowns,
			g.myParams, cfg.connections, cfg.relevance.Filter(voi), false)
		if err != nil {
			return err
		}
		g.dumat[voi] = du
		g.drmat[voi] = dr
		g.dpmat[voi] = dp
	}
	return nil
}

// xferBuilder accumulates per-connection index lists before merging.
type xferBuilder struct {
	srcIdxs    [][]int
	tgtIdxs    [][]int
	vecConns   []xfer.Conn
	byObjConns []xfer.Conn
}

// setupDataTransfer precomputes the scatter plans for every connection
// whose param this group owns, one plan per (child, direction) plus a
// full plan per direction covering the whole level.
func (g *Group) setupDataTransfer(voi string) error {
	builders := make(map[xferKey]*xferBuilder)
	get := func(k xferKey) *xferBuilder {
		b, ok := builders[k]
		if !ok {
			b = &xferBuilder{}
			builders[k] = b
		}
		return b
	}
	// Deterministic plan contents: walk params in declaration order.
	var keyOrder []xferKey
	seen := make(map[xferKey]bool)
	note := func(k xferKey) {
		if !seen[k] {
			seen[k] = true
			keyOrder = append(keyOrder, k)
		}
	}

	for _, pm := range g.paramsM {
		if !g.myParams[pm.Pathname] {
			continue
		}
		srcAbs, ok := g.cfg.connections[pm.Pathname]
		if !ok {
			continue
		}
		um, ok := g.byPath[srcAbs]
		if !ok {
			return fmt.Errorf("group %q: connection source %q is not in this subtree",
				g.pathname, srcAbs)
		}
		rel := g.cfg.relevance
		if !rel.IsRelevant(voi, pm.TopName) || !rel.IsRelevant(voi, um.TopName) {
			continue
		}

		urel, err := g.unknowns.PromotedByPathname(srcAbs)
		if err != nil {
			return err
		}
		prel := varmeta.ScopedName(g.pathname, pm.Pathname)
		tgtSys := varmeta.RelativeName(g.pathname, pm.Pathname)
		srcSys := varmeta.RelativeName(g.pathname, srcAbs)

		for _, mode := range []xfer.Mode{xfer.Fwd, xfer.Rev} {
			sname := tgtSys
			if mode == xfer.Rev {
				sname = srcSys
			}
			named := xferKey{tgtSys: sname, mode: mode, voi: voi}
			full := xferKey{tgtSys: "", mode: mode, voi: voi}

			if um.PassByObj {
				// Boxes move by value in forward non-derivative
				// transfers only.
				if mode == xfer.Fwd && voi == "" {
					conn := xfer.Conn{Target: prel, Source: urel}
					get(named).byObjConns = append(get(named).byObjConns, conn)
					get(full).byObjConns = append(get(full).byObjConns, conn)
					note(named)
					note(full)
				}
				continue
			}

			sidxs, tidxs, err := g.globalIdxs(urel, prel, voi)
			if err != nil {
				return err
			}
			conn := xfer.Conn{Target: prel, Source: urel}
			for _, k := range []xferKey{named, full} {
				b := get(k)
				b.srcIdxs = append(b.srcIdxs, sidxs)
				b.tgtIdxs = append(b.tgtIdxs, tidxs)
				b.vecConns = append(b.vecConns, conn)
				note(k)
			}
		}
	}

	for _, k := range keyOrder {
		b := builders[k]
		src, tgt := xfer.MergeIdxs(b.srcIdxs, b.tgtIdxs)
		if len(src) == 0 && len(b.byObjConns) == 0 {
			continue
		}
		plan, err := xfer.New(src, tgt, b.vecConns, b.byObjConns)
		if err != nil {
			return err
		}
		g.xfers[k] = plan
	}
	return nil
}

// globalIdxs returns the paired source and target flat indices for one
// connection, in this level's (relevance-filtered) buffer coordinates.
// An explicit source-index subset on the param selects which source slots
// feed it.
func (g *Group) globalIdxs(urel, prel, voi string) (src, tgt []int, err error) {
	ue, err := g.unknowns.Metadata(urel)
	if err != nil {
		return nil, nil, err
	}
	pe, err := g.params.Metadata(prel)
	if err != nil {
		return nil, nil, err
	}
	if ue.Meta.Remote || pe.Meta.Remote {
		return nil, nil, nil
	}

	rank := g.owningRanks[urel]
	uTop := func(name string) string {
		e, err := g.unknowns.Metadata(name)
		if err != nil {
			return name
		}
		return e.Meta.TopName
	}
	pTop := func(name string) string {
		e, err := g.params.Metadata(name)
		if err != nil {
			return name
		}
		return e.Meta.TopName
	}

	srcOffset := g.globalOffset(urel, rank, g.localUnknownSizes, voi, uTop)
	argIdxs := pe.Meta.SrcIndices
	if argIdxs == nil {
		argIdxs = xfer.MakeIdxRange(0, pe.Meta.Size)
	}
	src = xfer.Offset(argIdxs, srcOffset)

	tgtOffset := g.globalOffset(prel, g.comm.Rank, g.localParamSizes, voi, pTop)
	tgt = xfer.MakeIdxRange(tgtOffset, tgtOffset+pe.Meta.Size)
	return src, tgt, nil
}

// globalOffset computes a variable's flat offset in the voi-filtered
// buffer: whole ranks before the owning one first, then the variables
// stored ahead of it on that rank, counting only relevant entries both
// times.
func (g *Group) globalOffset(name string, rank int, sizes []*vecs.Sizes, voi string,
	topName func(string) string) int {

	offset := 0
	for r := 0; r < rank; r++ {
		if sizes[r] == nil {
			continue
		}
		for _, n := range sizes[r].Names() {
			if g.cfg.relevance.IsRelevant(voi, topName(n)) {
				offset += sizes[r].Of(n)
			}
		}
	}
	for _, n := range sizes[rank].Names() {
		if n == name {
			break
		}
		if g.cfg.relevance.IsRelevant(voi, topName(n)) {
			offset += sizes[rank].Of(n)
		}
	}
	return offset
}

// transferData executes the precomputed plan toward one child ("" for the
// full level-wide plan).
func (g *Group) transferData(targetSys string, mode xfer.Mode, deriv bool, voi string) {
	plan, ok := g.xfers[xferKey{tgtSys: targetSys, mode: mode, voi: voi}]
	if !ok {
		return
	}
	if deriv {
		plan.Transfer(g.dumat[voi], g.dpmat[voi], mode, true)
	} else {
		plan.Transfer(g.unknowns, g.params, mode, false)
	}
}

// computeLSInputs collects the absolute param pathnames that can carry a
// nonzero derivative seed for one VOI: every param with a derivative slot
// at this level, plus descendant component params fed from this level's
// derivative unknowns.
func (g *Group) computeLSInputs(voi string) map[string]bool {
	set := make(map[string]bool)
	dp := g.dpmat[voi]
	for _, n := range dp.Names() {
		if e, err := dp.Metadata(n); err == nil {
			set[e.Meta.Pathname] = true
		}
	}
	uabs := make(map[string]bool)
	du := g.dumat[voi]
	for _, n := range du.Names() {
		if e, err := du.Metadata(n); err == nil {
			uabs[e.Meta.Pathname] = true
		}
	}
	for _, comp := range g.Components() {
		cdp := comp.DParams(voi)
		if cdp == nil {
			continue
		}
		for _, n := range cdp.Names() {
			e, err := cdp.Metadata(n)
			if err != nil {
				continue
			}
			if uabs[g.cfg.connections[e.Meta.Pathname]] {
				set[e.Meta.Pathname] = true
			}
		}
	}
	return set
}
