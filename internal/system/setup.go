package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vk/mdogridgo/internal/ctxlog"
	"github.com/vk/mdogridgo/internal/relevance"
	"github.com/vk/mdogridgo/internal/varmeta"
)

// SetupConfig declares the derivative interface of a model ahead of
// setup. Desvars seed forward sweeps, objectives and constraints seed
// reverse ones; names are top-level promoted unknown names. ParallelSets
// groups desvars (or outputs) whose derivative vectors share a relevance
// computation.
type SetupConfig struct {
	Comm         *Comm
	Desvars      []string
	Objectives   []string
	Constraints  []string
	ParallelSets [][]string
}

// SetupInfo is what setup hands back to the layer driving the model.
type SetupInfo struct {
	// Connections maps absolute param pathnames to their absolute source
	// unknown pathname.
	Connections map[string]string
	// Relevance holds the per-VOI relevant sets.
	Relevance *relevance.Relevance
	// VOIs lists every derivative vector key, "" first.
	VOIs []string
}

// Setup freezes the tree: it stamps pathnames, rolls up variable
// metadata with promotion applied, resolves explicit and implicit
// connections, validates that every param has exactly one source,
// computes relevance, allocates vectors and precomputes transfer plans.
// It must be called on the root before any evaluation, and again after
// any structural change.
func (g *Group) Setup(ctx context.Context, cfg SetupConfig) (*SetupInfo, error) {
	log := ctxlog.FromContext(ctx)
	if g.name != "" || g.pathname != "" {
		return nil, fmt.Errorf("setup must run on the root group")
	}
	comm := cfg.Comm
	if comm == nil {
		comm = DefaultComm()
	}

	g.setupPaths("")
	if _, _, err := g.setupVariables(); err != nil {
		return nil, err
	}
	// The root's roll-up fixes each variable's top promoted name; push it
	// back down onto every level's metadata clones.
	top := make(map[string]string, len(g.byPath))
	for _, m := range g.paramsM {
		top[m.Pathname] = m.TopName
	}
	for _, m := range g.unknownsM {
		top[m.Pathname] = m.TopName
	}
	g.stampTopNames(top)

	conns, err := g.resolveConnections()
	if err != nil {
		return nil, err
	}
	log.Debug("connections resolved", slog.Int("count", len(conns)))

	rel, vois, err := g.setupRelevance(cfg, conns)
	if err != nil {
		return nil, err
	}

	tc := &treeConfig{
		relevance:   rel,
		connections: conns,
		paramOwners: paramOwners(conns),
		comm:        comm,
		vois:        vois,
	}
	if err := g.setupVectors(nil, tc); err != nil {
		return nil, err
	}
	log.Debug("vectors allocated",
		slog.Int("unknowns", len(g.unknowns.Vec)),
		slog.Int("params", len(g.params.Vec)))

	return &SetupInfo{Connections: conns, Relevance: rel, VOIs: vois}, nil
}

// resolveConnections merges explicit Connect declarations with implicit
// connections formed by shared promoted names, then validates: every
// param must end up with exactly one source.
func (g *Group) resolveConnections() (map[string]string, error) {
	explicit, err := g.explicitConnections()
	if err != nil {
		return nil, err
	}

	srcByTop := make(map[string]string)
	for _, m := range g.unknownsM {
		srcByTop[m.TopName] = m.Pathname
	}

	conns := make(map[string]string)
	for _, pm := range g.paramsM {
		srcs := uniqueStrings(explicit[pm.Pathname])
		if src, ok := srcByTop[pm.TopName]; ok {
			srcs = appendUnique(srcs, src)
		}
		switch len(srcs) {
		case 0:
			return nil, danglingParamError(pm.Pathname)
		case 1:
			conns[pm.Pathname] = srcs[0]
		default:
			sort.Strings(srcs)
			return nil, multipleSrcError(pm.Pathname, srcs)
		}
	}
	return conns, nil
}

// setupRelevance builds the variable dependency graph over top promoted
// names and computes the relevant sets for the declared VOIs.
func (g *Group) setupRelevance(cfg SetupConfig, conns map[string]string) (*relevance.Relevance, []string, error) {
	if len(cfg.Desvars) == 0 && len(cfg.Objectives) == 0 && len(cfg.Constraints) == 0 {
		return relevance.Empty(), []string{""}, nil
	}

	graph := relevance.NewGraph()
	topByPath := make(map[string]string, len(g.byPath))
	for _, m := range g.paramsM {
		topByPath[m.Pathname] = m.TopName
		graph.AddNode(m.TopName)
	}
	for _, m := range g.unknownsM {
		topByPath[m.Pathname] = m.TopName
		graph.AddNode(m.TopName)
	}

	// Component internals: every param influences every unknown of the
	// same component.
	for _, comp := range g.Components() {
		for _, pm := range comp.paramMetas() {
			for _, um := range comp.unknownMetas() {
				if err := graph.AddEdge(topByPath[pm.Pathname], topByPath[um.Pathname]); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	// Connections: source unknowns feed their params.
	for tgt, src := range conns {
		if topByPath[src] == topByPath[tgt] {
			// Implicit connections by promotion share one node.
			continue
		}
		if err := graph.AddEdge(topByPath[src], topByPath[tgt]); err != nil {
			return nil, nil, err
		}
	}

	inputs := groupVOIs(cfg.Desvars, cfg.ParallelSets)
	outputs := groupVOIs(append(append([]string(nil), cfg.Objectives...), cfg.Constraints...), cfg.ParallelSets)
	rel, err := relevance.New(graph, inputs, outputs)
	if err != nil {
		return nil, nil, err
	}

	vois := []string{""}
	vois = append(vois, rel.VOIs()...)
	return rel, vois, nil
}

// groupVOIs partitions names into the declared parallel sets, leaving
// the rest as singletons in declaration order.
func groupVOIs(names []string, parallel [][]string) [][]string {
	inSet := make(map[string]int)
	for i, set := range parallel {
		for _, n := range set {
			inSet[n] = i
		}
	}
	var out [][]string
	emitted := make(map[int]bool)
	for _, n := range names {
		if i, ok := inSet[n]; ok {
			if !emitted[i] {
				// Keep only the members actually declared in this role.
				var members []string
				for _, m := range parallel[i] {
					if containsString(names, m) {
						members = append(members, m)
					}
				}
				out = append(out, members)
				emitted[i] = true
			}
			continue
		}
		out = append(out, []string{n})
	}
	return out
}

// paramOwners assigns each connected param to the group that owns its
// storage: the deepest common ancestor of source and target.
func paramOwners(conns map[string]string) map[string][]string {
	owners := make(map[string][]string)
	tgts := make([]string, 0, len(conns))
	for tgt := range conns {
		tgts = append(tgts, tgt)
	}
	sort.Strings(tgts)
	for _, tgt := range tgts {
		common := varmeta.CommonAncestor(conns[tgt], tgt)
		owners[common] = append(owners[common], tgt)
	}
	return owners
}

func uniqueStrings(in []string) []string {
	var out []string
	for _, s := range in {
		out = appendUnique(out, s)
	}
	return out
}

func appendUnique(in []string, s string) []string {
	for _, have := range in {
		if have == s {
			return in
		}
	}
	return append(in, s)
}

func containsString(in []string, s string) bool {
	for _, have := range in {
		if have == s {
			return true
		}
	}
	return false
}
