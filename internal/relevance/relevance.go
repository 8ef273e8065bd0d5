package relevance

import "fmt"

// Relevance answers, for a variable of interest, whether a named variable
// participates in that VOI's derivative sweep. The empty VOI "" means no
// filtering: every variable is relevant, which is what plain nonlinear
// evaluation and the non-derivative vectors use.
type Relevance struct {
	relevant map[string]map[string]bool
	groups   [][]string
}

// Empty returns a Relevance with no variables of interest: everything is
// relevant and there are no parallel groups.
func Empty() *Relevance {
	return &Relevance{relevant: make(map[string]map[string]bool)}
}

// New computes relevance sets over the dependency graph for the declared
// variables of interest. inputs are forward seeds (design variables):
// their relevant set is everything downstream. outputs are reverse seeds
// (objectives, constraints): everything upstream. Each inner slice is a
// group of VOIs the user has asked to solve together; singletons are
// one-element groups. Computed once post-setup, immutable thereafter.
func New(g *Graph, inputs, outputs [][]string) (*Relevance, error) {
	r := &Relevance{relevant: make(map[string]map[string]bool)}

	add := func(groups [][]string, closure func(string) map[string]bool) error {
		for _, group := range groups {
			for _, voi := range group {
				if !g.Contains(voi) {
					return fmt.Errorf("variable of interest %q not found in the model", voi)
				}
				r.relevant[voi] = closure(voi)
			}
			r.groups = append(r.groups, group)
		}
		return nil
	}

	if err := add(inputs, g.Downstream); err != nil {
		return nil, err
	}
	if err := add(outputs, g.Upstream); err != nil {
		return nil, err
	}
	return r, nil
}

// IsRelevant reports whether name participates in the sweep for voi. The
// empty voi is always fully relevant.
func (r *Relevance) IsRelevant(voi, name string) bool {
	if voi == "" {
		return true
	}
	set, ok := r.relevant[voi]
	if !ok {
		return false
	}
	return set[name]
}

// Filter returns the membership test for voi in the form the vector
// builders consume, or nil for the unfiltered case.
func (r *Relevance) Filter(voi string) func(string) bool {
	if voi == "" {
		return nil
	}
	return func(name string) bool { return r.IsRelevant(voi, name) }
}

// Groups returns the declared VOI groups, inputs first, in declaration
// order.
func (r *Relevance) Groups() [][]string {
	return r.groups
}

// VOIs returns every variable of interest across all groups.
func (r *Relevance) VOIs() []string {
	var vois []string
	for _, g := range r.groups {
		vois = append(vois, g...)
	}
	return vois
}
