package engine

// guardSet tracks the browsers for which a flow direction is in progress.
type guardSet map[string]struct{}

func (g guardSet) held(id string) bool {
	_, ok := g[id]
	return ok
}

// acquire marks id as in progress. The returned release must be deferred;
// ok is false when id is already held.
func (g guardSet) acquire(id string) (release func(), ok bool) {
	if g.held(id) {
		return func() {}, false
	}
	g[id] = struct{}{}
	return func() { delete(g, id) }, true
}
