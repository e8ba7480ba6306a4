package cache

import "context"

// FormulaCacheVisitor clones a formula tree, handing every cacheable node to
// the Anteroom. It is request-local and not safe for concurrent use.
//
// A subtree holding a NonCacheableScope node depends on request-scoped input.
// Nodes above it are never cached, and nodes inside it only when they
// terminate price computation.
type FormulaCacheVisitor struct {
	session    Session
	entityType string
	anteroom   *Anteroom
}

// NewFormulaCacheVisitor creates a visitor for one query.
func NewFormulaCacheVisitor(session Session, entityType string, anteroom *Anteroom) *FormulaCacheVisitor {
	return &FormulaCacheVisitor{
		session:    session,
		entityType: entityType,
		anteroom:   anteroom,
	}
}

// Analyse returns the rewritten tree. It is structurally identical to f and
// computes the same result.
func (v *FormulaCacheVisitor) Analyse(ctx context.Context, f Formula) Formula {
	clone, _ := v.visit(ctx, f, false)
	return clone
}

// visit rewrites f. within reports whether an ancestor is a non-cacheable
// scope. The returned flag reports whether f or a descendant is one.
func (v *FormulaCacheVisitor) visit(ctx context.Context, f Formula, within bool) (Formula, bool) {
	_, scope := f.(NonCacheableScope)

	if cf, ok := f.(CacheableFormula); ok && !scope && cf.Cacheable() && (!within || isPriceTermination(f)) {
		return v.anteroom.registerFormula(ctx, v, cf, within)
	}

	children, nonCacheable := v.AnalyseChildren(ctx, f, within || scope)
	return cloneWithChildren(f, children), nonCacheable || scope
}

// AnalyseChildren rewrites the direct children of f. The flag is set when any
// of them holds a non-cacheable scope, in which case f must not be cached.
func (v *FormulaCacheVisitor) AnalyseChildren(ctx context.Context, f Formula, within bool) ([]Formula, bool) {
	children := f.Children()
	if len(children) == 0 {
		return nil, false
	}
	rewritten := make([]Formula, len(children))
	var nonCacheable bool
	for i, child := range children {
		clone, flag := v.visit(ctx, child, within)
		rewritten[i] = clone
		nonCacheable = nonCacheable || flag
	}
	return rewritten, nonCacheable
}

func isPriceTermination(f Formula) bool {
	_, ok := f.(PriceTerminationFormula)
	return ok
}

// cloneWithChildren returns f with children replaced. Leaves are returned as
// they are.
func cloneWithChildren(f Formula, children []Formula) Formula {
	if len(children) == 0 {
		return f
	}
	return f.WithChildren(children)
}
