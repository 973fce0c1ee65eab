package partition

import "github.com/k2-platform/k23si/internal/dto"

// FilterFunc evaluates a predicate against one row during a Query scan.
// QueryRequest.FilterExpr is an opaque name resolved through Registry
// rather than a parsed expression language: the core does not ship a
// predicate parser, and callers (the CLI, TPC-C driver) register the
// filters they need by name before issuing queries.
type FilterFunc func(dto.RowStorage) bool

// Registry holds named filters available to Query. It is safe for
// concurrent use; registration typically happens once at process startup.
type Registry struct {
	filters map[string]FilterFunc
}

func NewRegistry() *Registry {
	return &Registry{filters: make(map[string]FilterFunc)}
}

func (r *Registry) Register(name string, fn FilterFunc) {
	r.filters[name] = fn
}

func (r *Registry) Lookup(name string) (FilterFunc, bool) {
	if name == "" {
		return nil, false
	}
	fn, ok := r.filters[name]
	return fn, ok
}
