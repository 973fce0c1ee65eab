package graphqlapi

import (
	"context"
	"encoding/json"

	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/ast"
)

// executableSchema implements graphql.ExecutableSchema by hand, walking the
// operation's selection set itself instead of the resolver tree gqlgen's
// codegen would normally produce. Only top-level Query fields exist here,
// so there is no per-type resolver dispatch to generate.
type executableSchema struct {
	resolver *Resolver
}

func NewExecutableSchema(resolver *Resolver) graphql.ExecutableSchema {
	return &executableSchema{resolver: resolver}
}

func (e *executableSchema) Schema() *ast.Schema { return parsedSchema }

func (e *executableSchema) Complexity(ctx context.Context, typeName, field string, childComplexity int, rawArgs map[string]interface{}) (int, bool) {
	return 0, false
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	oc := graphql.GetOperationContext(ctx)
	resp := e.execute(ctx, oc)
	return graphql.OneShot(resp)
}

func (e *executableSchema) execute(ctx context.Context, oc *graphql.OperationContext) *graphql.Response {
	if oc.Operation.Operation != ast.Query {
		return graphql.ErrorResponse(ctx, "k23si graphql only serves query operations")
	}

	result := map[string]interface{}{}
	for _, sel := range oc.Operation.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		name := field.Alias
		if name == "" {
			name = field.Name
		}
		args := field.ArgumentMap(oc.Variables)

		var full map[string]interface{}
		var err error
		switch field.Name {
		case "read":
			full, err = e.resolver.Read(ctx, args)
		case "query":
			full, err = e.resolver.Query(ctx, args)
		default:
			return graphql.ErrorResponse(ctx, "unknown field %q", field.Name)
		}
		if err != nil {
			return graphql.ErrorResponse(ctx, "%s: %v", field.Name, err)
		}
		result[name] = selectFields(field.SelectionSet, full)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return graphql.ErrorResponse(ctx, "marshal response: %v", err)
	}
	return &graphql.Response{Data: data}
}

// selectFields projects a resolver's full result map down to what the
// client actually selected, honoring aliases and recursing into nested
// object/list fields (ReadResult, QueryResult.rows).
func selectFields(sel ast.SelectionSet, full map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(sel))
	for _, s := range sel {
		f, ok := s.(*ast.Field)
		if !ok {
			continue
		}
		val, ok := full[f.Name]
		if !ok {
			continue
		}
		name := f.Alias
		if name == "" {
			name = f.Name
		}
		if len(f.SelectionSet) == 0 {
			out[name] = val
			continue
		}
		switch v := val.(type) {
		case map[string]interface{}:
			out[name] = selectFields(f.SelectionSet, v)
		case []map[string]interface{}:
			list := make([]map[string]interface{}, len(v))
			for i, item := range v {
				list[i] = selectFields(f.SelectionSet, item)
			}
			out[name] = list
		default:
			out[name] = val
		}
	}
	return out
}
