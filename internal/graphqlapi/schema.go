// Package graphqlapi exposes a read-only GraphQL surface over a single
// partition's Read and Query verbs, grounded on the teacher's own
// api/graphql_service: that service hand-wires a gqlgen ExecutableSchema in
// front of its storage engine, and this package does the same in front of
// k23si's Read/Query rather than generating resolvers with gqlgen's codegen
// (which needs a Go toolchain run this project never performs).
package graphqlapi

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// schemaSDL defines the two read verbs a GraphQL client can reach: a
// point read by key, and a range query with an optional field projection.
// Field names mirror dto.Key / dto.QueryRequest so the mapping in
// resolver.go stays mechanical.
const schemaSDL = `
schema {
	query: Query
}

type Query {
	read(schemaName: String!, partitionKey: String!, rangeKey: String): ReadResult!
	query(schemaName: String!, startPartitionKey: String!, startRangeKey: String, endPartitionKey: String, endRangeKey: String, fields: [String!], limit: Int, reverse: Boolean): QueryResult!
}

type ReadResult {
	found: Boolean!
	tombstone: Boolean!
	fields: [String!]!
}

type Row {
	fields: [String!]!
}

type QueryResult {
	rows: [Row!]!
	done: Boolean!
}
`

var parsedSchema = gqlparser.MustLoadSchema(&ast.Source{Name: "k23si.graphql", Input: schemaSDL})
