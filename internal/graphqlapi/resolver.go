package graphqlapi

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/transport"
	"github.com/k2-platform/k23si/internal/tsoclient"
)

// Resolver backs the GraphQL schema with a single partition's Read/Query
// verbs, minting a fresh MTR per request from tso the same way k23si-cli
// would mint one for an ad hoc read.
type Resolver struct {
	client         *transport.PartitionClient
	tso            *tsoclient.Client
	collectionName string
	pvid           string
}

func NewResolver(client *transport.PartitionClient, tso *tsoclient.Client, collectionName, pvid string) *Resolver {
	return &Resolver{client: client, tso: tso, collectionName: collectionName, pvid: pvid}
}

func (r *Resolver) mtr(ctx context.Context) (dto.MTR, error) {
	ts, err := r.tso.Next(ctx)
	if err != nil {
		return dto.MTR{}, err
	}
	return dto.MTR{Timestamp: ts, Priority: dto.PriorityMedium}, nil
}

// Read resolves the "read" query field.
func (r *Resolver) Read(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	key := dto.Key{
		SchemaName:   stringArg(args, "schemaName"),
		PartitionKey: stringArg(args, "partitionKey"),
		RangeKey:     stringArg(args, "rangeKey"),
	}
	mtr, err := r.mtr(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Read(ctx, dto.ReadRequest{
		CollectionName: r.collectionName,
		PVID:           r.pvid,
		Key:            key,
		MTR:            mtr,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status.Code == dto.CodeNotFound || (resp.Status.IsOK() && resp.Record == nil) {
		return map[string]interface{}{"found": false, "tombstone": false, "fields": []string{}}, nil
	}
	if !resp.Status.IsOK() {
		return nil, errors.New(resp.Status.Error())
	}
	return map[string]interface{}{
		"found":     true,
		"tombstone": resp.Record.IsTombstone,
		"fields":    encodeFields(resp.Record.Value),
	}, nil
}

// Query resolves the "query" query field.
func (r *Resolver) Query(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	schemaName := stringArg(args, "schemaName")
	start := dto.Key{SchemaName: schemaName, PartitionKey: stringArg(args, "startPartitionKey"), RangeKey: stringArg(args, "startRangeKey")}
	end := dto.Key{}
	if endKey := stringArg(args, "endPartitionKey"); endKey != "" {
		end = dto.Key{SchemaName: schemaName, PartitionKey: endKey, RangeKey: stringArg(args, "endRangeKey")}
	}

	mtr, err := r.mtr(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Query(ctx, dto.QueryRequest{
		CollectionName:   r.collectionName,
		PVID:             r.pvid,
		StartKey:         start,
		EndKey:           end,
		ReverseDirection: boolArg(args, "reverse"),
		Projection:       stringListArg(args, "fields"),
		Limit:            intArg(args, "limit"),
		MTR:              mtr,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsOK() {
		return nil, errors.New(resp.Status.Error())
	}

	rows := make([]map[string]interface{}, len(resp.Rows))
	for i, row := range resp.Rows {
		rows[i] = map[string]interface{}{"fields": encodeFields(row)}
	}
	return map[string]interface{}{"rows": rows, "done": resp.Done}, nil
}

// encodeFields base64-encodes each field so a RowStorage's arbitrary byte
// values survive the GraphQL String scalar; an absent field comes back as
// an empty string rather than null, matching the schema's [String!]!.
func encodeFields(row dto.RowStorage) []string {
	out := make([]string, len(row.Fields))
	for i := range row.Fields {
		v, present := row.Get(i)
		if !present {
			continue
		}
		out[i] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

func stringArg(args map[string]interface{}, name string) string {
	v, ok := args[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func boolArg(args map[string]interface{}, name string) bool {
	v, ok := args[name]
	if !ok || v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func intArg(args map[string]interface{}, name string) int {
	v, ok := args[name]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func stringListArg(args map[string]interface{}, name string) []string {
	v, ok := args[name]
	if !ok || v == nil {
		return nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
