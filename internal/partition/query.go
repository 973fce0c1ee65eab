package partition

import (
	"context"

	"github.com/k2-platform/k23si/internal/dto"
	"github.com/k2-platform/k23si/internal/indexer"
)

const defaultQueryRowLimit = 1000

// HandleQuery implements spec.md section 4.6: a range scan that records
// the scanned interval in ReadCache before returning, even when the scan
// produces zero rows, so a later stale write cannot sneak in behind it
// (the phantom-prevention barrier).
func (m *Module) HandleQuery(ctx context.Context, req dto.QueryRequest) dto.QueryResponse {
	start := req.StartKey
	if st := m.validate(req.CollectionName, req.PVID, start, req.MTR.Timestamp); !st.IsOK() {
		return dto.QueryResponse{Status: st}
	}

	limit := req.Limit
	rowCap := m.cfg.QueryRowLimit
	if rowCap <= 0 {
		rowCap = defaultQueryRowLimit
	}
	if limit <= 0 || limit > rowCap {
		limit = rowCap
	}

	var filter FilterFunc
	if req.FilterExpr != "" {
		fn, ok := m.filters.Lookup(req.FilterExpr)
		if !ok {
			return dto.QueryResponse{Status: dto.BadParameter("unknown filter: " + req.FilterExpr)}
		}
		filter = fn
	}

	var rows []dto.RowStorage
	var nextToScan dto.Key
	done := true
	scanLo, scanHi := req.StartKey, req.EndKey
	if req.ReverseDirection {
		scanLo, scanHi = req.EndKey, req.StartKey
	}

	pushErrStatus := dto.OK("")
	visit := func(key dto.Key, versions indexer.Versions) bool {
		if !req.ReverseDirection && !req.EndKey.Empty() && !key.Less(req.EndKey) {
			return false
		}
		if req.ReverseDirection && !req.EndKey.Empty() && key.Less(req.EndKey) {
			return false
		}

		rec, blockingWI := newestAtOrBeforeInVersions(versions, req.MTR.Timestamp)
		if blockingWI != nil {
			proceed, st, err := m.doPush(ctx, key, blockingWI.TxnId, req.MTR)
			if err != nil {
				pushErrStatus = dto.ServiceUnavailable("push failed")
				return false
			}
			if !st.IsOK() {
				pushErrStatus = st
				return false
			}
			if !proceed {
				pushErrStatus = dto.AbortConflict("challenger lost push")
				return false
			}
			rec = newestCommittedAtOrBeforeInVersions(versions, req.MTR.Timestamp)
		}

		if rec != nil && !rec.IsTombstone {
			if filter == nil || filter(rec.Value) {
				rows = append(rows, m.project(rec.Value, req.Projection, rec.SchemaName, rec.SchemaVer))
			}
		}

		if len(rows) >= limit {
			nextToScan = key
			done = false
			return false
		}
		return true
	}

	if req.ReverseDirection {
		m.indexer.DescendFrom(req.StartKey, req.ExclusiveKey, visit)
	} else {
		m.indexer.AscendFrom(req.StartKey, req.ExclusiveKey, visit)
	}

	// Record the observed range before returning, unconditionally, per
	// spec.md section 4.6 step 3 — the phantom barrier must cover empty
	// results too.
	m.readCache.Observe(scanLo, scanHi, req.MTR.Timestamp)

	if !pushErrStatus.IsOK() {
		return dto.QueryResponse{Status: pushErrStatus}
	}
	return dto.QueryResponse{Status: dto.OK(""), Rows: rows, NextToScan: nextToScan, Done: done}
}

func newestAtOrBeforeInVersions(versions indexer.Versions, ts dto.Timestamp) (rec *dto.DataRecord, blockingWI *dto.DataRecord) {
	for i := range versions {
		v := &versions[i]
		if v.Timestamp.CompareCertain(ts) > 0 {
			continue
		}
		if v.IsWI() {
			return nil, v
		}
		return v, nil
	}
	return nil, nil
}

// newestCommittedAtOrBeforeInVersions is newestAtOrBeforeInVersions with
// write intents skipped, used once a push has force-aborted the WI's owner.
func newestCommittedAtOrBeforeInVersions(versions indexer.Versions, ts dto.Timestamp) *dto.DataRecord {
	for i := range versions {
		v := &versions[i]
		if v.IsWI() || v.Timestamp.CompareCertain(ts) > 0 {
			continue
		}
		return v
	}
	return nil
}

// project returns a copy of row holding only the fields named in fields,
// resolved against the schema version the record was written with
// (spec.md section 4.6 step 2). An empty fields list returns the row
// unchanged; a name not present in the schema is silently skipped.
func (m *Module) project(row dto.RowStorage, fields []string, schemaName string, schemaVersion uint32) dto.RowStorage {
	if len(fields) == 0 {
		return row.Clone()
	}
	schema, ok := m.schema(schemaName, schemaVersion)
	if !ok {
		return row.Clone()
	}
	out := dto.NewRowStorage(len(row.Fields))
	for _, name := range fields {
		idx := fieldIndexByName(schema, name)
		if idx < 0 || idx >= len(row.Fields) {
			continue
		}
		if v, present := row.Get(idx); present {
			out.Set(idx, v)
		}
	}
	return out
}

func fieldIndexByName(schema dto.Schema, name string) int {
	for i, f := range schema.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}
