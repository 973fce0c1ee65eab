package partition

import (
	"fmt"

	"github.com/k2-platform/k23si/internal/dto"
)

// projectPartialUpdate implements spec.md section 4.5 step 5: a partial
// update starts from the previous committed row, projected across a schema
// version change by field name+type if necessary, then overlays the
// fields the write actually supplied. It rejects the write if any field of
// the target schema ends up without a value.
func (m *Module) projectPartialUpdate(req dto.WriteRequest, prev *dto.DataRecord) (dto.RowStorage, error) {
	if prev == nil {
		return dto.RowStorage{}, fmt.Errorf("partial update requires an existing committed version")
	}
	newSchema, ok := m.schema(req.SchemaName, req.SchemaVersion)
	if !ok {
		return dto.RowStorage{}, fmt.Errorf("unknown schema version")
	}

	base := prev.Value.Clone()
	if prev.SchemaVer != req.SchemaVersion {
		oldSchema, ok := m.schema(req.SchemaName, prev.SchemaVer)
		if !ok {
			return dto.RowStorage{}, fmt.Errorf("cannot project partial update: prior schema version %d unknown", prev.SchemaVer)
		}
		projected := dto.NewRowStorage(len(newSchema.Fields))
		for i, f := range newSchema.Fields {
			if oldIdx := oldSchema.FindField(f.Name, f.Type); oldIdx >= 0 {
				if v, present := base.Get(oldIdx); present {
					projected.Set(i, v)
				}
			}
		}
		base = projected
	} else if len(base.Fields) != len(newSchema.Fields) {
		resized := dto.NewRowStorage(len(newSchema.Fields))
		n := min(len(base.Fields), len(newSchema.Fields))
		copy(resized.Fields[:n], base.Fields[:n])
		copy(resized.Present[:n], base.Present[:n])
		base = resized
	}

	for _, idx := range req.PartialUpdate {
		if idx < 0 || idx >= len(newSchema.Fields) {
			return dto.RowStorage{}, fmt.Errorf("partial update field index %d out of range", idx)
		}
		v, _ := req.Value.Get(idx)
		base.Set(idx, v)
	}

	for i, f := range newSchema.Fields {
		if _, present := base.Get(i); !present {
			return dto.RowStorage{}, fmt.Errorf("required field %q missing after partial update projection", f.Name)
		}
	}
	return base, nil
}
