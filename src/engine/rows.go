package engine

import (
	"fmt"
	"strings"

	"github.com/Blackdeer1524/HeapDB/src/storage"
)

// ParseSchema reads column specs of the form name:type, e.g. "id:int64".
func ParseSchema(specs []string) (*storage.TupleDesc, error) {
	columns := make([]storage.Column, 0, len(specs))
	for _, col := range specs {
		name, typ, ok := strings.Cut(col, ":")
		if !ok {
			return nil, fmt.Errorf("bad column %q, expected name:type", col)
		}

		ct := storage.ColumnType(strings.ToLower(strings.TrimSpace(typ)))
		if !ct.Valid() {
			return nil, fmt.Errorf("%w: %q", storage.ErrUnknownType, typ)
		}
		columns = append(columns, storage.Column{Name: strings.TrimSpace(name), Type: ct})
	}
	return storage.NewTupleDesc(columns...)
}

// ParseRow converts one textual value per column of desc.
func ParseRow(desc *storage.TupleDesc, fields []string) ([]storage.Value, error) {
	if len(fields) != desc.NumFields() {
		return nil, fmt.Errorf(
			"%w: got %d values for %s",
			storage.ErrSchemaMismatch,
			len(fields),
			desc,
		)
	}

	values := make([]storage.Value, len(fields))
	for i, field := range fields {
		ct, err := desc.FieldType(i)
		if err != nil {
			return nil, err
		}
		v, err := storage.ParseValue(ct, field)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}
