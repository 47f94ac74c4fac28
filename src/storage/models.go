package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoSuchField    = errors.New("no such field")
	ErrSchemaMismatch = errors.New("tuple does not match schema")
	ErrUnknownType    = errors.New("unknown column type")
)

type ColumnType string

const (
	ColumnTypeInt64  ColumnType = "int64"
	ColumnTypeString ColumnType = "string" // length-prefixed, fixed capacity
	ColumnTypeUUID   ColumnType = "uuid"   // 16 bytes
)

// StringMaxLen is the payload capacity of a string field in bytes. Longer
// values are truncated on a rune boundary when the tuple is built.
const StringMaxLen = 128

const stringLenPrefix = 4

// Len is the number of bytes a field of this type occupies inside a tuple.
func (t ColumnType) Len() int {
	switch t {
	case ColumnTypeInt64:
		return 8
	case ColumnTypeString:
		return stringLenPrefix + StringMaxLen
	case ColumnTypeUUID:
		return 16
	}
	panic("unsupported column type: " + string(t))
}

func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeInt64, ColumnTypeString, ColumnTypeUUID:
		return true
	}
	return false
}

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

func (c Column) String() string {
	name := c.Name
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("%s(%s)", name, c.Type)
}

// TupleDesc describes the schema of a tuple: an ordered list of typed,
// optionally named columns. A TupleDesc never changes after construction.
type TupleDesc struct {
	columns []Column
	size    int
}

func NewTupleDesc(columns ...Column) (*TupleDesc, error) {
	if len(columns) == 0 {
		return nil, errors.New("tuple desc must have at least one column")
	}

	cols := make([]Column, len(columns))
	size := 0
	for i, c := range columns {
		if !c.Type.Valid() {
			return nil, fmt.Errorf("%w: column %d has type %q", ErrUnknownType, i, c.Type)
		}
		cols[i] = c
		size += c.Type.Len()
	}

	return &TupleDesc{columns: cols, size: size}, nil
}

// NewTupleDescFromTypes builds a schema of unnamed columns.
func NewTupleDescFromTypes(types ...ColumnType) (*TupleDesc, error) {
	cols := make([]Column, len(types))
	for i, t := range types {
		cols[i] = Column{Type: t}
	}
	return NewTupleDesc(cols...)
}

func (d *TupleDesc) NumFields() int {
	return len(d.columns)
}

func (d *TupleDesc) FieldName(i int) (string, error) {
	if i < 0 || i >= len(d.columns) {
		return "", fmt.Errorf("%w: index %d out of %d", ErrNoSuchField, i, len(d.columns))
	}
	return d.columns[i].Name, nil
}

func (d *TupleDesc) FieldType(i int) (ColumnType, error) {
	if i < 0 || i >= len(d.columns) {
		return "", fmt.Errorf("%w: index %d out of %d", ErrNoSuchField, i, len(d.columns))
	}
	return d.columns[i].Type, nil
}

// IndexOf returns the index of the first column whose name matches name
// (case-insensitively). Unnamed columns never match.
func (d *TupleDesc) IndexOf(name string) (int, error) {
	if name == "" {
		return -1, fmt.Errorf("%w: empty name", ErrNoSuchField)
	}

	for i, c := range d.columns {
		if strings.EqualFold(c.Name, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrNoSuchField, name)
}

// Size is the encoded size of a tuple with this schema in bytes.
func (d *TupleDesc) Size() int {
	return d.size
}

func (d *TupleDesc) Columns() []Column {
	cols := make([]Column, len(d.columns))
	copy(cols, d.columns)
	return cols
}

func (d *TupleDesc) Equal(other *TupleDesc) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil || len(d.columns) != len(other.columns) {
		return false
	}
	for i := range d.columns {
		if d.columns[i] != other.columns[i] {
			return false
		}
	}
	return true
}

func (d *TupleDesc) String() string {
	parts := make([]string, len(d.columns))
	for i, c := range d.columns {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Merge concatenates the columns of a and b.
func Merge(a, b *TupleDesc) *TupleDesc {
	cols := make([]Column, 0, len(a.columns)+len(b.columns))
	cols = append(cols, a.columns...)
	cols = append(cols, b.columns...)
	return &TupleDesc{columns: cols, size: a.size + b.size}
}

func (d *TupleDesc) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.columns)
}

func (d *TupleDesc) UnmarshalJSON(data []byte) error {
	var cols []Column
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}

	parsed, err := NewTupleDesc(cols...)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}
