package storage

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

// Value is a single typed field of a tuple.
type Value interface {
	fmt.Stringer
	Type() ColumnType
	Equal(Value) bool

	// encode writes exactly Type().Len() bytes into dst.
	encode(dst []byte)
}

type Int64Value int64
type StringValue string
type UUIDValue uuid.UUID

var (
	_ Value = Int64Value(0)
	_ Value = StringValue("")
	_ Value = UUIDValue(uuid.Nil)
)

func (v Int64Value) Type() ColumnType { return ColumnTypeInt64 }
func (v Int64Value) String() string   { return strconv.FormatInt(int64(v), 10) }

func (v Int64Value) Equal(other Value) bool {
	o, ok := other.(Int64Value)
	return ok && o == v
}

func (v Int64Value) encode(dst []byte) {
	binary.BigEndian.PutUint64(dst, uint64(v)) //nolint:gosec
}

func (v StringValue) Type() ColumnType { return ColumnTypeString }
func (v StringValue) String() string   { return string(v) }

func (v StringValue) Equal(other Value) bool {
	o, ok := other.(StringValue)
	return ok && o == v
}

func (v StringValue) encode(dst []byte) {
	payload := []byte(v)
	if len(payload) > StringMaxLen {
		payload = payload[:StringMaxLen]
	}

	binary.BigEndian.PutUint32(dst, uint32(len(payload))) //nolint:gosec
	n := copy(dst[stringLenPrefix:], payload)
	clear(dst[stringLenPrefix+n : stringLenPrefix+StringMaxLen])
}

func (v UUIDValue) Type() ColumnType { return ColumnTypeUUID }
func (v UUIDValue) String() string   { return uuid.UUID(v).String() }

func (v UUIDValue) Equal(other Value) bool {
	o, ok := other.(UUIDValue)
	return ok && o == v
}

func (v UUIDValue) encode(dst []byte) {
	copy(dst, v[:])
}

// DecodeValue reads a value of type t from the beginning of src.
func DecodeValue(t ColumnType, src []byte) (Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if len(src) < t.Len() {
		return nil, fmt.Errorf("value of type %s needs %d bytes, got %d", t, t.Len(), len(src))
	}

	switch t {
	case ColumnTypeInt64:
		return Int64Value(binary.BigEndian.Uint64(src)), nil //nolint:gosec
	case ColumnTypeString:
		n := binary.BigEndian.Uint32(src)
		if n > StringMaxLen {
			return nil, fmt.Errorf("corrupted string length %d", n)
		}
		return StringValue(src[stringLenPrefix : stringLenPrefix+int(n)]), nil
	default:
		u, err := uuid.FromBytes(src[:16])
		if err != nil {
			return nil, err
		}
		return UUIDValue(u), nil
	}
}

// ParseValue converts the textual representation of a value of type t.
func ParseValue(t ColumnType, s string) (Value, error) {
	switch t {
	case ColumnTypeInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse int64 %q: %w", s, err)
		}
		return Int64Value(n), nil
	case ColumnTypeString:
		return truncateString(StringValue(s)), nil
	case ColumnTypeUUID:
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse uuid %q: %w", s, err)
		}
		return UUIDValue(u), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
}

// Tuple is a row conforming to exactly one TupleDesc. Once stored, it
// remembers the record it lives in.
type Tuple struct {
	desc   *TupleDesc
	values []Value

	rid    common.RecordID
	hasRID bool
}

func NewTuple(desc *TupleDesc, values ...Value) (*Tuple, error) {
	if len(values) != desc.NumFields() {
		return nil, fmt.Errorf(
			"%w: expected %d values, got %d",
			ErrSchemaMismatch,
			desc.NumFields(),
			len(values),
		)
	}

	for i, v := range values {
		if v == nil || v.Type() != desc.columns[i].Type {
			return nil, fmt.Errorf(
				"%w: field %d expects %s",
				ErrSchemaMismatch,
				i,
				desc.columns[i].Type,
			)
		}
	}

	vals := make([]Value, len(values))
	for i, v := range values {
		if s, ok := v.(StringValue); ok {
			v = truncateString(s)
		}
		vals[i] = v
	}
	return &Tuple{desc: desc, values: vals}, nil
}

// truncateString cuts s to at most StringMaxLen bytes without splitting a
// multi-byte rune, so a stored value reads back the same as it was built.
func truncateString(s StringValue) StringValue {
	if len(s) <= StringMaxLen {
		return s
	}

	end := StringMaxLen
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// Clone returns a copy of t that shares no mutable state with it.
func (t *Tuple) Clone() *Tuple {
	vals := make([]Value, len(t.values))
	copy(vals, t.values)
	return &Tuple{desc: t.desc, values: vals, rid: t.rid, hasRID: t.hasRID}
}

func (t *Tuple) Desc() *TupleDesc {
	return t.desc
}

func (t *Tuple) Value(i int) (Value, error) {
	if i < 0 || i >= len(t.values) {
		return nil, fmt.Errorf("%w: index %d out of %d", ErrNoSuchField, i, len(t.values))
	}
	return t.values[i], nil
}

func (t *Tuple) Values() []Value {
	vals := make([]Value, len(t.values))
	copy(vals, t.values)
	return vals
}

func (t *Tuple) RecordID() (common.RecordID, bool) {
	return t.rid, t.hasRID
}

func (t *Tuple) SetRecordID(rid common.RecordID) {
	t.rid = rid
	t.hasRID = true
}

func (t *Tuple) ClearRecordID() {
	t.rid = common.RecordID{}
	t.hasRID = false
}

// Equal compares schemas and field values; record ids are ignored.
func (t *Tuple) Equal(other *Tuple) bool {
	if !t.desc.Equal(other.desc) {
		return false
	}
	for i := range t.values {
		if !t.values[i].Equal(other.values[i]) {
			return false
		}
	}
	return true
}

// Encode writes the tuple into dst, which must hold Desc().Size() bytes.
func (t *Tuple) Encode(dst []byte) {
	off := 0
	for _, v := range t.values {
		v.encode(dst[off:])
		off += v.Type().Len()
	}
}

func DecodeTuple(desc *TupleDesc, src []byte) (*Tuple, error) {
	if len(src) < desc.Size() {
		return nil, fmt.Errorf("tuple needs %d bytes, got %d", desc.Size(), len(src))
	}

	values := make([]Value, desc.NumFields())
	off := 0
	for i, c := range desc.columns {
		v, err := DecodeValue(c.Type, src[off:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode field %d: %w", i, err)
		}
		values[i] = v
		off += c.Type.Len()
	}
	return &Tuple{desc: desc, values: values}, nil
}

func (t *Tuple) String() string {
	parts := make([]string, len(t.values))
	for i, v := range t.values {
		parts[i] = v.String()
	}
	return strings.Join(parts, "\t")
}
