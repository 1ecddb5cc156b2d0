// Package scalar defines the tagged union used for property values and its
// msgpack wire form.
//
// A Value holds exactly one of the kinds listed below. The zero Value is
// Unset, which is what decoding produces for wire tags this package does not
// understand; it is distinct from Null.
package scalar

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Kind int

const (
	Unset Kind = iota
	KindNull
	KindBool
	KindInt32
	KindInt64
	KindDouble
	KindDecimal
	KindString
	KindDateTime
	KindGUID
	KindBinary
	KindObjectID
	KindDocument
	KindArray
)

var kindNames = [...]string{
	Unset:        "unset",
	KindNull:     "null",
	KindBool:     "bool",
	KindInt32:    "int32",
	KindInt64:    "int64",
	KindDouble:   "double",
	KindDecimal:  "decimal",
	KindString:   "string",
	KindDateTime: "datetime",
	KindGUID:     "guid",
	KindBinary:   "binary",
	KindObjectID: "objectid",
	KindDocument: "document",
	KindArray:    "array",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ObjectID is a 12-byte opaque identifier.
type ObjectID [12]byte

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseObjectID parses the 24-character hex form produced by ObjectID.String.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 2*len(id) {
		return id, fmt.Errorf("invalid object id %q: expected %d hex chars", s, 2*len(id))
	}
	_, err := hex.Decode(id[:], []byte(s))
	if err != nil {
		return id, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return id, nil
}

// Document is a nested string-keyed document.
type Document map[string]Value

type Value struct {
	kind Kind
	v    any
}

func Null() Value                     { return Value{kind: KindNull} }
func Bool(v bool) Value               { return Value{KindBool, v} }
func Int32(v int32) Value             { return Value{KindInt32, v} }
func Int64(v int64) Value             { return Value{KindInt64, v} }
func Double(v float64) Value          { return Value{KindDouble, v} }
func Decimal(v decimal.Decimal) Value { return Value{KindDecimal, v} }
func String(v string) Value           { return Value{KindString, v} }
func GUID(v uuid.UUID) Value          { return Value{KindGUID, v} }
func ObjID(v ObjectID) Value          { return Value{KindObjectID, v} }
func Doc(v Document) Value            { return Value{KindDocument, v} }
func Array(items ...Value) Value      { return Value{KindArray, items} }
func DateTime(v time.Time) Value      { return Value{KindDateTime, v} }

// Binary copies v, so later changes to the caller's slice are not observed.
func Binary(v []byte) Value {
	return Value{KindBinary, bytes.Clone(v)}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsUnset() bool { return v.kind == Unset }
func (v Value) IsNull() bool  { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)               { return as[bool](v, KindBool) }
func (v Value) AsInt32() (int32, bool)             { return as[int32](v, KindInt32) }
func (v Value) AsInt64() (int64, bool)             { return as[int64](v, KindInt64) }
func (v Value) AsDouble() (float64, bool)          { return as[float64](v, KindDouble) }
func (v Value) AsDecimal() (decimal.Decimal, bool) { return as[decimal.Decimal](v, KindDecimal) }
func (v Value) AsString() (string, bool)           { return as[string](v, KindString) }
func (v Value) AsDateTime() (time.Time, bool)      { return as[time.Time](v, KindDateTime) }
func (v Value) AsGUID() (uuid.UUID, bool)          { return as[uuid.UUID](v, KindGUID) }
func (v Value) AsBinary() ([]byte, bool)           { return as[[]byte](v, KindBinary) }
func (v Value) AsObjectID() (ObjectID, bool)       { return as[ObjectID](v, KindObjectID) }
func (v Value) AsDocument() (Document, bool)       { return as[Document](v, KindDocument) }
func (v Value) AsArray() ([]Value, bool)           { return as[[]Value](v, KindArray) }

// AsInt accepts both integer kinds, since compact integers written by other
// producers may come back as either width.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt32:
		return int64(v.v.(int32)), true
	case KindInt64:
		return v.v.(int64), true
	default:
		return 0, false
	}
}

func as[T any](v Value, k Kind) (T, bool) {
	if v.kind != k {
		var zero T
		return zero, false
	}
	return v.v.(T), true
}

// Equal reports whether a and b hold the same kind and the same value.
// Decimals compare numerically and date-times compare as instants.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Unset, KindNull:
		return true
	case KindBool:
		return a.v.(bool) == b.v.(bool)
	case KindInt32:
		return a.v.(int32) == b.v.(int32)
	case KindInt64:
		return a.v.(int64) == b.v.(int64)
	case KindDouble:
		return a.v.(float64) == b.v.(float64)
	case KindDecimal:
		return a.v.(decimal.Decimal).Equal(b.v.(decimal.Decimal))
	case KindString:
		return a.v.(string) == b.v.(string)
	case KindDateTime:
		return a.v.(time.Time).Equal(b.v.(time.Time))
	case KindGUID:
		return a.v.(uuid.UUID) == b.v.(uuid.UUID)
	case KindBinary:
		return bytes.Equal(a.v.([]byte), b.v.([]byte))
	case KindObjectID:
		return a.v.(ObjectID) == b.v.(ObjectID)
	case KindDocument:
		return maps.EqualFunc(a.v.(Document), b.v.(Document), Equal)
	case KindArray:
		return slices.EqualFunc(a.v.([]Value), b.v.([]Value), Equal)
	default:
		panic(fmt.Errorf("unhandled scalar kind %v", a.kind))
	}
}

func sortedKeys(doc Document) []string {
	return slices.Sorted(maps.Keys(doc))
}

func (v Value) String() string {
	var buf strings.Builder
	v.appendTo(&buf)
	return buf.String()
}

func (v Value) appendTo(buf *strings.Builder) {
	switch v.kind {
	case Unset:
		buf.WriteString("<unset>")
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.v.(bool)))
	case KindInt32:
		buf.WriteString(strconv.FormatInt(int64(v.v.(int32)), 10))
	case KindInt64:
		buf.WriteString(strconv.FormatInt(v.v.(int64), 10))
		buf.WriteByte('L')
	case KindDouble:
		buf.WriteString(strconv.FormatFloat(v.v.(float64), 'g', -1, 64))
	case KindDecimal:
		buf.WriteString(v.v.(decimal.Decimal).String())
		buf.WriteByte('m')
	case KindString:
		buf.WriteString(strconv.Quote(v.v.(string)))
	case KindDateTime:
		buf.WriteString(v.v.(time.Time).UTC().Format(time.RFC3339Nano))
	case KindGUID:
		buf.WriteString(v.v.(uuid.UUID).String())
	case KindBinary:
		buf.WriteString("0x")
		buf.WriteString(hex.EncodeToString(v.v.([]byte)))
	case KindObjectID:
		buf.WriteString("ObjectId(")
		buf.WriteString(v.v.(ObjectID).String())
		buf.WriteByte(')')
	case KindDocument:
		doc := v.v.(Document)
		buf.WriteByte('{')
		for i, k := range sortedKeys(doc) {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(k)
			buf.WriteString(": ")
			doc[k].appendTo(buf)
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.v.([]Value) {
			if i > 0 {
				buf.WriteString(", ")
			}
			item.appendTo(buf)
		}
		buf.WriteByte(']')
	default:
		panic(fmt.Errorf("unhandled scalar kind %v", v.kind))
	}
}
