package snapcache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/snapcache/scalar"
)

var (
	errFieldMissing     = errors.New("missing")
	errFieldType        = errors.New("unexpected type")
	errUnsupportedValue = errors.New("unsupported value tag")
)

// field is the outcome of reading one document field: a value or the reason
// the zero value is used instead.
type field[T any] struct {
	val T
	err error
}

// get returns the value and records the failure, if any, under path.
func (f field[T]) get(r *DecodeReport, path string) T {
	if f.err != nil {
		r.add(path, f.err)
	}
	return f.val
}

func readField[T any](doc scalar.Document, key string, nullable bool, want string, conv func(scalar.Value) (T, bool)) field[T] {
	v, ok := doc[key]
	if !ok {
		return field[T]{err: errFieldMissing}
	}
	if nullable && v.IsNull() {
		return field[T]{}
	}
	val, ok := conv(v)
	if !ok {
		return field[T]{err: fmt.Errorf("%w: %v, expected %s", errFieldType, v.Kind(), want)}
	}
	return field[T]{val: val}
}

func asInt(v scalar.Value) (int, bool) {
	n, ok := v.AsInt()
	return int(n), ok
}

func intField(doc scalar.Document, key string) field[int] {
	return readField(doc, key, false, "int", asInt)
}

func optIntField(doc scalar.Document, key string) field[int] {
	return readField(doc, key, true, "int", asInt)
}

func stringField(doc scalar.Document, key string) field[string] {
	return readField(doc, key, false, "string", scalar.Value.AsString)
}

func optStringField(doc scalar.Document, key string) field[string] {
	return readField(doc, key, true, "string", scalar.Value.AsString)
}

func boolField(doc scalar.Document, key string) field[bool] {
	return readField(doc, key, false, "bool", scalar.Value.AsBool)
}

func timeField(doc scalar.Document, key string) field[time.Time] {
	return readField(doc, key, false, "datetime", scalar.Value.AsDateTime)
}

func guidField(doc scalar.Document, key string) field[uuid.UUID] {
	return readField(doc, key, false, "guid", scalar.Value.AsGUID)
}

func docField(doc scalar.Document, key string) field[scalar.Document] {
	return readField(doc, key, false, "document", scalar.Value.AsDocument)
}

func arrayField(doc scalar.Document, key string) field[[]scalar.Value] {
	return readField(doc, key, false, "array", scalar.Value.AsArray)
}

// DecodeReport lists the fields that could not be read as expected while
// decoding one document. The decoded kit carries zero values in their place.
type DecodeReport struct {
	ID     int
	Issues []DecodeIssue
}

type DecodeIssue struct {
	Path string
	Err  error
}

func (r *DecodeReport) add(path string, err error) {
	r.Issues = append(r.Issues, DecodeIssue{path, err})
}

// Clean reports whether every field was present and well-typed.
func (r *DecodeReport) Clean() bool {
	return len(r.Issues) == 0
}

// Significant reports whether any issue is worse than a missing field.
// Missing fields are expected in documents written by older generations.
func (r *DecodeReport) Significant() bool {
	for _, issue := range r.Issues {
		if !errors.Is(issue.Err, errFieldMissing) {
			return true
		}
	}
	return false
}

// Has reports whether an issue was recorded for path.
func (r *DecodeReport) Has(path string) bool {
	for _, issue := range r.Issues {
		if issue.Path == path {
			return true
		}
	}
	return false
}

func (r *DecodeReport) String() string {
	var buf strings.Builder
	for i, issue := range r.Issues {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(issue.Path)
		buf.WriteString(": ")
		buf.WriteString(issue.Err.Error())
	}
	return buf.String()
}
