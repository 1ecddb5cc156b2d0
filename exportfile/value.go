package exportfile

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/andreyvit/snapcache/scalar"
)

// Typed values that plain JSON cannot express are written as single-key
// objects: {"$int64": "12"}, {"$guid": "..."}, and so on.
const (
	tagInt64    = "$int64"
	tagDouble   = "$double"
	tagDecimal  = "$decimal"
	tagDate     = "$date"
	tagGUID     = "$guid"
	tagBinary   = "$binary"
	tagObjectID = "$oid"
)

const maxDepth = 64

var errTooDeep = errors.New("value nesting too deep")

// encodeValue returns the JSON form of v. Unset has no JSON form; callers
// omit it.
func encodeValue(v scalar.Value) any {
	switch v.Kind() {
	case scalar.KindNull, scalar.Unset:
		return nil
	case scalar.KindBool:
		b, _ := v.AsBool()
		return b
	case scalar.KindInt32:
		n, _ := v.AsInt32()
		return n
	case scalar.KindInt64:
		n, _ := v.AsInt64()
		return map[string]string{tagInt64: strconv.FormatInt(n, 10)}
	case scalar.KindDouble:
		f, _ := v.AsDouble()
		if math.IsNaN(f) || math.IsInf(f, 0) || f == math.Trunc(f) {
			return map[string]string{tagDouble: strconv.FormatFloat(f, 'g', -1, 64)}
		}
		return f
	case scalar.KindDecimal:
		d, _ := v.AsDecimal()
		return map[string]string{tagDecimal: d.String()}
	case scalar.KindString:
		s, _ := v.AsString()
		return s
	case scalar.KindDateTime:
		t, _ := v.AsDateTime()
		return map[string]string{tagDate: t.UTC().Format(time.RFC3339Nano)}
	case scalar.KindGUID:
		id, _ := v.AsGUID()
		return map[string]string{tagGUID: id.String()}
	case scalar.KindBinary:
		b, _ := v.AsBinary()
		return map[string]string{tagBinary: base64.StdEncoding.EncodeToString(b)}
	case scalar.KindObjectID:
		id, _ := v.AsObjectID()
		return map[string]string{tagObjectID: id.String()}
	case scalar.KindDocument:
		doc, _ := v.AsDocument()
		out := make(map[string]any, len(doc))
		for k, item := range doc {
			if !item.IsUnset() {
				out[k] = encodeValue(item)
			}
		}
		return out
	case scalar.KindArray:
		items, _ := v.AsArray()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = encodeValue(item)
		}
		return out
	default:
		panic(fmt.Errorf("unhandled scalar kind %v", v.Kind()))
	}
}

// decodeValue parses a JSON value. Integral numbers become int32 when they
// fit and int64 otherwise; other numbers become doubles.
func decodeValue(raw json.RawMessage) (scalar.Value, error) {
	if len(raw) == 0 {
		return scalar.Value{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return scalar.Value{}, err
	}
	return fromJSON(x, 0)
}

func fromJSON(x any, depth int) (scalar.Value, error) {
	if depth > maxDepth {
		return scalar.Value{}, errTooDeep
	}
	switch x := x.(type) {
	case nil:
		return scalar.Null(), nil
	case bool:
		return scalar.Bool(x), nil
	case string:
		return scalar.String(x), nil
	case json.Number:
		return numberValue(x)
	case []any:
		items := make([]scalar.Value, len(x))
		for i, item := range x {
			v, err := fromJSON(item, depth+1)
			if err != nil {
				return scalar.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return scalar.Array(items...), nil
	case map[string]any:
		if len(x) == 1 {
			for k, item := range x {
				if s, ok := item.(string); ok {
					if v, ok, err := taggedValue(k, s); ok || err != nil {
						return v, err
					}
				}
			}
		}
		doc := make(scalar.Document, len(x))
		for k, item := range x {
			v, err := fromJSON(item, depth+1)
			if err != nil {
				return scalar.Value{}, fmt.Errorf("%s: %w", k, err)
			}
			doc[k] = v
		}
		return scalar.Doc(doc), nil
	default:
		return scalar.Value{}, fmt.Errorf("unexpected JSON value %T", x)
	}
}

func numberValue(n json.Number) (scalar.Value, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return scalar.Int32(int32(i)), nil
		}
		return scalar.Int64(i), nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return scalar.Value{}, fmt.Errorf("invalid number %q", n)
	}
	return scalar.Double(f), nil
}

func taggedValue(tag, s string) (scalar.Value, bool, error) {
	var v scalar.Value
	var err error
	switch tag {
	case tagInt64:
		var n int64
		n, err = strconv.ParseInt(s, 10, 64)
		v = scalar.Int64(n)
	case tagDouble:
		var f float64
		f, err = strconv.ParseFloat(s, 64)
		v = scalar.Double(f)
	case tagDecimal:
		var d decimal.Decimal
		d, err = decimal.NewFromString(s)
		v = scalar.Decimal(d)
	case tagDate:
		var t time.Time
		t, err = time.Parse(time.RFC3339Nano, s)
		v = scalar.DateTime(t.UTC())
	case tagGUID:
		var id uuid.UUID
		id, err = uuid.Parse(s)
		v = scalar.GUID(id)
	case tagBinary:
		var b []byte
		b, err = base64.StdEncoding.DecodeString(s)
		v = scalar.Binary(b)
	case tagObjectID:
		var id scalar.ObjectID
		id, err = scalar.ParseObjectID(s)
		v = scalar.ObjID(id)
	default:
		return scalar.Value{}, false, nil
	}
	if err != nil {
		return scalar.Value{}, true, fmt.Errorf("%s: %w", tag, err)
	}
	return v, true, nil
}
