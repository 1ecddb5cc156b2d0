package scalar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Ext type ids. Time uses the standard msgpack timestamp extension.
const (
	ExtDecimal  int8 = 1
	ExtGUID     int8 = 2
	ExtObjectID int8 = 3
	ExtTime     int8 = -1
)

const (
	maxDepth         = 64
	maxDecimalText   = 4096
	maxPreallocItems = 64
)

var (
	ErrTooDeep        = errors.New("scalar: nesting too deep")
	ErrDecimalTooLong = errors.New("scalar: decimal text too long")
)

// Encode writes v using fixed-width integers, so that the integer kind
// survives a round trip. Unset is written as nil; callers that need to keep
// Unset apart from Null must leave the value out instead. Decimals whose
// text form is longer than the decoder accepts fail with ErrDecimalTooLong.
func Encode(enc *msgpack.Encoder, v Value) error {
	switch v.kind {
	case Unset, KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.v.(bool))
	case KindInt32:
		return enc.EncodeInt32(v.v.(int32))
	case KindInt64:
		return enc.EncodeInt64(v.v.(int64))
	case KindDouble:
		return enc.EncodeFloat64(v.v.(float64))
	case KindDecimal:
		text := v.v.(decimal.Decimal).String()
		if len(text) > maxDecimalText {
			return fmt.Errorf("%w: %d bytes", ErrDecimalTooLong, len(text))
		}
		return encodeExt(enc, ExtDecimal, []byte(text))
	case KindString:
		return enc.EncodeString(v.v.(string))
	case KindDateTime:
		return enc.EncodeTime(v.v.(time.Time))
	case KindGUID:
		id := v.v.(uuid.UUID)
		return encodeExt(enc, ExtGUID, id[:])
	case KindBinary:
		return enc.EncodeBytes(nonNilBytes(v.v.([]byte)))
	case KindObjectID:
		id := v.v.(ObjectID)
		return encodeExt(enc, ExtObjectID, id[:])
	case KindDocument:
		return EncodeDocument(enc, v.v.(Document))
	case KindArray:
		items := v.v.([]Value)
		if err := enc.EncodeArrayLen(len(items)); err != nil {
			return err
		}
		for _, item := range items {
			if err := Encode(enc, item); err != nil {
				return err
			}
		}
		return nil
	default:
		panic(fmt.Errorf("unhandled scalar kind %v", v.kind))
	}
}

// EncodeDocument writes doc as a map with sorted keys, so equal documents
// produce equal bytes.
func EncodeDocument(enc *msgpack.Encoder, doc Document) error {
	if err := enc.EncodeMapLen(len(doc)); err != nil {
		return err
	}
	for _, k := range sortedKeys(doc) {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := Encode(enc, doc[k]); err != nil {
			return err
		}
	}
	return nil
}

func encodeExt(enc *msgpack.Encoder, id int8, payload []byte) error {
	if err := enc.EncodeExtHeader(id, len(payload)); err != nil {
		return err
	}
	_, err := enc.Writer().Write(payload)
	return err
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Decode reads one value. Compact integers widen to Int32 when they fit and
// to Int64 otherwise; float32 widens to Double. Unknown ext types and
// unsigned values above math.MaxInt64 decode as Unset. An error means the
// input is structurally broken and the decoder position is undefined.
func Decode(dec *msgpack.Decoder) (Value, error) {
	return decodeValue(dec, 0)
}

func decodeValue(dec *msgpack.Decoder, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, ErrTooDeep
	}
	c, err := dec.PeekCode()
	if err != nil {
		return Value{}, err
	}

	switch {
	case c == msgpcode.Nil:
		return Null(), dec.DecodeNil()

	case c == msgpcode.True || c == msgpcode.False:
		b, err := dec.DecodeBool()
		return Bool(b), err

	case msgpcode.IsFixedNum(c), c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Int32:
		n, err := dec.DecodeInt64()
		return Int32(int32(n)), err

	case c == msgpcode.Uint32:
		n, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		if n > math.MaxInt32 {
			return Int64(n), nil
		}
		return Int32(int32(n)), nil

	case c == msgpcode.Int64:
		n, err := dec.DecodeInt64()
		return Int64(n), err

	case c == msgpcode.Uint64:
		n, err := dec.DecodeUint64()
		if err != nil {
			return Value{}, err
		}
		if n > math.MaxInt64 {
			return Value{}, nil
		}
		return Int64(int64(n)), nil

	case c == msgpcode.Float:
		f, err := dec.DecodeFloat32()
		return Double(float64(f)), err

	case c == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		return Double(f), err

	case msgpcode.IsString(c):
		s, err := dec.DecodeString()
		return String(s), err

	case msgpcode.IsBin(c):
		b, err := dec.DecodeBytes()
		return Value{KindBinary, nonNilBytes(b)}, err

	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, min(n, maxPreallocItems))
		for range n {
			item, err := decodeValue(dec, depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Value{KindArray, items}, nil

	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		doc, err := decodeDocument(dec, depth)
		if err != nil {
			return Value{}, err
		}
		return Doc(doc), nil

	case msgpcode.IsExt(c):
		return decodeExt(dec)

	default:
		return Value{}, fmt.Errorf("scalar: invalid msgpack code 0x%02x", c)
	}
}

// DecodeDocument reads a map value into a Document. Keys must be strings.
func DecodeDocument(dec *msgpack.Decoder) (Document, error) {
	return decodeDocument(dec, 0)
}

func decodeDocument(dec *msgpack.Decoder, depth int) (Document, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	doc := make(Document, min(n, maxPreallocItems))
	for range n {
		c, err := dec.PeekCode()
		if err != nil {
			return nil, err
		}
		if !msgpcode.IsString(c) {
			return nil, fmt.Errorf("scalar: document key has msgpack code 0x%02x, expected a string", c)
		}
		k, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		doc[k] = v
	}
	return doc, nil
}

// decodeExt reads one extension value. A payload that cannot be interpreted
// is skipped and the value left unset, like an unknown extension.
func decodeExt(dec *msgpack.Decoder) (Value, error) {
	id, n, err := dec.DecodeExtHeader()
	if err != nil {
		return Value{}, err
	}
	switch id {
	case ExtDecimal:
		if n > maxDecimalText {
			return skipExt(dec, n)
		}
		buf := make([]byte, n)
		if err := dec.ReadFull(buf); err != nil {
			return Value{}, err
		}
		d, err := decimal.NewFromString(string(buf))
		if err != nil {
			return Value{}, nil
		}
		return Decimal(d), nil

	case ExtGUID:
		var u uuid.UUID
		if n != len(u) {
			return skipExt(dec, n)
		}
		if err := dec.ReadFull(u[:]); err != nil {
			return Value{}, err
		}
		return GUID(u), nil

	case ExtObjectID:
		var oid ObjectID
		if n != len(oid) {
			return skipExt(dec, n)
		}
		if err := dec.ReadFull(oid[:]); err != nil {
			return Value{}, err
		}
		return ObjID(oid), nil

	case ExtTime:
		if n != 4 && n != 8 && n != 12 {
			return skipExt(dec, n)
		}
		var buf [12]byte
		if err := dec.ReadFull(buf[:n]); err != nil {
			return Value{}, err
		}
		return DateTime(decodeTimestamp(buf[:n])), nil

	default:
		return skipExt(dec, n)
	}
}

// skipExt consumes an n-byte payload and leaves the value unset.
func skipExt(dec *msgpack.Decoder, n int) (Value, error) {
	if _, err := io.CopyN(io.Discard, dec.Buffered(), int64(n)); err != nil {
		return Value{}, err
	}
	return Value{}, nil
}
