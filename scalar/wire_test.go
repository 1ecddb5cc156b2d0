package scalar

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func encodeBytes(t *testing.T, v Value) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, Encode(enc, v))
	return buf.Bytes()
}

func decodeBytes(t *testing.T, data []byte) Value {
	t.Helper()
	v, err := Decode(msgpack.NewDecoder(bytes.NewReader(data)))
	require.NoError(t, err)
	return v
}

func everyKind() []Value {
	return []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int32(-7),
		Int32(math.MaxInt32),
		Int64(42),
		Int64(math.MinInt64),
		Double(3.25),
		Decimal(decimal.RequireFromString("-1234.5600")),
		String("héllo"),
		String(""),
		DateTime(time.Date(2024, 3, 9, 10, 11, 12, 13000, time.UTC)),
		DateTime(time.Time{}),
		GUID(uuid.MustParse("6f9619ff-8b86-d011-b42d-00c04fc964ff")),
		Binary([]byte{0, 1, 2, 0xff}),
		Binary(nil),
		ObjID(ObjectID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}),
		Doc(Document{"a": Int32(1), "b": Doc(Document{"c": String("d")})}),
		Doc(Document{}),
		Array(Int32(1), String("two"), Array(Null())),
		Array(),
	}
}

func TestRoundTrip_EveryKind(t *testing.T) {
	for _, v := range everyKind() {
		t.Run(v.Kind().String(), func(t *testing.T) {
			got := decodeBytes(t, encodeBytes(t, v))
			assert.Equal(t, v.Kind(), got.Kind())
			assert.True(t, Equal(v, got), "got %v, wanted %v", got, v)
		})
	}
}

func TestRoundTrip_IntegerKindIsPreserved(t *testing.T) {
	got := decodeBytes(t, encodeBytes(t, Int64(5)))
	assert.Equal(t, KindInt64, got.Kind())

	got = decodeBytes(t, encodeBytes(t, Int32(5)))
	assert.Equal(t, KindInt32, got.Kind())
}

func TestDecode_CompactIntegersWiden(t *testing.T) {
	tests := []struct {
		name string
		in   any
		kind Kind
		want int64
	}{
		{"fixnum", int8(3), KindInt32, 3},
		{"negfixnum", int8(-3), KindInt32, -3},
		{"uint16", uint16(60000), KindInt32, 60000},
		{"uint32 small", uint32(100000), KindInt32, 100000},
		{"uint32 large", uint32(math.MaxUint32), KindInt64, math.MaxUint32},
		{"int64 compact", int64(-100000), KindInt32, -100000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := msgpack.NewEncoder(&buf)
			enc.UseCompactInts(true)
			require.NoError(t, enc.Encode(tt.in))

			got := decodeBytes(t, buf.Bytes())
			assert.Equal(t, tt.kind, got.Kind())
			n, ok := got.AsInt()
			require.True(t, ok)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestDecode_Float32WidensToDouble(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).EncodeFloat32(1.5))

	got := decodeBytes(t, buf.Bytes())
	f, ok := got.AsDouble()
	require.True(t, ok)
	assert.Equal(t, 1.5, f)
}

func TestDecode_HugeUint64IsUnset(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).EncodeUint64(math.MaxUint64))

	got := decodeBytes(t, buf.Bytes())
	assert.True(t, got.IsUnset())
}

func TestDecode_UnknownExtIsUnset(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeArrayLen(2))
	require.NoError(t, encodeExt(enc, 42, []byte{1, 2, 3}))
	require.NoError(t, enc.EncodeString("after"))

	got := decodeBytes(t, buf.Bytes())
	items, ok := got.AsArray()
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.True(t, items[0].IsUnset())
	assert.True(t, Equal(String("after"), items[1]))
}

func TestDecode_MalformedExtPayloadsAreUnset(t *testing.T) {
	tests := []struct {
		name    string
		id      int8
		payload []byte
	}{
		{"short guid", ExtGUID, []byte{1, 2, 3}},
		{"short object id", ExtObjectID, []byte{1}},
		{"bad decimal", ExtDecimal, []byte("1.2.3")},
		{"overlong decimal", ExtDecimal, bytes.Repeat([]byte("1"), maxDecimalText+1)},
		{"bad timestamp", ExtTime, []byte{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := msgpack.NewEncoder(&buf)
			require.NoError(t, enc.EncodeArrayLen(2))
			require.NoError(t, encodeExt(enc, tt.id, tt.payload))
			require.NoError(t, enc.EncodeString("after"))

			items, ok := decodeBytes(t, buf.Bytes()).AsArray()
			require.True(t, ok)
			require.Len(t, items, 2)
			assert.True(t, items[0].IsUnset())
			assert.True(t, Equal(String("after"), items[1]))
		})
	}
}

func TestDecode_TruncatedExtPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeExt(msgpack.NewEncoder(&buf), ExtGUID, []byte{1, 2, 3}))
	_, err := Decode(msgpack.NewDecoder(bytes.NewReader(buf.Bytes()[:buf.Len()-1])))
	assert.Error(t, err)
}

func TestEncode_LongDecimals(t *testing.T) {
	small := Decimal(decimal.New(1, -1100))
	got := decodeBytes(t, encodeBytes(t, small))
	assert.True(t, Equal(small, got))

	var buf bytes.Buffer
	err := Encode(msgpack.NewEncoder(&buf), Decimal(decimal.New(1, -maxDecimalText)))
	assert.ErrorIs(t, err, ErrDecimalTooLong)
}

func TestDecode_TruncatedInput(t *testing.T) {
	data := encodeBytes(t, Doc(Document{"title": String("hello world")}))
	_, err := Decode(msgpack.NewDecoder(bytes.NewReader(data[:len(data)-3])))
	assert.Error(t, err)
}

func TestDecode_NonStringDocumentKey(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(1))
	require.NoError(t, enc.EncodeInt(1))
	require.NoError(t, enc.EncodeString("x"))

	_, err := Decode(msgpack.NewDecoder(bytes.NewReader(buf.Bytes())))
	assert.Error(t, err)
}

func TestDecode_TooDeep(t *testing.T) {
	v := Int32(1)
	for range maxDepth + 2 {
		v = Array(v)
	}
	_, err := Decode(msgpack.NewDecoder(bytes.NewReader(encodeBytes(t, v))))
	assert.ErrorIs(t, err, ErrTooDeep)
}

func TestEncodeDocument_IsDeterministic(t *testing.T) {
	doc := Document{}
	for _, k := range []string{"z", "a", "m", "b", "y"} {
		doc[k] = String(k)
	}
	first := encodeBytes(t, Doc(doc))
	for range 10 {
		assert.Equal(t, first, encodeBytes(t, Doc(doc)))
	}
}

func TestEncode_UnsetIsNil(t *testing.T) {
	got := decodeBytes(t, encodeBytes(t, Value{}))
	assert.True(t, got.IsNull())
}
