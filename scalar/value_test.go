package scalar

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual_KindsMustMatch(t *testing.T) {
	assert.False(t, Equal(Int32(1), Int64(1)))
	assert.False(t, Equal(Null(), Value{}))
	assert.True(t, Equal(Value{}, Value{}))
}

func TestEqual_DecimalComparesNumerically(t *testing.T) {
	a := Decimal(decimal.RequireFromString("1.50"))
	b := Decimal(decimal.RequireFromString("1.5"))
	assert.True(t, Equal(a, b))
}

func TestEqual_DateTimeComparesInstants(t *testing.T) {
	utc := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	local := utc.In(time.FixedZone("X", 3600))
	assert.True(t, Equal(DateTime(utc), DateTime(local)))
}

func TestEqual_Nested(t *testing.T) {
	a := Doc(Document{"list": Array(Int32(1), Doc(Document{"x": Bool(true)}))})
	b := Doc(Document{"list": Array(Int32(1), Doc(Document{"x": Bool(true)}))})
	c := Doc(Document{"list": Array(Int32(1), Doc(Document{"x": Bool(false)}))})
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestAccessors_WrongKind(t *testing.T) {
	v := String("x")
	_, ok := v.AsInt32()
	assert.False(t, ok)
	_, ok = v.AsInt()
	assert.False(t, ok)
	s, ok := v.AsString()
	assert.True(t, ok)
	assert.Equal(t, "x", s)
}

func TestBinary_CopiesInput(t *testing.T) {
	raw := []byte{1, 2, 3}
	v := Binary(raw)
	raw[0] = 9
	b, _ := v.AsBinary()
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestObjectID_ParseString(t *testing.T) {
	id := ObjectID{0xde, 0xad, 0xbe, 0xef}
	parsed, err := ParseObjectID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseObjectID("abc")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	v := Doc(Document{
		"b": Array(Int32(1), Int64(2), Null()),
		"a": String("x"),
	})
	assert.Equal(t, `{a: "x", b: [1, 2L, null]}`, v.String())
	assert.Equal(t, "<unset>", Value{}.String())
	assert.Equal(t, "1.5m", Decimal(decimal.RequireFromString("1.5")).String())
}
