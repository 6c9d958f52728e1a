package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteShortString(&buf, "hello"))

	got, err := ReadShortString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestShortStringTooLong(t *testing.T) {
	var buf bytes.Buffer
	err := WriteShortString(&buf, strings.Repeat("a", 256))
	require.Error(t, err)
}

func TestLongStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := bytes.Repeat([]byte{0xAB}, 1000)
	require.NoError(t, WriteLongString(&buf, data))

	got, err := ReadLongString(&buf)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTableRoundTrip(t *testing.T) {
	in := Table{
		"bool":    true,
		"int8":    int8(-4),
		"uint8":   uint8(200),
		"int16":   int16(-1000),
		"int32":   int32(123456),
		"int64":   int64(-9999999999),
		"float":   float64(3.25),
		"string":  "value",
		"decimal": Decimal{Scale: 2, Value: 12345},
		"time":    time.Unix(1700000000, 0),
		"nested":  Table{"inner": "deep"},
		"array":   []interface{}{int32(1), "two", true},
		"null":    nil,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, in))

	out, err := ReadTable(&buf)
	require.NoError(t, err)

	assert.Equal(t, true, out["bool"])
	assert.Equal(t, int8(-4), out["int8"])
	assert.Equal(t, uint8(200), out["uint8"])
	assert.Equal(t, int16(-1000), out["int16"])
	assert.Equal(t, int32(123456), out["int32"])
	assert.Equal(t, int64(-9999999999), out["int64"])
	assert.Equal(t, float64(3.25), out["float"])
	assert.Equal(t, "value", out["string"])
	assert.Equal(t, Decimal{Scale: 2, Value: 12345}, out["decimal"])
	assert.True(t, time.Unix(1700000000, 0).Equal(out["time"].(time.Time)))
	assert.Nil(t, out["null"])

	nested, ok := out["nested"].(Table)
	require.True(t, ok)
	assert.Equal(t, "deep", nested["inner"])

	arr, ok := out["array"].([]interface{})
	require.True(t, ok)
	require.Len(t, arr, 3)
	assert.Equal(t, int32(1), arr[0])
	assert.Equal(t, "two", arr[1])
	assert.Equal(t, true, arr[2])
}

func TestTableNativeIntWidens(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, Table{"n": 7}))

	out, err := ReadTable(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(7), out["n"])
}

func TestEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, nil))

	out, err := ReadTable(&buf)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTableUnsupportedType(t *testing.T) {
	var buf bytes.Buffer
	err := WriteTable(&buf, Table{"bad": struct{}{}})
	require.Error(t, err)
}

func TestIsSoftError(t *testing.T) {
	assert.True(t, IsSoftError(ReplyNotFound))
	assert.True(t, IsSoftError(ReplyAccessRefused))
	assert.True(t, IsSoftError(ReplyPreconditionFailed))

	assert.False(t, IsSoftError(ReplyConnectionForced))
	assert.False(t, IsSoftError(ReplyUnexpectedFrame))
	assert.False(t, IsSoftError(ReplyInternalError))
	assert.False(t, IsSoftError(ReplySuccess))
}
