package basic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareSameType(t *testing.T) {
	cmp, err := Compare(NewIntValue(1), NewIntValue(2))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = Compare(NewStringValue("abc"), NewStringValue("abc"))
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)

	cmp, err = Compare(NewDatetimeValue("2024-02-01 00:00:00"), NewDatetimeValue("2024-01-31 23:59:59"))
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)
}

func TestCompareCrossTypePromotesToFloat(t *testing.T) {
	cmp, err := Compare(NewIntValue(2), NewFloatValue(1.5))
	require.NoError(t, err)
	assert.Equal(t, 1, cmp)

	cmp, err = Compare(NewFloatValue(2.0), NewIntValue(2))
	require.NoError(t, err)
	assert.Equal(t, 0, cmp)
}

func TestCompareIncompatible(t *testing.T) {
	_, err := Compare(NewIntValue(1), NewStringValue("1"))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	require.NoError(t, NewIntValue(-42).Encode(buf, 4))
	assert.Equal(t, int32(-42), DecodeValue(TypeInt, buf).Int)

	require.NoError(t, NewFloatValue(1.25).Encode(buf, 4))
	assert.Equal(t, float32(1.25), DecodeValue(TypeFloat, buf).Float)

	sbuf := make([]byte, 8)
	require.NoError(t, NewStringValue("abc").Encode(sbuf, 8))
	assert.Equal(t, "abc", DecodeValue(TypeString, sbuf).Str)
}

func TestEncodeStringOverflow(t *testing.T) {
	buf := make([]byte, 2)
	err := NewStringValue("abc").Encode(buf, 2)
	assert.Error(t, err)
}

func TestSentinelFormatting(t *testing.T) {
	// 哨兵极值渲染为空串
	assert.Equal(t, "", FormatValue(MinValue(TypeInt, 4), 4))
	assert.Equal(t, "", FormatValue(MaxValue(TypeInt, 4), 4))
	assert.Equal(t, "", FormatValue(MaxValue(TypeString, 8), 8))

	assert.Equal(t, "42", FormatValue(NewIntValue(42), 4))
	assert.Equal(t, "1.500000", FormatValue(NewFloatValue(1.5), 4))
}

func TestCompOp(t *testing.T) {
	assert.True(t, OpEq.Satisfy(0))
	assert.False(t, OpEq.Satisfy(1))
	assert.True(t, OpNe.Satisfy(-1))
	assert.True(t, OpLe.Satisfy(0))
	assert.True(t, OpGt.Satisfy(1))
	assert.Equal(t, OpGt, OpLt.Swap())
	assert.Equal(t, "<>", OpNe.String())
}
