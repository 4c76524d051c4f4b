package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapSetClearTest(t *testing.T) {
	bitmap := make([]byte, 4)

	assert.False(t, BitmapTest(bitmap, 0))
	BitmapSet(bitmap, 0)
	assert.True(t, BitmapTest(bitmap, 0))

	BitmapSet(bitmap, 9)
	assert.True(t, BitmapTest(bitmap, 9))
	assert.False(t, BitmapTest(bitmap, 8))

	BitmapClear(bitmap, 9)
	assert.False(t, BitmapTest(bitmap, 9))
}

func TestBitmapFirstZero(t *testing.T) {
	bitmap := make([]byte, 2)
	assert.Equal(t, 0, BitmapFirstZero(bitmap, 16))

	for i := 0; i < 10; i++ {
		BitmapSet(bitmap, i)
	}
	assert.Equal(t, 10, BitmapFirstZero(bitmap, 16))

	for i := 10; i < 16; i++ {
		BitmapSet(bitmap, i)
	}
	assert.Equal(t, -1, BitmapFirstZero(bitmap, 16))
}

func TestBitmapFirstZeroRespectsLimit(t *testing.T) {
	bitmap := make([]byte, 1)
	for i := 0; i < 5; i++ {
		BitmapSet(bitmap, i)
	}
	// 第5位之后超出n，不应返回
	assert.Equal(t, -1, BitmapFirstZero(bitmap, 5))
}

func TestBitmapNextSet(t *testing.T) {
	bitmap := make([]byte, 4)
	BitmapSet(bitmap, 3)
	BitmapSet(bitmap, 17)

	assert.Equal(t, 3, BitmapNextSet(bitmap, 32, 0))
	assert.Equal(t, 17, BitmapNextSet(bitmap, 32, 4))
	assert.Equal(t, -1, BitmapNextSet(bitmap, 32, 18))
}

func TestBitmapCount(t *testing.T) {
	bitmap := make([]byte, 4)
	assert.Equal(t, 0, BitmapCount(bitmap, 32))

	positions := []int{0, 1, 7, 8, 15, 30}
	for _, p := range positions {
		BitmapSet(bitmap, p)
	}
	assert.Equal(t, len(positions), BitmapCount(bitmap, 32))
	// 截断到前8位
	assert.Equal(t, 3, BitmapCount(bitmap, 8))
}

func TestByteCodecRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	WriteI32(buf, 0, -123456)
	WriteU32(buf, 4, 0xDEADBEEF)
	WriteF32(buf, 8, 3.5)

	assert.Equal(t, int32(-123456), ReadI32(buf, 0))
	assert.Equal(t, uint32(0xDEADBEEF), ReadU32(buf, 4))
	assert.Equal(t, float32(3.5), ReadF32(buf, 8))
}

func TestValidDatetime(t *testing.T) {
	assert.True(t, ValidDatetime("2024-01-31 23:59:59"))
	assert.False(t, ValidDatetime("2024-1-31 23:59:59"))
	assert.False(t, ValidDatetime("2024-13-01 00:00:00"))
	assert.False(t, ValidDatetime("not a datetime!!"))
}
