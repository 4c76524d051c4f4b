package util

import (
	"encoding/binary"
	"math"
)

// 页内整数一律小端编码

// ReadI32 从buf偏移off处读取小端int32
func ReadI32(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off : off+4]))
}

// WriteI32 向buf偏移off处写入小端int32
func WriteI32(buf []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
}

// ReadU32 从buf偏移off处读取小端uint32
func ReadU32(buf []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(buf[off : off+4])
}

// WriteU32 向buf偏移off处写入小端uint32
func WriteU32(buf []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], v)
}

// ReadU64 从buf偏移off处读取小端uint64
func ReadU64(buf []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(buf[off : off+8])
}

// WriteU64 向buf偏移off处写入小端uint64
func WriteU64(buf []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], v)
}

// ReadF32 从buf偏移off处读取小端float32
func ReadF32(buf []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
}

// WriteF32 向buf偏移off处写入小端float32
func WriteF32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
}
