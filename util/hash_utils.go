package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashCode32 32位Hash，用于缓冲池分片定位
func HashCode32(key []byte) uint32 {
	return xxhash.Checksum32(key)
}
