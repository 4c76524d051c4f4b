package index

import (
	"bytes"

	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/util"
)

// KeySchema 复合键模式：键为各列字节表示的拼接，比较按列逐个进行
type KeySchema struct {
	Types []basic.ColType
	Lens  []int
}

// KeyLen 键总长
func (ks *KeySchema) KeyLen() int {
	total := 0
	for _, l := range ks.Lens {
		total += l
	}
	return total
}

// Compare 按列类型逐列比较两个复合键
func (ks *KeySchema) Compare(a, b []byte) int {
	off := 0
	for i, t := range ks.Types {
		l := ks.Lens[i]
		var c int
		switch t {
		case basic.TypeInt:
			c = cmpI32(util.ReadI32(a, off), util.ReadI32(b, off))
		case basic.TypeFloat:
			c = cmpF32(util.ReadF32(a, off), util.ReadF32(b, off))
		default:
			c = bytes.Compare(a[off:off+l], b[off:off+l])
		}
		if c != 0 {
			return c
		}
		off += l
	}
	return 0
}

func cmpI32(a, b int32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpF32(a, b float32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// EncodeKey 将值序列编码为复合键
func (ks *KeySchema) EncodeKey(vals []basic.Value) ([]byte, error) {
	buf := make([]byte, ks.KeyLen())
	off := 0
	for i, v := range vals {
		if err := v.Encode(buf[off:off+ks.Lens[i]], ks.Lens[i]); err != nil {
			return nil, err
		}
		off += ks.Lens[i]
	}
	return buf, nil
}
