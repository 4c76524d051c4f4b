package basic

import (
	"fmt"
	"math"
	"strings"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/util"
)

// ColType 列类型
type ColType uint8

const (
	TypeInt      ColType = iota // 4字节有符号整数
	TypeFloat                   // 4字节IEEE-754单精度
	TypeString                  // 定长字符串，NUL填充
	TypeDatetime                // 19字节 YYYY-MM-DD HH:MM:SS
)

// String 类型名
func (t ColType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeFloat:
		return "FLOAT"
	case TypeString:
		return "STRING"
	case TypeDatetime:
		return "DATETIME"
	}
	return "UNKNOWN"
}

// DatetimeLen DATETIME列的固定长度
const DatetimeLen = 19

// Value 单元值，Type决定有效字段
type Value struct {
	Type  ColType
	Int   int32
	Float float32
	Str   string // STRING与DATETIME共用
}

// NewIntValue 构造INT值
func NewIntValue(v int32) Value { return Value{Type: TypeInt, Int: v} }

// NewFloatValue 构造FLOAT值
func NewFloatValue(v float32) Value { return Value{Type: TypeFloat, Float: v} }

// NewStringValue 构造STRING值
func NewStringValue(v string) Value { return Value{Type: TypeString, Str: v} }

// NewDatetimeValue 构造DATETIME值
func NewDatetimeValue(v string) Value { return Value{Type: TypeDatetime, Str: v} }

// Encode 将值编码进length字节的目标区间
func (v Value) Encode(buf []byte, length int) error {
	switch v.Type {
	case TypeInt:
		if length != 4 {
			return errors.Trace(common.ErrInternal)
		}
		util.WriteI32(buf, 0, v.Int)
	case TypeFloat:
		if length != 4 {
			return errors.Trace(common.ErrInternal)
		}
		util.WriteF32(buf, 0, v.Float)
	case TypeString, TypeDatetime:
		if len(v.Str) > length {
			return errors.Annotatef(common.ErrStringOverflow, "len %d > %d", len(v.Str), length)
		}
		copy(buf[:length], v.Str)
		for i := len(v.Str); i < length; i++ {
			buf[i] = 0
		}
	default:
		return errors.Trace(common.ErrInternal)
	}
	return nil
}

// DecodeValue 从原始字节解码值
func DecodeValue(t ColType, b []byte) Value {
	switch t {
	case TypeInt:
		return NewIntValue(util.ReadI32(b, 0))
	case TypeFloat:
		return NewFloatValue(util.ReadF32(b, 0))
	case TypeDatetime:
		return NewDatetimeValue(strings.TrimRight(string(b), "\x00"))
	default:
		return NewStringValue(strings.TrimRight(string(b), "\x00"))
	}
}

// Numeric 数值类型以float64参与比较和运算
func (v Value) Numeric() float64 {
	if v.Type == TypeInt {
		return float64(v.Int)
	}
	return float64(v.Float)
}

// Compare 同类型比较；INT与FLOAT交叉比较提升为FLOAT
func Compare(a, b Value) (int, error) {
	if a.Type != b.Type {
		if isNumeric(a.Type) && isNumeric(b.Type) {
			return cmpFloat64(a.Numeric(), b.Numeric()), nil
		}
		return 0, errors.Annotatef(common.ErrIncompatibleType, "%s vs %s", a.Type, b.Type)
	}
	switch a.Type {
	case TypeInt:
		return cmpInt32(a.Int, b.Int), nil
	case TypeFloat:
		return cmpFloat64(float64(a.Float), float64(b.Float)), nil
	default:
		return strings.Compare(a.Str, b.Str), nil
	}
}

func isNumeric(t ColType) bool { return t == TypeInt || t == TypeFloat }

func cmpInt32(a, b int32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpFloat64(a, b float64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// MinValue 类型的最小哨兵，作为开放扫描下界
func MinValue(t ColType, length int) Value {
	switch t {
	case TypeInt:
		return NewIntValue(math.MinInt32)
	case TypeFloat:
		return NewFloatValue(-math.MaxFloat32)
	case TypeDatetime:
		return NewDatetimeValue("")
	default:
		return NewStringValue("")
	}
}

// MaxValue 类型的最大哨兵，作为开放扫描上界
func MaxValue(t ColType, length int) Value {
	switch t {
	case TypeInt:
		return NewIntValue(math.MaxInt32)
	case TypeFloat:
		return NewFloatValue(math.MaxFloat32)
	case TypeDatetime:
		return NewDatetimeValue(strings.Repeat("\xff", DatetimeLen))
	default:
		return NewStringValue(strings.Repeat("\xff", length))
	}
}

// IsSentinel 判断值是否为某类型的极值哨兵
func IsSentinel(v Value, length int) bool {
	min := MinValue(v.Type, length)
	max := MaxValue(v.Type, length)
	c1, _ := Compare(v, min)
	c2, _ := Compare(v, max)
	return c1 == 0 || c2 == 0
}

// FormatValue 结果集单元格渲染：浮点6位小数，哨兵渲染为空串
func FormatValue(v Value, length int) string {
	if IsSentinel(v, length) {
		return ""
	}
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeFloat:
		return fmt.Sprintf("%.6f", v.Float)
	default:
		return v.Str
	}
}
