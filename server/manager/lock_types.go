package manager

import "fmt"

// LockMode 锁模式，表级支持意向锁，键级仅S/X
type LockMode int

const (
	LockIS LockMode = iota // 意向共享
	LockIX                 // 意向排他
	LockS                  // 共享
	LockX                  // 排他
)

// String 模式名
func (m LockMode) String() string {
	switch m {
	case LockIS:
		return "IS"
	case LockIX:
		return "IX"
	case LockS:
		return "S"
	case LockX:
		return "X"
	}
	return "?"
}

// lockCompatible 标准层次锁相容矩阵
var lockCompatible = [4][4]bool{
	//           IS     IX     S      X
	/* IS */ {true, true, true, false},
	/* IX */ {true, true, false, false},
	/* S  */ {true, false, true, false},
	/* X  */ {false, false, false, false},
}

// covers 已持有模式held是否覆盖请求模式want
func (m LockMode) covers(want LockMode) bool {
	if m == want {
		return true
	}
	switch m {
	case LockX:
		return true
	case LockS:
		return want == LockIS
	case LockIX:
		return want == LockIS
	}
	return false
}

// lockDataID 锁标识：fd+可选键字节；键为空表示表级锁
type lockDataID struct {
	fd  int32
	key string
}

func (id lockDataID) String() string {
	if id.key == "" {
		return fmt.Sprintf("table(%d)", id.fd)
	}
	return fmt.Sprintf("key(%d,%x)", id.fd, id.key)
}

// lockRequest 等待队列中的一项
type lockRequest struct {
	txnID   int32
	mode    LockMode
	granted bool
	waitCh  chan error
}

// lockEntry 单个资源的FIFO请求队列
type lockEntry struct {
	queue []*lockRequest
}
