package bufferpool

import (
	"sync/atomic"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/latch"
)

// BufferPage 缓冲池中的一帧，承载一个磁盘页
type BufferPage struct {
	tag      common.PageTag
	data     []byte
	pinCount int32 // 原子计数
	dirty    bool  // 由所属分片的互斥锁保护
	lsn      int32 // 页LSN，WAL规则的比较基准
	frameID  int

	// Latch 页闩：读共享，结构变更独占；与pin计数正交
	Latch *latch.Latch
}

func newBufferPage(frameID int) *BufferPage {
	return &BufferPage{
		tag:     common.PageTag{FD: common.InvalidFD, PageNo: common.InvalidPageNo},
		data:    make([]byte, common.PageSize),
		frameID: frameID,
		Latch:   latch.NewLatch(),
	}
}

// Tag 帧当前承载的页标识
func (p *BufferPage) Tag() common.PageTag { return p.tag }

// Data 页内容，持有pin期间有效
func (p *BufferPage) Data() []byte { return p.data }

// PinCount 当前pin计数
func (p *BufferPage) PinCount() int32 { return atomic.LoadInt32(&p.pinCount) }

// LSN 页LSN
func (p *BufferPage) LSN() int32 { return atomic.LoadInt32(&p.lsn) }

// SetLSN 更新页LSN，只允许单调推进
func (p *BufferPage) SetLSN(lsn int32) {
	for {
		cur := atomic.LoadInt32(&p.lsn)
		if lsn <= cur || atomic.CompareAndSwapInt32(&p.lsn, cur, lsn) {
			return
		}
	}
}

func (p *BufferPage) reset(tag common.PageTag) {
	p.tag = tag
	p.dirty = false
	atomic.StoreInt32(&p.lsn, common.InvalidLSN)
	atomic.StoreInt32(&p.pinCount, 0)
}
