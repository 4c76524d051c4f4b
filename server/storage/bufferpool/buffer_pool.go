package bufferpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
	"github.com/zhukovaskychina/minisql-server/util"
)

// WALFlusher WAL约束回调：脏页落盘前必须保证其页LSN之前的日志已持久化
type WALFlusher interface {
	PersistedLSN() int32
	FlushToLSN(lsn int32) error
}

const shardCount = 16

// shard 帧表分片，按页标识hash路由
type shard struct {
	mu       sync.Mutex
	table    map[common.PageTag]int
	frames   []*BufferPage
	freeList []int
	replacer Replacer
}

// Config 缓冲池配置
type Config struct {
	PoolPages         int
	ReplacerPolicy    string // clock | lru
	FlushInterval     time.Duration
	DirtyFlushPercent float64
}

// BufferPool 页缓冲池：pin/unpin、脏页跟踪、后台刷盘
type BufferPool struct {
	disk   *disk.DiskManager
	shards [shardCount]*shard

	wal atomic.Value // WALFlusher

	dirtyCount int64
	threshold  int64

	wakeChan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBufferPool 创建缓冲池并启动后台刷盘线程
func NewBufferPool(dm *disk.DiskManager, cfg Config) *BufferPool {
	if cfg.PoolPages < shardCount {
		cfg.PoolPages = shardCount
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.DirtyFlushPercent <= 0 {
		cfg.DirtyFlushPercent = 0.4
	}

	bp := &BufferPool{
		disk:      dm,
		threshold: int64(float64(cfg.PoolPages) * cfg.DirtyFlushPercent),
		wakeChan:  make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}

	perShard := cfg.PoolPages / shardCount
	for i := 0; i < shardCount; i++ {
		s := &shard{
			table:    make(map[common.PageTag]int, perShard),
			frames:   make([]*BufferPage, perShard),
			freeList: make([]int, 0, perShard),
			replacer: newReplacer(cfg.ReplacerPolicy, perShard),
		}
		for j := 0; j < perShard; j++ {
			s.frames[j] = newBufferPage(j)
			s.freeList = append(s.freeList, j)
		}
		bp.shards[i] = s
	}

	bp.wg.Add(1)
	go bp.backgroundFlush(cfg.FlushInterval)
	return bp
}

// SetWALFlusher 注册WAL回调，日志管理器初始化后调用
func (bp *BufferPool) SetWALFlusher(w WALFlusher) {
	bp.wal.Store(w)
}

func (bp *BufferPool) walFlusher() WALFlusher {
	v := bp.wal.Load()
	if v == nil {
		return nil
	}
	return v.(WALFlusher)
}

func (bp *BufferPool) shardOf(tag common.PageTag) *shard {
	var key [8]byte
	util.WriteI32(key[:], 0, tag.FD)
	util.WriteI32(key[:], 4, tag.PageNo)
	return bp.shards[util.HashCode32(key[:])%shardCount]
}

// FetchPage 返回已pin的目标页帧，未命中时从磁盘装载
func (bp *BufferPool) FetchPage(tag common.PageTag) (*BufferPage, error) {
	s := bp.shardOf(tag)
	s.mu.Lock()

	if frameID, ok := s.table[tag]; ok {
		page := s.frames[frameID]
		if atomic.AddInt32(&page.pinCount, 1) == 1 {
			s.replacer.Pin(frameID)
		}
		s.mu.Unlock()
		return page, nil
	}

	page, err := bp.allocFrameLocked(s, tag)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if err := bp.disk.ReadPage(tag.FD, tag.PageNo, page.data); err != nil {
		s.mu.Lock()
		bp.discardFrameLocked(s, page)
		s.mu.Unlock()
		return nil, errors.Trace(err)
	}
	return page, nil
}

// NewPage 在fd中分配下一页并返回已pin的零化帧
func (bp *BufferPool) NewPage(fd int32) (*BufferPage, int32, error) {
	pageNo, err := bp.disk.AllocatePage(fd)
	if err != nil {
		return nil, common.InvalidPageNo, errors.Trace(err)
	}
	if err := bp.disk.EnsureFileSize(fd, pageNo+1); err != nil {
		return nil, common.InvalidPageNo, errors.Trace(err)
	}

	tag := common.PageTag{FD: fd, PageNo: pageNo}
	s := bp.shardOf(tag)
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := bp.allocFrameLocked(s, tag)
	if err != nil {
		return nil, common.InvalidPageNo, err
	}
	for i := range page.data {
		page.data[i] = 0
	}
	page.dirty = true
	atomic.AddInt64(&bp.dirtyCount, 1)
	return page, pageNo, nil
}

// allocFrameLocked 取空闲帧或淘汰一帧，帧以pin=1、登记进帧表的状态返回
func (bp *BufferPool) allocFrameLocked(s *shard, tag common.PageTag) (*BufferPage, error) {
	var frameID int
	if n := len(s.freeList); n > 0 {
		frameID = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		id, ok := s.replacer.Victim()
		if !ok {
			return nil, errors.Annotatef(common.ErrInternal, "buffer pool shard exhausted")
		}
		victim := s.frames[id]
		if victim.dirty {
			if err := bp.flushFrameLocked(victim); err != nil {
				s.replacer.Unpin(id)
				return nil, errors.Trace(err)
			}
		}
		delete(s.table, victim.tag)
		frameID = id
	}

	page := s.frames[frameID]
	page.reset(tag)
	atomic.StoreInt32(&page.pinCount, 1)
	s.table[tag] = frameID
	return page, nil
}

func (bp *BufferPool) discardFrameLocked(s *shard, page *BufferPage) {
	delete(s.table, page.tag)
	atomic.StoreInt32(&page.pinCount, 0)
	page.reset(common.PageTag{FD: common.InvalidFD, PageNo: common.InvalidPageNo})
	s.freeList = append(s.freeList, page.frameID)
}

// UnpinPage 归还pin计数；dirty按或语义累积
func (bp *BufferPool) UnpinPage(tag common.PageTag, dirty bool) error {
	s := bp.shardOf(tag)
	s.mu.Lock()
	defer s.mu.Unlock()

	frameID, ok := s.table[tag]
	if !ok {
		return errors.Annotatef(common.ErrPageNotFound, "unpin %s", tag)
	}
	page := s.frames[frameID]
	if dirty && !page.dirty {
		page.dirty = true
		if atomic.AddInt64(&bp.dirtyCount, 1) >= bp.threshold {
			select {
			case bp.wakeChan <- struct{}{}:
			default:
			}
		}
	}
	if atomic.AddInt32(&page.pinCount, -1) == 0 {
		s.replacer.Unpin(frameID)
	}
	return nil
}

// flushFrameLocked 按WAL规则写回一帧，调用方持有分片锁
func (bp *BufferPool) flushFrameLocked(page *BufferPage) error {
	if w := bp.walFlusher(); w != nil {
		if lsn := page.LSN(); lsn != common.InvalidLSN && lsn > w.PersistedLSN() {
			if err := w.FlushToLSN(lsn); err != nil {
				return errors.Trace(err)
			}
		}
	}
	if err := bp.disk.WritePage(page.tag.FD, page.tag.PageNo, page.data); err != nil {
		return errors.Trace(err)
	}
	if page.dirty {
		page.dirty = false
		atomic.AddInt64(&bp.dirtyCount, -1)
	}
	return nil
}

// FlushPage 写回指定页，非脏页为空操作
func (bp *BufferPool) FlushPage(tag common.PageTag) error {
	s := bp.shardOf(tag)
	s.mu.Lock()
	defer s.mu.Unlock()

	frameID, ok := s.table[tag]
	if !ok {
		return nil
	}
	page := s.frames[frameID]
	if !page.dirty {
		return nil
	}
	return bp.flushFrameLocked(page)
}

// RemoveAllPages 丢弃fd的全部帧，flush为真时先写回
func (bp *BufferPool) RemoveAllPages(fd int32, flush bool) error {
	for _, s := range bp.shards {
		s.mu.Lock()
		for tag, frameID := range s.table {
			if tag.FD != fd {
				continue
			}
			page := s.frames[frameID]
			if flush && page.dirty {
				if err := bp.flushFrameLocked(page); err != nil {
					s.mu.Unlock()
					return errors.Trace(err)
				}
			}
			if page.dirty {
				page.dirty = false
				atomic.AddInt64(&bp.dirtyCount, -1)
			}
			delete(s.table, tag)
			s.replacer.Pin(frameID)
			atomic.StoreInt32(&page.pinCount, 0)
			s.freeList = append(s.freeList, frameID)
		}
		s.mu.Unlock()
	}
	return nil
}

// ForceFlushAllPages 同步写回全部脏帧
func (bp *BufferPool) ForceFlushAllPages() error {
	for _, s := range bp.shards {
		s.mu.Lock()
		for _, frameID := range s.table {
			page := s.frames[frameID]
			if page.dirty {
				if err := bp.flushFrameLocked(page); err != nil {
					s.mu.Unlock()
					return errors.Trace(err)
				}
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// backgroundFlush 后台刷盘线程：周期扫描 + 脏页阈值唤醒
func (bp *BufferPool) backgroundFlush(interval time.Duration) {
	defer bp.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-bp.wakeChan:
		case <-bp.stopChan:
			return
		}
		bp.flushEvictableBatch()
	}
}

// flushEvictableBatch 批量写回未被pin的脏帧
func (bp *BufferPool) flushEvictableBatch() {
	flushed := 0
	for _, s := range bp.shards {
		s.mu.Lock()
		for _, frameID := range s.table {
			page := s.frames[frameID]
			if !page.dirty || page.PinCount() > 0 {
				continue
			}
			if !page.Latch.TryLock() {
				continue
			}
			err := bp.flushFrameLocked(page)
			page.Latch.Unlock()
			if err != nil {
				logger.Errorf("background flush %s: %v", page.tag, err)
				continue
			}
			flushed++
		}
		s.mu.Unlock()
	}
	if flushed > 0 {
		logger.Debugf("background flusher wrote %d pages", flushed)
	}
}

// DirtyCount 当前脏帧数
func (bp *BufferPool) DirtyCount() int64 {
	return atomic.LoadInt64(&bp.dirtyCount)
}

// Close 停止后台线程并写回全部脏页
func (bp *BufferPool) Close() error {
	close(bp.stopChan)
	bp.wg.Wait()
	return bp.ForceFlushAllPages()
}
