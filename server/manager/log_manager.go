package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
)

// LogManager WAL追加与持久化。
// 两块定长暂存缓冲交替使用：append写活动缓冲，写满则换块；
// 后台线程约10ms落一次盘，活动缓冲换块时被条件唤醒。
type LogManager struct {
	mu   sync.Mutex
	cond *sync.Cond

	disk *disk.DiskManager

	bufs      [2][]byte
	lens      [2]int
	active    int
	stagedLSN int32 // 暂存区内最大LSN

	nextLSN      int32 // 原子
	persistedLSN int32 // 原子

	flushInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewLogManager 创建日志管理器并启动刷盘线程
func NewLogManager(dm *disk.DiskManager, bufSize int, flushInterval time.Duration) *LogManager {
	if bufSize <= 0 {
		bufSize = 1 << 20
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}
	lm := &LogManager{
		disk:          dm,
		nextLSN:       1,
		persistedLSN:  common.InvalidLSN,
		stagedLSN:     common.InvalidLSN,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	lm.cond = sync.NewCond(&lm.mu)
	lm.bufs[0] = make([]byte, 0, bufSize)
	lm.bufs[1] = make([]byte, 0, bufSize)

	lm.wg.Add(1)
	go lm.backgroundFlush()
	return lm
}

// NextLSN 下一个将要分配的LSN
func (lm *LogManager) NextLSN() int32 { return atomic.LoadInt32(&lm.nextLSN) }

// PersistedLSN 已持久化的最大LSN
func (lm *LogManager) PersistedLSN() int32 { return atomic.LoadInt32(&lm.persistedLSN) }

// Append 追加一条记录，分配LSN后在活动缓冲内预留空间
func (lm *LogManager) Append(rec *LogRecord) (int32, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rec.LSN = atomic.AddInt32(&lm.nextLSN, 1) - 1
	data := rec.Serialize()

	if len(lm.bufs[lm.active])+len(data) > cap(lm.bufs[lm.active]) {
		// 活动缓冲容不下：换块并唤醒刷盘线程
		inactive := 1 - lm.active
		if lm.lens[inactive] > 0 {
			// 两块都满，就地刷盘
			if err := lm.flushLocked(); err != nil {
				return common.InvalidLSN, errors.Trace(err)
			}
		}
		lm.active = 1 - lm.active
		lm.cond.Broadcast()
	}
	lm.bufs[lm.active] = append(lm.bufs[lm.active], data...)
	lm.lens[lm.active] = len(lm.bufs[lm.active])
	lm.stagedLSN = rec.LSN
	return rec.LSN, nil
}

// flushLocked 顺序写出两块缓冲，调用方持有lm.mu
func (lm *LogManager) flushLocked() error {
	inactive := 1 - lm.active
	for _, idx := range []int{inactive, lm.active} {
		if lm.lens[idx] == 0 {
			continue
		}
		if err := lm.disk.WriteLog(lm.bufs[idx]); err != nil {
			return errors.Trace(err)
		}
		lm.bufs[idx] = lm.bufs[idx][:0]
		lm.lens[idx] = 0
	}
	if lm.stagedLSN != common.InvalidLSN {
		atomic.StoreInt32(&lm.persistedLSN, lm.stagedLSN)
	}
	return nil
}

// FlushLogToDisk 同步清空两块缓冲
func (lm *LogManager) FlushLogToDisk() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

// FlushToLSN WAL约束入口：保证LSN不大于lsn的记录全部持久化
func (lm *LogManager) FlushToLSN(lsn int32) error {
	if atomic.LoadInt32(&lm.persistedLSN) >= lsn {
		return nil
	}
	return lm.FlushLogToDisk()
}

// backgroundFlush 周期刷盘线程，条件变量在换块时提前唤醒
func (lm *LogManager) backgroundFlush() {
	defer lm.wg.Done()

	done := make(chan struct{})
	go func() {
		// 条件变量等待换块信号，转发到channel便于select
		for {
			lm.mu.Lock()
			lm.cond.Wait()
			lm.mu.Unlock()
			select {
			case done <- struct{}{}:
			case <-lm.stopChan:
				return
			}
		}
	}()

	ticker := time.NewTicker(lm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-done:
		case <-lm.stopChan:
			return
		}
		if err := lm.FlushLogToDisk(); err != nil {
			logger.Errorf("log flush: %v", err)
		}
	}
}

// ReadAll 顺序读出日志文件中的全部记录
func (lm *LogManager) ReadAll() ([]*LogRecord, error) {
	size, err := lm.disk.LogSize()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := lm.disk.ReadLog(buf, 0); err != nil {
		return nil, errors.Trace(err)
	}
	var records []*LogRecord
	off := 0
	for off < len(buf) {
		rec, n, err := DeserializeLogRecord(buf[off:])
		if err != nil {
			return nil, errors.Trace(err)
		}
		records = append(records, rec)
		off += n
	}
	return records, nil
}

// Checkpoint 检查点：日志与脏页全部落盘后，重写日志只保留
// 未完结事务的记录，并原子替换日志文件
func (lm *LogManager) Checkpoint(liveTxns map[int32]bool, flushPages func() error) error {
	if err := lm.FlushLogToDisk(); err != nil {
		return errors.Trace(err)
	}
	if err := flushPages(); err != nil {
		return errors.Trace(err)
	}

	records, err := lm.ReadAll()
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := lm.disk.CreateNewLogFile(); err != nil {
		return errors.Trace(err)
	}
	var kept []byte
	for _, rec := range records {
		if liveTxns[rec.TxnID] {
			kept = append(kept, rec.Serialize()...)
		}
	}
	if len(kept) > 0 {
		if err := lm.disk.AppendToNewLogFile(kept); err != nil {
			return errors.Trace(err)
		}
	}
	if err := lm.disk.ChangeLogFile(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("checkpoint done, kept %d live-txn log bytes", len(kept))
	return nil
}

// Close 停止刷盘线程并清空缓冲
func (lm *LogManager) Close() error {
	close(lm.stopChan)
	lm.mu.Lock()
	lm.cond.Broadcast()
	lm.mu.Unlock()
	lm.wg.Wait()
	return lm.FlushLogToDisk()
}
