package manager

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/server/storage/record"
	"github.com/zhukovaskychina/minisql-server/util"

	"github.com/juju/errors"
)

// RowTxn 读取行首隐藏列：写者事务ID与墓碑位
func RowTxn(rec []byte) (int32, bool) {
	raw := util.ReadU32(rec, 0)
	return int32(raw &^ common.TombstoneBit), raw&common.TombstoneBit != 0
}

// SetRowTxn 写入行首隐藏列
func SetRowTxn(rec []byte, txnID int32, tombstone bool) {
	raw := uint32(txnID)
	if tombstone {
		raw |= common.TombstoneBit
	}
	util.WriteU32(rec, 0, raw)
}

// UndoLog 行版本链的一项：前镜像+写者事务引用，尾部指向更老版本
type UndoLog struct {
	Before []byte
	Writer int32
	Next   *UndoLog
}

// versionKey 版本链定位：表+RID
type versionKey struct {
	table string
	rid   common.RID
}

// VersionManager MVCC版本链与后台清理。
// 每个(表,RID)一条仅追加的前镜像链，最新项在链头；
// 水位线（活跃事务最小start_ts）之前的尾部由GC线程截断。
type VersionManager struct {
	mu     sync.RWMutex
	chains map[versionKey]*UndoLog

	tm *TransactionManager

	gcInterval time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewVersionManager 创建版本管理器并启动GC线程
func NewVersionManager(tm *TransactionManager, gcInterval time.Duration) *VersionManager {
	if gcInterval <= 0 {
		gcInterval = time.Second
	}
	vm := &VersionManager{
		chains:     make(map[versionKey]*UndoLog),
		tm:         tm,
		gcInterval: gcInterval,
		stopChan:   make(chan struct{}),
	}
	vm.wg.Add(1)
	go vm.gcLoop()
	return vm
}

// PushVersion 行被覆盖前把前镜像压入版本链
func (vm *VersionManager) PushVersion(table string, rid common.RID, before []byte, writer int32) {
	entry := &UndoLog{Before: append([]byte(nil), before...), Writer: writer}
	key := versionKey{table: table, rid: rid}

	vm.mu.Lock()
	entry.Next = vm.chains[key]
	vm.chains[key] = entry
	vm.mu.Unlock()
}

// PopVersion 回滚时弹出链头
func (vm *VersionManager) PopVersion(table string, rid common.RID) {
	key := versionKey{table: table, rid: rid}
	vm.mu.Lock()
	if head := vm.chains[key]; head != nil {
		if head.Next == nil {
			delete(vm.chains, key)
		} else {
			vm.chains[key] = head.Next
		}
	}
	vm.mu.Unlock()
}

// DropChain 行被物理回收时丢弃整条链
func (vm *VersionManager) DropChain(table string, rid common.RID) {
	vm.mu.Lock()
	delete(vm.chains, versionKey{table: table, rid: rid})
	vm.mu.Unlock()
}

// writerVisible 写者W对读者R是否可见：
// W==R，或W已提交且commit_ts不晚于R的start_ts；
// 不在活跃表也无提交记录的远古写者视为早已提交
func (vm *VersionManager) writerVisible(writer int32, reader *Transaction) bool {
	if writer == reader.ID || writer == common.InvalidTxnID {
		return true
	}
	if vm.tm.IsLive(writer) {
		return false
	}
	ts, ok := vm.tm.CommitTSOf(writer)
	if !ok {
		return true
	}
	return ts <= reader.StartTS
}

// ResolveRead 行快照读：行首版本不可见时沿版本链回溯首个可见前镜像。
// 返回(可见字节,是否存在可见版本)；可见版本带墓碑时视为已删除。
func (vm *VersionManager) ResolveRead(table string, rid common.RID, row []byte, reader *Transaction) ([]byte, bool) {
	writer, tombstone := RowTxn(row)
	if vm.writerVisible(writer, reader) {
		if tombstone {
			return nil, false
		}
		return row, true
	}

	vm.mu.RLock()
	entry := vm.chains[versionKey{table: table, rid: rid}]
	vm.mu.RUnlock()

	for ; entry != nil; entry = entry.Next {
		// 前镜像的有效性由镜像自身头部的写者决定，
		// entry.Writer只记录覆盖者，供GC按水位线截断
		w, tomb := RowTxn(entry.Before)
		if vm.writerVisible(w, reader) {
			if tomb {
				return nil, false
			}
			return entry.Before, true
		}
	}
	return nil, false
}

// ConflictCheck 写写冲突：行上写者W≠R且（W活跃或W.commit_ts晚于R.start_ts）
// 时以upgrade-conflict中止当前写者
func (vm *VersionManager) ConflictCheck(row []byte, writer *Transaction) error {
	w, _ := RowTxn(row)
	if w == writer.ID || w == common.InvalidTxnID {
		return nil
	}
	if vm.tm.IsLive(w) {
		return errors.Annotatef(common.ErrUpgradeConflict, "row locked by live txn %d", w)
	}
	if ts, ok := vm.tm.CommitTSOf(w); ok && ts > writer.StartTS {
		return errors.Annotatef(common.ErrUpgradeConflict, "row committed at %d after snapshot %d", ts, writer.StartTS)
	}
	return nil
}

// gcLoop 后台清理：截断水位线之前的链尾，物理回收远古墓碑行
func (vm *VersionManager) gcLoop() {
	defer vm.wg.Done()
	ticker := time.NewTicker(vm.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			vm.runGC()
		case <-vm.stopChan:
			return
		}
	}
}

// writerBelowWatermark 写者提交且commit_ts早于水位线（或早已被裁剪）
func (vm *VersionManager) writerBelowWatermark(writer int32, watermark int32) bool {
	if writer == common.InvalidTxnID {
		return true
	}
	if vm.tm.IsLive(writer) {
		return false
	}
	ts, ok := vm.tm.CommitTSOf(writer)
	return !ok || ts < watermark
}

func (vm *VersionManager) runGC() {
	watermark := vm.tm.Watermark()

	// 链尾截断：水位线之前已有一个可见版本即可停住
	vm.mu.Lock()
	for key, head := range vm.chains {
		cur := head
		for cur != nil {
			if vm.writerBelowWatermark(cur.Writer, watermark) {
				cur.Next = nil
				break
			}
			cur = cur.Next
		}
		if vm.writerBelowWatermark(head.Writer, watermark) {
			delete(vm.chains, key)
		}
	}
	vm.mu.Unlock()

	// 墓碑行物理回收
	sm := vm.tm.SchemaManager()
	db := sm.DB()
	reclaimed := 0
	for tabName, tab := range db.Tables {
		fh, err := sm.TableHandle(tabName)
		if err != nil {
			continue
		}
		reclaimed += vm.reclaimTable(tabName, tab, fh, watermark)
	}
	if reclaimed > 0 {
		logger.Debugf("mvcc gc reclaimed %d tombstoned rows, watermark %d", reclaimed, watermark)
	}
	vm.tm.PruneCommitted(watermark)
}

func (vm *VersionManager) reclaimTable(tabName string, tab *metadata.TableMeta, fh *record.FileHandle, watermark int32) int {
	reclaimed := 0
	scan, err := record.NewScan(fh)
	if err != nil {
		return 0
	}
	for !scan.IsEnd() {
		rid := scan.RID()
		rec, err := fh.Get(rid)
		if err == nil {
			writer, tombstone := RowTxn(rec)
			if tombstone && vm.writerBelowWatermark(writer, watermark) {
				vm.reclaimRow(tabName, tab, fh, rid, rec)
				reclaimed++
			}
		}
		if err := scan.Next(); err != nil {
			break
		}
	}
	return reclaimed
}

func (vm *VersionManager) reclaimRow(tabName string, tab *metadata.TableMeta, fh *record.FileHandle, rid common.RID, rec []byte) {
	sm := vm.tm.SchemaManager()
	for i := range tab.Indexes {
		ih, err := sm.IndexHandle(&tab.Indexes[i])
		if err != nil {
			continue
		}
		if err := ih.Delete(extractKey(&tab.Indexes[i], rec)); err != nil &&
			errors.Cause(err) != common.ErrRecordNotFound {
			logger.Errorf("gc index delete %s: %v", tab.Indexes[i].FileName(), err)
		}
	}
	if err := fh.Delete(rid); err != nil {
		logger.Errorf("gc reclaim %s %s: %v", tabName, rid, err)
	}
	vm.DropChain(tabName, rid)
}

// Close 停止GC线程
func (vm *VersionManager) Close() {
	close(vm.stopChan)
	vm.wg.Wait()
}
