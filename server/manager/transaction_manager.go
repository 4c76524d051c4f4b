package manager

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
)

// TxnState 事务状态机：Default → Growing → Committed/Aborted
type TxnState int

const (
	TxnDefault TxnState = iota
	TxnGrowing
	TxnCommitted
	TxnAborted
)

// WriteType 写集条目类型
type WriteType int

const (
	WriteInsert WriteType = iota
	WriteDelete
	WriteUpdate
)

// WriteRecord 事务内存写日志的一项，回滚时逆序补偿。
// Value：插入的整行/删除与更新的前镜像；After：更新的后镜像。
type WriteRecord struct {
	Type  WriteType
	Table string
	RID   common.RID
	Value []byte
	After []byte
}

// Transaction 事务
type Transaction struct {
	ID       int32
	State    TxnState
	StartTS  int32
	CommitTS int32
	PrevLSN  int32

	WriteSet []WriteRecord
}

// AppendWrite 记录一次写入供回滚使用
func (t *Transaction) AppendWrite(w WriteRecord) {
	t.WriteSet = append(t.WriteSet, w)
}

// TransactionManager 事务生命周期、ID与时间戳发放、回滚驱动。
// MVCC开启时持有版本管理器。
type TransactionManager struct {
	mu sync.RWMutex // 事务表读写锁

	nextTxnID int32
	nextTS    int32

	active      map[int32]*Transaction
	committedTS map[int32]int32 // 已提交事务的commit_ts，GC按水位线裁剪

	lockMgr *LockManager
	logMgr  *LogManager
	sm      *SchemaManager

	vm *VersionManager // MVCC关闭时为nil
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(lockMgr *LockManager, logMgr *LogManager, sm *SchemaManager) *TransactionManager {
	tm := &TransactionManager{
		nextTxnID:   1,
		nextTS:      1,
		active:      make(map[int32]*Transaction),
		committedTS: make(map[int32]int32),
		lockMgr:     lockMgr,
		logMgr:      logMgr,
		sm:          sm,
	}
	return tm
}

// AttachVersionManager MVCC模式下挂接版本管理器
func (tm *TransactionManager) AttachVersionManager(vm *VersionManager) {
	tm.vm = vm
}

// VersionManager MVCC版本管理器，未开启时为nil
func (tm *TransactionManager) VersionManager() *VersionManager { return tm.vm }

// LockManager 锁管理器
func (tm *TransactionManager) LockManager() *LockManager { return tm.lockMgr }

// LogManager 日志管理器
func (tm *TransactionManager) LogManager() *LogManager { return tm.logMgr }

// Begin 开始事务；传入已存在事务时原样返回（语句级隐式事务复用）
func (tm *TransactionManager) Begin(existing *Transaction) *Transaction {
	if existing != nil {
		return existing
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn := &Transaction{
		ID:       tm.nextTxnID,
		State:    TxnGrowing,
		StartTS:  tm.nextTS,
		CommitTS: common.InvalidTimestamp,
		PrevLSN:  common.InvalidLSN,
	}
	tm.nextTxnID++
	tm.nextTS++
	tm.active[txn.ID] = txn

	lsn, err := tm.logMgr.Append(&LogRecord{Type: LogBegin, TxnID: txn.ID, PrevLSN: txn.PrevLSN})
	if err == nil {
		txn.PrevLSN = lsn
	}
	return txn
}

// Commit 提交：日志尾落盘、发放提交时间戳、释放全部锁
func (tm *TransactionManager) Commit(txn *Transaction) error {
	if txn.State != TxnGrowing && txn.State != TxnDefault {
		return errors.Annotatef(common.ErrInternal, "commit txn %d in state %d", txn.ID, txn.State)
	}

	lsn, err := tm.logMgr.Append(&LogRecord{Type: LogCommit, TxnID: txn.ID, PrevLSN: txn.PrevLSN})
	if err != nil {
		return errors.Trace(err)
	}
	txn.PrevLSN = lsn
	// COMMIT记录先于返回成功落盘
	if err := tm.logMgr.FlushToLSN(lsn); err != nil {
		return errors.Trace(err)
	}

	tm.mu.Lock()
	txn.CommitTS = tm.nextTS
	tm.nextTS++
	txn.State = TxnCommitted
	tm.committedTS[txn.ID] = txn.CommitTS
	delete(tm.active, txn.ID)
	tm.mu.Unlock()

	tm.lockMgr.UnlockAll(txn.ID)
	txn.WriteSet = nil
	return nil
}

// Abort 中止：逆序补偿写集、日志落盘、释放锁
func (tm *TransactionManager) Abort(txn *Transaction) error {
	if txn.State == TxnAborted {
		return nil
	}

	for i := len(txn.WriteSet) - 1; i >= 0; i-- {
		if err := tm.undoWrite(txn, &txn.WriteSet[i]); err != nil {
			logger.Errorf("rollback txn %d: %v", txn.ID, err)
		}
	}

	lsn, err := tm.logMgr.Append(&LogRecord{Type: LogAbort, TxnID: txn.ID, PrevLSN: txn.PrevLSN})
	if err == nil {
		txn.PrevLSN = lsn
		tm.logMgr.FlushToLSN(lsn)
	}

	tm.mu.Lock()
	txn.State = TxnAborted
	delete(tm.active, txn.ID)
	tm.mu.Unlock()

	tm.lockMgr.UnlockAll(txn.ID)
	txn.WriteSet = nil
	return nil
}

// undoWrite 补偿单条写入：插入删之、删除插回、更新还原；幂等
func (tm *TransactionManager) undoWrite(txn *Transaction, w *WriteRecord) error {
	tab, err := tm.sm.DB().Table(w.Table)
	if err != nil {
		return errors.Trace(err)
	}
	fh, err := tm.sm.TableHandle(w.Table)
	if err != nil {
		return errors.Trace(err)
	}

	switch w.Type {
	case WriteInsert:
		for i := range tab.Indexes {
			ih, err := tm.sm.IndexHandle(&tab.Indexes[i])
			if err != nil {
				return errors.Trace(err)
			}
			if err := ih.Delete(extractKey(&tab.Indexes[i], w.Value)); err != nil &&
				errors.Cause(err) != common.ErrRecordNotFound {
				return errors.Trace(err)
			}
		}
		if err := fh.Delete(w.RID); err != nil && errors.Cause(err) != common.ErrRecordNotFound {
			return errors.Trace(err)
		}
		if tm.vm != nil {
			tm.vm.DropChain(w.Table, w.RID)
		}

	case WriteDelete:
		if tm.vm != nil {
			// 逻辑删除：槽位仍在，还原前镜像并弹出版本
			if err := fh.Update(w.RID, w.Value); err != nil {
				return errors.Trace(err)
			}
			tm.vm.PopVersion(w.Table, w.RID)
		} else {
			if err := fh.InsertAt(w.RID, w.Value); err != nil {
				return errors.Trace(err)
			}
		}
		for i := range tab.Indexes {
			ih, err := tm.sm.IndexHandle(&tab.Indexes[i])
			if err != nil {
				return errors.Trace(err)
			}
			key := extractKey(&tab.Indexes[i], w.Value)
			if err := ih.Insert(key, w.RID); err != nil &&
				errors.Cause(err) != common.ErrDuplicateKey {
				return errors.Trace(err)
			}
		}

	case WriteUpdate:
		if err := fh.Update(w.RID, w.Value); err != nil {
			return errors.Trace(err)
		}
		if tm.vm != nil {
			tm.vm.PopVersion(w.Table, w.RID)
		}
		for i := range tab.Indexes {
			ix := &tab.Indexes[i]
			ih, err := tm.sm.IndexHandle(ix)
			if err != nil {
				return errors.Trace(err)
			}
			oldKey := extractKey(ix, w.Value)
			newKey := extractKey(ix, w.After)
			if string(oldKey) == string(newKey) {
				continue
			}
			if err := ih.Delete(newKey); err != nil &&
				errors.Cause(err) != common.ErrRecordNotFound {
				return errors.Trace(err)
			}
			if err := ih.Insert(oldKey, w.RID); err != nil &&
				errors.Cause(err) != common.ErrDuplicateKey {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// IsLive 事务是否仍活跃
func (tm *TransactionManager) IsLive(txnID int32) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.active[txnID]
	return ok
}

// CommitTSOf 已提交事务的commit_ts；被GC裁剪的远古事务返回(0,false)
func (tm *TransactionManager) CommitTSOf(txnID int32) (int32, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ts, ok := tm.committedTS[txnID]
	return ts, ok
}

// Watermark 活跃事务最小start_ts；无活跃事务时为下一个时间戳
func (tm *TransactionManager) Watermark() int32 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	wm := tm.nextTS
	for _, txn := range tm.active {
		if txn.StartTS < wm {
			wm = txn.StartTS
		}
	}
	return wm
}

// ActiveTxnIDs 活跃事务ID集合（检查点使用）
func (tm *TransactionManager) ActiveTxnIDs() map[int32]bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make(map[int32]bool, len(tm.active))
	for id := range tm.active {
		out[id] = true
	}
	return out
}

// PruneCommitted 裁剪水位线之前提交的事务记录（GC回调）
func (tm *TransactionManager) PruneCommitted(watermark int32) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, ts := range tm.committedTS {
		if ts < watermark {
			delete(tm.committedTS, id)
		}
	}
}

// SchemaManager 目录管理器
func (tm *TransactionManager) SchemaManager() *SchemaManager { return tm.sm }

// NextTxnIDForRecovery 恢复后推进事务ID计数器
func (tm *TransactionManager) NextTxnIDForRecovery(seen int32) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if seen >= tm.nextTxnID {
		tm.nextTxnID = seen + 1
	}
}
