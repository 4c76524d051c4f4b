package manager

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
)

// RecoveryManager 启动期恢复：分析-重做-撤销三阶段。
// 重做不看可见性全量重放；撤销逆序补偿败者事务；
// 收尾清空日志并从恢复后的堆重建全部索引。
type RecoveryManager struct {
	logMgr *LogManager
	sm     *SchemaManager
	tm     *TransactionManager
}

// NewRecoveryManager 创建恢复管理器
func NewRecoveryManager(logMgr *LogManager, sm *SchemaManager, tm *TransactionManager) *RecoveryManager {
	return &RecoveryManager{logMgr: logMgr, sm: sm, tm: tm}
}

// Recover 执行完整恢复流程
func (rm *RecoveryManager) Recover() error {
	records, err := rm.logMgr.ReadAll()
	if err != nil {
		return errors.Trace(err)
	}
	if len(records) == 0 {
		return nil
	}
	logger.Infof("recovery: replaying %d log records", len(records))

	losers, maxTxnID := rm.analyze(records)
	if err := rm.redo(records); err != nil {
		return errors.Trace(err)
	}
	if err := rm.undo(records, losers); err != nil {
		return errors.Trace(err)
	}

	// 日志清空：重写为空文件
	if _, err := rm.logMgr.disk.CreateNewLogFile(); err != nil {
		return errors.Trace(err)
	}
	if err := rm.logMgr.disk.ChangeLogFile(); err != nil {
		return errors.Trace(err)
	}

	if err := rm.sm.RebuildIndexes(); err != nil {
		return errors.Trace(err)
	}
	rm.tm.NextTxnIDForRecovery(maxTxnID)
	logger.Infof("recovery: done, %d loser txns rolled back", len(losers))
	return nil
}

// analyze 扫描日志重建存活事务集（无COMMIT/ABORT者为败者）
func (rm *RecoveryManager) analyze(records []*LogRecord) (map[int32]bool, int32) {
	losers := make(map[int32]bool)
	var maxTxnID int32
	for _, rec := range records {
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		switch rec.Type {
		case LogBegin:
			losers[rec.TxnID] = true
		case LogCommit, LogAbort:
			delete(losers, rec.TxnID)
		default:
			// 数据记录也可能来自截断了BEGIN的检查点日志
			if _, seen := losers[rec.TxnID]; !seen {
				losers[rec.TxnID] = true
			}
		}
	}
	return losers, maxTxnID
}

// redo 顺序重放全部数据记录，必要时补齐堆文件页
func (rm *RecoveryManager) redo(records []*LogRecord) error {
	for _, rec := range records {
		if rec.Type != LogInsert && rec.Type != LogDelete && rec.Type != LogUpdate {
			continue
		}
		fh, err := rm.sm.TableHandle(rec.TableName)
		if err != nil {
			// 表在后续DDL中被删，重放跳过
			continue
		}
		switch rec.Type {
		case LogInsert:
			if err := fh.InsertAt(rec.RID, rec.Value); err != nil {
				return errors.Trace(err)
			}
		case LogDelete:
			if err := fh.Delete(rec.RID); err != nil &&
				errors.Cause(err) != common.ErrRecordNotFound &&
				errors.Cause(err) != common.ErrPageNotFound {
				return errors.Trace(err)
			}
		case LogUpdate:
			if err := fh.InsertAt(rec.RID, rec.After); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// undo 对每个败者事务逆序补偿其数据记录
func (rm *RecoveryManager) undo(records []*LogRecord, losers map[int32]bool) error {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !losers[rec.TxnID] {
			continue
		}
		fh, err := rm.sm.TableHandle(rec.TableName)
		if err != nil {
			continue
		}
		switch rec.Type {
		case LogInsert:
			if err := fh.Delete(rec.RID); err != nil &&
				errors.Cause(err) != common.ErrRecordNotFound {
				return errors.Trace(err)
			}
		case LogDelete:
			if err := fh.InsertAt(rec.RID, rec.Value); err != nil {
				return errors.Trace(err)
			}
		case LogUpdate:
			if err := fh.InsertAt(rec.RID, rec.Value); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}
