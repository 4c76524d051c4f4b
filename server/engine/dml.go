package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/server/storage/record"
	"github.com/zhukovaskychina/minisql-server/util"
)

// ridKey 键级锁标识：RID的8字节编码
func ridKey(rid common.RID) []byte {
	key := make([]byte, 8)
	util.WriteI32(key, 0, rid.PageNo)
	util.WriteI32(key, 4, rid.SlotNo)
	return key
}

// appendDataLog 追加数据日志记录并登记页LSN
func appendDataLog(ctx *ExecContext, typ manager.LogType, table string, fh *record.FileHandle, rid common.RID, value, after []byte) error {
	rec := &manager.LogRecord{
		Type:      typ,
		TxnID:     ctx.Txn.ID,
		PrevLSN:   ctx.Txn.PrevLSN,
		TableName: table,
		RID:       rid,
		Value:     value,
		After:     after,
	}
	lsn, err := ctx.TM.LogManager().Append(rec)
	if err != nil {
		return errors.Trace(err)
	}
	ctx.Txn.PrevLSN = lsn
	return errors.Trace(fh.SetPageLSN(rid.PageNo, lsn))
}

// lockForWrite 2PL写路径：表IX + 键X；MVCC路径不走锁
func lockForWrite(ctx *ExecContext, fh *record.FileHandle, rid common.RID) error {
	if ctx.TM.VersionManager() != nil {
		return nil
	}
	lm := ctx.TM.LockManager()
	if err := lm.LockTable(ctx.Txn.ID, fh.FD(), manager.LockIX); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(lm.LockKey(ctx.Txn.ID, fh.FD(), ridKey(rid), manager.LockX))
}

// InsertExec 插入：堆+全部索引，键级X锁(2PL)，WAL记录，写集登记
type InsertExec struct {
	ctx    *ExecContext
	table  string
	values []basic.Value
	done   bool
}

// NewInsertExec 构造插入算子
func NewInsertExec(ctx *ExecContext, table string, values []basic.Value) *InsertExec {
	return &InsertExec{ctx: ctx, table: table, values: values}
}

// Schema 实现Executor
func (e *InsertExec) Schema() []ColDesc { return nil }

// Next 一次产出，返回nil表示完成
func (e *InsertExec) Next() (*Row, error) {
	if e.done {
		return nil, nil
	}
	e.done = true

	tab, err := e.ctx.SM.DB().Table(e.table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh, err := e.ctx.SM.TableHandle(e.table)
	if err != nil {
		return nil, errors.Trace(err)
	}

	rec, err := encodeRecord(tab, e.values)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if tab.HasHiddenTrxCol() {
		manager.SetRowTxn(rec, e.ctx.Txn.ID, false)
	}

	if vm := e.ctx.TM.VersionManager(); vm == nil {
		if err := e.ctx.TM.LockManager().LockTable(e.ctx.Txn.ID, fh.FD(), manager.LockIX); err != nil {
			return nil, errors.Trace(err)
		}
	}

	rid, err := fh.Insert(rec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if e.ctx.TM.VersionManager() == nil {
		if err := e.ctx.TM.LockManager().LockKey(e.ctx.Txn.ID, fh.FD(), ridKey(rid), manager.LockX); err != nil {
			fh.Delete(rid)
			return nil, errors.Trace(err)
		}
	}

	// 索引维护：重复键时整条插入回退
	for i := range tab.Indexes {
		ix := &tab.Indexes[i]
		ih, err := e.ctx.SM.IndexHandle(ix)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := ih.Insert(manager.ExtractKey(ix, rec), rid); err != nil {
			for j := 0; j < i; j++ {
				prev := &tab.Indexes[j]
				if ph, e2 := e.ctx.SM.IndexHandle(prev); e2 == nil {
					ph.Delete(manager.ExtractKey(prev, rec))
				}
			}
			fh.Delete(rid)
			return nil, errors.Trace(err)
		}
	}

	if err := appendDataLog(e.ctx, manager.LogInsert, e.table, fh, rid, rec, nil); err != nil {
		return nil, errors.Trace(err)
	}
	e.ctx.Txn.AppendWrite(manager.WriteRecord{
		Type: manager.WriteInsert, Table: e.table, RID: rid,
		Value: append([]byte(nil), rec...),
	})
	return nil, nil
}

// DeleteExec 删除：2PL物理清槽并摘索引；MVCC打墓碑并压前镜像
type DeleteExec struct {
	ctx      *ExecContext
	table    string
	child    Executor
	affected int
	done     bool
}

// NewDeleteExec 构造删除算子
func NewDeleteExec(ctx *ExecContext, table string, child Executor) *DeleteExec {
	return &DeleteExec{ctx: ctx, table: table, child: child}
}

// Schema 实现Executor
func (e *DeleteExec) Schema() []ColDesc { return nil }

// Affected 删除行数
func (e *DeleteExec) Affected() int { return e.affected }

// Next 驱动子树删完所有匹配行
func (e *DeleteExec) Next() (*Row, error) {
	if e.done {
		return nil, nil
	}
	e.done = true

	tab, err := e.ctx.SM.DB().Table(e.table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh, err := e.ctx.SM.TableHandle(e.table)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for {
		row, err := e.child.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if row == nil {
			return nil, nil
		}
		if err := e.deleteRow(tab, fh, row.RID); err != nil {
			return nil, errors.Trace(err)
		}
		e.affected++
	}
}

func (e *DeleteExec) deleteRow(tab *metadata.TableMeta, fh *record.FileHandle, rid common.RID) error {
	if err := lockForWrite(e.ctx, fh, rid); err != nil {
		return errors.Trace(err)
	}

	pre, err := fh.Get(rid)
	if err != nil {
		return errors.Trace(err)
	}

	if vm := e.ctx.TM.VersionManager(); vm != nil {
		if err := vm.ConflictCheck(pre, e.ctx.Txn); err != nil {
			return errors.Trace(err)
		}
		vm.PushVersion(e.table, rid, pre, e.ctx.Txn.ID)
		// 逻辑删除：仅打墓碑，槽位与索引项等GC过水位线后回收
		after := append([]byte(nil), pre...)
		manager.SetRowTxn(after, e.ctx.Txn.ID, true)
		if err := fh.Update(rid, after); err != nil {
			return errors.Trace(err)
		}
	} else {
		for i := range tab.Indexes {
			ix := &tab.Indexes[i]
			ih, err := e.ctx.SM.IndexHandle(ix)
			if err != nil {
				return errors.Trace(err)
			}
			if err := ih.Delete(manager.ExtractKey(ix, pre)); err != nil &&
				errors.Cause(err) != common.ErrRecordNotFound {
				return errors.Trace(err)
			}
		}
		if err := fh.Delete(rid); err != nil {
			return errors.Trace(err)
		}
	}

	if err := appendDataLog(e.ctx, manager.LogDelete, e.table, fh, rid, pre, nil); err != nil {
		return errors.Trace(err)
	}
	e.ctx.Txn.AppendWrite(manager.WriteRecord{
		Type: manager.WriteDelete, Table: e.table, RID: rid,
		Value: append([]byte(nil), pre...),
	})
	return nil
}

// UpdateExec 更新：原位覆盖，键变化时同步索引，MVCC压前镜像
type UpdateExec struct {
	ctx      *ExecContext
	table    string
	sets     []analyzer.ResolvedSet
	child    Executor
	affected int
	done     bool
}

// NewUpdateExec 构造更新算子
func NewUpdateExec(ctx *ExecContext, table string, sets []analyzer.ResolvedSet, child Executor) *UpdateExec {
	return &UpdateExec{ctx: ctx, table: table, sets: sets, child: child}
}

// Schema 实现Executor
func (e *UpdateExec) Schema() []ColDesc { return nil }

// Affected 更新行数
func (e *UpdateExec) Affected() int { return e.affected }

// Next 驱动子树改完所有匹配行
func (e *UpdateExec) Next() (*Row, error) {
	if e.done {
		return nil, nil
	}
	e.done = true

	tab, err := e.ctx.SM.DB().Table(e.table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh, err := e.ctx.SM.TableHandle(e.table)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for {
		row, err := e.child.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if row == nil {
			return nil, nil
		}
		if err := e.updateRow(tab, fh, row.RID); err != nil {
			return nil, errors.Trace(err)
		}
		e.affected++
	}
}

func (e *UpdateExec) updateRow(tab *metadata.TableMeta, fh *record.FileHandle, rid common.RID) error {
	if err := lockForWrite(e.ctx, fh, rid); err != nil {
		return errors.Trace(err)
	}

	pre, err := fh.Get(rid)
	if err != nil {
		return errors.Trace(err)
	}

	after := append([]byte(nil), pre...)
	for _, set := range e.sets {
		if err := set.Val.Encode(after[set.Col.Offset:set.Col.Offset+set.Col.Len], int(set.Col.Len)); err != nil {
			return errors.Trace(err)
		}
	}

	vm := e.ctx.TM.VersionManager()
	if vm != nil {
		if err := vm.ConflictCheck(pre, e.ctx.Txn); err != nil {
			return errors.Trace(err)
		}
		vm.PushVersion(e.table, rid, pre, e.ctx.Txn.ID)
		manager.SetRowTxn(after, e.ctx.Txn.ID, false)
	}

	if err := fh.Update(rid, after); err != nil {
		return errors.Trace(err)
	}

	// 键列受影响的索引删旧插新；重复键时还原堆行
	for i := range tab.Indexes {
		ix := &tab.Indexes[i]
		oldKey := manager.ExtractKey(ix, pre)
		newKey := manager.ExtractKey(ix, after)
		if string(oldKey) == string(newKey) {
			continue
		}
		ih, err := e.ctx.SM.IndexHandle(ix)
		if err != nil {
			return errors.Trace(err)
		}
		if err := ih.Delete(oldKey); err != nil &&
			errors.Cause(err) != common.ErrRecordNotFound {
			return errors.Trace(err)
		}
		if err := ih.Insert(newKey, rid); err != nil {
			ih.Insert(oldKey, rid)
			fh.Update(rid, pre)
			if vm != nil {
				vm.PopVersion(e.table, rid)
			}
			return errors.Trace(err)
		}
	}

	if err := appendDataLog(e.ctx, manager.LogUpdate, e.table, fh, rid, pre, after); err != nil {
		return errors.Trace(err)
	}
	e.ctx.Txn.AppendWrite(manager.WriteRecord{
		Type: manager.WriteUpdate, Table: e.table, RID: rid,
		Value: append([]byte(nil), pre...),
		After: append([]byte(nil), after...),
	})
	return nil
}
