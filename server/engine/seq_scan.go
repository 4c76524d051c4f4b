package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/server/storage/record"
)

// SeqScanExec 顺序扫描：逐页取活元组，谓词过滤后物化输出。
// 2PL下持表级S锁；MVCC下按快照可见性过滤。
type SeqScanExec struct {
	ctx    *ExecContext
	tab    *metadata.TableMeta
	fh     *record.FileHandle
	conds  []analyzer.Condition
	schema []ColDesc

	pageNo int32
	batch  []*Row
	idx    int
	locked bool
}

// NewSeqScanExec 构造顺序扫描
func NewSeqScanExec(ctx *ExecContext, table string, conds []analyzer.Condition) (*SeqScanExec, error) {
	tab, err := ctx.SM.DB().Table(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh, err := ctx.SM.TableHandle(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &SeqScanExec{
		ctx:    ctx,
		tab:    tab,
		fh:     fh,
		conds:  conds,
		schema: schemaOf(tab),
		pageNo: common.HeaderPageNo + 1,
	}, nil
}

// Schema 实现Executor
func (e *SeqScanExec) Schema() []ColDesc { return e.schema }

// Next 实现Executor
func (e *SeqScanExec) Next() (*Row, error) {
	for {
		if e.idx < len(e.batch) {
			row := e.batch[e.idx]
			e.idx++
			return row, nil
		}
		batch, err := e.NextBatch()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if batch == nil {
			return nil, nil
		}
		e.batch, e.idx = batch, 0
	}
}

// NextBatch 取下一页的过滤结果；文件尾返回nil
func (e *SeqScanExec) NextBatch() ([]*Row, error) {
	if err := e.ensureLock(); err != nil {
		return nil, errors.Trace(err)
	}
	for e.pageNo < e.fh.NumPages() {
		slots, err := e.fh.GetPage(e.pageNo)
		if err != nil {
			return nil, errors.Trace(err)
		}
		pageNo := e.pageNo
		e.pageNo++

		rows := make([]*Row, 0, len(slots))
		for _, s := range slots {
			rid := common.RID{PageNo: pageNo, SlotNo: s.SlotNo}
			rec, visible := e.resolveVersion(rid, s.Data)
			if !visible {
				continue
			}
			row := &Row{Vals: decodeRow(e.tab, rec), RID: rid}
			ok, err := evalConds(e.schema, row, e.conds)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if ok {
				rows = append(rows, row)
			}
		}
		return rows, nil
	}
	return nil, nil
}

// ensureLock 2PL读路径取表级S锁，MVCC读无锁
func (e *SeqScanExec) ensureLock() error {
	if e.locked || e.ctx.TM.VersionManager() != nil || e.ctx.Txn == nil {
		return nil
	}
	if err := e.ctx.TM.LockManager().LockTable(e.ctx.Txn.ID, e.fh.FD(), manager.LockS); err != nil {
		return errors.Trace(err)
	}
	e.locked = true
	return nil
}

// resolveVersion MVCC下解析行版本，2PL下原样返回
func (e *SeqScanExec) resolveVersion(rid common.RID, rec []byte) ([]byte, bool) {
	vm := e.ctx.TM.VersionManager()
	if vm == nil || e.ctx.Txn == nil {
		return rec, true
	}
	return vm.ResolveRead(e.tab.Name, rid, rec, e.ctx.Txn)
}
