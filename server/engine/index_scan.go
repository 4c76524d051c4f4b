package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/server/storage/index"
	"github.com/zhukovaskychina/minisql-server/server/storage/record"
)

// IndexScanExec 索引扫描：由索引前缀列上的等值/不等值谓词推导
// 复合上下界，沿叶链迭代RID，残余谓词在取回堆元组后过滤。
type IndexScanExec struct {
	ctx    *ExecContext
	tab    *metadata.TableMeta
	fh     *record.FileHandle
	ih     *index.Handle
	ix     *metadata.IndexMeta
	conds  []analyzer.Condition
	schema []ColDesc

	it       *index.Iterator
	upperKey []byte
	locked   bool
	done     bool
}

// NewIndexScanExec 构造索引扫描
func NewIndexScanExec(ctx *ExecContext, table string, ix *metadata.IndexMeta, conds []analyzer.Condition) (*IndexScanExec, error) {
	tab, err := ctx.SM.DB().Table(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh, err := ctx.SM.TableHandle(table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ih, err := ctx.SM.IndexHandle(ix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &IndexScanExec{
		ctx:    ctx,
		tab:    tab,
		fh:     fh,
		ih:     ih,
		ix:     ix,
		conds:  conds,
		schema: schemaOf(tab),
	}, nil
}

// Schema 实现Executor
func (e *IndexScanExec) Schema() []ColDesc { return e.schema }

// deriveBounds 上下界推导：前缀等值列锁定两端，遇到首个不等值谓词
// 收口后停止，其余列取类型哨兵
func (e *IndexScanExec) deriveBounds() ([]byte, []byte, error) {
	lower := e.ix.MinKeyVals()
	upper := e.ix.MaxKeyVals()

	for i, kc := range e.ix.Cols {
		eqDone := false
		rangeHit := false
		for ci := range e.conds {
			c := &e.conds[ci]
			if !c.IsRhsVal || c.Lhs.Col != kc.Name || c.Lhs.Agg != ast.AggNone {
				continue
			}
			v := c.RhsVal
			if v.Type != kc.Type {
				// 交叉类型谓词不进键边界，留给残余过滤
				continue
			}
			switch c.Op {
			case basic.OpEq:
				lower[i], upper[i] = v, v
				eqDone = true
			case basic.OpGt, basic.OpGe:
				if cmp, _ := basic.Compare(v, lower[i]); cmp > 0 {
					lower[i] = v
				}
				rangeHit = true
			case basic.OpLt, basic.OpLe:
				if cmp, _ := basic.Compare(v, upper[i]); cmp < 0 {
					upper[i] = v
				}
				rangeHit = true
			}
		}
		if !eqDone {
			if !rangeHit {
				break
			}
			// 不等值谓词只收口一列，之后前缀断开
			break
		}
	}

	lowerKey, err := e.ih.Schema().EncodeKey(lower)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	upperKey, err := e.ih.Schema().EncodeKey(upper)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return lowerKey, upperKey, nil
}

func (e *IndexScanExec) init() error {
	if e.it != nil {
		return nil
	}
	if !e.locked && e.ctx.TM.VersionManager() == nil && e.ctx.Txn != nil {
		if err := e.ctx.TM.LockManager().LockTable(e.ctx.Txn.ID, e.fh.FD(), manager.LockS); err != nil {
			return errors.Trace(err)
		}
		e.locked = true
	}
	lowerKey, upperKey, err := e.deriveBounds()
	if err != nil {
		return errors.Trace(err)
	}
	e.upperKey = upperKey
	it, err := e.ih.LowerBound(lowerKey)
	if err != nil {
		return errors.Trace(err)
	}
	e.it = it
	return nil
}

// Next 实现Executor
func (e *IndexScanExec) Next() (*Row, error) {
	if e.done {
		return nil, nil
	}
	if err := e.init(); err != nil {
		return nil, errors.Trace(err)
	}

	for !e.it.IsEnd() {
		// 上界键严格小于当前键时扫描终止
		if e.ih.Schema().Compare(e.upperKey, e.it.Key()) < 0 {
			break
		}
		rid := e.it.RID()
		if err := e.it.Next(); err != nil {
			return nil, errors.Trace(err)
		}

		rec, err := e.fh.Get(rid)
		if err != nil {
			if errors.Cause(err) == common.ErrRecordNotFound {
				continue
			}
			return nil, errors.Trace(err)
		}
		if vm := e.ctx.TM.VersionManager(); vm != nil && e.ctx.Txn != nil {
			visible := false
			rec, visible = vm.ResolveRead(e.tab.Name, rid, rec, e.ctx.Txn)
			if !visible {
				continue
			}
		}

		row := &Row{Vals: decodeRow(e.tab, rec), RID: rid}
		ok, err := evalConds(e.schema, row, e.conds)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ok {
			return row, nil
		}
	}
	e.done = true
	return nil, nil
}

// NextBatch 实现BatchExecutor
func (e *IndexScanExec) NextBatch() ([]*Row, error) {
	rows, err := drainBatch(e, 256)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows, nil
}
