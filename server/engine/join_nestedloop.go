package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// NestedLoopJoinExec 块嵌套循环连接：外侧按块缓存，
// 内侧关系整体按页批次缓存后复用，逐对评估连接谓词。
type NestedLoopJoinExec struct {
	left, right Executor
	conds       []analyzer.Condition
	schema      []ColDesc
	blockSize   int

	inner     []*Row // 内侧缓存
	innerDone bool

	block    []*Row // 外侧当前块
	blockIdx int
	innerIdx int
	done     bool
}

// NewNestedLoopJoinExec 构造块嵌套循环连接
func NewNestedLoopJoinExec(left, right Executor, conds []analyzer.Condition, blockSize int) *NestedLoopJoinExec {
	if blockSize <= 0 {
		blockSize = 16
	}
	return &NestedLoopJoinExec{
		left:      left,
		right:     right,
		conds:     conds,
		schema:    append(append([]ColDesc(nil), left.Schema()...), right.Schema()...),
		blockSize: blockSize,
	}
}

// Schema 实现Executor
func (e *NestedLoopJoinExec) Schema() []ColDesc { return e.schema }

func (e *NestedLoopJoinExec) cacheInner() error {
	if e.innerDone {
		return nil
	}
	for {
		batch, err := nextBatchOf(e.right, e.blockSize)
		if err != nil {
			return errors.Trace(err)
		}
		if len(batch) == 0 {
			break
		}
		e.inner = append(e.inner, batch...)
	}
	e.innerDone = true
	return nil
}

// Next 实现Executor
func (e *NestedLoopJoinExec) Next() (*Row, error) {
	if e.done {
		return nil, nil
	}
	if err := e.cacheInner(); err != nil {
		return nil, errors.Trace(err)
	}

	for {
		if e.blockIdx >= len(e.block) {
			block, err := nextBatchOf(e.left, e.blockSize)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if len(block) == 0 {
				e.done = true
				return nil, nil
			}
			e.block, e.blockIdx, e.innerIdx = block, 0, 0
		}

		outer := e.block[e.blockIdx]
		for e.innerIdx < len(e.inner) {
			inner := e.inner[e.innerIdx]
			e.innerIdx++
			joined := joinRows(outer, inner)
			ok, err := evalConds(e.schema, joined, e.conds)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if ok {
				return joined, nil
			}
		}
		e.blockIdx++
		e.innerIdx = 0
	}
}

// nextBatchOf 批量拉取，优先走算子自身的NextBatch
func nextBatchOf(e Executor, n int) ([]*Row, error) {
	if be, ok := e.(BatchExecutor); ok {
		batch, err := be.NextBatch()
		if err != nil {
			return nil, errors.Trace(err)
		}
		return batch, nil
	}
	return drainBatch(e, n)
}

// joinRows 拼接左右两行
func joinRows(l, r *Row) *Row {
	out := &Row{Vals: make([]basic.Value, 0, len(l.Vals)+len(r.Vals)), RID: l.RID}
	out.Vals = append(out.Vals, l.Vals...)
	out.Vals = append(out.Vals, r.Vals...)
	return out
}
