package engine

import (
	"bytes"
	"container/heap"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// SortExec 外部归并排序：按内存预算切分有序游程，
// 游程以gob编码、snappy压缩写入以事务ID命名的临时文件，
// 最后经最小堆做k路归并；多键ASC/DESC，可携带LIMIT。
// 等键行保持到来顺序（稳定）。
type SortExec struct {
	ctx   *ExecContext
	child Executor
	items []analyzer.OrderItem

	hasLimit bool
	limit    int

	memLimit int
	keyIdxs  []int

	inited  bool
	rows    []*Row // 全内存路径
	rowIdx  int
	emitted int

	runFiles []string
	merge    *runMergeHeap
}

// NewSortExec 构造排序算子
func NewSortExec(ctx *ExecContext, child Executor, items []analyzer.OrderItem, hasLimit bool, limit int) *SortExec {
	memLimit := 1 << 16
	if ctx.Cfg != nil && ctx.Cfg.SortMemRecords > 0 {
		memLimit = ctx.Cfg.SortMemRecords
	}
	return &SortExec{
		ctx:      ctx,
		child:    child,
		items:    items,
		hasLimit: hasLimit,
		limit:    limit,
		memLimit: memLimit,
	}
}

// Schema 实现Executor
func (e *SortExec) Schema() []ColDesc { return e.child.Schema() }

// less 多键比较，ASC/DESC逐键生效
func (e *SortExec) less(a, b *Row) bool {
	for k, idx := range e.keyIdxs {
		cmp, err := basic.Compare(a.Vals[idx], b.Vals[idx])
		if err != nil || cmp == 0 {
			continue
		}
		if e.items[k].Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func (e *SortExec) init() error {
	if e.inited {
		return nil
	}
	e.inited = true

	schema := e.child.Schema()
	for _, item := range e.items {
		idx, err := findCol(schema, item.Col)
		if err != nil {
			return errors.Trace(err)
		}
		e.keyIdxs = append(e.keyIdxs, idx)
	}

	var run []*Row
	for {
		row, err := e.child.Next()
		if err != nil {
			return errors.Trace(err)
		}
		if row == nil {
			break
		}
		run = append(run, row)
		if len(run) >= e.memLimit {
			if err := e.spillRun(run); err != nil {
				return errors.Trace(err)
			}
			run = nil
		}
	}

	if len(e.runFiles) == 0 {
		sort.SliceStable(run, func(i, j int) bool { return e.less(run[i], run[j]) })
		e.rows = run
		return nil
	}
	if len(run) > 0 {
		if err := e.spillRun(run); err != nil {
			return errors.Trace(err)
		}
	}
	return e.openMerge()
}

// spillRun 单个游程排序后压缩落盘
func (e *SortExec) spillRun(run []*Row) error {
	sort.SliceStable(run, func(i, j int) bool { return e.less(run[i], run[j]) })

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, row := range run {
		if err := enc.Encode(row.Vals); err != nil {
			return errors.Trace(err)
		}
	}

	dir := "."
	if e.ctx.Cfg != nil && e.ctx.Cfg.SortDir != "" {
		dir = e.ctx.Cfg.SortDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Trace(err)
	}
	txnID := int32(0)
	if e.ctx.Txn != nil {
		txnID = e.ctx.Txn.ID
	}
	path := filepath.Join(dir, fmt.Sprintf("sort_txn%d_%s.run", txnID, uuid.NewString()))
	if err := os.WriteFile(path, snappy.Encode(nil, buf.Bytes()), 0644); err != nil {
		return errors.Trace(err)
	}
	e.runFiles = append(e.runFiles, path)
	logger.Debugf("sort spilled run of %d rows to %s", len(run), path)
	return nil
}

// runCursor 已落盘游程的顺序读取游标
type runCursor struct {
	dec  *gob.Decoder
	row  *Row
	path string
	seq  int // 游程序号，等键时保持游程顺序以维持稳定性
}

func (e *SortExec) openMerge() error {
	h := &runMergeHeap{less: e.less}
	for seq, path := range e.runFiles {
		compressed, err := os.ReadFile(path)
		if err != nil {
			return errors.Trace(err)
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return errors.Trace(err)
		}
		cur := &runCursor{dec: gob.NewDecoder(bytes.NewReader(raw)), path: path, seq: seq}
		if err := cur.advance(); err != nil {
			return errors.Trace(err)
		}
		if cur.row != nil {
			h.cursors = append(h.cursors, cur)
		}
	}
	heap.Init(h)
	e.merge = h
	return nil
}

func (c *runCursor) advance() error {
	var vals []basic.Value
	if err := c.dec.Decode(&vals); err != nil {
		if err == io.EOF {
			c.row = nil
			return nil
		}
		return errors.Trace(err)
	}
	c.row = &Row{Vals: vals}
	return nil
}

// runMergeHeap k路归并最小堆
type runMergeHeap struct {
	cursors []*runCursor
	less    func(a, b *Row) bool
}

func (h *runMergeHeap) Len() int { return len(h.cursors) }
func (h *runMergeHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	if h.less(a.row, b.row) {
		return true
	}
	if h.less(b.row, a.row) {
		return false
	}
	return a.seq < b.seq
}
func (h *runMergeHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *runMergeHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*runCursor))
}
func (h *runMergeHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	x := old[n-1]
	h.cursors = old[:n-1]
	return x
}

// Next 实现Executor
func (e *SortExec) Next() (*Row, error) {
	if err := e.init(); err != nil {
		return nil, errors.Trace(err)
	}
	if e.hasLimit && e.emitted >= e.limit {
		e.cleanup()
		return nil, nil
	}

	if e.merge == nil {
		if e.rowIdx >= len(e.rows) {
			return nil, nil
		}
		row := e.rows[e.rowIdx]
		e.rowIdx++
		e.emitted++
		return row, nil
	}

	if e.merge.Len() == 0 {
		e.cleanup()
		return nil, nil
	}
	top := e.merge.cursors[0]
	row := top.row
	if err := top.advance(); err != nil {
		return nil, errors.Trace(err)
	}
	if top.row == nil {
		heap.Pop(e.merge)
	} else {
		heap.Fix(e.merge, 0)
	}
	e.emitted++
	return row, nil
}

func (e *SortExec) cleanup() {
	for _, path := range e.runFiles {
		os.Remove(path)
	}
	e.runFiles = nil
}
