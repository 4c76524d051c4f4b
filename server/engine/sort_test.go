package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// sliceExec 测试用的内存子算子
type sliceExec struct {
	schema []ColDesc
	rows   []*Row
	idx    int
}

func (e *sliceExec) Schema() []ColDesc { return e.schema }
func (e *sliceExec) Next() (*Row, error) {
	if e.idx >= len(e.rows) {
		return nil, nil
	}
	row := e.rows[e.idx]
	e.idx++
	return row, nil
}

func intRows(vals ...int32) *sliceExec {
	e := &sliceExec{schema: []ColDesc{{Tab: "t", Col: "a", Type: basic.TypeInt, Len: 4}}}
	for _, v := range vals {
		e.rows = append(e.rows, &Row{Vals: []basic.Value{basic.NewIntValue(v)}})
	}
	return e
}

func pairRows(pairs ...[2]int32) *sliceExec {
	e := &sliceExec{schema: []ColDesc{
		{Tab: "t", Col: "a", Type: basic.TypeInt, Len: 4},
		{Tab: "t", Col: "seq", Type: basic.TypeInt, Len: 4},
	}}
	for _, p := range pairs {
		e.rows = append(e.rows, &Row{Vals: []basic.Value{
			basic.NewIntValue(p[0]), basic.NewIntValue(p[1]),
		}})
	}
	return e
}

func drainInts(t *testing.T, e Executor) []int32 {
	var out []int32
	for {
		row, err := e.Next()
		require.NoError(t, err)
		if row == nil {
			return out
		}
		out = append(out, row.Vals[0].Int)
	}
}

func TestSortInMemory(t *testing.T) {
	ctx := &ExecContext{Cfg: testCfg(t, false)}
	e := NewSortExec(ctx, intRows(5, 3, 5, 1, 4, 2),
		[]analyzer.OrderItem{{Col: analyzer.TabCol{Tab: "t", Col: "a"}, Desc: true}}, false, 0)
	assert.Equal(t, []int32{5, 5, 4, 3, 2, 1}, drainInts(t, e))
}

func TestSortExternalSpill(t *testing.T) {
	cfg := testCfg(t, false)
	cfg.SortMemRecords = 4 // 强制落盘游程
	ctx := &ExecContext{Cfg: cfg}

	var vals []int32
	for i := int32(0); i < 50; i++ {
		vals = append(vals, (i*37)%50)
	}
	e := NewSortExec(ctx, intRows(vals...),
		[]analyzer.OrderItem{{Col: analyzer.TabCol{Tab: "t", Col: "a"}}}, false, 0)

	got := drainInts(t, e)
	require.Len(t, got, 50)
	for i := int32(0); i < 50; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestSortStableOnEqualKeys(t *testing.T) {
	ctx := &ExecContext{Cfg: testCfg(t, false)}
	e := NewSortExec(ctx, pairRows([2]int32{1, 0}, [2]int32{2, 1}, [2]int32{1, 2}, [2]int32{1, 3}),
		[]analyzer.OrderItem{{Col: analyzer.TabCol{Tab: "t", Col: "a"}}}, false, 0)

	var seqs []int32
	for {
		row, err := e.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		if row.Vals[0].Int == 1 {
			seqs = append(seqs, row.Vals[1].Int)
		}
	}
	// 等键行保持到来顺序
	assert.Equal(t, []int32{0, 2, 3}, seqs)
}

func TestSortLimitCutsEmission(t *testing.T) {
	ctx := &ExecContext{Cfg: testCfg(t, false)}
	e := NewSortExec(ctx, intRows(9, 1, 8, 2),
		[]analyzer.OrderItem{{Col: analyzer.TabCol{Tab: "t", Col: "a"}}}, true, 2)
	assert.Equal(t, []int32{1, 2}, drainInts(t, e))
}

func TestSemiJoinEmitsLeftOnce(t *testing.T) {
	left := intRows(1, 2, 3)
	right := &sliceExec{
		schema: []ColDesc{{Tab: "u", Col: "k", Type: basic.TypeInt, Len: 4}},
		rows: []*Row{
			{Vals: []basic.Value{basic.NewIntValue(1)}},
			{Vals: []basic.Value{basic.NewIntValue(1)}},
			{Vals: []basic.Value{basic.NewIntValue(3)}},
		},
	}
	e := NewSemiJoinExec(left, right, []analyzer.Condition{{
		Lhs: analyzer.TabCol{Tab: "t", Col: "a"},
		Op:  basic.OpEq,
		Rhs: analyzer.TabCol{Tab: "u", Col: "k"},
	}})
	// 右侧重复匹配只输出左行一次
	assert.Equal(t, []int32{1, 3}, drainInts(t, e))
}

func TestNestedLoopJoinBlocks(t *testing.T) {
	left := pairRows([2]int32{1, 10}, [2]int32{2, 20}, [2]int32{3, 30})
	right := &sliceExec{
		schema: []ColDesc{{Tab: "u", Col: "k", Type: basic.TypeInt, Len: 4}},
		rows: []*Row{
			{Vals: []basic.Value{basic.NewIntValue(2)}},
			{Vals: []basic.Value{basic.NewIntValue(3)}},
		},
	}
	e := NewNestedLoopJoinExec(left, right, []analyzer.Condition{{
		Lhs: analyzer.TabCol{Tab: "t", Col: "a"},
		Op:  basic.OpEq,
		Rhs: analyzer.TabCol{Tab: "u", Col: "k"},
	}}, 2)

	var matched []int32
	for {
		row, err := e.Next()
		require.NoError(t, err)
		if row == nil {
			break
		}
		matched = append(matched, row.Vals[0].Int)
	}
	assert.Equal(t, []int32{2, 3}, matched)
}
