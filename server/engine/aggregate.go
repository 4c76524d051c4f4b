package engine

import (
	"math"
	"strconv"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/util"
)

// floatEpsilon 浮点输入的相等判定阈值
const floatEpsilon = 1e-9

// accumulator 单列聚合状态；AVG维护(sum,count)，收尾格式化为6位小数串
type accumulator struct {
	agg   ast.AggType
	typ   basic.ColType
	len   int32
	count int64
	sum   decimal.Decimal
	minV  basic.Value
	maxV  basic.Value
	seen  bool
}

func newAccumulator(agg ast.AggType, typ basic.ColType, l int32) *accumulator {
	return &accumulator{agg: agg, typ: typ, len: l, sum: decimal.Zero}
}

func (a *accumulator) feed(v basic.Value) {
	a.count++
	switch a.agg {
	case ast.AggSum, ast.AggAvg:
		a.sum = a.sum.Add(decimal.NewFromFloat(v.Numeric()))
	case ast.AggMin:
		if !a.seen {
			a.minV = v
		} else if cmp, err := basic.Compare(v, a.minV); err == nil && cmp < 0 {
			a.minV = v
		}
	case ast.AggMax:
		if !a.seen {
			a.maxV = v
		} else if cmp, err := basic.Compare(v, a.maxV); err == nil && cmp > 0 {
			a.maxV = v
		}
	}
	a.seen = true
}

// feedStar COUNT(*)
func (a *accumulator) feedStar() {
	a.count++
	a.seen = true
}

// final 聚合收尾：空输入时COUNT=0、SUM=0、MIN/MAX为哨兵、AVG为"0.000000"
func (a *accumulator) final() basic.Value {
	switch a.agg {
	case ast.AggCount:
		return basic.NewIntValue(int32(a.count))
	case ast.AggSum:
		if a.typ == basic.TypeFloat {
			f, _ := a.sum.Float64()
			return basic.NewFloatValue(float32(f))
		}
		return basic.NewIntValue(int32(a.sum.IntPart()))
	case ast.AggAvg:
		if a.count == 0 {
			return basic.NewStringValue("0.000000")
		}
		avg := a.sum.Div(decimal.NewFromInt(a.count))
		return basic.NewStringValue(avg.StringFixed(6))
	case ast.AggMin:
		if !a.seen {
			return basic.MaxValue(a.typ, int(a.len))
		}
		return a.minV
	case ast.AggMax:
		if !a.seen {
			return basic.MinValue(a.typ, int(a.len))
		}
		return a.maxV
	}
	return basic.Value{}
}

// groupState 单个分组的全部状态
type groupState struct {
	keyVals   []basic.Value
	accs      []*accumulator
	havingLhs []*accumulator
	havingRhs []*accumulator
}

// AggExec 哈希分组聚合：复合分组键经xxhash定位桶，
// 组内逐列累加，HAVING在聚合完成后评估，组保持插入顺序。
type AggExec struct {
	child   Executor
	selCols []analyzer.TabCol
	groupBy []analyzer.TabCol
	having  []analyzer.Condition

	schema []ColDesc

	buckets map[uint64][]*groupState
	order   []*groupState

	inited  bool
	results []*Row
	rowIdx  int
}

// NewAggExec 构造聚合算子
func NewAggExec(child Executor, selCols, groupBy []analyzer.TabCol, having []analyzer.Condition) (*AggExec, error) {
	e := &AggExec{
		child:   child,
		selCols: selCols,
		groupBy: groupBy,
		having:  having,
		buckets: make(map[uint64][]*groupState),
	}
	childSchema := child.Schema()
	for _, sc := range selCols {
		d := ColDesc{Tab: sc.Tab, Col: sc.Col, Agg: sc.Agg}
		switch {
		case sc.Star:
			d.Type = basic.TypeInt
		case sc.Agg == ast.AggCount:
			d.Type = basic.TypeInt
		case sc.Agg == ast.AggAvg:
			d.Type = basic.TypeString
			d.Len = 32
		default:
			idx, err := findCol(childSchema, analyzer.TabCol{Tab: sc.Tab, Col: sc.Col})
			if err != nil {
				return nil, errors.Trace(err)
			}
			d.Type = childSchema[idx].Type
			d.Len = childSchema[idx].Len
		}
		e.schema = append(e.schema, d)
	}
	return e, nil
}

// Schema 实现Executor
func (e *AggExec) Schema() []ColDesc { return e.schema }

// groupKey 分组键编码与hash
func (e *AggExec) groupKey(row *Row) ([]basic.Value, uint64, error) {
	childSchema := e.child.Schema()
	keyVals := make([]basic.Value, 0, len(e.groupBy))
	keyBytes := make([]byte, 0, 32)
	for _, g := range e.groupBy {
		idx, err := findCol(childSchema, g)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		v := row.Vals[idx]
		keyVals = append(keyVals, v)
		keyBytes = append(keyBytes, basic.FormatValue(v, 0)...)
		keyBytes = append(keyBytes, 0)
	}
	return keyVals, util.HashCode(keyBytes), nil
}

func sameKey(a, b []basic.Value) bool {
	for i := range a {
		cmp, err := basic.Compare(a[i], b[i])
		if err != nil || cmp != 0 {
			return false
		}
	}
	return true
}

func (e *AggExec) newGroup(keyVals []basic.Value) *groupState {
	childSchema := e.child.Schema()
	g := &groupState{keyVals: keyVals}
	mk := func(cols []analyzer.TabCol) []*accumulator {
		accs := make([]*accumulator, len(cols))
		for i, sc := range cols {
			typ, l := basic.TypeInt, int32(4)
			if !sc.Star && sc.Agg != ast.AggNone {
				if idx, err := findCol(childSchema, analyzer.TabCol{Tab: sc.Tab, Col: sc.Col}); err == nil {
					typ, l = childSchema[idx].Type, childSchema[idx].Len
				}
			}
			accs[i] = newAccumulator(sc.Agg, typ, l)
		}
		return accs
	}
	g.accs = mk(e.selCols)
	g.havingLhs = mk(havingCols(e.having, true))
	g.havingRhs = mk(havingCols(e.having, false))
	return g
}

func havingCols(having []analyzer.Condition, lhs bool) []analyzer.TabCol {
	cols := make([]analyzer.TabCol, 0, len(having))
	for i := range having {
		if lhs {
			cols = append(cols, having[i].Lhs)
		} else if !having[i].IsRhsVal {
			cols = append(cols, having[i].Rhs)
		} else {
			cols = append(cols, analyzer.TabCol{})
		}
	}
	return cols
}

// feedAccs 向一组累加器灌入一行
func (e *AggExec) feedAccs(accs []*accumulator, cols []analyzer.TabCol, row *Row) error {
	childSchema := e.child.Schema()
	for i, sc := range cols {
		if sc.Agg == ast.AggNone && !sc.Star {
			continue
		}
		if sc.Star {
			accs[i].feedStar()
			continue
		}
		idx, err := findCol(childSchema, analyzer.TabCol{Tab: sc.Tab, Col: sc.Col})
		if err != nil {
			return errors.Trace(err)
		}
		accs[i].feed(row.Vals[idx])
	}
	return nil
}

func (e *AggExec) build() error {
	if e.inited {
		return nil
	}
	e.inited = true

	for {
		row, err := e.child.Next()
		if err != nil {
			return errors.Trace(err)
		}
		if row == nil {
			break
		}
		keyVals, hash, err := e.groupKey(row)
		if err != nil {
			return errors.Trace(err)
		}
		var g *groupState
		for _, cand := range e.buckets[hash] {
			if sameKey(cand.keyVals, keyVals) {
				g = cand
				break
			}
		}
		if g == nil {
			g = e.newGroup(keyVals)
			e.buckets[hash] = append(e.buckets[hash], g)
			e.order = append(e.order, g)
		}
		if err := e.feedAccs(g.accs, e.selCols, row); err != nil {
			return errors.Trace(err)
		}
		if err := e.feedAccs(g.havingLhs, havingCols(e.having, true), row); err != nil {
			return errors.Trace(err)
		}
		if err := e.feedAccs(g.havingRhs, havingCols(e.having, false), row); err != nil {
			return errors.Trace(err)
		}
	}

	// 无分组列时空输入也产出一行空聚合
	if len(e.order) == 0 && len(e.groupBy) == 0 {
		e.order = append(e.order, e.newGroup(nil))
	}

	for _, g := range e.order {
		keep, err := e.evalHaving(g)
		if err != nil {
			return errors.Trace(err)
		}
		if !keep {
			continue
		}
		vals := make([]basic.Value, len(e.selCols))
		for i, sc := range e.selCols {
			if sc.Agg == ast.AggNone && !sc.Star {
				vals[i] = e.groupValue(g, sc)
			} else {
				vals[i] = g.accs[i].final()
			}
		}
		e.results = append(e.results, &Row{Vals: vals})
	}
	return nil
}

// groupValue 非聚合投影列取其分组键值
func (e *AggExec) groupValue(g *groupState, sc analyzer.TabCol) basic.Value {
	for i, gb := range e.groupBy {
		if gb.Tab == sc.Tab && gb.Col == sc.Col {
			return g.keyVals[i]
		}
	}
	return basic.Value{}
}

// evalHaving 聚合完成后评估HAVING；AVG字符串与数值比较时重解析为浮点，
// 浮点输入按1e-9容差判等
func (e *AggExec) evalHaving(g *groupState) (bool, error) {
	for i := range e.having {
		c := &e.having[i]
		lhs := e.havingOperand(g, g.havingLhs[i], c.Lhs)

		var rhs basic.Value
		if c.IsRhsVal {
			rhs = c.RhsVal
		} else {
			rhs = e.havingOperand(g, g.havingRhs[i], c.Rhs)
		}

		ok, err := compareHaving(lhs, rhs, c.Op)
		if err != nil {
			return false, errors.Trace(err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *AggExec) havingOperand(g *groupState, acc *accumulator, tc analyzer.TabCol) basic.Value {
	if tc.Agg == ast.AggNone && !tc.Star {
		return e.groupValue(g, tc)
	}
	return acc.final()
}

func compareHaving(lhs, rhs basic.Value, op basic.CompOp) (bool, error) {
	lf, lok := numericOf(lhs)
	rf, rok := numericOf(rhs)
	if lok && rok {
		diff := lf - rf
		if math.Abs(diff) < floatEpsilon {
			return op.Satisfy(0), nil
		}
		if diff < 0 {
			return op.Satisfy(-1), nil
		}
		return op.Satisfy(1), nil
	}
	cmp, err := basic.Compare(lhs, rhs)
	if err != nil {
		return false, errors.Trace(err)
	}
	return op.Satisfy(cmp), nil
}

// numericOf 数值或数值串（AVG结果）转float64
func numericOf(v basic.Value) (float64, bool) {
	switch v.Type {
	case basic.TypeInt:
		return float64(v.Int), true
	case basic.TypeFloat:
		return float64(v.Float), true
	case basic.TypeString:
		if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Next 实现Executor
func (e *AggExec) Next() (*Row, error) {
	if err := e.build(); err != nil {
		return nil, errors.Trace(err)
	}
	if e.rowIdx >= len(e.results) {
		return nil, nil
	}
	row := e.results[e.rowIdx]
	e.rowIdx++
	return row, nil
}
