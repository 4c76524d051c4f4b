// Package analyzer 把语句树校验为Query：
// 列引用消解（含别名替换与歧义检查）、聚合规则检查、字面量类型校正。
package analyzer

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/util"
)

// Analyzer 语义分析器
type Analyzer struct {
	db *metadata.DBMeta
}

// NewAnalyzer 创建语义分析器
func NewAnalyzer(db *metadata.DBMeta) *Analyzer {
	return &Analyzer{db: db}
}

// Analyze 校验语句树并产出Query
func (a *Analyzer) Analyze(stmt ast.Stmt) (*Query, error) {
	q := &Query{Stmt: stmt}
	switch s := stmt.(type) {
	case *ast.SelectStmt:
		return q, errors.Trace(a.analyzeSelect(q, s))
	case *ast.InsertStmt:
		return q, errors.Trace(a.analyzeInsert(q, s))
	case *ast.DeleteStmt:
		return q, errors.Trace(a.analyzeDelete(q, s))
	case *ast.UpdateStmt:
		return q, errors.Trace(a.analyzeUpdate(q, s))
	case *ast.ExplainStmt:
		return q, errors.Trace(a.analyzeSelect(q, s.Query))
	case *ast.CreateIndexStmt:
		return q, errors.Trace(a.checkCols(s.Table, s.Cols))
	case *ast.DropIndexStmt:
		return q, errors.Trace(a.checkCols(s.Table, s.Cols))
	case *ast.DropTableStmt:
		_, err := a.db.Table(s.Name)
		return q, errors.Trace(err)
	case *ast.DescStmt:
		_, err := a.db.Table(s.Table)
		return q, errors.Trace(err)
	case *ast.ShowIndexStmt:
		_, err := a.db.Table(s.Table)
		return q, errors.Trace(err)
	default:
		// DDL建表/事务控制/SET等无需消解
		return q, nil
	}
}

func (a *Analyzer) checkCols(tabName string, cols []string) error {
	tab, err := a.db.Table(tabName)
	if err != nil {
		return errors.Trace(err)
	}
	for _, cn := range cols {
		if _, ok := tab.Col(cn); !ok {
			return errors.Annotatef(common.ErrColumnNotFound, "%s.%s", tabName, cn)
		}
	}
	return nil
}

// resolver 别名替换与未限定列的归属推断
type resolver struct {
	db      *metadata.DBMeta
	tables  []string
	aliases map[string]string // 别名 -> 真名
}

func (r *resolver) realTable(name string) (string, error) {
	if real, ok := r.aliases[name]; ok {
		name = real
	}
	for _, t := range r.tables {
		if t == name {
			return name, nil
		}
	}
	return "", errors.Annotatef(common.ErrTableNotFound, "%s", name)
}

// resolveCol 消解[table.]column：限定名查归属表，未限定名要求唯一匹配
func (r *resolver) resolveCol(ref ast.ColRef) (*metadata.ColMeta, TabCol, error) {
	if ref.TabName != "" {
		tabName, err := r.realTable(ref.TabName)
		if err != nil {
			return nil, TabCol{}, errors.Trace(err)
		}
		tab, err := r.db.Table(tabName)
		if err != nil {
			return nil, TabCol{}, errors.Trace(err)
		}
		col, ok := tab.Col(ref.ColName)
		if !ok {
			return nil, TabCol{}, errors.Annotatef(common.ErrColumnNotFound, "%s.%s", tabName, ref.ColName)
		}
		return col, TabCol{Tab: tabName, Col: ref.ColName}, nil
	}

	var found *metadata.ColMeta
	var foundTab string
	for _, tabName := range r.tables {
		tab, err := r.db.Table(tabName)
		if err != nil {
			return nil, TabCol{}, errors.Trace(err)
		}
		if col, ok := tab.Col(ref.ColName); ok {
			if found != nil {
				return nil, TabCol{}, errors.Annotatef(common.ErrAmbiguousColumn, "%s", ref.ColName)
			}
			found, foundTab = col, tabName
		}
	}
	if found == nil {
		return nil, TabCol{}, errors.Annotatef(common.ErrColumnNotFound, "%s", ref.ColName)
	}
	return found, TabCol{Tab: foundTab, Col: ref.ColName}, nil
}

func (a *Analyzer) analyzeSelect(q *Query, s *ast.SelectStmt) error {
	r := &resolver{db: a.db, tables: nil, aliases: make(map[string]string)}
	for i, tabName := range s.Tabs {
		if _, err := a.db.Table(tabName); err != nil {
			return errors.Trace(err)
		}
		r.tables = append(r.tables, tabName)
		if i < len(s.TabAliases) && s.TabAliases[i] != "" {
			r.aliases[s.TabAliases[i]] = tabName
		}
	}
	q.Tables = r.tables

	// 投影：SELECT * 展开为全部可见列
	if len(s.Cols) == 0 {
		for _, tabName := range r.tables {
			tab, _ := a.db.Table(tabName)
			for _, c := range tab.VisibleCols() {
				q.SelCols = append(q.SelCols, TabCol{Tab: tabName, Col: c.Name})
			}
		}
	} else {
		for _, sc := range s.Cols {
			if sc.Star {
				if sc.Agg != ast.AggCount {
					return errors.Annotatef(common.ErrInvalidAggregate, "%s(*)", sc.Agg)
				}
				q.SelCols = append(q.SelCols, TabCol{Agg: sc.Agg, Star: true})
				continue
			}
			col, tc, err := r.resolveCol(sc.Col)
			if err != nil {
				return errors.Trace(err)
			}
			tc.Agg = sc.Agg
			if err := checkAggType(sc.Agg, col.Type); err != nil {
				return errors.Trace(err)
			}
			q.SelCols = append(q.SelCols, tc)
		}
	}

	var err error
	q.Conds, err = a.resolveConds(r, s.Conds, false)
	if err != nil {
		return errors.Trace(err)
	}

	for _, g := range s.GroupBy {
		_, tc, err := r.resolveCol(g)
		if err != nil {
			return errors.Trace(err)
		}
		q.GroupBy = append(q.GroupBy, tc)
	}

	// 聚合规则：未分组的非聚合投影列非法；HAVING必须伴随GROUP BY
	hasAgg := q.HasAggregate()
	if len(q.GroupBy) > 0 {
		for _, sc := range q.SelCols {
			if sc.Agg == ast.AggNone && !inGroupBy(q.GroupBy, sc) {
				return errors.Annotatef(common.ErrInvalidAggregate, "column %s.%s not grouped", sc.Tab, sc.Col)
			}
		}
	} else if hasAgg {
		for _, sc := range q.SelCols {
			if sc.Agg == ast.AggNone {
				return errors.Annotatef(common.ErrInvalidAggregate, "column %s.%s not aggregated", sc.Tab, sc.Col)
			}
		}
	}
	if len(s.Having) > 0 {
		if len(q.GroupBy) == 0 {
			return errors.Annotatef(common.ErrInvalidAggregate, "HAVING requires GROUP BY")
		}
		q.Having, err = a.resolveConds(r, s.Having, true)
		if err != nil {
			return errors.Trace(err)
		}
	}

	for _, o := range s.OrderBy {
		if o.Agg != ast.AggNone && len(q.GroupBy) == 0 {
			// 无分组时不接受按聚合结果排序
			return errors.Annotatef(common.ErrInvalidAggregate, "ORDER BY %s without GROUP BY", o.Agg)
		}
		_, tc, err := r.resolveCol(o.Col)
		if err != nil {
			return errors.Trace(err)
		}
		tc.Agg = o.Agg
		q.OrderBy = append(q.OrderBy, OrderItem{Col: tc, Desc: o.Desc})
	}

	if s.HasLimit {
		if len(q.OrderBy) == 0 {
			return errors.Annotatef(common.ErrInvalidAggregate, "LIMIT requires ORDER BY")
		}
		q.HasLimit = true
		q.Limit = s.Limit
	}
	return nil
}

func inGroupBy(groupBy []TabCol, sc TabCol) bool {
	for _, g := range groupBy {
		if g.Tab == sc.Tab && g.Col == sc.Col {
			return true
		}
	}
	return false
}

// checkAggType SUM/AVG只接受数值列
func checkAggType(agg ast.AggType, t basic.ColType) error {
	if agg == ast.AggSum || agg == ast.AggAvg {
		if t != basic.TypeInt && t != basic.TypeFloat {
			return errors.Annotatef(common.ErrInvalidAggregate, "%s on %s", agg, t)
		}
	}
	return nil
}

func (a *Analyzer) resolveConds(r *resolver, exprs []ast.BinaryExpr, having bool) ([]Condition, error) {
	var out []Condition
	for _, e := range exprs {
		var cond Condition
		cond.Op = e.Op

		if having && e.Lhs.ColName == "" && e.LhsAgg == ast.AggCount {
			// HAVING COUNT(*)
			cond.Lhs = TabCol{Agg: ast.AggCount, Star: true}
		} else {
			col, tc, err := r.resolveCol(e.Lhs)
			if err != nil {
				return nil, errors.Trace(err)
			}
			tc.Agg = e.LhsAgg
			if err := checkAggType(e.LhsAgg, col.Type); err != nil {
				return nil, errors.Trace(err)
			}
			if e.LhsAgg != ast.AggNone && !having {
				return nil, errors.Annotatef(common.ErrInvalidAggregate, "aggregate in WHERE")
			}
			cond.Lhs = tc
			cond.LhsCol = col
		}

		if e.Rhs.IsVal {
			cond.IsRhsVal = true
			if cond.LhsCol != nil && cond.Lhs.Agg == ast.AggNone {
				v, err := coerceValue(cond.LhsCol, e.Rhs.Val)
				if err != nil {
					return nil, errors.Trace(err)
				}
				cond.RhsVal = v
			} else {
				cond.RhsVal = e.Rhs.Val
			}
		} else {
			col, tc, err := r.resolveCol(e.Rhs.Col)
			if err != nil {
				return nil, errors.Trace(err)
			}
			tc.Agg = e.Rhs.Agg
			cond.Rhs = tc
			cond.RhsCol = col
			if cond.LhsCol != nil && !comparableTypes(cond.LhsCol.Type, col.Type) {
				return nil, errors.Annotatef(common.ErrIncompatibleType, "%s vs %s", cond.LhsCol.Type, col.Type)
			}
		}
		out = append(out, cond)
	}
	return out, nil
}

func comparableTypes(a, b basic.ColType) bool {
	if a == b {
		return true
	}
	numeric := func(t basic.ColType) bool { return t == basic.TypeInt || t == basic.TypeFloat }
	return numeric(a) && numeric(b)
}

// coerceValue 字面量向列类型校正：数值提升、定长检查、日期格式校验
func coerceValue(col *metadata.ColMeta, v basic.Value) (basic.Value, error) {
	switch col.Type {
	case basic.TypeInt:
		if v.Type == basic.TypeInt {
			return v, nil
		}
		if v.Type == basic.TypeFloat {
			// 比较场景下交叉类型走FLOAT路径，保留原值
			return v, nil
		}
	case basic.TypeFloat:
		if v.Type == basic.TypeFloat {
			return v, nil
		}
		if v.Type == basic.TypeInt {
			return basic.NewFloatValue(float32(v.Int)), nil
		}
	case basic.TypeString:
		if v.Type == basic.TypeString {
			if int32(len(v.Str)) > col.Len {
				return v, errors.Annotatef(common.ErrStringOverflow, "%q exceeds CHAR(%d)", v.Str, col.Len)
			}
			return v, nil
		}
	case basic.TypeDatetime:
		if v.Type == basic.TypeString || v.Type == basic.TypeDatetime {
			if !util.ValidDatetime(v.Str) {
				return v, errors.Annotatef(common.ErrInvalidDatetimeFormat, "%q", v.Str)
			}
			return basic.NewDatetimeValue(v.Str), nil
		}
	}
	return v, errors.Annotatef(common.ErrIncompatibleType, "%s value for %s column", v.Type, col.Type)
}

func (a *Analyzer) analyzeInsert(q *Query, s *ast.InsertStmt) error {
	tab, err := a.db.Table(s.Table)
	if err != nil {
		return errors.Trace(err)
	}
	q.Tables = []string{s.Table}

	cols := tab.VisibleCols()
	if len(s.Values) != len(cols) {
		return errors.Annotatef(common.ErrInvalidValueCount, "%d values for %d columns", len(s.Values), len(cols))
	}
	for i, v := range s.Values {
		cv, err := coerceValue(&cols[i], v)
		if err != nil {
			return errors.Trace(err)
		}
		// INSERT要求数值精确匹配：FLOAT字面量不落INT列
		if cols[i].Type == basic.TypeInt && cv.Type != basic.TypeInt {
			return errors.Annotatef(common.ErrIncompatibleType, "FLOAT value for INT column %s", cols[i].Name)
		}
		q.Values = append(q.Values, cv)
	}
	return nil
}

func (a *Analyzer) analyzeDelete(q *Query, s *ast.DeleteStmt) error {
	if _, err := a.db.Table(s.Table); err != nil {
		return errors.Trace(err)
	}
	q.Tables = []string{s.Table}
	r := &resolver{db: a.db, tables: q.Tables, aliases: map[string]string{}}
	var err error
	q.Conds, err = a.resolveConds(r, s.Conds, false)
	return errors.Trace(err)
}

func (a *Analyzer) analyzeUpdate(q *Query, s *ast.UpdateStmt) error {
	tab, err := a.db.Table(s.Table)
	if err != nil {
		return errors.Trace(err)
	}
	q.Tables = []string{s.Table}
	r := &resolver{db: a.db, tables: q.Tables, aliases: map[string]string{}}

	for _, set := range s.Sets {
		col, ok := tab.Col(set.ColName)
		if !ok {
			return errors.Annotatef(common.ErrColumnNotFound, "%s.%s", s.Table, set.ColName)
		}
		cv, err := coerceValue(col, set.Val)
		if err != nil {
			return errors.Trace(err)
		}
		if col.Type == basic.TypeInt && cv.Type != basic.TypeInt {
			return errors.Annotatef(common.ErrIncompatibleType, "FLOAT value for INT column %s", col.Name)
		}
		q.Sets = append(q.Sets, ResolvedSet{Col: col, Val: cv})
	}

	q.Conds, err = a.resolveConds(r, s.Conds, false)
	return errors.Trace(err)
}
