package plan

import (
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
)

// PageCounter 基数估计来源：表的页数
type PageCounter interface {
	TablePages(name string) int32
}

// Planner 基于规则的规划器。
// 流水线：谓词归类（单表下推/跨表连接）→ 物理构造（索引最长前缀匹配、
// 按页数贪心连接序）→ 聚合/排序/投影装饰。
// enable_nestloop/enable_sortmerge开关封装于此，无全局状态。
type Planner struct {
	mu    sync.Mutex
	db    func() *metadata.DBMeta
	pages PageCounter

	enableNestLoop  bool
	enableSortMerge bool
}

// NewPlanner 创建规划器
func NewPlanner(db func() *metadata.DBMeta, pages PageCounter) *Planner {
	return &Planner{db: db, pages: pages, enableNestLoop: true, enableSortMerge: false}
}

// SetKnob 设置连接算法开关
func (p *Planner) SetKnob(name string, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case "enable_nestloop":
		p.enableNestLoop = value
	case "enable_sortmerge":
		p.enableSortMerge = value
	default:
		return errors.Annotatef(common.ErrInternal, "unknown knob %s", name)
	}
	return nil
}

func (p *Planner) knobs() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableNestLoop, p.enableSortMerge
}

// Plan 由Query产出物理计划
func (p *Planner) Plan(q *analyzer.Query) (Plan, error) {
	switch s := q.Stmt.(type) {
	case *ast.SelectStmt:
		return p.planSelect(q, s)
	case *ast.InsertStmt:
		return &InsertPlan{Table: s.Table, Query: q}, nil
	case *ast.DeleteStmt:
		scan := p.planScan(s.Table, q.Conds)
		return &DeletePlan{Table: s.Table, Child: scan}, nil
	case *ast.UpdateStmt:
		scan := p.planScan(s.Table, q.Conds)
		return &UpdatePlan{Table: s.Table, Sets: q.Sets, Child: scan}, nil
	case *ast.ExplainStmt:
		child, err := p.planSelect(q, s.Query)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &ExplainPlan{Query: q, Child: child}, nil
	case *ast.CreateTableStmt, *ast.DropTableStmt, *ast.CreateIndexStmt, *ast.DropIndexStmt:
		return &DDLPlan{Stmt: q.Stmt}, nil
	default:
		return &CommandPlan{Stmt: q.Stmt}, nil
	}
}

// condTables 条件涉及的表集合
func condTables(c *analyzer.Condition) []string {
	if c.IsRhsVal {
		return []string{c.Lhs.Tab}
	}
	if c.Lhs.Tab == c.Rhs.Tab {
		return []string{c.Lhs.Tab}
	}
	return []string{c.Lhs.Tab, c.Rhs.Tab}
}

func (p *Planner) planSelect(q *analyzer.Query, s *ast.SelectStmt) (Plan, error) {
	// 逻辑归类：单表谓词下推到扫描，跨表谓词留作连接条件
	pushdown := make(map[string][]analyzer.Condition)
	var joinConds []analyzer.Condition
	for _, c := range q.Conds {
		tabs := condTables(&c)
		if len(tabs) == 1 {
			pushdown[tabs[0]] = append(pushdown[tabs[0]], c)
		} else {
			joinConds = append(joinConds, c)
		}
	}

	// 连接序：页数估计升序贪心
	tables := append([]string(nil), q.Tables...)
	sort.SliceStable(tables, func(i, j int) bool {
		return p.pages.TablePages(tables[i]) < p.pages.TablePages(tables[j])
	})

	var root Plan = p.planScan(tables[0], pushdown[tables[0]])
	joined := map[string]bool{tables[0]: true}
	remaining := tables[1:]

	for len(remaining) > 0 {
		// 优先挑与已连接集合有连接谓词的表
		pick := -1
		for i, t := range remaining {
			if hasJoinCondWith(joinConds, joined, t) {
				pick = i
				break
			}
		}
		if pick < 0 {
			pick = 0
		}
		t := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)

		var myConds, rest []analyzer.Condition
		for _, c := range joinConds {
			if joinCondBetween(&c, joined, t) {
				myConds = append(myConds, c)
			} else {
				rest = append(rest, c)
			}
		}
		joinConds = rest

		right := p.planScan(t, pushdown[t])
		root = p.buildJoin(root, right, myConds)
		joined[t] = true
	}

	// 未消化的跨表谓词包一层Filter
	if len(joinConds) > 0 {
		root = &FilterPlan{Child: root, Conds: joinConds}
	}

	isSelectStar := len(s.Cols) == 0
	if len(q.GroupBy) > 0 || q.HasAggregate() {
		root = &AggPlan{Child: root, SelCols: q.SelCols, GroupBy: q.GroupBy, Having: q.Having}
	}
	if len(q.OrderBy) > 0 {
		root = &SortPlan{Child: root, Items: q.OrderBy, HasLimit: q.HasLimit, Limit: q.Limit}
	}
	if !isSelectStar && len(q.GroupBy) == 0 && !q.HasAggregate() {
		root = &ProjectionPlan{Child: root, Cols: q.SelCols}
	}
	return root, nil
}

func hasJoinCondWith(conds []analyzer.Condition, joined map[string]bool, t string) bool {
	for _, c := range conds {
		if joinCondBetween(&c, joined, t) {
			return true
		}
	}
	return false
}

// joinCondBetween 谓词恰好横跨已连接集合与新表t
func joinCondBetween(c *analyzer.Condition, joined map[string]bool, t string) bool {
	if c.IsRhsVal {
		return false
	}
	l, r := c.Lhs.Tab, c.Rhs.Tab
	return (joined[l] && r == t) || (joined[r] && l == t)
}

// buildJoin 依据开关选择连接算法：等值条件+sortmerge开启走归并
func (p *Planner) buildJoin(left, right Plan, conds []analyzer.Condition) Plan {
	nestloop, sortmerge := p.knobs()
	if sortmerge && hasEquiCond(conds) {
		return &JoinPlan{Left: left, Right: right, Conds: conds, Type: JoinSortMerge}
	}
	_ = nestloop
	return &JoinPlan{Left: left, Right: right, Conds: conds, Type: JoinNestLoop}
}

func hasEquiCond(conds []analyzer.Condition) bool {
	for _, c := range conds {
		if c.Op == basic.OpEq && !c.IsRhsVal {
			return true
		}
	}
	return false
}

// planScan 单表扫描：最长前缀匹配选索引，残余谓词留在扫描内过滤
func (p *Planner) planScan(table string, conds []analyzer.Condition) *ScanPlan {
	scan := &ScanPlan{Table: table, Conds: conds}
	tab, err := p.db().Table(table)
	if err != nil {
		return scan
	}

	// 各列上的可下推谓词（列 op 常量）
	condCols := make(map[string]bool)
	for _, c := range conds {
		if c.IsRhsVal && c.Lhs.Agg == ast.AggNone {
			condCols[c.Lhs.Col] = true
		}
	}

	bestLen := 0
	for i := range tab.Indexes {
		ix := &tab.Indexes[i]
		prefix := 0
		for _, kc := range ix.Cols {
			if !condCols[kc.Name] {
				break
			}
			prefix++
		}
		if prefix > bestLen {
			bestLen = prefix
			scan.Index = ix
		}
	}
	return scan
}
