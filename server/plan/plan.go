// Package plan 定义物理计划节点与基于规则的规划器。
package plan

import (
	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
)

// Plan 物理计划节点
type Plan interface {
	planNode()
}

// ScanPlan 表扫描；Index非空时走索引扫描
type ScanPlan struct {
	Table string
	Conds []analyzer.Condition
	Index *metadata.IndexMeta
}

// JoinType 连接算法
type JoinType int

const (
	JoinNestLoop JoinType = iota
	JoinSortMerge
	JoinSemi
)

// JoinPlan 连接节点，左深树
type JoinPlan struct {
	Left  Plan
	Right Plan
	Conds []analyzer.Condition
	Type  JoinType
}

// FilterPlan 残余谓词过滤
type FilterPlan struct {
	Child Plan
	Conds []analyzer.Condition
}

// ProjectionPlan 列重排/裁剪
type ProjectionPlan struct {
	Child Plan
	Cols  []analyzer.TabCol
}

// SortPlan 排序，可携带LIMIT
type SortPlan struct {
	Child    Plan
	Items    []analyzer.OrderItem
	HasLimit bool
	Limit    int
}

// AggPlan 哈希分组聚合
type AggPlan struct {
	Child   Plan
	SelCols []analyzer.TabCol
	GroupBy []analyzer.TabCol
	Having  []analyzer.Condition
}

// InsertPlan 插入
type InsertPlan struct {
	Table string
	Query *analyzer.Query
}

// DeletePlan 删除，Child产出待删行
type DeletePlan struct {
	Table string
	Child Plan
}

// UpdatePlan 更新，Child产出待改行
type UpdatePlan struct {
	Table string
	Sets  []analyzer.ResolvedSet
	Child Plan
}

// DDLPlan 建删表/索引等目录操作
type DDLPlan struct {
	Stmt ast.Stmt
}

// CommandPlan SHOW/DESC/SET/事务控制/检查点
type CommandPlan struct {
	Stmt ast.Stmt
}

// ExplainPlan EXPLAIN包装
type ExplainPlan struct {
	Query *analyzer.Query
	Child Plan
}

func (*ScanPlan) planNode()       {}
func (*JoinPlan) planNode()       {}
func (*FilterPlan) planNode()     {}
func (*ProjectionPlan) planNode() {}
func (*SortPlan) planNode()       {}
func (*AggPlan) planNode()        {}
func (*InsertPlan) planNode()     {}
func (*DeletePlan) planNode()     {}
func (*UpdatePlan) planNode()     {}
func (*DDLPlan) planNode()        {}
func (*CommandPlan) planNode()    {}
func (*ExplainPlan) planNode()    {}
