package analyzer

import (
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
)

// TabCol 解析后的列引用，表名已去别名
type TabCol struct {
	Tab  string
	Col  string
	Agg  ast.AggType
	Star bool
}

// Condition 解析后的比较条件
type Condition struct {
	Lhs      TabCol
	LhsCol   *metadata.ColMeta // 聚合/星号时为nil
	Op       basic.CompOp
	IsRhsVal bool
	RhsVal   basic.Value
	Rhs      TabCol
	RhsCol   *metadata.ColMeta
}

// OrderItem 解析后的排序项
type OrderItem struct {
	Col  TabCol
	Desc bool
}

// ResolvedSet UPDATE赋值项，值已按列类型校正
type ResolvedSet struct {
	Col *metadata.ColMeta
	Val basic.Value
}

// Query 语义分析产物，规划器的输入
type Query struct {
	Stmt ast.Stmt

	Tables  []string
	SelCols []TabCol
	Conds   []Condition
	GroupBy []TabCol
	Having  []Condition
	OrderBy []OrderItem

	HasLimit bool
	Limit    int

	Values []basic.Value
	Sets   []ResolvedSet
}

// HasAggregate 投影中是否含聚合
func (q *Query) HasAggregate() bool {
	for _, c := range q.SelCols {
		if c.Agg != ast.AggNone {
			return true
		}
	}
	return false
}
