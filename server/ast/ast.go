// Package ast 定义经语法分析产出的语句树节点。
// 词法/语法分析器位于内核之外，语义分析器消费这里的结构。
package ast

import (
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// Stmt 语句节点
type Stmt interface {
	stmtNode()
}

// AggType 聚合函数类型
type AggType int

const (
	AggNone AggType = iota
	AggCount
	AggSum
	AggMax
	AggMin
	AggAvg
)

// String 聚合函数名
func (a AggType) String() string {
	switch a {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMax:
		return "MAX"
	case AggMin:
		return "MIN"
	case AggAvg:
		return "AVG"
	}
	return ""
}

// ColRef 列引用[table.]column，表名可省略
type ColRef struct {
	TabName string
	ColName string
}

// SelCol 投影列，可叠加聚合；Star表示COUNT(*)
type SelCol struct {
	Col  ColRef
	Agg  AggType
	Star bool
}

// Operand 条件右操作数：字面量或列引用
type Operand struct {
	IsVal bool
	Val   basic.Value
	Col   ColRef
	Agg   AggType
}

// BinaryExpr 比较条件
type BinaryExpr struct {
	Lhs    ColRef
	LhsAgg AggType
	Op     basic.CompOp
	Rhs    Operand
}

// OrderItem ORDER BY的一项
type OrderItem struct {
	Col  ColRef
	Agg  AggType
	Desc bool
}

// ColDef 建表列定义
type ColDef struct {
	Name string
	Type basic.ColType
	Len  int32
}

// CreateTableStmt CREATE TABLE
type CreateTableStmt struct {
	Name string
	Cols []ColDef
}

// DropTableStmt DROP TABLE
type DropTableStmt struct {
	Name string
}

// CreateIndexStmt CREATE INDEX
type CreateIndexStmt struct {
	Table string
	Cols  []string
}

// DropIndexStmt DROP INDEX
type DropIndexStmt struct {
	Table string
	Cols  []string
}

// ShowIndexStmt SHOW INDEX FROM
type ShowIndexStmt struct {
	Table string
}

// ShowTablesStmt SHOW TABLES
type ShowTablesStmt struct{}

// DescStmt DESC table
type DescStmt struct {
	Table string
}

// InsertStmt INSERT INTO ... VALUES
type InsertStmt struct {
	Table  string
	Values []basic.Value
}

// DeleteStmt DELETE FROM ... WHERE
type DeleteStmt struct {
	Table string
	Conds []BinaryExpr
}

// SetClause UPDATE的赋值项
type SetClause struct {
	ColName string
	Val     basic.Value
}

// UpdateStmt UPDATE ... SET ... WHERE
type UpdateStmt struct {
	Table string
	Sets  []SetClause
	Conds []BinaryExpr
}

// SelectStmt SELECT查询
type SelectStmt struct {
	Cols       []SelCol
	Tabs       []string
	TabAliases []string
	Conds      []BinaryExpr
	GroupBy    []ColRef
	Having     []BinaryExpr
	OrderBy    []OrderItem
	HasLimit   bool
	Limit      int
}

// BeginStmt BEGIN
type BeginStmt struct{}

// CommitStmt COMMIT
type CommitStmt struct{}

// AbortStmt ABORT/ROLLBACK
type AbortStmt struct{}

// SetKnobStmt SET enable_nestloop|enable_sortmerge
type SetKnobStmt struct {
	Name  string
	Value bool
}

// ExplainStmt EXPLAIN
type ExplainStmt struct {
	Query *SelectStmt
}

// CheckpointStmt CREATE STATIC_CHECKPOINT
type CheckpointStmt struct{}

func (*CreateTableStmt) stmtNode() {}
func (*DropTableStmt) stmtNode()   {}
func (*CreateIndexStmt) stmtNode() {}
func (*DropIndexStmt) stmtNode()   {}
func (*ShowIndexStmt) stmtNode()   {}
func (*ShowTablesStmt) stmtNode()  {}
func (*DescStmt) stmtNode()        {}
func (*InsertStmt) stmtNode()      {}
func (*DeleteStmt) stmtNode()      {}
func (*UpdateStmt) stmtNode()      {}
func (*SelectStmt) stmtNode()      {}
func (*BeginStmt) stmtNode()       {}
func (*CommitStmt) stmtNode()      {}
func (*AbortStmt) stmtNode()       {}
func (*SetKnobStmt) stmtNode()     {}
func (*ExplainStmt) stmtNode()     {}
func (*CheckpointStmt) stmtNode()  {}
