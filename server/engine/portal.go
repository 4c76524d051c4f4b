package engine

import (
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/plan"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
)

// Portal 物理计划实例化：把计划树落成执行器树并驱动执行
type Portal struct {
	sm      *manager.SchemaManager
	tm      *manager.TransactionManager
	planner *plan.Planner
	pool    *bufferpool.BufferPool
}

// NewPortal 创建Portal
func NewPortal(sm *manager.SchemaManager, tm *manager.TransactionManager, planner *plan.Planner, pool *bufferpool.BufferPool) *Portal {
	return &Portal{sm: sm, tm: tm, planner: planner, pool: pool}
}

// Build 计划节点递归实例化为执行器
func (p *Portal) Build(pl plan.Plan, ctx *ExecContext) (Executor, error) {
	switch n := pl.(type) {
	case *plan.ScanPlan:
		if n.Index != nil {
			return NewIndexScanExec(ctx, n.Table, n.Index, n.Conds)
		}
		return NewSeqScanExec(ctx, n.Table, n.Conds)

	case *plan.FilterPlan:
		child, err := p.Build(n.Child, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewFilterExec(child, n.Conds), nil

	case *plan.ProjectionPlan:
		child, err := p.Build(n.Child, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewProjectionExec(child, n.Cols)

	case *plan.JoinPlan:
		left, err := p.Build(n.Left, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		right, err := p.Build(n.Right, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch n.Type {
		case plan.JoinSortMerge:
			left, right, err = p.sortForMerge(ctx, left, right, n.Conds)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return NewMergeJoinExec(left, right, n.Conds)
		case plan.JoinSemi:
			return NewSemiJoinExec(left, right, n.Conds), nil
		default:
			blockSize := 16
			if ctx.Cfg != nil && ctx.Cfg.JoinBlockSize > 0 {
				blockSize = ctx.Cfg.JoinBlockSize
			}
			return NewNestedLoopJoinExec(left, right, n.Conds, blockSize), nil
		}

	case *plan.SortPlan:
		child, err := p.Build(n.Child, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewSortExec(ctx, child, n.Items, n.HasLimit, n.Limit), nil

	case *plan.AggPlan:
		child, err := p.Build(n.Child, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return NewAggExec(child, n.SelCols, n.GroupBy, n.Having)

	default:
		return nil, errors.Annotatef(common.ErrInternal, "unexpected plan node %T", pl)
	}
}

// sortForMerge 归并连接前把两侧按等值键排序
func (p *Portal) sortForMerge(ctx *ExecContext, left, right Executor, conds []analyzer.Condition) (Executor, Executor, error) {
	var eq *analyzer.Condition
	for i := range conds {
		if conds[i].Op == basic.OpEq && !conds[i].IsRhsVal {
			eq = &conds[i]
			break
		}
	}
	if eq == nil {
		return left, right, nil
	}
	lCol, rCol := eq.Lhs, eq.Rhs
	if _, err := findCol(left.Schema(), lCol); err != nil {
		lCol, rCol = rCol, lCol
	}
	left = NewSortExec(ctx, left, []analyzer.OrderItem{{Col: lCol}}, false, 0)
	right = NewSortExec(ctx, right, []analyzer.OrderItem{{Col: rCol}}, false, 0)
	return left, right, nil
}

// Run 执行一个计划并收集结果
func (p *Portal) Run(pl plan.Plan, ctx *ExecContext) (*ResultSet, error) {
	switch n := pl.(type) {
	case *plan.DDLPlan:
		return p.runDDL(n.Stmt)
	case *plan.CommandPlan:
		return p.runCommand(n.Stmt)
	case *plan.ExplainPlan:
		return &ResultSet{Raw: plan.Explain(n.Child)}, nil

	case *plan.InsertPlan:
		exec := NewInsertExec(ctx, n.Table, n.Query.Values)
		if _, err := exec.Next(); err != nil {
			return nil, errors.Trace(err)
		}
		return &ResultSet{Affected: 1}, nil

	case *plan.DeletePlan:
		child, err := p.Build(n.Child, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		exec := NewDeleteExec(ctx, n.Table, child)
		if _, err := exec.Next(); err != nil {
			return nil, errors.Trace(err)
		}
		return &ResultSet{Affected: exec.Affected()}, nil

	case *plan.UpdatePlan:
		child, err := p.Build(n.Child, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		exec := NewUpdateExec(ctx, n.Table, n.Sets, child)
		if _, err := exec.Next(); err != nil {
			return nil, errors.Trace(err)
		}
		return &ResultSet{Affected: exec.Affected()}, nil

	default:
		exec, err := p.Build(pl, ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rs := &ResultSet{ColNames: colNamesOf(exec.Schema())}
		for {
			row, err := exec.Next()
			if err != nil {
				return nil, errors.Trace(err)
			}
			if row == nil {
				return rs, nil
			}
			rs.Cells = append(rs.Cells, materializeRow(exec.Schema(), row))
		}
	}
}

func (p *Portal) runDDL(stmt ast.Stmt) (*ResultSet, error) {
	switch s := stmt.(type) {
	case *ast.CreateTableStmt:
		defs := make([]manager.ColDef, len(s.Cols))
		for i, c := range s.Cols {
			defs[i] = manager.ColDef{Name: c.Name, Type: c.Type, Len: c.Len}
		}
		return &ResultSet{}, errors.Trace(p.sm.CreateTable(s.Name, defs))
	case *ast.DropTableStmt:
		return &ResultSet{}, errors.Trace(p.sm.DropTable(s.Name))
	case *ast.CreateIndexStmt:
		return &ResultSet{}, errors.Trace(p.sm.CreateIndex(s.Table, s.Cols))
	case *ast.DropIndexStmt:
		return &ResultSet{}, errors.Trace(p.sm.DropIndex(s.Table, s.Cols))
	}
	return nil, errors.Annotatef(common.ErrInternal, "unexpected ddl %T", stmt)
}

func (p *Portal) runCommand(stmt ast.Stmt) (*ResultSet, error) {
	switch s := stmt.(type) {
	case *ast.ShowTablesStmt:
		rs := &ResultSet{ColNames: []string{"Tables"}}
		for name := range p.sm.DB().Tables {
			rs.Cells = append(rs.Cells, []string{name})
		}
		sortCells(rs.Cells)
		return rs, nil

	case *ast.DescStmt:
		tab, err := p.sm.DB().Table(s.Table)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rs := &ResultSet{ColNames: []string{"Field", "Type", "Index"}}
		for _, c := range tab.VisibleCols() {
			indexed := "NO"
			for i := range tab.Indexes {
				if tab.Indexes[i].Cols[0].Name == c.Name {
					indexed = "YES"
					break
				}
			}
			typeName := c.Type.String()
			if c.Type == basic.TypeString {
				typeName = fmt.Sprintf("CHAR(%d)", c.Len)
			}
			rs.Cells = append(rs.Cells, []string{c.Name, typeName, indexed})
		}
		return rs, nil

	case *ast.ShowIndexStmt:
		tab, err := p.sm.DB().Table(s.Table)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rs := &ResultSet{ColNames: []string{"Table", "Columns"}}
		for i := range tab.Indexes {
			rs.Cells = append(rs.Cells, []string{s.Table, "(" + strings.Join(tab.Indexes[i].ColNames(), ",") + ")"})
		}
		return rs, nil

	case *ast.SetKnobStmt:
		return &ResultSet{}, errors.Trace(p.planner.SetKnob(s.Name, s.Value))

	case *ast.CheckpointStmt:
		err := p.tm.LogManager().Checkpoint(p.tm.ActiveTxnIDs(), p.pool.ForceFlushAllPages)
		return &ResultSet{}, errors.Trace(err)
	}
	return nil, errors.Annotatef(common.ErrInternal, "unexpected command %T", stmt)
}

func sortCells(cells [][]string) {
	for i := 1; i < len(cells); i++ {
		for j := i; j > 0 && cells[j][0] < cells[j-1][0]; j-- {
			cells[j], cells[j-1] = cells[j-1], cells[j]
		}
	}
}
