package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/analyzer"
	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
)

type fakePages map[string]int32

func (f fakePages) TablePages(name string) int32 { return f[name] }

func testDB() *metadata.DBMeta {
	db := metadata.NewDBMeta("testdb")
	t1 := &metadata.TableMeta{
		Name: "t",
		Cols: []metadata.ColMeta{
			{TabName: "t", Name: "a", Type: basic.TypeInt, Len: 4, Offset: 0},
			{TabName: "t", Name: "b", Type: basic.TypeInt, Len: 4, Offset: 4},
		},
	}
	t1.Indexes = []metadata.IndexMeta{{TabName: "t", Cols: []metadata.ColMeta{t1.Cols[0], t1.Cols[1]}}}
	db.Tables["t"] = t1
	db.Tables["u"] = &metadata.TableMeta{
		Name: "u",
		Cols: []metadata.ColMeta{
			{TabName: "u", Name: "k", Type: basic.TypeInt, Len: 4, Offset: 0},
		},
	}
	return db
}

func newTestPlanner(db *metadata.DBMeta, pages fakePages) *Planner {
	return NewPlanner(func() *metadata.DBMeta { return db }, pages)
}

func analyze(t *testing.T, db *metadata.DBMeta, stmt ast.Stmt) *analyzer.Query {
	q, err := analyzer.NewAnalyzer(db).Analyze(stmt)
	require.NoError(t, err)
	return q
}

func TestPredicatePushdownSplit(t *testing.T) {
	db := testDB()
	p := newTestPlanner(db, fakePages{"t": 1, "u": 2})

	q := analyze(t, db, &ast.SelectStmt{
		Tabs: []string{"t", "u"},
		Conds: []ast.BinaryExpr{
			{
				Lhs: ast.ColRef{TabName: "t", ColName: "a"},
				Op:  basic.OpGt,
				Rhs: ast.Operand{IsVal: true, Val: basic.NewIntValue(0)},
			},
			{
				Lhs: ast.ColRef{TabName: "t", ColName: "a"},
				Op:  basic.OpEq,
				Rhs: ast.Operand{Col: ast.ColRef{TabName: "u", ColName: "k"}},
			},
		},
	})
	pl, err := p.Plan(q)
	require.NoError(t, err)

	join, ok := pl.(*JoinPlan)
	require.True(t, ok)
	require.Len(t, join.Conds, 1)
	assert.False(t, join.Conds[0].IsRhsVal)

	// 单表谓词被下推到t的扫描
	left, ok := join.Left.(*ScanPlan)
	require.True(t, ok)
	assert.Equal(t, "t", left.Table)
	require.Len(t, left.Conds, 1)
	assert.True(t, left.Conds[0].IsRhsVal)
}

func TestGreedyJoinOrderByPages(t *testing.T) {
	db := testDB()
	p := newTestPlanner(db, fakePages{"t": 100, "u": 1})

	q := analyze(t, db, &ast.SelectStmt{
		Tabs: []string{"t", "u"},
		Conds: []ast.BinaryExpr{{
			Lhs: ast.ColRef{TabName: "t", ColName: "a"},
			Op:  basic.OpEq,
			Rhs: ast.Operand{Col: ast.ColRef{TabName: "u", ColName: "k"}},
		}},
	})
	pl, err := p.Plan(q)
	require.NoError(t, err)

	join := pl.(*JoinPlan)
	// 页数少的u作为左侧起点
	assert.Equal(t, "u", join.Left.(*ScanPlan).Table)
	assert.Equal(t, "t", join.Right.(*ScanPlan).Table)
}

func TestLongestPrefixIndexMatch(t *testing.T) {
	db := testDB()
	p := newTestPlanner(db, fakePages{"t": 1})

	// 只约束第二键列：前缀断开，不选索引
	q := analyze(t, db, &ast.SelectStmt{
		Tabs: []string{"t"},
		Conds: []ast.BinaryExpr{{
			Lhs: ast.ColRef{ColName: "b"},
			Op:  basic.OpEq,
			Rhs: ast.Operand{IsVal: true, Val: basic.NewIntValue(1)},
		}},
	})
	pl, err := p.Plan(q)
	require.NoError(t, err)
	assert.Nil(t, pl.(*ScanPlan).Index)

	// 约束首键列：命中索引
	q = analyze(t, db, &ast.SelectStmt{
		Tabs: []string{"t"},
		Conds: []ast.BinaryExpr{{
			Lhs: ast.ColRef{ColName: "a"},
			Op:  basic.OpEq,
			Rhs: ast.Operand{IsVal: true, Val: basic.NewIntValue(1)},
		}},
	})
	pl, err = p.Plan(q)
	require.NoError(t, err)
	assert.NotNil(t, pl.(*ScanPlan).Index)
}

func TestSortMergeKnob(t *testing.T) {
	db := testDB()
	p := newTestPlanner(db, fakePages{"t": 1, "u": 1})

	q := analyze(t, db, &ast.SelectStmt{
		Tabs: []string{"t", "u"},
		Conds: []ast.BinaryExpr{{
			Lhs: ast.ColRef{TabName: "t", ColName: "a"},
			Op:  basic.OpEq,
			Rhs: ast.Operand{Col: ast.ColRef{TabName: "u", ColName: "k"}},
		}},
	})

	pl, _ := p.Plan(q)
	assert.Equal(t, JoinNestLoop, pl.(*JoinPlan).Type)

	require.NoError(t, p.SetKnob("enable_sortmerge", true))
	pl, _ = p.Plan(q)
	assert.Equal(t, JoinSortMerge, pl.(*JoinPlan).Type)

	assert.Error(t, p.SetKnob("enable_hashjoin", true))
}

func TestExplainRendering(t *testing.T) {
	db := testDB()
	p := newTestPlanner(db, fakePages{"t": 1, "u": 2})

	q := analyze(t, db, &ast.SelectStmt{
		Cols: []ast.SelCol{
			{Col: ast.ColRef{TabName: "u", ColName: "k"}},
			{Col: ast.ColRef{TabName: "t", ColName: "a"}},
		},
		Tabs: []string{"t", "u"},
		Conds: []ast.BinaryExpr{{
			Lhs: ast.ColRef{TabName: "t", ColName: "a"},
			Op:  basic.OpEq,
			Rhs: ast.Operand{Col: ast.ColRef{TabName: "u", ColName: "k"}},
		}},
	})
	pl, err := p.Plan(q)
	require.NoError(t, err)
	out := Explain(pl)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	// 括号内列表字典序排序
	assert.Equal(t, "Project(columns=[t.a,u.k])", lines[0])
	assert.Equal(t, "\tJoin(tables=[t,u], condition=[t.a=u.k])", lines[1])
	assert.Equal(t, "\t\tScan(table=t)", lines[2])
	assert.Equal(t, "\t\tScan(table=u)", lines[3])
}

func TestExplainFilterAndValueConds(t *testing.T) {
	db := testDB()
	p := newTestPlanner(db, fakePages{"t": 1})

	q := analyze(t, db, &ast.SelectStmt{
		Tabs: []string{"t"},
		Conds: []ast.BinaryExpr{{
			Lhs: ast.ColRef{ColName: "a"},
			Op:  basic.OpGe,
			Rhs: ast.Operand{IsVal: true, Val: basic.NewIntValue(3)},
		}},
	})
	pl, err := p.Plan(q)
	require.NoError(t, err)
	// 单表条件留在扫描内，树根是IndexScan
	assert.Equal(t, "IndexScan(table=t)\n", Explain(pl))
}
