package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
)

func testDB() *metadata.DBMeta {
	db := metadata.NewDBMeta("testdb")
	db.Tables["t"] = &metadata.TableMeta{
		Name: "t",
		Cols: []metadata.ColMeta{
			{TabName: "t", Name: "a", Type: basic.TypeInt, Len: 4, Offset: 0},
			{TabName: "t", Name: "b", Type: basic.TypeString, Len: 4, Offset: 4},
			{TabName: "t", Name: "d", Type: basic.TypeDatetime, Len: 19, Offset: 8},
		},
	}
	db.Tables["u"] = &metadata.TableMeta{
		Name: "u",
		Cols: []metadata.ColMeta{
			{TabName: "u", Name: "a", Type: basic.TypeInt, Len: 4, Offset: 0},
			{TabName: "u", Name: "k", Type: basic.TypeFloat, Len: 4, Offset: 4},
		},
	}
	return db
}

func TestResolveUnqualifiedColumn(t *testing.T) {
	a := NewAnalyzer(testDB())
	q, err := a.Analyze(&ast.SelectStmt{
		Cols: []ast.SelCol{{Col: ast.ColRef{ColName: "b"}}},
		Tabs: []string{"t"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t", q.SelCols[0].Tab)
}

func TestAmbiguousColumnRejected(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.SelectStmt{
		Cols: []ast.SelCol{{Col: ast.ColRef{ColName: "a"}}},
		Tabs: []string{"t", "u"},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrAmbiguousColumn, errors.Cause(err))
}

func TestColumnNotFound(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.SelectStmt{
		Cols: []ast.SelCol{{Col: ast.ColRef{ColName: "nope"}}},
		Tabs: []string{"t"},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrColumnNotFound, errors.Cause(err))
}

func TestAliasSubstitution(t *testing.T) {
	a := NewAnalyzer(testDB())
	q, err := a.Analyze(&ast.SelectStmt{
		Cols:       []ast.SelCol{{Col: ast.ColRef{TabName: "x", ColName: "b"}}},
		Tabs:       []string{"t"},
		TabAliases: []string{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "t", q.SelCols[0].Tab)
}

func TestInsertValueCountMismatch(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.InsertStmt{
		Table:  "t",
		Values: []basic.Value{basic.NewIntValue(1)},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidValueCount, errors.Cause(err))
}

func TestInsertCoercion(t *testing.T) {
	a := NewAnalyzer(testDB())

	// INT字面量落FLOAT列提升
	q, err := a.Analyze(&ast.InsertStmt{
		Table:  "u",
		Values: []basic.Value{basic.NewIntValue(1), basic.NewIntValue(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, basic.TypeFloat, q.Values[1].Type)

	// FLOAT字面量不落INT列
	_, err = a.Analyze(&ast.InsertStmt{
		Table:  "u",
		Values: []basic.Value{basic.NewFloatValue(1.5), basic.NewFloatValue(2)},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrIncompatibleType, errors.Cause(err))
}

func TestStringOverflowRejected(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.InsertStmt{
		Table: "t",
		Values: []basic.Value{
			basic.NewIntValue(1),
			basic.NewStringValue("too long"),
			basic.NewStringValue("2024-01-01 00:00:00"),
		},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrStringOverflow, errors.Cause(err))
}

func TestDatetimeValidation(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.InsertStmt{
		Table: "t",
		Values: []basic.Value{
			basic.NewIntValue(1),
			basic.NewStringValue("ok"),
			basic.NewStringValue("bad datetime value"),
		},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidDatetimeFormat, errors.Cause(err))
}

func TestGroupByRules(t *testing.T) {
	a := NewAnalyzer(testDB())

	// 非分组非聚合投影列非法
	_, err := a.Analyze(&ast.SelectStmt{
		Cols: []ast.SelCol{
			{Col: ast.ColRef{ColName: "b"}},
			{Agg: ast.AggCount, Star: true},
		},
		Tabs:    []string{"t"},
		GroupBy: []ast.ColRef{{ColName: "a"}},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidAggregate, errors.Cause(err))

	// HAVING缺少GROUP BY非法
	_, err = a.Analyze(&ast.SelectStmt{
		Cols: []ast.SelCol{{Agg: ast.AggCount, Star: true}},
		Tabs: []string{"t"},
		Having: []ast.BinaryExpr{{
			LhsAgg: ast.AggCount,
			Op:     basic.OpGt,
			Rhs:    ast.Operand{IsVal: true, Val: basic.NewIntValue(0)},
		}},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidAggregate, errors.Cause(err))
}

func TestSumOnStringRejected(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.SelectStmt{
		Cols: []ast.SelCol{{Col: ast.ColRef{ColName: "b"}, Agg: ast.AggSum}},
		Tabs: []string{"t"},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrInvalidAggregate, errors.Cause(err))
}

func TestLimitRequiresOrderBy(t *testing.T) {
	a := NewAnalyzer(testDB())
	_, err := a.Analyze(&ast.SelectStmt{
		Cols:     []ast.SelCol{{Col: ast.ColRef{ColName: "a"}}},
		Tabs:     []string{"t"},
		HasLimit: true,
		Limit:    5,
	})
	require.Error(t, err)
}

func TestSelectStarExpansion(t *testing.T) {
	a := NewAnalyzer(testDB())
	q, err := a.Analyze(&ast.SelectStmt{Tabs: []string{"t"}})
	require.NoError(t, err)
	require.Len(t, q.SelCols, 3)
	assert.Equal(t, "a", q.SelCols[0].Col)
	assert.Equal(t, "b", q.SelCols[1].Col)
	assert.Equal(t, "d", q.SelCols[2].Col)
}
