package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
)

// 崩溃模拟：不走Close直接丢弃实例，仅依赖提交时已落盘的WAL
func TestCommittedInsertSurvivesCrash(t *testing.T) {
	cfg := testCfg(t, false)

	db, err := OpenDatabase(cfg)
	require.NoError(t, err)
	s := db.NewSession(cfg)
	createT(t, s)
	insertT(t, s, 9, "zz")
	// 崩溃：堆页可能未落盘，日志已随COMMIT持久化

	db2, err := OpenDatabase(cfg)
	require.NoError(t, err)
	defer db2.Close()
	s2 := db2.NewSession(cfg)

	rs, err := s2.Execute(selectAll())
	require.NoError(t, err)
	require.Equal(t, [][]string{{"9", "zz"}}, rs.Cells)
}

func TestUncommittedInsertRolledBackOnRestart(t *testing.T) {
	cfg := testCfg(t, false)

	db, err := OpenDatabase(cfg)
	require.NoError(t, err)
	s := db.NewSession(cfg)
	createT(t, s)
	insertT(t, s, 1, "ok")

	// 打开显式事务写入但不提交，强制把数据日志推到磁盘模拟撑满缓冲
	_, err = s.Execute(&ast.BeginStmt{})
	require.NoError(t, err)
	insertT(t, s, 2, "no")
	require.NoError(t, db.LogMgr.FlushLogToDisk())

	db2, err := OpenDatabase(cfg)
	require.NoError(t, err)
	defer db2.Close()
	s2 := db2.NewSession(cfg)

	rs, err := s2.Execute(selectAll())
	require.NoError(t, err)
	// 败者事务的写入被撤销
	require.Equal(t, [][]string{{"1", "ok"}}, rs.Cells)
}

func TestIndexRebuiltAfterRecovery(t *testing.T) {
	cfg := testCfg(t, false)

	db, err := OpenDatabase(cfg)
	require.NoError(t, err)
	s := db.NewSession(cfg)
	createT(t, s)
	_, err = s.Execute(&ast.CreateIndexStmt{Table: "t", Cols: []string{"a"}})
	require.NoError(t, err)
	insertT(t, s, 7, "aa")
	insertT(t, s, 8, "bb")

	db2, err := OpenDatabase(cfg)
	require.NoError(t, err)
	defer db2.Close()
	s2 := db2.NewSession(cfg)

	rs, err := s2.Execute(selectAll(ast.BinaryExpr{
		Lhs: ast.ColRef{ColName: "a"},
		Op:  basic.OpEq,
		Rhs: ast.Operand{IsVal: true, Val: basic.NewIntValue(8)},
	}))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"8", "bb"}}, rs.Cells)
}
