package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/ast"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/manager"

	jujuerrors "github.com/juju/errors"
)

func TestMVCCRowHeaderHelpers(t *testing.T) {
	rec := make([]byte, 8)
	manager.SetRowTxn(rec, 42, false)
	id, tomb := manager.RowTxn(rec)
	assert.Equal(t, int32(42), id)
	assert.False(t, tomb)

	manager.SetRowTxn(rec, 42, true)
	id, tomb = manager.RowTxn(rec)
	assert.Equal(t, int32(42), id)
	assert.True(t, tomb)
}

func TestMVCCSnapshotDoesNotSeeLaterCommit(t *testing.T) {
	db, s1 := openTestDB(t, true)
	createT(t, s1)
	insertT(t, s1, 1, "old")

	s2 := db.NewSession(testCfg(t, true))

	// s2先建立快照
	_, err := s2.Execute(&ast.BeginStmt{})
	require.NoError(t, err)
	rs, err := s2.Execute(selectAll())
	require.NoError(t, err)
	require.Len(t, rs.Cells, 1)

	// s1随后插入并提交
	insertT(t, s1, 2, "new")

	// s2的快照依然只看到一行
	rs, err = s2.Execute(selectAll())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "old"}}, rs.Cells)

	_, err = s2.Execute(&ast.CommitStmt{})
	require.NoError(t, err)

	// 新快照看到两行
	rs, err = s2.Execute(selectAll())
	require.NoError(t, err)
	assert.Len(t, rs.Cells, 2)
}

func TestMVCCDeleteIsLogicalUntilGC(t *testing.T) {
	db, s1 := openTestDB(t, true)
	createT(t, s1)
	insertT(t, s1, 1, "a")

	s2 := db.NewSession(testCfg(t, true))
	_, err := s2.Execute(&ast.BeginStmt{})
	require.NoError(t, err)

	// s1删除并提交；s2的旧快照仍可见该行
	_, err = s1.Execute(&ast.DeleteStmt{Table: "t"})
	require.NoError(t, err)

	rs, err := s2.Execute(selectAll())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "a"}}, rs.Cells)

	_, err = s2.Execute(&ast.CommitStmt{})
	require.NoError(t, err)

	// 新快照看到删除生效
	rs, err = s2.Execute(selectAll())
	require.NoError(t, err)
	assert.Len(t, rs.Cells, 0)
}

func TestMVCCWriteWriteConflict(t *testing.T) {
	db, s1 := openTestDB(t, true)
	createT(t, s1)
	insertT(t, s1, 1, "a")

	s2 := db.NewSession(testCfg(t, true))

	_, err := s1.Execute(&ast.BeginStmt{})
	require.NoError(t, err)
	_, err = s2.Execute(&ast.BeginStmt{})
	require.NoError(t, err)

	// s1先改
	_, err = s1.Execute(&ast.UpdateStmt{
		Table: "t",
		Sets:  []ast.SetClause{{ColName: "b", Val: basic.NewStringValue("x")}},
	})
	require.NoError(t, err)

	// s2改同一行：写写冲突中止
	_, err = s2.Execute(&ast.UpdateStmt{
		Table: "t",
		Sets:  []ast.SetClause{{ColName: "b", Val: basic.NewStringValue("y")}},
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrUpgradeConflict, jujuerrors.Cause(err))

	_, err = s1.Execute(&ast.CommitStmt{})
	require.NoError(t, err)
}

func TestMVCCAbortRestoresVersion(t *testing.T) {
	_, s := openTestDB(t, true)
	createT(t, s)
	insertT(t, s, 1, "a")

	_, err := s.Execute(&ast.BeginStmt{})
	require.NoError(t, err)
	_, err = s.Execute(&ast.UpdateStmt{
		Table: "t",
		Sets:  []ast.SetClause{{ColName: "b", Val: basic.NewStringValue("x")}},
	})
	require.NoError(t, err)
	_, err = s.Execute(&ast.AbortStmt{})
	require.NoError(t, err)

	rs, err := s.Execute(selectAll())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "a"}}, rs.Cells)
}
