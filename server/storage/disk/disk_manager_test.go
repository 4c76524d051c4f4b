package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/common"
)

func newTestDM(t *testing.T) *DiskManager {
	dm, err := NewDiskManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm
}

func TestCreateOpenCloseDestroy(t *testing.T) {
	dm := newTestDM(t)

	require.NoError(t, dm.CreateFile("tbl"))
	assert.Error(t, dm.CreateFile("tbl"))

	fd, err := dm.OpenFile("tbl")
	require.NoError(t, err)
	assert.NotEqual(t, common.InvalidFD, fd)

	// 重复打开返回同一fd
	fd2, err := dm.OpenFile("tbl")
	require.NoError(t, err)
	assert.Equal(t, fd, fd2)

	require.NoError(t, dm.CloseFile(fd))
	require.NoError(t, dm.DestroyFile("tbl"))
	_, err = dm.OpenFile("tbl")
	assert.Error(t, err)
}

func TestReadWritePage(t *testing.T) {
	dm := newTestDM(t)
	require.NoError(t, dm.CreateFile("tbl"))
	fd, err := dm.OpenFile("tbl")
	require.NoError(t, err)

	require.NoError(t, dm.EnsureFileSize(fd, 3))

	page := make([]byte, common.PageSize)
	for i := range page {
		page[i] = byte(i % 251)
	}
	require.NoError(t, dm.WritePage(fd, 2, page))

	got := make([]byte, common.PageSize)
	require.NoError(t, dm.ReadPage(fd, 2, got))
	assert.Equal(t, page, got)
}

func TestAllocatePageMonotonic(t *testing.T) {
	dm := newTestDM(t)
	require.NoError(t, dm.CreateFile("tbl"))
	fd, err := dm.OpenFile("tbl")
	require.NoError(t, err)

	p0, err := dm.AllocatePage(fd)
	require.NoError(t, err)
	p1, err := dm.AllocatePage(fd)
	require.NoError(t, err)
	assert.Equal(t, p0+1, p1)

	// 重开后游标从文件大小继续
	require.NoError(t, dm.EnsureFileSize(fd, p1+1))
	require.NoError(t, dm.CloseFile(fd))
	fd, err = dm.OpenFile("tbl")
	require.NoError(t, err)
	p2, err := dm.AllocatePage(fd)
	require.NoError(t, err)
	assert.Equal(t, p1+1, p2)
}

func TestLogAppendReadRotate(t *testing.T) {
	dm := newTestDM(t)
	require.NoError(t, dm.SetLogFile("db.log"))

	require.NoError(t, dm.WriteLog([]byte("hello")))
	require.NoError(t, dm.WriteLog([]byte("world")))

	buf := make([]byte, 10)
	n, err := dm.ReadLog(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "helloworld", string(buf))

	size, err := dm.LogSize()
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	// 轮转：新文件只保留保留记录
	_, err = dm.CreateNewLogFile()
	require.NoError(t, err)
	require.NoError(t, dm.AppendToNewLogFile([]byte("kept")))
	require.NoError(t, dm.ChangeLogFile())

	size, err = dm.LogSize()
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
}
