package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
)

func newTestPool(t *testing.T, pages int) (*BufferPool, *disk.DiskManager, int32) {
	dm, err := disk.NewDiskManager(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, dm.CreateFile("f"))
	fd, err := dm.OpenFile("f")
	require.NoError(t, err)

	pool := NewBufferPool(dm, Config{
		PoolPages:     pages,
		FlushInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		pool.Close()
		dm.Close()
	})
	return pool, dm, fd
}

func TestNewPageAndFetch(t *testing.T) {
	pool, _, fd := newTestPool(t, 64)

	page, pageNo, err := pool.NewPage(fd)
	require.NoError(t, err)
	assert.Equal(t, int32(0), pageNo)
	assert.Equal(t, int32(1), page.PinCount())

	copy(page.Data(), []byte("payload"))
	require.NoError(t, pool.UnpinPage(page.Tag(), true))

	got, err := pool.FetchPage(common.PageTag{FD: fd, PageNo: pageNo})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got.Data()[:7])
	require.NoError(t, pool.UnpinPage(got.Tag(), false))
}

func TestFlushPageWritesDirtyPage(t *testing.T) {
	pool, dm, fd := newTestPool(t, 16)

	page, pageNo, err := pool.NewPage(fd)
	require.NoError(t, err)
	copy(page.Data(), []byte("dirty"))
	require.NoError(t, pool.UnpinPage(page.Tag(), true))
	require.NoError(t, pool.FlushPage(common.PageTag{FD: fd, PageNo: pageNo}))

	buf := make([]byte, common.PageSize)
	require.NoError(t, dm.ReadPage(fd, pageNo, buf))
	assert.Equal(t, []byte("dirty"), buf[:5])
}

func TestRemoveAllPages(t *testing.T) {
	pool, dm, fd := newTestPool(t, 64)

	var tags []common.PageTag
	for i := 0; i < 4; i++ {
		page, pageNo, err := pool.NewPage(fd)
		require.NoError(t, err)
		page.Data()[0] = byte(i + 1)
		require.NoError(t, pool.UnpinPage(page.Tag(), true))
		tags = append(tags, common.PageTag{FD: fd, PageNo: pageNo})
	}
	require.NoError(t, pool.RemoveAllPages(fd, true))
	assert.Equal(t, int64(0), pool.DirtyCount())

	buf := make([]byte, common.PageSize)
	for i, tag := range tags {
		require.NoError(t, dm.ReadPage(fd, tag.PageNo, buf))
		assert.Equal(t, byte(i+1), buf[0])
	}
}

func TestPageLSNMonotonic(t *testing.T) {
	pool, _, fd := newTestPool(t, 16)
	page, _, err := pool.NewPage(fd)
	require.NoError(t, err)
	defer pool.UnpinPage(page.Tag(), false)

	page.SetLSN(5)
	page.SetLSN(3)
	assert.Equal(t, int32(5), page.LSN())
	page.SetLSN(9)
	assert.Equal(t, int32(9), page.LSN())
}

func TestClockReplacerTwoPass(t *testing.T) {
	r := NewClockReplacer(4)
	_, ok := r.Victim()
	assert.False(t, ok)

	r.Unpin(0)
	r.Unpin(1)
	r.Unpin(2)
	assert.Equal(t, 3, r.Size())

	// 第一轮清引用位，第二轮收割
	id, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, 0, id)

	r.Pin(1)
	id, ok = r.Victim()
	assert.True(t, ok)
	assert.Equal(t, 2, id)
	assert.Equal(t, 0, r.Size())
}

func TestLRUReplacerOrder(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Unpin(2)
	r.Unpin(0)
	r.Unpin(1)

	id, ok := r.Victim()
	assert.True(t, ok)
	assert.Equal(t, 2, id)

	r.Pin(0)
	id, ok = r.Victim()
	assert.True(t, ok)
	assert.Equal(t, 1, id)
}
