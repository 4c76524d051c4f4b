package record

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
	"github.com/zhukovaskychina/minisql-server/util"
)

func newTestFile(t *testing.T, recordSize int32) (*Manager, *FileHandle) {
	dm, err := disk.NewDiskManager(t.TempDir())
	require.NoError(t, err)
	pool := bufferpool.NewBufferPool(dm, bufferpool.Config{
		PoolPages:     256,
		FlushInterval: 20 * time.Millisecond,
	})
	m := NewManager(dm, pool)
	require.NoError(t, m.CreateFile("tbl", recordSize))
	fh, err := m.OpenFile("tbl")
	require.NoError(t, err)
	t.Cleanup(func() {
		m.CloseFile(fh)
		pool.Close()
		dm.Close()
	})
	return m, fh
}

func record16(b byte) []byte {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestInsertGet(t *testing.T) {
	_, fh := newTestFile(t, 16)

	rid, err := fh.Insert(record16(0xAB))
	require.NoError(t, err)
	assert.Equal(t, int32(1), rid.PageNo)
	assert.Equal(t, int32(0), rid.SlotNo)

	got, err := fh.Get(rid)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(record16(0xAB), got))

	_, err = fh.Get(common.RID{PageNo: 1, SlotNo: 5})
	assert.Equal(t, common.ErrRecordNotFound, causeOf(err))
}

func causeOf(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
	return err
}

func TestDeleteAndReinsertRoundTrip(t *testing.T) {
	_, fh := newTestFile(t, 16)

	rid, err := fh.Insert(record16(1))
	require.NoError(t, err)
	require.NoError(t, fh.Delete(rid))
	_, err = fh.Get(rid)
	assert.Error(t, err)

	// 删除后重插相同字节，槽位复用，终态等价于单次插入
	rid2, err := fh.Insert(record16(1))
	require.NoError(t, err)
	assert.Equal(t, rid, rid2)

	got, err := fh.Get(rid2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(record16(1), got))
}

func TestUpdateInPlace(t *testing.T) {
	_, fh := newTestFile(t, 16)
	rid, err := fh.Insert(record16(1))
	require.NoError(t, err)

	require.NoError(t, fh.Update(rid, record16(2)))
	got, err := fh.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, byte(2), got[0])
}

func TestBitmapPopcountMatchesNumRecords(t *testing.T) {
	_, fh := newTestFile(t, 16)

	const n = 100
	for i := 0; i < n; i++ {
		_, err := fh.Insert(record16(byte(i)))
		require.NoError(t, err)
	}

	total := int32(0)
	for pageNo := int32(1); pageNo < fh.NumPages(); pageNo++ {
		fh.hdrMu.Lock()
		page, dp, err := fh.fetchDataPage(pageNo)
		fh.hdrMu.Unlock()
		require.NoError(t, err)
		pop := util.BitmapCount(dp.bitmap(), int(fh.RecordsPerPage()))
		assert.Equal(t, dp.numRecords(), int32(pop))
		total += dp.numRecords()
		fh.pool.UnpinPage(page.Tag(), false)
	}
	assert.Equal(t, int32(n), total)
}

func TestFreeListAcrossPageFill(t *testing.T) {
	_, fh := newTestFile(t, 1000) // 每页4条左右，强制跨页

	rpp := fh.RecordsPerPage()
	require.True(t, rpp >= 2)

	var rids []common.RID
	for i := int32(0); i < rpp+1; i++ {
		rid, err := fh.Insert(make([]byte, 1000))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	// 第一页填满后链到第二页
	assert.Equal(t, int32(1), rids[0].PageNo)
	assert.Equal(t, int32(2), rids[rpp].PageNo)

	// 从满页删除使其回到空闲链表头
	require.NoError(t, fh.Delete(rids[0]))
	rid, err := fh.Insert(make([]byte, 1000))
	require.NoError(t, err)
	assert.Equal(t, rids[0], rid)
}

func TestScanSkipsHoles(t *testing.T) {
	_, fh := newTestFile(t, 16)
	var rids []common.RID
	for i := 0; i < 5; i++ {
		rid, err := fh.Insert(record16(byte(i)))
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	require.NoError(t, fh.Delete(rids[1]))
	require.NoError(t, fh.Delete(rids[3]))

	scan, err := NewScan(fh)
	require.NoError(t, err)
	var seen []common.RID
	for !scan.IsEnd() {
		seen = append(seen, scan.RID())
		require.NoError(t, scan.Next())
	}
	assert.Equal(t, []common.RID{rids[0], rids[2], rids[4]}, seen)
}

func TestGetPageReturnsLiveTuples(t *testing.T) {
	_, fh := newTestFile(t, 16)
	for i := 0; i < 3; i++ {
		_, err := fh.Insert(record16(byte(i + 1)))
		require.NoError(t, err)
	}
	require.NoError(t, fh.Delete(common.RID{PageNo: 1, SlotNo: 1}))

	slots, err := fh.GetPage(1)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, int32(0), slots[0].SlotNo)
	assert.Equal(t, int32(2), slots[1].SlotNo)
	assert.Equal(t, byte(1), slots[0].Data[0])
	assert.Equal(t, byte(3), slots[1].Data[0])
}

func TestInsertAtReplay(t *testing.T) {
	_, fh := newTestFile(t, 16)

	// 空文件上重放到(2,3)：补页后写入
	rid := common.RID{PageNo: 2, SlotNo: 3}
	require.NoError(t, fh.InsertAt(rid, record16(9)))
	got, err := fh.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, byte(9), got[0])

	// 已占用槽位重放覆盖
	require.NoError(t, fh.InsertAt(rid, record16(7)))
	got, err = fh.Get(rid)
	require.NoError(t, err)
	assert.Equal(t, byte(7), got[0])
}
