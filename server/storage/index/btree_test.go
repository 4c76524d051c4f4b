package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
	"github.com/zhukovaskychina/minisql-server/util"
)

func newTestIndex(t *testing.T, ks KeySchema) (*Manager, *Handle) {
	dm, err := disk.NewDiskManager(t.TempDir())
	require.NoError(t, err)
	pool := bufferpool.NewBufferPool(dm, bufferpool.Config{
		PoolPages:     512,
		FlushInterval: 20 * time.Millisecond,
	})
	m := NewManager(dm, pool)
	require.NoError(t, m.CreateIndex("ix", ks))
	h, err := m.OpenIndex("ix", ks)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.CloseIndex(h)
		pool.Close()
		dm.Close()
	})
	return m, h
}

func intSchema() KeySchema {
	return KeySchema{Types: []basic.ColType{basic.TypeInt}, Lens: []int{4}}
}

func intKey(v int32) []byte {
	buf := make([]byte, 4)
	util.WriteI32(buf, 0, v)
	return buf
}

func TestInsertSearch(t *testing.T) {
	_, h := newTestIndex(t, intSchema())

	for i := int32(0); i < 100; i++ {
		require.NoError(t, h.Insert(intKey(i*2), common.RID{PageNo: i, SlotNo: i}))
	}

	rid, found, err := h.Search(intKey(40))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, common.RID{PageNo: 20, SlotNo: 20}, rid)

	_, found, err = h.Search(intKey(41))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDuplicateKeyRejected(t *testing.T) {
	_, h := newTestIndex(t, intSchema())
	require.NoError(t, h.Insert(intKey(7), common.RID{PageNo: 1, SlotNo: 1}))
	err := h.Insert(intKey(7), common.RID{PageNo: 2, SlotNo: 2})
	assert.Error(t, err)
}

func TestInsertAfterDelete(t *testing.T) {
	_, h := newTestIndex(t, intSchema())
	require.NoError(t, h.Insert(intKey(7), common.RID{PageNo: 1, SlotNo: 1}))
	require.NoError(t, h.Delete(intKey(7)))
	require.NoError(t, h.Insert(intKey(7), common.RID{PageNo: 2, SlotNo: 2}))

	rid, found, err := h.Search(intKey(7))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, common.RID{PageNo: 2, SlotNo: 2}, rid)
}

func TestSplitAndOrderedScan(t *testing.T) {
	_, h := newTestIndex(t, intSchema())

	// 乱序插入足以触发多次分裂的键量
	const n = 2000
	for i := 0; i < n; i++ {
		v := int32((i * 7919) % n)
		require.NoError(t, h.Insert(intKey(v), common.RID{PageNo: v, SlotNo: 0}))
	}

	it, err := h.Begin()
	require.NoError(t, err)
	prev := int32(-1)
	count := 0
	for !it.IsEnd() {
		cur := util.ReadI32(it.Key(), 0)
		assert.True(t, cur > prev, "keys must be strictly ascending")
		prev = cur
		count++
		require.NoError(t, it.Next())
	}
	assert.Equal(t, n, count)
}

func TestLowerUpperBound(t *testing.T) {
	_, h := newTestIndex(t, intSchema())
	for _, v := range []int32{10, 20, 30, 40} {
		require.NoError(t, h.Insert(intKey(v), common.RID{PageNo: v, SlotNo: 0}))
	}

	it, err := h.LowerBound(intKey(20))
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	assert.Equal(t, int32(20), util.ReadI32(it.Key(), 0))

	it, err = h.LowerBound(intKey(25))
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	assert.Equal(t, int32(30), util.ReadI32(it.Key(), 0))

	it, err = h.UpperBound(intKey(20))
	require.NoError(t, err)
	require.False(t, it.IsEnd())
	assert.Equal(t, int32(30), util.ReadI32(it.Key(), 0))

	it, err = h.LowerBound(intKey(50))
	require.NoError(t, err)
	assert.True(t, it.IsEnd())
}

func TestDeleteWithMerges(t *testing.T) {
	_, h := newTestIndex(t, intSchema())

	const n = 1500
	for i := int32(0); i < n; i++ {
		require.NoError(t, h.Insert(intKey(i), common.RID{PageNo: i, SlotNo: 0}))
	}
	// 删掉大部分键迫使重分布与合并
	for i := int32(0); i < n; i++ {
		if i%3 != 0 {
			require.NoError(t, h.Delete(intKey(i)))
		}
	}

	it, err := h.Begin()
	require.NoError(t, err)
	want := int32(0)
	for !it.IsEnd() {
		assert.Equal(t, want, util.ReadI32(it.Key(), 0))
		want += 3
		require.NoError(t, it.Next())
	}
	assert.Equal(t, int32(n), want)

	err = h.Delete(intKey(1))
	assert.Error(t, err)
}

func TestCompositeKeyColumnwiseOrder(t *testing.T) {
	ks := KeySchema{
		Types: []basic.ColType{basic.TypeInt, basic.TypeString},
		Lens:  []int{4, 4},
	}
	_, h := newTestIndex(t, ks)

	mk := func(a int32, s string) []byte {
		key, err := ks.EncodeKey([]basic.Value{basic.NewIntValue(a), basic.NewStringValue(s)})
		require.NoError(t, err)
		return key
	}

	// 负数整数列必须按数值序而非字节序
	require.NoError(t, h.Insert(mk(-5, "aa"), common.RID{PageNo: 1, SlotNo: 0}))
	require.NoError(t, h.Insert(mk(3, "zz"), common.RID{PageNo: 2, SlotNo: 0}))
	require.NoError(t, h.Insert(mk(3, "aa"), common.RID{PageNo: 3, SlotNo: 0}))

	it, err := h.Begin()
	require.NoError(t, err)
	var rids []common.RID
	for !it.IsEnd() {
		rids = append(rids, it.RID())
		require.NoError(t, it.Next())
	}
	assert.Equal(t, []common.RID{
		{PageNo: 1, SlotNo: 0},
		{PageNo: 3, SlotNo: 0},
		{PageNo: 2, SlotNo: 0},
	}, rids)
}
