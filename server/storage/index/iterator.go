package index

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
)

// Iterator 叶层扫描游标(leaf_page,slot)。
// 恢复推进时校验叶节点版本号，版本变化说明发生过并发结构修改，
// 以当前键为基准重新定位。
type Iterator struct {
	h       *Handle
	pageNo  int32
	slot    int32
	version int32
	key     []byte
	rid     common.RID
}

// IsEnd 是否到达扫描终点
func (it *Iterator) IsEnd() bool { return it.pageNo == common.InvalidPageNo }

// Key 当前复合键（拷贝）
func (it *Iterator) Key() []byte { return it.key }

// RID 当前键映射的RID
func (it *Iterator) RID() common.RID { return it.rid }

// Next 前进到下一个键
func (it *Iterator) Next() error {
	if it.IsEnd() {
		return nil
	}

	page, nd, err := it.h.fetch(it.pageNo)
	if err != nil {
		return errors.Trace(err)
	}
	page.Latch.RLock()

	if it.key != nil && nd.version() != it.version {
		// 叶节点被并发修改过，按当前键重新定位
		page.Latch.RUnlock()
		it.h.pool.UnpinPage(page.Tag(), false)
		resumed, err := it.h.UpperBound(it.key)
		if err != nil {
			return errors.Trace(err)
		}
		*it = *resumed
		return nil
	}

	it.slot++
	for it.slot >= nd.numKeys() {
		next := nd.nextSib()
		page.Latch.RUnlock()
		it.h.pool.UnpinPage(page.Tag(), false)
		if next == common.InvalidPageNo {
			it.pageNo = common.InvalidPageNo
			it.key = nil
			return nil
		}
		it.pageNo = next
		it.slot = 0
		page, nd, err = it.h.fetch(next)
		if err != nil {
			return errors.Trace(err)
		}
		page.Latch.RLock()
	}

	it.version = nd.version()
	it.key = append(it.key[:0], nd.key(it.slot)...)
	it.rid = nd.rid(it.slot)
	page.Latch.RUnlock()
	it.h.pool.UnpinPage(page.Tag(), false)
	return nil
}
