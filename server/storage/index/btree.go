package index

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/util"
)

// Handle 单个B+树索引文件上的操作入口。
// 键到RID一一映射，重复键在插入时报duplicate-key。
type Handle struct {
	name string
	fd   int32
	pool *bufferpool.BufferPool
	ks   KeySchema
}

// Name 索引文件名
func (h *Handle) Name() string { return h.name }

// FD 文件描述符
func (h *Handle) FD() int32 { return h.fd }

// Schema 键模式
func (h *Handle) Schema() *KeySchema { return &h.ks }

func (h *Handle) fetch(pageNo int32) (*bufferpool.BufferPage, node, error) {
	page, err := h.pool.FetchPage(common.PageTag{FD: h.fd, PageNo: pageNo})
	if err != nil {
		return nil, node{}, errors.Trace(err)
	}
	return page, node{keyLen: h.ks.KeyLen(), data: page.Data()}, nil
}

// crabEntry 写下降过程中持有X闩的祖先
type crabEntry struct {
	page     *bufferpool.BufferPage
	nd       node
	pageNo   int32
	childIdx int32
}

// writePath 插入/删除的下降状态：头页闩+祖先栈
type writePath struct {
	h          *Handle
	headerPage *bufferpool.BufferPage
	stack      []crabEntry
}

func (wp *writePath) root() int32 {
	return util.ReadI32(wp.headerPage.Data(), ixHdrOffRoot)
}

func (wp *writePath) setRoot(pageNo int32) {
	util.WriteI32(wp.headerPage.Data(), ixHdrOffRoot, pageNo)
}

// releaseAncestors 子节点安全后释放头页与除栈顶外的全部祖先
func (wp *writePath) releaseAncestors(dirty bool) {
	n := len(wp.stack)
	if n == 0 {
		return
	}
	if wp.headerPage != nil {
		wp.headerPage.Latch.Unlock()
		wp.h.pool.UnpinPage(wp.headerPage.Tag(), dirty)
		wp.headerPage = nil
	}
	for _, e := range wp.stack[:n-1] {
		e.page.Latch.Unlock()
		wp.h.pool.UnpinPage(e.page.Tag(), dirty)
	}
	wp.stack = wp.stack[n-1:]
}

// releaseAll 操作结束，释放一切仍持有的闩与pin
func (wp *writePath) releaseAll(dirty bool) {
	if wp.headerPage != nil {
		wp.headerPage.Latch.Unlock()
		wp.h.pool.UnpinPage(wp.headerPage.Tag(), dirty)
		wp.headerPage = nil
	}
	for _, e := range wp.stack {
		e.page.Latch.Unlock()
		wp.h.pool.UnpinPage(e.page.Tag(), dirty)
	}
	wp.stack = nil
}

// descend 以X闩下降到目标叶子，safe条件成立时释放祖先
func (h *Handle) descend(key []byte, safe func(nd node) bool) (*writePath, error) {
	headerPage, err := h.pool.FetchPage(common.PageTag{FD: h.fd, PageNo: common.HeaderPageNo})
	if err != nil {
		return nil, errors.Trace(err)
	}
	headerPage.Latch.Lock()
	wp := &writePath{h: h, headerPage: headerPage}

	pageNo := wp.root()
	for {
		page, nd, err := h.fetch(pageNo)
		if err != nil {
			wp.releaseAll(false)
			return nil, errors.Trace(err)
		}
		page.Latch.Lock()
		wp.stack = append(wp.stack, crabEntry{page: page, nd: nd, pageNo: pageNo})
		if safe(nd) {
			wp.releaseAncestors(false)
		}
		if nd.isLeaf() {
			return wp, nil
		}
		idx := nd.childIndex(&h.ks, key)
		wp.stack[len(wp.stack)-1].childIdx = idx
		pageNo = nd.child(idx)
	}
}

// Insert 插入键值对，键已存在时报duplicate-key
func (h *Handle) Insert(key []byte, rid common.RID) error {
	wp, err := h.descend(key, func(nd node) bool {
		return nd.numKeys() < nd.maxKeys()-1
	})
	if err != nil {
		return errors.Trace(err)
	}

	leaf := &wp.stack[len(wp.stack)-1]
	pos := leaf.nd.lowerBound(&h.ks, key)
	if pos < leaf.nd.numKeys() && h.ks.Compare(leaf.nd.key(pos), key) == 0 {
		wp.releaseAll(false)
		return errors.Annotatef(common.ErrDuplicateKey, "index %s", h.name)
	}

	leaf.nd.insertAt(pos)
	leaf.nd.setKey(pos, key)
	leaf.nd.setRID(pos, rid)
	leaf.nd.bumpVersion()

	if leaf.nd.numKeys() < leaf.nd.maxKeys() {
		wp.releaseAll(true)
		return nil
	}
	// 满页分裂并向上传播
	if err := h.splitUp(wp); err != nil {
		wp.releaseAll(true)
		return errors.Trace(err)
	}
	wp.releaseAll(true)
	return nil
}

// splitUp 自底向上分裂栈顶已满节点
func (h *Handle) splitUp(wp *writePath) error {
	for {
		cur := &wp.stack[len(wp.stack)-1]
		if cur.nd.numKeys() < cur.nd.maxKeys() {
			return nil
		}

		rightPage, rightPageNo, err := h.pool.NewPage(h.fd)
		if err != nil {
			return errors.Trace(err)
		}
		rightPage.Latch.Lock()
		right := node{keyLen: h.ks.KeyLen(), data: rightPage.Data()}
		right.setLeaf(cur.nd.isLeaf())

		num := cur.nd.numKeys()
		mid := num / 2
		moved := num - mid
		copy(rightPage.Data()[nodeHdrSize:], cur.nd.data[cur.nd.entryOff(mid):cur.nd.entryOff(num)])
		right.setNumKeys(moved)
		cur.nd.setNumKeys(mid)
		cur.nd.bumpVersion()
		right.bumpVersion()

		var sepKey []byte
		if cur.nd.isLeaf() {
			// 叶链表：cur <-> right <-> oldNext
			oldNext := cur.nd.nextSib()
			right.setNextSib(oldNext)
			right.setPrevSib(cur.pageNo)
			cur.nd.setNextSib(rightPageNo)
			if oldNext != common.InvalidPageNo {
				nextPage, nextNd, err := h.fetch(oldNext)
				if err != nil {
					rightPage.Latch.Unlock()
					h.pool.UnpinPage(rightPage.Tag(), true)
					return errors.Trace(err)
				}
				nextPage.Latch.Lock()
				nextNd.setPrevSib(rightPageNo)
				nextPage.Latch.Unlock()
				h.pool.UnpinPage(nextPage.Tag(), true)
			}
			sepKey = append([]byte(nil), right.key(0)...)
		} else {
			right.setPrevSib(common.InvalidPageNo)
			right.setNextSib(common.InvalidPageNo)
			sepKey = append([]byte(nil), right.key(0)...)
		}

		rightPage.Latch.Unlock()
		h.pool.UnpinPage(rightPage.Tag(), true)

		if len(wp.stack) == 1 {
			// 根分裂：新建根，头页闩保护根指针变更
			rootPage, rootPageNo, err := h.pool.NewPage(h.fd)
			if err != nil {
				return errors.Trace(err)
			}
			rootPage.Latch.Lock()
			root := node{keyLen: h.ks.KeyLen(), data: rootPage.Data()}
			root.setLeaf(false)
			root.setNumKeys(2)
			root.setPrevSib(common.InvalidPageNo)
			root.setNextSib(common.InvalidPageNo)
			root.setChild(0, cur.pageNo)
			root.setKey(1, sepKey)
			root.setChild(1, rightPageNo)
			root.bumpVersion()
			rootPage.Latch.Unlock()
			h.pool.UnpinPage(rootPage.Tag(), true)

			wp.setRoot(rootPageNo)
			return nil
		}

		parent := &wp.stack[len(wp.stack)-2]
		at := parent.childIdx + 1
		parent.nd.insertAt(at)
		parent.nd.setKey(at, sepKey)
		parent.nd.setChild(at, rightPageNo)
		parent.nd.bumpVersion()

		// 栈顶出栈，继续检查父节点
		cur.page.Latch.Unlock()
		h.pool.UnpinPage(cur.page.Tag(), true)
		wp.stack = wp.stack[:len(wp.stack)-1]
	}
}

// Delete 删除键，低于半满时向左兄弟重分布或合并
func (h *Handle) Delete(key []byte) error {
	wp, err := h.descend(key, func(nd node) bool {
		return nd.numKeys() > nd.minKeys()
	})
	if err != nil {
		return errors.Trace(err)
	}

	leaf := &wp.stack[len(wp.stack)-1]
	pos := leaf.nd.lowerBound(&h.ks, key)
	if pos >= leaf.nd.numKeys() || h.ks.Compare(leaf.nd.key(pos), key) != 0 {
		wp.releaseAll(false)
		return errors.Annotatef(common.ErrRecordNotFound, "index %s key missing", h.name)
	}
	leaf.nd.removeAt(pos)
	leaf.nd.bumpVersion()

	if err := h.rebalanceUp(wp); err != nil {
		wp.releaseAll(true)
		return errors.Trace(err)
	}
	wp.releaseAll(true)
	return nil
}

// rebalanceUp 自底向上修复下溢节点
func (h *Handle) rebalanceUp(wp *writePath) error {
	for {
		cur := &wp.stack[len(wp.stack)-1]
		if len(wp.stack) == 1 {
			// 根：内部根只剩单子树时下放为新根；叶根允许为空
			if !cur.nd.isLeaf() && cur.nd.numKeys() == 1 {
				wp.setRoot(cur.nd.child(0))
			}
			return nil
		}
		if cur.nd.numKeys() >= cur.nd.minKeys() {
			return nil
		}

		parent := &wp.stack[len(wp.stack)-2]
		idx := parent.childIdx

		// 优先左兄弟
		if idx > 0 {
			leftNo := parent.nd.child(idx - 1)
			leftPage, left, err := h.fetch(leftNo)
			if err != nil {
				return errors.Trace(err)
			}
			leftPage.Latch.Lock()
			if left.numKeys() > left.minKeys() {
				h.borrowFromLeft(parent, cur, left, idx)
				leftPage.Latch.Unlock()
				h.pool.UnpinPage(leftPage.Tag(), true)
				return nil
			}
			// 合并进左兄弟
			h.mergeIntoLeft(parent, cur, left, idx)
			leftPage.Latch.Unlock()
			h.pool.UnpinPage(leftPage.Tag(), true)
		} else {
			rightNo := parent.nd.child(idx + 1)
			rightPage, right, err := h.fetch(rightNo)
			if err != nil {
				return errors.Trace(err)
			}
			rightPage.Latch.Lock()
			if right.numKeys() > right.minKeys() {
				h.borrowFromRight(parent, cur, right, idx)
				rightPage.Latch.Unlock()
				h.pool.UnpinPage(rightPage.Tag(), true)
				return nil
			}
			// 右兄弟合并进当前节点
			h.mergeFromRight(parent, cur, right, idx)
			rightPage.Latch.Unlock()
			h.pool.UnpinPage(rightPage.Tag(), true)
		}

		// 父节点可能下溢，继续向上
		cur.page.Latch.Unlock()
		h.pool.UnpinPage(cur.page.Tag(), true)
		wp.stack = wp.stack[:len(wp.stack)-1]
	}
}

// borrowFromLeft 从左兄弟借一个槽
func (h *Handle) borrowFromLeft(parent, cur *crabEntry, left node, idx int32) {
	last := left.numKeys() - 1
	cur.nd.insertAt(0)
	if cur.nd.isLeaf() {
		cur.nd.setKey(0, left.key(last))
		cur.nd.setRID(0, left.rid(last))
		parent.nd.setKey(idx, left.key(last))
	} else {
		// 旋转：父分隔键下来，左兄弟末键上去
		cur.nd.setChild(0, left.child(last))
		cur.nd.setKey(1, parent.nd.key(idx))
		parent.nd.setKey(idx, left.key(last))
	}
	left.removeAt(last)
	left.bumpVersion()
	cur.nd.bumpVersion()
	parent.nd.bumpVersion()
}

// borrowFromRight 从右兄弟借一个槽
func (h *Handle) borrowFromRight(parent, cur *crabEntry, right node, idx int32) {
	at := cur.nd.numKeys()
	cur.nd.insertAt(at)
	if cur.nd.isLeaf() {
		cur.nd.setKey(at, right.key(0))
		cur.nd.setRID(at, right.rid(0))
		right.removeAt(0)
		parent.nd.setKey(idx+1, right.key(0))
	} else {
		cur.nd.setKey(at, parent.nd.key(idx+1))
		cur.nd.setChild(at, right.child(0))
		parent.nd.setKey(idx+1, right.key(1))
		right.removeAt(0)
	}
	right.bumpVersion()
	cur.nd.bumpVersion()
	parent.nd.bumpVersion()
}

// mergeIntoLeft 当前节点并入左兄弟并从父节点摘除
func (h *Handle) mergeIntoLeft(parent, cur *crabEntry, left node, idx int32) {
	base := left.numKeys()
	num := cur.nd.numKeys()
	copy(left.data[left.entryOff(base):], cur.nd.data[cur.nd.entryOff(0):cur.nd.entryOff(num)])
	left.setNumKeys(base + num)
	if !left.isLeaf() {
		// 被并入的首槽键原为隐式-∞，补上父分隔键
		left.setKey(base, parent.nd.key(idx))
	} else {
		left.setNextSib(cur.nd.nextSib())
		if next := cur.nd.nextSib(); next != common.InvalidPageNo {
			nextPage, nextNd, err := h.fetch(next)
			if err == nil {
				nextPage.Latch.Lock()
				nextNd.setPrevSib(cur.nd.prevSib())
				nextPage.Latch.Unlock()
				h.pool.UnpinPage(nextPage.Tag(), true)
			}
		}
	}
	parent.nd.removeAt(idx)
	parent.childIdx = idx - 1
	left.bumpVersion()
	parent.nd.bumpVersion()
}

// mergeFromRight 右兄弟并入当前节点并从父节点摘除
func (h *Handle) mergeFromRight(parent, cur *crabEntry, right node, idx int32) {
	base := cur.nd.numKeys()
	num := right.numKeys()
	copy(cur.nd.data[cur.nd.entryOff(base):], right.data[right.entryOff(0):right.entryOff(num)])
	cur.nd.setNumKeys(base + num)
	if !cur.nd.isLeaf() {
		cur.nd.setKey(base, parent.nd.key(idx+1))
	} else {
		cur.nd.setNextSib(right.nextSib())
		if next := right.nextSib(); next != common.InvalidPageNo {
			nextPage, nextNd, err := h.fetch(next)
			if err == nil {
				nextPage.Latch.Lock()
				nextNd.setPrevSib(cur.pageNo)
				nextPage.Latch.Unlock()
				h.pool.UnpinPage(nextPage.Tag(), true)
			}
		}
	}
	parent.nd.removeAt(idx + 1)
	cur.nd.bumpVersion()
	parent.nd.bumpVersion()
}

// readDescend 以读闩逐层下降定位叶子
func (h *Handle) readDescend(locate func(nd node) int32) (int32, error) {
	headerPage, err := h.pool.FetchPage(common.PageTag{FD: h.fd, PageNo: common.HeaderPageNo})
	if err != nil {
		return common.InvalidPageNo, errors.Trace(err)
	}
	headerPage.Latch.RLock()
	pageNo := util.ReadI32(headerPage.Data(), ixHdrOffRoot)
	headerPage.Latch.RUnlock()
	h.pool.UnpinPage(headerPage.Tag(), false)

	for {
		page, nd, err := h.fetch(pageNo)
		if err != nil {
			return common.InvalidPageNo, errors.Trace(err)
		}
		page.Latch.RLock()
		if nd.isLeaf() {
			page.Latch.RUnlock()
			h.pool.UnpinPage(page.Tag(), false)
			return pageNo, nil
		}
		next := nd.child(locate(nd))
		page.Latch.RUnlock()
		h.pool.UnpinPage(page.Tag(), false)
		pageNo = next
	}
}

// Search 精确查找，返回键对应的RID
func (h *Handle) Search(key []byte) (common.RID, bool, error) {
	it, err := h.LowerBound(key)
	if err != nil {
		return common.RID{}, false, errors.Trace(err)
	}
	if it.IsEnd() || h.ks.Compare(it.Key(), key) != 0 {
		return common.RID{}, false, nil
	}
	return it.RID(), true, nil
}

// LowerBound 返回首个键不小于key的迭代器
func (h *Handle) LowerBound(key []byte) (*Iterator, error) {
	leafNo, err := h.readDescend(func(nd node) int32 { return nd.childIndex(&h.ks, key) })
	if err != nil {
		return nil, errors.Trace(err)
	}
	return h.positionIter(leafNo, key, false)
}

// UpperBound 返回首个键大于key的迭代器
func (h *Handle) UpperBound(key []byte) (*Iterator, error) {
	leafNo, err := h.readDescend(func(nd node) int32 { return nd.childIndex(&h.ks, key) })
	if err != nil {
		return nil, errors.Trace(err)
	}
	return h.positionIter(leafNo, key, true)
}

// Begin 定位首叶首槽
func (h *Handle) Begin() (*Iterator, error) {
	headerPage, err := h.pool.FetchPage(common.PageTag{FD: h.fd, PageNo: common.HeaderPageNo})
	if err != nil {
		return nil, errors.Trace(err)
	}
	headerPage.Latch.RLock()
	firstLeaf := util.ReadI32(headerPage.Data(), ixHdrOffFirstLeaf)
	headerPage.Latch.RUnlock()
	h.pool.UnpinPage(headerPage.Tag(), false)

	it := &Iterator{h: h, pageNo: firstLeaf, slot: -1}
	if err := it.Next(); err != nil {
		return nil, errors.Trace(err)
	}
	return it, nil
}

func (h *Handle) positionIter(leafNo int32, key []byte, upper bool) (*Iterator, error) {
	page, nd, err := h.fetch(leafNo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	page.Latch.RLock()
	var pos int32
	if upper {
		pos = nd.upperBound(&h.ks, key)
	} else {
		pos = nd.lowerBound(&h.ks, key)
	}
	it := &Iterator{h: h, pageNo: leafNo, slot: pos - 1}
	page.Latch.RUnlock()
	h.pool.UnpinPage(page.Tag(), false)

	if err := it.Next(); err != nil {
		return nil, errors.Trace(err)
	}
	return it, nil
}
