package record

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/util"
)

// FileHandle 单个堆文件上的元组CRUD
type FileHandle struct {
	name string
	fd   int32
	pool *bufferpool.BufferPool

	// hdrMu 保护文件头与空闲页链表头
	hdrMu sync.Mutex
	hdr   FileHdr
}

// Name 文件名
func (fh *FileHandle) Name() string { return fh.name }

// FD 文件描述符
func (fh *FileHandle) FD() int32 { return fh.fd }

// RecordSize 元组定长
func (fh *FileHandle) RecordSize() int32 { return fh.hdr.RecordSize }

// NumPages 已分配页数（含页0）
func (fh *FileHandle) NumPages() int32 {
	fh.hdrMu.Lock()
	defer fh.hdrMu.Unlock()
	return fh.hdr.NumPages
}

// RecordsPerPage 每页槽数
func (fh *FileHandle) RecordsPerPage() int32 { return fh.hdr.RecordsPerPage }

// fetchDataPage 取数据页并构造视图，调用者负责unpin
func (fh *FileHandle) fetchDataPage(pageNo int32) (*bufferpool.BufferPage, dataPage, error) {
	if pageNo <= common.HeaderPageNo || pageNo >= fh.hdr.NumPages {
		return nil, dataPage{}, errors.Annotatef(common.ErrPageNotFound, "%s page %d", fh.name, pageNo)
	}
	page, err := fh.pool.FetchPage(common.PageTag{FD: fh.fd, PageNo: pageNo})
	if err != nil {
		return nil, dataPage{}, errors.Trace(err)
	}
	return page, dataPage{hdr: &fh.hdr, data: page.Data()}, nil
}

// allocDataPage 追加一个空数据页并挂到空闲页链表头，调用者持有hdrMu
func (fh *FileHandle) allocDataPage() (*bufferpool.BufferPage, dataPage, error) {
	page, pageNo, err := fh.pool.NewPage(fh.fd)
	if err != nil {
		return nil, dataPage{}, errors.Trace(err)
	}
	dp := dataPage{hdr: &fh.hdr, data: page.Data()}
	dp.setNextFreePageNo(fh.hdr.FirstFreePageNo)
	dp.setNumRecords(0)
	fh.hdr.FirstFreePageNo = pageNo
	fh.hdr.NumPages = pageNo + 1
	return page, dp, nil
}

// Insert 定位非满页（空闲链表或新分配），占用首个空槽并写入
func (fh *FileHandle) Insert(buf []byte) (common.RID, error) {
	if int32(len(buf)) != fh.hdr.RecordSize {
		return common.RID{}, errors.Annotatef(common.ErrInternal, "record size %d != %d", len(buf), fh.hdr.RecordSize)
	}

	fh.hdrMu.Lock()
	var page *bufferpool.BufferPage
	var dp dataPage
	pageNo := fh.hdr.FirstFreePageNo
	if pageNo == common.InvalidPageNo {
		var err error
		page, dp, err = fh.allocDataPage()
		if err != nil {
			fh.hdrMu.Unlock()
			return common.RID{}, errors.Trace(err)
		}
		pageNo = fh.hdr.FirstFreePageNo
	} else {
		var err error
		page, dp, err = fh.fetchDataPage(pageNo)
		if err != nil {
			fh.hdrMu.Unlock()
			return common.RID{}, errors.Trace(err)
		}
	}

	page.Latch.Lock()
	slotNo := int32(util.BitmapFirstZero(dp.bitmap(), int(fh.hdr.RecordsPerPage)))
	if slotNo < 0 {
		// 链表头指向满页破坏了不变式
		page.Latch.Unlock()
		fh.pool.UnpinPage(page.Tag(), false)
		fh.hdrMu.Unlock()
		return common.RID{}, errors.Annotatef(common.ErrInternal, "free page %d of %s is full", pageNo, fh.name)
	}
	util.BitmapSet(dp.bitmap(), int(slotNo))
	copy(dp.slot(slotNo), buf)
	dp.setNumRecords(dp.numRecords() + 1)
	if dp.isFull() {
		fh.hdr.FirstFreePageNo = dp.nextFreePageNo()
		dp.setNextFreePageNo(common.InvalidPageNo)
	}
	page.Latch.Unlock()
	fh.hdrMu.Unlock()

	if err := fh.pool.UnpinPage(page.Tag(), true); err != nil {
		return common.RID{}, errors.Trace(err)
	}
	return common.RID{PageNo: pageNo, SlotNo: slotNo}, nil
}

// InsertAt 恢复重放与删除回滚使用：向指定rid写入，容忍槽位已占用（覆盖）
func (fh *FileHandle) InsertAt(rid common.RID, buf []byte) error {
	fh.hdrMu.Lock()
	defer fh.hdrMu.Unlock()

	if err := fh.ensurePagesLocked(rid.PageNo + 1); err != nil {
		return errors.Trace(err)
	}
	page, dp, err := fh.fetchDataPage(rid.PageNo)
	if err != nil {
		return errors.Trace(err)
	}
	page.Latch.Lock()
	if !util.BitmapTest(dp.bitmap(), int(rid.SlotNo)) {
		util.BitmapSet(dp.bitmap(), int(rid.SlotNo))
		dp.setNumRecords(dp.numRecords() + 1)
		if dp.isFull() {
			fh.unlinkFreePageLocked(rid.PageNo, dp)
		}
	}
	copy(dp.slot(rid.SlotNo), buf)
	page.Latch.Unlock()
	return errors.Trace(fh.pool.UnpinPage(page.Tag(), true))
}

// ensurePagesLocked 重放时把文件补齐到numPages页，新页全部挂入空闲链表
func (fh *FileHandle) ensurePagesLocked(numPages int32) error {
	for fh.hdr.NumPages < numPages {
		page, _, err := fh.allocDataPage()
		if err != nil {
			return errors.Trace(err)
		}
		if err := fh.pool.UnpinPage(page.Tag(), true); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// unlinkFreePageLocked 将页从空闲链表摘除，调用者持有hdrMu与页X闩
func (fh *FileHandle) unlinkFreePageLocked(pageNo int32, dp dataPage) error {
	if fh.hdr.FirstFreePageNo == pageNo {
		fh.hdr.FirstFreePageNo = dp.nextFreePageNo()
		dp.setNextFreePageNo(common.InvalidPageNo)
		return nil
	}
	cur := fh.hdr.FirstFreePageNo
	for cur != common.InvalidPageNo {
		page, curDP, err := fh.fetchDataPage(cur)
		if err != nil {
			return errors.Trace(err)
		}
		next := curDP.nextFreePageNo()
		if next == pageNo {
			curDP.setNextFreePageNo(dp.nextFreePageNo())
			dp.setNextFreePageNo(common.InvalidPageNo)
			fh.pool.UnpinPage(page.Tag(), true)
			return nil
		}
		fh.pool.UnpinPage(page.Tag(), false)
		cur = next
	}
	return nil
}

// Get 读取rid处的元组字节（拷贝）
func (fh *FileHandle) Get(rid common.RID) ([]byte, error) {
	fh.hdrMu.Lock()
	page, dp, err := fh.fetchDataPage(rid.PageNo)
	fh.hdrMu.Unlock()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer fh.pool.UnpinPage(page.Tag(), false)

	page.Latch.RLock()
	defer page.Latch.RUnlock()
	if rid.SlotNo < 0 || rid.SlotNo >= fh.hdr.RecordsPerPage ||
		!util.BitmapTest(dp.bitmap(), int(rid.SlotNo)) {
		return nil, errors.Annotatef(common.ErrRecordNotFound, "%s rid %s", fh.name, rid)
	}
	out := make([]byte, fh.hdr.RecordSize)
	copy(out, dp.slot(rid.SlotNo))
	return out, nil
}

// RecordSlot 批量页访问返回的(槽号,元组)对
type RecordSlot struct {
	SlotNo int32
	Data   []byte
}

// GetPage 返回位图中存在的全部元组，按槽号升序
func (fh *FileHandle) GetPage(pageNo int32) ([]RecordSlot, error) {
	fh.hdrMu.Lock()
	page, dp, err := fh.fetchDataPage(pageNo)
	fh.hdrMu.Unlock()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer fh.pool.UnpinPage(page.Tag(), false)

	page.Latch.RLock()
	defer page.Latch.RUnlock()
	out := make([]RecordSlot, 0, dp.numRecords())
	for slot := util.BitmapNextSet(dp.bitmap(), int(fh.hdr.RecordsPerPage), 0); slot >= 0; slot = util.BitmapNextSet(dp.bitmap(), int(fh.hdr.RecordsPerPage), slot+1) {
		data := make([]byte, fh.hdr.RecordSize)
		copy(data, dp.slot(int32(slot)))
		out = append(out, RecordSlot{SlotNo: int32(slot), Data: data})
	}
	return out, nil
}

// Delete 物理删除：清位图，满页转非满时重新挂入空闲链表
func (fh *FileHandle) Delete(rid common.RID) error {
	fh.hdrMu.Lock()
	defer fh.hdrMu.Unlock()

	page, dp, err := fh.fetchDataPage(rid.PageNo)
	if err != nil {
		return errors.Trace(err)
	}
	page.Latch.Lock()
	if !util.BitmapTest(dp.bitmap(), int(rid.SlotNo)) {
		page.Latch.Unlock()
		fh.pool.UnpinPage(page.Tag(), false)
		return errors.Annotatef(common.ErrRecordNotFound, "%s rid %s", fh.name, rid)
	}
	wasFull := dp.isFull()
	util.BitmapClear(dp.bitmap(), int(rid.SlotNo))
	dp.setNumRecords(dp.numRecords() - 1)
	if wasFull {
		dp.setNextFreePageNo(fh.hdr.FirstFreePageNo)
		fh.hdr.FirstFreePageNo = rid.PageNo
	}
	page.Latch.Unlock()
	return errors.Trace(fh.pool.UnpinPage(page.Tag(), true))
}

// Update 原位覆盖
func (fh *FileHandle) Update(rid common.RID, buf []byte) error {
	if int32(len(buf)) != fh.hdr.RecordSize {
		return errors.Annotatef(common.ErrInternal, "record size %d != %d", len(buf), fh.hdr.RecordSize)
	}
	fh.hdrMu.Lock()
	page, dp, err := fh.fetchDataPage(rid.PageNo)
	fh.hdrMu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}
	page.Latch.Lock()
	if !util.BitmapTest(dp.bitmap(), int(rid.SlotNo)) {
		page.Latch.Unlock()
		fh.pool.UnpinPage(page.Tag(), false)
		return errors.Annotatef(common.ErrRecordNotFound, "%s rid %s", fh.name, rid)
	}
	copy(dp.slot(rid.SlotNo), buf)
	page.Latch.Unlock()
	return errors.Trace(fh.pool.UnpinPage(page.Tag(), true))
}

// Exists 判断rid处是否有存活元组
func (fh *FileHandle) Exists(rid common.RID) bool {
	_, err := fh.Get(rid)
	return err == nil
}

// SetPageLSN 在页帧上登记最近日志记录的LSN，供WAL写回约束使用
func (fh *FileHandle) SetPageLSN(pageNo, lsn int32) error {
	page, err := fh.pool.FetchPage(common.PageTag{FD: fh.fd, PageNo: pageNo})
	if err != nil {
		return errors.Trace(err)
	}
	page.SetLSN(lsn)
	return errors.Trace(fh.pool.UnpinPage(page.Tag(), false))
}

// flushHeader 将文件头写回页0
func (fh *FileHandle) flushHeader() error {
	fh.hdrMu.Lock()
	defer fh.hdrMu.Unlock()

	page, err := fh.pool.FetchPage(common.PageTag{FD: fh.fd, PageNo: common.HeaderPageNo})
	if err != nil {
		return errors.Trace(err)
	}
	page.Latch.Lock()
	fh.hdr.encode(page.Data())
	page.Latch.Unlock()
	return errors.Trace(fh.pool.UnpinPage(page.Tag(), true))
}
