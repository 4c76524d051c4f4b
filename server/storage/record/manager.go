package record

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
)

// Manager 堆文件管理器：创建/打开/关闭/销毁
type Manager struct {
	disk *disk.DiskManager
	pool *bufferpool.BufferPool
}

// NewManager 创建堆文件管理器
func NewManager(dm *disk.DiskManager, pool *bufferpool.BufferPool) *Manager {
	return &Manager{disk: dm, pool: pool}
}

// CreateFile 创建堆文件并写入页0文件头
func (m *Manager) CreateFile(name string, recordSize int32) error {
	if recordSize <= 0 || pageHdrSize+int(recordSize)+1 > common.PageSize {
		return errors.Annotatef(common.ErrInternal, "bad record size %d", recordSize)
	}
	if err := m.disk.CreateFile(name); err != nil {
		return errors.Trace(err)
	}
	fd, err := m.disk.OpenFile(name)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.disk.CloseFile(fd)

	rpp := recordsPerPage(recordSize)
	hdr := FileHdr{
		RecordSize:      recordSize,
		NumPages:        1,
		RecordsPerPage:  rpp,
		FirstFreePageNo: common.InvalidPageNo,
		BitmapSize:      (rpp + 7) / 8,
	}
	buf := make([]byte, common.PageSize)
	hdr.encode(buf)
	if err := m.disk.EnsureFileSize(fd, 1); err != nil {
		return errors.Trace(err)
	}
	if err := m.disk.WritePage(fd, common.HeaderPageNo, buf); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("created heap file %s record_size=%d records_per_page=%d", name, recordSize, rpp)
	return nil
}

// DestroyFile 删除堆文件
func (m *Manager) DestroyFile(name string) error {
	return errors.Trace(m.disk.DestroyFile(name))
}

// OpenFile 打开堆文件并装载文件头
func (m *Manager) OpenFile(name string) (*FileHandle, error) {
	fd, err := m.disk.OpenFile(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	page, err := m.pool.FetchPage(common.PageTag{FD: fd, PageNo: common.HeaderPageNo})
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh := &FileHandle{name: name, fd: fd, pool: m.pool}
	page.Latch.RLock()
	fh.hdr.decode(page.Data())
	page.Latch.RUnlock()
	if err := m.pool.UnpinPage(page.Tag(), false); err != nil {
		return nil, errors.Trace(err)
	}
	return fh, nil
}

// CloseFile 写回文件头、落盘全部页并关闭fd
func (m *Manager) CloseFile(fh *FileHandle) error {
	if err := fh.flushHeader(); err != nil {
		return errors.Trace(err)
	}
	if err := m.pool.RemoveAllPages(fh.fd, true); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.disk.CloseFile(fh.fd))
}

// InsertBatch 批量插入：逐条调用Insert，返回各记录RID；
// 不按页分组，每条记录各自经空闲链表定位。出错时返回已插入部分的RID。
func (m *Manager) InsertBatch(fh *FileHandle, records [][]byte) ([]common.RID, error) {
	rids := make([]common.RID, 0, len(records))
	for _, rec := range records {
		rid, err := fh.Insert(rec)
		if err != nil {
			return rids, errors.Trace(err)
		}
		rids = append(rids, rid)
	}
	return rids, nil
}
