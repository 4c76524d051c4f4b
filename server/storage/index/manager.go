package index

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
	"github.com/zhukovaskychina/minisql-server/util"
)

// Manager 索引文件管理器
type Manager struct {
	disk *disk.DiskManager
	pool *bufferpool.BufferPool
}

// NewManager 创建索引文件管理器
func NewManager(dm *disk.DiskManager, pool *bufferpool.BufferPool) *Manager {
	return &Manager{disk: dm, pool: pool}
}

// CreateIndex 创建索引文件：头页+空根叶
func (m *Manager) CreateIndex(name string, ks KeySchema) error {
	if err := m.disk.CreateFile(name); err != nil {
		return errors.Trace(err)
	}
	fd, err := m.disk.OpenFile(name)
	if err != nil {
		return errors.Trace(err)
	}
	defer m.disk.CloseFile(fd)

	if err := m.disk.EnsureFileSize(fd, 2); err != nil {
		return errors.Trace(err)
	}

	hdrBuf := make([]byte, common.PageSize)
	util.WriteI32(hdrBuf, ixHdrOffRoot, 1)
	util.WriteI32(hdrBuf, ixHdrOffFirstLeaf, 1)
	util.WriteI32(hdrBuf, ixHdrOffLastLeaf, 1)
	util.WriteI32(hdrBuf, ixHdrOffKeyLen, int32(ks.KeyLen()))
	util.WriteI32(hdrBuf, ixHdrOffNumPages, 2)
	if err := m.disk.WritePage(fd, common.HeaderPageNo, hdrBuf); err != nil {
		return errors.Trace(err)
	}

	rootBuf := make([]byte, common.PageSize)
	root := node{keyLen: ks.KeyLen(), data: rootBuf}
	root.setLeaf(true)
	root.setNumKeys(0)
	root.setPrevSib(common.InvalidPageNo)
	root.setNextSib(common.InvalidPageNo)
	if err := m.disk.WritePage(fd, 1, rootBuf); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("created index file %s key_len=%d", name, ks.KeyLen())
	return nil
}

// OpenIndex 打开索引文件，键模式由目录提供
func (m *Manager) OpenIndex(name string, ks KeySchema) (*Handle, error) {
	fd, err := m.disk.OpenFile(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	page, err := m.pool.FetchPage(common.PageTag{FD: fd, PageNo: common.HeaderPageNo})
	if err != nil {
		return nil, errors.Trace(err)
	}
	page.Latch.RLock()
	storedKeyLen := util.ReadI32(page.Data(), ixHdrOffKeyLen)
	page.Latch.RUnlock()
	m.pool.UnpinPage(page.Tag(), false)

	if int(storedKeyLen) != ks.KeyLen() {
		return nil, errors.Annotatef(common.ErrInternal,
			"index %s key len mismatch: file %d, catalog %d", name, storedKeyLen, ks.KeyLen())
	}
	return &Handle{name: name, fd: fd, pool: m.pool, ks: ks}, nil
}

// CloseIndex 落盘并关闭索引文件
func (m *Manager) CloseIndex(h *Handle) error {
	if err := m.pool.RemoveAllPages(h.fd, true); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(m.disk.CloseFile(h.fd))
}

// DestroyIndex 删除索引文件
func (m *Manager) DestroyIndex(name string) error {
	return errors.Trace(m.disk.DestroyFile(name))
}
