package disk

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/minisql-server/server/common"
)

// fileState 单个已打开文件的状态
type fileState struct {
	path       string
	f          *os.File
	nextPageNo int32 // 页号分配游标，单调递增
}

// DiskManager 按页寻址的文件IO与追加式日志文件
type DiskManager struct {
	mu     sync.Mutex
	dir    string
	files  map[int32]*fileState
	byPath map[string]int32
	nextFD int32

	logMu   sync.Mutex
	logFile *os.File
	logPath string
}

// NewDiskManager 以数据库目录为根创建磁盘管理器
func NewDiskManager(dir string) (*DiskManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	return &DiskManager{
		dir:    dir,
		files:  make(map[int32]*fileState),
		byPath: make(map[string]int32),
		nextFD: 1,
	}, nil
}

// Dir 数据库目录
func (dm *DiskManager) Dir() string { return dm.dir }

func (dm *DiskManager) abs(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dm.dir, name)
}

// CreateFile 创建空文件，已存在时报错
func (dm *DiskManager) CreateFile(name string) error {
	path := dm.abs(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(common.ErrDiskIO, "create %s: %v", name, err)
	}
	return f.Close()
}

// DestroyFile 删除磁盘文件
func (dm *DiskManager) DestroyFile(name string) error {
	dm.mu.Lock()
	if fd, ok := dm.byPath[dm.abs(name)]; ok {
		dm.mu.Unlock()
		return errors.Wrapf(common.ErrDiskIO, "destroy open file %s (fd %d)", name, fd)
	}
	dm.mu.Unlock()
	if err := os.Remove(dm.abs(name)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(common.ErrFileMissing, "%s", name)
		}
		return errors.Wrapf(common.ErrDiskIO, "remove %s: %v", name, err)
	}
	return nil
}

// OpenFile 打开文件返回fd，重复打开返回同一fd
func (dm *DiskManager) OpenFile(name string) (int32, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	path := dm.abs(name)
	if fd, ok := dm.byPath[path]; ok {
		return fd, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return common.InvalidFD, errors.Wrapf(common.ErrFileMissing, "%s", name)
		}
		return common.InvalidFD, errors.Wrapf(common.ErrDiskIO, "open %s: %v", name, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return common.InvalidFD, errors.Wrapf(common.ErrDiskIO, "seek %s: %v", name, err)
	}
	fd := dm.nextFD
	dm.nextFD++
	dm.files[fd] = &fileState{
		path:       path,
		f:          f,
		nextPageNo: int32(size / common.PageSize),
	}
	dm.byPath[path] = fd
	return fd, nil
}

// CloseFile 关闭fd
func (dm *DiskManager) CloseFile(fd int32) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	st, ok := dm.files[fd]
	if !ok {
		return errors.Wrapf(common.ErrDiskIO, "close unknown fd %d", fd)
	}
	delete(dm.files, fd)
	delete(dm.byPath, st.path)
	if err := st.f.Close(); err != nil {
		return errors.Wrapf(common.ErrDiskIO, "close %s: %v", st.path, err)
	}
	return nil
}

// PathOf 返回fd对应的文件路径
func (dm *DiskManager) PathOf(fd int32) (string, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	st, ok := dm.files[fd]
	if !ok {
		return "", false
	}
	return st.path, true
}

func (dm *DiskManager) state(fd int32) (*fileState, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	st, ok := dm.files[fd]
	if !ok {
		return nil, errors.Wrapf(common.ErrDiskIO, "unknown fd %d", fd)
	}
	return st, nil
}

// ReadPage 读取pageNo页的前size字节，短读即报IO错误
func (dm *DiskManager) ReadPage(fd, pageNo int32, buf []byte) error {
	st, err := dm.state(fd)
	if err != nil {
		return err
	}
	n, err := st.f.ReadAt(buf, int64(pageNo)*common.PageSize)
	if err != nil && err != io.EOF {
		return errors.Wrapf(common.ErrDiskIO, "read page %d of %s: %v", pageNo, st.path, err)
	}
	if n != len(buf) {
		return errors.Wrapf(common.ErrDiskIO, "short read %d/%d at page %d of %s", n, len(buf), pageNo, st.path)
	}
	return nil
}

// WritePage 将buf写入pageNo页偏移处
func (dm *DiskManager) WritePage(fd, pageNo int32, buf []byte) error {
	st, err := dm.state(fd)
	if err != nil {
		return err
	}
	n, err := st.f.WriteAt(buf, int64(pageNo)*common.PageSize)
	if err != nil {
		return errors.Wrapf(common.ErrDiskIO, "write page %d of %s: %v", pageNo, st.path, err)
	}
	if n != len(buf) {
		return errors.Wrapf(common.ErrDiskIO, "short write %d/%d at page %d of %s", n, len(buf), pageNo, st.path)
	}
	return nil
}

// Sync 将文件落盘
func (dm *DiskManager) Sync(fd int32) error {
	st, err := dm.state(fd)
	if err != nil {
		return err
	}
	if err := st.f.Sync(); err != nil {
		return errors.Wrapf(common.ErrDiskIO, "sync %s: %v", st.path, err)
	}
	return nil
}

// AllocatePage 原子分配下一个页号
func (dm *DiskManager) AllocatePage(fd int32) (int32, error) {
	st, err := dm.state(fd)
	if err != nil {
		return common.InvalidPageNo, err
	}
	return atomic.AddInt32(&st.nextPageNo, 1) - 1, nil
}

// NumPages 当前已分配页数
func (dm *DiskManager) NumPages(fd int32) (int32, error) {
	st, err := dm.state(fd)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt32(&st.nextPageNo), nil
}

// EnsureFileSize 扩展文件使numPages页可寻址，允许稀疏
func (dm *DiskManager) EnsureFileSize(fd, numPages int32) error {
	st, err := dm.state(fd)
	if err != nil {
		return err
	}
	size, err := st.f.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrapf(common.ErrDiskIO, "seek %s: %v", st.path, err)
	}
	want := int64(numPages) * common.PageSize
	if size < want {
		if err := st.f.Truncate(want); err != nil {
			return errors.Wrapf(common.ErrDiskIO, "truncate %s: %v", st.path, err)
		}
	}
	for {
		cur := atomic.LoadInt32(&st.nextPageNo)
		if cur >= numPages {
			break
		}
		if atomic.CompareAndSwapInt32(&st.nextPageNo, cur, numPages) {
			break
		}
	}
	return nil
}

// SetLogFile 指定日志文件，不存在则创建
func (dm *DiskManager) SetLogFile(name string) error {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()

	path := dm.abs(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(common.ErrDiskIO, "open log %s: %v", name, err)
	}
	if dm.logFile != nil {
		dm.logFile.Close()
	}
	dm.logFile = f
	dm.logPath = path
	return nil
}

// WriteLog 追加写日志并落盘
func (dm *DiskManager) WriteLog(buf []byte) error {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()

	if dm.logFile == nil {
		return errors.Wrap(common.ErrDiskIO, "log file not set")
	}
	if _, err := dm.logFile.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrapf(common.ErrDiskIO, "seek log: %v", err)
	}
	n, err := dm.logFile.Write(buf)
	if err != nil || n != len(buf) {
		return errors.Wrapf(common.ErrDiskIO, "append log %d/%d: %v", n, len(buf), err)
	}
	if err := dm.logFile.Sync(); err != nil {
		return errors.Wrapf(common.ErrDiskIO, "sync log: %v", err)
	}
	return nil
}

// ReadLog 从offset处随机读日志，返回实际读取字节数
func (dm *DiskManager) ReadLog(buf []byte, offset int64) (int, error) {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()

	if dm.logFile == nil {
		return 0, errors.Wrap(common.ErrDiskIO, "log file not set")
	}
	n, err := dm.logFile.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errors.Wrapf(common.ErrDiskIO, "read log at %d: %v", offset, err)
	}
	return n, nil
}

// LogSize 当前日志文件长度
func (dm *DiskManager) LogSize() (int64, error) {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	if dm.logFile == nil {
		return 0, errors.Wrap(common.ErrDiskIO, "log file not set")
	}
	info, err := dm.logFile.Stat()
	if err != nil {
		return 0, errors.Wrapf(common.ErrDiskIO, "stat log: %v", err)
	}
	return info.Size(), nil
}

// CreateNewLogFile 创建检查点用的新日志文件，返回其路径
func (dm *DiskManager) CreateNewLogFile() (string, error) {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()

	path := dm.logPath + ".new"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", errors.Wrapf(common.ErrDiskIO, "create new log: %v", err)
	}
	return path, f.Close()
}

// ChangeLogFile 原子地用新日志文件替换旧文件
func (dm *DiskManager) ChangeLogFile() error {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()

	if dm.logFile == nil {
		return errors.Wrap(common.ErrDiskIO, "log file not set")
	}
	dm.logFile.Close()
	if err := os.Rename(dm.logPath+".new", dm.logPath); err != nil {
		return errors.Wrapf(common.ErrDiskIO, "rotate log: %v", err)
	}
	f, err := os.OpenFile(dm.logPath, os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(common.ErrDiskIO, "reopen log: %v", err)
	}
	dm.logFile = f
	return nil
}

// AppendToNewLogFile 向轮转中的新日志文件追加内容
func (dm *DiskManager) AppendToNewLogFile(buf []byte) error {
	dm.logMu.Lock()
	defer dm.logMu.Unlock()

	f, err := os.OpenFile(dm.logPath+".new", os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(common.ErrDiskIO, "open new log: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return errors.Wrapf(common.ErrDiskIO, "append new log: %v", err)
	}
	return f.Sync()
}

// Close 关闭全部文件
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	for fd, st := range dm.files {
		st.f.Close()
		delete(dm.files, fd)
		delete(dm.byPath, st.path)
	}
	dm.mu.Unlock()

	dm.logMu.Lock()
	defer dm.logMu.Unlock()
	if dm.logFile != nil {
		dm.logFile.Close()
		dm.logFile = nil
	}
	return nil
}
