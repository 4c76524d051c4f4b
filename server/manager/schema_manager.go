package manager

import (
	"path/filepath"
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/basic"
	"github.com/zhukovaskychina/minisql-server/server/common"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
	"github.com/zhukovaskychina/minisql-server/server/storage/index"
	"github.com/zhukovaskychina/minisql-server/server/storage/record"
)

// MetaFileName 目录落盘文件名
const MetaFileName = "db.meta"

// ColDef DDL列定义
type ColDef struct {
	Name string
	Type basic.ColType
	Len  int32
}

// SchemaManager 目录管理器：持有DbMeta与所有表/索引句柄。
// DDL取排他锁，DML取共享锁。
type SchemaManager struct {
	mu sync.RWMutex

	db   *metadata.DBMeta
	disk *disk.DiskManager
	pool *bufferpool.BufferPool
	rm   *record.Manager
	im   *index.Manager

	fhs map[string]*record.FileHandle // 表名 -> 堆文件句柄
	ihs map[string]*index.Handle      // 索引文件名 -> 索引句柄

	dropped []string // 已标记删除，关库时unlink

	enableMVCC bool
}

// NewSchemaManager 打开数据库目录：装载db.meta并打开全部句柄
func NewSchemaManager(dm *disk.DiskManager, pool *bufferpool.BufferPool, enableMVCC bool) (*SchemaManager, error) {
	sm := &SchemaManager{
		disk:       dm,
		pool:       pool,
		rm:         record.NewManager(dm, pool),
		im:         index.NewManager(dm, pool),
		fhs:        make(map[string]*record.FileHandle),
		ihs:        make(map[string]*index.Handle),
		enableMVCC: enableMVCC,
	}

	metaPath := filepath.Join(dm.Dir(), MetaFileName)
	db, err := metadata.Load(metaPath)
	if err != nil {
		if errors.Cause(err) != common.ErrFileMissing {
			return nil, errors.Trace(err)
		}
		db = metadata.NewDBMeta(filepath.Base(dm.Dir()))
		if err := db.Save(metaPath); err != nil {
			return nil, errors.Trace(err)
		}
	}
	sm.db = db

	for name, tab := range db.Tables {
		fh, err := sm.rm.OpenFile(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		sm.fhs[name] = fh
		for i := range tab.Indexes {
			ix := &tab.Indexes[i]
			ih, err := sm.im.OpenIndex(ix.FileName(), keySchemaOf(ix))
			if err != nil {
				return nil, errors.Trace(err)
			}
			sm.ihs[ix.FileName()] = ih
		}
	}
	return sm, nil
}

func keySchemaOf(ix *metadata.IndexMeta) index.KeySchema {
	ks := index.KeySchema{
		Types: make([]basic.ColType, len(ix.Cols)),
		Lens:  make([]int, len(ix.Cols)),
	}
	for i, c := range ix.Cols {
		ks.Types[i] = c.Type
		ks.Lens[i] = int(c.Len)
	}
	return ks
}

// DB 当前目录快照（调用方持有返回值期间不可有并发DDL）
func (sm *SchemaManager) DB() *metadata.DBMeta {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.db
}

// EnableMVCC 是否MVCC模式
func (sm *SchemaManager) EnableMVCC() bool { return sm.enableMVCC }

func (sm *SchemaManager) metaPath() string {
	return filepath.Join(sm.disk.Dir(), MetaFileName)
}

// CreateTable 建表：列偏移紧密排布；MVCC模式首列为隐藏事务列
func (sm *SchemaManager) CreateTable(name string, defs []ColDef) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.db.Tables[name]; ok {
		return errors.Annotatef(common.ErrTableExists, "%s", name)
	}

	tab := &metadata.TableMeta{Name: name}
	offset := int32(0)
	if sm.enableMVCC {
		tab.Cols = append(tab.Cols, metadata.ColMeta{
			TabName: name, Name: metadata.HiddenTrxCol, Type: basic.TypeInt, Len: 4, Offset: 0,
		})
		offset = 4
	}
	for _, def := range defs {
		tab.Cols = append(tab.Cols, metadata.ColMeta{
			TabName: name, Name: def.Name, Type: def.Type, Len: def.Len, Offset: offset,
		})
		offset += def.Len
	}

	// 重建同名已删表时先真正unlink旧文件
	sm.reclaimDropped(name)

	if err := sm.rm.CreateFile(name, tab.RecordSize()); err != nil {
		return errors.Trace(err)
	}
	fh, err := sm.rm.OpenFile(name)
	if err != nil {
		return errors.Trace(err)
	}
	sm.db.Tables[name] = tab
	sm.fhs[name] = fh
	if err := sm.db.Save(sm.metaPath()); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("created table %s (%d cols, record size %d)", name, len(tab.Cols), tab.RecordSize())
	return nil
}

func (sm *SchemaManager) reclaimDropped(name string) {
	keep := sm.dropped[:0]
	for _, d := range sm.dropped {
		if d == name {
			sm.disk.DestroyFile(d)
			continue
		}
		keep = append(keep, d)
	}
	sm.dropped = keep
}

// DropTable 删表：关闭句柄并标记文件删除，关库时真正unlink
func (sm *SchemaManager) DropTable(name string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	tab, ok := sm.db.Tables[name]
	if !ok {
		return errors.Annotatef(common.ErrTableNotFound, "%s", name)
	}
	for i := range tab.Indexes {
		ix := &tab.Indexes[i]
		if ih, ok := sm.ihs[ix.FileName()]; ok {
			if err := sm.im.CloseIndex(ih); err != nil {
				return errors.Trace(err)
			}
			delete(sm.ihs, ix.FileName())
		}
		sm.dropped = append(sm.dropped, ix.FileName())
	}
	if fh, ok := sm.fhs[name]; ok {
		if err := sm.rm.CloseFile(fh); err != nil {
			return errors.Trace(err)
		}
		delete(sm.fhs, name)
	}
	sm.dropped = append(sm.dropped, name)
	delete(sm.db.Tables, name)
	return errors.Trace(sm.db.Save(sm.metaPath()))
}

// CreateIndex 建索引并以全表扫描批量回填
func (sm *SchemaManager) CreateIndex(tabName string, colNames []string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	tab, ok := sm.db.Tables[tabName]
	if !ok {
		return errors.Annotatef(common.ErrTableNotFound, "%s", tabName)
	}
	if _, ok := tab.Index(colNames); ok {
		return errors.Annotatef(common.ErrIndexExists, "%s(%v)", tabName, colNames)
	}
	ix := metadata.IndexMeta{TabName: tabName}
	for _, cn := range colNames {
		col, ok := tab.Col(cn)
		if !ok {
			return errors.Annotatef(common.ErrColumnNotFound, "%s.%s", tabName, cn)
		}
		ix.Cols = append(ix.Cols, *col)
	}

	sm.reclaimDropped(ix.FileName())
	ks := keySchemaOf(&ix)
	if err := sm.im.CreateIndex(ix.FileName(), ks); err != nil {
		return errors.Trace(err)
	}
	ih, err := sm.im.OpenIndex(ix.FileName(), ks)
	if err != nil {
		return errors.Trace(err)
	}

	// 回填：全表扫描逐条插入
	fh := sm.fhs[tabName]
	scan, err := record.NewScan(fh)
	if err != nil {
		return errors.Trace(err)
	}
	for !scan.IsEnd() {
		rid := scan.RID()
		rec, err := fh.Get(rid)
		if err != nil {
			return errors.Trace(err)
		}
		key := extractKey(&ix, rec)
		if err := ih.Insert(key, rid); err != nil {
			return errors.Trace(err)
		}
		if err := scan.Next(); err != nil {
			return errors.Trace(err)
		}
	}

	tab.Indexes = append(tab.Indexes, ix)
	sm.ihs[ix.FileName()] = ih
	if err := sm.db.Save(sm.metaPath()); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("created index %s", ix.FileName())
	return nil
}

// extractKey 从元组字节抽取索引复合键
func extractKey(ix *metadata.IndexMeta, rec []byte) []byte {
	key := make([]byte, 0, ix.ColTot())
	for _, c := range ix.Cols {
		key = append(key, rec[c.Offset:c.Offset+c.Len]...)
	}
	return key
}

// ExtractKey 导出给执行器使用
func ExtractKey(ix *metadata.IndexMeta, rec []byte) []byte { return extractKey(ix, rec) }

// DropIndex 删索引
func (sm *SchemaManager) DropIndex(tabName string, colNames []string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	tab, ok := sm.db.Tables[tabName]
	if !ok {
		return errors.Annotatef(common.ErrTableNotFound, "%s", tabName)
	}
	ix, ok := tab.Index(colNames)
	if !ok {
		return errors.Annotatef(common.ErrIndexMissing, "%s(%v)", tabName, colNames)
	}
	if ih, ok := sm.ihs[ix.FileName()]; ok {
		if err := sm.im.CloseIndex(ih); err != nil {
			return errors.Trace(err)
		}
		delete(sm.ihs, ix.FileName())
	}
	sm.dropped = append(sm.dropped, ix.FileName())

	keep := tab.Indexes[:0]
	for i := range tab.Indexes {
		if tab.Indexes[i].FileName() != ix.FileName() {
			keep = append(keep, tab.Indexes[i])
		}
	}
	tab.Indexes = keep
	return errors.Trace(sm.db.Save(sm.metaPath()))
}

// TableHandle 取表堆文件句柄
func (sm *SchemaManager) TableHandle(name string) (*record.FileHandle, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	fh, ok := sm.fhs[name]
	if !ok {
		return nil, errors.Annotatef(common.ErrTableNotFound, "%s", name)
	}
	return fh, nil
}

// IndexHandle 取索引句柄
func (sm *SchemaManager) IndexHandle(ix *metadata.IndexMeta) (*index.Handle, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ih, ok := sm.ihs[ix.FileName()]
	if !ok {
		return nil, errors.Annotatef(common.ErrIndexMissing, "%s", ix.FileName())
	}
	return ih, nil
}

// RebuildIndexes 恢复收尾：从堆重建全部索引保证索引-堆一致
func (sm *SchemaManager) RebuildIndexes() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for tabName, tab := range sm.db.Tables {
		fh := sm.fhs[tabName]
		for i := range tab.Indexes {
			ix := &tab.Indexes[i]
			if ih, ok := sm.ihs[ix.FileName()]; ok {
				if err := sm.im.CloseIndex(ih); err != nil {
					return errors.Trace(err)
				}
				delete(sm.ihs, ix.FileName())
			}
			sm.disk.DestroyFile(ix.FileName())

			ks := keySchemaOf(ix)
			if err := sm.im.CreateIndex(ix.FileName(), ks); err != nil {
				return errors.Trace(err)
			}
			ih, err := sm.im.OpenIndex(ix.FileName(), ks)
			if err != nil {
				return errors.Trace(err)
			}
			scan, err := record.NewScan(fh)
			if err != nil {
				return errors.Trace(err)
			}
			for !scan.IsEnd() {
				rec, err := fh.Get(scan.RID())
				if err != nil {
					return errors.Trace(err)
				}
				if err := ih.Insert(extractKey(ix, rec), scan.RID()); err != nil {
					return errors.Trace(err)
				}
				if err := scan.Next(); err != nil {
					return errors.Trace(err)
				}
			}
			sm.ihs[ix.FileName()] = ih
		}
	}
	return nil
}

// Close 关库：落盘目录、关闭句柄、unlink已删除文件
func (sm *SchemaManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.db.Save(sm.metaPath()); err != nil {
		return errors.Trace(err)
	}
	for name, fh := range sm.fhs {
		if err := sm.rm.CloseFile(fh); err != nil {
			return errors.Trace(err)
		}
		delete(sm.fhs, name)
	}
	for name, ih := range sm.ihs {
		if err := sm.im.CloseIndex(ih); err != nil {
			return errors.Trace(err)
		}
		delete(sm.ihs, name)
	}
	for _, d := range sm.dropped {
		sm.disk.DestroyFile(d)
	}
	sm.dropped = nil
	return nil
}
