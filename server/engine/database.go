package engine

import (
	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/conf"
	"github.com/zhukovaskychina/minisql-server/server/manager"
	"github.com/zhukovaskychina/minisql-server/server/metadata"
	"github.com/zhukovaskychina/minisql-server/server/plan"
	"github.com/zhukovaskychina/minisql-server/server/storage/bufferpool"
	"github.com/zhukovaskychina/minisql-server/server/storage/disk"
)

// LogFileName 数据库目录内的WAL文件名
const LogFileName = "db.log"

// Database 存储内核装配体：打开目录即拉起磁盘管理、缓冲池、
// 日志、锁、目录、事务与恢复各子系统
type Database struct {
	Disk    *disk.DiskManager
	Pool    *bufferpool.BufferPool
	LogMgr  *manager.LogManager
	LockMgr *manager.LockManager
	SM      *manager.SchemaManager
	TM      *manager.TransactionManager
	Planner *plan.Planner

	vm *manager.VersionManager
}

// pageCounter 规划器基数估计的页数来源
type pageCounter struct {
	sm *manager.SchemaManager
}

// TablePages 实现plan.PageCounter
func (pc *pageCounter) TablePages(name string) int32 {
	fh, err := pc.sm.TableHandle(name)
	if err != nil {
		return 0
	}
	return fh.NumPages()
}

// OpenDatabase 打开（或创建）数据库目录并执行启动恢复
func OpenDatabase(cfg *conf.Cfg) (*Database, error) {
	dm, err := disk.NewDiskManager(cfg.DataDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := dm.SetLogFile(LogFileName); err != nil {
		return nil, errors.Trace(err)
	}

	pool := bufferpool.NewBufferPool(dm, bufferpool.Config{
		PoolPages:         cfg.BufferPoolPages,
		ReplacerPolicy:    cfg.ReplacerPolicy,
		FlushInterval:     cfg.FlushInterval,
		DirtyFlushPercent: cfg.DirtyFlushPercent,
	})
	logMgr := manager.NewLogManager(dm, cfg.LogBufferSize, cfg.LogFlushInterval)
	pool.SetWALFlusher(logMgr)

	sm, err := manager.NewSchemaManager(dm, pool, cfg.EnableMVCC)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lockMgr := manager.NewLockManager()
	tm := manager.NewTransactionManager(lockMgr, logMgr, sm)

	rm := manager.NewRecoveryManager(logMgr, sm, tm)
	if err := rm.Recover(); err != nil {
		return nil, errors.Trace(err)
	}

	db := &Database{
		Disk:    dm,
		Pool:    pool,
		LogMgr:  logMgr,
		LockMgr: lockMgr,
		SM:      sm,
		TM:      tm,
	}
	if cfg.EnableMVCC {
		db.vm = manager.NewVersionManager(tm, cfg.GCInterval)
		tm.AttachVersionManager(db.vm)
	}
	db.Planner = plan.NewPlanner(func() *metadata.DBMeta { return sm.DB() }, &pageCounter{sm: sm})

	logger.Infof("database %s opened (mvcc=%v, pool=%d pages)", cfg.DataDir, cfg.EnableMVCC, cfg.BufferPoolPages)
	return db, nil
}

// NewSession 为一个客户端连接创建会话
func (db *Database) NewSession(cfg *conf.Cfg) *Session {
	return NewSession(db.SM, db.TM, db.Planner, db.Pool, cfg)
}

// Close 关库：停后台线程、落盘目录与数据、关闭文件
func (db *Database) Close() error {
	if db.vm != nil {
		db.vm.Close()
	}
	if err := db.LogMgr.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := db.SM.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := db.Pool.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.Disk.Close())
}
