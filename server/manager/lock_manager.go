package manager

import (
	"sync"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/minisql-server/logger"
	"github.com/zhukovaskychina/minisql-server/server/common"
)

// LockManager 严格两阶段锁管理器。
// 死锁策略为wound-wait：事务ID越小越老，老事务抢占时击伤年轻持有者，
// 被击伤的事务在下一次加锁请求时收到upgrade-conflict。
// 全表粒度一把粗闩保护请求表。
type LockManager struct {
	mu      sync.Mutex
	table   map[lockDataID]*lockEntry
	holding map[int32]map[lockDataID]struct{} // 事务持有/排队中的资源
	wounded map[int32]bool
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	return &LockManager{
		table:   make(map[lockDataID]*lockEntry),
		holding: make(map[int32]map[lockDataID]struct{}),
		wounded: make(map[int32]bool),
	}
}

// LockTable 获取表级锁
func (lm *LockManager) LockTable(txnID, fd int32, mode LockMode) error {
	return lm.lock(txnID, lockDataID{fd: fd}, mode)
}

// LockKey 获取键级锁，mode只允许S/X
func (lm *LockManager) LockKey(txnID, fd int32, key []byte, mode LockMode) error {
	if mode != LockS && mode != LockX {
		return errors.Annotatef(common.ErrInternal, "key lock mode %s", mode)
	}
	return lm.lock(txnID, lockDataID{fd: fd, key: string(key)}, mode)
}

func (lm *LockManager) lock(txnID int32, id lockDataID, mode LockMode) error {
	lm.mu.Lock()

	if lm.wounded[txnID] {
		lm.mu.Unlock()
		return errors.Annotatef(common.ErrUpgradeConflict, "txn %d wounded", txnID)
	}

	entry, ok := lm.table[id]
	if !ok {
		entry = &lockEntry{}
		lm.table[id] = entry
	}

	// 重入：已持有覆盖模式直接返回
	for _, req := range entry.queue {
		if req.txnID == txnID && req.granted && req.mode.covers(mode) {
			lm.mu.Unlock()
			return nil
		}
	}

	req := &lockRequest{txnID: txnID, mode: mode, waitCh: make(chan error, 1)}
	entry.queue = append(entry.queue, req)
	if lm.holding[txnID] == nil {
		lm.holding[txnID] = make(map[lockDataID]struct{})
	}
	lm.holding[txnID][id] = struct{}{}

	// wound-wait：击伤所有与请求冲突的年轻持有者
	for _, held := range entry.queue {
		if held.txnID == txnID || !held.granted {
			continue
		}
		if !lockCompatible[held.mode][mode] && txnID < held.txnID {
			if !lm.wounded[held.txnID] {
				lm.wounded[held.txnID] = true
				logger.Debugf("txn %d wounds txn %d on %s", txnID, held.txnID, id)
				lm.cancelWaitsLocked(held.txnID)
			}
		}
	}

	lm.grantLocked(id, entry)
	granted := req.granted
	lm.mu.Unlock()

	if granted {
		return nil
	}
	// FIFO等待授予或中止信号
	if err := <-req.waitCh; err != nil {
		return errors.Trace(err)
	}
	return nil
}

// grantLocked 从队头起授予所有相容请求，调用方持有lm.mu
func (lm *LockManager) grantLocked(id lockDataID, entry *lockEntry) {
	for _, req := range entry.queue {
		if req.granted {
			continue
		}
		compatible := true
		for _, other := range entry.queue {
			if other == req || !other.granted {
				continue
			}
			if other.txnID == req.txnID {
				continue
			}
			if !lockCompatible[other.mode][req.mode] {
				compatible = false
				break
			}
		}
		if !compatible {
			// FIFO：队头未授予则不越过
			break
		}
		req.granted = true
		select {
		case req.waitCh <- nil:
		default:
		}
	}
}

// cancelWaitsLocked 击伤正在等锁的牺牲者，令其立即收到中止信号
func (lm *LockManager) cancelWaitsLocked(txnID int32) {
	for id := range lm.holding[txnID] {
		entry, ok := lm.table[id]
		if !ok {
			continue
		}
		for _, req := range entry.queue {
			if req.txnID == txnID && !req.granted {
				select {
				case req.waitCh <- errors.Annotatef(common.ErrUpgradeConflict, "txn %d wounded while waiting", txnID):
				default:
				}
			}
		}
	}
}

// UnlockAll 提交/中止时释放事务的全部锁，隐式进入收缩阶段
func (lm *LockManager) UnlockAll(txnID int32) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for id := range lm.holding[txnID] {
		entry, ok := lm.table[id]
		if !ok {
			continue
		}
		keep := entry.queue[:0]
		for _, req := range entry.queue {
			if req.txnID == txnID {
				if !req.granted {
					// 等待中的请求被一并取消
					select {
					case req.waitCh <- errors.Annotatef(common.ErrUpgradeConflict, "txn %d aborted while waiting", txnID):
					default:
					}
				}
				continue
			}
			keep = append(keep, req)
		}
		entry.queue = keep
		if len(entry.queue) == 0 {
			delete(lm.table, id)
		} else {
			lm.grantLocked(id, entry)
		}
	}
	delete(lm.holding, txnID)
	delete(lm.wounded, txnID)
}

// IsWounded 事务是否已被wound-wait选为牺牲者
func (lm *LockManager) IsWounded(txnID int32) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.wounded[txnID]
}
