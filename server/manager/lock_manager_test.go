package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/minisql-server/server/common"

	"github.com/juju/errors"
)

func TestCompatibilityMatrix(t *testing.T) {
	assert.True(t, lockCompatible[LockIS][LockIX])
	assert.True(t, lockCompatible[LockIS][LockS])
	assert.True(t, lockCompatible[LockIX][LockIX])
	assert.False(t, lockCompatible[LockIX][LockS])
	assert.False(t, lockCompatible[LockS][LockX])
	assert.False(t, lockCompatible[LockX][LockIS])
}

func TestSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.LockTable(1, 10, LockS))
	require.NoError(t, lm.LockTable(2, 10, LockS))
	lm.UnlockAll(1)
	lm.UnlockAll(2)
}

func TestReentrantLock(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.LockTable(1, 10, LockX))
	require.NoError(t, lm.LockTable(1, 10, LockS))
	require.NoError(t, lm.LockTable(1, 10, LockX))
	lm.UnlockAll(1)
}

func TestConflictBlocksUntilRelease(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.LockKey(1, 10, []byte("k"), LockX))

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// 年轻事务等待老事务释放
		require.NoError(t, lm.LockKey(2, 10, []byte("k"), LockX))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock granted while conflicting holder active")
	case <-time.After(50 * time.Millisecond):
	}

	lm.UnlockAll(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not granted after release")
	}
	wg.Wait()
	lm.UnlockAll(2)
}

func TestWoundWaitOlderWoundsYounger(t *testing.T) {
	lm := NewLockManager()
	// 年轻事务(5)先持有
	require.NoError(t, lm.LockKey(5, 10, []byte("k"), LockX))

	done := make(chan error, 1)
	go func() {
		// 老事务(1)请求冲突锁：击伤5并排队等待
		done <- lm.LockKey(1, 10, []byte("k"), LockX)
	}()

	// 等待击伤标记生效
	deadline := time.Now().Add(time.Second)
	for !lm.IsWounded(5) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, lm.IsWounded(5))

	// 牺牲者在下一次加锁请求时收到upgrade-conflict
	err := lm.LockKey(5, 10, []byte("other"), LockS)
	require.Error(t, err)
	assert.Equal(t, common.ErrUpgradeConflict, errors.Cause(err))

	// 牺牲者回滚释放后，老事务获得锁
	lm.UnlockAll(5)
	require.NoError(t, <-done)
	lm.UnlockAll(1)
}

func TestYoungerWaitsForOlder(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.LockKey(1, 10, []byte("k"), LockX))

	done := make(chan error, 1)
	go func() {
		done <- lm.LockKey(9, 10, []byte("k"), LockX)
	}()
	// 年轻事务不击伤老事务，只能等待
	time.Sleep(30 * time.Millisecond)
	assert.False(t, lm.IsWounded(1))

	lm.UnlockAll(1)
	require.NoError(t, <-done)
	lm.UnlockAll(9)
}

func TestUnlockAllCancelsWaiters(t *testing.T) {
	lm := NewLockManager()
	require.NoError(t, lm.LockKey(1, 10, []byte("k"), LockX))

	done := make(chan error, 1)
	go func() {
		done <- lm.LockKey(2, 10, []byte("k"), LockX)
	}()
	time.Sleep(20 * time.Millisecond)

	// 等待中的事务被整体释放时收到中止信号
	lm.UnlockAll(2)
	err := <-done
	assert.Error(t, err)
	lm.UnlockAll(1)
}
