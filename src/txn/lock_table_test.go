package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
)

func TestAcquireIsExclusive(t *testing.T) {
	lt := NewObjectLockTable(zap.NewNop().Sugar())

	require.NoError(t, lt.Acquire("sys_w_j", 1))

	err := lt.Acquire("sys_w_j", 2)
	require.Error(t, err)
	require.True(t, IsStructuralConflict(err))
	require.EqualError(t, err, "sys_w_j conflicts with another transaction")

	holder, ok := lt.HeldBy("sys_w_j")
	require.True(t, ok)
	require.Equal(t, catalog.TxID(1), holder)
}

func TestAcquireIsReentrant(t *testing.T) {
	lt := NewObjectLockTable(zap.NewNop().Sugar())

	require.NoError(t, lt.Acquire("sys_w_j", 1))
	require.NoError(t, lt.Acquire("sys_w_j", 1))
}

func TestReleaseAllFreesLocks(t *testing.T) {
	lt := NewObjectLockTable(zap.NewNop().Sugar())

	require.NoError(t, lt.Acquire("sys_w_j", 1))
	require.NoError(t, lt.Acquire("sys_w_k", 1))

	released := lt.ReleaseAll(1)
	require.ElementsMatch(t, []string{"sys_w_j", "sys_w_k"}, released)

	// The loser of the first race can take the lock once the holder ends.
	require.NoError(t, lt.Acquire("sys_w_j", 2))
	_, held := lt.HeldBy("sys_w_k")
	require.False(t, held)
}

func TestReleaseAllForStranger(t *testing.T) {
	lt := NewObjectLockTable(zap.NewNop().Sugar())
	require.Nil(t, lt.ReleaseAll(99))
}
