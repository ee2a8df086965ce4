package xenbus

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainEvent(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func gotEvent(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

func TestStoreReadWrite(t *testing.T) {
	s := NewStore()

	_, err := s.Read(nil, "device/console/0", "state")
	require.True(t, errors.Is(err, syscall.ENOENT))

	require.NoError(t, s.Printf(nil, "device/console/0", "state", "%d", 1))
	v, err := s.Read(nil, "device/console/0/state", "")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.Error(t, s.Write(nil, "", "", "x"))
}

func TestStoreRemoveSubtree(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Write(nil, "a/b", "c", "1"))
	require.NoError(t, s.Write(nil, "a/b", "d", "2"))
	require.NoError(t, s.Write(nil, "a/b-x", "", "keep"))
	require.NoError(t, s.Write(nil, "a/bz", "", "keep"))

	require.NoError(t, s.Remove(nil, "a", "b"))

	snap := s.Snapshot()
	assert.Equal(t, map[string]string{"a/b-x": "keep", "a/bz": "keep"}, snap)
}

func TestStoreDirectory(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Write(nil, "device/console/0", "state", "1"))
	require.NoError(t, s.Write(nil, "device/console/1", "state", "1"))
	require.NoError(t, s.Write(nil, "device/vif/0", "state", "1"))

	assert.Equal(t, []string{"0", "1"}, s.Directory("device/console"))
	assert.Equal(t, []string{"console", "vif"}, s.Directory("device"))
	assert.Equal(t, []string{"device"}, s.Directory(""))
	assert.Empty(t, s.Directory("nothing"))
}

func TestStoreWatch(t *testing.T) {
	s := NewStore()
	ch := make(chan struct{}, 1)

	w, err := s.WatchAdd("backend/console/1/0", "state", ch)
	require.NoError(t, err)
	require.True(t, gotEvent(ch), "watch fires on registration")

	require.NoError(t, s.Write(nil, "backend/console/1/0", "online", "1"))
	assert.False(t, gotEvent(ch), "sibling keys do not fire")

	require.NoError(t, s.Write(nil, "backend/console/1/0", "state", "2"))
	assert.True(t, gotEvent(ch))

	require.NoError(t, s.Remove(nil, "backend/console/1", ""))
	assert.True(t, gotEvent(ch), "removing a parent fires")

	require.NoError(t, s.WatchRemove(w))
	require.NoError(t, s.Write(nil, "backend/console/1/0", "state", "4"))
	assert.False(t, gotEvent(ch))

	assert.Error(t, s.WatchRemove(w))
	assert.Equal(t, 0, s.Watches())
}

func TestStoreWatchFailure(t *testing.T) {
	s := NewStore()
	s.FailWatches(true)
	_, err := s.WatchAdd("x", "", make(chan struct{}, 1))
	require.Error(t, err)
}

func TestStoreTransactionCommit(t *testing.T) {
	s := NewStore()
	ch := make(chan struct{}, 1)
	_, err := s.WatchAdd("fe", "", ch)
	require.NoError(t, err)
	drainEvent(ch)

	txn, err := s.TransactionStart()
	require.NoError(t, err)
	require.NoError(t, s.Printf(txn, "fe", "ring-ref", "%d", 8))
	require.NoError(t, s.Printf(txn, "fe", "port", "%d", 3))

	v, err := s.Read(txn, "fe", "port")
	require.NoError(t, err)
	assert.Equal(t, "3", v, "transaction reads see its own writes")

	_, err = s.Read(nil, "fe", "port")
	require.True(t, errors.Is(err, syscall.ENOENT), "uncommitted writes are invisible")
	assert.False(t, gotEvent(ch))

	require.NoError(t, s.TransactionEnd(txn, true))
	assert.True(t, gotEvent(ch))

	assert.Equal(t, map[string]string{"fe/ring-ref": "8", "fe/port": "3"}, s.Snapshot())
}

func TestStoreTransactionConflict(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Write(nil, "fe", "port", "1"))

	txn, err := s.TransactionStart()
	require.NoError(t, err)
	_, err = s.Read(txn, "fe", "port")
	require.NoError(t, err)

	require.NoError(t, s.Write(nil, "fe", "port", "2"))
	require.NoError(t, s.Printf(txn, "fe", "ring-ref", "%d", 9))

	err = s.TransactionEnd(txn, true)
	require.True(t, errors.Is(err, syscall.EAGAIN))

	_, err = s.Read(nil, "fe", "ring-ref")
	require.True(t, errors.Is(err, syscall.ENOENT), "conflicting transaction applies nothing")
}

func TestStoreTransactionAbortAndInjectedConflicts(t *testing.T) {
	s := NewStore()

	txn, err := s.TransactionStart()
	require.NoError(t, err)
	require.NoError(t, s.Write(txn, "fe", "port", "1"))
	require.NoError(t, s.TransactionEnd(txn, false))
	assert.Empty(t, s.Snapshot())

	require.Error(t, s.TransactionEnd(txn, true), "ended transactions are gone")

	s.FailNextCommits(2)
	for i := 0; i < 2; i++ {
		txn, err := s.TransactionStart()
		require.NoError(t, err)
		require.NoError(t, s.Write(txn, "fe", "port", "1"))
		require.True(t, errors.Is(s.TransactionEnd(txn, true), syscall.EAGAIN))
	}
	txn, err = s.TransactionStart()
	require.NoError(t, err)
	require.NoError(t, s.Write(txn, "fe", "port", "1"))
	require.NoError(t, s.TransactionEnd(txn, true))
}

func TestStoreHistoryAndAcquire(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Write(nil, "a", "", "1"))
	require.NoError(t, s.Remove(nil, "a", ""))
	assert.Equal(t, []Op{{Kind: OpWrite, Path: "a", Value: "1"}, {Kind: OpRemove, Path: "a"}}, s.History())

	require.NoError(t, s.Acquire())
	assert.Equal(t, 1, s.References())
	s.Release()
	s.Release()
	assert.Equal(t, 0, s.References())

	s.SetUnavailable(true)
	require.True(t, errors.Is(s.Acquire(), syscall.ENODEV))
}
