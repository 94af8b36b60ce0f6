package pidlock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlrelay.pid")

	lock, err := Acquire(path, false)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireEmptyPathIsNoop(t *testing.T) {
	lock, err := Acquire("", false)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquireRemovesStaleDeadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlrelay.pid")
	// A PID essentially guaranteed not to be running.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0644))

	lock, err := Acquire(path, false)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquireRefusesLiveHolderWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlrelay.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644))

	_, err := Acquire(path, false)
	require.Error(t, err)

	require.NoError(t, os.Remove(path))
}

func TestAcquireReplacesMalformedPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlrelay.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	lock, err := Acquire(path, false)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
