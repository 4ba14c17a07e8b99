package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is a PID that almost certainly does not exist.
const deadPID = 999999

func TestPIDFile_WriteAndRead(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "run", "agentsafe.pid"))

	require.NoError(t, pf.WritePID(12345))

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	entries, err := os.ReadDir(filepath.Dir(pf.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPIDFile_Read(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"garbage", "not-a-number\n", "invalid PID file content"},
		{"zero", "0\n", "invalid PID file content"},
		{"negative", "-4\n", "invalid PID file content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := NewPIDFile(path).Read()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := NewPIDFile(filepath.Join(t.TempDir(), "missing.pid")).Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPIDFile_Remove(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))
	require.NoError(t, pf.WritePID(1))

	require.NoError(t, pf.Remove())
	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, pf.Remove(), "removing a missing file is fine")
}

func TestPIDFile_RemoveIfOwned(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	require.NoError(t, pf.WritePID(deadPID))
	require.NoError(t, pf.RemoveIfOwned())
	_, err := os.Stat(pf.Path)
	assert.NoError(t, err, "another process's file is kept")

	require.NoError(t, pf.Write())
	require.NoError(t, pf.RemoveIfOwned())
	_, err = os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_IsRunning(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running, "no file")

	require.NoError(t, pf.Write())
	pid, running = pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, pf.WritePID(deadPID))
	pid, running = pf.IsRunning()
	assert.Equal(t, deadPID, pid, "PID is read regardless")
	assert.False(t, running)
}

func TestPIDFile_Acquire(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	require.NoError(t, pf.WritePID(deadPID))
	require.NoError(t, pf.Acquire(), "stale file is replaced")
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	assert.NoError(t, pf.Acquire(), "re-acquiring our own file is fine")

	// The parent of the test binary is alive and is not us.
	require.NoError(t, pf.WritePID(os.Getppid()))
	assert.ErrorIs(t, pf.Acquire(), ErrAlreadyRunning)
}

func TestPIDFile_Signal(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "test.pid"))

	err := pf.Signal(syscall.Signal(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read PID file")

	require.NoError(t, pf.Write())
	// Signal 0 only checks that the process exists.
	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}
