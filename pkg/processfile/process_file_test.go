package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
)

func testLogger() logging.Logger {
	return logging.NewLogger("test , ", logging.LogFuncs{})
}

func TestPIDFile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "stack.pid")
	pidFile := New(path, testLogger())

	require.NoError(t, pidFile.Write())

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	pidFile.Remove()
	_, err = ReadPID(path)
	assert.Error(t, err)

	// Removing twice is fine.
	pidFile.Remove()
}

func TestPIDFile_RejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.pid")
	require.NoError(t, New(path, testLogger()).Write())

	// The file now names this test process, which is definitely alive.
	err := New(path, testLogger()).Write()
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestPIDFile_OverwritesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.pid")
	// No real process gets a PID this large on test systems.
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0644))

	pidFile := New(path, testLogger())
	require.NoError(t, pidFile.Write())

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0644))

	_, err := ReadPID(path)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestPIDFile_EmptyPath(t *testing.T) {
	err := New("", testLogger()).Write()
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
