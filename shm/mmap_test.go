package shm_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/shmcast/shm"
)

func TestCreateLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.logbuffer")

	m, err := shm.CreateLogFile(path, 64*1024)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, int64(64*1024), m.Length())
	assert.Equal(t, path, m.Path())

	// Fresh mappings are zero filled.
	for _, b := range m.Data()[:4096] {
		require.Zero(t, b)
	}

	// Creation is exclusive.
	_, err = shm.CreateLogFile(path, 64*1024)
	assert.Error(t, err)
}

func TestWritesVisibleThroughSecondMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2.logbuffer")

	writer, err := shm.CreateLogFile(path, 64*1024)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := shm.MapExistingFile(path)
	require.NoError(t, err)
	defer reader.Close()

	writer.Data()[100] = 0xAB
	assert.Equal(t, byte(0xAB), reader.Data()[100])
}

func TestCloseAndUnlink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "3.logbuffer")

	m, err := shm.CreateLogFile(path, 64*1024)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Unlink())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
