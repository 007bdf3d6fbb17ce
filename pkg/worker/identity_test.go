package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func TestWorkerIDRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, ok, err := LoadWorkerID(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SaveWorkerID(dir, "worker-deadbeef"))

	workerID, ok, err := LoadWorkerID(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker-deadbeef", workerID)
}

func TestWorkerIDFilePermissions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveWorkerID(dir, "worker-1"))

	info, err := os.Stat(filepath.Join(dir, identityFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadWorkerIDIgnoresUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	payload := `{"worker_id": "worker-1", "future_field": {"nested": true}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFileName), []byte(payload), 0o600))

	workerID, ok, err := LoadWorkerID(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker-1", workerID)
}

func TestLoadWorkerIDMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFileName), []byte("not-json"), 0o600))

	_, _, err := LoadWorkerID(dir)
	assert.Error(t, err)
}

func TestDiscardWorkerID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveWorkerID(dir, "worker-1"))
	require.NoError(t, DiscardWorkerID(dir))

	_, ok, err := LoadWorkerID(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	// Discarding an absent identity is not an error
	require.NoError(t, DiscardWorkerID(dir))
}
