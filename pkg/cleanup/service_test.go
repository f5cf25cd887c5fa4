package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceRemovesExpiredEntries(t *testing.T) {
	base := t.TempDir()
	cacheDir := filepath.Join(base, "cache")
	tasksDir := filepath.Join(base, "tasks")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(tasksDir, "old-task", "steps"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(tasksDir, "new-task"), 0o755))

	oldArchive := filepath.Join(cacheDir, "old.tar.gz")
	newArchive := filepath.Join(cacheDir, "new.tar.gz")
	require.NoError(t, os.WriteFile(oldArchive, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(newArchive, []byte("x"), 0o644))

	// Age the expired entries.
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldArchive, past, past))
	require.NoError(t, os.Chtimes(filepath.Join(tasksDir, "old-task"), past, past))

	s := NewService(base, Config{
		TaskRetention: 24 * time.Hour,
		ExportTTL:     time.Hour,
		Interval:      time.Hour,
	})
	s.RunOnce()

	_, err := os.Stat(oldArchive)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newArchive)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(tasksDir, "old-task"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(tasksDir, "new-task"))
	assert.NoError(t, err)
}

func TestRunOnceMissingDirsIsNoop(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "absent"), DefaultConfig)
	s.RunOnce()
}
