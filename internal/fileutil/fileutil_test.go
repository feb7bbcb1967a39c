package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtrain-org/dtrain/internal/fileutil"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	require.False(t, fileutil.FileExists(filepath.Join(dir, "missing")))

	f := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0600))
	require.True(t, fileutil.FileExists(f))
}

func TestOpenOrCreateFile(t *testing.T) {
	t.Run("CreatesParentDirs", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "log.txt")
		f, err := fileutil.OpenOrCreateFile(path)
		require.NoError(t, err)
		_, err = f.WriteString("first\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	})
	t.Run("AppendsToExisting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "log.txt")
		for _, line := range []string{"one\n", "two\n"} {
			f, err := fileutil.OpenOrCreateFile(path)
			require.NoError(t, err)
			_, err = f.WriteString(line)
			require.NoError(t, err)
			require.NoError(t, f.Close())
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "one\ntwo\n", string(data))
	})
}
