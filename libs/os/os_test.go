package os_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	tsos "github.com/treesync/treesync/libs/os"
)

func TestEnsureDir(t *testing.T) {
	tmp := t.TempDir()

	dir := filepath.Join(tmp, "config", "nested")
	require.False(t, tsos.FileExists(dir))
	require.NoError(t, tsos.EnsureDir(dir, 0700))
	require.True(t, tsos.FileExists(dir))

	// idempotent
	require.NoError(t, tsos.EnsureDir(dir, 0700))

	file := filepath.Join(tmp, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	require.True(t, tsos.FileExists(file))
}
