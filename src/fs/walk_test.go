package fs

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw"), DirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw", "one.profraw"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw", "two.profraw"), []byte("2"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.json"), []byte("{}"), 0644))

	files := []string{}
	err := Walk(dir, func(name string, isDir bool) error {
		if !isDir {
			files = append(files, name)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(dir, "raw", "one.profraw"),
		filepath.Join(dir, "raw", "two.profraw"),
		filepath.Join(dir, "session.json"),
	}, files)
}

func TestWalkSingleFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	files := []string{}
	err := Walk(file, func(name string, isDir bool) error {
		files = append(files, name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{file}, files)
}

func TestWalkMissingRoot(t *testing.T) {
	err := Walk(filepath.Join(t.TempDir(), "doesnt_exist"), func(name string, isDir bool) error {
		return nil
	})
	assert.Error(t, err)
}
