package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "one")
	f2 := filepath.Join(dir, "two")
	f3 := filepath.Join(dir, "three")
	require.NoError(t, os.WriteFile(f1, []byte("some binary"), 0755))
	require.NoError(t, os.WriteFile(f2, []byte("some binary"), 0755))
	require.NoError(t, os.WriteFile(f3, []byte("a different binary"), 0755))

	h1, err := HashFile(f1)
	require.NoError(t, err)
	h2, err := HashFile(f2)
	require.NoError(t, err)
	h3, err := HashFile(f3)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 32)
}

func TestHashFileHex(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("contents"), 0644))
	h, err := HashFileHex(f)
	require.NoError(t, err)
	assert.Len(t, h, 64)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "doesnt_exist"))
	assert.Error(t, err)
}
