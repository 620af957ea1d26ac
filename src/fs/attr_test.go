package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testXattrName = "user.pogo_test_hash"

func TestRecordAttrFileFallback(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "binary")
	require.NoError(t, os.WriteFile(file, []byte("contents"), 0755))
	hash := []byte{1, 2, 3, 4}
	require.NoError(t, RecordAttr(file, hash, testXattrName, false))
	assert.Equal(t, hash, ReadAttr(file, testXattrName, false))
	// The fallback file should be hidden next to the original.
	assert.True(t, FileExists(filepath.Join(dir, ".pogo_hash_binary")))
}

func TestReadAttrMissing(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "binary")
	require.NoError(t, os.WriteFile(file, []byte("contents"), 0755))
	assert.Empty(t, ReadAttr(file, testXattrName, false))
}
