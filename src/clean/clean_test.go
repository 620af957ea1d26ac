package clean

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/profile"
)

func TestCleanRemovesSessionDirs(t *testing.T) {
	tmp := t.TempDir()
	targetDir := path.Join(tmp, "target")
	config := core.DefaultConfiguration()
	pgo := profile.Root(config, tmp, targetDir)
	bolt := profile.BoltRoot(config, tmp, targetDir)
	writeSessionFile(t, path.Join(pgo, "pgo-abc-123", "raw", "one.profraw"))
	writeSessionFile(t, path.Join(bolt, "bolt-def-456", "widget", "instrumented"))

	require.NoError(t, Clean(config, tmp, targetDir, true))
	assert.False(t, fs.PathExists(pgo))
	assert.False(t, fs.PathExists(bolt))
}

func TestCleanWithNothingToDo(t *testing.T) {
	tmp := t.TempDir()
	require.NoError(t, Clean(core.DefaultConfiguration(), tmp, path.Join(tmp, "target"), true))
}

func TestCleanRefusesWithoutTerminal(t *testing.T) {
	tmp := t.TempDir()
	targetDir := path.Join(tmp, "target")
	config := core.DefaultConfiguration()
	pgo := profile.Root(config, tmp, targetDir)
	writeSessionFile(t, path.Join(pgo, "pgo-abc-123", "session.json"))

	// Tests don't run attached to a terminal, so an unforced clean can't
	// prompt and must leave everything alone.
	err := Clean(config, tmp, targetDir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
	assert.True(t, fs.PathExists(pgo))
}

func TestCleanHonoursConfiguredDirs(t *testing.T) {
	tmp := t.TempDir()
	targetDir := path.Join(tmp, "target")
	config := core.DefaultConfiguration()
	config.Profile.Dir = "my-profiles"
	custom := path.Join(tmp, "my-profiles")
	writeSessionFile(t, path.Join(custom, "pgo-abc-123", "session.json"))

	require.NoError(t, Clean(config, tmp, targetDir, true))
	assert.False(t, fs.PathExists(custom))
}

func writeSessionFile(t *testing.T, filename string) {
	t.Helper()
	require.NoError(t, fs.EnsureDir(filename))
	require.NoError(t, os.WriteFile(filename, []byte("data"), 0644))
}
