package core

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindWorkspaceRoot(t *testing.T) {
	dir := t.TempDir()
	sub := path.Join(dir, "src", "bin")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(path.Join(dir, ManifestFileName), []byte("[package]\nname = \"demo\"\n"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)
	require.NoError(t, os.Chdir(sub))

	root := FindWorkspaceRoot()
	// Resolve symlinks since temp dirs are often behind them on some platforms.
	expected, err := os.Stat(dir)
	require.NoError(t, err)
	actual, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, os.SameFile(expected, actual))
}

func TestFindWorkspaceRootMissing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)
	require.NoError(t, os.Chdir(t.TempDir()))
	assert.Equal(t, "", FindWorkspaceRoot())
}

func TestStoreAndReadPreviousOperation(t *testing.T) {
	dir := t.TempDir()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"pogo", "bolt", "instrument", "--", "--release"}
	StoreCurrentOperation(dir)
	assert.Equal(t, []string{"bolt", "instrument", "--", "--release"}, ReadPreviousOperationOrDie(dir))
}
