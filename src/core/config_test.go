package core

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	filename := path.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(filename, []byte(contents), 0644))
	return filename
}

func TestDefaultConfiguration(t *testing.T) {
	config := DefaultConfiguration()
	assert.True(t, config.Build.Release)
	assert.EqualValues(t, 10*time.Minute, config.Profile.MergeTimeout)
	assert.EqualValues(t, 30*time.Minute, config.Bolt.Timeout)
	assert.True(t, config.Bolt.Xattrs)
	assert.EqualValues(t, 500*time.Millisecond, config.Metrics.PushTimeout)
}

func TestReadConfigFile(t *testing.T) {
	filename := writeConfig(t, `
[toolchain]
llvmbin = /opt/llvm/bin
defaultflags = -Ctarget-cpu=native
defaultflags = -Cdebuginfo=1

[build]
timeout = 20m
extraargs = --locked --offline

[bolt]
jobs = 4
xattrs = false
`)
	config, err := ReadConfigFiles([]string{filename})
	require.NoError(t, err)
	assert.Equal(t, "/opt/llvm/bin", config.Toolchain.LLVMBin)
	assert.Equal(t, []string{"-Ctarget-cpu=native", "-Cdebuginfo=1"}, config.Toolchain.DefaultFlags)
	assert.EqualValues(t, 20*time.Minute, config.Build.Timeout)
	assert.Equal(t, 4, config.Bolt.Jobs)
	assert.False(t, config.Bolt.Xattrs)

	args, err := config.BuildArgs()
	require.NoError(t, err)
	assert.Equal(t, []string{"--locked", "--offline"}, args)
}

func TestReadConfigFilesMissingIsNotAnError(t *testing.T) {
	config, err := ReadConfigFiles([]string{path.Join(t.TempDir(), "doesnt_exist")})
	require.NoError(t, err)
	assert.EqualValues(t, 10*time.Minute, config.Profile.MergeTimeout)
}

func TestReadConfigFilesOverridesInOrder(t *testing.T) {
	first := writeConfig(t, "[bolt]\njobs = 2\n")
	second := writeConfig(t, "[bolt]\njobs = 8\n")
	config, err := ReadConfigFiles([]string{first, second})
	require.NoError(t, err)
	assert.Equal(t, 8, config.Bolt.Jobs)
}

func TestReadConfigNegativeJobs(t *testing.T) {
	filename := writeConfig(t, "[bolt]\njobs = -1\n")
	_, err := ReadConfigFiles([]string{filename})
	assert.Error(t, err)
}

func TestExpandsHomeDirectories(t *testing.T) {
	filename := writeConfig(t, "[toolchain]\nllvmbin = ~/llvm/bin\n")
	config, err := ReadConfigFiles([]string{filename})
	require.NoError(t, err)
	assert.Equal(t, path.Join(os.Getenv("HOME"), "llvm/bin"), config.Toolchain.LLVMBin)
}

func TestBoltArgs(t *testing.T) {
	config := DefaultConfiguration()
	args, err := config.BoltArgs(`-reorder-blocks=ext-tsp -split-functions`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-reorder-blocks=ext-tsp", "-split-functions"}, args)

	args, err = config.BoltArgs("")
	require.NoError(t, err)
	assert.Nil(t, args)
}
