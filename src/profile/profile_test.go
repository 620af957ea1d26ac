package profile

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/toolchain"
)

var executor = process.New()

func TestCreateSession(t *testing.T) {
	root := t.TempDir()
	session, err := Create(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", []string{"-Copt-level=3"})
	require.NoError(t, err)
	assert.True(t, fs.IsDirectory(RawDir(session)))
	assert.True(t, fs.FileExists(path.Join(session.Dir, core.SessionFileName)))
	b, err := os.ReadFile(path.Join(root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, path.Base(session.Dir)+"\n", string(b))
}

func TestFindMatchesFingerprint(t *testing.T) {
	root := t.TempDir()
	session, err := Create(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	found, err := Find(root, core.PGOSession, "00c0ffee00c0ffee")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, session.Dir, found.Dir)

	found, err = Find(root, core.PGOSession, "1111111111111111")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindWithoutRoot(t *testing.T) {
	found, err := Find(path.Join(t.TempDir(), "doesnt-exist"), core.PGOSession, "00c0ffee00c0ffee")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindOrCreateResumes(t *testing.T) {
	root := t.TempDir()
	first, err := FindOrCreate(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	second, err := FindOrCreate(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	assert.Equal(t, first.Dir, second.Dir)

	third, err := FindOrCreate(root, core.PGOSession, "2222222222222222", "1.71.0", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Dir, third.Dir)
}

func TestLatestFollowsPointer(t *testing.T) {
	root := t.TempDir()
	_, err := Create(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	second, err := Create(root, core.PGOSession, "2222222222222222", "1.71.0", nil)
	require.NoError(t, err)
	latest, err := Latest(root, core.PGOSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.Dir, latest.Dir)
}

func TestLatestFallsBackToNewest(t *testing.T) {
	root := t.TempDir()
	_, err := Create(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := Create(root, core.PGOSession, "2222222222222222", "1.71.0", nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path.Join(root, "latest")))
	latest, err := Latest(root, core.PGOSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.Dir, latest.Dir)
}

func TestLatestIgnoresDanglingPointer(t *testing.T) {
	root := t.TempDir()
	session, err := Create(root, core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path.Join(root, "latest"), []byte("pgo-deadbeef-aaaaaaaa\n"), 0644))
	latest, err := Latest(root, core.PGOSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, session.Dir, latest.Dir)
}

func TestLatestEmptyRoot(t *testing.T) {
	latest, err := Latest(t.TempDir(), core.PGOSession)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRawProfiles(t *testing.T) {
	session := createTestSession(t)
	writeRaw(t, session, "default_2222.profraw", "bbbb")
	writeRaw(t, session, "default_1111.profraw", "aa")
	writeRaw(t, session, "notes.txt", "not a profile")
	raws, err := RawProfiles(session)
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, "raw/default_1111.profraw", raws[0].Name)
	assert.Equal(t, path.Join(RawDir(session), "default_1111.profraw"), raws[0].Path)
	assert.EqualValues(t, 2, raws[0].Size)
	assert.Equal(t, "raw/default_2222.profraw", raws[1].Name)
}

func TestRawProfilesEmpty(t *testing.T) {
	session := createTestSession(t)
	raws, err := RawProfiles(session)
	require.NoError(t, err)
	assert.Empty(t, raws)
}

func TestUnmergedRaws(t *testing.T) {
	session := createTestSession(t)
	writeRaw(t, session, "default_1111.profraw", "aa")
	writeRaw(t, session, "default_2222.profraw", "bb")
	raws, err := RawProfiles(session)
	require.NoError(t, err)
	session.MergedFrom = []string{"raw/default_1111.profraw"}
	unmerged := UnmergedRaws(session, raws)
	require.Len(t, unmerged, 1)
	assert.Equal(t, "raw/default_2222.profraw", unmerged[0].Name)

	session.MergedFrom = []string{"raw/default_1111.profraw", "raw/default_2222.profraw"}
	assert.Empty(t, UnmergedRaws(session, raws))
}

func TestMerge(t *testing.T) {
	session := createTestSession(t)
	writeRaw(t, session, "default_1111.profraw", "aa")
	writeRaw(t, session, "default_2222.profraw", "bb")
	tc := fakeProfdata(t, `#!/bin/sh
printf '%s\n' "$@" > "$(dirname "$0")/args.txt"
touch merged.profdata
exit 0
`)
	err := Merge(context.Background(), executor, core.DefaultConfiguration(), tc, session)
	require.NoError(t, err)
	assert.Equal(t, MergedProfileName, session.MergedProfile)
	assert.Equal(t, []string{"raw/default_1111.profraw", "raw/default_2222.profraw"}, session.MergedFrom)
	assert.True(t, fs.FileExists(MergedProfilePath(session)))

	args := readFile(t, path.Join(path.Dir(tc.LLVMProfdata), "args.txt"))
	assert.Equal(t, "merge\n-o\nmerged.profdata\nraw/default_1111.profraw\nraw/default_2222.profraw\n", args)
}

func TestMergeWithoutProfiles(t *testing.T) {
	session := createTestSession(t)
	tc := fakeProfdata(t, `#!/bin/sh
exit 0
`)
	err := Merge(context.Background(), executor, core.DefaultConfiguration(), tc, session)
	require.Error(t, err)
	missing := &core.ProfileDataMissing{}
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, RawDir(session), missing.Dir)
	assert.False(t, fs.FileExists(MergedProfilePath(session)))
	assert.Empty(t, session.MergedProfile)
}

func TestMergeFailure(t *testing.T) {
	session := createTestSession(t)
	writeRaw(t, session, "default_1111.profraw", "aa")
	tc := fakeProfdata(t, `#!/bin/sh
echo 'error: malformed instrumentation profile data' >&2
exit 1
`)
	err := Merge(context.Background(), executor, core.DefaultConfiguration(), tc, session)
	require.Error(t, err)
	mergeErr := &MergeFailed{}
	require.True(t, errors.As(err, &mergeErr))
	assert.Equal(t, 1, mergeErr.ExitCode)
	assert.Contains(t, mergeErr.Output, "malformed instrumentation profile")
	assert.Empty(t, session.MergedProfile)
}

func TestMergeWithoutProfdata(t *testing.T) {
	session := createTestSession(t)
	writeRaw(t, session, "default_1111.profraw", "aa")
	err := Merge(context.Background(), executor, core.DefaultConfiguration(), &toolchain.Toolchain{}, session)
	require.Error(t, err)
	notFound := &toolchain.NotFound{}
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "llvm-profdata", notFound.Tool)
}

func TestWaitForProfilesAlreadyPresent(t *testing.T) {
	session := createTestSession(t)
	writeRaw(t, session, "default_1111.profraw", "aa")
	require.NoError(t, WaitForProfiles(context.Background(), session))
}

func TestWaitForProfilesAppearing(t *testing.T) {
	session := createTestSession(t)
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(path.Join(RawDir(session), "default_1111.profraw"), []byte("aa"), 0644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, WaitForProfiles(ctx, session))
}

func TestWaitForProfilesTimeout(t *testing.T) {
	session := createTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := WaitForProfiles(ctx, session)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func createTestSession(t *testing.T) *core.Session {
	t.Helper()
	session, err := Create(t.TempDir(), core.PGOSession, "00c0ffee00c0ffee", "1.71.0", nil)
	require.NoError(t, err)
	return session
}

func writeRaw(t *testing.T, session *core.Session, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path.Join(RawDir(session), name), []byte(content), 0644))
}

func fakeProfdata(t *testing.T, script string) *toolchain.Toolchain {
	t.Helper()
	filename := path.Join(t.TempDir(), "llvm-profdata")
	require.NoError(t, os.WriteFile(filename, []byte(script), 0755))
	return &toolchain.Toolchain{LLVMProfdata: filename}
}

func readFile(t *testing.T, filename string) string {
	t.Helper()
	b, err := os.ReadFile(filename)
	require.NoError(t, err)
	return string(b)
}
