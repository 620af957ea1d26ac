package pgo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/profile"
	"github.com/please-build/pogo/src/targets"
	"github.com/please-build/pogo/src/toolchain"
)

var executor = process.New()

func TestInstrumentCreatesSession(t *testing.T) {
	o, root := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Instrumented, session.Phase)
	assert.Contains(t, session.Dir, path.Join(root, "target", "pgo-profiles"))
	require.Len(t, session.Artifacts, 1)
	assert.Equal(t, "widget", session.Artifacts[0].Name)
	assert.Equal(t, path.Join(root, "target/release/widget"), session.Artifacts[0].Path)
	assert.Contains(t, readFile(t, path.Join(root, "rustflags.log")), "-Cprofile-generate="+profile.RawDir(session))
}

func TestInstrumentUnknownTarget(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Instrument(context.Background(), []string{"gizmo"}, nil)
	require.Error(t, err)
	matchErr := &targets.NoTargetsMatched{}
	assert.True(t, errors.As(err, &matchErr))
}

func TestOptimizeWithoutSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.Optimize(context.Background(), nil, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pogo instrument")
}

func TestOptimizeWithoutProfileData(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	_, err = o.Optimize(context.Background(), nil, nil, 0)
	require.Error(t, err)
	missing := &core.ProfileDataMissing{}
	require.True(t, errors.As(err, &missing))

	// The failure must not have moved the durable state on.
	reloaded, err := core.LoadSession(session.Dir)
	require.NoError(t, err)
	assert.Equal(t, core.Instrumented, reloaded.Phase)
}

func TestOptimizeFullCycle(t *testing.T) {
	o, root := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	writeRaw(t, session, "default_1111.profraw")

	session, err = o.Optimize(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, core.Applied, session.Phase)
	assert.Equal(t, []string{"raw/default_1111.profraw"}, session.MergedFrom)
	assert.True(t, fs.FileExists(profile.MergedProfilePath(session)))

	flags := readFile(t, path.Join(root, "rustflags.log"))
	assert.Contains(t, flags, "-Cprofile-use="+profile.MergedProfilePath(session))
	assert.Contains(t, flags, "-Cllvm-args=-pgo-warn-missing-function")

	reloaded, err := core.LoadSession(session.Dir)
	require.NoError(t, err)
	assert.Equal(t, core.Applied, reloaded.Phase)
}

func TestOptimizeRemergesNewProfiles(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	writeRaw(t, session, "default_1111.profraw")
	_, err = o.Optimize(context.Background(), nil, nil, 0)
	require.NoError(t, err)

	writeRaw(t, session, "default_2222.profraw")
	session, err = o.Optimize(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, core.Applied, session.Phase)
	assert.Equal(t, []string{"raw/default_1111.profraw", "raw/default_2222.profraw"}, session.MergedFrom)
}

func TestOptimizeSkipsRedundantMerge(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	writeRaw(t, session, "default_1111.profraw")
	_, err = o.Optimize(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "1\n", readFile(t, path.Join(path.Dir(o.tc.LLVMProfdata), "merges.log")))

	// Nothing changed, so another optimize should rebuild but not re-merge.
	_, err = o.Optimize(context.Background(), nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "1\n", readFile(t, path.Join(path.Dir(o.tc.LLVMProfdata), "merges.log")))
}

func TestReinstrumentResetsSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	writeRaw(t, session, "default_1111.profraw")
	_, err = o.Optimize(context.Background(), nil, nil, 0)
	require.NoError(t, err)

	again, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, session.Dir, again.Dir)
	assert.Equal(t, core.Instrumented, again.Phase)
}

func TestOptimizeWaitsForProfiles(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	session, err := o.Instrument(context.Background(), nil, nil)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(path.Join(profile.RawDir(session), "default_1111.profraw"), []byte("aa"), 0644)
	}()
	session, err = o.Optimize(context.Background(), nil, nil, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.Applied, session.Phase)
}

// newTestOrchestrator builds an Orchestrator over a fake workspace whose cargo and
// llvm-profdata are shell scripts. The fake cargo reports a single binary target
// named widget and logs the RUSTFLAGS of every build it runs.
func newTestOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	bin := path.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	cargoPath := path.Join(bin, "cargo")
	require.NoError(t, os.WriteFile(cargoPath, []byte(fmt.Sprintf(`#!/bin/sh
ROOT=%s
case "$1" in
metadata)
	cat <<EOF
{"packages":[{"name":"widget","targets":[{"name":"widget","kind":["bin"],"crate_types":["bin"]}]}],"target_directory":"$ROOT/target","workspace_root":"$ROOT"}
EOF
	;;
build)
	mkdir -p "$ROOT/target/release"
	touch "$ROOT/target/release/widget"
	printenv RUSTFLAGS >> "$ROOT/rustflags.log"
	cat <<EOF
{"reason":"compiler-artifact","target":{"name":"widget","kind":["bin"]},"executable":"$ROOT/target/release/widget"}
EOF
	;;
esac
exit 0
`, root)), 0755))
	profdataPath := path.Join(bin, "llvm-profdata")
	require.NoError(t, os.WriteFile(profdataPath, []byte(fmt.Sprintf(`#!/bin/sh
echo 1 >> %s/merges.log
touch merged.profdata
exit 0
`, bin)), 0755))
	tc := &toolchain.Toolchain{
		Cargo:        cargoPath,
		Host:         "x86_64-unknown-linux-gnu",
		RustcVersion: *semver.New("1.71.0"),
		LLVMProfdata: profdataPath,
	}
	metadata, err := targets.Query(context.Background(), executor, cargoPath, root)
	require.NoError(t, err)
	return New(executor, core.DefaultConfiguration(), tc, metadata, root), root
}

func writeRaw(t *testing.T, session *core.Session, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path.Join(profile.RawDir(session), name), []byte("aa"), 0644))
}

func readFile(t *testing.T, filename string) string {
	t.Helper()
	b, err := os.ReadFile(filename)
	require.NoError(t, err)
	return string(b)
}
