package run

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/pogo/src/core"
)

func TestSessionArtifactWithoutSession(t *testing.T) {
	assert.Nil(t, sessionArtifact(nil, "widget"))
}

func TestSessionArtifactRequiresInstrumentedBuild(t *testing.T) {
	session := core.NewSession(core.PGOSession, t.TempDir(), "abc", "1.71.0")
	session.AddArtifact(&core.Artifact{Name: "widget", Path: writeBinary(t)})
	assert.Nil(t, sessionArtifact(session, "widget"))
}

func TestSessionArtifactReturnsInstrumentedBinary(t *testing.T) {
	session := instrumentedSession(t)
	artifact := session.Artifact("widget")
	require.NotNil(t, artifact)
	assert.Equal(t, artifact, sessionArtifact(session, "widget"))
}

func TestSessionArtifactSkipsOptimizedArtifacts(t *testing.T) {
	session := instrumentedSession(t)
	session.Artifact("widget").Optimized = session.Artifact("widget").Path
	assert.Nil(t, sessionArtifact(session, "widget"))
}

func TestSessionArtifactNeedsTheBinaryOnDisk(t *testing.T) {
	session := instrumentedSession(t)
	require.NoError(t, os.Remove(session.Artifact("widget").Path))
	assert.Nil(t, sessionArtifact(session, "widget"))
}

func TestSessionArtifactUnknownTarget(t *testing.T) {
	assert.Nil(t, sessionArtifact(instrumentedSession(t), "gadget"))
}

// instrumentedSession returns a session holding one instrumented artifact whose
// binary exists on disk.
func instrumentedSession(t *testing.T) *core.Session {
	t.Helper()
	session := core.NewSession(core.PGOSession, t.TempDir(), "abc", "1.71.0")
	session.AddArtifact(&core.Artifact{Name: "widget", Path: writeBinary(t)})
	require.NoError(t, session.Advance(core.Instrumented))
	return session
}

func writeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "widget")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
	return path
}
