// Package core contains the session model that the pgo and bolt workflows share,
// along with configuration and workspace discovery.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/fs"
)

var log = logger.Log

// SessionFormat is the current on-disk format version of session files.
// It gets bumped when we make breaking changes to the serialized structure so that
// older state directories are detected rather than misinterpreted.
const SessionFormat = 1

// SessionFileName is the name of the session state file within a session directory.
const SessionFileName = "session.json"

// A Kind distinguishes the two workflows a session can belong to.
type Kind string

const (
	// PGOSession is a compiler-level profile-guided optimization session.
	PGOSession Kind = "pgo"
	// BoltSession is a post-link binary optimization session.
	BoltSession Kind = "bolt"
)

// A Session is the durable record of one optimization workflow. It is persisted as
// JSON inside its session directory after every phase change, so an interrupted
// workflow can be resumed by a later invocation.
type Session struct {
	Format        int         `json:"format"`
	Kind          Kind        `json:"kind"`
	Phase         Phase       `json:"phase"`
	Fingerprint   string      `json:"fingerprint"`
	RustcVersion  string      `json:"rustc,omitempty"`
	Flags         []string    `json:"flags,omitempty"`
	Created       time.Time   `json:"created"`
	Updated       time.Time   `json:"updated"`
	MergedProfile string      `json:"merged,omitempty"`
	MergedFrom    []string    `json:"merged_from,omitempty"`
	Artifacts     []*Artifact `json:"artifacts,omitempty"`

	// Dir is the directory this session was loaded from (or will be saved to).
	// It's not serialized since it is implied by the session's location.
	Dir string `json:"-"`
}

// An Artifact records one binary that a session has built or rewritten.
// For BOLT sessions each artifact progresses through its own phases, since
// binaries are instrumented and optimized individually.
type Artifact struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Hash         string `json:"hash,omitempty"`
	Phase        Phase  `json:"phase,omitempty"`
	Instrumented string `json:"instrumented,omitempty"`
	Optimized    string `json:"optimized,omitempty"`
	Fdata        string `json:"fdata,omitempty"`
}

// NewSession creates a new session of the given kind in the given directory.
func NewSession(kind Kind, dir, fingerprint, rustcVersion string) *Session {
	now := time.Now()
	return &Session{
		Format:       SessionFormat,
		Kind:         kind,
		Phase:        phaseOrders[kind][0],
		Fingerprint:  fingerprint,
		RustcVersion: rustcVersion,
		Created:      now,
		Updated:      now,
		Dir:          dir,
	}
}

// An UnsupportedSessionFormat is returned when a session file on disk was written by
// an incompatible version of pogo.
type UnsupportedSessionFormat struct {
	Path   string
	Format int
}

// Error implements the error interface.
func (err *UnsupportedSessionFormat) Error() string {
	return fmt.Sprintf("session file %s has format version %d but this version of pogo supports only %d; remove the session directory or use a matching pogo version", err.Path, err.Format, SessionFormat)
}

// A ProfileDataMissing is returned when an operation needs collected profile data
// and the session has none yet. It's retryable; usually it just means the
// instrumented binary hasn't been run under a workload.
type ProfileDataMissing struct {
	Dir     string
	Pattern string
}

// Error implements the error interface.
func (err *ProfileDataMissing) Error() string {
	return fmt.Sprintf("no %s files found in %s; run the instrumented binary under a representative workload first", err.Pattern, err.Dir)
}

// LoadSession loads the session stored in the given directory.
func LoadSession(dir string) (*Session, error) {
	filename := path.Join(dir, SessionFileName)
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	session := &Session{}
	if err := json.Unmarshal(b, session); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %s", filename, err)
	}
	if session.Format != SessionFormat {
		return nil, &UnsupportedSessionFormat{Path: filename, Format: session.Format}
	}
	session.Dir = dir
	return session, nil
}

// Save atomically writes the session state file into its directory.
func (session *Session) Save() error {
	session.Updated = time.Now()
	b, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFile(bytes.NewReader(append(b, '\n')), path.Join(session.Dir, SessionFileName), 0644)
}

// Advance moves the session to the given phase, which must be the immediate
// successor of its current one. Re-entering the current phase is a no-op so that
// interrupted workflows can safely repeat their last step.
func (session *Session) Advance(to Phase) error {
	phase, err := advancePhase(session.Kind, session.Phase, to)
	if err != nil {
		return err
	}
	if phase != session.Phase {
		log.Debug("Session %s advancing from %s to %s", session.Fingerprint, session.Phase, phase)
		session.Phase = phase
	}
	return nil
}

// AdvanceArtifact is like Advance but moves a single artifact through its phases.
// It's used by BOLT sessions, where binaries progress individually.
func (session *Session) AdvanceArtifact(artifact *Artifact, to Phase) error {
	phase, err := advancePhase(session.Kind, artifact.Phase, to)
	if err != nil {
		return err
	}
	if phase != artifact.Phase {
		log.Debug("Artifact %s advancing from %s to %s", artifact.Name, artifact.Phase, phase)
		artifact.Phase = phase
	}
	return nil
}

// Reset explicitly rewinds the session to the given phase. Unlike Advance this can
// move backwards; it is used when earlier results are invalidated (for example the
// user re-instruments, or new raw profiles appear after a merge).
func (session *Session) Reset(to Phase) {
	if phaseIndex(phaseOrders[session.Kind], to) == -1 {
		log.Fatalf("Unknown phase %s for %s session", to, session.Kind)
	}
	if session.Phase != to {
		log.Debug("Session %s resetting from %s to %s", session.Fingerprint, session.Phase, to)
		session.Phase = to
	}
}

// AtLeast returns true if the session has reached the given phase.
func (session *Session) AtLeast(phase Phase) bool {
	return phaseAtLeast(session.Kind, session.Phase, phase)
}

// ArtifactAtLeast returns true if the given artifact has reached the given phase.
func (session *Session) ArtifactAtLeast(artifact *Artifact, phase Phase) bool {
	return phaseAtLeast(session.Kind, artifact.Phase, phase)
}

// ArtifactsAtLeast returns true if every artifact on the session has reached the
// given phase. It's false for a session with no artifacts at all.
func (session *Session) ArtifactsAtLeast(phase Phase) bool {
	for _, artifact := range session.Artifacts {
		if !phaseAtLeast(session.Kind, artifact.Phase, phase) {
			return false
		}
	}
	return len(session.Artifacts) > 0
}

// Artifact returns the artifact with the given name, or nil if there isn't one.
func (session *Session) Artifact(name string) *Artifact {
	for _, artifact := range session.Artifacts {
		if artifact.Name == name {
			return artifact
		}
	}
	return nil
}

// AddArtifact records a new artifact on the session, replacing any previous one
// of the same name.
func (session *Session) AddArtifact(artifact *Artifact) {
	for i, existing := range session.Artifacts {
		if existing.Name == artifact.Name {
			session.Artifacts[i] = artifact
			return
		}
	}
	session.Artifacts = append(session.Artifacts, artifact)
	sort.Slice(session.Artifacts, func(i, j int) bool {
		return session.Artifacts[i].Name < session.Artifacts[j].Name
	})
}

// Fingerprint computes the stable identity of a session from everything that would
// make its profile data unusable if changed: the session kind, the toolchain
// version, the build flags and the set of requested targets. Two invocations with
// the same inputs resolve to the same fingerprint and hence resume the same session.
func Fingerprint(kind Kind, rustcVersion, root string, flags, targets []string) string {
	h := xxhash.New()
	add := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	add(string(kind))
	add(rustcVersion)
	add(root)
	sorted := make([]string, len(flags))
	copy(sorted, flags)
	sort.Strings(sorted)
	for _, flag := range sorted {
		add(flag)
	}
	sorted = make([]string, len(targets))
	copy(sorted, targets)
	sort.Strings(sorted)
	for _, target := range sorted {
		add(target)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
