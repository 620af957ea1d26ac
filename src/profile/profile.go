// Package profile manages the on-disk profile session directories: creating and
// finding versioned sessions, listing the raw profiles they've collected and
// merging those into a usable profile.
package profile

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
)

var log = logger.Log

// DefaultDirName is the directory under cargo's target dir that PGO sessions
// are stored in when no explicit location is configured.
const DefaultDirName = "pgo-profiles"

// latestFileName is the pointer file in the session root naming the most
// recently used session directory.
const latestFileName = "latest"

// rawDirName is the subdirectory of a session that raw profiles land in.
const rawDirName = "raw"

// BoltDirName is the equivalent of DefaultDirName for BOLT sessions.
const BoltDirName = "pgo-bolt"

// Root returns the directory that profile sessions live under.
func Root(config *core.Configuration, workspaceRoot, targetDir string) string {
	if dir := config.Profile.Dir; dir != "" {
		if path.IsAbs(dir) {
			return dir
		}
		return path.Join(workspaceRoot, dir)
	}
	return path.Join(targetDir, DefaultDirName)
}

// BoltRoot returns the directory that BOLT sessions live under.
func BoltRoot(config *core.Configuration, workspaceRoot, targetDir string) string {
	if dir := config.Bolt.Dir; dir != "" {
		if path.IsAbs(dir) {
			return dir
		}
		return path.Join(workspaceRoot, dir)
	}
	return path.Join(targetDir, BoltDirName)
}

// RawDir returns the directory an instrumented build writes raw profiles into.
func RawDir(session *core.Session) string {
	return path.Join(session.Dir, rawDirName)
}

// Create makes a fresh session directory under the given root and persists the
// new session into it. The directory name carries the fingerprint so compatible
// invocations can find it again, plus a random component so concurrent creations
// can't collide.
func Create(root string, kind core.Kind, fingerprint, rustcVersion string, flags []string) (*core.Session, error) {
	name := fmt.Sprintf("%s-%s-%s", kind, fingerprint, uuid.New().String()[:8])
	dir := path.Join(root, name)
	// PGO sessions get their raw subdir up front; the instrumented build needs
	// somewhere to point profile generation at. BOLT lays out per-binary dirs later.
	toCreate := dir
	if kind == core.PGOSession {
		toCreate = path.Join(dir, rawDirName)
	}
	if err := fs.EnsureDir(toCreate); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %s", err)
	}
	session := core.NewSession(kind, dir, fingerprint, rustcVersion)
	session.Flags = flags
	if err := session.Save(); err != nil {
		return nil, err
	}
	if err := writeLatest(root, name); err != nil {
		return nil, err
	}
	log.Debug("Created new %s session in %s", kind, dir)
	return session, nil
}

// Find returns the most recently updated session matching the given fingerprint,
// or nil if there isn't one.
func Find(root string, kind core.Kind, fingerprint string) (*core.Session, error) {
	return findSession(root, fmt.Sprintf("%s-%s-", kind, fingerprint))
}

// FindOrCreate resumes the session matching the given fingerprint, creating a
// fresh one if no compatible session exists yet.
func FindOrCreate(root string, kind core.Kind, fingerprint, rustcVersion string, flags []string) (*core.Session, error) {
	session, err := Find(root, kind, fingerprint)
	if err != nil {
		return nil, err
	} else if session == nil {
		return Create(root, kind, fingerprint, rustcVersion, flags)
	}
	log.Debug("Resuming %s session in %s (phase %s)", kind, session.Dir, session.Phase)
	if err := writeLatest(root, path.Base(session.Dir)); err != nil {
		return nil, err
	}
	return session, nil
}

// Latest returns the session named by the latest pointer file, falling back to
// the most recently updated session present. It returns nil if there are no
// sessions at all.
func Latest(root string, kind core.Kind) (*core.Session, error) {
	if b, err := os.ReadFile(path.Join(root, latestFileName)); err == nil {
		name := strings.TrimSpace(string(b))
		if strings.HasPrefix(name, string(kind)+"-") {
			session, err := core.LoadSession(path.Join(root, name))
			if err == nil {
				return session, nil
			} else if !os.IsNotExist(err) {
				return nil, err
			}
			log.Warning("Session %s named by %s no longer exists", name, latestFileName)
		}
	}
	return findSession(root, string(kind)+"-")
}

// findSession returns the most recently updated session directory under root
// whose name has the given prefix, or nil if there are none.
func findSession(root, prefix string) (*core.Session, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var best *core.Session
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		session, err := core.LoadSession(path.Join(root, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue // Directory without a session file; not ours to judge.
			}
			return nil, err
		}
		if best == nil || session.Updated.After(best.Updated) {
			best = session
		}
	}
	return best, nil
}

// writeLatest updates the pointer file recording the session we most recently used.
func writeLatest(root, name string) error {
	return fs.WriteFile(strings.NewReader(name+"\n"), path.Join(root, latestFileName), 0644)
}
