// Package pgo sequences the compiler-level profile-guided optimization workflow:
// build instrumented binaries, acknowledge the profile data the user's workload
// produced, merge it and rebuild using the merged profile.
package pgo

import (
	"context"
	"errors"
	"time"

	"github.com/please-build/pogo/src/cargo"
	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/profile"
	"github.com/please-build/pogo/src/targets"
	"github.com/please-build/pogo/src/toolchain"
)

var log = logger.Log

// rawPattern describes raw profile files in errors about them.
const rawPattern = "*.profraw"

// noSessionMessage is returned when an operation needs a session that doesn't exist.
const noSessionMessage = "no profile session found; run `pogo instrument` first"

// An Orchestrator drives the PGO phases for one workspace.
type Orchestrator struct {
	executor      *process.Executor
	config        *core.Configuration
	tc            *toolchain.Toolchain
	builder       *cargo.Builder
	metadata      *targets.Metadata
	workspaceRoot string
}

// New returns an Orchestrator for the given workspace.
func New(executor *process.Executor, config *core.Configuration, tc *toolchain.Toolchain, metadata *targets.Metadata, workspaceRoot string) *Orchestrator {
	return &Orchestrator{
		executor:      executor,
		config:        config,
		tc:            tc,
		builder:       cargo.NewBuilder(executor, config, tc),
		metadata:      metadata,
		workspaceRoot: workspaceRoot,
	}
}

// Instrument builds the requested targets with profile generation compiled in,
// opening (or resuming) the session their profiles will be collected into.
func (o *Orchestrator) Instrument(ctx context.Context, requested, userArgs []string) (*core.Session, error) {
	list, err := o.resolve(requested)
	if err != nil {
		return nil, err
	}
	session, err := profile.FindOrCreate(o.sessionRoot(), core.PGOSession, o.fingerprint(list), o.tc.RustcVersion.String(), o.config.Toolchain.DefaultFlags)
	if err != nil {
		return nil, err
	}
	if session.AtLeast(core.Instrumented) {
		raws, err := profile.RawProfiles(session)
		if err != nil {
			return nil, err
		}
		if len(raws) > 0 {
			log.Warning("Session already holds %d raw profiles; they'll be merged in too. Run `pogo clean` first to discard them.", len(raws))
		}
		log.Notice("Re-instrumenting session %s", session.Fingerprint)
		session.Reset(core.Uninitialized)
	}
	if err := o.builder.Build(ctx, o.workspaceRoot, list, cargo.InstrumentFlags(profile.RawDir(session)), userArgs); err != nil {
		return nil, err
	}
	for _, target := range list {
		session.AddArtifact(&core.Artifact{Name: target.String(), Path: target.OutputPath})
	}
	if err := session.Advance(core.Instrumented); err != nil {
		return nil, err
	}
	if err := session.Save(); err != nil {
		return nil, err
	}
	log.Notice("Instrumented %d target(s). Run them under a representative workload, then `pogo optimize`.", len(list))
	return session, nil
}

// Optimize takes a session with collected profile data through merge and an
// optimized rebuild. If wait is nonzero it first blocks up to that long for
// profile data to appear.
func (o *Orchestrator) Optimize(ctx context.Context, requested, userArgs []string, wait time.Duration) (*core.Session, error) {
	session, err := o.findSession(requested)
	if err != nil {
		return nil, err
	}
	if wait > 0 && !session.AtLeast(core.Collected) {
		if err := o.wait(ctx, session, wait); err != nil {
			return nil, err
		}
	}
	if err := o.acknowledgeCollection(session); err != nil {
		return nil, err
	}
	if err := o.merge(ctx, session); err != nil {
		return nil, err
	}
	if err := o.apply(ctx, session, userArgs); err != nil {
		return nil, err
	}
	return session, nil
}

// LatestSession returns the most recent PGO session for the workspace, or nil if
// there isn't one.
func (o *Orchestrator) LatestSession() (*core.Session, error) {
	return profile.Latest(o.sessionRoot(), core.PGOSession)
}

// wait blocks until profile data appears or the wait duration passes. Timing out
// isn't an error in itself; the collection check afterwards reports it properly.
func (o *Orchestrator) wait(ctx context.Context, session *core.Session, wait time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := profile.WaitForProfiles(wctx, session); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warning("Still no profile data after %s", wait)
			return nil
		}
		return err
	}
	return nil
}

// acknowledgeCollection verifies the session has profile data and moves it to the
// collected phase. Sessions that have already been acknowledged pass through.
func (o *Orchestrator) acknowledgeCollection(session *core.Session) error {
	if session.AtLeast(core.Collected) {
		return nil // Acknowledged by an earlier invocation.
	}
	raws, err := profile.RawProfiles(session)
	if err != nil {
		return err
	}
	if len(raws) == 0 && session.AtLeast(core.Instrumented) {
		return &core.ProfileDataMissing{Dir: profile.RawDir(session), Pattern: rawPattern}
	}
	if err := session.Advance(core.Collected); err != nil {
		return err
	}
	log.Notice("Found %d raw profile(s)", len(raws))
	return session.Save()
}

// merge combines the collected raw profiles into the session's merged profile.
// A session merged by an earlier invocation is only re-merged if new raw profiles
// have appeared since, or the merged file has gone missing.
func (o *Orchestrator) merge(ctx context.Context, session *core.Session) error {
	if session.AtLeast(core.Merged) {
		raws, err := profile.RawProfiles(session)
		if err != nil {
			return err
		}
		if unmerged := profile.UnmergedRaws(session, raws); len(unmerged) > 0 {
			log.Notice("Found %d new raw profile(s) since the last merge; re-merging", len(unmerged))
			session.Reset(core.Collected)
		} else if fs.FileExists(profile.MergedProfilePath(session)) {
			log.Debug("Merged profile is up to date")
			return nil
		} else {
			log.Warning("Merged profile has gone missing; re-merging")
			session.Reset(core.Collected)
		}
	}
	if err := profile.Merge(ctx, o.executor, o.config, o.tc, session); err != nil {
		return err
	}
	if err := session.Advance(core.Merged); err != nil {
		return err
	}
	return session.Save()
}

// apply rebuilds the session's targets using the merged profile.
func (o *Orchestrator) apply(ctx context.Context, session *core.Session, userArgs []string) error {
	list, err := o.sessionTargets(session)
	if err != nil {
		return err
	}
	if err := o.builder.Build(ctx, o.workspaceRoot, list, cargo.UseFlags(profile.MergedProfilePath(session)), userArgs); err != nil {
		return err
	}
	for _, target := range list {
		if artifact := session.Artifact(target.String()); artifact != nil {
			artifact.Path = target.OutputPath
			artifact.Optimized = target.OutputPath
		} else {
			session.AddArtifact(&core.Artifact{Name: target.String(), Path: target.OutputPath, Optimized: target.OutputPath})
		}
	}
	if err := session.Advance(core.Applied); err != nil {
		return err
	}
	if err := session.Save(); err != nil {
		return err
	}
	log.Notice("Optimized build complete")
	return nil
}

// findSession locates the session an optimize invocation refers to: by fingerprint
// when targets are named explicitly, otherwise the most recently used one.
func (o *Orchestrator) findSession(requested []string) (*core.Session, error) {
	root := o.sessionRoot()
	if len(requested) > 0 {
		list, err := o.resolve(requested)
		if err != nil {
			return nil, err
		}
		session, err := profile.Find(root, core.PGOSession, o.fingerprint(list))
		if err != nil {
			return nil, err
		} else if session == nil {
			return nil, errors.New(noSessionMessage)
		}
		return session, nil
	}
	session, err := profile.Latest(root, core.PGOSession)
	if err != nil {
		return nil, err
	} else if session == nil {
		return nil, errors.New(noSessionMessage)
	}
	return session, nil
}

// sessionTargets maps the artifacts a session recorded back onto the workspace's
// current targets for rebuilding.
func (o *Orchestrator) sessionTargets(session *core.Session) ([]*targets.Target, error) {
	available := o.metadata.Executables()
	list := make([]*targets.Target, 0, len(session.Artifacts))
	for _, artifact := range session.Artifacts {
		found := false
		for _, target := range available {
			if target.String() == artifact.Name {
				list = append(list, target)
				found = true
				break
			}
		}
		if !found {
			return nil, &targets.NoTargetsMatched{Name: artifact.Name, Available: targets.Names(available)}
		}
	}
	if len(list) == 0 {
		// Sessions record their targets at instrument time, so this means the
		// session predates any successful build; fall back to the defaults.
		return targets.Match(available, nil)
	}
	return list, nil
}

func (o *Orchestrator) resolve(requested []string) ([]*targets.Target, error) {
	return targets.Match(o.metadata.Executables(), requested)
}

func (o *Orchestrator) sessionRoot() string {
	return profile.Root(o.config, o.workspaceRoot, o.metadata.TargetDirectory)
}

func (o *Orchestrator) fingerprint(list []*targets.Target) string {
	names := make([]string, len(list))
	for i, target := range list {
		names[i] = target.String()
	}
	return core.Fingerprint(core.PGOSession, o.tc.RustcVersion.String(), o.workspaceRoot, o.config.Toolchain.DefaultFlags, names)
}
