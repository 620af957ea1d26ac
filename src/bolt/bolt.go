// Package bolt sequences the post-link binary optimization workflow: build the
// targets with relocations kept, rewrite each binary into an instrumented copy
// with llvm-bolt, then once the user has run those under a workload, rewrite the
// originals again using the collected profiles. Binaries progress through their
// phases individually and are processed in parallel.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

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

// noSessionMessage is returned when an optimize invocation can't find a session.
const noSessionMessage = "no BOLT session found; run `pogo bolt instrument` first"

// A NotSupported error is returned when BOLT can't work on the current platform;
// it only handles ELF binaries on a couple of architectures.
type NotSupported struct {
	OS   string
	Arch string
}

// Error implements the error interface.
func (err *NotSupported) Error() string {
	return fmt.Sprintf("BOLT optimization isn't supported on %s/%s; it requires linux on amd64 or arm64", err.OS, err.Arch)
}

// A RewriteFailed is returned when llvm-bolt exits unsuccessfully.
type RewriteFailed struct {
	Action   string
	Target   string
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (err *RewriteFailed) Error() string {
	if err.Output == "" {
		return fmt.Sprintf("llvm-bolt %s of %s failed with exit code %d", err.Action, err.Target, err.ExitCode)
	}
	return fmt.Sprintf("llvm-bolt %s of %s failed with exit code %d:\n%s", err.Action, err.Target, err.ExitCode, err.Output)
}

// Supported returns an error if the current platform can't run BOLT.
func Supported() error {
	if runtime.GOOS != "linux" || (runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64") {
		return &NotSupported{OS: runtime.GOOS, Arch: runtime.GOARCH}
	}
	return nil
}

// A Pipeline drives the BOLT phases for one workspace.
type Pipeline struct {
	executor      *process.Executor
	config        *core.Configuration
	tc            *toolchain.Toolchain
	builder       *cargo.Builder
	metadata      *targets.Metadata
	workspaceRoot string
	bolt          string
	mergeFdata    string
}

// New returns a Pipeline for the given workspace.
func New(executor *process.Executor, config *core.Configuration, tc *toolchain.Toolchain, metadata *targets.Metadata, workspaceRoot string) *Pipeline {
	return &Pipeline{
		executor:      executor,
		config:        config,
		tc:            tc,
		builder:       cargo.NewBuilder(executor, config, tc),
		metadata:      metadata,
		workspaceRoot: workspaceRoot,
	}
}

// Instrument builds the requested targets with relocations kept, then rewrites
// each binary into an instrumented copy that writes an execution profile when
// run. With withPGO the build also applies the workspace's merged PGO profile,
// stacking the two optimizations.
func (p *Pipeline) Instrument(ctx context.Context, requested, userArgs []string, withPGO bool) (*core.Session, error) {
	if err := p.prepare(); err != nil {
		return nil, err
	}
	list, err := targets.Match(p.metadata.Executables(), requested)
	if err != nil {
		return nil, err
	}
	flags := cargo.RelocationFlags()
	if withPGO {
		pgoFlags, err := p.pgoFlags()
		if err != nil {
			return nil, err
		}
		flags = append(flags, pgoFlags...)
	}
	if err := p.builder.Build(ctx, p.workspaceRoot, list, flags, userArgs); err != nil {
		return nil, err
	}
	session, err := profile.FindOrCreate(p.sessionRoot(), core.BoltSession, p.fingerprint(list, flags), p.tc.RustcVersion.String(), flags)
	if err != nil {
		return nil, err
	}
	if session.AtLeast(core.Instrumented) {
		log.Notice("Re-instrumenting session %s", session.Fingerprint)
		session.Reset(core.Unoptimized)
	}
	artifacts := make([]*core.Artifact, len(list))
	for i, target := range list {
		artifact := session.Artifact(target.String())
		if artifact == nil {
			artifact = &core.Artifact{Name: target.String(), Phase: core.Unoptimized}
			session.AddArtifact(artifact)
		} else {
			// The binary was just rebuilt, so any earlier instrumentation of it is stale.
			artifact.Phase = core.Unoptimized
		}
		artifact.Path = target.OutputPath
		artifacts[i] = artifact
	}
	err = p.forEachArtifact(artifacts, func(artifact *core.Artifact) error {
		return p.instrumentArtifact(ctx, session, artifact)
	})
	if err := p.finish(session, err); err != nil {
		return nil, err
	}
	log.Notice("Instrumented %d binaries. Run them under a representative workload, then `pogo bolt optimize`.", len(artifacts))
	return session, nil
}

// Optimize gathers the profile data the instrumented binaries produced and
// rewrites each original binary into an optimized copy next to that data.
// Naming targets processes just that subset of the session's binaries.
func (p *Pipeline) Optimize(ctx context.Context, requested, userArgs []string, withPGO bool) (*core.Session, error) {
	if err := p.prepare(); err != nil {
		return nil, err
	}
	session, err := profile.Latest(p.sessionRoot(), core.BoltSession)
	if err != nil {
		return nil, err
	} else if session == nil {
		return nil, errors.New(noSessionMessage)
	}
	if withPGO && !containsProfileUse(session.Flags) {
		log.Warning("Session %s wasn't instrumented with --with-pgo; the rebuild keeps its original flags", session.Fingerprint)
	}
	artifacts, err := filterArtifacts(session, requested)
	if err != nil {
		return nil, err
	}
	list, err := p.artifactTargets(artifacts)
	if err != nil {
		return nil, err
	}
	// Rebuild with the exact flags the session was instrumented with; cargo's cache
	// reproduces the same binaries unless the source has changed underneath us.
	if err := p.builder.Build(ctx, p.workspaceRoot, list, session.Flags, userArgs); err != nil {
		return nil, err
	}
	for i, target := range list {
		artifacts[i].Path = target.OutputPath
	}
	err = p.forEachArtifact(artifacts, func(artifact *core.Artifact) error {
		return p.optimizeArtifact(ctx, session, artifact)
	})
	if err := p.finish(session, err); err != nil {
		return nil, err
	}
	log.Notice("BOLT-optimized %d binaries", len(artifacts))
	return session, nil
}

// LatestSession returns the most recent BOLT session for the workspace, or nil
// if there isn't one.
func (p *Pipeline) LatestSession() (*core.Session, error) {
	return profile.Latest(p.sessionRoot(), core.BoltSession)
}

// prepare gates a BOLT operation on the platform and resolves the tools it
// needs, before any session state gets created.
func (p *Pipeline) prepare() error {
	if err := Supported(); err != nil {
		return err
	}
	bolt, mergeFdata, err := p.tc.RequireBolt()
	if err != nil {
		return err
	}
	p.bolt = bolt
	p.mergeFdata = mergeFdata
	return nil
}

// finish syncs the session-level phase with its artifacts and saves it. Saving
// happens even when some binaries failed, so the ones that didn't keep their
// progress.
func (p *Pipeline) finish(session *core.Session, err error) error {
	if syncErr := syncPhase(session); syncErr != nil && err == nil {
		err = syncErr
	}
	if saveErr := session.Save(); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

// forEachArtifact runs f over the artifacts with bounded parallelism, collecting
// every per-binary error rather than stopping at the first.
func (p *Pipeline) forEachArtifact(artifacts []*core.Artifact, f func(*core.Artifact) error) error {
	var g errgroup.Group
	g.SetLimit(p.jobs())
	var mutex sync.Mutex
	var merr *multierror.Error
	for _, artifact := range artifacts {
		artifact := artifact
		g.Go(func() error {
			if err := f(artifact); err != nil {
				mutex.Lock()
				defer mutex.Unlock()
				merr = multierror.Append(merr, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return merr.ErrorOrNil()
}

// jobs returns how many binaries to process concurrently.
func (p *Pipeline) jobs() int {
	if p.config.Bolt.Jobs > 0 {
		return p.config.Bolt.Jobs
	}
	if count, err := cpu.Counts(true); err == nil && count > 0 {
		return count
	}
	return runtime.NumCPU()
}

// pgoFlags resolves the workspace's merged PGO profile for a combined PGO+BOLT
// build.
func (p *Pipeline) pgoFlags() ([]string, error) {
	session, err := profile.Latest(profile.Root(p.config, p.workspaceRoot, p.metadata.TargetDirectory), core.PGOSession)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.AtLeast(core.Merged) || !fs.FileExists(profile.MergedProfilePath(session)) {
		return nil, errors.New("no merged PGO profile to combine with; run `pogo instrument` and `pogo optimize` first")
	}
	return cargo.UseFlags(profile.MergedProfilePath(session)), nil
}

func (p *Pipeline) sessionRoot() string {
	return profile.BoltRoot(p.config, p.workspaceRoot, p.metadata.TargetDirectory)
}

func (p *Pipeline) fingerprint(list []*targets.Target, flags []string) string {
	names := make([]string, len(list))
	for i, target := range list {
		names[i] = target.String()
	}
	all := append(append([]string{}, p.config.Toolchain.DefaultFlags...), flags...)
	return core.Fingerprint(core.BoltSession, p.tc.RustcVersion.String(), p.workspaceRoot, all, names)
}

// artifactTargets maps artifacts back onto the workspace's current targets so a
// rebuild can reproduce their binaries. The returned slice parallels the input.
func (p *Pipeline) artifactTargets(artifacts []*core.Artifact) ([]*targets.Target, error) {
	available := p.metadata.Executables()
	list := make([]*targets.Target, len(artifacts))
	for i, artifact := range artifacts {
		found := false
		for _, target := range available {
			if target.String() == artifact.Name {
				list[i] = target
				found = true
				break
			}
		}
		if !found {
			return nil, &targets.NoTargetsMatched{Name: artifact.Name, Available: targets.Names(available)}
		}
	}
	return list, nil
}

// filterArtifacts selects the session's artifacts matching the requested names,
// or all of them when none are named. Requests can use the bare target name;
// "demo" matches the artifact recorded as "example demo".
func filterArtifacts(session *core.Session, requested []string) ([]*core.Artifact, error) {
	if len(requested) == 0 {
		if len(session.Artifacts) == 0 {
			return nil, errors.New("session has no instrumented binaries; run `pogo bolt instrument` first")
		}
		return session.Artifacts, nil
	}
	available := make([]string, len(session.Artifacts))
	for i, artifact := range session.Artifacts {
		available[i] = artifact.Name
	}
	var merr *multierror.Error
	matched := []*core.Artifact{}
	for _, name := range requested {
		found := false
		for _, artifact := range session.Artifacts {
			parts := strings.Fields(artifact.Name)
			if artifact.Name == name || parts[len(parts)-1] == name {
				if !containsArtifact(matched, artifact) {
					matched = append(matched, artifact)
				}
				found = true
			}
		}
		if !found {
			merr = multierror.Append(merr, &targets.NoTargetsMatched{Name: name, Available: available})
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return matched, nil
}

func containsArtifact(list []*core.Artifact, artifact *core.Artifact) bool {
	for _, a := range list {
		if a == artifact {
			return true
		}
	}
	return false
}

// syncPhase rolls the session-level phase forward to match what all its
// artifacts have reached. When only a subset of binaries was processed the
// session stays where it was.
func syncPhase(session *core.Session) error {
	for _, phase := range []core.Phase{core.Instrumented, core.Collected, core.Optimized} {
		if session.ArtifactsAtLeast(phase) && !session.AtLeast(phase) {
			if err := session.Advance(phase); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsProfileUse(flags []string) bool {
	for _, flag := range flags {
		if strings.HasPrefix(flag, "-Cprofile-use=") {
			return true
		}
	}
	return false
}
