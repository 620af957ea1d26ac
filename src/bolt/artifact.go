package bolt

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/metrics"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/profile"
)

// xattrName is the extended attribute binary hashes get recorded under.
const xattrName = "user.pogo_hash"

// instrumentedName is the file name of the instrumented copy within an
// artifact's directory.
const instrumentedName = "instrumented"

// mergedFdataName is the merged profile file within an artifact's directory.
const mergedFdataName = "merged.fdata"

// fdataPattern describes raw fdata files in errors about them.
const fdataPattern = "*.fdata.*"

// defaultOptimizeArgs are the llvm-bolt flags used for the optimization rewrite
// when the config doesn't override them.
var defaultOptimizeArgs = []string{
	"-reorder-blocks=ext-tsp",
	"-reorder-functions=hfsort",
	"-split-functions",
	"-split-all-cold",
	"-update-debug-sections",
	"-dyno-stats",
}

// artifactDir returns the directory holding one binary's BOLT files.
func artifactDir(session *core.Session, artifact *core.Artifact) string {
	return path.Join(session.Dir, strings.ReplaceAll(artifact.Name, " ", "-"))
}

// artifactBase is the file name stem for an artifact's profile files.
func artifactBase(artifact *core.Artifact) string {
	return path.Base(artifact.Path)
}

// instrumentArtifact rewrites one binary into an instrumented copy and records
// the original's hash so a later optimize can tell whether it has changed.
func (p *Pipeline) instrumentArtifact(ctx context.Context, session *core.Session, artifact *core.Artifact) error {
	dir := artifactDir(session, artifact)
	if err := fs.EnsureDir(dir); err != nil {
		return err
	}
	hash, err := fs.HashFile(artifact.Path)
	if err != nil {
		return err
	}
	artifact.Hash = hex.EncodeToString(hash)
	if err := fs.RecordAttr(artifact.Path, hash, xattrName, p.config.Bolt.Xattrs); err != nil {
		log.Warning("Failed to record hash for %s: %s", artifact.Path, err)
	}
	extraArgs, err := p.config.BoltArgs(p.config.Bolt.InstrumentArgs)
	if err != nil {
		return err
	}
	instrumented := path.Join(dir, instrumentedName)
	argv := append([]string{
		p.bolt, artifact.Path,
		"-instrument",
		"-o", instrumented,
		"--instrumentation-file=" + path.Join(dir, artifactBase(artifact)+".fdata"),
		"--instrumentation-file-append-pid",
	}, extraArgs...)
	if err := p.run(ctx, artifact, "instrumentation", dir, process.Quiet, argv); err != nil {
		return err
	}
	artifact.Instrumented = instrumented
	if err := session.AdvanceArtifact(artifact, core.Instrumented); err != nil {
		return err
	}
	log.Notice("Instrumented %s; run %s under a representative workload", artifact.Name, instrumented)
	return nil
}

// optimizeArtifact merges one binary's collected fdata and rewrites the binary
// into an optimized copy. The original is left untouched so it can keep being
// used if the optimized one misbehaves.
func (p *Pipeline) optimizeArtifact(ctx context.Context, session *core.Session, artifact *core.Artifact) error {
	if !session.ArtifactAtLeast(artifact, core.Instrumented) {
		return &core.IncompatiblePhaseTransition{
			Kind:      session.Kind,
			Current:   artifact.Phase,
			Attempted: core.Collected,
			Required:  core.Instrumented,
		}
	}
	hash, err := fs.HashFileHex(artifact.Path)
	if err != nil {
		return err
	}
	// The session record holds the instrument-time hash; the attr recorded on the
	// binary itself stands in when the session predates it.
	recorded := artifact.Hash
	if recorded == "" {
		recorded = hex.EncodeToString(fs.ReadAttr(artifact.Path, xattrName, p.config.Bolt.Xattrs))
	}
	if recorded != "" && recorded != hash {
		return fmt.Errorf("%s has changed since it was instrumented; run `pogo bolt instrument` again", artifact.Name)
	}
	fdata, err := p.collectFdata(ctx, session, artifact)
	if err != nil {
		return err
	}
	artifact.Fdata = fdata
	dir := artifactDir(session, artifact)
	optimized := path.Join(dir, artifactBase(artifact)+".optimized")
	args, err := p.optimizeArgs()
	if err != nil {
		return err
	}
	argv := append([]string{p.bolt, artifact.Path, "-o", optimized, "-data", fdata}, args...)
	if err := p.run(ctx, artifact, "optimization", dir, process.GroupImmediate, argv); err != nil {
		return err
	}
	// llvm-bolt only ever reads the original; check nothing snuck a write in.
	if after, err := fs.HashFileHex(artifact.Path); err != nil {
		return err
	} else if after != hash {
		return fmt.Errorf("%s was modified while being optimized", artifact.Name)
	}
	artifact.Optimized = optimized
	if err := session.AdvanceArtifact(artifact, core.Optimized); err != nil {
		return err
	}
	log.Notice("Optimized %s -> %s", artifact.Name, optimized)
	return nil
}

// collectFdata finds the raw fdata files the instrumented runs wrote and merges
// them into a single profile, advancing the artifact to the collected phase.
// A single raw file is used as-is without a merge step.
func (p *Pipeline) collectFdata(ctx context.Context, session *core.Session, artifact *core.Artifact) (string, error) {
	dir := artifactDir(session, artifact)
	raws, err := rawFdataFiles(dir, artifactBase(artifact))
	if err != nil {
		return "", err
	}
	if len(raws) == 0 {
		return "", &core.ProfileDataMissing{Dir: dir, Pattern: fdataPattern}
	}
	if err := session.AdvanceArtifact(artifact, core.Collected); err != nil {
		return "", err
	}
	log.Notice("Found %d profile(s) for %s", len(raws), artifact.Name)
	if len(raws) == 1 {
		return path.Join(dir, raws[0]), nil
	}
	merged := path.Join(dir, mergedFdataName)
	argv := append([]string{p.mergeFdata}, raws...)
	log.Debug("Running %s in %s", shellescape.QuoteCommand(argv), dir)
	start := time.Now()
	stdout, combined, err := p.executor.ExecWithTimeout(ctx, dir, nil, time.Duration(p.config.Bolt.Timeout), false, false, argv)
	metrics.RecordTool("merge-fdata", err == nil, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("merge-fdata for %s timed out after %s", artifact.Name, time.Duration(p.config.Bolt.Timeout))
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &profile.MergeFailed{Tool: "merge-fdata", ExitCode: exitCode, Output: process.OutputTail(combined)}
	}
	if err := fs.WriteFile(bytes.NewReader(stdout), merged, 0644); err != nil {
		return "", err
	}
	return merged, nil
}

// optimizeArgs returns the llvm-bolt flags for the optimization rewrite.
func (p *Pipeline) optimizeArgs() ([]string, error) {
	if p.config.Bolt.OptimizeArgs != "" {
		return p.config.BoltArgs(p.config.Bolt.OptimizeArgs)
	}
	return defaultOptimizeArgs, nil
}

// run executes one llvm-bolt invocation. Instrumentation runs quietly since its
// output is uninteresting; optimization shows its output (the dyno-stats) once
// it completes.
func (p *Pipeline) run(ctx context.Context, artifact *core.Artifact, action, dir string, mode process.OutputMode, argv []string) error {
	log.Debug("Running %s", shellescape.QuoteCommand(argv))
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.executor.LogProgress(lctx, artifact.Name, "under "+action)
	return process.RunWithOutput(mode, fmt.Sprintf("%s %s:", artifact.Name, action), func() ([]byte, error) {
		start := time.Now()
		_, combined, err := p.executor.ExecWithTimeout(ctx, dir, nil, time.Duration(p.config.Bolt.Timeout), false, false, argv)
		metrics.RecordTool("llvm-bolt", err == nil, time.Since(start))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return combined, fmt.Errorf("llvm-bolt %s of %s timed out after %s", action, artifact.Name, time.Duration(p.config.Bolt.Timeout))
			}
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			return combined, &RewriteFailed{Action: action, Target: artifact.Name, ExitCode: exitCode, Output: process.OutputTail(combined)}
		}
		return combined, nil
	})
}

// ProfileFiles returns the raw profile files an instrumented binary has written
// so far. It's how reporting knows whether a binary has been run yet.
func ProfileFiles(session *core.Session, artifact *core.Artifact) ([]string, error) {
	return rawFdataFiles(artifactDir(session, artifact), artifactBase(artifact))
}

// rawFdataFiles lists the raw profile files an instrumented binary has written
// into its directory, sorted so merges see deterministic arguments.
func rawFdataFiles(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := base + ".fdata."
	files := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
