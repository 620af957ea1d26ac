// Package run executes instrumented binaries so they collect profile data,
// building them first when the current session can't already provide one.
package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alessio/shellescape"

	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/metrics"
	"github.com/please-build/pogo/src/pgo"
	"github.com/please-build/pogo/src/targets"
)

var log = logger.Log

// Run replaces this process with the named target's instrumented binary, passing
// args through to it, so the workload owns the terminal and its exit status.
// On success it never returns. The binary is built first if the current session
// can't already provide an instrumented copy of it.
func Run(ctx context.Context, orchestrator *pgo.Orchestrator, metadata *targets.Metadata, requested string, args []string) error {
	list, err := targets.Match(metadata.Executables(), []string{requested})
	if err != nil {
		return err
	}
	if len(list) > 1 {
		return fmt.Errorf("%s names more than one target (%s); there's no unique binary to run", requested, strings.Join(targets.Names(list), ", "))
	}
	artifact, err := instrumented(ctx, orchestrator, list[0].String(), requested)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(artifact.Path)
	if err != nil {
		return err
	}
	argv := append([]string{path}, args...)
	log.Info("Running %s", shellescape.QuoteCommand(argv))
	metrics.Stop() // Exec never returns, so push anything recorded now.
	return syscall.Exec(path, argv, os.Environ())
}

// instrumented returns an artifact holding an instrumented build of the named
// target, rebuilding when the session is missing, was optimized already or its
// binary has gone away.
func instrumented(ctx context.Context, orchestrator *pgo.Orchestrator, name, requested string) (*core.Artifact, error) {
	session, err := orchestrator.LatestSession()
	if err != nil {
		return nil, err
	}
	if artifact := sessionArtifact(session, name); artifact != nil {
		return artifact, nil
	}
	session, err = orchestrator.Instrument(ctx, []string{requested}, nil)
	if err != nil {
		return nil, err
	}
	if artifact := sessionArtifact(session, name); artifact != nil {
		return artifact, nil
	}
	return nil, fmt.Errorf("instrumented build of %s produced no binary", name)
}

// sessionArtifact returns the named artifact if the session can provide an
// instrumented binary for it, or nil if a fresh build is needed.
func sessionArtifact(session *core.Session, name string) *core.Artifact {
	if session == nil || !session.AtLeast(core.Instrumented) {
		return nil
	}
	artifact := session.Artifact(name)
	if artifact == nil || artifact.Optimized != "" || !fs.FileExists(artifact.Path) {
		return nil
	}
	return artifact
}
