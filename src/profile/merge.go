package profile

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"time"

	"github.com/alessio/shellescape"

	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/metrics"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/toolchain"
)

// MergedProfileName is the name the merged profile is written under inside a
// session directory. It's deterministic so repeated merges overwrite rather
// than accumulate.
const MergedProfileName = "merged.profdata"

// A MergeFailed is returned when a profile merging tool exits unsuccessfully.
type MergeFailed struct {
	Tool     string
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (err *MergeFailed) Error() string {
	if err.Output == "" {
		return fmt.Sprintf("%s failed with exit code %d", err.Tool, err.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d:\n%s", err.Tool, err.ExitCode, err.Output)
}

// MergedProfilePath returns the absolute path of a session's merged profile.
func MergedProfilePath(session *core.Session) string {
	return path.Join(session.Dir, MergedProfileName)
}

// Merge combines the session's raw profiles into a single merged profile with
// llvm-profdata, recording the consumed set on the session. The caller is
// responsible for saving the session afterwards.
func Merge(ctx context.Context, executor *process.Executor, config *core.Configuration, tc *toolchain.Toolchain, session *core.Session) error {
	profdata, err := tc.RequireProfdata()
	if err != nil {
		return err
	}
	raws, err := RawProfiles(session)
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return &core.ProfileDataMissing{Dir: RawDir(session), Pattern: "*" + rawProfileSuffix}
	}
	// Inputs are passed in sorted relative form so the same set always produces
	// the same invocation, wherever the tree happens to live.
	argv := []string{profdata, "merge", "-o", MergedProfileName}
	names := make([]string, len(raws))
	for i, raw := range raws {
		argv = append(argv, raw.Name)
		names[i] = raw.Name
	}
	log.Notice("Merging %d raw profiles", len(raws))
	log.Debug("Running %s in %s", shellescape.QuoteCommand(argv), session.Dir)
	start := time.Now()
	_, combined, err := executor.ExecWithTimeout(ctx, session.Dir, nil, time.Duration(config.Profile.MergeTimeout), false, false, argv)
	metrics.RecordTool("llvm-profdata", err == nil, time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("profile merge timed out after %s", time.Duration(config.Profile.MergeTimeout))
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &MergeFailed{Tool: "llvm-profdata merge", ExitCode: exitCode, Output: process.OutputTail(combined)}
	}
	session.MergedProfile = MergedProfileName
	session.MergedFrom = names
	return nil
}
